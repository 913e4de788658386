/*
handlers_test.go - HTTP tests for the billing triggers and reads

Tests run the real router over an in-memory SQLite store with a fixed
clock, so every request goes through validation, the engine and the
store exactly as in production.
*/
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/dues-engine/billing"
	"github.com/warp/dues-engine/store/sqlite"
)

var testNow = time.Date(2025, time.May, 15, 12, 0, 0, 0, time.UTC)

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func setupTestHandler(t *testing.T) (*Handler, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := NewHandler(billing.NewEngine(store, quietLog()), store, quietLog())
	h.now = func() time.Time { return testNow }
	return h, store
}

func setupTestRouter(t *testing.T) (*chi.Mux, *Handler, *sqlite.Store) {
	h, store := setupTestHandler(t)
	return NewRouter(h, nil), h, store
}

// seedDuesMember creates member m1 with a compulsory dues tab of 50/month.
func seedDuesMember(t *testing.T, store *sqlite.Store, tabCreated time.Time) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.SaveMember(ctx, billing.Member{
		ID: "m1", OrganizationID: "org", UserID: "u1", Status: billing.StatusActive,
		UnpaidBalance: decimal.Zero, TotalPaid: decimal.Zero, ActivatedAt: &tabCreated, CreatedAt: tabCreated,
	}))
	require.NoError(t, store.SaveTab(ctx, billing.PaymentTab{
		ID: "dues", MemberID: "m1", OrganizationID: "org", Name: "Dues",
		Nature: billing.NatureCompulsory, MonthlyCost: decimal.NewFromInt(50),
		BillingCycle: billing.CycleMonthly, IsActive: true, CreatedAt: tabCreated,
	}))
}

func do(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func assertMoneyEqual(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, billing.MustMoney(want).Equal(got), "want %s, got %s", want, got)
}

func rolloverAt(t *testing.T, router http.Handler, at string) RolloverResultDTO {
	t.Helper()
	rec := do(t, router, http.MethodPost, "/api/jobs/rollover", `{"now":"`+at+`"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decodeBody[RolloverResultDTO](t, rec)
}

func TestHealth(t *testing.T) {
	router, _, _ := setupTestRouter(t)

	rec := do(t, router, http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}

// =============================================================================
// ALLOCATE
// =============================================================================

func TestAllocatePayment_OldestMonthFirst(t *testing.T) {
	// GIVEN: April closed with 50 unpaid, May open
	router, _, store := setupTestRouter(t)
	seedDuesMember(t, store, time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC))
	rolloverAt(t, router, "2025-04-01T01:00:00Z")
	rolloverAt(t, router, "2025-05-01T01:00:00Z")

	// WHEN: 70 is paid
	rec := do(t, router, http.MethodPost, "/api/payments/allocate",
		`{"member_id":"m1","tab_id":"dues","payment_id":"p1","amount":"70","paid_at":"2025-05-10T09:00:00Z"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN: April settles, May gets the rest, cache drops to zero
	result := decodeBody[AllocationResultDTO](t, rec)
	assert.True(t, result.Tracked)
	assert.Equal(t, "70.00", result.AllocatedTotal)
	assert.Equal(t, "0.00", result.Remaining)
	require.Len(t, result.Allocations, 2)
	assert.Equal(t, "2025-04-01", result.Allocations[0].Month)
	assert.Equal(t, "50.00", result.Allocations[0].AmountApplied)
	assert.True(t, result.Allocations[0].Settled)
	assert.Equal(t, "2025-05-01", result.Allocations[1].Month)
	assert.Equal(t, "20.00", result.Allocations[1].AmountApplied)
	assert.False(t, result.Allocations[1].Settled)

	member := decodeBody[MemberDTO](t, do(t, router, http.MethodGet, "/api/members/m1", ""))
	assert.Equal(t, "0.00", member.UnpaidBalance)

	balances := decodeBody[[]BalanceDTO](t, do(t, router, http.MethodGet, "/api/members/m1/balances", ""))
	require.Len(t, balances, 2)
	assert.True(t, balances[0].IsSettled)
	assert.Equal(t, "20.00", balances[1].PaidAmount)

	audit := decodeBody[[]AuditEntryDTO](t, do(t, router, http.MethodGet, "/api/members/m1/audit", ""))
	var applied int
	for _, e := range audit {
		if e.Action == string(billing.AuditPaymentApplied) {
			applied++
		}
	}
	assert.Equal(t, 2, applied)
}

func TestAllocatePayment_ReplayIsNoop(t *testing.T) {
	router, _, store := setupTestRouter(t)
	seedDuesMember(t, store, time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC))
	rolloverAt(t, router, "2025-05-01T01:00:00Z")
	body := `{"member_id":"m1","tab_id":"dues","payment_id":"p1","amount":"30"}`

	first := decodeBody[AllocationResultDTO](t, do(t, router, http.MethodPost, "/api/payments/allocate", body))
	rec := do(t, router, http.MethodPost, "/api/payments/allocate", body)

	require.Equal(t, http.StatusOK, rec.Code)
	second := decodeBody[AllocationResultDTO](t, rec)
	assert.Equal(t, "30.00", first.AllocatedTotal)
	assert.True(t, second.Duplicate)
	assert.Equal(t, "0.00", second.AllocatedTotal)

	balances := decodeBody[[]BalanceDTO](t, do(t, router, http.MethodGet, "/api/members/m1/balances", ""))
	require.Len(t, balances, 1)
	assert.Equal(t, "30.00", balances[0].PaidAmount)
}

func TestAllocatePayment_RejectsBadInput(t *testing.T) {
	router, _, store := setupTestRouter(t)
	seedDuesMember(t, store, time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC))

	tests := []struct {
		name   string
		body   string
		status int
		field  string
	}{
		{"malformed json", `{"member_id":`, http.StatusBadRequest, ""},
		{"missing member", `{"tab_id":"dues","payment_id":"p1","amount":"10"}`, http.StatusBadRequest, "MemberID"},
		{"non-numeric amount", `{"member_id":"m1","tab_id":"dues","payment_id":"p1","amount":"ten"}`, http.StatusBadRequest, "Amount"},
		{"bad paid_at", `{"member_id":"m1","tab_id":"dues","payment_id":"p1","amount":"10","paid_at":"yesterday"}`, http.StatusBadRequest, "PaidAt"},
		{"zero amount", `{"member_id":"m1","tab_id":"dues","payment_id":"p1","amount":"0"}`, http.StatusBadRequest, ""},
		{"unknown tab", `{"member_id":"m1","tab_id":"nope","payment_id":"p1","amount":"10"}`, http.StatusNotFound, ""},
		{"tab of another member", `{"member_id":"m2","tab_id":"dues","payment_id":"p1","amount":"10"}`, http.StatusBadRequest, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, router, http.MethodPost, "/api/payments/allocate", tt.body)

			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			if tt.field != "" {
				resp := decodeBody[ErrorResponse](t, rec)
				assert.Contains(t, resp.Fields, tt.field)
			}
		})
	}
}

// =============================================================================
// JOBS
// =============================================================================

func TestRollover_FreezeThenPaymentUnfreezes(t *testing.T) {
	// GIVEN: dues since February, never paid
	router, _, store := setupTestRouter(t)
	seedDuesMember(t, store, time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC))
	for _, at := range []string{"2025-02-01T01:00:00Z", "2025-03-01T01:00:00Z", "2025-04-01T01:00:00Z"} {
		rolloverAt(t, router, at)
	}

	// WHEN: May's rollover closes the third unpaid month
	result := rolloverAt(t, router, "2025-05-01T01:00:00Z")

	// THEN: member frozen with 150 carried
	assert.Equal(t, "2025-05-01", result.Month)
	assert.Equal(t, 1, result.Closed)
	assert.Equal(t, 1, result.Opened)
	assert.Equal(t, []string{"m1"}, result.Freeze.Frozen)

	member := decodeBody[MemberDTO](t, do(t, router, http.MethodGet, "/api/members/m1", ""))
	assert.Equal(t, "frozen", member.Status)
	assert.Equal(t, "150.00", member.UnpaidBalance)
	assert.NotNil(t, member.FrozenAt)

	// Manual unfreeze refuses while balances are open
	unfreeze := decodeBody[UnfreezeDTO](t, do(t, router, http.MethodPost, "/api/members/m1/unfreeze", ""))
	assert.False(t, unfreeze.Unfrozen)
	assert.Equal(t, "frozen", unfreeze.Status)

	// Paying everything, current month included, reactivates
	paid := decodeBody[AllocationResultDTO](t, do(t, router, http.MethodPost, "/api/payments/allocate",
		`{"member_id":"m1","tab_id":"dues","payment_id":"p-all","amount":"200"}`))
	assert.True(t, paid.Unfrozen)
	assert.Len(t, paid.Allocations, 4)

	member = decodeBody[MemberDTO](t, do(t, router, http.MethodGet, "/api/members/m1", ""))
	assert.Equal(t, "active", member.Status)
	assert.Equal(t, "0.00", member.UnpaidBalance)
	assert.Nil(t, member.FrozenAt)
}

func TestRollover_SameDayTwiceIsIdempotent(t *testing.T) {
	router, _, store := setupTestRouter(t)
	seedDuesMember(t, store, time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC))
	rolloverAt(t, router, "2025-04-01T01:00:00Z")

	first := rolloverAt(t, router, "2025-05-01T01:00:00Z")
	second := rolloverAt(t, router, "2025-05-01T02:00:00Z")

	assert.Equal(t, 1, first.Closed)
	assert.Equal(t, 0, second.Closed)
	assert.Equal(t, 0, second.Opened)
	assert.Equal(t, 1, second.AlreadyOpen)

	member := decodeBody[MemberDTO](t, do(t, router, http.MethodGet, "/api/members/m1", ""))
	assert.Equal(t, "50.00", member.UnpaidBalance)
}

func TestDelinquencySweep(t *testing.T) {
	router, _, store := setupTestRouter(t)
	seedDuesMember(t, store, time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC))
	for _, at := range []string{"2025-02-01T01:00:00Z", "2025-03-01T01:00:00Z", "2025-04-01T01:00:00Z"} {
		rolloverAt(t, router, at)
	}

	// April is still open on April 20: only two closed unpaid months
	rec := do(t, router, http.MethodPost, "/api/jobs/delinquency", `{"now":"2025-04-20T00:00:00Z"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	result := decodeBody[FreezeResultDTO](t, rec)
	assert.Equal(t, 0, result.Candidates)
	assert.Empty(t, result.Frozen)
}

func TestSuspensions_MarksLapsedMemberInactive(t *testing.T) {
	router, _, store := setupTestRouter(t)
	seedDuesMember(t, store, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))

	rec := do(t, router, http.MethodPost, "/api/jobs/suspensions", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	result := decodeBody[SuspensionResultDTO](t, rec)
	assert.Equal(t, 1, result.Checked)
	assert.Equal(t, []string{"m1"}, result.Suspended)

	member := decodeBody[MemberDTO](t, do(t, router, http.MethodGet, "/api/members/m1", ""))
	assert.Equal(t, "inactive", member.Status)
	assert.Contains(t, member.InactiveReason, "2025-01-01")
}

func TestReconcile_RepairsDrift(t *testing.T) {
	// GIVEN: dues since March 1, 20 paid, cached totals zeroed out
	router, _, store := setupTestRouter(t)
	seedDuesMember(t, store, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))
	rolloverAt(t, router, "2025-03-01T01:00:00Z")
	rec := do(t, router, http.MethodPost, "/api/payments/allocate",
		`{"member_id":"m1","tab_id":"dues","payment_id":"p1","amount":"20","paid_at":"2025-03-05T00:00:00Z"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, store.SetTotals(context.Background(), "m1", decimal.Zero, decimal.Zero))

	// WHEN: reconciled on May 15 (two full monthly periods elapsed)
	rec = do(t, router, http.MethodPost, "/api/jobs/reconcile", `{"member_id":"m1"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN
	result := decodeBody[ReconcileResultDTO](t, rec)
	require.Len(t, result.Members, 1)
	totals := result.Members[0]
	assert.Equal(t, "100.00", totals.ExpectedTotal)
	assert.Equal(t, "20.00", totals.TotalPaid)
	assert.Equal(t, "80.00", totals.UnpaidBalance)
	assert.True(t, totals.Drifted)

	member := decodeBody[MemberDTO](t, do(t, router, http.MethodGet, "/api/members/m1", ""))
	assert.Equal(t, "20.00", member.TotalPaid)
	assert.Equal(t, "80.00", member.UnpaidBalance)
}

func TestReconcile_UnknownMember(t *testing.T) {
	router, _, _ := setupTestRouter(t)

	rec := do(t, router, http.MethodPost, "/api/jobs/reconcile", `{"member_id":"ghost"}`)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListRolloverRuns(t *testing.T) {
	router, _, store := setupTestRouter(t)
	seedDuesMember(t, store, time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC))
	rolloverAt(t, router, "2025-04-01T01:00:00Z")
	rolloverAt(t, router, "2025-05-01T01:00:00Z")

	runs := decodeBody[[]RolloverRunDTO](t, do(t, router, http.MethodGet, "/api/jobs/runs", ""))
	require.Len(t, runs, 2)
	assert.Equal(t, "2025-05-01", runs[0].Month, "newest first")
	assert.Equal(t, "completed", runs[0].Status)

	limited := decodeBody[[]RolloverRunDTO](t, do(t, router, http.MethodGet, "/api/jobs/runs?limit=1", ""))
	assert.Len(t, limited, 1)

	assert.Equal(t, http.StatusBadRequest, do(t, router, http.MethodGet, "/api/jobs/runs?limit=zero", "").Code)
}

// =============================================================================
// READS
// =============================================================================

func TestMemberReads_NotFound(t *testing.T) {
	router, _, _ := setupTestRouter(t)

	for _, path := range []string{"/api/members/ghost", "/api/members/ghost/balances", "/api/members/ghost/audit"} {
		rec := do(t, router, http.MethodGet, path, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
	assert.Equal(t, http.StatusNotFound, do(t, router, http.MethodPost, "/api/members/ghost/unfreeze", "").Code)
}

func TestJobTrigger_RejectsBadClock(t *testing.T) {
	router, _, _ := setupTestRouter(t)

	rec := do(t, router, http.MethodPost, "/api/jobs/rollover", `{"now":"next tuesday"}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
