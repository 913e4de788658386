package billing_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/dues-engine/billing"
	memstore "github.com/warp/dues-engine/billing/store"
	"pgregory.net/rapid"
)

var paidAt = time.Date(2025, time.April, 10, 12, 0, 0, 0, time.UTC)

// seedMarchAprilLedger: March closed with 10 unpaid, April open and unpaid.
func seedMarchAprilLedger(store *memstore.Memory) {
	seedMember(store, testMember, billing.StatusActive, "10")
	seedTab(store, testTab, testMember, billing.NatureCompulsory, "50", month(2024, time.January))
	seedRow(store, "bal-mar", testMember, testTab, month(2025, time.March), "50", "40", true)
	seedRow(store, "bal-apr", testMember, testTab, month(2025, time.April), "50", "0", false)
}

func allocateInput(paymentID string, amount string) billing.AllocateInput {
	return billing.AllocateInput{
		MemberID:       testMember,
		TabID:          testTab,
		PaymentID:      billing.PaymentID(paymentID),
		OrganizationID: testOrg,
		Amount:         money(amount),
		At:             paidAt,
	}
}

// =============================================================================
// ALLOCATION ORDER
// =============================================================================

func TestAllocate_OldestMonthFirst(t *testing.T) {
	// GIVEN: March carries 10 unpaid, April is open with 50 owed
	engine, store := newTestEngine(t)
	seedMarchAprilLedger(store)

	// WHEN: A payment of 20 arrives
	result, err := engine.Allocate(context.Background(), allocateInput("pay-1", "20"))
	require.NoError(t, err)

	// THEN: March is settled first, the rest goes to April
	require.Len(t, result.Allocations, 2)
	assert.Equal(t, billing.BalanceID("bal-mar"), result.Allocations[0].BalanceID)
	assertMoney(t, "10", result.Allocations[0].AmountApplied)
	assert.True(t, result.Allocations[0].Settled)
	assert.Equal(t, billing.BalanceID("bal-apr"), result.Allocations[1].BalanceID)
	assertMoney(t, "10", result.Allocations[1].AmountApplied)
	assert.False(t, result.Allocations[1].Settled)
	assertMoney(t, "20", result.AllocatedTotal)
	assertMoney(t, "0", result.Remaining)
	assert.True(t, result.Tracked)

	mar := getRow(t, store, "bal-mar")
	assert.True(t, mar.IsSettled)
	assertMoney(t, "50", mar.PaidAmount)
	assertMoney(t, "0", mar.UnpaidAmount)
	require.NotNil(t, mar.SettledAt)

	apr := getRow(t, store, "bal-apr")
	assert.False(t, apr.IsSettled)
	assertMoney(t, "10", apr.PaidAmount)
	assertMoney(t, "0", apr.UnpaidAmount) // open month carries no unpaid amount before close

	// AND: The cached unpaid balance drops by the settled March shortfall only
	assertMoney(t, "0", getMember(t, store, testMember).UnpaidBalance)
}

func TestAllocate_ClosedShortfallAbsorbsWholePayment(t *testing.T) {
	// GIVEN: March closed with nothing paid, April open with 30 of 100 paid
	engine, store := newTestEngine(t)
	seedMember(store, testMember, billing.StatusActive, "100")
	seedTab(store, testTab, testMember, billing.NatureCompulsory, "100", month(2024, time.January))
	seedRow(store, "bal-mar", testMember, testTab, month(2025, time.March), "100", "0", true)
	seedRow(store, "bal-apr", testMember, testTab, month(2025, time.April), "100", "30", false)

	// WHEN: 90 is paid
	result, err := engine.Allocate(context.Background(), allocateInput("pay-1", "90"))
	require.NoError(t, err)

	// THEN: All of it goes to March, which stays unsettled with 10 unpaid
	require.Len(t, result.Allocations, 1)
	assertMoney(t, "90", result.AllocatedTotal)
	assertMoney(t, "0", result.Remaining)

	mar := getRow(t, store, "bal-mar")
	assertMoney(t, "90", mar.PaidAmount)
	assertMoney(t, "10", mar.UnpaidAmount)
	assert.False(t, mar.IsSettled)

	// AND: April is untouched
	apr := getRow(t, store, "bal-apr")
	assertMoney(t, "30", apr.PaidAmount)
	assert.False(t, apr.IsSettled)

	assertMoney(t, "10", getMember(t, store, testMember).UnpaidBalance)
}

func TestAllocate_AuditsEveryRowTouched(t *testing.T) {
	engine, store := newTestEngine(t)
	seedMarchAprilLedger(store)

	_, err := engine.Allocate(context.Background(), allocateInput("pay-1", "20"))
	require.NoError(t, err)

	entries, err := store.ListAudit(context.Background(), testMember)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, billing.AuditPaymentApplied, e.Action)
		assert.Equal(t, "pay-1", e.Metadata["payment_id"])
	}
	assertMoney(t, "10", entries[0].UnpaidBefore)
	assertMoney(t, "0", entries[0].UnpaidAfter)
	assert.Equal(t, "true", entries[0].Metadata["settled"])
}

func TestAllocate_Overpayment_ReportsRemaining(t *testing.T) {
	// GIVEN: 60 outstanding in total
	engine, store := newTestEngine(t)
	seedMarchAprilLedger(store)

	// WHEN: 200 is paid
	result, err := engine.Allocate(context.Background(), allocateInput("pay-1", "200"))
	require.NoError(t, err)

	// THEN: Every row settles and the excess is reported, never lost
	assertMoney(t, "60", result.AllocatedTotal)
	assertMoney(t, "140", result.Remaining)
	assert.True(t, getRow(t, store, "bal-apr").IsSettled)
}

func TestAllocate_NoUnsettledRows_NothingApplied(t *testing.T) {
	engine, store := newTestEngine(t)
	seedMember(store, testMember, billing.StatusActive, "0")
	seedTab(store, testTab, testMember, billing.NatureCompulsory, "50", month(2024, time.January))

	result, err := engine.Allocate(context.Background(), allocateInput("pay-1", "25"))
	require.NoError(t, err)

	assert.Empty(t, result.Allocations)
	assertMoney(t, "25", result.Remaining)
}

// =============================================================================
// OPTIONAL TABS
// =============================================================================

func TestAllocate_OptionalTab_IsNoOp(t *testing.T) {
	// GIVEN: An optional tab with an (unexpected) open row
	engine, store := newTestEngine(t)
	seedMember(store, testMember, billing.StatusActive, "0")
	seedTab(store, "tab-gym", testMember, billing.NatureOptional, "20", month(2024, time.January))
	seedRow(store, "bal-gym", testMember, "tab-gym", month(2025, time.April), "20", "0", false)

	// WHEN: A payment arrives for it
	in := allocateInput("pay-1", "20")
	in.TabID = "tab-gym"
	result, err := engine.Allocate(context.Background(), in)
	require.NoError(t, err)

	// THEN: The ledger is untouched
	assert.False(t, result.Tracked)
	assert.Empty(t, result.Allocations)
	assertMoney(t, "20", result.Remaining)
	assertMoney(t, "0", getRow(t, store, "bal-gym").PaidAmount)
}

// =============================================================================
// EXACTLY ONCE
// =============================================================================

func TestAllocate_DuplicatePayment_AppliedOnce(t *testing.T) {
	engine, store := newTestEngine(t)
	seedMarchAprilLedger(store)

	_, err := engine.Allocate(context.Background(), allocateInput("pay-1", "20"))
	require.NoError(t, err)

	// WHEN: The same payment is delivered again
	replay, err := engine.Allocate(context.Background(), allocateInput("pay-1", "20"))
	require.NoError(t, err)

	// THEN: Nothing moves
	assert.True(t, replay.Duplicate)
	assert.Empty(t, replay.Allocations)
	assertMoney(t, "0", replay.AllocatedTotal)
	assertMoney(t, "10", getRow(t, store, "bal-apr").PaidAmount)
}

func TestAllocate_AllRowsFail_ReleasesPaymentForRetry(t *testing.T) {
	engine, store := newTestEngine(t)
	seedMarchAprilLedger(store)
	store.FailUpdate = func(billing.MonthlyBalance) error { return errors.New("disk full") }

	result, err := engine.Allocate(context.Background(), allocateInput("pay-1", "20"))
	require.NoError(t, err)
	assert.Len(t, result.Failures, 2)
	assertMoney(t, "20", result.Remaining)

	// WHEN: The store recovers and the payment is retried
	store.FailUpdate = nil
	retry, err := engine.Allocate(context.Background(), allocateInput("pay-1", "20"))
	require.NoError(t, err)

	// THEN: It is applied, not reported as a duplicate
	assert.False(t, retry.Duplicate)
	assertMoney(t, "20", retry.AllocatedTotal)
}

func TestAllocate_MemberCacheNeverGoesNegative(t *testing.T) {
	// GIVEN: A member whose cached unpaid balance has drifted to zero
	engine, store := newTestEngine(t)
	seedMember(store, testMember, billing.StatusActive, "0")
	seedTab(store, testTab, testMember, billing.NatureCompulsory, "50", month(2024, time.January))
	seedRow(store, "bal-mar", testMember, testTab, month(2025, time.March), "50", "40", true)

	// WHEN: The closed shortfall is paid
	_, err := engine.Allocate(context.Background(), allocateInput("pay-1", "10"))
	require.NoError(t, err)

	// THEN: The cache is floored at zero
	assertMoney(t, "0", getMember(t, store, testMember).UnpaidBalance)
	assert.True(t, getRow(t, store, "bal-mar").IsSettled)
}

// cancellingLocker cancels the caller's context while "acquiring" the lock,
// like a client that disconnects mid-request. With fail set the lock is
// reported as not obtained.
type cancellingLocker struct {
	cancel context.CancelFunc
	fail   bool
}

func (l cancellingLocker) Lock(ctx context.Context, _ string) (func(), error) {
	l.cancel()
	if l.fail {
		return nil, ctx.Err()
	}
	return func() {}, nil
}

func TestAllocate_CallerGoneBeforeLock_RetryApplies(t *testing.T) {
	// GIVEN: The caller disconnects while waiting for the ledger lock
	engine, store := newTestEngine(t)
	seedMarchAprilLedger(store)
	ctx, cancel := context.WithCancel(context.Background())
	engine.Locker = cancellingLocker{cancel: cancel, fail: true}

	_, err := engine.Allocate(ctx, allocateInput("pay-1", "20"))
	require.ErrorIs(t, err, context.Canceled)
	assertMoney(t, "40", getRow(t, store, "bal-mar").PaidAmount)

	// WHEN: The payment is delivered again
	engine.Locker = billing.NewKeyedMutex()
	retry, err := engine.Allocate(context.Background(), allocateInput("pay-1", "20"))
	require.NoError(t, err)

	// THEN: It is applied rather than reported as a duplicate
	assert.False(t, retry.Duplicate)
	assertMoney(t, "20", retry.AllocatedTotal)
	assert.True(t, getRow(t, store, "bal-mar").IsSettled)
}

func TestAllocate_CallerGoneAfterLock_WalkCompletes(t *testing.T) {
	// GIVEN: The caller disconnects right after the lock is taken
	engine, store := newTestEngine(t)
	seedMarchAprilLedger(store)
	ctx, cancel := context.WithCancel(context.Background())
	engine.Locker = cancellingLocker{cancel: cancel}

	result, err := engine.Allocate(ctx, allocateInput("pay-1", "20"))
	require.NoError(t, err)

	// THEN: The whole payment still lands and is marked allocated
	assertMoney(t, "20", result.AllocatedTotal)
	assert.True(t, getRow(t, store, "bal-mar").IsSettled)
	assertMoney(t, "10", getRow(t, store, "bal-apr").PaidAmount)

	engine.Locker = billing.NewKeyedMutex()
	replay, err := engine.Allocate(context.Background(), allocateInput("pay-1", "20"))
	require.NoError(t, err)
	assert.True(t, replay.Duplicate)
}

func TestAllocate_CancelledBeforeClaim_NothingHeld(t *testing.T) {
	engine, store := newTestEngine(t)
	seedMarchAprilLedger(store)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := engine.Allocate(ctx, allocateInput("pay-1", "20"))
	require.ErrorIs(t, err, context.Canceled)

	retry, err := engine.Allocate(context.Background(), allocateInput("pay-1", "20"))
	require.NoError(t, err)
	assert.False(t, retry.Duplicate)
	assertMoney(t, "20", retry.AllocatedTotal)
}

func TestAllocate_FreshClaimInFlight_ReportedAsDuplicate(t *testing.T) {
	// GIVEN: Another caller claimed the payment a moment ago
	engine, store := newTestEngine(t)
	seedMarchAprilLedger(store)
	now := time.Now()
	_, err := store.ClaimPayment(context.Background(), "pay-1", testMember, testTab, now, now.Add(-time.Hour))
	require.NoError(t, err)

	result, err := engine.Allocate(context.Background(), allocateInput("pay-1", "20"))
	require.NoError(t, err)

	assert.True(t, result.Duplicate)
	assertMoney(t, "40", getRow(t, store, "bal-mar").PaidAmount)
}

func TestAllocate_StaleClaim_TakenOver(t *testing.T) {
	// GIVEN: A claim whose owner died an hour ago without touching the ledger
	engine, store := newTestEngine(t)
	seedMarchAprilLedger(store)
	stale := time.Now().Add(-time.Hour)
	_, err := store.ClaimPayment(context.Background(), "pay-1", testMember, testTab, stale, stale)
	require.NoError(t, err)

	// WHEN: The payment is retried
	result, err := engine.Allocate(context.Background(), allocateInput("pay-1", "20"))
	require.NoError(t, err)

	// THEN: It is applied in full
	assert.False(t, result.Duplicate)
	assertMoney(t, "0", result.PreviouslyApplied)
	assertMoney(t, "20", result.AllocatedTotal)
	assertMoney(t, "10", getRow(t, store, "bal-apr").PaidAmount)
}

func TestAllocate_StaleClaim_DeductsWhatEarlierOwnerApplied(t *testing.T) {
	// GIVEN: The earlier owner settled March with 10 of the 20 and crashed
	engine, store := newTestEngine(t)
	seedMarchAprilLedger(store)
	ctx := context.Background()
	stale := time.Now().Add(-time.Hour)
	_, err := store.ClaimPayment(ctx, "pay-1", testMember, testTab, stale, stale)
	require.NoError(t, err)

	mar := getRow(t, store, "bal-mar")
	mar.PaidAmount, mar.UnpaidAmount, mar.IsSettled = money("50"), money("0"), true
	store.PutBalance(mar)
	require.NoError(t, store.AppendAudit(ctx, billing.AuditEntry{
		ID: "audit-1", BalanceID: "bal-mar", MemberID: testMember, Action: billing.AuditPaymentApplied,
		UnpaidBefore: money("10"), UnpaidAfter: money("0"),
		Metadata:  map[string]string{"payment_id": "pay-1", "amount_applied": "10"},
		CreatedAt: paidAt,
	}))

	// WHEN: The payment is retried
	result, err := engine.Allocate(ctx, allocateInput("pay-1", "20"))
	require.NoError(t, err)

	// THEN: Only the remaining 10 is applied, to April
	assertMoney(t, "10", result.PreviouslyApplied)
	assertMoney(t, "10", result.AllocatedTotal)
	assertMoney(t, "0", result.Remaining)
	assertMoney(t, "10", getRow(t, store, "bal-apr").PaidAmount)
	assertMoney(t, "50", getRow(t, store, "bal-mar").PaidAmount)
}

// =============================================================================
// FAILURE POLICY
// =============================================================================

func TestAllocate_RowFailure_ContinuesWithNextRow(t *testing.T) {
	// GIVEN: The March row cannot be written
	engine, store := newTestEngine(t)
	seedMarchAprilLedger(store)
	store.FailUpdate = func(b billing.MonthlyBalance) error {
		if b.ID == "bal-mar" {
			return errors.New("row locked")
		}
		return nil
	}

	// WHEN: 20 is paid
	result, err := engine.Allocate(context.Background(), allocateInput("pay-1", "20"))
	require.NoError(t, err)

	// THEN: The failure is reported and April still receives the money
	require.Len(t, result.Failures, 1)
	assert.Equal(t, "bal-mar", result.Failures[0].Item)
	require.Len(t, result.Allocations, 1)
	assert.Equal(t, billing.BalanceID("bal-apr"), result.Allocations[0].BalanceID)
	assertMoney(t, "20", result.AllocatedTotal)
	assertMoney(t, "0", result.Remaining)
	assertMoney(t, "10", getMember(t, store, testMember).UnpaidBalance)
}

func TestAllocate_VersionConflict_RetriedAgainstFreshRow(t *testing.T) {
	// GIVEN: Another writer bumps March between our read and our write
	engine, store := newTestEngine(t)
	seedMarchAprilLedger(store)
	conflicted := false
	store.FailUpdate = func(b billing.MonthlyBalance) error {
		if b.ID == "bal-mar" && !conflicted {
			conflicted = true
			return billing.ErrConcurrentModification
		}
		return nil
	}

	result, err := engine.Allocate(context.Background(), allocateInput("pay-1", "10"))
	require.NoError(t, err)

	// THEN: The retry succeeds
	assert.Empty(t, result.Failures)
	require.Len(t, result.Allocations, 1)
	assert.True(t, getRow(t, store, "bal-mar").IsSettled)
}

// =============================================================================
// INPUT VALIDATION
// =============================================================================

func TestAllocate_RejectsInvalidInput(t *testing.T) {
	engine, store := newTestEngine(t)
	seedMarchAprilLedger(store)
	seedMember(store, "member-2", billing.StatusActive, "0")
	seedTab(store, "tab-other", "member-2", billing.NatureCompulsory, "50", month(2024, time.January))

	tests := []struct {
		name    string
		mutate  func(*billing.AllocateInput)
		wantErr error
	}{
		{"zero amount", func(in *billing.AllocateInput) { in.Amount = decimal.Zero }, billing.ErrInvalidInput},
		{"negative amount", func(in *billing.AllocateInput) { in.Amount = money("-5") }, billing.ErrInvalidInput},
		{"missing payment id", func(in *billing.AllocateInput) { in.PaymentID = "" }, billing.ErrInvalidInput},
		{"missing member", func(in *billing.AllocateInput) { in.MemberID = " " }, billing.ErrInvalidInput},
		{"unknown tab", func(in *billing.AllocateInput) { in.TabID = "nope" }, billing.ErrTabNotFound},
		{"tab of another member", func(in *billing.AllocateInput) { in.TabID = "tab-other" }, billing.ErrInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := allocateInput("pay-x", "10")
			tt.mutate(&in)
			_, err := engine.Allocate(context.Background(), in)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	// Nothing was touched
	assertMoney(t, "40", getRow(t, store, "bal-mar").PaidAmount)
}

// =============================================================================
// UNFREEZE ON SETTLEMENT
// =============================================================================

func TestAllocate_SettlingLastRow_UnfreezesMember(t *testing.T) {
	// GIVEN: A frozen member whose only unsettled row is March
	engine, store := newTestEngine(t)
	m := seedMember(store, testMember, billing.StatusFrozen, "10")
	frozenAt := month(2025, time.March)
	m.FrozenAt, m.FreezeReason, m.FrozenBy = &frozenAt, "3 consecutive unpaid months", "system"
	store.PutMember(m)
	seedTab(store, testTab, testMember, billing.NatureCompulsory, "50", month(2024, time.January))
	seedRow(store, "bal-mar", testMember, testTab, month(2025, time.March), "50", "40", true)

	// WHEN: The shortfall is paid
	result, err := engine.Allocate(context.Background(), allocateInput("pay-1", "10"))
	require.NoError(t, err)

	// THEN: The member is active again with freeze fields cleared
	assert.True(t, result.Unfrozen)
	got := getMember(t, store, testMember)
	assert.Equal(t, billing.StatusActive, got.Status)
	assert.Nil(t, got.FrozenAt)
	assert.Empty(t, got.FreezeReason)
	assert.Len(t, notificationsOfType(store, billing.NotifyAccountReactivated), 1)
}

func TestAllocate_PartialPayment_MemberStaysFrozen(t *testing.T) {
	engine, store := newTestEngine(t)
	seedMember(store, testMember, billing.StatusFrozen, "10")
	seedTab(store, testTab, testMember, billing.NatureCompulsory, "50", month(2024, time.January))
	seedRow(store, "bal-mar", testMember, testTab, month(2025, time.March), "50", "40", true)

	result, err := engine.Allocate(context.Background(), allocateInput("pay-1", "5"))
	require.NoError(t, err)

	assert.False(t, result.Unfrozen)
	assert.Equal(t, billing.StatusFrozen, getMember(t, store, testMember).Status)
	assertMoney(t, "5", getMember(t, store, testMember).UnpaidBalance)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestAllocate_ConcurrentPayments_NeverOverApply(t *testing.T) {
	// GIVEN: Four open months of 25 each (100 total)
	engine, store := newTestEngine(t)
	seedMember(store, testMember, billing.StatusActive, "0")
	seedTab(store, testTab, testMember, billing.NatureCompulsory, "25", month(2024, time.January))
	for i, m := range []time.Month{time.January, time.February, time.March, time.April} {
		seedRow(store, billing.BalanceID(fmt.Sprintf("bal-%d", i)), testMember, testTab, month(2025, m), "25", "0", false)
	}

	// WHEN: Twelve payments of 10 race each other
	var wg sync.WaitGroup
	results := make([]billing.AllocationResult, 12)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := engine.Allocate(context.Background(), allocateInput(fmt.Sprintf("pay-%d", i), "10"))
			assert.NoError(t, err)
			results[i] = r
		}(i)
	}
	wg.Wait()

	// THEN: Exactly 100 is applied and 20 is left over
	allocated, remaining := decimal.Zero, decimal.Zero
	for _, r := range results {
		allocated = allocated.Add(r.AllocatedTotal)
		remaining = remaining.Add(r.Remaining)
	}
	assertMoney(t, "100", allocated)
	assertMoney(t, "20", remaining)
	for _, b := range store.Balances() {
		assert.True(t, b.IsSettled, b.ID)
		assertMoney(t, "25", b.PaidAmount)
	}
}

// =============================================================================
// PROPERTIES
// =============================================================================

func TestAllocate_Properties(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		store := memstore.NewMemory()
		engine := billing.NewEngine(store, quietLog())
		seedMember(store, testMember, billing.StatusActive, "0")
		seedTab(store, testTab, testMember, billing.NatureCompulsory, "50", month(2024, time.January))

		n := rapid.IntRange(1, 6).Draw(rt, "rows")
		owedTotal := decimal.Zero
		paidBefore := make(map[billing.BalanceID]decimal.Decimal, n)
		for i := 0; i < n; i++ {
			required := rapid.IntRange(1, 10000).Draw(rt, fmt.Sprintf("required_%d", i))
			paid := rapid.IntRange(0, required-1).Draw(rt, fmt.Sprintf("paid_%d", i))
			reqDec, paidDec := decimal.New(int64(required), -2), decimal.New(int64(paid), -2)
			owedTotal = owedTotal.Add(reqDec.Sub(paidDec))
			id := billing.BalanceID(fmt.Sprintf("bal-%d", i))
			paidBefore[id] = paidDec
			seedRow(store, id, testMember, testTab,
				month(2024, time.January).AddDate(0, i, 0), reqDec.String(), paidDec.String(), true)
		}
		amount := decimal.New(int64(rapid.IntRange(1, 70000).Draw(rt, "amount")), -2)

		in := allocateInput("pay-prop", "1")
		in.Amount = amount
		result, err := engine.Allocate(context.Background(), in)
		require.NoError(rt, err)

		// Conservation: every cent is either applied or reported as remaining
		require.True(rt, result.AllocatedTotal.Add(result.Remaining).Equal(amount))

		// Applied total is bounded by what was owed
		want := amount
		if owedTotal.LessThan(amount) {
			want = owedTotal
		}
		require.True(rt, result.AllocatedTotal.Equal(want), "allocated %s, want %s", result.AllocatedTotal, want)

		// Oldest first: each row, in month order, takes min(left, owed)
		left := amount
		for _, b := range store.Balances() {
			owed := b.RequiredAmount.Sub(paidBefore[b.ID])
			applied := owed
			if left.LessThan(owed) {
				applied = left
			}
			left = left.Sub(applied)
			require.True(rt, b.PaidAmount.Equal(paidBefore[b.ID].Add(applied)),
				"row %s paid %s, want %s", b.ID, b.PaidAmount, paidBefore[b.ID].Add(applied))

			// Settled exactly when fully paid, never overpaid
			require.Equal(rt, b.PaidAmount.GreaterThanOrEqual(b.RequiredAmount), b.IsSettled, "row %s", b.ID)
			require.True(rt, b.PaidAmount.LessThanOrEqual(b.RequiredAmount))
			require.True(rt, b.PaidAmount.Add(b.UnpaidAmount).Equal(b.RequiredAmount), "row %s", b.ID)
		}
	})
}
