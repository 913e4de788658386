/*
scenarios_test.go - Unit tests for demo scenarios

PURPOSE:
	Tests that each scenario replays into the expected ledger state:
	- Members and tabs are created
	- Rollover and payments produce the expected rows
	- Member status and cached unpaid balance match

These tests double as end-to-end checks of rollover + allocation + freeze.
*/
package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/dues-engine/billing"
)

func loadScenario(t *testing.T, h *Handler, id string) {
	t.Helper()
	require.NoError(t, h.loadScenario(context.Background(), id, scenarioLoaders[id]))
}

func TestScenario_DelinquentMember(t *testing.T) {
	// GIVEN: delinquent-member scenario
	// WHEN: Loading the scenario
	// THEN: Three closed unpaid months froze the member
	h, _ := setupTestHandler(t)
	ctx := context.Background()

	loadScenario(t, h, "delinquent-member")

	m, err := h.Engine.Store.GetMember(ctx, "m-dana")
	require.NoError(t, err)
	assert.Equal(t, billing.StatusFrozen, m.Status)
	assertMoneyEqual(t, "150", m.UnpaidBalance)

	rows, err := h.Engine.Store.ListBalancesByMember(ctx, "m-dana")
	require.NoError(t, err)
	require.Len(t, rows, 4, "February through May")
	assert.Equal(t, "2025-02-01", billing.MonthKey(rows[0].MonthStart))
	assert.Nil(t, rows[3].ClosedAt, "current month stays open")
}

func TestScenario_PartialPayer(t *testing.T) {
	h, _ := setupTestHandler(t)
	ctx := context.Background()

	loadScenario(t, h, "partial-payer")

	m, err := h.Engine.Store.GetMember(ctx, "m-pat")
	require.NoError(t, err)
	assert.Equal(t, billing.StatusActive, m.Status)
	assertMoneyEqual(t, "40", m.UnpaidBalance)

	rows, err := h.Engine.Store.ListBalancesByMember(ctx, "m-pat")
	require.NoError(t, err)
	require.Len(t, rows, 3, "March, April, May; the gym tab is never billed")

	march, april, may := rows[0], rows[1], rows[2]
	assert.True(t, march.IsSettled)
	assertMoneyEqual(t, "100", march.PaidAmount)
	assert.False(t, april.IsSettled)
	assertMoneyEqual(t, "60", april.PaidAmount)
	assertMoneyEqual(t, "40", april.UnpaidAmount)
	assertMoneyEqual(t, "0", may.PaidAmount)

	paid, err := h.Engine.Store.SumCompletedPayments(ctx, "m-pat")
	require.NoError(t, err)
	assertMoneyEqual(t, "160", paid)
}

func TestScenario_LapsedPayerIsSuspendedBySweep(t *testing.T) {
	h, _ := setupTestHandler(t)
	ctx := context.Background()

	loadScenario(t, h, "lapsed-payer")

	m, err := h.Engine.Store.GetMember(ctx, "m-lee")
	require.NoError(t, err)
	assert.Equal(t, billing.StatusFrozen, m.Status)

	result, err := h.Engine.SweepSuspensions(ctx, testNow)
	require.NoError(t, err)
	assert.Equal(t, []billing.MemberID{"m-lee"}, result.Suspended.Done)

	m, err = h.Engine.Store.GetMember(ctx, "m-lee")
	require.NoError(t, err)
	assert.Equal(t, billing.StatusInactive, m.Status)
	assert.Equal(t, "no payment since 2024-12-05", m.InactiveReason)
}

func TestScenario_LoadResetsPreviousData(t *testing.T) {
	h, _ := setupTestHandler(t)
	ctx := context.Background()

	loadScenario(t, h, "delinquent-member")
	loadScenario(t, h, "partial-payer")

	_, err := h.Engine.Store.GetMember(ctx, "m-dana")
	assert.ErrorIs(t, err, billing.ErrMemberNotFound)

	members, err := h.Engine.Store.ListMembers(ctx)
	require.NoError(t, err)
	assert.Len(t, members, 1)
}

func TestScenarioEndpoints(t *testing.T) {
	router, _, _ := setupTestRouter(t)

	list := decodeBody[[]ScenarioDTO](t, do(t, router, http.MethodGet, "/api/scenarios", ""))
	assert.Len(t, list, len(scenarios))

	rec := do(t, router, http.MethodPost, "/api/scenarios/load", `{"scenario_id":"partial-payer"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	current := decodeBody[ScenarioDTO](t, do(t, router, http.MethodGet, "/api/scenarios/current", ""))
	assert.Equal(t, "partial-payer", current.ID)

	assert.Equal(t, http.StatusBadRequest,
		do(t, router, http.MethodPost, "/api/scenarios/load", `{"scenario_id":"nope"}`).Code)
}

func TestScenarioEndpoints_NoSeeder(t *testing.T) {
	h, _ := setupTestHandler(t)
	h.Seeder = nil

	rec := do(t, NewRouter(h, nil), http.MethodPost, "/api/scenarios/load", `{"scenario_id":"partial-payer"}`)

	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}
