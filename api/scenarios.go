/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with a few
	months of realistic billing history. Each scenario creates members and
	tabs, then replays the monthly rollover and payments month by month
	through the engine, so the ledger, audit log and cached totals are
	exactly what production would have produced.

AVAILABLE SCENARIOS:

	delinquent-member: three unpaid months in a row, frozen by the rollover
	partial-payer:     pays part of every month, carries a shortfall, stays active
	lapsed-payer:      frozen and last paid months ago; run the suspension sweep next

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Create members and tabs
 3. For each past month: run the rollover on the 1st, then record and
    allocate that month's payments
 4. Run the rollover for the current month

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "partial-payer"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: trigger endpoints to play with after loading
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/dues-engine/billing"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

const demoOrg billing.OrganizationID = "org-demo"

var scenarios = []ScenarioDTO{
	{
		ID:          "delinquent-member",
		Name:        "Delinquent Member",
		Description: "Monthly dues of 50.00 left unpaid for three months; the rollover freezes the member",
	},
	{
		ID:          "partial-payer",
		Name:        "Partial Payer",
		Description: "Dues of 100.00 paid in part each month; shortfalls carry and are paid oldest first",
	},
	{
		ID:          "lapsed-payer",
		Name:        "Lapsed Payer",
		Description: "Frozen member whose last payment is five months old; the suspension sweep marks them inactive",
	},
}

var scenarioLoaders = map[string]func(h *Handler, ctx context.Context, now time.Time) error{
	"delinquent-member": (*Handler).loadDelinquentMemberScenario,
	"partial-payer":     (*Handler).loadPartialPayerScenario,
	"lapsed-payer":      (*Handler).loadLapsedPayerScenario,
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the database and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	if h.Seeder == nil {
		writeError(w, http.StatusNotImplemented, "Scenarios need a writable store", nil)
		return
	}

	var req LoadScenarioRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	load, ok := scenarioLoaders[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario: "+req.ScenarioID, nil)
		return
	}

	if err := h.loadScenario(r.Context(), req.ScenarioID, load); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load scenario", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "loaded",
		"scenario": req.ScenarioID,
	})
}

func (h *Handler) loadScenario(ctx context.Context, id string, load func(*Handler, context.Context, time.Time) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Seeder.Reset(ctx); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	if err := load(h, ctx, h.clock()); err != nil {
		return fmt.Errorf("scenario %s: %w", id, err)
	}
	h.currentScenario = id
	h.Log.WithField("scenario", id).Info("scenario loaded")
	return nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// delinquent-member: dues opened three months back, never paid. The
// current month's rollover closes the third unpaid month and freezes.
func (h *Handler) loadDelinquentMemberScenario(ctx context.Context, now time.Time) error {
	start := billing.MonthStart(now).AddDate(0, -3, 0)
	if err := h.seedMember(ctx, "m-dana", start, billing.TabID("tab-dana-dues"), "50.00", nil); err != nil {
		return err
	}
	return h.replay(ctx, start, now, nil)
}

// partial-payer: dues of 100 opened two months back, optional gym tab
// on the side. Pays 60 the first month and 100 the second.
func (h *Handler) loadPartialPayerScenario(ctx context.Context, now time.Time) error {
	start := billing.MonthStart(now).AddDate(0, -2, 0)
	gym := &billing.PaymentTab{
		ID:          "tab-pat-gym",
		Name:        "Gym access",
		Nature:      billing.NatureOptional,
		MonthlyCost: decimal.NewFromInt(20),
	}
	dues := billing.TabID("tab-pat-dues")
	if err := h.seedMember(ctx, "m-pat", start, dues, "100.00", gym); err != nil {
		return err
	}

	payments := map[int]string{0: "60", 1: "100"}
	return h.replay(ctx, start, now, func(i int, month time.Time) error {
		amount, ok := payments[i]
		if !ok {
			return nil
		}
		id := billing.PaymentID(fmt.Sprintf("pay-pat-%d", i+1))
		return h.pay(ctx, "m-pat", dues, id, amount, month.AddDate(0, 0, 9))
	})
}

// lapsed-payer: dues of 30 opened five months back; only the first month
// was paid.
func (h *Handler) loadLapsedPayerScenario(ctx context.Context, now time.Time) error {
	start := billing.MonthStart(now).AddDate(0, -5, 0)
	dues := billing.TabID("tab-lee-dues")
	if err := h.seedMember(ctx, "m-lee", start, dues, "30.00", nil); err != nil {
		return err
	}
	return h.replay(ctx, start, now, func(i int, month time.Time) error {
		if i != 0 {
			return nil
		}
		return h.pay(ctx, "m-lee", dues, "pay-lee-1", "30", month.AddDate(0, 0, 4))
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) seedMember(ctx context.Context, id billing.MemberID, since time.Time, dues billing.TabID, cost string, extra *billing.PaymentTab) error {
	member := billing.Member{
		ID:             id,
		OrganizationID: demoOrg,
		UserID:         billing.UserID("user-" + string(id)),
		Status:         billing.StatusActive,
		UnpaidBalance:  decimal.Zero,
		TotalPaid:      decimal.Zero,
		ActivatedAt:    &since,
		CreatedAt:      since,
	}
	if err := h.Seeder.SaveMember(ctx, member); err != nil {
		return fmt.Errorf("save member %s: %w", id, err)
	}

	tabs := []billing.PaymentTab{{
		ID:          dues,
		Name:        "Monthly dues",
		Nature:      billing.NatureCompulsory,
		MonthlyCost: billing.MustMoney(cost),
	}}
	if extra != nil {
		tabs = append(tabs, *extra)
	}
	for _, tab := range tabs {
		tab.MemberID = id
		tab.OrganizationID = demoOrg
		tab.BillingCycle = billing.CycleMonthly
		tab.IsActive = true
		tab.CreatedAt = since
		if err := h.Seeder.SaveTab(ctx, tab); err != nil {
			return fmt.Errorf("save tab %s: %w", tab.ID, err)
		}
	}
	return nil
}

// replay runs the rollover on the 1st of every month from start through
// now's month, calling during(i, month) after each past month opens.
func (h *Handler) replay(ctx context.Context, start, now time.Time, during func(i int, month time.Time) error) error {
	current := billing.MonthStart(now)
	for i, month := 0, start; !month.After(current); i, month = i+1, month.AddDate(0, 1, 0) {
		if _, err := h.Engine.RunMonthlyRollover(ctx, month.Add(time.Hour)); err != nil {
			return fmt.Errorf("rollover %s: %w", billing.MonthKey(month), err)
		}
		if during != nil && month.Before(current) {
			if err := during(i, month); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *Handler) pay(ctx context.Context, member billing.MemberID, tab billing.TabID, id billing.PaymentID, amount string, at time.Time) error {
	p := billing.Payment{
		ID:        id,
		MemberID:  member,
		TabID:     tab,
		Amount:    billing.MustMoney(amount),
		Status:    billing.PaymentCompleted,
		CreatedAt: at,
	}
	if err := h.Seeder.RecordPayment(ctx, p); err != nil {
		return fmt.Errorf("record payment %s: %w", id, err)
	}
	_, err := h.Engine.Allocate(ctx, billing.AllocateInput{
		MemberID:       member,
		TabID:          tab,
		PaymentID:      id,
		OrganizationID: demoOrg,
		Amount:         p.Amount,
		At:             at,
	})
	if err != nil {
		return fmt.Errorf("allocate payment %s: %w", id, err)
	}
	return nil
}
