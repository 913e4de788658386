/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the billing domain model from the external API contract:
  - Money travels as decimal strings ("12.50"), never JSON numbers
  - Months travel as "YYYY-MM-DD" (always the 1st), timestamps as RFC3339

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Triggers:
    AllocateRequest, JobRequest, ReconcileRequest

  Results:
    AllocationResultDTO, RolloverResultDTO, FreezeResultDTO,
    SuspensionResultDTO, ReconcileResultDTO

  Reads:
    MemberDTO, BalanceDTO, AuditEntryDTO, RolloverRunDTO

VALIDATION:
  Request types carry validator/v10 tags; handlers run them before
  touching the engine.

SEE ALSO:
  - handlers.go: Uses these types
  - billing/types.go: Domain types
*/
package api

import (
	"time"

	"github.com/warp/dues-engine/billing"
)

const dateLayout = "2006-01-02"

// =============================================================================
// REQUEST TYPES
// =============================================================================

// AllocateRequest reports a completed payment to apply to the ledger.
type AllocateRequest struct {
	MemberID       string `json:"member_id" validate:"required"`
	TabID          string `json:"tab_id" validate:"required"`
	PaymentID      string `json:"payment_id" validate:"required"`
	OrganizationID string `json:"organization_id,omitempty"`
	Amount         string `json:"amount" validate:"required,numeric"`
	PaidAt         string `json:"paid_at,omitempty" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
}

// JobRequest triggers a batch job. Now overrides the clock (backfills, demos).
type JobRequest struct {
	Now string `json:"now,omitempty" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
}

// ReconcileRequest reconciles one member, or all members when MemberID is empty.
type ReconcileRequest struct {
	MemberID string `json:"member_id,omitempty"`
	Now      string `json:"now,omitempty" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
}

// LoadScenarioRequest selects a demo scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// RESULT TYPES
// =============================================================================

type ItemErrorDTO struct {
	Item  string `json:"item"`
	Op    string `json:"op"`
	Error string `json:"error"`
}

type AllocationDTO struct {
	BalanceID     string `json:"balance_id"`
	Month         string `json:"month"`
	AmountApplied string `json:"amount_applied"`
	Settled       bool   `json:"settled"`
}

type AllocationResultDTO struct {
	PaymentID      string          `json:"payment_id"`
	MemberID       string          `json:"member_id"`
	TabID          string          `json:"tab_id"`
	AllocatedTotal string          `json:"allocated_total"`
	Remaining      string          `json:"remaining"`
	Resumed        string          `json:"previously_applied,omitempty"`
	Allocations    []AllocationDTO `json:"allocations"`
	Failures       []ItemErrorDTO  `json:"failures,omitempty"`
	Tracked        bool            `json:"tracked"`
	Duplicate      bool            `json:"duplicate"`
	Unfrozen       bool            `json:"unfrozen"`
}

type FreezeResultDTO struct {
	Candidates    int            `json:"candidates"`
	Frozen        []string       `json:"frozen"`
	AlreadyFrozen int            `json:"already_frozen"`
	Skipped       int            `json:"skipped"`
	Failures      []ItemErrorDTO `json:"failures,omitempty"`
}

type RolloverResultDTO struct {
	RunID       string          `json:"run_id"`
	Month       string          `json:"month"`
	Closed      int             `json:"closed"`
	Carried     int             `json:"carried"`
	Settled     int             `json:"settled"`
	Opened      int             `json:"opened"`
	Backfilled  int             `json:"backfilled"`
	AlreadyOpen int             `json:"already_open"`
	Freeze      FreezeResultDTO `json:"freeze"`
	Failures    []ItemErrorDTO  `json:"failures,omitempty"`
}

type SuspensionResultDTO struct {
	Checked   int            `json:"checked"`
	Suspended []string       `json:"suspended"`
	Failures  []ItemErrorDTO `json:"failures,omitempty"`
}

type MemberTotalsDTO struct {
	MemberID       string `json:"member_id"`
	TotalPaid      string `json:"total_paid"`
	UnpaidBalance  string `json:"unpaid_balance"`
	ExpectedTotal  string `json:"expected_total"`
	PreviousPaid   string `json:"previous_paid"`
	PreviousUnpaid string `json:"previous_unpaid"`
	Drifted        bool   `json:"drifted"`
}

type ReconcileResultDTO struct {
	Members  []MemberTotalsDTO `json:"members"`
	Failures []ItemErrorDTO    `json:"failures,omitempty"`
}

type UnfreezeDTO struct {
	MemberID string `json:"member_id"`
	Unfrozen bool   `json:"unfrozen"`
	Status   string `json:"status"`
}

// =============================================================================
// READ TYPES
// =============================================================================

type MemberDTO struct {
	ID             string  `json:"id"`
	OrganizationID string  `json:"organization_id"`
	UserID         string  `json:"user_id"`
	Status         string  `json:"status"`
	UnpaidBalance  string  `json:"unpaid_balance"`
	TotalPaid      string  `json:"total_paid"`
	ActivatedAt    *string `json:"activated_at,omitempty"`
	FreezeReason   string  `json:"freeze_reason,omitempty"`
	FrozenAt       *string `json:"frozen_at,omitempty"`
	FrozenBy       string  `json:"frozen_by,omitempty"`
	InactiveReason string  `json:"inactive_reason,omitempty"`
	DeactivatedAt  *string `json:"deactivated_at,omitempty"`
}

type BalanceDTO struct {
	ID             string  `json:"id"`
	TabID          string  `json:"tab_id"`
	Month          string  `json:"month"`
	RequiredAmount string  `json:"required_amount"`
	PaidAmount     string  `json:"paid_amount"`
	UnpaidAmount   string  `json:"unpaid_amount"`
	IsSettled      bool    `json:"is_settled"`
	SettledAt      *string `json:"settled_at,omitempty"`
	ClosedAt       *string `json:"closed_at,omitempty"`
	Version        int     `json:"version"`
}

type AuditEntryDTO struct {
	ID           string            `json:"id"`
	BalanceID    string            `json:"balance_id"`
	Action       string            `json:"action"`
	UnpaidBefore string            `json:"unpaid_before"`
	UnpaidAfter  string            `json:"unpaid_after"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    string            `json:"created_at"`
}

type RolloverRunDTO struct {
	ID          string  `json:"id"`
	Day         string  `json:"day"`
	Month       string  `json:"month"`
	Status      string  `json:"status"`
	Closed      int     `json:"closed"`
	Opened      int     `json:"opened"`
	Frozen      int     `json:"frozen"`
	Failures    int     `json:"failures"`
	Error       string  `json:"error,omitempty"`
	StartedAt   string  `json:"started_at"`
	CompletedAt *string `json:"completed_at,omitempty"`
}

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ErrorResponse is the error body returned with every non-2xx status.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Details string            `json:"details,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"` // field -> failed validation tag
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func timePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func toItemErrorDTOs(errs []billing.ItemError) []ItemErrorDTO {
	if len(errs) == 0 {
		return nil
	}
	out := make([]ItemErrorDTO, len(errs))
	for i, e := range errs {
		out[i] = ItemErrorDTO{Item: e.Item, Op: e.Op, Error: e.Err.Error()}
	}
	return out
}

func toIDStrings[T ~string](ids []T) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

func toAllocationResultDTO(r billing.AllocationResult) AllocationResultDTO {
	allocs := make([]AllocationDTO, len(r.Allocations))
	for i, a := range r.Allocations {
		allocs[i] = AllocationDTO{
			BalanceID:     string(a.BalanceID),
			Month:         a.MonthStart.Format(dateLayout),
			AmountApplied: a.AmountApplied.StringFixed(2),
			Settled:       a.Settled,
		}
	}
	var resumed string
	if r.PreviouslyApplied.IsPositive() {
		resumed = r.PreviouslyApplied.StringFixed(2)
	}
	return AllocationResultDTO{
		PaymentID:      string(r.PaymentID),
		MemberID:       string(r.MemberID),
		TabID:          string(r.TabID),
		AllocatedTotal: r.AllocatedTotal.StringFixed(2),
		Remaining:      r.Remaining.StringFixed(2),
		Resumed:        resumed,
		Allocations:    allocs,
		Failures:       toItemErrorDTOs(r.Failures),
		Tracked:        r.Tracked,
		Duplicate:      r.Duplicate,
		Unfrozen:       r.Unfrozen,
	}
}

func toFreezeResultDTO(r billing.FreezeResult) FreezeResultDTO {
	return FreezeResultDTO{
		Candidates:    r.Candidates,
		Frozen:        toIDStrings(r.Frozen.Done),
		AlreadyFrozen: r.AlreadyFrozen,
		Skipped:       r.Skipped,
		Failures:      toItemErrorDTOs(r.Frozen.Failed),
	}
}

func toRolloverResultDTO(r billing.RolloverResult) RolloverResultDTO {
	return RolloverResultDTO{
		RunID:       r.RunID,
		Month:       r.MonthStart.Format(dateLayout),
		Closed:      len(r.Closed.Done),
		Carried:     r.Carried,
		Settled:     r.Settled,
		Opened:      len(r.Opened.Done),
		Backfilled:  r.Backfilled,
		AlreadyOpen: r.AlreadyOpen,
		Freeze:      toFreezeResultDTO(r.Freeze),
		Failures:    toItemErrorDTOs(r.Failures()),
	}
}

func toSuspensionResultDTO(r billing.SuspensionResult) SuspensionResultDTO {
	return SuspensionResultDTO{
		Checked:   r.Checked,
		Suspended: toIDStrings(r.Suspended.Done),
		Failures:  toItemErrorDTOs(r.Suspended.Failed),
	}
}

func toReconcileResultDTO(r billing.ReconcileResult) ReconcileResultDTO {
	members := make([]MemberTotalsDTO, len(r.Members.Done))
	for i, t := range r.Members.Done {
		members[i] = MemberTotalsDTO{
			MemberID:       string(t.MemberID),
			TotalPaid:      t.TotalPaid.StringFixed(2),
			UnpaidBalance:  t.UnpaidBalance.StringFixed(2),
			ExpectedTotal:  t.ExpectedTotal.StringFixed(2),
			PreviousPaid:   t.PreviousPaid.StringFixed(2),
			PreviousUnpaid: t.PreviousUnpaid.StringFixed(2),
			Drifted:        t.Drifted(),
		}
	}
	return ReconcileResultDTO{Members: members, Failures: toItemErrorDTOs(r.Members.Failed)}
}

func toMemberDTO(m billing.Member) MemberDTO {
	return MemberDTO{
		ID:             string(m.ID),
		OrganizationID: string(m.OrganizationID),
		UserID:         string(m.UserID),
		Status:         string(m.Status),
		UnpaidBalance:  m.UnpaidBalance.StringFixed(2),
		TotalPaid:      m.TotalPaid.StringFixed(2),
		ActivatedAt:    timePtr(m.ActivatedAt),
		FreezeReason:   m.FreezeReason,
		FrozenAt:       timePtr(m.FrozenAt),
		FrozenBy:       m.FrozenBy,
		InactiveReason: m.InactiveReason,
		DeactivatedAt:  timePtr(m.DeactivatedAt),
	}
}

func toBalanceDTO(b billing.MonthlyBalance) BalanceDTO {
	return BalanceDTO{
		ID:             string(b.ID),
		TabID:          string(b.TabID),
		Month:          b.MonthStart.Format(dateLayout),
		RequiredAmount: b.RequiredAmount.StringFixed(2),
		PaidAmount:     b.PaidAmount.StringFixed(2),
		UnpaidAmount:   b.UnpaidAmount.StringFixed(2),
		IsSettled:      b.IsSettled,
		SettledAt:      timePtr(b.SettledAt),
		ClosedAt:       timePtr(b.ClosedAt),
		Version:        b.Version,
	}
}

func toAuditEntryDTO(e billing.AuditEntry) AuditEntryDTO {
	return AuditEntryDTO{
		ID:           e.ID,
		BalanceID:    string(e.BalanceID),
		Action:       string(e.Action),
		UnpaidBefore: e.UnpaidBefore.StringFixed(2),
		UnpaidAfter:  e.UnpaidAfter.StringFixed(2),
		Metadata:     e.Metadata,
		CreatedAt:    e.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func toRolloverRunDTO(r billing.RolloverRun) RolloverRunDTO {
	return RolloverRunDTO{
		ID:          r.ID,
		Day:         r.Day.Format(dateLayout),
		Month:       r.MonthStart.Format(dateLayout),
		Status:      string(r.Status),
		Closed:      r.Closed,
		Opened:      r.Opened,
		Frozen:      r.Frozen,
		Failures:    r.Failures,
		Error:       r.Error,
		StartedAt:   r.StartedAt.UTC().Format(time.RFC3339),
		CompletedAt: timePtr(r.CompletedAt),
	}
}
