package main

import (
	"fmt"
	"io"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/warp/dues-engine/billing"
)

func rolloverCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rollover",
		Short: "Close ended months, open the current month and freeze delinquent members",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			now, err := a.now()
			if err != nil {
				return err
			}
			result, err := a.engine.RunMonthlyRollover(cmd.Context(), now)
			if err != nil {
				return err
			}
			return a.emit(cmd.OutOrStdout(), result, func(w io.Writer) {
				fmt.Fprintf(w, "Rollover %s (run %s)\n", billing.MonthKey(result.MonthStart), result.RunID)
				fmt.Fprintf(w, "  closed:       %d (%d carried, %d settled)\n", len(result.Closed.Done), result.Carried, result.Settled)
				fmt.Fprintf(w, "  opened:       %d (%d backfilled, %d already open)\n", len(result.Opened.Done), result.Backfilled, result.AlreadyOpen)
				fmt.Fprintf(w, "  frozen:       %d\n", len(result.Freeze.Frozen.Done))
				printFailures(w, result.Failures())
			})
		},
	}
}

func sweepCmd(a *app) *cobra.Command {
	var kind string

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run the delinquency freeze sweep and/or the suspension sweep",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if kind != "all" && kind != "freeze" && kind != "suspensions" {
				return fmt.Errorf("invalid --kind %q (all, freeze, suspensions)", kind)
			}
			now, err := a.now()
			if err != nil {
				return err
			}

			out := struct {
				Freeze      *billing.FreezeResult     `json:"freeze,omitempty"`
				Suspensions *billing.SuspensionResult `json:"suspensions,omitempty"`
			}{}
			if kind != "suspensions" {
				r, err := a.engine.SweepDelinquency(cmd.Context(), now)
				if err != nil {
					return err
				}
				out.Freeze = &r
			}
			if kind != "freeze" {
				r, err := a.engine.SweepSuspensions(cmd.Context(), now)
				if err != nil {
					return err
				}
				out.Suspensions = &r
			}

			return a.emit(cmd.OutOrStdout(), out, func(w io.Writer) {
				if f := out.Freeze; f != nil {
					fmt.Fprintf(w, "Freeze sweep: %d candidates, %d frozen, %d already frozen, %d skipped\n",
						f.Candidates, len(f.Frozen.Done), f.AlreadyFrozen, f.Skipped)
					for _, id := range f.Frozen.Done {
						fmt.Fprintf(w, "  frozen %s\n", id)
					}
					printFailures(w, f.Frozen.Failed)
				}
				if s := out.Suspensions; s != nil {
					fmt.Fprintf(w, "Suspension sweep: %d checked, %d marked inactive\n", s.Checked, len(s.Suspended.Done))
					for _, id := range s.Suspended.Done {
						fmt.Fprintf(w, "  inactive %s\n", id)
					}
					printFailures(w, s.Suspended.Failed)
				}
			})
		},
	}

	cmd.Flags().StringVarP(&kind, "kind", "k", "all", "Which sweep to run (all, freeze, suspensions)")
	return cmd
}

func reconcileCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile [member-id]",
		Short: "Recompute cached total paid and unpaid balance (all members when no ID is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			now, err := a.now()
			if err != nil {
				return err
			}
			var memberID billing.MemberID
			if len(args) == 1 {
				memberID = billing.MemberID(args[0])
			}

			result, err := a.engine.Reconcile(cmd.Context(), memberID, now)
			if err != nil {
				return err
			}
			return a.emit(cmd.OutOrStdout(), result, func(w io.Writer) {
				drifted := 0
				for _, t := range result.Members.Done {
					mark := ""
					if t.Drifted() {
						drifted++
						mark = fmt.Sprintf("  (was paid %s, unpaid %s)", t.PreviousPaid.StringFixed(2), t.PreviousUnpaid.StringFixed(2))
					}
					fmt.Fprintf(w, "%-20s paid %10s  unpaid %10s%s\n", t.MemberID,
						t.TotalPaid.StringFixed(2), t.UnpaidBalance.StringFixed(2), mark)
				}
				fmt.Fprintf(w, "Reconciled %d members, %d corrected\n", len(result.Members.Done), drifted)
				printFailures(w, result.Members.Failed)
			})
		},
	}
}

func allocateCmd(a *app) *cobra.Command {
	var memberID, tabID, paymentID, amount, at string

	cmd := &cobra.Command{
		Use:   "allocate",
		Short: "Record a completed payment and apply it to the member's balances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := decimal.NewFromString(amount)
			if err != nil {
				return fmt.Errorf("invalid --amount: %w", err)
			}
			paidAt, err := a.now()
			if err != nil {
				return err
			}
			if at != "" {
				if paidAt, err = time.Parse(time.RFC3339, at); err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
			}

			in := billing.AllocateInput{
				MemberID:  billing.MemberID(memberID),
				TabID:     billing.TabID(tabID),
				PaymentID: billing.PaymentID(paymentID),
				Amount:    value,
				At:        paidAt.UTC(),
			}
			if err := in.Validate(); err != nil {
				return err
			}
			tab, err := a.store.GetTab(cmd.Context(), in.TabID)
			if err != nil {
				return err
			}
			if tab.MemberID != in.MemberID {
				return fmt.Errorf("tab %s does not belong to member %s", tab.ID, in.MemberID)
			}
			err = a.store.RecordPayment(cmd.Context(), billing.Payment{
				ID: in.PaymentID, MemberID: in.MemberID, TabID: in.TabID,
				Amount: in.Amount, Status: billing.PaymentCompleted, CreatedAt: in.At,
			})
			if err != nil {
				return fmt.Errorf("record payment: %w", err)
			}

			result, err := a.engine.Allocate(cmd.Context(), in)
			if err != nil {
				return err
			}
			return a.emit(cmd.OutOrStdout(), result, func(w io.Writer) {
				switch {
				case result.Duplicate:
					fmt.Fprintf(w, "Payment %s was already allocated; nothing applied\n", result.PaymentID)
					return
				case !result.Tracked:
					fmt.Fprintf(w, "Tab %s is not ledger-tracked; nothing applied\n", result.TabID)
					return
				}
				for _, al := range result.Allocations {
					state := "partial"
					if al.Settled {
						state = "settled"
					}
					fmt.Fprintf(w, "  %s  %10s  %s\n", billing.MonthKey(al.MonthStart), al.AmountApplied.StringFixed(2), state)
				}
				fmt.Fprintf(w, "Allocated %s, remaining %s\n", result.AllocatedTotal.StringFixed(2), result.Remaining.StringFixed(2))
				if result.Unfrozen {
					fmt.Fprintln(w, "Member unfrozen")
				}
				printFailures(w, result.Failures)
			})
		},
	}

	cmd.Flags().StringVarP(&memberID, "member", "m", "", "Member ID")
	cmd.Flags().StringVarP(&tabID, "tab", "t", "", "Payment tab ID")
	cmd.Flags().StringVarP(&paymentID, "payment", "p", "", "Payment ID (idempotency key)")
	cmd.Flags().StringVarP(&amount, "amount", "a", "", "Amount, e.g. 25.00")
	cmd.Flags().StringVar(&at, "at", "", "Payment completion time (RFC3339), defaults to --now")
	for _, f := range []string{"member", "tab", "payment", "amount"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}

func unfreezeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "unfreeze <member-id>",
		Short: "Reactivate a frozen member whose balances are all settled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			now, err := a.now()
			if err != nil {
				return err
			}
			id := billing.MemberID(args[0])

			unfrozen, err := a.engine.TryUnfreeze(cmd.Context(), id, now)
			if err != nil {
				return err
			}
			member, err := a.store.GetMember(cmd.Context(), id)
			if err != nil {
				return err
			}

			out := struct {
				MemberID billing.MemberID     `json:"member_id"`
				Unfrozen bool                 `json:"unfrozen"`
				Status   billing.MemberStatus `json:"status"`
			}{id, unfrozen, member.Status}
			return a.emit(cmd.OutOrStdout(), out, func(w io.Writer) {
				if unfrozen {
					fmt.Fprintf(w, "Member %s unfrozen\n", id)
					return
				}
				fmt.Fprintf(w, "Member %s not unfrozen (status %s)\n", id, member.Status)
			})
		},
	}
}
