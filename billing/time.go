package billing

import "time"

// =============================================================================
// MONTH ARITHMETIC - Ledger rows are keyed by the first day of a month (UTC)
// =============================================================================

// MonthStart returns the first day of t's month at midnight UTC.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// PreviousMonthStart returns the first day of the month before t's month.
func PreviousMonthStart(t time.Time) time.Time { return MonthStart(t).AddDate(0, -1, 0) }

// NextMonthStart returns the first day of the month after t's month.
func NextMonthStart(t time.Time) time.Time { return MonthStart(t).AddDate(0, 1, 0) }

// Day truncates t to midnight UTC.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// monthIndex maps a month to a monotonically increasing integer, so that
// consecutive calendar months differ by exactly one.
func monthIndex(t time.Time) int {
	t = t.UTC()
	return t.Year()*12 + int(t.Month()) - 1
}

// MonthKey formats a month start as stored in the ledger ("2006-01-02").
func MonthKey(t time.Time) string { return MonthStart(t).Format("2006-01-02") }
