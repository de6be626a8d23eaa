package billing

import "time"

// PeriodBounds returns the calendar month containing now as [start, end) in UTC.
func PeriodBounds(now time.Time) (start, end time.Time) {
	now = now.UTC()
	start = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

// CurrentPeriod returns the billing period label (YYYY-MM) for now.
func CurrentPeriod(now time.Time) string {
	return now.UTC().Format("2006-01")
}
