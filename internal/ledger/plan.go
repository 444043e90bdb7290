package ledger

import "time"

// InstallmentPeriod is one leg of an installment plan.
type InstallmentPeriod struct {
	Index       int // 1-based
	AmountCents int64
	Date        time.Time
}

// PlanInstallments splits totalCents across count monthly periods starting at
// start. Every period but the last gets the total truncated to cents divided
// by count; the leftover cents are concentrated in the final period, so the
// amounts always sum to totalCents exactly.
//
// count <= 0 or totalCents <= 0 is a caller contract violation.
func PlanInstallments(totalCents int64, count int, start time.Time) []InstallmentPeriod {
	if count <= 0 || totalCents <= 0 {
		return nil
	}
	base := totalCents / int64(count) // integer division truncates to cents
	remainder := totalCents - base*int64(count)

	periods := make([]InstallmentPeriod, count)
	for i := 0; i < count; i++ {
		amount := base
		if i == count-1 {
			amount += remainder
		}
		periods[i] = InstallmentPeriod{
			Index:       i + 1,
			AmountCents: amount,
			Date:        addMonths(start, i),
		}
	}
	return periods
}

// addMonths advances t by the given number of calendar months, preserving the
// anchor day-of-month. Shorter months clamp to their last day (Jan 31 + 1
// month is Feb 28/29), but the anchor day is never lost for later periods.
func addMonths(t time.Time, months int) time.Time {
	if months == 0 {
		return t
	}
	year, month, day := t.Date()
	m := int(month) - 1 + months
	year += m / 12
	m = m % 12
	if m < 0 {
		m += 12
		year--
	}
	target := time.Month(m + 1)
	if last := daysIn(year, target); day > last {
		day = last
	}
	h, min, sec := t.Clock()
	return time.Date(year, target, day, h, min, sec, t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month) int {
	// day 0 of the next month is the last day of this one
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
