/*
Package entitlement derives how much annual leave a user should accrue.

PURPOSE:
  Pure calculation: given a hire date, a point in time, and a policy, how
  many hours does this user earn for the policy year? The calculator
  persists nothing; the accrual runner turns its output into ledger entries.

PRO-RATING:
  Users hired mid-period earn a linear fraction of the annual amount:
  remaining days in the period (hire date inclusive) over total period days.

ROUNDING:
  Results are rounded to Policy.RoundPlaces decimal places, HALF-UP.
  Half-up is the default to avoid systematically under-crediting: with
  half-even or truncation, every 0.005 tie would shave credit off the
  employee side year after year.
*/
package entitlement

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/leave-engine/ledger"
)

// =============================================================================
// POLICY
// =============================================================================

// Policy is the ruleset for one leave type's yearly accrual.
type Policy struct {
	LeaveType ledger.LeaveType

	// AnnualHours is the full-period entitlement for a user present the
	// whole period.
	AnnualHours ledger.Hours

	// RoundPlaces is the decimal precision of pro-rated results.
	RoundPlaces int32

	// PeriodStartMonth anchors the policy year (January for calendar years).
	PeriodStartMonth time.Month

	// ValidityMonths is how long accrued credit lives, measured from the
	// period start. Zero means the credit never expires.
	ValidityMonths int
}

// DefaultAnnualPolicy is a calendar-year policy: 160 hours (20 days), two
// decimal places, credit valid through the following year's first quarter.
func DefaultAnnualPolicy() Policy {
	return Policy{
		LeaveType:        ledger.LeaveAnnual,
		AnnualHours:      ledger.HoursFromInt(160),
		RoundPlaces:      2,
		PeriodStartMonth: time.January,
		ValidityMonths:   15,
	}
}

// PeriodFor returns the policy year containing date.
func (p Policy) PeriodFor(date ledger.Date) (start, end ledger.Date) {
	start = ledger.NewDate(date.Year(), p.PeriodStartMonth, 1)
	if date.Before(start) {
		start = start.AddYears(-1)
	}
	end = start.AddYears(1).AddDays(-1)
	return start, end
}

// ExpirationFor returns the expiration date of credit accrued for the
// period starting at periodStart, or nil when the credit never expires.
func (p Policy) ExpirationFor(periodStart ledger.Date) *ledger.Date {
	if p.ValidityMonths <= 0 {
		return nil
	}
	exp := periodStart.AddMonths(p.ValidityMonths)
	return &exp
}

// =============================================================================
// CALCULATOR
// =============================================================================

// For computes the hours a user accrues for the policy period containing
// asOf, pro-rated linearly from hire date. Pure: no persistence, no clock.
func For(hireDate, asOf ledger.Date, p Policy) ledger.Hours {
	start, end := p.PeriodFor(asOf)

	if hireDate.After(end) {
		return ledger.ZeroHours()
	}
	if hireDate.BeforeOrEqual(start) {
		return p.AnnualHours.RoundHalfUp(p.RoundPlaces)
	}

	totalDays := ledger.DaysBetween(start, end) + 1
	remainingDays := ledger.DaysBetween(hireDate, end) + 1

	fraction := decimal.NewFromInt(int64(remainingDays)).
		Div(decimal.NewFromInt(int64(totalDays)))
	prorated := ledger.Hours{Value: p.AnnualHours.Value.Mul(fraction)}
	return prorated.RoundHalfUp(p.RoundPlaces)
}
