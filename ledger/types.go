/*
Package ledger provides the balance ledger: the source of truth for how much
paid leave, compensatory time, and other leave credits each user holds.

PURPOSE:
  This package contains the core types and algorithms for the append-only
  balance ledger. Every accrual, consumption, reversal, expiration, and
  adjustment is an immutable entry; balance is always derivable by summing
  entries, and lots group an accrual with everything that consumes it.

KEY CONCEPTS IN THIS FILE (types.go):
  - Hours: A signed decimal quantity of leave time
  - Date: A day-granular point in time (effective dates, expiration dates)
  - UserID / LeaveType / EntryID / LotID: Type-safe identifiers

DESIGN PRINCIPLES:
  1. Immutability: Entries are never modified, only reversed
  2. Precision: Uses decimal.Decimal to avoid floating-point errors
  3. Type Safety: Strong typing for IDs prevents mixing user/lot/entry ids
  4. Auditability: Every entry has reason, reference, and idempotency key

SEE ALSO:
  - entry.go: The BalanceLedgerEntry fact and its validation
  - lot.go: Lot grouping and FIFO allocation
  - ledger.go: Balance computation and aggregate verification
  - store.go: Persistence interface
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// HOURS - Signed decimal quantity of leave time
// =============================================================================

// Hours is a signed amount of leave time. All balance math goes through this
// type; nothing in the engine assumes whole-day units.
type Hours struct {
	Value decimal.Decimal
}

func HoursOf(v float64) Hours      { return Hours{Value: decimal.NewFromFloat(v)} }
func HoursFromInt(v int) Hours     { return Hours{Value: decimal.NewFromInt(int64(v))} }
func ZeroHours() Hours             { return Hours{Value: decimal.Zero} }

// HoursFromString parses a decimal string. Invalid input yields zero.
func HoursFromString(s string) Hours {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return ZeroHours()
	}
	return Hours{Value: d}
}

func (h Hours) Add(o Hours) Hours        { return Hours{Value: h.Value.Add(o.Value)} }
func (h Hours) Sub(o Hours) Hours        { return Hours{Value: h.Value.Sub(o.Value)} }
func (h Hours) Neg() Hours               { return Hours{Value: h.Value.Neg()} }
func (h Hours) IsZero() bool             { return h.Value.IsZero() }
func (h Hours) IsNegative() bool         { return h.Value.IsNegative() }
func (h Hours) IsPositive() bool         { return h.Value.IsPositive() }
func (h Hours) GreaterThan(o Hours) bool { return h.Value.GreaterThan(o.Value) }
func (h Hours) LessThan(o Hours) bool    { return h.Value.LessThan(o.Value) }
func (h Hours) Equal(o Hours) bool       { return h.Value.Equal(o.Value) }
func (h Hours) String() string           { return h.Value.String() }

func (h Hours) Min(o Hours) Hours {
	if h.LessThan(o) {
		return h
	}
	return o
}

// RoundHalfUp rounds to places decimal places, ties away from zero
// (decimal.Round semantics). Half-up is the default so that pro-rated
// entitlements never systematically under-credit.
func (h Hours) RoundHalfUp(places int32) Hours {
	return Hours{Value: h.Value.Round(places)}
}

// =============================================================================
// DATE - Day-granular point in time
// =============================================================================

// Date is a calendar day in UTC. Effective dates and expiration dates are
// day-granular; intra-day ordering inside the ledger comes from CreatedAt.
type Date struct {
	Time time.Time
}

func NewDate(year int, month time.Month, day int) Date {
	return Date{Time: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

func DateOf(t time.Time) Date {
	return NewDate(t.Year(), t.Month(), t.Day())
}

func Today() Date { return DateOf(time.Now().UTC()) }

func (d Date) Before(o Date) bool        { return d.Time.Before(o.Time) }
func (d Date) After(o Date) bool         { return d.Time.After(o.Time) }
func (d Date) Equal(o Date) bool         { return d.Time.Equal(o.Time) }
func (d Date) BeforeOrEqual(o Date) bool { return d.Before(o) || d.Equal(o) }
func (d Date) AfterOrEqual(o Date) bool  { return d.After(o) || d.Equal(o) }
func (d Date) IsZero() bool              { return d.Time.IsZero() }

func (d Date) AddDays(n int) Date   { return DateOf(d.Time.AddDate(0, 0, n)) }
func (d Date) AddMonths(n int) Date { return DateOf(d.Time.AddDate(0, n, 0)) }
func (d Date) AddYears(n int) Date  { return DateOf(d.Time.AddDate(n, 0, 0)) }

func (d Date) Year() int         { return d.Time.Year() }
func (d Date) Month() time.Month { return d.Time.Month() }
func (d Date) Day() int          { return d.Time.Day() }

func (d Date) String() string { return d.Time.Format("2006-01-02") }

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return Date{}, err
	}
	return DateOf(t), nil
}

// DaysBetween returns the whole days from one date to another.
func DaysBetween(from, to Date) int {
	return int(to.Time.Sub(from.Time).Hours() / 24)
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type EntryID string
type LotID string

// LeaveType identifies which credit pool an entry belongs to. Balances are
// tracked independently per (UserID, LeaveType).
type LeaveType string

const (
	LeaveAnnual   LeaveType = "annual"
	LeaveCompTime LeaveType = "comp_time"
	LeaveSick     LeaveType = "sick"
)

// Key identifies one balance: one user's pool of one leave type. All
// serialization (locking, materialized totals, corruption holds) is scoped
// to this key.
type Key struct {
	UserID    UserID
	LeaveType LeaveType
}

func (k Key) String() string { return string(k.UserID) + "/" + string(k.LeaveType) }
