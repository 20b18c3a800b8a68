// Package limits implements rolling daily and monthly transfer ceilings.
// Evaluation is a pure function of the wallet's stored counters, the proposed
// amount and the current time; windows reset lazily when a new calendar day
// or month is observed, so no background job is required.
package limits

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/tuma-pay/tuma_pay/internal/ledger"
)

// Kind distinguishes which ceiling a rejected request breached.
type Kind string

const (
	KindCount  Kind = "count"
	KindAmount Kind = "amount"
)

// Policy holds the transfer ceilings for a wallet.
type Policy struct {
	MaxDailyCount    int
	MaxMonthlyCount  int
	DailyAmountCap   decimal.Decimal
	MonthlyAmountCap decimal.Decimal
	// Location is the reference timezone for calendar windows.
	Location *time.Location
}

// DefaultPolicy mirrors the platform defaults: 10 transfers and 100,000 KES
// per day, 100 transfers and 1,000,000 KES per month.
func DefaultPolicy() Policy {
	return Policy{
		MaxDailyCount:    10,
		MaxMonthlyCount:  100,
		DailyAmountCap:   decimal.NewFromInt(100_000),
		MonthlyAmountCap: decimal.NewFromInt(1_000_000),
		Location:         time.UTC,
	}
}

// Decision is the outcome of a limit evaluation. When Allowed is false, Kind
// names the breached ceiling. The reset flags and window starts carry the
// lazy rollover into the ledger mutation so counters and balance commit
// together.
type Decision struct {
	Allowed    bool
	Kind       Kind
	ResetDay   bool
	ResetMonth bool
	DayStart   time.Time
	MonthStart time.Time
}

// Delta builds the counter increment to apply alongside the balance CAS for
// an approved transfer of the given amount.
func (d Decision) Delta(amount decimal.Decimal) ledger.LimitDelta {
	return ledger.LimitDelta{
		Count:      1,
		Amount:     amount,
		ResetDay:   d.ResetDay,
		ResetMonth: d.ResetMonth,
		DayStart:   d.DayStart,
		MonthStart: d.MonthStart,
	}
}

func (p Policy) location() *time.Location {
	if p.Location != nil {
		return p.Location
	}
	return time.UTC
}

func dayStart(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

func monthStart(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc)
}

// Evaluate decides whether the wallet may transfer amount at the given time.
// It has no side effects; a rejected request leaves the wallet untouched.
func (p Policy) Evaluate(w ledger.Wallet, amount decimal.Decimal, now time.Time) Decision {
	loc := p.location()
	d := Decision{
		DayStart:   dayStart(now, loc),
		MonthStart: monthStart(now, loc),
	}

	dayCount, dayAmount := w.DayCount, w.DayAmount
	if w.DayStart.Before(d.DayStart) {
		d.ResetDay = true
		dayCount, dayAmount = 0, decimal.Zero
	}
	monthCount, monthAmount := w.MonthCount, w.MonthAmount
	if w.MonthStart.Before(d.MonthStart) {
		d.ResetMonth = true
		monthCount, monthAmount = 0, decimal.Zero
	}

	if p.MaxDailyCount > 0 && dayCount >= p.MaxDailyCount {
		d.Kind = KindCount
		return d
	}
	if p.MaxMonthlyCount > 0 && monthCount >= p.MaxMonthlyCount {
		d.Kind = KindCount
		return d
	}
	if p.DailyAmountCap.IsPositive() && dayAmount.Add(amount).GreaterThan(p.DailyAmountCap) {
		d.Kind = KindAmount
		return d
	}
	if p.MonthlyAmountCap.IsPositive() && monthAmount.Add(amount).GreaterThan(p.MonthlyAmountCap) {
		d.Kind = KindAmount
		return d
	}

	d.Allowed = true
	return d
}
