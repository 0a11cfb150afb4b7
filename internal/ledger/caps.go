package ledger

import (
	"fmt"
	"math"
	"time"

	"ClearLedger/internal/errs"
)

const secondsPerDay = 86400

// DayIndex returns floor(unix seconds / 86400), the calendar-day bucket caps
// are tracked against.
func DayIndex(t time.Time) int64 {
	s := t.Unix()
	d := s / secondsPerDay
	if s%secondsPerDay < 0 {
		d--
	}
	return d
}

type dayUsage struct {
	day  int64
	used int64
}

func (u *dayUsage) usedOn(day int64) int64 {
	if u.day != day {
		return 0
	}
	return u.used
}

func (u *dayUsage) add(day, amount int64) {
	if u.day != day {
		u.day = day
		u.used = 0
	}
	// saturates; only reachable with caps unlimited
	u.used = min(u.used, math.MaxInt64-amount) + amount
}

// CapLimits configures daily withdrawal caps. Zero means unlimited.
type CapLimits struct {
	PerAccount int64 `json:"per_account" yaml:"per_account"`
	Global     int64 `json:"global" yaml:"global"`
}

// CapTracker enforces per-account and global daily withdrawal caps.
// Collateral and pnl withdrawals count against the same caps.
// Not thread-safe; AccountLedger holds its lock.
type CapTracker struct {
	limits    CapLimits
	overrides map[string]int64
	accounts  map[string]*dayUsage
	global    dayUsage
}

func NewCapTracker(limits CapLimits) *CapTracker {
	return &CapTracker{
		limits:    limits,
		overrides: make(map[string]int64),
		accounts:  make(map[string]*dayUsage),
	}
}

// SetLimits replaces the default limits.
func (c *CapTracker) SetLimits(limits CapLimits) {
	c.limits = limits
}

// Limits returns the default limits.
func (c *CapTracker) Limits() CapLimits {
	return c.limits
}

// SetAccountCap overrides the per-account cap for one account.
// A negative value removes the override.
func (c *CapTracker) SetAccountCap(accountID string, limit int64) {
	if limit < 0 {
		delete(c.overrides, accountID)
		return
	}
	c.overrides[accountID] = limit
}

func (c *CapTracker) accountLimit(accountID string) int64 {
	if limit, ok := c.overrides[accountID]; ok {
		return limit
	}
	return c.limits.PerAccount
}

// Check fails with errs.ErrCapExceeded if amount would exceed either cap today.
func (c *CapTracker) Check(accountID string, amount int64, now time.Time) error {
	day := DayIndex(now)

	if limit := c.accountLimit(accountID); limit > 0 {
		used := int64(0)
		if u, ok := c.accounts[accountID]; ok {
			used = u.usedOn(day)
		}
		if amount > limit-used {
			return fmt.Errorf("%w: account %s used=%d cap=%d requested=%d",
				errs.ErrCapExceeded, accountID, used, limit, amount)
		}
	}

	if limit := c.limits.Global; limit > 0 {
		used := c.global.usedOn(day)
		if amount > limit-used {
			return fmt.Errorf("%w: global used=%d cap=%d requested=%d",
				errs.ErrCapExceeded, used, limit, amount)
		}
	}
	return nil
}

// Record counts a successful withdrawal against today's usage.
func (c *CapTracker) Record(accountID string, amount int64, now time.Time) {
	day := DayIndex(now)
	u, ok := c.accounts[accountID]
	if !ok {
		u = &dayUsage{day: day}
		c.accounts[accountID] = u
	}
	u.add(day, amount)
	c.global.add(day, amount)
}

// Used returns today's account and global usage.
func (c *CapTracker) Used(accountID string, now time.Time) (account, global int64) {
	day := DayIndex(now)
	if u, ok := c.accounts[accountID]; ok {
		account = u.usedOn(day)
	}
	return account, c.global.usedOn(day)
}
