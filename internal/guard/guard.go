// Package guard defines the price and trading-window checks consulted by the
// guarded credit/seize variants, with in-memory implementations.
package guard

import (
	"fmt"
	"sync"
	"time"

	"ClearLedger/internal/errs"
)

// PriceGuard returns oracle prices that passed staleness and band checks.
type PriceGuard interface {
	ValidatedPrice(symbol string) (price int64, ts time.Time, err error)
	IsValid(symbol string) bool
}

// TradingWindowGuard fails when a market is closed, halted or blacked out.
type TradingWindowGuard interface {
	RequireCanTrade(symbol string) error
}

type pricePoint struct {
	price  int64
	ts     time.Time
	inBand bool
}

// PriceBook is an in-memory PriceGuard. A price older than maxAge is stale;
// a price deviating from the previous accepted price by more than bandBps
// basis points is out of band until a price inside the band arrives.
type PriceBook struct {
	mu      sync.RWMutex
	maxAge  time.Duration
	bandBps int64
	now     func() time.Time
	prices  map[string]pricePoint
	ref     map[string]int64 // last in-band price per symbol
}

func NewPriceBook(maxAge time.Duration, bandBps int64, now func() time.Time) *PriceBook {
	if now == nil {
		now = time.Now
	}
	return &PriceBook{
		maxAge:  maxAge,
		bandBps: bandBps,
		now:     now,
		prices:  make(map[string]pricePoint),
		ref:     make(map[string]int64),
	}
}

// UpdatePrice records an oracle price. Updates older than the current one are
// ignored (gaps are tolerated, regressions are not).
func (p *PriceBook) UpdatePrice(symbol string, price int64, ts time.Time) error {
	if price <= 0 {
		return fmt.Errorf("%w: price %d for %s", errs.ErrZeroAmount, price, symbol)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if cur, ok := p.prices[symbol]; ok && ts.Before(cur.ts) {
		return nil
	}

	inBand := true
	if ref, ok := p.ref[symbol]; ok && p.bandBps > 0 {
		diff := price - ref
		if diff < 0 {
			diff = -diff
		}
		inBand = diff*10_000 <= ref*p.bandBps
	}
	if inBand {
		p.ref[symbol] = price
	}
	p.prices[symbol] = pricePoint{price: price, ts: ts, inBand: inBand}
	return nil
}

func (p *PriceBook) ValidatedPrice(symbol string) (int64, time.Time, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	pt, ok := p.prices[symbol]
	if !ok {
		return 0, time.Time{}, fmt.Errorf("%w: no price for %s", errs.ErrStalePrice, symbol)
	}
	if p.maxAge > 0 && p.now().Sub(pt.ts) > p.maxAge {
		return 0, pt.ts, fmt.Errorf("%w: %s last updated %s", errs.ErrStalePrice, symbol, pt.ts.Format(time.RFC3339))
	}
	if !pt.inBand {
		return 0, pt.ts, fmt.Errorf("%w: %s price %d", errs.ErrOutOfBand, symbol, pt.price)
	}
	return pt.price, pt.ts, nil
}

func (p *PriceBook) IsValid(symbol string) bool {
	_, _, err := p.ValidatedPrice(symbol)
	return err == nil
}

// Window is a half-open interval [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

func (w Window) contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Session restricts trading to minutes-of-day (UTC) on given weekdays.
// A zero Session means 24/7.
type Session struct {
	OpenMinute  int
	CloseMinute int
	Weekdays    []time.Weekday
}

func (s Session) isZero() bool {
	return s.OpenMinute == 0 && s.CloseMinute == 0 && len(s.Weekdays) == 0
}

func (s Session) open(t time.Time) bool {
	if s.isZero() {
		return true
	}
	t = t.UTC()
	if len(s.Weekdays) > 0 {
		ok := false
		for _, d := range s.Weekdays {
			if t.Weekday() == d {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	minute := t.Hour()*60 + t.Minute()
	if s.OpenMinute == s.CloseMinute {
		return true
	}
	if s.OpenMinute < s.CloseMinute {
		return minute >= s.OpenMinute && minute < s.CloseMinute
	}
	// overnight session
	return minute >= s.OpenMinute || minute < s.CloseMinute
}

// Calendar is an in-memory TradingWindowGuard.
type Calendar struct {
	mu        sync.RWMutex
	now       func() time.Time
	session   Session
	halted    map[string]bool
	blackouts map[string][]Window
}

func NewCalendar(session Session, now func() time.Time) *Calendar {
	if now == nil {
		now = time.Now
	}
	return &Calendar{
		now:       now,
		session:   session,
		halted:    make(map[string]bool),
		blackouts: make(map[string][]Window),
	}
}

// Halt stops trading for symbol until Resume.
func (c *Calendar) Halt(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.halted[symbol] = true
}

// Resume lifts a halt.
func (c *Calendar) Resume(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.halted, symbol)
}

// AddBlackout blocks trading for symbol during w.
func (c *Calendar) AddBlackout(symbol string, w Window) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blackouts[symbol] = append(c.blackouts[symbol], w)
}

func (c *Calendar) RequireCanTrade(symbol string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	if c.halted[symbol] {
		return fmt.Errorf("%w: %s halted", errs.ErrMarketClosed, symbol)
	}
	for _, w := range c.blackouts[symbol] {
		if w.contains(now) {
			return fmt.Errorf("%w: %s in blackout until %s", errs.ErrMarketClosed, symbol, w.End.Format(time.RFC3339))
		}
	}
	if !c.session.open(now) {
		return fmt.Errorf("%w: %s outside trading session", errs.ErrMarketClosed, symbol)
	}
	return nil
}
