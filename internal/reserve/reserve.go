// Package reserve implements the dynamic bankroll reserve: a fraction that
// narrows in response to missed entries, widens in response to uncompleted
// hedges, and relaxes back toward its baseline as those events age out.
package reserve

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"whalecopy/internal/config"
)

const missedWindow = 30 * time.Minute

var (
	missedWeight    = decimal.NewFromFloat(0.02)
	missedCap       = decimal.NewFromFloat(0.15)
	hedgeWeight     = decimal.NewFromFloat(0.03)
	hedgeCap        = decimal.NewFromFloat(0.10)
	floorFraction   = decimal.NewFromFloat(0.1)
)

type missEvent struct {
	at       time.Time
	isHedge  bool
}

// Manager tracks the adapted reserve fraction and the recent-event windows
// that drive it.
type Manager struct {
	cfg *config.Config

	mu      sync.Mutex
	adapted decimal.Decimal
	events  []missEvent
}

// New constructs a manager seeded at cfg.ReserveFraction.
func New(cfg *config.Config) *Manager {
	return &Manager{
		cfg:     cfg,
		adapted: cfg.ReserveFraction,
	}
}

// RecordMissedEntry registers a missed entry opportunity (a bias that was
// eligible but could not be acted on due to bankroll or risk-cap limits).
func (m *Manager) RecordMissedEntry(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, missEvent{at: now, isHedge: false})
}

// RecordMissedHedge registers a hedge trigger that could not be filled.
func (m *Manager) RecordMissedHedge(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, missEvent{at: now, isHedge: true})
}

// Adapt recomputes the adapted fraction toward its target by one step of
// adaptationRate. Call once per scheduler tick.
func (m *Manager) Adapt(now time.Time) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pruneLocked(now)

	missedCount, hedgesMissed := 0, 0
	for _, e := range m.events {
		if e.isHedge {
			hedgesMissed++
		} else {
			missedCount++
		}
	}

	missedFactor := decimal.NewFromInt(int64(missedCount)).Mul(missedWeight)
	if missedFactor.GreaterThan(missedCap) {
		missedFactor = missedCap
	}
	hedgeFactor := decimal.NewFromInt(int64(hedgesMissed)).Mul(hedgeWeight)
	if hedgeFactor.GreaterThan(hedgeCap) {
		hedgeFactor = hedgeCap
	}

	target := m.cfg.ReserveFraction.Sub(missedFactor).Add(hedgeFactor)
	if target.LessThan(floorFraction) {
		target = floorFraction
	}
	if target.GreaterThan(m.cfg.MaxReserveFraction) {
		target = m.cfg.MaxReserveFraction
	}

	delta := target.Sub(m.adapted)
	m.adapted = m.adapted.Add(delta.Mul(adaptationRate))
	if m.adapted.LessThan(floorFraction) {
		m.adapted = floorFraction
	}
	if m.adapted.GreaterThan(m.cfg.MaxReserveFraction) {
		m.adapted = m.cfg.MaxReserveFraction
	}
	return m.adapted
}

// adaptationRate bounds how much of the gap to target is closed per tick;
// fully closing it every tick would make the reserve whipsaw on noisy,
// single-event windows.
var adaptationRate = decimal.NewFromFloat(0.2)

func (m *Manager) pruneLocked(now time.Time) {
	kept := m.events[:0]
	for _, e := range m.events {
		if now.Sub(e.at) <= missedWindow {
			kept = append(kept, e)
		}
	}
	m.events = kept
}

// GetEffectiveBankroll returns the trade-eligible balance (balance minus the
// reserve, floored at cfg.ReserveFloorUsd) and the reserve amount withheld.
func (m *Manager) GetEffectiveBankroll(balanceUsd decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	m.mu.Lock()
	adapted := m.adapted
	m.mu.Unlock()

	reserve := balanceUsd.Mul(adapted)
	if reserve.LessThan(m.cfg.ReserveFloorUsd) {
		reserve = m.cfg.ReserveFloorUsd
	}
	effective := balanceUsd.Sub(reserve)
	if effective.LessThan(decimal.Zero) {
		effective = decimal.Zero
	}
	return effective, reserve
}
