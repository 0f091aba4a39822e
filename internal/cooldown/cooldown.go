// Package cooldown tracks per-token failure backoff so the scheduler does
// not hammer a dead or delisted market every tick.
package cooldown

import (
	"sync"
	"time"

	"whalecopy/internal/types"
)

// transientCooldown is the fixed backoff for rate-limit/network/parse style
// failures: short, flat, because the condition is expected to clear quickly.
const transientCooldown = 30 * time.Second

// deadMarketSchedule is the exponential backoff for NO_ORDERBOOK/NOT_FOUND:
// the market is probably resolved, delisted, or never existed.
var deadMarketSchedule = []time.Duration{
	10 * time.Minute,
	30 * time.Minute,
	2 * time.Hour,
	24 * time.Hour,
}

// Manager is the single source of truth for "is this token eligible to be
// touched again yet." All methods are safe for concurrent use, since the
// bias accumulator, market-data facade, and execution engine may all probe
// the same token in the same tick.
type Manager struct {
	mu            sync.Mutex
	entries       map[string]*types.CooldownEntry
	resolvedLater int64
	now           func() time.Time
}

// Stats is a snapshot of the manager's aggregate counters, for the
// diagnostics status line.
type Stats struct {
	Active        int
	ResolvedLater int64
}

// New constructs an empty cooldown manager.
func New() *Manager {
	return &Manager{
		entries: make(map[string]*types.CooldownEntry),
		now:     time.Now,
	}
}

// IsEligible reports whether tokenID may be acted on right now.
func (m *Manager) IsEligible(tokenID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[tokenID]
	if !ok {
		return true
	}
	return !m.now().Before(e.NextEligibleAt)
}

// NextEligibleAt returns the time at which tokenID next becomes eligible,
// the zero time if there is no active cooldown.
func (m *Manager) NextEligibleAt(tokenID string) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[tokenID]
	if !ok {
		return time.Time{}
	}
	return e.NextEligibleAt
}

// RecordFailure registers a failure for tokenID and advances its cooldown.
// Dead-market reasons escalate through the exponential schedule on repeat
// strikes; transient reasons always get the flat 30s window and do not
// escalate, since they aren't evidence the market itself is unhealthy.
func (m *Manager) RecordFailure(tokenID string, reason types.FailureReason) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[tokenID]
	if !ok {
		e = &types.CooldownEntry{}
		m.entries[tokenID] = e
	}

	if isDeadMarketReason(reason) {
		if e.LastReason != reason {
			e.Strikes = 0
		}
		idx := e.Strikes
		if idx >= len(deadMarketSchedule) {
			idx = len(deadMarketSchedule) - 1
		}
		e.NextEligibleAt = m.now().Add(deadMarketSchedule[idx])
		e.Strikes++
	} else {
		e.NextEligibleAt = m.now().Add(transientCooldown)
	}
	e.LastReason = reason
}

// Clear removes any cooldown on tokenID, e.g. after a clean successful fetch.
// A subsequent success on a token that was previously cooling down counts as
// a resolution and bumps ResolvedLater.
func (m *Manager) Clear(tokenID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[tokenID]; ok {
		m.resolvedLater++
	}
	delete(m.entries, tokenID)
}

// ActiveCount returns how many tokens currently carry an unexpired cooldown,
// used by diagnostics.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeCountLocked()
}

func (m *Manager) activeCountLocked() int {
	n := 0
	now := m.now()
	for _, e := range m.entries {
		if now.Before(e.NextEligibleAt) {
			n++
		}
	}
	return n
}

// GetStats returns a snapshot of active cooldowns and lifetime resolutions.
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{Active: m.activeCountLocked(), ResolvedLater: m.resolvedLater}
}

// Cleanup drops entries whose cooldown window has already elapsed, bounding
// map growth for tokens that expire on their own rather than being cleared
// by an explicit success. Returns the number of entries removed.
func (m *Manager) Cleanup(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for token, e := range m.entries {
		if !now.Before(e.NextEligibleAt) {
			delete(m.entries, token)
			removed++
		}
	}
	return removed
}

func isDeadMarketReason(reason types.FailureReason) bool {
	return reason == types.ReasonNoOrderbook || reason == types.ReasonNotFound
}
