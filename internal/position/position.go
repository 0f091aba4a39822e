// Package position implements the per-position state machine: entry,
// hedge, and exit transitions plus P&L and the transition log.
package position

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"whalecopy/internal/config"
	"whalecopy/internal/types"
)

// OpenParams are the inputs needed to open a new managed position.
type OpenParams struct {
	TokenID         string
	MarketID        string
	Side            types.Side
	EntryPriceCents int
	EntrySizeUsd    decimal.Decimal
	ReferenceCents  int
	Now             time.Time
}

// TransitionEvent is broadcast on every state change so observers (e.g. the
// daemon's store writer) can react without holding up the state
// machine itself.
type TransitionEvent struct {
	Position types.ManagedPosition
	Entry    types.TransitionLogEntry
}

// Manager owns the live position map exclusively; all external reads go
// through its accessors.
type Manager struct {
	cfg *config.Config

	mu        sync.Mutex
	positions map[string]*types.ManagedPosition

	events chan TransitionEvent
}

// New constructs an empty manager. events is an optional broadcast channel;
// pass nil to skip transition broadcasting.
func New(cfg *config.Config, events chan TransitionEvent) *Manager {
	return &Manager{
		cfg:       cfg,
		positions: make(map[string]*types.ManagedPosition),
		events:    events,
	}
}

// OpenPosition creates a new OPEN position with target prices computed from
// config, and appends the initial transition log entry.
func (m *Manager) OpenPosition(p OpenParams, ev types.EvMetrics, bias types.TokenBias) types.ManagedPosition {
	pos := &types.ManagedPosition{
		ID:                  uuid.NewString(),
		TokenID:             p.TokenID,
		MarketID:            p.MarketID,
		Side:                p.Side,
		State:               types.StateOpen,
		EntryPriceCents:     p.EntryPriceCents,
		EntrySizeUsd:        p.EntrySizeUsd,
		EntryTime:           p.Now,
		CurrentPriceCents:   p.EntryPriceCents,
		ReferencePriceCents: p.ReferenceCents,
		TotalHedgeRatio:     decimal.Zero,
	}

	if p.Side == types.SideLong {
		pos.TakeProfitCents = p.EntryPriceCents + m.cfg.TakeProfitCents
		pos.HedgeTriggerCents = p.EntryPriceCents - m.cfg.HedgeTriggerCents
		pos.HardExitCents = p.EntryPriceCents - m.cfg.HardStopCents
	} else {
		pos.TakeProfitCents = p.EntryPriceCents - m.cfg.TakeProfitCents
		pos.HedgeTriggerCents = p.EntryPriceCents + m.cfg.HedgeTriggerCents
		pos.HardExitCents = p.EntryPriceCents + m.cfg.HardStopCents
	}

	entry := types.TransitionLogEntry{
		From:      "",
		To:        types.StateOpen,
		Reason:    "OPEN",
		Timestamp: p.Now,
		EV:        ev,
		Bias:      bias,
	}
	pos.TransitionLog = append(pos.TransitionLog, entry)

	m.mu.Lock()
	m.positions[pos.ID] = pos
	m.mu.Unlock()

	m.broadcast(*pos, entry)
	return *pos
}

// UpdatePrice refreshes a position's current price and unrealized P&L, then
// evaluates the ordered exit/hedge trigger sequence. It does not itself
// execute the action; it reports what the caller (decision/execution
// engine) should do next.
func (m *Manager) UpdatePrice(id string, priceCents int, now time.Time) (types.PriceUpdateResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.positions[id]
	if !ok {
		return types.PriceUpdateResult{}, fmt.Errorf("position %s not found", id)
	}

	pos.CurrentPriceCents = priceCents
	pnlCents := signedPnlCents(pos.Side, pos.EntryPriceCents, priceCents)

	// Hedge legs carry their own live P&L (open question b), refreshed before
	// the total is summed: each leg is on the opposite token, priced as the
	// mirror of the main leg (100 - price), and measured from its own entry.
	for i := range pos.Hedges {
		pos.Hedges[i].PnLCents = (100 - priceCents) - pos.Hedges[i].EntryCents
	}

	pos.UnrealizedPnLCents = pnlCents + sumHedgePnl(pos.Hedges)
	shares := shareCount(pos.EntrySizeUsd, pos.EntryPriceCents)
	pos.UnrealizedPnLUsd = decimal.NewFromInt(int64(pos.UnrealizedPnLCents)).Mul(shares).Div(decimal.NewFromInt(100))

	if priceTargetHit(pos.Side, priceCents, pos.TakeProfitCents) {
		return types.PriceUpdateResult{Action: types.ActionExit, Reason: types.ExitTakeProfit}, nil
	}
	if hardExitHit(pos.Side, priceCents, pos.HardExitCents) {
		return types.PriceUpdateResult{Action: types.ActionExit, Reason: types.ExitHardExit}, nil
	}
	if now.Sub(pos.EntryTime) >= time.Duration(m.cfg.MaxHoldSeconds)*time.Second {
		return types.PriceUpdateResult{Action: types.ActionExit, Reason: types.ExitTimeStop}, nil
	}
	if pos.State == types.StateOpen && pos.TotalHedgeRatio.LessThan(m.cfg.MaxHedgeRatio) && hedgeTriggerHit(pos.Side, priceCents, pos.HedgeTriggerCents) {
		return types.PriceUpdateResult{Action: types.ActionHedge}, nil
	}
	return types.PriceUpdateResult{Action: types.ActionNone}, nil
}

// RecordHedge appends a hedge leg, advances totalHedgeRatio, and transitions
// OPEN->HEDGED on the position's first hedge.
func (m *Manager) RecordHedge(id string, leg types.HedgeLeg, hedgeRatio decimal.Decimal, now time.Time, ev types.EvMetrics, bias types.TokenBias) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.positions[id]
	if !ok {
		return fmt.Errorf("position %s not found", id)
	}

	pos.Hedges = append(pos.Hedges, leg)
	pos.TotalHedgeRatio = pos.TotalHedgeRatio.Add(hedgeRatio)

	if pos.State == types.StateOpen {
		entry := types.TransitionLogEntry{
			From:      types.StateOpen,
			To:        types.StateHedged,
			Reason:    "HEDGE",
			Timestamp: now,
			EV:        ev,
			Bias:      bias,
		}
		pos.State = types.StateHedged
		pos.TransitionLog = append(pos.TransitionLog, entry)
		m.broadcastLocked(*pos, entry)
	}
	return nil
}

// BeginExit transitions a position into EXITING ahead of the actual fill.
func (m *Manager) BeginExit(id string, reason types.ExitReason, now time.Time, ev types.EvMetrics, bias types.TokenBias) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.positions[id]
	if !ok {
		return fmt.Errorf("position %s not found", id)
	}
	if pos.State == types.StateExiting || pos.State == types.StateClosed {
		return nil
	}

	from := pos.State
	entry := types.TransitionLogEntry{
		From:      from,
		To:        types.StateExiting,
		Reason:    string(reason),
		Timestamp: now,
		EV:        ev,
		Bias:      bias,
	}
	pos.State = types.StateExiting
	pos.TransitionLog = append(pos.TransitionLog, entry)
	m.broadcastLocked(*pos, entry)
	return nil
}

// ClosePosition finalizes a position at exitCents and returns the terminal
// snapshot, the last transition always carrying CLOSED as its To state.
func (m *Manager) ClosePosition(id string, exitCents int, now time.Time, ev types.EvMetrics, bias types.TokenBias) (types.ManagedPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.positions[id]
	if !ok {
		return types.ManagedPosition{}, fmt.Errorf("position %s not found", id)
	}

	pos.CurrentPriceCents = exitCents
	pnlCents := signedPnlCents(pos.Side, pos.EntryPriceCents, exitCents)
	pos.UnrealizedPnLCents = pnlCents + sumHedgePnl(pos.Hedges)
	shares := shareCount(pos.EntrySizeUsd, pos.EntryPriceCents)
	pos.UnrealizedPnLUsd = decimal.NewFromInt(int64(pos.UnrealizedPnLCents)).Mul(shares).Div(decimal.NewFromInt(100))

	entry := types.TransitionLogEntry{
		From:      pos.State,
		To:        types.StateClosed,
		Reason:    "CLOSE",
		Timestamp: now,
		PnLCents:  pos.UnrealizedPnLCents,
		EV:        ev,
		Bias:      bias,
	}
	pos.State = types.StateClosed
	pos.TransitionLog = append(pos.TransitionLog, entry)
	m.broadcastLocked(*pos, entry)

	return *pos, nil
}

// Get returns a copy of the position by id.
func (m *Manager) Get(id string) (types.ManagedPosition, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[id]
	if !ok {
		return types.ManagedPosition{}, false
	}
	return *pos, true
}

// ByToken returns all live (non-CLOSED) positions for a token.
func (m *Manager) ByToken(tokenID string) []types.ManagedPosition {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.ManagedPosition
	for _, pos := range m.positions {
		if pos.TokenID == tokenID && pos.State != types.StateClosed {
			out = append(out, *pos)
		}
	}
	return out
}

// OpenPositions returns all positions currently not CLOSED.
func (m *Manager) OpenPositions() []types.ManagedPosition {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.ManagedPosition
	for _, pos := range m.positions {
		if pos.State != types.StateClosed {
			out = append(out, *pos)
		}
	}
	return out
}

// PruneClosedPositions drops CLOSED positions older than maxAge.
func (m *Manager) PruneClosedPositions(maxAge time.Duration, now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	pruned := 0
	for id, pos := range m.positions {
		if pos.State != types.StateClosed {
			continue
		}
		last := pos.TransitionLog[len(pos.TransitionLog)-1]
		if now.Sub(last.Timestamp) > maxAge {
			delete(m.positions, id)
			pruned++
		}
	}
	return pruned
}

func (m *Manager) broadcast(pos types.ManagedPosition, entry types.TransitionLogEntry) {
	if m.events == nil {
		return
	}
	select {
	case m.events <- TransitionEvent{Position: pos, Entry: entry}:
	default:
		// observers drain asynchronously; a full channel never blocks
		// the state machine
	}
}

func (m *Manager) broadcastLocked(pos types.ManagedPosition, entry types.TransitionLogEntry) {
	m.broadcast(pos, entry)
}

func signedPnlCents(side types.Side, entryCents, currentCents int) int {
	if side == types.SideLong {
		return currentCents - entryCents
	}
	return entryCents - currentCents
}

func sumHedgePnl(hedges []types.HedgeLeg) int {
	total := 0
	for _, h := range hedges {
		total += h.PnLCents
	}
	return total
}

func shareCount(sizeUsd decimal.Decimal, entryCents int) decimal.Decimal {
	if entryCents == 0 {
		return decimal.Zero
	}
	return sizeUsd.Div(decimal.NewFromInt(int64(entryCents)).Div(decimal.NewFromInt(100)))
}

func priceTargetHit(side types.Side, currentCents, tpCents int) bool {
	if side == types.SideLong {
		return currentCents >= tpCents
	}
	return currentCents <= tpCents
}

func hardExitHit(side types.Side, currentCents, hardExitCents int) bool {
	if side == types.SideLong {
		return currentCents <= hardExitCents
	}
	return currentCents >= hardExitCents
}

func hedgeTriggerHit(side types.Side, currentCents, hedgeTriggerCents int) bool {
	if side == types.SideLong {
		return currentCents <= hedgeTriggerCents
	}
	return currentCents >= hedgeTriggerCents
}
