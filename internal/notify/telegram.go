// Package notify provides the daemon's optional Telegram sink: trade
// open/hedge/exit/pause alerts and a read-only command surface. Entirely
// optional and never gates a trading decision.
package notify

import (
	"fmt"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"whalecopy/internal/types"
)

// StatsProvider supplies the read-only data behind /status, /stats, and
// /positions; the notifier never calls back into it to influence trading.
type StatsProvider interface {
	OpenPositions() []types.ManagedPosition
	EvSummary() (evCents decimal.Decimal, profitFactor decimal.Decimal, paused bool)
	EffectiveBankroll() (effective decimal.Decimal, reserve decimal.Decimal)
}

// Notifier wraps a Telegram bot API session bound to one chat.
type Notifier struct {
	api    *tgbotapi.BotAPI
	chatID int64
	stats  StatsProvider

	stopCh chan struct{}
	once   sync.Once
}

// New connects to Telegram with token and binds outbound messages to
// chatID. stats may be nil; command replies then degrade to
// "<command> unavailable".
func New(token string, chatID int64, stats StatsProvider) (*Notifier, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("notify: telegram connect: %w", err)
	}
	log.Info().Str("username", api.Self.UserName).Msg("notify: telegram bot connected")

	return &Notifier{
		api:    api,
		chatID: chatID,
		stats:  stats,
		stopCh: make(chan struct{}),
	}, nil
}

// Start begins listening for inbound commands.
func (n *Notifier) Start() {
	go n.listen()
}

// Stop ends the command listener.
func (n *Notifier) Stop() {
	n.once.Do(func() { close(n.stopCh) })
}

func (n *Notifier) listen() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := n.api.GetUpdatesChan(u)

	for {
		select {
		case update := <-updates:
			if update.Message != nil && update.Message.IsCommand() {
				go n.handleCommand(update.Message)
			}
		case <-n.stopCh:
			return
		}
	}
}

func (n *Notifier) handleCommand(msg *tgbotapi.Message) {
	switch msg.Command() {
	case "status":
		n.cmdStatus()
	case "stats":
		n.cmdStats()
	case "positions":
		n.cmdPositions()
	default:
		n.send("Unknown command. Available: /status, /stats, /positions")
	}
}

func (n *Notifier) cmdStatus() {
	if n.stats == nil {
		n.send("status unavailable")
		return
	}
	evCents, pf, paused := n.stats.EvSummary()
	effective, reserve := n.stats.EffectiveBankroll()
	open := n.stats.OpenPositions()
	n.send(fmt.Sprintf(
		"Open positions: %d\nEV cents: %s (PF %s, paused=%v)\nEffective bankroll: $%s (reserve $%s)",
		len(open), evCents.StringFixed(2), pf.StringFixed(2), paused,
		effective.StringFixed(2), reserve.StringFixed(2),
	))
}

func (n *Notifier) cmdStats() {
	if n.stats == nil {
		n.send("stats unavailable")
		return
	}
	evCents, pf, paused := n.stats.EvSummary()
	n.send(fmt.Sprintf("EV cents: %s\nProfit factor: %s\nTrading paused: %v", evCents.StringFixed(2), pf.StringFixed(2), paused))
}

func (n *Notifier) cmdPositions() {
	if n.stats == nil {
		n.send("positions unavailable")
		return
	}
	open := n.stats.OpenPositions()
	if len(open) == 0 {
		n.send("No open positions")
		return
	}
	var b strings.Builder
	for _, p := range open {
		fmt.Fprintf(&b, "%s %s @ %dc -> %dc (pnl %dc) [%s]\n", p.TokenID, p.Side, p.EntryPriceCents, p.CurrentPriceCents, p.UnrealizedPnLCents, p.State)
	}
	n.send(b.String())
}

// NotifyEntry announces a new fill.
func (n *Notifier) NotifyEntry(pos types.ManagedPosition) {
	n.send(fmt.Sprintf("ENTRY %s %s @ %dc, size $%s", pos.TokenID, pos.Side, pos.EntryPriceCents, pos.EntrySizeUsd.StringFixed(2)))
}

// NotifyHedge announces a new hedge leg.
func (n *Notifier) NotifyHedge(pos types.ManagedPosition) {
	n.send(fmt.Sprintf("HEDGE %s, total hedge ratio %s", pos.TokenID, pos.TotalHedgeRatio.StringFixed(2)))
}

// NotifyExit announces a closed position.
func (n *Notifier) NotifyExit(pos types.ManagedPosition, reason types.ExitReason) {
	n.send(fmt.Sprintf("EXIT %s reason=%s pnl=%dc ($%s)", pos.TokenID, reason, pos.UnrealizedPnLCents, pos.UnrealizedPnLUsd.StringFixed(2)))
}

// NotifyEvPause announces the EV tracker entering a pause window.
func (n *Notifier) NotifyEvPause(evCents decimal.Decimal, profitFactor decimal.Decimal) {
	n.send(fmt.Sprintf("EV PAUSE triggered: evCents=%s profitFactor=%s", evCents.StringFixed(2), profitFactor.StringFixed(2)))
}

func (n *Notifier) send(text string) {
	if n.chatID == 0 {
		return
	}
	msg := tgbotapi.NewMessage(n.chatID, text)
	if _, err := n.api.Send(msg); err != nil {
		log.Warn().Err(err).Msg("notify: telegram send failed")
	}
}
