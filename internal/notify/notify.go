// Package notify fans position lifecycle events out to messaging providers.
// Delivery is best-effort: a provider failure is logged and never propagates
// into the trading path.
package notify

import (
	"fmt"
	"strconv"
	"time"

	"oc-futures-bot/internal/logging"
	"oc-futures-bot/internal/store"
)

// Kind classifies a message for provider-side formatting.
type Kind string

const (
	KindSignal     Kind = "signal"
	KindTradeOpen  Kind = "trade_open"
	KindTradeClose Kind = "trade_close"
	KindAlert      Kind = "alert"
	KindInfo       Kind = "info"
)

// Message is one outbound notification.
type Message struct {
	Kind      Kind
	Title     string
	Body      string
	Symbol    string
	Price     float64
	PnL       float64
	ChatID    string // provider-specific destination override, empty for default
	Timestamp time.Time
}

// Provider delivers messages over one channel (Telegram, Discord, ...).
type Provider interface {
	Send(msg *Message) error
	Name() string
	Enabled() bool
}

// ChatFunc resolves a bot's destination override, empty for the default.
type ChatFunc func(botID int64) string

// Manager fans messages out to all enabled providers asynchronously.
type Manager struct {
	providers []Provider
	chat      ChatFunc
	queue     chan *Message
	log       *logging.Logger
}

// NewManager creates a manager. chat may be nil when no per-bot routing is
// configured.
func NewManager(chat ChatFunc, log *logging.Logger) *Manager {
	if chat == nil {
		chat = func(int64) string { return "" }
	}
	return &Manager{
		chat:  chat,
		queue: make(chan *Message, 128),
		log:   log.WithComponent("notify"),
	}
}

// AddProvider registers a delivery channel.
func (m *Manager) AddProvider(p Provider) {
	m.providers = append(m.providers, p)
}

// Run drains the queue until it is closed. Call Close to stop.
func (m *Manager) Run() {
	for msg := range m.queue {
		for _, p := range m.providers {
			if !p.Enabled() {
				continue
			}
			if err := p.Send(msg); err != nil {
				m.log.Warn("notification delivery failed",
					"provider", p.Name(), "kind", string(msg.Kind), "error", err)
			}
		}
	}
}

// Close stops the dispatcher after the queue drains.
func (m *Manager) Close() { close(m.queue) }

func (m *Manager) enqueue(msg *Message) {
	msg.Timestamp = time.Now().UTC()
	select {
	case m.queue <- msg:
	default:
		m.log.Warn("notification queue full, message dropped", "kind", string(msg.Kind))
	}
}

// SignalDetected reports a triggered strategy signal.
func (m *Manager) SignalDetected(botID int64, symbol, side string, ocPercent, entryPrice float64) {
	m.enqueue(&Message{
		Kind:   KindSignal,
		Title:  fmt.Sprintf("Signal: %s", symbol),
		Body:   fmt.Sprintf("%s %s @ %.4f\nOC: %.2f%%", side, symbol, entryPrice, ocPercent),
		Symbol: symbol,
		Price:  entryPrice,
		ChatID: m.chat(botID),
	})
}

// PositionOpened implements the entry monitor's notifier.
func (m *Manager) PositionOpened(botID int64, p *store.Position) {
	body := fmt.Sprintf("%s %s\nEntry: %.4f\nQty: %s\nTP: %.4f",
		p.Side, p.Symbol, p.EntryPrice, strconv.FormatFloat(p.Quantity, 'f', -1, 64), p.TPPrice)
	if p.SLPrice != nil {
		body += fmt.Sprintf("\nSL: %.4f", *p.SLPrice)
	}
	m.enqueue(&Message{
		Kind:   KindTradeOpen,
		Title:  fmt.Sprintf("Position opened: %s", p.Symbol),
		Body:   body,
		Symbol: p.Symbol,
		Price:  p.EntryPrice,
		ChatID: m.chat(botID),
	})
}

// EntryResolved implements the entry monitor's notifier for entries that
// terminated without opening a position.
func (m *Manager) EntryResolved(botID int64, o *store.EntryOrder, status store.EntryOrderStatus) {
	m.enqueue(&Message{
		Kind:   KindInfo,
		Title:  fmt.Sprintf("Entry %s: %s", status, o.Symbol),
		Body:   fmt.Sprintf("%s %s @ %.4f did not fill", o.Side, o.Symbol, o.EntryPrice),
		Symbol: o.Symbol,
		Price:  o.EntryPrice,
		ChatID: m.chat(botID),
	})
}

// PositionClosed implements the position monitor's notifier.
func (m *Manager) PositionClosed(botID int64, p *store.Position, reason store.CloseReason, closePrice, pnl float64) {
	m.enqueue(&Message{
		Kind:  KindTradeClose,
		Title: fmt.Sprintf("Position closed: %s", p.Symbol),
		Body: fmt.Sprintf("%s %s\nEntry: %.4f -> Exit: %.4f\nP&L: %.4f\nReason: %s",
			p.Side, p.Symbol, p.EntryPrice, closePrice, pnl, reason),
		Symbol: p.Symbol,
		Price:  closePrice,
		PnL:    pnl,
		ChatID: m.chat(botID),
	})
}

// ProtectionAlert implements the position monitor's notifier for protection
// failures.
func (m *Manager) ProtectionAlert(botID int64, p *store.Position, msg string) {
	m.enqueue(&Message{
		Kind:   KindAlert,
		Title:  fmt.Sprintf("Protection alert: %s", p.Symbol),
		Body:   fmt.Sprintf("%s %s position %d: %s", p.Side, p.Symbol, p.ID, msg),
		Symbol: p.Symbol,
		ChatID: m.chat(botID),
	})
}

// EngineError reports an engine-level failure.
func (m *Manager) EngineError(title, body string) {
	m.enqueue(&Message{Kind: KindAlert, Title: title, Body: body})
}
