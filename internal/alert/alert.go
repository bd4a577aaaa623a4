// internal/alert/alert.go
package alert

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Type identifies what happened.
type Type string

const (
	TypeStopUpdated      Type = "stop_updated"
	TypeTrancheTriggered Type = "tranche_triggered"
	TypeOrderSubmitted   Type = "order_submitted"
	TypeOrderFailed      Type = "order_failed"
	TypeAdopted          Type = "position_adopted"
	TypePruned           Type = "position_pruned"
	TypeClosed           Type = "position_closed"
	TypeInvariant        Type = "invariant_violation"
)

// Severity of an alert. Critical alerts mean real risk exposure (an
// unfilled stop) and are kept apart from routine ratchet logging.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one emitted event.
type Alert struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
	Ticker    string    `json:"ticker"`
	Message   string    `json:"message"`

	Price    float64 `json:"price,omitempty"`
	Quantity int64   `json:"quantity,omitempty"`
	OrderID  string  `json:"order_id,omitempty"`
}

// Handler is called for every emitted alert.
type Handler func(alert Alert)

// Manager fans alerts out to log and registered handlers and keeps a short
// in-memory history for inspection.
type Manager struct {
	mu        sync.RWMutex
	logger    *zap.Logger
	alerts    []Alert
	maxAlerts int
	handlers  []Handler
}

// NewManager creates an alert manager.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		logger:    logger.Named("alerts"),
		alerts:    make([]Alert, 0, 100),
		maxAlerts: 1000,
	}
}

// AddHandler registers a handler; handlers run on their own goroutine so a
// slow consumer cannot stall the emitting cycle.
func (m *Manager) AddHandler(handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

// Emit records and fans out an alert.
func (m *Manager) Emit(a Alert) {
	if a.ID == "" {
		a.ID = fmt.Sprintf("alert_%d", time.Now().UnixNano())
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}

	m.mu.Lock()
	if len(m.alerts) >= m.maxAlerts {
		m.alerts = m.alerts[1:]
	}
	m.alerts = append(m.alerts, a)
	handlers := make([]Handler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	fields := []zap.Field{
		zap.String("type", string(a.Type)),
		zap.String("ticker", a.Ticker),
		zap.String("message", a.Message),
	}
	switch a.Severity {
	case SeverityCritical:
		m.logger.Error("CRITICAL alert", fields...)
	case SeverityWarning:
		m.logger.Warn("Alert", fields...)
	default:
		m.logger.Info("Alert", fields...)
	}

	for _, handler := range handlers {
		go handler(a)
	}
}

// Info emits an informational alert.
func (m *Manager) Info(typ Type, ticker, message string) {
	m.Emit(Alert{Type: typ, Severity: SeverityInfo, Ticker: ticker, Message: message})
}

// Critical emits a critical alert.
func (m *Manager) Critical(typ Type, ticker, message string) {
	m.Emit(Alert{Type: typ, Severity: SeverityCritical, Ticker: ticker, Message: message})
}

// Recent returns up to limit most recent alerts.
func (m *Manager) Recent(limit int) []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.alerts) {
		limit = len(m.alerts)
	}
	out := make([]Alert, limit)
	copy(out, m.alerts[len(m.alerts)-limit:])
	return out
}

// ByTicker returns the recorded alerts for one ticker.
func (m *Manager) ByTicker(ticker string) []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Alert
	for _, a := range m.alerts {
		if a.Ticker == ticker {
			out = append(out, a)
		}
	}
	return out
}
