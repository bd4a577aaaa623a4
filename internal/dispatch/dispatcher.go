// internal/dispatch/dispatcher.go
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tradesafe/watchdog/internal/alert"
	"github.com/tradesafe/watchdog/internal/broker"
	"github.com/tradesafe/watchdog/internal/journal"
	"github.com/tradesafe/watchdog/internal/logger"
	"github.com/tradesafe/watchdog/internal/metrics"
	"github.com/tradesafe/watchdog/internal/position"
)

// Request is one exit order handed off by the scheduler. The tranche is
// already INFLIGHT in the store when the request is enqueued.
type Request struct {
	Ticker  string
	Kind    position.TrancheKind
	Side    broker.OrderSide
	Qty     int64
	Trigger float64
}

// Config tunes retry behavior and the handoff queue.
type Config struct {
	// MaxAttempts caps submissions per request, first try included.
	MaxAttempts uint
	// BaseDelay seeds the exponential backoff between attempts.
	BaseDelay time.Duration
	// QueueSize bounds the handoff queue from the scheduler.
	QueueSize int
}

// DefaultConfig returns dispatcher defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		QueueSize:   64,
	}
}

// Dispatcher submits exit orders with bounded retry and classified failure
// handling. A single worker drains the queue: order volume is low and one
// worker keeps submissions strictly ordered, so a slow or retrying order
// never delays price monitoring, only other orders.
type Dispatcher struct {
	broker  broker.Broker
	store   *position.Store
	journal *journal.Journal
	alerts  *alert.Manager
	logger  *logger.Logger
	config  Config

	queue     chan Request
	wg        sync.WaitGroup
	closeOnce sync.Once

	mu     sync.Mutex
	closed bool
}

// New creates a dispatcher. journal may be nil when no journal path is
// configured.
func New(b broker.Broker, store *position.Store, j *journal.Journal, alerts *alert.Manager, config Config, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		broker:  b,
		store:   store,
		journal: j,
		alerts:  alerts,
		logger:  log.Named("dispatch"),
		config:  config,
		queue:   make(chan Request, config.QueueSize),
	}
}

// Start launches the order worker. The worker keeps running through the
// DRAINING state to flush queued orders; it exits when the queue is closed
// and empty, or when ctx is cancelled outright.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go d.worker(ctx)
}

// Enqueue hands off a request without blocking the scheduler loop. A full
// queue fails the tranche immediately rather than stalling monitoring.
func (d *Dispatcher) Enqueue(req Request) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("order queue closed, dropping %s %s", req.Ticker, req.Kind)
	}
	select {
	case d.queue <- req:
		return nil
	default:
		return fmt.Errorf("order queue full, dropping %s %s", req.Ticker, req.Kind)
	}
}

// CloseQueue stops accepting new requests. Called at the start of DRAINING.
func (d *Dispatcher) CloseQueue() {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()
		close(d.queue)
	})
}

// Wait blocks until the worker has flushed the queue and exited.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	d.logger.Info("Order worker started")

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Order worker shutting down due to context cancellation")
			return
		case req, ok := <-d.queue:
			if !ok {
				d.logger.Info("Order queue drained, worker stopping")
				return
			}
			d.process(ctx, req)
		}
	}
}

// process runs one request to completion: retries on transient failures,
// applies the fill on success, fails the tranche on anything permanent.
func (d *Dispatcher) process(ctx context.Context, req Request) {
	// One client order id for all attempts, so a retry after an ambiguous
	// failure cannot double-submit on the broker side.
	clientID := uuid.New().String()

	// The operation correlation id ties the attempts, the fill and the
	// journal entry of this submission together in the logs.
	logger := d.logger.WithOperation("order_submit").With(
		zap.String("ticker", req.Ticker),
		zap.String("tranche", string(req.Kind)),
		zap.Int64("qty", req.Qty),
		zap.String("client_order_id", clientID))

	attempts := 0
	op := func() (broker.OrderResult, error) {
		attempts++
		if attempts > 1 {
			metrics.OrderRetries.Inc()
		}
		res, err := d.broker.PlaceOrder(ctx, broker.OrderRequest{
			Ticker:   req.Ticker,
			Side:     req.Side,
			Qty:      req.Qty,
			Type:     broker.Market,
			ClientID: clientID,
		})
		if err != nil {
			if !broker.IsRetryable(err) {
				return broker.OrderResult{}, backoff.Permanent(err)
			}
			logger.Warn("Order attempt failed, will retry",
				zap.Int("attempt", attempts),
				zap.Error(err))
			return broker.OrderResult{}, err
		}
		return res, nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = d.config.BaseDelay

	res, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(d.config.MaxAttempts),
	)
	if err != nil {
		d.fail(req, attempts, err, logger)
		return
	}

	d.succeed(req, res, attempts, logger)
}

func (d *Dispatcher) succeed(req Request, res broker.OrderResult, attempts int, logger *zap.Logger) {
	fillPrice := res.FilledAvgPrice
	if fillPrice == 0 {
		// Market orders can be acknowledged before the fill price is
		// known; value the fill at the trigger until then.
		fillPrice = req.Trigger
	}

	// The broker's acknowledged quantity wins over the requested one; a
	// partially filled order must not overstate the exit.
	qty := req.Qty
	if res.FilledQty > 0 {
		qty = res.FilledQty
	}

	if err := d.store.ApplyFill(req.Ticker, req.Kind, qty, fillPrice); err != nil {
		logger.Error("Order filled but fill application was rejected", zap.Error(err))
		d.alerts.Critical(alert.TypeInvariant, req.Ticker,
			fmt.Sprintf("fill for %s tranche rejected by store: %v", req.Kind, err))
		return
	}

	metrics.Orders.WithLabelValues("filled").Inc()
	d.alerts.Emit(alert.Alert{
		Type:     alert.TypeOrderSubmitted,
		Severity: alert.SeverityInfo,
		Ticker:   req.Ticker,
		Message:  fmt.Sprintf("%s tranche exited %d shares @ %.2f (attempt %d)", req.Kind, qty, fillPrice, attempts),
		Price:    fillPrice,
		Quantity: qty,
		OrderID:  res.OrderID,
	})

	pos, ok := d.store.Get(req.Ticker)
	if !ok {
		return
	}

	if d.journal != nil {
		diff := fillPrice - pos.EntryPrice
		if pos.Side == position.SideShort {
			diff = -diff
		}
		if err := d.journal.RecordFill(journal.Fill{
			Ticker:      req.Ticker,
			AccountID:   pos.AccountID,
			Side:        pos.Side,
			Tranche:     req.Kind,
			Quantity:    qty,
			FillPrice:   fillPrice,
			EntryPrice:  pos.EntryPrice,
			RealizedPnL: diff * float64(qty),
			OrderID:     res.OrderID,
			FilledAt:    time.Now(),
		}); err != nil {
			logger.Warn("Failed to journal fill", zap.Error(err))
		}
	}

	if pos.Status == position.StatusClosed {
		d.alerts.Info(alert.TypeClosed, req.Ticker,
			fmt.Sprintf("position closed, realized P&L %.2f", pos.RealizedPnL))
		if d.journal != nil {
			if err := d.journal.RecordClose(journal.Close{
				Ticker:      pos.Ticker,
				AccountID:   pos.AccountID,
				Side:        pos.Side,
				EntryPrice:  pos.EntryPrice,
				OriginalQty: pos.OriginalQty,
				RealizedPnL: pos.RealizedPnL,
				OpenedAt:    pos.EntryTime,
				ClosedAt:    time.Now(),
				Reason:      string(req.Kind),
			}); err != nil {
				logger.Warn("Failed to journal close", zap.Error(err))
			}
		}
	}
}

// fail marks the tranche FAILED and emits the critical alert. The position
// stays tracked so a later cycle or an operator can re-arm the tranche.
func (d *Dispatcher) fail(req Request, attempts int, err error, logger *zap.Logger) {
	metrics.Orders.WithLabelValues("failed").Inc()

	if markErr := d.store.MarkFailed(req.Ticker, req.Kind); markErr != nil {
		logger.Error("Failed to mark tranche FAILED", zap.Error(markErr))
	}

	kind := broker.KindOf(err)
	switch kind {
	case broker.KindValidation, broker.KindRejection:
		logger.Error("Order rejected, tranche failed without retry",
			zap.String("error_kind", string(kind)),
			zap.Error(err))
	case broker.KindAuth:
		logger.Error("Order blocked by authentication failure", zap.Error(err))
	default:
		logger.Error("Order failed after exhausting retries",
			zap.Int("attempts", attempts),
			zap.Error(err))
	}

	d.alerts.Emit(alert.Alert{
		Type:     alert.TypeOrderFailed,
		Severity: alert.SeverityCritical,
		Ticker:   req.Ticker,
		Message: fmt.Sprintf("exit order for %s tranche failed (%s after %d attempts): %v; position remains tracked",
			req.Kind, kind, attempts, err),
		Quantity: req.Qty,
	})
}
