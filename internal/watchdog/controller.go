// internal/watchdog/controller.go
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tradesafe/watchdog/internal/alert"
	"github.com/tradesafe/watchdog/internal/broker"
	"github.com/tradesafe/watchdog/internal/dispatch"
	"github.com/tradesafe/watchdog/internal/market"
	"github.com/tradesafe/watchdog/internal/metrics"
	"github.com/tradesafe/watchdog/internal/position"
	"github.com/tradesafe/watchdog/internal/tranche"
	"github.com/tradesafe/watchdog/internal/volatility"
)

// State of the lifecycle controller. Transitions are one-way:
// IDLE -> RUNNING -> DRAINING -> STOPPED.
type State string

const (
	StateIdle     State = "IDLE"
	StateRunning  State = "RUNNING"
	StateDraining State = "DRAINING"
	StateStopped  State = "STOPPED"
)

// errSessionClosed propagates session close through the errgroup: the group
// only cancels its context on a non-nil error, so the cycle loop must not
// return nil when it wants the sibling loops to stop too.
var errSessionClosed = errors.New("session closed")

// ControllerConfig tunes the scheduler cadences.
type ControllerConfig struct {
	// Interval between monitoring cycles.
	Interval time.Duration
	// VolatilityInterval between ATR refresh passes.
	VolatilityInterval time.Duration
	// ReconcileInterval between reconciliation passes.
	ReconcileInterval time.Duration
	// DrainTimeout bounds how long DRAINING waits for queued orders.
	DrainTimeout time.Duration
	// DryRun computes triggers but never submits orders.
	DryRun bool
	// Force runs outside session hours.
	Force bool
}

// DefaultControllerConfig returns the scheduler defaults.
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		Interval:           15 * time.Second,
		VolatilityInterval: 15 * time.Minute,
		ReconcileInterval:  3 * time.Minute,
		DrainTimeout:       30 * time.Second,
	}
}

// Controller drives the watchdog: it starts monitoring at session open,
// runs discrete cycles on a timer and shuts the system down through
// DRAINING at session close. The cycle loop never blocks on order
// submission; that is the dispatcher worker's job.
type Controller struct {
	config     ControllerConfig
	store      *position.Store
	source     market.Source
	refresher  *volatility.Refresher
	planner    *tranche.Planner
	dispatcher *dispatch.Dispatcher
	reconciler *Reconciler
	alerts     *alert.Manager
	clock      *SessionClock
	logger     *zap.Logger

	mu    sync.Mutex
	state State

	drainOnce sync.Once
}

// NewController wires the controller.
func NewController(config ControllerConfig, store *position.Store, source market.Source,
	refresher *volatility.Refresher, planner *tranche.Planner, dispatcher *dispatch.Dispatcher,
	reconciler *Reconciler, alerts *alert.Manager, clock *SessionClock, logger *zap.Logger) *Controller {
	c := &Controller{
		config:     config,
		store:      store,
		source:     source,
		refresher:  refresher,
		planner:    planner,
		dispatcher: dispatcher,
		reconciler: reconciler,
		alerts:     alerts,
		clock:      clock,
		logger:     logger.Named("controller"),
		state:      StateIdle,
	}
	metrics.SetControllerState(string(StateIdle))
	return c
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	metrics.SetControllerState(string(s))
	c.logger.Info("Lifecycle state changed", zap.String("state", string(s)))
}

// Run executes the full lifecycle and blocks until STOPPED. Cancelling ctx
// begins a drain rather than a hard kill: queued orders are flushed and
// in-flight broker calls are allowed to finish or time out naturally.
func (c *Controller) Run(ctx context.Context) error {
	// Startup reconciliation corrects the seeded state against the broker
	// before the first cycle can act on it.
	if err := c.reconciler.Run(ctx); err != nil {
		c.logger.Warn("Startup reconciliation incomplete, continuing with seeded state", zap.Error(err))
	}

	if !c.config.Force {
		if err := c.waitForSessionOpen(ctx); err != nil {
			c.setState(StateStopped)
			return err
		}
	}

	c.setState(StateRunning)

	// The dispatcher gets its own context so a cancelled run can still
	// flush the queue; drain() cancels it after the flush.
	dispatchCtx, cancelDispatch := context.WithCancel(context.Background())
	defer cancelDispatch()
	c.dispatcher.Start(dispatchCtx)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error { return c.cycleLoop(gCtx) })
	g.Go(func() error { return c.volatilityLoop(gCtx) })
	g.Go(func() error { return c.reconcileLoop(gCtx) })

	err := g.Wait()
	c.drain(cancelDispatch)
	if err != nil && err != context.Canceled && err != errSessionClosed {
		return err
	}
	return nil
}

// RearmFailed re-arms every FAILED tranche across all positions; wired to
// SIGUSR1 as the manual-retry path.
func (c *Controller) RearmFailed() {
	total := 0
	for _, pos := range c.store.List() {
		n, err := c.store.RetryFailed(pos.Ticker)
		if err != nil {
			c.logger.Warn("Failed to re-arm tranches", zap.String("ticker", pos.Ticker), zap.Error(err))
			continue
		}
		total += n
	}
	c.logger.Info("Re-armed failed tranches", zap.Int("count", total))
}

func (c *Controller) waitForSessionOpen(ctx context.Context) error {
	if c.clock.IsOpen() {
		return nil
	}
	c.logger.Info("Session closed, waiting for open")
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if c.clock.IsOpen() {
				return nil
			}
		}
	}
}

// cycleLoop drives the monitoring cadence. On session close it returns
// errSessionClosed; that cancels the group context, stops the other loops
// and winds the run down into DRAINING.
func (c *Controller) cycleLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	// First cycle immediately rather than waiting out a full interval.
	c.cycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !c.config.Force && !c.clock.IsOpen() {
				c.logger.Info("Session closed, beginning drain")
				return errSessionClosed
			}
			c.cycle(ctx)
		}
	}
}

func (c *Controller) volatilityLoop(ctx context.Context) error {
	// Initial pass so adopted and seeded positions get readings before
	// the first slow-timer tick.
	c.refresher.RefreshAll(ctx)

	ticker := time.NewTicker(c.config.VolatilityInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.refresher.RefreshAll(ctx)
		}
	}
}

func (c *Controller) reconcileLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.config.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			// Errors skip the pass; the next tick retries.
			_ = c.reconciler.Run(ctx)
		}
	}
}

// cycle performs one monitoring pass: poll prices, advance extremes and
// stops, evaluate plans, hand triggered tranches to the dispatcher. One
// ticker's failure never stalls the rest of the pass.
func (c *Controller) cycle(ctx context.Context) {
	tickers := c.store.Tickers()
	if len(tickers) == 0 {
		metrics.Cycles.Inc()
		return
	}

	snap := c.source.Poll(ctx, tickers)

	for _, pos := range c.store.List() {
		if pos.Status == position.StatusClosed {
			continue
		}
		sample, ok := snap.Samples[pos.Ticker]
		if !ok {
			// Already logged by the poller; isolation means we just
			// move on to the next ticker.
			continue
		}
		c.observe(ctx, pos.Ticker, sample.Price)
	}

	metrics.Cycles.Inc()
	metrics.OpenPositions.Set(float64(c.store.Len()))
}

// observe applies one price sample to one position.
func (c *Controller) observe(ctx context.Context, ticker string, price float64) {
	if err := c.store.ObserveExtreme(ticker, price); err != nil {
		c.logger.Warn("Failed to record extreme", zap.String("ticker", ticker), zap.Error(err))
		return
	}

	pos, ok := c.store.Get(ticker)
	if !ok {
		return
	}

	if pos.ATRValue > 0 {
		candidate := volatility.CandidateStop(pos.Side, pos.ExtremePrice, pos.ATRValue, pos.ATRMultiplier)
		applied, err := c.store.RaiseStop(ticker, candidate)
		if err != nil {
			c.logger.Warn("Stop update rejected", zap.String("ticker", ticker), zap.Error(err))
		} else if applied {
			metrics.StopUpdates.Inc()
			c.logger.Info("Stop ratcheted",
				zap.String("ticker", ticker),
				zap.Float64("stop", candidate),
				zap.Float64("extreme", pos.ExtremePrice))
			pos, _ = c.store.Get(ticker)
		}
	}

	for _, fired := range c.planner.Evaluate(pos, price) {
		metrics.TranchesTriggered.WithLabelValues(string(fired.Kind)).Inc()

		if c.config.DryRun {
			metrics.Orders.WithLabelValues("dry_run").Inc()
			c.alerts.Info(alert.TypeTrancheTriggered, ticker,
				fmt.Sprintf("[dry-run] %s tranche would exit %d shares (trigger %.2f, price %.2f)",
					fired.Kind, fired.Qty, fired.Trigger, fired.Price))
			continue
		}

		if err := c.store.MarkInflight(ticker, fired.Kind); err != nil {
			// Another tranche of this position is already inflight;
			// this one stays PENDING for a later cycle.
			c.logger.Debug("Trigger deferred", zap.String("ticker", ticker), zap.Error(err))
			continue
		}

		c.alerts.Emit(alert.Alert{
			Type:     alert.TypeTrancheTriggered,
			Severity: alert.SeverityInfo,
			Ticker:   ticker,
			Message: fmt.Sprintf("%s tranche triggered: %d shares at %.2f (trigger %.2f)",
				fired.Kind, fired.Qty, fired.Price, fired.Trigger),
			Price:    fired.Price,
			Quantity: fired.Qty,
		})

		req := dispatch.Request{
			Ticker:  ticker,
			Kind:    fired.Kind,
			Side:    exitSide(pos.Side),
			Qty:     fired.Qty,
			Trigger: fired.Trigger,
		}
		if err := c.dispatcher.Enqueue(req); err != nil {
			c.logger.Error("Order handoff failed", zap.String("ticker", ticker), zap.Error(err))
			if markErr := c.store.MarkFailed(ticker, fired.Kind); markErr != nil {
				c.logger.Error("Failed to mark tranche FAILED", zap.Error(markErr))
			}
			c.alerts.Critical(alert.TypeOrderFailed, ticker,
				fmt.Sprintf("%s tranche could not be queued: %v", fired.Kind, err))
		}
	}
}

// drain finishes the lifecycle: stop accepting triggers, flush the order
// queue, then stop. In-flight broker calls are never hard-killed; the
// drain timeout only abandons waiting, not the call itself.
func (c *Controller) drain(cancelDispatch context.CancelFunc) {
	c.drainOnce.Do(func() {
		c.setState(StateDraining)
		c.dispatcher.CloseQueue()

		done := make(chan struct{})
		go func() {
			c.dispatcher.Wait()
			close(done)
		}()

		select {
		case <-done:
			c.logger.Info("Order queue flushed")
		case <-time.After(c.config.DrainTimeout):
			c.logger.Warn("Drain timeout, abandoning queued orders",
				zap.Duration("timeout", c.config.DrainTimeout))
			cancelDispatch()
			<-done
		}

		c.setState(StateStopped)
	})
}

func exitSide(side position.Side) broker.OrderSide {
	if side == position.SideShort {
		return broker.Buy
	}
	return broker.Sell
}
