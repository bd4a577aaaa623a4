// internal/watchdog/controller_test.go
package watchdog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tradesafe/watchdog/internal/alert"
	"github.com/tradesafe/watchdog/internal/broker"
	"github.com/tradesafe/watchdog/internal/dispatch"
	"github.com/tradesafe/watchdog/internal/logger"
	"github.com/tradesafe/watchdog/internal/market"
	"github.com/tradesafe/watchdog/internal/position"
	"github.com/tradesafe/watchdog/internal/tranche"
	"github.com/tradesafe/watchdog/internal/volatility"
)

type controllerFixture struct {
	controller *Controller
	store      *position.Store
	broker     *fakeBroker
	alerts     *alert.Manager
	dispatcher *dispatch.Dispatcher
}

func newControllerFixture(t *testing.T, cfg ControllerConfig, brk *fakeBroker) *controllerFixture {
	t.Helper()
	zlog := zaptest.NewLogger(t)

	store := position.NewStore(nil, zlog)
	poller := market.NewPoller(brk, market.DefaultPollerConfig(), zlog)
	planner := tranche.NewPlanner(tranche.DefaultConfig(), zlog)
	refresher := volatility.NewRefresher(poller, store, volatility.ATRPeriod, volatility.ATRPeriod+1, zlog)
	alerts := alert.NewManager(zlog)
	dispatcher := dispatch.New(brk, store, nil, alerts, dispatch.DefaultConfig(), logger.Wrap(zlog))
	reconciler := NewReconciler(brk, store, poller, planner, nil, alerts,
		"acct-1", volatility.ATRPeriod, volatility.ATRPeriod+1, zlog)
	clock, err := NewSessionClock("09:30", "16:00", "America/New_York")
	require.NoError(t, err)

	return &controllerFixture{
		controller: NewController(cfg, store, poller, refresher, planner, dispatcher, reconciler, alerts, clock, zlog),
		store:      store,
		broker:     brk,
		alerts:     alerts,
		dispatcher: dispatcher,
	}
}

func atrPosition(ticker string, qty int64) position.Position {
	pos := trackedPosition(ticker, qty)
	pos.Band = position.BandMedium
	pos.ATRValue = 1.5
	pos.ATRMultiplier = 1.5
	return pos
}

// Dry run: stops keep ratcheting and triggers are reported, but no order is
// ever submitted and the remaining quantity never shrinks.
func TestCycleDryRun(t *testing.T) {
	brk := &fakeBroker{quotes: map[string]float64{"AAPL": 110}}
	fx := newControllerFixture(t, ControllerConfig{DryRun: true}, brk)
	require.NoError(t, fx.store.Seed([]position.Position{atrPosition("AAPL", 100)}))

	ctx := context.Background()
	fx.controller.cycle(ctx)

	// The run-up advanced the extreme and ratcheted the stop.
	pos, _ := fx.store.Get("AAPL")
	assert.Equal(t, 110.0, pos.ExtremePrice)
	assert.InDelta(t, 110-1.5*1.5, pos.StopPrice, 1e-9)

	// Price collapses through the stop: the trigger is only reported.
	brk.mu.Lock()
	brk.quotes["AAPL"] = 105
	brk.mu.Unlock()
	fx.controller.cycle(ctx)

	pos, _ = fx.store.Get("AAPL")
	assert.Equal(t, int64(100), pos.RemainingQty)
	assert.Equal(t, position.TranchePending, pos.Tranche(position.TrancheStop).Status)
	assert.Empty(t, brk.placedOrders())

	var sawDryRun bool
	for _, a := range fx.alerts.ByTicker("AAPL") {
		if a.Type == alert.TypeTrancheTriggered {
			sawDryRun = true
		}
	}
	assert.True(t, sawDryRun)
}

// A quote failure for one ticker never blocks the stop update of another.
func TestCycleIsolatesTickerFailures(t *testing.T) {
	brk := &fakeBroker{
		quotes:   map[string]float64{"GOOD": 108},
		quoteErr: map[string]error{"BAD": broker.NewError(broker.KindNetwork, "BAD", errors.New("feed down"))},
	}
	fx := newControllerFixture(t, ControllerConfig{DryRun: true}, brk)
	require.NoError(t, fx.store.Seed([]position.Position{
		atrPosition("GOOD", 100),
		atrPosition("BAD", 50),
	}))

	fx.controller.cycle(context.Background())

	good, _ := fx.store.Get("GOOD")
	assert.Equal(t, 108.0, good.ExtremePrice)
	assert.InDelta(t, 108-1.5*1.5, good.StopPrice, 1e-9)

	// The failed ticker keeps its last known state.
	bad, _ := fx.store.Get("BAD")
	assert.Equal(t, 100.0, bad.ExtremePrice)
	assert.Equal(t, 97.75, bad.StopPrice)
}

// Live mode: a stop cross marks the tranche INFLIGHT and hands exactly one
// order to the dispatcher.
func TestCycleSubmitsTriggeredTranche(t *testing.T) {
	brk := &fakeBroker{quotes: map[string]float64{"AAPL": 97.50}}
	fx := newControllerFixture(t, ControllerConfig{}, brk)
	require.NoError(t, fx.store.Seed([]position.Position{atrPosition("AAPL", 100)}))

	fx.dispatcher.Start(context.Background())
	fx.controller.cycle(context.Background())
	fx.dispatcher.CloseQueue()
	fx.dispatcher.Wait()

	orders := brk.placedOrders()
	require.Len(t, orders, 1)
	assert.Equal(t, "AAPL", orders[0].Ticker)
	assert.Equal(t, broker.Sell, orders[0].Side)
	assert.Equal(t, int64(40), orders[0].Qty)

	pos, _ := fx.store.Get("AAPL")
	assert.Equal(t, position.TrancheFilled, pos.Tranche(position.TrancheStop).Status)
	assert.Equal(t, int64(60), pos.RemainingQty)
}

// While a tranche is INFLIGHT, further cycles do not trigger anything else
// for that position.
func TestCycleSingleInflight(t *testing.T) {
	brk := &fakeBroker{quotes: map[string]float64{"AAPL": 97.50}}
	fx := newControllerFixture(t, ControllerConfig{}, brk)
	require.NoError(t, fx.store.Seed([]position.Position{atrPosition("AAPL", 100)}))

	// Dispatcher not started: the first cycle parks the stop INFLIGHT in
	// the queue, the second cycle must not add another.
	fx.controller.cycle(context.Background())
	fx.controller.cycle(context.Background())

	pos, _ := fx.store.Get("AAPL")
	assert.Equal(t, position.TrancheInflight, pos.Tranche(position.TrancheStop).Status)
	assert.Equal(t, position.TranchePending, pos.Tranche(position.TrancheTarget1).Status)
}

func TestRearmFailed(t *testing.T) {
	brk := &fakeBroker{quotes: map[string]float64{"AAPL": 100}}
	fx := newControllerFixture(t, ControllerConfig{}, brk)
	require.NoError(t, fx.store.Seed([]position.Position{atrPosition("AAPL", 100)}))

	require.NoError(t, fx.store.MarkInflight("AAPL", position.TrancheStop))
	require.NoError(t, fx.store.MarkFailed("AAPL", position.TrancheStop))

	fx.controller.RearmFailed()

	pos, _ := fx.store.Get("AAPL")
	assert.Equal(t, position.TranchePending, pos.Tranche(position.TrancheStop).Status)
}

func TestControllerStateStartsIdle(t *testing.T) {
	brk := &fakeBroker{}
	fx := newControllerFixture(t, DefaultControllerConfig(), brk)
	assert.Equal(t, StateIdle, fx.controller.State())
}

// Session close must wind the whole run down on its own: cycle loop out,
// volatility and reconcile loops cancelled, queue drained, STOPPED.
func TestRunDrainsAtSessionClose(t *testing.T) {
	brk := &fakeBroker{
		quotes: map[string]float64{"AAPL": 100},
		positions: []broker.BrokerPosition{
			{Ticker: "AAPL", Side: position.SideLong, Qty: 100, AvgEntryPrice: 100},
		},
	}
	fx := newControllerFixture(t, ControllerConfig{
		Interval:           5 * time.Millisecond,
		VolatilityInterval: 10 * time.Millisecond,
		ReconcileInterval:  10 * time.Millisecond,
		DrainTimeout:       time.Second,
	}, brk)
	require.NoError(t, fx.store.Seed([]position.Position{atrPosition("AAPL", 100)}))

	// The clock reports an open Monday session for the first 50ms of the
	// run and a closed one after.
	loc := fx.controller.clock.loc
	open := time.Date(2026, 8, 31, 12, 0, 0, 0, loc)
	closed := time.Date(2026, 8, 31, 18, 0, 0, 0, loc)
	flip := time.Now().Add(50 * time.Millisecond)
	fx.controller.clock.now = func() time.Time {
		if time.Now().Before(flip) {
			return open
		}
		return closed
	}

	done := make(chan error, 1)
	go func() { done <- fx.controller.Run(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not wind down after session close, state=%s", fx.controller.State())
	}
	assert.Equal(t, StateStopped, fx.controller.State())
}
