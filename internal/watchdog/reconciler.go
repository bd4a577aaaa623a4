// internal/watchdog/reconciler.go
package watchdog

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tradesafe/watchdog/internal/alert"
	"github.com/tradesafe/watchdog/internal/broker"
	"github.com/tradesafe/watchdog/internal/journal"
	"github.com/tradesafe/watchdog/internal/market"
	"github.com/tradesafe/watchdog/internal/metrics"
	"github.com/tradesafe/watchdog/internal/position"
	"github.com/tradesafe/watchdog/internal/tranche"
	"github.com/tradesafe/watchdog/internal/volatility"
)

// Reconciler resolves divergence between the local store and the broker's
// authoritative position list. It runs at startup and then on a slower
// cadence than price polling: broker-only positions are adopted with a
// provisional plan, local-only positions are pruned as externally closed.
type Reconciler struct {
	broker    broker.Broker
	store     *position.Store
	source    market.Source
	planner   *tranche.Planner
	journal   *journal.Journal
	alerts    *alert.Manager
	logger    *zap.Logger
	accountID string
	period    int
	lookback  int
}

// NewReconciler wires the reconciler. journal may be nil; period and
// lookback are the configured ATR window and candle fetch depth used when
// adopting untracked positions.
func NewReconciler(b broker.Broker, store *position.Store, source market.Source,
	planner *tranche.Planner, j *journal.Journal, alerts *alert.Manager,
	accountID string, period, lookback int, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		broker:    b,
		store:     store,
		source:    source,
		planner:   planner,
		journal:   j,
		alerts:    alerts,
		logger:    logger.Named("reconcile"),
		accountID: accountID,
		period:    period,
		lookback:  lookback,
	}
}

// Run performs one reconciliation pass. If the broker list cannot be
// fetched the pass is skipped entirely: pruning on a failed fetch would
// drop positions that are still open.
func (r *Reconciler) Run(ctx context.Context) error {
	brokerPositions, err := r.broker.GetPositions(ctx)
	if err != nil {
		r.logger.Warn("Skipping reconciliation pass, broker position list unavailable", zap.Error(err))
		return err
	}

	atBroker := make(map[string]broker.BrokerPosition, len(brokerPositions))
	for _, bp := range brokerPositions {
		atBroker[bp.Ticker] = bp
	}

	adopted, pruned := 0, 0

	for _, bp := range atBroker {
		local, tracked := r.store.Get(bp.Ticker)
		if !tracked {
			if err := r.adopt(ctx, bp); err != nil {
				r.logger.Error("Failed to adopt untracked position",
					zap.String("ticker", bp.Ticker),
					zap.Error(err))
				continue
			}
			adopted++
			continue
		}
		if local.RemainingQty != bp.Qty {
			r.logger.Warn("Quantity drift between store and broker",
				zap.String("ticker", bp.Ticker),
				zap.Int64("local_remaining", local.RemainingQty),
				zap.Int64("broker_qty", bp.Qty))
		}
	}

	for _, local := range r.store.List() {
		if _, open := atBroker[local.Ticker]; open {
			continue
		}
		if local.Status == position.StatusClosed {
			// Fully exited by the watchdog itself; nothing external
			// happened, so drop it without ceremony.
			r.store.Remove(local.Ticker)
			r.source.Forget(local.Ticker)
			continue
		}
		r.prune(local)
		pruned++
	}

	if adopted > 0 || pruned > 0 {
		r.logger.Info("Reconciliation pass complete",
			zap.Int("adopted", adopted),
			zap.Int("pruned", pruned),
			zap.Int("tracked", r.store.Len()))
	}
	metrics.OpenPositions.Set(float64(r.store.Len()))
	return nil
}

// adopt starts tracking a position found at the broker but not locally,
// building a plan from whatever candle history is available. When history
// is short the position runs on the conservative percentage fallback until
// the volatility refresher graduates it.
func (r *Reconciler) adopt(ctx context.Context, bp broker.BrokerPosition) error {
	candles, err := r.source.Candles(ctx, bp.Ticker, r.lookback)
	if err != nil {
		r.logger.Warn("No candle history for adoption, using provisional stop",
			zap.String("ticker", bp.Ticker),
			zap.Error(err))
		candles = nil
	}
	reading := volatility.Assess(candles, bp.AvgEntryPrice, r.period)

	pos := position.Position{
		Ticker:        bp.Ticker,
		AccountID:     r.accountID,
		Side:          bp.Side,
		EntryPrice:    bp.AvgEntryPrice,
		EntryTime:     time.Now(),
		OriginalQty:   bp.Qty,
		RemainingQty:  bp.Qty,
		ExtremePrice:  bp.AvgEntryPrice,
		Band:          reading.Band,
		ATRValue:      reading.ATR,
		ATRMultiplier: reading.Multiplier,
		Provisional:   reading.Provisional,
		StopPrice:     volatility.CandidateStop(bp.Side, bp.AvgEntryPrice, reading.ATR, reading.Multiplier),
		Tranches:      r.planner.Build(bp.Side, bp.AvgEntryPrice, bp.Qty, reading),
		Status:        position.StatusOpen,
	}

	if err := r.store.Upsert(pos); err != nil {
		return err
	}

	metrics.Reconcile.WithLabelValues("adopted").Inc()
	r.alerts.Info(alert.TypeAdopted, bp.Ticker,
		fmt.Sprintf("adopted %s %d @ %.2f, stop %.2f (%s%s)",
			bp.Side, bp.Qty, bp.AvgEntryPrice, pos.StopPrice, reading.Band, provisionalTag(reading.Provisional)))
	return nil
}

// prune drops a locally tracked position the broker no longer reports:
// it was closed externally, so tracking it further would be a ghost.
func (r *Reconciler) prune(local position.Position) {
	r.store.Remove(local.Ticker)
	r.source.Forget(local.Ticker)
	metrics.Reconcile.WithLabelValues("pruned").Inc()
	r.alerts.Emit(alert.Alert{
		Type:     alert.TypePruned,
		Severity: alert.SeverityWarning,
		Ticker:   local.Ticker,
		Message:  fmt.Sprintf("position absent at broker, pruned (remaining was %d)", local.RemainingQty),
	})

	if r.journal != nil {
		if err := r.journal.RecordClose(journal.Close{
			Ticker:      local.Ticker,
			AccountID:   local.AccountID,
			Side:        local.Side,
			EntryPrice:  local.EntryPrice,
			OriginalQty: local.OriginalQty,
			RealizedPnL: local.RealizedPnL,
			OpenedAt:    local.EntryTime,
			ClosedAt:    time.Now(),
			Reason:      "external_close",
		}); err != nil {
			r.logger.Warn("Failed to journal pruned position", zap.Error(err))
		}
	}
}

func provisionalTag(provisional bool) string {
	if provisional {
		return ", provisional"
	}
	return ""
}
