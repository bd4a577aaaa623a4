// internal/tranche/planner.go
package tranche

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/tradesafe/watchdog/internal/position"
	"github.com/tradesafe/watchdog/internal/volatility"
)

// Split defines one volatility band's exit plan: quantity percentages per
// tranche and the ATR multiples placing the two targets above entry.
type Split struct {
	StopPct    float64 `mapstructure:"stop_pct"`
	Target1Pct float64 `mapstructure:"target1_pct"`
	Target2Pct float64 `mapstructure:"target2_pct"`
	Target1ATR float64 `mapstructure:"target1_atr"`
	Target2ATR float64 `mapstructure:"target2_atr"`
}

// Config maps each volatility band to its split. Percentages are defaults
// from the exit table and can be overridden from configuration.
type Config struct {
	Low    Split `mapstructure:"low"`
	Medium Split `mapstructure:"medium"`
	High   Split `mapstructure:"high"`
}

// DefaultConfig returns the standard per-band exit table.
func DefaultConfig() Config {
	return Config{
		Low:    Split{StopPct: 50, Target1Pct: 30, Target2Pct: 20, Target1ATR: 2, Target2ATR: 3},
		Medium: Split{StopPct: 40, Target1Pct: 30, Target2Pct: 30, Target1ATR: 2.5, Target2ATR: 4},
		High:   Split{StopPct: 30, Target1Pct: 30, Target2Pct: 40, Target1ATR: 3, Target2ATR: 5},
	}
}

// Validate checks each band's percentages sum to 100.
func (c Config) Validate() error {
	for band, s := range map[string]Split{"low": c.Low, "medium": c.Medium, "high": c.High} {
		if sum := s.StopPct + s.Target1Pct + s.Target2Pct; sum != 100 {
			return fmt.Errorf("tranche split for %s band sums to %.1f%%, want 100%%", band, sum)
		}
		if s.Target2ATR <= s.Target1ATR {
			return fmt.Errorf("tranche split for %s band: target2 multiple %.1f must exceed target1 %.1f", band, s.Target2ATR, s.Target1ATR)
		}
	}
	return nil
}

func (c Config) split(band position.Band) Split {
	switch band {
	case position.BandLow:
		return c.Low
	case position.BandHigh:
		return c.High
	default:
		return c.Medium
	}
}

// Triggered is one tranche the planner decided should fire this cycle.
type Triggered struct {
	Kind    position.TrancheKind
	Qty     int64
	Trigger float64
	Price   float64
	// FullExit is set when this fire consumes the whole remaining
	// quantity, so the still-PENDING tranches must be cancelled rather
	// than left dangling.
	FullExit bool
}

// Planner builds immutable exit plans and evaluates them against prices.
type Planner struct {
	config Config
	logger *zap.Logger
}

// NewPlanner creates a planner with the given split table.
func NewPlanner(config Config, logger *zap.Logger) *Planner {
	return &Planner{config: config, logger: logger.Named("planner")}
}

// Build constructs the exit plan for a freshly opened (or adopted) position
// from its volatility reading. The plan is immutable once built: later band
// changes update the stop arithmetic but never these tranches. Quantities
// are whole shares; the stop tranche absorbs rounding remainder so the
// tranche quantities always sum to the original quantity.
func (pl *Planner) Build(side position.Side, entryPrice float64, qty int64, reading volatility.Reading) []position.Tranche {
	s := pl.config.split(reading.Band)

	t1Qty := qty * int64(s.Target1Pct) / 100
	t2Qty := qty * int64(s.Target2Pct) / 100
	stopQty := qty - t1Qty - t2Qty

	dir := 1.0
	if side == position.SideShort {
		dir = -1.0
	}
	initialStop := volatility.CandidateStop(side, entryPrice, reading.ATR, reading.Multiplier)

	tranches := []position.Tranche{
		{Kind: position.TrancheStop, Quantity: stopQty, Trigger: initialStop, Status: position.TranchePending},
		{Kind: position.TrancheTarget1, Quantity: t1Qty, Trigger: entryPrice + dir*s.Target1ATR*reading.ATR, Status: position.TranchePending},
		{Kind: position.TrancheTarget2, Quantity: t2Qty, Trigger: entryPrice + dir*s.Target2ATR*reading.ATR, Status: position.TranchePending},
	}

	// A tiny position can round a target to zero shares; such tranches
	// are born cancelled so the conservation invariant still holds.
	for i := range tranches {
		if tranches[i].Quantity == 0 {
			tranches[i].Status = position.TrancheCancelled
		}
	}
	return tranches
}

// Evaluate decides which tranches fire at the given price. Stop tranches
// trigger on an adverse cross of the live stop price (not the trigger
// recorded at build time, which the ratchet has since tightened); target
// tranches trigger on a favorable cross of their fixed trigger. Quantities
// are honored against the remaining quantity, never the original.
func (pl *Planner) Evaluate(pos position.Position, price float64) []Triggered {
	if pos.Status == position.StatusClosed || pos.RemainingQty == 0 {
		return nil
	}
	// One submission per position at a time; evaluation resumes once the
	// inflight order resolves.
	if pos.InflightTranche() != nil {
		return nil
	}

	if stop := pos.Tranche(position.TrancheStop); stop != nil && stop.Status == position.TranchePending {
		if adverseCross(pos.Side, price, pos.StopPrice) {
			qty := stop.Quantity
			if qty > pos.RemainingQty {
				qty = pos.RemainingQty
			}
			return []Triggered{{
				Kind:     position.TrancheStop,
				Qty:      qty,
				Trigger:  pos.StopPrice,
				Price:    price,
				FullExit: qty == pos.RemainingQty,
			}}
		}
	}

	var fired []Triggered
	remaining := pos.RemainingQty
	for _, kind := range []position.TrancheKind{position.TrancheTarget1, position.TrancheTarget2} {
		t := pos.Tranche(kind)
		if t == nil || t.Status != position.TranchePending {
			continue
		}
		if !favorableCross(pos.Side, price, t.Trigger) {
			continue
		}
		qty := t.Quantity
		if qty > remaining {
			qty = remaining
		}
		if qty == 0 {
			break
		}
		remaining -= qty
		fired = append(fired, Triggered{
			Kind:     kind,
			Qty:      qty,
			Trigger:  t.Trigger,
			Price:    price,
			FullExit: remaining == 0,
		})
	}
	return fired
}

func adverseCross(side position.Side, price, stop float64) bool {
	if stop <= 0 {
		return false
	}
	if side == position.SideShort {
		return price >= stop
	}
	return price <= stop
}

func favorableCross(side position.Side, price, trigger float64) bool {
	if side == position.SideShort {
		return price <= trigger
	}
	return price >= trigger
}
