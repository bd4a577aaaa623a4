// internal/position/position.go
package position

import (
	"fmt"
	"time"
)

// Side is the direction of a position.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Band classifies recent volatility of the instrument.
type Band string

const (
	BandLow    Band = "LOW"
	BandMedium Band = "MEDIUM"
	BandHigh   Band = "HIGH"
)

// TrancheKind identifies which exit leg of the plan a tranche belongs to.
type TrancheKind string

const (
	TrancheStop    TrancheKind = "STOP"
	TrancheTarget1 TrancheKind = "TARGET_1"
	TrancheTarget2 TrancheKind = "TARGET_2"
)

// TrancheStatus is the lifecycle of a single exit tranche.
type TrancheStatus string

const (
	TranchePending   TrancheStatus = "PENDING"
	TrancheInflight  TrancheStatus = "INFLIGHT"
	TrancheFilled    TrancheStatus = "FILLED"
	TrancheFailed    TrancheStatus = "FAILED"
	TrancheCancelled TrancheStatus = "CANCELLED"
)

// Status is the lifecycle of the whole position. Transitions are one-way:
// OPEN -> PARTIALLY_EXITED -> CLOSED, or OPEN -> CLOSED directly.
type Status string

const (
	StatusOpen            Status = "OPEN"
	StatusPartiallyExited Status = "PARTIALLY_EXITED"
	StatusClosed          Status = "CLOSED"
)

// Tranche is a pre-planned partial exit. Quantity is fixed at plan build
// time; FilledQty records what actually came back from the broker.
type Tranche struct {
	Kind      TrancheKind   `json:"kind"`
	Quantity  int64         `json:"quantity"`
	Trigger   float64       `json:"trigger"`
	Status    TrancheStatus `json:"status"`
	FilledQty int64         `json:"filled_qty,omitempty"`
	FillPrice float64       `json:"fill_price,omitempty"`
	FilledAt  *time.Time    `json:"filled_at,omitempty"`
}

// Position is the single mutable record the watchdog keeps per ticker.
// All mutation goes through the Store; everything else sees copies.
type Position struct {
	Ticker    string    `json:"ticker"`
	AccountID string    `json:"account_id"`
	Side      Side      `json:"side"`

	EntryPrice   float64   `json:"entry_price"`
	EntryTime    time.Time `json:"entry_time"`
	OriginalQty  int64     `json:"original_qty"`
	RemainingQty int64     `json:"remaining_qty"`

	// ExtremePrice is the most favorable price seen since entry: highest
	// for longs, lowest for shorts. It never resets while the position is
	// open, including across session boundaries.
	ExtremePrice float64 `json:"extreme_price"`

	Band          Band    `json:"volatility_band"`
	ATRValue      float64 `json:"atr_value"`
	ATRMultiplier float64 `json:"atr_multiplier"`

	// Provisional marks a stop derived from the fixed-percentage fallback
	// rather than a full ATR window.
	Provisional bool `json:"provisional,omitempty"`

	StopPrice float64 `json:"stop_price"`

	Tranches []Tranche `json:"tranches"`
	Status   Status    `json:"status"`

	RealizedPnL float64   `json:"realized_pnl"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Clone returns a deep copy; tranche slices are never shared.
func (p *Position) Clone() Position {
	cp := *p
	cp.Tranches = make([]Tranche, len(p.Tranches))
	copy(cp.Tranches, p.Tranches)
	return cp
}

// Tranche returns a pointer to the tranche of the given kind, or nil.
func (p *Position) Tranche(kind TrancheKind) *Tranche {
	for i := range p.Tranches {
		if p.Tranches[i].Kind == kind {
			return &p.Tranches[i]
		}
	}
	return nil
}

// InflightTranche returns the tranche currently INFLIGHT, or nil. The Store
// guarantees there is at most one.
func (p *Position) InflightTranche() *Tranche {
	for i := range p.Tranches {
		if p.Tranches[i].Status == TrancheInflight {
			return &p.Tranches[i]
		}
	}
	return nil
}

// FavoredBy reports whether price is more favorable than ref for this side.
func (p *Position) FavoredBy(price, ref float64) bool {
	if p.Side == SideShort {
		return price < ref
	}
	return price > ref
}

// StopImproves reports whether candidate tightens the protective stop:
// higher for longs, lower for shorts.
func (p *Position) StopImproves(candidate float64) bool {
	if p.StopPrice == 0 {
		return candidate > 0
	}
	if p.Side == SideShort {
		return candidate < p.StopPrice
	}
	return candidate > p.StopPrice
}

// UnrealizedPnL values the remaining quantity at the given price.
func (p *Position) UnrealizedPnL(price float64) float64 {
	diff := price - p.EntryPrice
	if p.Side == SideShort {
		diff = -diff
	}
	return diff * float64(p.RemainingQty)
}

// Validate checks the structural invariants that must hold on any record
// entering the store.
func (p *Position) Validate() error {
	if p.Ticker == "" {
		return fmt.Errorf("position has no ticker")
	}
	if p.Side != SideLong && p.Side != SideShort {
		return fmt.Errorf("%s: invalid side %q", p.Ticker, p.Side)
	}
	if p.OriginalQty <= 0 {
		return fmt.Errorf("%s: original quantity must be positive, got %d", p.Ticker, p.OriginalQty)
	}
	if p.RemainingQty < 0 || p.RemainingQty > p.OriginalQty {
		return fmt.Errorf("%s: remaining quantity %d out of range [0,%d]", p.Ticker, p.RemainingQty, p.OriginalQty)
	}
	var planned, filled int64
	for _, t := range p.Tranches {
		planned += t.Quantity
		filled += t.FilledQty
	}
	if len(p.Tranches) > 0 && planned != p.OriginalQty {
		return fmt.Errorf("%s: tranche quantities sum to %d, want %d", p.Ticker, planned, p.OriginalQty)
	}
	if len(p.Tranches) > 0 && p.OriginalQty-filled != p.RemainingQty {
		return fmt.Errorf("%s: filled %d and remaining %d do not conserve original %d", p.Ticker, filled, p.RemainingQty, p.OriginalQty)
	}
	return nil
}
