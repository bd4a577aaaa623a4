// internal/position/store.go
package position

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrInvariantViolation marks a write the store refused because it would
// break a position invariant. The offending write is dropped, not applied.
var ErrInvariantViolation = errors.New("position invariant violation")

// ErrNotFound is returned when no position is tracked for a ticker.
var ErrNotFound = errors.New("position not found")

// Persister saves the full position map after every mutation. Implementations
// must be crash-safe; see persist.go.
type Persister interface {
	Save(positions []Position) error
}

// Store owns every Position record. It is the only shared mutable state in
// the watchdog: all writes are serialized behind one mutex, and readers only
// ever receive copies. Invariants are enforced here even when callers have
// already checked them.
type Store struct {
	mu        sync.Mutex
	positions map[string]*Position
	persister Persister
	logger    *zap.Logger
	now       func() time.Time
}

// NewStore creates an empty store. persister may be nil (tests, dry runs
// without a state file).
func NewStore(persister Persister, logger *zap.Logger) *Store {
	return &Store{
		positions: make(map[string]*Position),
		persister: persister,
		logger:    logger.Named("store"),
		now:       time.Now,
	}
}

// Seed replaces the store contents from a persisted snapshot. Called once at
// startup before the first reconciliation pass.
func (s *Store) Seed(positions []Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range positions {
		p := positions[i]
		if err := p.Validate(); err != nil {
			return fmt.Errorf("%w: seeding: %s", ErrInvariantViolation, err)
		}
		cp := p.Clone()
		s.positions[p.Ticker] = &cp
	}
	s.logger.Info("Store seeded from persisted state", zap.Int("positions", len(positions)))
	return nil
}

// Get returns a copy of the tracked position for ticker.
func (s *Store) Get(ticker string) (Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[ticker]
	if !ok {
		return Position{}, false
	}
	return p.Clone(), true
}

// List returns copies of all tracked positions.
func (s *Store) List() []Position {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p.Clone())
	}
	return out
}

// Tickers returns the tracked tickers.
func (s *Store) Tickers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.positions))
	for t := range s.positions {
		out = append(out, t)
	}
	return out
}

// Len returns the number of tracked positions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.positions)
}

// Upsert inserts or replaces a position record. A replacement that would
// loosen the protective stop is rejected with ErrInvariantViolation: the
// caller's computation is stale and is dropped, while the stored record
// stays as it was.
func (s *Store) Upsert(p Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: %s", ErrInvariantViolation, err)
	}

	if prev, ok := s.positions[p.Ticker]; ok {
		if prev.StopPrice != 0 && p.StopPrice != 0 && !prev.StopImproves(p.StopPrice) && p.StopPrice != prev.StopPrice {
			s.logger.Error("Rejected write that would loosen the stop",
				zap.String("ticker", p.Ticker),
				zap.Float64("current_stop", prev.StopPrice),
				zap.Float64("offered_stop", p.StopPrice))
			return fmt.Errorf("%w: %s: stop %.4f would loosen current %.4f",
				ErrInvariantViolation, p.Ticker, p.StopPrice, prev.StopPrice)
		}
		if statusRank(p.Status) < statusRank(prev.Status) {
			return fmt.Errorf("%w: %s: status cannot go back from %s to %s",
				ErrInvariantViolation, p.Ticker, prev.Status, p.Status)
		}
	}

	cp := p.Clone()
	cp.UpdatedAt = s.now()
	s.positions[p.Ticker] = &cp
	s.persistLocked()
	return nil
}

// Remove drops a ticker from tracking (externally closed or pruned by
// reconciliation).
func (s *Store) Remove(ticker string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.positions[ticker]; !ok {
		return
	}
	delete(s.positions, ticker)
	s.persistLocked()
}

// ObserveExtreme advances ExtremePrice if price is more favorable than the
// recorded extreme. Unfavorable prices leave it untouched.
func (s *Store) ObserveExtreme(ticker string, price float64) error {
	return s.mutate(ticker, func(p *Position) error {
		if p.FavoredBy(price, p.ExtremePrice) {
			p.ExtremePrice = price
		}
		return nil
	})
}

// RaiseStop applies a freshly computed stop candidate. The stop only ever
// moves in the protective direction; a candidate on the wrong side is a
// silent no-op here because the calculator already filtered it, and the
// check exists so a buggy caller cannot loosen the stop.
func (s *Store) RaiseStop(ticker string, candidate float64) (bool, error) {
	applied := false
	err := s.mutate(ticker, func(p *Position) error {
		if !p.StopImproves(candidate) {
			return nil
		}
		p.StopPrice = candidate
		applied = true
		return nil
	})
	return applied, err
}

// SetVolatility records a refreshed ATR reading. It never rebuilds tranches;
// plans are immutable once built.
func (s *Store) SetVolatility(ticker string, band Band, atrValue, multiplier float64, provisional bool) error {
	return s.mutate(ticker, func(p *Position) error {
		p.Band = band
		p.ATRValue = atrValue
		p.ATRMultiplier = multiplier
		p.Provisional = provisional
		return nil
	})
}

// MarkInflight transitions a PENDING tranche to INFLIGHT. It fails if any
// other tranche of the position is already INFLIGHT, which is what keeps a
// single submission per position alive under retry races.
func (s *Store) MarkInflight(ticker string, kind TrancheKind) error {
	return s.mutate(ticker, func(p *Position) error {
		if infl := p.InflightTranche(); infl != nil {
			return fmt.Errorf("%w: %s: tranche %s already inflight", ErrInvariantViolation, ticker, infl.Kind)
		}
		tr := p.Tranche(kind)
		if tr == nil {
			return fmt.Errorf("%s: no %s tranche", ticker, kind)
		}
		if tr.Status != TranchePending {
			return fmt.Errorf("%w: %s: tranche %s is %s, not PENDING", ErrInvariantViolation, ticker, kind, tr.Status)
		}
		tr.Status = TrancheInflight
		return nil
	})
}

// MarkFailed transitions an INFLIGHT tranche to FAILED after the dispatcher
// exhausted its retries. The position stays tracked so a later cycle or an
// operator can re-arm it.
func (s *Store) MarkFailed(ticker string, kind TrancheKind) error {
	return s.mutate(ticker, func(p *Position) error {
		tr := p.Tranche(kind)
		if tr == nil {
			return fmt.Errorf("%s: no %s tranche", ticker, kind)
		}
		if tr.Status == TrancheFilled {
			return fmt.Errorf("%w: %s: cannot fail filled tranche %s", ErrInvariantViolation, ticker, kind)
		}
		tr.Status = TrancheFailed
		return nil
	})
}

// RetryFailed re-arms every FAILED tranche of a ticker back to PENDING so the
// next cycle can re-attempt it. Returns the number of tranches re-armed.
func (s *Store) RetryFailed(ticker string) (int, error) {
	n := 0
	err := s.mutate(ticker, func(p *Position) error {
		for i := range p.Tranches {
			if p.Tranches[i].Status == TrancheFailed {
				p.Tranches[i].Status = TranchePending
				n++
			}
		}
		return nil
	})
	return n, err
}

// ApplyFill records a broker-confirmed fill for a tranche. Idempotent per
// (ticker, kind): a duplicate notification for an already FILLED tranche is
// a no-op. Reduces remaining quantity, accumulates realized P&L and advances
// position status; when the fill consumes the whole remaining quantity, all
// still-PENDING tranches are cancelled and the position closes.
func (s *Store) ApplyFill(ticker string, kind TrancheKind, qty int64, price float64) error {
	return s.mutate(ticker, func(p *Position) error {
		tr := p.Tranche(kind)
		if tr == nil {
			return fmt.Errorf("%s: no %s tranche", ticker, kind)
		}
		if tr.Status == TrancheFilled {
			s.logger.Warn("Duplicate fill notification ignored",
				zap.String("ticker", ticker),
				zap.String("tranche", string(kind)))
			return nil
		}
		if qty <= 0 {
			return fmt.Errorf("%w: %s: fill quantity %d", ErrInvariantViolation, ticker, qty)
		}
		if qty > p.RemainingQty {
			return fmt.Errorf("%w: %s: fill %d exceeds remaining %d", ErrInvariantViolation, ticker, qty, p.RemainingQty)
		}

		now := s.now()
		tr.Status = TrancheFilled
		tr.FilledQty = qty
		tr.FillPrice = price
		tr.FilledAt = &now

		p.RemainingQty -= qty
		diff := price - p.EntryPrice
		if p.Side == SideShort {
			diff = -diff
		}
		p.RealizedPnL += diff * float64(qty)

		if p.RemainingQty == 0 {
			for i := range p.Tranches {
				if p.Tranches[i].Status == TranchePending {
					p.Tranches[i].Status = TrancheCancelled
				}
			}
			p.Status = StatusClosed
		} else if p.Status == StatusOpen {
			p.Status = StatusPartiallyExited
		}
		return nil
	})
}

// CancelPending cancels every still-PENDING tranche; used when a stop exit
// consumed the full remaining position so no tranche is left dangling.
func (s *Store) CancelPending(ticker string) error {
	return s.mutate(ticker, func(p *Position) error {
		for i := range p.Tranches {
			if p.Tranches[i].Status == TranchePending {
				p.Tranches[i].Status = TrancheCancelled
			}
		}
		return nil
	})
}

// mutate runs fn on the stored record under the write lock and persists on
// success. Errors from fn leave the record untouched.
func (s *Store) mutate(ticker string, fn func(p *Position) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[ticker]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, ticker)
	}

	// Work on a scratch copy so a failed mutation cannot leave a
	// half-applied record behind.
	scratch := p.Clone()
	if err := fn(&scratch); err != nil {
		return err
	}
	if err := scratch.Validate(); err != nil {
		return fmt.Errorf("%w: %s", ErrInvariantViolation, err)
	}
	scratch.UpdatedAt = s.now()
	s.positions[ticker] = &scratch
	s.persistLocked()
	return nil
}

func (s *Store) persistLocked() {
	if s.persister == nil {
		return
	}
	out := make([]Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p.Clone())
	}
	if err := s.persister.Save(out); err != nil {
		s.logger.Error("Failed to persist position state", zap.Error(err))
	}
}

func statusRank(st Status) int {
	switch st {
	case StatusOpen:
		return 0
	case StatusPartiallyExited:
		return 1
	case StatusClosed:
		return 2
	}
	return 0
}
