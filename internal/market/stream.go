// internal/market/stream.go
package market

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// StreamSource adapts a push-based price feed to the same per-cycle Source
// contract as the Poller: ticks land in a latest-value buffer that Poll
// drains once per cycle, so downstream logic is agnostic to the transport.
// Candles still go through the underlying quote source since streams do not
// carry history.
type StreamSource struct {
	fallback *Poller
	logger   *zap.Logger

	mu     sync.RWMutex
	latest map[string]PriceSample
}

// NewStreamSource wraps a Poller with a push buffer. When a ticker has no
// buffered tick yet, Poll falls back to polling for it, so a slow stream
// warm-up never blinds a cycle.
func NewStreamSource(fallback *Poller, logger *zap.Logger) *StreamSource {
	return &StreamSource{
		fallback: fallback,
		logger:   logger.Named("stream"),
		latest:   make(map[string]PriceSample),
	}
}

// Push records a tick from the feed, keeping only the newest per ticker.
func (s *StreamSource) Push(sample PriceSample) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.latest[sample.Ticker]; ok && sample.Time.Before(prev.Time) {
		return
	}
	s.latest[sample.Ticker] = sample
}

// Run consumes a tick channel until ctx is cancelled or the channel closes.
func (s *StreamSource) Run(ctx context.Context, ticks <-chan PriceSample) {
	for {
		select {
		case <-ctx.Done():
			return
		case tick, ok := <-ticks:
			if !ok {
				s.logger.Warn("Tick channel closed, falling back to polling only")
				return
			}
			s.Push(tick)
		}
	}
}

// Poll implements Source: buffered ticks first, polling for the rest.
func (s *StreamSource) Poll(ctx context.Context, tickers []string) Snapshot {
	snap := Snapshot{
		Samples: make(map[string]PriceSample, len(tickers)),
		Errors:  make(map[string]error),
	}

	var missing []string
	s.mu.RLock()
	for _, ticker := range tickers {
		if sample, ok := s.latest[ticker]; ok {
			snap.Samples[ticker] = sample
		} else {
			missing = append(missing, ticker)
		}
	}
	s.mu.RUnlock()

	if len(missing) > 0 {
		polled := s.fallback.Poll(ctx, missing)
		for t, sample := range polled.Samples {
			snap.Samples[t] = sample
		}
		for t, err := range polled.Errors {
			snap.Errors[t] = err
		}
	}
	return snap
}

// Candles implements Source via the underlying poller.
func (s *StreamSource) Candles(ctx context.Context, ticker string, lookback int) ([]Candle, error) {
	return s.fallback.Candles(ctx, ticker, lookback)
}

// Forget drops the buffered tick and the poller's candle cache for ticker.
func (s *StreamSource) Forget(ticker string) {
	s.mu.Lock()
	delete(s.latest, ticker)
	s.mu.Unlock()
	s.fallback.Forget(ticker)
}
