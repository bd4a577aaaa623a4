// internal/journal/journal_test.go
package journal

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradesafe/watchdog/internal/position"
)

func TestRecordAndReadFills(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer j.Close()

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, j.RecordFill(Fill{
		Ticker:      "AAPL",
		AccountID:   "acct-1",
		Side:        position.SideLong,
		Tranche:     position.TrancheStop,
		Quantity:    40,
		FillPrice:   97.70,
		EntryPrice:  100,
		RealizedPnL: -92,
		OrderID:     "order-1",
		FilledAt:    now,
	}))
	require.NoError(t, j.RecordFill(Fill{
		Ticker:      "AAPL",
		AccountID:   "acct-1",
		Side:        position.SideLong,
		Tranche:     position.TrancheTarget1,
		Quantity:    30,
		FillPrice:   103.80,
		EntryPrice:  100,
		RealizedPnL: 114,
		OrderID:     "order-2",
		FilledAt:    now.Add(time.Hour),
	}))

	fills, err := j.FillsFor("AAPL")
	require.NoError(t, err)
	require.Len(t, fills, 2)
	assert.Equal(t, position.TrancheStop, fills[0].Tranche)
	assert.Equal(t, position.TrancheTarget1, fills[1].Tranche)
	assert.InDelta(t, -92, fills[0].RealizedPnL, 1e-9)

	none, err := j.FillsFor("MSFT")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRecordClose(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer j.Close()

	require.NoError(t, j.RecordClose(Close{
		Ticker:      "AAPL",
		AccountID:   "acct-1",
		Side:        position.SideLong,
		EntryPrice:  100,
		OriginalQty: 100,
		RealizedPnL: 230.5,
		OpenedAt:    time.Now().Add(-48 * time.Hour),
		ClosedAt:    time.Now(),
		Reason:      "TARGET_2",
	}))
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	j1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, j1.RecordFill(Fill{Ticker: "AAPL", Side: position.SideLong, Tranche: position.TrancheStop, Quantity: 1, FilledAt: time.Now()}))
	require.NoError(t, j1.Close())

	// Reopening applies the schema without clobbering existing rows.
	j2, err := Open(path)
	require.NoError(t, err)
	defer j2.Close()

	fills, err := j2.FillsFor("AAPL")
	require.NoError(t, err)
	assert.Len(t, fills, 1)
}
