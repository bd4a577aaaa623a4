// internal/watchdog/clock_test.go
package watchdog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clockAt(t *testing.T, instant time.Time) *SessionClock {
	t.Helper()
	c, err := NewSessionClock("09:30", "16:00", "America/New_York")
	require.NoError(t, err)
	c.now = func() time.Time { return instant }
	return c
}

func TestSessionClockHours(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// Monday 2026-08-31.
	monday := func(h, m int) time.Time {
		return time.Date(2026, 8, 31, h, m, 0, 0, loc)
	}

	assert.False(t, clockAt(t, monday(9, 29)).IsOpen())
	assert.True(t, clockAt(t, monday(9, 30)).IsOpen())
	assert.True(t, clockAt(t, monday(15, 59)).IsOpen())
	assert.False(t, clockAt(t, monday(16, 0)).IsOpen())
}

func TestSessionClockWeekend(t *testing.T) {
	loc, _ := time.LoadLocation("America/New_York")
	saturday := time.Date(2026, 8, 29, 12, 0, 0, 0, loc)
	assert.False(t, clockAt(t, saturday).IsOpen())
}

func TestSessionClockValidation(t *testing.T) {
	_, err := NewSessionClock("16:00", "09:30", "America/New_York")
	require.Error(t, err)

	_, err = NewSessionClock("9:30", "16:00", "Mars/Olympus")
	require.Error(t, err)

	_, err = NewSessionClock("25:00", "26:00", "America/New_York")
	require.Error(t, err)
}
