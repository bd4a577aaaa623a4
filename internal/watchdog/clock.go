// internal/watchdog/clock.go
package watchdog

import (
	"fmt"
	"time"
)

// SessionClock gates the watchdog to regular trading hours. DRAINING begins
// when the session closes; --force bypasses the gate for testing outside
// hours.
type SessionClock struct {
	openMinute  int
	closeMinute int
	loc         *time.Location
	now         func() time.Time
}

// NewSessionClock parses "HH:MM" open/close times in the named location.
func NewSessionClock(open, close, timezone string) (*SessionClock, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid session timezone %q: %w", timezone, err)
	}
	openMin, err := parseMinute(open)
	if err != nil {
		return nil, fmt.Errorf("invalid session open %q: %w", open, err)
	}
	closeMin, err := parseMinute(close)
	if err != nil {
		return nil, fmt.Errorf("invalid session close %q: %w", close, err)
	}
	if closeMin <= openMin {
		return nil, fmt.Errorf("session close %s must be after open %s", close, open)
	}
	return &SessionClock{
		openMinute:  openMin,
		closeMinute: closeMin,
		loc:         loc,
		now:         time.Now,
	}, nil
}

// IsOpen reports whether the session is currently open. Weekends are
// closed; exchange holidays are not modeled, the broker simply returns no
// trades on those days.
func (c *SessionClock) IsOpen() bool {
	t := c.now().In(c.loc)
	if t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
		return false
	}
	minute := t.Hour()*60 + t.Minute()
	return minute >= c.openMinute && minute < c.closeMinute
}

func parseMinute(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, err
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("out of range")
	}
	return h*60 + m, nil
}
