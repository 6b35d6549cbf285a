// Package counter tracks per-(org, uapk, action_type) action counts inside
// UTC-aligned hour and day windows. Counts decay by being written against new
// windows; old windows are pruned opportunistically.
package counter

import (
	"context"
	"fmt"
	"time"
)

// WindowKind selects the budget window granularity.
type WindowKind string

const (
	WindowHour WindowKind = "hour"
	WindowDay  WindowKind = "day"
)

// GlobalActionType is the counter key used by manifest-wide budgets.
const GlobalActionType = "*"

// WindowStart returns the UTC-aligned start of the window containing at.
func WindowStart(at time.Time, kind WindowKind) time.Time {
	at = at.UTC()
	if kind == WindowHour {
		return at.Truncate(time.Hour)
	}
	return time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, time.UTC)
}

// Key identifies one counter stream.
type Key struct {
	OrgID      string
	UAPKID     string
	ActionType string
}

func (k Key) String() string {
	return fmt.Sprintf("%s|%s|%s", k.OrgID, k.UAPKID, k.ActionType)
}

// Caps are the window limits applied during an increment. Zero means
// uncapped for that window.
type Caps struct {
	Hourly int64
	Daily  int64
}

// Store is the counter contract. Increment must be atomic across both
// windows: either both counters advance and neither exceeds its cap, or
// nothing changes. No in-process counter may be the source of truth across
// workers; persistent implementations use row locks or server-side scripts.
type Store interface {
	// Peek returns the current count without modifying it.
	Peek(ctx context.Context, key Key, kind WindowKind, at time.Time) (int64, error)

	// Increment advances the hour and day counters for key, provided
	// neither resulting count would exceed its cap. Returns whether the
	// increment was applied.
	Increment(ctx context.Context, key Key, at time.Time, caps Caps) (bool, error)
}
