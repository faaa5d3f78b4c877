// Package vitals tracks process-lifetime counters for the vitals endpoint.
// Counters are in-memory and reset on restart; persistent totals come from
// the store.
package vitals

import (
	"sync/atomic"
	"time"
)

// Tracker accumulates request counts since process start. All methods are
// safe for concurrent use.
type Tracker struct {
	started       time.Time
	turnsStarted  atomic.Int64
	turnsComplete atomic.Int64
	turnsErrored  atomic.Int64
	tokensEmitted atomic.Int64
}

func NewTracker() *Tracker {
	return &Tracker{started: time.Now()}
}

func (t *Tracker) TurnStarted()   { t.turnsStarted.Add(1) }
func (t *Tracker) TurnCompleted() { t.turnsComplete.Add(1) }
func (t *Tracker) TurnErrored()   { t.turnsErrored.Add(1) }

// TokensEmitted adds n streamed tokens to the lifetime total.
func (t *Tracker) TokensEmitted(n int64) { t.tokensEmitted.Add(n) }

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	UptimeSeconds  float64 `json:"uptimeSeconds"`
	TurnsStarted   int64   `json:"turnsStarted"`
	TurnsCompleted int64   `json:"turnsCompleted"`
	TurnsErrored   int64   `json:"turnsErrored"`
	TokensEmitted  int64   `json:"tokensEmitted"`
}

func (t *Tracker) Snapshot() Snapshot {
	return Snapshot{
		UptimeSeconds:  time.Since(t.started).Seconds(),
		TurnsStarted:   t.turnsStarted.Load(),
		TurnsCompleted: t.turnsComplete.Load(),
		TurnsErrored:   t.turnsErrored.Load(),
		TokensEmitted:  t.tokensEmitted.Load(),
	}
}
