package mqtt

import (
	"sync"
	"time"
)

// DailyTokens accumulates finished turns and their tokens, resetting at
// local midnight. It is safe for concurrent use.
type DailyTokens struct {
	mu       sync.Mutex
	input    int64
	output   int64
	turns    int64
	last     time.Time
	resetDay int // day-of-year of last reset
	loc      *time.Location
	now      func() time.Time
}

// NewDailyTokens creates an accumulator that rolls over at midnight in
// loc. A nil loc means [time.Local].
func NewDailyTokens(loc *time.Location) *DailyTokens {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyTokens{loc: loc, now: time.Now}
	d.resetDay = d.now().In(loc).YearDay()
	return d
}

// OnTurn records one finished turn.
func (d *DailyTokens) OnTurn(inputTokens, outputTokens int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	d.input += int64(inputTokens)
	d.output += int64(outputTokens)
	d.turns++
	d.last = d.now()
}

// Snapshot returns today's input tokens, output tokens and turn count.
func (d *DailyTokens) Snapshot() (input, output, turns int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	return d.input, d.output, d.turns
}

// LastTurn returns when the most recent turn finished, or the zero time.
func (d *DailyTokens) LastTurn() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

// maybeReset must be called with d.mu held.
func (d *DailyTokens) maybeReset() {
	today := d.now().In(d.loc).YearDay()
	if today != d.resetDay {
		d.input = 0
		d.output = 0
		d.turns = 0
		d.resetDay = today
	}
}
