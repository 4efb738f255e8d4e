package mqtt

import (
	"sync"
	"time"
)

// DailyUsage accumulates model token counts and completed turns for the
// current local day. Counters reset at local midnight. It is safe for
// concurrent use.
type DailyUsage struct {
	mu     sync.Mutex
	input  int64
	output int64
	turns  int64
	day    string
	loc    *time.Location
	now    func() time.Time
}

// NewDailyUsage creates an accumulator that rolls over at midnight in
// loc. A nil loc means [time.Local].
func NewDailyUsage(loc *time.Location) *DailyUsage {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyUsage{loc: loc, now: time.Now}
	d.day = d.today()
	return d
}

func (d *DailyUsage) today() string {
	return d.now().In(d.loc).Format(time.DateOnly)
}

// AddTokens records the token counts of one model call.
func (d *DailyUsage) AddTokens(input, output int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rollover()
	d.input += int64(input)
	d.output += int64(output)
}

// AddTurn records one completed turn.
func (d *DailyUsage) AddTurn() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rollover()
	d.turns++
}

// Snapshot returns today's totals.
func (d *DailyUsage) Snapshot() (input, output, turns int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rollover()
	return d.input, d.output, d.turns
}

// rollover must be called with d.mu held.
func (d *DailyUsage) rollover() {
	if today := d.today(); today != d.day {
		d.input, d.output, d.turns = 0, 0, 0
		d.day = today
	}
}
