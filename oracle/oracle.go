// Package oracle assigns read and write timestamps that keep every
// admitted operation inside the frontiers of the objects it touches.
package oracle

import (
	"github.com/meridiandb/meridian"
	"github.com/meridiandb/meridian/logger"
)

// Wait names an object whose upper has to reach MinUpper before a
// queued read becomes admissible. The sequencer parks the read on the
// frontier tracker and re-picks once the uppers arrive; the oracle
// itself never blocks.
type Wait struct {
	ObjectID meridian.GlobalID
	MinUpper meridian.Timestamp
}

type Config struct {
	Logger logger.Logger
}

// Oracle hands out timestamps for one coordinator instance. It owns the
// monotonic watermark: no timestamp it returns is ever below one it
// returned earlier, which is what rules out time-travel inversions
// between reads submitted in order.
//
// The oracle holds no locks. It is owned by the sequencer loop and must
// only be called from it.
type Oracle struct {
	lastGiven meridian.Timestamp
	logger    logger.Logger
}

func New(cfg Config) *Oracle {
	o := &Oracle{
		logger: cfg.Logger,
	}
	if o.logger == nil {
		o.logger = logger.NopLogger
	}
	return o
}

// LastGiven returns the watermark: the highest timestamp handed out so
// far.
func (o *Oracle) LastGiven() meridian.Timestamp {
	return o.lastGiven
}

// Restore seeds the watermark after a restart so the new instance never
// re-issues a timestamp the previous one already gave out.
func (o *Oracle) Restore(ts meridian.Timestamp) {
	if ts > o.lastGiven {
		o.lastGiven = ts
	}
}

// ReadTimestamp picks the timestamp for a read over inputs: the latest
// timestamp every input has fully delivered, min(upper)-1, raised to the
// watermark so successive reads never run backwards. The pick is
// admitted only when it is still below every input's upper; otherwise
// the returned waits name the uppers that have to advance first, which
// covers both bootstrapping objects (upper still at the minimum) and a
// watermark that has run ahead of a slow input.
//
// Admitting a pick advances the watermark. A queued read advances
// nothing until it is re-picked and admitted.
func (o *Oracle) ReadTimestamp(inputs map[meridian.GlobalID]meridian.Frontier) (meridian.Timestamp, []Wait) {
	candidate := o.lastGiven
	for _, f := range inputs {
		if f.Since > candidate {
			candidate = f.Since
		}
	}
	minUpper, haveUpper := minimumUpper(inputs)
	if haveUpper && minUpper > meridian.MinTimestamp && minUpper-1 > candidate {
		candidate = minUpper - 1
	}

	if waits := blockedBelow(inputs, candidate); len(waits) > 0 {
		return 0, waits
	}

	o.lastGiven = candidate
	return candidate, nil
}

// ReadTimestampAt validates an explicit AS OF timestamp against inputs.
// The timestamp must not predate any input's since (that history is
// gone); a timestamp at or beyond an input's upper queues until the
// upper passes it. AS OF reads step outside the linearizable timeline
// on purpose, so they never move the watermark.
func (o *Oracle) ReadTimestampAt(inputs map[meridian.GlobalID]meridian.Frontier, asof meridian.Timestamp) ([]Wait, error) {
	for id, f := range inputs {
		if asof < f.Since {
			return nil, meridian.NewErrTimestampBelowSince(id, asof, f.Since)
		}
	}
	return blockedBelow(inputs, asof), nil
}

// WriteTimestamp picks the timestamp for a write to an object with the
// given frontier. The write has to land beyond everything already
// delivered, so the pick exceeds the object's upper, raised to the
// watermark like any other pick.
func (o *Oracle) WriteTimestamp(f meridian.Frontier) meridian.Timestamp {
	candidate := f.Upper + 1
	if o.lastGiven > candidate {
		candidate = o.lastGiven
	}
	o.lastGiven = candidate
	return candidate
}

func minimumUpper(inputs map[meridian.GlobalID]meridian.Frontier) (meridian.Timestamp, bool) {
	var min meridian.Timestamp
	var some bool
	for _, f := range inputs {
		if !some || f.Upper < min {
			min = f.Upper
			some = true
		}
	}
	return min, some
}

// blockedBelow returns a wait for every input whose upper has not passed
// ts. An empty result means a read at ts sees complete data everywhere.
func blockedBelow(inputs map[meridian.GlobalID]meridian.Frontier, ts meridian.Timestamp) []Wait {
	var waits []Wait
	for id, f := range inputs {
		if f.Upper <= ts {
			waits = append(waits, Wait{ObjectID: id, MinUpper: ts + 1})
		}
	}
	return waits
}
