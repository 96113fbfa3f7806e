// Copyright 2019 by the rpi-rfm69 authors, see LICENSE file for details

// This file implements a bounded event trace the driver records into even
// when debug logging is off, so a post-mortem on a wedged radio can show
// the recent mode changes and packet events.

package rfm69

import (
	"fmt"
	"sync"
	"time"
)

const traceCap = 64

type traceEvent struct {
	at  time.Time
	txt string
}

type trace struct {
	mu  sync.Mutex
	evs []traceEvent
}

func (t *trace) push(txt string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.evs) >= traceCap {
		t.evs = t.evs[1:]
	}
	t.evs = append(t.evs, traceEvent{time.Now(), txt})
}

// dump formats the recorded events relative to the first one and clears
// the trace.
func (t *trace) dump() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.evs) == 0 {
		return nil
	}
	t0 := t.evs[0].at
	out := make([]string, len(t.evs))
	for i, ev := range t.evs {
		out[i] = fmt.Sprintf("%.6fs: %s", ev.at.Sub(t0).Seconds(), ev.txt)
	}
	t.evs = nil
	return out
}

// Trace returns the recent driver events, oldest first, and resets the
// buffer. Useful when diagnosing a radio that stopped receiving.
func (r *Radio) Trace() []string {
	return r.trace.dump()
}
