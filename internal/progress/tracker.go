package progress

import (
	"sync"
	"time"
)

type runKey struct {
	step    string
	started time.Time
}

// Tracker merges snapshots received for one topic. Deliveries may repeat or
// arrive out of order: for a given step and start time processed only grows,
// and once a run reported inactive it stays inactive.
type Tracker struct {
	mu      sync.Mutex
	current Snapshot
	seen    bool
	done    map[time.Time]bool
	max     map[runKey]int64
}

func NewTracker() *Tracker {
	return &Tracker{
		done: make(map[time.Time]bool),
		max:  make(map[runKey]int64),
	}
}

// Apply merges s and returns the resulting view.
func (t *Tracker) Apply(s Snapshot) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.seen && s.Started.Before(t.current.Started) {
		return t.current
	}
	if !s.Active {
		t.done[s.Started] = true
	}
	if t.done[s.Started] && s.Active {
		return t.current
	}

	k := runKey{step: s.StepName, started: s.Started}
	if prev, ok := t.max[k]; ok && prev > s.Processed {
		s.Processed = prev
	}
	t.max[k] = s.Processed

	t.current = s
	t.seen = true
	return s
}

func (t *Tracker) Current() (Snapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current, t.seen
}
