package accum

type laneEntry struct {
	index int
	value float64
}

type lane struct {
	entries []laneEntry
}

// Lanes buffers contributions per lane for an ordered commit.
//
// Each lane must be fed by one goroutine at a time. Consecutive contributions
// to the same index within a lane are pre-combined.
type Lanes struct {
	acc   *Accumulator
	lanes []lane
}

// Lanes creates n empty lanes feeding a.
func (a *Accumulator) Lanes(n int) *Lanes {
	return &Lanes{acc: a, lanes: make([]lane, n)}
}

// Count returns the number of lanes.
func (l *Lanes) Count() int { return len(l.lanes) }

// Contribute records v for target[index] in lane i.
func (l *Lanes) Contribute(i, index int, v float64) {
	ln := &l.lanes[i]
	if n := len(ln.entries); n > 0 && ln.entries[n-1].index == index {
		ln.entries[n-1].value = l.acc.op.Combine(ln.entries[n-1].value, v)
		return
	}
	ln.entries = append(ln.entries, laneEntry{index: index, value: v})
}

// Commit combines every lane into the target in lane order, then empties the
// lanes so they can be reused.
func (l *Lanes) Commit() {
	combine := l.acc.op.Combine
	target := l.acc.target
	for i := range l.lanes {
		for _, e := range l.lanes[i].entries {
			target[e.index] = combine(target[e.index], e.value)
		}
		l.lanes[i].entries = l.lanes[i].entries[:0]
	}
}

// CommitAtomic combines every lane into the target through Contribute. Safe
// to call while other accumulators feed the same target; the combine order
// across those callers is unspecified.
func (l *Lanes) CommitAtomic() {
	for i := range l.lanes {
		for _, e := range l.lanes[i].entries {
			l.acc.Contribute(e.index, e.value)
		}
		l.lanes[i].entries = l.lanes[i].entries[:0]
	}
}
