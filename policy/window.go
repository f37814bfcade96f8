package policy

import "time"

// window is the rolling write counter for one tag. committed holds the
// completion times of successful writes; reserved counts writes admitted by
// policy whose protocol outcome is not known yet.
type window struct {
	pattern   string
	committed []time.Time
	reserved  int
}

// prune drops commits that fell out of the interval ending at now.
func (w *window) prune(now time.Time, interval time.Duration) {
	cutoff := now.Add(-interval)
	i := 0
	for i < len(w.committed) && !w.committed[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.committed = append(w.committed[:0], w.committed[i:]...)
	}
}

// tryReserve admits one more write if the interval has room.
func (w *window) tryReserve(now time.Time, interval time.Duration, max int) bool {
	w.prune(now, interval)
	if len(w.committed)+w.reserved >= max {
		return false
	}
	w.reserved++
	return true
}

func (w *window) commit(now time.Time) {
	if w.reserved > 0 {
		w.reserved--
	}
	w.committed = append(w.committed, now)
}

func (w *window) release() {
	if w.reserved > 0 {
		w.reserved--
	}
}

func (w *window) used(now time.Time, interval time.Duration) int {
	w.prune(now, interval)
	return len(w.committed) + w.reserved
}
