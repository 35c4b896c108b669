package lowpan

import "time"

// SetClockForTest overrides a Reassembler's clock so tests can exercise the
// timeout reaper deterministically.
func SetClockForTest(r *Reassembler, now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}
