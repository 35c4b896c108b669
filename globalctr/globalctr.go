// Package globalctr provides the two process-wide monotonic counters the
// stack draws from: a sequence counter seeding initial TCP sequence numbers
// and 6LoWPAN datagram tags, and a context counter, which no other package
// in this module draws from. Both are seeded from the host's boot time (or,
// where /proc/uptime cannot be read, the time of the first draw), so a
// process restarted within the same boot starts again from the same seed.
package globalctr

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

var cachedBootUnix int64 = -1

func timeToUnix(t time.Time) int64 {
	return int64(t.Sub(time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)).Seconds())
}

// getBoottimeWithRaceCondition has a race condition between the reading of
// /proc/uptime and the call to time.Now(). If, between those two syscalls, we
// cross a second-granularity time boundary, then the result will be off by
// one. It seems safe to assume, however, that this race condition won't
// happen twice in quick succession, so the recommended way to use this
// function is to call it repeatedly until it returns the same answer twice.
func getBoottimeWithRaceCondition() (int64, error) {
	procuptime, err := os.ReadFile("/proc/uptime")
	if err != nil {
		return -1, err
	}
	fields := strings.Fields(string(procuptime))
	if len(fields) != 2 {
		return -1, fmt.Errorf("could not split /proc/uptime into two parts")
	}
	uptime, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return -1, fmt.Errorf("could not parse /proc/uptime into a float")
	}
	return timeToUnix(time.Now().Add(time.Duration(-1 * uptime * float64(time.Second)))), nil
}

func getBoottime() int64 {
	var prev, curr int64 = -1, 0
	for prev != curr {
		prev = curr
		v, err := getBoottimeWithRaceCondition()
		if err != nil {
			// /proc/uptime is Linux-only; fall back to process start time
			// so the counters still seed deterministically elsewhere.
			return timeToUnix(time.Now())
		}
		curr = v
	}
	return curr
}

func bootUnix() int64 {
	if cachedBootUnix < 0 {
		cachedBootUnix = getBoottime()
	}
	return cachedBootUnix
}

// Counter is a process-wide monotonic counter seeded from boot time.
type Counter struct {
	v int64
}

func newSeeded(salt int64) *Counter {
	return &Counter{v: bootUnix()*1000003 + salt}
}

// Next returns the next value from the counter and advances it.
func (c *Counter) Next() uint32 {
	return uint32(atomic.AddInt64(&c.v, 1))
}

var (
	sequenceCounter = newSeeded(17)
	contextCounter  = newSeeded(31)
)

// NextSequence draws the next value from the global sequence counter, used
// to seed initial TCP sequence numbers and 6LoWPAN datagram tags.
func NextSequence() uint32 {
	return sequenceCounter.Next()
}

// NextContext draws the next value from the global context counter.
func NextContext() uint32 {
	return contextCounter.Next()
}
