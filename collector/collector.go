// Package collector repeatedly polls the engine's TCB table to discover
// measurement data about open TCP connections and sends that data down a
// channel to the saver.
package collector

import (
	"context"
	"log"
	"time"

	"github.com/lowpan-go/lowpan-stack/lowpan"
	"github.com/lowpan-go/lowpan-stack/metrics"
	"github.com/lowpan-go/lowpan-stack/snapshot"
	"github.com/lowpan-go/lowpan-stack/tcpstack"
)

// Reassembly reports reassembly-table occupancy, so each snapshot can carry
// how crowded the fragment reassembly buffer was at collection time.
type Reassembly interface {
	Live() int
}

func toSnapshot(ts time.Time, info tcpstack.TCBInfo, reassembly Reassembly) *snapshot.Snapshot {
	s := &snapshot.Snapshot{
		Timestamp:          ts,
		LocalAddr:          info.Tuple.LocalAddr,
		LocalPort:          info.Tuple.LocalPort,
		RemoteAddr:         info.Tuple.RemoteAddr,
		RemotePort:         info.Tuple.RemotePort,
		State:              info.State.String(),
		SRTTMicros:         info.SRTT.Microseconds(),
		RTOMicros:          info.RTO.Microseconds(),
		SynRetries:         info.SynRetries,
		SndUNA:             info.SndUNA,
		SndNXT:             info.SndNXT,
		RcvNXT:             info.RcvNXT,
		RetransmitQueueLen: info.RetransmitQueueLen,
		ReassemblyCapacity: lowpan.MaxReassemblyEntries,
	}
	if reassembly != nil {
		s.ReassemblyEntries = reassembly.Live()
	}
	return s
}

// collectOnce walks the engine's TCB table and sends one batch of
// snapshots, one per live connection, to svrChan.
func collectOnce(e *tcpstack.Engine, reassembly Reassembly, svrChan chan<- []*snapshot.Snapshot) int {
	now := time.Now()
	infos := e.Snapshot()
	batch := make([]*snapshot.Snapshot, 0, len(infos))
	for _, info := range infos {
		batch = append(batch, toSnapshot(now, info, reassembly))
	}
	metrics.SnapshotCount.Add(float64(len(batch)))
	svrChan <- batch
	return len(batch)
}

// Run polls e every interval and sends the resulting batch of snapshots to
// svrChan, either for reps iterations, or, if reps is zero, until ctx is
// done. reassembly may be nil if the caller does not want reassembly
// occupancy included in snapshots.
func Run(ctx context.Context, e *tcpstack.Engine, reassembly Reassembly, interval time.Duration, reps int, svrChan chan<- []*snapshot.Snapshot) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	total := 0
	loops := 0
	for loops = 0; (reps == 0 || loops < reps) && ctx.Err() == nil; loops++ {
		total += collectOnce(e, reassembly, svrChan)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}

	if loops > 0 {
		log.Println(total, "snapshots collected over", loops, "polls")
	}
}
