package main

import (
	"time"

	"github.com/rs/xid"

	"github.com/lowpan-go/lowpan-stack/eventsocket"
	"github.com/lowpan-go/lowpan-stack/tcpstack"
)

// flowTracker diffs successive engine.Snapshot() rounds to notice when a
// connection reaches Established (FlowCreated) or has vanished since the
// previous round (FlowDeleted), minting a stable id per tuple that
// survives across rounds.
//
// This deliberately doesn't reuse cache.Cache's generation-diff logic
// directly: cache.Cache stores *snapshot.Snapshot, whose State field is
// already rendered to a string, losing the typed tcpstack.State that
// FlowDeleted's signature carries.
type flowTracker struct {
	uuids map[tcpstack.FourTuple]string
	last  map[tcpstack.FourTuple]tcpstack.State
}

func newFlowTracker() *flowTracker {
	return &flowTracker{
		uuids: make(map[tcpstack.FourTuple]string),
		last:  make(map[tcpstack.FourTuple]tcpstack.State),
	}
}

// poll compares infos, one engine.Snapshot() call's worth of TCBs, against
// the previous round.
func (f *flowTracker) poll(evSvr eventsocket.Server, infos []tcpstack.TCBInfo, now time.Time) {
	seen := make(map[tcpstack.FourTuple]bool, len(infos))
	for _, info := range infos {
		seen[info.Tuple] = true
		if info.State == tcpstack.Established {
			if _, ok := f.uuids[info.Tuple]; !ok {
				id := xid.New().String()
				f.uuids[info.Tuple] = id
				evSvr.FlowCreated(now, id, info.Tuple)
			}
		}
		f.last[info.Tuple] = info.State
	}

	for tuple, id := range f.uuids {
		if seen[tuple] {
			continue
		}
		evSvr.FlowDeleted(now, id, f.last[tuple])
		delete(f.uuids, tuple)
		delete(f.last, tuple)
	}
}
