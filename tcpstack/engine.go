package tcpstack

import (
	"context"
	"errors"
	"log"
	"net"
	"sync"
	"time"

	"github.com/lowpan-go/lowpan-stack/globalctr"
	"github.com/lowpan-go/lowpan-stack/metrics"
)

// MaxDataRetries bounds how many times SendAndWait retransmits one
// unacknowledged data segment before giving up, mirroring MaxSynRetries's
// role for the handshake (spec §4.5: "On retry, the TCB counters are
// rewound by the segment's length and the segment is retransmitted. On
// timeout the call returns failure.").
const MaxDataRetries = 5

// ErrSendTimeout is returned by SendAndWait when a segment goes
// unacknowledged through MaxDataRetries retransmissions.
var ErrSendTimeout = errors.New("tcpstack: send timed out waiting for ack")

// ErrNoSuchConnection is returned when a tuple has no known TCB.
var ErrNoSuchConnection = errors.New("tcpstack: no connection for that tuple")

// ErrConnectionRefused is returned when a peer responds to an active open
// with RST.
var ErrConnectionRefused = errors.New("tcpstack: connection refused")

// ErrChecksumInvalid is returned when an incoming segment's checksum does
// not match the IPv6 pseudo-header + TCP checksum.
var ErrChecksumInvalid = errors.New("tcpstack: invalid segment checksum")

// Emit sends an encoded, checksummed segment addressed to the tuple's
// remote endpoint. The engine calls this instead of writing to a socket
// directly, so it can be wired to the 6LoWPAN adaptation layer or a plain
// IPv6 sender, per spec §5.
type Emit func(tuple FourTuple, seg *Segment)

// listenKey identifies a listening endpoint regardless of which remote
// peer eventually connects to it.
type listenKey struct {
	addr string
	port uint16
}

// Engine owns the live TCB table and the retransmission timer loop. It
// mirrors the ticker-driven polling pattern used elsewhere in the stack to
// reap idle state: one goroutine wakes periodically, walks the table, and
// retransmits or expires whatever needs it.
type Engine struct {
	mu        sync.Mutex
	tcbs      map[FourTuple]*TCB
	listening map[listenKey]bool
	emit      Emit
	clock     func() time.Time
}

// NewEngine creates an Engine that calls emit to transmit segments.
func NewEngine(emit Emit) *Engine {
	return &Engine{tcbs: make(map[FourTuple]*TCB), listening: make(map[listenKey]bool), emit: emit, clock: time.Now}
}

// newTCBLocked creates a TCB whose ackCond is tied to this engine's mutex,
// so SendAndWait can block on it. Caller must hold e.mu.
func (e *Engine) newTCBLocked(tuple FourTuple) *TCB {
	tcb := NewTCB(tuple)
	tcb.ackCond = sync.NewCond(&e.mu)
	return tcb
}

// Listen creates a passive-open TCB waiting for an incoming SYN on tuple's
// local endpoint. The remote fields of tuple are ignored: any peer's SYN to
// this local endpoint spawns its own per-connection TCB via the wildcard
// fallback in HandleSegment.
func (e *Engine) Listen(tuple FourTuple) *TCB {
	e.mu.Lock()
	defer e.mu.Unlock()
	tcb := e.newTCBLocked(tuple)
	tcb.State = Listen
	e.tcbs[tuple] = tcb
	e.listening[listenKey{tuple.LocalAddr, tuple.LocalPort}] = true
	return tcb
}

// Connect begins an active open, sending the initial SYN.
func (e *Engine) Connect(tuple FourTuple) *TCB {
	e.mu.Lock()
	defer e.mu.Unlock()
	tcb := e.newTCBLocked(tuple)
	tcb.ISS = globalctr.NextSequence()
	tcb.SndNXT = tcb.ISS + 1
	tcb.SndUNA = tcb.ISS
	tcb.State = SynSent
	e.tcbs[tuple] = tcb
	e.sendLocked(tcb, &Segment{Seq: tcb.ISS, Flags: FlagSYN, Window: tcb.RcvWND})
	return tcb
}

func (e *Engine) sendLocked(tcb *TCB, seg *Segment) {
	seg.SrcPort = tcb.Tuple.LocalPort
	seg.DstPort = tcb.Tuple.RemotePort
	if local, remote := tcb.LocalIP(), tcb.RemoteIP(); local != nil && remote != nil {
		seg.SetChecksum(local, remote)
	}
	tcb.lastSegmentSent = e.clock()
	tcb.RetransmitQueue = append(tcb.RetransmitQueue, seg.Encode())
	e.emit(tcb.Tuple, seg)
}

// Lookup returns the TCB for tuple, if any.
func (e *Engine) Lookup(tuple FourTuple) (*TCB, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tcb, ok := e.tcbs[tuple]
	return tcb, ok
}

// Close begins an active close on tuple's connection.
func (e *Engine) Close(tuple FourTuple) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	tcb, ok := e.tcbs[tuple]
	if !ok {
		return ErrNoSuchConnection
	}
	switch tcb.State {
	case Established:
		tcb.State = FinWait1
		e.sendLocked(tcb, &Segment{Seq: tcb.SndNXT, Ack: tcb.RcvNXT, Flags: FlagFIN | FlagACK, Window: tcb.RcvWND})
		tcb.SndNXT++
	case CloseWait:
		tcb.State = LastAck
		e.sendLocked(tcb, &Segment{Seq: tcb.SndNXT, Ack: tcb.RcvNXT, Flags: FlagFIN | FlagACK, Window: tcb.RcvWND})
		tcb.SndNXT++
	}
	return nil
}

// SendData queues data for transmission on an Established connection.
func (e *Engine) SendData(tuple FourTuple, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	tcb, ok := e.tcbs[tuple]
	if !ok {
		return ErrNoSuchConnection
	}
	if tcb.State != Established {
		return ErrNoSuchConnection
	}
	e.sendLocked(tcb, &Segment{Seq: tcb.SndNXT, Ack: tcb.RcvNXT, Flags: FlagACK | FlagPSH, Window: tcb.RcvWND, Payload: data})
	tcb.SndNXT += uint32(len(data))
	return nil
}

// SendAndWait segments data into chunks of min(send window, MSS), sends each
// in turn, and waits for it to be acknowledged before moving to the next,
// per spec §4.5: "the task waits for an ACK, retry, or timeout message. On
// retry, the TCB counters are rewound by the segment's length and the
// segment is retransmitted. On timeout the call returns failure; on full
// acknowledgment it returns the bytes sent." It returns the number of bytes
// fully acknowledged, which is less than len(data) only on error.
func (e *Engine) SendAndWait(tuple FourTuple, data []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sent := 0
	for sent < len(data) {
		tcb, ok := e.tcbs[tuple]
		if !ok || tcb.State != Established {
			return sent, ErrNoSuchConnection
		}

		chunkLen := len(data) - sent
		if w := int(tcb.SndWND); w > 0 && w < chunkLen {
			chunkLen = w
		}
		mss := int(tcb.MSS)
		if mss <= 0 {
			mss = DefaultMSS
		}
		if mss < chunkLen {
			chunkLen = mss
		}
		chunk := data[sent : sent+chunkLen]
		segStart := tcb.SndNXT
		segEnd := segStart + uint32(chunkLen)

		acked := false
		for attempt := 0; attempt <= MaxDataRetries; attempt++ {
			tcb.SndNXT = segEnd
			e.sendLocked(tcb, &Segment{Seq: segStart, Ack: tcb.RcvNXT, Flags: FlagACK | FlagPSH, Window: tcb.RcvWND, Payload: chunk})

			if e.waitForAckLocked(tcb, segEnd, tcb.RTO.RTO()) {
				acked = true
				break
			}
			if tcb.State != Established {
				return sent, ErrNoSuchConnection
			}
			// Retry: rewind the TCB counters and retransmit, per spec §4.5.
			tcb.SndNXT = segStart
			tcb.RTO.Backoff()
			if attempt < MaxDataRetries {
				metrics.Retransmissions.Inc()
			}
		}
		if !acked {
			return sent, ErrSendTimeout
		}
		sent += chunkLen
	}
	return sent, nil
}

// waitForAckLocked blocks until tcb.SndUNA reaches target, the connection
// leaves Established, or wait elapses, reporting whether the ack arrived in
// time. Caller must hold e.mu; it is released while waiting and reacquired
// before returning, per sync.Cond's contract.
func (e *Engine) waitForAckLocked(tcb *TCB, target uint32, wait time.Duration) bool {
	deadline := e.clock().Add(wait)
	timer := time.AfterFunc(wait, func() {
		e.mu.Lock()
		tcb.ackCond.Broadcast()
		e.mu.Unlock()
	})
	defer timer.Stop()
	for tcb.SndUNA < target && tcb.State == Established && e.clock().Before(deadline) {
		tcb.ackCond.Wait()
	}
	return tcb.SndUNA >= target
}

// HandleSegment advances tuple's TCB in response to an incoming segment,
// per the RFC 793 state machine. Data segments are not reassembled into a
// byte stream here; Received carries whatever payload arrived in-order so
// callers can hand it to a receive buffer.
type HandleResult struct {
	Received []byte
	Closed   bool
}

// HandleSegment processes seg against tuple's TCB.
func (e *Engine) HandleSegment(tuple FourTuple, seg *Segment) (*HandleResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	srcIP, dstIP := net.ParseIP(tuple.RemoteAddr), net.ParseIP(tuple.LocalAddr)
	if srcIP != nil && dstIP != nil && !seg.VerifyChecksum(srcIP, dstIP) {
		metrics.ChecksumFailures.Inc()
		return nil, ErrChecksumInvalid
	}

	tcb, ok := e.tcbs[tuple]
	if !ok {
		if seg.hasFlag(FlagRST) {
			return &HandleResult{}, nil
		}
		// Listen wildcard fallback: a SYN addressed to a listening local
		// endpoint spawns its own per-connection TCB, keyed by the full
		// tuple, even though no TCB for that specific remote exists yet.
		if seg.hasFlag(FlagSYN) && e.listening[listenKey{tuple.LocalAddr, tuple.LocalPort}] {
			tcb = e.newTCBLocked(tuple)
			tcb.State = Listen
			e.tcbs[tuple] = tcb
			ok = true
		} else {
			return nil, ErrNoSuchConnection
		}
	}
	defer tcb.ackCond.Broadcast()

	switch tcb.State {
	case Listen:
		if seg.hasFlag(FlagSYN) {
			tcb.IRS = seg.Seq
			tcb.RcvNXT = seg.Seq + 1
			tcb.ISS = globalctr.NextSequence()
			tcb.SndUNA = tcb.ISS
			tcb.SndNXT = tcb.ISS + 1
			tcb.State = SynRcvd
			e.sendLocked(tcb, &Segment{Seq: tcb.ISS, Ack: tcb.RcvNXT, Flags: FlagSYN | FlagACK, Window: tcb.RcvWND})
		}

	case SynSent:
		if seg.hasFlag(FlagRST) {
			tcb.State = Closed
			return nil, ErrConnectionRefused
		}
		if seg.hasFlag(FlagSYN) && seg.hasFlag(FlagACK) {
			// Compute how many of our bytes this ACK covers before
			// SndUNA is mutated below, so the RTT sample reflects the
			// segment actually being acknowledged.
			ackedBytes := seg.Ack - tcb.SndUNA
			if ackedBytes > 0 {
				tcb.RTO.Sample(e.clock().Sub(tcb.lastSegmentSent))
			}

			tcb.IRS = seg.Seq
			tcb.RcvNXT = seg.Seq + 1
			tcb.SndUNA = seg.Ack
			tcb.SndWND = seg.Window
			tcb.State = Established
			e.sendLocked(tcb, &Segment{Seq: tcb.SndNXT, Ack: tcb.RcvNXT, Flags: FlagACK, Window: tcb.RcvWND})
		}

	case SynRcvd:
		if seg.hasFlag(FlagACK) && seg.Ack == tcb.SndNXT {
			tcb.SndUNA = seg.Ack
			tcb.SndWND = seg.Window
			tcb.State = Established
		}

	case Established:
		return e.handleEstablishedLocked(tcb, seg)

	case FinWait1:
		if seg.hasFlag(FlagACK) && seg.Ack == tcb.SndNXT {
			tcb.SndUNA = seg.Ack
			tcb.State = FinWait2
		}
		if seg.hasFlag(FlagFIN) {
			tcb.RcvNXT = seg.Seq + 1
			if tcb.State == FinWait2 {
				tcb.State = TimeWait
			} else {
				tcb.State = Closing
			}
			e.sendLocked(tcb, &Segment{Seq: tcb.SndNXT, Ack: tcb.RcvNXT, Flags: FlagACK, Window: tcb.RcvWND})
		}

	case FinWait2:
		if seg.hasFlag(FlagFIN) {
			tcb.RcvNXT = seg.Seq + 1
			tcb.State = TimeWait
			e.sendLocked(tcb, &Segment{Seq: tcb.SndNXT, Ack: tcb.RcvNXT, Flags: FlagACK, Window: tcb.RcvWND})
		}

	case Closing:
		if seg.hasFlag(FlagACK) && seg.Ack == tcb.SndNXT {
			tcb.SndUNA = seg.Ack
			tcb.State = TimeWait
		}

	case LastAck:
		if seg.hasFlag(FlagACK) && seg.Ack == tcb.SndNXT {
			tcb.State = Closed
			delete(e.tcbs, tuple)
			return &HandleResult{Closed: true}, nil
		}

	case TimeWait, Closed:
		// no state transitions accepted here; a duplicate FIN in
		// TimeWait is not re-ACKed, and no 2MSL timer removes a TimeWait
		// TCB from the table.
	}

	return &HandleResult{}, nil
}

func (e *Engine) handleEstablishedLocked(tcb *TCB, seg *Segment) (*HandleResult, error) {
	if seg.hasFlag(FlagACK) && seg.Ack-tcb.SndUNA <= tcb.SndNXT-tcb.SndUNA {
		ackedBytes := seg.Ack - tcb.SndUNA
		if ackedBytes > 0 {
			tcb.RTO.Sample(e.clock().Sub(tcb.lastSegmentSent))
		}
		tcb.SndUNA = seg.Ack
		tcb.SndWND = seg.Window
	}

	result := &HandleResult{}
	if len(seg.Payload) > 0 && seg.Seq == tcb.RcvNXT {
		result.Received = seg.Payload
		tcb.RcvNXT += uint32(len(seg.Payload))
		e.sendLocked(tcb, &Segment{Seq: tcb.SndNXT, Ack: tcb.RcvNXT, Flags: FlagACK, Window: tcb.RcvWND})
	}

	if seg.hasFlag(FlagFIN) {
		tcb.RcvNXT = seg.Seq + uint32(len(seg.Payload)) + 1
		tcb.State = CloseWait
		e.sendLocked(tcb, &Segment{Seq: tcb.SndNXT, Ack: tcb.RcvNXT, Flags: FlagACK, Window: tcb.RcvWND})
	}

	return result, nil
}

// Run walks the TCB table on every tick, retransmitting any connection that
// has waited longer than its RTO and expiring SYN attempts past
// MaxSynRetries, until ctx is done. It mirrors the collector's ticker loop
// shape: one goroutine, one wakeup cadence, no per-connection timers.
func (e *Engine) Run(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweep()
		}
	}
}

func (e *Engine) sweep() {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clock()
	for tuple, tcb := range e.tcbs {
		if tcb.State == Closed {
			delete(e.tcbs, tuple)
			continue
		}
		if len(tcb.RetransmitQueue) == 0 {
			continue
		}
		if now.Sub(tcb.lastSegmentSent) < tcb.RTO.RTO() {
			continue
		}
		if tcb.State == SynSent || tcb.State == SynRcvd {
			tcb.SynRetries++
			if tcb.SynRetries > MaxSynRetries {
				metrics.SynRetriesExhausted.Inc()
				tcb.State = Closed
				delete(e.tcbs, tuple)
				continue
			}
		}
		tcb.RTO.Backoff()
		metrics.RTOHistogram.Observe(tcb.RTO.RTO().Seconds())
		last := tcb.RetransmitQueue[len(tcb.RetransmitQueue)-1]
		if seg, err := DecodeSegment(last); err == nil {
			tcb.lastSegmentSent = now
			metrics.Retransmissions.Inc()
			e.emit(tcb.Tuple, seg)
		} else {
			log.Printf("tcpstack: could not decode queued retransmission: %v", err)
		}
	}
}

// TCBInfo is a point-in-time, value-copied view of one TCB, safe to read
// without holding the engine's lock.
type TCBInfo struct {
	Tuple              FourTuple
	State              State
	SndUNA             uint32
	SndNXT             uint32
	RcvNXT             uint32
	SRTT               time.Duration
	RTO                time.Duration
	SynRetries         int
	RetransmitQueueLen int
}

// Snapshot returns a value-copied view of every TCB the engine currently
// holds. It's the engine-side half of the polling loop that feeds the
// archival pipeline: callers walk the result instead of the live table, so
// archiving never blocks segment processing.
func (e *Engine) Snapshot() []TCBInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]TCBInfo, 0, len(e.tcbs))
	for _, tcb := range e.tcbs {
		out = append(out, TCBInfo{
			Tuple:              tcb.Tuple,
			State:              tcb.State,
			SndUNA:             tcb.SndUNA,
			SndNXT:             tcb.SndNXT,
			RcvNXT:             tcb.RcvNXT,
			SRTT:               tcb.RTO.SRTT(),
			RTO:                tcb.RTO.RTO(),
			SynRetries:         tcb.SynRetries,
			RetransmitQueueLen: len(tcb.RetransmitQueue),
		})
	}
	return out
}
