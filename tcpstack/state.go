// Package tcpstack implements the embedded TCP engine: the connection state
// machine, retransmission timing, and segment processing that sits above
// the 6LoWPAN adaptation layer.
package tcpstack

import "fmt"

// State is the enumeration of TCP connection states.
// https://datatracker.ietf.org/doc/draft-ietf-tcpm-rfc793bis/
type State int32

const (
	Closed State = iota
	Listen
	SynSent
	SynRcvd
	Established
	FinWait1
	FinWait2
	CloseWait
	Closing
	LastAck
	TimeWait
)

var stateName = map[State]string{
	Closed:      "CLOSED",
	Listen:      "LISTEN",
	SynSent:     "SYN_SENT",
	SynRcvd:     "SYN_RCVD",
	Established: "ESTABLISHED",
	FinWait1:    "FIN_WAIT1",
	FinWait2:    "FIN_WAIT2",
	CloseWait:   "CLOSE_WAIT",
	Closing:     "CLOSING",
	LastAck:     "LAST_ACK",
	TimeWait:    "TIME_WAIT",
}

func (s State) String() string {
	name, ok := stateName[s]
	if !ok {
		return fmt.Sprintf("UNKNOWN_STATE_%d", s)
	}
	return name
}
