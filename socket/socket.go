// Package socket implements a BSD-shaped socket multiplexer over the TCP
// engine: a fixed-size table of socket descriptors supporting
// socket/bind/listen/accept/connect/send/recv/close, with four-tuple
// matching and a Listen wildcard fallback for incoming connections.
package socket

import (
	"errors"
	"sync"

	"github.com/lowpan-go/lowpan-stack/tcpstack"
	"github.com/lowpan-go/lowpan-stack/udp"
)

// Protocol distinguishes the two socket types spec §3 names: a Stream
// socket rides the TCP engine, a Dgram socket rides the UDP engine.
type Protocol int

const (
	ProtoStream Protocol = iota
	ProtoDgram
)

// DefaultTableSize is how many descriptors the multiplexer's socket table
// holds by default, per spec §6.
const DefaultTableSize = 5

var (
	ErrTableFull     = errors.New("socket: descriptor table is full")
	ErrBadDescriptor = errors.New("socket: no such descriptor")
	ErrNotBound      = errors.New("socket: socket is not bound to a local address")
	ErrNotListening  = errors.New("socket: socket is not listening")
	ErrNotConnected  = errors.New("socket: socket is not connected")
	ErrAlreadyBound  = errors.New("socket: socket is already bound")
	ErrWouldBlock    = errors.New("socket: operation would block")
	ErrWrongProtocol = errors.New("socket: operation not valid for this socket's protocol")
)

type state int

const (
	stateClosed state = iota
	stateBound
	stateListening
	stateConnecting
	stateConnected
)

// socketEntry is one row of the descriptor table.
type socketEntry struct {
	state      state
	protocol   Protocol
	localAddr  string
	localPort  uint16
	remoteAddr string
	remotePort uint16

	backlog chan int
	recv    chan []byte

	udpRecv <-chan udp.Datagram
}

func (e *socketEntry) tuple() tcpstack.FourTuple {
	return tcpstack.FourTuple{
		LocalAddr: e.localAddr, LocalPort: e.localPort,
		RemoteAddr: e.remoteAddr, RemotePort: e.remotePort,
	}
}

// Multiplexer owns the descriptor table and routes engine events to the
// socket that should see them.
type Multiplexer struct {
	mu       sync.Mutex
	table    map[int]*socketEntry
	byTuple  map[tcpstack.FourTuple]int
	nextFD   int
	capacity int
	engine   *tcpstack.Engine
	udp      *udp.Engine
}

// NewMultiplexer creates a Multiplexer with room for capacity descriptors,
// dispatching TCP segments through engine and UDP datagrams through
// udpEngine. udpEngine may be nil if the caller never allocates Dgram
// sockets.
func NewMultiplexer(capacity int, engine *tcpstack.Engine, udpEngine *udp.Engine) *Multiplexer {
	return &Multiplexer{
		table:    make(map[int]*socketEntry),
		byTuple:  make(map[tcpstack.FourTuple]int),
		capacity: capacity,
		engine:   engine,
		udp:      udpEngine,
	}
}

// Socket allocates a new Stream (TCP) descriptor.
func (m *Multiplexer) Socket() (int, error) {
	return m.newSocket(ProtoStream)
}

// SocketDgram allocates a new Dgram (UDP) descriptor.
func (m *Multiplexer) SocketDgram() (int, error) {
	return m.newSocket(ProtoDgram)
}

func (m *Multiplexer) newSocket(proto Protocol) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.table) >= m.capacity {
		return 0, ErrTableFull
	}
	fd := m.nextFD
	m.nextFD++
	m.table[fd] = &socketEntry{protocol: proto, recv: make(chan []byte, 32)}
	return fd, nil
}

func (m *Multiplexer) lookupLocked(fd int) (*socketEntry, error) {
	e, ok := m.table[fd]
	if !ok {
		return nil, ErrBadDescriptor
	}
	return e, nil
}

// Bind assigns a local address and port to fd.
func (m *Multiplexer) Bind(fd int, addr string, port uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.lookupLocked(fd)
	if err != nil {
		return err
	}
	if e.state != stateClosed {
		return ErrAlreadyBound
	}
	e.localAddr, e.localPort = addr, port
	e.state = stateBound
	if e.protocol == ProtoDgram {
		if m.udp == nil {
			return ErrWrongProtocol
		}
		ch, err := m.udp.Bind(addr, port)
		if err != nil {
			e.state = stateClosed
			return err
		}
		e.udpRecv = ch
	}
	return nil
}

// Listen puts fd into the listening state with room for backlog pending
// connections.
func (m *Multiplexer) Listen(fd int, backlog int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.lookupLocked(fd)
	if err != nil {
		return err
	}
	if e.state != stateBound {
		return ErrNotBound
	}
	e.state = stateListening
	e.backlog = make(chan int, backlog)
	m.byTuple[e.tuple()] = fd
	m.engine.Listen(e.tuple())
	return nil
}

// Connect actively opens a connection from fd to addr:port.
func (m *Multiplexer) Connect(fd int, addr string, port uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.lookupLocked(fd)
	if err != nil {
		return err
	}
	e.remoteAddr, e.remotePort = addr, port
	e.state = stateConnecting
	m.byTuple[e.tuple()] = fd
	m.engine.Connect(e.tuple())
	return nil
}

// Accept pops one pending connection from a listening fd's backlog,
// returning the new descriptor. It blocks until one is available.
func (m *Multiplexer) Accept(fd int) (int, error) {
	m.mu.Lock()
	e, err := m.lookupLocked(fd)
	if err != nil {
		m.mu.Unlock()
		return 0, err
	}
	if e.state != stateListening {
		m.mu.Unlock()
		return 0, ErrNotListening
	}
	backlog := e.backlog
	m.mu.Unlock()

	newFD := <-backlog
	return newFD, nil
}

// Send writes data to fd's connected peer, segmenting it into chunks of
// min(send window, MSS) and waiting for each to be acknowledged before
// sending the next, per spec §4.5. It returns the number of bytes
// acknowledged, which is less than len(data) only on error.
func (m *Multiplexer) Send(fd int, data []byte) (int, error) {
	m.mu.Lock()
	e, err := m.lookupLocked(fd)
	if err != nil {
		m.mu.Unlock()
		return 0, err
	}
	if e.state == stateConnecting {
		if tcb, ok := m.engine.Lookup(e.tuple()); ok && tcb.State == tcpstack.Established {
			e.state = stateConnected
		}
	}
	if e.state != stateConnected {
		m.mu.Unlock()
		return 0, ErrNotConnected
	}
	tuple := e.tuple()
	m.mu.Unlock()
	return m.engine.SendAndWait(tuple, data)
}

// Recv returns the next chunk of data received on fd. It blocks until data
// arrives or the connection is closed, in which case it returns
// ErrNotConnected once the channel is drained.
func (m *Multiplexer) Recv(fd int) ([]byte, error) {
	m.mu.Lock()
	e, err := m.lookupLocked(fd)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	recv := e.recv
	m.mu.Unlock()

	data, ok := <-recv
	if !ok {
		return nil, ErrNotConnected
	}
	return data, nil
}

// Close releases fd's descriptor and, if connected, begins the TCP close
// sequence.
func (m *Multiplexer) Close(fd int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.lookupLocked(fd)
	if err != nil {
		return err
	}
	if e.state == stateConnected || e.state == stateConnecting {
		m.engine.Close(e.tuple())
	}
	if e.protocol == ProtoDgram && e.state == stateBound && m.udp != nil {
		m.udp.Unbind(e.localAddr, e.localPort)
	}
	delete(m.byTuple, e.tuple())
	delete(m.table, fd)
	return nil
}

// SendTo names a destination explicitly, for unconnected use of a bound
// Dgram descriptor: it builds and emits one UDP datagram per spec §4.5
// ("Build the UDP header with pseudo-header checksum").
func (m *Multiplexer) SendTo(fd int, addr string, port uint16, data []byte) error {
	m.mu.Lock()
	e, err := m.lookupLocked(fd)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if e.protocol != ProtoDgram {
		m.mu.Unlock()
		return ErrWrongProtocol
	}
	if e.state != stateBound {
		m.mu.Unlock()
		return ErrNotBound
	}
	if m.udp == nil {
		m.mu.Unlock()
		return ErrWrongProtocol
	}
	localAddr, localPort := e.localAddr, e.localPort
	m.mu.Unlock()
	m.udp.SendTo(localAddr, localPort, addr, port, data)
	return nil
}

// RecvFrom blocks until a UDP datagram arrives on fd, reporting its payload
// and the sender's address and port, per spec §4.5.
func (m *Multiplexer) RecvFrom(fd int) (data []byte, addr string, port uint16, err error) {
	m.mu.Lock()
	e, err := m.lookupLocked(fd)
	if err != nil {
		m.mu.Unlock()
		return nil, "", 0, err
	}
	if e.protocol != ProtoDgram {
		m.mu.Unlock()
		return nil, "", 0, ErrWrongProtocol
	}
	if e.state != stateBound {
		m.mu.Unlock()
		return nil, "", 0, ErrNotBound
	}
	ch := e.udpRecv
	m.mu.Unlock()

	dg, ok := <-ch
	if !ok {
		return nil, "", 0, ErrNotConnected
	}
	return dg.Payload, dg.SrcAddr, dg.SrcPort, nil
}

// Ingress feeds one incoming TCP segment through the engine and routes the
// result to whichever socket owns the connection, spawning a fresh
// descriptor from the listening socket's backlog if this is the first
// segment the multiplexer has seen for that four-tuple (the Listen
// wildcard fallback, mirrored on the socket side of the table).
func (m *Multiplexer) Ingress(srcAddr string, srcPort uint16, dstAddr string, dstPort uint16, seg *tcpstack.Segment) error {
	tuple := tcpstack.FourTuple{LocalAddr: dstAddr, LocalPort: dstPort, RemoteAddr: srcAddr, RemotePort: srcPort}

	result, err := m.engine.HandleSegment(tuple, seg)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	fd, ok := m.byTuple[tuple]
	if !ok {
		if seg.Flags&tcpstack.FlagSYN == 0 {
			return nil
		}
		fd, ok = m.spawnFromListenerLocked(tuple)
		if !ok {
			return nil
		}
	}
	e := m.table[fd]

	if result.Received != nil {
		select {
		case e.recv <- result.Received:
		default:
		}
	}

	tcb, found := m.engine.Lookup(tuple)
	if !found {
		e.state = stateClosed
		close(e.recv)
		delete(m.byTuple, tuple)
		delete(m.table, fd)
		return nil
	}

	if tcb.State == tcpstack.Established && e.state != stateConnected {
		e.state = stateConnected
		if listenerFD, ok := m.byTuple[tcpstack.FourTuple{LocalAddr: dstAddr, LocalPort: dstPort}]; ok {
			if listener := m.table[listenerFD]; listener != nil && listener.state == stateListening {
				select {
				case listener.backlog <- fd:
				default:
				}
			}
		}
	}
	return nil
}

// spawnFromListenerLocked creates a new descriptor for tuple if a listening
// socket owns its local endpoint. Caller must hold mu.
func (m *Multiplexer) spawnFromListenerLocked(tuple tcpstack.FourTuple) (int, bool) {
	for _, e := range m.table {
		if e.state == stateListening && e.localAddr == tuple.LocalAddr && e.localPort == tuple.LocalPort {
			fd := m.nextFD
			m.nextFD++
			ne := &socketEntry{
				state:      stateConnecting,
				localAddr:  tuple.LocalAddr,
				localPort:  tuple.LocalPort,
				remoteAddr: tuple.RemoteAddr,
				remotePort: tuple.RemotePort,
				recv:       make(chan []byte, 32),
			}
			m.table[fd] = ne
			m.byTuple[tuple] = fd
			return fd, true
		}
	}
	return 0, false
}
