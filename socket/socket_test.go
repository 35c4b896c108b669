package socket_test

import (
	"testing"
	"time"

	"github.com/lowpan-go/lowpan-stack/socket"
	"github.com/lowpan-go/lowpan-stack/tcpstack"
	"github.com/lowpan-go/lowpan-stack/udp"
)

func noopEmit(tcpstack.FourTuple, *tcpstack.Segment) {}

func TestSocketAllocatesSequentialDescriptors(t *testing.T) {
	mp := socket.NewMultiplexer(2, tcpstack.NewEngine(noopEmit), nil)
	fd0, err := mp.Socket()
	if err != nil {
		t.Fatal(err)
	}
	fd1, err := mp.Socket()
	if err != nil {
		t.Fatal(err)
	}
	if fd0 == fd1 {
		t.Fatalf("expected distinct descriptors, got %d and %d", fd0, fd1)
	}
	if _, err := mp.Socket(); err != socket.ErrTableFull {
		t.Fatalf("expected ErrTableFull once capacity is exhausted, got %v", err)
	}
}

func TestBindRejectsDoubleBind(t *testing.T) {
	mp := socket.NewMultiplexer(1, tcpstack.NewEngine(noopEmit), nil)
	fd, _ := mp.Socket()
	if err := mp.Bind(fd, "server", 80); err != nil {
		t.Fatal(err)
	}
	if err := mp.Bind(fd, "server", 81); err != socket.ErrAlreadyBound {
		t.Fatalf("expected ErrAlreadyBound, got %v", err)
	}
}

func TestListenRequiresBoundSocket(t *testing.T) {
	mp := socket.NewMultiplexer(1, tcpstack.NewEngine(noopEmit), nil)
	fd, _ := mp.Socket()
	if err := mp.Listen(fd, 1); err != socket.ErrNotBound {
		t.Fatalf("expected ErrNotBound, got %v", err)
	}
}

func TestSendRequiresConnectedSocket(t *testing.T) {
	mp := socket.NewMultiplexer(1, tcpstack.NewEngine(noopEmit), nil)
	fd, _ := mp.Socket()
	if _, err := mp.Send(fd, []byte("hi")); err != socket.ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestBadDescriptorRejected(t *testing.T) {
	mp := socket.NewMultiplexer(1, tcpstack.NewEngine(noopEmit), nil)
	if err := mp.Bind(99, "server", 80); err != socket.ErrBadDescriptor {
		t.Fatalf("expected ErrBadDescriptor, got %v", err)
	}
}

// TestIngressAcceptAndDataLifecycle drives a listening socket through the
// wildcard-spawn path: an incoming SYN for a tuple the multiplexer has never
// seen spawns a fresh descriptor from the listener's table, the completed
// handshake hands that descriptor to Accept via the backlog, a data segment
// is delivered to Recv, the peer's FIN moves the connection to CloseWait,
// Close releases the descriptor and sends our FIN, and the peer's final ACK
// lets the engine drop its TCB.
func TestIngressAcceptAndDataLifecycle(t *testing.T) {
	engine := tcpstack.NewEngine(noopEmit)
	mp := socket.NewMultiplexer(4, engine, nil)

	listenerFD, _ := mp.Socket()
	if err := mp.Bind(listenerFD, "server", 80); err != nil {
		t.Fatal(err)
	}
	if err := mp.Listen(listenerFD, 1); err != nil {
		t.Fatal(err)
	}

	const clientPort = 5000
	const clientISS = 1000

	syn := &tcpstack.Segment{SrcPort: clientPort, DstPort: 80, Seq: clientISS, Flags: tcpstack.FlagSYN, Window: 4096}
	if err := mp.Ingress("client", clientPort, "server", 80, syn); err != nil {
		t.Fatalf("SYN ingress failed: %v", err)
	}

	tuple := tcpstack.FourTuple{LocalAddr: "server", LocalPort: 80, RemoteAddr: "client", RemotePort: clientPort}
	tcb, ok := engine.Lookup(tuple)
	if !ok {
		t.Fatal("expected the wildcard fallback to create a TCB for the new tuple")
	}
	if tcb.State != tcpstack.SynRcvd {
		t.Fatalf("expected SynRcvd after the SYN, got %v", tcb.State)
	}
	serverISS := tcb.SndUNA

	ack := &tcpstack.Segment{SrcPort: clientPort, DstPort: 80, Seq: clientISS + 1, Ack: serverISS + 1, Flags: tcpstack.FlagACK, Window: 4096}
	if err := mp.Ingress("client", clientPort, "server", 80, ack); err != nil {
		t.Fatalf("ACK ingress failed: %v", err)
	}

	connFD, err := mp.Accept(listenerFD)
	if err != nil {
		t.Fatalf("Accept after completed handshake: %v", err)
	}
	if connFD == listenerFD {
		t.Fatal("Accept should return a fresh descriptor, not the listener's own")
	}

	data := &tcpstack.Segment{
		SrcPort: clientPort, DstPort: 80,
		Seq: clientISS + 1, Ack: serverISS + 1,
		Flags: tcpstack.FlagACK | tcpstack.FlagPSH, Window: 4096,
		Payload: []byte("hi"),
	}
	if err := mp.Ingress("client", clientPort, "server", 80, data); err != nil {
		t.Fatalf("data ingress failed: %v", err)
	}

	got, err := mp.Recv(connFD)
	if err != nil {
		t.Fatalf("Recv after data ingress: %v", err)
	}
	if string(got) != "hi" {
		t.Fatalf("Recv returned %q, want %q", got, "hi")
	}

	tcb, ok = engine.Lookup(tuple)
	if !ok {
		t.Fatal("TCB should still exist after a data segment")
	}

	fin := &tcpstack.Segment{
		SrcPort: clientPort, DstPort: 80,
		Seq: tcb.RcvNXT, Ack: tcb.SndNXT,
		Flags: tcpstack.FlagFIN | tcpstack.FlagACK, Window: 4096,
	}
	if err := mp.Ingress("client", clientPort, "server", 80, fin); err != nil {
		t.Fatalf("FIN ingress failed: %v", err)
	}
	tcb, ok = engine.Lookup(tuple)
	if !ok || tcb.State != tcpstack.CloseWait {
		t.Fatalf("expected CloseWait after the peer's FIN, got %v (ok=%v)", tcb, ok)
	}

	if err := mp.Close(connFD); err != nil {
		t.Fatalf("Close: %v", err)
	}
	tcb, ok = engine.Lookup(tuple)
	if !ok || tcb.State != tcpstack.LastAck {
		t.Fatalf("expected LastAck after closing a CloseWait connection, got %v (ok=%v)", tcb, ok)
	}

	finalAck := &tcpstack.Segment{
		SrcPort: clientPort, DstPort: 80,
		Seq: tcb.RcvNXT, Ack: tcb.SndNXT,
		Flags: tcpstack.FlagACK, Window: 4096,
	}
	if err := mp.Ingress("client", clientPort, "server", 80, finalAck); err != nil {
		t.Fatalf("final ACK ingress failed: %v", err)
	}
	if _, ok := engine.Lookup(tuple); ok {
		t.Fatal("engine should have dropped the TCB once LastAck's ACK arrived")
	}

	if _, err := mp.Recv(connFD); err != socket.ErrBadDescriptor {
		t.Fatalf("expected the descriptor released by Close to stay gone, Recv returned %v", err)
	}
}

// TestIngressIgnoresUnsolicitedRST exercises the no-TCB, no-SYN path: a
// stray RST for a tuple the engine has never heard of is dropped rather
// than treated as a connection attempt, so no descriptor is spawned.
func TestIngressIgnoresUnsolicitedRST(t *testing.T) {
	engine := tcpstack.NewEngine(noopEmit)
	mp := socket.NewMultiplexer(4, engine, nil)

	listenerFD, _ := mp.Socket()
	_ = mp.Bind(listenerFD, "server", 80)
	_ = mp.Listen(listenerFD, 1)

	rst := &tcpstack.Segment{SrcPort: 5000, DstPort: 80, Seq: 1, Flags: tcpstack.FlagRST}
	if err := mp.Ingress("client", 5000, "server", 80, rst); err != nil {
		t.Fatalf("unexpected error on stray RST: %v", err)
	}

	tuple := tcpstack.FourTuple{LocalAddr: "server", LocalPort: 80, RemoteAddr: "client", RemotePort: 5000}
	if _, ok := engine.Lookup(tuple); ok {
		t.Fatal("a stray RST must not spawn a TCB")
	}
}

// TestSendSegmentsAndWaitsForAck drives a real handshake between two engines
// wired together by a relay goroutine (so acks arrive asynchronously, the
// way a real link would deliver them), then calls Send with more than one
// MSS of data and checks it blocks until every chunk is acknowledged.
func TestSendSegmentsAndWaitsForAck(t *testing.T) {
	clientTuple := tcpstack.FourTuple{LocalAddr: "fe80::1", LocalPort: 1025, RemoteAddr: "fe80::2", RemotePort: 7}
	serverTuple := tcpstack.FourTuple{LocalAddr: "fe80::2", LocalPort: 7, RemoteAddr: "fe80::1", RemotePort: 1025}

	toServer := make(chan *tcpstack.Segment, 8)
	toClient := make(chan *tcpstack.Segment, 8)
	done := make(chan struct{})

	client := tcpstack.NewEngine(func(_ tcpstack.FourTuple, seg *tcpstack.Segment) { toServer <- seg })
	server := tcpstack.NewEngine(func(_ tcpstack.FourTuple, seg *tcpstack.Segment) { toClient <- seg })

	go func() {
		for {
			select {
			case seg := <-toServer:
				server.HandleSegment(serverTuple, seg)
			case seg := <-toClient:
				client.HandleSegment(clientTuple, seg)
			case <-done:
				return
			}
		}
	}()
	defer close(done)

	server.Listen(serverTuple)

	clientMux := socket.NewMultiplexer(1, client, nil)
	fd, err := clientMux.Socket()
	if err != nil {
		t.Fatal(err)
	}
	if err := clientMux.Bind(fd, clientTuple.LocalAddr, clientTuple.LocalPort); err != nil {
		t.Fatal(err)
	}
	if err := clientMux.Connect(fd, clientTuple.RemoteAddr, clientTuple.RemotePort); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		tcb, ok := client.Lookup(clientTuple)
		if ok && tcb.State == tcpstack.Established {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("handshake never reached Established")
		}
		time.Sleep(time.Millisecond)
	}

	payload := make([]byte, tcpstack.DefaultMSS*2+5)
	for i := range payload {
		payload[i] = byte(i)
	}

	n, err := clientMux.Send(fd, payload)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("expected all %d bytes acknowledged, got %d", len(payload), n)
	}
}

// TestSendToRecvFromRoutesUDPDatagram exercises Dgram sockets end to end
// through the multiplexer: two bound descriptors sharing one UDP engine,
// SendTo on one delivered to RecvFrom on the other.
func TestSendToRecvFromRoutesUDPDatagram(t *testing.T) {
	var udpEngine *udp.Engine
	udpEngine = udp.NewEngine(func(srcAddr string, srcPort uint16, dstAddr string, dstPort uint16, payload []byte) {
		udpEngine.HandleDatagram(srcAddr, srcPort, dstAddr, dstPort, payload)
	})

	mp := socket.NewMultiplexer(2, tcpstack.NewEngine(noopEmit), udpEngine)

	serverFD, err := mp.SocketDgram()
	if err != nil {
		t.Fatal(err)
	}
	if err := mp.Bind(serverFD, "server", 53); err != nil {
		t.Fatal(err)
	}

	clientFD, err := mp.SocketDgram()
	if err != nil {
		t.Fatal(err)
	}
	if err := mp.Bind(clientFD, "client", 9000); err != nil {
		t.Fatal(err)
	}

	if err := mp.SendTo(clientFD, "server", 53, []byte("query")); err != nil {
		t.Fatal(err)
	}

	data, addr, port, err := mp.RecvFrom(serverFD)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "query" || addr != "client" || port != 9000 {
		t.Fatalf("unexpected datagram: %q from %s:%d", data, addr, port)
	}
}

// TestStreamSocketRejectsDgramOperations checks the Protocol guard: a
// Stream socket must never be usable with SendTo/RecvFrom.
func TestStreamSocketRejectsDgramOperations(t *testing.T) {
	mp := socket.NewMultiplexer(1, tcpstack.NewEngine(noopEmit), udp.NewEngine(func(string, uint16, string, uint16, []byte) {}))
	fd, _ := mp.Socket()
	if err := mp.Bind(fd, "server", 80); err != nil {
		t.Fatal(err)
	}
	if err := mp.SendTo(fd, "client", 9000, []byte("hi")); err != socket.ErrWrongProtocol {
		t.Fatalf("expected ErrWrongProtocol, got %v", err)
	}
	if _, _, _, err := mp.RecvFrom(fd); err != socket.ErrWrongProtocol {
		t.Fatalf("expected ErrWrongProtocol, got %v", err)
	}
}

// TestDgramSocketRequiresUDPEngine checks that Bind on a Dgram socket fails
// cleanly when the multiplexer was built without a UDP engine.
func TestDgramSocketRequiresUDPEngine(t *testing.T) {
	mp := socket.NewMultiplexer(1, tcpstack.NewEngine(noopEmit), nil)
	fd, _ := mp.SocketDgram()
	if err := mp.Bind(fd, "server", 53); err != socket.ErrWrongProtocol {
		t.Fatalf("expected ErrWrongProtocol, got %v", err)
	}
}
