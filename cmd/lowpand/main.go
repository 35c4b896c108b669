// Command lowpand runs the 6LoWPAN adaptation and TCP engines as a single
// long-lived process: it terminates IPHC-compressed, possibly fragmented
// 802.15.4-style frames into IPv6 datagrams, drives the TCP state machine
// and socket multiplexer above them, and archives a diagnostic snapshot of
// every connection to disk.
//
// Raw radio PHY/MAC transmission is outside this binary's scope (treated as
// an external collaborator); linkWriter below is the seam a real radio
// driver would implement, and frameReceiver.ReceiveFrame is the seam it
// would call into on receipt. The logging implementation wired here lets
// the rest of the pipeline run and be exercised without one.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"

	"github.com/lowpan-go/lowpan-stack/collector"
	"github.com/lowpan-go/lowpan-stack/eventsocket"
	"github.com/lowpan-go/lowpan-stack/globalctr"
	"github.com/lowpan-go/lowpan-stack/hccb"
	"github.com/lowpan-go/lowpan-stack/ipv6"
	"github.com/lowpan-go/lowpan-stack/lowpan"
	"github.com/lowpan-go/lowpan-stack/metrics"
	"github.com/lowpan-go/lowpan-stack/netapi"
	"github.com/lowpan-go/lowpan-stack/pbuf"
	"github.com/lowpan-go/lowpan-stack/saver"
	"github.com/lowpan-go/lowpan-stack/snapshot"
	"github.com/lowpan-go/lowpan-stack/socket"
	"github.com/lowpan-go/lowpan-stack/tcpstack"
	"github.com/lowpan-go/lowpan-stack/tcpstack/hc"
	"github.com/lowpan-go/lowpan-stack/udp"
)

func init() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

const (
	defaultSocketTableSize = 16
	rtoSweepInterval       = 200 * time.Millisecond
	snapshotInterval       = 10 * time.Second
	flowPollInterval       = 1 * time.Second
)

var (
	reps        = flag.Int("reps", 0, "How many snapshot cycles to record, 0 means continuous")
	promPort    = flag.String("prom", ":9090", "Prometheus metrics export address and port")
	outputDir   = flag.String("output", "", "Directory in which to put the resulting tree of snapshot files")
	hostname    = flag.String("host", "gw0", "Gateway identifier embedded in archive filenames")
	pod         = flag.String("pod", "lab1", "Site/pod identifier embedded in archive filenames")
	marshallers = flag.Int("marshallers", 3, "Number of marshalling goroutines saving snapshots to disk")

	netapiFlags = netapi.RegisterFlags(flag.CommandLine)

	ctx, cancel = context.WithCancel(context.Background())
)

// linkWriter is the boundary to the link layer. A real build wires this to
// a radio driver; here it only logs, since PHY/MAC transmission is out of
// scope for this repository.
type linkWriter interface {
	WriteFrame(frame []byte) error
}

type loggingLinkWriter struct{}

func (loggingLinkWriter) WriteFrame(frame []byte) error {
	log.Printf("link: would transmit %d byte frame", len(frame))
	return nil
}

// transmit compresses an outgoing IPv6 datagram with IPHC, fragmenting it
// if it doesn't fit in a single frame, and hands the result to link.
func transmit(link linkWriter, frag *lowpan.Fragmenter, localAddr lowpan.LinkAddr, ctxBuf *hccb.Buffer, header *ipv6.Header, payload []byte) {
	compressed := lowpan.EncodeIPHC(header, localAddr, lowpan.LinkAddr{}, ctxBuf)
	logHeaderChain(compressed, header.NextHeader, payload)
	frame := append(compressed, payload...)

	if len(frame) <= netapi.MaxPacketSize {
		if err := link.WriteFrame(frame); err != nil {
			metrics.ErrorCount.WithLabelValues("link_write").Inc()
		}
		return
	}

	tag := uint16(globalctr.NextSequence())
	fragments, err := frag.Fragment(frame, tag)
	if err != nil {
		metrics.DispatchErrors.WithLabelValues("fragment").Inc()
		return
	}
	for _, f := range fragments {
		if err := link.WriteFrame(f); err != nil {
			metrics.ErrorCount.WithLabelValues("link_write").Inc()
		}
	}
}

// logHeaderChain builds a transient pbuf.List describing the headers
// layered onto one outgoing frame, for diagnostic logging, then tears it
// down; it doesn't outlive this call.
func logHeaderChain(compressedIPHC []byte, nextHeader uint8, upperPayload []byte) {
	list := &pbuf.List{}
	list.Add(&pbuf.Node{Proto: pbuf.Proto6LoWPAN, Header: compressedIPHC})

	upperProto := pbuf.ProtoUnknown
	switch nextHeader {
	case 6:
		upperProto = pbuf.ProtoTCP
	case 17:
		upperProto = pbuf.ProtoUDP
	}
	upperNode := &pbuf.Node{Proto: upperProto, Header: upperPayload}
	list.Add(upperNode)

	var names []string
	head := list.Head()
	for n := head; n != nil; {
		names = append(names, protoName(n.Proto))
		pbuf.Advance(list, &n)
		if n == head {
			break
		}
	}
	log.Printf("link: frame header chain %v", names)

	list.Remove(upperNode)
	list.Remove(head)
}

func protoName(p pbuf.Proto) string {
	switch p {
	case pbuf.Proto6LoWPAN:
		return "6lowpan"
	case pbuf.ProtoIPv6:
		return "ipv6"
	case pbuf.ProtoTCP:
		return "tcp"
	case pbuf.ProtoUDP:
		return "udp"
	default:
		return "unknown"
	}
}

// emitter builds the tcpstack.Emit callback: it frames an outgoing segment
// as an IPv6 datagram, optionally compressing the TCP header itself with a
// per-connection hc.Context, and hands the result to transmit.
func emitter(link linkWriter, localShortAddr uint16, ctxBuf *hccb.Buffer, headerCompression bool) tcpstack.Emit {
	frag := lowpan.NewFragmenter(netapi.MaxPacketSize)
	localAddr := lowpan.LinkAddr{Bytes: []byte{byte(localShortAddr >> 8), byte(localShortAddr)}}

	var mu sync.Mutex
	outHC := make(map[tcpstack.FourTuple]*hc.Context)

	return func(tuple tcpstack.FourTuple, seg *tcpstack.Segment) {
		srcIP := net.ParseIP(tuple.LocalAddr)
		dstIP := net.ParseIP(tuple.RemoteAddr)
		seg.SetChecksum(srcIP, dstIP)

		var payload []byte
		if headerCompression {
			mu.Lock()
			hctx, ok := outHC[tuple]
			if !ok {
				hctx = hc.NewContext()
				outHC[tuple] = hctx
			}
			mu.Unlock()
			payload = compressSegment(seg, hctx)
		} else {
			payload = seg.Encode()
		}

		header := &ipv6.Header{
			Version:    6,
			NextHeader: 6, // TCP
			HopLimit:   64,
			Src:        srcIP,
			Dest:       dstIP,
			PayloadLen: uint16(len(payload)),
		}
		transmit(link, frag, localAddr, ctxBuf, header, payload)
	}
}

// udpEmitter builds the udp.Emit callback, framing a datagram the same way
// emitter frames a TCP segment.
func udpEmitter(link linkWriter, localShortAddr uint16, ctxBuf *hccb.Buffer) udp.Emit {
	frag := lowpan.NewFragmenter(netapi.MaxPacketSize)
	localAddr := lowpan.LinkAddr{Bytes: []byte{byte(localShortAddr >> 8), byte(localShortAddr)}}

	return func(srcAddr string, srcPort uint16, dstAddr string, dstPort uint16, payload []byte) {
		srcIP := net.ParseIP(srcAddr)
		dstIP := net.ParseIP(dstAddr)
		datagram := udp.BuildDatagram(srcIP, dstIP, srcPort, dstPort, payload)

		header := &ipv6.Header{
			Version:    6,
			NextHeader: 17, // UDP
			HopLimit:   64,
			Src:        srcIP,
			Dest:       dstIP,
			PayloadLen: uint16(len(datagram)),
		}
		transmit(link, frag, localAddr, ctxBuf, header, datagram)
	}
}

// seedContexts loads the configured stateful IPHC compression contexts into
// the header-compression context buffer at startup.
func seedContexts(ctxBuf *hccb.Buffer, entries []netapi.ContextEntry) {
	for _, entry := range entries {
		ip, ipnet, err := net.ParseCIDR(entry.Prefix)
		if err != nil {
			log.Printf("netapi: skipping unparseable context prefix %q: %v", entry.Prefix, err)
			continue
		}
		ones, _ := ipnet.Mask.Size()
		if err := ctxBuf.Update(entry.CID, ip, uint8(ones), 60); err != nil {
			log.Printf("hccb: could not seed context %d: %v", entry.CID, err)
		}
	}
}

func main() {
	flag.Parse()

	cfg, err := netapi.Parse(flag.CommandLine, netapiFlags)
	rtx.Must(err, "Invalid configuration")

	if *outputDir != "" {
		rtx.Must(os.Chdir(*outputDir), "Could not change to the directory %s", *outputDir)
	}

	promSrv := prometheusx.MustStartPrometheus(*promPort)
	defer promSrv.Shutdown(ctx)

	ctxBuf := hccb.New()
	seedContexts(ctxBuf, cfg.Contexts)

	link := loggingLinkWriter{}

	engine := tcpstack.NewEngine(emitter(link, cfg.ShortAddr, ctxBuf, cfg.HeaderCompression))
	go engine.Run(ctx, rtoSweepInterval)

	udpEngine := udp.NewEngine(udpEmitter(link, cfg.ShortAddr, ctxBuf))

	mux := socket.NewMultiplexer(defaultSocketTableSize, engine, udpEngine)

	reassembler := lowpan.NewReassembler()
	receiver := newFrameReceiver(reassembler, ctxBuf, mux, udpEngine, cfg.HeaderCompression)
	_ = receiver // wired to an inbound link receiver by a real radio driver, which calls ReceiveFrame

	evSvr := eventsocket.NullServer()
	if *eventsocket.Filename != "" {
		evSvr = eventsocket.New(*eventsocket.Filename)
	}
	rtx.Must(evSvr.Listen(), "Could not start eventsocket listener")
	go func() {
		rtx.Must(evSvr.Serve(ctx), "eventsocket server exited")
	}()

	flows := newFlowTracker()
	go func() {
		ticker := time.NewTicker(flowPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				flows.poll(evSvr, engine.Snapshot(), time.Now())
			}
		}
	}()

	svrChan := make(chan []*snapshot.Snapshot, 2)
	svr := saver.NewSaver(*hostname, *pod, *marshallers)
	go svr.MessageSaverLoop(svrChan)

	collector.Run(ctx, engine, reassembler, snapshotInterval, *reps, svrChan)

	close(svrChan)
	svr.Done.Wait()
	svr.Stats().Print()
	cancel()
}
