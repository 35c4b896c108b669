// Package saver contains all logic for writing snapshot records to files.
//  1. Sets up a channel that accepts slices of *snapshot.Snapshot.
//  2. Maintains a map of Connections, one for each four-tuple.
//  3. Uses several marshaller goroutines to frame snapshots as JSON and
//     write them to zstd files.
//  4. Rotates each connection's output file every FileAgeLimit.
//  5. Uses a two-generation cache to detect which connections dropped out of
//     a round, so their files get closed promptly.
package saver

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/lowpan-go/lowpan-stack/cache"
	"github.com/lowpan-go/lowpan-stack/metrics"
	"github.com/lowpan-go/lowpan-stack/snapshot"
	"github.com/lowpan-go/lowpan-stack/tcpstack"
	"github.com/lowpan-go/lowpan-stack/zstd"
)

// We send a batch of Snapshots through a channel from the polling loop to
// the top level saver.  The saver detects new connections, maintains the
// connection cache, and determines how frequently to rotate each
// connection's output file.
//
// The saver uses a small set of Marshallers to frame snapshots and write
// them to files.

// Errors generated by saver functions.
var (
	ErrNoMarshallers = errors.New("saver has zero marshallers")
)

// Task represents a single marshalling task, specifying the snapshot and the
// writer it belongs to.
type Task struct {
	// nil Snapshot means close the writer.
	Snapshot *snapshot.Snapshot
	Writer   io.WriteCloser
}

// MarshalChan is a channel of marshalling tasks.
type MarshalChan chan<- Task

func runMarshaller(taskChan <-chan Task, wg *sync.WaitGroup) {
	for {
		task, ok := <-taskChan
		if !ok {
			break
		}
		if task.Snapshot == nil {
			task.Writer.Close()
			continue
		}
		if task.Writer == nil {
			log.Fatal("Nil writer")
		}
		fw := snapshot.NewWriter(task.Writer)
		if err := fw.Write(task.Snapshot); err != nil {
			log.Println(err)
		}
	}
	log.Println("Marshaller Done")
	wg.Done()
}

// NewMarshaller starts a marshalling goroutine and returns the channel that
// feeds it. wg.Done is called when the channel is closed and drained.
func NewMarshaller(wg *sync.WaitGroup) MarshalChan {
	marshChan := make(chan Task, 100)
	wg.Add(1)
	go runMarshaller(marshChan, wg)
	return marshChan
}

// Connection tracks the output file for a single four-tuple.
type Connection struct {
	Tuple      tcpstack.FourTuple
	StartTime  time.Time // Time the connection was first observed.
	Sequence   int       // Typically zero, but increments for long running connections.
	Expiration time.Time // Time we will swap files and increment Sequence.
	Writer     io.WriteCloser
}

// NewConnection creates a Connection for tuple, first observed at timestamp.
func NewConnection(tuple tcpstack.FourTuple, timestamp time.Time) *Connection {
	return &Connection{Tuple: tuple, StartTime: timestamp, Sequence: 0, Expiration: time.Now()}
}

// Rotate opens the next writer for a connection.
func (conn *Connection) Rotate(host, pod string, fileAgeLimit time.Duration) error {
	date := conn.StartTime.Format("20060102Z150405.000")
	id := fmt.Sprintf("L%s:%dR%s:%d", conn.Tuple.LocalAddr, conn.Tuple.LocalPort, conn.Tuple.RemoteAddr, conn.Tuple.RemotePort)
	var err error
	conn.Writer, err = zstd.NewWriter(fmt.Sprintf("%s%s%s%s_%05d.zst", date, host, pod, id, conn.Sequence))
	if err != nil {
		return err
	}
	metrics.NewFileCount.Inc()
	conn.Expiration = conn.Expiration.Add(fileAgeLimit)
	conn.Sequence++
	return nil
}

// Stats tallies how the saver's cache spent the most recent cycle.
type Stats struct {
	TotalCount   int
	NewCount     int
	DiffCount    int
	ExpiredCount int
}

// Print logs basic stats about saver use.
func (stats *Stats) Print() {
	log.Printf("Cache info total %d same %d diff %d new %d closed %d\n",
		stats.TotalCount, stats.TotalCount-(stats.NewCount+stats.DiffCount),
		stats.DiffCount, stats.NewCount, stats.ExpiredCount)
}

// Saver provides functionality for saving Snapshot diffs to per-connection
// files.  It handles arbitrary connections, and only writes to file when the
// significant fields change.
type Saver struct {
	Host         string // mlabN-equivalent node identifier
	Pod          string
	FileAgeLimit time.Duration
	MarshalChans []MarshalChan
	Done         *sync.WaitGroup // All marshallers call Done on this.
	Connections  map[tcpstack.FourTuple]*Connection

	cache *cache.Cache
	stats Stats
}

// NewSaver creates a new Saver for the given host and pod.  numMarshaller
// controls how many marshalling goroutines are used to distribute the
// marshalling workload.
func NewSaver(host string, pod string, numMarshaller int) *Saver {
	m := make([]MarshalChan, 0, numMarshaller)
	c := cache.NewCache()
	conn := make(map[tcpstack.FourTuple]*Connection, 500)
	wg := &sync.WaitGroup{}
	ageLim := 10 * time.Minute

	for i := 0; i < numMarshaller; i++ {
		m = append(m, NewMarshaller(wg))
	}
	return &Saver{Host: host, Pod: pod, FileAgeLimit: ageLim, MarshalChans: m, Done: wg, Connections: conn, cache: c}
}

func (svr *Saver) channelFor(tuple tcpstack.FourTuple) (MarshalChan, error) {
	if len(svr.MarshalChans) < 1 {
		return nil, ErrNoMarshallers
	}
	h := uint32(tuple.LocalPort) ^ uint32(tuple.RemotePort)
	return svr.MarshalChans[int(h%uint32(len(svr.MarshalChans)))], nil
}

// queue queues a single Snapshot to the marshalling channel for its
// connection's tuple, rotating the output file first if needed.
func (svr *Saver) queue(tuple tcpstack.FourTuple, snap *snapshot.Snapshot) error {
	q, err := svr.channelFor(tuple)
	if err != nil {
		return err
	}
	conn, ok := svr.Connections[tuple]
	if !ok {
		conn = NewConnection(tuple, snap.Timestamp)
		svr.Connections[tuple] = conn
	}
	if time.Now().After(conn.Expiration) && conn.Writer != nil {
		q <- Task{nil, conn.Writer} // Close the previous file.
		conn.Writer = nil
	}
	if conn.Writer == nil {
		if err := conn.Rotate(svr.Host, svr.Pod, svr.FileAgeLimit); err != nil {
			return err
		}
	}
	q <- Task{snap, conn.Writer}
	return nil
}

func (svr *Saver) endConn(tuple tcpstack.FourTuple) {
	q, err := svr.channelFor(tuple)
	if err != nil {
		return
	}
	conn, ok := svr.Connections[tuple]
	if ok && conn.Writer != nil {
		q <- Task{nil, conn.Writer}
		delete(svr.Connections, tuple)
	}
}

// MessageSaverLoop runs a loop receiving batches of Snapshots until
// groupChan is closed.
func (svr *Saver) MessageSaverLoop(groupChan chan []*snapshot.Snapshot) {
	log.Println("Starting Saver")
	for {
		snaps, ok := <-groupChan
		if !ok {
			break
		}

		for i := range snaps {
			if snaps[i] == nil {
				log.Println("Error")
				continue
			}
			svr.swapAndQueue(snaps[i])
		}
		residual := svr.cache.EndCycle()

		for tuple := range residual {
			svr.endConn(tuple)
			svr.stats.ExpiredCount++
		}
	}
	svr.Close()
	svr.Stats()
}

func tupleOf(s *snapshot.Snapshot) tcpstack.FourTuple {
	return tcpstack.FourTuple{
		LocalAddr: s.LocalAddr, LocalPort: s.LocalPort,
		RemoteAddr: s.RemoteAddr, RemotePort: s.RemotePort,
	}
}

func (svr *Saver) swapAndQueue(snap *snapshot.Snapshot) {
	svr.stats.TotalCount++
	tuple := tupleOf(snap)
	old := svr.cache.Update(tuple, snap)
	if old == nil {
		svr.stats.NewCount++
		if err := svr.queue(tuple, snap); err != nil {
			log.Println(err)
			log.Println("Connections", len(svr.Connections))
		}
		return
	}
	if significantChange(old, snap) {
		svr.stats.DiffCount++
		if err := svr.queue(tuple, snap); err != nil {
			log.Println(err)
		}
	}
}

// significantChange reports whether snap differs from old in a way worth
// archiving a new record for, rather than the usual churn of SRTT/RTO
// estimates moving by a microsecond each poll.
func significantChange(old, snap *snapshot.Snapshot) bool {
	return old.State != snap.State ||
		old.SndUNA != snap.SndUNA ||
		old.SndNXT != snap.SndNXT ||
		old.RcvNXT != snap.RcvNXT ||
		old.SynRetries != snap.SynRetries ||
		old.RetransmitQueueLen != snap.RetransmitQueueLen
}

// Close shuts down all the marshallers, and waits for all files to be closed.
func (svr *Saver) Close() {
	log.Println("Terminating Saver")
	log.Println("Total of", len(svr.Connections), "connections active.")
	for tuple := range svr.Connections {
		svr.endConn(tuple)
	}
	log.Println("Closing Marshallers")
	for i := range svr.MarshalChans {
		close(svr.MarshalChans[i])
	}
	svr.Done.Wait()
}

// Stats returns the saver Stats.
func (svr *Saver) Stats() Stats {
	return svr.stats
}
