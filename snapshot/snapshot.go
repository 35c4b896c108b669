// Package snapshot defines the per-connection diagnostic record archived by
// the saver pipeline, and the framed JSON codec used to read and write it.
package snapshot

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"time"
)

// ErrRecordTooLarge is returned when a framed record's declared length
// exceeds maxRecordSize, guarding against a corrupt length prefix turning
// into an enormous allocation.
var ErrRecordTooLarge = errors.New("snapshot: framed record exceeds maximum size")

const maxRecordSize = 1 << 20

// Snapshot captures one TCB's state at a point in time, plus the reassembly
// table occupancy observed alongside it.
type Snapshot struct {
	Timestamp time.Time `json:"timestamp" csv:"timestamp"`

	LocalAddr  string `json:"local_addr" csv:"local_addr"`
	LocalPort  uint16 `json:"local_port" csv:"local_port"`
	RemoteAddr string `json:"remote_addr" csv:"remote_addr"`
	RemotePort uint16 `json:"remote_port" csv:"remote_port"`

	State string `json:"state" csv:"state"`

	SRTTMicros int64 `json:"srtt_micros" csv:"srtt_micros"`
	RTOMicros  int64 `json:"rto_micros" csv:"rto_micros"`
	SynRetries int   `json:"syn_retries" csv:"syn_retries"`

	SndUNA uint32 `json:"snd_una" csv:"snd_una"`
	SndNXT uint32 `json:"snd_nxt" csv:"snd_nxt"`
	RcvNXT uint32 `json:"rcv_nxt" csv:"rcv_nxt"`

	RetransmitQueueLen int `json:"retransmit_queue_len" csv:"retransmit_queue_len"`

	ReassemblyEntries  int `json:"reassembly_entries" csv:"reassembly_entries"`
	ReassemblyCapacity int `json:"reassembly_capacity" csv:"reassembly_capacity"`
}

// Writer frames and writes Snapshots as length-prefixed JSON records, one per
// call to Write. The length prefix lets Reader resynchronize on a truncated
// trailing record instead of failing the whole stream.
type Writer struct {
	w io.Writer
}

// NewWriter wraps w as a Snapshot frame writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write encodes s as a single framed record.
func (fw *Writer) Write(s *Snapshot) error {
	wire, err := json.Marshal(s)
	if err != nil {
		return err
	}
	var length [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(length[:], uint64(len(wire)))
	if _, err := fw.w.Write(length[:n]); err != nil {
		return err
	}
	_, err = fw.w.Write(wire)
	return err
}

// Reader reads Snapshots written by Writer.
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps r as a Snapshot frame reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Next reads and decodes the next framed Snapshot, returning io.EOF once the
// stream is exhausted cleanly.
func (fr *Reader) Next() (*Snapshot, error) {
	length, err := binary.ReadUvarint(fr.r)
	if err != nil {
		return nil, err
	}
	if length > maxRecordSize {
		return nil, ErrRecordTooLarge
	}
	wire := make([]byte, length)
	if _, err := io.ReadFull(fr.r, wire); err != nil {
		return nil, err
	}
	var s Snapshot
	if err := json.Unmarshal(wire, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// LoadAll reads every Snapshot from r until EOF. A truncated trailing record
// ends the read; the complete records before it are returned without error.
func LoadAll(r io.Reader) ([]*Snapshot, error) {
	fr := NewReader(r)
	snapshots := make([]*Snapshot, 0, 64)
	for {
		s, err := fr.Next()
		if err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return nil, err
		}
		snapshots = append(snapshots, s)
	}
	return snapshots, nil
}
