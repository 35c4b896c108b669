// Package netapi holds the stack-wide configuration surface: the 802.15.4
// channel and addressing, the compression contexts loaded into the HCCB at
// startup, and the registry list that dispatches reassembled datagrams.
// Config is built from command-line flags, overridable by environment
// variables the way the rest of the stack's binaries are, per main.go's
// flag-plus-flagx.ArgsFromEnv idiom.
package netapi

import (
	"errors"
	"flag"
	"fmt"
	"strconv"
	"strings"

	"github.com/m-lab/go/flagx"
)

// MaxPacketSize is the largest packet the adaptation layer will ever hand to
// a registry handler. It is fixed by the wire format's 11-bit datagram-size
// field and is not configurable.
const MaxPacketSize = 2047

// SourceAddressMode selects whether outgoing frames identify this node by
// its short (16-bit) or long (64-bit extended) link-layer address.
type SourceAddressMode int

const (
	// SourceAddressShort uses the node's 16-bit short address.
	SourceAddressShort SourceAddressMode = iota
	// SourceAddressLong uses the node's 64-bit extended address.
	SourceAddressLong
)

func (m SourceAddressMode) String() string {
	if m == SourceAddressLong {
		return "long"
	}
	return "short"
}

// ErrUnknownSourceAddressMode is returned when a flag or config value names
// a source address mode other than "short" or "long".
var ErrUnknownSourceAddressMode = errors.New("netapi: source address mode must be \"short\" or \"long\"")

func parseSourceAddressMode(s string) (SourceAddressMode, error) {
	switch s {
	case "short", "":
		return SourceAddressShort, nil
	case "long":
		return SourceAddressLong, nil
	default:
		return SourceAddressShort, ErrUnknownSourceAddressMode
	}
}

// ContextEntry seeds one stateful compression context into the HCCB at
// startup, identified by a context id and the IPv6 prefix it stands for.
type ContextEntry struct {
	CID    uint8
	Prefix string
}

// parseContextEntry parses a "cid:prefix" string, e.g. "1:2001:db8::/64".
func parseContextEntry(s string) (ContextEntry, error) {
	idx := strings.IndexByte(s, ':')
	if idx < 0 {
		return ContextEntry{}, fmt.Errorf("netapi: malformed context entry %q, want \"cid:prefix\"", s)
	}
	cid, err := strconv.ParseUint(s[:idx], 10, 8)
	if err != nil {
		return ContextEntry{}, fmt.Errorf("netapi: bad context id in %q: %w", s, err)
	}
	return ContextEntry{CID: uint8(cid), Prefix: s[idx+1:]}, nil
}

// csvFlag is a flag.Value backing a repeatable, comma-or-flag-separated list
// of strings, for the -registry and -context flags that flagx doesn't model
// directly.
type csvFlag struct {
	values *[]string
}

func (f csvFlag) String() string {
	if f.values == nil {
		return ""
	}
	return strings.Join(*f.values, ",")
}

func (f csvFlag) Set(s string) error {
	*f.values = append(*f.values, strings.Split(s, ",")...)
	return nil
}

// Config is the complete, resolved stack configuration.
type Config struct {
	Channel           uint8
	ShortAddr         uint16
	LongAddr          string
	PANID             uint16
	SourceAddressMode SourceAddressMode
	Registries        []string
	Contexts          []ContextEntry
	HeaderCompression bool
}

// Flags holds the flag.FlagSet-backed variables that Parse resolves into a
// Config.
type Flags struct {
	channel           *int
	shortAddr         *int
	longAddr          *string
	panID             *int
	sourceAddressMode *string
	headerCompression *bool
	registries        []string
	contexts          []string
}

// RegisterFlags defines the stack's configuration flags on fs, mirroring the
// reps/prom/output flags the daemon's ancestor declared on flag.CommandLine.
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{
		channel:           fs.Int("channel", 11, "802.15.4 channel number"),
		shortAddr:         fs.Int("short-addr", 0, "16-bit short link-layer address"),
		longAddr:          fs.String("long-addr", "", "64-bit extended (EUI-64) link-layer address, colon-hex"),
		panID:             fs.Int("pan-id", 0, "16-bit PAN identifier"),
		sourceAddressMode: fs.String("source-addr-mode", "short", "source address mode used on outgoing frames: short or long"),
		headerCompression: fs.Bool("header-compression", true, "enable per-connection TCP header compression"),
	}
	fs.Var(csvFlag{&f.registries}, "registry", "upper-layer protocol registry to deliver reassembled datagrams to (repeatable)")
	fs.Var(csvFlag{&f.contexts}, "context", "stateful compression context as cid:prefix, e.g. 1:2001:db8::/64 (repeatable)")
	return f
}

// Parse resolves fs's flags and any ENVIRONMENT_VARIABLE overrides into a
// Config. Call after flag.Parse (or fs.Parse) has run.
func Parse(fs *flag.FlagSet, f *Flags) (Config, error) {
	flagx.ArgsFromEnv(fs)

	mode, err := parseSourceAddressMode(*f.sourceAddressMode)
	if err != nil {
		return Config{}, err
	}

	contexts := make([]ContextEntry, 0, len(f.contexts))
	for _, raw := range f.contexts {
		entry, err := parseContextEntry(raw)
		if err != nil {
			return Config{}, err
		}
		contexts = append(contexts, entry)
	}

	return Config{
		Channel:           uint8(*f.channel),
		ShortAddr:         uint16(*f.shortAddr),
		LongAddr:          *f.longAddr,
		PANID:             uint16(*f.panID),
		SourceAddressMode: mode,
		Registries:        append([]string(nil), f.registries...),
		Contexts:          contexts,
		HeaderCompression: *f.headerCompression,
	}, nil
}
