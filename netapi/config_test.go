package netapi_test

import (
	"flag"
	"testing"

	"github.com/lowpan-go/lowpan-stack/netapi"
)

func TestParseResolvesFlagsIntoConfig(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	f := netapi.RegisterFlags(fs)
	err := fs.Parse([]string{
		"-channel=20",
		"-short-addr=4660",
		"-pan-id=1",
		"-source-addr-mode=long",
		"-registry=udp",
		"-registry=tcp",
		"-context=1:2001:db8::/64",
		"-context=2:fe80::/64",
	})
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := netapi.Parse(fs, f)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Channel != 20 || cfg.ShortAddr != 4660 || cfg.PANID != 1 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.SourceAddressMode != netapi.SourceAddressLong {
		t.Fatalf("expected long source address mode, got %v", cfg.SourceAddressMode)
	}
	if len(cfg.Registries) != 2 || cfg.Registries[0] != "udp" || cfg.Registries[1] != "tcp" {
		t.Fatalf("unexpected registries: %v", cfg.Registries)
	}
	if len(cfg.Contexts) != 2 || cfg.Contexts[0].CID != 1 || cfg.Contexts[0].Prefix != "2001:db8::/64" {
		t.Fatalf("unexpected contexts: %+v", cfg.Contexts)
	}
}

func TestParseRejectsUnknownSourceAddressMode(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	f := netapi.RegisterFlags(fs)
	if err := fs.Parse([]string{"-source-addr-mode=medium"}); err != nil {
		t.Fatal(err)
	}
	if _, err := netapi.Parse(fs, f); err != netapi.ErrUnknownSourceAddressMode {
		t.Fatalf("expected ErrUnknownSourceAddressMode, got %v", err)
	}
}

func TestParseRejectsMalformedContextEntry(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	f := netapi.RegisterFlags(fs)
	if err := fs.Parse([]string{"-context=not-a-context"}); err != nil {
		t.Fatal(err)
	}
	if _, err := netapi.Parse(fs, f); err == nil {
		t.Fatal("expected an error for a malformed context entry")
	}
}

func TestParseDefaultsToShortAddressMode(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	f := netapi.RegisterFlags(fs)
	if err := fs.Parse(nil); err != nil {
		t.Fatal(err)
	}
	cfg, err := netapi.Parse(fs, f)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.SourceAddressMode != netapi.SourceAddressShort {
		t.Fatalf("expected default short mode, got %v", cfg.SourceAddressMode)
	}
	if cfg.HeaderCompression != true {
		t.Fatal("expected header compression to default on")
	}
}
