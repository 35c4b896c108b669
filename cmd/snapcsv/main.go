// Command snapcsv converts archived Snapshot files to CSV on stdout.
package main

import (
	"io"
	"log"
	"os"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/m-lab/go/rtx"

	"github.com/lowpan-go/lowpan-stack/snapshot"
	"github.com/lowpan-go/lowpan-stack/zstd"
)

func init() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

// openFile either opens a file, or opens and unzips a file that ends with .zst.
func openFile(fn string) (io.ReadCloser, error) {
	if strings.HasSuffix(fn, ".zst") {
		return zstd.NewReader(fn), nil
	}
	return os.Open(fn)
}

func main() {
	args := os.Args[1:]

	var source io.ReadCloser = os.Stdin
	var err error
	if len(args) == 1 {
		source, err = openFile(args[0])
		rtx.Must(err, "Could not open file %q", args[0])
	} else if len(args) > 1 {
		log.Fatal("Too many command-line arguments.")
	}
	defer source.Close()

	snaps, err := snapshot.LoadAll(source)
	rtx.Must(err, "Could not read snapshots")
	rtx.Must(gocsv.Marshal(snaps, os.Stdout), "Could not convert input to CSV")
}
