// Command flowtail is a minimal reference implementation of a lowpan-stack
// eventsocket client: it connects to the unix-domain socket served by a
// running lowpand, and logs every flow open/close event it receives.
package main

import (
	"context"
	"flag"
	"log"

	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/rtx"

	"github.com/lowpan-go/lowpan-stack/eventsocket"
)

var (
	mainCtx, mainCancel = context.WithCancel(context.Background())
)

// handler implements eventsocket.Handler by logging every event it receives.
type handler struct{}

// Open is called synchronously, and blocks, for every flow-open event.
func (handler) Open(ctx context.Context, event eventsocket.FlowEvent) {
	log.Println("open", event.UUID, event.Timestamp, event.Tuple)
}

// Close is called synchronously, and blocks, for every flow-close event.
func (handler) Close(ctx context.Context, event eventsocket.FlowEvent) {
	log.Println("close", event.UUID, event.Timestamp, event.State)
}

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not get args from environment variables")
	defer mainCancel()

	if *eventsocket.Filename == "" {
		log.Fatal("-eventsocket path is required")
	}

	eventsocket.MustRun(mainCtx, *eventsocket.Filename, handler{})
}
