package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jwoglom/wasmgw/pkg/emulator"

	"github.com/sirupsen/logrus"
	log "github.com/sirupsen/logrus"
)

func main() {
	var traceLevel = flag.Bool("v", false, "verbose off by default, TraceLevel")
	var infoLevel = flag.Bool("q", false, "quiet off by default, InfoLevel")
	var listen = flag.String("listen", "127.0.0.1:3456", "address the emulated device listens on")
	var period = flag.Duration("period", time.Second, "LED toggle period of toggle_n, toggle_forever")
	var payloadTimeout = flag.Duration("payload-timeout", emulator.DefaultPayloadTimeout, "how long LOAD waits for the module bytes")

	flag.Parse()

	if *traceLevel {
		log.SetLevel(log.TraceLevel)
	} else if *infoLevel {
		log.SetLevel(log.InfoLevel)
	} else {
		log.SetLevel(log.DebugLevel)
	}

	log.SetFormatter(&logrus.TextFormatter{
		DisableQuote: true,
		ForceColors:  true,
	})

	functions := emulator.BuiltinFunctions(*period)
	names := make([]string, 0, len(functions))
	for name := range functions {
		names = append(names, name)
	}
	sort.Strings(names)

	log.Info("Starting emulated WASM device agent")
	log.Infof("Exported functions: %v", names)

	agent := emulator.NewAgent(functions)
	agent.SetPayloadTimeout(*payloadTimeout)
	server := emulator.NewServer(*listen, agent)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx)
	})
	g.Go(func() error {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				s := agent.Snapshot()
				if s.Module != nil {
					log.Debugf("Module %s (%s, %d bytes), running=%v %s, toggles=%d",
						s.Module.ID, s.Module.Format, s.Module.Size, s.Running, s.Func, s.Toggles)
				}
			}
		}
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("Emulator failed: %v", err)
	}
}
