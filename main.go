package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/jwoglom/wasmgw/pkg/api"
	"github.com/jwoglom/wasmgw/pkg/build"
	"github.com/jwoglom/wasmgw/pkg/config"
	"github.com/jwoglom/wasmgw/pkg/gateway"
	"github.com/jwoglom/wasmgw/pkg/metrics"
	"github.com/jwoglom/wasmgw/pkg/protocol"

	"github.com/sirupsen/logrus"
	log "github.com/sirupsen/logrus"
)

func main() {
	// if both verbose and quiet are chosen, e.g., -v -q, the verbose dominates
	var traceLevel = flag.Bool("v", false, "verbose off by default, TraceLevel")
	var infoLevel = flag.Bool("q", false, "quiet off by default, InfoLevel")
	var configPath = flag.String("config", "", "YAML config file")
	var host = flag.String("host", "", "listen host, overrides the config file")
	var port = flag.Int("port", 0, "listen port, overrides the config file")
	var httpListen = flag.String("http", "", "HTTP/WebSocket API address, overrides the config file")
	var exclusive = flag.Bool("exclusive", false, "serialize operations per device")

	flag.Parse()

	log.SetFormatter(&logrus.TextFormatter{
		DisableQuote: true,
		ForceColors:  true,
	})

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("Could not load config: %v", err)
		}
	}
	if *host != "" {
		cfg.Listen.Host = *host
	}
	if *port != 0 {
		cfg.Listen.Port = *port
	}
	if *httpListen != "" {
		cfg.HTTPListen = *httpListen
	}
	if *exclusive {
		cfg.ExclusiveDeviceAccess = true
	}

	switch {
	case *traceLevel:
		log.SetLevel(log.TraceLevel)
	case *infoLevel:
		log.SetLevel(log.InfoLevel)
	default:
		level, err := log.ParseLevel(cfg.LogLevel)
		if err != nil {
			log.Fatalf("Invalid log level %q: %v", cfg.LogLevel, err)
		}
		log.SetLevel(level)
	}

	devices, err := cfg.Validate()
	if err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	log.Info("Starting WASM deployment gateway")
	for _, name := range devices.Names() {
		ep, _ := devices.Lookup(name)
		log.Infof("  %-10s %s (%s)", name, ep, ep.Kind)
	}

	var locks *protocol.DeviceLocks
	if cfg.ExclusiveDeviceAccess {
		log.Info("Exclusive device access enabled")
		locks = protocol.NewDeviceLocks()
	}
	engine := protocol.NewEngine(cfg.Dialer(), protocol.Timeouts{
		Ack:    cfg.Timeouts.Ack,
		Status: cfg.Timeouts.Status,
	}, locks)

	toolchain := build.NewToolchain(cfg.Build.ClangCmd, cfg.Build.WamrcCmd)
	toolchain.WasmTarget = cfg.Build.WasmTarget
	toolchain.AOTTarget = cfg.Build.AOTTarget
	toolchain.AOTCPU = cfg.Build.AOTCPU
	toolchain.AOTABI = cfg.Build.AOTABI
	pipeline := build.NewPipeline(toolchain, cfg.Build.WorkDir, cfg.Build.KeepArtifacts, cfg.Build.Timeout)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	pipeline.SetMetrics(m)

	router := gateway.NewRouter(devices, engine, pipeline, cfg.Timeouts.Result)
	router.SetMetrics(m)

	server := gateway.NewServer(cfg.Listen.Address(), router, cfg.Timeouts.RequestRead)
	server.SetMetrics(m)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx)
	})
	if cfg.HTTPListen != "" {
		web := api.New(cfg.HTTPListen, router, reg)
		g.Go(func() error {
			return web.Start(gctx)
		})
	}

	if err := g.Wait(); err != nil {
		log.Fatalf("Gateway failed: %v", err)
	}
	log.Info("Gateway shut down")
}
