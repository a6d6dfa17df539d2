package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/GriffinCanCode/l4core/internal/infrastructure/config"
	"github.com/GriffinCanCode/l4core/internal/infrastructure/logging"
	"github.com/GriffinCanCode/l4core/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/l4core/internal/infrastructure/server"
	"github.com/GriffinCanCode/l4core/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/l4core/internal/kernel"
	"github.com/GriffinCanCode/l4core/internal/manifest"
	"github.com/GriffinCanCode/l4core/internal/namespace"
	"github.com/GriffinCanCode/l4core/internal/rpc"
	"github.com/GriffinCanCode/l4core/internal/snapshot"
)

// defaultManifest is booted when no manifest file is given.
var defaultManifest = &manifest.Manifest{Services: []manifest.Service{
	{Name: "calc", Kind: "calc"},
	{Name: "echo", Kind: "echo", Policy: manifest.Policy{CapBuffers: 1}},
}}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "l4core: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Flags override the environment.
	flag.StringVar(&cfg.Server.Port, "port", cfg.Server.Port, "admin server port")
	flag.StringVar(&cfg.Server.Host, "host", cfg.Server.Host, "admin server host")
	flag.StringVar(&cfg.Boot.Manifest, "manifest", cfg.Boot.Manifest, "boot manifest (.yaml, .yml or .toml)")
	flag.BoolVar(&cfg.Logging.Development, "dev", cfg.Logging.Development, "development logging")
	flag.StringVar(&cfg.Logging.Level, "log-level", cfg.Logging.Level, "log level")
	flag.IntVar(&cfg.Kernel.CapTableSize, "caps", cfg.Kernel.CapTableSize, "capability table size per task")
	dump := flag.String("snapshot-on-exit", "", "write a compressed kernel snapshot to this file on shutdown")
	flag.Parse()
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(logging.FromConfig(cfg.Logging))
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	m := defaultManifest
	if cfg.Boot.Manifest != "" {
		if m, err = manifest.Load(cfg.Boot.Manifest); err != nil {
			return err
		}
	}

	metrics := monitoring.NewMetrics()
	var tracer *tracing.Tracer
	if cfg.Trace.Enabled {
		tracer = tracing.New("l4core", logger.Component("trace"))
	}

	k := kernel.New(cfg.Kernel.ToKernel(),
		kernel.WithLogger(logger.Component("kernel")),
		kernel.WithMetrics(metrics))
	defer k.Shutdown()

	root, err := k.NewTask("root")
	if err != nil {
		return err
	}
	ns := namespace.New(root, logger.Component("namespace"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := manifest.Boot(ctx, k, ns, m,
		manifest.WithLogger(logger.Component("dispatch")),
		manifest.WithMetrics(metrics),
		manifest.WithTracer(tracer))
	if err != nil {
		return err
	}
	logger.Info("services booted", zap.Strings("names", rt.Names()))

	admin, err := k.NewTask("admin")
	if err != nil {
		return err
	}
	pool := rpc.NewPool(admin, ns, rpc.WithLogger(logger.Component("rpc")))

	srv := server.New(cfg, server.Deps{
		Kernel:  k,
		Runtime: rt,
		Pool:    pool,
		Metrics: metrics,
		Tracer:  tracer,
		Logger:  logger.Component("admin"),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		return rt.Stop()
	})
	err = g.Wait()
	logger.Info("shutting down")

	if *dump != "" {
		if derr := writeSnapshot(*dump, k.Snapshot()); derr != nil {
			err = errors.Join(err, derr)
		} else {
			logger.Info("snapshot written", zap.String("path", *dump))
		}
	}
	if tracer != nil {
		tracer.Close()
	}
	return err
}

func writeSnapshot(path string, s kernel.Snapshot) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := snapshot.Write(f, s); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
