package manifest

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/GriffinCanCode/l4core/internal/abi"
	"github.com/GriffinCanCode/l4core/internal/dispatch"
	"github.com/GriffinCanCode/l4core/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/l4core/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/l4core/internal/kernel"
	"github.com/GriffinCanCode/l4core/internal/namespace"
	"github.com/GriffinCanCode/l4core/internal/providers"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// NameServer is the name under which the name space serves itself.
const NameServer = "ns"

// Running is a booted service.
type Running struct {
	Service
	Provider providers.Provider
	Task     *kernel.Task
	Server   *dispatch.Server
}

// Runtime owns the dispatch loops started by Boot.
type Runtime struct {
	ns       *namespace.Space
	nsServer *dispatch.Server
	services []*Running
	byName   map[string]*Running
	log      *zap.Logger

	cancel context.CancelFunc
	group  *errgroup.Group
}

// BootOption configures Boot.
type BootOption func(*bootConfig)

type bootConfig struct {
	log     *zap.Logger
	metrics *monitoring.Metrics
	tracer  *tracing.Tracer
}

// WithLogger sets the logger of the runtime and its dispatch loops.
func WithLogger(log *zap.Logger) BootOption { return func(c *bootConfig) { c.log = log } }

// WithMetrics records every dispatched request.
func WithMetrics(m *monitoring.Metrics) BootOption { return func(c *bootConfig) { c.metrics = m } }

// WithTracer traces every dispatched request.
func WithTracer(t *tracing.Tracer) BootOption { return func(c *bootConfig) { c.tracer = t } }

// Boot serves the name space itself under NameServer and starts every
// service of m. The loops run until ctx ends or Stop is called.
func Boot(ctx context.Context, k *kernel.Kernel, ns *namespace.Space, m *Manifest, opts ...BootOption) (*Runtime, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	cfg := bootConfig{log: zap.NewNop()}
	for _, opt := range opts {
		opt(&cfg)
	}
	serverOpts := func(p dispatch.Policy, name string) []dispatch.Option {
		return []dispatch.Option{
			dispatch.WithPolicy(p),
			dispatch.WithLogger(cfg.log.Named(name)),
			dispatch.WithMetrics(cfg.metrics),
			dispatch.WithTracer(cfg.tracer),
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(ctx)
	rt := &Runtime{
		ns:     ns,
		byName: make(map[string]*Running, len(m.Services)),
		log:    cfg.log.Named("boot"),
		cancel: cancel,
		group:  group,
	}

	nsThread, _, err := ns.Task().NewThread(NameServer)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("boot: name server thread: %w", err)
	}
	bufs, err := dispatch.NewCapBuffers(ns.Task(), 1)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("boot: name server buffers: %w", err)
	}
	rt.nsServer = dispatch.NewServer(nsThread, serverOpts(bufs, NameServer)...)
	gate, err := rt.nsServer.Registry().Serve(namespace.Handler(ns))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("boot: name server gate: %w", err)
	}
	if err := ns.Register(NameServer, gate); err != nil {
		cancel()
		return nil, fmt.Errorf("boot: %w", err)
	}
	rt.run(gctx, NameServer, rt.nsServer)

	for _, svc := range m.Services {
		r, err := rt.start(k, svc, serverOpts)
		if err != nil {
			_ = rt.Stop()
			return nil, fmt.Errorf("boot: service %s: %w", svc.Name, err)
		}
		rt.services = append(rt.services, r)
		rt.byName[svc.Name] = r
		rt.run(gctx, svc.Name, r.Server)
		rt.log.Info("service started",
			zap.String("name", svc.Name),
			zap.String("kind", svc.Kind),
			zap.Int("cap_buffers", svc.Policy.CapBuffers))
	}
	return rt, nil
}

func (rt *Runtime) start(k *kernel.Kernel, svc Service, serverOpts func(dispatch.Policy, string) []dispatch.Option) (*Running, error) {
	p, err := providers.New(svc.Kind)
	if err != nil {
		return nil, err
	}
	rights, err := ParseRights(svc.Policy.Rights)
	if err != nil {
		return nil, err
	}
	task, err := k.NewTask(svc.Name)
	if err != nil {
		return nil, err
	}
	th, _, err := task.NewThread(svc.Name)
	if err != nil {
		return nil, err
	}
	var policy dispatch.Policy = dispatch.Bufferless{}
	if svc.Policy.CapBuffers > 0 {
		if policy, err = dispatch.NewCapBuffers(task, svc.Policy.CapBuffers); err != nil {
			return nil, err
		}
	}
	srv := dispatch.NewServer(th, serverOpts(policy, svc.Name)...)
	gate, err := srv.Registry().Serve(p.Handler())
	if err != nil {
		return nil, err
	}
	g, _, ok := task.Caps().ResolveCap(gate)
	if !ok {
		return nil, fmt.Errorf("gate %v vanished", gate)
	}
	if _, err := rt.ns.RegisterObject(svc.Name, g, rights); err != nil {
		return nil, err
	}
	return &Running{Service: svc, Provider: p, Task: task, Server: srv}, nil
}

func (rt *Runtime) run(ctx context.Context, name string, srv *dispatch.Server) {
	rt.group.Go(func() error {
		err := srv.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("%s: %w", name, err)
	})
}

// Namespace returns the name space the services are registered in.
func (rt *Runtime) Namespace() *namespace.Space { return rt.ns }

// Services returns the booted services in manifest order.
func (rt *Runtime) Services() []*Running { return rt.services }

// Lookup returns the service registered as name.
func (rt *Runtime) Lookup(name string) (*Running, bool) {
	r, ok := rt.byName[name]
	return r, ok
}

// Stats returns the dispatch counters of every loop by name.
func (rt *Runtime) Stats() map[string]dispatch.Stats {
	out := make(map[string]dispatch.Stats, len(rt.services)+1)
	out[NameServer] = rt.nsServer.Stats()
	for _, r := range rt.services {
		out[r.Name] = r.Server.Stats()
	}
	return out
}

// Names returns the service names, sorted.
func (rt *Runtime) Names() []string {
	out := make([]string, 0, len(rt.services))
	for _, r := range rt.services {
		out = append(out, r.Name)
	}
	sort.Strings(out)
	return out
}

// Wait blocks until every loop has stopped.
func (rt *Runtime) Wait() error { return rt.group.Wait() }

// Stop ends every loop and waits for them.
func (rt *Runtime) Stop() error {
	rt.cancel()
	return rt.group.Wait()
}

// GateRights returns the rights the service's gate was registered with.
func (r *Running) GateRights() abi.Rights {
	rights, _ := ParseRights(r.Policy.Rights)
	return rights
}
