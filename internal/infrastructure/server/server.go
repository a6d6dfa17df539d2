package server

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	api "github.com/GriffinCanCode/l4core/internal/api/http"
	"github.com/GriffinCanCode/l4core/internal/api/middleware"
	"github.com/GriffinCanCode/l4core/internal/infrastructure/config"
	"github.com/GriffinCanCode/l4core/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/l4core/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/l4core/internal/kernel"
	"github.com/GriffinCanCode/l4core/internal/manifest"
	"github.com/GriffinCanCode/l4core/internal/rpc"
)

// Deps are the running pieces the admin server exposes.
type Deps struct {
	Kernel  *kernel.Kernel
	Runtime *manifest.Runtime
	Pool    *rpc.Pool
	Metrics *monitoring.Metrics
	// Tracer is optional; without it there is no /trace/stream.
	Tracer *tracing.Tracer
	Logger *zap.Logger
}

// Server is the admin HTTP server.
type Server struct {
	cfg    *config.Config
	router *gin.Engine
	http   *http.Server
	log    *zap.Logger
}

// New builds the router and its middleware chain.
func New(cfg *config.Config, d Deps) *Server {
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(gin.Recovery())
	if d.Tracer != nil {
		router.Use(tracing.HTTPMiddleware(d.Tracer))
	}
	if d.Metrics != nil {
		router.Use(monitoring.Middleware(d.Metrics))
	}
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	if cfg.RateLimit.Enabled {
		log.Info("rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		rl := middleware.DefaultRateLimitConfig()
		rl.RequestsPerSecond = cfg.RateLimit.RequestsPerSecond
		rl.Burst = cfg.RateLimit.Burst
		router.Use(middleware.RateLimit(rl))
	}

	opts := []api.Option{api.WithLogger(log.Named("api")), api.WithMetrics(d.Metrics)}
	if d.Tracer != nil {
		opts = append(opts, api.WithTracer(d.Tracer, cfg.Trace.Buffer))
	}
	api.NewHandlers(d.Kernel, d.Runtime, d.Pool, opts...).Register(router)

	if d.Metrics != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Metrics.Registry(), promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		})))
	}

	return &Server{
		cfg:    cfg,
		router: router,
		http:   &http.Server{Addr: cfg.Server.Addr(), Handler: router},
		log:    log,
	}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// Run listens on the configured address and serves until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx ends, then shuts down gracefully within
// the configured shutdown timeout.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("admin server listening", zap.String("addr", ln.Addr().String()))
		if err := s.http.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
		defer cancel()
		s.log.Info("shutting down admin server")
		return s.http.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
