package http

import (
	"net/http"
	"time"

	"github.com/GriffinCanCode/l4core/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/l4core/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/l4core/internal/kernel"
	"github.com/GriffinCanCode/l4core/internal/manifest"
	"github.com/GriffinCanCode/l4core/internal/rpc"
	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// DefaultInvokeTimeout bounds /invoke calls that do not carry a timeout.
const DefaultInvokeTimeout = 5 * time.Second

// Handlers holds the admin API dependencies.
type Handlers struct {
	kernel  *kernel.Kernel
	runtime *manifest.Runtime
	pool    *rpc.Pool
	metrics *monitoring.Metrics
	tracer  *tracing.Tracer
	log     *zap.Logger

	invokeTimeout time.Duration
	streamBuffer  int
	started       time.Time
}

// Option configures Handlers.
type Option func(*Handlers)

// WithMetrics adds the metrics snapshot to /kernel/stats.
func WithMetrics(m *monitoring.Metrics) Option { return func(h *Handlers) { h.metrics = m } }

// WithTracer enables /trace/stream.
func WithTracer(t *tracing.Tracer, buffer int) Option {
	return func(h *Handlers) {
		h.tracer = t
		h.streamBuffer = buffer
	}
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option { return func(h *Handlers) { h.log = log } }

// WithInvokeTimeout changes DefaultInvokeTimeout.
func WithInvokeTimeout(d time.Duration) Option { return func(h *Handlers) { h.invokeTimeout = d } }

// NewHandlers creates the admin handlers. Invocations go through pool.
func NewHandlers(k *kernel.Kernel, rt *manifest.Runtime, pool *rpc.Pool, opts ...Option) *Handlers {
	h := &Handlers{
		kernel:        k,
		runtime:       rt,
		pool:          pool,
		log:           zap.NewNop(),
		invokeTimeout: DefaultInvokeTimeout,
		streamBuffer:  256,
		started:       time.Now(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts every route on r.
func (h *Handlers) Register(r gin.IRouter) {
	r.GET("/health", h.Health)
	r.GET("/kernel/stats", h.KernelStats)
	r.GET("/kernel/threads", h.Threads)
	r.GET("/kernel/snapshot", h.Snapshot)
	r.GET("/names", h.Names)
	r.GET("/services", h.Services)
	r.POST("/invoke", h.Invoke)
	if h.tracer != nil {
		r.GET("/trace/stream", h.TraceStream)
	}
}

// Health reports liveness.
func (h *Handlers) Health(c *gin.Context) {
	render(c, http.StatusOK, gin.H{
		"status":       "healthy",
		"uptime":       time.Since(h.started).Round(time.Millisecond).String(),
		"live_objects": h.kernel.LiveObjects(),
		"services":     len(h.runtime.Services()),
	})
}

// render writes v as JSON with sonic.
func render(c *gin.Context, status int, v any) {
	data, err := sonic.Marshal(v)
	if err != nil {
		c.String(http.StatusInternalServerError, "encode: %v", err)
		return
	}
	c.Data(status, "application/json; charset=utf-8", data)
}

func renderError(c *gin.Context, status int, err error) {
	_ = c.Error(err)
	render(c, status, gin.H{"error": err.Error()})
}
