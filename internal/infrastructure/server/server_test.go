package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/GriffinCanCode/l4core/internal/infrastructure/config"
	"github.com/GriffinCanCode/l4core/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/l4core/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/l4core/internal/kernel"
	"github.com/GriffinCanCode/l4core/internal/manifest"
	"github.com/GriffinCanCode/l4core/internal/namespace"
	"github.com/GriffinCanCode/l4core/internal/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.Logging.Development = true
	cfg.Server.ShutdownTimeout = time.Second
	if mutate != nil {
		mutate(cfg)
	}

	metrics := monitoring.NewMetrics()
	k := kernel.New(kernel.DefaultConfig(), kernel.WithLogger(zap.NewNop()), kernel.WithMetrics(metrics))
	t.Cleanup(k.Shutdown)
	root, err := k.NewTask("root")
	require.NoError(t, err)
	rt, err := manifest.Boot(context.Background(), k, namespace.New(root, nil),
		&manifest.Manifest{Services: []manifest.Service{{Name: "calc", Kind: "calc"}}},
		manifest.WithMetrics(metrics))
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, rt.Stop()) })
	admin, err := k.NewTask("admin")
	require.NoError(t, err)
	tracer := tracing.New("l4core", zap.NewNop())
	t.Cleanup(tracer.Close)

	return New(cfg, Deps{
		Kernel:  k,
		Runtime: rt,
		Pool:    rpc.NewPool(admin, rt.Namespace()),
		Metrics: metrics,
		Tracer:  tracer,
		Logger:  zap.NewNop(),
	})
}

func TestRoutes(t *testing.T) {
	s := newServer(t, nil)

	tests := []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/health", http.StatusOK},
		{http.MethodGet, "/kernel/stats", http.StatusOK},
		{http.MethodGet, "/names", http.StatusOK},
		{http.MethodGet, "/metrics", http.StatusOK},
		{http.MethodGet, "/nowhere", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			s.Handler().ServeHTTP(w, httptest.NewRequest(tt.method, tt.path, nil))
			assert.Equal(t, tt.want, w.Code)
			assert.NotEmpty(t, w.Header().Get("X-Trace-ID"))
		})
	}

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, w.Body.String(), "l4core_http_requests_total")
}

func TestRateLimitFromConfig(t *testing.T) {
	s := newServer(t, func(c *config.Config) {
		c.RateLimit.RequestsPerSecond = 1
		c.RateLimit.Burst = 1
	})
	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestServeShutsDownWithContext(t *testing.T) {
	s := newServer(t, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = http.Get("http://" + ln.Addr().String() + "/health")
		return err == nil
	}, time.Second, 5*time.Millisecond)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "healthy")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down")
	}
}
