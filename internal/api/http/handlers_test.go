package http

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/GriffinCanCode/l4core/internal/abi"
	"github.com/GriffinCanCode/l4core/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/l4core/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/l4core/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/l4core/internal/kernel"
	"github.com/GriffinCanCode/l4core/internal/manifest"
	"github.com/GriffinCanCode/l4core/internal/namespace"
	"github.com/GriffinCanCode/l4core/internal/rpc"
	"github.com/GriffinCanCode/l4core/internal/shared/types"
	"github.com/GriffinCanCode/l4core/internal/snapshot"
	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	router *gin.Engine
	tracer *tracing.Tracer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := kernel.DefaultConfig()
	cfg.CapTableSize = 128
	cfg.FrameSlabs = 1
	cfg.FramesPerSlab = 4
	metrics := monitoring.NewMetrics()
	k := kernel.New(cfg, kernel.WithLogger(zap.NewNop()), kernel.WithMetrics(metrics))
	t.Cleanup(k.Shutdown)

	root, err := k.NewTask("root")
	require.NoError(t, err)
	m := &manifest.Manifest{Services: []manifest.Service{
		{Name: "calc", Kind: "calc"},
		{Name: "echo", Kind: "echo", Policy: manifest.Policy{Rights: "rw"}},
	}}
	tracer := tracing.New("l4core", zap.NewNop())
	t.Cleanup(tracer.Close)
	rt, err := manifest.Boot(context.Background(), k, namespace.New(root, nil), m,
		manifest.WithMetrics(metrics))
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, rt.Stop()) })

	admin, err := k.NewTask("admin")
	require.NoError(t, err)
	h := NewHandlers(k, rt, rpc.NewPool(admin, rt.Namespace()),
		WithMetrics(metrics), WithTracer(tracer, 16), WithInvokeTimeout(time.Second))

	router := gin.New()
	h.Register(router)
	return &fixture{router: router, tracer: tracer}
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, sonic.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Status   string `json:"status"`
		Services int    `json:"services"`
		Live     int64  `json:"live_objects"`
	}
	decode(t, w, &body)
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, 2, body.Services)
	assert.Positive(t, body.Live)
}

func TestKernelStats(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/invoke", `{"name":"calc","op":"neg","args":[1]}`).Code)

	w := f.do(http.MethodGet, "/kernel/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Kernel struct {
			LiveObjects  int64 `json:"live_objects"`
			Tasks        int   `json:"tasks"`
			CapTableSize int   `json:"cap_table_size"`
		} `json:"kernel"`
		Dispatch map[string]struct {
			Requests uint64 `json:"requests"`
		} `json:"dispatch"`
		Names   int                        `json:"names"`
		Clients int                        `json:"clients"`
		Metrics monitoring.MetricsSnapshot `json:"metrics"`
	}
	decode(t, w, &body)
	assert.Equal(t, 4, body.Kernel.Tasks, "root, calc, echo, admin")
	assert.Equal(t, 128, body.Kernel.CapTableSize)
	assert.Equal(t, uint64(1), body.Dispatch["calc"].Requests)
	assert.Contains(t, body.Dispatch, manifest.NameServer)
	assert.Equal(t, 3, body.Names)
	assert.Equal(t, 1, body.Clients)
	assert.Equal(t, int64(1), body.Metrics.TotalDispatches)
}

func TestThreadsAndNames(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/kernel/threads", "")
	require.Equal(t, http.StatusOK, w.Code)
	var threads struct {
		Count   int                 `json:"count"`
		Threads []kernel.ThreadInfo `json:"threads"`
	}
	decode(t, w, &threads)
	assert.Equal(t, 3, threads.Count, "name server, calc and echo loops")
	assert.Len(t, threads.Threads, 3)

	w = f.do(http.MethodGet, "/names", "")
	require.Equal(t, http.StatusOK, w.Code)
	var names struct {
		Count int               `json:"count"`
		Names []namespace.Entry `json:"names"`
	}
	decode(t, w, &names)
	require.Equal(t, 3, names.Count)
	assert.Equal(t, []string{"calc", "echo", "ns"},
		[]string{names.Names[0].Name, names.Names[1].Name, names.Names[2].Name})

	w = f.do(http.MethodGet, "/services", "")
	require.Equal(t, http.StatusOK, w.Code)
	var services struct {
		Services []struct {
			Name       string        `json:"name"`
			Rights     string        `json:"rights"`
			Definition types.Service `json:"definition"`
		} `json:"services"`
	}
	decode(t, w, &services)
	require.Len(t, services.Services, 2)
	assert.Equal(t, "calc", services.Services[0].Name)
	assert.Equal(t, "rwsd", services.Services[0].Rights)
	assert.Equal(t, "rw--", services.Services[1].Rights)
	_, err := services.Services[1].Definition.Op("upper")
	assert.NoError(t, err)
}

func TestSnapshot(t *testing.T) {
	f := newFixture(t)

	t.Run("json", func(t *testing.T) {
		w := f.do(http.MethodGet, "/kernel/snapshot", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Len(t, w.Header().Get(HeaderDigest), 64)
		var snap kernel.Snapshot
		decode(t, w, &snap)
		assert.Len(t, snap.Tasks, 4)
		assert.NotEmpty(t, snap.Objects)
	})

	t.Run("cbor", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/kernel/snapshot", nil)
		req.Header.Set("Accept", ContentTypeSnapshot)
		w := httptest.NewRecorder()
		f.router.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, ContentTypeSnapshot, w.Header().Get("Content-Type"))
		assert.Equal(t, "zstd", w.Header().Get("Content-Encoding"))

		snap, err := snapshot.Read(bytes.NewReader(w.Body.Bytes()))
		require.NoError(t, err)
		digest, err := snapshot.Digest(snap)
		require.NoError(t, err)
		assert.Equal(t, w.Header().Get(HeaderDigest), digest)
	})

	t.Run("unknown format", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/kernel/snapshot?format=xml", "").Code)
	})
}

func TestInvoke(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name       string
		body       string
		wantCode   int
		wantStatus int64
		want       []any
	}{
		{"add", `{"name":"calc","op":"add","args":[2,40]}`, http.StatusOK, 0, []any{42.0}},
		{"mean", `{"name":"calc","op":"mean","args":[[1,2,6]]}`, http.StatusOK, 0, []any{3.0}},
		{"upper", `{"name":"echo","op":"upper","args":["loud"]}`, http.StatusOK, 0, []any{"LOUD"}},
		{"divide by zero", `{"name":"calc","op":"div","args":[1,0]}`, http.StatusUnprocessableEntity, abi.EINVAL.Label(), nil},
		{"overflow", `{"name":"calc","op":"mul","args":[4611686018427387904,4]}`, http.StatusUnprocessableEntity, abi.ERANGE.Label(), nil},
		{"bad argument", `{"name":"calc","op":"add","args":["two",2]}`, http.StatusBadRequest, abi.EINVAL.Label(), nil},
		{"too few arguments", `{"name":"calc","op":"add","args":[2]}`, http.StatusBadRequest, abi.EINVAL.Label(), nil},
		{"unknown service", `{"name":"abacus","op":"add"}`, http.StatusNotFound, 0, nil},
		{"unknown op", `{"name":"calc","op":"pow"}`, http.StatusNotFound, 0, nil},
		{"missing op", `{"name":"calc"}`, http.StatusBadRequest, 0, nil},
		{"negative timeout", `{"name":"calc","op":"neg","args":[1],"timeout_ms":-1}`, http.StatusBadRequest, 0, nil},
		{"not json", `add 2 2`, http.StatusBadRequest, 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(http.MethodPost, "/invoke", tt.body)
			require.Equal(t, tt.wantCode, w.Code, w.Body.String())
			if tt.wantCode == http.StatusOK || tt.wantStatus != 0 {
				var resp types.InvokeResponse
				decode(t, w, &resp)
				assert.Equal(t, tt.wantStatus, resp.Status)
				assert.Equal(t, tt.want, resp.Results)
			}
		})
	}
}

func TestInvokeTimeout(t *testing.T) {
	f := newFixture(t)
	start := time.Now()
	w := f.do(http.MethodPost, "/invoke", `{"name":"echo","op":"sleep","args":[300],"timeout_ms":20}`)
	assert.Equal(t, http.StatusGatewayTimeout, w.Code, w.Body.String())
	assert.Less(t, time.Since(start), 250*time.Millisecond)
}

func TestInvokeBodyLimit(t *testing.T) {
	f := newFixture(t)
	big := `{"name":"echo","op":"echo","args":["` + strings.Repeat("x", MaxInvokeBody) + `"]}`
	assert.Equal(t, http.StatusRequestEntityTooLarge, f.do(http.MethodPost, "/invoke", big).Code)
}

func TestTraceStream(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/trace/stream?prefix=invoke"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return f.tracer.Subscribers() == 1 }, time.Second, time.Millisecond)

	resp, err := http.Post(srv.URL+"/invoke", "application/json",
		strings.NewReader(`{"name":"calc","op":"sub","args":[5,3]}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var span tracing.Span
	require.NoError(t, sonic.Unmarshal(data, &span))
	assert.Equal(t, "invoke calc.sub", span.Name)
	assert.Empty(t, span.Error)
	assert.NotEmpty(t, span.TraceID)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	require.Eventually(t, func() bool { return f.tracer.Subscribers() == 0 }, time.Second, time.Millisecond)
}

func TestInvokeFailure(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantCode   int
		wantStatus int64
	}{
		{"errno reply", abi.ENOSYS, http.StatusUnprocessableEntity, abi.ENOSYS.Label()},
		{"bad argument", rpc.ErrBadArgument, http.StatusBadRequest, abi.EINVAL.Label()},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout, -1},
		{"circuit open", resilience.ErrCircuitOpen, http.StatusServiceUnavailable, -1},
		{"send timeout", &rpc.IPCError{Op: "call", Code: abi.IPCSendTimeout}, http.StatusGatewayTimeout, -1},
		{"no partner", &rpc.IPCError{Op: "call", Code: abi.IPCNotExistent}, http.StatusBadGateway, -1},
		{"other", errors.New("boom"), http.StatusInternalServerError, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, resp := invokeFailure(tt.err)
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantStatus, resp.Status)
			assert.Equal(t, tt.err.Error(), resp.Error)
		})
	}
}
