package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/GriffinCanCode/l4core/internal/abi"
	"github.com/GriffinCanCode/l4core/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/l4core/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/l4core/internal/rpc"
	"github.com/GriffinCanCode/l4core/internal/shared/types"
	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// MaxInvokeBody limits the size of an /invoke request body.
const MaxInvokeBody = 1 << 20

// numbers keeps JSON numbers as json.Number so integer arguments survive
// decoding exactly.
var numbers = sonic.Config{UseNumber: true}.Froze()

// Invoke calls an operation of a booted service over IPC.
func (h *Handlers) Invoke(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, MaxInvokeBody+1))
	if err != nil {
		renderError(c, http.StatusBadRequest, err)
		return
	}
	if len(body) > MaxInvokeBody {
		renderError(c, http.StatusRequestEntityTooLarge, fmt.Errorf("body exceeds %d bytes", MaxInvokeBody))
		return
	}
	var req types.InvokeRequest
	if err := numbers.Unmarshal(body, &req); err != nil {
		renderError(c, http.StatusBadRequest, fmt.Errorf("invalid request: %w", err))
		return
	}
	if req.Name == "" || req.Op == "" {
		renderError(c, http.StatusBadRequest, errors.New("name and op are required"))
		return
	}
	if req.TimeoutMS < 0 {
		renderError(c, http.StatusBadRequest, errors.New("timeout_ms must not be negative"))
		return
	}

	svc, ok := h.runtime.Lookup(req.Name)
	if !ok {
		renderError(c, http.StatusNotFound, fmt.Errorf("no service %q", req.Name))
		return
	}
	def := svc.Provider.Definition()
	op, err := def.Op(req.Op)
	if err != nil {
		renderError(c, http.StatusNotFound, err)
		return
	}
	client, err := h.pool.Client(req.Name, def.Protocol)
	if err != nil {
		renderError(c, http.StatusServiceUnavailable, err)
		return
	}

	timeout := h.invokeTimeout
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()

	span, ctx := h.startSpan(ctx, "invoke "+req.Name+"."+req.Op)
	res := &rpc.Results{Params: op.Returns}
	err = client.Invoke(ctx, op.Code, rpc.Args{Params: op.Args, Values: req.Args}, res)
	h.finishSpan(span, err)

	if err != nil {
		status, resp := invokeFailure(err)
		h.log.Debug("invoke failed",
			zap.String("service", req.Name),
			zap.String("op", req.Op),
			zap.String("trace", tracing.FormatTrace(tracing.GetTraceID(ctx), tracing.GetSpanID(ctx))),
			zap.Int("http_status", status),
			zap.Error(err))
		_ = c.Error(err)
		render(c, status, resp)
		return
	}
	render(c, http.StatusOK, types.InvokeResponse{Results: res.Values})
}

// invokeFailure maps a client error to an HTTP status. Error replies from
// the service carry the negative errno as Status.
func invokeFailure(err error) (int, types.InvokeResponse) {
	resp := types.InvokeResponse{Status: -1, Error: err.Error()}
	var (
		errno abi.Errno
		ie    *rpc.IPCError
	)
	switch {
	case errors.Is(err, rpc.ErrBadArgument):
		resp.Status = abi.EINVAL.Label()
		return http.StatusBadRequest, resp
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, resp
	case errors.Is(err, resilience.ErrCircuitOpen), errors.Is(err, resilience.ErrTooManyRequests):
		return http.StatusServiceUnavailable, resp
	case errors.As(err, &ie):
		if ie.Temporary() {
			return http.StatusGatewayTimeout, resp
		}
		return http.StatusBadGateway, resp
	case errors.As(err, &errno):
		resp.Status = errno.Label()
		return http.StatusUnprocessableEntity, resp
	}
	return http.StatusInternalServerError, resp
}

func (h *Handlers) startSpan(ctx context.Context, name string) (*tracing.Span, context.Context) {
	if h.tracer == nil {
		return nil, ctx
	}
	return h.tracer.StartSpan(ctx, name)
}

func (h *Handlers) finishSpan(span *tracing.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.SetError(err)
	}
	span.Finish()
	h.tracer.Submit(span)
}
