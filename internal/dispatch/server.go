package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/GriffinCanCode/l4core/internal/abi"
	"github.com/GriffinCanCode/l4core/internal/codec"
	"github.com/GriffinCanCode/l4core/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/l4core/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/l4core/internal/kernel"
	"github.com/GriffinCanCode/l4core/internal/utcb"
	"go.uber.org/zap"
)

// ErrThreadDead reports that the server thread was destroyed.
var ErrThreadDead = errors.New("dispatch: server thread is dead")

// cancelRetry is how often Run retries canceling a thread that was not
// blocked when the context ended.
const cancelRetry = time.Millisecond

// Hooks observe loop events. Nil hooks are skipped.
type Hooks struct {
	// OnIPCError sees failed waits and replies other than timeouts and
	// cancellations.
	OnIPCError func(op string, err abi.IPCError)
	// OnApplicationError sees every error reply. req is nil when the
	// message never reached a handler. A non-zero return replaces the
	// errno sent back.
	OnApplicationError func(req *Request, err error) abi.Errno
}

// Stats counts loop activity.
type Stats struct {
	Requests    uint64 `json:"requests"`
	Errors      uint64 `json:"errors"`
	IPCErrors   uint64 `json:"ipc_errors"`
	Timeouts    uint64 `json:"timeouts"`
	Registered  int    `json:"registered"`
	ReplyFailed uint64 `json:"reply_failed"`
}

// Server runs the dispatch loop of one kernel thread.
type Server struct {
	thread   *kernel.Thread
	registry *Registry
	policy   Policy
	hooks    Hooks
	log      *zap.Logger
	metrics  *monitoring.Metrics
	tracer   *tracing.Tracer

	// in holds a copy of the request so the reply can be written in place.
	in *utcb.UTCB
	w  *codec.Writer

	requests    atomic.Uint64
	errors      atomic.Uint64
	ipcErrors   atomic.Uint64
	timeouts    atomic.Uint64
	replyFailed atomic.Uint64
}

// Option configures a Server.
type Option func(*Server)

// WithPolicy sets the wait policy. The default is Bufferless.
func WithPolicy(p Policy) Option { return func(s *Server) { s.policy = p } }

// WithHooks sets the loop hooks.
func WithHooks(h Hooks) Option { return func(s *Server) { s.hooks = h } }

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option { return func(s *Server) { s.log = log } }

// WithMetrics records every dispatched request.
func WithMetrics(m *monitoring.Metrics) Option { return func(s *Server) { s.metrics = m } }

// WithTracer opens a span per dispatched request.
func WithTracer(t *tracing.Tracer) Option { return func(s *Server) { s.tracer = t } }

// NewServer creates a dispatch loop for th. th must not be used by
// anything else while Run is active.
func NewServer(th *kernel.Thread, opts ...Option) *Server {
	s := &Server{
		thread:   th,
		registry: NewRegistry(th),
		policy:   Bufferless{},
		log:      zap.NewNop(),
		in:       utcb.New(),
		w:        codec.NewWriter(th.UTCB()),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(zap.String("thread", th.Name()))
	return s
}

// Registry returns the gates served by this loop.
func (s *Server) Registry() *Registry { return s.registry }

// Thread returns the server thread.
func (s *Server) Thread() *kernel.Thread { return s.thread }

// Stats returns the loop counters.
func (s *Server) Stats() Stats {
	return Stats{
		Requests:    s.requests.Load(),
		Errors:      s.errors.Load(),
		IPCErrors:   s.ipcErrors.Load(),
		Timeouts:    s.timeouts.Load(),
		Registered:  s.registry.Len(),
		ReplyFailed: s.replyFailed.Load(),
	}
}

// Run serves requests until ctx ends or the thread dies. It returns
// ctx.Err() or ErrThreadDead.
func (s *Server) Run(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	go s.watch(ctx, stop)

	s.log.Info("dispatch loop started", zap.Int("gates", s.registry.Len()))
	defer s.log.Info("dispatch loop stopped")

	u := s.thread.UTCB()
	tag, label := s.wait(u)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if tag.HasError() {
			if err := s.ipcError("wait", u.Error()); err != nil {
				return err
			}
			tag, label = s.wait(u)
			continue
		}

		reply := s.dispatch(ctx, tag, label)
		if d, ok := s.policy.(duePolicy); ok {
			d.RunDue()
		}
		s.policy.Setup(u)
		tag, label = s.thread.ReplyAndWait(reply, s.policy.Timeout())
		if tag.HasError() && !u.Error().IsReceivePhase() {
			// The reply went nowhere; the caller is gone or never called.
			s.replyFailed.Add(1)
			s.log.Debug("reply failed", zap.Stringer("error", u.Error()))
			tag, label = s.wait(u)
		}
	}
}

// duePolicy is a policy with timed work that must not wait for an idle
// loop.
type duePolicy interface{ RunDue() }

func (s *Server) wait(u *utcb.UTCB) (abi.Tag, uint64) {
	s.policy.Setup(u)
	return s.thread.Wait(s.policy.Timeout())
}

// ipcError handles a failed wait. A non-nil result ends the loop.
func (s *Server) ipcError(op string, code abi.IPCError) error {
	switch code {
	case abi.IPCRecvTimeout:
		s.timeouts.Add(1)
		s.policy.Expired()
		return nil
	case abi.IPCRecvCanceled, abi.IPCSendCanceled:
		return nil
	case abi.IPCNotExistent:
		if s.thread.State() == kernel.StateDead {
			return ErrThreadDead
		}
	}
	s.ipcErrors.Add(1)
	s.log.Warn("ipc error", zap.String("op", op), zap.Stringer("error", code))
	if s.hooks.OnIPCError != nil {
		s.hooks.OnIPCError(op, code)
	}
	return nil
}

// watch cancels the server thread once ctx is done. The thread may be
// running a handler at that moment, so canceling is retried until Run
// notices the context and returns.
func (s *Server) watch(ctx context.Context, stop <-chan struct{}) {
	select {
	case <-stop:
		return
	case <-ctx.Done():
	}
	ticker := time.NewTicker(cancelRetry)
	defer ticker.Stop()
	for {
		s.thread.Cancel()
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

// dispatch runs the handler for one message and returns the reply tag.
// The reply payload is already in the thread's UTCB.
func (s *Server) dispatch(ctx context.Context, tag abi.Tag, label uint64) abi.Tag {
	started := time.Now()
	s.requests.Add(1)

	u := s.thread.UTCB()
	s.in.MR = u.MR
	caps := s.policy.Claim()

	h, ok := s.registry.Lookup(label)
	if !ok {
		return s.fail(nil, abi.ENOENT)
	}
	proto := h.Protocol()
	timer := monitoring.NewTimer(s.metrics, protoName(proto))
	if tag.Label() != proto {
		timer.Stop(errnoStatus(abi.EBADPROTO))
		return s.fail(nil, abi.EBADPROTO)
	}

	r := codec.NewReader(s.in, tag)
	op := r.Uint64()
	if r.Err() != nil {
		timer.Stop(errnoStatus(abi.EMSGTOOSHORT))
		return s.fail(nil, abi.EMSGTOOSHORT)
	}

	req := &Request{
		Tag:    tag,
		Opcode: op,
		Label:  label &^ uint64(abi.RightW|abi.RightS),
		Rights: abi.Rights(label) & (abi.RightW | abi.RightS),
		Reader: r,
		Caps:   caps,
	}

	var span *tracing.Span
	if s.tracer != nil {
		span, ctx = s.tracer.StartSpan(ctx, fmt.Sprintf("dispatch %s/%d", protoName(proto), op))
		span.SetTag("protocol", protoName(proto))
		span.SetTag("opcode", strconv.FormatUint(op, 10))
		span.SetTag("label", strconv.FormatUint(req.Label, 16))
	}

	s.w.Reset()
	err := h.Dispatch(ctx, req, s.w)
	var reply abi.Tag
	if err == nil {
		reply, err = s.w.Finish(abi.EOK.Label())
	}
	errno := abi.EOK
	if err != nil {
		errno = s.applicationError(req, err)
		reply = abi.NewTag(errno.Label(), 0, 0, 0)
	}

	timer.Stop(errnoStatus(errno))
	if span != nil {
		span.SetStatus(int(errno.Label()))
		if err != nil {
			span.SetError(err)
		}
		span.Finish()
		s.tracer.Submit(span)
	}
	s.log.Debug("request dispatched",
		zap.String("protocol", protoName(proto)),
		zap.Uint64("opcode", op),
		zap.Int64("status", errno.Label()),
		zap.Duration("took", time.Since(started)))
	return reply
}

func (s *Server) applicationError(req *Request, err error) abi.Errno {
	s.errors.Add(1)
	errno := Status(err)
	if s.hooks.OnApplicationError != nil {
		if e := s.hooks.OnApplicationError(req, err); e != abi.EOK {
			errno = e
		}
	}
	s.log.Debug("handler failed",
		zap.Uint64("opcode", req.Opcode),
		zap.Error(err),
		zap.Int64("errno", int64(errno)))
	return errno
}

// fail answers a message that never reached a handler.
func (s *Server) fail(req *Request, errno abi.Errno) abi.Tag {
	s.errors.Add(1)
	if s.hooks.OnApplicationError != nil {
		if e := s.hooks.OnApplicationError(req, errno); e != abi.EOK {
			errno = e
		}
	}
	return abi.NewTag(errno.Label(), 0, 0, 0)
}

func protoName(proto int64) string {
	if name := abi.ProtoName(proto); name != "user" {
		return name
	}
	return "0x" + strconv.FormatInt(proto, 16)
}

func errnoStatus(e abi.Errno) string {
	if e == abi.EOK {
		return "ok"
	}
	return strconv.FormatInt(int64(e), 10)
}
