// Package rpc is the client side of the dispatch protocol: it marshals a
// request into the caller's UTCB, calls a gate and decodes the reply.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/GriffinCanCode/l4core/internal/abi"
	"github.com/GriffinCanCode/l4core/internal/codec"
	"github.com/GriffinCanCode/l4core/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/l4core/internal/kernel"
	"github.com/cenkalti/backoff"
	"go.uber.org/zap"
)

// DefaultSendTimeout bounds the send phase of a call. A server busy with
// another client for longer yields IPCSendTimeout, which is retried.
const DefaultSendTimeout = 100 * time.Millisecond

const cancelRetry = time.Millisecond

// IPCError is a transport failure of one call.
type IPCError struct {
	Op   string
	Code abi.IPCError
}

func (e *IPCError) Error() string { return fmt.Sprintf("rpc: %s: %v", e.Op, e.Code) }

func (e *IPCError) Unwrap() error { return e.Code }

// Temporary reports whether the request never reached the server, so a
// retry is safe.
func (e *IPCError) Temporary() bool { return e.Code == abi.IPCSendTimeout }

// Encoder writes its own request payload.
type Encoder interface {
	EncodeL4(w *codec.Writer) error
}

// Decoder reads its own reply payload.
type Decoder interface {
	DecodeL4(r *codec.Reader) error
}

// Client invokes one protocol behind one gate capability. Calls are
// serialized on the client's thread.
type Client struct {
	thread   *kernel.Thread
	dest     abi.Cap
	proto    int64
	timeouts abi.Timeouts
	buffers  []abi.Item
	breaker  *resilience.Breaker
	log      *zap.Logger

	retries    uint64
	maxElapsed time.Duration
	initial    time.Duration

	mu sync.Mutex
	w  *codec.Writer
}

// Option configures a Client.
type Option func(*Client)

// WithTimeouts replaces the call timeouts.
func WithTimeouts(to abi.Timeouts) Option { return func(c *Client) { c.timeouts = to } }

// WithSendTimeout bounds the send phase and waits forever for the reply.
// Zero blocks forever in both phases.
func WithSendTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d <= 0 {
			c.timeouts = abi.NeverTimeouts
			return
		}
		c.timeouts = abi.NewTimeouts(abi.RelTimeout(d), abi.TimeoutNever)
	}
}

// WithRetry bounds the send-timeout retries. n is the number of retries
// after the first attempt; maxElapsed caps the whole sequence.
func WithRetry(n uint64, initial, maxElapsed time.Duration) Option {
	return func(c *Client) {
		c.retries = n
		c.initial = initial
		c.maxElapsed = maxElapsed
	}
}

// WithBreaker guards calls with b.
func WithBreaker(b *resilience.Breaker) Option { return func(c *Client) { c.breaker = b } }

// WithBuffers offers receive buffers with every call, for replies that
// carry capabilities or strings.
func WithBuffers(items ...abi.Item) Option {
	return func(c *Client) { c.buffers = append([]abi.Item(nil), items...) }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option { return func(c *Client) { c.log = log } }

// New creates a client that calls dest from th with protocol proto. th
// must not be used for anything else while the client is in use.
func New(th *kernel.Thread, dest abi.Cap, proto int64, opts ...Option) *Client {
	c := &Client{
		thread:     th,
		dest:       dest,
		proto:      proto,
		timeouts:   abi.NewTimeouts(abi.RelTimeout(DefaultSendTimeout), abi.TimeoutNever),
		log:        zap.NewNop(),
		retries:    3,
		initial:    10 * time.Millisecond,
		maxElapsed: 2 * time.Second,
		w:          codec.NewWriter(th.UTCB()),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.breaker == nil {
		c.breaker = resilience.New(fmt.Sprintf("rpc-%#x", proto), resilience.Settings{
			Timeout:      5 * time.Second,
			IsSuccessful: transportOK,
		})
	}
	c.log = c.log.With(zap.String("thread", th.Name()), zap.Int64("protocol", proto))
	return c
}

// transportOK keeps cancellations and error replies from tripping a
// breaker; only transport failures count.
func transportOK(err error) bool {
	var ie *IPCError
	return !errors.As(err, &ie)
}

// Breaker returns the circuit breaker guarding the client.
func (c *Client) Breaker() *resilience.Breaker { return c.breaker }

// Thread returns the calling thread.
func (c *Client) Thread() *kernel.Thread { return c.thread }

// Invoke calls op with args and decodes the reply into reply. args and
// reply are Encoder/Decoder implementations or values the codec marshals;
// either may be nil. An error reply yields its abi.Errno; a transport
// failure yields *IPCError.
func (c *Client) Invoke(ctx context.Context, op uint64, args, reply any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var (
		out      abi.Tag
		attempts int
	)
	attempt := func() error {
		attempts++
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		tag, err := c.encode(op, args)
		if err != nil {
			return backoff.Permanent(err)
		}
		err = c.breaker.Execute(func() error {
			res, code := c.call(ctx, tag)
			switch {
			case code == abi.IPCOK:
				out = res
				return nil
			case (code == abi.IPCSendCanceled || code == abi.IPCRecvCanceled) && ctx.Err() != nil:
				return ctx.Err()
			}
			return &IPCError{Op: "call", Code: code}
		})
		var ie *IPCError
		if errors.As(err, &ie) && ie.Temporary() {
			c.log.Debug("send timed out, retrying", zap.Uint64("op", op), zap.Int("attempt", attempts))
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	if err := backoff.Retry(attempt, c.backoff(ctx)); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}

	if errno := abi.ErrnoFromLabel(out.Label()); errno != abi.EOK {
		return errno
	}
	if reply == nil {
		return nil
	}
	r := codec.NewReader(c.thread.UTCB(), out)
	if d, ok := reply.(Decoder); ok {
		return d.DecodeL4(r)
	}
	return codec.Unmarshal(r, reply)
}

// backoff builds the retry policy. WithMaxRetries treats zero as
// unlimited, so no retries is a StopBackOff.
func (c *Client) backoff(ctx context.Context) backoff.BackOff {
	if c.retries == 0 {
		return backoff.WithContext(&backoff.StopBackOff{}, ctx)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initial
	b.MaxElapsedTime = c.maxElapsed
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, c.retries), ctx)
}

func (c *Client) encode(op uint64, args any) (abi.Tag, error) {
	c.w.Reset()
	c.w.PutUint64(op)
	switch a := args.(type) {
	case nil:
	case Encoder:
		if err := a.EncodeL4(c.w); err != nil {
			return 0, err
		}
	default:
		if err := codec.Marshal(c.w, args); err != nil {
			return 0, err
		}
	}
	return c.w.Finish(c.proto)
}

// call performs one IPC. The thread is canceled while ctx is done.
func (c *Client) call(ctx context.Context, tag abi.Tag) (abi.Tag, abi.IPCError) {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		watch(ctx, c.thread, stop)
	}()
	defer func() {
		close(stop)
		<-done
	}()

	u := c.thread.UTCB()
	if len(c.buffers) > 0 {
		u.SetBuffers(c.buffers...)
	}
	out := c.thread.Call(c.dest, tag, c.timeouts)
	if out.HasError() {
		return out, u.Error()
	}
	return out, abi.IPCOK
}

func watch(ctx context.Context, th *kernel.Thread, stop <-chan struct{}) {
	select {
	case <-stop:
		return
	case <-ctx.Done():
	}
	t := time.NewTicker(cancelRetry)
	defer t.Stop()
	for {
		th.Cancel()
		select {
		case <-stop:
			return
		case <-t.C:
		}
	}
}
