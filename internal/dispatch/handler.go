package dispatch

import (
	"context"
	"errors"

	"github.com/GriffinCanCode/l4core/internal/abi"
	"github.com/GriffinCanCode/l4core/internal/codec"
)

// Handler serves one protocol. Dispatch writes the reply payload to w;
// a returned error becomes an error reply and w is discarded.
type Handler interface {
	Protocol() int64
	Dispatch(ctx context.Context, req *Request, w *codec.Writer) error
}

// Request is one received message. The opcode has already been read
// from Reader.
type Request struct {
	Tag    abi.Tag
	Opcode uint64
	// Label identifies the gate the message came through. Rights are
	// the sender's W and S bits.
	Label  uint64
	Rights abi.Rights
	Reader *codec.Reader
	// Caps are the capability slots this message filled. They belong to
	// the handler.
	Caps []abi.Cap
}

// HandlerFunc serves one opcode.
type HandlerFunc func(ctx context.Context, req *Request, w *codec.Writer) error

// Mux is a Handler dispatching on the opcode.
type Mux struct {
	proto int64
	ops   map[uint64]HandlerFunc
}

// NewMux creates an empty jump table for proto.
func NewMux(proto int64) *Mux {
	return &Mux{proto: proto, ops: make(map[uint64]HandlerFunc)}
}

// Handle registers fn for op, replacing any previous handler.
func (m *Mux) Handle(op uint64, fn HandlerFunc) *Mux {
	m.ops[op] = fn
	return m
}

func (m *Mux) Protocol() int64 { return m.proto }

// Dispatch runs the handler registered for the request's opcode.
func (m *Mux) Dispatch(ctx context.Context, req *Request, w *codec.Writer) error {
	fn, ok := m.ops[req.Opcode]
	if !ok {
		return abi.ENOSYS
	}
	return fn(ctx, req, w)
}

// Status maps a handler error to the errno carried by the reply.
func Status(err error) abi.Errno {
	if err == nil {
		return abi.EOK
	}
	var errno abi.Errno
	if errors.As(err, &errno) {
		return errno
	}
	if errors.Is(err, codec.ErrMsgCut) {
		return abi.EMSGTOOLONG
	}
	return abi.EIO
}
