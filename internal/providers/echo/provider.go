package echo

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/GriffinCanCode/l4core/internal/abi"
	"github.com/GriffinCanCode/l4core/internal/codec"
	"github.com/GriffinCanCode/l4core/internal/dispatch"
	"github.com/GriffinCanCode/l4core/internal/shared/types"
)

// Proto is the echo protocol.
const Proto int64 = 0x5001

// Opcodes.
const (
	OpEcho  uint64 = 0
	OpUpper uint64 = 1
	OpCount uint64 = 2
	OpSleep uint64 = 3
)

// MaxText bounds echoed strings.
const MaxText = 256

// MaxSleep bounds OpSleep.
const MaxSleep = 10 * time.Second

type text struct {
	S string `l4:"max=256"`
}

// Provider echoes strings back. OpSleep keeps the server thread busy,
// which is how clients observe send timeouts.
type Provider struct {
	count atomic.Uint64
}

// NewProvider creates an echo service.
func NewProvider() *Provider {
	return &Provider{}
}

// Definition returns service metadata
func (p *Provider) Definition() types.Service {
	s := []types.Param{{Name: "text", Type: types.ParamString, Max: MaxText}}
	return types.Service{
		ID:          "echo",
		Name:        "Echo",
		Description: "String echo and test service",
		Protocol:    Proto,
		Ops: []types.Op{
			{Code: OpEcho, Name: "echo", Description: "returns its argument", Args: s, Returns: s},
			{Code: OpUpper, Name: "upper", Description: "returns its argument upper-cased", Args: s, Returns: s},
			{
				Code:        OpCount,
				Name:        "count",
				Description: "number of strings echoed so far",
				Returns:     []types.Param{{Name: "count", Type: types.ParamUint64}},
			},
			{
				Code:        OpSleep,
				Name:        "sleep",
				Description: "blocks the server for ms milliseconds",
				Args:        []types.Param{{Name: "ms", Type: types.ParamUint64}},
			},
		},
	}
}

// Handler returns the dispatch handler
func (p *Provider) Handler() dispatch.Handler {
	return dispatch.NewMux(Proto).
		Handle(OpEcho, p.transform(func(s string) string { return s })).
		Handle(OpUpper, p.transform(strings.ToUpper)).
		Handle(OpCount, p.countOp).
		Handle(OpSleep, p.sleep)
}

func (p *Provider) transform(fn func(string) string) dispatch.HandlerFunc {
	return func(_ context.Context, req *dispatch.Request, w *codec.Writer) error {
		var in text
		if err := codec.Unmarshal(req.Reader, &in); err != nil {
			return err
		}
		p.count.Add(1)
		return codec.Marshal(w, text{S: fn(in.S)})
	}
}

func (p *Provider) countOp(_ context.Context, _ *dispatch.Request, w *codec.Writer) error {
	w.PutUint64(p.count.Load())
	return nil
}

func (p *Provider) sleep(ctx context.Context, req *dispatch.Request, _ *codec.Writer) error {
	ms := req.Reader.Uint64()
	if err := req.Reader.Err(); err != nil {
		return err
	}
	d := time.Duration(ms) * time.Millisecond
	if d > MaxSleep {
		return abi.ERANGE
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return abi.EAGAIN
	}
}
