package calc

import (
	"context"
	"math"
	"sync/atomic"

	"github.com/GriffinCanCode/l4core/internal/abi"
	"github.com/GriffinCanCode/l4core/internal/codec"
	"github.com/GriffinCanCode/l4core/internal/dispatch"
	"github.com/GriffinCanCode/l4core/internal/shared/types"
)

// Proto is the calculator protocol.
const Proto int64 = 0x5000

// Opcodes.
const (
	OpSub  uint64 = 0
	OpNeg  uint64 = 1
	OpAdd  uint64 = 2
	OpMul  uint64 = 3
	OpDiv  uint64 = 4
	OpMean uint64 = 5
)

// MaxValues bounds the values of one mean request: the opcode and the
// count word leave 61 registers.
const MaxValues = 61

type binary struct{ A, B int64 }

type unary struct{ A int64 }

type result struct{ R int64 }

// Provider implements integer arithmetic with overflow detection and a
// floating point mean.
type Provider struct {
	served atomic.Uint64
}

// NewProvider creates a calculator.
func NewProvider() *Provider {
	return &Provider{}
}

// Served returns the number of successful operations.
func (p *Provider) Served() uint64 { return p.served.Load() }

// Definition returns service metadata
func (p *Provider) Definition() types.Service {
	ab := []types.Param{{Name: "a", Type: types.ParamInt64}, {Name: "b", Type: types.ParamInt64}}
	r := []types.Param{{Name: "result", Type: types.ParamInt64}}
	return types.Service{
		ID:          "calc",
		Name:        "Calculator",
		Description: "Checked 64-bit integer arithmetic",
		Protocol:    Proto,
		Ops: []types.Op{
			{Code: OpSub, Name: "sub", Description: "a - b", Args: ab, Returns: r},
			{Code: OpNeg, Name: "neg", Description: "-a", Args: ab[:1], Returns: r},
			{Code: OpAdd, Name: "add", Description: "a + b", Args: ab, Returns: r},
			{Code: OpMul, Name: "mul", Description: "a * b", Args: ab, Returns: r},
			{Code: OpDiv, Name: "div", Description: "a / b, truncated", Args: ab, Returns: r},
			{
				Code:        OpMean,
				Name:        "mean",
				Description: "arithmetic mean of up to 61 values",
				Args:        []types.Param{{Name: "values", Type: types.ParamFloats}},
				Returns:     []types.Param{{Name: "mean", Type: types.ParamFloat64}},
			},
		},
	}
}

// Handler returns the dispatch handler
func (p *Provider) Handler() dispatch.Handler {
	return dispatch.NewMux(Proto).
		Handle(OpSub, p.binaryOp(Sub)).
		Handle(OpNeg, p.neg).
		Handle(OpAdd, p.binaryOp(Add)).
		Handle(OpMul, p.binaryOp(Mul)).
		Handle(OpDiv, p.binaryOp(Div)).
		Handle(OpMean, p.mean)
}

func (p *Provider) binaryOp(fn func(a, b int64) (int64, error)) dispatch.HandlerFunc {
	return func(_ context.Context, req *dispatch.Request, w *codec.Writer) error {
		var in binary
		if err := codec.Unmarshal(req.Reader, &in); err != nil {
			return err
		}
		r, err := fn(in.A, in.B)
		if err != nil {
			return err
		}
		p.served.Add(1)
		return codec.Marshal(w, result{R: r})
	}
}

func (p *Provider) neg(_ context.Context, req *dispatch.Request, w *codec.Writer) error {
	var in unary
	if err := codec.Unmarshal(req.Reader, &in); err != nil {
		return err
	}
	r, err := Sub(0, in.A)
	if err != nil {
		return err
	}
	p.served.Add(1)
	return codec.Marshal(w, result{R: r})
}

func (p *Provider) mean(_ context.Context, req *dispatch.Request, w *codec.Writer) error {
	n := req.Reader.Uint64()
	if err := req.Reader.Err(); err != nil {
		return err
	}
	switch {
	case n == 0:
		return abi.EINVAL
	case n > MaxValues:
		return abi.E2BIG
	}
	var sum float64
	for i := uint64(0); i < n; i++ {
		sum += req.Reader.Float64()
	}
	if err := req.Reader.Err(); err != nil {
		return err
	}
	p.served.Add(1)
	w.PutFloat64(sum / float64(n))
	return nil
}

// Add returns a+b or ERANGE on overflow.
func Add(a, b int64) (int64, error) {
	s := a + b
	if (a > 0 && b > 0 && s < 0) || (a < 0 && b < 0 && s >= 0) {
		return 0, abi.ERANGE
	}
	return s, nil
}

// Sub returns a-b or ERANGE on overflow.
func Sub(a, b int64) (int64, error) {
	d := a - b
	if (b > 0 && d > a) || (b < 0 && d < a) {
		return 0, abi.ERANGE
	}
	return d, nil
}

// Mul returns a*b or ERANGE on overflow.
func Mul(a, b int64) (int64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	if (a == -1 && b == math.MinInt64) || (b == -1 && a == math.MinInt64) {
		return 0, abi.ERANGE
	}
	p := a * b
	if p/b != a {
		return 0, abi.ERANGE
	}
	return p, nil
}

// Div returns a/b, EINVAL for a zero divisor and ERANGE for the one
// overflowing quotient.
func Div(a, b int64) (int64, error) {
	if b == 0 {
		return 0, abi.EINVAL
	}
	if a == math.MinInt64 && b == -1 {
		return 0, abi.ERANGE
	}
	return a / b, nil
}
