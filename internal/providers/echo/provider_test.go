package echo

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/GriffinCanCode/l4core/internal/abi"
	"github.com/GriffinCanCode/l4core/internal/codec"
	"github.com/GriffinCanCode/l4core/internal/dispatch"
	"github.com/GriffinCanCode/l4core/internal/utcb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func invoke(ctx context.Context, t *testing.T, h dispatch.Handler, op uint64, args func(w *codec.Writer)) (*codec.Reader, error) {
	t.Helper()
	in := utcb.New()
	w := codec.NewWriter(in)
	w.PutUint64(op)
	if args != nil {
		args(w)
	}
	tag, err := w.Finish(h.Protocol())
	require.NoError(t, err)

	r := codec.NewReader(in, tag)
	req := &dispatch.Request{Tag: tag, Opcode: r.Uint64(), Reader: r}
	out := utcb.New()
	ow := codec.NewWriter(out)
	if err := h.Dispatch(ctx, req, ow); err != nil {
		return nil, err
	}
	reply, err := ow.Finish(0)
	require.NoError(t, err)
	return codec.NewReader(out, reply), nil
}

func str(s string) func(w *codec.Writer) {
	return func(w *codec.Writer) { w.PutString(s) }
}

func TestEchoAndUpper(t *testing.T) {
	h := NewProvider().Handler()
	ctx := context.Background()

	tests := []struct {
		name string
		op   uint64
		in   string
		want string
	}{
		{"echo", OpEcho, "hello", "hello"},
		{"echo empty", OpEcho, "", ""},
		{"upper", OpUpper, "MiXed 42", "MIXED 42"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := invoke(ctx, t, h, tt.op, str(tt.in))
			require.NoError(t, err)
			got, err := r.String(MaxText)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEchoCutsLongText(t *testing.T) {
	h := NewProvider().Handler()
	_, err := invoke(context.Background(), t, h, OpEcho, str(strings.Repeat("x", MaxText+8)))
	assert.ErrorIs(t, err, codec.ErrMsgCut)
	assert.Equal(t, abi.EMSGTOOLONG, dispatch.Status(err))
}

func TestCount(t *testing.T) {
	p := NewProvider()
	h := p.Handler()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := invoke(ctx, t, h, OpEcho, str("x"))
		require.NoError(t, err)
	}
	r, err := invoke(ctx, t, h, OpCount, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), r.Uint64())
}

func TestSleep(t *testing.T) {
	h := NewProvider().Handler()
	ms := func(n uint64) func(w *codec.Writer) {
		return func(w *codec.Writer) { w.PutUint64(n) }
	}

	start := time.Now()
	_, err := invoke(context.Background(), t, h, OpSleep, ms(20))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	_, err = invoke(context.Background(), t, h, OpSleep, ms(uint64(MaxSleep.Milliseconds())+1))
	assert.ErrorIs(t, err, abi.ERANGE)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = invoke(ctx, t, h, OpSleep, ms(5000))
	assert.ErrorIs(t, err, abi.EAGAIN)

	_, err = invoke(context.Background(), t, h, OpSleep, nil)
	assert.Equal(t, abi.EMSGTOOSHORT, dispatch.Status(err))
}
