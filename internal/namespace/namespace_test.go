package namespace

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/GriffinCanCode/l4core/internal/abi"
	"github.com/GriffinCanCode/l4core/internal/codec"
	"github.com/GriffinCanCode/l4core/internal/dispatch"
	"github.com/GriffinCanCode/l4core/internal/kernel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newKernel(t *testing.T) *kernel.Kernel {
	t.Helper()
	cfg := kernel.DefaultConfig()
	cfg.CapTableSize = 64
	cfg.FrameSlabs = 1
	cfg.FramesPerSlab = 4
	k := kernel.New(cfg, kernel.WithLogger(zap.NewNop()))
	t.Cleanup(k.Shutdown)
	return k
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name string
		want error
	}{
		{"calc", nil},
		{"svc/echo-1.v2", nil},
		{"", ErrInvalidName},
		{"Upper", ErrInvalidName},
		{"/leading", ErrInvalidName},
		{"has space", ErrInvalidName},
		{strings.Repeat("a", MaxName), nil},
		{strings.Repeat("a", MaxName+1), ErrNameTooLong},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.name)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestRegisterLookupUnregister(t *testing.T) {
	k := newKernel(t)
	root, err := k.NewTask("root")
	require.NoError(t, err)
	ns := New(root, nil)

	irqCap, irq, err := root.NewIRQ()
	require.NoError(t, err)

	require.NoError(t, ns.Register("irq0", irqCap))
	assert.ErrorIs(t, ns.Register("irq0", irqCap), ErrExists)
	assert.ErrorIs(t, ns.Register("ghost", abi.CapFromIndex(50)), ErrDeadCap)

	cp, err := ns.Lookup("irq0")
	require.NoError(t, err)
	assert.Equal(t, irqCap, cp)

	o, err := ns.Resolve("irq0")
	require.NoError(t, err)
	assert.Same(t, irq, o)

	_, err = ns.Lookup("missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, err, abi.ENOENT)

	require.NoError(t, ns.Unregister("irq0"))
	assert.ErrorIs(t, ns.Unregister("irq0"), ErrNotFound)
	_, _, ok := root.Caps().Resolve(irqCap.Index())
	assert.False(t, ok, "unregister deletes the capability")
}

func TestRegisterObjectAndList(t *testing.T) {
	k := newKernel(t)
	root, err := k.NewTask("root")
	require.NoError(t, err)
	other, err := k.NewTask("other")
	require.NoError(t, err)
	ns := New(root, zap.NewNop())

	_, irq, err := other.NewIRQ()
	require.NoError(t, err)
	_, ds, err := other.NewDataspace(abi.PageSize)
	require.NoError(t, err)

	_, err = ns.RegisterObject("b/ds", ds, abi.RightsAll)
	require.NoError(t, err)
	_, err = ns.RegisterObject("a/irq", irq, abi.RightR)
	require.NoError(t, err)
	_, err = ns.RegisterObject("Bad", irq, abi.RightR)
	assert.ErrorIs(t, err, ErrInvalidName)

	list := ns.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a/irq", list[0].Name)
	assert.Equal(t, kernel.KindIRQ.String(), list[0].Kind)
	assert.Equal(t, irq.ID().String(), list[0].Object)
	assert.Equal(t, "b/ds", list[1].Name)
	assert.Equal(t, kernel.KindDataspace.String(), list[1].Kind)
}

func TestStaleEntryIsDropped(t *testing.T) {
	k := newKernel(t)
	root, err := k.NewTask("root")
	require.NoError(t, err)
	ns := New(root, nil)

	cp, _, err := root.NewIRQ()
	require.NoError(t, err)
	require.NoError(t, ns.Register("irq", cp))

	// Someone else empties the slot behind the name space's back.
	root.Delete(cp)

	_, err = ns.Lookup("irq")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, ns.Len())
	assert.Empty(t, ns.List())
}

// serveIPC starts a dispatch loop for ns in its own task and hands the
// client a gate capability with rights.
func serveIPC(t *testing.T, k *kernel.Kernel, ns *Space, client *kernel.Task, rights abi.Rights) abi.Cap {
	t.Helper()
	th, _, err := ns.Task().NewThread("ns")
	require.NoError(t, err)
	bufs, err := dispatch.NewCapBuffers(ns.Task(), 1)
	require.NoError(t, err)
	srv := dispatch.NewServer(th, dispatch.WithPolicy(bufs))
	gate, err := srv.Registry().Serve(Handler(ns))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, func() bool { return th.State() == kernel.StateReceiveBlocked }, time.Second, time.Millisecond)

	g, _, ok := ns.Task().Caps().Resolve(gate.Index())
	require.True(t, ok)
	cp, err := client.InstallCap(g, rights)
	require.NoError(t, err)
	return cp
}

func TestHandlerOverIPC(t *testing.T) {
	k := newKernel(t)
	root, err := k.NewTask("root")
	require.NoError(t, err)
	app, err := k.NewTask("app")
	require.NoError(t, err)
	ns := New(root, nil)
	gate := serveIPC(t, k, ns, app, abi.RightsAll)

	caller, _, err := app.NewThread("caller")
	require.NoError(t, err)
	irqCap, irq, err := app.NewIRQ()
	require.NoError(t, err)
	u := caller.UTCB()

	call := func(op uint64, name string, cp abi.Cap) abi.Tag {
		w := codec.NewWriter(u)
		w.PutUint64(op)
		w.PutString(name)
		if cp != abi.InvalidCap {
			w.PutCap(cp, abi.RightsAll)
		}
		tag, err := w.Finish(Proto)
		require.NoError(t, err)
		out := caller.Call(gate, tag, abi.NeverTimeouts)
		require.False(t, out.HasError(), "ipc error %v", u.Error())
		return out
	}

	assert.Equal(t, int64(0), call(OpRegister, "irq/0", irqCap).Label())
	assert.Equal(t, abi.EEXIST.Label(), call(OpRegister, "irq/0", irqCap).Label())
	assert.Equal(t, abi.EINVAL.Label(), call(OpRegister, "BAD", irqCap).Label())
	assert.Equal(t, abi.ENAMETOOLONG.Label(), call(OpRegister, strings.Repeat("x", MaxName+1), irqCap).Label())

	o, err := ns.Resolve("irq/0")
	require.NoError(t, err)
	assert.Same(t, irq, o)

	u.SetBuffers(abi.RecvWindow(abi.ObjFpage(40, 0, abi.RightsAll)))
	reply := call(OpLookup, "irq/0", abi.InvalidCap)
	require.Equal(t, int64(0), reply.Label())
	got, err := codec.NewReader(u, reply).Cap()
	require.NoError(t, err)
	assert.Equal(t, uint64(40), got.Index())
	o, _, ok := app.Caps().Resolve(40)
	require.True(t, ok)
	assert.Same(t, irq, o)

	assert.Equal(t, abi.ENOENT.Label(), call(OpLookup, "nope", abi.InvalidCap).Label())
	assert.Equal(t, int64(0), call(OpUnregister, "irq/0", abi.InvalidCap).Label())
	assert.Equal(t, abi.ENOENT.Label(), call(OpLookup, "irq/0", abi.InvalidCap).Label())
}

func TestHandlerNeedsWriteRight(t *testing.T) {
	k := newKernel(t)
	root, err := k.NewTask("root")
	require.NoError(t, err)
	app, err := k.NewTask("app")
	require.NoError(t, err)
	ns := New(root, nil)
	gate := serveIPC(t, k, ns, app, abi.RightR)

	caller, _, err := app.NewThread("caller")
	require.NoError(t, err)
	irqCap, _, err := app.NewIRQ()
	require.NoError(t, err)

	w := codec.NewWriter(caller.UTCB())
	w.PutUint64(OpRegister)
	w.PutString("irq")
	w.PutCap(irqCap, abi.RightsAll)
	tag, err := w.Finish(Proto)
	require.NoError(t, err)
	reply := caller.Call(gate, tag, abi.NeverTimeouts)
	assert.Equal(t, abi.EPERM.Label(), reply.Label())
	assert.Zero(t, ns.Len())
}
