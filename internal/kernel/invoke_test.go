package kernel

import (
	"testing"

	"github.com/GriffinCanCode/l4core/internal/abi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// invokeObj calls a kernel object with the given protocol and message
// words and returns the reply tag.
func invokeObj(th *Thread, cp abi.Cap, proto int64, words ...uint64) abi.Tag {
	u := th.UTCB()
	copy(u.MR[:], words)
	return th.Call(cp, abi.NewTag(proto, len(words), 0, 0), abi.NeverTimeouts)
}

func errnoOf(tag abi.Tag) abi.Errno {
	return abi.ErrnoFromLabel(tag.Label())
}

func TestFactoryCreates(t *testing.T) {
	tests := []struct {
		name  string
		proto int64
		args  []uint64
		kind  Kind
	}{
		{"task", abi.ProtoTask, nil, KindTask},
		{"thread", abi.ProtoThread, []uint64{abi.InvalidCap.Raw()}, KindThread},
		{"gate", abi.ProtoKobject, []uint64{abi.InvalidCap.Raw(), 0x40}, KindGate},
		{"irq", abi.ProtoIRQSender, nil, KindIRQ},
		{"dataspace", abi.ProtoDataspace, []uint64{3 * abi.PageSize}, KindDataspace},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := newTestKernel(t)
			task := newTestTask(t, k, "client")
			th, _ := newTestThread(t, task, "client")
			th.UTCB().SetBuffers(abi.RecvWindow(abi.ObjFpage(40, 0, abi.RightsAll)))

			words := append([]uint64{FactoryOpcode(tt.proto)}, tt.args...)
			tag := invokeObj(th, abi.CapFromIndex(abi.FactoryCapIndex), abi.ProtoFactory, words...)
			require.False(t, tag.HasError())
			require.Equal(t, int64(0), tag.Label(), "errno %v", errnoOf(tag))
			require.Equal(t, 1, tag.Items())

			item := th.UTCB().Item(0, 0)
			assert.True(t, item.IsReceived())
			assert.Equal(t, uint64(40), item.Fpage().Unit())

			o, rights, ok := task.Caps().Resolve(40)
			require.True(t, ok)
			assert.Equal(t, tt.kind, o.Kind())
			assert.Equal(t, abi.RightsAll, rights)
			assert.Equal(t, int64(1), o.Refs(), "only the capability holds the object")
			assert.Equal(t, int64(1), k.Factory().Created())
		})
	}
}

func TestFactoryGateLabel(t *testing.T) {
	k := newTestKernel(t)
	task := newTestTask(t, k, "client")
	th, thCap := newTestThread(t, task, "client")
	th.UTCB().SetBuffers(abi.RecvWindow(abi.ObjFpage(40, 0, abi.RightsAll)))

	tag := invokeObj(th, abi.CapFromIndex(abi.FactoryCapIndex), abi.ProtoFactory,
		FactoryOpcode(abi.ProtoKobject), thCap.Raw(), 0x43)
	require.Equal(t, int64(0), tag.Label())

	o, _, ok := task.Caps().Resolve(40)
	require.True(t, ok)
	g := o.(*Gate)
	assert.Equal(t, uint64(0x40), g.Label(), "rights bits are cleared")
	assert.Same(t, th, g.Thread())
}

func TestFactoryErrors(t *testing.T) {
	t.Run("no receive window", func(t *testing.T) {
		k := newTestKernel(t)
		th, _ := newTestThread(t, newTestTask(t, k, "client"), "client")
		tag := invokeObj(th, abi.CapFromIndex(abi.FactoryCapIndex), abi.ProtoFactory, FactoryOpcode(abi.ProtoIRQSender))
		assert.Equal(t, abi.EINVAL, errnoOf(tag))
		assert.Equal(t, int64(2), k.LiveObjects(), "the new object was dropped")
	})

	t.Run("quota", func(t *testing.T) {
		k := newTestKernel(t, func(c *Config) { c.ObjectQuota = 2 })
		th, _ := newTestThread(t, newTestTask(t, k, "client"), "client")
		th.UTCB().SetBuffers(abi.RecvWindow(abi.ObjFpage(40, 0, abi.RightsAll)))
		tag := invokeObj(th, abi.CapFromIndex(abi.FactoryCapIndex), abi.ProtoFactory, FactoryOpcode(abi.ProtoIRQSender))
		assert.Equal(t, abi.ENOMEM, errnoOf(tag))
	})

	t.Run("out of frames", func(t *testing.T) {
		k := newTestKernel(t, func(c *Config) { c.FrameSlabs = 1; c.FramesPerSlab = 2 })
		th, _ := newTestThread(t, newTestTask(t, k, "client"), "client")
		th.UTCB().SetBuffers(abi.RecvWindow(abi.ObjFpage(40, 0, abi.RightsAll)))
		tag := invokeObj(th, abi.CapFromIndex(abi.FactoryCapIndex), abi.ProtoFactory,
			FactoryOpcode(abi.ProtoDataspace), 8*abi.PageSize)
		assert.Equal(t, abi.ENOMEM, errnoOf(tag))
	})

	t.Run("thread in non-task", func(t *testing.T) {
		k := newTestKernel(t)
		th, thCap := newTestThread(t, newTestTask(t, k, "client"), "client")
		th.UTCB().SetBuffers(abi.RecvWindow(abi.ObjFpage(40, 0, abi.RightsAll)))
		tag := invokeObj(th, abi.CapFromIndex(abi.FactoryCapIndex), abi.ProtoFactory,
			FactoryOpcode(abi.ProtoThread), thCap.Raw())
		assert.Equal(t, abi.EINVAL, errnoOf(tag))
	})
}

func TestInvokeDispatchErrors(t *testing.T) {
	k := newTestKernel(t)
	task := newTestTask(t, k, "client")
	th, _ := newTestThread(t, task, "client")
	self := abi.CapFromIndex(abi.TaskCapIndex)

	tests := []struct {
		name  string
		proto int64
		words []uint64
		want  abi.Errno
	}{
		{"wrong protocol", abi.ProtoThread, []uint64{TaskCapValid}, abi.EBADPROTO},
		{"no opcode", abi.ProtoTask, nil, abi.EMSGTOOSHORT},
		{"unknown opcode", abi.ProtoTask, []uint64{99}, abi.ENOSYS},
		{"short arguments", abi.ProtoTask, []uint64{TaskMap, 1}, abi.EMSGTOOSHORT},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tag := invokeObj(th, self, tt.proto, tt.words...)
			assert.False(t, tag.HasError(), "invocation errors are replies, not IPC errors")
			assert.Equal(t, tt.want, errnoOf(tag))
		})
	}
}

func TestTaskMapUnmap(t *testing.T) {
	k := newTestKernel(t)
	src := newTestTask(t, k, "src")
	dst := newTestTask(t, k, "dst")
	th, _ := newTestThread(t, src, "mapper")
	dstCap := capTo(t, src, dst)

	require.NoError(t, src.MapAnon(0x10000, abi.PageSize, abi.MemRW))
	require.NoError(t, src.WriteMem(0x10000, []byte("data")))

	desc := abi.MapItem(0x30000, 0).Desc
	tag := invokeObj(th, dstCap, abi.ProtoTask, TaskMap,
		abi.CapFromIndex(abi.TaskCapIndex).Raw(), desc, abi.MemFpage(0x10000, abi.PageShift, abi.MemR).Raw())
	require.Equal(t, int64(0), tag.Label(), "errno %v", errnoOf(tag))

	got, err := dst.ReadMem(0x30000, 4)
	require.NoError(t, err)
	assert.Equal(t, "data", string(got))
	assert.True(t, dst.Space().Mapped(0x30000, abi.MemR))
	assert.False(t, dst.Space().Mapped(0x30000, abi.MemW), "rights are masked")

	// Misaligned destination for a two-page fpage.
	tag = invokeObj(th, dstCap, abi.ProtoTask, TaskMap,
		abi.CapFromIndex(abi.TaskCapIndex).Raw(), abi.MapItem(0x31000, 0).Desc,
		abi.MemFpage(0x10000, abi.PageShift+1, abi.MemR).Raw())
	assert.Equal(t, abi.EINVAL, errnoOf(tag))

	tag = invokeObj(th, dstCap, abi.ProtoTask, TaskUnmap, abi.MemFpage(0x30000, abi.PageShift, abi.MemRWX).Raw())
	require.Equal(t, int64(0), tag.Label())
	assert.False(t, dst.Space().Mapped(0x30000, abi.MemR))
	assert.True(t, src.Space().Mapped(0x10000, abi.MemRW), "unmap acts on the invoked task only")
}

func TestTaskUnmapCapabilities(t *testing.T) {
	k := newTestKernel(t)
	task := newTestTask(t, k, "t")
	th, _ := newTestThread(t, task, "t")
	_, irq, err := task.NewIRQ()
	require.NoError(t, err)
	cp, err := task.InstallCap(irq, abi.RightsAll)
	require.NoError(t, err)
	self := abi.CapFromIndex(abi.TaskCapIndex)

	tag := invokeObj(th, self, abi.ProtoTask, TaskUnmap, abi.ObjFpage(cp.Index(), 0, abi.RightW).Raw(), 0)
	require.Equal(t, int64(0), tag.Label())
	_, rights, ok := task.Caps().Resolve(cp.Index())
	require.True(t, ok)
	assert.False(t, rights.Has(abi.RightW))

	tag = invokeObj(th, self, abi.ProtoTask, TaskUnmap, abi.ObjFpage(cp.Index(), 0, 0).Raw(), UnmapDelete)
	require.Equal(t, int64(0), tag.Label())
	_, _, ok = task.Caps().Resolve(cp.Index())
	assert.False(t, ok)
}

func TestTaskCapValid(t *testing.T) {
	k := newTestKernel(t)
	task := newTestTask(t, k, "t")
	th, thCap := newTestThread(t, task, "t")
	self := abi.CapFromIndex(abi.TaskCapIndex)

	assert.Equal(t, int64(1), invokeObj(th, self, abi.ProtoTask, TaskCapValid, thCap.Raw()).Label())
	assert.Equal(t, int64(0), invokeObj(th, self, abi.ProtoTask, TaskCapValid, abi.CapFromIndex(77).Raw()).Label())
}

func TestThreadControlAndStats(t *testing.T) {
	k := newTestKernel(t)
	task := newTestTask(t, k, "t")
	th, thCap := newTestThread(t, task, "t")
	pager, pagerCap := newTestThread(t, task, "pager")
	_ = pager

	tag := invokeObj(th, thCap, abi.ProtoThread, ThreadControl, pagerCap.Raw())
	require.Equal(t, int64(0), tag.Label())
	assert.True(t, th.Info().HasPager)

	tag = invokeObj(th, thCap, abi.ProtoThread, ThreadControl, abi.InvalidCap.Raw())
	require.Equal(t, int64(0), tag.Label())
	assert.False(t, th.Info().HasPager)

	tag = invokeObj(th, thCap, abi.ProtoThread, ThreadStats)
	require.Equal(t, 2, tag.Words())
	assert.Equal(t, uint64(2), th.UTCB().MR[0], "two calls finished before this one")
	assert.Equal(t, uint64(StateReady), th.UTCB().MR[1])
}

func TestThreadExRegsInvoke(t *testing.T) {
	k := newTestKernel(t)
	task := newTestTask(t, k, "t")
	ctl, _ := newTestThread(t, task, "ctl")
	blocked, blockedCap := newTestThread(t, task, "blocked")

	got := async(blocked, func() abi.Tag { tag, _ := blocked.Wait(abi.TimeoutNever); return tag })
	waitState(t, blocked, StateReceiveBlocked)

	tag := invokeObj(ctl, blockedCap, abi.ProtoThread, ThreadExRegs, ExRegsCancel)
	require.Equal(t, int64(0), tag.Label())
	assert.Equal(t, abi.IPCRecvCanceled, await(t, got).err)
}

func TestGateBindAndInfo(t *testing.T) {
	k := newTestKernel(t)
	task := newTestTask(t, k, "srv")
	srv, srvCap := newTestThread(t, task, "srv")
	gateCap, g, err := task.NewGate(nil, 0)
	require.NoError(t, err)

	tag := invokeObj(srv, gateCap, abi.ProtoKobject, GateGetInfo)
	require.Equal(t, 2, tag.Words())
	assert.Equal(t, uint64(0), srv.UTCB().MR[1], "unbound")

	tag = invokeObj(srv, gateCap, abi.ProtoKobject, GateBind, srvCap.Raw(), 0x20)
	require.Equal(t, int64(0), tag.Label())
	assert.Same(t, srv, g.Thread())

	tag = invokeObj(srv, gateCap, abi.ProtoKobject, GateGetInfo)
	require.Equal(t, int64(0), tag.Label())
	assert.Equal(t, uint64(0x20), srv.UTCB().MR[0])
	assert.Equal(t, uint64(1), srv.UTCB().MR[1])

	tag = invokeObj(srv, gateCap, abi.ProtoKobject, GateBind, abi.CapFromIndex(99).Raw(), 0x20)
	assert.Equal(t, abi.EINVAL, errnoOf(tag))
}

func TestIRQInvoke(t *testing.T) {
	k := newTestKernel(t)
	task := newTestTask(t, k, "drv")
	th, _ := newTestThread(t, task, "drv")
	irqCap, irq, err := task.NewIRQ()
	require.NoError(t, err)

	assert.Equal(t, abi.ENOENT, errnoOf(invokeObj(th, irqCap, abi.ProtoIRQSender, IRQTrigger)))

	require.Equal(t, int64(0), invokeObj(th, irqCap, abi.ProtoIRQSender, IRQAttach, 0x77, abi.InvalidCap.Raw()).Label())
	require.Equal(t, int64(0), invokeObj(th, irqCap, abi.ProtoIRQSender, IRQTrigger).Label())

	tag, label := th.Wait(abi.TimeoutZero)
	require.False(t, tag.HasError())
	assert.Equal(t, abi.ProtoIRQ, tag.Label())
	assert.Equal(t, uint64(0x77), label)
	assert.Equal(t, uint64(2), irq.Triggers())

	require.Equal(t, int64(0), invokeObj(th, irqCap, abi.ProtoIRQSender, IRQDetach).Label())
	assert.Equal(t, abi.ENOENT, errnoOf(invokeObj(th, irqCap, abi.ProtoIRQSender, IRQTrigger)))
}

func TestDataspaceInvoke(t *testing.T) {
	k := newTestKernel(t)
	task := newTestTask(t, k, "client")
	th, _ := newTestThread(t, task, "client")
	dsCap, ds, err := task.NewDataspace(2 * abi.PageSize)
	require.NoError(t, err)

	tag := invokeObj(th, dsCap, abi.ProtoDataspace, DataspaceSize)
	require.Equal(t, 1, tag.Words())
	assert.Equal(t, uint64(2*abi.PageSize), th.UTCB().MR[0])

	tag = invokeObj(th, dsCap, abi.ProtoDataspace, DataspaceMap, abi.PageSize, 0x70000, uint64(abi.MemRW))
	require.Equal(t, int64(0), tag.Label())
	require.NoError(t, task.WriteMem(0x70000, []byte("shared")))

	// A second task mapping the same page sees the data.
	other := newTestTask(t, k, "other")
	require.NoError(t, ds.MapInto(other, abi.PageSize, 0x90000, abi.MemR))
	got, err := other.ReadMem(0x90000, 6)
	require.NoError(t, err)
	assert.Equal(t, "shared", string(got))

	tag = invokeObj(th, dsCap, abi.ProtoDataspace, DataspaceMap, 3*abi.PageSize, 0x80000, uint64(abi.MemR))
	assert.Equal(t, abi.ERANGE, errnoOf(tag))

	roCap, err := task.InstallCap(ds, abi.RightR)
	require.NoError(t, err)
	tag = invokeObj(th, roCap, abi.ProtoDataspace, DataspaceMap, 0, 0x80000, uint64(abi.MemRW))
	assert.Equal(t, abi.EPERM, errnoOf(tag))
	tag = invokeObj(th, roCap, abi.ProtoDataspace, DataspaceMap, 0, 0x80000, uint64(abi.MemR))
	assert.Equal(t, int64(0), tag.Label())
}

func TestLogWrite(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	cfg := DefaultConfig()
	cfg.CapTableSize = 64
	cfg.FrameSlabs = 1
	cfg.FramesPerSlab = 4
	k := New(cfg, WithLogger(zap.New(core)))
	t.Cleanup(k.Shutdown)

	task := newTestTask(t, k, "app")
	th, _ := newTestThread(t, task, "main")
	logCap := abi.CapFromIndex(abi.LogCapIndex)

	text := "hello, log"
	words := []uint64{LogWrite, uint64(len(text)), 0, 0}
	for i := 0; i < len(text); i++ {
		words[2+i/8] |= uint64(text[i]) << (8 * (i % 8))
	}
	tag := invokeObj(th, logCap, abi.ProtoLog, words...)
	require.Equal(t, int64(0), tag.Label())

	entries := logs.FilterMessage("log").All()
	require.Len(t, entries, 1)
	ctx := entries[0].ContextMap()
	assert.Equal(t, "hello, log", ctx["text"])
	assert.Equal(t, "app", ctx["task"])
	assert.Equal(t, "main", ctx["thread"])

	tag = invokeObj(th, logCap, abi.ProtoLog, LogWrite, 100, 0)
	assert.Equal(t, abi.EMSGTOOLONG, errnoOf(tag))
}
