package kernel

import (
	"testing"

	"github.com/GriffinCanCode/l4core/internal/abi"
	"github.com/GriffinCanCode/l4core/internal/utcb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pair sets up a sender task and a receiver thread blocked in an open
// wait, with rcvBufs offered as receive buffers.
type pair struct {
	k       *Kernel
	sndTask *Task
	rcvTask *Task
	snd     *Thread
	rcv     *Thread
	rcvCap  abi.Cap
}

func newPair(t *testing.T, tweak ...func(*Config)) *pair {
	t.Helper()
	k := newTestKernel(t, tweak...)
	p := &pair{k: k, sndTask: newTestTask(t, k, "snd"), rcvTask: newTestTask(t, k, "rcv")}
	p.snd, _ = newTestThread(t, p.sndTask, "snd")
	p.rcv, _ = newTestThread(t, p.rcvTask, "rcv")
	p.rcvCap = capTo(t, p.sndTask, p.rcv)
	return p
}

// exchange delivers one message and returns what both sides saw.
func (p *pair) exchange(t *testing.T, tag abi.Tag, bufs ...abi.Item) (snd, rcv ipcOutcome) {
	t.Helper()
	p.rcv.UTCB().SetBuffers(bufs...)
	got := async(p.rcv, func() abi.Tag { tag, _ := p.rcv.Wait(abi.TimeoutNever); return tag })
	waitState(t, p.rcv, StateReceiveBlocked)

	out := p.snd.Send(p.rcvCap, tag, abi.TimeoutNever)
	return ipcOutcome{tag: out, err: p.snd.UTCB().Error()}, await(t, got)
}

func TestMessageCut(t *testing.T) {
	p := newPair(t)
	u := p.snd.UTCB()
	for i := range u.MR {
		u.MR[i] = uint64(i + 1)
	}

	snd, rcv := p.exchange(t, abi.NewTag(3, 63, 1, 0))

	assert.Equal(t, abi.IPCSendMsgCut, snd.err)
	assert.Equal(t, abi.IPCRecvMsgCut, rcv.err)
	assert.True(t, rcv.tag.HasError())
	assert.Equal(t, 63, rcv.tag.Words())
	assert.Equal(t, 0, rcv.tag.Items())
	assert.Equal(t, uint64(63), p.rcv.UTCB().MR[62])
}

func TestUntypedWordsCopied(t *testing.T) {
	p := newPair(t)
	u := p.snd.UTCB()
	u.MR[0], u.MR[1], u.MR[2] = 10, 20, 30

	snd, rcv := p.exchange(t, abi.NewTag(1, 3, 0, 0))
	require.Equal(t, abi.IPCOK, snd.err)
	require.Equal(t, abi.IPCOK, rcv.err)
	assert.Equal(t, [4]uint64{10, 20, 30, 0}, rcv.mr)
}

func TestHotSpot(t *testing.T) {
	tests := []struct {
		name      string
		fp        abi.Fpage
		win       abi.Fpage
		sndBase   uint64
		wantSrc   uint64
		wantDst   uint64
		wantOrder uint
	}{
		{
			name:      "equal sizes",
			fp:        abi.MemFpage(0x10000, 12, abi.MemRW),
			win:       abi.MemFpage(0x80000, 12, abi.MemRW),
			wantSrc:   0x10,
			wantDst:   0x80,
			wantOrder: 0,
		},
		{
			name:      "large send into small window picks the hot spot page",
			fp:        abi.MemFpage(0x10000, 14, abi.MemRW),
			win:       abi.MemFpage(0x80000, 12, abi.MemRW),
			sndBase:   0x2000,
			wantSrc:   0x12,
			wantDst:   0x80,
			wantOrder: 0,
		},
		{
			name:      "small send lands at its offset in a large window",
			fp:        abi.MemFpage(0x10000, 12, abi.MemRW),
			win:       abi.MemFpage(0x100000, 16, abi.MemRW),
			sndBase:   0x3000,
			wantSrc:   0x10,
			wantDst:   0x103,
			wantOrder: 0,
		},
		{
			name:      "wildcard window takes the send base as address",
			fp:        abi.MemFpage(0x400000, 13, abi.MemRW),
			win:       abi.FpageAll(abi.FpageMemory),
			sndBase:   0x500000,
			wantSrc:   0x400,
			wantDst:   0x500,
			wantOrder: 1,
		},
		{
			name:      "object slots",
			fp:        abi.ObjFpage(8, 2, abi.RightsAll),
			win:       abi.ObjFpage(32, 3, abi.RightsAll),
			sndBase:   4 << abi.PageShift,
			wantSrc:   8,
			wantDst:   36,
			wantOrder: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src, dst, order := hotSpot(tt.fp, tt.win, tt.sndBase)
			assert.Equal(t, tt.wantSrc, src)
			assert.Equal(t, tt.wantDst, dst)
			assert.Equal(t, tt.wantOrder, order)
		})
	}
}

func TestMapMemory(t *testing.T) {
	p := newPair(t)
	require.NoError(t, p.sndTask.MapAnon(0x10000, abi.PageSize, abi.MemRW))
	require.NoError(t, p.sndTask.WriteMem(0x10000, []byte("shared page")))

	u := p.snd.UTCB()
	u.MR[0] = 1
	require.True(t, u.SetItem(1, 0, abi.MapItem(0, abi.MemFpage(0x10000, 12, abi.MemR))))

	snd, rcv := p.exchange(t, abi.NewTag(0, 1, 1, 0), abi.RecvWindow(abi.MemFpage(0x80000, 12, abi.MemRW)))
	require.Equal(t, abi.IPCOK, snd.err)
	require.Equal(t, abi.IPCOK, rcv.err)

	got, err := p.rcvTask.ReadMem(0x80000, 11)
	require.NoError(t, err)
	assert.Equal(t, "shared page", string(got))

	// Rights are masked by the send fpage: the mapping is read-only.
	assert.ErrorIs(t, p.rcvTask.WriteMem(0x80000, []byte("x")), ErrPageFault)

	item := p.rcv.UTCB().Item(1, 0)
	assert.True(t, item.IsReceived())
	assert.Equal(t, uint64(0x80000), item.Fpage().Base())

	// Both spaces see the same frame.
	require.NoError(t, p.sndTask.WriteMem(0x10000, []byte("S")))
	got, _ = p.rcvTask.ReadMem(0x80000, 1)
	assert.Equal(t, "S", string(got))
}

func TestMapOverlapLastWins(t *testing.T) {
	p := newPair(t)
	require.NoError(t, p.sndTask.MapAnon(0x10000, 2*abi.PageSize, abi.MemRW))
	require.NoError(t, p.sndTask.WriteMem(0x10000, []byte("first")))
	require.NoError(t, p.sndTask.WriteMem(0x11000, []byte("second")))

	// Applying the same item list again ends in the same mapping.
	for round := 1; round <= 2; round++ {
		u := p.snd.UTCB()
		u.SetItem(0, 0, abi.MapItem(0, abi.MemFpage(0x10000, 12, abi.MemRW)).WithCompound())
		u.SetItem(0, 1, abi.MapItem(0, abi.MemFpage(0x11000, 12, abi.MemRW)))

		snd, rcv := p.exchange(t, abi.NewTag(0, 0, 2, 0), abi.RecvWindow(abi.MemFpage(0x80000, 12, abi.MemRW)))
		require.Equal(t, abi.IPCOK, snd.err, "round %d", round)
		require.Equal(t, abi.IPCOK, rcv.err, "round %d", round)

		got, err := p.rcvTask.ReadMem(0x80000, 6)
		require.NoError(t, err)
		assert.Equal(t, "second", string(got), "round %d", round)
		assert.Equal(t, 1, p.rcvTask.Space().Pages(), "round %d", round)
		assert.Equal(t, 2, p.sndTask.Space().Pages(), "round %d", round)
	}
}

func TestGrantOverlappingRangeInTask(t *testing.T) {
	t.Run("memory", func(t *testing.T) {
		k := newTestKernel(t)
		task := newTestTask(t, k, "mover")
		require.NoError(t, task.MapAnon(0x10000, 2*abi.PageSize, abi.MemRW))
		require.NoError(t, task.WriteMem(0x10000, []byte("a")))
		require.NoError(t, task.WriteMem(0x11000, []byte("b")))

		k.mu.Lock()
		err := k.mapRange(task, task, abi.FpageMemory, 0x10, 0x11, 1, abi.MemRW, true)
		k.mu.Unlock()
		require.NoError(t, err)

		sp := task.Space()
		assert.Equal(t, 2, sp.Pages(), "both pages survive the move")
		assert.False(t, sp.Mapped(0x10000, abi.MemR))
		got, err := task.ReadMem(0x11000, 1)
		require.NoError(t, err)
		assert.Equal(t, "a", string(got))
		got, err = task.ReadMem(0x12000, 1)
		require.NoError(t, err)
		assert.Equal(t, "b", string(got))
	})

	t.Run("io ports", func(t *testing.T) {
		k := newTestKernel(t)
		task := newTestTask(t, k, "mover")
		task.Space().mapIO(0x60, abi.MemRW)
		task.Space().mapIO(0x61, abi.MemRW)

		k.mu.Lock()
		err := k.mapRange(task, task, abi.FpageIO, 0x60, 0x61, 1, abi.MemRW, true)
		k.mu.Unlock()
		require.NoError(t, err)

		sp := task.Space()
		assert.Equal(t, 2, sp.Ports())
		assert.False(t, sp.HasIO(0x60))
		assert.True(t, sp.HasIO(0x61))
		assert.True(t, sp.HasIO(0x62))
	})

	t.Run("capabilities", func(t *testing.T) {
		k := newTestKernel(t)
		task := newTestTask(t, k, "mover")
		_, a, err := task.NewIRQ()
		require.NoError(t, err)
		_, b, err := task.NewIRQ()
		require.NoError(t, err)
		require.NoError(t, task.Caps().install(40, a, abi.RightsAll, false))
		require.NoError(t, task.Caps().install(41, b, abi.RightsAll, false))

		k.mu.Lock()
		err = k.mapRange(task, task, abi.FpageObj, 40, 41, 1, uint8(abi.RightsAll), true)
		k.mu.Unlock()
		k.reap()
		require.NoError(t, err)

		caps := task.Caps()
		_, _, ok := caps.Resolve(40)
		assert.False(t, ok)
		o, _, ok := caps.Resolve(41)
		require.True(t, ok)
		assert.Same(t, a, o.(*IRQ))
		o, _, ok = caps.Resolve(42)
		require.True(t, ok)
		assert.Same(t, b, o.(*IRQ))
		assert.Equal(t, int64(2), a.Refs())
		assert.Equal(t, int64(2), b.Refs())
	})
}

func TestGrantRemovesSource(t *testing.T) {
	p := newPair(t)
	require.NoError(t, p.sndTask.MapAnon(0x10000, abi.PageSize, abi.MemRW))

	u := p.snd.UTCB()
	u.SetItem(0, 0, abi.GrantItem(0, abi.MemFpage(0x10000, 12, abi.MemRW)))

	snd, rcv := p.exchange(t, abi.NewTag(0, 0, 1, 0), abi.RecvWindow(abi.MemFpage(0x80000, 12, abi.MemRW)))
	require.Equal(t, abi.IPCOK, snd.err)
	require.Equal(t, abi.IPCOK, rcv.err)

	assert.False(t, p.sndTask.Space().Mapped(0x10000, abi.MemR))
	assert.True(t, p.rcvTask.Space().Mapped(0x80000, abi.MemRW))
	assert.True(t, p.rcv.UTCB().Item(0, 0).IsGrant())
}

func TestMapWithoutBufferFails(t *testing.T) {
	p := newPair(t)
	require.NoError(t, p.sndTask.MapAnon(0x10000, 2*abi.PageSize, abi.MemRW))

	u := p.snd.UTCB()
	u.SetItem(0, 0, abi.MapItem(0, abi.MemFpage(0x10000, 12, abi.MemRW)))
	u.SetItem(0, 1, abi.MapItem(0, abi.MemFpage(0x11000, 12, abi.MemRW)))

	// One window for two non-compound items: the second one fails and the
	// first one stays mapped.
	snd, rcv := p.exchange(t, abi.NewTag(0, 0, 2, 0), abi.RecvWindow(abi.MemFpage(0x80000, 12, abi.MemRW)))
	assert.Equal(t, abi.IPCSendMapFailed, snd.err)
	assert.Equal(t, abi.IPCRecvMapFailed, rcv.err)
	assert.True(t, p.rcvTask.Space().Mapped(0x80000, abi.MemR))
}

func TestMapWindowTypeMismatch(t *testing.T) {
	p := newPair(t)
	require.NoError(t, p.sndTask.MapAnon(0x10000, abi.PageSize, abi.MemRW))
	p.snd.UTCB().SetItem(0, 0, abi.MapItem(0, abi.MemFpage(0x10000, 12, abi.MemRW)))

	snd, _ := p.exchange(t, abi.NewTag(0, 0, 1, 0), abi.RecvWindow(abi.ObjFpage(20, 0, abi.RightsAll)))
	assert.Equal(t, abi.IPCSendMapFailed, snd.err)
}

func TestMapCapabilityRightsMasked(t *testing.T) {
	p := newPair(t)
	cp, irq, err := p.sndTask.NewIRQ()
	require.NoError(t, err)

	p.snd.UTCB().SetItem(0, 0, abi.MapItem(0, abi.ObjFpage(cp.Index(), 0, abi.RightR)))
	snd, rcv := p.exchange(t, abi.NewTag(0, 0, 1, 0), abi.RecvWindow(abi.ObjFpage(30, 0, abi.RightsAll)))
	require.Equal(t, abi.IPCOK, snd.err)
	require.Equal(t, abi.IPCOK, rcv.err)

	o, rights, ok := p.rcvTask.Caps().Resolve(30)
	require.True(t, ok)
	assert.Same(t, irq, o.(*IRQ))
	assert.Equal(t, abi.RightR, rights)
	assert.Equal(t, int64(2), irq.Refs())
}

func TestGrantCapability(t *testing.T) {
	p := newPair(t)
	cp, irq, err := p.sndTask.NewIRQ()
	require.NoError(t, err)

	sndBase := cp.Index() << abi.PageShift
	p.snd.UTCB().SetItem(0, 0, abi.GrantItem(sndBase, abi.ObjFpage(cp.Index(), 0, abi.RightsAll)))
	snd, _ := p.exchange(t, abi.NewTag(0, 0, 1, 0), abi.RecvWindow(abi.FpageAll(abi.FpageObj)))
	require.Equal(t, abi.IPCOK, snd.err)

	_, _, ok := p.sndTask.Caps().Resolve(cp.Index())
	assert.False(t, ok)
	o, _, ok := p.rcvTask.Caps().Resolve(cp.Index())
	require.True(t, ok, "the send base selects the slot inside a wildcard window")
	assert.Same(t, irq, o.(*IRQ))
	assert.Equal(t, int64(1), irq.Refs())
}

func TestMapIOPorts(t *testing.T) {
	p := newPair(t)
	p.sndTask.Space().mapIO(0x60, abi.MemRW)
	p.sndTask.Space().mapIO(0x61, abi.MemRW)

	p.snd.UTCB().SetItem(0, 0, abi.MapItem(0x60<<abi.PageShift, abi.IOFpage(0x60, 1, abi.MemRW)))
	snd, _ := p.exchange(t, abi.NewTag(0, 0, 1, 0), abi.RecvWindow(abi.FpageAll(abi.FpageIO)))
	require.Equal(t, abi.IPCOK, snd.err)
	assert.True(t, p.rcvTask.Space().HasIO(0x60))
	assert.True(t, p.rcvTask.Space().HasIO(0x61))
	assert.Equal(t, 2, p.rcvTask.Space().Ports())
}

func TestStringItem(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		capacity uint64
		wantErr  abi.IPCError
		want     string
	}{
		{"fits", "hello kernel", 64, abi.IPCOK, "hello kernel"},
		{"exact", "abcd", 4, abi.IPCOK, "abcd"},
		{"truncated", "hello kernel", 5, abi.IPCSendMsgCut, "hello"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPair(t)
			require.NoError(t, p.sndTask.MapAnon(0x10000, abi.PageSize, abi.MemRW))
			require.NoError(t, p.rcvTask.MapAnon(0x20000, abi.PageSize, abi.MemRW))
			require.NoError(t, p.sndTask.WriteMem(0x10000, []byte(tt.payload)))

			p.snd.UTCB().SetItem(0, 0, abi.StringItem(0x10000, uint64(len(tt.payload))))
			snd, rcv := p.exchange(t, abi.NewTag(0, 0, 1, 0), abi.RecvString(0x20000, tt.capacity))

			assert.Equal(t, tt.wantErr, snd.err)
			assert.Equal(t, tt.wantErr.Recv(), rcv.err)

			item := p.rcv.UTCB().Item(0, 0)
			assert.True(t, item.IsReceived())
			assert.Equal(t, uint64(len(tt.want)), item.Len())
			got, err := p.rcvTask.ReadMem(0x20000, len(tt.want))
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestCompoundStrings(t *testing.T) {
	p := newPair(t)
	require.NoError(t, p.sndTask.MapAnon(0x10000, abi.PageSize, abi.MemRW))
	require.NoError(t, p.rcvTask.MapAnon(0x20000, abi.PageSize, abi.MemRW))
	require.NoError(t, p.sndTask.WriteMem(0x10000, []byte("foo")))
	require.NoError(t, p.sndTask.WriteMem(0x10100, []byte("bar")))

	u := p.snd.UTCB()
	u.SetItem(0, 0, abi.StringItem(0x10000, 3).WithCompound())
	u.SetItem(0, 1, abi.StringItem(0x10100, 3))

	snd, _ := p.exchange(t, abi.NewTag(0, 0, 2, 0), abi.RecvString(0x20000, 16))
	require.Equal(t, abi.IPCOK, snd.err)

	got, err := p.rcvTask.ReadMem(0x20000, 6)
	require.NoError(t, err)
	assert.Equal(t, "foobar", string(got))
	assert.Equal(t, uint64(0x20003), p.rcv.UTCB().Item(0, 1).Addr())
}

func TestUTCBCapacityRespected(t *testing.T) {
	p := newPair(t)
	// 61 words plus one item is exactly 63 registers.
	p.snd.UTCB().SetItem(61, 0, abi.Item{Desc: abi.ItemMap})
	snd, rcv := p.exchange(t, abi.NewTag(0, 61, 1, 0))
	assert.Equal(t, abi.IPCOK, snd.err)
	assert.Equal(t, abi.IPCOK, rcv.err)
	assert.LessOrEqual(t, rcv.tag.Footprint(), utcb.MRCount)
}
