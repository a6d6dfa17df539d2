package kernel

import (
	"testing"
	"time"

	"github.com/GriffinCanCode/l4core/internal/abi"
	"github.com/GriffinCanCode/l4core/internal/utcb"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestKernel(t *testing.T, tweak ...func(*Config)) *Kernel {
	t.Helper()
	cfg := DefaultConfig()
	cfg.CapTableSize = 256
	cfg.FrameSlabs = 4
	cfg.FramesPerSlab = 32
	for _, fn := range tweak {
		fn(&cfg)
	}
	k := New(cfg, WithLogger(zap.NewNop()))
	t.Cleanup(k.Shutdown)
	return k
}

func newTestTask(t *testing.T, k *Kernel, name string) *Task {
	t.Helper()
	task, err := k.NewTask(name)
	require.NoError(t, err)
	return task
}

func newTestThread(t *testing.T, task *Task, name string) (*Thread, abi.Cap) {
	t.Helper()
	th, cp, err := task.NewThread(name)
	require.NoError(t, err)
	return th, cp
}

// capTo gives task a capability to o.
func capTo(t *testing.T, task *Task, o Object) abi.Cap {
	t.Helper()
	cp, err := task.InstallCap(o, abi.RightsAll)
	require.NoError(t, err)
	return cp
}

func waitState(t *testing.T, th *Thread, state ThreadState) {
	t.Helper()
	require.Eventually(t, func() bool { return th.State() == state }, 2*time.Second, time.Millisecond)
}

// serve runs a server loop on th until its IPC fails. handle computes the
// reply from the received message.
func serve(th *Thread, handle func(u *utcb.UTCB, tag abi.Tag, label uint64) abi.Tag) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		tag, label := th.Wait(abi.TimeoutNever)
		for !tag.HasError() {
			reply := handle(th.UTCB(), tag, label)
			tag, label = th.ReplyAndWait(reply, abi.TimeoutNever)
		}
	}()
	return done
}

type ipcOutcome struct {
	tag abi.Tag
	err abi.IPCError
	mr  [4]uint64
}

// async runs op on th in its own goroutine and reports the outcome.
func async(th *Thread, op func() abi.Tag) <-chan ipcOutcome {
	out := make(chan ipcOutcome, 1)
	go func() {
		tag := op()
		u := th.UTCB()
		o := ipcOutcome{tag: tag, err: u.Error()}
		copy(o.mr[:], u.MR[:4])
		out <- o
	}()
	return out
}

func await(t *testing.T, ch <-chan ipcOutcome) ipcOutcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("ipc did not complete")
		return ipcOutcome{}
	}
}
