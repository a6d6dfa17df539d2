package kernel

import (
	"sync/atomic"
	"time"

	"github.com/GriffinCanCode/l4core/internal/abi"
	"github.com/GriffinCanCode/l4core/internal/shared/id"
	"github.com/GriffinCanCode/l4core/internal/utcb"
	"go.uber.org/zap"
)

// ThreadState is the rendezvous state of a thread.
type ThreadState uint8

const (
	StateReady ThreadState = iota
	StateSendBlocked
	StateReceiveBlocked
	StateDead
)

func (s ThreadState) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateSendBlocked:
		return "send_blocked"
	case StateReceiveBlocked:
		return "receive_blocked"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// ExRegsCancel in the ExRegs flags aborts a blocked IPC of the target.
const ExRegsCancel uint64 = 0x10000

// pending is a message offered by a send-blocked thread.
type pending struct {
	tag   abi.Tag
	label uint64
	via   *Gate
	call  bool
}

type result struct {
	tag   abi.Tag
	label uint64
	err   abi.IPCError
}

// Thread is a kernel thread. Its IPC operations must be called only from
// the goroutine that drives it.
type Thread struct {
	kobj
	task *Task
	name string
	utcb *utcb.UTCB
	wake chan struct{}

	// Guarded by k.mu.
	state   ThreadState
	partner *Thread
	sendTo  *Thread
	pending *pending
	senders []*Thread
	caller  *Thread
	res     result
	sndErr  abi.IPCError
	irqs    []*IRQ
	pager   Weak

	ipcs   atomic.Uint64
	faults atomic.Uint64
}

func newThreadStruct(task *Task, name string) *Thread {
	return &Thread{
		task: task,
		name: name,
		utcb: utcb.New(),
		wake: make(chan struct{}, 1),
	}
}

// newThread creates a thread bound to task. The caller holds the
// creation reference.
func (k *Kernel) newThread(task *Task, name string) (*Thread, error) {
	t := newThreadStruct(task, name)
	if err := k.create(t, KindThread, id.ThreadPrefix); err != nil {
		return nil, err
	}
	task.addThread(t)
	k.log.Debug("thread created", zap.String("id", t.id.String()), zap.String("name", name), zap.String("task", task.id.String()))
	return t, nil
}

// faultContext creates the transient thread that runs a page-fault call
// on behalf of task. It is never installed in a capability table.
func (k *Kernel) faultContext(task *Task) *Thread {
	t := newThreadStruct(task, "fault")
	b := t.obj()
	b.k = k
	b.kind = KindThread
	b.self = t
	b.refs.Store(1)
	return t
}

// UTCB returns the thread's register file.
func (t *Thread) UTCB() *utcb.UTCB { return t.utcb }

// Task returns the task the thread runs in.
func (t *Thread) Task() *Task { return t.task }

// Name returns the debug name.
func (t *Thread) Name() string { return t.name }

// State returns the current rendezvous state.
func (t *Thread) State() ThreadState {
	t.k.mu.Lock()
	defer t.k.mu.Unlock()
	return t.state
}

// SetPager sets the thread that resolves this thread's page faults.
func (t *Thread) SetPager(p *Thread) {
	t.k.mu.Lock()
	defer t.k.mu.Unlock()
	if p == nil {
		t.pager = Weak{}
		return
	}
	t.pager = WeakRef(p)
}

// Cancel aborts a blocked send or receive. It reports whether the thread
// was blocked.
func (t *Thread) Cancel() bool {
	k := t.k
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.cancel(t)
}

func (k *Kernel) cancel(t *Thread) bool {
	if t.state != StateSendBlocked && t.state != StateReceiveBlocked {
		return false
	}
	k.abort(t, abi.IPCSendCanceled)
	return true
}

// ThreadInfo is a point-in-time view of a thread.
type ThreadInfo struct {
	ID       string `json:"id" cbor:"1,keyasint"`
	Name     string `json:"name" cbor:"2,keyasint"`
	Task     string `json:"task" cbor:"3,keyasint"`
	State    string `json:"state" cbor:"4,keyasint"`
	IPCs     uint64 `json:"ipcs" cbor:"5,keyasint"`
	Faults   uint64 `json:"faults" cbor:"6,keyasint"`
	Senders  int    `json:"senders" cbor:"7,keyasint"`
	HasPager bool   `json:"has_pager" cbor:"8,keyasint"`
}

// Info returns the thread's statistics.
func (t *Thread) Info() ThreadInfo {
	t.k.mu.Lock()
	defer t.k.mu.Unlock()
	return t.info()
}

func (t *Thread) info() ThreadInfo {
	return ThreadInfo{
		ID:       t.id.String(),
		Name:     t.name,
		Task:     t.task.id.String(),
		State:    t.state.String(),
		IPCs:     t.ipcs.Load(),
		Faults:   t.faults.Load(),
		Senders:  len(t.senders),
		HasPager: t.pager.Valid() && t.pager.o.Alive(),
	}
}

// finish stores the outcome of a system call in the UTCB and returns the
// tag the caller sees.
func (t *Thread) finish(op string, tag abi.Tag, err abi.IPCError, started time.Time) abi.Tag {
	t.ipcs.Add(1)
	t.utcb.SetError(err)
	t.k.observeIPC(op, err, started)
	if err != abi.IPCOK {
		t.k.log.Debug("ipc failed",
			zap.String("thread", t.name),
			zap.String("op", op),
			zap.Stringer("error", err))
		return tag.WithFlags(abi.FlagError)
	}
	return tag
}

// destroy kills the thread: it stops accepting IPC, blocked senders and
// closed waiters are canceled.
func (t *Thread) destroy() {
	k := t.k
	k.mu.Lock()
	k.kill(t)
	k.mu.Unlock()
	t.task.removeThread(t)
}

func (k *Kernel) kill(t *Thread) {
	if t.state == StateDead {
		return
	}
	k.cancel(t)
	t.state = StateDead

	for _, s := range t.senders {
		s.state = StateReady
		s.sendTo = nil
		s.pending = nil
		s.sndErr = abi.IPCSendCanceled
		wakeup(s)
	}
	t.senders = nil
	if c := t.caller; c != nil && c.state == StateReceiveBlocked && c.partner == t {
		k.abort(c, abi.IPCRecvCanceled)
	}
	t.caller = nil
	for _, irq := range t.irqs {
		irq.queued = false
	}
	t.irqs = nil

	// Closed waiters, including a caller waiting for our reply.
	k.Objects(func(o Object) bool {
		w, ok := o.(*Thread)
		if ok && w.state == StateReceiveBlocked && w.partner == t {
			k.abort(w, abi.IPCRecvCanceled)
		}
		return true
	})
	k.log.Debug("thread killed", zap.String("id", t.id.String()), zap.String("name", t.name))
}

func wakeup(t *Thread) {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}
