package dispatch

import (
	"sync"
	"time"

	"github.com/GriffinCanCode/l4core/internal/abi"
	"github.com/GriffinCanCode/l4core/internal/kernel"
	"github.com/GriffinCanCode/l4core/internal/utcb"
	"github.com/google/btree"
)

// Policy prepares each wait of the server loop. All methods run on the
// loop goroutine.
type Policy interface {
	// Setup fills the buffer registers before a wait.
	Setup(u *utcb.UTCB)
	// Timeout is the receive timeout of the next wait.
	Timeout() abi.Timeout
	// Claim returns the buffers the last message filled.
	Claim() []abi.Cap
	// Expired runs when a wait ended with a receive timeout.
	Expired()
}

// Bufferless offers no receive buffers and waits forever.
type Bufferless struct{}

func (Bufferless) Setup(u *utcb.UTCB)   { u.ClearBuffers() }
func (Bufferless) Timeout() abi.Timeout { return abi.TimeoutNever }
func (Bufferless) Claim() []abi.Cap     { return nil }
func (Bufferless) Expired()             {}

// CapBuffers keeps n capability slots open for incoming capabilities.
// A slot that receives a capability is handed to the request and
// replaced by a fresh one.
type CapBuffers struct {
	caps  *kernel.CapTable
	slots []abi.Cap
}

// NewCapBuffers reserves n slots in task's capability table.
func NewCapBuffers(task *kernel.Task, n int) (*CapBuffers, error) {
	if n > utcb.MaxBufferItems {
		n = utcb.MaxBufferItems
	}
	p := &CapBuffers{caps: task.Caps(), slots: make([]abi.Cap, n)}
	for i := range p.slots {
		cp, err := p.caps.Alloc()
		if err != nil {
			p.Release()
			return nil, err
		}
		p.slots[i] = cp
	}
	return p, nil
}

func (p *CapBuffers) Setup(u *utcb.UTCB) {
	items := make([]abi.Item, 0, len(p.slots))
	for i, cp := range p.slots {
		if cp == abi.InvalidCap {
			fresh, err := p.caps.Alloc()
			if err != nil {
				continue
			}
			p.slots[i] = fresh
			cp = fresh
		}
		items = append(items, abi.RecvWindow(abi.ObjFpage(cp.Index(), 0, abi.RightsAll)))
	}
	u.SetBuffers(items...)
}

func (p *CapBuffers) Timeout() abi.Timeout { return abi.TimeoutNever }

func (p *CapBuffers) Claim() []abi.Cap {
	var out []abi.Cap
	for i, cp := range p.slots {
		if cp == abi.InvalidCap {
			continue
		}
		if _, _, ok := p.caps.Resolve(cp.Index()); !ok {
			continue
		}
		out = append(out, cp)
		p.slots[i] = abi.InvalidCap
		if fresh, err := p.caps.Alloc(); err == nil {
			p.slots[i] = fresh
		}
	}
	return out
}

func (p *CapBuffers) Expired() {}

// Slots returns the slots currently offered.
func (p *CapBuffers) Slots() []abi.Cap {
	out := make([]abi.Cap, 0, len(p.slots))
	for _, cp := range p.slots {
		if cp != abi.InvalidCap {
			out = append(out, cp)
		}
	}
	return out
}

// Release returns the unused reserved slots to the table.
func (p *CapBuffers) Release() {
	for i, cp := range p.slots {
		if cp != abi.InvalidCap {
			p.caps.Free(cp)
			p.slots[i] = abi.InvalidCap
		}
	}
}

// DeadlineID names a scheduled deadline.
type DeadlineID uint64

type deadline struct {
	at  time.Time
	id  DeadlineID
	run func()
}

func deadlineLess(a, b deadline) bool {
	if a.at.Equal(b.at) {
		return a.id < b.id
	}
	return a.at.Before(b.at)
}

// Deadlines wraps a policy with a queue of timed callbacks. The receive
// timeout becomes the distance to the nearest deadline; expired callbacks
// run on the loop goroutine when the wait times out or a request is done.
type Deadlines struct {
	Policy

	now func() time.Time

	mu    sync.Mutex
	queue *btree.BTreeG[deadline]
	byID  map[DeadlineID]deadline
	next  DeadlineID
}

// WithTimeouts adds deadline tracking to inner.
func WithTimeouts(inner Policy) *Deadlines {
	if inner == nil {
		inner = Bufferless{}
	}
	return &Deadlines{
		Policy: inner,
		now:    time.Now,
		queue:  btree.NewG(8, deadlineLess),
		byID:   make(map[DeadlineID]deadline),
	}
}

// Add schedules fn at at.
func (d *Deadlines) Add(at time.Time, fn func()) DeadlineID {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.next++
	dl := deadline{at: at, id: d.next, run: fn}
	d.queue.ReplaceOrInsert(dl)
	d.byID[dl.id] = dl
	return dl.id
}

// After schedules fn after dur.
func (d *Deadlines) After(dur time.Duration, fn func()) DeadlineID {
	return d.Add(d.now().Add(dur), fn)
}

// Cancel removes a deadline. It reports whether it was still pending.
func (d *Deadlines) Cancel(id DeadlineID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	dl, ok := d.byID[id]
	if !ok {
		return false
	}
	delete(d.byID, id)
	d.queue.Delete(dl)
	return true
}

// Pending returns the number of scheduled deadlines.
func (d *Deadlines) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queue.Len()
}

func (d *Deadlines) Timeout() abi.Timeout {
	d.mu.Lock()
	first, ok := d.queue.Min()
	d.mu.Unlock()
	if !ok {
		return d.Policy.Timeout()
	}
	wait := first.at.Sub(d.now())
	if wait <= 0 {
		return abi.TimeoutZero
	}
	return abi.RelTimeout(wait)
}

// Expired runs every callback whose deadline has passed, then the inner
// policy's.
func (d *Deadlines) Expired() {
	d.RunDue()
	d.Policy.Expired()
}

// RunDue runs every callback whose deadline has passed. The server loop
// calls it after each request so busy loops still fire their deadlines.
func (d *Deadlines) RunDue() {
	now := d.now()
	var due []deadline
	d.mu.Lock()
	for {
		first, ok := d.queue.Min()
		if !ok || first.at.After(now) {
			break
		}
		d.queue.DeleteMin()
		delete(d.byID, first.id)
		due = append(due, first)
	}
	d.mu.Unlock()

	for _, dl := range due {
		dl.run()
	}
}
