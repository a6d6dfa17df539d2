package dispatch

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/GriffinCanCode/l4core/internal/abi"
	"github.com/GriffinCanCode/l4core/internal/kernel"
)

var (
	// ErrNotGate reports a capability that does not name a gate.
	ErrNotGate = errors.New("dispatch: capability is not a gate")
	// ErrRegistered reports a gate registered twice.
	ErrRegistered = errors.New("dispatch: gate already registered")
	// ErrNotRegistered reports an unknown gate.
	ErrNotRegistered = errors.New("dispatch: gate not registered")
)

// labelStep keeps the low two label bits free for the sender's rights.
const labelStep = 1 << 2

// Entry describes one registered gate.
type Entry struct {
	Cap      abi.Cap `json:"cap"`
	Label    uint64  `json:"label"`
	Protocol int64   `json:"protocol"`
}

type binding struct {
	Entry
	gate    *kernel.Gate
	handler Handler
}

// Registry binds gates to a server thread. Every gate gets its own
// label, which is how the loop finds the handler for a message.
type Registry struct {
	thread *kernel.Thread

	mu      sync.RWMutex
	byLabel map[uint64]*binding
	byCap   map[uint64]uint64
	next    uint64
}

// NewRegistry creates a registry for gates served by th.
func NewRegistry(th *kernel.Thread) *Registry {
	return &Registry{
		thread:  th,
		byLabel: make(map[uint64]*binding),
		byCap:   make(map[uint64]uint64),
	}
}

// Register binds the gate named by cp in the server's task to the
// server thread and routes its messages to h.
func (r *Registry) Register(cp abi.Cap, h Handler) (uint64, error) {
	o, _, ok := r.thread.Task().Caps().ResolveCap(cp)
	if !ok {
		return 0, fmt.Errorf("%w: %v", ErrNotGate, cp)
	}
	g, ok := o.(*kernel.Gate)
	if !ok {
		return 0, fmt.Errorf("%w: %v is a %s", ErrNotGate, cp, o.Kind())
	}

	r.mu.Lock()
	if _, dup := r.byCap[cp.Index()]; dup {
		r.mu.Unlock()
		return 0, fmt.Errorf("%w: %v", ErrRegistered, cp)
	}
	r.next += labelStep
	label := r.next
	if err := g.Bind(r.thread, label); err != nil {
		r.mu.Unlock()
		return 0, fmt.Errorf("dispatch: bind %v: %w", cp, err)
	}
	b := &binding{
		Entry:   Entry{Cap: abi.CapFromIndex(cp.Index()), Label: label, Protocol: h.Protocol()},
		gate:    g,
		handler: h,
	}
	r.byLabel[label] = b
	r.byCap[cp.Index()] = label
	r.mu.Unlock()
	return label, nil
}

// Serve creates a new gate in the server's task and registers it.
func (r *Registry) Serve(h Handler) (abi.Cap, error) {
	cp, g, err := r.thread.Task().NewGate(nil, 0)
	if err != nil {
		return abi.InvalidCap, err
	}
	if _, err := r.Register(cp, h); err != nil {
		g.Unbind()
		r.thread.Task().Delete(cp)
		return abi.InvalidCap, err
	}
	return cp, nil
}

// Unregister unbinds the gate. Senders blocked on it are canceled.
func (r *Registry) Unregister(cp abi.Cap) error {
	r.mu.Lock()
	label, ok := r.byCap[cp.Index()]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrNotRegistered, cp)
	}
	b := r.byLabel[label]
	delete(r.byCap, cp.Index())
	delete(r.byLabel, label)
	r.mu.Unlock()

	b.gate.Unbind()
	return nil
}

// Lookup returns the handler for a message label. The rights bits are
// ignored.
func (r *Registry) Lookup(label uint64) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.byLabel[label&^uint64(abi.RightW|abi.RightS)]
	if !ok {
		return nil, false
	}
	return b.handler, true
}

// List returns the registered gates ordered by label.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.byLabel))
	for _, b := range r.byLabel {
		out = append(out, b.Entry)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out
}

// Len returns the number of registered gates.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byLabel)
}
