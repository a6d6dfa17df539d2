package rpc

import (
	"fmt"
	"sync"

	"github.com/GriffinCanCode/l4core/internal/kernel"
	"github.com/GriffinCanCode/l4core/internal/namespace"
)

// Pool hands out one client per service name. Every client gets its own
// thread in the pool's task and a copy of the capability registered under
// the name, with the same rights.
type Pool struct {
	task *kernel.Task
	ns   *namespace.Space
	opts []Option

	mu      sync.Mutex
	clients map[string]*Client
}

// NewPool creates clients in task for names registered in ns.
func NewPool(task *kernel.Task, ns *namespace.Space, opts ...Option) *Pool {
	return &Pool{
		task:    task,
		ns:      ns,
		opts:    opts,
		clients: make(map[string]*Client),
	}
}

// Client returns the client for name, creating it on first use.
func (p *Pool) Client(name string, proto int64) (*Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[name]; ok && c.proto == proto {
		if _, _, alive := p.task.Caps().ResolveCap(c.dest); alive {
			return c, nil
		}
	}

	src, err := p.ns.Lookup(name)
	if err != nil {
		return nil, err
	}
	o, rights, ok := p.ns.Task().Caps().ResolveCap(src)
	if !ok {
		return nil, fmt.Errorf("%w: %q", namespace.ErrNotFound, name)
	}
	cp, err := p.task.InstallCap(o, rights)
	if err != nil {
		return nil, fmt.Errorf("rpc: install %s: %w", name, err)
	}
	c, ok := p.clients[name]
	if ok {
		// Reuse the thread; only the destination changed.
		p.task.Delete(c.dest)
		c.mu.Lock()
		c.dest, c.proto = cp, proto
		c.mu.Unlock()
		return c, nil
	}
	th, _, err := p.task.NewThread("rpc/" + name)
	if err != nil {
		p.task.Delete(cp)
		return nil, fmt.Errorf("rpc: thread for %s: %w", name, err)
	}
	c = New(th, cp, proto, p.opts...)
	p.clients[name] = c
	return c, nil
}

// Len returns the number of clients created so far.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}
