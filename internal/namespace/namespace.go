// Package namespace maps names to capabilities. The boot path registers
// every started service here; clients look services up either directly
// or over IPC through Handler.
package namespace

import (
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/GriffinCanCode/l4core/internal/abi"
	"github.com/GriffinCanCode/l4core/internal/kernel"
	"go.uber.org/zap"
)

// MaxName is the longest accepted name.
const MaxName = 64

var (
	ErrNotFound    = fmt.Errorf("namespace: name not found: %w", abi.ENOENT)
	ErrExists      = fmt.Errorf("namespace: name already registered: %w", abi.EEXIST)
	ErrInvalidName = fmt.Errorf("namespace: invalid name: %w", abi.EINVAL)
	ErrNameTooLong = fmt.Errorf("namespace: name too long: %w", abi.ENAMETOOLONG)
	ErrDeadCap     = fmt.Errorf("namespace: capability does not resolve: %w", abi.ENOENT)
)

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._/-]*$`)

// Entry is one registered name.
type Entry struct {
	Name       string    `json:"name"`
	Cap        uint64    `json:"cap"`
	Kind       string    `json:"kind"`
	Object     string    `json:"object"`
	Registered time.Time `json:"registered"`
}

type record struct {
	cap abi.Cap
	at  time.Time
}

// Space is a flat name space over the capability table of one task.
// Registered capabilities are owned by the space and deleted from the
// table on Unregister.
type Space struct {
	task *kernel.Task
	log  *zap.Logger

	mu    sync.RWMutex
	names map[string]record
}

// New creates an empty name space over task's capabilities.
func New(task *kernel.Task, log *zap.Logger) *Space {
	if log == nil {
		log = zap.NewNop()
	}
	return &Space{
		task:  task,
		log:   log.Named("namespace"),
		names: make(map[string]record),
	}
}

// Task returns the task whose table holds the registered capabilities.
func (s *Space) Task() *kernel.Task { return s.task }

// ValidateName checks a name against the naming rules.
func ValidateName(name string) error {
	if len(name) > MaxName {
		return fmt.Errorf("%w: %d bytes", ErrNameTooLong, len(name))
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Register binds name to cp, a selector in the space's task.
func (s *Space) Register(name string, cp abi.Cap) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if _, _, ok := s.task.Caps().ResolveCap(cp); !ok {
		return fmt.Errorf("%w: %v", ErrDeadCap, cp)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.names[name]; ok {
		return fmt.Errorf("%w: %q", ErrExists, name)
	}
	s.names[name] = record{cap: cp, at: time.Now()}
	s.log.Info("name registered", zap.String("name", name), zap.Stringer("cap", cp))
	return nil
}

// RegisterObject installs a capability to o in the space's task and
// binds name to it.
func (s *Space) RegisterObject(name string, o kernel.Object, rights abi.Rights) (abi.Cap, error) {
	if err := ValidateName(name); err != nil {
		return abi.InvalidCap, err
	}
	cp, err := s.task.InstallCap(o, rights)
	if err != nil {
		return abi.InvalidCap, err
	}
	if err := s.Register(name, cp); err != nil {
		s.task.Delete(cp)
		return abi.InvalidCap, err
	}
	return cp, nil
}

// Lookup returns the capability bound to name. A name whose object has
// died is dropped and reported as not found.
func (s *Space) Lookup(name string) (abi.Cap, error) {
	s.mu.RLock()
	rec, ok := s.names[name]
	s.mu.RUnlock()
	if !ok {
		return abi.InvalidCap, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if _, _, alive := s.task.Caps().ResolveCap(rec.cap); !alive {
		s.drop(name, rec)
		return abi.InvalidCap, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return rec.cap, nil
}

// Resolve returns the object bound to name.
func (s *Space) Resolve(name string) (kernel.Object, error) {
	cp, err := s.Lookup(name)
	if err != nil {
		return nil, err
	}
	o, _, ok := s.task.Caps().ResolveCap(cp)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return o, nil
}

// Unregister removes name and deletes its capability.
func (s *Space) Unregister(name string) error {
	s.mu.Lock()
	rec, ok := s.names[name]
	if ok {
		delete(s.names, name)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	s.task.Delete(rec.cap)
	s.log.Info("name unregistered", zap.String("name", name))
	return nil
}

func (s *Space) drop(name string, rec record) {
	s.mu.Lock()
	if cur, ok := s.names[name]; ok && cur == rec {
		delete(s.names, name)
	}
	s.mu.Unlock()
	s.task.Delete(rec.cap)
}

// List returns the live entries sorted by name.
func (s *Space) List() []Entry {
	s.mu.RLock()
	out := make([]Entry, 0, len(s.names))
	for name, rec := range s.names {
		o, _, ok := s.task.Caps().ResolveCap(rec.cap)
		if !ok {
			continue
		}
		out = append(out, Entry{
			Name:       name,
			Cap:        rec.cap.Index(),
			Kind:       o.Kind().String(),
			Object:     o.ID().String(),
			Registered: rec.at,
		})
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of registered names, dead ones included.
func (s *Space) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.names)
}
