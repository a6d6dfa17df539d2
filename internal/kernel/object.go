package kernel

import (
	"sync/atomic"

	"github.com/GriffinCanCode/l4core/internal/abi"
	"github.com/GriffinCanCode/l4core/internal/shared/id"
)

// Kind discriminates kernel objects.
type Kind uint8

const (
	KindThread Kind = iota + 1
	KindTask
	KindGate
	KindIRQ
	KindFactory
	KindDataspace
	KindLog
)

func (k Kind) String() string {
	switch k {
	case KindThread:
		return "thread"
	case KindTask:
		return "task"
	case KindGate:
		return "gate"
	case KindIRQ:
		return "irq"
	case KindFactory:
		return "factory"
	case KindDataspace:
		return "dataspace"
	case KindLog:
		return "log"
	default:
		return "unknown"
	}
}

// Proto returns the protocol label the kind's operations are invoked with.
func (k Kind) Proto() int64 {
	switch k {
	case KindThread:
		return abi.ProtoThread
	case KindTask:
		return abi.ProtoTask
	case KindGate:
		return abi.ProtoKobject
	case KindIRQ:
		return abi.ProtoIRQSender
	case KindFactory:
		return abi.ProtoFactory
	case KindDataspace:
		return abi.ProtoDataspace
	case KindLog:
		return abi.ProtoLog
	default:
		return abi.ProtoNone
	}
}

// Object is a kernel object named by capabilities.
type Object interface {
	ID() id.ObjectID
	Kind() Kind
	Alive() bool
	Refs() int64

	obj() *kobj
	destroy()
}

// kobj is the part every kernel object shares.
type kobj struct {
	id      id.ObjectID
	kind    Kind
	k       *Kernel
	self    Object
	counted bool

	refs atomic.Int64
	dead atomic.Bool
}

func (o *kobj) obj() *kobj { return o }

// ID returns the object's unique id.
func (o *kobj) ID() id.ObjectID { return o.id }

// Kind returns the object kind.
func (o *kobj) Kind() Kind { return o.kind }

// Alive reports whether the object still has references.
func (o *kobj) Alive() bool { return !o.dead.Load() }

// Refs returns the current reference count.
func (o *kobj) Refs() int64 { return o.refs.Load() }

// Kernel returns the owning kernel.
func (o *kobj) Kernel() *Kernel { return o.k }

// IncRef takes a reference on an object known to be alive.
func (o *kobj) IncRef() { o.refs.Add(1) }

// TryIncRef takes a reference unless the count already reached zero.
func (o *kobj) TryIncRef() bool {
	for {
		n := o.refs.Load()
		if n <= 0 {
			return false
		}
		if o.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// DecRef drops a reference. The last one retires the object; it is
// destroyed at the end of the current kernel entry.
func (o *kobj) DecRef() {
	if o.refs.Add(-1) == 0 {
		o.dead.Store(true)
		o.k.retire(o.self)
	}
}
