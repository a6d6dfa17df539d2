package kernel

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GriffinCanCode/l4core/internal/abi"
	"github.com/GriffinCanCode/l4core/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/l4core/internal/shared/id"
	"github.com/GriffinCanCode/l4core/internal/slab"
	"go.uber.org/zap"
)

var (
	ErrQuota       = errors.New("kernel: object quota exhausted")
	ErrTableFull   = errors.New("kernel: capability table full")
	ErrBadIndex    = errors.New("kernel: capability index out of range")
	ErrDeadObject  = errors.New("kernel: object destroyed")
	ErrPageFault   = errors.New("kernel: page not mapped")
	ErrNoFrames    = errors.New("kernel: out of memory frames")
	ErrWrongObject = errors.New("kernel: capability names an object of another kind")
)

// Config holds kernel tunables.
type Config struct {
	CapTableSize  int
	FrameSlabs    int
	FramesPerSlab int
	ObjectQuota   int
	PagerRetries  int
	PagerTimeout  time.Duration // zero waits forever
}

// DefaultConfig returns the boot defaults.
func DefaultConfig() Config {
	return Config{
		CapTableSize:  4096,
		FrameSlabs:    64,
		FramesPerSlab: 64,
		ObjectQuota:   1024,
		PagerRetries:  3,
	}
}

// Option configures a Kernel.
type Option func(*Kernel)

// WithLogger sets the kernel logger.
func WithLogger(log *zap.Logger) Option {
	return func(k *Kernel) { k.log = log }
}

// WithMetrics enables metrics collection.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(k *Kernel) { k.metrics = m }
}

// Kernel owns all kernel objects and the IPC lock.
type Kernel struct {
	cfg     Config
	log     *zap.Logger
	metrics *monitoring.Metrics
	start   time.Time
	mem     *slab.Allocator

	// mu serializes rendezvous and transfer.
	mu sync.Mutex

	objects sync.Map // id.ObjectID -> Object
	live    atomic.Int64

	zmu     sync.Mutex
	zombies []Object

	tmu   sync.Mutex
	tasks []*Task // pinned by the boot path

	factory *Factory
	logObj  *Log
}

// New creates a kernel with its root factory and log object.
func New(cfg Config, opts ...Option) *Kernel {
	def := DefaultConfig()
	if cfg.CapTableSize <= int(abi.FirstFreeCapIndex) {
		cfg.CapTableSize = def.CapTableSize
	}
	if cfg.FrameSlabs <= 0 {
		cfg.FrameSlabs = def.FrameSlabs
	}
	if cfg.FramesPerSlab <= 0 {
		cfg.FramesPerSlab = def.FramesPerSlab
	}
	if cfg.ObjectQuota <= 0 {
		cfg.ObjectQuota = def.ObjectQuota
	}
	if cfg.PagerRetries <= 0 {
		cfg.PagerRetries = def.PagerRetries
	}

	k := &Kernel{
		cfg:   cfg,
		log:   zap.NewNop(),
		start: time.Now(),
	}
	for _, opt := range opts {
		opt(k)
	}
	k.mem = slab.New(slab.Class{
		Name:     "frame",
		Size:     abi.PageSize,
		PerSlab:  cfg.FramesPerSlab,
		MaxSlabs: cfg.FrameSlabs,
	})

	// The root factory and the log are pinned for the kernel's lifetime.
	k.factory = &Factory{quota: int64(cfg.ObjectQuota)}
	k.register(k.factory, KindFactory, id.FactoryPrefix)
	k.logObj = &Log{}
	k.register(k.logObj, KindLog, id.LogPrefix)

	k.log.Info("kernel started",
		zap.Int("cap_table_size", cfg.CapTableSize),
		zap.Int("frames", cfg.FrameSlabs*cfg.FramesPerSlab),
		zap.Int("object_quota", cfg.ObjectQuota))
	return k
}

// Config returns the effective configuration.
func (k *Kernel) Config() Config { return k.cfg }

// Logger returns the kernel logger.
func (k *Kernel) Logger() *zap.Logger { return k.log }

// Factory returns the root factory.
func (k *Kernel) Factory() *Factory { return k.factory }

// Now returns the kernel clock: microseconds since boot. Absolute
// timeouts are expressed on this clock.
func (k *Kernel) Now() uint64 {
	return uint64(time.Since(k.start).Microseconds())
}

// Uptime returns the time since boot.
func (k *Kernel) Uptime() time.Duration { return time.Since(k.start) }

// Lookup returns a live object by id.
func (k *Kernel) Lookup(oid id.ObjectID) (Object, bool) {
	v, ok := k.objects.Load(oid)
	if !ok {
		return nil, false
	}
	o := v.(Object)
	return o, o.Alive()
}

// Objects calls fn for every live object until fn returns false.
func (k *Kernel) Objects(fn func(Object) bool) {
	k.objects.Range(func(_, v any) bool {
		return fn(v.(Object))
	})
}

// Tasks returns the tasks created by the boot path.
func (k *Kernel) Tasks() []*Task {
	k.tmu.Lock()
	defer k.tmu.Unlock()
	return append([]*Task(nil), k.tasks...)
}

// Shutdown releases every boot task. Their threads die with their
// capability tables.
func (k *Kernel) Shutdown() {
	k.tmu.Lock()
	tasks := k.tasks
	k.tasks = nil
	k.tmu.Unlock()

	for _, t := range tasks {
		t.DecRef()
	}
	k.reap()
	k.log.Info("kernel stopped", zap.Int64("live_objects", k.live.Load()))
}

// create charges the object quota and registers o.
func (k *Kernel) create(o Object, kind Kind, prefix string) error {
	if k.live.Add(1) > int64(k.cfg.ObjectQuota) {
		k.live.Add(-1)
		return ErrQuota
	}
	o.obj().counted = true
	k.register(o, kind, prefix)
	return nil
}

// LiveObjects returns the number of quota-charged objects alive.
func (k *Kernel) LiveObjects() int64 { return k.live.Load() }

// register records a new object holding one reference for its creator.
func (k *Kernel) register(o Object, kind Kind, prefix string) {
	b := o.obj()
	b.id = id.NewObjectID(prefix)
	b.kind = kind
	b.k = k
	b.self = o
	b.refs.Store(1)
	k.objects.Store(b.id, o)
	if k.metrics != nil {
		k.metrics.AddObjects(kind.String(), 1)
	}
}

// retire queues a dead object for destruction outside the IPC lock.
func (k *Kernel) retire(o Object) {
	k.zmu.Lock()
	k.zombies = append(k.zombies, o)
	k.zmu.Unlock()
}

// reap destroys retired objects. Destruction can retire more objects, so
// it loops until the list stays empty. Must not be called with k.mu held.
func (k *Kernel) reap() {
	for {
		k.zmu.Lock()
		batch := k.zombies
		k.zombies = nil
		k.zmu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, o := range batch {
			o.destroy()
			b := o.obj()
			k.objects.Delete(b.id)
			if b.counted {
				k.live.Add(-1)
			}
			if k.metrics != nil {
				k.metrics.AddObjects(b.kind.String(), -1)
			}
			k.log.Debug("object destroyed", zap.String("id", b.id.String()), zap.Stringer("kind", b.kind))
		}
	}
}

func (k *Kernel) observeIPC(op string, err abi.IPCError, started time.Time) {
	if k.metrics == nil {
		return
	}
	code := ""
	if err != abi.IPCOK {
		code = err.String()
	}
	k.metrics.RecordIPC(op, code, time.Since(started))
}

func (k *Kernel) observeInvoke(kind Kind, label int64) {
	if k.metrics == nil {
		return
	}
	result := "ok"
	if label < 0 {
		result = abi.ErrnoFromLabel(label).Error()
	}
	k.metrics.RecordInvoke(kind.String(), result)
}

func (k *Kernel) observeFault(result string) {
	if k.metrics != nil {
		k.metrics.RecordPageFault(result)
	}
}
