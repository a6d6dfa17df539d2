package kernel

import (
	"sort"
	"time"

	"github.com/GriffinCanCode/l4core/internal/slab"
)

// ObjectInfo is a point-in-time view of a kernel object.
type ObjectInfo struct {
	ID   string `json:"id" cbor:"1,keyasint"`
	Kind string `json:"kind" cbor:"2,keyasint"`
	Refs int64  `json:"refs" cbor:"3,keyasint"`
}

// Snapshot is a consistent-enough view of the kernel for inspection.
// Objects are listed in creation order.
type Snapshot struct {
	TakenAt     time.Time    `json:"taken_at" cbor:"1,keyasint"`
	UptimeMicro uint64       `json:"uptime_us" cbor:"2,keyasint"`
	LiveObjects int64        `json:"live_objects" cbor:"3,keyasint"`
	Objects     []ObjectInfo `json:"objects" cbor:"4,keyasint"`
	Tasks       []TaskInfo   `json:"tasks" cbor:"5,keyasint"`
	Threads     []ThreadInfo `json:"threads" cbor:"6,keyasint"`
	Memory      []slab.Stats `json:"memory" cbor:"7,keyasint"`
}

// Snapshot collects the current objects, tasks, threads and frame usage.
func (k *Kernel) Snapshot() Snapshot {
	s := Snapshot{
		TakenAt:     time.Now().UTC(),
		UptimeMicro: k.Now(),
		LiveObjects: k.live.Load(),
		Memory:      k.mem.Stats(),
	}

	var tasks []*Task
	var threads []*Thread
	k.Objects(func(o Object) bool {
		if !o.Alive() {
			return true
		}
		s.Objects = append(s.Objects, ObjectInfo{ID: o.ID().String(), Kind: o.Kind().String(), Refs: o.Refs()})
		switch v := o.(type) {
		case *Task:
			tasks = append(tasks, v)
		case *Thread:
			threads = append(threads, v)
		}
		return true
	})

	for _, t := range tasks {
		s.Tasks = append(s.Tasks, t.Info())
	}
	k.mu.Lock()
	for _, t := range threads {
		s.Threads = append(s.Threads, t.info())
	}
	k.mu.Unlock()

	// ULIDs sort by creation time.
	sort.Slice(s.Objects, func(i, j int) bool { return idKey(s.Objects[i].ID) < idKey(s.Objects[j].ID) })
	sort.Slice(s.Tasks, func(i, j int) bool { return idKey(s.Tasks[i].ID) < idKey(s.Tasks[j].ID) })
	sort.Slice(s.Threads, func(i, j int) bool { return idKey(s.Threads[i].ID) < idKey(s.Threads[j].ID) })
	return s
}

// Threads returns the view of every live thread.
func (k *Kernel) Threads() []ThreadInfo {
	return k.Snapshot().Threads
}

func idKey(s string) string {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '_' {
			return s[i+1:]
		}
	}
	return s
}
