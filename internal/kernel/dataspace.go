package kernel

import (
	"fmt"

	"github.com/GriffinCanCode/l4core/internal/abi"
	"github.com/GriffinCanCode/l4core/internal/shared/id"
)

// Dataspace opcodes.
const (
	DataspaceMap  uint64 = 0
	DataspaceSize uint64 = 1
)

// Dataspace is a fixed-size run of frames that tasks map on request.
type Dataspace struct {
	kobj
	size   uint64
	frames []*Frame
}

func (k *Kernel) newDataspace(size uint64) (*Dataspace, error) {
	if size == 0 {
		return nil, fmt.Errorf("kernel: empty dataspace")
	}
	pages := (size + abi.PageSize - 1) >> abi.PageShift
	frames := make([]*Frame, 0, pages)
	for i := uint64(0); i < pages; i++ {
		f, err := k.newFrame()
		if err != nil {
			for _, f := range frames {
				f.put()
			}
			return nil, err
		}
		f.get()
		frames = append(frames, f)
	}

	ds := &Dataspace{size: size, frames: frames}
	if err := k.create(ds, KindDataspace, id.DataspacePrefix); err != nil {
		for _, f := range frames {
			f.put()
		}
		return nil, err
	}
	return ds, nil
}

// Size returns the size in bytes.
func (ds *Dataspace) Size() uint64 { return ds.size }

// MapInto maps the page at offset into task at addr.
func (ds *Dataspace) MapInto(task *Task, offset, addr uint64, rights uint8) error {
	page := offset >> abi.PageShift
	if page >= uint64(len(ds.frames)) {
		return fmt.Errorf("kernel: offset %#x beyond dataspace size %#x", offset, ds.size)
	}
	task.space.mapPage(addr>>abi.PageShift, ds.frames[page], rights)
	return nil
}

func (ds *Dataspace) destroy() {
	for _, f := range ds.frames {
		f.put()
	}
	ds.frames = nil
}

func invokeDataspaceMap(_ *Kernel, caller *Thread, o Object, rights abi.Rights, tag abi.Tag) abi.Tag {
	if tag.Words() < 4 {
		return errReply(abi.EMSGTOOSHORT)
	}
	u := caller.utcb
	mr := uint8(u.MR[3]) & abi.MemRWX
	if mr&abi.MemW != 0 && !rights.Has(abi.RightW) {
		return errReply(abi.EPERM)
	}
	if err := o.(*Dataspace).MapInto(caller.task, u.MR[1], u.MR[2], mr); err != nil {
		return errReply(abi.ERANGE)
	}
	return okReply(0)
}

func invokeDataspaceSize(_ *Kernel, caller *Thread, o Object, _ abi.Rights, _ abi.Tag) abi.Tag {
	caller.utcb.MR[0] = o.(*Dataspace).size
	return okReply(1)
}
