package namespace

import (
	"context"
	"errors"

	"github.com/GriffinCanCode/l4core/internal/abi"
	"github.com/GriffinCanCode/l4core/internal/codec"
	"github.com/GriffinCanCode/l4core/internal/dispatch"
)

// Proto is the name space protocol.
const Proto int64 = 0x4001

// Opcodes.
const (
	// OpRegister: name string, capability item.
	OpRegister uint64 = 1
	// OpLookup: name string. Replies with a capability item.
	OpLookup uint64 = 2
	// OpUnregister: name string.
	OpUnregister uint64 = 3
)

// Handler serves s over IPC. The dispatch loop must run in s's task,
// so capabilities arriving with OpRegister land in the space's table.
// Register and unregister need the write right on the gate.
func Handler(s *Space) dispatch.Handler {
	return dispatch.NewMux(Proto).
		Handle(OpRegister, s.serveRegister).
		Handle(OpLookup, s.serveLookup).
		Handle(OpUnregister, s.serveUnregister)
}

func readName(req *dispatch.Request) (string, error) {
	name, err := req.Reader.String(MaxName)
	if errors.Is(err, codec.ErrMsgCut) {
		return "", ErrNameTooLong
	}
	return name, err
}

func (s *Space) serveRegister(_ context.Context, req *dispatch.Request, _ *codec.Writer) (err error) {
	// Received capabilities are ours to drop unless they end up named.
	defer func() {
		if err != nil {
			for _, cp := range req.Caps {
				s.task.Delete(cp)
			}
		}
	}()
	if req.Rights&abi.RightW == 0 {
		return abi.EPERM
	}
	name, err := readName(req)
	if err != nil {
		return err
	}
	cp, err := req.Reader.Cap()
	if err != nil {
		return err
	}
	return s.Register(name, cp)
}

func (s *Space) serveLookup(_ context.Context, req *dispatch.Request, w *codec.Writer) error {
	name, err := readName(req)
	if err != nil {
		return err
	}
	cp, err := s.Lookup(name)
	if err != nil {
		return err
	}
	w.PutCap(cp, abi.RightsAll)
	return nil
}

func (s *Space) serveUnregister(_ context.Context, req *dispatch.Request, _ *codec.Writer) error {
	if req.Rights&abi.RightW == 0 {
		return abi.EPERM
	}
	name, err := readName(req)
	if err != nil {
		return err
	}
	return s.Unregister(name)
}
