package kernel

import (
	"github.com/GriffinCanCode/l4core/internal/abi"
	"github.com/GriffinCanCode/l4core/internal/utcb"
	"go.uber.org/zap"
)

// LogWrite is the log object's only opcode.
const LogWrite uint64 = 0

// Log forwards text from user tasks to the kernel logger.
type Log struct {
	kobj
}

func (l *Log) destroy() {}

// invokeLogWrite takes the byte length in MR1 and the bytes packed from MR2.
func invokeLogWrite(k *Kernel, caller *Thread, _ Object, _ abi.Rights, tag abi.Tag) abi.Tag {
	if tag.Words() < 2 {
		return errReply(abi.EMSGTOOSHORT)
	}
	u := caller.utcb
	n := u.MR[1]
	room := uint64(tag.Words()-2) * 8
	if n > room {
		return errReply(abi.EMSGTOOLONG)
	}
	buf := make([]byte, 0, n)
	for i := 2; i < utcb.MRCount && uint64(len(buf)) < n; i++ {
		w := u.MR[i]
		for b := 0; b < 8 && uint64(len(buf)) < n; b++ {
			buf = append(buf, byte(w>>(8*b)))
		}
	}
	k.log.Info("log", zap.String("task", caller.task.name), zap.String("thread", caller.name), zap.String("text", string(buf)))
	return okReply(0)
}
