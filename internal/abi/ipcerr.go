package abi

import "fmt"

// IPCError is the transport error code stored in TCR[0] after a failed IPC.
// Bit 0 distinguishes the receive phase from the send phase.
type IPCError uint8

const (
	IPCOK               IPCError = 0x00
	IPCSendTimeout      IPCError = 0x02
	IPCRecvTimeout      IPCError = 0x03
	IPCNotExistent      IPCError = 0x04
	IPCSendCanceled     IPCError = 0x06
	IPCRecvCanceled     IPCError = 0x07
	IPCSendMsgCut       IPCError = 0x08
	IPCRecvMsgCut       IPCError = 0x09
	IPCSendAborted      IPCError = 0x0a
	IPCRecvAborted      IPCError = 0x0b
	IPCSendSndPFTimeout IPCError = 0x0c
	IPCRecvSndPFTimeout IPCError = 0x0d
	IPCSendRcvPFTimeout IPCError = 0x0e
	IPCRecvRcvPFTimeout IPCError = 0x0f
	IPCSendMapFailed    IPCError = 0x10
	IPCRecvMapFailed    IPCError = 0x11

	// IPCErrorMask selects the code bits of TCR[0].
	IPCErrorMask = 0x1f
)

// IPCErrorFromTCR extracts the error code from a raw TCR value.
func IPCErrorFromTCR(v uint64) IPCError {
	return IPCError(v & IPCErrorMask)
}

// IsReceivePhase reports whether the error occurred in the receive phase.
func (e IPCError) IsReceivePhase() bool {
	return e != IPCNotExistent && e&1 == 1
}

// Send returns the send-phase variant of e.
func (e IPCError) Send() IPCError {
	if e == IPCOK || e == IPCNotExistent {
		return e
	}
	return e &^ 1
}

// Recv returns the receive-phase variant of e.
func (e IPCError) Recv() IPCError {
	if e == IPCOK || e == IPCNotExistent {
		return e
	}
	return e | 1
}

// Error implements error.
func (e IPCError) Error() string { return "ipc: " + e.String() }

func (e IPCError) String() string {
	switch e {
	case IPCOK:
		return "ok"
	case IPCSendTimeout:
		return "send timeout"
	case IPCRecvTimeout:
		return "receive timeout"
	case IPCNotExistent:
		return "not existent"
	case IPCSendCanceled:
		return "send canceled"
	case IPCRecvCanceled:
		return "receive canceled"
	case IPCSendMsgCut:
		return "send message cut"
	case IPCRecvMsgCut:
		return "receive message cut"
	case IPCSendAborted:
		return "send aborted"
	case IPCRecvAborted:
		return "receive aborted"
	case IPCSendSndPFTimeout:
		return "send page fault timeout (send phase)"
	case IPCRecvSndPFTimeout:
		return "send page fault timeout (receive phase)"
	case IPCSendRcvPFTimeout:
		return "receive page fault timeout (send phase)"
	case IPCRecvRcvPFTimeout:
		return "receive page fault timeout (receive phase)"
	case IPCSendMapFailed:
		return "map failed (send phase)"
	case IPCRecvMapFailed:
		return "remap failed"
	default:
		return fmt.Sprintf("unknown ipc error %#x", uint8(e))
	}
}
