package abi

import (
	"fmt"
	"time"
)

// Timeout is the 16-bit timeout encoding: mantissa in bits 0..9, exponent
// in bits 10..14 (value = m << e microseconds). Bit 15 selects an absolute
// timeout whose clock value lives in the buffer register named by bits 0..5.
type Timeout uint16

const (
	// TimeoutZero never blocks.
	TimeoutZero Timeout = 0x0000
	// TimeoutNever blocks indefinitely.
	TimeoutNever Timeout = 0xffff

	timeoutManMask  = 0x3ff
	timeoutExpShift = 10
	timeoutExpMask  = 0x1f
	timeoutAbsBit   = 0x8000
	timeoutBRMask   = 0x3f
	timeoutMaxRel   = 0x7fff
)

// RelTimeout encodes d, rounding up to the next representable value.
// Durations beyond the encodable range saturate; negative ones are zero.
func RelTimeout(d time.Duration) Timeout {
	if d <= 0 {
		return TimeoutZero
	}
	us := uint64(d.Microseconds())
	if us == 0 {
		us = 1
	}
	var e uint64
	for us > timeoutManMask {
		us = (us + 1) >> 1
		e++
	}
	if e > timeoutExpMask {
		return timeoutMaxRel
	}
	return Timeout(e<<timeoutExpShift | us)
}

// AbsTimeout refers to the absolute deadline stored in buffer register br.
func AbsTimeout(br int) Timeout {
	return Timeout(timeoutAbsBit | uint16(br)&timeoutBRMask)
}

func (t Timeout) IsZero() bool     { return t == TimeoutZero }
func (t Timeout) IsNever() bool    { return t == TimeoutNever }
func (t Timeout) IsAbsolute() bool { return t != TimeoutNever && t&timeoutAbsBit != 0 }

// BR returns the buffer register index of an absolute timeout.
func (t Timeout) BR() int { return int(t & timeoutBRMask) }

// Micros returns the relative value in microseconds.
func (t Timeout) Micros() uint64 {
	m := uint64(t & timeoutManMask)
	e := uint64(t>>timeoutExpShift) & timeoutExpMask
	return m << e
}

// Duration returns the relative value.
func (t Timeout) Duration() time.Duration {
	return time.Duration(t.Micros()) * time.Microsecond
}

func (t Timeout) String() string {
	switch {
	case t.IsNever():
		return "never"
	case t.IsZero():
		return "zero"
	case t.IsAbsolute():
		return fmt.Sprintf("abs(br%d)", t.BR())
	default:
		return t.Duration().String()
	}
}

// Timeouts packs a send and a receive timeout.
type Timeouts uint32

// NeverTimeouts blocks in both phases.
const NeverTimeouts Timeouts = 0xffffffff

// NewTimeouts packs snd and rcv.
func NewTimeouts(snd, rcv Timeout) Timeouts {
	return Timeouts(uint32(snd)<<16 | uint32(rcv))
}

func (t Timeouts) Send() Timeout    { return Timeout(t >> 16) }
func (t Timeouts) Receive() Timeout { return Timeout(t & 0xffff) }
