// Package abi defines the bit-exact system-call ABI shared by the kernel,
// the message codec and every server built on top of them.
//
// Layouts:
//   - Tag: label<<16 | flags(0xf000) | items<<6 | words
//   - Cap: index<<12 | rights (W=1, S=2, R=4, D=8), invalid bit 1<<11
//   - Fpage: base | order<<6 | type<<4 | rights
//   - Timeout: mantissa(10) | exponent(5)<<10 | absolute<<15
//
// IPC failures travel as an IPCError code in the first thread-control
// register together with the tag's error flag. Application failures travel
// as negative labels carrying an Errno.
//
// Example Usage:
//
//	tag := abi.NewTag(abi.ProtoThread, 2, 0, 0)
//	to := abi.NewTimeouts(abi.TimeoutNever, abi.RelTimeout(100*time.Microsecond))
//	cap := abi.CapFromIndex(12).WithRights(abi.RightsRWS)
package abi
