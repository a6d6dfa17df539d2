package abi

import "fmt"

// Errno is a generic error code. Servers reply with its negation as label.
type Errno int64

const (
	EOK           Errno = 0
	EPERM         Errno = 1
	ENOENT        Errno = 2
	EIO           Errno = 5
	E2BIG         Errno = 7
	EAGAIN        Errno = 11
	ENOMEM        Errno = 12
	EACCESS       Errno = 13
	EFAULT        Errno = 14
	EBUSY         Errno = 16
	EEXIST        Errno = 17
	ENODEV        Errno = 19
	EINVAL        Errno = 22
	ENOSPC        Errno = 28
	ERANGE        Errno = 34
	ENAMETOOLONG  Errno = 36
	ENOSYS        Errno = 38
	EBADPROTO     Errno = 39
	EADDRNOTAVAIL Errno = 40

	EMSGTOOSHORT Errno = 1001
	EMSGTOOLONG  Errno = 1002
	ENOREPLY     Errno = 1003
)

var errnoText = map[Errno]string{
	EOK:           "ok",
	EPERM:         "operation not permitted",
	ENOENT:        "no such entity",
	EIO:           "i/o error",
	E2BIG:         "argument list too long",
	EAGAIN:        "try again",
	ENOMEM:        "out of memory",
	EACCESS:       "permission denied",
	EFAULT:        "invalid address",
	EBUSY:         "object currently busy",
	EEXIST:        "already exists",
	ENODEV:        "no such thing",
	EINVAL:        "invalid argument",
	ENOSPC:        "no space left",
	ERANGE:        "out of range",
	ENAMETOOLONG:  "name too long",
	ENOSYS:        "operation not implemented",
	EBADPROTO:     "unsupported protocol",
	EADDRNOTAVAIL: "address not available",
	EMSGTOOSHORT:  "message too short",
	EMSGTOOLONG:   "message too long",
	ENOREPLY:      "no reply",
}

// Error implements error.
func (e Errno) Error() string {
	if s, ok := errnoText[e]; ok {
		return s
	}
	return fmt.Sprintf("errno %d", int64(e))
}

// Label returns the reply label that carries e.
func (e Errno) Label() int64 { return -int64(e) }

// ErrnoFromLabel decodes a reply label. Non-negative labels yield EOK.
func ErrnoFromLabel(label int64) Errno {
	if label >= 0 {
		return EOK
	}
	return Errno(-label)
}
