package core

import (
	"errors"
	"io"
)

// Errno values returned to programs, negated, in the Linux numbering.
const (
	EIO             = 5
	EBADF           = 9
	EAGAIN          = 11
	ENOMEM          = 12
	EINVAL          = 22
	EMFILE          = 24
	EMSGSIZE        = 90
	EPROTONOSUPPORT = 93
	EOPNOTSUPP      = 95
	EADDRINUSE      = 98
	EADDRNOTAVAIL   = 99
	ENETUNREACH     = 101
	ECONNRESET      = 104
	ENOBUFS         = 105
	ENOTCONN        = 107
	ETIMEDOUT       = 110
	ECONNREFUSED    = 111
	EHOSTUNREACH    = 113
)

var errnoTable = []struct {
	err   error
	errno int
}{
	{ErrBadDescriptor, EBADF},
	{ErrWouldBlock, EAGAIN},
	{ErrPoolExhausted, ENOBUFS},
	{ErrQueueFull, ENOBUFS},
	{ErrBufferFull, ENOBUFS},
	{ErrTableFull, EMFILE},
	{ErrNoPort, EADDRNOTAVAIL},
	{ErrAddrInUse, EADDRINUSE},
	{ErrInvalidState, EINVAL},
	{ErrConfigInvalid, EINVAL},
	{ErrNotConnected, ENOTCONN},
	{ErrTimedOut, ETIMEDOUT},
	{ErrConnReset, ECONNRESET},
	{ErrConnRefused, ECONNREFUSED},
	{ErrNoRoute, ENETUNREACH},
	{ErrARPUnresolved, EHOSTUNREACH},
	{ErrNotSupported, EOPNOTSUPP},
	{ErrUnsupportedProto, EPROTONOSUPPORT},
	{ErrMessageSize, EMSGSIZE},
	{ErrClosed, EBADF},
	{ErrStackStopped, EIO},
	{ErrNoDevice, EIO},
}

// Errno translates an error returned by the socket layer into the negative
// code seen by programs. nil and io.EOF translate to 0.
func Errno(err error) int {
	if err == nil || errors.Is(err, io.EOF) {
		return 0
	}
	for _, e := range errnoTable {
		if errors.Is(err, e.err) {
			return -e.errno
		}
	}
	return -EIO
}

// FromErrno returns the sentinel error for a negative code produced by Errno.
// Codes shared by several sentinels map to the first one listed.
func FromErrno(code int) error {
	if code >= 0 {
		return nil
	}
	for _, e := range errnoTable {
		if -e.errno == code {
			return e.err
		}
	}
	return ErrStackStopped
}
