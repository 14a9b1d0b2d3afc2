package kernel

import "errors"

// Error is a kernel result code. Every kernel-detected failure is returned
// synchronously to the offending syscall as one of these values, possibly
// wrapped with context; match with errors.Is.
type Error uint8

const (
	errNone Error = iota
	ErrOutOfMemory
	ErrResourceExhausted
	ErrInvalidAddress
	ErrAlreadyMapped
	ErrPermissionDenied
	ErrConnectionRefused
	ErrServerNotFound
	ErrMailboxFull
	ErrWouldBlock
	ErrTimeout
	ErrProtocolViolation
	ErrAlreadyClaimed
	ErrResourceBusy
	ErrNoSuchProcess
	ErrNoSuchThread
	ErrBadImage
	ErrProcessTerminated
	ErrInvalidArgument
	ErrHalted
)

func (e Error) Error() string { return e.String() }

func (e Error) String() string {
	switch e {
	case errNone:
		return "ok"
	case ErrOutOfMemory:
		return "out of memory"
	case ErrResourceExhausted:
		return "resource exhausted"
	case ErrInvalidAddress:
		return "invalid address"
	case ErrAlreadyMapped:
		return "already mapped"
	case ErrPermissionDenied:
		return "permission denied"
	case ErrConnectionRefused:
		return "connection refused"
	case ErrServerNotFound:
		return "server not found"
	case ErrMailboxFull:
		return "mailbox full"
	case ErrWouldBlock:
		return "would block"
	case ErrTimeout:
		return "timeout"
	case ErrProtocolViolation:
		return "protocol violation"
	case ErrAlreadyClaimed:
		return "already claimed"
	case ErrResourceBusy:
		return "resource busy"
	case ErrNoSuchProcess:
		return "no such process"
	case ErrNoSuchThread:
		return "no such thread"
	case ErrBadImage:
		return "bad image"
	case ErrProcessTerminated:
		return "process terminated"
	case ErrInvalidArgument:
		return "invalid argument"
	case ErrHalted:
		return "kernel halted"
	default:
		return "unknown"
	}
}

// Code extracts the kernel result code carried by err.
// A nil error maps to code 0 and foreign errors to ErrInvalidArgument.
func Code(err error) Error {
	if err == nil {
		return errNone
	}
	var e Error
	if errors.As(err, &e) {
		return e
	}
	return ErrInvalidArgument
}

// FromCode is the inverse of Code, used when decoding syscall return words.
func FromCode(c Error) error {
	if c == errNone {
		return nil
	}
	return c
}
