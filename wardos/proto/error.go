package proto

import "fmt"

// ErrCode is the status word services put in the first reply word.
type ErrCode uint16

const (
	OK ErrCode = iota
	ErrUnknown
	ErrBadMessage
	ErrUnauthorized
	ErrNotFound
	ErrExists
	ErrBusy
	ErrOverflow
	ErrTooLarge
	ErrInternal
)

func (c ErrCode) String() string {
	switch c {
	case OK:
		return "ok"
	case ErrUnknown:
		return "unknown"
	case ErrBadMessage:
		return "bad_message"
	case ErrUnauthorized:
		return "unauthorized"
	case ErrNotFound:
		return "not_found"
	case ErrExists:
		return "exists"
	case ErrBusy:
		return "busy"
	case ErrOverflow:
		return "overflow"
	case ErrTooLarge:
		return "too_large"
	case ErrInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error is a failed service request.
type Error struct {
	Op   Opcode
	Code ErrCode
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Op, e.Code) }

// Is matches any *Error with the same code, so callers can test
// errors.Is(err, &proto.Error{Code: proto.ErrNotFound}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Status turns a status word into an error, nil for OK.
func Status(op Opcode, word uintptr) error {
	if ErrCode(word) == OK {
		return nil
	}
	return &Error{Op: op, Code: ErrCode(word)}
}
