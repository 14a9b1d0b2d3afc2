package hal

import "errors"

// Logger writes newline-delimited log lines.
type Logger interface {
	WriteLineString(s string)
	WriteLineBytes(b []byte)
}

var ErrNotImplemented = errors.New("not implemented")

// Time provides a base tick stream.
//
// The tick duration is platform-defined; higher-level timers live in userland.
type Time interface {
	Ticks() <-chan uint64
}

// Interrupts is the device side of the interrupt controller. Devices raise
// source numbers; the kernel drains them after a notification.
type Interrupts interface {
	// Raise latches source. It reports false when the controller's queue
	// is full and the raise was lost.
	Raise(source int) bool
	Notify() <-chan struct{}
	Drain(fn func(source int))
}

// Power switches the platform between running and a low-power state.
type Power interface {
	Suspend() error
	Resume() error
}

// HAL provides the only contact point between the OS and the outside world.
type HAL interface {
	Logger() Logger
	Time() Time
	Interrupts() Interrupts
	Power() Power
}
