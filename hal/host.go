//go:build !tinygo

package hal

import (
	"fmt"
	"io"
	"os"
	"sync"
)

type hostHAL struct {
	logger *hostLogger
	t      *hostTime
	irq    *hostInterrupts
	power  *hostPower
}

// New returns a host HAL implementation writing log lines to stdout.
func New() HAL {
	return NewWithOutput(os.Stdout)
}

// NewWithOutput returns a host HAL writing log lines to w.
func NewWithOutput(w io.Writer) HAL {
	return newHost(w)
}

func newHost(w io.Writer) *hostHAL {
	logger := &hostLogger{w: w}
	return &hostHAL{
		logger: logger,
		t:      newHostTime(),
		irq:    newHostInterrupts(),
		power:  &hostPower{logger: logger},
	}
}

func (h *hostHAL) Logger() Logger         { return h.logger }
func (h *hostHAL) Time() Time             { return h.t }
func (h *hostHAL) Interrupts() Interrupts { return h.irq }
func (h *hostHAL) Power() Power           { return h.power }

type hostLogger struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *hostLogger) WriteLineString(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.w, s)
}

func (l *hostLogger) WriteLineBytes(b []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.w.Write(b)
	l.w.Write([]byte{'\n'})
}

type hostPower struct {
	logger *hostLogger
}

func (p *hostPower) Suspend() error {
	p.logger.WriteLineString("power: suspend")
	return nil
}

func (p *hostPower) Resume() error {
	p.logger.WriteLineString("power: resume")
	return nil
}
