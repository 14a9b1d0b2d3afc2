package app

import (
	"strings"

	"ward/wardos/kernel"
)

// onHalt prints the halt report on the HAL logger. It runs with the kernel
// lock held, so it must not call into the kernel.
func (s *System) onHalt(info kernel.HaltInfo) {
	l := s.h.Logger()
	if l == nil {
		return
	}
	l.WriteLineString("Ward Halt: " + info.Reason)
	if len(info.Stack) == 0 {
		l.WriteLineString("stack: unavailable")
		return
	}
	l.WriteLineString("stack:")
	for _, line := range strings.Split(string(info.Stack), "\n") {
		if line == "" {
			continue
		}
		l.WriteLineString(line)
	}
}
