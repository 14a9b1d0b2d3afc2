package proto

import "fmt"

// Opcode identifies a request in Message.Opcode.
type Opcode uint32

const (
	OpNameRegister Opcode = iota + 1
	OpNameLookup
	OpNameUnregister
	OpLogLine
	OpTickElapsed
	OpTickSleep
	OpPing
)

// Well-known names in the name registry.
const (
	NameLogger    = "ward.logger"
	NameTickTimer = "ward.ticktimer"
	NamePingPong  = "ward.pingpong"
)

// IRQTimer is the interrupt source raised once per tick by the host.
const IRQTimer = 0

func (o Opcode) String() string {
	switch o {
	case OpNameRegister:
		return "name_register"
	case OpNameLookup:
		return "name_lookup"
	case OpNameUnregister:
		return "name_unregister"
	case OpLogLine:
		return "log_line"
	case OpTickElapsed:
		return "tick_elapsed"
	case OpTickSleep:
		return "tick_sleep"
	case OpPing:
		return "ping"
	default:
		return fmt.Sprintf("op(%d)", uint32(o))
	}
}
