package kernel

import "fmt"

// MessageKind discriminates message payloads.
type MessageKind uint8

const (
	// KindScalar carries an opcode and four argument words. No reply.
	KindScalar MessageKind = iota
	// KindBlockingScalar is a scalar message whose sender waits for ReturnScalar.
	KindBlockingScalar
	// KindMemory moves or lends whole pages.
	KindMemory
)

func (k MessageKind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindBlockingScalar:
		return "blocking_scalar"
	case KindMemory:
		return "memory"
	default:
		return "unknown"
	}
}

// Discipline says what happens to the pages of a memory message.
type Discipline uint8

const (
	DisciplineNone Discipline = iota
	// Send moves ownership to the receiver. It is never implicitly returned.
	Send
	// Lend maps the pages read-only into the receiver until it returns them.
	Lend
	// LendMut maps the pages read/write into the receiver until it returns them.
	LendMut
	// Return ends a lend.
	Return
)

func (d Discipline) String() string {
	switch d {
	case DisciplineNone:
		return "none"
	case Send:
		return "send"
	case Lend:
		return "lend"
	case LendMut:
		return "lend_mut"
	case Return:
		return "return"
	default:
		return "unknown"
	}
}

func (d Discipline) lends() bool { return d == Lend || d == LendMut }

// InterruptOpcode is the opcode of kernel-synthesized interrupt messages.
// Args are {source, tick, missed}.
const InterruptOpcode = 0xFFFF_FF00

// Message is the payload of one IPC send.
//
// Scalar messages use Opcode and Args. Memory messages additionally name a
// page-aligned buffer (Addr, Len) in the sender's address space; Offset and
// Valid are hints that travel with it and come back with the Return.
type Message struct {
	Kind       MessageKind
	Discipline Discipline
	Opcode     uint32
	Args       [4]uintptr

	Addr   uintptr
	Len    uintptr
	Offset uintptr
	Valid  uintptr
}

// Pages reports how many pages a memory message spans.
func (m Message) Pages() int {
	n := m.Len / PageSize
	if m.Len%PageSize != 0 {
		n++
	}
	return int(n)
}

func (m Message) needsReply() bool {
	return m.Kind == KindBlockingScalar || (m.Kind == KindMemory && m.Discipline.lends())
}

func (m Message) String() string {
	if m.Kind == KindMemory {
		return fmt.Sprintf("%s/%s op=%#x addr=%#x len=%d", m.Kind, m.Discipline, m.Opcode, m.Addr, m.Len)
	}
	return fmt.Sprintf("%s op=%#x args=%v", m.Kind, m.Opcode, m.Args)
}

// Scalar builds a scalar message.
func Scalar(opcode uint32, args ...uintptr) Message {
	m := Message{Kind: KindScalar, Opcode: opcode}
	copy(m.Args[:], args)
	return m
}

// BlockingScalar builds a scalar message that expects a ReturnScalar.
func BlockingScalar(opcode uint32, args ...uintptr) Message {
	m := Scalar(opcode, args...)
	m.Kind = KindBlockingScalar
	return m
}

// Memory builds a memory message over the buffer at addr.
func Memory(d Discipline, opcode uint32, addr, length uintptr) Message {
	return Message{Kind: KindMemory, Discipline: d, Opcode: opcode, Addr: addr, Len: length}
}

// Envelope is a message as seen by the receiver.
//
// For memory messages Message.Addr is rewritten to where the pages were
// mapped in the receiver. Sender is valid only when a reply is owed.
type Envelope struct {
	From   PID
	Server ServerID
	Sender Sender
	Message
}

// SendOptions tunes a send.
type SendOptions struct {
	// NonBlocking fails with ErrMailboxFull instead of waiting for space.
	NonBlocking bool
	// Timeout in ticks while waiting for mailbox space; 0 waits forever.
	// It never cancels a message that was already queued or delivered.
	Timeout uint64
}

// Result is the outcome of a kernel call that may block.
//
// A blocked caller gets Pending; the final Result is delivered when it is
// woken and can be taken with TakeResult (or is returned by the Context
// method that trapped).
type Result struct {
	Pending  bool
	Err      error
	Envelope Envelope
	// Reply holds ReturnScalar words, or {offset, valid} of a ReturnMemory.
	Reply [4]uintptr
	// Words are raw return words of Dispatch.
	Words [4]uint64
}

// envelope is the kernel-side record of one message in flight.
type envelope struct {
	msg    Message
	from   PID
	server *server

	// sender is the blocked thread awaiting a reply, nil once it is gone.
	sender   *thread
	token    Sender
	orphaned bool

	// lender owns the pages of a memory message; frames lists them in order.
	lender *process
	frames []uint32
	staged bool

	delivered  bool
	receiver   *process
	borrowBase uintptr
}

func (e *envelope) view(addr uintptr) Envelope {
	ev := Envelope{From: e.from, Message: e.msg}
	if e.server != nil {
		ev.Server = e.server.sid
	}
	if e.msg.needsReply() {
		ev.Sender = e.token
	}
	if e.msg.Kind == KindMemory {
		ev.Addr = addr
	}
	return ev
}
