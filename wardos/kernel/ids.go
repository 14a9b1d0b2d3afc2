package kernel

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// PID identifies a process slot and the generation that occupied it.
// The zero PID is invalid and is used as the sender of kernel-originated messages.
type PID struct {
	index uint16
	gen   uint16
}

func (p PID) Valid() bool { return p.gen != 0 }

func (p PID) String() string {
	if !p.Valid() {
		return "pid:kernel"
	}
	return fmt.Sprintf("pid:%d.%d", p.index, p.gen)
}

// Word packs the PID into one syscall word.
func (p PID) Word() uint64 { return uint64(p.gen)<<16 | uint64(p.index) }

// PIDFromWord decodes a PID packed by Word.
func PIDFromWord(w uint64) PID { return PID{index: uint16(w), gen: uint16(w >> 16)} }

// TID identifies a thread slot and the generation that occupied it.
type TID struct {
	index uint16
	gen   uint16
}

func (t TID) Valid() bool { return t.gen != 0 }

func (t TID) String() string { return fmt.Sprintf("tid:%d.%d", t.index, t.gen) }

func (t TID) Word() uint64 { return uint64(t.gen)<<16 | uint64(t.index) }

func TIDFromWord(w uint64) TID { return TID{index: uint16(w), gen: uint16(w >> 16)} }

// ServerID is the unforgeable 128-bit name of a server mailbox.
type ServerID [16]byte

// NewServerID returns a fresh random server ID.
func NewServerID() ServerID { return ServerID(uuid.New()) }

// ParseServerID parses the canonical UUID text form.
func ParseServerID(s string) (ServerID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ServerID{}, fmt.Errorf("parse server id: %w", err)
	}
	return ServerID(u), nil
}

func (s ServerID) IsZero() bool { return s == ServerID{} }

func (s ServerID) String() string { return uuid.UUID(s).String() }

// Words splits the ID into two syscall words.
func (s ServerID) Words() (hi, lo uint64) {
	return binary.BigEndian.Uint64(s[0:8]), binary.BigEndian.Uint64(s[8:16])
}

// ServerIDFromWords reassembles an ID split by Words.
func ServerIDFromWords(hi, lo uint64) ServerID {
	var s ServerID
	binary.BigEndian.PutUint64(s[0:8], hi)
	binary.BigEndian.PutUint64(s[8:16], lo)
	return s
}

// NameServerID is the well-known ID of the name registry server.
var NameServerID = ServerID{'w', 'a', 'r', 'd', '-', 'n', 'a', 'm', 'e', 's', 'e', 'r', 'v', 'e', 'r', 0}

// Connection is an opaque handle into the owning process's connection table.
//
// It has no exported fields and no arithmetic: a process can only use handles
// that the kernel issued to it.
type Connection struct {
	slot uint16
	gen  uint16
}

func (c Connection) Valid() bool { return c.gen != 0 }

func (c Connection) String() string { return fmt.Sprintf("conn:%d.%d", c.slot, c.gen) }

func (c Connection) word() uint64 { return uint64(c.gen)<<16 | uint64(c.slot) }

func connectionFromWord(w uint64) Connection {
	return Connection{slot: uint16(w), gen: uint16(w >> 16)}
}

// Sender identifies a received message that still awaits a reply
// (ReturnScalar or ReturnMemory). The zero Sender needs no reply.
type Sender struct {
	tid TID
	seq uint32
}

func (s Sender) Valid() bool { return s.seq != 0 }

func (s Sender) String() string { return fmt.Sprintf("sender:%s#%d", s.tid, s.seq) }

func (s Sender) word() uint64 { return uint64(s.seq)<<32 | s.tid.Word() }

func senderFromWord(w uint64) Sender {
	return Sender{tid: TIDFromWord(w & 0xffffffff), seq: uint32(w >> 32)}
}
