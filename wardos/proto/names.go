package proto

import (
	"encoding/binary"
	"fmt"
)

// MaxNameBytes bounds registry names.
const MaxNameBytes = 64

const nameHeader = 20

// NameRequest is the page lent to the name registry.
//
// Layout (little-endian):
//   - u16: status, written by the registry
//   - u16: name length
//   - [16]byte: server ID (input for register, output for lookup)
//   - bytes: name
type NameRequest struct {
	Status ErrCode
	Name   string
	Server [16]byte
}

// Encode writes r into buf and returns the number of valid bytes.
func (r NameRequest) Encode(buf []byte) (int, error) {
	if len(r.Name) == 0 || len(r.Name) > MaxNameBytes {
		return 0, fmt.Errorf("name %q: %w", r.Name, &Error{Code: ErrTooLarge})
	}
	n := nameHeader + len(r.Name)
	if len(buf) < n {
		return 0, fmt.Errorf("name request needs %d bytes, have %d", n, len(buf))
	}
	binary.LittleEndian.PutUint16(buf[0:2], uint16(r.Status))
	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(r.Name)))
	copy(buf[4:20], r.Server[:])
	copy(buf[nameHeader:], r.Name)
	return n, nil
}

// DecodeNameRequest decodes a NameRequest.
func DecodeNameRequest(buf []byte) (NameRequest, bool) {
	if len(buf) < nameHeader {
		return NameRequest{}, false
	}
	n := int(binary.LittleEndian.Uint16(buf[2:4]))
	if n == 0 || n > MaxNameBytes || len(buf) < nameHeader+n {
		return NameRequest{}, false
	}
	var r NameRequest
	r.Status = ErrCode(binary.LittleEndian.Uint16(buf[0:2]))
	copy(r.Server[:], buf[4:20])
	r.Name = string(buf[nameHeader : nameHeader+n])
	return r, true
}

// NameRequestBytes is the size of an encoded request for name.
func NameRequestBytes(name string) int { return nameHeader + len(name) }

// PutNameStatus overwrites the status word of an encoded request.
func PutNameStatus(buf []byte, code ErrCode) {
	binary.LittleEndian.PutUint16(buf[0:2], uint16(code))
}
