package proto

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNameRequestLayout(t *testing.T) {
	buf := make([]byte, 128)
	req := NameRequest{Name: "ward.logger", Server: [16]byte{1, 2, 3}}
	n, err := req.Encode(buf)
	require.NoError(t, err)
	assert.Equal(t, NameRequestBytes("ward.logger"), n)
	assert.Equal(t, byte(len("ward.logger")), buf[2])
	assert.Equal(t, byte(1), buf[4])
	assert.Equal(t, "ward.logger", string(buf[20:n]))

	PutNameStatus(buf, ErrNotFound)
	got, ok := DecodeNameRequest(buf[:n])
	require.True(t, ok)
	assert.Equal(t, ErrNotFound, got.Status)
	assert.Equal(t, req.Name, got.Name)
	assert.Equal(t, req.Server, got.Server)
}

func TestNameRequestRejectsBadNames(t *testing.T) {
	buf := make([]byte, 256)
	_, err := NameRequest{}.Encode(buf)
	assert.Error(t, err)
	_, err = NameRequest{Name: strings.Repeat("x", MaxNameBytes+1)}.Encode(buf)
	assert.True(t, errors.Is(err, &Error{Code: ErrTooLarge}))
	_, err = NameRequest{Name: "abc"}.Encode(buf[:10])
	assert.Error(t, err)

	n, err := NameRequest{Name: "abc"}.Encode(buf)
	require.NoError(t, err)
	_, ok := DecodeNameRequest(buf[:n-1])
	assert.False(t, ok)
	_, ok = DecodeNameRequest(buf[:4])
	assert.False(t, ok)
}

func TestStatus(t *testing.T) {
	assert.NoError(t, Status(OpNameLookup, uintptr(OK)))
	err := Status(OpNameLookup, uintptr(ErrNotFound))
	require.Error(t, err)
	assert.Equal(t, "name_lookup: not_found", err.Error())
	assert.True(t, errors.Is(err, &Error{Code: ErrNotFound}))
	assert.False(t, errors.Is(err, &Error{Code: ErrBusy}))
}

func TestLogLinePayload(t *testing.T) {
	assert.Equal(t, "hello", string(LogLinePayload([]byte("hello\r\n"))))
	assert.Len(t, LogLinePayload(make([]byte, MaxLogLineBytes+10)), MaxLogLineBytes)
	assert.Empty(t, LogLinePayload(nil))
}

func TestOpcodeString(t *testing.T) {
	assert.Equal(t, "tick_sleep", OpTickSleep.String())
	assert.Equal(t, "op(99)", Opcode(99).String())
}
