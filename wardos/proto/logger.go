package proto

import "bytes"

// MaxLogLineBytes bounds a single log line; it fits one page.
const MaxLogLineBytes = 4096

// LogLinePayload returns the bytes sent for a log line.
//
// Convention:
// - Payload is UTF-8 bytes without a trailing newline.
// - Delivery is best-effort; callers may drop on overflow.
func LogLinePayload(b []byte) []byte {
	b = bytes.TrimRight(b, "\r\n")
	if len(b) > MaxLogLineBytes {
		b = b[:MaxLogLineBytes]
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp
}
