package logger

import (
	"errors"
	"fmt"

	namesclient "ward/wardos/client/names"
	"ward/wardos/kernel"
	"ward/wardos/proto"
)

// ErrDropped means the logger was busy and the line was discarded.
var ErrDropped = errors.New("log line dropped")

// Dial connects to the logger service, waiting for it to come up.
func Dial(ctx *kernel.Context) (kernel.Connection, error) {
	return namesclient.WaitConnect(ctx, proto.NameLogger, 1000)
}

// Log sends a log line to the logger service.
//
// The call is best-effort: it never blocks, and drops the line with
// ErrDropped when the logger's mailbox is full.
func Log(ctx *kernel.Context, conn kernel.Connection, line string) error {
	if ctx == nil {
		return fmt.Errorf("log: nil context")
	}
	b := proto.LogLinePayload([]byte(line))
	if len(b) == 0 {
		return nil
	}
	pages, err := ctx.AllocatePages(1, kernel.PermRW)
	if err != nil {
		return fmt.Errorf("log: %w", err)
	}
	if err := ctx.WriteMemory(pages[0], b); err != nil {
		_ = ctx.FreePages(pages[0], 1)
		return fmt.Errorf("log: %w", err)
	}
	msg := kernel.Memory(kernel.Send, uint32(proto.OpLogLine), pages[0], kernel.PageSize)
	msg.Valid = uintptr(len(b))
	_, _, err = ctx.SendMemory(conn, msg, kernel.SendOptions{NonBlocking: true})
	if err == nil {
		return nil
	}
	_ = ctx.FreePages(pages[0], 1)
	if errors.Is(err, kernel.ErrMailboxFull) {
		return ErrDropped
	}
	return fmt.Errorf("log: %w", err)
}

// Logf formats and sends a log line.
func Logf(ctx *kernel.Context, conn kernel.Connection, format string, args ...any) error {
	return Log(ctx, conn, fmt.Sprintf(format, args...))
}

// LogRetry is Log, sleeping a tick and retrying while the logger is busy.
func LogRetry(ctx *kernel.Context, conn kernel.Connection, line string, attempts int) error {
	for i := 0; ; i++ {
		err := Log(ctx, conn, line)
		if !errors.Is(err, ErrDropped) || i+1 >= attempts {
			return err
		}
		if err := ctx.Sleep(1); err != nil {
			return fmt.Errorf("logger retry backoff: %w", err)
		}
	}
}
