package ticktimer

import (
	"fmt"

	namesclient "ward/wardos/client/names"
	"ward/wardos/kernel"
	"ward/wardos/proto"
)

// Dial connects to the tick timer, waiting for it to come up.
func Dial(ctx *kernel.Context) (kernel.Connection, error) {
	return namesclient.WaitConnect(ctx, proto.NameTickTimer, 1000)
}

// Elapsed returns the ticks since boot.
func Elapsed(ctx *kernel.Context, conn kernel.Connection) (uint64, error) {
	return call(ctx, conn, proto.OpTickElapsed, 0)
}

// Sleep blocks until at least dt ticks have passed and returns the tick it
// was woken at.
func Sleep(ctx *kernel.Context, conn kernel.Connection, dt uint64) (uint64, error) {
	return call(ctx, conn, proto.OpTickSleep, uintptr(dt))
}

func call(ctx *kernel.Context, conn kernel.Connection, op proto.Opcode, arg uintptr) (uint64, error) {
	if ctx == nil {
		return 0, fmt.Errorf("%s: nil context", op)
	}
	reply, err := ctx.SendBlockingScalar(conn, kernel.BlockingScalar(uint32(op), arg), kernel.SendOptions{})
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	if err := proto.Status(op, reply[0]); err != nil {
		return 0, err
	}
	return uint64(reply[1]), nil
}
