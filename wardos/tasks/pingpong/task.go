// Package pingpong is a demo pair of processes: a server that answers pings
// and a client that times a number of round trips and logs the result.
package pingpong

import (
	"fmt"

	logclient "ward/wardos/client/logger"
	namesclient "ward/wardos/client/names"
	timeclient "ward/wardos/client/ticktimer"
	"ward/wardos/kernel"
	"ward/wardos/proto"
)

// Result is what the client reports when it finishes.
type Result struct {
	Rounds int
	Ticks  uint64
	Err    error
}

type Task struct {
	rounds int
	done   func(Result)
}

// New returns a task doing rounds round trips. done, if set, is called from
// the client thread when it finishes.
func New(rounds int, done func(Result)) *Task {
	return &Task{rounds: rounds, done: done}
}

func (t *Task) ServerImage() *kernel.Image {
	return &kernel.Image{Name: "pong", Priority: 3, Main: t.serve}
}

func (t *Task) ClientImage() *kernel.Image {
	return &kernel.Image{Name: "ping", Priority: 3, Main: t.client}
}

func (t *Task) serve(ctx *kernel.Context, _ uintptr) {
	sid, err := ctx.CreateServer()
	if err != nil {
		return
	}
	if err := namesclient.Register(ctx, proto.NamePingPong, sid); err != nil {
		return
	}
	for {
		env, err := ctx.Receive(sid)
		if err != nil {
			return
		}
		if env.Kind != kernel.KindBlockingScalar {
			continue
		}
		if proto.Opcode(env.Opcode) != proto.OpPing {
			_ = ctx.ReturnScalar(env.Sender, uintptr(proto.ErrBadMessage))
			continue
		}
		_ = ctx.ReturnScalar(env.Sender, uintptr(proto.OK), env.Args[0]+1)
	}
}

func (t *Task) client(ctx *kernel.Context, _ uintptr) {
	res := t.run(ctx)
	if t.done != nil {
		t.done(res)
	}
}

func (t *Task) run(ctx *kernel.Context) Result {
	conn, err := namesclient.WaitConnect(ctx, proto.NamePingPong, 1000)
	if err != nil {
		return Result{Err: err}
	}
	timer, err := timeclient.Dial(ctx)
	if err != nil {
		return Result{Err: err}
	}
	start, err := timeclient.Elapsed(ctx, timer)
	if err != nil {
		return Result{Err: err}
	}
	for i := 0; i < t.rounds; i++ {
		reply, err := ctx.SendBlockingScalar(conn, kernel.BlockingScalar(uint32(proto.OpPing), uintptr(i)), kernel.SendOptions{})
		if err != nil {
			return Result{Rounds: i, Err: err}
		}
		if err := proto.Status(proto.OpPing, reply[0]); err != nil {
			return Result{Rounds: i, Err: err}
		}
		if reply[1] != uintptr(i+1) {
			return Result{Rounds: i, Err: fmt.Errorf("ping %d: got %d", i, reply[1])}
		}
	}
	end, err := timeclient.Elapsed(ctx, timer)
	if err != nil {
		return Result{Rounds: t.rounds, Err: err}
	}
	res := Result{Rounds: t.rounds, Ticks: end - start}
	if logConn, err := namesclient.WaitConnect(ctx, proto.NameLogger, 50); err == nil {
		_ = logclient.LogRetry(ctx, logConn, fmt.Sprintf("pingpong: %d rounds in %d ticks", res.Rounds, res.Ticks), 10)
	}
	return res
}
