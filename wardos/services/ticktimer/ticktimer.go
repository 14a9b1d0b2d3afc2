// Package ticktimer serves the kernel tick count and parks callers until a
// deadline. It learns about time from the timer interrupt when it can claim
// it, and otherwise polls, sleeping one tick between polls.
package ticktimer

import (
	"errors"

	"go.uber.org/zap"

	namesclient "ward/wardos/client/names"
	"ward/wardos/kernel"
	"ward/wardos/proto"
)

const maxSleepers = 32

type sleeper struct {
	inUse bool
	due   uint64
	reply kernel.Sender
}

type Service struct {
	log *zap.Logger
	irq int

	now      uint64
	sleepers [maxSleepers]sleeper
}

// New returns a timer fed by interrupt source irq.
func New(irq int, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{irq: irq, log: log.Named("ticktimer")}
}

func (s *Service) Image() *kernel.Image {
	return &kernel.Image{Name: "ticktimer", Priority: 7, Main: s.Main}
}

func (s *Service) Main(ctx *kernel.Context, _ uintptr) {
	sid, err := ctx.CreateServer()
	if err != nil {
		s.log.Error("create server", zap.Error(err))
		return
	}
	if err := namesclient.Register(ctx, proto.NameTickTimer, sid); err != nil {
		s.log.Error("register", zap.Error(err))
		return
	}
	poll := false
	if err := ctx.ClaimInterrupt(s.irq, sid); err != nil {
		s.log.Warn("timer interrupt unavailable, polling", zap.Int("irq", s.irq), zap.Error(err))
		poll = true
	}
	for {
		var env kernel.Envelope
		if poll {
			env, err = ctx.TryReceive(sid)
			if errors.Is(err, kernel.ErrWouldBlock) {
				if err := ctx.Sleep(1); err != nil {
					return
				}
				s.wakeReady(ctx, ctx.Now())
				continue
			}
		} else {
			env, err = ctx.Receive(sid)
		}
		if err != nil {
			s.log.Warn("receive", zap.Error(err))
			return
		}
		s.handle(ctx, env)
		s.wakeReady(ctx, ctx.Now())
	}
}

func (s *Service) handle(ctx *kernel.Context, env kernel.Envelope) {
	if env.Opcode == kernel.InterruptOpcode && !env.From.Valid() {
		return
	}
	if env.Kind != kernel.KindBlockingScalar {
		if env.Kind == kernel.KindMemory {
			if env.Discipline == kernel.Send {
				_ = ctx.FreePages(env.Addr, env.Pages())
			} else {
				_ = ctx.ReturnMemory(env.Sender, 0, 0)
			}
		}
		return
	}
	now := ctx.Now()
	switch proto.Opcode(env.Opcode) {
	case proto.OpTickElapsed:
		_ = ctx.ReturnScalar(env.Sender, uintptr(proto.OK), uintptr(now))
	case proto.OpTickSleep:
		dt := uint64(env.Args[0])
		if dt == 0 {
			_ = ctx.ReturnScalar(env.Sender, uintptr(proto.OK), uintptr(now))
			return
		}
		if !s.schedule(now+dt, env.Sender) {
			_ = ctx.ReturnScalar(env.Sender, uintptr(proto.ErrOverflow))
		}
	default:
		_ = ctx.ReturnScalar(env.Sender, uintptr(proto.ErrBadMessage))
	}
}

func (s *Service) schedule(due uint64, reply kernel.Sender) bool {
	for i := range s.sleepers {
		if s.sleepers[i].inUse {
			continue
		}
		s.sleepers[i] = sleeper{inUse: true, due: due, reply: reply}
		return true
	}
	return false
}

func (s *Service) wakeReady(ctx *kernel.Context, now uint64) {
	s.now = now
	for i := range s.sleepers {
		sl := &s.sleepers[i]
		if !sl.inUse || sl.due > s.now {
			continue
		}
		// The sleeper may have died; its reply is then discarded.
		_ = ctx.ReturnScalar(sl.reply, uintptr(proto.OK), uintptr(s.now))
		*sl = sleeper{}
	}
}
