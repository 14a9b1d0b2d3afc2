package logger

import (
	"go.uber.org/zap"

	"ward/hal"
	namesclient "ward/wardos/client/names"
	"ward/wardos/kernel"
	"ward/wardos/proto"
)

// Service writes log lines sent to it as pages to a hal.Logger. Lines are
// moved with the Send discipline, so the service frees every page it gets.
type Service struct {
	sink hal.Logger
	log  *zap.Logger
}

func New(sink hal.Logger, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{sink: sink, log: log.Named("logger")}
}

func (s *Service) Image() *kernel.Image {
	return &kernel.Image{Name: "logger", Priority: 2, Main: s.Main}
}

func (s *Service) Main(ctx *kernel.Context, _ uintptr) {
	sid, err := ctx.CreateServer()
	if err != nil {
		s.log.Error("create server", zap.Error(err))
		return
	}
	if err := namesclient.Register(ctx, proto.NameLogger, sid); err != nil {
		s.log.Error("register", zap.Error(err))
		return
	}
	for {
		env, err := ctx.Receive(sid)
		if err != nil {
			s.log.Warn("receive", zap.Error(err))
			return
		}
		s.handle(ctx, env)
	}
}

func (s *Service) handle(ctx *kernel.Context, env kernel.Envelope) {
	switch env.Kind {
	case kernel.KindBlockingScalar:
		_ = ctx.ReturnScalar(env.Sender, uintptr(proto.ErrBadMessage))
		return
	case kernel.KindScalar:
		return
	}
	if env.Discipline != kernel.Send {
		_ = ctx.ReturnMemory(env.Sender, 0, 0)
		return
	}
	defer func() {
		if err := ctx.FreePages(env.Addr, env.Pages()); err != nil {
			s.log.Warn("free line pages", zap.Error(err))
		}
	}()
	if proto.Opcode(env.Opcode) != proto.OpLogLine || s.sink == nil {
		return
	}
	line := make([]byte, min(env.Valid, env.Len, proto.MaxLogLineBytes))
	if err := ctx.ReadMemory(env.Addr, line); err != nil {
		s.log.Warn("read line", zap.Error(err))
		return
	}
	s.sink.WriteLineBytes(line)
}
