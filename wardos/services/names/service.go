// Package names is the name registry server. It listens on the well-known
// kernel.NameServerID and maps names to server IDs so that processes can
// find each other without sharing random IDs up front.
package names

import (
	"go.uber.org/zap"

	"ward/wardos/kernel"
	"ward/wardos/proto"
)

const maxRequestBytes = proto.MaxNameBytes + 20

type entry struct {
	sid   kernel.ServerID
	owner kernel.PID
}

type Service struct {
	log   *zap.Logger
	names map[string]entry
}

func New(log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{log: log.Named("names"), names: make(map[string]entry)}
}

// Image returns the process image running the registry.
func (s *Service) Image() *kernel.Image {
	return &kernel.Image{Name: "names", Priority: 6, Main: s.Main}
}

func (s *Service) Main(ctx *kernel.Context, _ uintptr) {
	sid, err := ctx.CreateServerWithID(kernel.NameServerID)
	if err != nil {
		s.log.Error("create server", zap.Error(err))
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
	switch {
	case env.Kind == kernel.KindBlockingScalar:
		_ = ctx.ReturnScalar(env.Sender, uintptr(proto.ErrBadMessage))
		return
	case env.Kind != kernel.KindMemory:
		return
	case env.Discipline == kernel.Send:
		_ = ctx.FreePages(env.Addr, env.Pages())
		return
	case env.Discipline != kernel.LendMut:
		_ = ctx.ReturnMemory(env.Sender, 0, 0)
		return
	}

	n := min(env.Valid, env.Len, maxRequestBytes)
	buf := make([]byte, n)
	if err := ctx.ReadMemory(env.Addr, buf); err != nil {
		_ = ctx.ReturnMemory(env.Sender, 0, 0)
		return
	}
	req, ok := proto.DecodeNameRequest(buf)
	code := proto.ErrBadMessage
	if ok {
		code = s.serve(ctx, env, &req)
		_, _ = req.Encode(buf)
	}
	if len(buf) >= 2 {
		proto.PutNameStatus(buf, code)
	}
	if err := ctx.WriteMemory(env.Addr, buf); err != nil {
		s.log.Warn("write reply", zap.Error(err))
	}
	_ = ctx.ReturnMemory(env.Sender, 0, uintptr(len(buf)))
}

func (s *Service) serve(ctx *kernel.Context, env kernel.Envelope, req *proto.NameRequest) proto.ErrCode {
	switch proto.Opcode(env.Opcode) {
	case proto.OpNameRegister:
		sid := kernel.ServerID(req.Server)
		if sid.IsZero() {
			return proto.ErrBadMessage
		}
		owner, err := ctx.ServerOwner(sid)
		if err != nil {
			return proto.ErrNotFound
		}
		if owner != env.From {
			return proto.ErrUnauthorized
		}
		if e, ok := s.names[req.Name]; ok && e.sid != sid && s.live(ctx, e) {
			return proto.ErrExists
		}
		s.names[req.Name] = entry{sid: sid, owner: env.From}
		s.log.Debug("registered", zap.String("name", req.Name), zap.Stringer("sid", sid), zap.Stringer("pid", env.From))
		return proto.OK
	case proto.OpNameLookup:
		e, ok := s.names[req.Name]
		if !ok {
			return proto.ErrNotFound
		}
		req.Server = e.sid
		return proto.OK
	case proto.OpNameUnregister:
		e, ok := s.names[req.Name]
		if !ok {
			return proto.ErrNotFound
		}
		if e.owner != env.From {
			return proto.ErrUnauthorized
		}
		delete(s.names, req.Name)
		return proto.OK
	default:
		return proto.ErrBadMessage
	}
}

// live reports whether the server behind a binding still exists under its
// registering process, so that a restarted server can take over its old name.
func (s *Service) live(ctx *kernel.Context, e entry) bool {
	owner, err := ctx.ServerOwner(e.sid)
	return err == nil && owner == e.owner
}
