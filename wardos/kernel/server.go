package kernel

import (
	"fmt"
	"slices"

	"go.uber.org/zap"
)

// server is a mailbox owned by one process.
type server struct {
	sid   ServerID
	owner *process
	mbox  mailbox

	// receivers are owner threads parked in Receive, in arrival order.
	receivers []*thread
	// senders are threads parked for a free mailbox slot, in arrival order.
	senders []*thread

	conns int
	irqs  int
	dead  bool
}

func (s *server) dropReceiver(t *thread) {
	s.receivers = slices.DeleteFunc(s.receivers, func(x *thread) bool { return x == t })
}

func (s *server) dropSender(t *thread) {
	s.senders = slices.DeleteFunc(s.senders, func(x *thread) bool { return x == t })
}

// interruptOnly reports whether only the kernel can post to s.
func (s *server) interruptOnly() bool { return s.irqs > 0 && s.conns == 0 }

// CreateServer creates a mailbox owned by pid under a fresh random ID.
func (k *Kernel) CreateServer(pid PID) (ServerID, error) {
	return k.CreateServerWithID(pid, NewServerID())
}

// CreateServerWithID creates a mailbox under a caller-chosen ID, used for
// well-known servers such as the name registry.
func (k *Kernel) CreateServerWithID(pid PID, sid ServerID) (ServerID, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.checkRunning(); err != nil {
		return ServerID{}, err
	}
	p, err := k.process(pid)
	if err != nil {
		return ServerID{}, err
	}
	return k.createServerLocked(p, sid)
}

func (k *Kernel) createServerLocked(p *process, sid ServerID) (ServerID, error) {
	if sid.IsZero() {
		return ServerID{}, fmt.Errorf("create server: %w", ErrInvalidArgument)
	}
	if _, ok := k.servers[sid]; ok {
		return ServerID{}, fmt.Errorf("create server %s: %w", sid, ErrAlreadyClaimed)
	}
	if len(k.servers) >= k.cfg.MaxServers {
		return ServerID{}, fmt.Errorf("create server: %w", ErrResourceExhausted)
	}
	s := &server{sid: sid, owner: p, mbox: newMailbox(k.cfg.MailboxDepth)}
	k.servers[sid] = s
	p.servers = append(p.servers, s)
	k.log.Debug("server created", zap.Stringer("sid", sid), zap.Stringer("pid", p.pid))
	return sid, nil
}

// DestroyServer removes a server owned by pid. Queued messages are dropped,
// parked senders and lenders are woken with ErrServerNotFound.
func (k *Kernel) DestroyServer(pid PID, sid ServerID) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.checkRunning(); err != nil {
		return err
	}
	p, err := k.process(pid)
	if err != nil {
		return err
	}
	s, err := k.ownServer(p, sid)
	if err != nil {
		return err
	}
	k.destroyServerLocked(s)
	return nil
}

func (k *Kernel) destroyServerLocked(s *server) {
	if s.dead {
		return
	}
	s.dead = true
	delete(k.servers, s.sid)
	s.owner.servers = slices.DeleteFunc(s.owner.servers, func(x *server) bool { return x == s })

	for _, env := range s.mbox.drain() {
		k.dropEnvLocked(env, ErrServerNotFound)
	}
	senders := s.senders
	s.senders = nil
	for _, t := range senders {
		k.dropTimer(t)
		k.complete(t, Result{Err: ErrServerNotFound})
	}
	receivers := s.receivers
	s.receivers = nil
	for _, t := range receivers {
		k.complete(t, Result{Err: ErrServerNotFound})
	}
	k.irq.releaseServer(s)
	k.log.Debug("server destroyed", zap.Stringer("sid", s.sid), zap.Stringer("pid", s.owner.pid))
}

// ServerOwner reports the process that owns sid.
func (k *Kernel) ServerOwner(sid ServerID) (PID, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	s, ok := k.servers[sid]
	if !ok {
		return PID{}, fmt.Errorf("server %s: %w", sid, ErrServerNotFound)
	}
	return s.owner.pid, nil
}

// ownServer resolves sid and checks that p owns it.
func (k *Kernel) ownServer(p *process, sid ServerID) (*server, error) {
	s, ok := k.servers[sid]
	if !ok {
		return nil, fmt.Errorf("server %s: %w", sid, ErrServerNotFound)
	}
	if s.owner != p {
		return nil, fmt.Errorf("server %s not owned by %s: %w", sid, p.pid, ErrPermissionDenied)
	}
	return s, nil
}

// Connect opens a connection from pid to the server sid. Connecting twice to
// the same server returns the existing handle.
func (k *Kernel) Connect(pid PID, sid ServerID) (Connection, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.checkRunning(); err != nil {
		return Connection{}, err
	}
	p, err := k.process(pid)
	if err != nil {
		return Connection{}, err
	}
	return k.connectLocked(p, sid)
}

func (k *Kernel) connectLocked(p *process, sid ServerID) (Connection, error) {
	s, ok := k.servers[sid]
	if !ok {
		return Connection{}, fmt.Errorf("connect %s: %w", sid, ErrServerNotFound)
	}
	free := -1
	for i := range p.conns {
		slot := &p.conns[i]
		if slot.server == s {
			return Connection{slot: uint16(i), gen: slot.gen}, nil
		}
		if slot.server != nil && slot.server.dead {
			k.closeSlot(slot)
		}
		if slot.server == nil && free < 0 {
			free = i
		}
	}
	if s.conns >= k.cfg.MaxServerConnections {
		return Connection{}, fmt.Errorf("connect %s: %w", sid, ErrConnectionRefused)
	}
	if free < 0 {
		return Connection{}, fmt.Errorf("connect %s from %s: %w", sid, p.pid, ErrResourceExhausted)
	}
	slot := &p.conns[free]
	slot.server = s
	s.conns++
	return Connection{slot: uint16(free), gen: slot.gen}, nil
}

// Disconnect closes conn. The handle, and any copy of it, goes stale.
func (k *Kernel) Disconnect(pid PID, conn Connection) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.checkRunning(); err != nil {
		return err
	}
	p, err := k.process(pid)
	if err != nil {
		return err
	}
	slot, err := lookupConn(p, conn)
	if err != nil {
		return err
	}
	k.closeSlot(slot)
	return nil
}

func (k *Kernel) closeSlot(slot *connSlot) {
	if slot.server == nil {
		return
	}
	if !slot.server.dead {
		slot.server.conns--
	}
	slot.server = nil
	slot.gen++
	if slot.gen == 0 {
		slot.gen = 1
	}
}

func lookupConn(p *process, conn Connection) (*connSlot, error) {
	if int(conn.slot) >= len(p.conns) {
		return nil, fmt.Errorf("%s: %w", conn, ErrInvalidArgument)
	}
	slot := &p.conns[conn.slot]
	if slot.gen != conn.gen || slot.server == nil {
		return nil, fmt.Errorf("%s: %w", conn, ErrInvalidArgument)
	}
	return slot, nil
}

// resolveConn maps a connection handle of t's process to a live server.
// A handle the kernel never issued to this process is an isolation violation.
func (k *Kernel) resolveConn(t *thread, conn Connection) (*server, error) {
	slot, err := lookupConn(t.proc, conn)
	if err != nil {
		return nil, k.violation(t, err)
	}
	if slot.server.dead {
		return nil, fmt.Errorf("%s: %w", conn, ErrServerNotFound)
	}
	return slot.server, nil
}

// violation reports an isolation fault by t and, when configured, kills
// the offending process.
func (k *Kernel) violation(t *thread, err error) error {
	k.metrics.violations.Inc()
	if k.limiter.Allow() {
		k.log.Warn("isolation violation", zap.Stringer("tid", t.tid), zap.Stringer("pid", t.proc.pid), zap.Error(err))
	}
	if k.cfg.KillOnViolation {
		k.terminateProcessLocked(t.proc)
	}
	return err
}
