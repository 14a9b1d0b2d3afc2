package kernel

import (
	"errors"
	"fmt"
)

// SendScalar posts a scalar message on conn.
//
// A receiver parked in Receive gets it directly, otherwise it is queued. When
// the mailbox is full a blocking sender parks until a slot frees (Pending) and
// a non-blocking sender fails with ErrMailboxFull.
func (k *Kernel) SendScalar(tid TID, conn Connection, msg Message, opts SendOptions) (Result, error) {
	msg.Kind = KindScalar
	return k.send(tid, conn, msg, opts)
}

// SendBlockingScalar posts a scalar message and keeps the caller blocked
// until the server answers with ReturnScalar. The reply words arrive in
// Result.Reply.
func (k *Kernel) SendBlockingScalar(tid TID, conn Connection, msg Message, opts SendOptions) (Result, error) {
	msg.Kind = KindBlockingScalar
	return k.send(tid, conn, msg, opts)
}

// SendMemory posts a memory message over the page-aligned buffer
// [msg.Addr, msg.Addr+msg.Len).
//
// Send moves the pages: the sender loses them immediately and the receiver
// gets them on Receive. Lend and LendMut keep the caller blocked until the
// receiver returns the pages; the caller cannot touch or unmap them meanwhile.
// The Return discipline hands back the borrowed buffer at msg.Addr.
func (k *Kernel) SendMemory(tid TID, conn Connection, msg Message, opts SendOptions) (Result, error) {
	msg.Kind = KindMemory
	switch msg.Discipline {
	case Send, Lend, LendMut:
		return k.send(tid, conn, msg, opts)
	case Return:
		k.mu.Lock()
		defer k.mu.Unlock()
		t, err := k.caller(tid)
		if err != nil {
			return Result{}, err
		}
		env := k.borrowedAt(t.proc, msg.Addr)
		if env == nil {
			return Result{}, fmt.Errorf("return %#x: %w", msg.Addr, ErrProtocolViolation)
		}
		k.finishLendLocked(env, msg.Offset, msg.Valid)
		return Result{}, nil
	default:
		return Result{}, fmt.Errorf("memory message with discipline %s: %w", msg.Discipline, ErrInvalidArgument)
	}
}

func (k *Kernel) send(tid TID, conn Connection, msg Message, opts SendOptions) (Result, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	t, err := k.caller(tid)
	if err != nil {
		return Result{}, err
	}
	return k.sendLocked(t, conn, msg, opts)
}

func (k *Kernel) sendLocked(t *thread, conn Connection, msg Message, opts SendOptions) (Result, error) {
	s, err := k.resolveConn(t, conn)
	if err != nil {
		return Result{}, err
	}
	env := &envelope{msg: msg, from: t.proc.pid, server: s}
	if msg.Kind == KindMemory {
		if err := k.checkBuffer(t.proc, msg); err != nil {
			if errors.Is(err, ErrInvalidAddress) {
				return Result{}, k.violation(t, err)
			}
			return Result{}, err
		}
		env.lender = t.proc
	}
	if msg.needsReply() {
		t.seq++
		if t.seq == 0 {
			t.seq = 1
		}
		env.sender = t
		env.token = Sender{tid: t.tid, seq: t.seq}
	}
	k.metrics.messages.WithLabelValues(msg.Kind.String()).Inc()

	if len(s.receivers) > 0 || s.mbox.free() > 0 {
		if len(s.receivers) > 0 && !canDeliver(s.receivers[0].proc, msg) {
			return Result{}, fmt.Errorf("deliver %d pages to %s: ipc window: %w", msg.Pages(), s.sid, ErrOutOfMemory)
		}
		if err := k.stageLocked(env); err != nil {
			return Result{}, err
		}
		if env.sender != nil {
			k.block(t, ThreadBlockedOnIPC, waitState{kind: waitReply, env: env})
			k.postLocked(s, env)
			return Result{Pending: true}, nil
		}
		k.postLocked(s, env)
		return Result{}, nil
	}
	if opts.NonBlocking {
		k.metrics.mailboxFull.Inc()
		return Result{}, fmt.Errorf("send to %s: %w", s.sid, ErrMailboxFull)
	}
	w := waitState{kind: waitSpace, server: s, env: env}
	if opts.Timeout > 0 {
		w.deadline = k.deadline(opts.Timeout)
	}
	s.senders = append(s.senders, t)
	k.block(t, ThreadBlockedOnIPC, w)
	if w.deadline != 0 {
		k.addTimer(t)
	}
	return Result{Pending: true}, nil
}

// checkBuffer verifies that p wholly owns every page of a memory message.
func (k *Kernel) checkBuffer(p *process, msg Message) error {
	if msg.Len == 0 || !pageAligned(msg.Addr) {
		return fmt.Errorf("buffer %#x+%d: %w", msg.Addr, msg.Len, ErrInvalidAddress)
	}
	if msg.Addr >= KernelBase || msg.Len > KernelBase-msg.Addr {
		return fmt.Errorf("buffer %#x+%d: %w", msg.Addr, msg.Len, ErrInvalidAddress)
	}
	n := msg.Pages()
	for i := 0; i < n; i++ {
		va := msg.Addr + uintptr(i)*PageSize
		e, ok := p.as.table[vpnOf(va)]
		if !ok || e.borrowed {
			return fmt.Errorf("buffer page %#x not owned by %s: %w", va, p.pid, ErrInvalidAddress)
		}
		if e.lent {
			return fmt.Errorf("buffer page %#x already lent: %w", va, ErrResourceBusy)
		}
		if msg.Discipline == LendMut && e.perm&PermWrite == 0 {
			return fmt.Errorf("mutable lend of read-only %#x: %w", va, ErrPermissionDenied)
		}
	}
	return nil
}

// stageLocked takes the pages of a memory message away from the lender at
// the moment the message is queued or delivered.
func (k *Kernel) stageLocked(env *envelope) error {
	if env.msg.Kind != KindMemory || env.staged {
		return nil
	}
	p := env.lender
	if err := k.checkBuffer(p, env.msg); err != nil {
		return err
	}
	n := env.msg.Pages()
	env.frames = make([]uint32, 0, n)
	for i := 0; i < n; i++ {
		va := env.msg.Addr + uintptr(i)*PageSize
		e := p.as.table[vpnOf(va)]
		f := k.frames.get(e.pfn)
		env.frames = append(env.frames, e.pfn)
		if env.msg.Discipline == Send {
			p.as.remove(va)
			p.as.owned--
			f.state = frameInTransit
			f.owner = env.server.owner.pid
			continue
		}
		e.lent = true
		p.as.set(va, e)
		p.as.lentOut++
		f.state = frameLent
		f.borrower = env.server.owner.pid
	}
	env.staged = true
	return nil
}

// canDeliver reports whether rp has room in its IPC window for msg.
func canDeliver(rp *process, msg Message) bool {
	return msg.Kind != KindMemory || rp.as.fits(rp.as.ipcNext, IPCBase, StackBase, msg.Pages())
}

// postLocked hands env to the first parked receiver or queues it.
// The caller has checked that one of the two is possible, and that a parked
// receiver can map env.
func (k *Kernel) postLocked(s *server, env *envelope) {
	if len(s.receivers) > 0 {
		r := s.receivers[0]
		s.receivers = s.receivers[1:]
		ev, err := k.deliverLocked(r.proc, env)
		if err != nil {
			k.dropEnvLocked(env, err)
			k.complete(r, Result{Err: err})
			return
		}
		k.complete(r, Result{Envelope: ev})
		return
	}
	if !s.mbox.push(env) {
		k.fatal(fmt.Sprintf("mailbox %s overflow", s.sid))
	}
}

// deliverLocked maps the pages of env into the receiving process rp and
// returns the receiver's view of the message.
func (k *Kernel) deliverLocked(rp *process, env *envelope) (Envelope, error) {
	var addr uintptr
	if env.msg.Kind == KindMemory {
		base, err := rp.as.reserve(&rp.as.ipcNext, IPCBase, StackBase, len(env.frames))
		if err != nil {
			return Envelope{}, err
		}
		for i, pfn := range env.frames {
			va := base + uintptr(i)*PageSize
			f := k.frames.get(pfn)
			switch env.msg.Discipline {
			case Send:
				rp.as.set(va, pte{pfn: pfn, perm: PermRW})
				rp.as.owned++
				f.state = frameOwned
				f.owner = rp.pid
			case Lend:
				rp.as.set(va, pte{pfn: pfn, perm: PermRead, borrowed: true})
				f.borrower = rp.pid
			case LendMut:
				rp.as.set(va, pte{pfn: pfn, perm: PermRW, borrowed: true})
				f.borrower = rp.pid
			}
		}
		addr = base
		env.borrowBase = base
	}
	env.delivered = true
	env.receiver = rp
	if env.msg.needsReply() {
		k.pending[env.token] = env
	}
	k.metrics.delivered.Inc()
	return env.view(addr), nil
}

// admitSendersLocked moves parked senders into freed mailbox slots, in FIFO
// order. Memory buffers are revalidated since the sender's process may have
// changed its mappings while it waited.
func (k *Kernel) admitSendersLocked(s *server) {
	for len(s.senders) > 0 && s.mbox.free() > 0 {
		t := s.senders[0]
		s.senders = s.senders[1:]
		k.dropTimer(t)
		env := t.wait.env
		if err := k.stageLocked(env); err != nil {
			k.complete(t, Result{Err: err})
			continue
		}
		if env.sender != nil {
			t.wait = waitState{kind: waitReply, env: env}
		} else {
			k.complete(t, Result{})
		}
		k.postLocked(s, env)
	}
}

// dropEnvLocked cancels a message that can no longer complete normally and
// undoes its page transfer. A sender still waiting for a reply gets cause.
func (k *Kernel) dropEnvLocked(env *envelope, cause error) {
	if env.msg.needsReply() && k.pending[env.token] == env {
		delete(k.pending, env.token)
	}
	if env.msg.Kind == KindMemory && env.staged {
		switch {
		case env.msg.Discipline.lends():
			if env.delivered {
				k.unmapBorrowedLocked(env)
			}
			k.unlendLocked(env)
		case !env.delivered:
			for _, pfn := range env.frames {
				if !k.frames.release(pfn) {
					k.fatal(fmt.Sprintf("in-transit frame %d already free", pfn))
					return
				}
			}
			k.metrics.setFreePages(k.frames.freeCount())
		}
	}
	if t := env.sender; t != nil {
		env.sender = nil
		k.complete(t, Result{Err: cause})
	}
}

func (k *Kernel) unmapBorrowedLocked(env *envelope) {
	for i := range env.frames {
		env.receiver.as.remove(env.borrowBase + uintptr(i)*PageSize)
	}
}

// unlendLocked gives lent frames back to the lender, or frees them when the
// lender has terminated in the meantime.
func (k *Kernel) unlendLocked(env *envelope) {
	for i, pfn := range env.frames {
		f := k.frames.get(pfn)
		if f.state == frameOrphaned {
			k.frames.release(pfn)
			continue
		}
		va := env.msg.Addr + uintptr(i)*PageSize
		e, ok := env.lender.as.table[vpnOf(va)]
		if !ok || e.pfn != pfn || !e.lent {
			k.fatal(fmt.Sprintf("lend of frame %d lost by %s", pfn, env.lender.pid))
			return
		}
		e.lent = false
		env.lender.as.set(va, e)
		env.lender.as.lentOut--
		f.state = frameOwned
		f.borrower = PID{}
	}
	k.metrics.setFreePages(k.frames.freeCount())
}

// Receive takes the oldest message of the server sid, which the caller's
// process must own. On an empty mailbox the caller blocks (Pending) until a
// message arrives; the Envelope then comes with the wake-up Result.
func (k *Kernel) Receive(tid TID, sid ServerID) (Result, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	t, err := k.caller(tid)
	if err != nil {
		return Result{}, err
	}
	return k.receiveLocked(t, sid, true)
}

// TryReceive is Receive that fails with ErrWouldBlock on an empty mailbox.
func (k *Kernel) TryReceive(tid TID, sid ServerID) (Envelope, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	t, err := k.caller(tid)
	if err != nil {
		return Envelope{}, err
	}
	res, err := k.receiveLocked(t, sid, false)
	return res.Envelope, err
}

func (k *Kernel) receiveLocked(t *thread, sid ServerID, block bool) (Result, error) {
	s, err := k.ownServer(t.proc, sid)
	if err != nil {
		return Result{}, err
	}
	if env, ok := s.mbox.pop(); ok {
		ev, err := k.deliverLocked(t.proc, env)
		if err != nil {
			// The message stays at the head until the receiver frees IPC space.
			s.mbox.requeue(env)
			return Result{}, fmt.Errorf("receive on %s: %w", sid, err)
		}
		k.admitSendersLocked(s)
		return Result{Envelope: ev}, nil
	}
	if !block {
		return Result{}, fmt.Errorf("receive on %s: %w", sid, ErrWouldBlock)
	}
	state := ThreadBlockedOnIPC
	if s.interruptOnly() {
		state = ThreadBlockedOnInterrupt
	}
	s.receivers = append(s.receivers, t)
	k.block(t, state, waitState{kind: waitRecv, server: s})
	return Result{Pending: true}, nil
}

// ReturnScalar answers a BlockingScalar message. Answering a sender that has
// terminated meanwhile is accepted and the words are discarded.
func (k *Kernel) ReturnScalar(tid TID, sender Sender, reply [4]uintptr) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	t, err := k.caller(tid)
	if err != nil {
		return err
	}
	env, ok := k.pending[sender]
	if !ok || env.msg.Kind != KindBlockingScalar || env.receiver != t.proc {
		return fmt.Errorf("return scalar to %s: %w", sender, ErrProtocolViolation)
	}
	delete(k.pending, sender)
	if s := env.sender; s != nil {
		env.sender = nil
		k.complete(s, Result{Reply: reply})
	}
	return nil
}

// ReturnMemory ends the lend identified by sender and wakes the lender with
// the offset and valid hints. The buffer must currently be lent to the
// caller's process.
func (k *Kernel) ReturnMemory(tid TID, sender Sender, offset, valid uintptr) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	t, err := k.caller(tid)
	if err != nil {
		return err
	}
	env, ok := k.pending[sender]
	if !ok || env.msg.Kind != KindMemory || env.receiver != t.proc {
		return fmt.Errorf("return memory to %s: %w", sender, ErrProtocolViolation)
	}
	k.finishLendLocked(env, offset, valid)
	return nil
}

func (k *Kernel) finishLendLocked(env *envelope, offset, valid uintptr) {
	delete(k.pending, env.token)
	k.unmapBorrowedLocked(env)
	k.unlendLocked(env)
	if s := env.sender; s != nil {
		env.sender = nil
		k.complete(s, Result{Reply: [4]uintptr{offset, valid}})
	}
}

// borrowedAt finds the lend mapped at addr in borrower p.
func (k *Kernel) borrowedAt(p *process, addr uintptr) *envelope {
	for _, env := range k.pending {
		if env.receiver == p && env.msg.Kind == KindMemory && env.borrowBase == addr {
			return env
		}
	}
	return nil
}

// orphanReply detaches a terminating thread from the message it is waiting
// on. The message itself stays valid; a later Return is accepted.
func (k *Kernel) orphanReply(t *thread) {
	if env := t.wait.env; env != nil {
		env.sender = nil
		env.orphaned = true
	}
}

// returnBorrowedLocked cancels every reply owed by the dying process p:
// borrowed pages go back to their lenders, blocked senders are woken with
// ErrProcessTerminated.
func (k *Kernel) returnBorrowedLocked(p *process) {
	var owed []*envelope
	for _, env := range k.pending {
		if env.receiver == p {
			owed = append(owed, env)
		}
	}
	for _, env := range owed {
		k.dropEnvLocked(env, ErrProcessTerminated)
	}
}

// QueueDepth reports how many messages wait in the mailbox of sid.
func (k *Kernel) QueueDepth(sid ServerID) (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	s, ok := k.servers[sid]
	if !ok {
		return 0, fmt.Errorf("server %s: %w", sid, ErrServerNotFound)
	}
	return s.mbox.len(), nil
}
