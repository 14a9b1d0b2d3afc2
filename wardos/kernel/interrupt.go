package kernel

import (
	"fmt"
	"slices"

	"go.uber.org/zap"
)

type irqLine struct {
	owner  *process
	server *server
	missed uint32
}

type irqTable struct {
	lines []irqLine
}

func newIRQTable(sources int) *irqTable {
	return &irqTable{lines: make([]irqLine, sources)}
}

func (it *irqTable) release(src int) {
	l := &it.lines[src]
	if l.owner == nil {
		return
	}
	l.owner.irqs = slices.DeleteFunc(l.owner.irqs, func(x int) bool { return x == src })
	l.server.irqs--
	*l = irqLine{}
}

func (it *irqTable) releaseServer(s *server) {
	for src := range it.lines {
		if it.lines[src].server == s {
			it.release(src)
		}
	}
}

func (k *Kernel) irqLine(src int) (*irqLine, error) {
	if src < 0 || src >= len(k.irq.lines) {
		return nil, fmt.Errorf("interrupt %d: %w", src, ErrInvalidArgument)
	}
	return &k.irq.lines[src], nil
}

// ClaimInterrupt routes interrupt source to the server sid of pid.
func (k *Kernel) ClaimInterrupt(pid PID, source int, sid ServerID) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.checkRunning(); err != nil {
		return err
	}
	p, err := k.process(pid)
	if err != nil {
		return err
	}
	l, err := k.irqLine(source)
	if err != nil {
		return err
	}
	if l.owner != nil && l.owner != p {
		return fmt.Errorf("interrupt %d owned by %s: %w", source, l.owner.pid, ErrAlreadyClaimed)
	}
	s, err := k.ownServer(p, sid)
	if err != nil {
		return err
	}
	if l.owner == p {
		if l.server == s {
			return nil
		}
		k.irq.release(source)
	}
	*l = irqLine{owner: p, server: s}
	s.irqs++
	p.irqs = append(p.irqs, source)
	k.log.Debug("interrupt claimed", zap.Int("source", source), zap.Stringer("pid", pid), zap.Stringer("sid", sid))
	return nil
}

// FreeInterrupt gives up a claim on source.
func (k *Kernel) FreeInterrupt(pid PID, source int) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.checkRunning(); err != nil {
		return err
	}
	p, err := k.process(pid)
	if err != nil {
		return err
	}
	l, err := k.irqLine(source)
	if err != nil {
		return err
	}
	if l.owner != p {
		return fmt.Errorf("free interrupt %d: %w", source, ErrPermissionDenied)
	}
	k.irq.release(source)
	return nil
}

// FireInterrupt delivers an interrupt from source to its handler server as
// a scalar message {source, tick, missed} with opcode InterruptOpcode.
//
// It never blocks. When the handler's mailbox is full the interrupt is
// coalesced into the source's missed counter; reaching the storm limit halts
// the kernel. Unclaimed sources are counted as spurious and ignored.
func (k *Kernel) FireInterrupt(source int) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.checkRunning(); err != nil {
		return err
	}
	l, err := k.irqLine(source)
	if err != nil {
		return err
	}
	if l.owner == nil {
		k.metrics.interrupts.WithLabelValues("spurious").Inc()
		if k.limiter.Allow() {
			k.log.Warn("spurious interrupt", zap.Int("source", source))
		}
		return nil
	}
	s := l.server
	if len(s.receivers) == 0 && s.mbox.free() == 0 {
		l.missed++
		k.metrics.interrupts.WithLabelValues("missed").Inc()
		if l.missed >= k.cfg.InterruptStormLimit {
			k.fatal(fmt.Sprintf("interrupt %d missed counter overflow", source))
			return ErrHalted
		}
		return nil
	}
	env := &envelope{
		msg:    Scalar(InterruptOpcode, uintptr(source), uintptr(k.now), uintptr(l.missed)),
		server: s,
	}
	k.postLocked(s, env)
	k.metrics.interrupts.WithLabelValues("delivered").Inc()
	return nil
}

// MissedInterrupts reports the cumulative missed counter of source.
func (k *Kernel) MissedInterrupts(source int) (uint32, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, err := k.irqLine(source)
	if err != nil {
		return 0, err
	}
	return l.missed, nil
}
