package kernel

import (
	"fmt"
	"math"
	"slices"

	"go.uber.org/zap"
)

// scheduler keeps Ready threads in priority bands, FIFO within a band.
// A higher band number is more urgent.
type scheduler struct {
	bands [][]*thread
}

func newScheduler(bands int) *scheduler {
	return &scheduler{bands: make([][]*thread, bands)}
}

func (s *scheduler) add(t *thread) {
	if t.queued {
		return
	}
	t.queued = true
	s.bands[t.priority] = append(s.bands[t.priority], t)
}

func (s *scheduler) remove(t *thread) {
	if !t.queued {
		return
	}
	t.queued = false
	s.bands[t.priority] = slices.DeleteFunc(s.bands[t.priority], func(x *thread) bool { return x == t })
}

// peek returns the longest-waiting thread of the most urgent band that
// satisfies ok.
func (s *scheduler) peek(ok func(*thread) bool) *thread {
	for b := len(s.bands) - 1; b >= 0; b-- {
		for _, t := range s.bands[b] {
			if ok == nil || ok(t) {
				return t
			}
		}
	}
	return nil
}

func (s *scheduler) ready() int {
	n := 0
	for _, b := range s.bands {
		n += len(b)
	}
	return n
}

// enqueue appends a Ready thread at the tail of its band and wakes idle cores.
func (k *Kernel) enqueue(t *thread) {
	if t.state != ThreadReady || t.proc.debug {
		return
	}
	k.sched.add(t)
	k.kickCores()
}

func (k *Kernel) kickCores() {
	close(k.kick)
	k.kick = make(chan struct{})
}

// PickNext reports which thread the scheduler would run next without
// dispatching it.
func (k *Kernel) PickNext() (TID, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	t := k.sched.peek(nil)
	if t == nil {
		return TID{}, false
	}
	return t.tid, true
}

// Switch performs a context switch on core: its current thread, if still
// running, goes back to the tail of its band and the next thread is made
// Running there. It is the only place a core's current thread changes.
func (k *Kernel) Switch(core int) (TID, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if core < 0 || core >= len(k.current) || k.checkRunning() != nil {
		return TID{}, false
	}
	t := k.switchLocked(core, nil)
	if t == nil {
		return TID{}, false
	}
	return t.tid, true
}

func (k *Kernel) switchLocked(core int, ok func(*thread) bool) *thread {
	if cur := k.current[core]; cur != nil && cur.state == ThreadRunning {
		k.setState(cur, ThreadReady)
		k.enqueue(cur)
	}
	next := k.sched.peek(ok)
	if next == nil {
		return nil
	}
	k.sched.remove(next)
	k.setState(next, ThreadRunning)
	next.core = core
	k.current[core] = next
	k.switches++
	k.metrics.switches.Inc()
	return next
}

// detachFromCore clears the core slot of a thread that stops running.
func (k *Kernel) detachFromCore(t *thread) {
	if t.core >= 0 && t.core < len(k.current) && k.current[t.core] == t {
		k.current[t.core] = nil
	}
	t.core = -1
}

// Current reports the thread running on core.
func (k *Kernel) Current(core int) (TID, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if core < 0 || core >= len(k.current) || k.current[core] == nil {
		return TID{}, false
	}
	return k.current[core].tid, true
}

// Block parks tid in the blocked state reason until Wake.
func (k *Kernel) Block(tid TID, reason ThreadState) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !reason.blocked() {
		return fmt.Errorf("block %s as %s: %w", tid, reason, ErrInvalidArgument)
	}
	t, err := k.caller(tid)
	if err != nil {
		return err
	}
	k.block(t, reason, waitState{})
	return nil
}

// Wake makes a thread parked by Block or Sleep Ready again, at the tail of
// its band. Threads waiting on IPC are woken only by the IPC that completes.
func (k *Kernel) Wake(tid TID) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.checkRunning(); err != nil {
		return err
	}
	t, err := k.thread(tid)
	if err != nil {
		return err
	}
	if !t.state.blocked() {
		return nil
	}
	if t.wait.kind != waitNone && t.wait.kind != waitSleep {
		return fmt.Errorf("wake %s waiting on ipc: %w", tid, ErrResourceBusy)
	}
	k.dropTimer(t)
	k.complete(t, Result{})
	return nil
}

// Yield puts tid at the tail of its band.
func (k *Kernel) Yield(tid TID) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	t, err := k.caller(tid)
	if err != nil {
		return err
	}
	k.yieldLocked(t)
	return nil
}

func (k *Kernel) yieldLocked(t *thread) {
	if t.state == ThreadRunning {
		k.setState(t, ThreadReady)
	}
	k.sched.remove(t)
	k.enqueue(t)
}

// Sleep blocks tid for ticks timer ticks. Sleeping zero ticks yields; the
// result is Pending as for Yield, so a dispatched thread hands its core back.
func (k *Kernel) Sleep(tid TID, ticks uint64) (Result, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	t, err := k.caller(tid)
	if err != nil {
		return Result{}, err
	}
	if ticks == 0 {
		k.yieldLocked(t)
		return Result{Pending: true}, nil
	}
	k.block(t, ThreadSleeping, waitState{kind: waitSleep, deadline: k.deadline(ticks)})
	k.addTimer(t)
	return Result{Pending: true}, nil
}

// deadline returns the tick ticks from now, saturating at the largest tick.
func (k *Kernel) deadline(ticks uint64) uint64 {
	if ticks > math.MaxUint64-k.now {
		return math.MaxUint64
	}
	return k.now + ticks
}

func (k *Kernel) addTimer(t *thread) {
	k.timers = append(k.timers, t)
}

func (k *Kernel) dropTimer(t *thread) {
	k.timers = slices.DeleteFunc(k.timers, func(x *thread) bool { return x == t })
}

// Tick advances the kernel clock to now, waking expired sleepers and failing
// senders whose wait for mailbox space timed out.
func (k *Kernel) Tick(now uint64) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.checkRunning() != nil || now < k.now {
		return
	}
	k.now = now
	var expired []*thread
	k.timers = slices.DeleteFunc(k.timers, func(t *thread) bool {
		if t.wait.deadline != 0 && t.wait.deadline <= now {
			expired = append(expired, t)
			return true
		}
		return false
	})
	for _, t := range expired {
		switch t.wait.kind {
		case waitSleep:
			k.complete(t, Result{})
		case waitSpace:
			s := t.wait.server
			s.dropSender(t)
			k.complete(t, Result{Err: ErrTimeout})
			k.log.Debug("send timed out", zap.Stringer("tid", t.tid), zap.Stringer("sid", s.sid))
		}
	}
}

// Now returns the current tick.
func (k *Kernel) Now() uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.now
}
