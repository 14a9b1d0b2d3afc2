package kernel

import (
	"fmt"

	"go.uber.org/zap"
)

// ThreadState is the lifecycle state of a thread.
type ThreadState uint8

const (
	ThreadFree ThreadState = iota
	ThreadSetup
	ThreadReady
	ThreadRunning
	ThreadSleeping
	ThreadBlockedOnIPC
	ThreadBlockedOnInterrupt
	ThreadTerminated
)

func (s ThreadState) String() string {
	switch s {
	case ThreadFree:
		return "free"
	case ThreadSetup:
		return "setup"
	case ThreadReady:
		return "ready"
	case ThreadRunning:
		return "running"
	case ThreadSleeping:
		return "sleeping"
	case ThreadBlockedOnIPC:
		return "blocked_ipc"
	case ThreadBlockedOnInterrupt:
		return "blocked_irq"
	case ThreadTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

func (s ThreadState) blocked() bool {
	return s == ThreadSleeping || s == ThreadBlockedOnIPC || s == ThreadBlockedOnInterrupt
}

// threadTransitions lists the legal next states for each state.
// Ready threads may block directly: a thread driven through the typed API
// traps without ever being dispatched on a core.
var threadTransitions = [...]uint16{
	ThreadSetup:              1<<ThreadReady | 1<<ThreadTerminated,
	ThreadReady:              1<<ThreadRunning | 1<<ThreadSleeping | 1<<ThreadBlockedOnIPC | 1<<ThreadBlockedOnInterrupt | 1<<ThreadTerminated,
	ThreadRunning:            1<<ThreadReady | 1<<ThreadSleeping | 1<<ThreadBlockedOnIPC | 1<<ThreadBlockedOnInterrupt | 1<<ThreadTerminated,
	ThreadSleeping:           1<<ThreadReady | 1<<ThreadTerminated,
	ThreadBlockedOnIPC:       1<<ThreadReady | 1<<ThreadBlockedOnIPC | 1<<ThreadTerminated,
	ThreadBlockedOnInterrupt: 1<<ThreadReady | 1<<ThreadTerminated,
	ThreadTerminated:         0,
}

// Registers is the saved execution context of a thread.
type Registers struct {
	PC   uintptr
	SP   uintptr
	Args [4]uintptr
}

// waitKind records why a blocked thread is parked.
type waitKind uint8

const (
	waitNone waitKind = iota
	// waitRecv: parked in a server's receiver queue.
	waitRecv
	// waitSpace: parked in a server's sender queue for a mailbox slot.
	waitSpace
	// waitReply: message delivered, waiting for ReturnScalar/ReturnMemory.
	waitReply
	waitSleep
)

type waitState struct {
	kind     waitKind
	server   *server
	env      *envelope
	deadline uint64 // tick; 0 = none
}

type thread struct {
	tid      TID
	proc     *process
	state    ThreadState
	priority uint8
	regs     Registers
	core     int // core index while Running, -1 otherwise

	entry EntryFunc
	arg   uintptr

	wait      waitState
	result    Result
	hasResult bool

	// seq numbers this thread's reply-bearing messages.
	seq uint32

	queued bool
	runner *runner
}

// setState moves t through the state machine. An illegal transition means
// the thread table is corrupt and halts the kernel.
func (k *Kernel) setState(t *thread, to ThreadState) {
	from := t.state
	if int(from) >= len(threadTransitions) || threadTransitions[from]&(1<<to) == 0 {
		k.fatal(fmt.Sprintf("illegal thread transition %s: %s -> %s", t.tid, from, to))
		return
	}
	if from == ThreadRunning && to != ThreadRunning {
		k.detachFromCore(t)
	}
	t.state = to
	t.proc.refreshState()
}

// block parks t for the given reason and takes it off the ready set.
func (k *Kernel) block(t *thread, to ThreadState, w waitState) {
	k.sched.remove(t)
	t.wait = w
	k.setState(t, to)
}

// complete stores res for t and makes it runnable again.
func (k *Kernel) complete(t *thread, res Result) {
	if t.state == ThreadTerminated {
		return
	}
	t.wait = waitState{}
	t.result = res
	t.hasResult = true
	if t.state.blocked() {
		k.setState(t, ThreadReady)
		k.enqueue(t)
	}
}

// SpawnThread creates a Ready thread in pid starting at the image symbol entry
// with stack pointer stack and one argument word.
func (k *Kernel) SpawnThread(pid PID, entry uintptr, stack uintptr, arg uintptr) (TID, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.spawnThreadLocked(pid, entry, stack, arg)
}

func (k *Kernel) spawnThreadLocked(pid PID, entry uintptr, stack uintptr, arg uintptr) (TID, error) {
	if err := k.checkRunning(); err != nil {
		return TID{}, err
	}
	p, err := k.process(pid)
	if err != nil {
		return TID{}, err
	}
	fn, ok := p.image.Symbols[entry]
	if !ok {
		return TID{}, fmt.Errorf("spawn thread at %#x: %w", entry, ErrInvalidAddress)
	}
	if stack != 0 {
		if _, err := translate(p, stack-1, true); err != nil {
			return TID{}, fmt.Errorf("spawn thread stack %#x: %w", stack, err)
		}
	}
	t, err := k.newThreadLocked(p, entry, stack, arg, fn, p.image.Priority)
	if err != nil {
		return TID{}, err
	}
	return t.tid, nil
}

func (k *Kernel) newThreadLocked(p *process, pc, sp, arg uintptr, fn EntryFunc, prio uint8) (*thread, error) {
	t := &thread{
		proc:     p,
		state:    ThreadSetup,
		priority: k.clampPriority(prio),
		core:     -1,
		entry:    fn,
		arg:      arg,
		regs:     Registers{PC: pc, SP: sp, Args: [4]uintptr{arg}},
	}
	idx, gen, ok := k.threads.alloc(t)
	if !ok {
		return nil, fmt.Errorf("spawn thread in %s: %w", p.pid, ErrResourceExhausted)
	}
	t.tid = TID{index: idx, gen: gen}
	if fn != nil {
		t.runner = newRunner()
	}
	p.threads = append(p.threads, t)
	k.setState(t, ThreadReady)
	k.enqueue(t)
	k.log.Debug("thread spawned", zap.Stringer("tid", t.tid), zap.Stringer("pid", p.pid))
	return t, nil
}

// TerminateThread ends tid. Ending the last live thread of a process tears
// the whole process down.
func (k *Kernel) TerminateThread(tid TID) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	t, err := k.thread(tid)
	if err != nil {
		return err
	}
	k.terminateThreadLocked(t)
	return nil
}

func (k *Kernel) terminateThreadLocked(t *thread) {
	p := t.proc
	if p.live() == 1 && t.state != ThreadTerminated {
		k.terminateProcessLocked(p)
		return
	}
	k.reapThreadLocked(t)
}

// reapThreadLocked unhooks t from every queue it might sit in and frees its slot.
func (k *Kernel) reapThreadLocked(t *thread) {
	if t.state == ThreadTerminated {
		return
	}
	k.sched.remove(t)
	switch t.wait.kind {
	case waitRecv:
		t.wait.server.dropReceiver(t)
	case waitSpace:
		t.wait.server.dropSender(t)
	case waitReply:
		k.orphanReply(t)
	}
	k.dropTimer(t)
	t.wait = waitState{}
	k.setState(t, ThreadTerminated)
	if t.runner != nil {
		t.runner.kill()
	}
	k.threads.release(t.tid.index, t.tid.gen)
	k.log.Debug("thread terminated", zap.Stringer("tid", t.tid), zap.Stringer("pid", t.proc.pid))
}

// ThreadState reports the state of tid.
func (k *Kernel) ThreadState(tid TID) (ThreadState, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	t, err := k.thread(tid)
	if err != nil {
		return ThreadTerminated, err
	}
	return t.state, nil
}

// ThreadRegisters returns the saved register file of tid.
func (k *Kernel) ThreadRegisters(tid TID) (Registers, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	t, err := k.thread(tid)
	if err != nil {
		return Registers{}, err
	}
	return t.regs, nil
}

// TakeResult hands over the result of the last call tid completed while
// blocked. ok is false when no result is waiting.
func (k *Kernel) TakeResult(tid TID) (res Result, ok bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	t, err := k.thread(tid)
	if err != nil {
		return Result{}, false
	}
	return t.takeResult()
}

func (t *thread) takeResult() (Result, bool) {
	if !t.hasResult {
		return Result{}, false
	}
	res := t.result
	t.result = Result{}
	t.hasResult = false
	return res, true
}

func (k *Kernel) thread(tid TID) (*thread, error) {
	t, ok := k.threads.get(tid.index, tid.gen)
	if !ok {
		return nil, fmt.Errorf("%s: %w", tid, ErrNoSuchThread)
	}
	return t, nil
}

// caller resolves the thread issuing a syscall. Blocked threads cannot trap.
func (k *Kernel) caller(tid TID) (*thread, error) {
	if err := k.checkRunning(); err != nil {
		return nil, err
	}
	t, err := k.thread(tid)
	if err != nil {
		return nil, err
	}
	if t.state != ThreadReady && t.state != ThreadRunning {
		return nil, fmt.Errorf("%s is %s: %w", tid, t.state, ErrResourceBusy)
	}
	return t, nil
}

func (k *Kernel) clampPriority(p uint8) uint8 {
	if int(p) >= k.cfg.PriorityBands {
		return uint8(k.cfg.PriorityBands - 1)
	}
	return p
}
