package kernel

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"
)

// ProcessState is the lifecycle state of a process.
type ProcessState uint8

const (
	ProcessFree ProcessState = iota
	ProcessSetup
	ProcessReady
	ProcessRunning
	ProcessSleeping
	ProcessDebug
	ProcessTerminated
)

func (s ProcessState) String() string {
	switch s {
	case ProcessFree:
		return "free"
	case ProcessSetup:
		return "setup"
	case ProcessReady:
		return "ready"
	case ProcessRunning:
		return "running"
	case ProcessSleeping:
		return "sleeping"
	case ProcessDebug:
		return "debug"
	case ProcessTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// EntryFunc is the body of a thread. It runs on its own goroutine but only
// while a Core has the thread dispatched; every Context call is a trap.
type EntryFunc func(ctx *Context, arg uintptr)

// Image is a loader-provided program image.
type Image struct {
	Name string
	// ABI is the semantic version of the syscall ABI the image was built for.
	ABI string

	// Text is copied into read/execute pages at TextBase.
	Text       []byte
	DataPages  int
	StackPages int
	Priority   uint8

	// Main runs on the first thread. Symbols maps entry addresses accepted by
	// SpawnThread to thread bodies.
	Main    EntryFunc
	Symbols map[uintptr]EntryFunc
}

type connSlot struct {
	gen    uint16
	server *server
}

type process struct {
	pid   PID
	name  string
	image *Image
	state ProcessState
	debug bool

	as      *addressSpace
	threads []*thread
	conns   []connSlot
	servers []*server
	irqs    []int
}

// live counts threads that have not terminated.
func (p *process) live() int {
	n := 0
	for _, t := range p.threads {
		if t.state != ThreadTerminated {
			n++
		}
	}
	return n
}

// refreshState derives the process state from its threads.
func (p *process) refreshState() {
	if p.state == ProcessTerminated || p.state == ProcessFree {
		return
	}
	if p.debug {
		p.state = ProcessDebug
		return
	}
	var ready, running, setup bool
	for _, t := range p.threads {
		switch t.state {
		case ThreadRunning:
			running = true
		case ThreadReady:
			ready = true
		case ThreadSetup:
			setup = true
		}
	}
	switch {
	case running:
		p.state = ProcessRunning
	case ready:
		p.state = ProcessReady
	case setup || len(p.threads) == 0:
		p.state = ProcessSetup
	default:
		p.state = ProcessSleeping
	}
}

// SpawnProcess loads image into a fresh address space and starts its main thread.
func (k *Kernel) SpawnProcess(image *Image) (PID, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, err := k.spawnProcessLocked(image)
	if err != nil {
		return PID{}, err
	}
	return p.pid, nil
}

func (k *Kernel) spawnProcessLocked(image *Image) (*process, error) {
	if err := k.checkRunning(); err != nil {
		return nil, err
	}
	if err := k.checkImage(image); err != nil {
		return nil, err
	}
	p := &process{
		name:  image.Name,
		image: image,
		state: ProcessSetup,
		as:    newAddressSpace(),
		conns: make([]connSlot, k.cfg.MaxConnections),
	}
	for i := range p.conns {
		p.conns[i].gen = 1
	}
	idx, gen, ok := k.procs.alloc(p)
	if !ok {
		return nil, fmt.Errorf("spawn %q: %w", image.Name, ErrResourceExhausted)
	}
	p.pid = PID{index: idx, gen: gen}

	textPages := (len(image.Text) + PageSize - 1) / PageSize
	stackPages := image.StackPages
	if stackPages <= 0 {
		stackPages = k.cfg.DefaultStackPages
	}
	need := textPages + image.DataPages + stackPages
	if k.frames.freeCount() < need {
		k.procs.release(idx, gen)
		return nil, fmt.Errorf("spawn %q needs %d pages: %w", image.Name, need, ErrOutOfMemory)
	}

	if textPages > 0 {
		addrs, err := k.mapFreshLocked(p, TextBase, textPages, PermRead|PermExec)
		if err != nil {
			k.teardownLocked(p)
			return nil, err
		}
		for i, va := range addrs {
			e := p.as.table[vpnOf(va)]
			copy(k.frames.page(e.pfn), image.Text[i*PageSize:])
		}
	}
	if image.DataPages > 0 {
		if _, err := k.allocatePagesLocked(p.pid, image.DataPages, PermRW); err != nil {
			k.teardownLocked(p)
			return nil, err
		}
	}
	stackBase, err := p.as.reserve(&p.as.stackNext, StackBase, KernelBase, stackPages)
	if err != nil {
		k.teardownLocked(p)
		return nil, err
	}
	if _, err := k.mapFreshLocked(p, stackBase, stackPages, PermRW); err != nil {
		k.teardownLocked(p)
		return nil, err
	}
	sp := stackBase + uintptr(stackPages)*PageSize

	if _, err := k.newThreadLocked(p, TextBase, sp, 0, image.Main, image.Priority); err != nil {
		k.teardownLocked(p)
		return nil, err
	}
	k.metrics.processes.Inc()
	k.log.Info("process spawned",
		zap.String("name", image.Name),
		zap.Stringer("pid", p.pid),
		zap.Int("pages", need),
	)
	return p, nil
}

func (k *Kernel) checkImage(image *Image) error {
	if image == nil || image.Name == "" {
		return fmt.Errorf("spawn: %w", ErrBadImage)
	}
	if k.abi == nil {
		return nil
	}
	v, err := semver.NewVersion(image.ABI)
	if err != nil {
		return fmt.Errorf("image %q abi %q: %w", image.Name, image.ABI, ErrBadImage)
	}
	if !k.abi.Check(v) {
		return fmt.Errorf("image %q abi %s does not satisfy %s: %w", image.Name, v, k.abi, ErrBadImage)
	}
	return nil
}

// TerminateProcess tears pid down: threads, pages, connections, servers and
// interrupt claims are released before the slot is freed for reuse.
func (k *Kernel) TerminateProcess(pid PID) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, err := k.process(pid)
	if err != nil {
		return err
	}
	k.terminateProcessLocked(p)
	return nil
}

func (k *Kernel) terminateProcessLocked(p *process) {
	if p.state == ProcessTerminated {
		return
	}
	k.log.Info("process terminating", zap.String("name", p.name), zap.Stringer("pid", p.pid))
	k.teardownLocked(p)
	k.metrics.processes.Dec()
}

func (k *Kernel) teardownLocked(p *process) {
	for _, t := range p.threads {
		k.reapThreadLocked(t)
	}
	if p.live() != 0 {
		k.fatal(fmt.Sprintf("%s still has live threads during teardown", p.pid))
		return
	}
	for _, s := range append([]*server(nil), p.servers...) {
		k.destroyServerLocked(s)
	}
	k.returnBorrowedLocked(p)
	for _, va := range p.as.mappedPages() {
		e := p.as.table[vpnOf(va)]
		p.as.remove(va)
		if e.borrowed {
			continue
		}
		if e.lent {
			// The borrower still holds it; it is freed on return.
			k.frames.get(e.pfn).state = frameOrphaned
			continue
		}
		if !k.frames.release(e.pfn) {
			k.fatal(fmt.Sprintf("frame %d of %s not allocated", e.pfn, p.pid))
			return
		}
	}
	for i := range p.conns {
		k.closeSlot(&p.conns[i])
	}
	for _, src := range append([]int(nil), p.irqs...) {
		k.irq.release(src)
	}
	p.irqs = nil
	p.state = ProcessTerminated
	k.procs.release(p.pid.index, p.pid.gen)
	k.metrics.setFreePages(k.frames.freeCount())
}

// DebugProcess stops scheduling pid's threads. A goroutine-backed thread
// that is executing keeps its core until its next trap; it is not requeued
// after that.
func (k *Kernel) DebugProcess(pid PID) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, err := k.process(pid)
	if err != nil {
		return err
	}
	p.debug = true
	for _, t := range p.threads {
		if t.state == ThreadRunning && t.runner == nil {
			k.setState(t, ThreadReady)
		}
		k.sched.remove(t)
	}
	p.refreshState()
	return nil
}

// ResumeProcess undoes DebugProcess.
func (k *Kernel) ResumeProcess(pid PID) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, err := k.process(pid)
	if err != nil {
		return err
	}
	if !p.debug {
		return nil
	}
	p.debug = false
	for _, t := range p.threads {
		if t.state == ThreadReady {
			k.enqueue(t)
		}
	}
	p.refreshState()
	return nil
}

// ProcessInfo is a snapshot of one process table entry.
type ProcessInfo struct {
	PID     PID
	Name    string
	State   ProcessState
	Threads []TID
}

// ProcessState reports the lifecycle state of pid.
func (k *Kernel) ProcessState(pid PID) (ProcessState, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, err := k.process(pid)
	if err != nil {
		return ProcessFree, err
	}
	return p.state, nil
}

// Processes lists live processes in slot order.
func (k *Kernel) Processes() []ProcessInfo {
	k.mu.Lock()
	defer k.mu.Unlock()
	var out []ProcessInfo
	k.procs.each(func(p *process) {
		info := ProcessInfo{PID: p.pid, Name: p.name, State: p.state}
		for _, t := range p.threads {
			if t.state != ThreadTerminated {
				info.Threads = append(info.Threads, t.tid)
			}
		}
		out = append(out, info)
	})
	return out
}

func (k *Kernel) process(pid PID) (*process, error) {
	p, ok := k.procs.get(pid.index, pid.gen)
	if !ok {
		return nil, fmt.Errorf("%s: %w", pid, ErrNoSuchProcess)
	}
	return p, nil
}
