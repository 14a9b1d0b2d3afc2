package kernel

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// runner backs a thread with a goroutine. The goroutine only executes while
// a core has the thread dispatched: it hands the core back on every trap
// that blocks or yields, and waits to be resumed.
type runner struct {
	started bool
	resume  chan struct{}
	trap    chan struct{}
	done    chan struct{}

	killOnce sync.Once
	killed   chan struct{}
}

func newRunner() *runner {
	return &runner{
		resume: make(chan struct{}),
		trap:   make(chan struct{}),
		done:   make(chan struct{}),
		killed: make(chan struct{}),
	}
}

func (r *runner) kill() {
	r.killOnce.Do(func() { close(r.killed) })
}

// dispatch runs t on the calling core until it traps or exits.
func (r *runner) dispatch(k *Kernel, t *thread) {
	if !r.started {
		r.started = true
		go k.threadMain(t, r)
	} else {
		select {
		case r.resume <- struct{}{}:
		case <-r.killed:
			return
		}
	}
	select {
	case <-r.trap:
	case <-r.done:
	}
}

func (k *Kernel) threadMain(t *thread, r *runner) {
	defer close(r.done)
	ctx := &Context{k: k, t: t, tid: t.tid, pid: t.proc.pid}
	defer func() {
		if v := recover(); v != nil {
			k.threadPanicked(ctx, v)
		}
	}()
	select {
	case <-r.killed:
		return
	default:
	}
	t.entry(ctx, t.arg)
	_ = k.TerminateThread(ctx.tid)
}

// threadPanicked terminates the process of a thread whose body panicked.
func (k *Kernel) threadPanicked(ctx *Context, v any) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.log.Error("thread panicked",
		zap.Stringer("tid", ctx.tid),
		zap.Stringer("pid", ctx.pid),
		zap.String("panic", fmt.Sprint(v)),
		zap.ByteString("stack", captureStack()),
	)
	if p, err := k.process(ctx.pid); err == nil {
		k.terminateProcessLocked(p)
	}
}
