package kernel

import "go.uber.org/zap"

// HaltInfo describes why the kernel halted.
type HaltInfo struct {
	Reason string
	Stack  []byte
}

// Halted reports whether the kernel is in halted mode.
func (k *Kernel) Halted() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.halted
}

// HaltInfo returns the reason of the halt, if any.
func (k *Kernel) HaltInfo() (HaltInfo, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.haltInfo, k.halted
}

// Halt stops the kernel: the halt handler runs once and every further
// kernel call fails with ErrHalted.
func (k *Kernel) Halt(reason string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.fatal(reason)
}

// fatal is Halt with the kernel lock held. The handler runs under the lock
// and must not call back into the kernel.
func (k *Kernel) fatal(reason string) {
	if k.halted {
		return
	}
	k.halted = true
	k.haltInfo = HaltInfo{Reason: reason, Stack: captureStack()}
	k.metrics.halts.Inc()
	k.log.Error("kernel halted", zap.String("reason", reason))
	k.kickCores()
	if k.onHalt != nil {
		k.onHalt(k.haltInfo)
	}
}
