package kernel

import (
	"fmt"

	"go.uber.org/zap"
)

// PowerNotifier is told when the system suspends or resumes.
type PowerNotifier interface {
	Suspend() error
	Resume() error
}

// Suspend stops cores from dispatching threads and notifies the power
// coordinator. Threads already running finish their current step.
func (k *Kernel) Suspend() error {
	k.mu.Lock()
	if err := k.checkRunning(); err != nil {
		k.mu.Unlock()
		return err
	}
	if k.suspended {
		k.mu.Unlock()
		return nil
	}
	k.suspended = true
	n := k.power
	k.mu.Unlock()
	k.log.Info("suspending")
	if n == nil {
		return nil
	}
	if err := n.Suspend(); err != nil {
		return fmt.Errorf("suspend: %w", err)
	}
	return nil
}

// Resume undoes Suspend.
func (k *Kernel) Resume() error {
	k.mu.Lock()
	if !k.suspended {
		k.mu.Unlock()
		return nil
	}
	k.suspended = false
	k.kickCores()
	n := k.power
	k.mu.Unlock()
	k.log.Info("resumed")
	if n == nil {
		return nil
	}
	if err := n.Resume(); err != nil {
		k.log.Warn("resume notifier failed", zap.Error(err))
		return fmt.Errorf("resume: %w", err)
	}
	return nil
}

// Suspended reports whether the kernel is suspended.
func (k *Kernel) Suspended() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.suspended
}
