package kernel

import "context"

// Core is one execution unit. It runs goroutine-backed threads one at a
// time, switching only when the current thread blocks, yields or exits.
type Core struct {
	k  *Kernel
	id int
}

// Cores returns the kernel's execution units.
func (k *Kernel) Cores() []*Core { return k.cores }

func (c *Core) ID() int { return c.id }

func runnable(t *thread) bool { return t.runner != nil }

// Run dispatches threads until ctx is cancelled or the kernel halts or is
// closed. A cancelled core returns once its current thread traps.
func (c *Core) Run(ctx context.Context) error {
	k := c.k
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		k.mu.Lock()
		if err := k.checkRunning(); err != nil {
			k.mu.Unlock()
			return err
		}
		var t *thread
		if !k.suspended {
			t = k.switchLocked(c.id, runnable)
		}
		kick := k.kick
		k.mu.Unlock()

		if t == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-kick:
			}
			continue
		}
		t.runner.dispatch(k, t)
	}
}
