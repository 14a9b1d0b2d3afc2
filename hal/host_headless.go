//go:build !tinygo

package hal

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/sync/errgroup"
)

// HeadlessConfig controls the host runner.
type HeadlessConfig struct {
	Hz    int
	Ticks uint64
	// Output receives log lines; nil means stdout.
	Output io.Writer
}

// RunHeadless runs the OS on the host: a ticker steps the HAL clock at Hz
// while run executes. It stops after Ticks ticks (0 = run forever) or when
// ctx ends.
func RunHeadless(ctx context.Context, run func(context.Context, HAL) error, cfg HeadlessConfig) error {
	if cfg.Hz <= 0 {
		cfg.Hz = 60
	}
	d := time.Second / time.Duration(cfg.Hz)
	if d <= 0 {
		return fmt.Errorf("invalid headless hz: %d", cfg.Hz)
	}
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	h := newHost(out)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return run(ctx, h)
	})
	g.Go(func() error {
		t := time.NewTicker(d)
		defer t.Stop()
		var tick uint64
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				h.t.stepN(1)
				tick++
				if cfg.Ticks > 0 && tick >= cfg.Ticks {
					cancel()
					return nil
				}
			}
		}
	})
	return g.Wait()
}
