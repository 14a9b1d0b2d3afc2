// Package ktest boots kernels for package tests.
package ktest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ward/wardos/kernel"
	"ward/wardos/proto"
)

// Boot builds a small kernel and closes it when the test ends.
func Boot(t *testing.T, mut func(*kernel.Config)) *kernel.Kernel {
	t.Helper()
	cfg := kernel.DefaultConfig()
	cfg.Pages = 256
	if mut != nil {
		mut(&cfg)
	}
	k, err := kernel.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = k.Close() })
	return k
}

// Spawn starts every image or fails the test.
func Spawn(t *testing.T, k *kernel.Kernel, images ...*kernel.Image) []kernel.PID {
	t.Helper()
	pids := make([]kernel.PID, 0, len(images))
	for _, img := range images {
		pid, err := k.SpawnProcess(img)
		require.NoError(t, err, img.Name)
		pids = append(pids, pid)
	}
	return pids
}

// Run drives every core, plus a tick pump raising the timer interrupt, until
// the test ends.
func Run(t *testing.T, k *kernel.Kernel) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{}, len(k.Cores())+1)
	for _, c := range k.Cores() {
		go func(c *kernel.Core) {
			_ = c.Run(ctx)
			done <- struct{}{}
		}(c)
	}
	go func() {
		defer func() { done <- struct{}{} }()
		tk := time.NewTicker(time.Millisecond)
		defer tk.Stop()
		for now := uint64(1); ; now++ {
			select {
			case <-ctx.Done():
				return
			case <-tk.C:
				k.Tick(now)
				_ = k.FireInterrupt(proto.IRQTimer)
			}
		}
	}()
	t.Cleanup(func() {
		cancel()
		_ = k.Close()
		for i := 0; i < len(k.Cores())+1; i++ {
			select {
			case <-done:
			case <-time.After(2 * time.Second):
				t.Error("kernel did not stop")
				return
			}
		}
	})
}

// Recv waits for a value from a thread.
func Recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for thread")
		var zero T
		return zero
	}
}
