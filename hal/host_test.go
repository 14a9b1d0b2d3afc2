//go:build !tinygo

package hal

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func TestHostLoggerWritesLines(t *testing.T) {
	var buf bytes.Buffer
	h := NewWithOutput(&buf)
	h.Logger().WriteLineString("a")
	h.Logger().WriteLineBytes([]byte("b"))
	_ = h.Power().Suspend()
	if got, want := buf.String(), "a\nb\npower: suspend\n"; got != want {
		t.Fatalf("output = %q, want %q", got, want)
	}
}

func TestRunHeadlessStopsAfterTicks(t *testing.T) {
	var buf bytes.Buffer
	seen := make(chan uint64, 16)
	err := RunHeadless(context.Background(), func(ctx context.Context, h HAL) error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case seq := <-h.Time().Ticks():
				seen <- seq
			}
		}
	}, HeadlessConfig{Hz: 1000, Ticks: 3, Output: &buf})
	if err != nil {
		t.Fatalf("RunHeadless() err = %v, want nil", err)
	}
	close(seen)
	var last uint64
	for seq := range seen {
		last = seq
	}
	if last > 3 {
		t.Fatalf("last tick = %d, want <= 3", last)
	}
}

func TestRunHeadlessHonorsContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := RunHeadless(ctx, func(ctx context.Context, _ HAL) error {
		<-ctx.Done()
		return nil
	}, HeadlessConfig{Hz: 100, Output: &bytes.Buffer{}})
	if err != nil {
		t.Fatalf("RunHeadless() err = %v, want nil", err)
	}
}
