// Package app wires the kernel, the core services and the manifest's tasks
// to a HAL and runs them.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ward/hal"
	"ward/internal/buildinfo"
	"ward/internal/config"
	"ward/wardos/kernel"
	"ward/wardos/proto"
	"ward/wardos/services/logger"
	"ward/wardos/services/names"
	"ward/wardos/services/ticktimer"
	"ward/wardos/tasks/pingpong"
)

type Config struct {
	Kernel   kernel.Config
	Manifest *config.Manifest
	Log      *zap.Logger
	// OnPingPong, if set, receives each pingpong task's result.
	OnPingPong func(pingpong.Result)
}

// System is a booted kernel with its services.
type System struct {
	k   *kernel.Kernel
	h   hal.HAL
	log *zap.Logger
}

// New boots the kernel and spawns the name registry, logger, tick timer and
// the manifest's tasks. Nothing runs until Run.
func New(h hal.HAL, cfg Config) (*System, error) {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	m := cfg.Manifest
	if m == nil {
		m = &config.Manifest{}
	}
	kc := cfg.Kernel
	if m.Cores > 0 {
		kc.Cores = m.Cores
	}
	s := &System{h: h, log: log}
	k, err := kernel.New(kc,
		kernel.WithLogger(log.Named("kernel")),
		kernel.WithPowerNotifier(h.Power()),
		kernel.WithHaltHandler(s.onHalt),
	)
	if err != nil {
		return nil, err
	}
	s.k = k

	images := []*kernel.Image{
		names.New(log).Image(),
		logger.New(h.Logger(), log).Image(),
		ticktimer.New(proto.IRQTimer, log).Image(),
	}
	for _, t := range m.Tasks {
		imgs, err := s.taskImages(t, cfg.OnPingPong)
		if err != nil {
			_ = k.Close()
			return nil, err
		}
		images = append(images, imgs...)
	}
	for _, img := range images {
		if img.ABI == "" {
			img.ABI = buildinfo.ABI
		}
		if _, err := k.SpawnProcess(img); err != nil {
			_ = k.Close()
			return nil, fmt.Errorf("spawn %s: %w", img.Name, err)
		}
	}
	log.Info("system up", zap.String("build", buildinfo.Short()), zap.Int("processes", len(images)))
	return s, nil
}

func (s *System) taskImages(t config.Task, onPingPong func(pingpong.Result)) ([]*kernel.Image, error) {
	switch t.Name {
	case "pingpong":
		rounds := t.Rounds
		if rounds == 0 {
			rounds = 100
		}
		task := pingpong.New(rounds, func(res pingpong.Result) {
			if res.Err != nil {
				s.log.Warn("pingpong failed", zap.Int("rounds", res.Rounds), zap.Error(res.Err))
			} else {
				s.log.Info("pingpong done", zap.Int("rounds", res.Rounds), zap.Uint64("ticks", res.Ticks))
			}
			if onPingPong != nil {
				onPingPong(res)
			}
		})
		return []*kernel.Image{task.ServerImage(), task.ClientImage()}, nil
	default:
		return nil, fmt.Errorf("unknown task %q", t.Name)
	}
}

// Kernel returns the booted kernel.
func (s *System) Kernel() *kernel.Kernel { return s.k }

// Run drives every core plus the tick and interrupt pumps until ctx ends or
// the kernel halts. The kernel is closed on return.
func (s *System) Run(ctx context.Context) error {
	defer s.k.Close()
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range s.k.Cores() {
		g.Go(func() error { return s.runCore(ctx, c) })
	}
	if t := s.h.Time(); t != nil {
		g.Go(func() error { return s.pumpTicks(ctx, t.Ticks()) })
	}
	if irq := s.h.Interrupts(); irq != nil {
		g.Go(func() error { return s.pumpInterrupts(ctx, irq) })
	}
	err := g.Wait()
	if info, halted := s.k.HaltInfo(); halted {
		return fmt.Errorf("kernel halted: %s", info.Reason)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *System) runCore(ctx context.Context, c *kernel.Core) error {
	err := c.Run(ctx)
	if errors.Is(err, kernel.ErrHalted) {
		return err
	}
	return ctx.Err()
}

// pumpTicks advances the kernel clock and raises the timer interrupt once
// per HAL tick.
func (s *System) pumpTicks(ctx context.Context, ticks <-chan uint64) error {
	if ticks == nil {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case seq := <-ticks:
			s.k.Tick(seq)
			if err := s.k.FireInterrupt(proto.IRQTimer); err != nil {
				return err
			}
		}
	}
}

func (s *System) pumpInterrupts(ctx context.Context, irq hal.Interrupts) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-irq.Notify():
			var err error
			irq.Drain(func(src int) {
				if e := s.k.FireInterrupt(src); e != nil && !errors.Is(e, kernel.ErrInvalidArgument) {
					err = e
				}
			})
			if err != nil {
				return err
			}
		}
	}
}
