package kernel

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config holds the fixed limits of a kernel instance.
type Config struct {
	// Pages is the number of physical frames backing the RAM arena.
	Pages                int
	MaxProcesses         int
	MaxThreads           int
	MaxServers           int
	MaxConnections       int // per process
	MaxServerConnections int
	MailboxDepth         int
	PriorityBands        int
	Cores                int
	InterruptSources     int
	// InterruptStormLimit is the missed-interrupt count that halts the kernel.
	InterruptStormLimit uint32
	DefaultStackPages   int
	// KillOnViolation terminates processes that forge handles or addresses.
	KillOnViolation bool
	// ABIConstraint is a semver constraint images must satisfy; empty accepts all.
	ABIConstraint string
}

// DefaultConfig returns limits suited to a small device.
func DefaultConfig() Config {
	return Config{
		Pages:                1024,
		MaxProcesses:         32,
		MaxThreads:           128,
		MaxServers:           64,
		MaxConnections:       32,
		MaxServerConnections: 32,
		MailboxDepth:         8,
		PriorityBands:        8,
		Cores:                1,
		InterruptSources:     32,
		InterruptStormLimit:  math.MaxUint32,
		DefaultStackPages:    4,
	}
}

func (c Config) validate() error {
	switch {
	case c.Pages <= 0:
		return fmt.Errorf("pages must be positive: %w", ErrInvalidArgument)
	case c.MaxProcesses <= 0 || c.MaxThreads <= 0 || c.MaxServers <= 0:
		return fmt.Errorf("table sizes must be positive: %w", ErrInvalidArgument)
	case c.MaxConnections <= 0 || c.MaxConnections > 1<<16-1 || c.MaxServerConnections <= 0:
		return fmt.Errorf("connection limits out of range: %w", ErrInvalidArgument)
	case c.MailboxDepth <= 0:
		return fmt.Errorf("mailbox depth must be positive: %w", ErrInvalidArgument)
	case c.PriorityBands <= 0 || c.PriorityBands > 256:
		return fmt.Errorf("priority bands must be in 1..256: %w", ErrInvalidArgument)
	case c.Cores <= 0:
		return fmt.Errorf("cores must be positive: %w", ErrInvalidArgument)
	case c.InterruptSources < 0:
		return fmt.Errorf("interrupt sources must not be negative: %w", ErrInvalidArgument)
	case c.InterruptStormLimit == 0:
		return fmt.Errorf("interrupt storm limit must be positive: %w", ErrInvalidArgument)
	case c.DefaultStackPages <= 0:
		return fmt.Errorf("default stack pages must be positive: %w", ErrInvalidArgument)
	}
	return nil
}

// Option configures optional collaborators of a kernel.
type Option func(*Kernel)

// WithLogger sets the kernel logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(k *Kernel) {
		if l != nil {
			k.log = l
		}
	}
}

// WithMetrics uses m instead of a fresh private metrics registry.
func WithMetrics(m *Metrics) Option {
	return func(k *Kernel) {
		if m != nil {
			k.metrics = m
		}
	}
}

// WithPowerNotifier installs the suspend/resume coordinator.
func WithPowerNotifier(n PowerNotifier) Option {
	return func(k *Kernel) { k.power = n }
}

// WithHaltHandler installs a handler invoked once when the kernel halts.
func WithHaltHandler(fn func(HaltInfo)) Option {
	return func(k *Kernel) { k.onHalt = fn }
}

// Kernel is one instance of the process isolation and IPC core.
//
// All state is guarded by mu, which stands in for the interrupt-disabled
// critical section: every operation runs start to finish under it and never
// blocks while holding it.
type Kernel struct {
	mu  sync.Mutex
	cfg Config
	abi *semver.Constraints

	frames    *frameTable
	freeRAM   func() error
	procs     *arena[*process]
	threads   *arena[*thread]
	servers   map[ServerID]*server
	pending   map[Sender]*envelope
	irq       *irqTable
	sched     *scheduler
	timers    []*thread
	now       uint64
	current   []*thread
	cores     []*Core
	switches  uint64
	kick      chan struct{}
	suspended bool

	halted   bool
	haltInfo HaltInfo
	onHalt   func(HaltInfo)
	closed   bool

	power   PowerNotifier
	log     *zap.Logger
	limiter *rate.Limiter
	metrics *Metrics
}

// New builds a kernel with cfg limits.
func New(cfg Config, opts ...Option) (*Kernel, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	k := &Kernel{
		cfg:     cfg,
		servers: make(map[ServerID]*server),
		pending: make(map[Sender]*envelope),
		procs:   newArena[*process](cfg.MaxProcesses),
		threads: newArena[*thread](cfg.MaxThreads),
		irq:     newIRQTable(cfg.InterruptSources),
		sched:   newScheduler(cfg.PriorityBands),
		current: make([]*thread, cfg.Cores),
		kick:    make(chan struct{}),
		log:     zap.NewNop(),
		limiter: rate.NewLimiter(rate.Every(time.Second), 5),
	}
	for _, opt := range opts {
		opt(k)
	}
	if k.metrics == nil {
		k.metrics = NewMetrics()
	}
	if cfg.ABIConstraint != "" {
		c, err := semver.NewConstraint(cfg.ABIConstraint)
		if err != nil {
			return nil, fmt.Errorf("abi constraint %q: %w", cfg.ABIConstraint, err)
		}
		k.abi = c
	}
	ram, free, err := newRAM(cfg.Pages * PageSize)
	if err != nil {
		return nil, fmt.Errorf("ram arena: %w", err)
	}
	k.frames = newFrameTable(ram)
	k.freeRAM = free
	for i := range k.current {
		k.cores = append(k.cores, &Core{k: k, id: i})
	}
	k.metrics.setFreePages(k.frames.freeCount())
	k.log.Info("kernel up",
		zap.Int("pages", cfg.Pages),
		zap.Int("cores", cfg.Cores),
		zap.Int("mailbox_depth", cfg.MailboxDepth),
	)
	return k, nil
}

// Config returns the limits the kernel was built with.
func (k *Kernel) Config() Config { return k.cfg }

// Metrics returns the kernel's metric collectors.
func (k *Kernel) Metrics() *Metrics { return k.metrics }

func (k *Kernel) checkRunning() error {
	if k.halted || k.closed {
		return ErrHalted
	}
	return nil
}

// Stats is a snapshot of scheduler and table occupancy.
type Stats struct {
	Tick            uint64
	ContextSwitches uint64
	Current         []TID
	Ready           int
	Processes       int
	Threads         int
	Servers         int
	FreeFrames      int
	TotalFrames     int
}

func (k *Kernel) Stats() Stats {
	k.mu.Lock()
	defer k.mu.Unlock()
	st := Stats{
		Tick:            k.now,
		ContextSwitches: k.switches,
		Current:         make([]TID, len(k.current)),
		Ready:           k.sched.ready(),
		Processes:       k.procs.len(),
		Threads:         k.threads.len(),
		Servers:         len(k.servers),
		FreeFrames:      k.frames.freeCount(),
		TotalFrames:     k.frames.total(),
	}
	for i, t := range k.current {
		if t != nil {
			st.Current[i] = t.tid
		}
	}
	return st
}

// Close stops all goroutine-backed threads and releases the RAM arena.
// The kernel is unusable afterwards.
func (k *Kernel) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	k.threads.each(func(t *thread) {
		if t.runner != nil {
			t.runner.kill()
		}
	})
	k.kickCores()
	free := k.freeRAM
	k.mu.Unlock()
	if free == nil {
		return nil
	}
	return free()
}
