package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClaimInterrupt(t *testing.T) {
	k := newTestKernel(t, func(c *Config) { c.InterruptSources = 4 })
	a, _ := spawnIdle(t, k, "a")
	b, _ := spawnIdle(t, k, "b")
	sidA, err := k.CreateServer(a)
	require.NoError(t, err)
	sidB, err := k.CreateServer(b)
	require.NoError(t, err)

	assert.ErrorIs(t, k.ClaimInterrupt(a, 1, sidB), ErrPermissionDenied)
	require.NoError(t, k.ClaimInterrupt(a, 1, sidA))
	require.NoError(t, k.ClaimInterrupt(a, 1, sidA), "reclaiming is idempotent")
	assert.ErrorIs(t, k.ClaimInterrupt(b, 1, sidB), ErrAlreadyClaimed)
	assert.ErrorIs(t, k.ClaimInterrupt(b, 9, sidB), ErrInvalidArgument)

	assert.ErrorIs(t, k.FreeInterrupt(b, 1), ErrPermissionDenied)
	require.NoError(t, k.FreeInterrupt(a, 1))
	assert.NoError(t, k.ClaimInterrupt(b, 1, sidB))
}

func TestInterruptCoalescing(t *testing.T) {
	k := newTestKernel(t, func(c *Config) { c.MailboxDepth = 1 })
	h, hT := spawnIdle(t, k, "handler")
	sid, err := k.CreateServer(h)
	require.NoError(t, err)
	require.NoError(t, k.ClaimInterrupt(h, 2, sid))

	k.Tick(100)
	require.NoError(t, k.FireInterrupt(2))
	require.NoError(t, k.FireInterrupt(2))

	env, err := k.TryReceive(hT, sid)
	require.NoError(t, err)
	assert.Equal(t, uint32(InterruptOpcode), env.Opcode)
	assert.Equal(t, [4]uintptr{2, 100, 0, 0}, env.Args)
	assert.Equal(t, PID{}, env.From)

	_, err = k.TryReceive(hT, sid)
	assert.ErrorIs(t, err, ErrWouldBlock, "exactly one message delivered")

	missed, err := k.MissedInterrupts(2)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), missed)

	// The counter is cumulative and reported with the next delivery.
	require.NoError(t, k.FireInterrupt(2))
	env, err = k.TryReceive(hT, sid)
	require.NoError(t, err)
	assert.Equal(t, uintptr(1), env.Args[2])
}

func TestReceiveOnInterruptServerBlocksOnInterrupt(t *testing.T) {
	k := newTestKernel(t, nil)
	h, hT := spawnIdle(t, k, "handler")
	sid, err := k.CreateServer(h)
	require.NoError(t, err)
	require.NoError(t, k.ClaimInterrupt(h, 0, sid))

	res, err := k.Receive(hT, sid)
	require.NoError(t, err)
	require.True(t, res.Pending)
	assert.Equal(t, ThreadBlockedOnInterrupt, threadState(t, k, hT))

	require.NoError(t, k.FireInterrupt(0))
	got := takeResult(t, k, hT)
	require.NoError(t, got.Err)
	assert.Equal(t, uint32(InterruptOpcode), got.Envelope.Opcode)
	assert.Equal(t, ThreadReady, threadState(t, k, hT))
}

func TestSpuriousInterruptIgnored(t *testing.T) {
	k := newTestKernel(t, nil)
	assert.NoError(t, k.FireInterrupt(5))
	assert.ErrorIs(t, k.FireInterrupt(-1), ErrInvalidArgument)
	assert.False(t, k.Halted())
}

func TestInterruptStormHalts(t *testing.T) {
	var halts []HaltInfo
	cfg := DefaultConfig()
	cfg.Pages = 16
	cfg.MailboxDepth = 1
	cfg.InterruptStormLimit = 2
	k, err := New(cfg, WithHaltHandler(func(info HaltInfo) { halts = append(halts, info) }))
	require.NoError(t, err)
	defer k.Close()

	h, _ := spawnIdle(t, k, "handler")
	sid, err := k.CreateServer(h)
	require.NoError(t, err)
	require.NoError(t, k.ClaimInterrupt(h, 1, sid))

	require.NoError(t, k.FireInterrupt(1))
	require.NoError(t, k.FireInterrupt(1))
	assert.ErrorIs(t, k.FireInterrupt(1), ErrHalted)

	require.Len(t, halts, 1)
	assert.Contains(t, halts[0].Reason, "interrupt 1")
	assert.True(t, k.Halted())

	_, err = k.AllocatePages(h, 1, PermRW)
	assert.ErrorIs(t, err, ErrHalted)
	k.Halt("again")
	assert.Len(t, halts, 1, "halt handler runs once")
}
