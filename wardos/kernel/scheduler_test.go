package kernel

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPickNextPrefersUrgentBand(t *testing.T) {
	k := newTestKernel(t, nil)
	_, low := spawnImage(t, k, &Image{Name: "low", StackPages: 1, Priority: 1})
	_, high := spawnImage(t, k, &Image{Name: "high", StackPages: 1, Priority: 6})

	next, ok := k.PickNext()
	require.True(t, ok)
	assert.Equal(t, high, next)

	require.NoError(t, k.Block(high, ThreadSleeping))
	next, ok = k.PickNext()
	require.True(t, ok)
	assert.Equal(t, low, next)
}

func TestPriorityClampedToBands(t *testing.T) {
	k := newTestKernel(t, func(c *Config) { c.PriorityBands = 2 })
	_, a := spawnImage(t, k, &Image{Name: "a", StackPages: 1, Priority: 1})
	spawnImage(t, k, &Image{Name: "b", StackPages: 1, Priority: 200})

	next, _ := k.PickNext()
	assert.Equal(t, a, next, "both land in the top band, first come first")
}

func TestSwitchRoundRobinWithinBand(t *testing.T) {
	k := newTestKernel(t, nil)
	_, a := spawnIdle(t, k, "a")
	_, b := spawnIdle(t, k, "b")

	want := []TID{a, b, a, b}
	for i, w := range want {
		got, ok := k.Switch(0)
		if !ok || got != w {
			t.Fatalf("Switch() #%d = %s, %v, want %s", i, got, ok, w)
		}
		assert.Equal(t, ThreadRunning, threadState(t, k, got))
		cur, ok := k.Current(0)
		require.True(t, ok)
		assert.Equal(t, got, cur)
	}
	assert.Equal(t, uint64(4), k.Stats().ContextSwitches)
}

func TestRunningThreadBlocksAndLeavesCore(t *testing.T) {
	k := newTestKernel(t, nil)
	srv, srvT := spawnIdle(t, k, "server")
	sid, err := k.CreateServer(srv)
	require.NoError(t, err)

	got, ok := k.Switch(0)
	require.True(t, ok)
	require.Equal(t, srvT, got)

	res, err := k.Receive(srvT, sid)
	require.NoError(t, err)
	require.True(t, res.Pending)
	_, ok = k.Current(0)
	assert.False(t, ok, "blocking must detach the thread from its core")
}

func TestBlockWakeAppendsAtTail(t *testing.T) {
	k := newTestKernel(t, nil)
	_, a := spawnIdle(t, k, "a")
	_, b := spawnIdle(t, k, "b")

	require.NoError(t, k.Block(a, ThreadSleeping))
	assert.Equal(t, ThreadSleeping, threadState(t, k, a))
	assert.ErrorIs(t, k.Block(b, ThreadReady), ErrInvalidArgument)

	require.NoError(t, k.Wake(a))
	first, _ := k.Switch(0)
	second, _ := k.Switch(0)
	assert.Equal(t, b, first)
	assert.Equal(t, a, second)
}

func TestWakeRefusesIPCWaiters(t *testing.T) {
	k := newTestKernel(t, nil)
	srv, srvT := spawnIdle(t, k, "server")
	sid, err := k.CreateServer(srv)
	require.NoError(t, err)
	_, err = k.Receive(srvT, sid)
	require.NoError(t, err)

	assert.ErrorIs(t, k.Wake(srvT), ErrResourceBusy)
}

func TestSleepAndTick(t *testing.T) {
	k := newTestKernel(t, nil)
	_, a := spawnIdle(t, k, "a")
	k.Tick(10)

	res, err := k.Sleep(a, 3)
	require.NoError(t, err)
	require.True(t, res.Pending)
	assert.Equal(t, ThreadSleeping, threadState(t, k, a))

	k.Tick(12)
	assert.Equal(t, ThreadSleeping, threadState(t, k, a))
	k.Tick(13)
	assert.Equal(t, ThreadReady, threadState(t, k, a))
	assert.Equal(t, uint64(13), k.Now())
}

func TestSleepZeroYields(t *testing.T) {
	k := newTestKernel(t, nil)
	_, a := spawnIdle(t, k, "a")
	_, b := spawnIdle(t, k, "b")

	res, err := k.Sleep(a, 0)
	require.NoError(t, err)
	assert.True(t, res.Pending, "a yielding thread hands its core back")
	assert.Equal(t, ThreadReady, threadState(t, k, a))
	next, _ := k.PickNext()
	assert.Equal(t, b, next)
}

func TestSleepDeadlineSaturates(t *testing.T) {
	k := newTestKernel(t, nil)
	_, a := spawnIdle(t, k, "a")
	k.Tick(10)

	res, err := k.Sleep(a, math.MaxUint64)
	require.NoError(t, err)
	require.True(t, res.Pending)

	k.Tick(20)
	assert.Equal(t, ThreadSleeping, threadState(t, k, a))
	k.Tick(math.MaxUint64 - 1)
	assert.Equal(t, ThreadSleeping, threadState(t, k, a))
	k.Tick(math.MaxUint64)
	assert.Equal(t, ThreadReady, threadState(t, k, a))
}

func TestSendTimeoutSaturates(t *testing.T) {
	k := newTestKernel(t, func(c *Config) { c.MailboxDepth = 1 })
	srv, _ := spawnIdle(t, k, "server")
	cli, cliT := spawnIdle(t, k, "client")
	_, conn := serve(t, k, srv, cli)
	k.Tick(10)

	_, err := k.SendScalar(cliT, conn, Scalar(1), SendOptions{})
	require.NoError(t, err)
	res, err := k.SendScalar(cliT, conn, Scalar(2), SendOptions{Timeout: math.MaxUint64 - 5})
	require.NoError(t, err)
	require.True(t, res.Pending)

	k.Tick(20)
	assert.Equal(t, ThreadBlockedOnIPC, threadState(t, k, cliT))
}

func TestYieldMovesRunningThreadToTail(t *testing.T) {
	k := newTestKernel(t, nil)
	_, a := spawnIdle(t, k, "a")
	_, b := spawnIdle(t, k, "b")

	got, _ := k.Switch(0)
	require.Equal(t, a, got)
	require.NoError(t, k.Yield(a))
	assert.Equal(t, ThreadReady, threadState(t, k, a))

	next, _ := k.PickNext()
	assert.Equal(t, b, next)
}

func TestTerminateRunningThreadClearsCore(t *testing.T) {
	k := newTestKernel(t, nil)
	pid, a := spawnIdle(t, k, "a")
	got, _ := k.Switch(0)
	require.Equal(t, a, got)

	require.NoError(t, k.TerminateProcess(pid))
	_, ok := k.Current(0)
	assert.False(t, ok)
}
