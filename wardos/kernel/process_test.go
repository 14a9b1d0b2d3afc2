package kernel

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpawnProcessLayout(t *testing.T) {
	k := newTestKernel(t, nil)
	free := k.FreeFrames()

	text := make([]byte, PageSize+10)
	copy(text, "entry")
	pid, tid := spawnImage(t, k, &Image{Name: "init", Text: text, DataPages: 2, StackPages: 3})
	assert.Equal(t, free-7, k.FreeFrames())

	buf := make([]byte, 5)
	require.NoError(t, k.ReadMemory(pid, TextBase, buf))
	assert.Equal(t, "entry", string(buf))
	assert.ErrorIs(t, k.WriteMemory(pid, TextBase, buf), ErrPermissionDenied)

	regs, err := k.ThreadRegisters(tid)
	require.NoError(t, err)
	assert.Equal(t, TextBase, regs.PC)
	assert.Equal(t, StackBase+3*PageSize, regs.SP)
	require.NoError(t, k.WriteMemory(pid, regs.SP-8, make([]byte, 8)))

	st, err := k.ProcessState(pid)
	require.NoError(t, err)
	assert.Equal(t, ProcessReady, st)
}

func TestSpawnProcessABI(t *testing.T) {
	k := newTestKernel(t, func(c *Config) { c.ABIConstraint = "^1.2" })

	tests := []struct {
		abi  string
		want error
	}{
		{"1.2.0", nil},
		{"1.9.3", nil},
		{"2.0.0", ErrBadImage},
		{"1.1.0", ErrBadImage},
		{"not-a-version", ErrBadImage},
	}
	for _, tt := range tests {
		t.Run(tt.abi, func(t *testing.T) {
			_, err := k.SpawnProcess(&Image{Name: "p", ABI: tt.abi, StackPages: 1})
			if !errors.Is(err, tt.want) {
				t.Fatalf("SpawnProcess(abi %s) err = %v, want %v", tt.abi, err, tt.want)
			}
		})
	}
}

func TestSpawnProcessExhaustion(t *testing.T) {
	k := newTestKernel(t, func(c *Config) { c.MaxProcesses = 2 })
	spawnIdle(t, k, "a")
	spawnIdle(t, k, "b")

	_, err := k.SpawnProcess(&Image{Name: "c", StackPages: 1})
	assert.ErrorIs(t, err, ErrResourceExhausted)
}

func TestSpawnProcessOutOfMemoryRollsBack(t *testing.T) {
	tests := []struct {
		name string
		img  *Image
	}{
		{"data", &Image{Name: "big", DataPages: 8, StackPages: 1}},
		{"text", &Image{Name: "big", Text: make([]byte, 8*PageSize), StackPages: 1}},
		{"stack", &Image{Name: "big", StackPages: 9}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := newTestKernel(t, func(c *Config) { c.Pages = 8 })
			free := k.FreeFrames()

			_, err := k.SpawnProcess(tt.img)
			assert.ErrorIs(t, err, ErrOutOfMemory)
			assert.Equal(t, free, k.FreeFrames())
			assert.Empty(t, k.Processes())

			_, err = k.SpawnProcess(&Image{Name: "small", StackPages: 1})
			assert.NoError(t, err, "the slot and frames are reusable")
		})
	}
}

func TestStalePIDRejected(t *testing.T) {
	k := newTestKernel(t, func(c *Config) { c.MaxProcesses = 1 })
	pid, _ := spawnIdle(t, k, "a")
	require.NoError(t, k.TerminateProcess(pid))

	again, _ := spawnIdle(t, k, "b")
	assert.NotEqual(t, pid, again)
	_, err := k.ProcessState(pid)
	assert.ErrorIs(t, err, ErrNoSuchProcess)
	_, err = k.AllocatePages(pid, 1, PermRW)
	assert.ErrorIs(t, err, ErrNoSuchProcess)
}

func TestSpawnThread(t *testing.T) {
	k := newTestKernel(t, nil)
	worker := func(*Context, uintptr) {}
	pid, _ := spawnImage(t, k, &Image{
		Name:       "a",
		StackPages: 1,
		Symbols:    map[uintptr]EntryFunc{0x1000: worker},
	})
	stack, err := k.AllocatePages(pid, 1, PermRW)
	require.NoError(t, err)

	_, err = k.SpawnThread(pid, 0x2000, stack[0]+PageSize, 0)
	assert.ErrorIs(t, err, ErrInvalidAddress)
	_, err = k.SpawnThread(pid, 0x1000, HeapBase+40*PageSize, 0)
	assert.ErrorIs(t, err, ErrInvalidAddress, "unmapped stack")

	tid, err := k.SpawnThread(pid, 0x1000, stack[0]+PageSize, 7)
	require.NoError(t, err)
	assert.Equal(t, ThreadReady, threadState(t, k, tid))
	regs, err := k.ThreadRegisters(tid)
	require.NoError(t, err)
	assert.Equal(t, uintptr(0x1000), regs.PC)
	assert.Equal(t, uintptr(7), regs.Args[0])
}

func TestSpawnThreadExhaustion(t *testing.T) {
	k := newTestKernel(t, func(c *Config) { c.MaxThreads = 1 })
	pid, _ := spawnImage(t, k, &Image{
		Name:       "a",
		StackPages: 1,
		Symbols:    map[uintptr]EntryFunc{0x1000: func(*Context, uintptr) {}},
	})
	_, err := k.SpawnThread(pid, 0x1000, 0, 0)
	assert.ErrorIs(t, err, ErrResourceExhausted)
}

func TestTerminatingLastThreadEndsProcess(t *testing.T) {
	k := newTestKernel(t, nil)
	initial := k.FreeFrames()
	pid, main := spawnImage(t, k, &Image{
		Name:       "a",
		StackPages: 1,
		Symbols:    map[uintptr]EntryFunc{0x1000: func(*Context, uintptr) {}},
	})
	second, err := k.SpawnThread(pid, 0x1000, 0, 0)
	require.NoError(t, err)

	require.NoError(t, k.TerminateThread(main))
	_, err = k.ThreadState(main)
	assert.ErrorIs(t, err, ErrNoSuchThread)
	st, err := k.ProcessState(pid)
	require.NoError(t, err)
	assert.Equal(t, ProcessReady, st)

	require.NoError(t, k.TerminateThread(second))
	_, err = k.ProcessState(pid)
	assert.ErrorIs(t, err, ErrNoSuchProcess)
	assert.Equal(t, initial, k.FreeFrames())
}

func TestProcessStateFollowsThreads(t *testing.T) {
	k := newTestKernel(t, nil)
	srv, srvT := spawnIdle(t, k, "server")
	sid, err := k.CreateServer(srv)
	require.NoError(t, err)

	_, err = k.Receive(srvT, sid)
	require.NoError(t, err)
	st, err := k.ProcessState(srv)
	require.NoError(t, err)
	assert.Equal(t, ProcessSleeping, st)

	tid, ok := k.Switch(0)
	assert.False(t, ok, "no ready thread, got %s", tid)
}

func TestDebugProcessKeepsThreadsOffRunQueue(t *testing.T) {
	k := newTestKernel(t, nil)
	pid, tid := spawnIdle(t, k, "a")

	require.NoError(t, k.DebugProcess(pid))
	st, err := k.ProcessState(pid)
	require.NoError(t, err)
	assert.Equal(t, ProcessDebug, st)
	_, ok := k.PickNext()
	assert.False(t, ok)

	require.NoError(t, k.ResumeProcess(pid))
	next, ok := k.PickNext()
	require.True(t, ok)
	assert.Equal(t, tid, next)
}

func TestTerminateReleasesEverything(t *testing.T) {
	k := newTestKernel(t, nil)
	initial := k.FreeFrames()

	srv, _ := spawnIdle(t, k, "server")
	cli, cliT := spawnIdle(t, k, "client")
	sid, conn := serve(t, k, srv, cli)
	require.NoError(t, k.ClaimInterrupt(srv, 3, sid))
	_, err := k.AllocatePages(srv, 4, PermRW)
	require.NoError(t, err)

	require.NoError(t, k.TerminateProcess(srv))

	_, err = k.SendScalar(cliT, conn, Scalar(1), SendOptions{})
	assert.ErrorIs(t, err, ErrServerNotFound)
	other, _ := spawnIdle(t, k, "other")
	sid2, err := k.CreateServer(other)
	require.NoError(t, err)
	assert.NoError(t, k.ClaimInterrupt(other, 3, sid2), "claim released with its owner")

	require.NoError(t, k.TerminateProcess(cli))
	require.NoError(t, k.TerminateProcess(other))
	assert.Equal(t, initial, k.FreeFrames())
	assert.Zero(t, k.Stats().Threads)
}
