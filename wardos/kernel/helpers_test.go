package kernel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestKernel(t *testing.T, mut func(*Config)) *Kernel {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Pages = 64
	if mut != nil {
		mut(&cfg)
	}
	k, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = k.Close() })
	return k
}

// spawnIdle starts a process whose main thread is driven by the test.
func spawnIdle(t *testing.T, k *Kernel, name string) (PID, TID) {
	t.Helper()
	return spawnImage(t, k, &Image{Name: name, StackPages: 1})
}

func spawnImage(t *testing.T, k *Kernel, img *Image) (PID, TID) {
	t.Helper()
	pid, err := k.SpawnProcess(img)
	require.NoError(t, err)
	return pid, mainThread(t, k, pid)
}

func mainThread(t *testing.T, k *Kernel, pid PID) TID {
	t.Helper()
	for _, p := range k.Processes() {
		if p.PID == pid {
			require.NotEmpty(t, p.Threads)
			return p.Threads[0]
		}
	}
	t.Fatalf("process %s not found", pid)
	return TID{}
}

// serve creates a server owned by pid and connects client to it.
func serve(t *testing.T, k *Kernel, owner, client PID) (ServerID, Connection) {
	t.Helper()
	sid, err := k.CreateServer(owner)
	require.NoError(t, err)
	conn, err := k.Connect(client, sid)
	require.NoError(t, err)
	return sid, conn
}

func takeResult(t *testing.T, k *Kernel, tid TID) Result {
	t.Helper()
	res, ok := k.TakeResult(tid)
	if !ok {
		t.Fatalf("TakeResult(%s) ok = false, want true", tid)
	}
	return res
}

func threadState(t *testing.T, k *Kernel, tid TID) ThreadState {
	t.Helper()
	st, err := k.ThreadState(tid)
	require.NoError(t, err)
	return st
}
