package logger

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"ward/wardos/internal/ktest"
	"ward/wardos/kernel"
)

var stuckID = kernel.ServerID{'s', 't', 'u', 'c', 'k'}

func TestLogDropsWhenMailboxFull(t *testing.T) {
	k := ktest.Boot(t, func(c *kernel.Config) { c.MailboxDepth = 1 })
	type outcome struct {
		first, second error
		freed         bool
	}
	out := make(chan outcome, 1)
	ktest.Spawn(t, k,
		&kernel.Image{Name: "stuck", Priority: 5, Main: func(ctx *kernel.Context, _ uintptr) {
			if _, err := ctx.CreateServerWithID(stuckID); err != nil {
				panic(err)
			}
			_ = ctx.Sleep(1 << 30)
		}},
		&kernel.Image{Name: "app", Main: func(ctx *kernel.Context, _ uintptr) {
			conn, err := ctx.Connect(stuckID)
			if err != nil {
				panic(err)
			}
			var o outcome
			o.first = Log(ctx, conn, "kept")
			free := k.FreeFrames()
			o.second = Log(ctx, conn, "dropped")
			o.freed = k.FreeFrames() == free
			out <- o
		}},
	)
	ktest.Run(t, k)

	o := ktest.Recv(t, out)
	assert.NoError(t, o.first)
	assert.True(t, errors.Is(o.second, ErrDropped), "second: %v", o.second)
	assert.True(t, o.freed)
	depth, err := k.QueueDepth(stuckID)
	assert.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestLogIgnoresEmptyLines(t *testing.T) {
	k := ktest.Boot(t, nil)
	out := make(chan error, 1)
	ktest.Spawn(t, k, &kernel.Image{Name: "app", Main: func(ctx *kernel.Context, _ uintptr) {
		out <- Log(ctx, kernel.Connection{}, "\n")
	}})
	ktest.Run(t, k)
	assert.NoError(t, ktest.Recv(t, out))
}
