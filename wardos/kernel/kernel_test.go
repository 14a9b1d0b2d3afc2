package kernel

import (
	"errors"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		mut  func(*Config)
	}{
		{"no pages", func(c *Config) { c.Pages = 0 }},
		{"no mailbox", func(c *Config) { c.MailboxDepth = 0 }},
		{"too many bands", func(c *Config) { c.PriorityBands = 300 }},
		{"no cores", func(c *Config) { c.Cores = 0 }},
		{"zero storm limit", func(c *Config) { c.InterruptStormLimit = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mut(&cfg)
			_, err := New(cfg)
			assert.ErrorIs(t, err, ErrInvalidArgument)
		})
	}

	cfg := DefaultConfig()
	cfg.ABIConstraint = ">>>"
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestErrorCodes(t *testing.T) {
	wrapped := fmt.Errorf("context: %w", ErrMailboxFull)
	assert.Equal(t, ErrMailboxFull, Code(wrapped))
	assert.Equal(t, Error(0), Code(nil))
	assert.Equal(t, ErrInvalidArgument, Code(errors.New("foreign")))
	assert.NoError(t, FromCode(Code(nil)))
	assert.ErrorIs(t, FromCode(ErrTimeout), ErrTimeout)
	assert.Equal(t, "mailbox full", ErrMailboxFull.Error())
}

type powerLog struct{ events []string }

func (p *powerLog) Suspend() error { p.events = append(p.events, "suspend"); return nil }
func (p *powerLog) Resume() error  { p.events = append(p.events, "resume"); return nil }

func TestPowerNotifier(t *testing.T) {
	pl := &powerLog{}
	cfg := DefaultConfig()
	cfg.Pages = 8
	k, err := New(cfg, WithPowerNotifier(pl))
	require.NoError(t, err)
	defer k.Close()

	require.NoError(t, k.Suspend())
	require.NoError(t, k.Suspend())
	assert.True(t, k.Suspended())
	require.NoError(t, k.Resume())
	assert.False(t, k.Suspended())
	assert.Equal(t, []string{"suspend", "resume"}, pl.events)
}

func TestFreePagesMetric(t *testing.T) {
	k := newTestKernel(t, func(c *Config) { c.Pages = 16 })
	assert.Equal(t, float64(16), gaugeValue(t, k.Metrics().freePages))

	pid, _ := spawnIdle(t, k, "a")
	_, err := k.AllocatePages(pid, 2, PermRW)
	require.NoError(t, err)
	assert.Equal(t, float64(13), gaugeValue(t, k.Metrics().freePages))
	assert.Equal(t, float64(1), gaugeValue(t, k.Metrics().processes))

	require.NoError(t, k.TerminateProcess(pid))
	assert.Equal(t, float64(16), gaugeValue(t, k.Metrics().freePages))
	assert.Equal(t, float64(0), gaugeValue(t, k.Metrics().processes))
}

func TestServerIDWords(t *testing.T) {
	sid := NewServerID()
	hi, lo := sid.Words()
	assert.Equal(t, sid, ServerIDFromWords(hi, lo))

	parsed, err := ParseServerID(sid.String())
	require.NoError(t, err)
	assert.Equal(t, sid, parsed)
	_, err = ParseServerID("nope")
	assert.Error(t, err)
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}
