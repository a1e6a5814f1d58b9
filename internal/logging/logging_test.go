package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/oriys/jobhost/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetLevelFromString(t *testing.T) {
	defer SetLevelFromString("info")

	assert.True(t, SetLevelFromString("DEBUG"))
	assert.True(t, Op().Enabled(context.Background(), slog.LevelDebug))
	assert.False(t, SetLevelFromString("verbose"))
}

func TestInitStructuredJSON(t *testing.T) {
	var buf bytes.Buffer
	InitStructuredTo(&buf, "json", "info")
	defer InitStructured("text", "info")

	Op().Info("listener started", "function", "ProcessOrder")
	assert.Contains(t, buf.String(), `"function":"ProcessOrder"`)
}

func TestOpWithTrace(t *testing.T) {
	var buf bytes.Buffer
	InitStructuredTo(&buf, "json", "info")
	defer InitStructured("text", "info")

	OpWithTrace("4bf92f3577b34da6a3ce929d0e0e4736", "00f067aa0ba902b7").Warn("function failed")
	assert.Contains(t, buf.String(), `"trace_id":"4bf92f3577b34da6a3ce929d0e0e4736"`)
	assert.Contains(t, buf.String(), `"span_id":"00f067aa0ba902b7"`)

	buf.Reset()
	OpWithTrace("", "00f067aa0ba902b7").Warn("function failed")
	assert.NotContains(t, buf.String(), "span_id")
}

func TestFunctionInstanceLog(t *testing.T) {
	var console bytes.Buffer
	l := NewFunctionInstanceLog(2)
	l.SetConsole(&console)

	start := time.Now()
	for i, id := range []string{"a", "b", "c"} {
		inst := &domain.FunctionInstance{
			ID:           id,
			FunctionName: "ProcessOrder",
			Reason:       domain.ReasonAutomaticTrigger,
			StartTime:    start.Add(time.Duration(i) * time.Second),
			EndTime:      start.Add(time.Duration(i)*time.Second + 5*time.Millisecond),
			Succeeded:    true,
		}
		if id == "b" {
			inst.Succeeded = false
			inst.Error = "boom"
		}
		l.Log(inst)
	}

	_, ok := l.Get("a")
	assert.False(t, ok, "oldest instance evicted")
	inst, ok := l.Get("c")
	require.True(t, ok)
	assert.True(t, inst.Succeeded)

	recent := l.Recent("ProcessOrder", 0)
	require.Len(t, recent, 2)
	assert.Equal(t, "c", recent[0].ID)
	assert.Empty(t, l.Recent("Other", 0))

	out := console.String()
	assert.Contains(t, out, "[function] ✓ a ProcessOrder 5ms (automatic)")
	assert.Contains(t, out, "error: boom")
}

func TestOutputStore(t *testing.T) {
	s, err := NewOutputStore(t.TempDir(), 5, time.Hour)
	require.NoError(t, err)

	s.Store("i1", "f", "hello world")
	e, ok := s.Get("i1")
	require.True(t, ok)
	assert.Equal(t, "hello...[truncated]", e.Output)

	s.Store("i2", "f", "x")
	assert.Len(t, s.GetByFunction("f", 1), 1)

	s.cleanup(time.Now().Add(2 * time.Hour))
	_, ok = s.Get("i2")
	assert.False(t, ok)
}

func TestConsoleBuffer(t *testing.T) {
	b := NewConsoleBuffer(8)
	n, err := b.Write([]byte("hello "))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	_, _ = b.Write([]byte("world"))
	assert.True(t, strings.HasPrefix(b.String(), "hello wo"))
	assert.True(t, strings.HasSuffix(b.String(), "[truncated]"))
}
