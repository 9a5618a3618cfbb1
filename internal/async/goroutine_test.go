package async

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureLogger struct {
	mu    sync.Mutex
	lines []string
}

func (c *captureLogger) Debug(format string, args ...any) {}
func (c *captureLogger) Info(format string, args ...any)  {}
func (c *captureLogger) Warn(format string, args ...any)  {}
func (c *captureLogger) Error(format string, args ...any) {
	c.mu.Lock()
	c.lines = append(c.lines, fmt.Sprintf(format, args...))
	c.mu.Unlock()
}

func (c *captureLogger) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

func TestGoRunsFunction(t *testing.T) {
	done := make(chan struct{})
	Go(nil, "runner", func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("function never ran")
	}
}

func TestGoContainsPanic(t *testing.T) {
	logger := &captureLogger{}
	done := make(chan struct{})
	Go(logger, "exploder", func() {
		defer close(done)
		panic("boom")
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine never finished")
	}

	lines := logger.snapshot()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "exploder")
	assert.Contains(t, lines[0], "boom")
}

func TestRecoverWithNilLogger(t *testing.T) {
	assert.NotPanics(t, func() {
		defer Recover(nil, "")
		panic("dropped")
	})
}
