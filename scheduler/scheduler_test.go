package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRegistryRunsTask(t *testing.T) {
	assert := assert.New(t)

	var runs atomic.Int64
	registry := NewRegistry()
	registry.Register("counter", 10*time.Millisecond, func(context.Context) error {
		runs.Add(1)
		return nil
	})

	registry.Start(context.Background())
	time.Sleep(100 * time.Millisecond)
	registry.Stop()

	assert.Greater(runs.Load(), int64(1), "the task should run repeatedly")
	settled := runs.Load()

	// No further runs happen after Stop.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(settled, runs.Load())
}

func TestRegisterIsIdempotent(t *testing.T) {
	assert := assert.New(t)

	var first, second atomic.Int64
	registry := NewRegistry()
	registry.Register("trigger", 10*time.Millisecond, func(context.Context) error {
		first.Add(1)
		return nil
	})

	// Re-registering the same name is a no-op: the second task never runs.
	registry.Register("trigger", 10*time.Millisecond, func(context.Context) error {
		second.Add(1)
		return nil
	})

	registry.Start(context.Background())
	time.Sleep(60 * time.Millisecond)
	registry.Stop()

	assert.Greater(first.Load(), int64(0))
	assert.Zero(second.Load(), "the duplicate registration should be ignored")
}

func TestTaskErrorDoesNotStopTrigger(t *testing.T) {
	a := assert.New(t)

	var runs atomic.Int64
	registry := NewRegistry()
	registry.Register("flaky", 10*time.Millisecond, func(context.Context) error {
		runs.Add(1)
		return assert.AnError
	})

	registry.Start(context.Background())
	time.Sleep(60 * time.Millisecond)
	registry.Stop()

	a.Greater(runs.Load(), int64(1), "the trigger should keep firing after task errors")
}

func TestStopWithoutStart(t *testing.T) {
	// Stopping a registry that was never started must not panic or hang.
	registry := NewRegistry()
	registry.Register("idle", time.Second, func(context.Context) error { return nil })
	registry.Stop()
}
