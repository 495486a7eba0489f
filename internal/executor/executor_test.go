package executor_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coder/balatrollm/internal/config"
	"github.com/coder/balatrollm/internal/executor"
)

func makeTasks(n int) []config.Task {
	tasks := make([]config.Task, n)
	for i := range tasks {
		tasks[i] = config.Task{
			Model: "openai/gpt-4.1", Seed: fmt.Sprintf("SEED%03d", i),
			Deck: "RED", Stake: "WHITE", Strategy: "default",
		}
	}
	return tasks
}

// syncBuffer guards progress-line writes from concurrent workers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestExecuteBoundedParallelism(t *testing.T) {
	var inUse, peak atomic.Int32
	e := &executor.Executor{
		Ports: []int{12346, 12347},
		Run: func(ctx context.Context, task config.Task, port int) error {
			cur := inUse.Add(1)
			for {
				p := peak.Load()
				if cur <= p || peak.CompareAndSwap(p, cur) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			inUse.Add(-1)
			return nil
		},
		Stdout: &syncBuffer{},
	}

	require.NoError(t, e.Execute(context.Background(), makeTasks(8)))
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestExecutePortReturnedOnFailureAndPanic(t *testing.T) {
	var runs atomic.Int32
	e := &executor.Executor{
		Ports: []int{12346},
		Run: func(ctx context.Context, task config.Task, port int) error {
			assert.Equal(t, 12346, port)
			switch runs.Add(1) {
			case 1:
				return errors.New("boom")
			case 2:
				panic("worse boom")
			default:
				return nil
			}
		},
		Stdout: &syncBuffer{},
	}

	// With a single port, runs 2 and 3 only happen if the port came
	// back after the error and the panic.
	err := e.Execute(context.Background(), makeTasks(3))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 of 3 runs failed")
	assert.Equal(t, int32(3), runs.Load())
}

func TestExecuteResetRunsAfterEveryTask(t *testing.T) {
	var resets atomic.Int32
	e := &executor.Executor{
		Ports: []int{12346, 12347},
		Run: func(ctx context.Context, task config.Task, port int) error {
			if port == 12346 {
				return errors.New("boom")
			}
			return nil
		},
		Reset: func(ctx context.Context, port int) error {
			resets.Add(1)
			return errors.New("reset unavailable") // best-effort only
		},
		Stdout: &syncBuffer{},
	}

	err := e.Execute(context.Background(), makeTasks(4))
	require.Error(t, err)
	assert.Equal(t, int32(4), resets.Load())
}

func TestExecuteCancellationStopsDispatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var started atomic.Int32
	release := make(chan struct{})

	e := &executor.Executor{
		Ports: []int{12346},
		Run: func(ctx context.Context, task config.Task, port int) error {
			started.Add(1)
			cancel()
			<-release
			return ctx.Err()
		},
		Stdout: &syncBuffer{},
	}

	done := make(chan error, 1)
	go func() { done <- e.Execute(ctx, makeTasks(5)) }()

	// The in-flight run holds the only port; Execute must not finish
	// until it returns, and no further task may start.
	select {
	case <-done:
		t.Fatal("Execute returned while a run was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	err := <-done
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), started.Load())
}

func TestExecuteProgressLines(t *testing.T) {
	out := &syncBuffer{}
	e := &executor.Executor{
		Ports: []int{12346},
		Run: func(ctx context.Context, task config.Task, port int) error {
			if task.Seed == "SEED001" {
				return errors.New("boom")
			}
			return nil
		},
		Stdout: out,
	}

	_ = e.Execute(context.Background(), makeTasks(2))
	text := out.String()
	assert.Contains(t, text, "[1/2] STARTED   | port 12346 | RED | WHITE | SEED000 | default | openai/gpt-4.1")
	assert.Contains(t, text, "[1/2] COMPLETED | port 12346 |")
	assert.Contains(t, text, "[2/2] ERROR     | port 12346 |")
}

func TestExecuteNoPorts(t *testing.T) {
	e := &executor.Executor{Stdout: &syncBuffer{}}
	require.Error(t, e.Execute(context.Background(), makeTasks(1)))
}
