// Package executor drains a task list over a fixed pool of game-server
// ports. Parallelism is bounded by the pool size; each port is owned
// by exactly one run at a time and always returned, whatever the run's
// outcome.
package executor

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/coder/balatrollm/internal/config"
)

// resetTimeout bounds the best-effort instance reset between runs. It
// runs on its own context so a cancelled batch still resets cleanly.
const resetTimeout = 10 * time.Second

// RunFunc executes one task against the game server on port.
type RunFunc func(ctx context.Context, task config.Task, port int) error

// ResetFunc returns a game-server instance to its idle menu state.
type ResetFunc func(ctx context.Context, port int) error

// Executor schedules tasks over the port pool.
type Executor struct {
	Ports  []int
	Run    RunFunc
	Reset  ResetFunc
	Logger *zap.Logger

	// Stdout receives the per-task progress lines. Defaults to
	// os.Stdout.
	Stdout io.Writer

	mu sync.Mutex
}

// Execute runs every task, blocking until all in-flight runs have
// finished. A task's failure is logged and does not abort the batch;
// cancellation stops dispatch, waits for in-flight runs, and returns
// the context's error.
func (e *Executor) Execute(ctx context.Context, tasks []config.Task) error {
	if len(e.Ports) == 0 {
		return fmt.Errorf("no ports configured")
	}
	log := e.Logger
	if log == nil {
		log = zap.NewNop()
	}

	pool := make(chan int, len(e.Ports))
	for _, p := range e.Ports {
		pool <- p
	}

	total := len(tasks)
	width := len(strconv.Itoa(total))
	var failed int
	var failedMu sync.Mutex
	var wg sync.WaitGroup

dispatch:
	for i, task := range tasks {
		var port int
		select {
		case <-ctx.Done():
			break dispatch
		case port = <-pool:
		}

		seq := i + 1
		wg.Add(1)
		go func(task config.Task, port, seq int) {
			defer wg.Done()
			defer func() { pool <- port }()
			defer e.resetInstance(port, log)

			e.progress(width, seq, total, "STARTED", port, task)

			err := e.runOne(ctx, task, port)
			if err != nil {
				e.progress(width, seq, total, "ERROR", port, task)
				log.Error("run failed",
					zap.String("task", task.String()),
					zap.Int("port", port),
					zap.Error(err))
				failedMu.Lock()
				failed++
				failedMu.Unlock()
				return
			}
			e.progress(width, seq, total, "COMPLETED", port, task)
		}(task, port, seq)
	}

	wg.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d runs failed", failed, total)
	}
	return nil
}

// runOne isolates a single run: a panic inside it is converted to an
// error so the rest of the batch keeps going.
func (e *Executor) runOne(ctx context.Context, task config.Task, port int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("run panicked: %v", r)
		}
	}()
	return e.Run(ctx, task, port)
}

func (e *Executor) resetInstance(port int, log *zap.Logger) {
	if e.Reset == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), resetTimeout)
	defer cancel()
	if err := e.Reset(ctx, port); err != nil {
		log.Warn("instance reset failed", zap.Int("port", port), zap.Error(err))
	}
}

func (e *Executor) progress(width, seq, total int, status string, port int, task config.Task) {
	out := e.Stdout
	if out == nil {
		out = os.Stdout
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	fmt.Fprintf(out, "[%*d/%d] %-9s | port %d | %s\n",
		width, seq, total, status, port, task.String())
}
