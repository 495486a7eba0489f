// Package instance supervises locally spawned game-server processes,
// one per pool port. Servers may also be managed entirely outside this
// tool; in that case nothing here runs.
package instance

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Options configures how instances are launched.
type Options struct {
	// Command is the launch command line. Every occurrence of the
	// literal "{port}" is replaced with the instance's port. The
	// command is split on whitespace; no shell quoting is supported.
	Command string
	// LogDir receives one log file per instance.
	LogDir string
	// StartupTimeout bounds the wait for the port to accept
	// connections.
	StartupTimeout time.Duration

	Logger *zap.Logger
}

// Instance is one running game-server process.
type Instance struct {
	Port int

	cmd     *exec.Cmd
	logFile *os.File
	log     *zap.Logger
}

// Start launches one instance and blocks until its port accepts TCP
// connections or the startup timeout elapses.
func Start(ctx context.Context, port int, opts Options) (*Instance, error) {
	if opts.Command == "" {
		return nil, fmt.Errorf("no instance command configured")
	}
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = 30 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	args := strings.Fields(strings.ReplaceAll(opts.Command, "{port}", strconv.Itoa(port)))
	if len(args) == 0 {
		return nil, fmt.Errorf("instance command is empty after substitution")
	}

	logDir := opts.LogDir
	if logDir == "" {
		logDir = "."
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating instance log dir: %w", err)
	}
	logFile, err := os.Create(filepath.Join(logDir, fmt.Sprintf("balatro-%d.log", port)))
	if err != nil {
		return nil, fmt.Errorf("creating instance log file: %w", err)
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = os.Environ()

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("starting game server on port %d: %w", port, err)
	}
	log.Info("game server starting",
		zap.Int("port", port), zap.Int("pid", cmd.Process.Pid))

	if err := waitForPort(ctx, port, opts.StartupTimeout); err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		logFile.Close()
		return nil, fmt.Errorf("game server on port %d did not come up: %w", port, err)
	}
	return &Instance{Port: port, cmd: cmd, logFile: logFile, log: log}, nil
}

// Stop kills the process and closes its log file. Safe on a nil
// instance.
func (i *Instance) Stop() {
	if i == nil {
		return
	}
	if i.cmd != nil && i.cmd.Process != nil {
		i.cmd.Process.Kill()
		i.cmd.Wait()
		i.log.Info("game server stopped", zap.Int("port", i.Port))
	}
	if i.logFile != nil {
		i.logFile.Close()
	}
}

// StartAll brings up one instance per port. On any failure it stops
// the instances already started and returns the error.
func StartAll(ctx context.Context, ports []int, opts Options) ([]*Instance, error) {
	instances := make([]*Instance, 0, len(ports))
	for _, port := range ports {
		inst, err := Start(ctx, port, opts)
		if err != nil {
			StopAll(instances)
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

// StopAll stops every instance, ignoring nils.
func StopAll(instances []*Instance) {
	for _, inst := range instances {
		inst.Stop()
	}
}

func waitForPort(ctx context.Context, port int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	addr := net.JoinHostPort("localhost", strconv.Itoa(port))
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err == nil {
			conn.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return fmt.Errorf("port %d not ready after %s", port, timeout)
}
