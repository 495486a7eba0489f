package instance_test

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coder/balatrollm/internal/instance"
)

// freeListener grabs a free port and keeps listening on it, standing
// in for a game server that came up.
func freeListener(t *testing.T) (net.Listener, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return ln, ln.Addr().(*net.TCPAddr).Port
}

func TestStartRequiresCommand(t *testing.T) {
	_, err := instance.Start(context.Background(), 12346, instance.Options{})
	require.Error(t, err)
}

func TestStartUnknownBinary(t *testing.T) {
	_, err := instance.Start(context.Background(), 12346, instance.Options{
		Command:        "definitely-not-a-real-binary --port {port}",
		LogDir:         t.TempDir(),
		StartupTimeout: time.Second,
	})
	require.Error(t, err)
}

func TestStartWaitsForPort(t *testing.T) {
	_, port := freeListener(t)
	logDir := t.TempDir()

	inst, err := instance.Start(context.Background(), port, instance.Options{
		Command:        "sleep 30",
		LogDir:         logDir,
		StartupTimeout: 2 * time.Second,
	})
	require.NoError(t, err)
	defer inst.Stop()

	assert.Equal(t, port, inst.Port)
	assert.FileExists(t, filepath.Join(logDir, logName(port)))
}

func TestStartTimesOutWhenPortNeverOpens(t *testing.T) {
	start := time.Now()
	_, err := instance.Start(context.Background(), 1, instance.Options{
		Command:        "sleep 30",
		LogDir:         t.TempDir(),
		StartupTimeout: 700 * time.Millisecond,
	})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestStartAllRollsBackOnFailure(t *testing.T) {
	_, goodPort := freeListener(t)

	// Second port never opens, so StartAll must fail and stop the
	// first instance.
	_, err := instance.StartAll(context.Background(), []int{goodPort, 1}, instance.Options{
		Command:        "sleep 30",
		LogDir:         t.TempDir(),
		StartupTimeout: 700 * time.Millisecond,
	})
	require.Error(t, err)
}

func TestStopNilInstance(t *testing.T) {
	var inst *instance.Instance
	inst.Stop() // must not panic
	instance.StopAll([]*instance.Instance{nil})
}

func TestStartCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := instance.Start(ctx, 1, instance.Options{
		Command:        "sleep 30",
		LogDir:         t.TempDir(),
		StartupTimeout: 5 * time.Second,
	})
	require.Error(t, err)
}

func logName(port int) string {
	return fmt.Sprintf("balatro-%d.log", port)
}
