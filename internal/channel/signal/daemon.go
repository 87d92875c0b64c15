package signal

import (
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"time"

	"github.com/myndhyve/relay-agent/internal/logging"
)

// BinaryName is the external daemon the adapter looks for on PATH. It is a
// var, not a const, so tests can point it at a stub.
var BinaryName = "signal-cli"

// NotInstalledError is returned when BinaryName cannot be found on PATH —
// distinct from a runtime failure of an already-located binary.
type NotInstalledError struct{ Binary string }

func (e *NotInstalledError) Error() string {
	return fmt.Sprintf("signal: %s not found on PATH", e.Binary)
}

func lookBinary() (string, error) {
	path, err := exec.LookPath(BinaryName)
	if err != nil {
		return "", &NotInstalledError{Binary: BinaryName}
	}
	return path, nil
}

// daemon is one spawned signal-cli-style subprocess, listening on its own
// loopback port for JSON-RPC and event-stream connections.
type daemon struct {
	cmd  *exec.Cmd
	port int
}

func pickLoopbackPort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// spawnDaemon starts the binary bound to a loopback port serving both the
// JSON-RPC endpoint and the event stream, rooted at dataDir.
func spawnDaemon(binary, dataDir string, log *logging.Logger) (*daemon, error) {
	port, err := pickLoopbackPort()
	if err != nil {
		return nil, fmt.Errorf("signal: pick loopback port: %w", err)
	}

	cmd := exec.Command(binary,
		"--config", dataDir,
		"daemon",
		"--http-port", fmt.Sprintf("%d", port),
	)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("signal: spawn daemon: %w", err)
	}
	log.Infof("daemon spawned", "pid", cmd.Process.Pid, "port", port, "dataDir", dataDir)
	return &daemon{cmd: cmd, port: port}, nil
}

func (d *daemon) endpoint() string  { return fmt.Sprintf("http://127.0.0.1:%d/api/v1/rpc", d.port) }
func (d *daemon) healthURL() string { return fmt.Sprintf("http://127.0.0.1:%d/health", d.port) }
func (d *daemon) eventsURL() string { return fmt.Sprintf("http://127.0.0.1:%d/api/v1/events", d.port) }

// waitHealthy polls the health endpoint every 500ms up to 30s (§4.5).
func (d *daemon) waitHealthy() error {
	client := &http.Client{Timeout: 2 * time.Second}
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := client.Get(d.healthURL())
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(500 * time.Millisecond)
	}
	return fmt.Errorf("signal: daemon did not become healthy within 30s")
}

func (d *daemon) stop() {
	if d.cmd != nil && d.cmd.Process != nil {
		d.cmd.Process.Kill()
		d.cmd.Wait()
	}
}
