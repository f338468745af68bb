package network

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

const (
	nodeStartTimeout    = 30 * time.Second
	nodeShutdownTimeout = 5 * time.Second
)

// DevProvider spawns an ephemeral dev node (anvil or compatible) and tears
// it down with the process. The node is started in its own process group so
// shutdown never orphans children.
type DevProvider struct {
	binary string
	logger log.Logger

	cmd    *exec.Cmd
	waitCh chan error
	handle *Handle
	stderr bytes.Buffer
}

// NewDevProvider creates a provider that will exec the given node binary.
func NewDevProvider(binary string, logger log.Logger) *DevProvider {
	return &DevProvider{binary: binary, logger: logger}
}

// Listen starts the node on the given port and blocks until its RPC
// endpoint answers.
func (p *DevProvider) Listen(ctx context.Context, port int) (*Handle, error) {
	if p.cmd != nil {
		return nil, fmt.Errorf("dev node already running (pid %d)", p.cmd.Process.Pid)
	}

	url := fmt.Sprintf("http://127.0.0.1:%d", port)
	cmd := exec.Command(p.binary, "--port", strconv.Itoa(port))
	cmd.Stdout = io.Discard
	cmd.Stderr = &p.stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	p.logger.Info("Starting dev node", "binary", p.binary, "port", port)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", p.binary, err)
	}
	p.cmd = cmd
	p.waitCh = make(chan error, 1)
	go func() {
		p.waitCh <- cmd.Wait()
	}()

	handle, err := awaitReady(ctx, url, nodeStartTimeout, p.logger)
	if err != nil {
		stderr := p.stderrTail()
		_ = p.Close()
		if stderr != "" {
			return nil, fmt.Errorf("%w (node stderr: %s)", err, stderr)
		}
		return nil, err
	}

	p.handle = handle
	p.logger.Info("Dev node ready", "url", url, "chain_id", handle.ChainID, "pid", cmd.Process.Pid)
	return handle, nil
}

// Close terminates the node's process group, escalating to SIGKILL when it
// ignores SIGTERM. Safe to call more than once.
func (p *DevProvider) Close() error {
	if p.handle != nil {
		p.handle.Close()
		p.handle = nil
	}
	if p.cmd == nil || p.cmd.Process == nil {
		return nil
	}

	pid := p.cmd.Process.Pid
	p.logger.Debug("Stopping dev node", "pid", pid)

	// Negative pid addresses the whole process group.
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		p.logger.Warn("Failed to signal dev node", "pid", pid, "err", err)
	}

	select {
	case <-p.waitCh:
	case <-time.After(nodeShutdownTimeout):
		p.logger.Warn("Dev node did not exit, killing", "pid", pid)
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		<-p.waitCh
	}

	p.cmd = nil
	return nil
}

func (p *DevProvider) stderrTail() string {
	out := bytes.TrimSpace(p.stderr.Bytes())
	if len(out) == 0 {
		return ""
	}
	const limit = 512
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return string(out)
}
