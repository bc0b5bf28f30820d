package sshlink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/sshbroker/internal/logutil"
)

// slowCommandThreshold marks executions that get logged as SLOW.
const slowCommandThreshold = 500 * time.Millisecond

// ExecResult is the outcome of a synchronous remote command. ExitCode is -1
// when the command could not run to completion; Stderr then carries the reason.
type ExecResult struct {
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"-"`
}

// Success reports whether the command exited with status 0.
func (r ExecResult) Success() bool { return r.ExitCode == 0 }

func failedResult(format string, args ...any) ExecResult {
	return ExecResult{ExitCode: -1, Stderr: fmt.Sprintf(format, args...)}
}

// Execute runs command on the remote host and waits for it. A zero timeout
// waits until ctx is done. Execute never returns an error: ordinary remote
// failures are a nonzero exit code, and link-level failures are exit code -1.
// Transport errors demote the link to StatusError.
func (l *Link) Execute(ctx context.Context, command string, timeout time.Duration) ExecResult {
	l.mu.RLock()
	client, status := l.client, l.status
	l.mu.RUnlock()

	if status != StatusConnected || client == nil {
		return failedResult("connection %s not established (status: %s)", l.ID(), status)
	}
	if !l.transportAlive(ctx, client) {
		l.MarkFailed("transport not responding")
		return failedResult("connection %s is not healthy", l.ID())
	}

	start := time.Now()
	session, err := client.NewSession()
	if err != nil {
		return l.transportFailure(fmt.Errorf("open ssh session: %w", err))
	}
	defer session.Close()

	var stdout, stderr lockedBuffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	if err := session.Start(command); err != nil {
		return l.transportFailure(fmt.Errorf("start command: %w", err))
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	var runErr error
	select {
	case runErr = <-done:
	case <-timer:
		_ = session.Signal(ssh.SIGKILL)
		session.Close()
		return ExecResult{
			ExitCode: -1,
			Stdout:   stdout.String(),
			Stderr:   fmt.Sprintf("command timed out after %s", timeout),
			Duration: time.Since(start),
		}
	case <-ctx.Done():
		session.Close()
		return ExecResult{ExitCode: -1, Stdout: stdout.String(), Stderr: fmt.Sprintf("command cancelled: %v", ctx.Err())}
	}

	elapsed := time.Since(start)
	if elapsed > slowCommandThreshold {
		logger.Infof("SLOW command on %s (%s): %s", l.ID(), elapsed, logutil.CommandLabel(command))
	}

	res := ExecResult{Stdout: stdout.String(), Stderr: stderr.String(), Duration: elapsed}
	code, err := ExitCode(runErr)
	if err != nil {
		failed := l.transportFailure(err)
		failed.Stdout = res.Stdout
		failed.Duration = elapsed
		return failed
	}
	res.ExitCode = code
	return res
}

// ExitCode maps the error returned by ssh.Session.Wait to an exit status. A
// non-nil error means no exit status is available.
func ExitCode(waitErr error) (int, error) {
	if waitErr == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	var missing *ssh.ExitMissingError
	if errors.As(waitErr, &missing) {
		return -1, fmt.Errorf("exit status unavailable: %w", waitErr)
	}
	return -1, waitErr
}

// transportFailure converts err into a -1 result and demotes the link when
// err indicates a dead transport.
func (l *Link) transportFailure(err error) ExecResult {
	if IsTransportError(err) {
		l.MarkFailed(fmt.Sprintf("transport failure: %v", err))
		return failedResult("connection lost: %v", err)
	}
	return failedResult("execution failed: %v", err)
}

// IsTransportError reports whether err means the SSH transport is gone.
func IsTransportError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"broken pipe", "connection reset", "socket is closed", "use of closed network connection", "exit status unavailable"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// lockedBuffer is a bytes.Buffer safe for one writer and concurrent readers.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
