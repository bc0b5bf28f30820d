package sshmanager

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/sshbroker/internal/logutil"
	"github.com/gluk-w/sshbroker/internal/metrics"
	"github.com/gluk-w/sshbroker/internal/sshaudit"
	"github.com/gluk-w/sshbroker/internal/sshlink"
)

// CommandStatus is the lifecycle state of an AsyncCommand.
type CommandStatus string

const (
	CommandRunning    CommandStatus = "running"
	CommandCompleted  CommandStatus = "completed"
	CommandFailed     CommandStatus = "failed"
	CommandTerminated CommandStatus = "terminated"
)

// Terminal reports whether no further transition can happen.
func (s CommandStatus) Terminal() bool {
	return s != CommandRunning
}

// AsyncCommand is a remote command running detached from the call that
// started it. Output is moved from the pending queues into the accumulated
// buffers by the command collector or by an on-demand status read.
type AsyncCommand struct {
	ID           string
	ConnectionID string
	Command      string
	StartTime    time.Time

	mu         sync.Mutex
	status     CommandStatus
	endTime    time.Time
	exitCode   *int
	failure    string
	stdout     strings.Builder
	stderr     strings.Builder
	stdoutSize int
	stderrSize int

	link    *sshlink.Link
	outQ    *pendingQueue
	errQ    *pendingQueue
	session *ssh.Session
	done    chan struct{} // closed when session.Wait returns
	waitErr error
}

// CommandInfo is the status payload of an AsyncCommand. Stdout and Stderr
// are filled only by CommandStatus.
type CommandInfo struct {
	CommandID    string     `json:"command_id"`
	ConnectionID string     `json:"connection_id"`
	Command      string     `json:"command"`
	Status       string     `json:"status"`
	StartTime    time.Time  `json:"start_time"`
	EndTime      *time.Time `json:"end_time,omitempty"`
	Duration     float64    `json:"duration"`
	ExitCode     *int       `json:"exit_code"`
	StdoutSize   int        `json:"stdout_size"`
	StderrSize   int        `json:"stderr_size"`
	Stdout       string     `json:"stdout,omitempty"`
	Stderr       string     `json:"stderr,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// Status returns the current state.
func (c *AsyncCommand) Status() CommandStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *AsyncCommand) info(withOutput bool) CommandInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	info := CommandInfo{
		CommandID:    c.ID,
		ConnectionID: c.ConnectionID,
		Command:      c.Command,
		Status:       string(c.status),
		StartTime:    c.StartTime,
		StdoutSize:   c.stdoutSize,
		StderrSize:   c.stderrSize,
		Error:        c.failure,
	}
	end := time.Now()
	if !c.endTime.IsZero() {
		t := c.endTime
		info.EndTime = &t
		end = t
	}
	info.Duration = end.Sub(c.StartTime).Seconds()
	if c.exitCode != nil {
		code := *c.exitCode
		info.ExitCode = &code
	}
	if withOutput {
		info.Stdout = c.stdout.String()
		info.Stderr = c.stderr.String()
	}
	return info
}

// must hold c.mu
func (c *AsyncCommand) absorb() {
	if out := c.outQ.take(); len(out) > 0 {
		c.stdout.Write(out)
		c.stdoutSize += len(out)
	}
	if errOut := c.errQ.take(); len(errOut) > 0 {
		c.stderr.Write(errOut)
		c.stderrSize += len(errOut)
	}
}

// collect drains pending output and, once the remote side has exited,
// records the exit and moves to a terminal state. It reports whether this
// call made the transition, along with the error of session.Wait.
func (c *AsyncCommand) collect() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status.Terminal() {
		return false, nil
	}
	c.absorb()

	select {
	case <-c.done:
	default:
		return false, nil
	}

	// Wait returned, so the copy goroutines are finished: this is the final drain.
	c.absorb()
	c.outQ.close()
	c.errQ.close()
	c.endTime = time.Now()

	code, err := sshlink.ExitCode(c.waitErr)
	c.exitCode = &code
	switch {
	case err != nil:
		c.status = CommandFailed
		c.failure = err.Error()
	case code == 0:
		c.status = CommandCompleted
	default:
		c.status = CommandFailed
	}
	return true, c.waitErr
}

// stop forces a terminal state. The channel is closed after the state
// change, outside the lock.
func (c *AsyncCommand) stop(status CommandStatus, exitCode *int, reason string) bool {
	c.mu.Lock()
	if c.status.Terminal() {
		c.mu.Unlock()
		return false
	}
	c.absorb()
	c.outQ.close()
	c.errQ.close()
	c.status = status
	c.endTime = time.Now()
	c.exitCode = exitCode
	c.failure = reason
	session := c.session
	c.mu.Unlock()

	_ = session.Signal(ssh.SIGKILL)
	session.Close()
	return true
}

// StartAsyncCommand launches command on a connected link and returns its id
// without waiting for it.
func (m *Manager) StartAsyncCommand(id, command string) (string, error) {
	link, ok := m.Link(id)
	if !ok {
		return "", fmt.Errorf("connection %s: %w", id, ErrNotFound)
	}
	client, err := link.Client()
	if err != nil {
		return "", fmt.Errorf("connection %s: %w", id, err)
	}

	session, err := client.NewSession()
	if err != nil {
		if sshlink.IsTransportError(err) {
			link.MarkFailed(fmt.Sprintf("transport failure: %v", err))
		}
		return "", fmt.Errorf("open ssh session: %w", err)
	}

	c := &AsyncCommand{
		ID:           uuid.New().String(),
		ConnectionID: id,
		Command:      command,
		StartTime:    time.Now(),
		status:       CommandRunning,
		link:         link,
		outQ:         &pendingQueue{},
		errQ:         &pendingQueue{},
		session:      session,
		done:         make(chan struct{}),
	}
	session.Stdout = c.outQ
	session.Stderr = c.errQ

	if err := session.Start(command); err != nil {
		session.Close()
		return "", fmt.Errorf("start command: %w", err)
	}

	m.workers.Add(1)
	go func() {
		defer m.workers.Done()
		c.waitErr = session.Wait()
		close(c.done)
	}()

	m.commandsMu.Lock()
	m.commands[c.ID] = c
	m.commandsMu.Unlock()

	m.record(sshaudit.AuditEntry{
		ConnectionID: id,
		EventType:    sshaudit.EventAsyncCommandStart,
		Subject:      c.ID,
		Details:      logutil.CommandLabel(command),
		Success:      true,
	})
	logger.Infof("async command %s started on %s: %s", c.ID, logutil.SanitizeForLog(id), logutil.CommandLabel(command))
	return c.ID, nil
}

// collectCommand runs one collection pass over c and handles a transition.
func (m *Manager) collectCommand(c *AsyncCommand) {
	finished, waitErr := c.collect()
	if !finished {
		return
	}
	if waitErr != nil && sshlink.IsTransportError(waitErr) {
		c.link.MarkFailed(fmt.Sprintf("transport failure: %v", waitErr))
	}
	m.commandFinished(c)
}

func (m *Manager) commandFinished(c *AsyncCommand) {
	info := c.info(false)
	exit := -1
	if info.ExitCode != nil {
		exit = *info.ExitCode
	}
	ok := info.Status == string(CommandCompleted)

	metrics.Commands.WithLabelValues("async", info.Status).Inc()
	metrics.CommandDuration.WithLabelValues("async").Observe(info.Duration)
	m.record(sshaudit.AuditEntry{
		ConnectionID: c.ConnectionID,
		EventType:    sshaudit.EventAsyncCommandEnd,
		Subject:      c.ID,
		Details:      fmt.Sprintf("%s (exit code %d)", info.Status, exit),
		Success:      ok,
		DurationMs:   int64(info.Duration * 1000),
	})
	logger.Infof("async command %s %s (exit code %d)", c.ID, info.Status, exit)
}

// collectCommands is one tick of the command collector.
func (m *Manager) collectCommands() {
	for _, c := range m.allCommands() {
		if c.Status() == CommandRunning {
			m.collectCommand(c)
		}
	}
}

func (m *Manager) allCommands() []*AsyncCommand {
	m.commandsMu.RLock()
	defer m.commandsMu.RUnlock()
	out := make([]*AsyncCommand, 0, len(m.commands))
	for _, c := range m.commands {
		out = append(out, c)
	}
	return out
}

func (m *Manager) command(id string) (*AsyncCommand, bool) {
	m.commandsMu.RLock()
	defer m.commandsMu.RUnlock()
	c, ok := m.commands[id]
	return c, ok
}

// CommandStatus returns the state and accumulated output of a command. A
// running command is drained first, so the result is never older than this
// call.
func (m *Manager) CommandStatus(commandID string) (CommandInfo, bool) {
	c, ok := m.command(commandID)
	if !ok {
		return CommandInfo{}, false
	}
	m.collectCommand(c)
	return c.info(true), true
}

// ListAsyncCommands returns every tracked command without its output,
// oldest first.
func (m *Manager) ListAsyncCommands() []CommandInfo {
	cmds := m.allCommands()
	infos := make([]CommandInfo, 0, len(cmds))
	for _, c := range cmds {
		m.collectCommand(c)
		infos = append(infos, c.info(false))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].StartTime.Before(infos[j].StartTime) })
	return infos
}

// TerminateCommand closes a command's channel and marks it Terminated
// immediately. It returns false for unknown ids; a command that already
// finished keeps its status.
func (m *Manager) TerminateCommand(commandID string) bool {
	c, ok := m.command(commandID)
	if !ok {
		return false
	}
	if c.stop(CommandTerminated, nil, "") {
		logger.Infof("async command %s terminated", commandID)
		m.commandFinished(c)
	}
	return true
}

// CleanupCompletedCommands drops finished commands whose end time is at
// least maxAge ago and returns how many were removed.
func (m *Manager) CleanupCompletedCommands(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	m.commandsMu.Lock()
	defer m.commandsMu.Unlock()
	removed := 0
	for id, c := range m.commands {
		c.mu.Lock()
		expired := c.status.Terminal() && !c.endTime.After(cutoff)
		c.mu.Unlock()
		if expired {
			delete(m.commands, id)
			removed++
		}
	}
	if removed > 0 {
		logger.Infof("cleaned up %d finished commands", removed)
	}
	return removed
}

// failCommandsOn marks the running commands of a dead connection Failed
// with exit code -1.
func (m *Manager) failCommandsOn(connectionID, reason string) int {
	failed := 0
	for _, c := range m.allCommands() {
		if c.ConnectionID != connectionID {
			continue
		}
		exit := -1
		if c.stop(CommandFailed, &exit, reason) {
			m.commandFinished(c)
			failed++
		}
	}
	return failed
}
