package sshmanager

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/user"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/gluk-w/sshbroker/internal/config"
	"github.com/gluk-w/sshbroker/internal/logutil"
	"github.com/gluk-w/sshbroker/internal/metrics"
	"github.com/gluk-w/sshbroker/internal/sshaudit"
	"github.com/gluk-w/sshbroker/internal/sshlink"
)

var logger = logrus.WithField("component", "session-mgr")

// Defaults for Options fields left zero.
const (
	DefaultPollInterval      = 50 * time.Millisecond
	DefaultHealthInterval    = 30 * time.Second
	DefaultKeepaliveInterval = 120 * time.Second
	DefaultSettleDelay       = 500 * time.Millisecond
	DefaultIdleThreshold     = 2 * time.Second
)

// Recorder receives audit entries. *sshaudit.Auditor satisfies it.
type Recorder interface {
	Log(entry sshaudit.AuditEntry) error
}

// purger is implemented by recorders that can drop old entries.
type purger interface {
	PurgeOlderThan(days int) (int64, error)
}

// Options configures a Manager.
type Options struct {
	Link             sshlink.Options
	PollInterval     time.Duration
	OutputBufferSize int
	MaxConnections   int // 0 means unlimited
	SSHConfigPath    string
	AllowedTargets   string // comma-separated IPs/CIDRs; empty allows all
	RateLimit        RateLimitConfig
	SettleDelay      time.Duration // wait before an interactive session's first command
	IdleThreshold    time.Duration // quiet time after which a session counts as waiting for input
	Connections      *config.File
	Recorder         Recorder
}

// HostOverrides are caller-supplied values that beat an ssh_config entry.
type HostOverrides struct {
	Username    string
	Credentials sshlink.Credentials
}

// CommandResult is the outcome of ExecuteCommand.
type CommandResult struct {
	Success  bool   `json:"success"`
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	Error    string `json:"error,omitempty"`
}

// Manager owns every connection, async command and interactive session of
// the broker. All methods are safe for concurrent use.
type Manager struct {
	opts     Options
	allowed  []*net.IPNet
	resolver *net.Resolver
	limiter  *RateLimiter

	linksMu sync.RWMutex
	links   map[string]*sshlink.Link

	commandsMu sync.RWMutex
	commands   map[string]*AsyncCommand

	sessionsMu sync.RWMutex
	sessions   map[string]*InteractiveSession

	eventsMu sync.RWMutex
	events   map[string][]ConnectionEvent

	hooksMu      sync.RWMutex
	onDisconnect []func(id string)

	loopsMu   sync.Mutex
	health    *loop
	keepalive *loop
	scheduler *cron.Cron
	closed    bool

	commandCollector *loop
	sessionCollector *loop

	workers      sync.WaitGroup // session.Wait goroutines
	shutdownOnce sync.Once
}

// NewManager creates a Manager and starts its two output collectors.
func NewManager(opts Options) (*Manager, error) {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.OutputBufferSize <= 0 {
		opts.OutputBufferSize = DefaultOutputBufferSize
	}
	if opts.SettleDelay < 0 {
		opts.SettleDelay = 0
	}
	if opts.IdleThreshold <= 0 {
		opts.IdleThreshold = DefaultIdleThreshold
	}
	allowed, err := ParseAllowedTargets(opts.AllowedTargets)
	if err != nil {
		return nil, fmt.Errorf("parse allowed targets: %w", err)
	}

	m := &Manager{
		opts:     opts,
		allowed:  allowed,
		resolver: net.DefaultResolver,
		limiter:  NewRateLimiter(opts.RateLimit),
		links:    make(map[string]*sshlink.Link),
		commands: make(map[string]*AsyncCommand),
		sessions: make(map[string]*InteractiveSession),
		events:   make(map[string][]ConnectionEvent),
	}
	m.commandCollector = startLoop(opts.PollInterval, func(context.Context) { m.collectCommands() })
	m.sessionCollector = startLoop(opts.PollInterval, func(context.Context) { m.collectSessions() })
	return m, nil
}

// OnDisconnect registers fn to run whenever a connection is disconnected or
// replaced.
func (m *Manager) OnDisconnect(fn func(id string)) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.onDisconnect = append(m.onDisconnect, fn)
}

func (m *Manager) runDisconnectHooks(id string) {
	m.hooksMu.RLock()
	hooks := append([]func(string){}, m.onDisconnect...)
	m.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(id)
	}
}

// Link returns the tracked link for id.
func (m *Manager) Link(id string) (*sshlink.Link, bool) {
	m.linksMu.RLock()
	defer m.linksMu.RUnlock()
	l, ok := m.links[id]
	return l, ok
}

// CreateConnection connects to username@host:port and returns the
// connection id. An existing connection with the same id is disconnected
// and replaced. The link is stored whatever the outcome of the attempt; an
// error is returned only when the manager cannot accept another connection.
func (m *Manager) CreateConnection(ctx context.Context, host, username string, port int, creds sshlink.Credentials) (string, error) {
	if port == 0 {
		port = 22
	}
	link := sshlink.New(host, username, port, m.opts.Link)
	if err := m.store(link); err != nil {
		return link.ID(), err
	}
	m.connect(ctx, link, creds.Kind(), func() error {
		return link.Connect(ctx, creds)
	})
	return link.ID(), nil
}

// CreateConnectionFromConfigHost resolves alias through the OS ssh_config
// file and connects. The id derives from the resolved host, user and port.
func (m *Manager) CreateConnectionFromConfigHost(ctx context.Context, alias string, overrides HostOverrides) (string, error) {
	r, err := sshlink.ResolveOSConfig(m.opts.SSHConfigPath, alias)
	if err != nil {
		return "", fmt.Errorf("resolve ssh config host %q: %w", alias, err)
	}

	username := overrides.Username
	if username == "" {
		username = r.User
	}
	if username == "" {
		username = localUser()
	}
	r.User = username

	link := sshlink.New(r.Host, username, r.Port, m.opts.Link)
	if err := m.store(link); err != nil {
		return link.ID(), err
	}
	kind := overrides.Credentials.Kind()
	if kind == "agent" && len(r.IdentityFiles) > 0 {
		kind = "identity_file"
	}
	m.connect(ctx, link, kind, func() error {
		return link.ConnectFromOSConfig(ctx, r, overrides.Credentials)
	})
	return link.ID(), nil
}

func localUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "root"
}

// store registers link. A previous entry with the same id is removed and
// closed before link is inserted.
func (m *Manager) store(link *sshlink.Link) error {
	id := link.ID()

	for {
		m.linksMu.Lock()
		if m.isClosed() {
			m.linksMu.Unlock()
			return ErrShutdown
		}
		old, exists := m.links[id]
		if !exists {
			if m.opts.MaxConnections > 0 && len(m.links) >= m.opts.MaxConnections {
				m.linksMu.Unlock()
				return fmt.Errorf("%w: limit is %d", ErrTooManyConnections, m.opts.MaxConnections)
			}
			m.links[id] = link
			m.linksMu.Unlock()
			return nil
		}
		delete(m.links, id)
		m.linksMu.Unlock()

		m.failCommandsOn(id, "connection replaced")
		m.failSessionsOn(id, "connection replaced")
		old.Close()
		m.emitEvent(id, EventReplaced, "existing connection replaced")
		m.runDisconnectHooks(id)
	}
}

// connect runs one connection attempt for a stored link, applying the
// target allow list and the rate limiter first. Failures only show in the
// link's status.
func (m *Manager) connect(ctx context.Context, link *sshlink.Link, authKind string, attempt func() error) {
	id := link.ID()

	if err := checkTarget(ctx, m.resolver, link.Host(), m.allowed); err != nil {
		link.MarkFailed(err.Error())
		m.emitEvent(id, EventTargetRejected, err.Error())
		metrics.ConnectionAttempts.WithLabelValues("rejected").Inc()
		m.record(sshaudit.AuditEntry{ConnectionID: id, EventType: sshaudit.EventConnectionFailed, Details: err.Error()})
		logger.Warnf("connection %s rejected: %v", logutil.SanitizeForLog(id), err)
		return
	}
	if err := m.limiter.Allow(id); err != nil {
		link.MarkFailed(err.Error())
		m.emitEvent(id, EventRateLimited, err.Error())
		metrics.ConnectionAttempts.WithLabelValues("rate_limited").Inc()
		m.record(sshaudit.AuditEntry{ConnectionID: id, EventType: sshaudit.EventConnectionFailed, Details: err.Error()})
		return
	}

	m.emitEvent(id, EventConnecting, fmt.Sprintf("auth: %s", authKind))
	start := time.Now()
	err := attempt()
	elapsed := time.Since(start)

	if errors.Is(err, sshlink.ErrClosed) {
		logger.Debugf("connection %s closed during connect", logutil.SanitizeForLog(id))
		return
	}
	if err != nil {
		m.limiter.RecordFailure(id)
		m.emitEvent(id, EventConnectFailed, err.Error())
		metrics.ConnectionAttempts.WithLabelValues("failed").Inc()
		m.record(sshaudit.AuditEntry{
			ConnectionID: id,
			EventType:    sshaudit.EventConnectionFailed,
			Details:      err.Error(),
			DurationMs:   elapsed.Milliseconds(),
		})
		logger.Warnf("connection %s failed: %v", logutil.SanitizeForLog(id), err)
		return
	}

	m.limiter.RecordSuccess(id)
	m.emitEvent(id, EventConnected, fmt.Sprintf("connected in %s", elapsed.Round(time.Millisecond)))
	metrics.ConnectionAttempts.WithLabelValues("connected").Inc()
	m.record(sshaudit.AuditEntry{
		ConnectionID: id,
		EventType:    sshaudit.EventConnectionEstablished,
		Details:      fmt.Sprintf("auth: %s", authKind),
		Success:      true,
		DurationMs:   elapsed.Milliseconds(),
	})
	logger.Infof("connected to %s (auth: %s)", logutil.SanitizeForLog(id), authKind)
}

// Status returns the status payload of a connection.
func (m *Manager) Status(id string) (sshlink.Info, bool) {
	link, ok := m.Link(id)
	if !ok {
		return sshlink.Info{}, false
	}
	return link.Snapshot(), true
}

// ListConnections returns every tracked connection, sorted by id.
func (m *Manager) ListConnections() []sshlink.Info {
	m.linksMu.RLock()
	infos := make([]sshlink.Info, 0, len(m.links))
	for _, l := range m.links {
		infos = append(infos, l.Snapshot())
	}
	m.linksMu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].ConnectionID < infos[j].ConnectionID })
	return infos
}

// Disconnect closes and forgets a connection. Commands and sessions running
// on it are terminated. It reports whether the id was known.
func (m *Manager) Disconnect(id string) bool {
	m.linksMu.Lock()
	link, ok := m.links[id]
	delete(m.links, id)
	m.linksMu.Unlock()
	if !ok {
		return false
	}

	m.terminateBoundTo(id)
	link.Close()
	m.runDisconnectHooks(id)
	m.emitEvent(id, EventDisconnected, "disconnected by caller")
	m.record(sshaudit.AuditEntry{ConnectionID: id, EventType: sshaudit.EventConnectionTerminated, Success: true})
	logger.Infof("disconnected %s", logutil.SanitizeForLog(id))
	return true
}

// DisconnectAll disconnects every connection in parallel and returns how
// many there were.
func (m *Manager) DisconnectAll() int {
	m.linksMu.RLock()
	ids := make([]string, 0, len(m.links))
	for id := range m.links {
		ids = append(ids, id)
	}
	m.linksMu.RUnlock()

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			m.Disconnect(id)
			return nil
		})
	}
	g.Wait()
	return len(ids)
}

// ExecuteCommand runs command synchronously. Unknown or unusable
// connections give Success=false and ExitCode -1.
func (m *Manager) ExecuteCommand(ctx context.Context, id, command string, timeout time.Duration) CommandResult {
	link, ok := m.Link(id)
	if !ok {
		return CommandResult{ExitCode: -1, Error: fmt.Sprintf("connection %s not found", id)}
	}
	if status := link.Status(); status != sshlink.StatusConnected {
		msg := fmt.Sprintf("connection %s not established (status: %s)", id, status)
		if e := link.ErrorMessage(); e != "" {
			msg += ": " + e
		}
		return CommandResult{ExitCode: -1, Error: msg}
	}

	res := link.Execute(ctx, command, timeout)
	out := CommandResult{
		Success:  res.Success(),
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
	}
	if res.ExitCode == -1 {
		out.Error = res.Stderr
	}

	metrics.Commands.WithLabelValues("sync", metrics.Result(out.Success)).Inc()
	metrics.CommandDuration.WithLabelValues("sync").Observe(res.Duration.Seconds())
	m.record(sshaudit.AuditEntry{
		ConnectionID: id,
		EventType:    sshaudit.EventCommandExecution,
		Subject:      logutil.CommandLabel(command),
		Details:      fmt.Sprintf("exit code %d", res.ExitCode),
		Success:      out.Success,
		DurationMs:   res.Duration.Milliseconds(),
	})
	return out
}

// record forwards entry to the configured Recorder, if any.
func (m *Manager) record(entry sshaudit.AuditEntry) {
	if m.opts.Recorder == nil {
		return
	}
	if err := m.opts.Recorder.Log(entry); err != nil {
		logger.Debugf("audit write failed: %v", err)
	}
}

// MetricsState reports entity counts by status for the metrics collector.
func (m *Manager) MetricsState() metrics.State {
	st := metrics.State{
		ConnectionsByStatus: make(map[string]int),
		CommandsByStatus:    make(map[string]int),
		SessionsByStatus:    make(map[string]int),
	}

	m.linksMu.RLock()
	for _, l := range m.links {
		st.ConnectionsByStatus[l.Status().String()]++
	}
	m.linksMu.RUnlock()

	m.commandsMu.RLock()
	for _, c := range m.commands {
		st.CommandsByStatus[string(c.Status())]++
	}
	m.commandsMu.RUnlock()

	m.sessionsMu.RLock()
	for _, s := range m.sessions {
		st.SessionsByStatus[string(s.Status())]++
	}
	m.sessionsMu.RUnlock()
	return st
}

func (m *Manager) isClosed() bool {
	m.loopsMu.Lock()
	defer m.loopsMu.Unlock()
	return m.closed
}

// Shutdown stops every background task, terminates all commands and
// sessions and disconnects every link. It is safe to call more than once.
func (m *Manager) Shutdown() {
	m.shutdownOnce.Do(func() {
		logger.Info("shutting down")

		m.loopsMu.Lock()
		m.closed = true
		scheduler := m.scheduler
		m.scheduler = nil
		m.loopsMu.Unlock()

		if scheduler != nil {
			<-scheduler.Stop().Done()
		}
		m.StopHealthCheck()
		m.StopKeepalive()

		for _, c := range m.allCommands() {
			m.TerminateCommand(c.ID)
		}
		for _, s := range m.allSessions() {
			m.TerminateInteractiveSession(s.ID)
		}

		m.commandCollector.stop()
		m.sessionCollector.stop()

		m.DisconnectAll()
		m.workers.Wait()
		logger.Info("shutdown complete")
	})
}

// loop runs fn every interval on its own goroutine until stopped.
type loop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func startLoop(interval time.Duration, fn func(ctx context.Context)) *loop {
	ctx, cancel := context.WithCancel(context.Background())
	l := &loop{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(l.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
	return l
}

// stop cancels the loop and waits for its goroutine to exit.
func (l *loop) stop() {
	if l == nil {
		return
	}
	l.cancel()
	<-l.done
}
