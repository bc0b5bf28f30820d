// Package sshlink wraps a single authenticated SSH endpoint.
//
// A Link owns exactly one *ssh.Client for one user@host:port triple. Connect
// never escalates authentication or network failures to the caller: they are
// recorded as StatusError with a message, and callers inspect Status (or
// Snapshot) afterwards. Execute follows the same rule and reports failures as
// exit code -1 with diagnostic stderr.
package sshlink

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/gluk-w/sshbroker/internal/logutil"
)

var logger = logrus.WithField("component", "ssh")

const (
	// DefaultConnectTimeout bounds TCP dial plus SSH handshake.
	DefaultConnectTimeout = 30 * time.Second

	// DefaultTransportKeepalive is the interval of the per-link transport keepalive.
	DefaultTransportKeepalive = 60 * time.Second
)

// ErrNotConnected is returned by Client and SendKeepalive when the link has no live transport.
var ErrNotConnected = errors.New("connection not established")

// ErrClosed is returned by Connect once the link has been closed for good.
var ErrClosed = errors.New("link closed")

// Status is the lifecycle state of a Link.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusError
)

// String returns the name used in status payloads.
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Credentials selects how a Link authenticates. Methods are offered to the
// server in precedence order: private key (path, then bytes, then identity
// files resolved from ssh_config), password, and finally the SSH agent plus
// default identity files when nothing else is usable.
type Credentials struct {
	Password       string
	PrivateKeyPath string
	PrivateKey     []byte
	Passphrase     string
	IdentityFiles  []string
}

// Kind names the primary authentication method for logging and auditing.
func (c Credentials) Kind() string {
	switch {
	case c.PrivateKeyPath != "" || len(c.PrivateKey) > 0:
		return "private_key"
	case c.Password != "":
		return "password"
	case len(c.IdentityFiles) > 0:
		return "identity_file"
	default:
		return "agent"
	}
}

// Options tunes timeouts and host key policy for a Link.
type Options struct {
	ConnectTimeout     time.Duration
	ProbeTimeout       time.Duration
	TransportKeepalive time.Duration // zero disables the per-link keepalive goroutine
	KnownHostsFile     string        // empty accepts any host key
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = DefaultProbeTimeout
	}
	return o
}

// ConnectionID builds the externally visible identity of a connection.
func ConnectionID(username, host string, port int) string {
	return fmt.Sprintf("%s@%s:%d", username, host, port)
}

// Link represents one authenticated remote endpoint.
type Link struct {
	host     string
	username string
	port     int
	opts     Options

	mu         sync.RWMutex
	client     *ssh.Client
	status     Status
	errMsg     string
	keepCancel context.CancelFunc
	keepDone   chan struct{}
	closed     bool

	metrics *Metrics
	history *transitionLog
}

// New creates a disconnected Link for username@host:port.
func New(host, username string, port int, opts Options) *Link {
	if port == 0 {
		port = 22
	}
	return &Link{
		host:     host,
		username: username,
		port:     port,
		opts:     opts.withDefaults(),
		metrics:  &Metrics{},
		history:  &transitionLog{},
	}
}

// ID returns the username@host:port identity of the link.
func (l *Link) ID() string {
	return ConnectionID(l.username, l.host, l.port)
}

func (l *Link) Host() string     { return l.host }
func (l *Link) Username() string { return l.username }
func (l *Link) Port() int        { return l.port }

// Status returns the current lifecycle state.
func (l *Link) Status() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.status
}

// ErrorMessage returns the last recorded failure, if any.
func (l *Link) ErrorMessage() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.errMsg
}

// Client returns the live SSH client. It fails unless the link is connected.
func (l *Link) Client() (*ssh.Client, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.status != StatusConnected || l.client == nil {
		return nil, fmt.Errorf("%w (status: %s)", ErrNotConnected, l.status)
	}
	return l.client, nil
}

// Connect authenticates against the endpoint. Any existing transport is closed
// first. Failures set StatusError and are also returned for logging; the
// status is the source of truth.
func (l *Link) Connect(ctx context.Context, creds Credentials) error {
	if l.isClosed() {
		return ErrClosed
	}
	l.Disconnect()

	addr := net.JoinHostPort(l.host, strconv.Itoa(l.port))
	l.setStatus(StatusConnecting, "", fmt.Sprintf("connecting to %s", addr))

	auth, cleanup := l.authMethods(creds)
	defer cleanup()
	if len(auth) == 0 {
		return l.connectFailed(errors.New("no authentication methods available"))
	}

	hostKeyCallback, err := l.hostKeyCallback()
	if err != nil {
		return l.connectFailed(err)
	}

	cfg := &ssh.ClientConfig{
		User:            l.username,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         l.opts.ConnectTimeout,
	}

	dialer := net.Dialer{Timeout: l.opts.ConnectTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return l.connectFailed(fmt.Errorf("dial %s: %w", addr, err))
	}

	// NewClientConn has no timeout of its own; bound the handshake by deadline.
	_ = netConn.SetDeadline(time.Now().Add(l.opts.ConnectTimeout))
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if err != nil {
		netConn.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			return l.connectFailed(fmt.Errorf("authentication failed for %s: %w", l.ID(), err))
		}
		return l.connectFailed(fmt.Errorf("ssh handshake with %s: %w", addr, err))
	}
	_ = netConn.SetDeadline(time.Time{})

	client := ssh.NewClient(sshConn, chans, reqs)

	l.mu.Lock()
	if l.closed {
		// Closed while the handshake was in flight.
		l.mu.Unlock()
		client.Close()
		l.setStatus(StatusDisconnected, "", "link closed")
		logger.Debugf("dropping late connection to %s: link closed", logutil.SanitizeForLog(l.ID()))
		return ErrClosed
	}
	l.client = client
	l.errMsg = ""
	if l.opts.TransportKeepalive > 0 {
		keepCtx, cancel := context.WithCancel(context.Background())
		l.keepCancel = cancel
		l.keepDone = make(chan struct{})
		go l.transportKeepalive(keepCtx, client, l.keepDone)
	}
	l.mu.Unlock()

	l.metrics.markConnected()
	l.setStatus(StatusConnected, "", fmt.Sprintf("connected via %s", creds.Kind()))
	logger.Infof("SSH connected to %s (%s auth)", logutil.SanitizeForLog(l.ID()), creds.Kind())
	return nil
}

func (l *Link) connectFailed(err error) error {
	if l.isClosed() {
		l.setStatus(StatusDisconnected, "", "link closed")
		return ErrClosed
	}
	l.setStatus(StatusError, err.Error(), "connect failed")
	logger.Warnf("SSH connect to %s failed: %v", logutil.SanitizeForLog(l.ID()), err)
	return err
}

// Disconnect closes the transport and resets the status. Safe to call repeatedly.
func (l *Link) Disconnect() {
	l.mu.Lock()
	client := l.client
	cancel, done := l.keepCancel, l.keepDone
	l.client = nil
	l.keepCancel, l.keepDone = nil, nil
	l.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if client != nil {
		client.Close()
		logger.Infof("SSH disconnected from %s", logutil.SanitizeForLog(l.ID()))
	}
	l.setStatus(StatusDisconnected, "", "disconnected")
}

// Close disconnects the link and makes every later Connect fail with
// ErrClosed. A Connect already in flight drops its transport instead of
// installing it.
func (l *Link) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.Disconnect()
}

func (l *Link) isClosed() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.closed
}

// MarkFailed demotes the link to StatusError with reason. The transport is
// left in place so Disconnect can release it.
func (l *Link) MarkFailed(reason string) {
	l.setStatus(StatusError, reason, reason)
}

// setStatus updates the status and records the transition. errMsg replaces
// the stored message; it is cleared on every non-error transition.
func (l *Link) setStatus(status Status, errMsg, reason string) {
	l.mu.Lock()
	from := l.status
	l.status = status
	if status == StatusError {
		l.errMsg = errMsg
	} else {
		l.errMsg = ""
	}
	l.mu.Unlock()

	if from != status {
		l.history.record(from, status, reason)
	}
}

// Transitions returns the recent status history, oldest first.
func (l *Link) Transitions() []Transition {
	return l.history.list()
}

// Info is the status payload of a connection.
type Info struct {
	ConnectionID string          `json:"connection_id"`
	Status       string          `json:"status"`
	Host         string          `json:"host"`
	Username     string          `json:"username"`
	Port         int             `json:"port"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Health       MetricsSnapshot `json:"health"`
}

// Snapshot returns the current status payload.
func (l *Link) Snapshot() Info {
	l.mu.RLock()
	status, errMsg := l.status, l.errMsg
	l.mu.RUnlock()

	return Info{
		ConnectionID: l.ID(),
		Status:       status.String(),
		Host:         l.host,
		Username:     l.username,
		Port:         l.port,
		ErrorMessage: errMsg,
		Health:       l.metrics.Snapshot(),
	}
}

func (l *Link) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if l.opts.KnownHostsFile == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(l.opts.KnownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts %s: %w", l.opts.KnownHostsFile, err)
	}
	return cb, nil
}

// authMethods assembles auth methods in precedence order. The returned
// cleanup releases the agent socket once the handshake is over.
func (l *Link) authMethods(creds Credentials) ([]ssh.AuthMethod, func()) {
	var signers []ssh.Signer

	if creds.PrivateKeyPath != "" {
		if s, err := loadSigner(creds.PrivateKeyPath, creds.Passphrase); err != nil {
			logger.Warnf("private key %s unusable for %s: %v", logutil.SanitizeForLog(creds.PrivateKeyPath), l.ID(), err)
		} else {
			signers = append(signers, s)
		}
	}
	if len(creds.PrivateKey) > 0 {
		if s, err := parseSigner(creds.PrivateKey, creds.Passphrase); err != nil {
			logger.Warnf("inline private key unusable for %s: %v", l.ID(), err)
		} else {
			signers = append(signers, s)
		}
	}
	if creds.PrivateKeyPath == "" && len(creds.PrivateKey) == 0 {
		for _, path := range creds.IdentityFiles {
			s, err := loadSigner(path, creds.Passphrase)
			if err != nil {
				logger.Warnf("identity file %s skipped for %s: %v", logutil.SanitizeForLog(path), l.ID(), err)
				continue
			}
			signers = append(signers, s)
		}
	}

	var methods []ssh.AuthMethod
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}
	if creds.Password != "" {
		methods = append(methods, ssh.Password(creds.Password))
		methods = append(methods, ssh.KeyboardInteractive(passwordChallenge(creds.Password)))
	}

	cleanup := func() {}
	if len(methods) == 0 {
		var fallback []ssh.AuthMethod
		fallback, cleanup = agentAuth()
		methods = append(methods, fallback...)
		if defaults := defaultIdentitySigners(); len(defaults) > 0 {
			methods = append(methods, ssh.PublicKeys(defaults...))
		}
	}
	return methods, cleanup
}

func passwordChallenge(password string) ssh.KeyboardInteractiveChallenge {
	return func(user, instruction string, questions []string, echos []bool) ([]string, error) {
		answers := make([]string, len(questions))
		for i := range questions {
			answers[i] = password
		}
		return answers, nil
	}
}

func agentAuth() ([]ssh.AuthMethod, func()) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, func() {}
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		logger.Debugf("ssh agent unavailable: %v", err)
		return nil, func() {}
	}
	client := agent.NewClient(conn)
	return []ssh.AuthMethod{ssh.PublicKeysCallback(client.Signers)}, func() { conn.Close() }
}

var defaultIdentityFiles = []string{"id_ed25519", "id_ecdsa", "id_rsa"}

func defaultIdentitySigners() []ssh.Signer {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	var signers []ssh.Signer
	for _, name := range defaultIdentityFiles {
		s, err := loadSigner(filepath.Join(home, ".ssh", name), "")
		if err != nil {
			continue
		}
		signers = append(signers, s)
	}
	return signers
}

func loadSigner(path, passphrase string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	return parseSigner(data, passphrase)
}

func parseSigner(pemBytes []byte, passphrase string) (ssh.Signer, error) {
	if passphrase != "" {
		signer, err := ssh.ParsePrivateKeyWithPassphrase(pemBytes, []byte(passphrase))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return signer, nil
	}
	signer, err := ssh.ParsePrivateKey(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}
