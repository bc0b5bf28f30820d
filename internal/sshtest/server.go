// Package sshtest runs an in-process SSH server for tests.
//
// The server accepts password and/or public key auth and serves "session"
// channels: exec requests and shell requests are run through the local
// /bin/sh, pty-req and window-change are acknowledged, and the "sftp"
// subsystem is served by pkg/sftp against the local filesystem.
package sshtest

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Options configures authentication for a Server.
type Options struct {
	// Password enables password auth when non-empty.
	Password string
	// AuthorizedKey enables public key auth for this key when non-nil.
	AuthorizedKey ssh.PublicKey
}

// Server is a running test SSH server.
type Server struct {
	Host string
	Port int

	config   *ssh.ServerConfig
	listener net.Listener
	done     chan struct{}
	wg       sync.WaitGroup

	mu       sync.Mutex
	netConns []net.Conn
}

// Start launches a server on 127.0.0.1 and registers cleanup with t.
func Start(t testing.TB, opts Options) *Server {
	t.Helper()

	hostSigner, _ := NewSigner(t)

	config := &ssh.ServerConfig{}
	if opts.Password != "" {
		config.PasswordCallback = func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if string(password) == opts.Password {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("password rejected for %q", conn.User())
		}
	}
	if opts.AuthorizedKey != nil {
		want := ssh.FingerprintSHA256(opts.AuthorizedKey)
		config.PublicKeyCallback = func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if ssh.FingerprintSHA256(key) == want {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key")
		}
	}
	config.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	host, portStr, _ := net.SplitHostPort(listener.Addr().String())
	port, _ := strconv.Atoi(portStr)

	s := &Server{
		Host:     host,
		Port:     port,
		config:   config,
		listener: listener,
		done:     make(chan struct{}),
	}

	go s.acceptLoop()
	t.Cleanup(s.Close)
	return s
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// CloseConnections forcefully drops every accepted TCP connection, simulating
// a dead transport, while the server keeps accepting new ones.
func (s *Server) CloseConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.netConns {
		c.Close()
	}
	s.netConns = nil
}

// Close stops the listener, drops all connections and waits for handlers.
func (s *Server) Close() {
	s.listener.Close()
	s.CloseConnections()
	<-s.done
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer close(s.done)
	for {
		netConn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.netConns = append(s.netConns, netConn)
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(netConn)
		}()
	}
}

func (s *Server) handleConn(netConn net.Conn) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		netConn.Close()
		return
	}
	defer sshConn.Close()

	go func() {
		for req := range reqs {
			if req.WantReply {
				req.Reply(true, nil)
			}
		}
	}()

	var wg sync.WaitGroup
	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			handleSession(ch, requests)
		}()
	}
	wg.Wait()
}

func handleSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var started sync.WaitGroup
	defer started.Wait()

	for req := range requests {
		switch req.Type {
		case "pty-req", "window-change", "env":
			if req.WantReply {
				req.Reply(true, nil)
			}
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				req.Reply(false, nil)
				continue
			}
			if req.WantReply {
				req.Reply(true, nil)
			}
			started.Add(1)
			go func() {
				defer started.Done()
				runCommand(ctx, ch, exec.CommandContext(ctx, "/bin/sh", "-c", payload.Command))
			}()
		case "shell":
			if req.WantReply {
				req.Reply(true, nil)
			}
			started.Add(1)
			go func() {
				defer started.Done()
				runCommand(ctx, ch, exec.CommandContext(ctx, "/bin/sh"))
			}()
		case "subsystem":
			var payload struct{ Name string }
			ssh.Unmarshal(req.Payload, &payload)
			if payload.Name != "sftp" {
				req.Reply(false, nil)
				continue
			}
			if req.WantReply {
				req.Reply(true, nil)
			}
			started.Add(1)
			go func() {
				defer started.Done()
				server, err := sftp.NewServer(ch)
				if err != nil {
					return
				}
				server.Serve()
				server.Close()
				ch.Close()
			}()
		case "signal":
			cancel()
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
	// Client closed the channel: stop whatever is still running.
	cancel()
}

// runCommand wires cmd to the channel and reports its exit status.
func runCommand(ctx context.Context, ch ssh.Channel, cmd *exec.Cmd) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		sendExitStatus(ch, 255)
		return
	}
	cmd.Stdout = ch
	cmd.Stderr = ch.Stderr()
	// Kill the whole group so children holding stdout open die with the shell.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL) }
	cmd.WaitDelay = time.Second

	if err := cmd.Start(); err != nil {
		fmt.Fprintf(ch.Stderr(), "%v\n", err)
		sendExitStatus(ch, 127)
		return
	}
	go func() {
		io.Copy(stdin, ch)
		stdin.Close()
	}()

	status := uint32(0)
	if err := cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() >= 0 {
			status = uint32(exitErr.ExitCode())
		} else {
			status = 255
		}
	}
	if ctx.Err() != nil {
		return
	}
	sendExitStatus(ch, status)
	ch.CloseWrite()
	ch.Close()
}

func sendExitStatus(ch ssh.Channel, status uint32) {
	ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
}

// NewSigner generates an ED25519 key and returns its signer and PEM encoding.
func NewSigner(t testing.TB) (ssh.Signer, []byte) {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate ed25519 key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		t.Fatalf("marshal private key: %v", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	signer, err := ssh.ParsePrivateKey(pemBytes)
	if err != nil {
		t.Fatalf("parse private key: %v", err)
	}
	return signer, pemBytes
}
