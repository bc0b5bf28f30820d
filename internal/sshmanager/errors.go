package sshmanager

import (
	"errors"

	"github.com/gluk-w/sshbroker/internal/sshlink"
)

var (
	// ErrNotFound is returned for unknown connection, command or session ids.
	ErrNotFound = errors.New("not found")
	// ErrNotConnected is returned when the connection has no live transport.
	ErrNotConnected = sshlink.ErrNotConnected
	// ErrSessionNotActive is returned by SendInput on a finished session.
	ErrSessionNotActive = errors.New("session not active")
	// ErrTooManyConnections is returned when MaxConnections is reached.
	ErrTooManyConnections = errors.New("too many connections")
	// ErrTargetNotAllowed is returned when a host is outside the allow list.
	ErrTargetNotAllowed = errors.New("target not allowed")
	// ErrShutdown is returned after Shutdown.
	ErrShutdown = errors.New("manager is shut down")
)
