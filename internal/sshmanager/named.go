package sshmanager

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/gluk-w/sshbroker/internal/config"
)

// autoConnectParallelism bounds concurrent dials during AutoConnect.
const autoConnectParallelism = 4

// AutoConnectResult is the outcome of connecting one named entry.
type AutoConnectResult struct {
	Name         string `json:"name"`
	ConnectionID string `json:"connection_id"`
	Status       string `json:"status"`
	Error        string `json:"error,omitempty"`
}

// Connections returns the loaded connection file, or nil.
func (m *Manager) Connections() *config.File {
	return m.opts.Connections
}

// ConnectNamed connects a connection file entry.
func (m *Manager) ConnectNamed(ctx context.Context, c config.Connection) (string, error) {
	return m.CreateConnection(ctx, c.Host, c.Username, c.Port, c.Credentials())
}

// ConnectByName looks up name in the connection file and connects it.
func (m *Manager) ConnectByName(ctx context.Context, name string) (string, error) {
	if m.opts.Connections == nil {
		return "", fmt.Errorf("connection %q: %w (no connection file loaded)", name, ErrNotFound)
	}
	c, ok := m.opts.Connections.Get(name)
	if !ok {
		return "", fmt.Errorf("connection %q: %w", name, ErrNotFound)
	}
	return m.ConnectNamed(ctx, c)
}

// AutoConnect connects every entry of the connection file, a few at a time,
// and reports each outcome in file order.
func (m *Manager) AutoConnect(ctx context.Context) []AutoConnectResult {
	if m.opts.Connections == nil {
		return nil
	}
	entries := m.opts.Connections.Connections
	results := make([]AutoConnectResult, len(entries))

	var g errgroup.Group
	g.SetLimit(autoConnectParallelism)
	for i, c := range entries {
		g.Go(func() error {
			res := AutoConnectResult{Name: c.Name}
			id, err := m.ConnectNamed(ctx, c)
			res.ConnectionID = id
			if err != nil {
				res.Status = "error"
				res.Error = err.Error()
			} else if info, ok := m.Status(id); ok {
				res.Status = info.Status
				res.Error = info.ErrorMessage
			}
			results[i] = res
			return nil
		})
	}
	g.Wait()

	connected := 0
	for _, r := range results {
		if r.Status == "connected" {
			connected++
		}
	}
	logger.Infof("auto-connect: %d/%d connections established", connected, len(results))
	return results
}
