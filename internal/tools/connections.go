package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gluk-w/sshbroker/internal/config"
	"github.com/gluk-w/sshbroker/internal/sshlink"
	"github.com/gluk-w/sshbroker/internal/sshmanager"
)

type connectArgs struct {
	Host               string `json:"host"`
	Username           string `json:"username"`
	Port               int    `json:"port"`
	Password           string `json:"password"`
	PrivateKey         string `json:"private_key"`
	PrivateKeyPassword string `json:"private_key_password"`
}

func (a connectArgs) credentials() sshlink.Credentials {
	creds := sshlink.Credentials{Password: a.Password, Passphrase: a.PrivateKeyPassword}
	if a.PrivateKey != "" {
		creds.PrivateKeyPath = config.ExpandHome(a.PrivateKey)
	}
	return creds
}

type configHostArgs struct {
	ConfigHost         string `json:"config_host"`
	Username           string `json:"username"`
	Password           string `json:"password"`
	PrivateKey         string `json:"private_key"`
	PrivateKeyPassword string `json:"private_key_password"`
}

type connectionIDArgs struct {
	ConnectionID string `json:"connection_id"`
}

type connectByNameArgs struct {
	ConnectionName string `json:"connection_name"`
}

type listConfigArgs struct {
	FilterTag string `json:"filter_tag"`
}

// connectResult is returned by every connect tool.
type connectResult struct {
	Success      bool         `json:"success"`
	ConnectionID string       `json:"connection_id"`
	Name         string       `json:"name,omitempty"`
	Description  string       `json:"description,omitempty"`
	Tags         []string     `json:"tags,omitempty"`
	Connection   sshlink.Info `json:"connection"`
	Message      string       `json:"message"`
}

func (r *Registry) connectResult(id string) (*Result, error) {
	info, found := r.deps.Manager.Status(id)
	if !found {
		return nil, fmt.Errorf("connection %s not found", id)
	}
	res := connectResult{
		Success:      info.Status == sshlink.StatusConnected.String(),
		ConnectionID: id,
		Connection:   info,
	}
	if res.Success {
		res.Message = fmt.Sprintf("connected to %s", id)
	} else {
		res.Message = fmt.Sprintf("connection to %s failed: %s", id, info.ErrorMessage)
	}
	return okIf(res.Success, res)
}

type configEntry struct {
	Name        string   `json:"name"`
	Host        string   `json:"host"`
	Username    string   `json:"username"`
	Port        int      `json:"port"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Auth        string   `json:"auth"`
}

func newConfigEntry(c config.Connection) configEntry {
	auth := "agent"
	switch {
	case c.PrivateKey != "":
		auth = "private_key"
	case c.HasPassword():
		auth = "password"
	}
	return configEntry{
		Name:        c.Name,
		Host:        c.Host,
		Username:    c.Username,
		Port:        c.Port,
		Description: c.Description,
		Tags:        c.Tags,
		Auth:        auth,
	}
}

func (r *Registry) registerConnectionTools() {
	m := r.deps.Manager

	r.Register(&Tool{
		Name:        "ssh_connect",
		Description: "Open an SSH connection. Reconnecting with the same user, host and port replaces the existing connection.",
		Params: []Param{
			{Name: "host", Kind: KindString, Required: true, Description: "Host name or IP address"},
			{Name: "username", Kind: KindString, Required: true, Description: "Login user"},
			{Name: "port", Kind: KindNumber, Default: 22.0, Description: "SSH port"},
			{Name: "password", Kind: KindString, Description: "Password"},
			{Name: "private_key", Kind: KindString, Description: "Path to a private key file"},
			{Name: "private_key_password", Kind: KindString, Description: "Passphrase of the private key"},
		},
		Handler: func(ctx context.Context, raw json.RawMessage) (*Result, error) {
			var a connectArgs
			if err := decode(raw, &a); err != nil {
				return nil, err
			}
			if err := require("host", a.Host, "username", a.Username); err != nil {
				return nil, err
			}
			if a.Port < 0 || a.Port > 65535 {
				return nil, fmt.Errorf("%w: port %d out of range", errInvalidArgs, a.Port)
			}
			id, err := m.CreateConnection(ctx, a.Host, a.Username, a.Port, a.credentials())
			if err != nil {
				return nil, err
			}
			return r.connectResult(id)
		},
	})

	r.Register(&Tool{
		Name:        "ssh_connect_by_config_host",
		Description: "Connect to a Host entry of the local ssh_config file. HostName, User, Port and IdentityFile are taken from the file unless overridden.",
		Params: []Param{
			{Name: "config_host", Kind: KindString, Required: true, Description: "Host alias from ssh_config"},
			{Name: "username", Kind: KindString, Description: "Overrides User"},
			{Name: "password", Kind: KindString, Description: "Password"},
			{Name: "private_key", Kind: KindString, Description: "Overrides IdentityFile"},
			{Name: "private_key_password", Kind: KindString, Description: "Passphrase of the private key"},
		},
		Handler: func(ctx context.Context, raw json.RawMessage) (*Result, error) {
			var a configHostArgs
			if err := decode(raw, &a); err != nil {
				return nil, err
			}
			if err := require("config_host", a.ConfigHost); err != nil {
				return nil, err
			}
			creds := connectArgs{Password: a.Password, PrivateKey: a.PrivateKey, PrivateKeyPassword: a.PrivateKeyPassword}.credentials()
			id, err := m.CreateConnectionFromConfigHost(ctx, a.ConfigHost, sshmanager.HostOverrides{
				Username:    a.Username,
				Credentials: creds,
			})
			if err != nil {
				return nil, err
			}
			return r.connectResult(id)
		},
	})

	r.Register(&Tool{
		Name:        "ssh_connect_by_name",
		Description: "Connect a named entry of the connection file.",
		Params: []Param{
			{Name: "connection_name", Kind: KindString, Required: true, Description: "Entry name in the connection file"},
		},
		Handler: func(ctx context.Context, raw json.RawMessage) (*Result, error) {
			var a connectByNameArgs
			if err := decode(raw, &a); err != nil {
				return nil, err
			}
			if err := require("connection_name", a.ConnectionName); err != nil {
				return nil, err
			}
			file := m.Connections()
			if file == nil {
				return nil, errors.New("no connection file loaded")
			}
			entry, found := file.Get(a.ConnectionName)
			if !found {
				names := make([]string, 0, len(file.Connections))
				for _, c := range file.Connections {
					names = append(names, c.Name)
				}
				return nil, fmt.Errorf("connection name %q not found; available: %s", a.ConnectionName, strings.Join(names, ", "))
			}
			id, err := m.ConnectNamed(ctx, entry)
			if err != nil {
				return nil, err
			}
			res, err := r.connectResult(id)
			if err != nil {
				return nil, err
			}
			payload := res.Payload.(connectResult)
			payload.Name = entry.Name
			payload.Description = entry.Description
			payload.Tags = entry.Tags
			res.Payload = payload
			return res, nil
		},
	})

	r.Register(&Tool{
		Name:        "ssh_list_config",
		Description: "List the entries of the connection file, optionally filtered by tag.",
		Params: []Param{
			{Name: "filter_tag", Kind: KindString, Description: "Only entries carrying this tag"},
		},
		Handler: func(ctx context.Context, raw json.RawMessage) (*Result, error) {
			var a listConfigArgs
			if err := decode(raw, &a); err != nil {
				return nil, err
			}
			file := m.Connections()
			if file == nil {
				return nil, errors.New("no connection file loaded")
			}
			entries := []configEntry{}
			for _, c := range file.FilterByTag(a.FilterTag) {
				entries = append(entries, newConfigEntry(c))
			}
			return ok(map[string]any{
				"connections": entries,
				"count":       len(entries),
				"filter_tag":  a.FilterTag,
			})
		},
	})

	r.Register(&Tool{
		Name:        "ssh_auto_connect",
		Description: "Connect every entry of the connection file and report each outcome.",
		Handler: func(ctx context.Context, raw json.RawMessage) (*Result, error) {
			if m.Connections() == nil {
				return nil, errors.New("no connection file loaded")
			}
			results := m.AutoConnect(ctx)
			connected := 0
			for _, res := range results {
				if res.Status == sshlink.StatusConnected.String() {
					connected++
				}
			}
			payload := map[string]any{
				"success":   connected > 0 || len(results) == 0,
				"connected": connected,
				"failed":    len(results) - connected,
				"results":   results,
			}
			return okIf(connected > 0 || len(results) == 0, payload)
		},
	})

	r.Register(&Tool{
		Name:        "ssh_disconnect",
		Description: "Close a connection. Its running commands and sessions are terminated.",
		Params:      []Param{paramConnectionID},
		Handler: func(ctx context.Context, raw json.RawMessage) (*Result, error) {
			var a connectionIDArgs
			if err := decode(raw, &a); err != nil {
				return nil, err
			}
			if err := require("connection_id", a.ConnectionID); err != nil {
				return nil, err
			}
			if !m.Disconnect(a.ConnectionID) {
				return nil, fmt.Errorf("connection %s not found", a.ConnectionID)
			}
			return ok(map[string]any{
				"success":       true,
				"connection_id": a.ConnectionID,
				"message":       fmt.Sprintf("disconnected %s", a.ConnectionID),
			})
		},
	})

	r.Register(&Tool{
		Name:        "ssh_disconnect_all",
		Description: "Close every connection.",
		Handler: func(ctx context.Context, raw json.RawMessage) (*Result, error) {
			n := m.DisconnectAll()
			return ok(map[string]any{"success": true, "disconnected": n})
		},
	})

	r.Register(&Tool{
		Name:        "ssh_status",
		Description: "Status of one connection, or of all connections when no id is given.",
		Params: []Param{
			{Name: "connection_id", Kind: KindString, Description: "Connection id; omit for all connections"},
		},
		Handler: func(ctx context.Context, raw json.RawMessage) (*Result, error) {
			var a connectionIDArgs
			if err := decode(raw, &a); err != nil {
				return nil, err
			}
			if a.ConnectionID == "" {
				list := m.ListConnections()
				return ok(map[string]any{"connections": list, "count": len(list)})
			}
			info, found := m.Status(a.ConnectionID)
			if !found {
				return nil, fmt.Errorf("connection %s not found", a.ConnectionID)
			}
			return ok(map[string]any{
				"connection": info,
				"events":     m.RecentEvents(a.ConnectionID, 10),
			})
		},
	})

	r.Register(&Tool{
		Name:        "ssh_list_connections",
		Description: "List every tracked connection, including failed ones.",
		Handler: func(ctx context.Context, raw json.RawMessage) (*Result, error) {
			list := m.ListConnections()
			return ok(map[string]any{"connections": list, "count": len(list)})
		},
	})
}
