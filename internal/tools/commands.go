package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gluk-w/sshbroker/internal/sshmanager"
)

type executeArgs struct {
	ConnectionID string   `json:"connection_id"`
	Command      string   `json:"command"`
	Timeout      *float64 `json:"timeout"`
}

type commandIDArgs struct {
	CommandID string `json:"command_id"`
}

type cleanupArgs struct {
	MaxAge *float64 `json:"max_age"`
}

type startInteractiveArgs struct {
	ConnectionID string `json:"connection_id"`
	Command      string `json:"command"`
	PtyWidth     int    `json:"pty_width"`
	PtyHeight    int    `json:"pty_height"`
}

type sendInputArgs struct {
	SessionID string `json:"session_id"`
	InputText string `json:"input_text"`
}

type sessionIDArgs struct {
	SessionID string `json:"session_id"`
}

type interactiveOutputArgs struct {
	SessionID string `json:"session_id"`
	MaxLines  *int   `json:"max_lines"`
}

const (
	defaultCleanupMaxAge = time.Hour
	defaultMaxLines      = 50
)

var paramMaxAge = Param{Name: "max_age", Kind: KindNumber, Default: 3600.0,
	Description: "Keep finished entries younger than this many seconds; 0 removes all finished entries"}

// cleanupMaxAge rejects negative ages, which would reach into the future.
func cleanupMaxAge(v *float64) (time.Duration, error) {
	if v != nil && *v < 0 {
		return 0, fmt.Errorf("%w: max_age %v must not be negative", errInvalidArgs, *v)
	}
	return seconds(v, defaultCleanupMaxAge), nil
}

func (r *Registry) registerCommandTools() {
	m := r.deps.Manager

	r.Register(&Tool{
		Name:        "ssh_execute",
		Description: "Run a command and wait for it to finish. A nonzero exit code is reported, not treated as a tool failure of the connection.",
		Params: []Param{
			paramConnectionID,
			{Name: "command", Kind: KindString, Required: true, Description: "Shell command line"},
			{Name: "timeout", Kind: KindNumber, Default: r.deps.DefaultTimeout.Seconds(), Description: "Timeout in seconds"},
		},
		Handler: func(ctx context.Context, raw json.RawMessage) (*Result, error) {
			var a executeArgs
			if err := decode(raw, &a); err != nil {
				return nil, err
			}
			if err := require("connection_id", a.ConnectionID, "command", a.Command); err != nil {
				return nil, err
			}
			timeout := seconds(a.Timeout, r.deps.DefaultTimeout)
			if timeout <= 0 {
				timeout = r.deps.DefaultTimeout
			}
			res := m.ExecuteCommand(ctx, a.ConnectionID, a.Command, timeout)
			return okIf(res.Success, map[string]any{
				"success":       res.Success,
				"connection_id": a.ConnectionID,
				"command":       a.Command,
				"exit_code":     res.ExitCode,
				"stdout":        res.Stdout,
				"stderr":        res.Stderr,
				"error":         res.Error,
			})
		},
	})

	r.Register(&Tool{
		Name:        "ssh_start_async_command",
		Description: "Start a long-running command without waiting. Poll it with ssh_get_command_status.",
		Params: []Param{
			paramConnectionID,
			{Name: "command", Kind: KindString, Required: true, Description: "Shell command line"},
		},
		Handler: func(ctx context.Context, raw json.RawMessage) (*Result, error) {
			var a executeArgs
			if err := decode(raw, &a); err != nil {
				return nil, err
			}
			if err := require("connection_id", a.ConnectionID, "command", a.Command); err != nil {
				return nil, err
			}
			id, err := m.StartAsyncCommand(a.ConnectionID, a.Command)
			if err != nil {
				return nil, fmt.Errorf("start async command: %w", err)
			}
			return ok(map[string]any{
				"success":       true,
				"command_id":    id,
				"connection_id": a.ConnectionID,
				"command":       a.Command,
				"message":       "command started; use ssh_get_command_status to follow its output",
			})
		},
	})

	r.Register(&Tool{
		Name:        "ssh_get_command_status",
		Description: "Status and accumulated output of an async command.",
		Params:      []Param{paramCommandID},
		Handler: func(ctx context.Context, raw json.RawMessage) (*Result, error) {
			var a commandIDArgs
			if err := decode(raw, &a); err != nil {
				return nil, err
			}
			if err := require("command_id", a.CommandID); err != nil {
				return nil, err
			}
			info, found := m.CommandStatus(a.CommandID)
			if !found {
				return nil, fmt.Errorf("command %s not found", a.CommandID)
			}
			failed := info.Status == string(sshmanager.CommandFailed) || info.Status == string(sshmanager.CommandTerminated)
			return okIf(!failed, info)
		},
	})

	r.Register(&Tool{
		Name:        "ssh_list_async_commands",
		Description: "List every tracked async command without its output.",
		Handler: func(ctx context.Context, raw json.RawMessage) (*Result, error) {
			list := m.ListAsyncCommands()
			return ok(map[string]any{"commands": list, "count": len(list)})
		},
	})

	r.Register(&Tool{
		Name:        "ssh_terminate_command",
		Description: "Stop a running async command.",
		Params:      []Param{paramCommandID},
		Handler: func(ctx context.Context, raw json.RawMessage) (*Result, error) {
			var a commandIDArgs
			if err := decode(raw, &a); err != nil {
				return nil, err
			}
			if err := require("command_id", a.CommandID); err != nil {
				return nil, err
			}
			if !m.TerminateCommand(a.CommandID) {
				return nil, fmt.Errorf("command %s not found", a.CommandID)
			}
			info, _ := m.CommandStatus(a.CommandID)
			return ok(map[string]any{
				"success":    true,
				"command_id": a.CommandID,
				"status":     info.Status,
			})
		},
	})

	r.Register(&Tool{
		Name:        "ssh_cleanup_commands",
		Description: "Forget finished async commands older than max_age seconds.",
		Params:      []Param{paramMaxAge},
		Handler: func(ctx context.Context, raw json.RawMessage) (*Result, error) {
			var a cleanupArgs
			if err := decode(raw, &a); err != nil {
				return nil, err
			}
			maxAge, err := cleanupMaxAge(a.MaxAge)
			if err != nil {
				return nil, err
			}
			n := m.CleanupCompletedCommands(maxAge)
			return ok(map[string]any{"success": true, "cleaned": n, "max_age": maxAge.Seconds()})
		},
	})
}

func (r *Registry) registerSessionTools() {
	m := r.deps.Manager

	r.Register(&Tool{
		Name:        "ssh_start_interactive",
		Description: "Open a PTY shell. A command, when given, is typed into the shell once it is up.",
		Params: []Param{
			paramConnectionID,
			{Name: "command", Kind: KindString, Description: "Command to type into the shell; empty or \"shell\" for a bare shell"},
			{Name: "pty_width", Kind: KindNumber, Default: float64(sshmanager.DefaultPtyWidth), Description: "Terminal columns"},
			{Name: "pty_height", Kind: KindNumber, Default: float64(sshmanager.DefaultPtyHeight), Description: "Terminal rows"},
		},
		Handler: func(ctx context.Context, raw json.RawMessage) (*Result, error) {
			var a startInteractiveArgs
			if err := decode(raw, &a); err != nil {
				return nil, err
			}
			if err := require("connection_id", a.ConnectionID); err != nil {
				return nil, err
			}
			id, err := m.StartInteractiveSession(a.ConnectionID, a.Command, a.PtyWidth, a.PtyHeight)
			if err != nil {
				return nil, fmt.Errorf("start interactive session: %w", err)
			}
			return ok(map[string]any{
				"success":       true,
				"session_id":    id,
				"connection_id": a.ConnectionID,
				"command":       a.Command,
				"message":       "session started; use ssh_send_input and ssh_get_interactive_output",
			})
		},
	})

	r.Register(&Tool{
		Name:        "ssh_send_input",
		Description: "Write text to an interactive session. Include a trailing newline to submit a line.",
		Params: []Param{
			paramSessionID,
			{Name: "input_text", Kind: KindString, Required: true, Description: "Text to send"},
		},
		Handler: func(ctx context.Context, raw json.RawMessage) (*Result, error) {
			var a sendInputArgs
			if err := decode(raw, &a); err != nil {
				return nil, err
			}
			if err := require("session_id", a.SessionID, "input_text", a.InputText); err != nil {
				return nil, err
			}
			if err := m.SendInput(a.SessionID, a.InputText); err != nil {
				return nil, err
			}
			return ok(map[string]any{"success": true, "session_id": a.SessionID, "bytes": len(a.InputText)})
		},
	})

	r.Register(&Tool{
		Name:        "ssh_get_interactive_output",
		Description: "Retained output of an interactive session.",
		Params: []Param{
			paramSessionID,
			{Name: "max_lines", Kind: KindNumber, Default: float64(defaultMaxLines), Description: "Return only the last N lines; 0 for everything retained"},
		},
		Handler: func(ctx context.Context, raw json.RawMessage) (*Result, error) {
			var a interactiveOutputArgs
			if err := decode(raw, &a); err != nil {
				return nil, err
			}
			if err := require("session_id", a.SessionID); err != nil {
				return nil, err
			}
			maxLines := defaultMaxLines
			if a.MaxLines != nil {
				maxLines = *a.MaxLines
			}
			out, found := m.InteractiveOutput(a.SessionID, maxLines)
			if !found {
				return nil, fmt.Errorf("session %s not found", a.SessionID)
			}
			return ok(out)
		},
	})

	r.Register(&Tool{
		Name:        "ssh_list_interactive_sessions",
		Description: "List every tracked interactive session.",
		Handler: func(ctx context.Context, raw json.RawMessage) (*Result, error) {
			list := m.ListInteractiveSessions()
			return ok(map[string]any{"sessions": list, "count": len(list)})
		},
	})

	r.Register(&Tool{
		Name:        "ssh_terminate_interactive",
		Description: "Close an interactive session.",
		Params:      []Param{paramSessionID},
		Handler: func(ctx context.Context, raw json.RawMessage) (*Result, error) {
			var a sessionIDArgs
			if err := decode(raw, &a); err != nil {
				return nil, err
			}
			if err := require("session_id", a.SessionID); err != nil {
				return nil, err
			}
			if !m.TerminateInteractiveSession(a.SessionID) {
				return nil, fmt.Errorf("session %s not found", a.SessionID)
			}
			return ok(map[string]any{"success": true, "session_id": a.SessionID})
		},
	})

	r.Register(&Tool{
		Name:        "ssh_cleanup_interactive",
		Description: "Forget finished interactive sessions older than max_age seconds.",
		Params:      []Param{paramMaxAge},
		Handler: func(ctx context.Context, raw json.RawMessage) (*Result, error) {
			var a cleanupArgs
			if err := decode(raw, &a); err != nil {
				return nil, err
			}
			maxAge, err := cleanupMaxAge(a.MaxAge)
			if err != nil {
				return nil, err
			}
			n := m.CleanupInteractiveSessions(maxAge)
			return ok(map[string]any{"success": true, "cleaned": n, "max_age": maxAge.Seconds()})
		},
	})
}
