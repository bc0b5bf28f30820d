package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gluk-w/sshbroker/internal/sshfiles"
	"github.com/gluk-w/sshbroker/internal/sshlink"
	"github.com/gluk-w/sshbroker/internal/sshmanager"
	"github.com/gluk-w/sshbroker/internal/sshtest"
)

const testPassword = "hunter2"

// connectedRegistry starts a test server and connects to it with ssh_connect.
func connectedRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	srv := sshtest.Start(t, sshtest.Options{Password: testPassword})
	m, err := sshmanager.NewManager(sshmanager.Options{
		Link:          sshlink.Options{ConnectTimeout: 5 * time.Second, ProbeTimeout: 2 * time.Second},
		PollInterval:  10 * time.Millisecond,
		SettleDelay:   50 * time.Millisecond,
		IdleThreshold: time.Hour,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Shutdown)
	files := sshfiles.New(m, nil)
	t.Cleanup(files.Close)
	r := New(Deps{Manager: m, Files: files, DefaultTimeout: 10 * time.Second})

	resp := r.Dispatch(context.Background(), "ssh_connect", map[string]any{
		"host":     srv.Host,
		"username": "tester",
		"port":     srv.Port,
		"password": testPassword,
	})
	if resp.IsError {
		t.Fatalf("ssh_connect failed: %s", resp.Text)
	}
	out := decodeResponse(t, resp)
	id, _ := out["connection_id"].(string)
	if id == "" {
		t.Fatalf("no connection_id in %s", resp.Text)
	}
	return r, id
}

func TestConnectBadPasswordKeepsErrorPayload(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{Password: testPassword})
	r := newTestRegistry(t)

	resp := r.Dispatch(context.Background(), "ssh_connect", map[string]any{
		"host":     srv.Host,
		"username": "tester",
		"port":     srv.Port,
		"password": "wrong",
	})
	if !resp.IsError {
		t.Fatalf("expected an error response, got %s", resp.Text)
	}
	out := decodeResponse(t, resp)
	conn, _ := out["connection"].(map[string]any)
	if conn["status"] != "error" {
		t.Errorf("connection status = %v", conn["status"])
	}
	if msg, _ := out["message"].(string); !strings.Contains(msg, "authentication failed") {
		t.Errorf("message = %q", msg)
	}

	// The failed link stays listed.
	list := decodeResponse(t, r.Dispatch(context.Background(), "ssh_list_connections", nil))
	if list["count"] != float64(1) {
		t.Errorf("count = %v", list["count"])
	}
}

func TestExecuteTool(t *testing.T) {
	r, id := connectedRegistry(t)
	ctx := context.Background()

	resp := r.Dispatch(ctx, "ssh_execute", map[string]any{"connection_id": id, "command": "echo hello"})
	if resp.IsError {
		t.Fatalf("ssh_execute: %s", resp.Text)
	}
	out := decodeResponse(t, resp)
	if out["stdout"] != "hello\n" || out["exit_code"] != float64(0) {
		t.Errorf("unexpected payload %v", out)
	}

	resp = r.Dispatch(ctx, "ssh_execute", map[string]any{"connection_id": id, "command": "exit 2"})
	if !resp.IsError {
		t.Errorf("nonzero exit should be flagged: %s", resp.Text)
	}
	if out := decodeResponse(t, resp); out["exit_code"] != float64(2) {
		t.Errorf("exit_code = %v", out["exit_code"])
	}
}

func TestAsyncCommandTools(t *testing.T) {
	r, id := connectedRegistry(t)
	ctx := context.Background()

	out := decodeResponse(t, r.Dispatch(ctx, "ssh_start_async_command", map[string]any{
		"connection_id": id,
		"command":       "echo one; echo two",
	}))
	cmdID, _ := out["command_id"].(string)
	if cmdID == "" {
		t.Fatalf("no command_id in %v", out)
	}

	var status map[string]any
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		status = decodeResponse(t, r.Dispatch(ctx, "ssh_get_command_status", map[string]any{"command_id": cmdID}))
		if status["status"] == "completed" {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if status["status"] != "completed" || status["stdout"] != "one\ntwo\n" {
		t.Fatalf("unexpected status %v", status)
	}

	list := decodeResponse(t, r.Dispatch(ctx, "ssh_list_async_commands", nil))
	if list["count"] != float64(1) {
		t.Errorf("count = %v", list["count"])
	}
	cleaned := decodeResponse(t, r.Dispatch(ctx, "ssh_cleanup_commands", map[string]any{"max_age": 0}))
	if cleaned["cleaned"] != float64(1) {
		t.Errorf("cleaned = %v", cleaned["cleaned"])
	}
}

func TestTerminateCommandTool(t *testing.T) {
	r, id := connectedRegistry(t)
	ctx := context.Background()

	out := decodeResponse(t, r.Dispatch(ctx, "ssh_start_async_command", map[string]any{
		"connection_id": id,
		"command":       "sleep 30",
	}))
	cmdID := out["command_id"].(string)

	resp := r.Dispatch(ctx, "ssh_terminate_command", map[string]any{"command_id": cmdID})
	if resp.IsError {
		t.Fatalf("terminate: %s", resp.Text)
	}
	if out := decodeResponse(t, resp); out["status"] != "terminated" {
		t.Errorf("status = %v", out["status"])
	}
	if resp := r.Dispatch(ctx, "ssh_get_command_status", map[string]any{"command_id": cmdID}); !resp.IsError {
		t.Error("a terminated command should be reported as an error")
	}
}

func TestInteractiveTools(t *testing.T) {
	r, id := connectedRegistry(t)
	ctx := context.Background()

	out := decodeResponse(t, r.Dispatch(ctx, "ssh_start_interactive", map[string]any{"connection_id": id}))
	sessionID, _ := out["session_id"].(string)
	if sessionID == "" {
		t.Fatalf("no session_id in %v", out)
	}

	resp := r.Dispatch(ctx, "ssh_send_input", map[string]any{"session_id": sessionID, "input_text": "echo ping-$((1+1))\n"})
	if resp.IsError {
		t.Fatalf("send input: %s", resp.Text)
	}

	var output string
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got := decodeResponse(t, r.Dispatch(ctx, "ssh_get_interactive_output", map[string]any{"session_id": sessionID}))
		output, _ = got["output"].(string)
		if strings.Contains(output, "ping-2") {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !strings.Contains(output, "ping-2") {
		t.Fatalf("output never showed the echo: %q", output)
	}

	list := decodeResponse(t, r.Dispatch(ctx, "ssh_list_interactive_sessions", nil))
	if list["count"] != float64(1) {
		t.Errorf("count = %v", list["count"])
	}
	if resp := r.Dispatch(ctx, "ssh_terminate_interactive", map[string]any{"session_id": sessionID}); resp.IsError {
		t.Fatalf("terminate: %s", resp.Text)
	}
	if resp := r.Dispatch(ctx, "ssh_send_input", map[string]any{"session_id": sessionID, "input_text": "x"}); !resp.IsError {
		t.Error("input to a terminated session should fail")
	}
	cleaned := decodeResponse(t, r.Dispatch(ctx, "ssh_cleanup_interactive", map[string]any{"max_age": 0}))
	if cleaned["cleaned"] != float64(1) {
		t.Errorf("cleaned = %v", cleaned["cleaned"])
	}
}

func TestFileTools(t *testing.T) {
	r, id := connectedRegistry(t)
	ctx := context.Background()
	remote := t.TempDir()
	local := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(local, []byte("remember the milk\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	dir := filepath.Join(remote, "a", "b")
	out := decodeResponse(t, r.Dispatch(ctx, "ssh_create_directory", map[string]any{
		"connection_id": id, "remote_path": dir, "mode": "0700", "parents": true,
	}))
	if out["success"] != true || out["mode"] != "0o700" {
		t.Fatalf("create directory: %v", out)
	}

	target := filepath.Join(dir, "notes.txt")
	out = decodeResponse(t, r.Dispatch(ctx, "ssh_upload_file", map[string]any{
		"connection_id": id, "local_path": local, "remote_path": target,
	}))
	if out["success"] != true || out["bytes_transferred"] != float64(18) {
		t.Fatalf("upload: %v", out)
	}

	out = decodeResponse(t, r.Dispatch(ctx, "ssh_list_directory", map[string]any{"connection_id": id, "remote_path": dir}))
	if out["file_count"] != float64(1) {
		t.Errorf("list: %v", out)
	}

	renamed := filepath.Join(dir, "todo.txt")
	if resp := r.Dispatch(ctx, "ssh_rename", map[string]any{"connection_id": id, "old_path": target, "new_path": renamed}); resp.IsError {
		t.Fatalf("rename: %s", resp.Text)
	}
	out = decodeResponse(t, r.Dispatch(ctx, "ssh_file_info", map[string]any{"connection_id": id, "remote_path": renamed}))
	if out["size"] != float64(18) || out["is_file"] != true {
		t.Errorf("file info: %v", out)
	}

	back := filepath.Join(t.TempDir(), "back.txt")
	if resp := r.Dispatch(ctx, "ssh_download_file", map[string]any{"connection_id": id, "remote_path": renamed, "local_path": back}); resp.IsError {
		t.Fatalf("download: %s", resp.Text)
	}
	if data, _ := os.ReadFile(back); string(data) != "remember the milk\n" {
		t.Errorf("downloaded %q", data)
	}

	top := filepath.Join(remote, "a")
	if resp := r.Dispatch(ctx, "ssh_remove", map[string]any{"connection_id": id, "remote_path": top}); !resp.IsError {
		t.Error("removing a non-empty directory without recursive should fail")
	}
	if resp := r.Dispatch(ctx, "ssh_remove", map[string]any{"connection_id": id, "remote_path": top, "recursive": true}); resp.IsError {
		t.Fatalf("recursive remove: %s", resp.Text)
	}
	if _, err := os.Stat(top); !os.IsNotExist(err) {
		t.Errorf("directory still present: %v", err)
	}
}

func TestDisconnectTools(t *testing.T) {
	r, id := connectedRegistry(t)
	ctx := context.Background()

	status := decodeResponse(t, r.Dispatch(ctx, "ssh_status", map[string]any{"connection_id": id}))
	conn, _ := status["connection"].(map[string]any)
	if conn["status"] != "connected" {
		t.Errorf("status = %v", conn["status"])
	}
	if events, _ := status["events"].([]any); len(events) == 0 {
		t.Error("expected connection events")
	}

	if resp := r.Dispatch(ctx, "ssh_disconnect", map[string]any{"connection_id": id}); resp.IsError {
		t.Fatalf("disconnect: %s", resp.Text)
	}
	if resp := r.Dispatch(ctx, "ssh_execute", map[string]any{"connection_id": id, "command": "true"}); !resp.IsError {
		t.Error("execute on a disconnected id should fail")
	}
	out := decodeResponse(t, r.Dispatch(ctx, "ssh_disconnect_all", nil))
	if out["disconnected"] != float64(0) {
		t.Errorf("disconnected = %v", out["disconnected"])
	}
}
