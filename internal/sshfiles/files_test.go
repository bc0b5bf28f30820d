package sshfiles

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gluk-w/sshbroker/internal/sshaudit"
	"github.com/gluk-w/sshbroker/internal/sshlink"
	"github.com/gluk-w/sshbroker/internal/sshmanager"
	"github.com/gluk-w/sshbroker/internal/sshtest"
)

const testPassword = "secret"

type memoryRecorder struct {
	mu      sync.Mutex
	entries []sshaudit.AuditEntry
}

func (r *memoryRecorder) Log(e sshaudit.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

// setup connects a manager to an in-process server whose sftp subsystem
// serves the local filesystem, and returns the service, the connection id
// and a scratch directory standing in for the remote side.
func setup(t *testing.T) (*Service, *sshmanager.Manager, string, string) {
	t.Helper()
	srv := sshtest.Start(t, sshtest.Options{Password: testPassword})

	m, err := sshmanager.NewManager(sshmanager.Options{
		Link:         sshlink.Options{ConnectTimeout: 5 * time.Second, ProbeTimeout: 2 * time.Second},
		PollInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(m.Shutdown)

	id, err := m.CreateConnection(context.Background(), srv.Host, "tester", srv.Port, sshlink.Credentials{Password: testPassword})
	if err != nil {
		t.Fatalf("CreateConnection: %v", err)
	}
	if info, _ := m.Status(id); info.Status != "connected" {
		t.Fatalf("not connected: %+v", info)
	}

	svc := New(m, nil)
	t.Cleanup(svc.Close)
	return svc, m, id, t.TempDir()
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestUploadAndDownload(t *testing.T) {
	svc, _, id, remote := setup(t)
	local := t.TempDir()

	src := filepath.Join(local, "hello.txt")
	writeFile(t, src, "hello world")

	up := svc.Upload(id, src, filepath.Join(remote, "hello.txt"))
	if !up.Success {
		t.Fatalf("upload failed: %s", up.Error)
	}
	if up.LocalSize != 11 || up.RemoteSize != 11 || up.BytesTransferred != 11 || up.Warning != "" {
		t.Errorf("unexpected upload result %+v", up)
	}
	got, err := os.ReadFile(filepath.Join(remote, "hello.txt"))
	if err != nil || string(got) != "hello world" {
		t.Fatalf("remote content = %q, %v", got, err)
	}

	dst := filepath.Join(local, "nested", "dir", "copy.txt")
	down := svc.Download(id, filepath.Join(remote, "hello.txt"), dst)
	if !down.Success {
		t.Fatalf("download failed: %s", down.Error)
	}
	if down.LocalSize != 11 || down.RemoteSize != 11 {
		t.Errorf("unexpected download result %+v", down)
	}
	if got, _ := os.ReadFile(dst); string(got) != "hello world" {
		t.Errorf("local content = %q", got)
	}
}

func TestUploadMissingLocalFile(t *testing.T) {
	svc, _, id, remote := setup(t)

	res := svc.Upload(id, filepath.Join(t.TempDir(), "nope"), filepath.Join(remote, "x"))
	if res.Success || !strings.Contains(res.Error, "open local file") {
		t.Errorf("expected local open failure, got %+v", res)
	}
}

func TestDownloadMissingRemoteFile(t *testing.T) {
	svc, _, id, remote := setup(t)

	res := svc.Download(id, filepath.Join(remote, "nope"), filepath.Join(t.TempDir(), "x"))
	if res.Success || res.Error == "" {
		t.Errorf("expected failure, got %+v", res)
	}
}

func TestListDirectory(t *testing.T) {
	svc, _, id, remote := setup(t)
	writeFile(t, filepath.Join(remote, "b.txt"), "bb")
	writeFile(t, filepath.Join(remote, "a.txt"), "a")
	if err := os.Mkdir(filepath.Join(remote, "sub"), 0755); err != nil {
		t.Fatal(err)
	}

	res := svc.ListDirectory(id, remote)
	if !res.Success {
		t.Fatalf("list failed: %s", res.Error)
	}
	if res.TotalCount != 3 || res.FileCount != 2 || res.DirectoryCount != 1 {
		t.Fatalf("unexpected counts %+v", res)
	}
	if res.Files[0].Name != "a.txt" || res.Files[1].Name != "b.txt" || res.Files[1].Size != 2 {
		t.Errorf("unexpected files %+v", res.Files)
	}
	dir := res.Directories[0]
	if dir.Name != "sub" || !dir.IsDirectory || !strings.HasPrefix(dir.Permissions, "d") {
		t.Errorf("unexpected directory entry %+v", dir)
	}
	if res.Files[0].Permissions != "-rw-r--r--" || res.Files[0].Octal != "644" {
		t.Errorf("unexpected permissions %q / %q", res.Files[0].Permissions, res.Files[0].Octal)
	}
	if res.Files[0].Owner != uint32(os.Getuid()) {
		t.Errorf("owner = %d, want %d", res.Files[0].Owner, os.Getuid())
	}
}

func TestListDirectoryEmptyAndMissing(t *testing.T) {
	svc, _, id, remote := setup(t)

	res := svc.ListDirectory(id, remote)
	if !res.Success || res.TotalCount != 0 || res.Files == nil || res.Directories == nil {
		t.Errorf("expected empty non-nil listing, got %+v", res)
	}

	res = svc.ListDirectory(id, filepath.Join(remote, "missing"))
	if res.Success || res.Error == "" {
		t.Errorf("expected failure, got %+v", res)
	}
}

func TestCreateDirectory(t *testing.T) {
	svc, _, id, remote := setup(t)

	res := svc.CreateDirectory(id, filepath.Join(remote, "one"), 0o700, false)
	if !res.Success || res.Mode != "0o700" || res.Parents {
		t.Fatalf("unexpected result %+v", res)
	}
	fi, err := os.Stat(filepath.Join(remote, "one"))
	if err != nil || !fi.IsDir() || fi.Mode().Perm() != 0o700 {
		t.Errorf("directory not created with mode 0700: %v %v", fi, err)
	}

	deep := filepath.Join(remote, "a", "b", "c")
	if res := svc.CreateDirectory(id, deep, 0, false); res.Success {
		t.Error("expected failure without parents")
	}
	res = svc.CreateDirectory(id, deep, 0, true)
	if !res.Success || res.Mode != "0o755" || !res.Parents {
		t.Fatalf("unexpected result %+v", res)
	}
	if _, err := os.Stat(deep); err != nil {
		t.Errorf("nested directory missing: %v", err)
	}
}

func TestRemove(t *testing.T) {
	svc, _, id, remote := setup(t)

	file := filepath.Join(remote, "f.txt")
	writeFile(t, file, "x")
	res := svc.Remove(id, file, false)
	if !res.Success || res.Type != TypeFile {
		t.Fatalf("unexpected file removal %+v", res)
	}
	if _, err := os.Stat(file); !os.IsNotExist(err) {
		t.Error("file still exists")
	}

	empty := filepath.Join(remote, "empty")
	os.Mkdir(empty, 0755)
	res = svc.Remove(id, empty, false)
	if !res.Success || res.Type != TypeDirectory || res.Recursive {
		t.Fatalf("unexpected empty directory removal %+v", res)
	}

	full := filepath.Join(remote, "full")
	os.MkdirAll(filepath.Join(full, "inner"), 0755)
	writeFile(t, filepath.Join(full, "inner", "g.txt"), "g")

	res = svc.Remove(id, full, false)
	if res.Success || res.Type != TypeDirectory || !strings.Contains(res.Error, "not empty (1 entries)") {
		t.Fatalf("expected refusal, got %+v", res)
	}
	res = svc.Remove(id, full, true)
	if !res.Success || !res.Recursive {
		t.Fatalf("recursive removal failed: %+v", res)
	}
	if _, err := os.Stat(full); !os.IsNotExist(err) {
		t.Error("directory still exists")
	}

	if res := svc.Remove(id, filepath.Join(remote, "ghost"), false); res.Success {
		t.Error("removing a missing path must fail")
	}
}

func TestFileInfo(t *testing.T) {
	svc, _, id, remote := setup(t)
	file := filepath.Join(remote, "info.txt")
	writeFile(t, file, "12345")

	res := svc.FileInfo(id, file)
	if !res.Success || res.Size != 5 || !res.IsFile || res.IsDirectory || res.Octal != "644" || res.Modified == nil {
		t.Errorf("unexpected file info %+v", res)
	}

	res = svc.FileInfo(id, remote)
	if !res.Success || !res.IsDirectory || res.IsFile {
		t.Errorf("unexpected directory info %+v", res)
	}

	if res := svc.FileInfo(id, filepath.Join(remote, "missing")); res.Success || res.Error == "" {
		t.Errorf("expected failure, got %+v", res)
	}
}

func TestRename(t *testing.T) {
	svc, _, id, remote := setup(t)
	oldPath := filepath.Join(remote, "old.txt")
	newPath := filepath.Join(remote, "new.txt")
	writeFile(t, oldPath, "data")

	res := svc.Rename(id, oldPath, newPath)
	if !res.Success || res.OldPath != oldPath || res.NewPath != newPath {
		t.Fatalf("unexpected result %+v", res)
	}
	if got, _ := os.ReadFile(newPath); string(got) != "data" {
		t.Errorf("renamed content = %q", got)
	}
}

func TestUnknownAndDisconnectedConnection(t *testing.T) {
	svc, m, id, remote := setup(t)

	res := svc.ListDirectory("ghost@nowhere:22", remote)
	if res.Success || !strings.Contains(res.Error, "not found") {
		t.Errorf("expected not found, got %+v", res)
	}

	if !svc.ListDirectory(id, remote).Success {
		t.Fatal("expected a working listing")
	}
	svc.mu.Lock()
	cached := len(svc.clients)
	svc.mu.Unlock()
	if cached != 1 {
		t.Fatalf("expected one cached client, got %d", cached)
	}

	m.Disconnect(id)
	svc.mu.Lock()
	cached = len(svc.clients)
	svc.mu.Unlock()
	if cached != 0 {
		t.Error("disconnect should evict the cached client")
	}
	if res := svc.FileInfo(id, remote); res.Success {
		t.Error("expected failure after disconnect")
	}
}

func TestReconnectReplacesCachedClient(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{Password: testPassword})
	m, err := sshmanager.NewManager(sshmanager.Options{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Shutdown)
	svc := New(m, nil)
	t.Cleanup(svc.Close)
	remote := t.TempDir()
	creds := sshlink.Credentials{Password: testPassword}

	id, _ := m.CreateConnection(context.Background(), srv.Host, "tester", srv.Port, creds)
	if !svc.ListDirectory(id, remote).Success {
		t.Fatal("first listing failed")
	}
	m.CreateConnection(context.Background(), srv.Host, "tester", srv.Port, creds)
	if res := svc.ListDirectory(id, remote); !res.Success {
		t.Fatalf("listing after reconnect failed: %s", res.Error)
	}
}

func TestOperationsAreAudited(t *testing.T) {
	_, m, id, remote := setup(t)
	rec := &memoryRecorder{}
	svc := New(m, rec)
	defer svc.Close()

	svc.ListDirectory(id, remote)
	svc.FileInfo(id, filepath.Join(remote, "missing"))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.entries) != 2 {
		t.Fatalf("expected 2 audit entries, got %d", len(rec.entries))
	}
	if e := rec.entries[0]; e.EventType != sshaudit.EventFileOperation || e.Subject != "list" || !e.Success {
		t.Errorf("unexpected entry %+v", e)
	}
	if e := rec.entries[1]; e.Subject != "stat" || e.Success {
		t.Errorf("unexpected entry %+v", e)
	}
}
