package sshfiles

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/sshbroker/internal/config"
	"github.com/gluk-w/sshbroker/internal/logutil"
	"github.com/gluk-w/sshbroker/internal/metrics"
	"github.com/gluk-w/sshbroker/internal/sshaudit"
	"github.com/gluk-w/sshbroker/internal/sshlink"
)

var logger = logrus.WithField("component", "sshfiles")

// DefaultDirMode is applied by CreateDirectory when no mode is given.
const DefaultDirMode os.FileMode = 0o755

// slowOperation marks operations worth a warning in the log.
const slowOperation = 500 * time.Millisecond

// Source resolves connection ids. *sshmanager.Manager satisfies it.
type Source interface {
	Link(id string) (*sshlink.Link, bool)
	OnDisconnect(fn func(id string))
}

// Recorder receives audit entries. *sshaudit.Auditor satisfies it.
type Recorder interface {
	Log(entry sshaudit.AuditEntry) error
}

type cachedClient struct {
	conn *ssh.Client
	sftp *sftp.Client
}

// Service runs SFTP operations against the connections of a Source.
type Service struct {
	src      Source
	recorder Recorder

	mu      sync.Mutex
	clients map[string]*cachedClient
}

// New creates a Service and registers it to drop cached clients when a
// connection goes away. recorder may be nil.
func New(src Source, recorder Recorder) *Service {
	s := &Service{
		src:      src,
		recorder: recorder,
		clients:  make(map[string]*cachedClient),
	}
	src.OnDisconnect(s.Evict)
	return s
}

// client returns the cached SFTP client of a connection, opening a new one
// when there is none or the connection's transport has changed.
func (s *Service) client(id string) (*sftp.Client, error) {
	link, ok := s.src.Link(id)
	if !ok {
		return nil, fmt.Errorf("connection %s not found", id)
	}
	conn, err := link.Client()
	if err != nil {
		return nil, fmt.Errorf("connection %s: %w", id, err)
	}

	s.mu.Lock()
	if c, ok := s.clients[id]; ok {
		if c.conn == conn {
			s.mu.Unlock()
			return c.sftp, nil
		}
		delete(s.clients, id)
		c.sftp.Close()
	}
	s.mu.Unlock()

	sc, err := sftp.NewClient(conn)
	if err != nil {
		if sshlink.IsTransportError(err) {
			link.MarkFailed(fmt.Sprintf("transport failure: %v", err))
		}
		return nil, fmt.Errorf("open sftp channel: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[id]; ok && c.conn == conn {
		// Lost a race with another caller; keep theirs.
		sc.Close()
		return c.sftp, nil
	}
	s.clients[id] = &cachedClient{conn: conn, sftp: sc}
	logger.Debugf("opened sftp channel on %s", logutil.SanitizeForLog(id))
	return sc, nil
}

// Evict closes and forgets the cached client of a connection.
func (s *Service) Evict(id string) {
	s.mu.Lock()
	c, ok := s.clients[id]
	delete(s.clients, id)
	s.mu.Unlock()
	if ok {
		c.sftp.Close()
		logger.Debugf("closed sftp channel on %s", logutil.SanitizeForLog(id))
	}
}

// Close closes every cached client.
func (s *Service) Close() {
	s.mu.Lock()
	clients := s.clients
	s.clients = make(map[string]*cachedClient)
	s.mu.Unlock()
	for _, c := range clients {
		c.sftp.Close()
	}
}

// finish logs, counts and audits one operation.
func (s *Service) finish(id, op, path string, start time.Time, err error) {
	elapsed := time.Since(start)
	ok := err == nil
	metrics.FileOperations.WithLabelValues(op, metrics.Result(ok)).Inc()

	entry := sshaudit.AuditEntry{
		ConnectionID: id,
		EventType:    sshaudit.EventFileOperation,
		Subject:      op,
		Details:      logutil.SanitizeForLog(path),
		Success:      ok,
		DurationMs:   elapsed.Milliseconds(),
	}
	if err != nil {
		entry.Details += ": " + err.Error()
	}
	if s.recorder != nil {
		if rerr := s.recorder.Log(entry); rerr != nil {
			logger.Debugf("audit write failed: %v", rerr)
		}
	}

	switch {
	case err != nil:
		logger.Warnf("%s %s on %s failed after %s: %v", op, logutil.SanitizeForLog(path), logutil.SanitizeForLog(id), elapsed, err)
	case elapsed > slowOperation:
		logger.Warnf("SLOW %s %s on %s (%s)", op, logutil.SanitizeForLog(path), logutil.SanitizeForLog(id), elapsed)
	default:
		logger.Debugf("%s %s on %s completed in %s", op, logutil.SanitizeForLog(path), logutil.SanitizeForLog(id), elapsed)
	}
}

// TransferResult is the outcome of Upload and Download.
type TransferResult struct {
	Success          bool   `json:"success"`
	LocalPath        string `json:"local_path"`
	RemotePath       string `json:"remote_path"`
	LocalSize        int64  `json:"local_size"`
	RemoteSize       int64  `json:"remote_size"`
	BytesTransferred int64  `json:"bytes_transferred"`
	Warning          string `json:"warning,omitempty"`
	Message          string `json:"message,omitempty"`
	Error            string `json:"error,omitempty"`
}

func (r *TransferResult) checkSizes() {
	if r.LocalSize != r.RemoteSize {
		r.Warning = fmt.Sprintf("size mismatch: local %d bytes, remote %d bytes", r.LocalSize, r.RemoteSize)
	}
}

// Upload copies a local file to the remote path, replacing it.
func (s *Service) Upload(id, localPath, remotePath string) TransferResult {
	start := time.Now()
	localPath = config.ExpandHome(localPath)
	res := TransferResult{LocalPath: localPath, RemotePath: remotePath}

	err := func() error {
		client, err := s.client(id)
		if err != nil {
			return err
		}
		src, err := os.Open(localPath)
		if err != nil {
			return fmt.Errorf("open local file: %w", err)
		}
		defer src.Close()

		dst, err := client.Create(remotePath)
		if err != nil {
			return fmt.Errorf("create remote file: %w", err)
		}
		n, err := io.Copy(dst, src)
		res.BytesTransferred = n
		if cerr := dst.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("upload: %w", err)
		}

		li, err := src.Stat()
		if err != nil {
			return fmt.Errorf("stat local file: %w", err)
		}
		ri, err := client.Stat(remotePath)
		if err != nil {
			return fmt.Errorf("stat remote file: %w", err)
		}
		res.LocalSize, res.RemoteSize = li.Size(), ri.Size()
		return nil
	}()

	s.finish(id, "upload", remotePath, start, err)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	metrics.TransferBytes.WithLabelValues("upload").Add(float64(res.BytesTransferred))
	res.Success = true
	res.checkSizes()
	res.Message = fmt.Sprintf("uploaded %d bytes to %s", res.BytesTransferred, remotePath)
	return res
}

// Download copies a remote file to the local path, creating local parent
// directories as needed.
func (s *Service) Download(id, remotePath, localPath string) TransferResult {
	start := time.Now()
	localPath = config.ExpandHome(localPath)
	res := TransferResult{LocalPath: localPath, RemotePath: remotePath}

	err := func() error {
		client, err := s.client(id)
		if err != nil {
			return err
		}
		src, err := client.Open(remotePath)
		if err != nil {
			return fmt.Errorf("open remote file: %w", err)
		}
		defer src.Close()

		if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
			return fmt.Errorf("create local directory: %w", err)
		}
		dst, err := os.Create(localPath)
		if err != nil {
			return fmt.Errorf("create local file: %w", err)
		}
		n, err := io.Copy(dst, src)
		res.BytesTransferred = n
		if cerr := dst.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("download: %w", err)
		}

		ri, err := src.Stat()
		if err != nil {
			return fmt.Errorf("stat remote file: %w", err)
		}
		li, err := os.Stat(localPath)
		if err != nil {
			return fmt.Errorf("stat local file: %w", err)
		}
		res.LocalSize, res.RemoteSize = li.Size(), ri.Size()
		return nil
	}()

	s.finish(id, "download", remotePath, start, err)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	metrics.TransferBytes.WithLabelValues("download").Add(float64(res.BytesTransferred))
	res.Success = true
	res.checkSizes()
	res.Message = fmt.Sprintf("downloaded %d bytes to %s", res.BytesTransferred, localPath)
	return res
}

// Entry describes one remote file or directory.
type Entry struct {
	Name        string    `json:"name"`
	Size        int64     `json:"size"`
	Permissions string    `json:"permissions"`
	Octal       string    `json:"octal"`
	Owner       uint32    `json:"owner"`
	Group       uint32    `json:"group"`
	Modified    time.Time `json:"modified"`
	IsDirectory bool      `json:"is_directory"`
	IsSymlink   bool      `json:"is_symlink,omitempty"`
}

func newEntry(fi os.FileInfo) Entry {
	e := Entry{
		Name:        fi.Name(),
		Size:        fi.Size(),
		Permissions: fi.Mode().String(),
		Octal:       fmt.Sprintf("%o", fi.Mode().Perm()),
		Modified:    fi.ModTime(),
		IsDirectory: fi.IsDir(),
		IsSymlink:   fi.Mode()&os.ModeSymlink != 0,
	}
	if st, ok := fi.Sys().(*sftp.FileStat); ok {
		e.Owner, e.Group = st.UID, st.GID
	}
	return e
}

// ListResult is the outcome of ListDirectory.
type ListResult struct {
	Success        bool    `json:"success"`
	Path           string  `json:"path"`
	TotalCount     int     `json:"total_count"`
	FileCount      int     `json:"file_count"`
	DirectoryCount int     `json:"directory_count"`
	Files          []Entry `json:"files"`
	Directories    []Entry `json:"directories"`
	Error          string  `json:"error,omitempty"`
}

// ListDirectory lists a remote directory, files and directories apart, each
// sorted by name.
func (s *Service) ListDirectory(id, path string) ListResult {
	start := time.Now()
	res := ListResult{Path: path, Files: []Entry{}, Directories: []Entry{}}

	err := func() error {
		client, err := s.client(id)
		if err != nil {
			return err
		}
		infos, err := client.ReadDir(path)
		if err != nil {
			return fmt.Errorf("list directory: %w", err)
		}
		sort.Slice(infos, func(i, j int) bool { return infos[i].Name() < infos[j].Name() })
		for _, fi := range infos {
			if fi.IsDir() {
				res.Directories = append(res.Directories, newEntry(fi))
			} else {
				res.Files = append(res.Files, newEntry(fi))
			}
		}
		return nil
	}()

	s.finish(id, "list", path, start, err)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Success = true
	res.FileCount = len(res.Files)
	res.DirectoryCount = len(res.Directories)
	res.TotalCount = res.FileCount + res.DirectoryCount
	return res
}

// MkdirResult is the outcome of CreateDirectory.
type MkdirResult struct {
	Success bool   `json:"success"`
	Path    string `json:"path"`
	Mode    string `json:"mode"`
	Parents bool   `json:"parents"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// CreateDirectory creates path with the given mode. With parents set,
// missing parents are created too and an existing directory is not an
// error. A zero mode means DefaultDirMode.
func (s *Service) CreateDirectory(id, path string, mode os.FileMode, parents bool) MkdirResult {
	start := time.Now()
	if mode == 0 {
		mode = DefaultDirMode
	}
	res := MkdirResult{Path: path, Mode: fmt.Sprintf("0o%o", mode.Perm()), Parents: parents}

	err := func() error {
		client, err := s.client(id)
		if err != nil {
			return err
		}
		if parents {
			err = client.MkdirAll(path)
		} else {
			err = client.Mkdir(path)
		}
		if err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
		if err := client.Chmod(path, mode.Perm()); err != nil {
			return fmt.Errorf("set directory mode: %w", err)
		}
		return nil
	}()

	s.finish(id, "mkdir", path, start, err)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Success = true
	res.Message = fmt.Sprintf("created directory %s", path)
	return res
}

// Entry types reported by Remove.
const (
	TypeFile      = "file"
	TypeDirectory = "directory"
)

// RemoveResult is the outcome of Remove.
type RemoveResult struct {
	Success   bool   `json:"success"`
	Path      string `json:"path"`
	Type      string `json:"type,omitempty"`
	Recursive bool   `json:"recursive"`
	Message   string `json:"message,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Remove deletes a remote file or directory. An empty directory is always
// removed; a non-empty one only when recursive is set.
func (s *Service) Remove(id, path string, recursive bool) RemoveResult {
	start := time.Now()
	res := RemoveResult{Path: path, Recursive: recursive}

	err := func() error {
		client, err := s.client(id)
		if err != nil {
			return err
		}
		fi, err := client.Lstat(path)
		if err != nil {
			return fmt.Errorf("stat: %w", err)
		}
		if !fi.IsDir() {
			res.Type = TypeFile
			if err := client.Remove(path); err != nil {
				return fmt.Errorf("remove file: %w", err)
			}
			return nil
		}

		res.Type = TypeDirectory
		children, err := client.ReadDir(path)
		if err != nil {
			return fmt.Errorf("list directory: %w", err)
		}
		switch {
		case len(children) == 0:
			err = client.RemoveDirectory(path)
		case recursive:
			err = client.RemoveAll(path)
		default:
			return fmt.Errorf("directory %s is not empty (%d entries); set recursive to remove it", path, len(children))
		}
		if err != nil {
			return fmt.Errorf("remove directory: %w", err)
		}
		return nil
	}()

	s.finish(id, "remove", path, start, err)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Success = true
	res.Message = fmt.Sprintf("removed %s %s", res.Type, path)
	return res
}

// InfoResult is the outcome of FileInfo.
type InfoResult struct {
	Success     bool       `json:"success"`
	Path        string     `json:"path"`
	Size        int64      `json:"size"`
	Permissions string     `json:"permissions"`
	Octal       string     `json:"octal"`
	Owner       uint32     `json:"owner"`
	Group       uint32     `json:"group"`
	IsDirectory bool       `json:"is_directory"`
	IsFile      bool       `json:"is_file"`
	Modified    *time.Time `json:"modified,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// FileInfo stats a remote path, following symlinks.
func (s *Service) FileInfo(id, path string) InfoResult {
	start := time.Now()
	res := InfoResult{Path: path}

	var fi os.FileInfo
	err := func() error {
		client, err := s.client(id)
		if err != nil {
			return err
		}
		fi, err = client.Stat(path)
		if err != nil {
			return fmt.Errorf("stat: %w", err)
		}
		return nil
	}()

	s.finish(id, "stat", path, start, err)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	e := newEntry(fi)
	mod := e.Modified
	res.Success = true
	res.Size = e.Size
	res.Permissions = e.Permissions
	res.Octal = e.Octal
	res.Owner, res.Group = e.Owner, e.Group
	res.IsDirectory = fi.IsDir()
	res.IsFile = fi.Mode().IsRegular()
	res.Modified = &mod
	return res
}

// RenameResult is the outcome of Rename.
type RenameResult struct {
	Success bool   `json:"success"`
	OldPath string `json:"old_path"`
	NewPath string `json:"new_path"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Rename moves a remote path.
func (s *Service) Rename(id, oldPath, newPath string) RenameResult {
	start := time.Now()
	res := RenameResult{OldPath: oldPath, NewPath: newPath}

	err := func() error {
		client, err := s.client(id)
		if err != nil {
			return err
		}
		if err := client.Rename(oldPath, newPath); err != nil {
			return fmt.Errorf("rename: %w", err)
		}
		return nil
	}()

	s.finish(id, "rename", oldPath, start, err)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Success = true
	res.Message = fmt.Sprintf("renamed %s to %s", oldPath, newPath)
	return res
}
