package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

type transferArgs struct {
	ConnectionID string `json:"connection_id"`
	LocalPath    string `json:"local_path"`
	RemotePath   string `json:"remote_path"`
}

type remotePathArgs struct {
	ConnectionID string `json:"connection_id"`
	RemotePath   string `json:"remote_path"`
	Recursive    bool   `json:"recursive"`
}

type mkdirArgs struct {
	ConnectionID string `json:"connection_id"`
	RemotePath   string `json:"remote_path"`
	Mode         string `json:"mode"`
	Parents      bool   `json:"parents"`
}

type renameArgs struct {
	ConnectionID string `json:"connection_id"`
	OldPath      string `json:"old_path"`
	NewPath      string `json:"new_path"`
}

// parseMode reads an octal permission string such as "755", "0755" or
// "0o755". Empty means 0755.
func parseMode(s string) (os.FileMode, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0o755, nil
	}
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0o"), "0O")
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil || v > 0o7777 {
		return 0, fmt.Errorf("%w: mode %q is not an octal permission", errInvalidArgs, s)
	}
	return os.FileMode(v), nil
}

var paramRemotePath = Param{Name: "remote_path", Kind: KindString, Required: true, Description: "Path on the remote host"}

func (r *Registry) registerFileTools() {
	files := r.deps.Files

	r.Register(&Tool{
		Name:        "ssh_upload_file",
		Description: "Copy a local file to the remote host over SFTP.",
		Params: []Param{
			paramConnectionID,
			{Name: "local_path", Kind: KindString, Required: true, Description: "Path of the local file"},
			paramRemotePath,
		},
		Handler: func(ctx context.Context, raw json.RawMessage) (*Result, error) {
			var a transferArgs
			if err := decode(raw, &a); err != nil {
				return nil, err
			}
			if err := require("connection_id", a.ConnectionID, "local_path", a.LocalPath, "remote_path", a.RemotePath); err != nil {
				return nil, err
			}
			res := files.Upload(a.ConnectionID, a.LocalPath, a.RemotePath)
			return okIf(res.Success, res)
		},
	})

	r.Register(&Tool{
		Name:        "ssh_download_file",
		Description: "Copy a remote file to the local host over SFTP.",
		Params: []Param{
			paramConnectionID,
			paramRemotePath,
			{Name: "local_path", Kind: KindString, Required: true, Description: "Destination path on the local host"},
		},
		Handler: func(ctx context.Context, raw json.RawMessage) (*Result, error) {
			var a transferArgs
			if err := decode(raw, &a); err != nil {
				return nil, err
			}
			if err := require("connection_id", a.ConnectionID, "remote_path", a.RemotePath, "local_path", a.LocalPath); err != nil {
				return nil, err
			}
			res := files.Download(a.ConnectionID, a.RemotePath, a.LocalPath)
			return okIf(res.Success, res)
		},
	})

	r.Register(&Tool{
		Name:        "ssh_list_directory",
		Description: "List a remote directory.",
		Params:      []Param{paramConnectionID, paramRemotePath},
		Handler: func(ctx context.Context, raw json.RawMessage) (*Result, error) {
			var a remotePathArgs
			if err := decode(raw, &a); err != nil {
				return nil, err
			}
			if err := require("connection_id", a.ConnectionID, "remote_path", a.RemotePath); err != nil {
				return nil, err
			}
			res := files.ListDirectory(a.ConnectionID, a.RemotePath)
			return okIf(res.Success, res)
		},
	})

	r.Register(&Tool{
		Name:        "ssh_create_directory",
		Description: "Create a remote directory.",
		Params: []Param{
			paramConnectionID,
			paramRemotePath,
			{Name: "mode", Kind: KindString, Default: "0755", Description: "Octal permissions"},
			{Name: "parents", Kind: KindBoolean, Default: false, Description: "Create missing parent directories"},
		},
		Handler: func(ctx context.Context, raw json.RawMessage) (*Result, error) {
			var a mkdirArgs
			if err := decode(raw, &a); err != nil {
				return nil, err
			}
			if err := require("connection_id", a.ConnectionID, "remote_path", a.RemotePath); err != nil {
				return nil, err
			}
			mode, err := parseMode(a.Mode)
			if err != nil {
				return nil, err
			}
			res := files.CreateDirectory(a.ConnectionID, a.RemotePath, mode, a.Parents)
			return okIf(res.Success, res)
		},
	})

	r.Register(&Tool{
		Name:        "ssh_remove",
		Description: "Remove a remote file or directory. Non-empty directories need recursive=true.",
		Params: []Param{
			paramConnectionID,
			paramRemotePath,
			{Name: "recursive", Kind: KindBoolean, Default: false, Description: "Remove non-empty directories with their contents"},
		},
		Handler: func(ctx context.Context, raw json.RawMessage) (*Result, error) {
			var a remotePathArgs
			if err := decode(raw, &a); err != nil {
				return nil, err
			}
			if err := require("connection_id", a.ConnectionID, "remote_path", a.RemotePath); err != nil {
				return nil, err
			}
			res := files.Remove(a.ConnectionID, a.RemotePath, a.Recursive)
			return okIf(res.Success, res)
		},
	})

	r.Register(&Tool{
		Name:        "ssh_file_info",
		Description: "Metadata of a remote path.",
		Params:      []Param{paramConnectionID, paramRemotePath},
		Handler: func(ctx context.Context, raw json.RawMessage) (*Result, error) {
			var a remotePathArgs
			if err := decode(raw, &a); err != nil {
				return nil, err
			}
			if err := require("connection_id", a.ConnectionID, "remote_path", a.RemotePath); err != nil {
				return nil, err
			}
			res := files.FileInfo(a.ConnectionID, a.RemotePath)
			return okIf(res.Success, res)
		},
	})

	r.Register(&Tool{
		Name:        "ssh_rename",
		Description: "Rename or move a remote path.",
		Params: []Param{
			paramConnectionID,
			{Name: "old_path", Kind: KindString, Required: true, Description: "Existing remote path"},
			{Name: "new_path", Kind: KindString, Required: true, Description: "New remote path"},
		},
		Handler: func(ctx context.Context, raw json.RawMessage) (*Result, error) {
			var a renameArgs
			if err := decode(raw, &a); err != nil {
				return nil, err
			}
			if err := require("connection_id", a.ConnectionID, "old_path", a.OldPath, "new_path", a.NewPath); err != nil {
				return nil, err
			}
			res := files.Rename(a.ConnectionID, a.OldPath, a.NewPath)
			return okIf(res.Success, res)
		},
	})
}
