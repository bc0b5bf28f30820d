// Package sshfiles provides SFTP file operations on broker connections.
//
// Every operation takes a connection id, resolves the live *ssh.Client of
// that connection and runs over a cached [sftp.Client]. Clients are opened
// lazily, one per connection, and dropped when the connection is
// disconnected or replaced, or when its transport changes underneath.
//
// # Operations
//
//   - [Service.Upload] and [Service.Download] copy a single file and report
//     local and remote sizes after the transfer. A size mismatch is reported
//     as a warning, not a failure.
//   - [Service.ListDirectory] splits entries into files and directories.
//   - [Service.CreateDirectory] creates one directory, or a whole path when
//     parents is set, and applies the requested mode.
//   - [Service.Remove] stats the entry first and reports whether a file or a
//     directory was removed. Non-empty directories need recursive=true.
//   - [Service.FileInfo] and [Service.Rename].
//
// Results always carry Success and Error; no operation returns a Go error,
// so callers can render both outcomes the same way.
//
// # Log Prefixes
//
// All operations log timing and result under the sshfiles component.
package sshfiles
