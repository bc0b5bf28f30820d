// Package sshmanager owns the broker's SSH connections and everything that
// runs on them.
//
// A [Manager] keeps three maps, each behind its own lock:
//   - connections ([sshlink.Link]) keyed by username@host:port;
//   - async commands ([AsyncCommand]) keyed by UUID;
//   - interactive sessions ([InteractiveSession]) keyed by UUID.
//
// # Connection Lifecycle
//
// [Manager.CreateConnection] replaces any link with the same id, checks the
// target allow list and the [RateLimiter], then dials. The link is stored no
// matter how the attempt ends: a failed connect is status "error" with a
// message, not a Go error. Links are removed only by [Manager.Disconnect],
// [Manager.DisconnectAll] or [Manager.Shutdown].
//
// # Background Tasks
//
// Two collectors start with the Manager and tick every PollInterval (50ms by
// default). Remote output is written by the ssh library's copy goroutines
// into pending queues; a collector pass moves it into the command's
// accumulated buffers or the session's [OutputBuffer] and records the exit
// once session.Wait has returned. Status reads run the same pass on demand.
//
// The health loop ([Manager.StartHealthCheck]) probes connected links in
// parallel and demotes dead ones, failing their running commands with exit
// code -1. The keepalive loop ([Manager.StartKeepalive]) sends
// keepalive@openssh.com requests. [Manager.StartCleanupSchedule] drops old
// finished work on a cron schedule.
//
// # State Machine
//
// Commands start "running" and sessions "active". Both end in exactly one of
// completed, failed or terminated; terminal states never change.
package sshmanager
