package logutil

import "strings"

// maxLoggedCommand bounds how much of a remote command line ends up in a log entry.
const maxLoggedCommand = 80

// SanitizeForLog removes newlines and control characters from caller-provided
// strings (commands, hosts, paths) so a single value cannot forge extra log lines.
func SanitizeForLog(s string) string {
	s = strings.ReplaceAll(s, "\r\n", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\t", " ")

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= 32 && r != 127 {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// CommandLabel sanitizes a command line and truncates it for logging.
func CommandLabel(cmd string) string {
	cmd = SanitizeForLog(cmd)
	if len(cmd) > maxLoggedCommand {
		return cmd[:maxLoggedCommand] + "..."
	}
	return cmd
}
