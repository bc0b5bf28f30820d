package logging

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	logFile *os.File
	logPath string
	mu      sync.Mutex
)

// Init configures logrus with the given level and tees output to path when
// set. Output goes to stderr; stdout belongs to the stdio tool transport.
func Init(level, path string) error {
	mu.Lock()
	defer mu.Unlock()

	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}
	logrus.SetLevel(lvl)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logrus.SetOutput(os.Stderr)

	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
	logPath = path
	if path == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		logrus.Warnf("cannot create log directory: %v", err)
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		logrus.Warnf("cannot open log file %s: %v", path, err)
		return nil
	}

	logFile = f
	logrus.SetOutput(io.MultiWriter(os.Stderr, logFile))
	logrus.Infof("Logging to file: %s", path)
	return nil
}

// ParseLevel accepts logrus level names in any case, plus WARNING and
// CRITICAL. An empty string means info.
func ParseLevel(level string) (logrus.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "":
		return logrus.InfoLevel, nil
	case "warning":
		return logrus.WarnLevel, nil
	case "critical":
		return logrus.FatalLevel, nil
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return logrus.InfoLevel, fmt.Errorf("invalid log level %q", level)
	}
	return lvl, nil
}

// ReadTail returns the last n lines of the log file. It returns an empty
// string when no log file is configured or it does not exist yet.
func ReadTail(n int) (string, error) {
	mu.Lock()
	path := logPath
	mu.Unlock()

	if path == "" {
		return "", nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("scan log file: %w", err)
	}

	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n"), nil
}

// Close releases the log file, if any, and restores stderr-only output.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if logFile != nil {
		logrus.SetOutput(os.Stderr)
		logFile.Close()
		logFile = nil
	}
	logPath = ""
}
