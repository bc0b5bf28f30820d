package logging

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want logrus.Level
	}{
		{"", logrus.InfoLevel},
		{"DEBUG", logrus.DebugLevel},
		{"info", logrus.InfoLevel},
		{"WARNING", logrus.WarnLevel},
		{"error", logrus.ErrorLevel},
		{"CRITICAL", logrus.FatalLevel},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if err != nil {
			t.Errorf("ParseLevel(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	if _, err := ParseLevel("chatty"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestInitTeesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "broker.log")
	if err := Init("debug", path); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(Close)

	logrus.Info("first line")
	logrus.Info("second line")

	tail, err := ReadTail(1)
	if err != nil {
		t.Fatalf("ReadTail: %v", err)
	}
	if !strings.Contains(tail, "second line") || strings.Contains(tail, "first line") {
		t.Errorf("unexpected tail %q", tail)
	}
}

func TestReadTailWithoutFile(t *testing.T) {
	Close()
	tail, err := ReadTail(10)
	if err != nil {
		t.Fatalf("ReadTail: %v", err)
	}
	if tail != "" {
		t.Errorf("expected empty tail, got %q", tail)
	}
}
