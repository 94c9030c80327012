package debug

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLogfWritesThroughDiagToRotatedFile(t *testing.T) {
	old := enabled
	enabled = true
	defer func() { enabled = old }()

	path := filepath.Join(t.TempDir(), "bones.log")
	SetLogFile(path, 1)
	defer SetLogFile("", 0)

	Logf("core: columnar cache unreadable, falling back to shards: %v\n", "boom")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading rotated log file: %v", err)
	}
	if !strings.Contains(string(data), "columnar cache unreadable") {
		t.Fatalf("expected Logf's message in the rotated log file, got %q", data)
	}
}

func TestLogfDisabledIsANoOp(t *testing.T) {
	old := enabled
	enabled = false
	defer func() { enabled = old }()

	path := filepath.Join(t.TempDir(), "bones.log")
	SetLogFile(path, 1)
	defer SetLogFile("", 0)

	Logf("should not appear")

	if _, err := os.Stat(path); err == nil {
		t.Fatalf("expected no log file to be created when BONES_DEBUG is unset")
	}
}
