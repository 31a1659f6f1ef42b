package bootstrap

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"go.uber.org/zap"

	"warden/storage"
)

func TestContainsIgnoreCase(t *testing.T) {
	tests := []struct {
		s        string
		substr   string
		expected bool
	}{
		{"Hello World", "hello", true},
		{"Hello World", "WORLD", true},
		{"Hello World", "xyz", false},
		{"", "", true},
		{"", "abc", false},
		{"connection refused", "Connection Refused", true},
	}

	for _, tt := range tests {
		t.Run(tt.s+"_"+tt.substr, func(t *testing.T) {
			if got := containsIgnoreCase(tt.s, tt.substr); got != tt.expected {
				t.Errorf("containsIgnoreCase(%q, %q) = %v, want %v", tt.s, tt.substr, got, tt.expected)
			}
		})
	}
}

func TestClassifyConnectionError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		contains string
	}{
		{"nil error returns empty string", nil, ""},
		{"refused", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, "Connection refused"},
		{"dns", errors.New("dial tcp: lookup clickhouse: no such host"), "Cannot resolve hostname"},
		{"auth", errors.New("code: 516, message: default: Authentication failed"), "Authentication failed"},
		{"other", errors.New("unexpected packet"), "Failed to connect"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ClassifyConnectionError(tt.err, "localhost:9000")
			if tt.contains == "" && result != "" {
				t.Errorf("ClassifyConnectionError() = %q, want empty string", result)
			}
			if tt.contains != "" && !strings.Contains(result, tt.contains) {
				t.Errorf("ClassifyConnectionError() = %q, want to contain %q", result, tt.contains)
			}
		})
	}
}

func TestClassifySQLiteError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		contains string
	}{
		{"nil error returns empty string", nil, ""},
		{"locked", errors.New("database is locked (5) (SQLITE_BUSY)"), "locked by another process"},
		{"permission", errors.New("open /data/warden.db: permission denied"), "Permission denied"},
		{"corrupt", errors.New("database disk image is malformed"), "corrupted"},
		{"read-only", errors.New("attempt to write a read-only database"), "read-only"},
		{"other", errors.New("boom"), "Failed to initialize"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ClassifySQLiteError(tt.err, "/data/warden.db")
			if tt.contains == "" && result != "" {
				t.Errorf("ClassifySQLiteError() = %q, want empty string", result)
			}
			if tt.contains != "" && !strings.Contains(result, tt.contains) {
				t.Errorf("ClassifySQLiteError() = %q, want to contain %q", result, tt.contains)
			}
		})
	}
}

func TestEnsureDataDirectory(t *testing.T) {
	sugar := zap.NewNop().Sugar()
	if err := EnsureDataDirectory(storage.MemoryPath, sugar); err != nil {
		t.Fatalf("memory path: %v", err)
	}

	dir := filepath.Join(t.TempDir(), "a", "b")
	if err := EnsureDataDirectory(filepath.Join(dir, "warden.db"), sugar); err != nil {
		t.Fatalf("EnsureDataDirectory() error = %v", err)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Fatalf("directory %s not created: %v", dir, err)
	}
	if _, err := os.Stat(filepath.Join(dir, ".warden_write_test")); !os.IsNotExist(err) {
		t.Error("write probe was not removed")
	}
}
