package core

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseConfig_Defaults(t *testing.T) {
	cfg, err := ParseConfig([]byte(""), "empty.yaml")
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	def := DefaultConfig()
	if cfg.ExecutionTimeout != def.ExecutionTimeout {
		t.Errorf("ExecutionTimeout = %d, want %d", cfg.ExecutionTimeout, def.ExecutionTimeout)
	}
	if cfg.ReplyRetries != def.ReplyRetries {
		t.Errorf("ReplyRetries = %d, want %d", cfg.ReplyRetries, def.ReplyRetries)
	}
	if cfg.Remote.Codec != "brotli" {
		t.Errorf("Remote.Codec = %q, want brotli", cfg.Remote.Codec)
	}
}

func TestParseConfig_Sizes(t *testing.T) {
	data := []byte(`
workers: 3
execution_timeout_ms: 250
memory_limit: 64MiB
reply_timeout_ms: 1500
queue_depth: 8
remote:
  compress_threshold: 16KiB
  codec: lz4
`)
	cfg, err := ParseConfig(data, "vmhost.yaml")
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.Workers != 3 {
		t.Errorf("Workers = %d, want 3", cfg.Workers)
	}
	if cfg.MemoryLimit != 64*1024*1024 {
		t.Errorf("MemoryLimit = %d, want %d", cfg.MemoryLimit, 64*1024*1024)
	}
	if cfg.ReplyTimeout != 1500 {
		t.Errorf("ReplyTimeout = %d, want 1500", cfg.ReplyTimeout)
	}
	if cfg.QueueDepth != 8 {
		t.Errorf("QueueDepth = %d, want 8", cfg.QueueDepth)
	}
	if cfg.Remote.CompressThreshold != 16*1024 {
		t.Errorf("CompressThreshold = %d, want %d", cfg.Remote.CompressThreshold, 16*1024)
	}
	if cfg.Remote.Codec != "lz4" {
		t.Errorf("Codec = %q, want lz4", cfg.Remote.Codec)
	}
	if got := cfg.MemoryLimitString(); got != "64MiB" {
		t.Errorf("MemoryLimitString = %q, want 64MiB", got)
	}
}

func TestParseConfig_BadMemoryLimit(t *testing.T) {
	_, err := ParseConfig([]byte("memory_limit: lots\n"), "bad.yaml")
	if err == nil {
		t.Fatal("expected error for unparsable memory_limit")
	}
	if !strings.Contains(err.Error(), "bad.yaml") {
		t.Errorf("error should name the file, got %v", err)
	}
}

func TestParseConfig_UnknownCodec(t *testing.T) {
	_, err := ParseConfig([]byte("remote:\n  codec: zstd\n"), "codec.yaml")
	if err == nil || !strings.Contains(err.Error(), "zstd") {
		t.Fatalf("expected unknown codec error, got %v", err)
	}
}

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vmhost.yaml")
	if err := os.WriteFile(path, []byte("reply_retries: 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.ReplyRetries != 2 {
		t.Errorf("ReplyRetries = %d, want 2", cfg.ReplyRetries)
	}
}

func TestLoadConfig_Missing(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
}

func TestProtocolError_Message(t *testing.T) {
	err := &ProtocolError{VM: 7, Op: "reply", Expected: "WaitBlock", Observed: "Init", Err: ErrNoSuspendedCall}
	if !errors.Is(err, ErrNoSuspendedCall) {
		t.Error("ProtocolError should unwrap to its cause")
	}
	if !strings.Contains(err.Error(), "vm 7") || !strings.Contains(err.Error(), "Init") {
		t.Errorf("unexpected message %q", err.Error())
	}
}
