package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

// writeTempConfig creates a minimal configuration file required for LoadConfig
// and returns its path.
func writeTempConfig(t *testing.T) string {
	t.Helper()
	content := `cryptomon:
  name: "TestApp"
  version: "1.0"
feed:
  url: "wss://example.test/ws"
  symbols: ["btcusdt", "ETHUSDT"]
batcher:
  batch_size: 50
  flush_interval: 2s
  high_water_mark: 10000
storage:
  fallback_path: "/tmp/cryptomon-fallback.log"
  s3:
    enabled: false
`
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	return f.Name()
}

func TestLoadConfig(t *testing.T) {
	path := writeTempConfig(t)
	defer os.Remove(path)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Cryptomon.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Cryptomon.Name)
	}
	if cfg.Batcher.BatchSize != 50 {
		t.Errorf("unexpected batch size: %d", cfg.Batcher.BatchSize)
	}
	if cfg.Batcher.FlushInterval != 2*time.Second {
		t.Errorf("unexpected flush interval: %v", cfg.Batcher.FlushInterval)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeTempConfig(t)
	defer os.Remove(path)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Trades.Capacity != 1000 {
		t.Errorf("expected default trade capacity 1000, got %d", cfg.Trades.Capacity)
	}
	if cfg.Book.ResyncBuffer != 512 {
		t.Errorf("expected default resync buffer 512, got %d", cfg.Book.ResyncBuffer)
	}
	if cfg.Feed.Backoff.Max != time.Minute {
		t.Errorf("expected default backoff cap 1m, got %v", cfg.Feed.Backoff.Max)
	}
}

func TestLoadConfigUppercasesSymbols(t *testing.T) {
	path := writeTempConfig(t)
	defer os.Remove(path)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	for _, s := range cfg.Feed.Symbols {
		if s != strings.ToUpper(s) {
			t.Errorf("symbol not uppercased: %s", s)
		}
	}
	if cfg.Feed.Symbols[0] != "BTCUSDT" {
		t.Errorf("unexpected first symbol: %s", cfg.Feed.Symbols[0])
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	content := `cryptomon:
  name: "TestApp"
  version: "1.0"
feed:
  url: "wss://example.test/ws"
  symbols: ["BTCUSDT"]
batcher:
  batch_size: 100
  flush_interval: 2s
  high_water_mark: 10
storage:
  fallback_path: "/tmp/f.log"
`
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	defer os.Remove(f.Name())
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()

	if _, err := LoadConfig(f.Name()); err == nil {
		t.Fatal("expected error for high_water_mark below batch_size")
	}
}
