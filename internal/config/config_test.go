package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.GetPartSizeBytes() != 10*1024*1024 {
		t.Fatalf("unexpected part size %d", cfg.GetPartSizeBytes())
	}
	if cfg.GetReadSizeBytes() != 1024*1024 {
		t.Fatalf("unexpected read size %d", cfg.GetReadSizeBytes())
	}
	if cfg.MaxWorkers != 4 || cfg.WorkerCount != 4 {
		t.Fatalf("unexpected worker defaults %d/%d", cfg.MaxWorkers, cfg.WorkerCount)
	}
	if cfg.GetMonitorInterval() != 200*time.Millisecond {
		t.Fatalf("unexpected interactive interval %s", cfg.GetMonitorInterval())
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("DOWNLOAD_DIR", "/data")
	t.Setenv("MAX_WORKERS", "2")
	t.Setenv("WORKER_COUNT", "6")
	t.Setenv("PROGRESS_MODE", "log")
	t.Setenv("LOG_INTERVAL", "3s")
	t.Setenv("TASK_STORE", "file")
	t.Setenv("REDIS_HOST", "cache")
	t.Setenv("REDIS_PORT", "6380")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxWorkers != 2 || cfg.WorkerCount != 6 {
		t.Fatalf("unexpected workers %d/%d", cfg.MaxWorkers, cfg.WorkerCount)
	}
	if cfg.GetMonitorInterval() != 3*time.Second {
		t.Fatalf("unexpected log interval %s", cfg.GetMonitorInterval())
	}
	if cfg.GetProgressPath() != filepath.Join("/data", ".progress") {
		t.Fatalf("unexpected progress path %s", cfg.GetProgressPath())
	}
	if cfg.GetRedisAddr() != "cache:6380" {
		t.Fatalf("unexpected redis addr %s", cfg.GetRedisAddr())
	}
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"PART_SIZE_MB":  "0",
		"MAX_WORKERS":   "-1",
		"PROGRESS_MODE": "fancy",
		"TASK_STORE":    "sqlite",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			if _, err := LoadConfig(); err == nil {
				t.Fatalf("expected error for %s=%s", key, value)
			}
		})
	}
}

func TestGetDSN(t *testing.T) {
	cfg := &Config{TiDBUser: "u", TiDBPassword: "p", TiDBHost: "h", TiDBPort: "4000", TiDBDatabase: "d"}
	want := "u:p@tcp(h:4000)/d?charset=utf8mb4&parseTime=True&loc=Local"
	if got := cfg.GetDSN(); got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}
