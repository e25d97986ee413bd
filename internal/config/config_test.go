package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("默认配置应可加载: %v", err)
	}

	if cfg.Monitor.ReconcileInterval != 30*time.Second {
		t.Fatalf("reconcile_interval 默认值不正确: %v", cfg.Monitor.ReconcileInterval)
	}
	if cfg.Monitor.PollInterval != 12*time.Second {
		t.Fatalf("poll_interval 默认值不正确: %v", cfg.Monitor.PollInterval)
	}
	if cfg.Wildberries.MinRequestSpacing != 10*time.Second {
		t.Fatalf("min_request_spacing 默认值不正确: %v", cfg.Wildberries.MinRequestSpacing)
	}
	if cfg.Booking.MaxAttempts != 3 {
		t.Fatalf("max_attempts 默认值不正确: %d", cfg.Booking.MaxAttempts)
	}
	if cfg.Booking.RetryDelay != 3*time.Second {
		t.Fatalf("retry_delay 默认值不正确: %v", cfg.Booking.RetryDelay)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
monitor:
  poll_interval: 20s
wildberries:
  min_request_spacing: 15s
booking:
  max_attempts: 5
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("配置文件应可加载: %v", err)
	}

	if cfg.Monitor.PollInterval != 20*time.Second {
		t.Fatalf("文件值应覆盖默认: %v", cfg.Monitor.PollInterval)
	}
	if cfg.Wildberries.MinRequestSpacing != 15*time.Second {
		t.Fatalf("文件值应覆盖默认: %v", cfg.Wildberries.MinRequestSpacing)
	}
	if cfg.Booking.MaxAttempts != 5 {
		t.Fatalf("文件值应覆盖默认: %d", cfg.Booking.MaxAttempts)
	}
	// Untouched keys keep their defaults.
	if cfg.Monitor.ReconcileInterval != 30*time.Second {
		t.Fatalf("未覆盖的键应保留默认: %v", cfg.Monitor.ReconcileInterval)
	}
}

func TestValidateTelegramToken(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("默认配置应可加载: %v", err)
	}

	cfg.Alerting.Telegram.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Fatal("启用 Telegram 而无 bot_token 应校验失败")
	}

	cfg.Alerting.Telegram.BotToken = "token"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("有 bot_token 应通过校验: %v", err)
	}
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := &Config{Export: ExportConfig{MaxDataPoints: 500}}

	if got := cfg.ResolveMaxPoints(0); got != 500 {
		t.Fatalf("无覆盖时应取配置值: %d", got)
	}
	if got := cfg.ResolveMaxPoints(50); got != 50 {
		t.Fatalf("覆盖值应优先: %d", got)
	}
}
