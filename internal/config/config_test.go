package config

import (
	"os"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp("", "config_test_*.json")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Remove(f.Name()) })
	f.WriteString(content)
	f.Close()
	return f.Name()
}

func TestGetActiveEnv_Local(t *testing.T) {
	u := UpstreamRouter{
		ActiveEnv: "local",
		Local:     EnvConfig{BaseURL: "http://local"},
		Remote:    EnvConfig{BaseURL: "http://remote"},
	}
	if env := u.GetActiveEnv(); env.BaseURL != "http://local" {
		t.Errorf("expected http://local, got %s", env.BaseURL)
	}
}

func TestGetActiveEnv_Remote(t *testing.T) {
	u := UpstreamRouter{
		ActiveEnv: "remote",
		Local:     EnvConfig{BaseURL: "http://local"},
		Remote:    EnvConfig{BaseURL: "http://remote"},
	}
	if env := u.GetActiveEnv(); env.BaseURL != "http://remote" {
		t.Errorf("expected http://remote, got %s", env.BaseURL)
	}
}

func TestGetActiveEnv_DefaultsToLocal(t *testing.T) {
	u := UpstreamRouter{
		ActiveEnv: "unknown",
		Local:     EnvConfig{BaseURL: "http://local"},
		Remote:    EnvConfig{BaseURL: "http://remote"},
	}
	if env := u.GetActiveEnv(); env.BaseURL != "http://local" {
		t.Errorf("unknown env should fall back to local, got %s", env.BaseURL)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Aggregator.MaxHistory != 100 {
		t.Errorf("expected max_history=100, got %d", cfg.Aggregator.MaxHistory)
	}
	if cfg.Aggregator.DepthLevels != 10 {
		t.Errorf("expected depth_levels=10, got %d", cfg.Aggregator.DepthLevels)
	}
	if cfg.Aggregator.TapeSize != 15 {
		t.Errorf("expected tape_size=15, got %d", cfg.Aggregator.TapeSize)
	}
	if cfg.Poll.BestPrices != time.Second || cfg.Poll.Tape != 1500*time.Millisecond || cfg.Poll.Health != 10*time.Second {
		t.Errorf("unexpected poll defaults: %+v", cfg.Poll)
	}
	if cfg.Kafka.BestBidTopic != "best-bid-updates" {
		t.Errorf("expected best-bid-updates, got %s", cfg.Kafka.BestBidTopic)
	}
}

func TestLoadConfig_FileAndEnvOverride(t *testing.T) {
	path := writeTempConfig(t, `{
		"upstream": {
			"active_env": "remote",
			"local": {"base_url": "http://127.0.0.1:8000"},
			"remote": {"base_url": "http://file-remote:8000", "request_timeout": "2s"}
		},
		"aggregator": {"depth_levels": 20, "validation": "drop"},
		"redis": {"addr": "10.0.0.1:6379", "password": "file_secret", "db": 3}
	}`)

	t.Setenv("MARKETDASH_REDIS_PASSWORD", "env_secret")
	t.Setenv("MARKETDASH_POLL_DEPTH", "750ms")
	t.Setenv("MARKETDASH_AGGREGATOR_MERGE_DUPLICATE_PRICES", "true")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	env := cfg.Upstream.GetActiveEnv()
	if env.BaseURL != "http://file-remote:8000" {
		t.Errorf("expected remote base url from file, got %s", env.BaseURL)
	}
	if env.RequestTimeout != 2*time.Second {
		t.Errorf("expected 2s request timeout, got %v", env.RequestTimeout)
	}
	// 文件里没写 probe_timeout，应保留默认值
	if env.ProbeTimeout != 3*time.Second {
		t.Errorf("expected default probe timeout, got %v", env.ProbeTimeout)
	}
	if cfg.Aggregator.DepthLevels != 20 || cfg.Aggregator.Validation != "drop" {
		t.Errorf("file values not applied: %+v", cfg.Aggregator)
	}
	if cfg.Redis.Password != "env_secret" {
		t.Errorf("env var should override redis password, got %s", cfg.Redis.Password)
	}
	if cfg.Redis.DB != 3 {
		t.Errorf("file value should remain when no env var set, got %d", cfg.Redis.DB)
	}
	if cfg.Poll.Depth != 750*time.Millisecond {
		t.Errorf("env var should override poll.depth, got %v", cfg.Poll.Depth)
	}
	if !cfg.Aggregator.MergeDuplicatePrices {
		t.Error("env var should enable merge_duplicate_prices")
	}
}

func TestLoadConfig_InvalidPath(t *testing.T) {
	_, err := LoadConfig("/nonexistent/path/config.json")
	if err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestLoadConfig_InvalidJSON(t *testing.T) {
	path := writeTempConfig(t, "{invalid json}")
	if _, err := LoadConfig(path); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestLoadConfig_RejectsBadValidationMode(t *testing.T) {
	path := writeTempConfig(t, `{"aggregator": {"validation": "sometimes"}}`)
	if _, err := LoadConfig(path); err == nil {
		t.Error("expected error for unknown validation mode")
	}
}

func TestLoadConfig_RejectsEmptyRemote(t *testing.T) {
	t.Setenv("MARKETDASH_UPSTREAM_ACTIVE_ENV", "remote")
	if _, err := LoadConfig(""); err == nil {
		t.Error("expected error when remote env has no base_url")
	}
}

func TestValidate_NonPositiveInterval(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	cfg.Poll.Health = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero health interval")
	}
}
