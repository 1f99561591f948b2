package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, `
api_key: secret
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("got addr %q", cfg.Server.Addr)
	}
	if cfg.Database.DSN != "qwengate.db" {
		t.Errorf("got dsn %q", cfg.Database.DSN)
	}
	if cfg.Tuning.ProviderScanSeconds != 30 {
		t.Errorf("got scan seconds %d", cfg.Tuning.ProviderScanSeconds)
	}
	if !cfg.Audit.SuccessLogs {
		t.Error("expected success_logs default true")
	}
	if cfg.APIKey != "secret" {
		t.Errorf("got api_key %q", cfg.APIKey)
	}
}

func TestLoadClampsScanInterval(t *testing.T) {
	path := writeTempConfig(t, `
tuning:
  provider_scan_seconds: 1
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Tuning.ProviderScanSeconds != minScanSeconds {
		t.Errorf("got %d, want clamped to %d", cfg.Tuning.ProviderScanSeconds, minScanSeconds)
	}
	if cfg.ScanInterval() != minScanSeconds*time.Second {
		t.Errorf("got scan interval %v", cfg.ScanInterval())
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("QWENGATE_TEST_KEY", "from-env")
	path := writeTempConfig(t, `
api_key: ${QWENGATE_TEST_KEY}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.APIKey != "from-env" {
		t.Errorf("got api_key %q", cfg.APIKey)
	}
}

func TestLoadLeavesUnsetEnvVarLiteral(t *testing.T) {
	path := writeTempConfig(t, `
api_key: ${QWENGATE_TEST_UNSET_VAR}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.APIKey != "${QWENGATE_TEST_UNSET_VAR}" {
		t.Errorf("got api_key %q", cfg.APIKey)
	}
}

func TestFullScanIntervalDisabledByDefault(t *testing.T) {
	path := writeTempConfig(t, `api_key: secret`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.FullScanInterval() != 0 {
		t.Errorf("got %v, want 0", cfg.FullScanInterval())
	}
}

func TestLoadQuotaAndProviderKeys(t *testing.T) {
	path := writeTempConfig(t, `
qwen_oauth_client_id: client-123
quota:
  chat:
    daily: 1000
    rpm: 30
  search:
    daily: 100
    rpm: 5
providers:
  qwen:
    auth_files:
      - qwen_creds_aaaa.json
      - qwen_creds_bbbb.json
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.QwenOAuthClientID != "client-123" {
		t.Errorf("got client id %q", cfg.QwenOAuthClientID)
	}
	if cfg.Quota.Chat.Daily != 1000 || cfg.Quota.Chat.RPM != 30 {
		t.Errorf("got chat limits %+v", cfg.Quota.Chat)
	}
	if len(cfg.Providers.Qwen.AuthFiles) != 2 {
		t.Errorf("got auth files %v", cfg.Providers.Qwen.AuthFiles)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
