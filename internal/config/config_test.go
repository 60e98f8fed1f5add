package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "warden.json")
	content := `{
        "actions": {"policy_path": "policy.yaml"},
        "logging": {"audit": {"enabled": true, "path": "logs/audit.log"}}
    }`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Address != ":8080" {
		t.Fatalf("unexpected server address %q", cfg.Server.Address)
	}
	if cfg.Storage.TaskStore.Driver != "memory" {
		t.Fatalf("unexpected storage driver %q", cfg.Storage.TaskStore.Driver)
	}
	if cfg.Queue.Driver != "memory" || cfg.Queue.Size != 256 {
		t.Fatalf("unexpected queue defaults %+v", cfg.Queue)
	}
	if cfg.Approval.ScanIntervalSeconds != 10 || cfg.Approval.StalenessHours != 24 {
		t.Fatalf("unexpected approval defaults %+v", cfg.Approval)
	}
	if cfg.Executor.WorkerCount != 4 || cfg.Executor.ActionTimeoutSeconds != 60 {
		t.Fatalf("unexpected executor defaults %+v", cfg.Executor)
	}
	if cfg.Actions.PolicyPath != filepath.Join(dir, "policy.yaml") {
		t.Fatalf("relative policy path not resolved: %q", cfg.Actions.PolicyPath)
	}
	if cfg.Logging.Audit.Path != filepath.Join(dir, "logs/audit.log") {
		t.Fatalf("relative audit path not resolved: %q", cfg.Logging.Audit.Path)
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("expected error for missing file")
	}
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
