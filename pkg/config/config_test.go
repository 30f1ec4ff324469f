package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Migrate.NMigrateThreads != 1 {
		t.Errorf("NMigrateThreads = %d, want 1", cfg.Migrate.NMigrateThreads)
	}
	if cfg.Migrate.MigrateXmitHWM <= cfg.Migrate.MigrateXmitLWM {
		t.Errorf("MigrateXmitHWM (%d) should be > MigrateXmitLWM (%d)",
			cfg.Migrate.MigrateXmitHWM, cfg.Migrate.MigrateXmitLWM)
	}
	if cfg.Migrate.MigrateRxLifetimeMS <= 0 {
		t.Error("MigrateRxLifetimeMS should be positive")
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")

	contents := []byte(`
migrate:
  n_migrate_threads: 4
  migrate_xmit_hwm: 64
cluster:
  node_id: node-1
  bind_addr: 10.0.0.1:7946
`)
	if err := os.WriteFile(path, contents, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Migrate.NMigrateThreads != 4 {
		t.Errorf("NMigrateThreads = %d, want 4", cfg.Migrate.NMigrateThreads)
	}
	if cfg.Migrate.MigrateXmitHWM != 64 {
		t.Errorf("MigrateXmitHWM = %d, want 64", cfg.Migrate.MigrateXmitHWM)
	}
	if cfg.Cluster.NodeID != "node-1" {
		t.Errorf("NodeID = %q, want node-1", cfg.Cluster.NodeID)
	}

	// Fields absent from the file keep their defaults.
	if cfg.Migrate.TransactionRetryMS != Default().Migrate.TransactionRetryMS {
		t.Errorf("TransactionRetryMS should keep its default when unset in file")
	}
	if cfg.Fabric.DialTimeout != 5*time.Second {
		t.Errorf("Fabric.DialTimeout = %v, want 5s default", cfg.Fabric.DialTimeout)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/node.yaml"); err == nil {
		t.Error("Load() with missing file should return an error")
	}
}
