// Package config loads node configuration from a YAML file: the migration
// engine's tunable knobs plus cluster, fabric, and storage settings.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Migrate holds the migration engine's tunable knobs.
type Migrate struct {
	// NMigrateThreads is the size of the emigration worker pool.
	NMigrateThreads int `yaml:"n_migrate_threads"`

	// MigrateXmitHWM/LWM bound the per-emigration send-ahead window: the
	// sender stops reading new records once unacked inserts reach the high
	// water mark, and resumes once it drains back to the low water mark.
	MigrateXmitHWM int `yaml:"migrate_xmit_hwm"`
	MigrateXmitLWM int `yaml:"migrate_xmit_lwm"`

	// MigrateXmitPriority/Sleep govern how the send side is scheduled
	// relative to other fabric traffic.
	MigrateXmitPriority string        `yaml:"migrate_xmit_priority"`
	MigrateXmitSleep    time.Duration `yaml:"migrate_xmit_sleep"`

	// MigrateReadPriority/Sleep govern the storage-read side.
	MigrateReadPriority string        `yaml:"migrate_read_priority"`
	MigrateReadSleep    time.Duration `yaml:"migrate_read_sleep"`

	// MigrateRxLifetimeMS is how long a finished immigration (DONE received)
	// is kept before the reaper removes it; 0 removes it as soon as DONE
	// arrives.
	MigrateRxLifetimeMS int `yaml:"migrate_rx_lifetime_ms"`

	// TransactionRetryMS is the retransmit timeout: how long an unacked
	// INSERT or control message waits before it is resent, and the pause
	// before resending after an AGAIN reply.
	TransactionRetryMS int `yaml:"transaction_retry_ms"`
}

// Cluster holds Raft cluster membership settings.
type Cluster struct {
	NodeID            string        `yaml:"node_id"`
	BindAddr          string        `yaml:"bind_addr"`
	DataDir           string        `yaml:"data_dir"`
	JoinTokenLifetime time.Duration `yaml:"join_token_lifetime"`
}

// Fabric holds transport settings.
type Fabric struct {
	ListenAddr      string        `yaml:"listen_addr"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
	SendQueueDepth  int           `yaml:"send_queue_depth"`
	TLSCertDir      string        `yaml:"tls_cert_dir"`
	HeartbeatPeriod time.Duration `yaml:"heartbeat_period"`
}

// Storage holds the record-layer settings.
type Storage struct {
	DataDir string `yaml:"data_dir"`
}

// Admin holds the admin HTTP API's settings.
type Admin struct {
	ListenAddr string `yaml:"listen_addr"`
	TLSCertDir string `yaml:"tls_cert_dir"`
}

// Namespace declares one dataset and its fixed partition count. Partition
// counts are set at namespace creation and never reshard — only ownership
// moves, per the rebalancer's remit.
type Namespace struct {
	Name       string `yaml:"name"`
	Partitions int    `yaml:"partitions"`
}

// Rebalance holds the rebalancer's tunable knobs.
type Rebalance struct {
	// Interval is how often the reconcile loop recomputes desired
	// assignment and diffs it against actual partition ownership.
	Interval time.Duration `yaml:"interval"`
}

// Config is the complete node configuration.
type Config struct {
	Migrate    Migrate     `yaml:"migrate"`
	Cluster    Cluster     `yaml:"cluster"`
	Fabric     Fabric      `yaml:"fabric"`
	Storage    Storage     `yaml:"storage"`
	Admin      Admin       `yaml:"admin"`
	Namespaces []Namespace `yaml:"namespaces"`
	Rebalance  Rebalance   `yaml:"rebalance"`
}

// Default returns a Config with every knob set to its documented default.
func Default() Config {
	return Config{
		Migrate: Migrate{
			NMigrateThreads:     1,
			MigrateXmitHWM:      16,
			MigrateXmitLWM:      8,
			MigrateXmitPriority: "high",
			MigrateXmitSleep:    0,
			MigrateReadPriority: "high",
			MigrateReadSleep:    0,
			MigrateRxLifetimeMS: 60000,
			TransactionRetryMS:  100,
		},
		Cluster: Cluster{
			BindAddr:          "0.0.0.0:7946",
			DataDir:           "./data/cluster",
			JoinTokenLifetime: 10 * time.Minute,
		},
		Fabric: Fabric{
			ListenAddr:      "0.0.0.0:3001",
			DialTimeout:     5 * time.Second,
			SendQueueDepth:  256,
			TLSCertDir:      "./data/certs",
			HeartbeatPeriod: 5 * time.Second,
		},
		Storage: Storage{
			DataDir: "./data/storage",
		},
		Admin: Admin{
			ListenAddr: "0.0.0.0:8443",
			TLSCertDir: "./data/certs",
		},
		Namespaces: []Namespace{
			{Name: "default", Partitions: 64},
		},
		Rebalance: Rebalance{
			Interval: 10 * time.Second,
		},
	}
}

// Load reads a YAML config file and overlays it onto Default(). A missing
// field in the file keeps its default value.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg, nil
}
