package config

import (
	"fmt"
	"strings"
	"time"
)

// Config - корневая структура конфигурации ноды
// yaml и validate теги для парсинга и валидации

type Config struct {
	Logger      LoggerConfig      `yaml:"logger" validate:"required"`
	Server      ServerConfig      `yaml:"http-server" validate:"required"`
	Replication ReplicationConfig `yaml:"replication" validate:"required"`
	Storage     StorageConfig     `yaml:"storage" validate:"required"`
	ZooKeeper   ZooKeeperConfig   `yaml:"zookeeper"`
}

type ServerConfig struct {
	Port              int           `yaml:"port" validate:"required,min=1,max=65535"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

type LoggerConfig struct {
	Level string `yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	JSON  bool   `yaml:"json"`
}

type StorageConfig struct {
	LogDir string `yaml:"log_dir" validate:"required"`
}

// ZooKeeperConfig включает опциональное обнаружение участников и хранение аренды в ZK.
type ZooKeeperConfig struct {
	Servers []string `yaml:"servers"`
	Root    string   `yaml:"root"`
}

func (z ZooKeeperConfig) Enabled() bool {
	return len(z.Servers) > 0
}

// SyncMode is the durability mode of replicated writes.
type SyncMode string

const (
	SyncAsync SyncMode = "ASYNC"
	SyncSync  SyncMode = "SYNC"
	SyncN     SyncMode = "NSYNC"
)

// Category names accepted in master_restricted.
const (
	CategoryRead           = "read"
	CategoryInsert         = "insert"
	CategoryDBModification = "db_modification"
	CategorySnapshot       = "snapshot"
)

type ReplicationConfig struct {
	LocalAddress string   `yaml:"local_address" validate:"required"`
	Participants []string `yaml:"participants" validate:"required,min=1"`

	SyncMode SyncMode `yaml:"sync_mode" validate:"oneof=ASYNC SYNC NSYNC"`
	SyncN    int      `yaml:"sync_n" validate:"min=0"`

	LeaseTimeout       time.Duration `yaml:"lease_timeout"`
	LeaseRenewInterval time.Duration `yaml:"lease_renew_interval"`
	MaxClockDrift      time.Duration `yaml:"max_clock_drift"`
	DriftProbeInterval time.Duration `yaml:"drift_probe_interval"`

	MasterRestricted []string `yaml:"master_restricted"`

	ChunkSize          int64         `yaml:"chunk_size"`
	MaxInflightFetches int           `yaml:"max_inflight_fetches"`
	MaxEntriesPerFetch int           `yaml:"max_entries_per_fetch"`
	FetchTimeout       time.Duration `yaml:"fetch_timeout"`
	FetchRetryDelay    time.Duration `yaml:"fetch_retry_delay"`
	AckTimeout         time.Duration `yaml:"ack_timeout"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	SyncTimeout        time.Duration `yaml:"sync_timeout"`
	GateWait           time.Duration `yaml:"gate_wait"`
}

// Slaves returns every participant except the local one.
func (r ReplicationConfig) Slaves() []string {
	res := make([]string, 0, len(r.Participants))
	for _, p := range r.Participants {
		if p != r.LocalAddress {
			res = append(res, p)
		}
	}
	return res
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "DEBUG",
			JSON:  false,
		},
		Server: ServerConfig{
			Port:              8080,
			ReadHeaderTimeout: time.Second,
		},
		Storage: StorageConfig{
			LogDir: "./data/log",
		},
		ZooKeeper: ZooKeeperConfig{
			Root: "/lsmrepl",
		},
		Replication: ReplicationConfig{
			LocalAddress:       "localhost:8080",
			Participants:       []string{"localhost:8080"},
			SyncMode:           SyncAsync,
			LeaseTimeout:       3 * time.Second,
			LeaseRenewInterval: 500 * time.Millisecond,
			MaxClockDrift:      300 * time.Millisecond,
			DriftProbeInterval: 2 * time.Second,
			MasterRestricted: []string{
				CategoryInsert,
				CategoryDBModification,
				CategorySnapshot,
			},
			ChunkSize:          5 * 1024 * 1024,
			MaxInflightFetches: 4,
			MaxEntriesPerFetch: 500,
			FetchTimeout:       2 * time.Second,
			FetchRetryDelay:    250 * time.Millisecond,
			AckTimeout:         5 * time.Second,
			HeartbeatInterval:  time.Second,
			SyncTimeout:        10 * time.Second,
			GateWait:           5 * time.Second,
		},
	}
}

// Validate checks invariants the replication core depends on.
func (c *Config) Validate() error {
	if c.Logger.Level == "" {
		return fmt.Errorf("logger.level is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("http-server.port must be in [1, 65535], got %d", c.Server.Port)
	}
	if c.Storage.LogDir == "" {
		return fmt.Errorf("storage.log_dir is required")
	}
	return c.Replication.Validate()
}

// Validate checks the replication settings on their own; the manager refuses a config failing it.
func (r ReplicationConfig) Validate() error {
	if r.LocalAddress == "" {
		return fmt.Errorf("replication.local_address is required")
	}
	if len(r.Participants) == 0 {
		return fmt.Errorf("replication.participants must contain at least one peer")
	}

	seen := make(map[string]bool, len(r.Participants))
	for _, p := range r.Participants {
		if seen[p] {
			return fmt.Errorf("duplicate participant %q", p)
		}
		seen[p] = true
	}
	if !seen[r.LocalAddress] {
		return fmt.Errorf("replication.local_address %q not found in participants", r.LocalAddress)
	}

	switch r.SyncMode {
	case SyncAsync, SyncSync:
	case SyncN:
		if r.SyncN < 1 || r.SyncN > len(r.Participants)-1 {
			return fmt.Errorf("replication.sync_n must be in [1, %d] for NSYNC, got %d",
				len(r.Participants)-1, r.SyncN)
		}
	default:
		return fmt.Errorf("unknown replication.sync_mode %q", r.SyncMode)
	}

	if r.LeaseTimeout <= 0 || r.LeaseRenewInterval <= 0 {
		return fmt.Errorf("lease timeout and renew interval must be positive")
	}
	if r.LeaseRenewInterval >= r.LeaseTimeout {
		return fmt.Errorf("lease_renew_interval (%s) must be shorter than lease_timeout (%s)",
			r.LeaseRenewInterval, r.LeaseTimeout)
	}
	if r.MaxClockDrift <= 0 || 2*r.MaxClockDrift >= r.LeaseTimeout {
		return fmt.Errorf("max_clock_drift (%s) must be positive and below half the lease timeout",
			r.MaxClockDrift)
	}

	for _, cat := range r.MasterRestricted {
		switch strings.ToLower(cat) {
		case CategoryRead, CategoryInsert, CategoryDBModification, CategorySnapshot:
		default:
			return fmt.Errorf("unknown master_restricted category %q", cat)
		}
	}

	if r.ChunkSize <= 0 || r.MaxInflightFetches <= 0 || r.MaxEntriesPerFetch <= 0 {
		return fmt.Errorf("chunk_size, max_inflight_fetches and max_entries_per_fetch must be positive")
	}

	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"drift_probe_interval", r.DriftProbeInterval},
		{"fetch_timeout", r.FetchTimeout},
		{"fetch_retry_delay", r.FetchRetryDelay},
		{"ack_timeout", r.AckTimeout},
		{"heartbeat_interval", r.HeartbeatInterval},
		{"sync_timeout", r.SyncTimeout},
		{"gate_wait", r.GateWait},
	} {
		if d.value <= 0 {
			return fmt.Errorf("replication.%s must be positive, got %s", d.name, d.value)
		}
	}

	return nil
}
