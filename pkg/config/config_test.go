package config

import (
	"testing"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Empty(t, cfg.Replication.Slaves())
}

func TestUnmarshalYAML(t *testing.T) {
	raw := `
logger:
  level: INFO
  json: true
http-server:
  port: 9090
storage:
  log_dir: /tmp/lsmrepl
replication:
  local_address: n1:7000
  participants: [n1:7000, n2:7000, n3:7000]
  sync_mode: NSYNC
  sync_n: 1
  lease_timeout: 4s
  lease_renew_interval: 1s
  max_clock_drift: 500ms
  chunk_size: 1024
  max_inflight_fetches: 2
  max_entries_per_fetch: 100
`
	cfg := Default()
	require.NoError(t, yaml.Unmarshal([]byte(raw), &cfg))
	require.NoError(t, cfg.Validate())

	require.Equal(t, "INFO", cfg.Logger.Level)
	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, SyncN, cfg.Replication.SyncMode)
	require.Equal(t, 4*time.Second, cfg.Replication.LeaseTimeout)
	require.Equal(t, 500*time.Millisecond, cfg.Replication.MaxClockDrift)
	require.Equal(t, []string{"n2:7000", "n3:7000"}, cfg.Replication.Slaves())
	// untouched keys keep defaults
	require.Equal(t, time.Second, cfg.Replication.LeaseRenewInterval)
	require.Equal(t, time.Second, cfg.Replication.HeartbeatInterval)
}

func TestValidate_Errors(t *testing.T) {
	cases := map[string]func(c *Config){
		"local not participant": func(c *Config) { c.Replication.LocalAddress = "x:1" },
		"duplicate participant": func(c *Config) {
			c.Replication.Participants = []string{"localhost:8080", "localhost:8080"}
		},
		"nsync too large": func(c *Config) {
			c.Replication.SyncMode = SyncN
			c.Replication.SyncN = 3
		},
		"renew not shorter": func(c *Config) { c.Replication.LeaseRenewInterval = c.Replication.LeaseTimeout },
		"drift too large":   func(c *Config) { c.Replication.MaxClockDrift = c.Replication.LeaseTimeout },
		"bad category":      func(c *Config) { c.Replication.MasterRestricted = []string{"everything"} },
		"bad mode":          func(c *Config) { c.Replication.SyncMode = "QUORUM" },
		"zero drift probe":  func(c *Config) { c.Replication.DriftProbeInterval = 0 },
		"zero retry delay":  func(c *Config) { c.Replication.FetchRetryDelay = 0 },
		"negative ack wait": func(c *Config) { c.Replication.AckTimeout = -time.Second },
		"zero heartbeat":    func(c *Config) { c.Replication.HeartbeatInterval = 0 },
		"zero sync timeout": func(c *Config) { c.Replication.SyncTimeout = 0 },
		"zero gate wait":    func(c *Config) { c.Replication.GateWait = 0 },
		"zero fetch":        func(c *Config) { c.Replication.FetchTimeout = 0 },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
