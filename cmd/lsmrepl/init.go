package main

import (
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"

	"lsmrepl/pkg/config"

	"github.com/goccy/go-yaml"
)

// initConfig загружает конфиг из файла YAML. Если файл не найден, возвращается config.Default().
func initConfig(path string) (config.Config, error) {
	cfg := config.Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("config file not found, using default config", "path", path)
			return cfg, nil
		}
		return cfg, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}

	return cfg, nil
}

// applyEnv переопределяет адрес ноды и список ZooKeeper из окружения.
func applyEnv(cfg *config.Config, getenv func(string) string) {
	if addr := getenv("LSMREPL_NODE_ADDR"); addr != "" {
		old := cfg.Replication.LocalAddress
		cfg.Replication.LocalAddress = addr

		// общий конфиг со всеми участниками: меняется только свой адрес
		if !slices.Contains(cfg.Replication.Participants, addr) {
			i := slices.Index(cfg.Replication.Participants, old)
			if i >= 0 {
				cfg.Replication.Participants[i] = addr
			} else {
				cfg.Replication.Participants = append(cfg.Replication.Participants, addr)
			}
		}
	}

	if servers := getenv("ZK_SERVERS"); servers != "" {
		cfg.ZooKeeper.Servers = strings.Split(servers, ",")
	}
}

// checkMembership сверяет участников из ZooKeeper с конфигом. Кворум аренды считается только
// по конфигу, поэтому узел вне списка означает расхождение конфигов и старт запрещён.
func checkMembership(configured []string, discovered []string) error {
	known := make(map[string]bool, len(configured))
	for _, p := range configured {
		known[p] = true
	}
	var unknown []string
	for _, p := range discovered {
		if !known[p] {
			unknown = append(unknown, p)
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("nodes %v registered in ZooKeeper are not in replication.participants %v", unknown, configured)
	}
	return nil
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// initLogger настраивает глобальный slog.Logger (JSON или текстовый).
func initLogger(cfg *config.Config) {
	opts := &slog.HandlerOptions{AddSource: true, Level: parseLevel(cfg.Logger.Level)}

	var handler slog.Handler
	if cfg.Logger.JSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	slog.Info("logger initialized", "level", cfg.Logger.Level, "json", cfg.Logger.JSON)
}
