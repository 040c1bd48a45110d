package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	httpapi "lsmrepl/internal/http"
	"lsmrepl/pkg/cluster"
	"lsmrepl/pkg/kvstate"
	"lsmrepl/pkg/lease"
	"lsmrepl/pkg/replication"
	"lsmrepl/pkg/transport"
	"lsmrepl/pkg/types"
	"lsmrepl/pkg/wal"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the node config")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("lsmrepl stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("lsmrepl stopped")
}

func run(configPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := initConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyEnv(&cfg, os.Getenv)
	initLogger(&cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	local := types.PeerAddr(cfg.Replication.LocalAddress)

	// --- ZooKeeper: обнаружение участников и хранение аренды ---
	var persister lease.Persister
	if cfg.ZooKeeper.Enabled() {
		conn, err := cluster.Connect(cfg.ZooKeeper.Servers)
		if err != nil {
			return fmt.Errorf("connect to ZooKeeper: %w", err)
		}
		membership := cluster.NewZKMembership(conn, cfg.ZooKeeper.Root, local)
		defer membership.Close()

		if err := membership.RegisterSelf(); err != nil {
			return fmt.Errorf("register in ZooKeeper: %w", err)
		}
		peers, err := membership.Participants()
		if err != nil {
			return fmt.Errorf("list participants: %w", err)
		}
		if err := checkMembership(cfg.Replication.Participants, peerStrings(peers)); err != nil {
			return err
		}

		// ZooKeeper только проверяет состав; кворум всегда по конфигу
		membership.RunWatch(ctx, func(now []types.PeerAddr) {
			if err := checkMembership(cfg.Replication.Participants, peerStrings(now)); err != nil {
				slog.Error("participant set diverges from config", "error", err)
				return
			}
			slog.Info("registered participants", "participants", now)
		})

		if persister, err = cluster.NewZKLeasePersister(conn, cfg.ZooKeeper.Root, local); err != nil {
			return fmt.Errorf("lease persister: %w", err)
		}
	} else {
		if persister, err = lease.NewFilePersister(filepath.Join(filepath.Dir(cfg.Storage.LogDir), "lease")); err != nil {
			return fmt.Errorf("lease persister: %w", err)
		}
	}

	slog.Info("lsmrepl starting",
		"node", local,
		"participants", cfg.Replication.Participants,
		"mode", cfg.Replication.SyncMode,
		"log_dir", cfg.Storage.LogDir)

	// --- WAL и состояние ---
	journal, err := wal.Open(cfg.Storage.LogDir)
	if err != nil {
		return fmt.Errorf("open WAL: %w", err)
	}
	defer journal.Close()

	mgr, err := replication.New(replication.Options{
		Config:    cfg.Replication,
		Transport: transport.NewHTTP(local),
		Log:       journal,
		State:     kvstate.New(),
		Persister: persister,
	})
	if err != nil {
		return err
	}

	// HTTP поднимается первым: через него же идёт обмен аренды
	server := httpapi.NewServer(mgr, local, fmt.Sprint(cfg.Server.Port))
	server.SetReadHeaderTimeout(cfg.Server.ReadHeaderTimeout)
	if err := server.Start(); err != nil {
		return err
	}
	defer func() {
		if err := server.Stop(); err != nil {
			slog.Error("error stopping server", "error", err)
		}
	}()

	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("start replication: %w", err)
	}
	defer mgr.Shutdown()

	go func() {
		waitCtx, cancel := context.WithTimeout(ctx, 5*cfg.Replication.LeaseTimeout+cfg.Replication.SyncTimeout)
		defer cancel()
		start := time.Now()
		if err := mgr.WaitForInitialFailover(waitCtx); err != nil {
			slog.Warn("no role yet, still waiting for a lease holder", "error", err)
			return
		}
		st := mgr.Status()
		slog.Info("node ready", "role", st.Role, "master", st.Master, "after", time.Since(start))
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-mgr.Fatal():
		return fmt.Errorf("replication failed: %w", err)
	}
}

func peerStrings(peers []types.PeerAddr) []string {
	res := make([]string, 0, len(peers))
	for _, p := range peers {
		res = append(res, string(p))
	}
	return res
}
