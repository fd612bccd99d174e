// Command taodb-server runs one taodb process: it opens the configured
// shard storage engines, replays the write-ahead log, builds the cache
// tiers and inverse-association registry, and serves the HTTP/JSON API.
//
// © 2025 taodb authors. MIT License.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/Voskan/taodb/pkg/cache"
	"github.com/Voskan/taodb/pkg/httpapi"
	"github.com/Voskan/taodb/pkg/inverse"
	"github.com/Voskan/taodb/pkg/shard"
	"github.com/Voskan/taodb/pkg/storage"
	"github.com/Voskan/taodb/pkg/tao"
	"github.com/Voskan/taodb/pkg/taocfg"
	"github.com/Voskan/taodb/pkg/viewer"
	"github.com/Voskan/taodb/pkg/wal"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to taodb.yaml; empty uses an in-memory single-shard default")
	printVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *printVersion {
		fmt.Println(version)
		return
	}

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "taodb-server: logger init:", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(*configPath, log); err != nil {
		log.Fatal("taodb-server exited with error", zap.Error(err))
	}
}

func run(configPath string, log *zap.Logger) error {
	cfg := taocfg.Default()
	if configPath != "" {
		loaded, err := taocfg.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
	}

	shards := make([]*shard.Shard, len(cfg.Shards))
	for i, ep := range cfg.Shards {
		eng, err := storage.Open(ep.ID, ep.Dir, storage.WithLogger(log.Named("storage")))
		if err != nil {
			return fmt.Errorf("opening shard %d: %w", ep.ID, err)
		}
		shards[i] = &shard.Shard{ID: ep.ID, Engine: eng}
	}
	topo, err := shard.New(shards)
	if err != nil {
		return fmt.Errorf("building topology: %w", err)
	}
	defer topo.Close()

	fsyncMode := wal.FsyncPerOp
	if cfg.WALFsync.Mode == "group" {
		fsyncMode = wal.FsyncGroup
	}
	walPath := cfg.WALDir
	if walPath == "" {
		walPath = os.TempDir() + "/taodb.wal"
	} else {
		walPath = walPath + "/taodb.wal"
	}
	walLog, err := wal.Open(walPath, wal.WithFsyncMode(fsyncMode, cfg.WALFsync.GroupWindow), wal.WithLogger(log.Named("wal")))
	if err != nil {
		return fmt.Errorf("opening wal: %w", err)
	}
	defer walLog.Close()

	inv, err := inverse.FromConfig(cfg.InverseRules)
	if err != nil {
		return fmt.Errorf("building inverse registry: %w", err)
	}

	reg := prometheus.NewRegistry()

	objects, err := cache.New[uint64, storage.ObjectRow](
		cfg.ObjectCache.CapacityBytes, cfg.ObjectCache.TTL, cfg.ObjectCache.Shards,
		cache.WithMetrics[uint64, storage.ObjectRow](reg), cache.WithLogger[uint64, storage.ObjectRow](log))
	if err != nil {
		return fmt.Errorf("building object cache: %w", err)
	}
	assocs, err := cache.New[cache.AssocListKey, []storage.AssocRow](
		cfg.AssocListCache.CapacityBytes, cfg.AssocListCache.TTL, cfg.AssocListCache.Shards,
		cache.WithMetrics[cache.AssocListKey, []storage.AssocRow](reg))
	if err != nil {
		return fmt.Errorf("building assoc list cache: %w", err)
	}
	counts, err := cache.New[cache.CountKey, int64](
		cfg.CountCache.CapacityBytes, cfg.CountCache.TTL, cfg.CountCache.Shards,
		cache.WithMetrics[cache.CountKey, int64](reg))
	if err != nil {
		return fmt.Errorf("building count cache: %w", err)
	}

	core, err := tao.New(topo, walLog, inv, cfg.IDEpochMs, objects, assocs, counts,
		tao.WithLogger(log.Named("tao")),
		tao.WithMaxClockRegression(cfg.Clock.MaxRegressionMs),
		tao.WithRetryPolicy(tao.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseBackoff: time.Duration(cfg.Retry.BaseBackoffMs) * time.Millisecond,
		}),
	)
	if err != nil {
		return fmt.Errorf("building core: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := core.Recover(ctx); err != nil {
		return fmt.Errorf("wal recovery: %w", err)
	}
	log.Info("wal recovery complete")

	server := httpapi.New(core, reg, log.Named("http"))
	handler := server.Handler(noopAuthenticator{}, cfg.SystemTokens)

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	log.Info("listening", zap.String("addr", cfg.HTTPAddr))
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// noopAuthenticator rejects every bearer/API-key credential. Real
// deployments supply an Authenticator backed by their identity provider;
// this default only lets system-token and anonymous callers through.
type noopAuthenticator struct{}

func (noopAuthenticator) Authenticate(ctx context.Context, scheme, credential string) (viewer.Context, error) {
	return viewer.Context{}, fmt.Errorf("taodb-server: no Authenticator configured, rejecting %s credential", scheme)
}
