package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/jackc/pgx/v5/pgxpool"

	"easel/internal/archive"
	"easel/internal/checkpoint"
	"easel/internal/config"
	"easel/internal/gateway"
	"easel/internal/presence"
	"easel/internal/search"
	"easel/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	docs, pool, err := openDocumentStore(ctx, cfg)
	if err != nil {
		log.Fatalf("document store failed: %v", err)
	}
	defer docs.Close()
	if pool != nil {
		defer pool.Close()
	}

	presenceStore, err := openPresenceStore(cfg)
	if err != nil {
		log.Fatalf("presence store failed: %v", err)
	}
	defer presenceStore.Close(ctx)

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	var fallback *search.Fallback
	if pool != nil {
		fallback = search.NewFallback(pool)
	}
	searchService := search.NewService(meiliClient, fallback)
	searchService.ReindexAllFromPG(ctx)

	var archiver checkpoint.Archiver
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		uploader, err := archive.New(ctx, cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("minio connection failed: %v", err)
		}
		log.Printf("Archiving checkpoints to MinIO bucket %q", cfg.MinioBucket)
		archiver = uploader
	}
	if err := os.MkdirAll(cfg.CheckpointsDir, 0o755); err != nil {
		log.Fatalf("failed to create checkpoints dir: %v", err)
	}
	checkpoints := checkpoint.New(cfg.CheckpointsDir, archiver)

	srv := gateway.NewServer(gateway.Config{
		Store:       docs,
		Presence:    presenceStore,
		Search:      searchService,
		Checkpoints: checkpoints,
		CORSOrigin:  cfg.CORSOrigin,
	})
	defer srv.Close()

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	if cfg.MDNS {
		mdns, err := advertise(cfg.Addr)
		if err != nil {
			log.Printf("WARNING: mDNS registration failed: %v", err)
		} else {
			defer mdns.Shutdown()
		}
	}

	go func() {
		log.Printf("Easel daemon listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

// openDocumentStore picks the shared Postgres store when DATABASE_URL is
// set and the single-node bbolt file otherwise. The pool comes back
// separately so the search fallback can reuse it.
func openDocumentStore(ctx context.Context, cfg config.Config) (store.DocumentStore, *pgxpool.Pool, error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create data dir: %w", err)
		}
		path := filepath.Join(cfg.DataDir, "easel.db")
		log.Printf("Using local bbolt document store at %s", path)
		docs, err := store.OpenBolt(path)
		if err != nil {
			return nil, nil, err
		}
		return docs, nil, nil
	}

	pool, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}
	if err := store.ApplyMigrations(ctx, pool, cfg.MigrationsDir); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("migrations failed: %w", err)
	}
	log.Printf("Using PostgreSQL document store")
	return store.NewPostgresStore(pool), pool, nil
}

func openPresenceStore(cfg config.Config) (presence.Store, error) {
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Printf("Using in-process presence")
		return presence.NewMemoryStore(), nil
	}
	log.Printf("Using Redis presence")
	return presence.NewRedisStore(cfg.RedisURL)
}

// advertise registers the daemon over mDNS so local-network clients can
// discover it without configuration.
func advertise(addr string) (*zeroconf.Server, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("parse addr: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("parse port: %w", err)
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "easel"
	}
	server, err := zeroconf.Register("Easel-"+host, "_easel._tcp", "local.", port, []string{"proto=1"}, nil)
	if err != nil {
		return nil, err
	}
	log.Printf("mDNS service registered: _easel._tcp on port %d", port)
	return server, nil
}
