package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"syscall"

	"golang.org/x/sync/errgroup"

	"arctic-delta/api"
	"arctic-delta/catalog"
	"arctic-delta/config"
	"arctic-delta/logging"
	"arctic-delta/proxy"
	"arctic-delta/replication"
	"arctic-delta/storage"
	"arctic-delta/table"
)

func main() {
	configFile := flag.String("config", "config.yaml", "Path to config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, closeLogs, err := logging.Setup(cfg.Logging.Level, cfg.Logging.SeqURL)
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	defer closeLogs()
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("arctic-delta stopped", "error", err)
		closeLogs()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := newStorage(cfg)
	if err != nil {
		return err
	}
	cat, closeCatalog, err := newCatalog(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeCatalog()

	opened := make(map[string]*table.Table)
	open := func(ctx context.Context, name string) (*table.Table, error) {
		if t, ok := opened[name]; ok {
			return t, nil
		}
		t, err := table.Open(ctx, name, table.Options{
			Storage:     store,
			Catalog:     cat,
			Logger:      logger,
			Location:    path.Join("tables", name),
			MaxAttempts: cfg.Commit.MaxAttempts,
			Parallelism: cfg.Scan.Parallelism,
		})
		if err != nil {
			return nil, err
		}
		opened[name] = t
		return t, nil
	}

	tables := make([]*table.Table, 0, len(cfg.Tables))
	for _, ref := range cfg.Tables {
		t, err := open(ctx, ref.FullName())
		if err != nil {
			return fmt.Errorf("opening table %s: %w", ref.FullName(), err)
		}
		tables = append(tables, t)
	}

	replicator, err := replication.NewReplicator(ctx, cfg, open, logger.With("component", "replication"))
	if err != nil {
		return fmt.Errorf("creating replicator: %w", err)
	}

	duck, err := proxy.NewDuckDBProxy(cfg, tables, logger.With("component", "proxy"))
	if err != nil {
		return fmt.Errorf("creating proxy: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := replicator.Start(ctx); err != nil {
			return fmt.Errorf("replication: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := duck.Start(ctx); err != nil {
			return fmt.Errorf("proxy: %w", err)
		}
		return nil
	})
	if cfg.API.Port != 0 {
		server := api.NewServer(tables, cfg.API.Port, logger.With("component", "api"))
		g.Go(func() error {
			if err := server.Start(ctx); err != nil {
				return fmt.Errorf("api: %w", err)
			}
			return nil
		})
	}

	logger.Info("arctic-delta started", "tables", len(tables), "catalog", cfg.Catalog.Type)
	err = g.Wait()
	logger.Info("Shutting down...")
	return err
}

func newStorage(cfg *config.Config) (storage.Storage, error) {
	if s3cfg := cfg.Warehouse.S3; s3cfg != nil {
		client := storage.NewS3Client(storage.S3Options{
			Region:    s3cfg.Region,
			Endpoint:  s3cfg.Endpoint,
			AccessKey: s3cfg.AccessKey,
			SecretKey: s3cfg.SecretKey,
		})
		return storage.NewS3Storage(client, s3cfg.Bucket, s3cfg.Prefix), nil
	}
	return storage.NewLocalStorage(cfg.Warehouse.Path)
}

func newCatalog(ctx context.Context, cfg *config.Config) (catalog.Catalog, func(), error) {
	switch cfg.Catalog.Type {
	case "postgres":
		c, err := catalog.NewPostgresCatalog(ctx, cfg.Catalog.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting catalog: %w", err)
		}
		return c, c.Close, nil
	case "zookeeper":
		c, err := catalog.NewZooKeeperCatalog(cfg.Catalog.Servers, cfg.Catalog.Root)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting catalog: %w", err)
		}
		return c, func() { _ = c.Close() }, nil
	default:
		return catalog.NewMemoryCatalog(), func() {}, nil
	}
}
