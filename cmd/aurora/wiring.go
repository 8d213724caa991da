package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/redis/go-redis/v9"

	"github.com/yyd/aurora/config"
	"github.com/yyd/aurora/pkg/grpchealth"
	"github.com/yyd/aurora/pkg/provider"
	"github.com/yyd/aurora/pkg/storage"
	"github.com/yyd/aurora/pkg/storage/badger"
	"github.com/yyd/aurora/pkg/storage/memory"
	"github.com/yyd/aurora/pkg/storage/sqlite"
)

// openStore opens the configured record store. The badger handle is
// returned as well so sagas and dead letters can share it.
func openStore(cfg *config.StorageConfig, log *slog.Logger) (storage.RecordStore, *badgerdb.DB, error) {
	switch cfg.Type {
	case "badger":
		store, err := badger.NewBadgerStorage(&badger.Config{
			Path:             cfg.Badger.Path,
			SyncWrites:       cfg.Badger.SyncWrites,
			ValueLogFileSize: cfg.Badger.ValueLogFileSize,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open badger store: %w", err)
		}
		log.Info("record store ready", "type", "badger", "path", cfg.Badger.Path)
		return store, store.DB(), nil
	case "sqlite":
		store, err := sqlite.NewSQLiteStorage(&sqlite.Config{
			Path:        cfg.SQLite.Path,
			BusyTimeout: cfg.SQLite.BusyTimeout,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		log.Info("record store ready", "type", "sqlite", "path", cfg.SQLite.Path)
		return store, nil, nil
	default:
		log.Info("record store ready", "type", "memory")
		return memory.NewMemoryStorage(), nil, nil
	}
}

// openRedis connects when Redis is enabled; nil otherwise.
func openRedis(ctx context.Context, cfg *config.RedisConfig) (*redis.Client, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Address, err)
	}
	return client, nil
}

// providers are the external model services and their health probes.
type providers struct {
	embedder  provider.EmbeddingProvider
	completer provider.CompletionProvider
	probes    map[string]grpchealth.Probe
}

// newProviders builds the embedding and completion providers. The local
// type embeds offline and has no completion provider, so low-confidence
// turns degrade to the best local candidate.
func newProviders(cfg *config.ProviderConfig) providers {
	if cfg.Type != "ollama" {
		emb := provider.NewHashEmbedder(cfg.Dimensions)
		return providers{
			embedder: emb,
			probes: map[string]grpchealth.Probe{
				grpchealth.ServiceEmbedding: func(ctx context.Context) error {
					_, err := emb.Embed(ctx, "health check")
					return err
				},
			},
		}
	}

	client := provider.NewOllamaClient(cfg.BaseURL, cfg.Timeout)
	limited := provider.NewRateLimited(
		provider.NewOllamaEmbedder(client, cfg.EmbeddingModel),
		provider.NewOllamaCompleter(client, cfg.CompletionModel, ""),
		cfg.RatePerSecond,
	)
	return providers{
		embedder:  limited,
		completer: limited,
		probes: map[string]grpchealth.Probe{
			grpchealth.ServiceEmbedding: func(ctx context.Context) error {
				_, err := client.Embed(ctx, cfg.EmbeddingModel, "health check")
				return err
			},
			grpchealth.ServiceCompletion: func(ctx context.Context) error {
				if !client.IsRunning(ctx) {
					return errors.New("ollama is not reachable")
				}
				return nil
			},
		},
	}
}
