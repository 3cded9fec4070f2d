package cli

import (
	"context"
	"os"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"github.com/hiveword/substrate/pkg/adapter"
	"github.com/hiveword/substrate/pkg/model"
	"github.com/hiveword/substrate/pkg/repository"
	"github.com/hiveword/substrate/pkg/service/store"
	"github.com/hiveword/substrate/pkg/service/sync"
	"github.com/hiveword/substrate/pkg/utils/logging"
)

// config holds configuration values
type config struct {
	// Repository
	databaseURL string

	// Cross-process sync
	brokerURL string
	processID string

	// Logging
	logLevel string
}

// globalFlags returns common flags used across commands with destination config
func globalFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "database-url",
			Aliases:     []string{"d"},
			Usage:       "Postgres connection string (empty runs in-memory)",
			Sources:     cli.EnvVars("SUBSTRATE_DATABASE_URL"),
			Destination: &cfg.databaseURL,
		},
		&cli.StringFlag{
			Name:        "broker-url",
			Aliases:     []string{"b"},
			Usage:       "Websocket relay URL for cross-process sync",
			Sources:     cli.EnvVars("SUBSTRATE_BROKER_URL"),
			Destination: &cfg.brokerURL,
		},
		&cli.StringFlag{
			Name:        "process-id",
			Usage:       "Identifier of this process on the sync channel",
			Sources:     cli.EnvVars("SUBSTRATE_PROCESS_ID"),
			Destination: &cfg.processID,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "Log level (debug, info, warn, error)",
			Value:       "info",
			Sources:     cli.EnvVars("SUBSTRATE_LOG_LEVEL"),
			Destination: &cfg.logLevel,
		},
	}
}

// withLogging attaches a configured logger to the context
func (cfg *config) withLogging(ctx context.Context) context.Context {
	logger := logging.New(cfg.logLevel, os.Stderr)
	logging.SetDefault(logger)
	return logging.With(ctx, logger)
}

// resolveProcessID returns the configured process ID, minting one if absent
func (cfg *config) resolveProcessID() string {
	if cfg.processID != "" {
		return cfg.processID
	}
	return uuid.New().String()
}

// newRepository creates the persistence engine
func (cfg *config) newRepository(ctx context.Context) (repository.Repository, error) {
	if cfg.databaseURL == "" {
		return repository.NewInMemory(), nil
	}

	repo, err := repository.NewPostgres(ctx, cfg.databaseURL)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to connect database")
	}
	return repo, nil
}

// newBroker creates the sync transport, or nil when no relay is configured
func (cfg *config) newBroker(ctx context.Context) (adapter.Broker, error) {
	if cfg.brokerURL == "" {
		return nil, nil
	}

	broker, err := adapter.NewWebsocketBroker(ctx, cfg.brokerURL)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to connect broker relay")
	}
	return broker, nil
}

// newStore assembles the memory store with its embedder and, when a relay is
// configured, the cross-process syncer. The returned cleanup stops the syncer
// and closes broker and store.
func (cfg *config) newStore(ctx context.Context) (*store.Store, func(), error) {
	repo, err := cfg.newRepository(ctx)
	if err != nil {
		return nil, nil, err
	}

	memStore := store.New(repo, store.WithEmbedder(adapter.NewMockEmbedder(model.EmbeddingDim)))

	broker, err := cfg.newBroker(ctx)
	if err != nil {
		_ = memStore.Close()
		return nil, nil, err
	}
	if broker == nil {
		return memStore, func() { _ = memStore.Close() }, nil
	}

	syncer := sync.New(broker, memStore.Bus(), cfg.resolveProcessID())
	memStore.SetPublisher(syncer)
	syncer.Start(ctx)

	cleanup := func() {
		syncer.Stop()
		_ = broker.Close()
		_ = memStore.Close()
	}
	return memStore, cleanup, nil
}
