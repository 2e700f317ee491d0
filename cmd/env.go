package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/entity-ledger/internal/engine"
	"github.com/sells-group/entity-ledger/internal/graph"
	"github.com/sells-group/entity-ledger/internal/resilience"
	"github.com/sells-group/entity-ledger/internal/store"
)

// ledgerEnv holds the initialized store, engine, and graph service
// needed by the commands.
type ledgerEnv struct {
	Store  store.Store
	Engine *engine.Engine
	Graph  *graph.Service
}

// Close releases resources held by the environment.
func (le *ledgerEnv) Close() {
	if le.Store != nil {
		_ = le.Store.Close()
	}
}

// initEnv sets up the store, runs migrations, and builds the engine and
// graph service. Callers should defer env.Close().
func initEnv(ctx context.Context) (*ledgerEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	retry := resilience.RetryConfig{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		InitialBackoff: time.Duration(cfg.Retry.InitialBackoffMs) * time.Millisecond,
		MaxBackoff:     time.Duration(cfg.Retry.MaxBackoffMs) * time.Millisecond,
	}

	eng := engine.New(st, engine.Options{
		SnapshotCacheTTL: time.Duration(cfg.Snapshot.CacheTTLSecs) * time.Second,
		Retry:            retry,
	})

	return &ledgerEnv{
		Store:  st,
		Engine: eng,
		Graph:  graph.New(st),
	}, nil
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "entity-ledger.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}
