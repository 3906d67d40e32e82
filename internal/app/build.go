package app

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/mcolombo/relaybot/internal/config"
	"github.com/mcolombo/relaybot/internal/credential"
	"github.com/mcolombo/relaybot/internal/history"
	"github.com/mcolombo/relaybot/internal/httpapi"
	"github.com/mcolombo/relaybot/internal/observability"
	"github.com/mcolombo/relaybot/internal/router"
	"github.com/mcolombo/relaybot/internal/supervisor"
	"github.com/mcolombo/relaybot/internal/transport"
)

type BuildResult struct {
	Config     config.Config
	API        *httpapi.Server
	Supervisor *supervisor.Supervisor
	Router     *router.Router
	Manager    *history.Manager
	Metrics    *observability.Metrics

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	var (
		historyStore history.Store
		credStore    credential.Store
		closers      []func() error
	)
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		pgHistory, err := history.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("history store init failed: %w", err)
		}
		// Share one pool across both stores; closing the history store
		// closes the pool for both.
		pgCreds, err := credential.NewPostgresStoreWithPool(ctx, pgHistory.Pool())
		if err != nil {
			_ = pgHistory.Close()
			return nil, fmt.Errorf("credential store init failed: %w", err)
		}
		historyStore = pgHistory
		credStore = pgCreds
		closers = append(closers, pgHistory.Close)
	} else {
		historyStore = history.NewInMemoryStore()
		credStore = credential.NewInMemoryStore()
		log.Printf("DATABASE_URL not set, using in-memory stores (state is lost on restart)")
	}

	var client transport.Client
	if strings.TrimSpace(cfg.TransportURL) != "" {
		ws, err := transport.NewWSClient(cfg.TransportURL, cfg.TransportAccountID)
		if err != nil {
			closeAll(closers)
			return nil, fmt.Errorf("transport client init failed: %w", err)
		}
		client = ws
	} else {
		client = transport.NewMockClient(cfg.TransportAccountID)
		log.Printf("TRANSPORT_URL not set, using mock transport")
	}
	closers = append(closers, client.Close)

	manager := history.NewManager(history.Config{
		Enabled:      cfg.HistoryEnabled,
		MaxMessages:  cfg.HistoryMaxMessages,
		CleanupDays:  cfg.HistoryCleanupDays,
		CacheSize:    cfg.HistoryCacheSize,
		StoreTimeout: cfg.StoreTimeout,
		StoreRetries: cfg.StoreRetries,
	}, historyStore, metrics)

	sup := supervisor.New(supervisor.Config{
		AccountID:   cfg.TransportAccountID,
		SaveRetries: cfg.StoreRetries,
		SaveTimeout: cfg.StoreTimeout,
	}, client, credStore, supervisor.LogNotifier{}, metrics)

	backend := router.NewMockBackend()
	rt := router.New(router.Config{
		Workers:      cfg.RouterWorkers,
		DefaultModel: cfg.DefaultModel,
		Models:       cfg.ModelAliases,
	}, manager, backend, sup, metrics)

	api := httpapi.New(cfg, sup, manager, metrics)

	cleanup := func() error {
		var errs []string
		for _, closeFn := range closers {
			if err := closeFn(); err != nil {
				errs = append(errs, err.Error())
			}
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:     cfg,
		API:        api,
		Supervisor: sup,
		Router:     rt,
		Manager:    manager,
		Metrics:    metrics,
		Cleanup:    cleanup,
	}, nil
}

func closeAll(closers []func() error) {
	for _, closeFn := range closers {
		_ = closeFn()
	}
}
