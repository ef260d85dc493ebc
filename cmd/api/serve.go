package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"storyline/api/internal/app"
	"storyline/api/internal/cache"
	"storyline/api/internal/config"
	"storyline/api/internal/metrics"
	"storyline/api/internal/search"
	"storyline/api/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func serve(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		dataStore   app.Store
		fallback    search.Searcher
		service     *app.Service
		loadRecords func(context.Context) ([]search.StoryRecord, error)
	)
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		db, err := store.Open(ctx, cfg.DatabaseURL, store.DefaultPoolOptions())
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer db.Close()
		applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
		if err != nil {
			return fmt.Errorf("migrations failed: %w", err)
		}
		log.Info().Strs("applied", applied).Msg("migrations complete")
		dataStore = store.NewPostgresStore(db)
		pgfts := search.NewPgFTS(db)
		fallback = pgfts
		loadRecords = pgfts.LoadAllRecords
	default:
		log.Warn().Msg("using in-memory store, data is lost on restart")
		dataStore = store.NewMemoryStore()
		loadRecords = func(ctx context.Context) ([]search.StoryRecord, error) {
			return service.StoryRecords(ctx)
		}
		fallback = search.NewScan(loadRecords)
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, fallback, log)

	opts := []app.Option{
		app.WithLogger(log),
		app.WithMetrics(metrics.New()),
		app.WithIndex(searchService),
	}
	if strings.TrimSpace(cfg.RedisURL) != "" {
		revisionCache, err := cache.NewRedisRevisionCache(cfg.RedisURL, cfg.CacheTTL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer revisionCache.Close()
		opts = append(opts, app.WithCache(revisionCache))
		log.Info().Dur("ttl", cfg.CacheTTL).Msg("redis revision cache enabled")
	} else {
		opts = append(opts, app.WithCache(cache.NewLocalRevisionCache(cfg.CacheTTL)))
	}
	service = app.New(cfg, dataStore, opts...)

	if meiliClient != nil {
		records, err := loadRecords(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("load stories for reindex")
		} else {
			searchService.ReindexAll(records)
		}
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.NewHTTPServer(service, cfg.CORSOrigin).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("backend", cfg.StoreBackend).Msg("storyline api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
		return err
	}
	log.Info().Msg("server stopped")
	return nil
}
