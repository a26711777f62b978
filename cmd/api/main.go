// Package main implements the tyrefit API server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/WessleyAI/tyrefit/engine/advisor"
	"github.com/WessleyAI/tyrefit/engine/artifacts"
	"github.com/WessleyAI/tyrefit/engine/service"
	"github.com/WessleyAI/tyrefit/engine/store"
	"github.com/WessleyAI/tyrefit/pkg/cache"
	"github.com/WessleyAI/tyrefit/pkg/config"
	"github.com/WessleyAI/tyrefit/pkg/metrics"
	"github.com/WessleyAI/tyrefit/pkg/mid"
	"github.com/WessleyAI/tyrefit/pkg/resilience"
)

func main() {
	cfgPath := flag.String("config", "", "YAML config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	logger := cfg.NewLogger(os.Stdout)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := metrics.New()
	go reg.CollectRuntime(ctx, 15*time.Second)

	// --- Artifact set: refuse to start without a complete, compatible one ---
	loadOpts := service.LoadOptions(cfg, logger)
	set, err := artifacts.Load(ctx, loadOpts)
	if err != nil {
		return err
	}
	holder := artifacts.NewHolder(set)

	deps := service.Deps{Logger: logger, Metrics: reg}
	var optional []func()
	defer func() {
		for _, f := range optional {
			f()
		}
	}()

	// --- Optional collaborators ---
	var leads leadStore
	if cfg.Neo4j.URL != "" {
		driver, err := service.ConnectNeo4j(ctx, cfg.Neo4j, logger)
		if err != nil {
			return err
		}
		optional = append(optional, func() { driver.Close(context.Background()) })
		ls := store.NewLeadStore(driver, logger)
		leads, deps.Leads = ls, ls
	}

	if cfg.NATS.URL != "" {
		nc, err := service.ConnectNATS(ctx, cfg.NATS, "tyrefit-api", logger)
		if err != nil {
			return err
		}
		optional = append(optional, nc.Close)
		deps.Notify = advisor.NATSLeadNotifier(nc)

		sub, err := artifacts.NewReloader(holder, loadOpts, logger, reg).Start(nc)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", artifacts.SubjectPublished, err)
		}
		optional = append(optional, func() { _ = sub.Unsubscribe() })
	}

	var searcher vehicleSearcher
	if cfg.Resolver.SearchEnabled {
		vs, err := service.OpenSearch(ctx, cfg.Qdrant, logger, reg)
		if err != nil {
			logger.Warn("vehicle search unavailable, resolving without it", "error", err)
		} else {
			optional = append(optional, func() { _ = vs.Close() })
			deps.Searcher, searcher = vs, vs
		}
	}

	var responses cache.Client = cache.NewMemoryClient(0)
	if cfg.Redis.Addr != "" {
		rc, err := cache.NewRedisClient(ctx, cache.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
			Prefix:   cfg.Redis.Prefix,
		})
		if err != nil {
			return err
		}
		responses = rc
	}
	optional = append(optional, func() { _ = responses.Close() })

	eng, err := service.Assemble(cfg, holder, deps)
	if err != nil {
		return err
	}

	// --- Build HTTP server ---
	s := newServer(eng, logger, reg)
	s.leads, s.notify, s.search = leads, deps.Notify, searcher
	s.cache, s.cacheTTL = responses, cfg.Redis.TTL

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      s.handler(cfg),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// --- Graceful shutdown ---
	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "addr", srv.Addr, "artifact_version", set.Version())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

// handler wraps the routes in the middleware chain, outermost first.
func (s *server) handler(cfg *config.Config) http.Handler {
	mws := []mid.Middleware{
		mid.Recover(s.logger),
		mid.RequestID(),
		mid.Logger(s.logger),
		mid.CORS(cfg.Server.CORSOrigin),
		mid.MaxBody(cfg.Server.MaxBodyBytes),
	}
	if cfg.RateLimit.RPS > 0 {
		limiter := resilience.NewKeyedLimiter(resilience.LimiterOpts{Rate: cfg.RateLimit.RPS, Burst: cfg.RateLimit.Burst}, 0)
		mws = append(mws, mid.RateLimit(limiter))
	}
	mws = append(mws, mid.OTel("tyrefit-api"))
	return mid.Chain(s.routes(), mws...)
}
