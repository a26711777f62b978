// Package service assembles the engine from configuration. Both binaries use
// it so that the CLI answers exactly like the API does.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/WessleyAI/tyrefit/engine/advisor"
	"github.com/WessleyAI/tyrefit/engine/artifacts"
	"github.com/WessleyAI/tyrefit/engine/estimator"
	"github.com/WessleyAI/tyrefit/engine/intent"
	"github.com/WessleyAI/tyrefit/engine/ranker"
	"github.com/WessleyAI/tyrefit/engine/resolver"
	"github.com/WessleyAI/tyrefit/engine/search"
	"github.com/WessleyAI/tyrefit/pkg/config"
	"github.com/WessleyAI/tyrefit/pkg/fn"
	"github.com/WessleyAI/tyrefit/pkg/metrics"
	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/shopspring/decimal"
)

// Serving needs the size estimator; the others degrade individual answers.
var (
	RequiredKinds = []estimator.Kind{estimator.KindSize}
	OptionalKinds = []estimator.Kind{estimator.KindBrand, estimator.KindPrice, estimator.KindIntent}
)

// ConnectRetry is used for every backing store dialled at startup.
var ConnectRetry = fn.DefaultRetry

// Deps are the optional collaborators of an Engine.
type Deps struct {
	// Searcher enables search enrichment in the resolver when
	// Resolver.SearchEnabled is set.
	Searcher resolver.Searcher
	Leads    advisor.LeadSink
	Notify   advisor.LeadNotifier
	Logger   *slog.Logger
	Metrics  *metrics.Registry
}

// Engine is the wired request path over one artifact holder.
type Engine struct {
	Holder   *artifacts.Holder
	Resolver *resolver.Resolver
	Ranker   *ranker.Ranker
	Advisor  *advisor.Advisor
	Router   *intent.Router
}

// Assemble wires resolver, ranker, advisor and intent router over h.
func Assemble(cfg *config.Config, h *artifacts.Holder, deps Deps) (*Engine, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	ropts := resolver.Options{
		Threshold:      cfg.Resolver.ConfidenceThreshold,
		SearchMinScore: cfg.Resolver.SearchMinScore,
		SearchTimeout:  cfg.Resolver.SearchTimeout,
		SearchLimit:    cfg.Resolver.SearchLimit,
		Logger:         deps.Logger.With("component", "resolver"),
		Metrics:        deps.Metrics,
	}
	if cfg.Resolver.SearchEnabled && deps.Searcher != nil {
		ropts.Searcher = deps.Searcher
	}
	res := resolver.New(h, ropts)

	kopts, err := RankerOptions(cfg.Ranker)
	if err != nil {
		return nil, err
	}
	kopts.Logger = deps.Logger.With("component", "ranker")
	kopts.Metrics = deps.Metrics
	rk, err := ranker.New(h, kopts)
	if err != nil {
		return nil, fmt.Errorf("service: ranker: %w", err)
	}

	adv := advisor.New(h, res, rk, advisor.Options{
		BrandTopK: cfg.Advisor.BrandTopK,
		PriceBand: cfg.Advisor.PriceBand,
		Logger:    deps.Logger.With("component", "advisor"),
		Metrics:   deps.Metrics,
	})
	router, err := intent.NewRouter(h, intent.NewClassifier(cfg.Intent.Threshold),
		adv.Handlers(deps.Leads, deps.Notify), deps.Logger.With("component", "intent"), deps.Metrics)
	if err != nil {
		return nil, fmt.Errorf("service: intent router: %w", err)
	}
	return &Engine{Holder: h, Resolver: res, Ranker: rk, Advisor: adv, Router: router}, nil
}

// EstimatorConfig maps the training section onto the estimator bank
// hyperparameters. Tree shapes not exposed in the config keep their
// estimator defaults.
func EstimatorConfig(t config.TrainingConfig) estimator.Config {
	cfg := estimator.DefaultConfig()
	cfg.Seed = t.Seed
	cfg.ValidationRatio = t.ValidationRatio
	if t.Trees > 0 {
		cfg.Brand.Trees = t.Trees
		cfg.Size.Trees = t.Trees
	}
	if t.MaxDepth > 0 {
		cfg.Brand.Tree.MaxDepth = t.MaxDepth
		cfg.Size.Tree.MaxDepth = max(t.MaxDepth, cfg.Size.Tree.MaxDepth)
	}
	if t.BoostingRounds > 0 {
		cfg.Price.Rounds = t.BoostingRounds
	}
	if t.LearningRate > 0 {
		cfg.Price.LearningRate = t.LearningRate
	}
	cfg.Brand.Seed = t.Seed
	cfg.Size.Seed = t.Seed + 1
	return cfg
}

// RankerOptions converts the ranker section. Empty boundaries keep the
// terciles.
func RankerOptions(c config.RankerConfig) (ranker.Options, error) {
	opts := ranker.DefaultOptions()
	if c.DefaultLimit > 0 {
		opts.DefaultLimit = c.DefaultLimit
	}
	opts.Dedupe = c.Dedupe
	switch len(c.Boundaries) {
	case 0:
	case 2:
		opts.Boundaries = [2]decimal.Decimal{decimal.NewFromFloat(c.Boundaries[0]), decimal.NewFromFloat(c.Boundaries[1])}
	default:
		return ranker.Options{}, fmt.Errorf("service: ranker: want 2 boundaries, got %d", len(c.Boundaries))
	}
	if err := opts.Validate(); err != nil {
		return ranker.Options{}, fmt.Errorf("service: ranker: %w", err)
	}
	return opts, nil
}

// LoadOptions describes the artifact set named by cfg.Paths. The snapshot
// store is opened per load, so build-index can run next to a server.
func LoadOptions(cfg *config.Config, logger *slog.Logger) artifacts.LoadOptions {
	return artifacts.LoadOptions{
		ArtifactDir: cfg.Paths.ArtifactDir,
		Required:    RequiredKinds,
		Optional:    OptionalKinds,
		SnapshotDir: cfg.Paths.SnapshotDir,
		Logger:      logger,
	}
}

// ConnectNeo4j opens a driver and waits for the server to answer.
func ConnectNeo4j(ctx context.Context, cfg config.Neo4jConfig, logger *slog.Logger) (neo4j.DriverWithContext, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URL, neo4j.BasicAuth(cfg.User, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("service: neo4j driver: %w", err)
	}
	res := fn.Retry(ctx, ConnectRetry, func(ctx context.Context) fn.Result[struct{}] {
		if err := driver.VerifyConnectivity(ctx); err != nil {
			logger.Warn("neo4j not reachable yet", "url", cfg.URL, "error", err)
			return fn.Err[struct{}](err)
		}
		return fn.Ok(struct{}{})
	})
	if _, err := res.Unwrap(); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("service: neo4j %s: %w", cfg.URL, err)
	}
	logger.Info("connected to neo4j", "url", cfg.URL)
	return driver, nil
}

// ConnectNATS connects to cfg.URL, reconnecting forever once connected.
func ConnectNATS(ctx context.Context, cfg config.NATSConfig, name string, logger *slog.Logger) (*nats.Conn, error) {
	res := fn.Retry(ctx, ConnectRetry, func(context.Context) fn.Result[*nats.Conn] {
		nc, err := nats.Connect(cfg.URL,
			nats.Name(name),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					logger.Warn("nats disconnected", "error", err)
				}
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				logger.Info("nats reconnected", "url", nc.ConnectedUrl())
			}),
		)
		return fn.FromPair(nc, err)
	})
	nc, err := res.Unwrap()
	if err != nil {
		return nil, fmt.Errorf("service: nats %s: %w", cfg.URL, err)
	}
	logger.Info("connected to nats", "url", nc.ConnectedUrl())
	return nc, nil
}

// OpenSearch dials Qdrant and makes sure the vehicle collection exists.
func OpenSearch(ctx context.Context, cfg config.QdrantConfig, logger *slog.Logger, reg *metrics.Registry) (*search.VehicleSearch, error) {
	s, err := search.New(cfg.Addr, cfg.Collection, search.Options{Logger: logger, Metrics: reg})
	if err != nil {
		return nil, err
	}
	res := fn.Retry(ctx, ConnectRetry, func(ctx context.Context) fn.Result[struct{}] {
		return fn.FromPair(struct{}{}, s.EnsureCollection(ctx))
	})
	if _, err := res.Unwrap(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}
