// Command tyrefit builds the catalogue index, trains the estimator bank and
// answers resolution, ranking and intent queries from the command line.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/WessleyAI/tyrefit/engine/artifacts"
	"github.com/WessleyAI/tyrefit/engine/domain"
	"github.com/WessleyAI/tyrefit/engine/search"
	"github.com/WessleyAI/tyrefit/engine/service"
	"github.com/WessleyAI/tyrefit/pkg/config"
	"github.com/spf13/cobra"
)

type app struct {
	cfgFile string
	envFile string

	cfg    *config.Config
	logger *slog.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:          "tyrefit",
		Short:        "Tyre fitment resolution and recommendation engine",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var envFiles []string
			if a.envFile != "" {
				envFiles = append(envFiles, a.envFile)
			}
			cfg, err := config.Load(a.cfgFile, envFiles...)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = cfg.NewLogger(cmd.ErrOrStderr())
			slog.SetDefault(a.logger)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "YAML config file")
	root.PersistentFlags().StringVar(&a.envFile, "env-file", "", "dotenv file to load (default .env)")

	root.AddCommand(
		a.newBuildIndexCmd(),
		a.newTrainCmd(),
		a.newResolveCmd(),
		a.newRankCmd(),
		a.newRecommendCmd(),
		a.newClassifyCmd(),
		a.newSnapshotsCmd(),
		a.newSyncSearchCmd(),
		a.newPublishCmd(),
	)
	return root
}

// engine loads the configured artifact set and wires the request path over
// it.
func (a *app) engine(ctx context.Context) (*service.Engine, func(), error) {
	set, err := artifacts.Load(ctx, service.LoadOptions(a.cfg, a.logger))
	if err != nil {
		return nil, nil, err
	}

	cleanup := func() {}
	deps := service.Deps{Logger: a.logger}
	if a.cfg.Resolver.SearchEnabled {
		s, err := service.OpenSearch(ctx, a.cfg.Qdrant, a.logger, nil)
		if err != nil {
			a.logger.Warn("vehicle search unavailable", "error", err)
		} else {
			deps.Searcher = s
			cleanup = func() { _ = s.Close() }
		}
	}
	eng, err := service.Assemble(a.cfg, artifacts.NewHolder(set), deps)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return eng, cleanup, nil
}

// vehicleIndexer is the part of search.VehicleSearch that sync-search uses.
type vehicleIndexer interface {
	EnsureCollection(ctx context.Context) error
	DeleteCollection(ctx context.Context) error
	Index(ctx context.Context, specs iter.Seq[domain.VehicleSpec]) (int, error)
	Close() error
}

var _ vehicleIndexer = (*search.VehicleSearch)(nil)

// openSearch is replaced in tests.
var openSearch = func(ctx context.Context, cfg config.QdrantConfig, logger *slog.Logger) (vehicleIndexer, error) {
	s, err := service.OpenSearch(ctx, cfg, logger, nil)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
