package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/WessleyAI/tyrefit/engine/artifacts"
	"github.com/WessleyAI/tyrefit/engine/index"
	"github.com/WessleyAI/tyrefit/engine/ingest"
	"github.com/WessleyAI/tyrefit/engine/service"
	"github.com/WessleyAI/tyrefit/engine/store"
	"github.com/WessleyAI/tyrefit/pkg/metrics"
	"github.com/spf13/cobra"
)

type buildOutput struct {
	Snapshot      *index.SnapshotMeta `json:"snapshot"`
	Report        ingest.Report       `json:"report"`
	StoredInNeo4j int                 `json:"stored_in_neo4j,omitempty"`
	Published     bool                `json:"published"`
	Elapsed       string              `json:"elapsed"`
}

func (a *app) newBuildIndexCmd() *cobra.Command {
	var toNeo4j, publish bool
	cmd := &cobra.Command{
		Use:   "build-index <catalogue.csv>",
		Short: "Normalize a catalogue CSV and save it as the latest index snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			start := time.Now()

			idx, rep, err := a.buildIndex(ctx, args[0])
			if err != nil {
				return err
			}
			snaps, db, err := index.OpenSnapshotStore(a.cfg.Paths.SnapshotDir, a.logger)
			if err != nil {
				return err
			}
			defer db.Close()
			meta, err := snaps.Save(ctx, idx)
			if err != nil {
				return err
			}

			out := buildOutput{Snapshot: meta, Report: rep}
			if toNeo4j {
				n, err := a.storeVehicles(ctx, idx)
				if err != nil {
					return err
				}
				out.StoredInNeo4j = n
			}
			if publish {
				if err := a.announce(ctx, artifacts.Published{SnapshotID: meta.ID}); err != nil {
					return err
				}
				out.Published = true
			}
			out.Elapsed = time.Since(start).Round(time.Millisecond).String()
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().BoolVar(&toNeo4j, "neo4j", false, "also store the vehicle hierarchy in Neo4j")
	cmd.Flags().BoolVar(&publish, "publish", false, "announce the new snapshot over NATS")
	return cmd
}

// buildIndex streams path through the normalizer into a new index. extra
// sinks see every accepted record too.
func (a *app) buildIndex(ctx context.Context, path string, extra ...ingest.Sink) (*index.Index, ingest.Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ingest.Report{}, fmt.Errorf("open catalogue: %w", err)
	}
	defer f.Close()

	src, err := ingest.NewCSVSource(f, filepath.Base(path), a.cfg.Ingest.BatchSize)
	if err != nil {
		return nil, ingest.Report{}, err
	}
	opts := ingest.Options{
		Logger:  a.logger,
		Metrics: metrics.New(),
		Workers: a.cfg.Ingest.Workers,
		OnReject: func(_ context.Context, r ingest.Rejection) {
			a.logger.Debug("row rejected", "line", r.Line, "reason", r.Reason, "error", r.Error)
		},
	}
	return index.Build(ctx, src, opts, extra...)
}

func (a *app) storeVehicles(ctx context.Context, idx *index.Index) (int, error) {
	if a.cfg.Neo4j.URL == "" {
		return 0, fmt.Errorf("--neo4j needs NEO4J_URL or neo4j.url")
	}
	driver, err := service.ConnectNeo4j(ctx, a.cfg.Neo4j, a.logger)
	if err != nil {
		return 0, err
	}
	defer driver.Close(ctx)
	return store.NewVehicleStore(driver, a.logger).SaveAll(ctx, idx.Vehicles())
}

func (a *app) announce(ctx context.Context, msg artifacts.Published) error {
	if a.cfg.NATS.URL == "" {
		return fmt.Errorf("publishing needs NATS_URL or nats.url")
	}
	nc, err := service.ConnectNATS(ctx, a.cfg.NATS, "tyrefit-cli", a.logger)
	if err != nil {
		return err
	}
	defer nc.Close()
	if err := artifacts.Announce(ctx, nc, msg); err != nil {
		return err
	}
	if err := nc.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("flush nats: %w", err)
	}
	a.logger.Info("artifacts announced", "subject", artifacts.SubjectPublished, "snapshot", msg.SnapshotID, "artifact_dir", msg.ArtifactDir)
	return nil
}
