package main

import (
	"time"

	"github.com/WessleyAI/tyrefit/engine/artifacts"
	"github.com/WessleyAI/tyrefit/engine/index"
	"github.com/spf13/cobra"
)

func (a *app) newSnapshotsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "snapshots",
		Short: "List saved index snapshots, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			snaps, db, err := index.OpenSnapshotStore(a.cfg.Paths.SnapshotDir, a.logger)
			if err != nil {
				return err
			}
			defer db.Close()
			metas, err := snaps.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), metas)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum snapshots to list")
	return cmd
}

type syncOutput struct {
	Snapshot   string `json:"snapshot"`
	Collection string `json:"collection"`
	Indexed    int    `json:"indexed"`
	Elapsed    string `json:"elapsed"`
}

func (a *app) newSyncSearchCmd() *cobra.Command {
	var (
		snapshotID string
		recreate   bool
	)
	cmd := &cobra.Command{
		Use:   "sync-search",
		Short: "Index the catalogue vehicles of a snapshot into the search collection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			start := time.Now()

			snaps, db, err := index.OpenSnapshotStore(a.cfg.Paths.SnapshotDir, a.logger)
			if err != nil {
				return err
			}
			var idx *index.Index
			if snapshotID != "" {
				idx, _, err = snaps.Load(ctx, snapshotID)
			} else {
				idx, _, err = snaps.Latest(ctx)
			}
			db.Close()
			if err != nil {
				return err
			}

			s, err := openSearch(ctx, a.cfg.Qdrant, a.logger)
			if err != nil {
				return err
			}
			defer s.Close()
			if recreate {
				if err := s.DeleteCollection(ctx); err != nil {
					return err
				}
				if err := s.EnsureCollection(ctx); err != nil {
					return err
				}
			}
			n, err := s.Index(ctx, idx.Vehicles())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), syncOutput{
				Snapshot:   idx.Version(),
				Collection: a.cfg.Qdrant.Collection,
				Indexed:    n,
				Elapsed:    time.Since(start).Round(time.Millisecond).String(),
			})
		},
	}
	cmd.Flags().StringVar(&snapshotID, "snapshot", "", "snapshot id (default latest)")
	cmd.Flags().BoolVar(&recreate, "recreate", false, "drop and recreate the collection first")
	return cmd
}

func (a *app) newPublishCmd() *cobra.Command {
	var msg artifacts.Published
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Tell running API servers to reload their artifact set",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.announce(cmd.Context(), msg); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), msg)
		},
	}
	cmd.Flags().StringVar(&msg.SnapshotID, "snapshot", "", "snapshot id to load (default latest)")
	cmd.Flags().StringVar(&msg.ArtifactDir, "artifact-dir", "", "artifact directory to load (default the server's)")
	cmd.Flags().StringVar(&msg.Version, "version", "", "expected artifact set version, for logs")
	return cmd
}
