package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/WessleyAI/tyrefit/engine/artifacts"
	"github.com/WessleyAI/tyrefit/engine/estimator"
	"github.com/WessleyAI/tyrefit/engine/index"
	"github.com/WessleyAI/tyrefit/engine/intent"
	"github.com/WessleyAI/tyrefit/engine/service"
	"github.com/spf13/cobra"
)

type trainedArtifact struct {
	ID      string            `json:"id"`
	Path    string            `json:"path"`
	Metrics estimator.Metrics `json:"metrics"`
}

type trainOutput struct {
	Dir       string                     `json:"artifact_dir"`
	Vehicles  int                        `json:"vehicles_seen"`
	Offerings int                        `json:"offerings_seen"`
	Artifacts map[string]trainedArtifact `json:"artifacts"`
	Published bool                       `json:"published"`
	Elapsed   string                     `json:"elapsed"`
}

func (a *app) newTrainCmd() *cobra.Command {
	var (
		kindNames  []string
		utterances string
		publish    bool
	)
	cmd := &cobra.Command{
		Use:   "train <catalogue.csv>",
		Short: "Train the estimator bank and write its artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			start := time.Now()

			kinds := make([]estimator.Kind, 0, len(kindNames))
			for _, n := range kindNames {
				k, err := estimator.ParseKind(n)
				if err != nil {
					return err
				}
				kinds = append(kinds, k)
			}

			c := estimator.NewCollector(a.cfg.Training.MaxRows, a.cfg.Training.Seed)
			idx, _, err := a.buildIndex(ctx, args[0], c)
			if err != nil {
				return err
			}
			corpus := intent.Corpus(vocabulary(idx), idx.Brands())
			c.AddUtterances(corpus...)
			if utterances != "" {
				extra, err := readUtterances(utterances)
				if err != nil {
					return err
				}
				c.AddUtterances(extra...)
			}
			a.logger.Info("intent corpus ready", "utterances", intent.CorpusSize(corpus))

			arts, err := estimator.NewTrainer(service.EstimatorConfig(a.cfg.Training), a.logger).Train(ctx, c.Set(), kinds...)
			if err != nil {
				return err
			}
			vehicles, offerings := c.Seen()
			out := trainOutput{
				Dir:       a.cfg.Paths.ArtifactDir,
				Vehicles:  vehicles,
				Offerings: offerings,
				Artifacts: make(map[string]trainedArtifact, len(arts)),
			}
			for k, art := range arts {
				path, err := estimator.Save(a.cfg.Paths.ArtifactDir, art)
				if err != nil {
					return err
				}
				out.Artifacts[string(k)] = trainedArtifact{ID: art.ID, Path: path, Metrics: art.Metrics}
			}
			if publish {
				if err := a.announce(ctx, artifacts.Published{ArtifactDir: a.cfg.Paths.ArtifactDir}); err != nil {
					return err
				}
				out.Published = true
			}
			out.Elapsed = time.Since(start).Round(time.Millisecond).String()
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringSliceVar(&kindNames, "kinds", nil, "estimators to train (brand, price, size, intent); default all")
	cmd.Flags().StringVar(&utterances, "utterances", "", "CSV of extra labelled utterances (text,intent)")
	cmd.Flags().BoolVar(&publish, "publish", false, "announce the new artifacts over NATS")
	return cmd
}

// vocabulary lists the catalogue model names, used to fill the intent
// templates with vehicles customers actually ask about.
func vocabulary(idx *index.Index) []string {
	var out []string
	for _, mk := range idx.Makes() {
		out = append(out, idx.Models(mk)...)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// readUtterances reads text,intent rows. A header row is skipped when its
// second column is not a known intent.
func readUtterances(path string) ([]estimator.Utterance, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open utterances: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = 2
	r.TrimLeadingSpace = true
	var out []estimator.Utterance
	for line := 1; ; line++ {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read utterances: %w", err)
		}
		in, err := intent.Parse(row[1])
		if err != nil {
			if line == 1 {
				continue
			}
			return nil, fmt.Errorf("utterances line %d: %w", line, err)
		}
		out = append(out, estimator.Utterance{Text: row[0], Intent: string(in)})
	}
	return out, nil
}
