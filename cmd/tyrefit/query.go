package main

import (
	"strings"

	"github.com/WessleyAI/tyrefit/engine/advisor"
	"github.com/WessleyAI/tyrefit/engine/domain"
	"github.com/WessleyAI/tyrefit/engine/intent"
	"github.com/WessleyAI/tyrefit/engine/ranker"
	"github.com/WessleyAI/tyrefit/engine/resolver"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

// vehicleFlags binds the resolver query flags shared by resolve and
// recommend.
func vehicleFlags(cmd *cobra.Command, q *resolver.Query, price *float64) {
	cmd.Flags().StringVar(&q.Make, "make", "", "vehicle make")
	cmd.Flags().StringVar(&q.Model, "model", "", "vehicle model")
	cmd.Flags().StringVar(&q.Variant, "variant", "", "vehicle variant")
	cmd.Flags().StringVar(&q.VehicleType, "type", "", "vehicle type hint, e.g. Hatchback")
	cmd.Flags().StringVar(&q.FuelType, "fuel", "", "fuel type hint")
	cmd.Flags().Float64Var(price, "price", 0, "vehicle price hint")
	_ = cmd.MarkFlagRequired("make")
	_ = cmd.MarkFlagRequired("model")
}

func (a *app) newResolveCmd() *cobra.Command {
	var (
		q     resolver.Query
		price float64
	)
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve a vehicle to its tyre size",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, done, err := a.engine(cmd.Context())
			if err != nil {
				return err
			}
			defer done()
			if price > 0 {
				q.Price = decimal.NewFromFloat(price)
			}
			res, err := eng.Resolver.Resolve(cmd.Context(), q)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	vehicleFlags(cmd, &q, &price)
	return cmd
}

func (a *app) newRankCmd() *cobra.Command {
	var (
		q    ranker.Query
		tier string
	)
	cmd := &cobra.Command{
		Use:   "rank",
		Short: "Rank catalogue offerings for a tyre size",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, err := domain.ParseBudgetTier(tier)
			if err != nil {
				return err
			}
			q.Tier = t
			eng, done, err := a.engine(cmd.Context())
			if err != nil {
				return err
			}
			defer done()
			ranking, err := eng.Ranker.Rank(q)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), ranking)
		},
	}
	cmd.Flags().StringVar(&q.TyreSize, "size", "", "tyre size, e.g. \"185/65 R15\"")
	cmd.Flags().StringVar(&tier, "tier", "", "budget tier: budget, mid or premium")
	cmd.Flags().IntVar(&q.Limit, "limit", 0, "number of offerings (default from config)")
	cmd.Flags().StringVar(&q.Usage, "usage", "", "usage hint matched against tyre features")
	_ = cmd.MarkFlagRequired("size")
	return cmd
}

func (a *app) newRecommendCmd() *cobra.Command {
	var (
		req   advisor.Request
		price float64
		tier  string
	)
	cmd := &cobra.Command{
		Use:   "recommend",
		Short: "Resolve a vehicle and recommend tyres for it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, err := domain.ParseBudgetTier(tier)
			if err != nil {
				return err
			}
			req.Tier = t
			if price > 0 {
				req.Vehicle.Price = decimal.NewFromFloat(price)
			}
			eng, done, err := a.engine(cmd.Context())
			if err != nil {
				return err
			}
			defer done()
			rec, err := eng.Advisor.Recommend(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rec)
		},
	}
	vehicleFlags(cmd, &req.Vehicle, &price)
	cmd.Flags().StringVar(&tier, "tier", "", "budget tier: budget, mid or premium")
	cmd.Flags().IntVar(&req.Limit, "limit", 0, "number of offerings (default from config)")
	cmd.Flags().StringVar(&req.Usage, "usage", "", "usage hint matched against tyre features")
	return cmd
}

func (a *app) newClassifyCmd() *cobra.Command {
	var reply bool
	cmd := &cobra.Command{
		Use:   "classify <utterance...>",
		Short: "Classify a customer message, optionally answering it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			eng, done, err := a.engine(cmd.Context())
			if err != nil {
				return err
			}
			defer done()
			if reply {
				r, err := eng.Router.Dispatch(cmd.Context(), text)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), r)
			}
			set, err := eng.Holder.Current()
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), intent.NewClassifier(a.cfg.Intent.Threshold).Classify(set, text))
		},
	}
	cmd.Flags().BoolVar(&reply, "reply", false, "dispatch to the intent handler and print its reply")
	return cmd
}
