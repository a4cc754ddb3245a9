package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"quantpipe/internal/broker"
	"quantpipe/internal/config"
	"quantpipe/internal/features"
	"quantpipe/internal/live"
	"quantpipe/internal/models"
	"quantpipe/internal/observ"
	"quantpipe/internal/pipeline"
	"quantpipe/internal/risk"
	"quantpipe/internal/strategy"
)

// Execute runs the CLI. Every subcommand loads the same YAML config
// and shares the pipeline stages, so a backtest and a live session
// differ only in where bars come from.
func Execute(ctx context.Context) error {
	var (
		configPath string
		strategyID string
	)
	root := &cobra.Command{
		Use:           "quantpipe",
		Short:         "research pipeline: features, labels, folds, models, replay",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "configs/config.yaml", "path to YAML config")
	root.PersistentFlags().StringVar(&strategyID, "strategy", "default", "strategy identifier for the model registry")

	root.AddCommand(trainCmd(ctx, &configPath, &strategyID))
	root.AddCommand(backtestCmd(ctx, &configPath, &strategyID))
	root.AddCommand(liveCmd(ctx, &configPath, &strategyID))

	return root.ExecuteContext(ctx)
}

func trainCmd(ctx context.Context, configPath, strategyID *string) *cobra.Command {
	return &cobra.Command{
		Use:   "train",
		Short: "label events, carve purged folds, and fit per-fold models",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			log := observ.NewLogger(cfg.Observ.LogLevel, cfg.Observ.LogPretty)

			p, err := pipeline.Prepare(cfg, log)
			if err != nil {
				return err
			}
			results, err := pipeline.Train(ctx, p, *strategyID, cfg.RegistryDir, log)
			if err != nil {
				return err
			}
			for _, fr := range results {
				log.Info().
					Int("fold", fr.FoldID).
					Float64("accuracy", fr.Accuracy).
					Bool("meta", fr.Meta != nil).
					Msg("fold trained")
			}
			return nil
		},
	}
}

func backtestCmd(ctx context.Context, configPath, strategyID *string) *cobra.Command {
	var (
		foldID     int
		ledgerPath string
	)
	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "replay the strategy over historical bars through the virtual broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			log := observ.NewLogger(cfg.Observ.LogLevel, cfg.Observ.LogPretty)

			p, err := pipeline.Prepare(cfg, log)
			if err != nil {
				return err
			}
			primary, meta, err := pipeline.LoadModels(cfg.RegistryDir, *strategyID, foldID, log)
			if errors.Is(err, models.ErrNotFound) {
				// first run: train and register, then replay
				results, terr := pipeline.Train(ctx, p, *strategyID, cfg.RegistryDir, log)
				if terr != nil {
					return terr
				}
				if foldID < 0 || foldID >= len(results) {
					return fmt.Errorf("fold %d out of range (%d folds)", foldID, len(results))
				}
				primary, meta = results[foldID].Primary, results[foldID].Meta
			} else if err != nil {
				return err
			}
			res, err := pipeline.Backtest(ctx, p, cfg, primary, meta, log)
			if err != nil {
				return err
			}

			if ledgerPath != "" {
				f, err := os.Create(ledgerPath)
				if err != nil {
					return err
				}
				defer f.Close()
				for _, e := range res.Ledger {
					line, err := json.Marshal(e)
					if err != nil {
						return err
					}
					if _, err := f.Write(append(line, '\n')); err != nil {
						return err
					}
				}
				log.Info().Str("path", ledgerPath).Int("entries", len(res.Ledger)).Msg("ledger written")
			}

			out, err := json.MarshalIndent(res.Report, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().IntVar(&foldID, "fold", 0, "registry fold to load models from")
	cmd.Flags().StringVar(&ledgerPath, "ledger", "", "write the fill ledger as JSONL to this path")
	return cmd
}

func pipelineFeatures(cfg config.Root) features.MatrixConfig {
	return features.MatrixConfig{
		Order:     cfg.Features.DifferencingOrder,
		Tolerance: cfg.Features.DifferencingTolerance,
		VolWindow: cfg.Features.VolWindow,
		SMAWindow: cfg.Features.SMAWindow,
		MomWindow: cfg.Features.MomentumWindow,
	}
}

func liveCmd(ctx context.Context, configPath, strategyID *string) *cobra.Command {
	var (
		foldID        int
		checkpointDir string
	)
	cmd := &cobra.Command{
		Use:   "live",
		Short: "paper-trade the strategy against a streaming feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			log := observ.NewLogger(cfg.Observ.LogLevel, cfg.Observ.LogPretty)
			if cfg.Live.FeedURL == "" {
				return &config.ConfigurationError{Field: "live.feed_url", Reason: "required for live mode"}
			}

			var metrics *observ.Metrics
			if cfg.Observ.MetricsAddr != "" {
				metrics = observ.NewMetrics(prometheus.DefaultRegisterer)
				go func() {
					if err := observ.Serve(ctx, cfg.Observ.MetricsAddr); err != nil && ctx.Err() == nil {
						log.Error().Err(err).Msg("metrics server stopped")
					}
				}()
			}

			primary, meta, err := pipeline.LoadModels(cfg.RegistryDir, *strategyID, foldID, log)
			if err != nil {
				return err
			}

			ledger := broker.NewLedger()
			vb := broker.NewVirtual(broker.VirtualConfig{
				InitialCash: cfg.Execution.InitialCash,
				FeeRate:     cfg.Execution.FeeRate,
				Slippage:    cfg.Execution.Slippage,
			}, ledger, log)
			rm := risk.NewManager(risk.Limits{
				MaxPositionFraction: cfg.Execution.MaxPositionFraction,
				MaxDailyLossPct:     cfg.Execution.MaxDailyLossPct,
			}, log)

			feed := live.NewWSFeed(cfg.Live.FeedURL, cfg.Symbol, log)
			if err := feed.Dial(ctx); err != nil {
				return err
			}
			defer feed.Close()

			runner, err := live.NewRunner(live.Config{
				Symbol:      cfg.Symbol,
				BarInterval: cfg.Live.BarInterval.Std(),
				GapFactor:   cfg.Live.GapFactor,
				MaxRetries:  cfg.Live.MaxRetries,
				BaseBackoff: cfg.Live.BaseBackoff.Std(),
				MaxBackoff:  cfg.Live.MaxBackoff.Std(),
				Strategy: strategy.Config{
					MetaThreshold:       cfg.Execution.MetaThreshold,
					MaxPositionFraction: cfg.Execution.MaxPositionFraction,
				},
				Features:   pipelineFeatures(cfg),
				PtMultiple: cfg.Labeling.BarrierPtMultiple,
				SlMultiple: cfg.Labeling.BarrierSlMultiple,
				MaxHold:    cfg.Labeling.MaxHoldingPeriod,
			}, feed, vb, rm, primary, meta, log)
			if err != nil {
				return err
			}
			if metrics != nil {
				runner.WithMetrics(metrics)
			}

			err = runner.Run(ctx)
			s := runner.Session().Snapshot()
			if checkpointDir != "" {
				if cerr := live.SaveCheckpoint(checkpointDir, cfg.Symbol, s, ledger, time.Now()); cerr != nil {
					log.Error().Err(cerr).Msg("checkpoint save failed")
				}
			}
			log.Info().
				Int("bars", s.Bars).
				Int("signals", s.Signals).
				Int("fills", s.Fills).
				Int("faults", s.Faults).
				Bool("stale", s.Stale).
				Msg("session finished")
			if ctx.Err() != nil {
				return nil // operator shutdown, not a failure
			}
			return err
		},
	}
	cmd.Flags().IntVar(&foldID, "fold", 0, "registry fold to load models from")
	cmd.Flags().StringVar(&checkpointDir, "checkpoint-dir", "artifacts/session", "directory for session state and ledger")
	return cmd
}
