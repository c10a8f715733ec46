// cmd/seglearn/train.go
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lumix-ai/seglearn/internal/artifact"
	"github.com/lumix-ai/seglearn/internal/config"
	"github.com/lumix-ai/seglearn/internal/core"
	"github.com/lumix-ai/seglearn/internal/data"
	"github.com/lumix-ai/seglearn/internal/ledger"
	"github.com/lumix-ai/seglearn/internal/monitoring"
	"github.com/lumix-ai/seglearn/internal/multihead"
	"github.com/lumix-ai/seglearn/internal/trainer"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"
)

var trainTasks []string

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train the configured tasks in order",
	Long: `Train every task of the configuration in order. Tasks the fold already
finished are skipped; a task with a latest checkpoint resumes from it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if len(trainTasks) > 0 {
			cfg.Training.Tasks = trainTasks
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runTraining(ctx, cfg)
	},
}

func init() {
	trainCmd.Flags().StringSliceVar(&trainTasks, "tasks", nil, "Override the task list")
}

func runTraining(ctx context.Context, cfg *config.Config) error {
	log.Info().Msg("Starting seglearn")
	log.Info().Msgf("Model: %d blocks %v, %d classes, %d output levels",
		len(cfg.Model.Features), cfg.Model.Features, cfg.Model.NumClasses, cfg.Model.DeepSupervision)
	log.Info().Msgf("Strategy: %s, fold %d, tasks %v", cfg.Continual.Strategy, cfg.Training.Fold, cfg.Training.Tasks)

	reg, err := multihead.New(cfg.Model, multihead.WithDevice(core.Device(cfg.Training.Device)))
	if err != nil {
		return fmt.Errorf("failed to create registry: %w", err)
	}

	opts := cfg.TrainerOptions()
	if cfg.Training.Progress {
		opts.Progress = os.Stderr
	}
	copts := cfg.ContinualOptions()
	mirror, err := artifact.Open(ctx, cfg.Artifacts.Mirror)
	if err != nil {
		return fmt.Errorf("failed to open artifact mirror: %w", err)
	}
	if mirror != nil {
		copts.Mirror = mirror
		log.Info().Msgf("Mirroring importance artifacts via %s", mirror.Driver())
	}

	metrics := monitoring.NewCollector()
	tr, err := trainer.NewContinual(ctx, opts, copts, reg, data.SyntheticSource{Config: cfg.Data})
	if err != nil {
		return err
	}
	tr.WithMetrics(metrics)

	if cfg.Ledger.Path != "" {
		l, err := ledger.Open(cfg.Ledger.Path)
		if err != nil {
			return fmt.Errorf("failed to open ledger: %w", err)
		}
		defer l.Close()
		tr.WithLedger(l)
	}

	g, gctx := errgroup.WithContext(ctx)
	runCtx, done := context.WithCancel(gctx)

	g.Go(func() error {
		defer done()
		return tr.Run(runCtx, cfg.Training.Tasks)
	})

	if cfg.Metrics.Addr != "" {
		srv := &fasthttp.Server{Handler: metrics.Handler(), Name: "seglearn"}
		g.Go(func() error {
			log.Info().Msgf("Serving metrics on %s", cfg.Metrics.Addr)
			return srv.ListenAndServe(cfg.Metrics.Addr)
		})
		g.Go(func() error {
			<-runCtx.Done()
			return srv.Shutdown()
		})
	}

	if err := g.Wait(); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Warn().Msg("Training interrupted")
		}
		return err
	}
	log.Info().Msg("Training complete")
	return nil
}
