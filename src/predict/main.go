package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/bbernhard/caption-playground/src/blip"
	"github.com/bbernhard/caption-playground/src/captioner"
	"github.com/bbernhard/caption-playground/src/commons"
	"github.com/bbernhard/caption-playground/src/predict/worker"
)

func main() {
	root := &cobra.Command{
		Use:          "caption-worker",
		Short:        "Captions the images queued by the API",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := commons.ConfigFromFlags(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWorker(ctx, cfg)
		},
	}
	commons.AddFlags(root)
	root.Flags().Int("max-workers", 5, "The number of workers to start")
	root.Flags().Int("max-worker-queue-size", 100, "The size of job queue")

	root.AddCommand(newDescribeCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newProvider(cfg *commons.Config) *captioner.Provider {
	return captioner.NewProvider(blip.Loader(blip.Options{
		ModelDir: cfg.Model.Dir,
		Decoding: cfg.Decoding,
		Fetcher:  cfg.Fetcher(),
	}))
}

func runWorker(ctx context.Context, cfg *commons.Config) error {
	if err := commons.SetupLogging(cfg.LogLevel); err != nil {
		return err
	}
	if err := commons.SetupSentry(cfg.SentryDSN, "caption-worker"); err != nil {
		return err
	}

	log.Debug("[Main] Starting Caption Worker...")
	provider := newProvider(cfg)
	pipeline, err := provider.Get()
	if err != nil {
		return err
	}
	defer pipeline.Close()

	redisPool := commons.NewRedisPool(cfg.Redis.Address, cfg.Redis.MaxConnections)
	defer redisPool.Close()
	queue := commons.NewJobQueue(redisPool)

	log.Debug("[Main] Starting Dispatcher...")
	jobQueue := make(chan worker.Job, cfg.Workers.QueueSize)
	dispatcher := worker.NewDispatcher(jobQueue, cfg.Workers.Count, provider, queue)
	dispatcher.Run(ctx)

	err = worker.Poll(ctx, queue, jobQueue, time.Second)
	dispatcher.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newDescribeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "describe <image>",
		Short: "Caption a single image and write " + captioner.ExportFileName,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := commons.ConfigFromFlags(cmd)
			if err != nil {
				return err
			}
			if err := commons.SetupLogging(cfg.LogLevel); err != nil {
				return err
			}

			maxTokens, _ := cmd.Flags().GetInt("max-tokens")
			beamWidth, _ := cmd.Flags().GetInt("beam-width")
			if err := cfg.Limits.Check(captioner.Params{MaxTokens: maxTokens, BeamWidth: beamWidth}); err != nil {
				return err
			}

			img, err := captioner.DecodeImageFile(args[0])
			if err != nil {
				return err
			}

			provider := newProvider(cfg)
			caption, err := captioner.GenerateCaption(cmd.Context(), provider, img, maxTokens, beamWidth)
			if err != nil {
				return err
			}
			if pipeline, err := provider.Get(); err == nil {
				defer pipeline.Close()
			}

			outputDir, _ := cmd.Flags().GetString("output-dir")
			path, err := captioner.WriteExport(outputDir, caption)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), caption)
			log.Debug("[Main] Caption written to ", path)
			return nil
		},
	}
	commons.AddFlags(cmd)
	cmd.Flags().Int("max-tokens", captioner.DefaultTokens, "Maximum number of generated tokens")
	cmd.Flags().Int("beam-width", captioner.DefaultBeams, "Number of beams")
	cmd.Flags().String("output-dir", ".", "Directory "+captioner.ExportFileName+" is written to")
	return cmd
}
