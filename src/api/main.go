package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bbernhard/caption-playground/src/api/server"
	"github.com/bbernhard/caption-playground/src/blip"
	"github.com/bbernhard/caption-playground/src/captioner"
	"github.com/bbernhard/caption-playground/src/commons"
)

func main() {
	cmd := &cobra.Command{
		Use:          "caption-api",
		Short:        "HTTP API for the image captioning playground",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := commons.ConfigFromFlags(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	commons.AddFlags(cmd)
	cmd.Flags().String("listen", ":8081", "Address the API listens on")
	cmd.Flags().Bool("embedded-model", false, "Load the model in the API process to serve synchronous captions")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *commons.Config) error {
	if err := commons.SetupLogging(cfg.LogLevel); err != nil {
		return err
	}
	if err := commons.SetupSentry(cfg.SentryDSN, "caption-api"); err != nil {
		return err
	}

	if cfg.Release {
		log.Info("[Main] Starting gin in release mode!")
		gin.SetMode(gin.ReleaseMode)
	}

	//uploads are temporary, the directory might not exist (e.q if they are stored in /tmp and the server reboots)
	if _, err := os.Stat(cfg.UploadsDir); os.IsNotExist(err) {
		log.Debug("[Main] Creating directory for uploads as it doesn't exist")
		if err := os.MkdirAll(cfg.UploadsDir, 0755); err != nil {
			log.Debug("[Main] Couldn't create directory: ", err.Error())
			return err
		}
	}

	redisPool := commons.NewRedisPool(cfg.Redis.Address, cfg.Redis.MaxConnections)
	defer redisPool.Close()

	opts := server.Options{
		Queue:      commons.NewJobQueue(redisPool),
		Limits:     cfg.Limits,
		UploadsDir: cfg.UploadsDir,
	}
	if cfg.Model.Embedded {
		provider := captioner.NewProvider(blip.Loader(blip.Options{
			ModelDir: cfg.Model.Dir,
			Decoding: cfg.Decoding,
			Fetcher:  cfg.Fetcher(),
		}))
		// fail on startup rather than with the first request
		pipeline, err := provider.Get()
		if err != nil {
			return err
		}
		defer pipeline.Close()
		opts.Captioner = provider
	}

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: server.New(opts).Router(),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("[Main] Listening on ", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("[Main] Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
