package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/carouselsh/carousel/internal/config"
	"github.com/carouselsh/carousel/internal/logging"
	"github.com/carouselsh/carousel/internal/server"
	"github.com/carouselsh/carousel/internal/session"
	"github.com/carouselsh/carousel/internal/store"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "carousel",
		Short: "Localhost terminal session server for CLI coding agents",
	}

	rootCmd.AddCommand(
		serveCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the terminal session server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if err := cfg.ValidateLocalhostBinding(); err != nil {
				return err
			}
			if err := cfg.EnsureDirs(); err != nil {
				return err
			}

			log, closeLog, err := logging.Setup(cfg.LogFile, cfg.LogLevel)
			if err != nil {
				return fmt.Errorf("setting up logging: %w", err)
			}
			defer closeLog()

			layout := store.Layout{Root: cfg.DataDir}
			index := store.NewIndexStore(layout)
			meta := store.NewMetaStore(layout)
			transcript := store.NewTranscriptStore(layout, log)
			defer transcript.Close()

			mgr := session.NewManager(cfg, layout, index, meta, transcript, log)
			srv := server.New(cfg, mgr, log)

			httpSrv := &http.Server{
				Addr:    cfg.Addr(),
				Handler: srv.Handler(),
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
			go func() {
				<-sigCh
				log.Info("shutting down")
				cancel()
			}()

			errCh := make(chan error, 1)
			go func() {
				log.Info("server listening", "addr", cfg.Addr(), "dataDir", cfg.DataDir, "mockPty", cfg.MockPty)
				if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			select {
			case <-ctx.Done():
			case err := <-errCh:
				return fmt.Errorf("serving: %w", err)
			}

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			if err := httpSrv.Shutdown(shutdownCtx); err != nil {
				log.Error("http shutdown failed", "err", err)
			}
			mgr.Shutdown()
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("carousel", version)
		},
	}
}
