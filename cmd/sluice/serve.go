package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	_ "github.com/sluiceproject/sluice/backend/all"
	"github.com/sluiceproject/sluice/core/rest"
	"github.com/sluiceproject/sluice/server"
)

func newServeCommand() *cobra.Command {
	var configPath string
	var address string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the v1 HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := server.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if address != "" {
				cfg.Server.Address = address
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "sluice.yml", "path to the configuration file")
	cmd.Flags().StringVarP(&address, "address", "a", "", "listen address, overriding the configuration")
	return cmd
}

func serve(ctx context.Context, cfg *server.Config) error {
	rest.ConfigureThrottle(cfg.Throttle.Limit, cfg.Throttle.Burst)

	srv, err := server.New(cfg)
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:    cfg.Server.Address,
		Handler: srv.Handler(),
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		logrus.WithField("address", cfg.Server.Address).Info("listening")
		errc <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return errors.Wrap(err, "listen")
	case <-ctx.Done():
	}

	logrus.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown")
	}
	srv.Drain()
	return nil
}
