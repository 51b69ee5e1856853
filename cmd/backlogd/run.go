package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"backlog.szuro.net/internal/config"
	"backlog.szuro.net/internal/host"
	"backlog.szuro.net/internal/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the agent",
		Long:  "Load the configuration, start every configured plugin and the schedule, and run until SIGINT, SIGTERM or SIGQUIT.",
		RunE:  runAgent,
	}
}

func runAgent(cmd *cobra.Command, _ []string) error {
	conf, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	registry := loadRegistry(conf)
	for _, p := range registry.ListPlugins() {
		logger.Debug("Available plugin", slog.String("name", p.Name), slog.String("source", p.Type), slog.String("version", p.Version))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	agent := host.New(conf, registry)
	if err := agent.Start(ctx); err != nil {
		return err
	}
	config.AgentInfo.Set(1)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", conf.Http.ListenAddress, conf.Http.ListenPort),
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics endpoint failed", slog.String("listen", srv.Addr), slog.Any("error", err))
		}
	}()

	<-ctx.Done()
	logger.Info("Exiting...")
	agent.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), conf.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
