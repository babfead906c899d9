package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/meridianhq/drydock/pkg/api"
	"github.com/meridianhq/drydock/pkg/jobs"
	"github.com/meridianhq/drydock/pkg/log"
	"github.com/meridianhq/drydock/pkg/metrics"
	"github.com/meridianhq/drydock/pkg/task"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the director: HTTP API plus embedded task workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		rt, err := openRuntime(ctx, cfg)
		if err != nil {
			return err
		}
		defer rt.close()
		logger := log.WithComponent("server")

		collector := metrics.NewCollector(rt.store)
		collector.Start()
		defer collector.Stop()

		startWorkers(ctx, rt, cfg.Workers)

		srv := api.NewServer(rt.store, rt.tasks, api.Info{
			Name:    cfg.Name,
			UUID:    cfg.UUID,
			Version: Version,
		}, cfg.UploadsDir())

		health := metrics.NewHealth(Version)
		health.Register("database", rt.store.Ping)
		health.Register("bus", rt.bus.Ping)
		srv.Health(health)

		errCh := make(chan error, 1)
		go func() { errCh <- srv.Start(cfg.ListenAddr) }()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

// startWorkers runs n task runners against the shared queue.
func startWorkers(ctx context.Context, rt *runtime, n int) {
	registry := jobs.Registry(rt.env)
	for i := 0; i < n; i++ {
		r := task.NewRunner(rt.store, rt.queue, registry, rt.cfg.TasksDir(), rt.cfg.CancelPoll())
		go func() { _ = r.Run(ctx) }()
	}
}
