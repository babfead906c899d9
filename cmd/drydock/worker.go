package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/meridianhq/drydock/pkg/jobs"
	"github.com/meridianhq/drydock/pkg/log"
	"github.com/meridianhq/drydock/pkg/task"
)

var workerCount int

func init() {
	workerCmd.Flags().IntVar(&workerCount, "workers", 0,
		"number of task workers (defaults to the config value)")
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a standalone task worker pool",
	Long: `Consumes tasks from the shared queue without serving the API. Workers on
any machine share the database, the message bus and the blobstore, so adding
worker processes scales task throughput horizontally.`,
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

		n := workerCount
		if n <= 0 {
			n = cfg.Workers
		}
		logger := log.WithComponent("worker-pool")
		logger.Info().Int("workers", n).Msg("worker pool started")

		registry := jobs.Registry(rt.env)
		done := make(chan struct{}, n)
		for i := 0; i < n; i++ {
			r := task.NewRunner(rt.store, rt.queue, registry, cfg.TasksDir(), cfg.CancelPoll())
			go func() {
				_ = r.Run(ctx)
				done <- struct{}{}
			}()
		}
		for i := 0; i < n; i++ {
			<-done
		}
		logger.Info().Msg("worker pool stopped")
		return nil
	},
}
