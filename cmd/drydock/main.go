package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/meridianhq/drydock/pkg/agent"
	"github.com/meridianhq/drydock/pkg/blobstore"
	"github.com/meridianhq/drydock/pkg/bus"
	"github.com/meridianhq/drydock/pkg/cloud"
	"github.com/meridianhq/drydock/pkg/compiler"
	"github.com/meridianhq/drydock/pkg/config"
	"github.com/meridianhq/drydock/pkg/deployer"
	"github.com/meridianhq/drydock/pkg/jobs"
	"github.com/meridianhq/drydock/pkg/lock"
	"github.com/meridianhq/drydock/pkg/log"
	"github.com/meridianhq/drydock/pkg/store"
	"github.com/meridianhq/drydock/pkg/task"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "drydock",
	Short: "Drydock - deployment director for long-lived VM fleets",
	Long: `Drydock drives deployments of versioned software releases onto VMs it
manages through a cloud provider. The server exposes the HTTP API and runs
embedded task workers; standalone workers can be added on other machines
against the same database and message bus.`,
	Version: Version,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Drydock version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c",
		"/etc/drydock/config.yml", "path to the config file")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Drydock version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

// runtime holds the collaborators shared by the server and worker commands.
// Everything is constructed here once and passed explicitly.
type runtime struct {
	cfg    *config.Config
	store  *store.SQLStore
	bus    *bus.NATSBus
	queue  task.Queue
	blobs  blobstore.Blobstore
	cloud  cloud.Provider
	agents *agent.Client
	tasks  *task.Manager
	env    *jobs.Env
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
	return cfg, nil
}

func openRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	s, err := store.NewSQL(cfg.Database.URL, cfg.Database.MaxOpenConns,
		time.Duration(cfg.Database.ConnMaxLifetime)*time.Second)
	if err != nil {
		return nil, err
	}
	b, err := bus.ConnectNATS(cfg.NATS.URL)
	if err != nil {
		s.Close()
		return nil, err
	}
	q, err := task.NewJetStreamQueue(ctx, b.Conn(), cfg.NATS.TaskStream)
	if err != nil {
		b.Close()
		s.Close()
		return nil, err
	}

	var blobs blobstore.Blobstore
	switch cfg.Blobstore.Driver {
	case "s3":
		blobs, err = blobstore.NewS3(cfg.Blobstore.S3)
	default:
		blobs, err = blobstore.NewLocal(cfg.Blobstore.Local.Dir)
	}
	if err != nil {
		b.Close()
		s.Close()
		return nil, err
	}

	cld, err := cloud.New(cfg.Cloud, b)
	if err != nil {
		b.Close()
		s.Close()
		return nil, err
	}

	agents := agent.NewClient(b, cfg.UUID, agent.Options{
		ReplyTimeout: cfg.AgentReplyTimeout(),
		TaskPollMax:  cfg.AgentWaitPoll(),
		TaskTimeout:  cfg.AgentTaskTimeout(),
	})
	locks := lock.NewManager(s, cfg.LockTTL(), cfg.LockAcquireTimeout())

	env := &jobs.Env{
		Store:      s,
		Blobs:      blobs,
		Cloud:      cld,
		Agents:     agents,
		Locks:      locks,
		Compiler:   compiler.New(s, locks, cld, agents, cfg.Agent.PingRetries),
		Deployer:   deployer.New(s, cld, agents, deployer.Options{
			PingRetries: cfg.Agent.PingRetries,
			WatchGrace:  cfg.WatchGrace(),
		}),
		UploadsDir: cfg.UploadsDir(),
	}

	return &runtime{
		cfg:    cfg,
		store:  s,
		bus:    b,
		queue:  q,
		blobs:  blobs,
		cloud:  cld,
		agents: agents,
		tasks:  task.NewManager(s, q, cfg.TasksDir()),
		env:    env,
	}, nil
}

func (r *runtime) close() {
	r.bus.Close()
	r.store.Close()
}
