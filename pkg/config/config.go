package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the director's process configuration, loaded once at startup and
// passed explicitly to the components that need it.
type Config struct {
	Name       string `yaml:"name"`        // director name reported by /status
	UUID       string `yaml:"uuid"`        // stable director identity, used in reply subjects
	ListenAddr string `yaml:"listen_addr"` // HTTP API address

	BaseDir string `yaml:"base_dir"` // root for task logs and uploads

	Workers int `yaml:"workers"` // embedded task workers in server mode

	Log       LogConfig       `yaml:"log"`
	Database  DatabaseConfig  `yaml:"database"`
	NATS      NATSConfig      `yaml:"nats"`
	Blobstore BlobstoreConfig `yaml:"blobstore"`
	Cloud     CloudConfig     `yaml:"cloud"`
	Agent     AgentConfig     `yaml:"agent"`
	Lock      LockConfig      `yaml:"lock"`
	Update    UpdateConfig    `yaml:"update"`
}

// LogConfig controls process logging
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// DatabaseConfig points at the shared Postgres registry
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime"` // seconds
}

// NATSConfig points at the message bus used for agent RPC and the task queue
type NATSConfig struct {
	URL        string `yaml:"url"`
	TaskStream string `yaml:"task_stream"` // JetStream stream name
}

// BlobstoreConfig selects and configures the blob storage driver
type BlobstoreConfig struct {
	Driver string               `yaml:"driver"` // "local" or "s3"
	Local  LocalBlobstoreConfig `yaml:"local"`
	S3     S3BlobstoreConfig    `yaml:"s3"`
}

// LocalBlobstoreConfig stores blobs on a shared filesystem path
type LocalBlobstoreConfig struct {
	Dir string `yaml:"dir"`
}

// S3BlobstoreConfig stores blobs in an S3 bucket
type S3BlobstoreConfig struct {
	Bucket         string `yaml:"bucket"`
	Region         string `yaml:"region"`
	Endpoint       string `yaml:"endpoint"` // optional, for S3-compatible stores
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	ForcePathStyle bool   `yaml:"force_path_style"`
}

// CloudConfig selects and configures the cloud provider
type CloudConfig struct {
	Provider string              `yaml:"provider"` // "vsphere", "esx" or "dummy"
	VSphere  VSphereCloudConfig  `yaml:"vsphere"`
	Dummy    DummyCloudConfig    `yaml:"dummy"`
}

// VSphereCloudConfig configures the vSphere and ESX providers. For ESX the
// datacenter and cluster fields are ignored and Host addresses a single box.
type VSphereCloudConfig struct {
	Host       string `yaml:"host"`
	User       string `yaml:"user"`
	Password   string `yaml:"password"`
	Insecure   bool   `yaml:"insecure"`
	Datacenter string `yaml:"datacenter"`
	Cluster    string `yaml:"cluster"`
	Datastore  string `yaml:"datastore"`
	VMFolder   string `yaml:"vm_folder"`
	DiskDir    string `yaml:"disk_dir"` // datastore directory for persistent disks
}

// DummyCloudConfig configures the filesystem-backed fake cloud
type DummyCloudConfig struct {
	Dir string `yaml:"dir"` // holds the bbolt world state
}

// AgentConfig tunes agent RPC behavior
type AgentConfig struct {
	ReplyTimeout int `yaml:"reply_timeout"` // seconds per RPC, default 30
	TaskTimeout  int `yaml:"task_timeout"`  // seconds for long agent tasks, 0 = no deadline
	PingRetries  int `yaml:"ping_retries"`  // pings after VM creation before giving up
}

// LockConfig tunes the distributed lock manager
type LockConfig struct {
	TTL            int `yaml:"ttl"`             // seconds, default 30
	AcquireTimeout int `yaml:"acquire_timeout"` // seconds, default 300
}

// UpdateConfig tunes instance update behavior not expressed in manifests
type UpdateConfig struct {
	WatchGrace    int `yaml:"watch_grace"`    // seconds of polling after the watch time, default 30
	CancelPoll    int `yaml:"cancel_poll"`    // seconds between cancellation checks, default 5
	AgentWaitPoll int `yaml:"agent_wait_poll"` // max seconds between get_task polls, default 4
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = "drydock"
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":25555"
	}
	if c.BaseDir == "" {
		c.BaseDir = "/var/lib/drydock"
	}
	if c.Workers == 0 {
		c.Workers = 3
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.NATS.TaskStream == "" {
		c.NATS.TaskStream = "DRYDOCK_TASKS"
	}
	if c.Blobstore.Driver == "" {
		c.Blobstore.Driver = "local"
	}
	if c.Blobstore.Local.Dir == "" {
		c.Blobstore.Local.Dir = filepath.Join(c.BaseDir, "blobs")
	}
	if c.Cloud.Provider == "" {
		c.Cloud.Provider = "dummy"
	}
	if c.Cloud.Dummy.Dir == "" {
		c.Cloud.Dummy.Dir = filepath.Join(c.BaseDir, "dummy-cloud")
	}
	if c.Agent.ReplyTimeout == 0 {
		c.Agent.ReplyTimeout = 30
	}
	if c.Agent.PingRetries == 0 {
		c.Agent.PingRetries = 20
	}
	if c.Lock.TTL == 0 {
		c.Lock.TTL = 30
	}
	if c.Lock.AcquireTimeout == 0 {
		c.Lock.AcquireTimeout = 300
	}
	if c.Update.WatchGrace == 0 {
		c.Update.WatchGrace = 30
	}
	if c.Update.CancelPoll == 0 {
		c.Update.CancelPoll = 5
	}
	if c.Update.AgentWaitPoll == 0 {
		c.Update.AgentWaitPoll = 4
	}
}

// Validate checks settings that have no usable default.
func (c *Config) Validate() error {
	if c.UUID == "" {
		return fmt.Errorf("config: uuid is required")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("config: database.url is required")
	}
	if c.NATS.URL == "" {
		return fmt.Errorf("config: nats.url is required")
	}
	switch c.Blobstore.Driver {
	case "local":
	case "s3":
		if c.Blobstore.S3.Bucket == "" {
			return fmt.Errorf("config: blobstore.s3.bucket is required")
		}
	default:
		return fmt.Errorf("config: unknown blobstore driver %q", c.Blobstore.Driver)
	}
	switch c.Cloud.Provider {
	case "dummy":
	case "vsphere", "esx":
		if c.Cloud.VSphere.Host == "" {
			return fmt.Errorf("config: cloud.vsphere.host is required")
		}
	default:
		return fmt.Errorf("config: unknown cloud provider %q", c.Cloud.Provider)
	}
	return nil
}

// TasksDir is where task debug/event/result files live.
func (c *Config) TasksDir() string { return filepath.Join(c.BaseDir, "tasks") }

// UploadsDir is where uploaded release/stemcell tarballs are staged.
func (c *Config) UploadsDir() string { return filepath.Join(c.BaseDir, "uploads") }

// TaskDir is the output directory of a single task.
func (c *Config) TaskDir(taskID int64) string {
	return filepath.Join(c.TasksDir(), fmt.Sprintf("%d", taskID))
}

// AgentReplyTimeout returns the per-RPC reply deadline.
func (c *Config) AgentReplyTimeout() time.Duration {
	return time.Duration(c.Agent.ReplyTimeout) * time.Second
}

// AgentTaskTimeout returns the long-task deadline, zero meaning none.
func (c *Config) AgentTaskTimeout() time.Duration {
	return time.Duration(c.Agent.TaskTimeout) * time.Second
}

// LockTTL returns the lock lease duration.
func (c *Config) LockTTL() time.Duration { return time.Duration(c.Lock.TTL) * time.Second }

// LockAcquireTimeout returns how long Acquire blocks before lock_busy.
func (c *Config) LockAcquireTimeout() time.Duration {
	return time.Duration(c.Lock.AcquireTimeout) * time.Second
}

// WatchGrace returns the post-watch polling window.
func (c *Config) WatchGrace() time.Duration {
	return time.Duration(c.Update.WatchGrace) * time.Second
}

// CancelPoll returns the cancellation flag refresh interval.
func (c *Config) CancelPoll() time.Duration {
	return time.Duration(c.Update.CancelPoll) * time.Second
}

// AgentWaitPoll returns the backoff cap between get_task polls.
func (c *Config) AgentWaitPoll() time.Duration {
	return time.Duration(c.Update.AgentWaitPoll) * time.Second
}
