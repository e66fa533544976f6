package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/hochfrequenz/pipeline-orchestrator/internal/jobproto"
)

// Config holds all application configuration
type Config struct {
	General   GeneralConfig    `toml:"general"`
	Queue     QueueConfig      `toml:"queue"`
	Worker    WorkerConfig     `toml:"worker"`
	Web       WebConfig        `toml:"web"`
	Submit    SubmitConfig     `toml:"submit"`
	Schedules []ScheduleConfig `toml:"schedules"`
}

// GeneralConfig holds general settings. RunRetentionDays bounds how long
// terminal runs and their blobs are kept; zero disables pruning.
type GeneralConfig struct {
	DatabasePath     string `toml:"database_path"`
	BlobDir          string `toml:"blob_dir"`
	DeployDir        string `toml:"deploy_dir"`
	RunRetentionDays int    `toml:"run_retention_days"`
}

// QueueConfig holds queue and dispatch timing. Windows are per job type:
// discovery is short, build/test steps are the longest.
type QueueConfig struct {
	VisibilitySecs map[string]int `toml:"visibility_secs"`
	TimeoutSecs    map[string]int `toml:"timeout_secs"`
	MaxAttempts    int            `toml:"max_attempts"`
	ResultTTLSecs  int            `toml:"result_ttl_secs"`
}

// WorkerConfig holds worker-instance settings. Partition binds the worker to
// exactly one job-type queue and is set at construction, never derived from
// ambient state.
type WorkerConfig struct {
	ID          string `toml:"id"`
	Partition   string `toml:"partition"`
	Slots       int    `toml:"slots"`
	GitCacheDir string `toml:"git_cache_dir"`
	WorktreeDir string `toml:"worktree_dir"`
}

// WebConfig holds status API settings
type WebConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// SubmitConfig holds run-intake settings
type SubmitConfig struct {
	DropDir string `toml:"drop_dir"`
}

// ScheduleConfig defines a cron-triggered pipeline run
type ScheduleConfig struct {
	Name   string `toml:"name"`
	Cron   string `toml:"cron"`
	Repo   string `toml:"repo"`
	Branch string `toml:"branch"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".pipeline-orchestrator")
	return &Config{
		General: GeneralConfig{
			DatabasePath:     filepath.Join(base, "orchestrator.db"),
			BlobDir:          filepath.Join(base, "blobs"),
			DeployDir:        filepath.Join(base, "deployments"),
			RunRetentionDays: 30,
		},
		Queue: QueueConfig{
			VisibilitySecs: map[string]int{
				jobproto.TypeDiscovery: 60,
				jobproto.TypeStep:      1800,
				jobproto.TypeArtifact:  900,
				jobproto.TypeRelease:   300,
				jobproto.TypeDeploy:    300,
			},
			TimeoutSecs: map[string]int{
				jobproto.TypeDiscovery: 120,
				jobproto.TypeStep:      3600,
				jobproto.TypeArtifact:  1800,
				jobproto.TypeRelease:   600,
				jobproto.TypeDeploy:    600,
			},
			MaxAttempts:   3,
			ResultTTLSecs: 86400,
		},
		Worker: WorkerConfig{
			Partition:   jobproto.TypeStep,
			Slots:       2,
			GitCacheDir: filepath.Join(base, "git-cache"),
			WorktreeDir: filepath.Join(base, "worktrees"),
		},
		Web: WebConfig{
			Host: "127.0.0.1",
			Port: 8090,
		},
		Submit: SubmitConfig{
			DropDir: filepath.Join(base, "submit"),
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.General.BlobDir = ExpandPath(cfg.General.BlobDir)
	cfg.General.DeployDir = ExpandPath(cfg.General.DeployDir)
	cfg.Worker.GitCacheDir = ExpandPath(cfg.Worker.GitCacheDir)
	cfg.Worker.WorktreeDir = ExpandPath(cfg.Worker.WorktreeDir)
	cfg.Submit.DropDir = ExpandPath(cfg.Submit.DropDir)

	return cfg, nil
}

// Visibility returns the redelivery window for a job type
func (q QueueConfig) Visibility(jobType string) time.Duration {
	if secs, ok := q.VisibilitySecs[jobType]; ok && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 5 * time.Minute
}

// Timeout returns the dispatcher wait window for a job type
func (q QueueConfig) Timeout(jobType string) time.Duration {
	if secs, ok := q.TimeoutSecs[jobType]; ok && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 10 * time.Minute
}

// ResultTTL returns how long job result records are retained
func (q QueueConfig) ResultTTL() time.Duration {
	if q.ResultTTLSecs > 0 {
		return time.Duration(q.ResultTTLSecs) * time.Second
	}
	return 24 * time.Hour
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "pipeline-orchestrator", "config.toml")
}
