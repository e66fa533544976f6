package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/pipeline-orchestrator/internal/blob"
	"github.com/hochfrequenz/pipeline-orchestrator/internal/config"
	"github.com/hochfrequenz/pipeline-orchestrator/internal/jobproto"
	"github.com/hochfrequenz/pipeline-orchestrator/internal/queue"
	"github.com/hochfrequenz/pipeline-orchestrator/internal/runstore"
	"github.com/hochfrequenz/pipeline-orchestrator/internal/worker"
)

var (
	configPath string
	partition  string
	workerID   string
	slots      int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pipeline-worker",
		Short: "Worker that executes jobs from one queue partition",
		Long: `pipeline-worker consumes a single job-type partition of the durable
queue. Run one worker per job type, or several against the same
partition for throughput; the queue's visibility lease keeps them from
executing the same job concurrently.`,
		RunE: run,
	}

	rootCmd.Flags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.Flags().StringVar(&partition, "partition", "", "job-type partition to consume")
	rootCmd.Flags().StringVar(&workerID, "id", "", "worker id (generated when empty)")
	rootCmd.Flags().IntVar(&slots, "slots", 0, "concurrent job slots")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	// Flags override the config file
	if partition == "" {
		partition = cfg.Worker.Partition
	}
	if workerID == "" {
		workerID = cfg.Worker.ID
	}
	if workerID == "" {
		workerID = fmt.Sprintf("%s-%s", partition, uuid.New().String()[:8])
	}
	if slots <= 0 {
		slots = cfg.Worker.Slots
	}

	q, err := queue.New(cfg.General.DatabasePath, queue.Options{
		Visibility:  cfg.Queue.Visibility,
		MaxAttempts: cfg.Queue.MaxAttempts,
	})
	if err != nil {
		return fmt.Errorf("opening queue: %w", err)
	}
	defer q.Close()

	store, err := runstore.New(cfg.General.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening result store: %w", err)
	}
	defer store.Close()

	blobs, err := blob.New(cfg.General.BlobDir)
	if err != nil {
		return fmt.Errorf("opening blob store: %w", err)
	}

	registry, err := buildRegistry(cfg, blobs)
	if err != nil {
		return err
	}

	w, err := worker.New(worker.Options{
		ID:        workerID,
		Partition: partition,
		Slots:     slots,
		Timeout:   cfg.Queue.Visibility(partition),
		ResultTTL: cfg.Queue.ResultTTL(),
	}, q, store, blobs, registry)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		log.Printf("shutting down, waiting for in-flight jobs")
		cancel()
	}()

	return w.Run(ctx)
}

// buildRegistry registers every handler; a worker only ever invokes the
// one matching its partition.
func buildRegistry(cfg *config.Config, blobs *blob.Store) (*worker.Registry, error) {
	cache := worker.NewCheckoutCache(cfg.Worker.GitCacheDir, cfg.Worker.WorktreeDir)

	registry := worker.NewRegistry()
	handlers := map[string]worker.Handler{
		jobproto.TypeDiscovery: worker.NewDiscoveryHandler(cache),
		jobproto.TypeStep:      worker.NewStepHandler(cache, blobs),
		jobproto.TypeArtifact:  worker.NewArtifactHandler(cache, blobs),
		jobproto.TypeRelease:   worker.NewReleaseHandler(),
		jobproto.TypeDeploy:    worker.NewDeployHandler(cfg.General.DeployDir),
	}
	for jobType, h := range handlers {
		if err := registry.Register(jobType, h); err != nil {
			return nil, err
		}
	}
	return registry, nil
}
