package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/pipeline-orchestrator/internal/config"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "pipeline-orch",
		Short: "Pipeline orchestrator - commit-driven build and release runs",
		Long: `Pipeline orchestrator turns a commit into a run: it discovers the
projects and phase graph declared in the repository, executes the phases
in order through a durable job queue, and releases the projects whose
release predicate fired.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
