package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/pipeline-orchestrator/internal/blob"
	"github.com/hochfrequenz/pipeline-orchestrator/internal/config"
	"github.com/hochfrequenz/pipeline-orchestrator/internal/dispatch"
	"github.com/hochfrequenz/pipeline-orchestrator/internal/engine"
	"github.com/hochfrequenz/pipeline-orchestrator/internal/intake"
	"github.com/hochfrequenz/pipeline-orchestrator/internal/jobproto"
	"github.com/hochfrequenz/pipeline-orchestrator/internal/queue"
	"github.com/hochfrequenz/pipeline-orchestrator/internal/runstate"
	"github.com/hochfrequenz/pipeline-orchestrator/internal/runstore"
	"github.com/hochfrequenz/pipeline-orchestrator/internal/worker"
	"github.com/hochfrequenz/pipeline-orchestrator/tui"
	"github.com/hochfrequenz/pipeline-orchestrator/web/api"
)

var (
	submitRepo   string
	submitBranch string
	submitCommit string
	listRepo     string
	listBranch   string
	listStatus   string
	listLimit    int
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator server",
		RunE:  runServe,
	}
	rootCmd.AddCommand(serveCmd)

	submitCmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a run for a commit",
		RunE:  runSubmit,
	}
	submitCmd.Flags().StringVar(&submitRepo, "repo", "", "repository URL")
	submitCmd.Flags().StringVar(&submitBranch, "branch", "", "branch name")
	submitCmd.Flags().StringVar(&submitCommit, "commit", "", "commit sha")
	submitCmd.MarkFlagRequired("repo")
	submitCmd.MarkFlagRequired("commit")
	rootCmd.AddCommand(submitCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE:  runList,
	}
	listCmd.Flags().StringVar(&listRepo, "repo", "", "filter by repository")
	listCmd.Flags().StringVar(&listBranch, "branch", "", "filter by branch")
	listCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	listCmd.Flags().IntVar(&listLimit, "limit", 20, "maximum number of runs")
	rootCmd.AddCommand(listCmd)

	statusCmd := &cobra.Command{
		Use:   "status [RUN]",
		Short: "Show orchestrator status, or one run's tree",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	cancelCmd := &cobra.Command{
		Use:   "cancel RUN",
		Short: "Cancel an in-flight run",
		Args:  cobra.ExactArgs(1),
		RunE:  runCancel,
	}
	rootCmd.AddCommand(cancelCmd)

	deploymentsCmd := &cobra.Command{
		Use:   "deployments TARGET PROJECT",
		Short: "Show which version a target currently runs",
		Args:  cobra.ExactArgs(2),
		RunE:  runDeployments,
	}
	rootCmd.AddCommand(deploymentsCmd)

	tuiCmd := &cobra.Command{
		Use:   "tui",
		Short: "Open the terminal dashboard",
		RunE:  runTUI,
	}
	rootCmd.AddCommand(tuiCmd)
}

// runServe wires the full orchestrator: stores, queue, dispatcher, engine,
// intake surfaces, and the HTTP API.
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.General.BlobDir, 0755); err != nil {
		return err
	}

	store, err := runstore.New(cfg.General.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening run store: %w", err)
	}
	defer store.Close()

	q, err := queue.New(cfg.General.DatabasePath, queue.Options{
		Visibility:  cfg.Queue.Visibility,
		MaxAttempts: cfg.Queue.MaxAttempts,
	})
	if err != nil {
		return fmt.Errorf("opening queue: %w", err)
	}
	defer q.Close()

	blobs, err := blob.New(cfg.General.BlobDir)
	if err != nil {
		return fmt.Errorf("opening blob store: %w", err)
	}

	tracker := runstate.New()
	dispatcher := dispatch.New(q, store, blobs, cfg.Queue.Timeout)
	eng := engine.New(dispatcher, store, tracker, engine.Options{})

	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)
	server := api.NewServer(store, eng, tracker, addr)
	eng.SetNotifier(server.BroadcastRunUpdate)

	// Runs a previous process left in flight resume before new intake opens
	if n, err := eng.Recover(); err != nil {
		return fmt.Errorf("recovering in-flight runs: %w", err)
	} else if n > 0 {
		log.Printf("resumed %d in-flight run(s)", n)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Drop-directory intake
	watcher, err := intake.NewWatcher(cfg.Submit.DropDir, eng.Submit)
	if err != nil {
		return fmt.Errorf("starting drop-dir watcher: %w", err)
	}
	watcher.Start(ctx)
	defer watcher.Stop()

	// Cron-schedule intake
	if len(cfg.Schedules) > 0 {
		sched, err := intake.NewScheduler(cfg.Schedules, eng.Submit, nil)
		if err != nil {
			return fmt.Errorf("starting scheduler: %w", err)
		}
		go sched.Start(ctx)
		defer sched.Stop()
	}

	// Periodic maintenance: result-record cleanup, run retention, and
	// dead-letter reporting.
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := store.SweepExpiredResults(); err != nil {
					log.Printf("sweeping expired results: %v", err)
				} else if n > 0 {
					log.Printf("swept %d expired result record(s)", n)
				}
				if cfg.General.RunRetentionDays > 0 {
					cutoff := time.Now().AddDate(0, 0, -cfg.General.RunRetentionDays)
					ids, err := store.PruneRuns(cutoff)
					if err != nil {
						log.Printf("pruning runs: %v", err)
					}
					for _, id := range ids {
						if err := blobs.DeleteRun(id); err != nil {
							log.Printf("deleting blobs of pruned run %s: %v", id, err)
						}
					}
					if len(ids) > 0 {
						log.Printf("pruned %d run(s) past retention", len(ids))
					}
				}
				for _, partition := range jobproto.Partitions() {
					letters, err := q.DeadLetters(partition)
					if err != nil {
						log.Printf("listing dead letters for %s: %v", partition, err)
						continue
					}
					if len(letters) > 0 {
						log.Printf("partition %s has %d dead-lettered job(s)", partition, len(letters))
					}
				}
			}
		}
	}()

	log.Printf("orchestrator listening on %s", addr)
	return server.Start()
}

func apiURL(cfg *config.Config, path string) string {
	return fmt.Sprintf("http://%s:%d%s", cfg.Web.Host, cfg.Web.Port, path)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	body, err := json.Marshal(engine.RunRequest{
		Repo:   submitRepo,
		Branch: submitBranch,
		Commit: submitCommit,
	})
	if err != nil {
		return err
	}

	resp, err := http.Post(apiURL(cfg, "/api/runs"), "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("submitting run (is the server running?): %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return apiError(resp)
	}

	var run api.RunResponse
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		return err
	}
	fmt.Printf("Submitted run %s for %s@%s\n", run.ID, run.Repo, run.Commit)
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s?repo=%s&branch=%s&status=%s&limit=%d",
		apiURL(cfg, "/api/runs"), listRepo, listBranch, listStatus, listLimit)
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("listing runs (is the server running?): %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	var runs []api.RunResponse
	if err := json.NewDecoder(resp.Body).Decode(&runs); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tREPO\tBRANCH\tCOMMIT\tSTATUS\tAGE")
	for _, run := range runs {
		created, _ := time.Parse(time.RFC3339, run.CreatedAt)
		fmt.Fprintf(w, "%s\t%s\t%s\t%.12s\t%s\t%s\n",
			run.ID, run.Repo, run.Branch, run.Commit, run.Status, humanize.Time(created))
	}
	return w.Flush()
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if len(args) == 1 {
		return printRunTree(cfg, args[0])
	}

	resp, err := http.Get(apiURL(cfg, "/api/status"))
	if err != nil {
		return fmt.Errorf("fetching status (is the server running?): %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	var status api.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return err
	}

	fmt.Printf("Runs:       %d total\n", status.Total)
	fmt.Printf("In flight:  %d\n", status.InFlight)
	fmt.Printf("Succeeded:  %d\n", status.Succeeded)
	fmt.Printf("Failed:     %d\n", status.Failed)
	fmt.Printf("Cancelled:  %d\n", status.Cancelled)
	return nil
}

func printRunTree(cfg *config.Config, runID string) error {
	resp, err := http.Get(apiURL(cfg, "/api/runs/"+runID))
	if err != nil {
		return fmt.Errorf("fetching run (is the server running?): %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	var tree api.RunTreeResponse
	if err := json.NewDecoder(resp.Body).Decode(&tree); err != nil {
		return err
	}

	fmt.Printf("Run %s  %s@%.12s  [%s]\n", tree.Run.ID, tree.Run.Repo, tree.Run.Commit, tree.Run.Status)
	if tree.Run.ErrorMessage != "" {
		fmt.Printf("Error: %s\n", tree.Run.ErrorMessage)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, group := range tree.Groups {
		fmt.Fprintf(w, "Group %d\t\t\n", group.Rank)
		for _, task := range group.Tasks {
			fmt.Fprintf(w, "  %s/%s\t%s\t%s\n", task.Phase, task.Project, task.Status, task.ErrorMessage)
			for _, step := range task.Steps {
				fmt.Fprintf(w, "    %s\t%s\t\n", step.Name, step.Status)
			}
		}
	}
	return w.Flush()
}

func runCancel(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	resp, err := http.Post(apiURL(cfg, "/api/runs/"+args[0]+"/cancel"), "application/json", nil)
	if err != nil {
		return fmt.Errorf("cancelling run (is the server running?): %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return apiError(resp)
	}
	fmt.Printf("Cancellation requested for run %s\n", args[0])
	return nil
}

// runDeployments reads the deployment pointer straight off the filesystem
func runDeployments(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	target, project := args[0], args[1]
	ptr, err := worker.NewDeployHandler(cfg.General.DeployDir).Current(target, project)
	if err != nil {
		return fmt.Errorf("reading deployment pointer: %w", err)
	}
	if ptr == nil {
		fmt.Printf("%s is not deployed on %s\n", project, target)
		return nil
	}
	fmt.Printf("%s on %s: version %s (run %s, updated %s)\n",
		ptr.Project, ptr.Target, ptr.Version, ptr.RunID, humanize.Time(ptr.UpdatedAt))
	return nil
}

// runTUI opens the dashboard directly on the database, read-only
func runTUI(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := runstore.New(cfg.General.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening run store: %w", err)
	}
	defer store.Close()

	p := tea.NewProgram(tui.NewModel(store), tea.WithAltScreen())
	_, err = p.Run()
	return err
}

func apiError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		return fmt.Errorf("%s: %s", resp.Status, body.Error)
	}
	return fmt.Errorf("unexpected response: %s", resp.Status)
}
