package intake

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hochfrequenz/pipeline-orchestrator/internal/config"
	"github.com/hochfrequenz/pipeline-orchestrator/internal/engine"
)

// ResolveFunc maps (repo, branch) to the commit a scheduled run should
// build. The default shells out to git ls-remote.
type ResolveFunc func(ctx context.Context, repo, branch string) (string, error)

// Scheduler submits runs on cron schedules. Each schedule tracks its own
// last submission so overlapping ticks never double-submit.
type Scheduler struct {
	configs map[string]config.ScheduleConfig
	parser  cron.Parser
	submit  SubmitFunc
	resolve ResolveFunc

	mu      sync.RWMutex
	lastRun map[string]time.Time
	running map[string]bool

	stopChan chan struct{}
}

// ParseCron parses a five-field cron expression
func ParseCron(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return parser.Parse(expr)
}

// NewScheduler creates a scheduler for the given schedule configs
func NewScheduler(configs []config.ScheduleConfig, submit SubmitFunc, resolve ResolveFunc) (*Scheduler, error) {
	s := &Scheduler{
		configs:  make(map[string]config.ScheduleConfig),
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		submit:   submit,
		resolve:  resolve,
		lastRun:  make(map[string]time.Time),
		running:  make(map[string]bool),
		stopChan: make(chan struct{}),
	}
	if s.resolve == nil {
		s.resolve = resolveHead
	}

	for _, cfg := range configs {
		if err := validateSchedule(cfg); err != nil {
			return nil, err
		}
		s.configs[cfg.Name] = cfg
	}
	return s, nil
}

func validateSchedule(cfg config.ScheduleConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("schedule name is required")
	}
	if cfg.Repo == "" {
		return fmt.Errorf("schedule %s: repo is required", cfg.Name)
	}
	if _, err := ParseCron(cfg.Cron); err != nil {
		return fmt.Errorf("schedule %s: invalid cron expression: %w", cfg.Name, err)
	}
	return nil
}

// NextRun returns the next submission time for a schedule
func (s *Scheduler) NextRun(name string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.configs[name]
	if !ok {
		return time.Time{}
	}
	sched, err := s.parser.Parse(cfg.Cron)
	if err != nil {
		return time.Time{}
	}
	return sched.Next(time.Now())
}

// ShouldRun reports whether a schedule is due and not already submitting
func (s *Scheduler) ShouldRun(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.configs[name]
	if !ok || s.running[name] {
		return false
	}

	sched, err := s.parser.Parse(cfg.Cron)
	if err != nil {
		return false
	}

	lastRun := s.lastRun[name]
	if lastRun.IsZero() {
		lastRun = time.Now().Add(-24 * time.Hour)
	}
	return time.Now().After(sched.Next(lastRun))
}

// MarkRunning marks a schedule as currently submitting
func (s *Scheduler) MarkRunning(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = true
}

// MarkComplete marks a schedule's submission as finished
func (s *Scheduler) MarkComplete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = false
	s.lastRun[name] = time.Now()
}

// ListSchedules returns all schedule names
func (s *Scheduler) ListSchedules() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.configs))
	for name := range s.configs {
		names = append(names, name)
	}
	return names
}

// Start runs the scheduler loop until Stop is called
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	for name := range s.configs {
		if !s.ShouldRun(name) {
			continue
		}
		s.mu.RLock()
		cfg := s.configs[name]
		s.mu.RUnlock()

		s.MarkRunning(name)
		go func(cfg config.ScheduleConfig) {
			defer s.MarkComplete(cfg.Name)
			if err := s.trigger(ctx, cfg); err != nil {
				log.Printf("[intake] schedule %s: %v", cfg.Name, err)
			}
		}(cfg)
	}
}

// trigger resolves the branch head and submits one run
func (s *Scheduler) trigger(ctx context.Context, cfg config.ScheduleConfig) error {
	commit, err := s.resolve(ctx, cfg.Repo, cfg.Branch)
	if err != nil {
		return fmt.Errorf("resolving %s@%s: %w", cfg.Repo, cfg.Branch, err)
	}

	run, err := s.submit(engine.RunRequest{Repo: cfg.Repo, Branch: cfg.Branch, Commit: commit})
	if err != nil {
		return err
	}
	log.Printf("[intake] schedule %s submitted run %s for %s", cfg.Name, run.ID, commit)
	return nil
}

// Stop stops the scheduler loop
func (s *Scheduler) Stop() {
	close(s.stopChan)
}

// resolveHead resolves a branch to its current commit via git ls-remote
func resolveHead(ctx context.Context, repo, branch string) (string, error) {
	ref := "HEAD"
	if branch != "" {
		ref = "refs/heads/" + branch
	}
	out, err := exec.CommandContext(ctx, "git", "ls-remote", repo, ref).Output()
	if err != nil {
		return "", fmt.Errorf("git ls-remote: %w", err)
	}
	fields := strings.Fields(string(out))
	if len(fields) == 0 {
		return "", fmt.Errorf("ref %s not found in %s", ref, repo)
	}
	return fields[0], nil
}
