package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/pipeline-orchestrator/internal/dispatch"
	"github.com/hochfrequenz/pipeline-orchestrator/internal/domain"
	"github.com/hochfrequenz/pipeline-orchestrator/internal/jobproto"
)

// evaluateReleases runs the release stage for every project whose release
// predicate fired during discovery. Projects release independently of each
// other; within one project, the artifact jobs fan out in parallel and the
// packaging job runs only after every artifact succeeded.
func (e *Engine) evaluateReleases(ctx context.Context, run *domain.Run) error {
	projects := run.Discovery.ReleasingProjects()
	if len(projects) == 0 {
		return nil
	}
	log.Printf("[engine] run %s: releasing %d project(s)", run.ID, len(projects))

	g, gctx := errgroup.WithContext(ctx)
	for _, proj := range projects {
		proj := proj
		g.Go(func() error {
			return e.releaseProject(gctx, run, proj)
		})
	}
	return g.Wait()
}

// releaseProject drives one project through artifact fan-out, packaging
// and, if a target is declared, deployment. The whole stage is recorded as
// one task under the synthetic release phase.
func (e *Engine) releaseProject(ctx context.Context, run *domain.Run, proj domain.Project) error {
	now := time.Now()
	task := domain.Task{
		ID:        domain.TaskKey(run.ID, releasePhase, proj.Name),
		RunID:     run.ID,
		Project:   proj.Name,
		Phase:     releasePhase,
		Status:    domain.TaskRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.beginTask(&task); err != nil {
		return err
	}

	artifacts, err := e.buildArtifacts(ctx, run, proj, task.ID)
	if err != nil {
		e.finishTask(run.ID, task, failedOrCancelled(ctx), err.Error())
		return err
	}

	if err := e.packageRelease(ctx, run, proj, task.ID, artifacts); err != nil {
		e.finishTask(run.ID, task, failedOrCancelled(ctx), err.Error())
		return err
	}

	if proj.Release.Target != "" {
		if err := e.deployRelease(ctx, run, proj, task.ID); err != nil {
			e.finishTask(run.ID, task, failedOrCancelled(ctx), err.Error())
			return err
		}
	}

	e.finishTask(run.ID, task, domain.TaskSucceeded, "")
	return nil
}

// buildArtifacts fans out one artifact job per declared artifact and
// gathers their metadata. All of them must succeed before packaging; a
// partial set is never released.
func (e *Engine) buildArtifacts(ctx context.Context, run *domain.Run, proj domain.Project, taskID string) ([]jobproto.ArtifactResult, error) {
	specs := proj.Release.Artifacts
	results := make([]jobproto.ArtifactResult, len(specs))

	g, gctx := errgroup.WithContext(ctx)
	for i, spec := range specs {
		i, spec := i, spec

		step := domain.Step{
			ID:      domain.StepKey(taskID, spec.Name),
			TaskID:  taskID,
			Seq:     i,
			Name:    spec.Name,
			Command: spec.Command,
			Status:  domain.StepPending,
		}
		if _, err := e.store.CreateStep(&step); err != nil {
			return nil, fmt.Errorf("creating artifact step %s: %w", step.ID, err)
		}

		g.Go(func() error {
			outcome, payload := e.buildArtifact(gctx, run, proj, spec)
			e.recordStep(run.ID, step.ID, outcome.StepStatus(), stepExitCode(outcome), "")
			if !outcome.Succeeded() {
				return fmt.Errorf("artifact %s/%s: %s", proj.Name, spec.Name, outcome.Message)
			}
			if err := json.Unmarshal(payload, &results[i]); err != nil {
				return fmt.Errorf("artifact %s/%s: decoding result: %w", proj.Name, spec.Name, err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// buildArtifact dispatches a single artifact job
func (e *Engine) buildArtifact(ctx context.Context, run *domain.Run, proj domain.Project, spec domain.ArtifactSpec) (domain.Outcome, []byte) {
	msg := &jobproto.JobMessage{
		JobID:   dispatch.JobID(run.ID, releasePhase, proj.Name, spec.Name),
		JobType: jobproto.TypeArtifact,
		RunID:   run.ID,
		Phase:   releasePhase,
		Project: proj.Name,
		Step:    spec.Name,
	}
	msg.ReplyCorrelationID = msg.JobID
	if err := msg.MarshalPayload(jobproto.ArtifactPayload{
		Repo:     run.Repo,
		Commit:   run.Commit,
		Dir:      proj.Dir,
		Artifact: spec.Name,
		Command:  spec.Command,
	}); err != nil {
		return domain.Failure(err.Error()), nil
	}
	return e.dispatcher.DispatchPayload(ctx, msg)
}

// packageRelease issues exactly one packaging job carrying the aggregated
// artifact metadata.
func (e *Engine) packageRelease(ctx context.Context, run *domain.Run, proj domain.Project, taskID string, artifacts []jobproto.ArtifactResult) error {
	step := domain.Step{
		ID:     domain.StepKey(taskID, "package"),
		TaskID: taskID,
		Seq:    len(artifacts),
		Name:   "package",
		Status: domain.StepPending,
	}
	if _, err := e.store.CreateStep(&step); err != nil {
		return fmt.Errorf("creating package step: %w", err)
	}

	msg := &jobproto.JobMessage{
		JobID:   dispatch.JobID(run.ID, releasePhase, proj.Name, "package"),
		JobType: jobproto.TypeRelease,
		RunID:   run.ID,
		Phase:   releasePhase,
		Project: proj.Name,
		Step:    "package",
	}
	msg.ReplyCorrelationID = msg.JobID
	if err := msg.MarshalPayload(jobproto.ReleasePayload{
		Project:   proj.Name,
		Commit:    run.Commit,
		Artifacts: artifacts,
	}); err != nil {
		return err
	}

	outcome := e.dispatcher.Dispatch(ctx, msg)
	e.recordStep(run.ID, step.ID, outcome.StepStatus(), stepExitCode(outcome), "")
	if !outcome.Succeeded() {
		return fmt.Errorf("release %s: %s", proj.Name, outcome.Message)
	}
	return nil
}

// deployRelease moves the project's deployment pointer on its declared
// target.
func (e *Engine) deployRelease(ctx context.Context, run *domain.Run, proj domain.Project, taskID string) error {
	step := domain.Step{
		ID:     domain.StepKey(taskID, "deploy"),
		TaskID: taskID,
		Seq:    len(proj.Release.Artifacts) + 1,
		Name:   "deploy",
		Status: domain.StepPending,
	}
	if _, err := e.store.CreateStep(&step); err != nil {
		return fmt.Errorf("creating deploy step: %w", err)
	}

	msg := &jobproto.JobMessage{
		JobID:   dispatch.JobID(run.ID, releasePhase, proj.Name, "deploy"),
		JobType: jobproto.TypeDeploy,
		RunID:   run.ID,
		Phase:   releasePhase,
		Project: proj.Name,
		Step:    "deploy",
	}
	msg.ReplyCorrelationID = msg.JobID
	if err := msg.MarshalPayload(jobproto.DeployPayload{
		Project: proj.Name,
		Target:  proj.Release.Target,
		Version: shortCommit(run.Commit),
	}); err != nil {
		return err
	}

	outcome := e.dispatcher.Dispatch(ctx, msg)
	e.recordStep(run.ID, step.ID, outcome.StepStatus(), stepExitCode(outcome), "")
	if !outcome.Succeeded() {
		return fmt.Errorf("deploy %s to %s: %s", proj.Name, proj.Release.Target, outcome.Message)
	}
	return nil
}

// failedOrCancelled maps a release-stage error to the task status
func failedOrCancelled(ctx context.Context) domain.TaskStatus {
	if ctx.Err() != nil {
		return domain.TaskCancelled
	}
	return domain.TaskFailed
}
