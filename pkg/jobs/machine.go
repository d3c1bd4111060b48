// Package jobs owns the lifecycle of processing jobs.
//
// Every mutation goes through store.JobStore.UpdateJob, so step changes,
// progress and status are written together under the per-job lock. Terminal
// jobs reject all transitions; there is no last-writer-wins.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"mediscan/internal/util"
	"mediscan/pkg/audit"
	"mediscan/pkg/domain"
	"mediscan/pkg/metrics"
	"mediscan/pkg/store"
)

// DefaultMaxRetries caps automatic re-queues after retryable failures.
const DefaultMaxRetries = 3

// ArtifactLinker is the part of the artifact registry a job touches when it
// reaches a terminal state.
type ArtifactLinker interface {
	DetachJob(ctx context.Context, artifactID, jobID string, status domain.ArtifactStatus) (domain.Artifact, error)
}

// Notifier receives terminal job snapshots.
type Notifier interface {
	NotifyJob(ctx context.Context, job domain.Job) error
}

// Config wires a Machine.
type Config struct {
	Store      store.JobStore
	Artifacts  ArtifactLinker
	Ledger     audit.Recorder
	Notifier   Notifier
	MaxRetries int
	Now        func() time.Time
}

// Machine implements the job state machine.
type Machine struct {
	store      store.JobStore
	artifacts  ArtifactLinker
	ledger     audit.Recorder
	notifier   Notifier
	maxRetries int
	now        func() time.Time
}

// New creates a state machine.
func New(cfg Config) (*Machine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("job store required")
	}
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("audit recorder required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Machine{
		store:      cfg.Store,
		artifacts:  cfg.Artifacts,
		ledger:     cfg.Ledger,
		notifier:   cfg.Notifier,
		maxRetries: cfg.MaxRetries,
		now:        cfg.Now,
	}, nil
}

// CreateInput describes a new job.
type CreateInput struct {
	ArtifactID string
	OwnerID    string
	Mode       domain.ProcessingMode
	Plan       []domain.StepSpec
}

// FailureDetail describes why an attempt failed.
type FailureDetail struct {
	Code    string
	Message string
}

// CreateJob creates a queued job with every step pending.
func (m *Machine) CreateJob(ctx context.Context, in CreateInput) (domain.Job, error) {
	if strings.TrimSpace(in.ArtifactID) == "" || strings.TrimSpace(in.OwnerID) == "" {
		return domain.Job{}, fmt.Errorf("artifact and owner required: %w", domain.ErrValidation)
	}
	if err := validatePlan(in.Plan); err != nil {
		return domain.Job{}, err
	}
	mode := in.Mode
	if mode == "" {
		mode = domain.ModeFile
	}
	steps := make([]domain.Step, 0, len(in.Plan))
	for _, spec := range in.Plan {
		steps = append(steps, domain.Step{
			Name:   strings.TrimSpace(spec.Name),
			Weight: spec.Weight,
			Status: domain.StepPending,
		})
	}
	now := m.now().UTC()
	job := domain.Job{
		ID:               util.NewID(),
		ArtifactID:       in.ArtifactID,
		OwnerID:          in.OwnerID,
		CorrelationToken: uuid.NewString(),
		Status:           domain.JobQueued,
		Mode:             mode,
		Steps:            steps,
		MaxRetries:       m.maxRetries,
		Timing:           domain.JobTiming{QueuedAt: now},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	job.Progress = Progress(job.Steps)
	if err := m.store.CreateJob(ctx, job); err != nil {
		return domain.Job{}, err
	}
	metrics.JobTransitions.WithLabelValues(string(domain.JobQueued)).Inc()
	m.ledger.Record(ctx, audit.Event{
		ActorID:      job.OwnerID,
		Action:       audit.ActionJobCreated,
		ResourceType: audit.ResourceJob,
		ResourceID:   job.ID,
		Success:      true,
		Details:      map[string]any{"artifactId": job.ArtifactID, "mode": string(job.Mode), "steps": len(job.Steps)},
	})
	return job, nil
}

// Get returns a job or domain.ErrJobNotFound.
func (m *Machine) Get(ctx context.Context, id string) (domain.Job, error) {
	job, ok, err := m.store.GetJob(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if !ok {
		return domain.Job{}, domain.ErrJobNotFound
	}
	return job, nil
}

// GetByToken resolves a worker correlation token.
func (m *Machine) GetByToken(ctx context.Context, token string) (domain.Job, error) {
	if strings.TrimSpace(token) == "" {
		return domain.Job{}, domain.ErrJobNotFound
	}
	job, ok, err := m.store.GetJobByToken(ctx, token)
	if err != nil {
		return domain.Job{}, err
	}
	if !ok {
		return domain.Job{}, domain.ErrJobNotFound
	}
	return job, nil
}

// AdvanceStep moves one step and recomputes progress in the same update.
func (m *Machine) AdvanceStep(ctx context.Context, jobID, stepName string, status domain.StepStatus, detail string) (domain.Job, error) {
	if !status.Valid() {
		return domain.Job{}, fmt.Errorf("step status %q: %w", status, domain.ErrValidation)
	}
	return m.store.UpdateJob(ctx, jobID, func(j *domain.Job) error {
		if j.Status.Terminal() {
			return fmt.Errorf("job %s is %s: %w", j.ID, j.Status, domain.ErrInvalidTransition)
		}
		idx := j.StepIndex(stepName)
		if idx < 0 {
			return fmt.Errorf("job %s step %q: %w", j.ID, stepName, domain.ErrUnknownStep)
		}
		step := &j.Steps[idx]
		if !stepCanMove(step.Status, status) {
			return fmt.Errorf("step %q: %s -> %s: %w", step.Name, step.Status, status, domain.ErrInvalidTransition)
		}
		setStepStatus(step, status, m.now().UTC())
		if detail != "" {
			step.Detail = detail
		}
		j.Progress = Progress(j.Steps)
		return nil
	})
}

// MarkDispatched stamps the dispatch time of a queued job. Complete accepts
// a dispatched job that is still queued, which covers a worker that answers
// before the dispatch response has been applied. Each attempt can be claimed
// for dispatch once; a retry clears the stamp.
func (m *Machine) MarkDispatched(ctx context.Context, jobID string) (domain.Job, error) {
	return m.store.UpdateJob(ctx, jobID, func(j *domain.Job) error {
		if j.Status != domain.JobQueued {
			return fmt.Errorf("job %s is %s: %w", j.ID, j.Status, domain.ErrInvalidTransition)
		}
		if j.Timing.DispatchedAt != nil {
			return fmt.Errorf("job %s attempt already dispatched: %w", j.ID, domain.ErrInvalidTransition)
		}
		now := m.now().UTC()
		j.Timing.DispatchedAt = &now
		return nil
	})
}

// Start moves a queued job to processing and marks the first pending step
// as in flight.
func (m *Machine) Start(ctx context.Context, jobID string) (domain.Job, error) {
	job, err := m.store.UpdateJob(ctx, jobID, func(j *domain.Job) error {
		if j.Status != domain.JobQueued {
			return fmt.Errorf("job %s is %s: %w", j.ID, j.Status, domain.ErrInvalidTransition)
		}
		now := m.now().UTC()
		j.Status = domain.JobProcessing
		j.Timing.StartedAt = &now
		for i := range j.Steps {
			if j.Steps[i].Status == domain.StepPending {
				setStepStatus(&j.Steps[i], domain.StepProcessing, now)
				break
			}
		}
		j.Progress = Progress(j.Steps)
		return nil
	})
	if err != nil {
		return domain.Job{}, err
	}
	metrics.JobTransitions.WithLabelValues(string(domain.JobProcessing)).Inc()
	m.ledger.Record(ctx, audit.Event{
		Action:       audit.ActionJobStarted,
		ResourceType: audit.ResourceJob,
		ResourceID:   job.ID,
		Success:      true,
		Details:      map[string]any{"attempt": job.RetryCount + 1},
	})
	return job, nil
}

// Complete stores the result and finishes the job. Remaining steps are
// marked completed and progress is 100.
func (m *Machine) Complete(ctx context.Context, jobID string, result domain.JobResult) (domain.Job, error) {
	job, err := m.store.UpdateJob(ctx, jobID, func(j *domain.Job) error {
		switch {
		case j.Status == domain.JobProcessing:
		case j.Status == domain.JobQueued && j.Timing.DispatchedAt != nil:
		default:
			return fmt.Errorf("job %s is %s: %w", j.ID, j.Status, domain.ErrInvalidTransition)
		}
		now := m.now().UTC()
		for i := range j.Steps {
			switch j.Steps[i].Status {
			case domain.StepPending, domain.StepProcessing:
				setStepStatus(&j.Steps[i], domain.StepCompleted, now)
			}
		}
		j.Status = domain.JobCompleted
		j.Progress = 100
		r := result
		j.Result = &r
		j.Error = nil
		j.Timing.CompletedAt = &now
		j.Timing.TotalDurationMs = now.Sub(j.Timing.QueuedAt).Milliseconds()
		begin := j.Timing.StartedAt
		if begin == nil {
			begin = j.Timing.DispatchedAt
		}
		if begin != nil {
			j.Timing.ProcessingDurationMs = now.Sub(*begin).Milliseconds()
		}
		return nil
	})
	if err != nil {
		return domain.Job{}, err
	}
	m.finish(ctx, job, domain.ArtifactCompleted, audit.Event{
		Action:  audit.ActionJobCompleted,
		Success: true,
		Details: map[string]any{
			"totalDurationMs":      job.Timing.TotalDurationMs,
			"processingDurationMs": job.Timing.ProcessingDurationMs,
			"flags":                len(result.Flags),
		},
	})
	return job, nil
}

// Fail records a failed attempt reported by the worker. Like Complete it
// needs a processing job or a queued one whose attempt was dispatched, so a
// late or repeated report cannot fail an attempt that never went out.
//
// A retryable failure with budget left puts the job back to queued,
// increments the retry counter and resets in-flight and failed steps to
// pending, so progress may drop. Otherwise the job stays failed.
func (m *Machine) Fail(ctx context.Context, jobID string, detail FailureDetail, retryable bool) (domain.Job, error) {
	return m.fail(ctx, jobID, detail, retryable, false)
}

// FailDispatch terminally fails a job whose attempt could not be handed to
// the worker. It is the one failure allowed before the dispatch stamp.
func (m *Machine) FailDispatch(ctx context.Context, jobID string, detail FailureDetail) (domain.Job, error) {
	return m.fail(ctx, jobID, detail, false, true)
}

func (m *Machine) fail(ctx context.Context, jobID string, detail FailureDetail, retryable, undispatched bool) (domain.Job, error) {
	job, err := m.store.UpdateJob(ctx, jobID, func(j *domain.Job) error {
		switch {
		case j.Status == domain.JobProcessing:
		case j.Status == domain.JobQueued && (j.Timing.DispatchedAt != nil || undispatched):
		default:
			return fmt.Errorf("job %s is %s: %w", j.ID, j.Status, domain.ErrInvalidTransition)
		}
		now := m.now().UTC()
		for i := range j.Steps {
			if j.Steps[i].Status == domain.StepProcessing {
				setStepStatus(&j.Steps[i], domain.StepFailed, now)
			}
		}
		j.Status = domain.JobFailed
		j.Error = &domain.JobError{
			Code:       detail.Code,
			Message:    detail.Message,
			Retryable:  retryable,
			OccurredAt: now,
		}
		if retryable && j.RetryCount < j.MaxRetries {
			requeue(j)
			return nil
		}
		j.Timing.CompletedAt = &now
		j.Timing.TotalDurationMs = now.Sub(j.Timing.QueuedAt).Milliseconds()
		j.Progress = Progress(j.Steps)
		return nil
	})
	if err != nil {
		return domain.Job{}, err
	}
	details := map[string]any{
		"code":       detail.Code,
		"message":    detail.Message,
		"retryable":  retryable,
		"retryCount": job.RetryCount,
		"maxRetries": job.MaxRetries,
	}
	if job.Status == domain.JobQueued {
		metrics.JobTransitions.WithLabelValues(string(domain.JobQueued)).Inc()
		m.ledger.Record(ctx, audit.Event{
			Action:       audit.ActionJobRetryScheduled,
			ResourceType: audit.ResourceJob,
			ResourceID:   job.ID,
			Success:      false,
			Details:      details,
		})
		return job, nil
	}
	action := audit.ActionJobFailed
	if retryable {
		action = audit.ActionRetryBudgetExhausted
		slog.Warn("retry budget exhausted", "job_id", job.ID, "retries", job.RetryCount)
	}
	m.finish(ctx, job, domain.ArtifactFailed, audit.Event{Action: action, Success: false, Details: details})
	return job, nil
}

// Retry resubmits a failed job on behalf of its owner. It is bounded by the
// same retry budget as automatic re-queues.
func (m *Machine) Retry(ctx context.Context, jobID, ownerID string) (domain.Job, error) {
	job, err := m.store.UpdateJob(ctx, jobID, func(j *domain.Job) error {
		if j.OwnerID != ownerID {
			return domain.ErrJobNotFound
		}
		if j.Status != domain.JobFailed {
			return fmt.Errorf("job %s is %s: %w", j.ID, j.Status, domain.ErrInvalidTransition)
		}
		if j.RetryCount >= j.MaxRetries {
			return fmt.Errorf("job %s: %w", j.ID, domain.ErrRetryBudgetExhausted)
		}
		requeue(j)
		j.Timing.CompletedAt = nil
		j.Timing.TotalDurationMs = 0
		return nil
	})
	if err != nil {
		return domain.Job{}, err
	}
	metrics.JobTransitions.WithLabelValues(string(domain.JobQueued)).Inc()
	m.ledger.Record(ctx, audit.Event{
		ActorID:      ownerID,
		Action:       audit.ActionJobRetryScheduled,
		ResourceType: audit.ResourceJob,
		ResourceID:   job.ID,
		Success:      true,
		Details:      map[string]any{"manual": true, "retryCount": job.RetryCount},
	})
	return job, nil
}

// Cancel stops a non-terminal job owned by ownerID.
func (m *Machine) Cancel(ctx context.Context, jobID, ownerID string) (domain.Job, error) {
	job, err := m.store.UpdateJob(ctx, jobID, func(j *domain.Job) error {
		if j.OwnerID != ownerID {
			return domain.ErrJobNotFound
		}
		if j.Status.Terminal() {
			return fmt.Errorf("job %s is %s: %w", j.ID, j.Status, domain.ErrInvalidTransition)
		}
		now := m.now().UTC()
		for i := range j.Steps {
			switch j.Steps[i].Status {
			case domain.StepPending, domain.StepProcessing:
				setStepStatus(&j.Steps[i], domain.StepSkipped, now)
			}
		}
		j.Status = domain.JobCancelled
		j.Timing.CompletedAt = &now
		j.Timing.TotalDurationMs = now.Sub(j.Timing.QueuedAt).Milliseconds()
		j.Progress = Progress(j.Steps)
		return nil
	})
	if err != nil {
		return domain.Job{}, err
	}
	m.finish(ctx, job, domain.ArtifactUploaded, audit.Event{ActorID: ownerID, Action: audit.ActionJobCancelled, Success: true})
	return job, nil
}

// finish runs the side effects of a terminal transition.
func (m *Machine) finish(ctx context.Context, job domain.Job, artifactStatus domain.ArtifactStatus, ev audit.Event) {
	metrics.JobTransitions.WithLabelValues(string(job.Status)).Inc()
	ev.ResourceType = audit.ResourceJob
	ev.ResourceID = job.ID
	m.ledger.Record(ctx, ev)
	logger := util.LoggerFromContext(ctx)
	if m.artifacts != nil {
		if _, err := m.artifacts.DetachJob(ctx, job.ArtifactID, job.ID, artifactStatus); err != nil {
			logger.Warn("detach job from artifact failed", "job_id", job.ID, "artifact_id", job.ArtifactID, "err", err)
		}
	}
	if m.notifier != nil {
		if err := m.notifier.NotifyJob(ctx, job); err != nil {
			logger.Warn("job notification failed", "job_id", job.ID, "err", err)
		}
	}
}

func requeue(j *domain.Job) {
	j.Status = domain.JobQueued
	j.RetryCount++
	for i := range j.Steps {
		switch j.Steps[i].Status {
		case domain.StepProcessing, domain.StepFailed:
			j.Steps[i].Status = domain.StepPending
			j.Steps[i].StartedAt = nil
			j.Steps[i].CompletedAt = nil
			j.Steps[i].DurationMs = 0
		}
	}
	j.Timing.DispatchedAt = nil
	j.Timing.StartedAt = nil
	j.Progress = Progress(j.Steps)
}

func setStepStatus(step *domain.Step, status domain.StepStatus, now time.Time) {
	step.Status = status
	switch status {
	case domain.StepProcessing:
		if step.StartedAt == nil {
			step.StartedAt = &now
		}
	case domain.StepCompleted, domain.StepFailed, domain.StepSkipped:
		step.CompletedAt = &now
		if step.StartedAt != nil {
			step.DurationMs = now.Sub(*step.StartedAt).Milliseconds()
		}
	}
}
