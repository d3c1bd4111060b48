package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mediscan/internal/util"
	"mediscan/pkg/audit"
	"mediscan/pkg/callback"
	"mediscan/pkg/domain"
	"mediscan/pkg/metrics"
)

// StepView is the public shape of one step.
type StepView struct {
	Name       string            `json:"name"`
	Status     domain.StepStatus `json:"status"`
	DurationMs int64             `json:"durationMs"`
	Detail     string            `json:"detail,omitempty"`
}

// JobView is what the status endpoint returns.
type JobView struct {
	JobID               string           `json:"jobId"`
	FileID              string           `json:"fileId"`
	Status              domain.JobStatus `json:"status"`
	Mode                string           `json:"mode"`
	Progress            int              `json:"progress"`
	Steps               []StepView       `json:"steps"`
	RetryCount          int              `json:"retryCount"`
	MaxRetries          int              `json:"maxRetries"`
	EstimatedCompletion *time.Time       `json:"estimatedCompletion,omitempty"`
	Error               *domain.JobError `json:"error,omitempty"`
	Timing              domain.JobTiming `json:"timing"`
}

// ResultView is what the results endpoint returns.
type ResultView struct {
	JobID       string           `json:"jobId"`
	FileID      string           `json:"fileId"`
	Results     domain.JobResult `json:"results"`
	CompletedAt *time.Time       `json:"completedAt,omitempty"`
}

type cachedResult struct {
	ownerID string
	view    ResultView
}

// Status returns the owner's view of a job.
func (a *App) Status(ctx context.Context, ownerID, jobID string) (JobView, error) {
	job, err := a.ownedJob(ctx, ownerID, jobID)
	if err != nil {
		return JobView{}, err
	}
	return newJobView(job, time.Now().UTC()), nil
}

// Results returns the result of a completed job. Completed jobs are
// immutable, so their results are cached.
func (a *App) Results(ctx context.Context, ownerID, jobID string, meta audit.Meta) (ResultView, error) {
	var view ResultView
	if cached, ok := a.results.Get(jobID); ok && cached.ownerID == ownerID {
		metrics.ResultsCache.WithLabelValues("hit").Inc()
		view = cached.view
	} else {
		metrics.ResultsCache.WithLabelValues("miss").Inc()
		job, err := a.ownedJob(ctx, ownerID, jobID)
		if err != nil {
			return ResultView{}, err
		}
		if job.Status != domain.JobCompleted || job.Result == nil {
			return ResultView{}, fmt.Errorf("job %s is %s: %w", job.ID, job.Status, domain.ErrResultsNotReady)
		}
		view = ResultView{
			JobID:       job.ID,
			FileID:      job.ArtifactID,
			Results:     *job.Result,
			CompletedAt: job.Timing.CompletedAt,
		}
		a.results.Add(jobID, cachedResult{ownerID: ownerID, view: view})
	}
	a.ledger.Record(ctx, audit.Event{
		ActorID:      ownerID,
		Action:       audit.ActionResultsAccessed,
		ResourceType: audit.ResourceJob,
		ResourceID:   jobID,
		Success:      true,
		Meta:         meta,
	})
	return view, nil
}

// Cancel stops a job that has not finished.
func (a *App) Cancel(ctx context.Context, ownerID, jobID string) (JobView, error) {
	job, err := a.machine.Cancel(ctx, jobID, ownerID)
	if err != nil {
		return JobView{}, err
	}
	return newJobView(job, time.Now().UTC()), nil
}

// Retry resubmits a failed job. The job is linked to its artifact again and
// handed to the dispatcher.
func (a *App) Retry(ctx context.Context, ownerID, jobID string) (JobView, error) {
	job, err := a.machine.Retry(ctx, jobID, ownerID)
	if err != nil {
		return JobView{}, err
	}
	if _, err := a.registry.AttachJob(ctx, job.ArtifactID, job.ID); err != nil {
		if _, cerr := a.machine.Cancel(ctx, job.ID, ownerID); cerr != nil {
			util.LoggerFromContext(ctx).Error("cancel unlinked retry failed", "job_id", job.ID, "err", cerr)
		}
		return JobView{}, fmt.Errorf("link retried job: %w", err)
	}
	if err := a.requeuer.Enqueue(ctx, job.ID, "manual_retry"); err != nil {
		return JobView{}, fmt.Errorf("enqueue retry: %w", err)
	}
	return newJobView(job, time.Now().UTC()), nil
}

// DeleteDocument soft-deletes an artifact and removes its stored object.
func (a *App) DeleteDocument(ctx context.Context, ownerID, fileID string, meta audit.Meta) error {
	art, err := a.registry.Delete(ctx, ownerID, fileID, meta)
	if err != nil {
		return err
	}
	if art.StorageKey != "" {
		a.discardObject(ctx, art.StorageKey)
	}
	return nil
}

// Callback authenticates and applies a worker callback.
func (a *App) Callback(ctx context.Context, raw []byte, signature string, meta audit.Meta) (callback.Outcome, error) {
	return a.verifier.VerifyAndApply(ctx, raw, signature, meta)
}

// Redispatch sends a re-queued job to the worker again. Jobs that are no
// longer queued, or whose attempt was already dispatched, are skipped so
// redelivered queue messages are harmless.
func (a *App) Redispatch(ctx context.Context, jobID string) error {
	job, err := a.machine.Get(ctx, jobID)
	if errors.Is(err, domain.ErrJobNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if job.Status != domain.JobQueued || job.Timing.DispatchedAt != nil {
		return nil
	}
	art, err := a.registry.Get(ctx, job.ArtifactID)
	if err != nil {
		return err
	}
	err = a.dispatch(ctx, job, art)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrDispatchFailure), errors.Is(err, domain.ErrInvalidTransition):
		// The job already records the outcome.
		util.LoggerFromContext(ctx).Warn("redispatch did not reach the worker", "job_id", job.ID, "err", err)
		return nil
	default:
		return err
	}
}

func (a *App) ownedJob(ctx context.Context, ownerID, jobID string) (domain.Job, error) {
	job, err := a.machine.Get(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if job.OwnerID != ownerID {
		return domain.Job{}, domain.ErrJobNotFound
	}
	return job, nil
}

func newJobView(job domain.Job, now time.Time) JobView {
	view := JobView{
		JobID:      job.ID,
		FileID:     job.ArtifactID,
		Status:     job.Status,
		Mode:       string(job.Mode),
		Progress:   job.Progress,
		Steps:      make([]StepView, 0, len(job.Steps)),
		RetryCount: job.RetryCount,
		MaxRetries: job.MaxRetries,
		Error:      job.Error,
		Timing:     job.Timing,
	}
	for _, s := range job.Steps {
		d := s.DurationMs
		if s.Status == domain.StepProcessing && s.StartedAt != nil {
			d = now.Sub(*s.StartedAt).Milliseconds()
		}
		view.Steps = append(view.Steps, StepView{Name: s.Name, Status: s.Status, DurationMs: d, Detail: s.Detail})
	}
	if eta, ok := projectCompletion(job, now); ok {
		view.EstimatedCompletion = &eta
	}
	return view
}

// projectCompletion extrapolates the finish time from progress so far.
func projectCompletion(job domain.Job, now time.Time) (time.Time, bool) {
	if job.Status.Terminal() || job.Progress <= 0 || job.Progress >= 100 {
		return time.Time{}, false
	}
	elapsed := now.Sub(job.Timing.QueuedAt)
	if elapsed <= 0 {
		return time.Time{}, false
	}
	total := time.Duration(float64(elapsed) * 100 / float64(job.Progress))
	return job.Timing.QueuedAt.Add(total), true
}
