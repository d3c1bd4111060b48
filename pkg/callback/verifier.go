// Package callback authenticates and applies analysis worker callbacks.
//
// Applying is idempotent: a callback for a job that is already terminal, for
// an attempt that was retired by a retry, or for an attempt not yet
// dispatched is accepted and recorded, but changes nothing.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"mediscan/internal/hmacsig"
	"mediscan/internal/util"
	"mediscan/pkg/audit"
	"mediscan/pkg/domain"
	"mediscan/pkg/jobs"
	"mediscan/pkg/metrics"
)

const (
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusProcessing = "processing"
)

// Payload is the worker callback body.
type Payload struct {
	JobID    string       `json:"jobId" validate:"required,max=128"`
	FileID   string       `json:"fileId" validate:"max=128"`
	Status   string       `json:"status" validate:"required,oneof=completed failed processing"`
	Results  *Results     `json:"results"`
	Error    *ErrorBody   `json:"error" validate:"required_if=Status failed"`
	Step     *StepUpdate  `json:"step" validate:"required_if=Status processing"`
	Metadata *ResultsMeta `json:"metadata"`
}

type Results struct {
	OCRText           string                `json:"ocrText"`
	ExtractedEntities json.RawMessage       `json:"extractedEntities"`
	Summary           string                `json:"summary"`
	QualityMetrics    domain.QualityMetrics `json:"qualityMetrics"`
	Flags             []domain.ResultFlag   `json:"flags" validate:"dive"`
	ProcessingMethod  string                `json:"processingMethod"`
}

type ResultsMeta struct {
	ProcessingTime float64 `json:"processingTime"`
	ServiceVersion string  `json:"serviceVersion"`
	ModelVersion   string  `json:"modelVersion"`
	Timestamp      string  `json:"timestamp"`
}

type ErrorBody struct {
	Code      string `json:"code" validate:"required"`
	Message   string `json:"message"`
	Transient bool   `json:"transient"`
}

// StepUpdate reports progress of one step while the job is processing.
type StepUpdate struct {
	Name   string `json:"name" validate:"required"`
	Status string `json:"status" validate:"required,oneof=pending processing completed failed skipped"`
	Detail string `json:"detail" validate:"max=1024"`
}

// Outcome describes what a callback did.
type Outcome struct {
	Job       domain.Job
	Duplicate bool
	Requeued  bool
}

// JobTransitions is the part of the state machine callbacks drive.
type JobTransitions interface {
	GetByToken(ctx context.Context, token string) (domain.Job, error)
	Get(ctx context.Context, id string) (domain.Job, error)
	Complete(ctx context.Context, jobID string, result domain.JobResult) (domain.Job, error)
	Fail(ctx context.Context, jobID string, detail jobs.FailureDetail, retryable bool) (domain.Job, error)
	AdvanceStep(ctx context.Context, jobID, stepName string, status domain.StepStatus, detail string) (domain.Job, error)
}

// Requeuer schedules another dispatch for a job the retry policy re-queued.
type Requeuer interface {
	Enqueue(ctx context.Context, jobID, reason string) error
}

// Verifier holds the shared secret; callers never pass it per request.
type Verifier struct {
	secret   []byte
	jobs     JobTransitions
	ledger   audit.Recorder
	requeuer Requeuer
	validate *validator.Validate
}

func NewVerifier(secret []byte, transitions JobTransitions, ledger audit.Recorder, requeuer Requeuer) (*Verifier, error) {
	if len(secret) == 0 {
		return nil, hmacsig.ErrSecretRequired
	}
	if transitions == nil || ledger == nil {
		return nil, errors.New("job transitions and audit recorder required")
	}
	return &Verifier{
		secret:   secret,
		jobs:     transitions,
		ledger:   ledger,
		requeuer: requeuer,
		validate: validator.New(),
	}, nil
}

// Verify checks signature against body with secret. Any failure, including
// a missing or malformed signature, is domain.ErrSignatureMismatch.
func Verify(body []byte, signature string, secret []byte) error {
	if err := hmacsig.Verify(secret, body, signature); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSignatureMismatch, err)
	}
	return nil
}

// VerifyAndApply authenticates raw and applies it to the job it names.
func (v *Verifier) VerifyAndApply(ctx context.Context, raw []byte, signature string, meta audit.Meta) (Outcome, error) {
	logger := util.LoggerFromContext(ctx)
	if err := Verify(raw, signature, v.secret); err != nil {
		metrics.CallbackOutcomes.WithLabelValues("bad_signature").Inc()
		logger.Warn("security_event", "event", audit.ActionSignatureMismatch, "ip", meta.IP)
		v.ledger.Record(ctx, audit.Event{
			Action:       audit.ActionSignatureMismatch,
			ResourceType: audit.ResourceCallback,
			Success:      false,
			Meta:         meta,
			Details:      map[string]any{"bodyBytes": len(raw), "signaturePresent": strings.TrimSpace(signature) != ""},
		})
		return Outcome{}, err
	}

	payload, err := v.decode(raw)
	if err != nil {
		metrics.CallbackOutcomes.WithLabelValues("invalid").Inc()
		return Outcome{}, err
	}

	token, attempt, scoped := jobs.ParseAttemptToken(payload.JobID)
	job, err := v.jobs.GetByToken(ctx, token)
	if err != nil {
		label := "error"
		if errors.Is(err, domain.ErrJobNotFound) {
			label = "not_found"
		}
		metrics.CallbackOutcomes.WithLabelValues(label).Inc()
		return Outcome{}, err
	}
	if stale(job, attempt, scoped) {
		return v.duplicate(ctx, job, payload, meta), nil
	}

	out, err := v.apply(ctx, job, payload)
	if errors.Is(err, domain.ErrInvalidTransition) {
		// Lost a race with another transition of the same attempt.
		if current, gerr := v.jobs.Get(ctx, job.ID); gerr == nil && stale(current, attempt, scoped) {
			return v.duplicate(ctx, current, payload, meta), nil
		}
	}
	if err != nil {
		metrics.CallbackOutcomes.WithLabelValues("rejected").Inc()
		return Outcome{}, err
	}
	metrics.CallbackOutcomes.WithLabelValues("applied").Inc()
	logger.Info("callback applied", "job_id", out.Job.ID, "status", payload.Status, "job_status", out.Job.Status)
	return out, nil
}

func (v *Verifier) decode(raw []byte) (Payload, error) {
	var p Payload
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&p); err != nil {
		return Payload{}, fmt.Errorf("decode callback: %v: %w", err, domain.ErrValidation)
	}
	p.JobID = strings.TrimSpace(p.JobID)
	p.Status = strings.ToLower(strings.TrimSpace(p.Status))
	if err := v.validate.Struct(p); err != nil {
		return Payload{}, fmt.Errorf("%s: %w", validationMessage(err), domain.ErrValidation)
	}
	return p, nil
}

// stale reports whether a callback can no longer change job: the job is
// terminal, the callback names a retired attempt, or the current attempt
// has not been dispatched yet.
func stale(job domain.Job, attempt int, scoped bool) bool {
	switch {
	case job.Status.Terminal():
		return true
	case scoped && attempt != job.RetryCount:
		return true
	case job.Status == domain.JobQueued && job.Timing.DispatchedAt == nil:
		return true
	}
	return false
}

func (v *Verifier) apply(ctx context.Context, job domain.Job, p Payload) (Outcome, error) {
	switch p.Status {
	case StatusCompleted:
		updated, err := v.jobs.Complete(ctx, job.ID, toResult(p))
		return Outcome{Job: updated}, err
	case StatusFailed:
		updated, err := v.jobs.Fail(ctx, job.ID, jobs.FailureDetail{Code: p.Error.Code, Message: p.Error.Message}, p.Error.Transient)
		if err != nil {
			return Outcome{}, err
		}
		out := Outcome{Job: updated}
		if updated.Status == domain.JobQueued {
			out.Requeued = true
			v.requeue(ctx, updated)
		}
		return out, nil
	default:
		updated, err := v.jobs.AdvanceStep(ctx, job.ID, p.Step.Name, domain.StepStatus(p.Step.Status), p.Step.Detail)
		return Outcome{Job: updated}, err
	}
}

func (v *Verifier) requeue(ctx context.Context, job domain.Job) {
	logger := util.LoggerFromContext(ctx)
	if v.requeuer == nil {
		logger.Warn("job re-queued but no redispatch queue configured", "job_id", job.ID)
		return
	}
	if err := v.requeuer.Enqueue(ctx, job.ID, "retry"); err != nil {
		logger.Error("enqueue redispatch failed", "job_id", job.ID, "err", err)
	}
}

func (v *Verifier) duplicate(ctx context.Context, job domain.Job, p Payload, meta audit.Meta) Outcome {
	metrics.CallbackOutcomes.WithLabelValues("duplicate").Inc()
	v.ledger.Record(ctx, audit.Event{
		Action:       audit.ActionCallbackDuplicate,
		ResourceType: audit.ResourceJob,
		ResourceID:   job.ID,
		Success:      true,
		Meta:         meta,
		Details:      map[string]any{"reported": p.Status, "current": string(job.Status), "attempt": job.RetryCount},
	})
	return Outcome{Job: job, Duplicate: true}
}

func toResult(p Payload) domain.JobResult {
	var r domain.JobResult
	if p.Results != nil {
		r.Summary = p.Results.Summary
		r.ExtractedEntities = p.Results.ExtractedEntities
		r.QualityMetrics = p.Results.QualityMetrics
		r.Flags = p.Results.Flags
		r.OCRText = p.Results.OCRText
		r.ProcessingMethod = p.Results.ProcessingMethod
	}
	if p.Metadata != nil {
		r.ServiceVersion = p.Metadata.ServiceVersion
		r.ModelVersion = p.Metadata.ModelVersion
		if r.QualityMetrics.ProcessingTime == 0 {
			r.QualityMetrics.ProcessingTime = p.Metadata.ProcessingTime
		}
	}
	return r
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		ve := verrs[0]
		return fmt.Sprintf("invalid callback: %s - %s", ve.Namespace(), ve.Tag())
	}
	return "invalid callback"
}
