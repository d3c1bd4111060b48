package audit

import (
	"context"

	"mediscan/pkg/domain"
)

// Action kinds recorded by the pipeline.
const (
	ActionFileUpload            = "file_upload"
	ActionArtifactRegistered    = "artifact_registered"
	ActionArtifactStatusChanged = "artifact_status_changed"
	ActionArtifactDeleted       = "artifact_deleted"
	ActionJobCreated            = "job_created"
	ActionJobStarted            = "job_started"
	ActionJobCompleted          = "job_completed"
	ActionJobFailed             = "job_failed"
	ActionJobRetryScheduled     = "job_retry_scheduled"
	ActionRetryBudgetExhausted  = "retry_budget_exhausted"
	ActionJobCancelled          = "job_cancelled"
	ActionDispatchFailed        = "dispatch_failed"
	ActionCallbackDuplicate     = "callback_duplicate"
	ActionSignatureMismatch     = "signature_mismatch"
	ActionResultsAccessed       = "results_accessed"
	ActionRetentionPurge        = "audit_retention_purge"
)

// Resource types.
const (
	ResourceArtifact = "artifact"
	ResourceJob      = "job"
	ResourceCallback = "callback"
	ResourceLedger   = "audit_ledger"
)

// Meta is the network context of the request that caused an event.
type Meta struct {
	IP        string
	UserAgent string
	RequestID string
}

type metaContextKey struct{}

// WithMeta attaches request metadata to ctx so that entries recorded deeper
// in the call chain carry it.
func WithMeta(ctx context.Context, meta Meta) context.Context {
	return context.WithValue(ctx, metaContextKey{}, meta)
}

// MetaFromContext returns metadata stored by WithMeta.
func MetaFromContext(ctx context.Context) Meta {
	if ctx == nil {
		return Meta{}
	}
	meta, _ := ctx.Value(metaContextKey{}).(Meta)
	return meta
}

// Event is the caller's description of an action. Risk and sensitivity are
// hints; the ledger derives its own values and only lets a hint raise them.
type Event struct {
	ActorID       string
	Action        string
	ResourceType  string
	ResourceID    string
	Success       bool
	Details       map[string]any
	Meta          Meta
	RiskHint      domain.RiskLevel
	SensitiveHint bool
}
