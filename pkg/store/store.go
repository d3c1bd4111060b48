package store

import (
	"context"
	"time"

	"mediscan/pkg/domain"
)

// ArtifactStore persists uploaded document records.
type ArtifactStore interface {
	// CreateArtifact inserts a new artifact. It returns domain.ErrDuplicateArtifact
	// when a non-deleted artifact with the same (owner, checksum) exists.
	CreateArtifact(ctx context.Context, a domain.Artifact) error
	GetArtifact(ctx context.Context, id string) (domain.Artifact, bool, error)
	FindArtifactByChecksum(ctx context.Context, ownerID, checksum string) (domain.Artifact, bool, error)
	// UpdateArtifact applies fn to the current record atomically.
	UpdateArtifact(ctx context.Context, id string, fn func(*domain.Artifact) error) (domain.Artifact, error)
}

// JobStore persists processing jobs.
type JobStore interface {
	// CreateJob inserts a queued job. It returns domain.ErrAlreadyLinked when
	// the artifact already has an active job.
	CreateJob(ctx context.Context, j domain.Job) error
	GetJob(ctx context.Context, id string) (domain.Job, bool, error)
	GetJobByToken(ctx context.Context, token string) (domain.Job, bool, error)
	// UpdateJob runs fn under a per-job lock and persists the result in the
	// same atomic step. Returning an error from fn aborts the write.
	UpdateJob(ctx context.Context, id string, fn func(*domain.Job) error) (domain.Job, error)
}

// AuditTip is the last entry of the ledger chain.
type AuditTip struct {
	Seq  int64
	Hash string
}

// AuditFilter narrows ListAudit results. Zero values match everything.
type AuditFilter struct {
	ResourceType string
	ResourceID   string
	Action       string
	Since        time.Time
	Limit        int
}

// AuditStore is append-only. Purge removes only expired, unprotected entries
// and never the chain tip.
type AuditStore interface {
	AppendAudit(ctx context.Context, build func(tip AuditTip) (domain.AuditEntry, error)) (domain.AuditEntry, error)
	ListAudit(ctx context.Context, filter AuditFilter) ([]domain.AuditEntry, error)
	PurgeExpiredAudit(ctx context.Context, now time.Time) (int64, error)
}

// Store is the full persistence surface used by the intake service.
type Store interface {
	ArtifactStore
	JobStore
	AuditStore
}
