// Package artifact tracks uploaded documents and their lifecycle.
package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"mediscan/internal/util"
	"mediscan/pkg/audit"
	"mediscan/pkg/domain"
	"mediscan/pkg/store"
)

var transitions = map[domain.ArtifactStatus][]domain.ArtifactStatus{
	domain.ArtifactUploaded:   {domain.ArtifactProcessing, domain.ArtifactFailed, domain.ArtifactDeleted},
	domain.ArtifactProcessing: {domain.ArtifactCompleted, domain.ArtifactFailed, domain.ArtifactUploaded, domain.ArtifactDeleted},
	domain.ArtifactFailed:     {domain.ArtifactProcessing, domain.ArtifactDeleted},
	domain.ArtifactCompleted:  {domain.ArtifactProcessing, domain.ArtifactDeleted},
}

// CanTransition reports whether from -> to is allowed. Deleted is final.
func CanTransition(from, to domain.ArtifactStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Registry owns artifact records.
type Registry struct {
	store  store.ArtifactStore
	ledger audit.Recorder
	now    func() time.Time
}

// NewRegistry creates a registry.
func NewRegistry(s store.ArtifactStore, ledger audit.Recorder) *Registry {
	return &Registry{store: s, ledger: ledger, now: time.Now}
}

// RegisterInput describes a validated upload.
type RegisterInput struct {
	ID               string
	OwnerID          string
	Checksum         string
	SizeBytes        int64
	MediaType        string
	StorageKey       string
	OriginalFilename string
	ExtractedText    *domain.ExtractedText
	Metadata         json.RawMessage
	Meta             audit.Meta
}

// Register creates an artifact in uploaded state. It fails with
// domain.ErrDuplicateArtifact if the owner already has a live artifact
// with the same checksum.
func (r *Registry) Register(ctx context.Context, in RegisterInput) (domain.Artifact, error) {
	if strings.TrimSpace(in.OwnerID) == "" || strings.TrimSpace(in.Checksum) == "" {
		return domain.Artifact{}, fmt.Errorf("owner and checksum required: %w", domain.ErrValidation)
	}
	if in.SizeBytes <= 0 {
		return domain.Artifact{}, fmt.Errorf("empty document: %w", domain.ErrValidation)
	}
	id := in.ID
	if id == "" {
		id = util.NewID()
	}
	now := r.now().UTC()
	a := domain.Artifact{
		ID:               id,
		OwnerID:          in.OwnerID,
		Checksum:         in.Checksum,
		SizeBytes:        in.SizeBytes,
		MediaType:        in.MediaType,
		OriginalFilename: in.OriginalFilename,
		StorageKey:       in.StorageKey,
		Status:           domain.ArtifactUploaded,
		ExtractedText:    in.ExtractedText,
		Metadata:         in.Metadata,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := r.store.CreateArtifact(ctx, a); err != nil {
		return domain.Artifact{}, err
	}
	r.ledger.Record(ctx, audit.Event{
		ActorID:      in.OwnerID,
		Action:       audit.ActionArtifactRegistered,
		ResourceType: audit.ResourceArtifact,
		ResourceID:   a.ID,
		Success:      true,
		Meta:         in.Meta,
		Details: map[string]any{
			"checksum":  a.Checksum,
			"sizeBytes": a.SizeBytes,
			"mediaType": a.MediaType,
			"textMode":  a.ExtractedText != nil,
		},
	})
	return a, nil
}

// Get returns an artifact or domain.ErrArtifactNotFound.
func (r *Registry) Get(ctx context.Context, id string) (domain.Artifact, error) {
	a, ok, err := r.store.GetArtifact(ctx, id)
	if err != nil {
		return domain.Artifact{}, err
	}
	if !ok {
		return domain.Artifact{}, domain.ErrArtifactNotFound
	}
	return a, nil
}

// FindByChecksum returns the owner's live artifact for checksum, if any.
func (r *Registry) FindByChecksum(ctx context.Context, ownerID, checksum string) (domain.Artifact, bool, error) {
	return r.store.FindArtifactByChecksum(ctx, ownerID, checksum)
}

// MarkStatus moves an artifact along its lifecycle. Setting the current
// status again is a no-op.
func (r *Registry) MarkStatus(ctx context.Context, id string, status domain.ArtifactStatus) (domain.Artifact, error) {
	var from domain.ArtifactStatus
	a, err := r.store.UpdateArtifact(ctx, id, func(a *domain.Artifact) error {
		from = a.Status
		if a.Status == status {
			return nil
		}
		if !CanTransition(a.Status, status) {
			return fmt.Errorf("artifact %s: %s -> %s: %w", a.ID, a.Status, status, domain.ErrInvalidTransition)
		}
		a.Status = status
		if status == domain.ArtifactDeleted {
			now := r.now().UTC()
			a.DeletedAt = &now
		}
		return nil
	})
	if err != nil {
		return domain.Artifact{}, err
	}
	if from != status {
		r.recordStatus(ctx, a, from, audit.Meta{})
	}
	return a, nil
}

// AttachJob links jobID as the artifact's active job and moves the
// artifact to processing.
func (r *Registry) AttachJob(ctx context.Context, id, jobID string) (domain.Artifact, error) {
	var from domain.ArtifactStatus
	a, err := r.store.UpdateArtifact(ctx, id, func(a *domain.Artifact) error {
		from = a.Status
		if a.ActiveJobID != "" && a.ActiveJobID != jobID {
			return fmt.Errorf("artifact %s linked to %s: %w", a.ID, a.ActiveJobID, domain.ErrAlreadyLinked)
		}
		if a.Status != domain.ArtifactProcessing && !CanTransition(a.Status, domain.ArtifactProcessing) {
			return fmt.Errorf("artifact %s is %s: %w", a.ID, a.Status, domain.ErrInvalidTransition)
		}
		a.ActiveJobID = jobID
		a.Status = domain.ArtifactProcessing
		return nil
	})
	if err != nil {
		return domain.Artifact{}, err
	}
	if from != a.Status {
		r.recordStatus(ctx, a, from, audit.Meta{})
	}
	return a, nil
}

// DetachJob clears the link to jobID and sets the artifact's resulting status.
// A stale jobID is ignored.
func (r *Registry) DetachJob(ctx context.Context, id, jobID string, status domain.ArtifactStatus) (domain.Artifact, error) {
	var from domain.ArtifactStatus
	a, err := r.store.UpdateArtifact(ctx, id, func(a *domain.Artifact) error {
		from = a.Status
		if a.ActiveJobID != jobID {
			return nil
		}
		a.ActiveJobID = ""
		if a.Status != status && CanTransition(a.Status, status) {
			a.Status = status
		}
		return nil
	})
	if err != nil {
		return domain.Artifact{}, err
	}
	if from != a.Status {
		r.recordStatus(ctx, a, from, audit.Meta{})
	}
	return a, nil
}

// Delete soft-deletes an artifact owned by ownerID. Artifacts with an
// active job cannot be deleted.
func (r *Registry) Delete(ctx context.Context, ownerID, id string, meta audit.Meta) (domain.Artifact, error) {
	a, err := r.store.UpdateArtifact(ctx, id, func(a *domain.Artifact) error {
		if a.OwnerID != ownerID || a.Status == domain.ArtifactDeleted {
			return domain.ErrArtifactNotFound
		}
		if a.ActiveJobID != "" {
			return fmt.Errorf("artifact %s: %w", a.ID, domain.ErrAlreadyLinked)
		}
		now := r.now().UTC()
		a.Status = domain.ArtifactDeleted
		a.DeletedAt = &now
		return nil
	})
	r.ledger.Record(ctx, audit.Event{
		ActorID:      ownerID,
		Action:       audit.ActionArtifactDeleted,
		ResourceType: audit.ResourceArtifact,
		ResourceID:   id,
		Success:      err == nil,
		Meta:         meta,
		Details:      errorDetails(err),
	})
	if err != nil {
		return domain.Artifact{}, err
	}
	return a, nil
}

func (r *Registry) recordStatus(ctx context.Context, a domain.Artifact, from domain.ArtifactStatus, meta audit.Meta) {
	r.ledger.Record(ctx, audit.Event{
		ActorID:      a.OwnerID,
		Action:       audit.ActionArtifactStatusChanged,
		ResourceType: audit.ResourceArtifact,
		ResourceID:   a.ID,
		Success:      true,
		Meta:         meta,
		Details:      map[string]any{"from": string(from), "to": string(a.Status)},
	})
}

func errorDetails(err error) map[string]any {
	if err == nil {
		return nil
	}
	return map[string]any{"code": domain.Code(err)}
}
