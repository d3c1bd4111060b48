package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"mediscan/pkg/domain"
)

// MemoryStore keeps pipeline state in-process. It is used by tests and by
// single-instance deployments without a database.
type MemoryStore struct {
	mu        sync.Mutex
	artifacts map[string]domain.Artifact
	checksums map[string]string // owner|checksum -> artifact ID, non-deleted only
	jobs      map[string]domain.Job
	tokens    map[string]string // correlation token -> job ID
	active    map[string]string // artifact ID -> active job ID
	audit     []domain.AuditEntry
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		artifacts: make(map[string]domain.Artifact),
		checksums: make(map[string]string),
		jobs:      make(map[string]domain.Job),
		tokens:    make(map[string]string),
		active:    make(map[string]string),
	}
}

func checksumKey(ownerID, checksum string) string {
	return ownerID + "|" + checksum
}

func (m *MemoryStore) CreateArtifact(_ context.Context, a domain.Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := checksumKey(a.OwnerID, a.Checksum)
	if _, exists := m.checksums[key]; exists && a.Status != domain.ArtifactDeleted {
		return domain.ErrDuplicateArtifact
	}
	m.artifacts[a.ID] = cloneArtifact(a)
	if a.Status != domain.ArtifactDeleted {
		m.checksums[key] = a.ID
	}
	return nil
}

func (m *MemoryStore) GetArtifact(_ context.Context, id string) (domain.Artifact, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.artifacts[id]
	if !ok {
		return domain.Artifact{}, false, nil
	}
	return cloneArtifact(a), true, nil
}

func (m *MemoryStore) FindArtifactByChecksum(_ context.Context, ownerID, checksum string) (domain.Artifact, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.checksums[checksumKey(ownerID, checksum)]
	if !ok {
		return domain.Artifact{}, false, nil
	}
	return cloneArtifact(m.artifacts[id]), true, nil
}

func (m *MemoryStore) UpdateArtifact(_ context.Context, id string, fn func(*domain.Artifact) error) (domain.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.artifacts[id]
	if !ok {
		return domain.Artifact{}, domain.ErrArtifactNotFound
	}
	next := cloneArtifact(current)
	if err := fn(&next); err != nil {
		return domain.Artifact{}, err
	}
	next.UpdatedAt = time.Now().UTC()
	key := checksumKey(next.OwnerID, next.Checksum)
	if next.Status == domain.ArtifactDeleted {
		if m.checksums[key] == id {
			delete(m.checksums, key)
		}
	}
	m.artifacts[id] = next
	return cloneArtifact(next), nil
}

func (m *MemoryStore) CreateJob(_ context.Context, j domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j.Status.Active() {
		if _, busy := m.active[j.ArtifactID]; busy {
			return domain.ErrAlreadyLinked
		}
	}
	if _, dup := m.tokens[j.CorrelationToken]; dup {
		return domain.ErrAlreadyLinked
	}
	m.jobs[j.ID] = cloneJob(j)
	m.tokens[j.CorrelationToken] = j.ID
	if j.Status.Active() {
		m.active[j.ArtifactID] = j.ID
	}
	return nil
}

func (m *MemoryStore) GetJob(_ context.Context, id string) (domain.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return domain.Job{}, false, nil
	}
	return cloneJob(j), true, nil
}

func (m *MemoryStore) GetJobByToken(_ context.Context, token string) (domain.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.tokens[token]
	if !ok {
		return domain.Job{}, false, nil
	}
	return cloneJob(m.jobs[id]), true, nil
}

func (m *MemoryStore) UpdateJob(_ context.Context, id string, fn func(*domain.Job) error) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrJobNotFound
	}
	next := cloneJob(current)
	if err := fn(&next); err != nil {
		return domain.Job{}, err
	}
	if next.Status.Active() {
		if other, busy := m.active[next.ArtifactID]; busy && other != id {
			return domain.Job{}, domain.ErrAlreadyLinked
		}
		m.active[next.ArtifactID] = id
	} else if m.active[next.ArtifactID] == id {
		delete(m.active, next.ArtifactID)
	}
	next.Version = current.Version + 1
	next.UpdatedAt = time.Now().UTC()
	m.jobs[id] = next
	return cloneJob(next), nil
}

func (m *MemoryStore) AppendAudit(_ context.Context, build func(tip AuditTip) (domain.AuditEntry, error)) (domain.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tip := AuditTip{}
	if n := len(m.audit); n > 0 {
		tip = AuditTip{Seq: m.audit[n-1].Seq, Hash: m.audit[n-1].Hash}
	}
	entry, err := build(tip)
	if err != nil {
		return domain.AuditEntry{}, err
	}
	m.audit = append(m.audit, entry)
	return entry, nil
}

func (m *MemoryStore) ListAudit(_ context.Context, filter AuditFilter) ([]domain.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]domain.AuditEntry, 0, len(m.audit))
	for _, e := range m.audit {
		if filter.ResourceType != "" && e.ResourceType != filter.ResourceType {
			continue
		}
		if filter.ResourceID != "" && e.ResourceID != filter.ResourceID {
			continue
		}
		if filter.Action != "" && e.Action != filter.Action {
			continue
		}
		if !filter.Since.IsZero() && e.CreatedAt.Before(filter.Since) {
			continue
		}
		res = append(res, e)
		if filter.Limit > 0 && len(res) >= filter.Limit {
			break
		}
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].Seq < res[j].Seq })
	return res, nil
}

func (m *MemoryStore) PurgeExpiredAudit(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.audit) == 0 {
		return 0, nil
	}
	tip := m.audit[len(m.audit)-1].Seq
	kept := m.audit[:0]
	var purged int64
	for _, e := range m.audit {
		if !e.Protected && e.Seq != tip && e.RetentionExpiresAt.Before(now) {
			purged++
			continue
		}
		kept = append(kept, e)
	}
	m.audit = kept
	return purged, nil
}

func cloneArtifact(a domain.Artifact) domain.Artifact {
	if a.ExtractedText != nil {
		et := *a.ExtractedText
		a.ExtractedText = &et
	}
	if a.Metadata != nil {
		a.Metadata = append([]byte(nil), a.Metadata...)
	}
	return a
}

func cloneJob(j domain.Job) domain.Job {
	j.Steps = append([]domain.Step(nil), j.Steps...)
	if j.Result != nil {
		r := *j.Result
		r.Flags = append([]domain.ResultFlag(nil), r.Flags...)
		j.Result = &r
	}
	if j.Error != nil {
		e := *j.Error
		j.Error = &e
	}
	return j
}
