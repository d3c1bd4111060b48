package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"mediscan/pkg/domain"
)

const (
	migrateLockID int64 = 40517301
	auditLockID   int64 = 40517302
)

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&ArtifactModel{}, &JobModel{}, &AuditEntryModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		// Partial unique indexes are not expressible through struct tags.
		if err := tx.Exec(`
			CREATE UNIQUE INDEX IF NOT EXISTS idx_artifacts_owner_checksum_live
			ON artifacts (owner_id, checksum) WHERE status <> 'deleted';
		`).Error; err != nil {
			return fmt.Errorf("ensure artifact checksum index: %w", err)
		}
		if err := tx.Exec(`
			CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_one_active_per_artifact
			ON jobs (artifact_id) WHERE status IN ('queued', 'processing');
		`).Error; err != nil {
			return fmt.Errorf("ensure active job index: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// CreateArtifact inserts an artifact; the partial unique index decides duplicates.
func (s *GormStore) CreateArtifact(ctx context.Context, a domain.Artifact) error {
	model, err := artifactToModel(a)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return domain.ErrDuplicateArtifact
		}
		return err
	}
	return nil
}

// GetArtifact returns an artifact by ID, deleted ones included.
func (s *GormStore) GetArtifact(ctx context.Context, id string) (domain.Artifact, bool, error) {
	var model ArtifactModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Artifact{}, false, nil
		}
		return domain.Artifact{}, false, err
	}
	a, err := artifactFromModel(model)
	return a, err == nil, err
}

// FindArtifactByChecksum looks up the live artifact for (owner, checksum).
func (s *GormStore) FindArtifactByChecksum(ctx context.Context, ownerID, checksum string) (domain.Artifact, bool, error) {
	var model ArtifactModel
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND checksum = ? AND status <> ?", ownerID, checksum, string(domain.ArtifactDeleted)).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Artifact{}, false, nil
		}
		return domain.Artifact{}, false, err
	}
	a, err := artifactFromModel(model)
	return a, err == nil, err
}

// UpdateArtifact locks the row, applies fn and saves in one transaction.
func (s *GormStore) UpdateArtifact(ctx context.Context, id string, fn func(*domain.Artifact) error) (domain.Artifact, error) {
	var out domain.Artifact
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model ArtifactModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&model, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrArtifactNotFound
			}
			return err
		}
		a, err := artifactFromModel(model)
		if err != nil {
			return err
		}
		if err := fn(&a); err != nil {
			return err
		}
		a.UpdatedAt = time.Now().UTC()
		next, err := artifactToModel(a)
		if err != nil {
			return err
		}
		if err := tx.Save(&next).Error; err != nil {
			return err
		}
		out = a
		return nil
	})
	return out, err
}

// CreateJob inserts a job; the active-job partial index rejects a second live job.
func (s *GormStore) CreateJob(ctx context.Context, j domain.Job) error {
	model, err := jobToModel(j)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return domain.ErrAlreadyLinked
		}
		return err
	}
	return nil
}

// GetJob returns a job by ID.
func (s *GormStore) GetJob(ctx context.Context, id string) (domain.Job, bool, error) {
	return s.findJob(ctx, "id = ?", id)
}

// GetJobByToken returns a job by its worker correlation token.
func (s *GormStore) GetJobByToken(ctx context.Context, token string) (domain.Job, bool, error) {
	return s.findJob(ctx, "correlation_token = ?", token)
}

func (s *GormStore) findJob(ctx context.Context, query string, arg any) (domain.Job, bool, error) {
	var model JobModel
	if err := s.db.WithContext(ctx).Where(query, arg).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Job{}, false, nil
		}
		return domain.Job{}, false, err
	}
	j, err := jobFromModel(model)
	return j, err == nil, err
}

// UpdateJob is the single read-modify-write path for jobs. The row stays
// locked with SELECT ... FOR UPDATE until fn's result is committed.
func (s *GormStore) UpdateJob(ctx context.Context, id string, fn func(*domain.Job) error) (domain.Job, error) {
	var out domain.Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model JobModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&model, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrJobNotFound
			}
			return err
		}
		j, err := jobFromModel(model)
		if err != nil {
			return err
		}
		if err := fn(&j); err != nil {
			return err
		}
		j.Version = model.Version + 1
		j.UpdatedAt = time.Now().UTC()
		next, err := jobToModel(j)
		if err != nil {
			return err
		}
		if err := tx.Save(&next).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return domain.ErrAlreadyLinked
			}
			return err
		}
		out = j
		return nil
	})
	return out, err
}

// AppendAudit serializes ledger writers with a transaction-scoped advisory
// lock so that seq and prev_hash stay a single chain across processes.
func (s *GormStore) AppendAudit(ctx context.Context, build func(tip AuditTip) (domain.AuditEntry, error)) (domain.AuditEntry, error) {
	var out domain.AuditEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", auditLockID).Error; err != nil {
			return fmt.Errorf("acquire audit lock: %w", err)
		}
		tip := AuditTip{}
		var last AuditEntryModel
		err := tx.Order("seq DESC").Limit(1).Find(&last).Error
		if err != nil {
			return err
		}
		if last.ID != "" {
			tip = AuditTip{Seq: last.Seq, Hash: last.Hash}
		}
		entry, err := build(tip)
		if err != nil {
			return err
		}
		model := auditToModel(entry)
		if err := tx.Create(&model).Error; err != nil {
			return err
		}
		out = entry
		return nil
	})
	return out, err
}

// ListAudit returns entries in chain order.
func (s *GormStore) ListAudit(ctx context.Context, filter AuditFilter) ([]domain.AuditEntry, error) {
	tx := s.db.WithContext(ctx).Order("seq ASC")
	if filter.ResourceType != "" {
		tx = tx.Where("resource_type = ?", filter.ResourceType)
	}
	if filter.ResourceID != "" {
		tx = tx.Where("resource_id = ?", filter.ResourceID)
	}
	if filter.Action != "" {
		tx = tx.Where("action = ?", filter.Action)
	}
	if !filter.Since.IsZero() {
		tx = tx.Where("created_at >= ?", filter.Since)
	}
	if filter.Limit > 0 {
		tx = tx.Limit(filter.Limit)
	}
	var models []AuditEntryModel
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.AuditEntry, 0, len(models))
	for _, m := range models {
		res = append(res, auditFromModel(m))
	}
	return res, nil
}

// PurgeExpiredAudit deletes expired unprotected entries, keeping the chain tip.
func (s *GormStore) PurgeExpiredAudit(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("protected = ? AND retention_expires_at < ?", false, now).
		Where("seq < (SELECT MAX(seq) FROM audit_entries)").
		Delete(&AuditEntryModel{})
	return res.RowsAffected, res.Error
}

func artifactToModel(a domain.Artifact) (ArtifactModel, error) {
	model := ArtifactModel{
		ID:               a.ID,
		OwnerID:          a.OwnerID,
		Checksum:         a.Checksum,
		SizeBytes:        a.SizeBytes,
		MediaType:        a.MediaType,
		OriginalFilename: a.OriginalFilename,
		StorageKey:       a.StorageKey,
		Status:           string(a.Status),
		ActiveJobID:      a.ActiveJobID,
		Metadata:         datatypes.JSON(a.Metadata),
		CreatedAt:        a.CreatedAt,
		UpdatedAt:        a.UpdatedAt,
		DeletedAt:        a.DeletedAt,
	}
	if a.ExtractedText != nil {
		raw, err := json.Marshal(a.ExtractedText)
		if err != nil {
			return ArtifactModel{}, fmt.Errorf("encode extracted text: %w", err)
		}
		model.ExtractedText = raw
	}
	return model, nil
}

func artifactFromModel(m ArtifactModel) (domain.Artifact, error) {
	a := domain.Artifact{
		ID:               m.ID,
		OwnerID:          m.OwnerID,
		Checksum:         m.Checksum,
		SizeBytes:        m.SizeBytes,
		MediaType:        m.MediaType,
		OriginalFilename: m.OriginalFilename,
		StorageKey:       m.StorageKey,
		Status:           domain.ArtifactStatus(m.Status),
		ActiveJobID:      m.ActiveJobID,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
		DeletedAt:        m.DeletedAt,
	}
	if len(m.Metadata) > 0 {
		a.Metadata = json.RawMessage(m.Metadata)
	}
	if len(m.ExtractedText) > 0 {
		var et domain.ExtractedText
		if err := json.Unmarshal(m.ExtractedText, &et); err != nil {
			return domain.Artifact{}, fmt.Errorf("decode extracted text: %w", err)
		}
		a.ExtractedText = &et
	}
	return a, nil
}

func jobToModel(j domain.Job) (JobModel, error) {
	model := JobModel{
		ID:                   j.ID,
		ArtifactID:           j.ArtifactID,
		OwnerID:              j.OwnerID,
		CorrelationToken:     j.CorrelationToken,
		Status:               string(j.Status),
		Mode:                 string(j.Mode),
		Steps:                datatypes.JSONSlice[domain.Step](j.Steps),
		Progress:             j.Progress,
		RetryCount:           j.RetryCount,
		MaxRetries:           j.MaxRetries,
		QueuedAt:             j.Timing.QueuedAt,
		DispatchedAt:         j.Timing.DispatchedAt,
		StartedAt:            j.Timing.StartedAt,
		CompletedAt:          j.Timing.CompletedAt,
		TotalDurationMs:      j.Timing.TotalDurationMs,
		ProcessingDurationMs: j.Timing.ProcessingDurationMs,
		Version:              j.Version,
		CreatedAt:            j.CreatedAt,
		UpdatedAt:            j.UpdatedAt,
	}
	if j.Result != nil {
		raw, err := json.Marshal(j.Result)
		if err != nil {
			return JobModel{}, fmt.Errorf("encode job result: %w", err)
		}
		model.Result = raw
	}
	if j.Error != nil {
		raw, err := json.Marshal(j.Error)
		if err != nil {
			return JobModel{}, fmt.Errorf("encode job error: %w", err)
		}
		model.Error = raw
	}
	return model, nil
}

func jobFromModel(m JobModel) (domain.Job, error) {
	j := domain.Job{
		ID:               m.ID,
		ArtifactID:       m.ArtifactID,
		OwnerID:          m.OwnerID,
		CorrelationToken: m.CorrelationToken,
		Status:           domain.JobStatus(m.Status),
		Mode:             domain.ProcessingMode(m.Mode),
		Steps:            []domain.Step(m.Steps),
		Progress:         m.Progress,
		RetryCount:       m.RetryCount,
		MaxRetries:       m.MaxRetries,
		Timing: domain.JobTiming{
			QueuedAt:             m.QueuedAt,
			DispatchedAt:         m.DispatchedAt,
			StartedAt:            m.StartedAt,
			CompletedAt:          m.CompletedAt,
			TotalDurationMs:      m.TotalDurationMs,
			ProcessingDurationMs: m.ProcessingDurationMs,
		},
		Version:   m.Version,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
	if len(m.Result) > 0 && string(m.Result) != "null" {
		var r domain.JobResult
		if err := json.Unmarshal(m.Result, &r); err != nil {
			return domain.Job{}, fmt.Errorf("decode job result: %w", err)
		}
		j.Result = &r
	}
	if len(m.Error) > 0 && string(m.Error) != "null" {
		var e domain.JobError
		if err := json.Unmarshal(m.Error, &e); err != nil {
			return domain.Job{}, fmt.Errorf("decode job error: %w", err)
		}
		j.Error = &e
	}
	return j, nil
}

func auditToModel(e domain.AuditEntry) AuditEntryModel {
	return AuditEntryModel{
		ID:                 e.ID,
		Seq:                e.Seq,
		ActorID:            e.ActorID,
		Action:             e.Action,
		ResourceType:       e.ResourceType,
		ResourceID:         e.ResourceID,
		IPAddress:          e.IPAddress,
		UserAgent:          e.UserAgent,
		RequestID:          e.RequestID,
		RiskLevel:          string(e.RiskLevel),
		SensitiveData:      e.SensitiveData,
		Success:            e.Success,
		Details:            datatypes.JSON(e.Details),
		RetentionExpiresAt: e.RetentionExpiresAt,
		Protected:          e.Protected,
		CreatedAt:          e.CreatedAt,
		PrevHash:           e.PrevHash,
		Hash:               e.Hash,
	}
}

func auditFromModel(m AuditEntryModel) domain.AuditEntry {
	e := domain.AuditEntry{
		ID:                 m.ID,
		Seq:                m.Seq,
		ActorID:            m.ActorID,
		Action:             m.Action,
		ResourceType:       m.ResourceType,
		ResourceID:         m.ResourceID,
		IPAddress:          m.IPAddress,
		UserAgent:          m.UserAgent,
		RequestID:          m.RequestID,
		RiskLevel:          domain.RiskLevel(m.RiskLevel),
		SensitiveData:      m.SensitiveData,
		Success:            m.Success,
		RetentionExpiresAt: m.RetentionExpiresAt,
		Protected:          m.Protected,
		CreatedAt:          m.CreatedAt,
		PrevHash:           m.PrevHash,
		Hash:               m.Hash,
	}
	if len(m.Details) > 0 {
		e.Details = json.RawMessage(m.Details)
	}
	return e
}
