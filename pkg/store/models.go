package store

import (
	"time"

	"gorm.io/datatypes"

	"mediscan/pkg/domain"
)

// GORM models used for persistence.
type ArtifactModel struct {
	ID               string `gorm:"primaryKey"`
	OwnerID          string `gorm:"not null;index"`
	Checksum         string `gorm:"not null"`
	SizeBytes        int64  `gorm:"not null"`
	MediaType        string `gorm:"not null"`
	OriginalFilename string `gorm:"not null"`
	StorageKey       string
	Status           string `gorm:"not null;index"`
	ActiveJobID      string
	ExtractedText    datatypes.JSON `gorm:"type:jsonb"`
	Metadata         datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt        time.Time      `gorm:"not null"`
	UpdatedAt        time.Time      `gorm:"not null"`
	DeletedAt        *time.Time
}

func (ArtifactModel) TableName() string { return "artifacts" }

type JobModel struct {
	ID                   string                          `gorm:"primaryKey"`
	ArtifactID           string                          `gorm:"not null;index"`
	OwnerID              string                          `gorm:"not null;index"`
	CorrelationToken     string                          `gorm:"not null;uniqueIndex"`
	Status               string                          `gorm:"not null;index"`
	Mode                 string                          `gorm:"not null"`
	Steps                datatypes.JSONSlice[domain.Step] `gorm:"type:jsonb;not null"`
	Progress             int                             `gorm:"not null"`
	RetryCount           int                             `gorm:"not null"`
	MaxRetries           int                             `gorm:"not null"`
	Result               datatypes.JSON                  `gorm:"type:jsonb"`
	Error                datatypes.JSON                  `gorm:"type:jsonb"`
	QueuedAt             time.Time                       `gorm:"not null"`
	DispatchedAt         *time.Time
	StartedAt            *time.Time
	CompletedAt          *time.Time
	TotalDurationMs      int64
	ProcessingDurationMs int64
	Version              int64     `gorm:"not null"`
	CreatedAt            time.Time `gorm:"not null"`
	UpdatedAt            time.Time `gorm:"not null"`
}

func (JobModel) TableName() string { return "jobs" }

type AuditEntryModel struct {
	ID                 string  `gorm:"primaryKey"`
	Seq                int64   `gorm:"not null;uniqueIndex"`
	ActorID            *string `gorm:"index"`
	Action             string  `gorm:"not null;index"`
	ResourceType       string  `gorm:"not null"`
	ResourceID         string  `gorm:"index"`
	IPAddress          string
	UserAgent          string
	RequestID          string
	RiskLevel          string         `gorm:"not null;index"`
	SensitiveData      bool           `gorm:"not null"`
	Success            bool           `gorm:"not null"`
	Details            datatypes.JSON `gorm:"type:jsonb"`
	RetentionExpiresAt time.Time      `gorm:"not null;index"`
	Protected          bool           `gorm:"not null"`
	CreatedAt          time.Time      `gorm:"not null;index"`
	PrevHash           string         `gorm:"not null"`
	Hash               string         `gorm:"not null"`
}

func (AuditEntryModel) TableName() string { return "audit_entries" }
