package domain

import (
	"encoding/json"
	"time"
)

type ArtifactStatus string

const (
	ArtifactUploaded   ArtifactStatus = "uploaded"
	ArtifactProcessing ArtifactStatus = "processing"
	ArtifactCompleted  ArtifactStatus = "completed"
	ArtifactFailed     ArtifactStatus = "failed"
	ArtifactDeleted    ArtifactStatus = "deleted"
)

type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// Active reports whether the job still occupies its artifact.
func (s JobStatus) Active() bool {
	return s == JobQueued || s == JobProcessing
}

// Terminal reports whether no further transition is allowed.
// A failed job is terminal once the retry policy has declined to re-queue it.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobCancelled || s == JobFailed
}

type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepProcessing StepStatus = "processing"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
	StepSkipped    StepStatus = "skipped"
)

// Valid reports whether s is a known step status.
func (s StepStatus) Valid() bool {
	switch s {
	case StepPending, StepProcessing, StepCompleted, StepFailed, StepSkipped:
		return true
	}
	return false
}

// ProcessingMode selects which payload shape is dispatched to the worker.
type ProcessingMode string

const (
	ModeFile ProcessingMode = "file"
	ModeText ProcessingMode = "text"
)

// ExtractedText is text produced on the client before upload.
type ExtractedText struct {
	Text        string    `json:"text"`
	ExtractedAt time.Time `json:"extractedAt"`
	Model       string    `json:"model,omitempty"`
}

type Artifact struct {
	ID               string          `json:"id"`
	OwnerID          string          `json:"ownerId"`
	Checksum         string          `json:"checksum"`
	SizeBytes        int64           `json:"sizeBytes"`
	MediaType        string          `json:"mediaType"`
	OriginalFilename string          `json:"originalFilename"`
	StorageKey       string          `json:"-"`
	Status           ArtifactStatus  `json:"status"`
	ActiveJobID      string          `json:"activeJobId,omitempty"`
	ExtractedText    *ExtractedText  `json:"extractedText,omitempty"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
	DeletedAt        *time.Time      `json:"deletedAt,omitempty"`
}

// StepSpec is one entry of a step plan. Weights are relative.
type StepSpec struct {
	Name   string `json:"name"`
	Weight int    `json:"weight"`
}

type Step struct {
	Name        string     `json:"name"`
	Weight      int        `json:"weight"`
	Status      StepStatus `json:"status"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	DurationMs  int64      `json:"durationMs,omitempty"`
	Detail      string     `json:"detail,omitempty"`
}

type QualityMetrics struct {
	OCRConfidence        float64 `json:"ocrConfidence"`
	ExtractionConfidence float64 `json:"extractionConfidence"`
	DocumentQuality      string  `json:"documentQuality,omitempty"`
	ProcessingTime       float64 `json:"processingTime,omitempty"`
	WordCount            int     `json:"wordCount,omitempty"`
	PageCount            int     `json:"pageCount,omitempty"`
}

// ResultFlag is a reviewer-facing warning raised by the worker.
type ResultFlag struct {
	Type     string          `json:"type"`
	Message  string          `json:"message"`
	Severity string          `json:"severity"`
	Details  json.RawMessage `json:"details,omitempty"`
}

type JobResult struct {
	Summary           string          `json:"summary"`
	ExtractedEntities json.RawMessage `json:"extractedEntities,omitempty"`
	QualityMetrics    QualityMetrics  `json:"qualityMetrics"`
	Flags             []ResultFlag    `json:"flags,omitempty"`
	OCRText           string          `json:"ocrText,omitempty"`
	ProcessingMethod  string          `json:"processingMethod,omitempty"`
	ServiceVersion    string          `json:"serviceVersion,omitempty"`
	ModelVersion      string          `json:"modelVersion,omitempty"`
}

type JobError struct {
	Code       string    `json:"code"`
	Message    string    `json:"message"`
	Retryable  bool      `json:"retryable"`
	OccurredAt time.Time `json:"occurredAt"`
}

type JobTiming struct {
	QueuedAt             time.Time  `json:"queuedAt"`
	DispatchedAt         *time.Time `json:"dispatchedAt,omitempty"`
	StartedAt            *time.Time `json:"startedAt,omitempty"`
	CompletedAt          *time.Time `json:"completedAt,omitempty"`
	TotalDurationMs      int64      `json:"totalDurationMs,omitempty"`
	ProcessingDurationMs int64      `json:"processingDurationMs,omitempty"`
}

type Job struct {
	ID               string         `json:"id"`
	ArtifactID       string         `json:"artifactId"`
	OwnerID          string         `json:"ownerId"`
	CorrelationToken string         `json:"-"`
	Status           JobStatus      `json:"status"`
	Mode             ProcessingMode `json:"mode"`
	Steps            []Step         `json:"steps"`
	Progress         int            `json:"progress"`
	RetryCount       int            `json:"retryCount"`
	MaxRetries       int            `json:"maxRetries"`
	Result           *JobResult     `json:"result,omitempty"`
	Error            *JobError      `json:"error,omitempty"`
	Timing           JobTiming      `json:"timing"`
	Version          int64          `json:"version"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// StepIndex returns the position of the named step or -1.
func (j *Job) StepIndex(name string) int {
	for i := range j.Steps {
		if j.Steps[i].Name == name {
			return i
		}
	}
	return -1
}

type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Rank orders risk levels; unknown levels rank below low.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	case RiskCritical:
		return 4
	}
	return 0
}

type AuditEntry struct {
	ID                 string          `json:"id"`
	Seq                int64           `json:"seq"`
	ActorID            *string         `json:"actorId"`
	Action             string          `json:"action"`
	ResourceType       string          `json:"resourceType"`
	ResourceID         string          `json:"resourceId"`
	IPAddress          string          `json:"ipAddress,omitempty"`
	UserAgent          string          `json:"userAgent,omitempty"`
	RequestID          string          `json:"requestId,omitempty"`
	RiskLevel          RiskLevel       `json:"riskLevel"`
	SensitiveData      bool            `json:"sensitiveData"`
	Success            bool            `json:"success"`
	Details            json.RawMessage `json:"details,omitempty"`
	RetentionExpiresAt time.Time       `json:"retentionExpiresAt"`
	Protected          bool            `json:"protected"`
	CreatedAt          time.Time       `json:"createdAt"`
	PrevHash           string          `json:"prevHash"`
	Hash               string          `json:"hash"`
}
