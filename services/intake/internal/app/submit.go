package app

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"

	"mediscan/internal/util"
	"mediscan/pkg/artifact"
	"mediscan/pkg/audit"
	"mediscan/pkg/domain"
	"mediscan/pkg/jobs"
	"mediscan/pkg/storage"
)

const (
	textModeEstimate = 30 * time.Second
	fileModeBase     = 45 * time.Second
	fileModePerPage  = 20 * time.Second
)

// SubmitInput is one document upload.
type SubmitInput struct {
	OwnerID       string
	Filename      string
	MediaType     string
	Content       []byte
	Consent       bool
	Metadata      json.RawMessage
	ExtractedText *domain.ExtractedText
	Meta          audit.Meta
}

// SubmitResult is returned once the upload is accepted.
type SubmitResult struct {
	FileID              string           `json:"fileId"`
	JobID               string           `json:"jobId"`
	Status              domain.JobStatus `json:"status"`
	EstimatedCompletion time.Time        `json:"estimatedCompletion"`
}

type inspected struct {
	mediaType string
	pages     int
	mode      domain.ProcessingMode
}

// Submit validates and stores a document, creates its job and dispatches
// it. When dispatch fails the job is already failed; the result still
// carries its ids alongside an error wrapping domain.ErrDispatchFailure.
func (a *App) Submit(ctx context.Context, in SubmitInput) (SubmitResult, error) {
	in.OwnerID = strings.TrimSpace(in.OwnerID)
	if in.OwnerID == "" {
		return SubmitResult{}, fmt.Errorf("owner required: %w", domain.ErrValidation)
	}
	if !in.Consent {
		a.recordUpload(ctx, in, "", "", domain.ErrConsentRequired)
		return SubmitResult{}, domain.ErrConsentRequired
	}
	doc, err := a.inspect(in)
	if err != nil {
		a.recordUpload(ctx, in, "", "", err)
		return SubmitResult{}, err
	}

	sum := sha256.Sum256(in.Content)
	checksum := hex.EncodeToString(sum[:])
	if _, found, err := a.registry.FindByChecksum(ctx, in.OwnerID, checksum); err != nil {
		return SubmitResult{}, err
	} else if found {
		a.recordUpload(ctx, in, "", "", domain.ErrDuplicateArtifact)
		return SubmitResult{}, domain.ErrDuplicateArtifact
	}

	id := util.NewID()
	key := storage.ArtifactKey(id, in.Filename)
	if err := a.objects.Put(ctx, key, bytes.NewReader(in.Content), int64(len(in.Content)), storage.PutOptions{
		ContentType: doc.mediaType,
		Checksum:    checksum,
	}); err != nil {
		return SubmitResult{}, fmt.Errorf("save file: %w", err)
	}

	// The pre-check above is advisory; the store constraint decides races.
	art, err := a.registry.Register(ctx, artifact.RegisterInput{
		ID:               id,
		OwnerID:          in.OwnerID,
		Checksum:         checksum,
		SizeBytes:        int64(len(in.Content)),
		MediaType:        doc.mediaType,
		StorageKey:       key,
		OriginalFilename: filepath.Base(in.Filename),
		ExtractedText:    in.ExtractedText,
		Metadata:         in.Metadata,
		Meta:             in.Meta,
	})
	if err != nil {
		a.discardObject(ctx, key)
		if errors.Is(err, domain.ErrDuplicateArtifact) {
			a.recordUpload(ctx, in, "", "", err)
		}
		return SubmitResult{}, err
	}

	job, err := a.machine.CreateJob(ctx, jobs.CreateInput{
		ArtifactID: art.ID,
		OwnerID:    in.OwnerID,
		Mode:       doc.mode,
		Plan:       jobs.PlanFor(doc.mode),
	})
	if err != nil {
		a.abandonArtifact(ctx, art, in.Meta)
		return SubmitResult{}, fmt.Errorf("create job: %w", err)
	}
	if _, err := a.registry.AttachJob(ctx, art.ID, job.ID); err != nil {
		if _, cerr := a.machine.Cancel(ctx, job.ID, in.OwnerID); cerr != nil {
			util.LoggerFromContext(ctx).Error("cancel unlinked job failed", "job_id", job.ID, "err", cerr)
		}
		return SubmitResult{}, fmt.Errorf("link job: %w", err)
	}
	if _, err := a.machine.AdvanceStep(ctx, job.ID, jobs.StepValidation, domain.StepCompleted, ""); err != nil {
		util.LoggerFromContext(ctx).Warn("mark validation step failed", "job_id", job.ID, "err", err)
	}

	dispatchErr := a.dispatch(ctx, job, art)
	a.recordUpload(ctx, in, art.ID, job.ID, dispatchErr)

	res := SubmitResult{
		FileID:              art.ID,
		JobID:               job.ID,
		Status:              domain.JobQueued,
		EstimatedCompletion: time.Now().UTC().Add(estimate(doc)),
	}
	if dispatchErr != nil {
		res.Status = domain.JobFailed
		return res, dispatchErr
	}
	return res, nil
}

// dispatch builds the payload for job and sends it. A payload that cannot
// be built fails the job the same way a refused dispatch does.
func (a *App) dispatch(ctx context.Context, job domain.Job, art domain.Artifact) error {
	payload, err := a.gateway.BuildPayload(ctx, job, art)
	if err != nil {
		if _, ferr := a.machine.FailDispatch(ctx, job.ID, jobs.FailureDetail{
			Code:    domain.CodeDispatchFailed,
			Message: err.Error(),
		}); ferr != nil && !errors.Is(ferr, domain.ErrInvalidTransition) {
			return ferr
		}
		return fmt.Errorf("%w: %v", domain.ErrDispatchFailure, err)
	}
	return a.gateway.Dispatch(ctx, job, payload)
}

func (a *App) inspect(in SubmitInput) (inspected, error) {
	if len(in.Content) == 0 {
		return inspected{}, fmt.Errorf("file is empty: %w", domain.ErrValidation)
	}
	if a.maxUploadBytes > 0 && int64(len(in.Content)) > a.maxUploadBytes {
		return inspected{}, fmt.Errorf("file exceeds %d bytes: %w", a.maxUploadBytes, domain.ErrValidation)
	}
	if len(in.Metadata) > 0 {
		var obj map[string]any
		if err := json.Unmarshal(in.Metadata, &obj); err != nil {
			return inspected{}, fmt.Errorf("metadata must be a JSON object: %w", domain.ErrValidation)
		}
	}
	doc := inspected{mediaType: detectMediaType(in.Filename, in.MediaType, in.Content), pages: 1, mode: domain.ModeFile}
	if len(a.allowedTypes) > 0 {
		if _, ok := a.allowedTypes[doc.mediaType]; !ok {
			return inspected{}, fmt.Errorf("media type %q not allowed: %w", doc.mediaType, domain.ErrValidation)
		}
	}
	if doc.mediaType == "application/pdf" {
		pages, err := countPDFPages(in.Content)
		if err != nil {
			return inspected{}, fmt.Errorf("unreadable pdf: %v: %w", err, domain.ErrValidation)
		}
		doc.pages = pages
	}
	if in.ExtractedText != nil {
		if strings.TrimSpace(in.ExtractedText.Text) == "" {
			return inspected{}, fmt.Errorf("extracted text is blank: %w", domain.ErrValidation)
		}
		doc.mode = domain.ModeText
	}
	return doc, nil
}

// detectMediaType prefers the declared type, then the extension, then
// content sniffing. Parameters such as charset are dropped.
func detectMediaType(filename, declared string, content []byte) string {
	candidates := []string{
		declared,
		mime.TypeByExtension(strings.ToLower(filepath.Ext(filename))),
		http.DetectContentType(content),
	}
	for _, c := range candidates {
		if c == "" {
			continue
		}
		mt, _, err := mime.ParseMediaType(c)
		if err != nil || mt == "application/octet-stream" {
			continue
		}
		return strings.ToLower(mt)
	}
	return "application/octet-stream"
}

func countPDFPages(content []byte) (pages int, err error) {
	// The parser panics on some malformed cross-reference tables.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parse pdf: %v", r)
		}
	}()
	reader, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return 0, err
	}
	pages = reader.NumPage()
	if pages <= 0 {
		return 0, errors.New("pdf has no pages")
	}
	return pages, nil
}

func estimate(doc inspected) time.Duration {
	if doc.mode == domain.ModeText {
		return textModeEstimate
	}
	pages := doc.pages
	if pages < 1 {
		pages = 1
	}
	return fileModeBase + time.Duration(pages)*fileModePerPage
}

func (a *App) discardObject(ctx context.Context, key string) {
	if err := a.objects.Delete(ctx, key); err != nil {
		util.LoggerFromContext(ctx).Warn("discard stored object failed", "key", key, "err", err)
	}
}

// abandonArtifact rolls back an artifact whose job could not be created so
// the owner can upload the same document again.
func (a *App) abandonArtifact(ctx context.Context, art domain.Artifact, meta audit.Meta) {
	if _, err := a.registry.Delete(ctx, art.OwnerID, art.ID, meta); err != nil {
		util.LoggerFromContext(ctx).Error("roll back artifact failed", "artifact_id", art.ID, "err", err)
		return
	}
	a.discardObject(ctx, art.StorageKey)
}

// recordUpload writes the file_upload entry. The upload itself succeeded
// once an artifact exists, whatever happened to the dispatch.
func (a *App) recordUpload(ctx context.Context, in SubmitInput, fileID, jobID string, err error) {
	details := map[string]any{
		"filename":  filepath.Base(in.Filename),
		"sizeBytes": len(in.Content),
		"textMode":  in.ExtractedText != nil,
	}
	if jobID != "" {
		details["jobId"] = jobID
	}
	if err != nil {
		details["code"] = domain.Code(err)
	}
	a.ledger.Record(ctx, audit.Event{
		ActorID:       in.OwnerID,
		Action:        audit.ActionFileUpload,
		ResourceType:  audit.ResourceArtifact,
		ResourceID:    fileID,
		Success:       fileID != "",
		Meta:          in.Meta,
		SensitiveHint: true,
		Details:       details,
	})
}
