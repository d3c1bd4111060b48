// Package dispatch sends jobs to the analysis worker.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"mediscan/internal/hmacsig"
	"mediscan/internal/util"
	"mediscan/pkg/audit"
	"mediscan/pkg/domain"
	"mediscan/pkg/jobs"
	"mediscan/pkg/metrics"
)

const (
	FilePath = "/internal/ai/process"
	TextPath = "/internal/ai/process-text"
)

// Payload is the body the worker receives. Exactly one of FileURL and
// ExtractedText is set.
type Payload struct {
	JobID         string          `json:"jobId"`
	FileID        string          `json:"fileId"`
	FileName      string          `json:"fileName,omitempty"`
	MimeType      string          `json:"mimeType,omitempty"`
	FileURL       string          `json:"fileUrl,omitempty"`
	ExtractedText string          `json:"extractedText,omitempty"`
	CallbackURL   string          `json:"callbackUrl"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
}

// Mode reports which worker endpoint the payload targets.
func (p Payload) Mode() domain.ProcessingMode {
	if p.ExtractedText != "" {
		return domain.ModeText
	}
	return domain.ModeFile
}

// JobTransitions is the part of the state machine the gateway drives.
type JobTransitions interface {
	MarkDispatched(ctx context.Context, jobID string) (domain.Job, error)
	Start(ctx context.Context, jobID string) (domain.Job, error)
	FailDispatch(ctx context.Context, jobID string, detail jobs.FailureDetail) (domain.Job, error)
}

// URLSigner issues time-limited fetch URLs for stored objects.
type URLSigner interface {
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

type Config struct {
	WorkerURL   string
	CallbackURL string
	Secret      []byte
	Timeout     time.Duration
	MaxInFlight int64
	URLTTL      time.Duration
	Jobs        JobTransitions
	URLs        URLSigner
	Ledger      audit.Recorder
	HTTPClient  *http.Client
}

// Gateway signs and posts payloads. The job lock is never held while the
// request is in flight.
type Gateway struct {
	workerURL   string
	callbackURL string
	secret      []byte
	urlTTL      time.Duration
	jobs        JobTransitions
	urls        URLSigner
	ledger      audit.Recorder
	httpClient  *http.Client
	sem         *semaphore.Weighted
}

func New(cfg Config) (*Gateway, error) {
	workerURL := strings.TrimRight(strings.TrimSpace(cfg.WorkerURL), "/")
	if workerURL == "" {
		return nil, errors.New("worker url required")
	}
	if len(cfg.Secret) == 0 {
		return nil, hmacsig.ErrSecretRequired
	}
	if cfg.Jobs == nil || cfg.Ledger == nil {
		return nil, errors.New("job transitions and audit recorder required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	maxInFlight := cfg.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = 16
	}
	urlTTL := cfg.URLTTL
	if urlTTL <= 0 {
		urlTTL = 30 * time.Minute
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &Gateway{
		workerURL:   workerURL,
		callbackURL: strings.TrimSpace(cfg.CallbackURL),
		secret:      cfg.Secret,
		urlTTL:      urlTTL,
		jobs:        cfg.Jobs,
		urls:        cfg.URLs,
		ledger:      cfg.Ledger,
		httpClient:  client,
		sem:         semaphore.NewWeighted(maxInFlight),
	}, nil
}

// BuildPayload derives the worker payload for job from its artifact.
func (g *Gateway) BuildPayload(ctx context.Context, job domain.Job, a domain.Artifact) (Payload, error) {
	p := Payload{
		JobID:       jobs.AttemptToken(job),
		FileID:      a.ID,
		FileName:    a.OriginalFilename,
		MimeType:    a.MediaType,
		CallbackURL: g.callbackURL,
		Metadata:    a.Metadata,
	}
	if job.Mode == domain.ModeText {
		if a.ExtractedText == nil || strings.TrimSpace(a.ExtractedText.Text) == "" {
			return Payload{}, fmt.Errorf("text mode without extracted text: %w", domain.ErrValidation)
		}
		p.ExtractedText = a.ExtractedText.Text
		return p, nil
	}
	if g.urls == nil || a.StorageKey == "" {
		return Payload{}, fmt.Errorf("file mode without stored object: %w", domain.ErrValidation)
	}
	url, err := g.urls.PresignGet(ctx, a.StorageKey, g.urlTTL)
	if err != nil {
		return Payload{}, err
	}
	p.FileURL = url
	return p, nil
}

// Dispatch sends payload for job. Any transport failure or non-2xx response
// fails the job without retry and returns domain.ErrDispatchFailure.
func (g *Gateway) Dispatch(ctx context.Context, job domain.Job, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := g.jobs.MarkDispatched(ctx, job.ID); err != nil {
		return err
	}
	mode := payload.Mode()
	path := FilePath
	if mode == domain.ModeText {
		path = TextPath
	}

	begin := time.Now()
	sendErr := g.send(ctx, path, body)
	outcome := "ok"
	if sendErr != nil {
		outcome = "error"
	}
	metrics.DispatchDuration.WithLabelValues(string(mode), outcome).Observe(time.Since(begin).Seconds())

	logger := util.LoggerFromContext(ctx)
	if sendErr != nil {
		logger.Warn("dispatch failed", "job_id", job.ID, "mode", mode, "err", sendErr)
		if _, err := g.jobs.FailDispatch(ctx, job.ID, jobs.FailureDetail{
			Code:    domain.CodeDispatchFailed,
			Message: sendErr.Error(),
		}); err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
			logger.Error("mark job failed after dispatch error", "job_id", job.ID, "err", err)
		}
		g.ledger.Record(ctx, audit.Event{
			Action:       audit.ActionDispatchFailed,
			ResourceType: audit.ResourceJob,
			ResourceID:   job.ID,
			Success:      false,
			Details:      map[string]any{"mode": string(mode), "error": sendErr.Error()},
		})
		return fmt.Errorf("%w: %v", domain.ErrDispatchFailure, sendErr)
	}

	// The worker may already have called back; that is not an error here.
	if _, err := g.jobs.Start(ctx, job.ID); err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
		return err
	}
	logger.Info("job dispatched", "job_id", job.ID, "mode", mode)
	return nil
}

func (g *Gateway) send(ctx context.Context, path string, body []byte) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer g.sem.Release(1)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.workerURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(hmacsig.Header, hmacsig.Sign(g.secret, body))
	if rid := util.RequestIDFromContext(ctx); rid != "" {
		req.Header.Set(util.RequestIDHeader, rid)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&errResp)
		msg := errResp.Error
		if msg == "" {
			msg = errResp.Message
		}
		if msg == "" {
			msg = resp.Status
		}
		return fmt.Errorf("worker error: %s", msg)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return nil
}
