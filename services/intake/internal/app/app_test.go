package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mediscan/internal/hmacsig"
	"mediscan/pkg/audit"
	"mediscan/pkg/dispatch"
	"mediscan/pkg/domain"
	"mediscan/pkg/storage"
	"mediscan/pkg/store"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type fakeWorker struct {
	srv     *httptest.Server
	failing atomic.Bool

	mu       sync.Mutex
	paths    []string
	payloads []dispatch.Payload
}

func newFakeWorker(t *testing.T) *fakeWorker {
	t.Helper()
	w := &fakeWorker{}
	w.srv = httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if err := hmacsig.Verify([]byte(testSecret), body, r.Header.Get(hmacsig.Header)); err != nil {
			rw.WriteHeader(http.StatusUnauthorized)
			return
		}
		if w.failing.Load() {
			http.Error(rw, `{"error":"worker overloaded"}`, http.StatusServiceUnavailable)
			return
		}
		var p dispatch.Payload
		_ = json.Unmarshal(body, &p)
		w.mu.Lock()
		w.paths = append(w.paths, r.URL.Path)
		w.payloads = append(w.payloads, p)
		w.mu.Unlock()
		rw.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(w.srv.Close)
	return w
}

func (w *fakeWorker) last(t *testing.T) (string, dispatch.Payload) {
	t.Helper()
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.payloads) == 0 {
		t.Fatalf("worker received nothing")
	}
	return w.paths[len(w.paths)-1], w.payloads[len(w.payloads)-1]
}

func (w *fakeWorker) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.payloads)
}

type harness struct {
	app     *App
	store   *store.MemoryStore
	objects *storage.MemoryStore
	worker  *fakeWorker
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:   store.NewMemoryStore(),
		objects: storage.NewMemoryStore("http://objects.test"),
		worker:  newFakeWorker(t),
	}
	a, err := New(Config{
		Store:             h.store,
		Objects:           h.objects,
		WorkerURL:         h.worker.srv.URL,
		CallbackURL:       "http://intake.test/internal/ai/callback",
		WorkerSecret:      testSecret,
		DispatchTimeout:   2 * time.Second,
		MaxRetries:        3,
		MaxUploadBytes:    1 << 20,
		AllowedMediaTypes: []string{"application/pdf", "image/png", "text/plain"},
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	h.app = a
	return h
}

func textUpload(owner, content string) SubmitInput {
	return SubmitInput{
		OwnerID:  owner,
		Filename: "note.txt",
		Content:  []byte(content),
		Consent:  true,
		Metadata: json.RawMessage(`{"source":"scanner"}`),
		Meta:     audit.Meta{IP: "203.0.113.7", RequestID: "req-1"},
	}
}

func (h *harness) sendCallback(t *testing.T, body string) error {
	t.Helper()
	_, err := h.app.Callback(context.Background(), []byte(body), hmacsig.Sign([]byte(testSecret), []byte(body)), audit.Meta{})
	return err
}

func (h *harness) auditActions(t *testing.T, action string) []domain.AuditEntry {
	t.Helper()
	entries, err := h.store.ListAudit(context.Background(), store.AuditFilter{Action: action})
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	return entries
}

func waitForStatus(t *testing.T, a *App, owner, jobID string, want domain.JobStatus) JobView {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		view, err := a.Status(context.Background(), owner, jobID)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if view.Status == want {
			return view
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s stuck in %s, want %s", jobID, view.Status, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSubmitFileModeDispatches(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	before := time.Now()

	res, err := h.app.Submit(ctx, textUpload("u1", "patient note"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Status != domain.JobQueued || res.FileID == "" || res.JobID == "" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.EstimatedCompletion.Before(before.Add(fileModeBase)) {
		t.Fatalf("estimate too early: %s", res.EstimatedCompletion)
	}

	path, payload := h.worker.last(t)
	if path != dispatch.FilePath {
		t.Fatalf("path = %s, want %s", path, dispatch.FilePath)
	}
	if payload.FileURL == "" || payload.ExtractedText != "" || payload.FileID != res.FileID {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if string(payload.Metadata) != `{"source":"scanner"}` {
		t.Fatalf("metadata not forwarded: %s", payload.Metadata)
	}
	if h.objects.Len() != 1 {
		t.Fatalf("objects stored = %d", h.objects.Len())
	}

	view, err := h.app.Status(ctx, "u1", res.JobID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if view.Status != domain.JobProcessing || view.Steps[0].Status != domain.StepCompleted {
		t.Fatalf("unexpected view: %+v", view)
	}

	uploads := h.auditActions(t, audit.ActionFileUpload)
	if len(uploads) != 1 || !uploads[0].SensitiveData || !uploads[0].Success || uploads[0].IPAddress != "203.0.113.7" {
		t.Fatalf("unexpected file_upload audit: %+v", uploads)
	}
}

func TestSubmitTextMode(t *testing.T) {
	h := newHarness(t)
	in := textUpload("u1", "scan bytes")
	in.ExtractedText = &domain.ExtractedText{Text: "BP 120/80", ExtractedAt: time.Now().UTC(), Model: "tesseract"}
	before := time.Now()

	res, err := h.app.Submit(context.Background(), in)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	path, payload := h.worker.last(t)
	if path != dispatch.TextPath || payload.ExtractedText != "BP 120/80" || payload.FileURL != "" {
		t.Fatalf("unexpected text dispatch: %s %+v", path, payload)
	}
	if res.EstimatedCompletion.After(before.Add(textModeEstimate + time.Second)) {
		t.Fatalf("text estimate too late: %s", res.EstimatedCompletion)
	}
	view, _ := h.app.Status(context.Background(), "u1", res.JobID)
	if view.Mode != string(domain.ModeText) || len(view.Steps) != 5 {
		t.Fatalf("unexpected text job: %+v", view)
	}
}

func TestSubmitDuplicateDiscardsUpload(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.app.Submit(ctx, textUpload("u1", "same bytes")); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if _, err := h.app.Submit(ctx, textUpload("u1", "same bytes")); !errors.Is(err, domain.ErrDuplicateArtifact) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	if h.objects.Len() != 1 {
		t.Fatalf("duplicate upload must not stay stored, objects = %d", h.objects.Len())
	}
	if _, err := h.app.Submit(ctx, textUpload("u2", "same bytes")); err != nil {
		t.Fatalf("another owner may upload the same bytes: %v", err)
	}
}

func TestConcurrentDuplicateSubmissions(t *testing.T) {
	h := newHarness(t)
	const n = 8
	var (
		wg       sync.WaitGroup
		accepted atomic.Int32
		dupes    atomic.Int32
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.app.Submit(context.Background(), textUpload("u1", "racing bytes"))
			switch {
			case err == nil:
				accepted.Add(1)
			case errors.Is(err, domain.ErrDuplicateArtifact):
				dupes.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if accepted.Load() != 1 || dupes.Load() != n-1 {
		t.Fatalf("accepted=%d duplicates=%d", accepted.Load(), dupes.Load())
	}
	if h.objects.Len() != 1 {
		t.Fatalf("objects stored = %d", h.objects.Len())
	}
}

func TestSubmitRequiresConsent(t *testing.T) {
	h := newHarness(t)
	in := textUpload("u1", "no consent")
	in.Consent = false
	if _, err := h.app.Submit(context.Background(), in); !errors.Is(err, domain.ErrConsentRequired) {
		t.Fatalf("expected consent error, got %v", err)
	}
	if h.objects.Len() != 0 || h.worker.count() != 0 {
		t.Fatalf("nothing may be stored or dispatched without consent")
	}
	uploads := h.auditActions(t, audit.ActionFileUpload)
	if len(uploads) != 1 || uploads[0].Success {
		t.Fatalf("expected one failed file_upload entry, got %+v", uploads)
	}
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t)
	cases := map[string]SubmitInput{
		"empty":         {OwnerID: "u1", Filename: "a.txt", Consent: true},
		"media type":    {OwnerID: "u1", Filename: "a.zip", MediaType: "application/zip", Content: []byte("PK"), Consent: true},
		"metadata":      {OwnerID: "u1", Filename: "a.txt", Content: []byte("x"), Consent: true, Metadata: json.RawMessage(`[1,2]`)},
		"broken pdf":    {OwnerID: "u1", Filename: "a.pdf", Content: []byte("%PDF-1.4 not really"), Consent: true},
		"blank text":    {OwnerID: "u1", Filename: "a.txt", Content: []byte("y"), Consent: true, ExtractedText: &domain.ExtractedText{Text: "  "}},
		"missing owner": {Filename: "a.txt", Content: []byte("z"), Consent: true},
	}
	for name, in := range cases {
		if _, err := h.app.Submit(context.Background(), in); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("%s: expected validation error, got %v", name, err)
		}
	}
	if h.objects.Len() != 0 {
		t.Fatalf("rejected uploads must not be stored")
	}
}

func TestDispatchFailureThenManualRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.worker.failing.Store(true)

	res, err := h.app.Submit(ctx, textUpload("u1", "flaky worker"))
	if !errors.Is(err, domain.ErrDispatchFailure) {
		t.Fatalf("expected dispatch failure, got %v", err)
	}
	if res.JobID == "" || res.Status != domain.JobFailed {
		t.Fatalf("failed submit should still identify the job: %+v", res)
	}
	view, _ := h.app.Status(ctx, "u1", res.JobID)
	if view.Status != domain.JobFailed || view.Error == nil || view.Error.Code != domain.CodeDispatchFailed {
		t.Fatalf("unexpected view after dispatch failure: %+v", view)
	}
	if uploads := h.auditActions(t, audit.ActionFileUpload); len(uploads) != 1 || !uploads[0].Success {
		t.Fatalf("file_upload must be recorded regardless of dispatch: %+v", uploads)
	}

	h.worker.failing.Store(false)
	if _, err := h.app.Retry(ctx, "u2", res.JobID); !errors.Is(err, domain.ErrJobNotFound) {
		t.Fatalf("foreign retry should be not found, got %v", err)
	}
	if _, err := h.app.Retry(ctx, "u1", res.JobID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	view = waitForStatus(t, h.app, "u1", res.JobID, domain.JobProcessing)
	if view.RetryCount != 1 {
		t.Fatalf("retry count = %d", view.RetryCount)
	}
	art, _, _ := h.store.GetArtifact(ctx, res.FileID)
	if art.ActiveJobID != res.JobID || art.Status != domain.ArtifactProcessing {
		t.Fatalf("retried job not linked: %+v", art)
	}
}

func TestTransientCallbackRedispatches(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res, err := h.app.Submit(ctx, textUpload("u1", "transient"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	_, payload := h.worker.last(t)
	body := `{"jobId":"` + payload.JobID + `","status":"failed","error":{"code":"OCR_TIMEOUT","message":"timeout","transient":true}}`
	if err := h.sendCallback(t, body); err != nil {
		t.Fatalf("callback: %v", err)
	}
	view := waitForStatus(t, h.app, "u1", res.JobID, domain.JobProcessing)
	if view.RetryCount != 1 || h.worker.count() != 2 {
		t.Fatalf("expected a second dispatch, retries=%d dispatches=%d", view.RetryCount, h.worker.count())
	}

	// The worker retries its delivery of the first attempt's failure.
	for i := 0; i < 2; i++ {
		if err := h.sendCallback(t, body); err != nil {
			t.Fatalf("redelivered callback %d: %v", i, err)
		}
	}
	again, _ := h.app.Status(ctx, "u1", res.JobID)
	if again.Status != domain.JobProcessing || again.RetryCount != 1 || h.worker.count() != 2 {
		t.Fatalf("redelivery re-applied: status=%s retries=%d dispatches=%d", again.Status, again.RetryCount, h.worker.count())
	}
	if n := len(h.auditActions(t, audit.ActionJobRetryScheduled)); n != 1 {
		t.Fatalf("expected one job_retry_scheduled entry, got %d", n)
	}
}

func TestResultsLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res, err := h.app.Submit(ctx, textUpload("u1", "results"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := h.app.Results(ctx, "u1", res.JobID, audit.Meta{}); !errors.Is(err, domain.ErrResultsNotReady) {
		t.Fatalf("expected results not ready, got %v", err)
	}

	_, payload := h.worker.last(t)
	body := `{"jobId":"` + payload.JobID + `","status":"completed","results":{"summary":"stable","qualityMetrics":{"ocrConfidence":0.9,"extractionConfidence":0.8},"flags":[{"type":"low_confidence","message":"check dosage","severity":"warning"}]}}`
	if err := h.sendCallback(t, body); err != nil {
		t.Fatalf("callback: %v", err)
	}
	if err := h.sendCallback(t, body); err != nil {
		t.Fatalf("duplicate callback must be accepted: %v", err)
	}

	view, err := h.app.Results(ctx, "u1", res.JobID, audit.Meta{})
	if err != nil {
		t.Fatalf("results: %v", err)
	}
	if view.Results.Summary != "stable" || len(view.Results.Flags) != 1 {
		t.Fatalf("unexpected results: %+v", view.Results)
	}
	if _, err := h.app.Results(ctx, "u2", res.JobID, audit.Meta{}); !errors.Is(err, domain.ErrJobNotFound) {
		t.Fatalf("foreign owner must not read results, got %v", err)
	}
	if _, err := h.app.Results(ctx, "u1", res.JobID, audit.Meta{}); err != nil {
		t.Fatalf("cached results: %v", err)
	}
	if n := len(h.auditActions(t, audit.ActionResultsAccessed)); n != 2 {
		t.Fatalf("results_accessed entries = %d, want 2", n)
	}
	if n := len(h.auditActions(t, audit.ActionCallbackDuplicate)); n != 1 {
		t.Fatalf("callback_duplicate entries = %d, want 1", n)
	}
	status, _ := h.app.Status(ctx, "u1", res.JobID)
	if status.Progress != 100 || status.EstimatedCompletion != nil {
		t.Fatalf("completed job view: %+v", status)
	}
}

func TestCancelAndDelete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res, err := h.app.Submit(ctx, textUpload("u1", "cancel me"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := h.app.DeleteDocument(ctx, "u1", res.FileID, audit.Meta{}); !errors.Is(err, domain.ErrAlreadyLinked) {
		t.Fatalf("delete with active job should fail, got %v", err)
	}
	view, err := h.app.Cancel(ctx, "u1", res.JobID)
	if err != nil || view.Status != domain.JobCancelled {
		t.Fatalf("cancel: %+v %v", view, err)
	}
	if _, err := h.app.Cancel(ctx, "u1", res.JobID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("second cancel should be rejected, got %v", err)
	}
	if err := h.app.DeleteDocument(ctx, "u2", res.FileID, audit.Meta{}); !errors.Is(err, domain.ErrArtifactNotFound) {
		t.Fatalf("foreign delete should be not found, got %v", err)
	}
	if err := h.app.DeleteDocument(ctx, "u1", res.FileID, audit.Meta{}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if h.objects.Len() != 0 {
		t.Fatalf("stored object should be removed")
	}
	if _, err := h.app.Submit(ctx, textUpload("u1", "cancel me")); err != nil {
		t.Fatalf("re-upload after delete: %v", err)
	}
}

func TestRedispatchSkipsDispatchedJobs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res, err := h.app.Submit(ctx, textUpload("u1", "already sent"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := h.app.Redispatch(ctx, res.JobID); err != nil {
		t.Fatalf("redispatch: %v", err)
	}
	if err := h.app.Redispatch(ctx, "missing"); err != nil {
		t.Fatalf("redispatch of unknown job: %v", err)
	}
	if h.worker.count() != 1 {
		t.Fatalf("processing job must not be sent twice, dispatches = %d", h.worker.count())
	}
}

func TestDetectMediaType(t *testing.T) {
	cases := []struct {
		name, declared string
		content        []byte
		want           string
	}{
		{"a.pdf", "", []byte("%PDF-1.7"), "application/pdf"},
		{"scan", "", []byte("\x89PNG\r\n\x1a\n0000"), "image/png"},
		{"x.bin", "Image/PNG", nil, "image/png"},
		{"n.txt", "application/octet-stream", []byte("hi"), "text/plain"},
	}
	for _, c := range cases {
		if got := detectMediaType(c.name, c.declared, c.content); got != c.want {
			t.Fatalf("detectMediaType(%q, %q) = %q, want %q", c.name, c.declared, got, c.want)
		}
	}
}

func TestEstimate(t *testing.T) {
	if got := estimate(inspected{mode: domain.ModeFile, pages: 3}); got != 105*time.Second {
		t.Fatalf("file estimate = %s", got)
	}
	if got := estimate(inspected{mode: domain.ModeText, pages: 40}); got != textModeEstimate {
		t.Fatalf("text estimate = %s", got)
	}
}
