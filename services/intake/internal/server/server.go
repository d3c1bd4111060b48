package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"mediscan/internal/hmacsig"
	"mediscan/internal/ratelimit"
	"mediscan/internal/usertoken"
	"mediscan/internal/util"
	"mediscan/pkg/audit"
	"mediscan/pkg/domain"
	"mediscan/pkg/metrics"
	"mediscan/services/intake/internal/app"
)

const (
	codeUnauthorized     = "UNAUTHORIZED"
	codeRateLimited      = "RATE_LIMITED"
	codeFileTooLarge     = "FILE_TOO_LARGE"
	codeMethodNotAllowed = "METHOD_NOT_ALLOWED"

	maxCallbackBytes  = 10 << 20
	multipartOverhead = 1 << 20
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App                        *app.App
	TokenVerifier              *usertoken.Verifier
	TrustedProxies             *util.TrustedProxies
	RedisAddr                  string
	RedisPassword              string
	UploadRateLimitPerMinute   int
	CallbackRateLimitPerMinute int
	MaxUploadBytes             int64
	DevMode                    bool
}

// Server exposes the intake HTTP API.
type Server struct {
	app             *app.App
	tokenVerifier   *usertoken.Verifier
	trusted         *util.TrustedProxies
	mux             *http.ServeMux
	maxUploadBytes  int64
	devMode         bool
	uploadLimiter   *ratelimit.FixedWindowLimiter
	callbackLimiter *ratelimit.FixedWindowLimiter
}

// New constructs the server with routes configured. A zero rate limit
// disables that limiter.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	if cfg.TokenVerifier == nil {
		return nil, errors.New("token verifier required")
	}
	newLimiter := func(name string, limit int) (*ratelimit.FixedWindowLimiter, error) {
		if limit <= 0 {
			return nil, nil
		}
		limiter, err := ratelimit.NewRedisFixedWindowLimiter(ratelimit.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Prefix:   "mediscan:intake:ratelimit",
			Name:     name,
			Limit:    limit,
			Window:   time.Minute,
		})
		if err != nil {
			return nil, fmt.Errorf("init %s limiter: %w", name, err)
		}
		return limiter, nil
	}
	uploadLimiter, err := newLimiter("upload", cfg.UploadRateLimitPerMinute)
	if err != nil {
		return nil, err
	}
	callbackLimiter, err := newLimiter("callback", cfg.CallbackRateLimitPerMinute)
	if err != nil {
		return nil, err
	}
	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = 20 << 20
	}
	s := &Server{
		app:             cfg.App,
		tokenVerifier:   cfg.TokenVerifier,
		trusted:         cfg.TrustedProxies,
		mux:             http.NewServeMux(),
		maxUploadBytes:  maxUpload,
		devMode:         cfg.DevMode,
		uploadLimiter:   uploadLimiter,
		callbackLimiter: callbackLimiter,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler with the middleware chain applied.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(
		util.WithRequestLog("intake",
			metrics.WithHTTPMetrics(
				util.WithSecurityHeaders(s.withAuditMeta(s.mux)))))
}

// Close releases limiter connections.
func (s *Server) Close() error {
	return errors.Join(s.uploadLimiter.Close(), s.callbackLimiter.Close())
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/metrics", metrics.Handler())

	s.mux.Handle("/api/documents", s.authenticated(s.handleDocuments))
	s.mux.Handle("/api/documents/", s.authenticated(s.handleDocumentByID))
	s.mux.Handle("/api/jobs/", s.authenticated(s.handleJobByID))

	// worker -> intake, authenticated by signature
	s.mux.HandleFunc("/internal/ai/callback", s.handleCallback)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) withAuditMeta(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		meta := audit.Meta{
			IP:        util.ClientIP(r, s.trusted),
			UserAgent: r.UserAgent(),
			RequestID: util.RequestIDFromRequest(r),
		}
		next.ServeHTTP(w, r.WithContext(audit.WithMeta(r.Context(), meta)))
	})
}

// auth wrapper; the token subject is the owner id.
type ownerHandler func(http.ResponseWriter, *http.Request, string)

func (s *Server) authenticated(next ownerHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner, err := s.tokenVerifier.VerifySubject(usertoken.BearerToken(r.Header.Get("Authorization")))
		if err != nil {
			s.securityEvent(r, "intake.token.verify", "reason", err.Error())
			writeError(w, r, http.StatusUnauthorized, codeUnauthorized, "unauthorized")
			return
		}
		next(w, r, owner)
	})
}

func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request, owner string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r)
		return
	}
	if !s.allowRate(w, r, s.uploadLimiter, owner) {
		return
	}
	in, err := s.parseUpload(w, r, owner)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, codeFileTooLarge, "file too large")
			return
		}
		s.writeDomainError(w, r, err)
		return
	}
	res, err := s.app.Submit(r.Context(), in)
	if err != nil {
		if errors.Is(err, domain.ErrDispatchFailure) && res.JobID != "" {
			body := s.errorBody(r, domain.Code(err), "document stored but the analysis service could not be reached", err)
			body["fileId"] = res.FileID
			body["jobId"] = res.JobID
			body["status"] = res.Status
			writeJSON(w, http.StatusBadGateway, body)
			return
		}
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) parseUpload(w http.ResponseWriter, r *http.Request, owner string) (app.SubmitInput, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes+multipartOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return app.SubmitInput{}, err
		}
		return app.SubmitInput{}, fmt.Errorf("invalid multipart form: %w", domain.ErrValidation)
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()
	file, header, err := r.FormFile("file")
	if err != nil {
		return app.SubmitInput{}, fmt.Errorf("file is required: %w", domain.ErrValidation)
	}
	defer file.Close()
	if header.Size > s.maxUploadBytes {
		return app.SubmitInput{}, &http.MaxBytesError{Limit: s.maxUploadBytes}
	}
	content, err := io.ReadAll(file)
	if err != nil {
		return app.SubmitInput{}, fmt.Errorf("read upload: %w", err)
	}

	in := app.SubmitInput{
		OwnerID:   owner,
		Filename:  header.Filename,
		MediaType: header.Header.Get("Content-Type"),
		Content:   content,
		Consent:   parseConsent(r.FormValue("consent")),
		Meta:      audit.MetaFromContext(r.Context()),
	}
	if raw := strings.TrimSpace(r.FormValue("metadata")); raw != "" {
		in.Metadata = json.RawMessage(raw)
	}
	if text := r.FormValue("extractedText"); strings.TrimSpace(text) != "" {
		extracted := &domain.ExtractedText{
			Text:        text,
			ExtractedAt: time.Now().UTC(),
			Model:       strings.TrimSpace(r.FormValue("textExtractionModel")),
		}
		if ts := strings.TrimSpace(r.FormValue("textExtractionTimestamp")); ts != "" {
			at, err := time.Parse(time.RFC3339, ts)
			if err != nil {
				return app.SubmitInput{}, fmt.Errorf("textExtractionTimestamp must be RFC3339: %w", domain.ErrValidation)
			}
			extracted.ExtractedAt = at.UTC()
		}
		in.ExtractedText = extracted
	}
	return in, nil
}

// /api/documents/{id}
func (s *Server) handleDocumentByID(w http.ResponseWriter, r *http.Request, owner string) {
	id := strings.TrimPrefix(r.URL.Path, "/api/documents/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r)
		return
	}
	if err := s.app.DeleteDocument(r.Context(), owner, id, audit.MetaFromContext(r.Context())); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"fileId": id, "status": string(domain.ArtifactDeleted)})
}

// /api/jobs/{id}, /api/jobs/{id}/results, /api/jobs/{id}/cancel, /api/jobs/{id}/retry
func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request, owner string) {
	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/api/jobs/"), "/", 2)
	id := parts[0]
	if id == "" {
		http.NotFound(w, r)
		return
	}
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}
	ctx := r.Context()

	var (
		body any
		err  error
	)
	switch {
	case action == "" && r.Method == http.MethodGet:
		body, err = s.app.Status(ctx, owner, id)
	case action == "results" && r.Method == http.MethodGet:
		body, err = s.app.Results(ctx, owner, id, audit.MetaFromContext(ctx))
	case action == "cancel" && r.Method == http.MethodPost:
		body, err = s.app.Cancel(ctx, owner, id)
	case action == "retry" && r.Method == http.MethodPost:
		body, err = s.app.Retry(ctx, owner, id)
	case action == "" || action == "results" || action == "cancel" || action == "retry":
		methodNotAllowed(w, r)
		return
	default:
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r)
		return
	}
	if !s.allowRate(w, r, s.callbackLimiter, "") {
		return
	}
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCallbackBytes))
	if err != nil {
		writeError(w, r, http.StatusRequestEntityTooLarge, codeFileTooLarge, "callback body too large")
		return
	}
	out, err := s.app.Callback(r.Context(), raw, r.Header.Get(hmacsig.Header), audit.MetaFromContext(r.Context()))
	if err != nil {
		if errors.Is(err, domain.ErrSignatureMismatch) {
			s.securityEvent(r, "intake.callback.signature", "reason", "mismatch")
		}
		s.writeDomainError(w, r, err)
		return
	}
	status := "accepted"
	if out.Duplicate {
		status = "duplicate"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    status,
		"jobId":     out.Job.ID,
		"jobStatus": out.Job.Status,
		"requeued":  out.Requeued,
	})
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, owner string) bool {
	key := util.ClientIP(r, s.trusted)
	if owner != "" {
		key = owner + "|" + key
	}
	decision := limiter.Allow(r.Context(), key)
	if decision.Allowed {
		return true
	}
	retryAfter := int(decision.RetryAfter.Round(time.Second) / time.Second)
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	s.securityEvent(r, "intake.ratelimit", "key", key)
	writeError(w, r, http.StatusTooManyRequests, codeRateLimited, "too many requests")
	return false
}

func (s *Server) securityEvent(r *http.Request, event string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", "fail",
		"path", r.URL.Path,
		"method", r.Method,
		"ip", util.ClientIP(r, s.trusted),
	}
	logAttrs = append(logAttrs, attrs...)
	util.LoggerFromContext(r.Context()).Warn("security_event", logAttrs...)
}

// statusFor maps stable error codes to HTTP statuses.
func statusFor(code string) int {
	switch code {
	case domain.CodeValidation, domain.CodeUnknownStep:
		return http.StatusBadRequest
	case domain.CodeConsentRequired, domain.CodeInvalidSignature:
		return http.StatusForbidden
	case domain.CodeJobNotFound, domain.CodeFileNotFound, domain.CodeResultsNotReady:
		return http.StatusNotFound
	case domain.CodeDuplicateFile, domain.CodeInvalidTransition, domain.CodeAlreadyLinked, domain.CodeRetryExhausted:
		return http.StatusConflict
	case domain.CodeDispatchFailed:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// messageFor is the client-facing text for a stable error code. Wrapped
// error text carries ids and internals and stays in dev-mode detail.
func messageFor(code string) string {
	switch code {
	case domain.CodeValidation:
		return "request validation failed"
	case domain.CodeDuplicateFile:
		return "file was already uploaded"
	case domain.CodeConsentRequired:
		return "consent is required"
	case domain.CodeInvalidSignature:
		return "invalid signature"
	case domain.CodeJobNotFound:
		return "job not found"
	case domain.CodeFileNotFound:
		return "file not found"
	case domain.CodeUnknownStep:
		return "unknown processing step"
	case domain.CodeInvalidTransition:
		return "job cannot change state"
	case domain.CodeAlreadyLinked:
		return "file already has an active job"
	case domain.CodeDispatchFailed:
		return "analysis service unavailable"
	case domain.CodeRetryExhausted:
		return "retry limit reached"
	case domain.CodeResultsNotReady:
		return "results not ready"
	}
	return "internal server error"
}

func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	code := domain.Code(err)
	status := statusFor(code)
	if status == http.StatusInternalServerError {
		util.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
	}
	writeJSON(w, status, s.errorBody(r, code, messageFor(code), err))
}

// errorBody builds {error, code, requestId}; detail is only present in dev mode.
func (s *Server) errorBody(r *http.Request, code, msg string, err error) map[string]any {
	body := map[string]any{
		"error":     msg,
		"code":      code,
		"requestId": util.RequestIDFromRequest(r),
	}
	if s.devMode && err != nil {
		body["detail"] = err.Error()
	}
	return body
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Debug("write response failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, status, map[string]any{
		"error":     msg,
		"code":      code,
		"requestId": util.RequestIDFromRequest(r),
	})
}

func parseConsent(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}
