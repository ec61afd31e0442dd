package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"whatsorganizer/internal/ratelimit"
	"whatsorganizer/internal/util"
	"whatsorganizer/pkg/chatexport"
	"whatsorganizer/pkg/domain"
	"whatsorganizer/pkg/storage"
	"whatsorganizer/services/ingest/internal/app"
)

// Processor is the application surface the server depends on.
type Processor interface {
	Process(ctx context.Context, name string, r io.Reader) ([]domain.Message, error)
	ProcessObject(ctx context.Context, key string) ([]domain.Message, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            Processor
	MaxUploadBytes int64
	AllowedOrigins []string
	TrustedProxies []string
	// Limiter is optional; nil disables rate limiting.
	Limiter *ratelimit.FixedWindowLimiter
}

// Server exposes HTTP endpoints for the ingest service.
type Server struct {
	app            Processor
	maxUploadBytes int64
	allowedOrigins []string
	trustedProxies *util.TrustedProxies
	limiter        *ratelimit.FixedWindowLimiter
	mux            *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("server: app is required")
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}
	s := &Server{
		app:            cfg.App,
		maxUploadBytes: normalizeMaxBytes(cfg.MaxUploadBytes),
		allowedOrigins: cfg.AllowedOrigins,
		trustedProxies: trusted,
		limiter:        cfg.Limiter,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog(util.WithSecurityHeaders(util.WithCORS(s.allowedOrigins, s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/api/process", s.withRateLimit(s.handleProcess))
	s.mux.Handle("/api/process/object", s.withRateLimit(s.handleProcessObject))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes+multipartEnvelopeBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "archive too large", codeArchiveTooLarge)
			return
		}
		writeError(w, http.StatusBadRequest, "invalid form data", "CHAT_INVALID_UPLOAD_FORM")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required (field: file)", "CHAT_FILE_REQUIRED")
		return
	}
	defer file.Close()

	messages, err := s.app.Process(r.Context(), header.Filename, file)
	if err != nil {
		s.writeProcessError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

func (s *Server) handleProcessObject(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req objectRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", "CHAT_INVALID_REQUEST")
		return
	}
	if strings.TrimSpace(req.Key) == "" {
		writeError(w, http.StatusBadRequest, "key is required", "CHAT_INVALID_REQUEST")
		return
	}
	messages, err := s.app.ProcessObject(r.Context(), req.Key)
	if err != nil {
		s.writeProcessError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

func (s *Server) writeProcessError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusForError(err)
	if status == http.StatusInternalServerError {
		util.LoggerFromContext(r.Context()).Error("process archive failed", "err", err)
	}
	writeError(w, status, publicMessage(err), code)
}

const (
	codeUnsafeEntry       = "CHAT_UNSAFE_ARCHIVE_ENTRY"
	codeArchiveTooLarge   = "CHAT_ARCHIVE_TOO_LARGE"
	codeMissingTranscript = "CHAT_MISSING_TRANSCRIPT"
	codeCorruptArchive    = "CHAT_CORRUPT_ARCHIVE"
)

func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, chatexport.ErrUnsafeArchiveEntry):
		return http.StatusUnprocessableEntity, codeUnsafeEntry
	case errors.Is(err, chatexport.ErrArchiveTooLarge):
		return http.StatusRequestEntityTooLarge, codeArchiveTooLarge
	case errors.Is(err, chatexport.ErrMissingTranscript):
		return http.StatusUnprocessableEntity, codeMissingTranscript
	case errors.Is(err, chatexport.ErrCorruptArchive):
		return http.StatusBadRequest, codeCorruptArchive
	case errors.Is(err, storage.ErrObjectNotFound):
		return http.StatusNotFound, "CHAT_OBJECT_NOT_FOUND"
	case errors.Is(err, storage.ErrInvalidKey):
		return http.StatusBadRequest, "CHAT_INVALID_REQUEST"
	case errors.Is(err, app.ErrObjectStorageDisabled):
		return http.StatusNotImplemented, "SYSTEM_NOT_IMPLEMENTED"
	default:
		return http.StatusInternalServerError, "SYSTEM_INTERNAL_ERROR"
	}
}

// publicMessage keeps archive-level reasons and hides everything else.
func publicMessage(err error) string {
	var ingestErr *chatexport.Error
	if errors.As(err, &ingestErr) {
		return ingestErr.Error()
	}
	switch {
	case errors.Is(err, chatexport.ErrArchiveTooLarge):
		return "archive too large"
	case errors.Is(err, storage.ErrObjectNotFound):
		return "object not found"
	case errors.Is(err, storage.ErrInvalidKey):
		return "invalid object key"
	case errors.Is(err, app.ErrObjectStorageDisabled):
		return app.ErrObjectStorageDisabled.Error()
	default:
		return "internal error"
	}
}

func (s *Server) withRateLimit(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil || r.Method == http.MethodOptions {
			next(w, r)
			return
		}
		ip := util.ClientIP(r, s.trustedProxies)
		decision, err := s.limiter.Allow(r.Context(), ip)
		if err != nil {
			util.LoggerFromContext(r.Context()).Error("rate limiter unavailable", "ip", ip, "err", err)
			writeError(w, http.StatusServiceUnavailable, "rate limiter unavailable", "SYSTEM_UNAVAILABLE")
			return
		}
		if !decision.Allowed {
			w.Header().Set("Retry-After", retryAfterSeconds(decision.RetryAfter))
			writeError(w, http.StatusTooManyRequests, "too many requests", "SYSTEM_RATE_LIMITED")
			return
		}
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		next(w, r)
	})
}

func retryAfterSeconds(d time.Duration) string {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed", "SYSTEM_METHOD_NOT_ALLOWED")
}

type objectRequest struct {
	Key string `json:"key"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      code,
		RequestID: strings.TrimSpace(w.Header().Get(util.RequestIDHeader)),
	})
}

// multipartEnvelopeBytes is allowed on top of the archive ceiling for part
// headers and boundaries. The archive itself is bounded again by the engine.
const multipartEnvelopeBytes = 64 << 10

func normalizeMaxBytes(value int64) int64 {
	if value <= 0 {
		return chatexport.DefaultLimits().MaxArchiveBytes
	}
	return value
}
