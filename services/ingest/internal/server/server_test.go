package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"whatsorganizer/internal/ratelimit"
	"whatsorganizer/pkg/chatexport"
	"whatsorganizer/pkg/chatexport/chatexporttest"
	"whatsorganizer/pkg/domain"
	"whatsorganizer/pkg/storage"
	"whatsorganizer/services/ingest/internal/app"
)

type memorySource map[string][]byte

func (m memorySource) Open(_ context.Context, key string) (io.ReadCloser, storage.ObjectInfo, error) {
	data, ok := m[key]
	if !ok {
		return nil, storage.ObjectInfo{}, storage.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), storage.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func newTestServer(t *testing.T, appCfg app.Config, cfg Config) http.Handler {
	t.Helper()
	a, err := app.New(appCfg)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	cfg.App = a
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv.Router()
}

func uploadRequest(t *testing.T, field, filename string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile(field, filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/process", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return resp
}

func TestHealthz(t *testing.T) {
	h := newTestServer(t, app.Config{}, Config{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatalf("expected request id header")
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("expected security headers")
	}
}

func TestProcessUpload(t *testing.T) {
	h := newTestServer(t, app.Config{}, Config{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, uploadRequest(t, "file", "chat.zip", chatexporttest.SimpleChat(t)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var msgs []domain.Message
	if err := json.Unmarshal(rec.Body.Bytes(), &msgs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != 1 || msgs[1].ID != 2 {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
	if !strings.Contains(rec.Body.String(), `"FileAttached":null`) {
		t.Fatalf("absent attachment must serialize as null: %s", rec.Body.String())
	}
	if msgs[1].FileAttached == nil || *msgs[1].FileAttached != "IMG-001.jpg" {
		t.Fatalf("attachment = %v", msgs[1].FileAttached)
	}
}

func TestProcessUploadFailures(t *testing.T) {
	tests := []struct {
		name     string
		field    string
		data     []byte
		wantCode int
		wantErr  string
	}{
		{
			name:     "missing file field",
			field:    "archive",
			data:     chatexporttest.SimpleChat(t),
			wantCode: http.StatusBadRequest,
			wantErr:  "CHAT_FILE_REQUIRED",
		},
		{
			name:  "symlink entry",
			field: "file",
			data: chatexporttest.Build(t,
				chatexporttest.File("_chat.txt", "[1/1/23, 10:00:00] John: Hello\n"),
				chatexporttest.Symlink("photo.jpg", "/etc/passwd"),
			),
			wantCode: http.StatusUnprocessableEntity,
			wantErr:  codeUnsafeEntry,
		},
		{
			name:     "traversal entry",
			field:    "file",
			data:     chatexporttest.Build(t, chatexporttest.File("../evil.txt", "x"), chatexporttest.File("_chat.txt", "x")),
			wantCode: http.StatusUnprocessableEntity,
			wantErr:  codeUnsafeEntry,
		},
		{
			name:     "no transcript",
			field:    "file",
			data:     chatexporttest.Build(t, chatexporttest.File("photo.jpg", "jpeg")),
			wantCode: http.StatusUnprocessableEntity,
			wantErr:  codeMissingTranscript,
		},
		{
			name:     "not a zip",
			field:    "file",
			data:     []byte("definitely not a zip archive"),
			wantCode: http.StatusBadRequest,
			wantErr:  codeCorruptArchive,
		},
	}

	h := newTestServer(t, app.Config{}, Config{})
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, uploadRequest(t, tc.field, "chat.zip", tc.data))
			if rec.Code != tc.wantCode {
				t.Fatalf("status = %d, want %d body=%s", rec.Code, tc.wantCode, rec.Body.String())
			}
			resp := decodeError(t, rec)
			if resp.Code != tc.wantErr {
				t.Fatalf("code = %q, want %q", resp.Code, tc.wantErr)
			}
			if resp.RequestID == "" {
				t.Fatalf("expected request id in error body")
			}
		})
	}
}

func TestProcessUploadTooLarge(t *testing.T) {
	h := newTestServer(t, app.Config{}, Config{MaxUploadBytes: 512})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, uploadRequest(t, "file", "chat.zip", bytes.Repeat([]byte("a"), 512+multipartEnvelopeBytes+1)))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if resp := decodeError(t, rec); resp.Code != codeArchiveTooLarge {
		t.Fatalf("code = %q", resp.Code)
	}
}

func TestProcessUploadArchiveCeiling(t *testing.T) {
	data := chatexporttest.SimpleChat(t)
	h := newTestServer(t, app.Config{Limits: chatexport.Limits{MaxArchiveBytes: int64(len(data) - 1)}}, Config{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, uploadRequest(t, "file", "chat.zip", data))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestProcessUploadAtCeiling(t *testing.T) {
	data := chatexporttest.SimpleChat(t)
	limit := int64(len(data))
	h := newTestServer(t, app.Config{Limits: chatexport.Limits{MaxArchiveBytes: limit}}, Config{MaxUploadBytes: limit})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, uploadRequest(t, "file", "chat.zip", data))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestProcessMethodNotAllowed(t *testing.T) {
	h := newTestServer(t, app.Config{}, Config{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/process", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rec.Code)
	}
}

func objectRequestFor(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/process/object", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestProcessObject(t *testing.T) {
	src := memorySource{"exports/family.zip": chatexporttest.SimpleChat(t)}
	h := newTestServer(t, app.Config{Source: src}, Config{})

	tests := []struct {
		name     string
		body     string
		wantCode int
	}{
		{name: "found", body: `{"key":"exports/family.zip"}`, wantCode: http.StatusOK},
		{name: "missing", body: `{"key":"exports/other.zip"}`, wantCode: http.StatusNotFound},
		{name: "empty key", body: `{"key":""}`, wantCode: http.StatusBadRequest},
		{name: "bad json", body: `{`, wantCode: http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, objectRequestFor(tc.body))
			if rec.Code != tc.wantCode {
				t.Fatalf("status = %d, want %d body=%s", rec.Code, tc.wantCode, rec.Body.String())
			}
		})
	}
}

func TestProcessObjectDisabled(t *testing.T) {
	h := newTestServer(t, app.Config{}, Config{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, objectRequestFor(`{"key":"a.zip"}`))
	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestProcessRateLimited(t *testing.T) {
	mr := miniredis.RunT(t)
	limiter, err := ratelimit.NewRedisFixedWindowLimiter(mr.Addr(), "", "test:ingest", 1, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	t.Cleanup(func() { _ = limiter.Close() })
	h := newTestServer(t, app.Config{}, Config{Limiter: limiter})
	data := chatexporttest.SimpleChat(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, uploadRequest(t, "file", "chat.zip", data))
	if rec.Code != http.StatusOK {
		t.Fatalf("first status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, uploadRequest(t, "file", "chat.zip", data))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz must not be rate limited, got %d", rec.Code)
	}
}

func TestProcessRateLimiterDown(t *testing.T) {
	mr := miniredis.RunT(t)
	limiter, err := ratelimit.NewRedisFixedWindowLimiter(mr.Addr(), "", "test:ingest", 5, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	t.Cleanup(func() { _ = limiter.Close() })
	mr.Close()
	h := newTestServer(t, app.Config{}, Config{Limiter: limiter})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, uploadRequest(t, "file", "chat.zip", chatexporttest.SimpleChat(t)))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	tests := map[time.Duration]string{
		0:                       "1",
		1500 * time.Millisecond: "2",
		45 * time.Second:        "45",
	}
	for in, want := range tests {
		if got := retryAfterSeconds(in); got != want {
			t.Fatalf("retryAfterSeconds(%v) = %q, want %q", in, got, want)
		}
	}
}
