package tusengine

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"tusdrop/internal/scratch"
	"tusdrop/internal/storage"
)

// memBackend is a tiny in-memory storage.Backend double for exercising
// the completion pipeline without touching disk or network.
type memBackend struct {
	mu        sync.Mutex
	files     map[string][]byte
	meta      map[string]*storage.StoredFile
	uploadErr error
}

func newMemStorageBackend() *memBackend {
	return &memBackend{files: map[string][]byte{}, meta: map[string]*storage.StoredFile{}}
}

func (b *memBackend) Upload(ctx context.Context, file *storage.StoredFile, data io.Reader) error {
	b.mu.Lock()
	uploadErr := b.uploadErr
	b.mu.Unlock()
	if uploadErr != nil {
		return uploadErr
	}
	buf, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.files[file.UID] = buf
	f := *file
	f.Size = int64(len(buf))
	b.meta[file.UID] = &f
	return nil
}

func (b *memBackend) Download(ctx context.Context, uid string) (*storage.StoredFile, io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, ok := b.meta[uid]
	if !ok {
		return nil, nil, storage.ErrNotFound
	}
	return f, io.NopCloser(bytes.NewReader(b.files[uid])), nil
}

func (b *memBackend) Get(ctx context.Context, uid string) (*storage.StoredFile, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, ok := b.meta[uid]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return f, nil
}

func (b *memBackend) Delete(ctx context.Context, uid string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.meta[uid]; !ok {
		return storage.ErrNotFound
	}
	delete(b.meta, uid)
	delete(b.files, uid)
	return nil
}

func (b *memBackend) List(ctx context.Context, prefix string, params storage.ListParams) ([]*storage.StoredFile, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*storage.StoredFile
	for _, f := range b.meta {
		out = append(out, f)
	}
	storage.SortFiles(out, params.SortBy, params.SortOrder)
	return storage.Window(out, params.Offset, params.Limit), nil
}

func (b *memBackend) Search(ctx context.Context, params storage.SearchParams) ([]*storage.StoredFile, error) {
	return b.List(ctx, "", params.ListParams)
}

func newEngine(t *testing.T, maxSize int64) (*Engine, *scratch.Store, *memBackend) {
	t.Helper()
	store, err := scratch.New(t.TempDir())
	if err != nil {
		t.Fatalf("scratch.New: %v", err)
	}
	backend := newMemStorageBackend()
	e := New(Config{MaxSize: maxSize}, store, backend, nil)
	return e, store, backend
}

func TestOptionsRoot(t *testing.T) {
	e, _, _ := newEngine(t, 1<<30)
	mux := http.NewServeMux()
	e.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodOptions, "/files/", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec.Header().Get("Tus-Version") != "1.0.0" {
		t.Fatalf("missing Tus-Version header")
	}
	if rec.Header().Get("Tus-Extension") == "" {
		t.Fatalf("missing Tus-Extension header")
	}
}

func TestCreateRequiresUploadLength(t *testing.T) {
	e, _, _ := newEngine(t, 1<<30)
	mux := http.NewServeMux()
	e.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodPost, "/files/", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCreateOversizeRejected(t *testing.T) {
	e, _, _ := newEngine(t, 100)
	mux := http.NewServeMux()
	e.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodPost, "/files/", nil)
	req.Header.Set("Upload-Length", "200")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestCreateExactlyMaxSizeAccepted(t *testing.T) {
	e, _, _ := newEngine(t, 100)
	mux := http.NewServeMux()
	e.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodPost, "/files/", nil)
	req.Header.Set("Upload-Length", "100")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
}

func createUpload(t *testing.T, mux *http.ServeMux, length int64, metaHeader string) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/files/", nil)
	if length >= 0 {
		req.Header.Set("Upload-Length", strconv.FormatInt(length, 10))
	} else {
		req.Header.Set("Upload-Defer-Length", "1")
	}
	if metaHeader != "" {
		req.Header.Set("Upload-Metadata", metaHeader)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create failed: %d %s", rec.Code, rec.Body.String())
	}
	loc := rec.Header().Get("Location")
	parts := strings.Split(strings.TrimRight(loc, "/"), "/")
	return parts[len(parts)-1]
}

func patch(mux *http.ServeMux, uid string, offset int64, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPatch, "/files/"+uid, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/offset+octet-stream")
	req.Header.Set("Upload-Offset", strconv.FormatInt(offset, 10))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func head(mux *http.ServeMux, uid string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodHead, "/files/"+uid, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

// Happy path: one PATCH covers the whole declared length.
func TestScenarioHappyPathSmallFile(t *testing.T) {
	e, _, backend := newEngine(t, 1<<30)
	mux := http.NewServeMux()
	e.RegisterRoutes(mux)

	metaHeader := "filename " + base64.StdEncoding.EncodeToString([]byte("test.txt"))
	uid := createUpload(t, mux, 11, metaHeader)

	rec := patch(mux, uid, 0, "hello world")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Upload-Offset") != "11" {
		t.Fatalf("expected Upload-Offset 11, got %q", rec.Header().Get("Upload-Offset"))
	}

	// Completion reclaims scratch, so a post-completion HEAD 404s.
	hrec := head(mux, uid)
	if hrec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after completion reclaimed scratch, got %d", hrec.Code)
	}

	file, ok := backend.meta[uid]
	if !ok {
		t.Fatalf("expected backend to have ingested uid %s", uid)
	}
	if file.Size != 11 || file.Name != "test.txt" {
		t.Fatalf("unexpected stored file: %+v", file)
	}
	if string(backend.files[uid]) != "hello world" {
		t.Fatalf("unexpected stored content: %q", backend.files[uid])
	}
}

// Resume after a partial PATCH.
func TestScenarioResume(t *testing.T) {
	e, _, backend := newEngine(t, 1<<30)
	mux := http.NewServeMux()
	e.RegisterRoutes(mux)

	uid := createUpload(t, mux, 11, "")

	rec := patch(mux, uid, 0, "hello ")
	if rec.Code != http.StatusNoContent || rec.Header().Get("Upload-Offset") != "6" {
		t.Fatalf("unexpected first patch result: %d %v", rec.Code, rec.Header())
	}

	hrec := head(mux, uid)
	if hrec.Header().Get("Upload-Offset") != "6" {
		t.Fatalf("expected HEAD offset 6, got %q", hrec.Header().Get("Upload-Offset"))
	}

	rec = patch(mux, uid, 6, "world")
	if rec.Code != http.StatusNoContent || rec.Header().Get("Upload-Offset") != "11" {
		t.Fatalf("unexpected second patch result: %d %v", rec.Code, rec.Header())
	}

	if string(backend.files[uid]) != "hello world" {
		t.Fatalf("unexpected final content: %q", backend.files[uid])
	}
}

// Offset conflict on a replayed PATCH.
func TestScenarioOffsetConflict(t *testing.T) {
	e, _, _ := newEngine(t, 1<<30)
	mux := http.NewServeMux()
	e.RegisterRoutes(mux)

	uid := createUpload(t, mux, 20, "")
	rec := patch(mux, uid, 0, "hello world")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected first PATCH to succeed, got %d", rec.Code)
	}

	rec = patch(mux, uid, 0, "hello world")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on replayed PATCH, got %d", rec.Code)
	}

	hrec := head(mux, uid)
	if hrec.Header().Get("Upload-Offset") != "11" {
		t.Fatalf("expected HEAD offset still 11, got %q", hrec.Header().Get("Upload-Offset"))
	}
}

// Oversize chunk truncated with 413.
func TestScenarioOversizeChunkTruncated(t *testing.T) {
	e, _, _ := newEngine(t, 100)
	mux := http.NewServeMux()
	e.RegisterRoutes(mux)

	uid := createUpload(t, mux, 100, "")
	rec := patch(mux, uid, 0, strings.Repeat("x", 150))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
	if rec.Header().Get("Upload-Offset") != "100" {
		t.Fatalf("expected truncated offset 100, got %q", rec.Header().Get("Upload-Offset"))
	}
}

// Deferred length, finalized via a PATCH carrying Upload-Length.
func TestScenarioDeferredLength(t *testing.T) {
	e, _, backend := newEngine(t, 1<<30)
	mux := http.NewServeMux()
	e.RegisterRoutes(mux)

	uid := createUpload(t, mux, -1, "")

	rec := patch(mux, uid, 0, strings.Repeat("a", 50))
	if rec.Code != http.StatusNoContent || rec.Header().Get("Upload-Offset") != "50" {
		t.Fatalf("unexpected deferred patch: %d %v", rec.Code, rec.Header())
	}

	hrec := head(mux, uid)
	if hrec.Header().Get("Upload-Length") != "" {
		t.Fatalf("expected empty Upload-Length while deferred, got %q", hrec.Header().Get("Upload-Length"))
	}

	if _, ok := backend.meta[uid]; ok {
		t.Fatalf("completion must not trigger before length is finalized")
	}

	req := httptest.NewRequest(http.MethodPatch, "/files/"+uid, nil)
	req.Header.Set("Content-Type", "application/offset+octet-stream")
	req.Header.Set("Upload-Offset", "50")
	req.Header.Set("Upload-Length", "50")
	finRec := httptest.NewRecorder()
	mux.ServeHTTP(finRec, req)
	if finRec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 finalizing deferred length, got %d: %s", finRec.Code, finRec.Body.String())
	}

	if _, ok := backend.meta[uid]; !ok {
		t.Fatalf("expected completion after finalizing deferred length")
	}
}

// A failed backend ingestion fails the terminal PATCH with 500 and
// preserves scratch, so a zero-byte PATCH at offset=size can retry
// completion once the backend recovers.
func TestCompletionFailureFailsPatchAndIsRetryable(t *testing.T) {
	e, store, backend := newEngine(t, 1<<30)
	mux := http.NewServeMux()
	e.RegisterRoutes(mux)

	uid := createUpload(t, mux, 11, "")

	backend.mu.Lock()
	backend.uploadErr = io.ErrUnexpectedEOF
	backend.mu.Unlock()

	rec := patch(mux, uid, 0, "hello world")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 when backend ingestion fails, got %d", rec.Code)
	}
	if !store.Exists(uid) {
		t.Fatalf("scratch must be preserved after a failed completion")
	}
	d, err := store.Read(uid)
	if err != nil || d.Offset != 11 {
		t.Fatalf("expected sidecar offset 11 preserved, got %+v (%v)", d, err)
	}

	backend.mu.Lock()
	backend.uploadErr = nil
	backend.mu.Unlock()

	rec = patch(mux, uid, 11, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected retry PATCH to succeed, got %d: %s", rec.Code, rec.Body.String())
	}
	if string(backend.files[uid]) != "hello world" {
		t.Fatalf("unexpected stored content after retry: %q", backend.files[uid])
	}
	if store.Exists(uid) {
		t.Fatalf("scratch must be reclaimed after successful completion")
	}
}

// Deferred-length finalization may carry the final chunk in the same
// PATCH as the Upload-Length header.
func TestDeferredLengthFinalizedWithBody(t *testing.T) {
	e, _, backend := newEngine(t, 1<<30)
	mux := http.NewServeMux()
	e.RegisterRoutes(mux)

	uid := createUpload(t, mux, -1, "")
	rec := patch(mux, uid, 0, "hello ")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("first patch: %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPatch, "/files/"+uid, strings.NewReader("world"))
	req.Header.Set("Content-Type", "application/offset+octet-stream")
	req.Header.Set("Upload-Offset", "6")
	req.Header.Set("Upload-Length", "11")
	finRec := httptest.NewRecorder()
	mux.ServeHTTP(finRec, req)
	if finRec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 finalizing with body, got %d: %s", finRec.Code, finRec.Body.String())
	}
	if finRec.Header().Get("Upload-Offset") != "11" {
		t.Fatalf("expected Upload-Offset 11, got %q", finRec.Header().Get("Upload-Offset"))
	}
	if string(backend.files[uid]) != "hello world" {
		t.Fatalf("unexpected stored content: %q", backend.files[uid])
	}
}

// Termination via DELETE.
func TestScenarioTermination(t *testing.T) {
	e, _, _ := newEngine(t, 1<<30)
	mux := http.NewServeMux()
	e.RegisterRoutes(mux)

	uid := createUpload(t, mux, 11, "")
	patch(mux, uid, 0, "hello ")

	req := httptest.NewRequest(http.MethodDelete, "/files/"+uid, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}

	hrec := head(mux, uid)
	if hrec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", hrec.Code)
	}
}

func TestPatchWrongContentTypeRejected(t *testing.T) {
	e, _, _ := newEngine(t, 1<<30)
	mux := http.NewServeMux()
	e.RegisterRoutes(mux)

	uid := createUpload(t, mux, 11, "")
	req := httptest.NewRequest(http.MethodPatch, "/files/"+uid, strings.NewReader("hello"))
	req.Header.Set("Upload-Offset", "0")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415, got %d", rec.Code)
	}
}

func TestHeadUnknownUIDIs404(t *testing.T) {
	e, _, _ := newEngine(t, 1<<30)
	mux := http.NewServeMux()
	e.RegisterRoutes(mux)

	hrec := head(mux, "does-not-exist")
	if hrec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", hrec.Code)
	}
}

func TestMetadataRoundTripsThroughHead(t *testing.T) {
	e, _, _ := newEngine(t, 1<<30)
	mux := http.NewServeMux()
	e.RegisterRoutes(mux)

	metaHeader := "filename " + base64.StdEncoding.EncodeToString([]byte("report.pdf")) +
		",category " + base64.StdEncoding.EncodeToString([]byte("docs"))
	uid := createUpload(t, mux, 100, metaHeader)

	hrec := head(mux, uid)
	got := hrec.Header().Get("Upload-Metadata")
	parsed := parseUploadMetadata(got)
	if parsed["filename"] != "report.pdf" || parsed["category"] != "docs" {
		t.Fatalf("metadata did not round-trip: %v", parsed)
	}
}

func TestEventHookObservesLifecycle(t *testing.T) {
	store, err := scratch.New(t.TempDir())
	if err != nil {
		t.Fatalf("scratch.New: %v", err)
	}
	var mu sync.Mutex
	var seen []string
	e := New(Config{
		MaxSize: 1 << 30,
		Events: func(event, uid string, offset int64) {
			mu.Lock()
			seen = append(seen, event)
			mu.Unlock()
		},
	}, store, newMemStorageBackend(), nil)
	mux := http.NewServeMux()
	e.RegisterRoutes(mux)

	uid := createUpload(t, mux, 11, "")
	patch(mux, uid, 0, "hello world")

	mu.Lock()
	defer mu.Unlock()
	want := []string{EventCreated, EventPatched, EventCompleted}
	if len(seen) != len(want) {
		t.Fatalf("expected events %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, seen)
		}
	}
}

func TestAuthDeniedReturns401(t *testing.T) {
	store, err := scratch.New(t.TempDir())
	if err != nil {
		t.Fatalf("scratch.New: %v", err)
	}
	backend := newMemStorageBackend()
	e := New(Config{MaxSize: 1 << 30, Auth: func(*http.Request) bool { return false }}, store, backend, nil)
	mux := http.NewServeMux()
	e.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodPost, "/files/", nil)
	req.Header.Set("Upload-Length", "10")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}
