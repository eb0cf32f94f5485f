// Package tusengine implements the tus 1.0.0 resumable-upload
// protocol state machine over a scratch.Store, plus the completion
// pipeline that hands a finished upload off to a storage.Backend.
// A single closure (rootHandler) dispatches to one handler method per
// verb, with manual method checks rather than a routing library, and
// structured logging via internal/logging.
package tusengine

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"tusdrop/internal/logging"
	"tusdrop/internal/scratch"
	"tusdrop/internal/storage"
)

const tusVersion = "1.0.0"
const tusExtensions = "creation,creation-defer-length,creation-with-upload,expiration,termination"

// AuthFunc authenticates a protected request; it returns false to deny
// with 401. Authentication itself lives outside the engine, which only
// invokes the predicate.
type AuthFunc func(r *http.Request) bool

// AllowAll is the default AuthFunc when none is configured.
func AllowAll(*http.Request) bool { return true }

// CompletionHook is invoked after a successful completion-pipeline
// ingestion, for best-effort side effects (the webhook dispatcher).
// It must not block the caller for long or fail the PATCH response.
type CompletionHook func(file *storage.StoredFile)

// EventHook observes upload lifecycle transitions (created, patched,
// completed, deleted, expired) for optional side effects such as the
// audit trail. It is invoked inline and must be fast; its failures
// are the hook's own problem, never the request's.
type EventHook func(event, uid string, offset int64)

// Lifecycle event names passed to EventHook.
const (
	EventCreated   = "created"
	EventPatched   = "patched"
	EventCompleted = "completed"
	EventDeleted   = "deleted"
	EventExpired   = "expired"
)

// Config bundles the engine's tunables, mirroring the [tus] TOML
// table.
type Config struct {
	Prefix           string        // mount prefix, default "files"
	MaxSize          int64         // bytes, default 1 GiB
	DaysToKeep       int           // descriptor lifetime in days, default 5
	ExpirationPeriod time.Duration // sweep interval, default min(1h, DaysToKeep/10)
	Auth             AuthFunc
	Events           EventHook // lifecycle observer, default no-op
}

func (c *Config) applyDefaults() {
	if c.Prefix == "" {
		c.Prefix = "files"
	}
	if c.MaxSize <= 0 {
		c.MaxSize = 1 << 30
	}
	if c.DaysToKeep <= 0 {
		c.DaysToKeep = 5
	}
	if c.ExpirationPeriod <= 0 {
		c.ExpirationPeriod = time.Hour
	}
	if c.Auth == nil {
		c.Auth = AllowAll
	}
	if c.Events == nil {
		c.Events = func(string, string, int64) {}
	}
}

// Engine wires the Scratch Store and a Storage Backend into the tus
// HTTP surface.
type Engine struct {
	cfg     Config
	scratch *scratch.Store
	backend storage.Backend
	onDone  CompletionHook

	locks   uidLockTable
	sf      singleflight.Group
	metrics *Metrics
}

// New constructs an Engine. onDone may be nil.
func New(cfg Config, store *scratch.Store, backend storage.Backend, onDone CompletionHook) *Engine {
	cfg.applyDefaults()
	return &Engine{
		cfg:     cfg,
		scratch: store,
		backend: backend,
		onDone:  onDone,
		locks:   newUIDLockTable(),
		metrics: NewMetrics(),
	}
}

// Metrics exposes the engine's in-process counters for the ambient
// metrics exporter.
func (e *Engine) Metrics() *Metrics { return e.metrics }

// uidLockTable is the per-uid mutex table serializing PATCHes: lazily
// allocated, reference-counted, so no lock outlives the requests
// waiting on it.
type uidLockTable struct {
	mu    sync.Mutex
	locks map[string]*refcountedLock
}

type refcountedLock struct {
	mu  sync.Mutex
	ref int
}

func newUIDLockTable() uidLockTable {
	return uidLockTable{locks: make(map[string]*refcountedLock)}
}

func (t *uidLockTable) acquire(uid string) *refcountedLock {
	t.mu.Lock()
	l, ok := t.locks[uid]
	if !ok {
		l = &refcountedLock{}
		t.locks[uid] = l
	}
	l.ref++
	t.mu.Unlock()
	l.mu.Lock()
	return l
}

func (t *uidLockTable) release(uid string, l *refcountedLock) {
	l.mu.Unlock()
	t.mu.Lock()
	l.ref--
	if l.ref == 0 {
		delete(t.locks, uid)
	}
	t.mu.Unlock()
}

// RegisterRoutes mounts the tus surface under /{prefix}/ and
// /{prefix}/{uid} on mux, registering closures directly on an
// http.ServeMux.
func (e *Engine) RegisterRoutes(mux *http.ServeMux) {
	root := "/" + e.cfg.Prefix + "/"
	mux.HandleFunc(root, e.rootHandler())
}

// rootHandler dispatches both the collection route (POST/OPTIONS on
// "/{prefix}/") and the item route ("/{prefix}/{uid}") from one
// registration, since both share the same path prefix.
func (e *Engine) rootHandler() http.HandlerFunc {
	root := "/" + e.cfg.Prefix + "/"
	return func(w http.ResponseWriter, r *http.Request) {
		uid := strings.Trim(strings.TrimPrefix(r.URL.Path, root), "/")

		if uid == "" {
			switch r.Method {
			case http.MethodPost:
				e.handleCreate(w, r)
			case http.MethodOptions:
				e.handleOptionsRoot(w, r)
			default:
				w.Header().Set("Allow", "POST, OPTIONS")
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			}
			return
		}

		switch r.Method {
		case http.MethodHead:
			e.handleHead(w, r, uid)
		case http.MethodPatch:
			e.handlePatch(w, r, uid)
		case http.MethodOptions:
			e.handleOptionsItem(w, r, uid)
		case http.MethodDelete:
			e.handleDelete(w, r, uid)
		case http.MethodGet:
			e.handleGet(w, r, uid)
		default:
			w.Header().Set("Allow", "HEAD, PATCH, OPTIONS, DELETE, GET")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

func (e *Engine) authenticate(w http.ResponseWriter, r *http.Request) bool {
	if e.cfg.Auth(r) {
		return true
	}
	http.Error(w, "authentication required", http.StatusUnauthorized)
	return false
}

// handleOptionsRoot implements OPTIONS /{prefix}/.
func (e *Engine) handleOptionsRoot(w http.ResponseWriter, r *http.Request) {
	if !e.authenticate(w, r) {
		return
	}
	w.Header().Set("Tus-Version", tusVersion)
	w.Header().Set("Tus-Resumable", tusVersion)
	w.Header().Set("Tus-Extension", tusExtensions)
	w.Header().Set("Tus-Max-Size", strconv.FormatInt(e.cfg.MaxSize, 10))
	w.WriteHeader(http.StatusNoContent)
}

// handleOptionsItem implements OPTIONS /{prefix}/{uid}.
func (e *Engine) handleOptionsItem(w http.ResponseWriter, r *http.Request, uid string) {
	if !e.authenticate(w, r) {
		return
	}
	if !e.scratch.Exists(uid) {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Tus-Version", tusVersion)
	w.Header().Set("Tus-Resumable", tusVersion)
	w.Header().Set("Tus-Extension", tusExtensions)
	w.WriteHeader(http.StatusNoContent)
}

func parseUploadMetadata(header string) map[string]string {
	if header == "" {
		return map[string]string{}
	}
	meta := make(map[string]string)
	for _, pair := range strings.Split(header, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, b64 := pair, ""
		if i := strings.IndexByte(pair, ' '); i >= 0 {
			key, b64 = pair[:i], pair[i+1:]
		}
		value := ""
		if b64 != "" {
			if decoded, err := base64.StdEncoding.DecodeString(b64); err == nil {
				value = string(decoded)
			}
		}
		meta[key] = value
	}
	return meta
}

func encodeUploadMetadata(meta map[string]string) string {
	if len(meta) == 0 {
		return ""
	}
	parts := make([]string, 0, len(meta))
	for k, v := range meta {
		parts = append(parts, k+" "+base64.StdEncoding.EncodeToString([]byte(v)))
	}
	return strings.Join(parts, ",")
}

// handleCreate implements POST /{prefix}/.
func (e *Engine) handleCreate(w http.ResponseWriter, r *http.Request) {
	if !e.authenticate(w, r) {
		return
	}

	deferLength := r.Header.Get("Upload-Defer-Length") == "1"
	lengthHeader := r.Header.Get("Upload-Length")

	var size *int64
	if !deferLength {
		if lengthHeader == "" {
			http.Error(w, "Upload-Length header required", http.StatusBadRequest)
			return
		}
		n, err := strconv.ParseInt(lengthHeader, 10, 64)
		if err != nil || n < 0 {
			http.Error(w, "invalid Upload-Length", http.StatusBadRequest)
			return
		}
		if n > e.cfg.MaxSize {
			http.Error(w, "upload exceeds maximum allowed size", http.StatusRequestEntityTooLarge)
			return
		}
		size = &n
	}

	meta := parseUploadMetadata(r.Header.Get("Upload-Metadata"))

	uid := scratch.NewUID()
	now := time.Now().UTC()
	d := &scratch.Descriptor{
		UID:         uid,
		Size:        size,
		Offset:      0,
		Metadata:    meta,
		CreatedAt:   now.Format("2006-01-02T15:04:05.999999"),
		DeferLength: deferLength,
		Expires:     now.AddDate(0, 0, e.cfg.DaysToKeep).Format(time.RFC3339Nano),
	}
	if err := e.scratch.Create(uid, d); err != nil {
		logging.Error("create scratch upload failed", map[string]any{"uid": uid}, err)
		http.Error(w, "failed to create upload", http.StatusInternalServerError)
		return
	}
	e.metrics.CreatedTotal.Add(1)
	e.cfg.Events(EventCreated, uid, 0)

	// Creation-with-upload: drain an attached offset+octet-stream body
	// at offset 0 before responding. Errors are logged but
	// do not fail creation; the client can still resume via PATCH.
	if r.ContentLength != 0 && r.Header.Get("Content-Type") == "application/offset+octet-stream" {
		if _, err := e.ingestChunk(r.Context(), uid, r.Body, 0); err != nil {
			logging.Warn("creation-with-upload body drain failed", map[string]any{"uid": uid, "error": err.Error()})
		}
	}

	w.Header().Set("Location", e.buildLocation(r, uid))
	w.Header().Set("Tus-Resumable", tusVersion)
	w.WriteHeader(http.StatusCreated)
}

func (e *Engine) buildLocation(r *http.Request, uid string) string {
	proto := r.Header.Get("X-Forwarded-Proto")
	if proto == "" {
		proto = "http"
		if r.TLS != nil {
			proto = "https"
		}
	}
	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Header.Get("Host")
	}
	if host == "" {
		host = r.Host
	}
	return fmt.Sprintf("%s://%s/%s/%s", proto, host, e.cfg.Prefix, uid)
}

// handleHead implements HEAD /{prefix}/{uid}.
func (e *Engine) handleHead(w http.ResponseWriter, r *http.Request, uid string) {
	if !e.authenticate(w, r) {
		return
	}
	d, err := e.scratch.Read(uid)
	if err != nil || !e.scratch.Exists(uid) {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Tus-Resumable", tusVersion)
	w.Header().Set("Upload-Offset", strconv.FormatInt(d.Offset, 10))
	if d.Size != nil {
		w.Header().Set("Upload-Length", strconv.FormatInt(*d.Size, 10))
	} else {
		w.Header().Set("Upload-Length", "")
	}
	w.Header().Set("Cache-Control", "no-store")
	if encoded := encodeUploadMetadata(d.Metadata); encoded != "" {
		w.Header().Set("Upload-Metadata", encoded)
	}
	w.WriteHeader(http.StatusOK)
}

// handlePatch implements PATCH /{prefix}/{uid}, the sole
// mutation path. One PATCH at a time is admitted per uid;
// a second concurrent PATCH is made to wait on the per-uid lock, so
// the offset it observes reflects every previously-admitted PATCH.
func (e *Engine) handlePatch(w http.ResponseWriter, r *http.Request, uid string) {
	if !e.authenticate(w, r) {
		return
	}
	if r.Header.Get("Content-Type") != "application/offset+octet-stream" {
		http.Error(w, "invalid Content-Type", http.StatusUnsupportedMediaType)
		return
	}

	offsetHeader := r.Header.Get("Upload-Offset")
	offset, err := strconv.ParseInt(offsetHeader, 10, 64)
	if err != nil {
		http.Error(w, "invalid Upload-Offset", http.StatusBadRequest)
		return
	}

	lock := e.locks.acquire(uid)
	defer e.locks.release(uid, lock)

	// A deferred-length finalization: Upload-Length arrives alongside
	// the PATCH, fixing the final size.
	if lenHeader := r.Header.Get("Upload-Length"); lenHeader != "" {
		e.finalizeDeferredLength(w, r, uid, lenHeader)
		return
	}

	e.appendAndMaybeComplete(r.Context(), w, uid, r.Body, offset)
}

// finalizeDeferredLength handles a PATCH that carries Upload-Length:
// the deferred-length finalization. The body (zero or more bytes) is
// appended first, then Upload-Length must equal the resulting offset;
// on match the length is fixed and completion is evaluated before the
// response is written.
func (e *Engine) finalizeDeferredLength(w http.ResponseWriter, r *http.Request, uid, lenHeader string) {
	d, err := e.scratch.Read(uid)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if !d.DeferLength {
		http.Error(w, "upload does not have a deferred length", http.StatusConflict)
		return
	}
	offsetHeader := r.Header.Get("Upload-Offset")
	reqOffset, err := strconv.ParseInt(offsetHeader, 10, 64)
	if err != nil || reqOffset != d.Offset {
		writeOffsetConflict(w, d.Offset)
		return
	}

	newOffset := d.Offset
	if r.ContentLength != 0 {
		newOffset, err = e.scratch.Append(uid, r.Body, d.Offset, e.cfg.MaxSize)
		if err != nil {
			writeAppendError(w, uid, err)
			return
		}
		e.metrics.BytesReceived.Add(newOffset - d.Offset)
		e.cfg.Events(EventPatched, uid, newOffset)
	}

	n, err := strconv.ParseInt(lenHeader, 10, 64)
	if err != nil || n != newOffset {
		http.Error(w, "Upload-Length must equal the final offset to finalize a deferred-length upload", http.StatusBadRequest)
		return
	}

	d, err = e.scratch.Read(uid)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	d.Size = &n
	d.DeferLength = false
	if err := e.scratch.WriteDescriptor(uid, d); err != nil {
		logging.Error("finalize deferred length failed", map[string]any{"uid": uid}, err)
		http.Error(w, "failed to update upload", http.StatusInternalServerError)
		return
	}
	if err := e.maybeComplete(r.Context(), uid); err != nil {
		http.Error(w, "failed to complete upload", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Tus-Resumable", tusVersion)
	w.Header().Set("Upload-Offset", strconv.FormatInt(newOffset, 10))
	w.WriteHeader(http.StatusNoContent)
}

func writeOffsetConflict(w http.ResponseWriter, actual int64) {
	w.Header().Set("Upload-Offset", strconv.FormatInt(actual, 10))
	http.Error(w, "upload offset mismatch", http.StatusConflict)
}

// writeAppendError maps a scratch append failure onto its status
// code.
func writeAppendError(w http.ResponseWriter, uid string, err error) {
	var conflict *scratch.ErrOffsetConflict
	var oversize *scratch.ErrOversize
	switch {
	case errors.Is(err, scratch.ErrNotFound):
		http.Error(w, "upload not found", http.StatusNotFound)
	case errors.As(err, &conflict):
		writeOffsetConflict(w, conflict.Actual)
	case errors.As(err, &oversize):
		w.Header().Set("Upload-Offset", strconv.FormatInt(oversize.Offset, 10))
		http.Error(w, "upload exceeds maximum allowed size", http.StatusRequestEntityTooLarge)
	default:
		logging.Error("append chunk failed", map[string]any{"uid": uid}, err)
		http.Error(w, "failed to write chunk", http.StatusInternalServerError)
	}
}

// completionFailedError marks a backend-ingestion failure in the
// completion pipeline. Scratch is left untouched so the client can
// retry, and the PATCH that triggered completion fails
// with 500 so the client knows to.
type completionFailedError struct{ err error }

func (e *completionFailedError) Error() string {
	return "tusengine: completion failed: " + e.err.Error()
}
func (e *completionFailedError) Unwrap() error { return e.err }

// ingestChunk streams body onto uid at expectedOffset via the scratch
// store and, if that advance reached the declared size, synchronously
// runs the completion pipeline before returning.
// It returns the resulting descriptor for the caller to render headers
// from, or the typed scratch error on failure.
func (e *Engine) ingestChunk(ctx context.Context, uid string, body io.Reader, expectedOffset int64) (*scratch.Descriptor, error) {
	newOffset, err := e.scratch.Append(uid, body, expectedOffset, e.cfg.MaxSize)
	if err != nil {
		return nil, err
	}
	e.metrics.BytesReceived.Add(newOffset - expectedOffset)
	e.cfg.Events(EventPatched, uid, newOffset)

	d, rerr := e.scratch.Read(uid)
	if rerr != nil {
		return nil, rerr
	}

	if cerr := e.maybeComplete(ctx, uid); cerr != nil {
		return nil, &completionFailedError{err: cerr}
	}

	// Completion may have removed the descriptor from scratch; re-read
	// is not meaningful at that point, so report the pre-completion
	// descriptor the caller already has.
	return d, nil
}

// appendAndMaybeComplete is handlePatch's response-rendering wrapper
// around ingestChunk.
func (e *Engine) appendAndMaybeComplete(ctx context.Context, w http.ResponseWriter, uid string, body io.Reader, expectedOffset int64) {
	d, err := e.ingestChunk(ctx, uid, body, expectedOffset)
	if err != nil {
		var failed *completionFailedError
		if errors.As(err, &failed) {
			http.Error(w, "failed to complete upload", http.StatusInternalServerError)
			return
		}
		writeAppendError(w, uid, err)
		return
	}

	w.Header().Set("Tus-Resumable", tusVersion)
	w.Header().Set("Upload-Offset", strconv.FormatInt(d.Offset, 10))
	if d.Expires != "" {
		w.Header().Set("Upload-Expires", d.Expires)
	}
	w.WriteHeader(http.StatusNoContent)
}

// maybeComplete evaluates the state machine's PARTIAL -> COMPLETE
// transition and invokes the completion pipeline at most once per
// uid, collapsing concurrent triggers for the same uid via
// singleflight. A non-nil return means the backend ingestion failed
// and scratch was preserved for retry.
func (e *Engine) maybeComplete(ctx context.Context, uid string) error {
	d, err := e.scratch.Read(uid)
	if err != nil {
		return nil
	}
	if d.DeferLength || d.Size == nil || d.Offset != *d.Size || d.Completed {
		return nil
	}
	_, err, _ = e.sf.Do(uid, func() (any, error) {
		return nil, e.complete(ctx, uid)
	})
	return err
}

// complete is the default completion pipeline: ingest the
// scratch payload into the backend, then reclaim scratch.
func (e *Engine) complete(ctx context.Context, uid string) error {
	d, err := e.scratch.Read(uid)
	if err != nil {
		return err
	}
	if d.Completed {
		// A prior run already ingested this upload but crashed before
		// reclaiming scratch; finish the reclaim idempotently.
		return e.scratch.Remove(uid)
	}

	payloadPath := e.scratch.PayloadPath(uid)
	f, err := os.Open(payloadPath)
	if err != nil {
		logging.Error("open scratch payload for completion failed", map[string]any{"uid": uid}, err)
		return err
	}
	defer f.Close()

	file := descriptorToStoredFile(d)
	if err := e.backend.Upload(ctx, file, f); err != nil {
		logging.Error("backend ingestion failed, scratch preserved for retry", map[string]any{"uid": uid}, err)
		return err
	}
	e.metrics.CompletedTotal.Add(1)
	e.cfg.Events(EventCompleted, uid, file.Size)

	d.Completed = true
	if werr := e.scratch.WriteDescriptor(uid, d); werr != nil {
		logging.Error("stamp completed flag failed", map[string]any{"uid": uid}, werr)
	}

	if err := e.scratch.Remove(uid); err != nil {
		logging.Error("reclaim scratch after completion failed", map[string]any{"uid": uid}, err)
		return err
	}

	if e.onDone != nil {
		e.onDone(file)
	}
	return nil
}

func descriptorToStoredFile(d *scratch.Descriptor) *storage.StoredFile {
	name := d.Metadata["filename"]
	if name == "" {
		name = d.UID
	}
	mimeType := d.Metadata["mime_type"]
	if mimeType == "" {
		mimeType = d.Metadata["filetype"]
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	category := d.Metadata["category"]
	if category == "" {
		category = storage.DefaultCategory
	}
	size := int64(0)
	if d.Size != nil {
		size = *d.Size
	}
	return &storage.StoredFile{
		UID:       d.UID,
		Name:      name,
		Size:      size,
		CreatedAt: time.Now().Unix(),
		Metadata:  d.Metadata,
		MimeType:  mimeType,
		Category:  category,
	}
}

// handleDelete implements the DELETE /{prefix}/{uid} termination. It
// waits for the per-uid lock so an in-flight PATCH drains before
// termination proceeds.
func (e *Engine) handleDelete(w http.ResponseWriter, r *http.Request, uid string) {
	if !e.authenticate(w, r) {
		return
	}
	lock := e.locks.acquire(uid)
	defer e.locks.release(uid, lock)

	existed := e.scratch.Exists(uid)
	if _, err := e.scratch.Read(uid); err == nil {
		existed = true
	}
	if !existed {
		http.NotFound(w, r)
		return
	}
	if err := e.scratch.Remove(uid); err != nil {
		logging.Error("remove scratch upload failed", map[string]any{"uid": uid}, err)
		http.Error(w, "failed to terminate upload", http.StatusInternalServerError)
		return
	}
	e.cfg.Events(EventDeleted, uid, 0)
	w.Header().Set("Tus-Resumable", tusVersion)
	w.WriteHeader(http.StatusNoContent)
}

// handleGet implements the pre-completion convenience read GET
// /{prefix}/{uid}.
func (e *Engine) handleGet(w http.ResponseWriter, r *http.Request, uid string) {
	if !e.authenticate(w, r) {
		return
	}
	d, err := e.scratch.Read(uid)
	if err != nil || !e.scratch.Exists(uid) {
		http.NotFound(w, r)
		return
	}
	f, err := os.Open(e.scratch.PayloadPath(uid))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		http.Error(w, "failed to stat upload", http.StatusInternalServerError)
		return
	}

	filename := d.Metadata["filename"]
	if filename == "" {
		filename = uid
	}
	mimeType := d.Metadata["mime_type"]
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("Tus-Resumable", tusVersion)
	w.WriteHeader(http.StatusOK)
	io.Copy(w, f)
}

// StartExpirationSweep runs the periodic sidecar sweep: it scans
// {uid}.info sidecars and removes any whose
// expires instant is past. It blocks until ctx is cancelled.
func (e *Engine) StartExpirationSweep(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.ExpirationPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweepExpired()
		}
	}
}

func (e *Engine) sweepExpired() {
	uids, err := e.scratch.ListSidecars()
	if err != nil {
		logging.Error("expiration sweep: list sidecars failed", nil, err)
		return
	}
	now := time.Now()
	for _, uid := range uids {
		d, err := e.scratch.Read(uid)
		if err != nil {
			continue
		}
		expiresAt, err := d.ExpiresAt()
		if err != nil || !expiresAt.Before(now) {
			continue
		}
		if err := e.scratch.Remove(uid); err != nil {
			logging.Error("expiration sweep: remove upload failed", map[string]any{"uid": uid}, err)
			continue
		}
		e.metrics.ExpiredTotal.Add(1)
		e.cfg.Events(EventExpired, uid, d.Offset)
		logging.Info("expired upload reclaimed", map[string]any{"uid": uid})
	}
}
