// Package management implements the minimal list/search/get/delete
// surface over a storage.Backend for already-ingested files, mounted
// under the configured api.prefix. One handler method per route,
// manual query-param parsing.
package management

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tusdrop/internal/logging"
	"tusdrop/internal/storage"
	"tusdrop/internal/tusengine"
)

// API wires the management routes to a backend.
type API struct {
	backend storage.Backend
	auth    tusengine.AuthFunc
	prefix  string
}

// New constructs an API. auth may be nil, meaning allow-all.
func New(backend storage.Backend, auth tusengine.AuthFunc) *API {
	if auth == nil {
		auth = tusengine.AllowAll
	}
	return &API{backend: backend, auth: auth}
}

// RegisterRoutes mounts the API under prefix (e.g. "/api").
func (a *API) RegisterRoutes(mux *http.ServeMux, prefix string) {
	a.prefix = strings.TrimRight(prefix, "/")
	mux.HandleFunc(a.prefix+"/list", a.handleList)
	mux.HandleFunc(a.prefix+"/search", a.handleSearch)
	mux.HandleFunc(a.prefix+"/", a.handleItem)
}

func (a *API) authenticate(w http.ResponseWriter, r *http.Request) bool {
	if a.auth(r) {
		return true
	}
	http.Error(w, "authentication required", http.StatusUnauthorized)
	return false
}

func parseSortBy(v string) storage.SortField {
	switch v {
	case "size":
		return storage.SortBySize
	case "name":
		return storage.SortByName
	default:
		return storage.SortByCreatedAt
	}
}

func parseSortOrder(v string) storage.SortOrder {
	if v == "asc" {
		return storage.Asc
	}
	return storage.Desc
}

func parseIntParam(v string, def int) int {
	if v == "" {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return def
}

// handleList implements GET /api/list?limit&offset&sort_by&sort_order
// with default sort created_at DESC and limit 10.
func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !a.authenticate(w, r) {
		return
	}

	q := r.URL.Query()
	params := storage.ListParams{
		Limit:     parseIntParam(q.Get("limit"), 10),
		Offset:    parseIntParam(q.Get("offset"), 0),
		SortBy:    parseSortBy(q.Get("sort_by")),
		SortOrder: parseSortOrder(q.Get("sort_order")),
	}

	files, err := a.backend.List(r.Context(), q.Get("prefix"), params)
	if err != nil {
		logging.Error("list files failed", nil, err)
		http.Error(w, "failed to list files", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, files)
}

// handleSearch implements GET /api/search?q&file_type&owner&
// created_after&created_before plus the shared windowing/sort params,
// mapping straight onto the backend's Search capability.
func (a *API) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !a.authenticate(w, r) {
		return
	}

	q := r.URL.Query()
	params := storage.SearchParams{
		ListParams: storage.ListParams{
			Limit:     parseIntParam(q.Get("limit"), 10),
			Offset:    parseIntParam(q.Get("offset"), 0),
			SortBy:    parseSortBy(q.Get("sort_by")),
			SortOrder: parseSortOrder(q.Get("sort_order")),
		},
		Query:         q.Get("q"),
		FileType:      q.Get("file_type"),
		Owner:         q.Get("owner"),
		CreatedAfter:  parseTimeParam(q.Get("created_after")),
		CreatedBefore: parseTimeParam(q.Get("created_before")),
	}

	files, err := a.backend.Search(r.Context(), params)
	if err != nil {
		logging.Error("search files failed", nil, err)
		http.Error(w, "failed to search files", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, files)
}

// parseTimeParam reads a unix-seconds query value; malformed or absent
// values mean "no bound".
func parseTimeParam(v string) *time.Time {
	if v == "" {
		return nil
	}
	sec, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil
	}
	t := time.Unix(sec, 0)
	return &t
}

// handleItem dispatches GET/DELETE /api/{uid}.
func (a *API) handleItem(w http.ResponseWriter, r *http.Request) {
	uid := strings.TrimPrefix(r.URL.Path, a.prefix+"/")
	if uid == "" || uid == "list" || uid == "search" || strings.Contains(uid, "/") {
		http.NotFound(w, r)
		return
	}
	if !a.authenticate(w, r) {
		return
	}

	switch r.Method {
	case http.MethodGet:
		a.handleGet(w, r, uid)
	case http.MethodDelete:
		a.handleDelete(w, r, uid)
	default:
		w.Header().Set("Allow", "GET, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleGet implements GET /api/{uid}: metadata-only when
// ?metadata=1 is set, else a streamed download.
func (a *API) handleGet(w http.ResponseWriter, r *http.Request, uid string) {
	if r.URL.Query().Get("metadata") == "1" {
		file, err := a.backend.Get(r.Context(), uid)
		if err != nil {
			writeBackendError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, file)
		return
	}

	file, stream, err := a.backend.Download(r.Context(), uid)
	if err != nil {
		writeBackendError(w, err)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", file.MimeType)
	w.Header().Set("Content-Disposition", "attachment; filename=\""+file.Name+"\"")
	w.Header().Set("Content-Length", strconv.FormatInt(file.Size, 10))
	w.WriteHeader(http.StatusOK)
	buf := make([]byte, 64*1024)
	for {
		n, rerr := stream.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
		}
		if rerr != nil {
			return
		}
	}
}

// handleDelete implements DELETE /api/{uid}.
func (a *API) handleDelete(w http.ResponseWriter, r *http.Request, uid string) {
	if err := a.backend.Delete(r.Context(), uid); err != nil {
		writeBackendError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeBackendError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	logging.Error("management API backend call failed", nil, err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
