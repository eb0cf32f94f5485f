// Package storage defines the durable storage backend contract: the
// capability set shared by the Local and S3 implementations,
// the StoredFile record they deal in, and the sort/window logic common
// to list and search.
package storage

import (
	"context"
	"errors"
	"io"
	"sort"
	"time"
)

// ErrNotFound is returned by Get, Download, and Delete when uid has no
// matching stored file.
var ErrNotFound = errors.New("storage: file not found")

// SortField selects one of the three total orders a backend can sort by.
type SortField string

const (
	SortByCreatedAt SortField = "created_at"
	SortBySize      SortField = "size"
	SortByName      SortField = "name"
)

// SortOrder is ascending or descending; DESC reverses only the primary
// key, the uid tiebreaker stays ascending.
type SortOrder string

const (
	Asc  SortOrder = "asc"
	Desc SortOrder = "desc"
)

// DefaultCategory is the bucket StoredFile.Category defaults to when a
// completed upload's metadata carries none.
const DefaultCategory = "unsorted"

// StoredFile is the record a backend keeps per ingested upload.
type StoredFile struct {
	UID       string            `json:"uid"`
	Name      string            `json:"name"`
	Size      int64             `json:"size"`
	CreatedAt int64             `json:"created_at"` // unix seconds, server-assigned at ingestion
	Expires   *int64            `json:"expires,omitempty"`
	Metadata  map[string]string `json:"metadata"`
	MimeType  string            `json:"mime_type"`
	Category  string            `json:"category"`
}

// IsExpired reports whether Expires is set and in the past.
func (f *StoredFile) IsExpired() bool {
	if f.Expires == nil {
		return false
	}
	return *f.Expires < time.Now().Unix()
}

// ListParams bundles the list/search windowing and sort parameters
// shared between Backend.List and Backend.Search.
type ListParams struct {
	Limit     int
	Offset    int
	SortBy    SortField
	SortOrder SortOrder
}

// SearchParams extends ListParams with the filter predicates search
// supports over and above list's bare name/uid prefix.
type SearchParams struct {
	ListParams
	Query         string // substring of name or uid
	FileType      string // name suffix, e.g. ".pdf"
	Owner         string // matched against metadata["owner"]
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
}

// Backend is the polymorphic storage capability set implemented by
// Local and S3. Every method returns a typed error; an
// implementation must never mask a transport error as ErrNotFound.
type Backend interface {
	// Upload persists data under file.UID, recording file.Metadata,
	// file.Size, and file.MimeType. data streams the whole payload once
	// from offset 0.
	Upload(ctx context.Context, file *StoredFile, data io.Reader) error

	// Download opens a readable stream over the stored blob for uid,
	// returning its metadata alongside. The caller must close the
	// returned ReadCloser.
	Download(ctx context.Context, uid string) (*StoredFile, io.ReadCloser, error)

	// Get fetches metadata only, without opening the blob.
	Get(ctx context.Context, uid string) (*StoredFile, error)

	// Delete removes both payload and metadata for uid.
	Delete(ctx context.Context, uid string) error

	// List enumerates stored files, optionally filtered by a uid/name
	// prefix, sorted and windowed per params.
	List(ctx context.Context, prefix string, params ListParams) ([]*StoredFile, error)

	// Search filters by substring/suffix/owner/creation-time range, then
	// sorts and windows identically to List.
	Search(ctx context.Context, params SearchParams) ([]*StoredFile, error)
}

// SortFiles sorts files in place per sortBy/sortOrder, breaking ties by
// uid ascending to guarantee stable pagination.
func SortFiles(files []*StoredFile, sortBy SortField, sortOrder SortOrder) {
	less := func(i, j int) bool {
		a, b := files[i], files[j]
		var primary bool
		var equal bool
		switch sortBy {
		case SortBySize:
			primary, equal = a.Size < b.Size, a.Size == b.Size
		case SortByName:
			primary, equal = a.Name < b.Name, a.Name == b.Name
		default: // created_at
			primary, equal = a.CreatedAt < b.CreatedAt, a.CreatedAt == b.CreatedAt
		}
		if equal {
			return a.UID < b.UID
		}
		if sortOrder == Desc {
			return !primary
		}
		return primary
	}
	sort.SliceStable(files, less)
}

// Window slices files to the [offset, offset+limit) range, clamping to
// the slice bounds.
func Window(files []*StoredFile, offset, limit int) []*StoredFile {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(files) {
		return nil
	}
	end := offset + limit
	if limit <= 0 || end > len(files) {
		end = len(files)
	}
	return files[offset:end]
}
