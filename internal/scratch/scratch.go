// Package scratch implements the temporary upload store: the scratch
// area holding a partial payload plus its sidecar metadata while a tus
// upload is in progress.
//
// The backing medium is a single directory containing, per upload,
// a raw payload file named after its uid and a sidecar "<uid>.info"
// JSON file carrying the Descriptor. Sidecar writes are atomic
// (write-to-temp, then rename) so that a restart never observes an
// offset greater than the true persisted byte count of the payload.
package scratch

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewUID generates a fresh 32-hex-character opaque identifier.
func NewUID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// ErrNotFound is returned when an operation targets a uid that has no
// sidecar (and, for append/exists, no payload file either).
var ErrNotFound = errors.New("scratch: upload not found")

// ErrAlreadyExists is returned by Create when the uid's payload file
// is already present.
var ErrAlreadyExists = errors.New("scratch: upload already exists")

// ErrOffsetConflict is returned by Append when the caller's expected
// offset does not match the descriptor's current offset.
type ErrOffsetConflict struct {
	Expected int64
	Actual   int64
}

func (e *ErrOffsetConflict) Error() string {
	return fmt.Sprintf("scratch: offset conflict: client sent %d, server has %d", e.Expected, e.Actual)
}

// ErrOversize is returned by Append when appending up to expected_offset + len(data)
// would exceed the caller-supplied limit. Offset has already been
// advanced to the truncation point and persisted before this error is
// returned.
type ErrOversize struct {
	// Offset is the new, truncated offset after the partial write.
	Offset int64
}

func (e *ErrOversize) Error() string {
	return fmt.Sprintf("scratch: upload exceeds maximum allowed size, truncated at offset %d", e.Offset)
}

// Descriptor is the sidecar metadata persisted alongside a partial
// payload — the on-disk form of an UploadDescriptor.
type Descriptor struct {
	UID         string            `json:"uid"`
	Size        *int64            `json:"size"`
	Offset      int64             `json:"offset"`
	Metadata    map[string]string `json:"metadata"`
	CreatedAt   string            `json:"created_at"`
	DeferLength bool              `json:"defer_length"`
	Expires     string            `json:"expires"`
	// Completed is stamped true after a successful hand-off to the
	// storage backend but before the scratch files are reclaimed, so a
	// restart mid-reclamation can resume cleanup idempotently.
	Completed bool `json:"completed"`
}

// ExpiresAt parses Expires as RFC3339Nano (the format Store writes).
func (d *Descriptor) ExpiresAt() (time.Time, error) {
	return time.Parse(time.RFC3339Nano, d.Expires)
}

// Store is the scratch-store handle: a single directory holding one
// payload file and one ".info" sidecar per in-flight uid.
type Store struct {
	dir string
}

// New returns a Store rooted at dir, creating the directory if absent.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("scratch: create files_dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) payloadPath(uid string) string { return filepath.Join(s.dir, uid) }
func (s *Store) sidecarPath(uid string) string { return filepath.Join(s.dir, uid+".info") }

// Create creates an empty payload file and writes the initial sidecar.
// It fails with ErrAlreadyExists if the payload file is already present.
func (s *Store) Create(uid string, d *Descriptor) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("scratch: create files_dir: %w", err)
	}
	f, err := os.OpenFile(s.payloadPath(uid), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("scratch: create payload: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("scratch: close payload: %w", err)
	}
	return s.WriteDescriptor(uid, d)
}

// Read parses and returns the sidecar descriptor for uid, or ErrNotFound
// if no sidecar exists.
func (s *Store) Read(uid string) (*Descriptor, error) {
	data, err := os.ReadFile(s.sidecarPath(uid))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scratch: read sidecar: %w", err)
	}
	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("scratch: decode sidecar: %w", err)
	}
	return &d, nil
}

// Exists reports whether uid's payload file is present.
func (s *Store) Exists(uid string) bool {
	_, err := os.Stat(s.payloadPath(uid))
	return err == nil
}

// WriteDescriptor atomically rewrites uid's sidecar via write-to-temp,
// fsync, then rename, so a crash never leaves a partially-written or
// torn sidecar on disk.
func (s *Store) WriteDescriptor(uid string, d *Descriptor) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("scratch: encode sidecar: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, uid+".info.*.tmp")
	if err != nil {
		return fmt.Errorf("scratch: create sidecar tmp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("scratch: write sidecar tmp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("scratch: sync sidecar tmp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("scratch: close sidecar tmp: %w", err)
	}
	if err := os.Rename(tmpName, s.sidecarPath(uid)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("scratch: rename sidecar: %w", err)
	}
	return nil
}

// Append streams src onto uid's payload in append mode, chunk by chunk,
// advancing and persisting the descriptor's offset as bytes land. limit
// is the maximum total offset the payload may reach (derived from the
// engine's configured max_size); if appending a chunk would cross it,
// only the fitting head of that chunk is written and persisted before
// ErrOversize is returned. expectedOffset must equal the descriptor's
// current offset or ErrOffsetConflict is returned with nothing written.
func (s *Store) Append(uid string, src io.Reader, expectedOffset, limit int64) (newOffset int64, err error) {
	d, err := s.Read(uid)
	if err != nil {
		return 0, err
	}
	if !s.Exists(uid) {
		return 0, ErrNotFound
	}
	if d.Offset != expectedOffset {
		return 0, &ErrOffsetConflict{Expected: expectedOffset, Actual: d.Offset}
	}

	// remaining may be zero; a zero-byte append at the limit is legal
	// (a client re-triggering completion) and only an actual byte past
	// the limit trips the oversize path below.
	remaining := limit - d.Offset
	if remaining < 0 {
		remaining = 0
	}

	f, err := os.OpenFile(s.payloadPath(uid), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return d.Offset, fmt.Errorf("scratch: open payload for append: %w", err)
	}
	defer f.Close()

	buf := make([]byte, 64*1024)
	var written int64
	oversized := false
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if written+int64(n) > remaining {
				chunk = chunk[:remaining-written]
				oversized = true
			}
			if len(chunk) > 0 {
				if _, werr := f.Write(chunk); werr != nil {
					return d.Offset + written, fmt.Errorf("scratch: write payload chunk: %w", werr)
				}
				written += int64(len(chunk))
				// Flush the chunk, then record the advance in the sidecar,
				// so the sidecar never runs ahead of the payload.
				if serr := f.Sync(); serr != nil {
					return d.Offset + written, fmt.Errorf("scratch: sync payload: %w", serr)
				}
				progress := *d
				progress.Offset = d.Offset + written
				if werr := s.WriteDescriptor(uid, &progress); werr != nil {
					return progress.Offset, werr
				}
			}
			if oversized {
				break
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			// Best-effort: persist whatever made it to disk before surfacing
			// the read error, so the upload stays resumable.
			d.Offset += written
			_ = f.Sync()
			_ = s.WriteDescriptor(uid, d)
			return d.Offset, fmt.Errorf("scratch: read request body: %w", rerr)
		}
	}

	if err := f.Sync(); err != nil {
		return d.Offset, fmt.Errorf("scratch: sync payload: %w", err)
	}
	d.Offset += written
	if werr := s.WriteDescriptor(uid, d); werr != nil {
		return d.Offset, werr
	}
	if oversized {
		return d.Offset, &ErrOversize{Offset: d.Offset}
	}
	return d.Offset, nil
}

// Remove deletes both the payload and sidecar for uid. It is idempotent:
// removing an already-absent uid is not an error.
func (s *Store) Remove(uid string) error {
	if err := os.Remove(s.payloadPath(uid)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("scratch: remove payload: %w", err)
	}
	if err := os.Remove(s.sidecarPath(uid)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("scratch: remove sidecar: %w", err)
	}
	return nil
}

// PayloadPath returns the on-disk path of uid's raw payload file, for
// callers (the completion pipeline, the GET convenience-read handler)
// that need to open it directly.
func (s *Store) PayloadPath(uid string) string { return s.payloadPath(uid) }

// ListSidecars returns the uids of every sidecar currently present,
// used by the expiration sweep.
func (s *Store) ListSidecars() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("scratch: list files_dir: %w", err)
	}
	var uids []string
	for _, e := range entries {
		name := e.Name()
		const suffix = ".info"
		if len(name) > len(suffix) && name[len(name)-len(suffix):] == suffix {
			uids = append(uids, name[:len(name)-len(suffix)])
		}
	}
	return uids, nil
}
