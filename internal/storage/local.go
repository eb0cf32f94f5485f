package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Local is the filesystem-backed Backend. Each stored file lives under
// <root_dir>/<category>/<uid>/<name> with a sibling meta.json carrying
// {uid, name, size, created_at, expires, metadata}.
type Local struct {
	rootDir string
}

// NewLocal returns a Local backend rooted at rootDir, creating it if
// absent.
func NewLocal(rootDir string) (*Local, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("storage(local): create root_dir: %w", err)
	}
	return &Local{rootDir: rootDir}, nil
}

type localMeta struct {
	UID       string            `json:"uid"`
	Name      string            `json:"name"`
	Size      int64             `json:"size"`
	CreatedAt int64             `json:"created_at"`
	Expires   *int64            `json:"expires"`
	Metadata  map[string]string `json:"metadata"`
	MimeType  string            `json:"mime_type"`
	Category  string            `json:"category"`
}

func (l *Local) category(cat string) string {
	if cat == "" {
		return DefaultCategory
	}
	return cat
}

func (l *Local) dir(uid, category string) string {
	return filepath.Join(l.rootDir, l.category(category), uid)
}

func (l *Local) metaPath(uid, category string) string {
	return filepath.Join(l.dir(uid, category), "meta.json")
}

// findDir locates the uid's directory by scanning category subdirectories,
// since Get/Download/Delete only receive a bare uid.
func (l *Local) findDir(uid string) (string, *localMeta, error) {
	cats, err := os.ReadDir(l.rootDir)
	if err != nil {
		return "", nil, fmt.Errorf("storage(local): read root_dir: %w", err)
	}
	for _, cat := range cats {
		if !cat.IsDir() {
			continue
		}
		candidate := filepath.Join(l.rootDir, cat.Name(), uid)
		metaPath := filepath.Join(candidate, "meta.json")
		data, err := os.ReadFile(metaPath)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", nil, fmt.Errorf("storage(local): read meta.json: %w", err)
		}
		var m localMeta
		if err := json.Unmarshal(data, &m); err != nil {
			return "", nil, fmt.Errorf("storage(local): decode meta.json: %w", err)
		}
		return candidate, &m, nil
	}
	return "", nil, ErrNotFound
}

func (m *localMeta) toStoredFile() *StoredFile {
	return &StoredFile{
		UID:       m.UID,
		Name:      m.Name,
		Size:      m.Size,
		CreatedAt: m.CreatedAt,
		Expires:   m.Expires,
		Metadata:  m.Metadata,
		MimeType:  m.MimeType,
		Category:  m.Category,
	}
}

// Upload writes data under the file's category/uid directory alongside
// its meta.json sidecar.
func (l *Local) Upload(ctx context.Context, file *StoredFile, data io.Reader) error {
	category := l.category(file.Category)
	dir := l.dir(file.UID, category)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("storage(local): create file dir: %w", err)
	}

	name := file.Name
	if name == "" {
		name = file.UID
	}
	blobPath := filepath.Join(dir, name)
	f, err := os.Create(blobPath)
	if err != nil {
		return fmt.Errorf("storage(local): create blob: %w", err)
	}
	written, err := io.Copy(f, data)
	closeErr := f.Close()
	if err != nil {
		return fmt.Errorf("storage(local): write blob: %w", err)
	}
	if closeErr != nil {
		return fmt.Errorf("storage(local): close blob: %w", closeErr)
	}

	m := localMeta{
		UID:       file.UID,
		Name:      name,
		Size:      written,
		CreatedAt: file.CreatedAt,
		Expires:   file.Expires,
		Metadata:  file.Metadata,
		MimeType:  file.MimeType,
		Category:  category,
	}
	metaData, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("storage(local): encode meta.json: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "meta.json"), metaData, 0o644); err != nil {
		return fmt.Errorf("storage(local): write meta.json: %w", err)
	}
	return nil
}

// Download opens the stored blob for reading.
func (l *Local) Download(ctx context.Context, uid string) (*StoredFile, io.ReadCloser, error) {
	dir, m, err := l.findDir(uid)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(filepath.Join(dir, m.Name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("storage(local): open blob: %w", err)
	}
	return m.toStoredFile(), f, nil
}

// Get fetches metadata only.
func (l *Local) Get(ctx context.Context, uid string) (*StoredFile, error) {
	_, m, err := l.findDir(uid)
	if err != nil {
		return nil, err
	}
	return m.toStoredFile(), nil
}

// Delete removes the uid's entire directory.
func (l *Local) Delete(ctx context.Context, uid string) error {
	dir, _, err := l.findDir(uid)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("storage(local): remove file dir: %w", err)
	}
	return nil
}

func (l *Local) allFiles() ([]*StoredFile, error) {
	cats, err := os.ReadDir(l.rootDir)
	if err != nil {
		return nil, fmt.Errorf("storage(local): read root_dir: %w", err)
	}
	var files []*StoredFile
	for _, cat := range cats {
		if !cat.IsDir() {
			continue
		}
		uids, err := os.ReadDir(filepath.Join(l.rootDir, cat.Name()))
		if err != nil {
			return nil, fmt.Errorf("storage(local): read category dir: %w", err)
		}
		for _, u := range uids {
			if !u.IsDir() {
				continue
			}
			data, err := os.ReadFile(filepath.Join(l.rootDir, cat.Name(), u.Name(), "meta.json"))
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return nil, fmt.Errorf("storage(local): read meta.json: %w", err)
			}
			var m localMeta
			if err := json.Unmarshal(data, &m); err != nil {
				return nil, fmt.Errorf("storage(local): decode meta.json: %w", err)
			}
			files = append(files, m.toStoredFile())
		}
	}
	return files, nil
}

// List enumerates root_dir, loads each meta.json, filters by uid/name
// prefix, sorts, and windows.
func (l *Local) List(ctx context.Context, prefix string, params ListParams) ([]*StoredFile, error) {
	files, err := l.allFiles()
	if err != nil {
		return nil, err
	}
	if prefix != "" {
		filtered := files[:0]
		for _, f := range files {
			if strings.HasPrefix(f.Name, prefix) || strings.HasPrefix(f.UID, prefix) {
				filtered = append(filtered, f)
			}
		}
		files = filtered
	}
	SortFiles(files, params.SortBy, params.SortOrder)
	return Window(files, params.Offset, params.Limit), nil
}

// Search filters by substring of name/uid, optional suffix/owner/date
// range, then sorts and windows identically to List.
func (l *Local) Search(ctx context.Context, params SearchParams) ([]*StoredFile, error) {
	files, err := l.allFiles()
	if err != nil {
		return nil, err
	}
	var filtered []*StoredFile
	for _, f := range files {
		if params.Query != "" &&
			!strings.Contains(strings.ToLower(f.Name), strings.ToLower(params.Query)) &&
			!strings.Contains(strings.ToLower(f.UID), strings.ToLower(params.Query)) {
			continue
		}
		if params.FileType != "" && !strings.HasSuffix(strings.ToLower(f.Name), strings.ToLower(params.FileType)) {
			continue
		}
		if params.Owner != "" && f.Metadata["owner"] != params.Owner {
			continue
		}
		if params.CreatedAfter != nil && f.CreatedAt < params.CreatedAfter.Unix() {
			continue
		}
		if params.CreatedBefore != nil && f.CreatedAt > params.CreatedBefore.Unix() {
			continue
		}
		filtered = append(filtered, f)
	}
	SortFiles(filtered, params.SortBy, params.SortOrder)
	return Window(filtered, params.Offset, params.Limit), nil
}
