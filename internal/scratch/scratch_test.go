package scratch

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func descriptorFor(uid string, size int64) *Descriptor {
	now := time.Now().UTC()
	return &Descriptor{
		UID:       uid,
		Size:      &size,
		Offset:    0,
		Metadata:  map[string]string{"filename": "test.txt"},
		CreatedAt: now.Format("2006-01-02T15:04:05.999999"),
		Expires:   now.AddDate(0, 0, 5).Format(time.RFC3339Nano),
	}
}

func TestNewUIDIs32Hex(t *testing.T) {
	uid := NewUID()
	if len(uid) != 32 {
		t.Fatalf("expected 32 chars, got %d (%q)", len(uid), uid)
	}
	if strings.Contains(uid, "-") {
		t.Fatalf("expected hex-only uid, got %q", uid)
	}
	if uid == NewUID() {
		t.Fatalf("two calls returned the same uid")
	}
}

func TestCreateThenRead(t *testing.T) {
	s := newTestStore(t)
	uid := "abc123"
	d := descriptorFor(uid, 11)

	if err := s.Create(uid, d); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !s.Exists(uid) {
		t.Fatalf("expected payload to exist after Create")
	}
	got, err := s.Read(uid)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.UID != uid || *got.Size != 11 || got.Offset != 0 {
		t.Fatalf("unexpected descriptor: %+v", got)
	}
}

func TestCreateAlreadyExists(t *testing.T) {
	s := newTestStore(t)
	uid := "dup"
	d := descriptorFor(uid, 1)
	if err := s.Create(uid, d); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	err := s.Create(uid, d)
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestReadNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Read("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAppendHappyPath(t *testing.T) {
	s := newTestStore(t)
	uid := "happy"
	d := descriptorFor(uid, 11)
	if err := s.Create(uid, d); err != nil {
		t.Fatalf("Create: %v", err)
	}

	off, err := s.Append(uid, strings.NewReader("hello world"), 0, 1<<30)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if off != 11 {
		t.Fatalf("expected offset 11, got %d", off)
	}

	data, err := os.ReadFile(filepath.Join(s.dir, uid))
	if err != nil {
		t.Fatalf("read payload: %v", err)
	}
	if string(data) != "hello world" {
		t.Fatalf("unexpected payload: %q", data)
	}

	got, err := s.Read(uid)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.Offset != 11 {
		t.Fatalf("sidecar offset not persisted: %+v", got)
	}
}

func TestAppendResumeInTwoChunks(t *testing.T) {
	s := newTestStore(t)
	uid := "resume"
	d := descriptorFor(uid, 11)
	if err := s.Create(uid, d); err != nil {
		t.Fatalf("Create: %v", err)
	}

	off, err := s.Append(uid, strings.NewReader("hello "), 0, 1<<30)
	if err != nil {
		t.Fatalf("first Append: %v", err)
	}
	if off != 6 {
		t.Fatalf("expected offset 6, got %d", off)
	}

	off, err = s.Append(uid, strings.NewReader("world"), 6, 1<<30)
	if err != nil {
		t.Fatalf("second Append: %v", err)
	}
	if off != 11 {
		t.Fatalf("expected offset 11, got %d", off)
	}

	data, _ := os.ReadFile(filepath.Join(s.dir, uid))
	if string(data) != "hello world" {
		t.Fatalf("unexpected combined payload: %q", data)
	}
}

func TestAppendOffsetConflict(t *testing.T) {
	s := newTestStore(t)
	uid := "conflict"
	d := descriptorFor(uid, 11)
	if err := s.Create(uid, d); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Append(uid, strings.NewReader("hello world"), 0, 1<<30); err != nil {
		t.Fatalf("Append: %v", err)
	}

	_, err := s.Append(uid, strings.NewReader("hello world"), 0, 1<<30)
	var conflict *ErrOffsetConflict
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ErrOffsetConflict, got %v", err)
	}
	if conflict.Expected != 0 || conflict.Actual != 11 {
		t.Fatalf("unexpected conflict details: %+v", conflict)
	}

	got, _ := s.Read(uid)
	if got.Offset != 11 {
		t.Fatalf("offset must be untouched by the rejected append, got %d", got.Offset)
	}
}

func TestAppendOversizeTruncatesAndPersistsPartial(t *testing.T) {
	s := newTestStore(t)
	uid := "oversize"
	d := descriptorFor(uid, 200)
	if err := s.Create(uid, d); err != nil {
		t.Fatalf("Create: %v", err)
	}

	payload := strings.Repeat("x", 150)
	off, err := s.Append(uid, strings.NewReader(payload), 0, 100)
	var oversize *ErrOversize
	if !errors.As(err, &oversize) {
		t.Fatalf("expected ErrOversize, got %v", err)
	}
	if off != 100 || oversize.Offset != 100 {
		t.Fatalf("expected truncation at 100, got off=%d oversize=%+v", off, oversize)
	}

	data, _ := os.ReadFile(filepath.Join(s.dir, uid))
	if len(data) != 100 {
		t.Fatalf("expected exactly 100 bytes on disk, got %d", len(data))
	}

	got, _ := s.Read(uid)
	if got.Offset != 100 {
		t.Fatalf("sidecar offset not truncated, got %d", got.Offset)
	}
}

func TestAppendZeroBytesAtLimitIsLegal(t *testing.T) {
	s := newTestStore(t)
	uid := "at-limit"
	d := descriptorFor(uid, 100)
	if err := s.Create(uid, d); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Append(uid, strings.NewReader(strings.Repeat("x", 100)), 0, 100); err != nil {
		t.Fatalf("fill to limit: %v", err)
	}

	off, err := s.Append(uid, strings.NewReader(""), 100, 100)
	if err != nil {
		t.Fatalf("zero-byte append at the limit must succeed, got %v", err)
	}
	if off != 100 {
		t.Fatalf("expected offset 100, got %d", off)
	}

	_, err = s.Append(uid, strings.NewReader("y"), 100, 100)
	var oversize *ErrOversize
	if !errors.As(err, &oversize) {
		t.Fatalf("expected ErrOversize for a byte past the limit, got %v", err)
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	uid := "gone"
	d := descriptorFor(uid, 1)
	if err := s.Create(uid, d); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Remove(uid); err != nil {
		t.Fatalf("first Remove: %v", err)
	}
	if s.Exists(uid) {
		t.Fatalf("expected payload gone")
	}
	if err := s.Remove(uid); err != nil {
		t.Fatalf("second Remove should be idempotent, got: %v", err)
	}
}

func TestListSidecars(t *testing.T) {
	s := newTestStore(t)
	for _, uid := range []string{"a", "b", "c"} {
		if err := s.Create(uid, descriptorFor(uid, 1)); err != nil {
			t.Fatalf("Create %s: %v", uid, err)
		}
	}
	uids, err := s.ListSidecars()
	if err != nil {
		t.Fatalf("ListSidecars: %v", err)
	}
	if len(uids) != 3 {
		t.Fatalf("expected 3 sidecars, got %d (%v)", len(uids), uids)
	}
}

func TestWriteDescriptorAtomicRename(t *testing.T) {
	s := newTestStore(t)
	uid := "atomic"
	d := descriptorFor(uid, 5)
	if err := s.Create(uid, d); err != nil {
		t.Fatalf("Create: %v", err)
	}
	d.Offset = 5
	if err := s.WriteDescriptor(uid, d); err != nil {
		t.Fatalf("WriteDescriptor: %v", err)
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp") {
			t.Fatalf("leftover tmp file after WriteDescriptor: %s", e.Name())
		}
	}

	got, err := s.Read(uid)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.Offset != 5 {
		t.Fatalf("expected offset 5, got %d", got.Offset)
	}
}
