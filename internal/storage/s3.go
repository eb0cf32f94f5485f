package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config mirrors the [s3_storage] TOML table.
type S3Config struct {
	BucketName      string
	EndpointURL     string
	RegionName      string
	AccessKeyID     string
	SecretAccessKey string
	// SearchScanLimit bounds how many objects Search will page through
	// before refusing to paginate further.
	SearchScanLimit int
}

const defaultSearchScanLimit = 10000

// s3MetaKeyPrefix is the user-metadata header prefix minio-go applies; keys
// passed to PutObjectOptions.UserMetadata arrive unprefixed here.
const s3MetaKeyPrefix = "x-amz-meta-"

// S3 is the S3-compatible Backend, built on minio-go so it works against
// AWS S3 and self-hosted S3-compatible stores alike.
type S3 struct {
	client *minio.Client
	bucket string
	cfg    S3Config
}

// normaliseEndpoint accepts either "host:port" or a full "http(s)://host:port"
// URL and returns the bare host plus whether TLS should be used.
func normaliseEndpoint(raw string) (endpoint string, secure bool, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false, fmt.Errorf("storage(s3): empty endpoint")
	}
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return "", false, err
		}
		if u.Host == "" {
			return "", false, fmt.Errorf("storage(s3): invalid endpoint")
		}
		if u.Path != "" && u.Path != "/" {
			return "", false, fmt.Errorf("storage(s3): endpoint must not contain a path")
		}
		return u.Host, u.Scheme == "https", nil
	}
	return raw, false, nil
}

// NewS3 constructs an S3 backend and verifies the configured bucket
// exists, failing fast rather than running half-configured.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	if cfg.BucketName == "" {
		return nil, fmt.Errorf("storage(s3): bucket_name is required")
	}
	if cfg.SearchScanLimit <= 0 {
		cfg.SearchScanLimit = defaultSearchScanLimit
	}

	var endpoint string
	var secure bool
	var err error
	if cfg.EndpointURL != "" {
		endpoint, secure, err = normaliseEndpoint(cfg.EndpointURL)
	} else {
		endpoint, secure = "s3.amazonaws.com", true
	}
	if err != nil {
		return nil, err
	}

	region := cfg.RegionName
	if region == "" {
		region = "us-east-1"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: secure,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("storage(s3): new client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("storage(s3): bucket check: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("storage(s3): bucket does not exist: %s", cfg.BucketName)
	}

	return &S3{client: client, bucket: cfg.BucketName, cfg: cfg}, nil
}

// encodeMetadataKeys rejects metadata keys that would violate S3's
// user-metadata header character rules, rather than silently
// mangling them.
func encodeMetadataKeys(meta map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		for _, r := range k {
			if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_') {
				return nil, fmt.Errorf("storage(s3): metadata key %q is not a valid S3 user-metadata header token", k)
			}
		}
		out[k] = v
	}
	return out, nil
}

// Upload streams data to the bucket under key file.UID, attaching
// file.Metadata as S3 user metadata.
func (s *S3) Upload(ctx context.Context, file *StoredFile, data io.Reader) error {
	meta, err := encodeMetadataKeys(file.Metadata)
	if err != nil {
		return err
	}
	meta["name"] = file.Name
	meta["category"] = s.categoryOrDefault(file.Category)

	size := file.Size
	if size <= 0 {
		size = -1 // unknown length: let minio-go negotiate a multipart upload
	}

	_, err = s.client.PutObject(ctx, s.bucket, file.UID, data, size, minio.PutObjectOptions{
		ContentType:  nonEmpty(file.MimeType, "application/octet-stream"),
		UserMetadata: meta,
	})
	if err != nil {
		return fmt.Errorf("storage(s3): put object: %w", err)
	}
	return nil
}

func (s *S3) categoryOrDefault(cat string) string {
	if cat == "" {
		return DefaultCategory
	}
	return cat
}

func nonEmpty(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func objectInfoToStoredFile(info minio.ObjectInfo) *StoredFile {
	meta := make(map[string]string, len(info.UserMetadata))
	for k, v := range info.UserMetadata {
		meta[strings.ToLower(strings.TrimPrefix(strings.ToLower(k), s3MetaKeyPrefix))] = v
	}
	name := meta["name"]
	if name == "" {
		name = info.Key
	}
	category := meta["category"]
	if category == "" {
		category = DefaultCategory
	}
	delete(meta, "name")
	delete(meta, "category")
	return &StoredFile{
		UID:       info.Key,
		Name:      name,
		Size:      info.Size,
		CreatedAt: info.LastModified.Unix(),
		Metadata:  meta,
		MimeType:  nonEmpty(info.ContentType, "application/octet-stream"),
		Category:  category,
	}
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.Code == "NotFound" || resp.StatusCode == 404
}

// Download opens a stream over the object.
func (s *S3) Download(ctx context.Context, uid string) (*StoredFile, io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, uid, minio.GetObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("storage(s3): get object: %w", err)
	}
	info, err := obj.Stat()
	if err != nil {
		obj.Close()
		if isNotFound(err) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("storage(s3): stat object: %w", err)
	}
	return objectInfoToStoredFile(info), obj, nil
}

// Get fetches metadata only via a HEAD-equivalent stat.
func (s *S3) Get(ctx context.Context, uid string) (*StoredFile, error) {
	info, err := s.client.StatObject(ctx, s.bucket, uid, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage(s3): stat object: %w", err)
	}
	return objectInfoToStoredFile(info), nil
}

// Delete removes the object.
func (s *S3) Delete(ctx context.Context, uid string) error {
	if _, err := s.client.StatObject(ctx, s.bucket, uid, minio.StatObjectOptions{}); err != nil {
		if isNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("storage(s3): stat before delete: %w", err)
	}
	if err := s.client.RemoveObject(ctx, s.bucket, uid, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("storage(s3): remove object: %w", err)
	}
	return nil
}

// listAll pages through list-objects-v2 with a server-side prefix, up to
// scanLimit objects (0 means no limit), since S3 only returns lex order
// and our sort/window logic is applied client-side. The bool result
// reports whether the scan stopped at scanLimit.
func (s *S3) listAll(ctx context.Context, prefix string, scanLimit int) ([]*StoredFile, bool, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	objCh := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:       prefix,
		Recursive:    true,
		WithMetadata: true,
	})

	var files []*StoredFile
	truncated := false
	for obj := range objCh {
		if obj.Err != nil {
			return nil, false, fmt.Errorf("storage(s3): list objects: %w", obj.Err)
		}
		if scanLimit > 0 && len(files) >= scanLimit {
			truncated = true
			break
		}
		files = append(files, objectInfoToStoredFile(obj))
	}
	return files, truncated, nil
}

// List enumerates the bucket with a server-side prefix, then sorts and
// windows client-side.
func (s *S3) List(ctx context.Context, prefix string, params ListParams) ([]*StoredFile, error) {
	files, _, err := s.listAll(ctx, prefix, 0)
	if err != nil {
		return nil, err
	}
	SortFiles(files, params.SortBy, params.SortOrder)
	return Window(files, params.Offset, params.Limit), nil
}

// Search lists all objects (server-side unfiltered, up to the
// configured scan ceiling), filters in memory, then sorts and windows.
// This is a deliberate quadratic-cost fallback:
// it is bounded, and a truncated scan is surfaced as an error rather
// than silently returning a partial result set.
func (s *S3) Search(ctx context.Context, params SearchParams) ([]*StoredFile, error) {
	files, truncated, err := s.listAll(ctx, "", s.cfg.SearchScanLimit)
	if err != nil {
		return nil, err
	}
	if truncated {
		return nil, fmt.Errorf("storage(s3): search scan limit of %s objects reached before listing finished; results would be partial",
			strconv.Itoa(s.cfg.SearchScanLimit))
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
