package httpmw

import (
	"context"
	"errors"
	"io"

	"tusdrop/internal/storage"
)

// notBreakerFailure reports whether err represents an expected,
// client-caused outcome (not-found) rather than a backend transport
// failure — such errors must not trip the circuit breaker.
func notBreakerFailure(err error) bool {
	return err == nil || errors.Is(err, storage.ErrNotFound)
}

// BreakerBackend wraps a storage.Backend so every call is protected by
// a CircuitBreaker, shedding load onto a failing backend (local disk
// out of space, S3 unreachable) instead of queuing requests behind it.
type BreakerBackend struct {
	inner   storage.Backend
	breaker *CircuitBreaker
}

// WithCircuitBreaker wraps inner with breaker.
func WithCircuitBreaker(inner storage.Backend, breaker *CircuitBreaker) *BreakerBackend {
	return &BreakerBackend{inner: inner, breaker: breaker}
}

func (b *BreakerBackend) Upload(ctx context.Context, file *storage.StoredFile, data io.Reader) error {
	var actual error
	breakerErr := b.breaker.Execute(func() error {
		actual = b.inner.Upload(ctx, file, data)
		if notBreakerFailure(actual) {
			return nil
		}
		return actual
	})
	if actual == nil && breakerErr != nil {
		return breakerErr
	}
	return actual
}

func (b *BreakerBackend) Download(ctx context.Context, uid string) (*storage.StoredFile, io.ReadCloser, error) {
	var file *storage.StoredFile
	var stream io.ReadCloser
	var actual error
	breakerErr := b.breaker.Execute(func() error {
		file, stream, actual = b.inner.Download(ctx, uid)
		if notBreakerFailure(actual) {
			return nil
		}
		return actual
	})
	if actual == nil && breakerErr != nil {
		return nil, nil, breakerErr
	}
	return file, stream, actual
}

func (b *BreakerBackend) Get(ctx context.Context, uid string) (*storage.StoredFile, error) {
	var file *storage.StoredFile
	var actual error
	breakerErr := b.breaker.Execute(func() error {
		file, actual = b.inner.Get(ctx, uid)
		if notBreakerFailure(actual) {
			return nil
		}
		return actual
	})
	if actual == nil && breakerErr != nil {
		return nil, breakerErr
	}
	return file, actual
}

func (b *BreakerBackend) Delete(ctx context.Context, uid string) error {
	var actual error
	breakerErr := b.breaker.Execute(func() error {
		actual = b.inner.Delete(ctx, uid)
		if notBreakerFailure(actual) {
			return nil
		}
		return actual
	})
	if actual == nil && breakerErr != nil {
		return breakerErr
	}
	return actual
}

func (b *BreakerBackend) List(ctx context.Context, prefix string, params storage.ListParams) ([]*storage.StoredFile, error) {
	var files []*storage.StoredFile
	var actual error
	breakerErr := b.breaker.Execute(func() error {
		files, actual = b.inner.List(ctx, prefix, params)
		if notBreakerFailure(actual) {
			return nil
		}
		return actual
	})
	if actual == nil && breakerErr != nil {
		return nil, breakerErr
	}
	return files, actual
}

func (b *BreakerBackend) Search(ctx context.Context, params storage.SearchParams) ([]*storage.StoredFile, error) {
	var files []*storage.StoredFile
	var actual error
	breakerErr := b.breaker.Execute(func() error {
		files, actual = b.inner.Search(ctx, params)
		if notBreakerFailure(actual) {
			return nil
		}
		return actual
	})
	if actual == nil && breakerErr != nil {
		return nil, breakerErr
	}
	return files, actual
}

var _ storage.Backend = (*BreakerBackend)(nil)
