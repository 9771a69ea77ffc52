// Package codestore stores and versions function code, source maps, and
// binary artifacts across two storage surfaces: a key-value store for fast
// small reads and a bytes-object store for large or binary payloads. The
// package owns the key schemes, version listing and fallback-chain
// resolution; concrete backends plug in through the KV and ObjectStore
// interfaces (see features/store/redis and features/store/mongo).
package codestore

import (
	"context"
	"fmt"
	"time"

	"github.com/invoqio/invoq/runtime/fn"
)

type (
	// KV is the key-value surface. A read miss returns (nil, nil); errors
	// are reserved for backend failures.
	KV interface {
		Get(ctx context.Context, key string) ([]byte, error)
		Set(ctx context.Context, key string, value []byte) error
		Delete(ctx context.Context, key string) error
		// Keys lists every key starting with prefix.
		Keys(ctx context.Context, prefix string) ([]string, error)
	}

	// ObjectStore is the bytes-object surface. A read miss returns
	// (nil, nil, nil); Head returns (nil, nil) when absent.
	ObjectStore interface {
		Get(ctx context.Context, key string) ([]byte, *ObjectInfo, error)
		Put(ctx context.Context, key string, data []byte, meta map[string]string) (*ObjectInfo, error)
		Delete(ctx context.Context, key string) error
		// List lists every object key starting with prefix.
		List(ctx context.Context, prefix string) ([]string, error)
		Head(ctx context.Context, key string) (*ObjectInfo, error)
	}

	// ObjectInfo is the metadata of one stored object.
	ObjectInfo struct {
		Key        string
		Size       int64
		UploadedAt time.Time
		ETag       string
		Metadata   map[string]string
	}

	// Options configures a Store.
	Options struct {
		// KV is the key-value surface. Required.
		KV KV
		// Objects is the bytes-object surface. Required.
		Objects ObjectStore
	}

	// Store is the versioned code store. Code text lives on the KV surface
	// with an object-surface fallback on read, so oversized artifacts
	// written through PutBinary still resolve; source maps and binaries
	// live on the object surface.
	Store struct {
		kv      KV
		objects ObjectStore
	}

	// FallbackResult is the outcome of a fallback-chain resolution.
	FallbackResult struct {
		// Code is the resolved code bytes.
		Code []byte
		// Version is the version that actually served the read.
		Version string
		// Fallback is true when Version differs from the requested one.
		Fallback bool
	}
)

// New constructs a Store. Both surfaces are required.
func New(opts Options) (*Store, error) {
	if opts.KV == nil {
		return nil, fmt.Errorf("codestore: KV surface is required")
	}
	if opts.Objects == nil {
		return nil, fmt.Errorf("codestore: object surface is required")
	}
	return &Store{kv: opts.KV, objects: opts.Objects}, nil
}

// Get reads the code of fid at version, or at latest when version is empty
// or the latest sentinel. A miss returns (nil, nil).
func (s *Store) Get(ctx context.Context, fid, version string) ([]byte, error) {
	if err := fn.ValidateID(fid); err != nil {
		return nil, err
	}
	data, err := s.kv.Get(ctx, KVKey(fid, version))
	if err != nil {
		return nil, fmt.Errorf("kv get %s: %w", fid, err)
	}
	if data != nil {
		return data, nil
	}
	data, _, err = s.objects.Get(ctx, ObjectKey(fid, version))
	if err != nil {
		return nil, fmt.Errorf("object get %s: %w", fid, err)
	}
	return data, nil
}

// Put writes code under fid at version (latest when empty). The write is an
// unconditional overwrite.
func (s *Store) Put(ctx context.Context, fid string, data []byte, version string) error {
	if err := fn.ValidateID(fid); err != nil {
		return err
	}
	if err := s.kv.Set(ctx, KVKey(fid, version), data); err != nil {
		return fmt.Errorf("kv set %s: %w", fid, err)
	}
	return nil
}

// Delete removes one version's code from both surfaces. Removing an absent
// key is a no-op.
func (s *Store) Delete(ctx context.Context, fid, version string) error {
	if err := fn.ValidateID(fid); err != nil {
		return err
	}
	if err := s.kv.Delete(ctx, KVKey(fid, version)); err != nil {
		return fmt.Errorf("kv delete %s: %w", fid, err)
	}
	if err := s.objects.Delete(ctx, ObjectKey(fid, version)); err != nil {
		return fmt.Errorf("object delete %s: %w", fid, err)
	}
	return nil
}

// DeleteAll removes every stored key of fid: the rolling latest, every
// version, and every associated source map, across both surfaces.
func (s *Store) DeleteAll(ctx context.Context, fid string) error {
	if err := fn.ValidateID(fid); err != nil {
		return err
	}
	kvKeys, err := s.kvKeysOf(ctx, fid)
	if err != nil {
		return err
	}
	for _, key := range kvKeys {
		if err := s.kv.Delete(ctx, key); err != nil {
			return fmt.Errorf("kv delete %s: %w", key, err)
		}
	}
	objKeys, err := s.objects.List(ctx, objectPrefix(fid))
	if err != nil {
		return fmt.Errorf("object list %s: %w", fid, err)
	}
	for _, key := range objKeys {
		if err := s.objects.Delete(ctx, key); err != nil {
			return fmt.Errorf("object delete %s: %w", key, err)
		}
	}
	return nil
}

// Exists reports whether code exists for fid at version (latest when empty).
func (s *Store) Exists(ctx context.Context, fid, version string) (bool, error) {
	if err := fn.ValidateID(fid); err != nil {
		return false, err
	}
	data, err := s.kv.Get(ctx, KVKey(fid, version))
	if err != nil {
		return false, fmt.Errorf("kv get %s: %w", fid, err)
	}
	if data != nil {
		return true, nil
	}
	info, err := s.objects.Head(ctx, ObjectKey(fid, version))
	if err != nil {
		return false, fmt.Errorf("object head %s: %w", fid, err)
	}
	return info != nil, nil
}

// GetWithFallback resolves code by trying requested first and then walking
// the fallback chain in order. The first existing version wins; Fallback
// reports whether the served version differs from the requested one. When
// every candidate misses the result is nil.
func (s *Store) GetWithFallback(ctx context.Context, fid, requested string, fallback ...string) (*FallbackResult, error) {
	if err := fn.ValidateID(fid); err != nil {
		return nil, err
	}
	chain := append([]string{requested}, fallback...)
	for _, v := range chain {
		data, err := s.Get(ctx, fid, v)
		if err != nil {
			return nil, err
		}
		if data != nil {
			return &FallbackResult{
				Code:     data,
				Version:  v,
				Fallback: v != requested,
			}, nil
		}
	}
	return nil, nil
}

// PutSourceMap writes the source map of fid at version on the object
// surface.
func (s *Store) PutSourceMap(ctx context.Context, fid string, data []byte, version string) error {
	if err := fn.ValidateID(fid); err != nil {
		return err
	}
	if _, err := s.objects.Put(ctx, SourceMapKey(fid, version), data, nil); err != nil {
		return fmt.Errorf("object put %s map: %w", fid, err)
	}
	return nil
}

// GetSourceMap reads the source map of fid at version. A miss returns
// (nil, nil).
func (s *Store) GetSourceMap(ctx context.Context, fid, version string) ([]byte, error) {
	if err := fn.ValidateID(fid); err != nil {
		return nil, err
	}
	data, _, err := s.objects.Get(ctx, SourceMapKey(fid, version))
	if err != nil {
		return nil, fmt.Errorf("object get %s map: %w", fid, err)
	}
	return data, nil
}

// PutBinary writes a binary artifact (WASM modules and the like) under the
// code key scheme on the object surface.
func (s *Store) PutBinary(ctx context.Context, fid string, data []byte, version string) error {
	if err := fn.ValidateID(fid); err != nil {
		return err
	}
	if _, err := s.objects.Put(ctx, ObjectKey(fid, version), data, map[string]string{"binary": "true"}); err != nil {
		return fmt.Errorf("object put %s: %w", fid, err)
	}
	return nil
}

// GetBinary reads a binary artifact of fid at version. A miss returns
// (nil, nil).
func (s *Store) GetBinary(ctx context.Context, fid, version string) ([]byte, error) {
	if err := fn.ValidateID(fid); err != nil {
		return nil, err
	}
	data, _, err := s.objects.Get(ctx, ObjectKey(fid, version))
	if err != nil {
		return nil, fmt.Errorf("object get %s: %w", fid, err)
	}
	return data, nil
}

// GetObject reads an arbitrary object-surface key, bypassing the function
// key schemes. Source references of the object variant name keys directly.
// A miss returns (nil, nil).
func (s *Store) GetObject(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, fn.NewValidationError("object key is empty")
	}
	data, _, err := s.objects.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("object get %s: %w", key, err)
	}
	return data, nil
}

// kvKeysOf lists the KV keys belonging to fid, filtering out other ids that
// merely share a prefix.
func (s *Store) kvKeysOf(ctx context.Context, fid string) ([]string, error) {
	keys, err := s.kv.Keys(ctx, kvPrefix(fid))
	if err != nil {
		return nil, fmt.Errorf("kv keys %s: %w", fid, err)
	}
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		if key == KVKey(fid, "") || isKVVersionKey(fid, key) {
			out = append(out, key)
		}
	}
	return out, nil
}
