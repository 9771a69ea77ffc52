package codestore

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/Masterminds/semver/v3"

	"github.com/invoqio/invoq/runtime/fn"
)

// ListVersions returns the set of version tags present for fid across both
// surfaces, including the latest sentinel when a rolling latest exists. The
// order is unspecified.
func (s *Store) ListVersions(ctx context.Context, fid string) ([]string, error) {
	if err := fn.ValidateID(fid); err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	kvKeys, err := s.kv.Keys(ctx, kvPrefix(fid))
	if err != nil {
		return nil, fmt.Errorf("kv keys %s: %w", fid, err)
	}
	for _, key := range kvKeys {
		if v, ok := versionFromKVKey(fid, key); ok {
			seen[v] = struct{}{}
		}
	}
	objKeys, err := s.objects.List(ctx, objectPrefix(fid))
	if err != nil {
		return nil, fmt.Errorf("object list %s: %w", fid, err)
	}
	for _, key := range objKeys {
		if v, ok := versionFromObjectKey(fid, key); ok {
			seen[v] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	return out, nil
}

// ListVersionsSorted returns the semver versions of fid in ascending semver
// order. The latest sentinel and tags that do not parse as semver are
// excluded.
func (s *Store) ListVersionsSorted(ctx context.Context, fid string) ([]string, error) {
	tags, err := s.ListVersions(ctx, fid)
	if err != nil {
		return nil, err
	}
	return sortSemver(tags), nil
}

// ListVersionsPaginated pages through the ascending semver versions of fid.
// The cursor is opaque; pass the returned cursor to continue, an empty one
// to start over. hasMore reports whether another page exists.
func (s *Store) ListVersionsPaginated(ctx context.Context, fid string, limit int, cursor string) (versions []string, hasMore bool, next string, err error) {
	if limit <= 0 {
		return nil, false, "", fn.NewValidationError("page limit must be positive")
	}
	all, err := s.ListVersionsSorted(ctx, fid)
	if err != nil {
		return nil, false, "", err
	}
	start := 0
	if cursor != "" {
		start, err = strconv.Atoi(cursor)
		if err != nil || start < 0 {
			return nil, false, "", fn.NewValidationError(fmt.Sprintf("invalid cursor %q", cursor))
		}
	}
	if start >= len(all) {
		return nil, false, "", nil
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	page := all[start:end]
	if end < len(all) {
		return page, true, strconv.Itoa(end), nil
	}
	return page, false, "", nil
}

// sortSemver filters tags down to parseable semver versions and sorts them
// ascending, preserving the original tag spelling.
func sortSemver(tags []string) []string {
	parsed := make([]*semver.Version, 0, len(tags))
	for _, tag := range tags {
		if tag == latestTag {
			continue
		}
		v, err := semver.NewVersion(tag)
		if err != nil {
			continue
		}
		parsed = append(parsed, v)
	}
	sort.Sort(semver.Collection(parsed))
	out := make([]string, len(parsed))
	for i, v := range parsed {
		out[i] = v.Original()
	}
	return out
}
