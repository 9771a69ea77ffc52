package codestore

import "strings"

// Key schemes. KV keys use colon-delimited segments, object keys use
// path-style segments; both treat an empty or "latest" version as the
// rolling latest.
//
//	KV:     code:<fid>            code:<fid>:v:<semver>
//	Object: code/<fid>/latest     code/<fid>/v/<version>
//	Maps:   code/<fid>/latest.map code/<fid>/v/<version>.map

const (
	kvRoot     = "code:"
	objectRoot = "code/"
	mapSuffix  = ".map"
	latestTag  = "latest"
)

// KVKey returns the key-value key of fid at version. An empty version or
// the latest sentinel selects the rolling latest.
func KVKey(fid, version string) string {
	if isLatest(version) {
		return kvRoot + fid
	}
	return kvRoot + fid + ":v:" + version
}

// ObjectKey returns the object-store key of fid at version.
func ObjectKey(fid, version string) string {
	if isLatest(version) {
		return objectRoot + fid + "/" + latestTag
	}
	return objectRoot + fid + "/v/" + version
}

// SourceMapKey returns the object-store key of the source map of fid at
// version.
func SourceMapKey(fid, version string) string {
	return ObjectKey(fid, version) + mapSuffix
}

func isLatest(version string) bool {
	return version == "" || version == latestTag
}

// kvPrefix is the scan prefix of every KV key that may belong to fid. The
// caller still filters exact matches since another id may share the prefix.
func kvPrefix(fid string) string { return kvRoot + fid }

// objectPrefix is the list prefix of every object key of fid. The trailing
// slash makes the prefix unambiguous.
func objectPrefix(fid string) string { return objectRoot + fid + "/" }

// isKVVersionKey reports whether key is a versioned KV key of fid.
func isKVVersionKey(fid, key string) bool {
	return strings.HasPrefix(key, kvRoot+fid+":v:")
}

// versionFromKVKey extracts the version tag from a KV key of fid, mapping
// the rolling-latest key to the latest sentinel. The second return is false
// when the key does not belong to fid.
func versionFromKVKey(fid, key string) (string, bool) {
	if key == KVKey(fid, "") {
		return latestTag, true
	}
	prefix := kvRoot + fid + ":v:"
	if strings.HasPrefix(key, prefix) {
		return key[len(prefix):], true
	}
	return "", false
}

// versionFromObjectKey extracts the version tag from an object key of fid,
// excluding source maps. The second return is false for foreign or map keys.
func versionFromObjectKey(fid, key string) (string, bool) {
	if strings.HasSuffix(key, mapSuffix) {
		return "", false
	}
	if key == ObjectKey(fid, "") {
		return latestTag, true
	}
	prefix := objectRoot + fid + "/v/"
	if strings.HasPrefix(key, prefix) {
		return key[len(prefix):], true
	}
	return "", false
}
