package ratelimit

import "time"

// NewShardAt builds a shard on an injected clock for expiry tests.
func NewShardAt(now func() time.Time) *Shard { return newShardAt(now) }
