package compilecache

import "time"

// SetClock overrides the cache clock in tests.
func (c *Cache) SetClock(now func() time.Time) { c.now = now }
