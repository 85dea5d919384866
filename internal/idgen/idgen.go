// Package idgen allocates monotonically increasing listener ids for the
// add/remove-by-id listener tables used throughout the signaling package.
package idgen

import "sync/atomic"

// Counter hands out strictly increasing ids starting at 1, so the zero value
// can be used as a sentinel for "no id assigned".
type Counter struct {
	next atomic.Uint32
}

// Next returns the next id in the sequence. Safe for concurrent use.
func (c *Counter) Next() uint32 {
	return c.next.Add(1)
}
