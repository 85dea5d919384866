// Package listeners provides a small generic registry used for the
// add-returns-id / remove-by-id listener tables the signaling device and
// channel expose (new-channel, state-change, reconnect, message, error).
package listeners

import "github.com/nabto/webrtc-signaling-device-go/internal/idgen"

// Table is a monotonic-id keyed set of callbacks, dispatched in the order
// they were registered. It is not itself goroutine-safe: callers hold their
// own mutex around Add/Remove/Snapshot, so that listener mutation stays
// ordered with the state it observes.
type Table[H any] struct {
	ids   idgen.Counter
	order []uint32
	byID  map[uint32]H
}

// Add registers h and returns the id to later Remove it by.
func (t *Table[H]) Add(h H) uint32 {
	if t.byID == nil {
		t.byID = make(map[uint32]H)
	}
	id := t.ids.Next()
	t.byID[id] = h
	t.order = append(t.order, id)
	return id
}

// Remove deregisters the listener added under id. Removing an unknown or
// already-removed id is a no-op.
func (t *Table[H]) Remove(id uint32) {
	if _, ok := t.byID[id]; !ok {
		return
	}
	delete(t.byID, id)
	for i, existing := range t.order {
		if existing == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

// Snapshot returns the currently registered callbacks in insertion order.
// Intended to be called under the owner's lock, with the returned slice then
// invoked after unlocking.
func (t *Table[H]) Snapshot() []H {
	if len(t.order) == 0 {
		return nil
	}
	out := make([]H, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.byID[id])
	}
	return out
}

// Clear removes every registered listener.
func (t *Table[H]) Clear() {
	t.byID = nil
	t.order = nil
}
