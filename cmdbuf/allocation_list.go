package cmdbuf

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/cmdstream/handle"
)

// AllocationListEntry is a single resource referenced by a command buffer. Patch locations refer to
// entries by their index in the list.
type AllocationListEntry struct {
	Handle handle.Handle
	// WriteOperation is set if any command in the buffer writes to the resource
	WriteOperation bool
}

// AllocationList is a bounded, ordered sequence of the resources used by a single command buffer
type AllocationList struct {
	entries  []AllocationListEntry
	capacity int
}

func newAllocationList(capacity int) AllocationList {
	return AllocationList{
		entries:  make([]AllocationListEntry, 0, capacity),
		capacity: capacity,
	}
}

func (l *AllocationList) Len() int       { return len(l.entries) }
func (l *AllocationList) Capacity() int  { return l.capacity }
func (l *AllocationList) Remaining() int { return l.capacity - len(l.entries) }

// Entries returns the list's current contents. The returned slice must not be modified.
func (l *AllocationList) Entries() []AllocationListEntry {
	return l.entries
}

func (l *AllocationList) reset() {
	l.entries = l.entries[:0]
}

// slotsRequired returns the number of new entries that referencing handles, in order, would append
// to the list
func (l *AllocationList) slotsRequired(handles []handle.Handle) int {
	last := handle.Null
	if len(l.entries) > 0 {
		last = l.entries[len(l.entries)-1].Handle
	}

	slots := 0
	for _, h := range handles {
		if h != last {
			slots++
			last = h
		}
	}

	return slots
}

// use returns the index of the entry for h, appending a new entry unless h is already the most
// recently used entry. Write flags are merged into an existing entry.
func (l *AllocationList) use(h handle.Handle, write bool) (uint32, error) {
	if len(l.entries) > 0 {
		last := &l.entries[len(l.entries)-1]
		if last.Handle == h {
			last.WriteOperation = last.WriteOperation || write
			return uint32(len(l.entries) - 1), nil
		}
	}

	if len(l.entries) >= l.capacity {
		return 0, errors.Wrapf(ErrInsufficientSpace, "allocation list is full (%d entries)", l.capacity)
	}

	l.entries = append(l.entries, AllocationListEntry{Handle: h, WriteOperation: write})
	return uint32(len(l.entries) - 1), nil
}
