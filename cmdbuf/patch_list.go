package cmdbuf

import "github.com/cockroachdb/errors"

// PatchLocation marks an address placeholder within a command buffer that must be overwritten with
// a real address before the buffer executes
type PatchLocation struct {
	// AllocationIndex is the index of the referenced resource in the buffer's allocation list
	AllocationIndex uint32
	// PatchOffset is the offset of the placeholder within the command buffer
	PatchOffset uint32
	// AllocationOffset is added to the allocation's base address when patching
	AllocationOffset uint64
}

// PatchLocationList is a bounded, ordered sequence of patch locations
type PatchLocationList struct {
	entries  []PatchLocation
	capacity int
}

func newPatchLocationList(capacity int) PatchLocationList {
	return PatchLocationList{
		entries:  make([]PatchLocation, 0, capacity),
		capacity: capacity,
	}
}

func (l *PatchLocationList) Len() int       { return len(l.entries) }
func (l *PatchLocationList) Capacity() int  { return l.capacity }
func (l *PatchLocationList) Remaining() int { return l.capacity - len(l.entries) }

// Entries returns the list's current contents. The returned slice must not be modified.
func (l *PatchLocationList) Entries() []PatchLocation {
	return l.entries
}

func (l *PatchLocationList) reset() {
	l.entries = l.entries[:0]
}

func (l *PatchLocationList) append(location PatchLocation) error {
	if len(l.entries) >= l.capacity {
		return errors.Wrapf(ErrInsufficientSpace, "patch location list is full (%d entries)", l.capacity)
	}

	l.entries = append(l.entries, location)
	return nil
}
