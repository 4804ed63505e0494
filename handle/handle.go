// Package handle provides a generation-checked table that maps opaque handles to values. A handle
// that has been released, or one that was never issued, is detected on lookup rather than being
// reinterpreted as a live object.
package handle

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	// ErrNullHandle is returned when the zero handle is looked up
	ErrNullHandle = errors.New("null handle")
	// ErrUnknownHandle is returned when a handle refers to a slot the table never issued
	ErrUnknownHandle = errors.New("unknown handle")
	// ErrStaleHandle is returned when a handle refers to a slot that has since been released or reissued
	ErrStaleHandle = errors.New("stale handle")
)

// Handle is an opaque reference to a value in a Table. The low 32 bits hold the slot index plus one,
// so that the zero Handle is never valid, and the high 32 bits hold the slot's generation.
type Handle uint64

// Null is the zero Handle. It never refers to a value.
const Null Handle = 0

func makeHandle(index uint32, generation uint32) Handle {
	return Handle(uint64(generation)<<32 | uint64(index+1))
}

func (h Handle) slotIndex() (uint32, bool) {
	raw := uint32(h)
	if raw == 0 {
		return 0, false
	}
	return raw - 1, true
}

func (h Handle) generation() uint32 {
	return uint32(h >> 32)
}

func (h Handle) String() string {
	if h == Null {
		return "handle(null)"
	}
	index, _ := h.slotIndex()
	return fmt.Sprintf("handle(%d:%d)", index, h.generation())
}

type slot[T any] struct {
	value      T
	generation uint32
	live       bool
}

// Table is an arena of values addressed by generation-checked handles. It is not safe for
// concurrent use; callers that share a Table must synchronize access themselves.
type Table[T any] struct {
	slots    []slot[T]
	freeList []uint32
	count    int
}

// NewTable creates a Table with room for capacity values before it needs to grow
func NewTable[T any](capacity int) *Table[T] {
	return &Table[T]{
		slots: make([]slot[T], 0, capacity),
	}
}

// Insert stores value in a free slot and returns the handle that refers to it
func (t *Table[T]) Insert(value T) Handle {
	var index uint32
	if len(t.freeList) > 0 {
		index = t.freeList[len(t.freeList)-1]
		t.freeList = t.freeList[:len(t.freeList)-1]
	} else {
		index = uint32(len(t.slots))
		t.slots = append(t.slots, slot[T]{generation: 1})
	}

	s := &t.slots[index]
	s.value = value
	s.live = true
	t.count++

	return makeHandle(index, s.generation)
}

func (t *Table[T]) lookup(h Handle) (*slot[T], error) {
	index, ok := h.slotIndex()
	if !ok {
		return nil, ErrNullHandle
	}
	if int(index) >= len(t.slots) {
		return nil, errors.Wrapf(ErrUnknownHandle, "%s", h)
	}

	s := &t.slots[index]
	if !s.live || s.generation != h.generation() {
		return nil, errors.Wrapf(ErrStaleHandle, "%s", h)
	}

	return s, nil
}

// Get retrieves the value the handle refers to
func (t *Table[T]) Get(h Handle) (T, error) {
	s, err := t.lookup(h)
	if err != nil {
		var zero T
		return zero, err
	}
	return s.value, nil
}

// Set replaces the value the handle refers to
func (t *Table[T]) Set(h Handle, value T) error {
	s, err := t.lookup(h)
	if err != nil {
		return err
	}
	s.value = value
	return nil
}

// Remove releases the slot the handle refers to and returns the value that was stored there. Every
// handle to the slot, including h, is stale afterwards.
func (t *Table[T]) Remove(h Handle) (T, error) {
	var zero T
	s, err := t.lookup(h)
	if err != nil {
		return zero, err
	}

	value := s.value
	s.value = zero
	s.live = false
	s.generation++
	if s.generation == 0 {
		s.generation = 1
	}

	index, _ := h.slotIndex()
	t.freeList = append(t.freeList, index)
	t.count--

	return value, nil
}

// Len returns the number of live values in the table
func (t *Table[T]) Len() int {
	return t.count
}

// Visit calls visitor once for each live value, in slot order. Iteration stops at the first error,
// which is returned.
func (t *Table[T]) Visit(visitor func(h Handle, value T) error) error {
	for index := range t.slots {
		s := &t.slots[index]
		if !s.live {
			continue
		}

		err := visitor(makeHandle(uint32(index), s.generation), s.value)
		if err != nil {
			return err
		}
	}

	return nil
}
