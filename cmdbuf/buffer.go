package cmdbuf

import (
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/cmdstream/gpucmd"
	"github.com/vkngwrapper/cmdstream/memutils"
)

// BufferState is the lifecycle state of a CommandBuffer
type BufferState int32

const (
	// BufferFree buffers are owned by the pool and may be acquired
	BufferFree BufferState = iota
	// BufferRecording buffers are owned by exactly one command list
	BufferRecording
	// BufferFilled buffers have been closed by their command list and wait for submission
	BufferFilled
	// BufferSubmitted buffers have left the producer's control and are being validated
	BufferSubmitted
	// BufferExecuting buffers passed validation, carry an assigned fence, and are queued for execution
	BufferExecuting
	// BufferReclaimable buffers have executed and may be acquired again
	BufferReclaimable
)

var bufferStateMapping = make(map[BufferState]string)

func (s BufferState) String() string {
	str, ok := bufferStateMapping[s]
	if !ok {
		return fmt.Sprintf("BufferState(%d)", int32(s))
	}
	return str
}

// BufferKind distinguishes buffers executed by hardware from buffers whose commands are emulated
type BufferKind int32

const (
	// BufferKindUndetermined buffers hold no commands beyond their header
	BufferKindUndetermined BufferKind = iota
	// BufferKindSoftware buffers hold emulated commands such as copies and constant buffer updates
	BufferKindSoftware
	// BufferKindHardware buffers hold commands the GPU executes directly, such as dispatches
	BufferKindHardware
)

var bufferKindMapping = make(map[BufferKind]string)

func (k BufferKind) String() string {
	str, ok := bufferKindMapping[k]
	if !ok {
		return fmt.Sprintf("BufferKind(%d)", int32(k))
	}
	return str
}

func init() {
	bufferStateMapping[BufferFree] = "Free"
	bufferStateMapping[BufferRecording] = "Recording"
	bufferStateMapping[BufferFilled] = "Filled"
	bufferStateMapping[BufferSubmitted] = "Submitted"
	bufferStateMapping[BufferExecuting] = "Executing"
	bufferStateMapping[BufferReclaimable] = "Reclaimable"

	bufferKindMapping[BufferKindUndetermined] = "Undetermined"
	bufferKindMapping[BufferKindSoftware] = "Software"
	bufferKindMapping[BufferKindHardware] = "Hardware"
}

// CommandBuffer is a fixed-capacity region of encoded commands together with the allocation list and
// patch location list that describe the addresses embedded in it. Command buffers are created by a
// Pool and reused for as long as the pool lives.
//
// While Recording, a buffer is owned by a single CommandList and its contents are not synchronized.
// Its state and assigned fence may be read from any goroutine.
type CommandBuffer struct {
	id       int
	class    QueueClass
	capacity int

	bytes        []byte
	usedBytes    int
	commandCount int
	kind         BufferKind

	allocations AllocationList
	patches     PatchLocationList

	state         atomic.Int32
	assignedFence atomic.Uint64
}

func newCommandBuffer(id int, class QueueClass, capacity, allocationCapacity, patchCapacity int) *CommandBuffer {
	buffer := &CommandBuffer{
		id:          id,
		class:       class,
		capacity:    capacity,
		bytes:       make([]byte, capacity+memutils.DebugMargin),
		allocations: newAllocationList(allocationCapacity),
		patches:     newPatchLocationList(patchCapacity),
	}
	memutils.WriteMagicValue(buffer.bytes, capacity)

	return buffer
}

func (b *CommandBuffer) ID() int               { return b.id }
func (b *CommandBuffer) Class() QueueClass     { return b.class }
func (b *CommandBuffer) Capacity() int         { return b.capacity }
func (b *CommandBuffer) UsedBytes() int        { return b.usedBytes }
func (b *CommandBuffer) RemainingBytes() int   { return b.capacity - b.usedBytes }
func (b *CommandBuffer) CommandCount() int     { return b.commandCount }
func (b *CommandBuffer) Kind() BufferKind      { return b.kind }
func (b *CommandBuffer) State() BufferState    { return BufferState(b.state.Load()) }
func (b *CommandBuffer) AssignedFence() uint64 { return b.assignedFence.Load() }
func (b *CommandBuffer) IsEmpty() bool         { return b.commandCount == 0 }
func (b *CommandBuffer) IsSoftware() bool      { return b.kind == BufferKindSoftware }
func (b *CommandBuffer) Bytes() []byte         { return b.bytes[:b.usedBytes] }

// Allocations returns the buffer's allocation list. The returned slice must not be modified.
func (b *CommandBuffer) Allocations() []AllocationListEntry {
	return b.allocations.Entries()
}

// PatchLocations returns the buffer's patch location list. The returned slice must not be modified.
func (b *CommandBuffer) PatchLocations() []PatchLocation {
	return b.patches.Entries()
}

func (b *CommandBuffer) String() string {
	return fmt.Sprintf("CommandBuffer(%d, %s, %s)", b.id, b.class, b.State())
}

func (b *CommandBuffer) transition(from, to BufferState) bool {
	return b.state.CompareAndSwap(int32(from), int32(to))
}

// MarkSubmitted transfers a Filled buffer out of the producer's control. It fails with
// ErrInvalidBufferState if the buffer is not Filled.
func (b *CommandBuffer) MarkSubmitted() error {
	if !b.transition(BufferFilled, BufferSubmitted) {
		return errors.Wrapf(ErrInvalidBufferState, "cannot submit %s", b)
	}
	return nil
}

// MarkExecuting assigns a fence to a Submitted buffer that passed validation and queues it for
// execution. It fails with ErrInvalidBufferState if the buffer is not Submitted.
func (b *CommandBuffer) MarkExecuting(fence uint64) error {
	if b.State() != BufferSubmitted {
		return errors.Wrapf(ErrInvalidBufferState, "cannot execute %s", b)
	}

	b.assignedFence.Store(fence)
	if !b.transition(BufferSubmitted, BufferExecuting) {
		return errors.Wrapf(ErrInvalidBufferState, "cannot execute %s", b)
	}
	return nil
}

// begin clears the buffer's contents and writes the mandatory header
func (b *CommandBuffer) begin() {
	b.usedBytes = 0
	b.commandCount = 0
	b.kind = BufferKindUndetermined
	b.allocations.reset()
	b.patches.reset()
	b.assignedFence.Store(0)

	gpucmd.WriteHeader(b.bytes, 0)
	b.usedBytes = gpucmd.HeaderCommandSize
}

func (b *CommandBuffer) setKind(kind BufferKind) {
	if b.kind == kind {
		return
	}
	if b.kind != BufferKindUndetermined {
		panic(fmt.Sprintf("attempted to change the kind of %s from %s to %s", b, b.kind, kind))
	}

	b.kind = kind
	if kind == BufferKindSoftware {
		gpucmd.SetHeaderFlags(b.bytes, gpucmd.HeaderFlagSoftware)
	}
}

// reserve advances the cursor past size bytes and returns them. Callers check the remaining capacity
// first.
func (b *CommandBuffer) reserve(size int) ([]byte, int) {
	if size > b.RemainingBytes() {
		panic(fmt.Sprintf("attempted to reserve %d bytes in %s with only %d bytes remaining", size, b, b.RemainingBytes()))
	}

	offset := b.usedBytes
	b.usedBytes += size
	b.commandCount++
	return b.bytes[offset:b.usedBytes], offset
}

func (b *CommandBuffer) Validate() error {
	state := b.State()
	if state == BufferFree {
		return nil
	}

	if b.usedBytes < gpucmd.HeaderCommandSize || b.usedBytes > b.capacity {
		return errors.Newf("%s has used bytes %d outside of [%d, %d]", b, b.usedBytes, gpucmd.HeaderCommandSize, b.capacity)
	}

	record, err := gpucmd.ReadRecord(b.bytes[:b.usedBytes], 0)
	if err != nil {
		return errors.Wrapf(err, "%s header", b)
	}
	if record.ID != gpucmd.CommandHeader {
		return errors.Newf("%s begins with %s", b, record.ID)
	}

	if b.commandCount == 0 && b.kind != BufferKindUndetermined {
		return errors.Newf("%s has no commands but has kind %s", b, b.kind)
	}

	if b.allocations.Len() > b.allocations.Capacity() {
		return errors.Newf("%s has %d allocation list entries with a capacity of %d", b, b.allocations.Len(), b.allocations.Capacity())
	}

	if b.patches.Len() > b.patches.Capacity() {
		return errors.Newf("%s has %d patch locations with a capacity of %d", b, b.patches.Len(), b.patches.Capacity())
	}

	for i, location := range b.patches.Entries() {
		if int(location.AllocationIndex) >= b.allocations.Len() {
			return errors.Newf("%s patch location %d references allocation %d of %d", b, i, location.AllocationIndex, b.allocations.Len())
		}
		if int(location.PatchOffset)+gpucmd.AddressSize > b.usedBytes {
			return errors.Newf("%s patch location %d at offset %d is beyond used bytes %d", b, i, location.PatchOffset, b.usedBytes)
		}
	}

	return nil
}

// CheckCorruption verifies that the guard band following the buffer's usable region is intact. It
// always succeeds unless the debug_mem_utils build tag is present.
func (b *CommandBuffer) CheckCorruption() error {
	if !memutils.ValidateMagicValue(b.bytes, b.capacity) {
		return errors.Newf("%s: memory corruption detected after the usable region", b)
	}

	return nil
}
