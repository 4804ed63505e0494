package cmdbuf

import (
	"fmt"
	"math"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/cmdstream/gpucmd"
	"github.com/vkngwrapper/cmdstream/internal/utils"
	"github.com/vkngwrapper/cmdstream/memutils"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"
)

// QueueClass identifies the kind of queue a command buffer is recorded for
type QueueClass int32

const (
	QueueRender QueueClass = iota
	QueueCompute
	QueueCopy

	queueClassCount = int(QueueCopy) + 1
)

var queueClassMapping = make(map[QueueClass]string)

func (c QueueClass) String() string {
	str, ok := queueClassMapping[c]
	if !ok {
		return fmt.Sprintf("QueueClass(%d)", int32(c))
	}
	return str
}

func init() {
	queueClassMapping[QueueRender] = "Render"
	queueClassMapping[QueueCompute] = "Compute"
	queueClassMapping[QueueCopy] = "Copy"
}

// FenceSource reports the most recent fence value completed by a queue
//
//go:generate mockgen -source pool.go -destination ./mocks/pool.go -package mock_cmdbuf
type FenceSource interface {
	CompletedFence() uint64
}

// ClassCreateInfo describes the command buffers a Pool holds for a single queue class
type ClassCreateInfo struct {
	Class QueueClass
	// BufferCount is the fixed number of command buffers held for this class
	BufferCount int
	// BufferCapacity is the number of bytes each buffer can hold, header included. It must be a
	// multiple of 8.
	BufferCapacity int
	// AllocationListCapacity is the maximum number of allocation list entries per buffer
	AllocationListCapacity int
	// PatchListCapacity is the maximum number of patch locations per buffer
	PatchListCapacity int
	// Fences reports the completion progress of the queue this class submits to
	Fences FenceSource
}

type PoolCreateInfo struct {
	Classes []ClassCreateInfo
	// ExternallySynchronized may be set when every call into the pool is made from a single goroutine
	// at a time; the pool's mutexes are then skipped
	ExternallySynchronized bool
}

type classPool struct {
	class              QueueClass
	mutex              utils.OptionalMutex
	fences             FenceSource
	buffers            []*CommandBuffer
	bufferCapacity     int
	allocationCapacity int
	patchCapacity      int
}

// Pool owns a fixed set of command buffers for each configured queue class. It hands buffers out to
// command lists and reclaims them once the GPU has finished with them. The pool never blocks waiting
// for a buffer: Acquire returns nil when none can be reclaimed, and the caller decides how to proceed.
//
// Acquire and Release serialize on a per-class mutex. NotifyFenceCompleted does not lock and may be
// called from any goroutine.
type Pool struct {
	logger  *slog.Logger
	classes [queueClassCount]*classPool
}

func NewPool(logger *slog.Logger, createInfo PoolCreateInfo) (*Pool, error) {
	pool := &Pool{logger: logger}
	nextID := 0

	for _, info := range createInfo.Classes {
		if info.Class < 0 || int(info.Class) >= queueClassCount {
			return nil, errors.Newf("unknown queue class %s", info.Class)
		}
		if pool.classes[info.Class] != nil {
			return nil, errors.Newf("queue class %s was configured more than once", info.Class)
		}
		if info.BufferCount <= 0 {
			return nil, errors.Newf("queue class %s must have at least one buffer, but BufferCount is %d", info.Class, info.BufferCount)
		}
		if info.BufferCapacity <= gpucmd.HeaderCommandSize || info.BufferCapacity%gpucmd.RecordAlignment != 0 || uint64(info.BufferCapacity) > math.MaxUint32 {
			return nil, errors.Newf("queue class %s has invalid BufferCapacity %d", info.Class, info.BufferCapacity)
		}
		if info.AllocationListCapacity <= 0 || info.PatchListCapacity <= 0 {
			return nil, errors.Newf("queue class %s must have positive list capacities, but has %d allocation entries and %d patch locations",
				info.Class, info.AllocationListCapacity, info.PatchListCapacity)
		}
		if info.Fences == nil {
			return nil, errors.Newf("queue class %s has no fence source", info.Class)
		}

		class := &classPool{
			class:              info.Class,
			fences:             info.Fences,
			bufferCapacity:     info.BufferCapacity,
			allocationCapacity: info.AllocationListCapacity,
			patchCapacity:      info.PatchListCapacity,
			mutex: utils.OptionalMutex{
				UseMutex: !createInfo.ExternallySynchronized,
			},
		}

		for i := 0; i < info.BufferCount; i++ {
			class.buffers = append(class.buffers, newCommandBuffer(nextID, info.Class, info.BufferCapacity, info.AllocationListCapacity, info.PatchListCapacity))
			nextID++
		}

		pool.classes[info.Class] = class
	}

	return pool, nil
}

func (p *Pool) class(class QueueClass) *classPool {
	if class < 0 || int(class) >= queueClassCount || p.classes[class] == nil {
		panic(fmt.Sprintf("queue class %s is not configured for this pool", class))
	}

	return p.classes[class]
}

// HasClass reports whether the pool holds buffers for class
func (p *Pool) HasClass(class QueueClass) bool {
	return class >= 0 && int(class) < queueClassCount && p.classes[class] != nil
}

// ListCapacities returns the allocation list and patch location list capacities of the buffers in class
func (p *Pool) ListCapacities(class QueueClass) (allocations, patches int) {
	c := p.class(class)
	return c.allocationCapacity, c.patchCapacity
}

// BufferCapacity returns the capacity in bytes of the buffers in class
func (p *Pool) BufferCapacity(class QueueClass) int {
	return p.class(class).bufferCapacity
}

// Acquire returns a buffer of the requested class in the Recording state, holding only its header.
// Free and Reclaimable buffers are preferred; Executing buffers whose assigned fence has completed are
// reclaimed as well. If no buffer can be reclaimed, Acquire returns nil.
func (p *Pool) Acquire(class QueueClass) *CommandBuffer {
	p.logger.Debug("Pool::Acquire")

	c := p.class(class)
	c.mutex.Lock()
	defer c.mutex.Unlock()

	buffer := c.acquireReady()
	if buffer == nil {
		completed := c.fences.CompletedFence()
		for _, candidate := range c.buffers {
			if candidate.State() == BufferExecuting && candidate.AssignedFence() <= completed &&
				candidate.transition(BufferExecuting, BufferRecording) {
				buffer = candidate
				break
			}
		}
	}

	if buffer == nil {
		p.logger.Debug("no command buffer available", slog.String("class", class.String()))
		return nil
	}

	buffer.begin()
	memutils.DebugValidate(buffer)
	return buffer
}

func (c *classPool) acquireReady() *CommandBuffer {
	for _, candidate := range c.buffers {
		if candidate.transition(BufferFree, BufferRecording) || candidate.transition(BufferReclaimable, BufferRecording) {
			return candidate
		}
	}

	return nil
}

// Release returns a buffer to the pool once the GPU has finished with it. Filled buffers that were
// never submitted are released immediately. Executing buffers are released only if their assigned fence
// has completed; otherwise ErrFenceNotReached is returned and the buffer is left untouched. Releasing
// a buffer that is still Recording, is being validated, or is already free is an error.
func (p *Pool) Release(buffer *CommandBuffer) error {
	p.logger.Debug("Pool::Release")

	c := p.class(buffer.class)
	c.mutex.Lock()
	defer c.mutex.Unlock()

	switch state := buffer.State(); state {
	case BufferRecording:
		err := errors.Wrapf(ErrInvalidBufferState, "attempted to release %s while it is still recording", buffer)
		p.logger.Error("command buffer released while recording", slog.Any("error", err))
		return err
	case BufferExecuting:
		completed := c.fences.CompletedFence()
		if buffer.AssignedFence() > completed {
			return errors.Wrapf(ErrFenceNotReached, "%s is waiting on fence %d but fence %d has completed", buffer, buffer.AssignedFence(), completed)
		}
		if buffer.transition(BufferExecuting, BufferFree) {
			return nil
		}
	case BufferFilled, BufferReclaimable:
		if buffer.transition(state, BufferFree) {
			return nil
		}
	}

	return errors.Wrapf(ErrInvalidBufferState, "attempted to release %s", buffer)
}

// Recycle returns a buffer that was never submitted, in the Recording or Filled state, to the pool
func (p *Pool) Recycle(buffer *CommandBuffer) error {
	p.logger.Debug("Pool::Recycle")

	c := p.class(buffer.class)
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if buffer.transition(BufferRecording, BufferFree) || buffer.transition(BufferFilled, BufferFree) {
		return nil
	}

	return errors.Wrapf(ErrInvalidBufferState, "attempted to recycle %s", buffer)
}

// Reject returns a Submitted buffer that failed validation to the pool. The buffer's contents are
// left as they were.
func (p *Pool) Reject(buffer *CommandBuffer) error {
	p.logger.Debug("Pool::Reject")

	c := p.class(buffer.class)
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if buffer.transition(BufferSubmitted, BufferFree) {
		return nil
	}

	return errors.Wrapf(ErrInvalidBufferState, "attempted to reject %s", buffer)
}

// fill moves a Recording buffer to the Filled state
func (p *Pool) fill(buffer *CommandBuffer) {
	if !buffer.transition(BufferRecording, BufferFilled) {
		panic(fmt.Sprintf("attempted to fill %s", buffer))
	}
}

// NotifyFenceCompleted marks every Executing buffer of class whose assigned fence is at or below fence
// as Reclaimable. It never blocks.
func (p *Pool) NotifyFenceCompleted(class QueueClass, fence uint64) {
	c := p.class(class)

	for _, buffer := range c.buffers {
		if buffer.State() == BufferExecuting && buffer.AssignedFence() <= fence {
			buffer.transition(BufferExecuting, BufferReclaimable)
		}
	}
}

// addStatistics reads the contents of every buffer that is not Recording. A Recording buffer is
// written by its command list without the class mutex, so only its state is counted.
func (c *classPool) addStatistics(stats *memutils.DetailedStatistics) {
	for _, buffer := range c.buffers {
		stats.BufferCount++
		stats.CapacityBytes += buffer.capacity

		switch buffer.State() {
		case BufferFree, BufferReclaimable:
			stats.FreeCount++
			continue
		case BufferRecording:
			stats.RecordingCount++
			continue
		case BufferFilled:
			stats.RecordingCount++
		case BufferSubmitted, BufferExecuting:
			stats.InFlightCount++
		}

		stats.AddBuffer(buffer.usedBytes, buffer.commandCount, buffer.patches.Len(), buffer.allocations.Len())
	}
}

// ClassStatistics accumulates statistics for the buffers of a single class into stats
func (p *Pool) ClassStatistics(class QueueClass, stats *memutils.DetailedStatistics) {
	p.logger.Debug("Pool::ClassStatistics")

	c := p.class(class)
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.addStatistics(stats)
}

// Statistics accumulates statistics for every buffer in the pool into stats
func (p *Pool) Statistics(stats *memutils.DetailedStatistics) {
	p.logger.Debug("Pool::Statistics")

	for _, c := range p.classes {
		if c == nil {
			continue
		}

		c.mutex.Lock()
		c.addStatistics(stats)
		c.mutex.Unlock()
	}
}

// PrintDetailedMap writes the state of every buffer in the pool, grouped by class
func (p *Pool) PrintDetailedMap(writer *jwriter.Writer) {
	objState := writer.Object()
	defer objState.End()

	for _, c := range p.classes {
		if c == nil {
			continue
		}

		c.mutex.Lock()

		var stats memutils.DetailedStatistics
		stats.Clear()
		c.addStatistics(&stats)

		classObj := objState.Name(c.class.String()).Object()
		classObj.Name("BufferCount").Int(stats.BufferCount)
		classObj.Name("FreeCount").Int(stats.FreeCount)
		classObj.Name("RecordingCount").Int(stats.RecordingCount)
		classObj.Name("InFlightCount").Int(stats.InFlightCount)
		classObj.Name("CapacityBytes").Int(stats.CapacityBytes)
		classObj.Name("UsedBytes").Int(stats.UsedBytes)

		buffers := classObj.Name("Buffers").Array()
		for _, buffer := range c.buffers {
			state := buffer.State()
			obj := buffers.Object()
			obj.Name("ID").Int(buffer.id)
			obj.Name("State").String(state.String())
			if state == BufferRecording {
				obj.End()
				continue
			}
			obj.Name("Kind").String(buffer.kind.String())
			obj.Name("UsedBytes").Int(buffer.usedBytes)
			obj.Name("Commands").Int(buffer.commandCount)
			obj.Name("Allocations").Int(buffer.allocations.Len())
			obj.Name("Patches").Int(buffer.patches.Len())
			if fence := buffer.AssignedFence(); fence > 0 {
				obj.Name("Fence").Float64(float64(fence))
			}
			obj.End()
		}
		buffers.End()
		classObj.End()

		c.mutex.Unlock()
	}
}

// BuildStatsString returns a JSON description of the pool's buffers
func (p *Pool) BuildStatsString() string {
	p.logger.Debug("Pool::BuildStatsString")

	writer := jwriter.NewWriter()
	p.PrintDetailedMap(&writer)
	return string(writer.Bytes())
}

func (p *Pool) Validate() error {
	for _, c := range p.classes {
		if c == nil {
			continue
		}

		for _, buffer := range c.buffers {
			if buffer.class != c.class {
				return errors.Newf("%s is held by the %s class", buffer, c.class)
			}
			if buffer.capacity != c.bufferCapacity {
				return errors.Newf("%s has capacity %d but its class has capacity %d", buffer, buffer.capacity, c.bufferCapacity)
			}
			// Recording buffers belong to a command list and are validated by the encoder
			if buffer.State() == BufferRecording {
				continue
			}
			err := buffer.Validate()
			if err != nil {
				return err
			}
		}
	}

	return nil
}

// CheckCorruption verifies the guard band of every buffer in the pool. It always succeeds unless the
// debug_mem_utils build tag is present.
func (p *Pool) CheckCorruption() (common.VkResult, error) {
	p.logger.Debug("Pool::CheckCorruption")

	for _, c := range p.classes {
		if c == nil {
			continue
		}

		for _, buffer := range c.buffers {
			err := buffer.CheckCorruption()
			if err != nil {
				return core1_0.VKErrorUnknown, err
			}
		}
	}

	return core1_0.VKSuccess, nil
}
