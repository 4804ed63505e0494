package cmdbuf

import (
	"context"
	"fmt"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/cmdstream/gpucmd"
	"golang.org/x/exp/slog"
)

// DefaultMaxCommandBuffers is the number of command buffers a command list may hold at once when
// CommandListCreateInfo.MaxCommandBuffers is left at zero
const DefaultMaxCommandBuffers = 8

// FatalErrorReporter receives session-fatal errors raised by a command list. ReportFatal is called at
// most once per command list.
//
//go:generate mockgen -source command_list.go -destination ./mocks/command_list.go -package mock_cmdbuf
type FatalErrorReporter interface {
	ReportFatal(err error)
}

// Queue accepts filled command buffers for validation and execution. When Submit returns an error,
// the buffer is either still Filled or has been returned to its pool.
type Queue interface {
	Submit(ctx context.Context, buffer *CommandBuffer) error
}

// ListState is the recording state of a CommandList
type ListState int32

const (
	ListIdle ListState = iota
	ListRecording
	ListClosed
)

var listStateMapping = make(map[ListState]string)

func (s ListState) String() string {
	str, ok := listStateMapping[s]
	if !ok {
		return fmt.Sprintf("ListState(%d)", int32(s))
	}
	return str
}

func init() {
	listStateMapping[ListIdle] = "Idle"
	listStateMapping[ListRecording] = "Recording"
	listStateMapping[ListClosed] = "Closed"
}

// PipelineState is the compute shader used by subsequent dispatches
type PipelineState struct {
	ShaderHash      [gpucmd.ShaderHashSize]byte
	Bytecode        []byte
	ThreadsPerGroup uint32
}

type CommandListCreateInfo struct {
	Class QueueClass
	// MaxCommandBuffers bounds the number of buffers the list holds at once, the current buffer
	// included. While recording, at most MaxCommandBuffers-1 buffers are filled: a spill out of the
	// current buffer when MaxCommandBuffers-1 buffers are already filled is fatal. Close may then fill
	// the current buffer as well. Defaults to DefaultMaxCommandBuffers.
	MaxCommandBuffers int
	// Reporter receives session-fatal errors. It may be nil.
	Reporter FatalErrorReporter
}

// CommandList records operations into command buffers acquired from a Pool. It owns a current buffer
// and an ordered sequence of filled buffers; when the current buffer cannot hold an operation it is
// moved to the filled sequence and recording continues in a fresh buffer.
//
// A CommandList is not safe for concurrent use. Separate command lists may record concurrently.
type CommandList struct {
	logger   *slog.Logger
	pool     *Pool
	encoder  *Encoder
	reporter FatalErrorReporter

	class              QueueClass
	maxFilled          int
	allocationCapacity int
	patchCapacity      int

	state   ListState
	lost    bool
	current *CommandBuffer
	filled  []*CommandBuffer

	pipeline *PipelineState
	bindings []RootBinding
}

func NewCommandList(logger *slog.Logger, pool *Pool, createInfo CommandListCreateInfo) (*CommandList, error) {
	if !pool.HasClass(createInfo.Class) {
		return nil, errors.Newf("pool has no command buffers for queue class %s", createInfo.Class)
	}

	maxBuffers := createInfo.MaxCommandBuffers
	if maxBuffers == 0 {
		maxBuffers = DefaultMaxCommandBuffers
	}
	if maxBuffers < 1 {
		return nil, errors.Newf("MaxCommandBuffers must be positive, but is %d", createInfo.MaxCommandBuffers)
	}

	allocationCapacity, patchCapacity := pool.ListCapacities(createInfo.Class)

	return &CommandList{
		logger:             logger,
		pool:               pool,
		encoder:            NewEncoder(logger),
		reporter:           createInfo.Reporter,
		class:              createInfo.Class,
		maxFilled:          maxBuffers - 1,
		allocationCapacity: allocationCapacity,
		patchCapacity:      patchCapacity,
		filled:             make([]*CommandBuffer, 0, maxBuffers),
	}, nil
}

func (l *CommandList) State() ListState  { return l.state }
func (l *CommandList) Class() QueueClass { return l.class }
func (l *CommandList) IsLost() bool      { return l.lost }

// ListCapacities returns the allocation list and patch location list capacities of every buffer the
// command list records into
func (l *CommandList) ListCapacities() (allocations, patches int) {
	return l.allocationCapacity, l.patchCapacity
}

// FilledBuffers returns the buffers closed so far, in the order they were filled. The returned slice
// must not be modified.
func (l *CommandList) FilledBuffers() []*CommandBuffer {
	return l.filled
}

// CurrentBuffer returns the buffer being recorded, or nil if there is none
func (l *CommandList) CurrentBuffer() *CommandBuffer {
	return l.current
}

// fail marks the command list as lost and reports err, the first time it is called
func (l *CommandList) fail(err error) error {
	if !l.lost {
		l.lost = true
		l.logger.Error("command list lost", slog.Any("error", err))
		if l.reporter != nil {
			l.reporter.ReportFatal(err)
		}
	}

	return err
}

func (l *CommandList) checkRecording() error {
	if l.lost {
		return errors.Wrap(ErrDeviceRemoved, "command list was lost")
	}
	if l.state != ListRecording {
		return errors.Wrapf(ErrNotRecording, "command list is %s", l.state)
	}

	return nil
}

// recycleFilled returns every filled buffer to the pool
func (l *CommandList) recycleFilled() error {
	var result error
	for _, buffer := range l.filled {
		result = errors.CombineErrors(result, l.pool.Recycle(buffer))
	}
	l.filled = l.filled[:0]

	return result
}

// Reset discards everything recorded since the last reset and begins recording into an empty buffer.
// Filled buffers that were not executed are returned to the pool before a buffer is acquired, so a
// list may reuse its own buffers. If the list has no current buffer and none can be acquired,
// ErrPoolExhausted is returned and the list is left Idle.
func (l *CommandList) Reset() error {
	l.logger.Debug("CommandList::Reset")

	if l.lost {
		return errors.Wrap(ErrDeviceRemoved, "command list was lost")
	}

	err := l.recycleFilled()
	if err != nil {
		return l.fail(errors.Mark(errors.Wrap(err, "failed to return filled buffers to the pool"), ErrDeviceRemoved))
	}

	if l.current == nil {
		buffer := l.pool.Acquire(l.class)
		if buffer == nil {
			l.state = ListIdle
			return errors.Wrapf(ErrPoolExhausted, "no %s command buffer available", l.class)
		}
		l.current = buffer
	} else {
		l.current.begin()
	}

	l.pipeline = nil
	l.bindings = l.bindings[:0]
	l.state = ListRecording
	return nil
}

// record encodes an operation into the current buffer, spilling into a fresh buffer if the current
// one cannot hold it
func (l *CommandList) record(encode func(buffer *CommandBuffer) (EncodeResult, error)) (EncodeResult, error) {
	err := l.checkRecording()
	if err != nil {
		return EncodeResult{}, err
	}

	result, err := encode(l.current)
	if err == nil || !errors.Is(err, ErrInsufficientSpace) {
		return result, err
	}

	if l.current.IsEmpty() {
		return EncodeResult{}, errors.Wrapf(ErrInvalidParameter, "operation does not fit in an empty command buffer: %v", err)
	}

	if len(l.filled) >= l.maxFilled {
		return EncodeResult{}, l.fail(errors.Wrapf(ErrDeviceRemoved, "command list already holds %d filled buffers", len(l.filled)))
	}

	next := l.pool.Acquire(l.class)
	if next == nil {
		return EncodeResult{}, errors.Wrapf(ErrPoolExhausted, "no %s command buffer available to continue recording", l.class)
	}

	l.pool.fill(l.current)
	l.filled = append(l.filled, l.current)
	l.current = next

	result, err = encode(l.current)
	if errors.Is(err, ErrInsufficientSpace) {
		return EncodeResult{}, errors.Wrapf(ErrInvalidParameter, "operation does not fit in an empty command buffer: %v", err)
	}

	return result, err
}

// ResourceCopy copies the full contents of src into dst. src must be at least as large as dst.
func (l *CommandList) ResourceCopy(dst, src Resource) error {
	l.logger.Debug("CommandList::ResourceCopy")

	if src.Size < dst.Size {
		return errors.Wrapf(ErrInvalidParameter, "copy source %s holds %d bytes, destination %s holds %d", src.Handle, src.Size, dst.Handle, dst.Size)
	}

	_, err := l.record(func(buffer *CommandBuffer) (EncodeResult, error) {
		return l.encoder.EncodeResourceCopy(buffer,
			ResourceReference{Handle: dst.Handle}, ResourceReference{Handle: src.Handle}, dst.Size)
	})
	return err
}

// CopyBufferRegion copies size bytes from src at srcOffset to dst at dstOffset
func (l *CommandList) CopyBufferRegion(dst Resource, dstOffset uint64, src Resource, srcOffset uint64, size uint64) error {
	l.logger.Debug("CommandList::CopyBufferRegion")

	if size == 0 {
		return errors.Wrap(ErrInvalidParameter, "copy of zero bytes")
	}

	_, err := l.record(func(buffer *CommandBuffer) (EncodeResult, error) {
		return l.encoder.EncodeResourceCopy(buffer,
			ResourceReference{Handle: dst.Handle, Offset: dstOffset},
			ResourceReference{Handle: src.Handle, Offset: srcOffset},
			size)
	})
	return err
}

// UpdateConstantBuffer replaces len(data) bytes of dst at offset. The range must lie within dst.
func (l *CommandList) UpdateConstantBuffer(dst Resource, offset uint64, data []byte) error {
	l.logger.Debug("CommandList::UpdateConstantBuffer")

	_, err := l.record(func(buffer *CommandBuffer) (EncodeResult, error) {
		return l.encoder.EncodeConstantBufferUpdate(buffer, dst, offset, data)
	})
	return err
}

// SetPipelineState sets the compute shader used by subsequent dispatches
func (l *CommandList) SetPipelineState(pipeline *PipelineState) error {
	l.logger.Debug("CommandList::SetPipelineState")

	err := l.checkRecording()
	if err != nil {
		return err
	}
	if pipeline == nil || pipeline.ThreadsPerGroup == 0 {
		return errors.Wrap(ErrInvalidParameter, "pipeline state must have a positive ThreadsPerGroup")
	}

	l.pipeline = pipeline
	return nil
}

func (l *CommandList) setBinding(binding RootBinding) error {
	err := l.checkRecording()
	if err != nil {
		return err
	}

	index := sort.Search(len(l.bindings), func(i int) bool {
		return l.bindings[i].Slot >= binding.Slot
	})
	if index < len(l.bindings) && l.bindings[index].Slot == binding.Slot {
		l.bindings[index] = binding
		return nil
	}

	l.bindings = append(l.bindings, RootBinding{})
	copy(l.bindings[index+1:], l.bindings[index:])
	l.bindings[index] = binding
	return nil
}

// SetRootConstants binds a 32-bit constant to slot for subsequent dispatches
func (l *CommandList) SetRootConstants(slot uint32, value uint32) error {
	l.logger.Debug("CommandList::SetRootConstants")

	return l.setBinding(RootBinding{Kind: gpucmd.RootArgumentConstant, Slot: slot, Constant: value})
}

// SetRootView binds the address of resource at offset to slot for subsequent dispatches
func (l *CommandList) SetRootView(slot uint32, resource Resource, offset uint64, write bool) error {
	l.logger.Debug("CommandList::SetRootView")

	if offset >= resource.Size {
		return errors.Wrapf(ErrInvalidParameter, "view offset %d is outside of %s (%d bytes)", offset, resource.Handle, resource.Size)
	}

	return l.setBinding(RootBinding{
		Kind:     gpucmd.RootArgumentView,
		Slot:     slot,
		Resource: ResourceReference{Handle: resource.Handle, Offset: offset, Write: write},
	})
}

// SetRootDescriptorTable binds the address of the descriptor heap resource at offset to slot for
// subsequent dispatches
func (l *CommandList) SetRootDescriptorTable(slot uint32, heap Resource, offset uint64) error {
	l.logger.Debug("CommandList::SetRootDescriptorTable")

	if offset >= heap.Size {
		return errors.Wrapf(ErrInvalidParameter, "descriptor table offset %d is outside of %s (%d bytes)", offset, heap.Handle, heap.Size)
	}

	return l.setBinding(RootBinding{
		Kind:     gpucmd.RootArgumentDescriptorTable,
		Slot:     slot,
		Resource: ResourceReference{Handle: heap.Handle, Offset: offset},
	})
}

// Dispatch records a compute dispatch using the current pipeline state. The root arguments bound so
// far are recorded immediately before the dispatch, in the same buffer.
func (l *CommandList) Dispatch(x, y, z uint32) error {
	l.logger.Debug("CommandList::Dispatch")

	err := l.checkRecording()
	if err != nil {
		return err
	}
	if l.pipeline == nil {
		return errors.Wrap(ErrInvalidParameter, "dispatch recorded without a pipeline state")
	}

	dispatch := &gpucmd.Dispatch{
		ThreadsPerGroup: l.pipeline.ThreadsPerGroup,
		GroupCount:      [3]uint32{x, y, z},
		ShaderHash:      l.pipeline.ShaderHash,
		Bytecode:        l.pipeline.Bytecode,
	}

	_, err = l.record(func(buffer *CommandBuffer) (EncodeResult, error) {
		return l.encoder.EncodeDispatch(buffer, l.bindings, dispatch)
	})
	return err
}

// Close ends recording. A current buffer holding commands is appended to the filled buffers; an empty
// one is kept for the next Reset and never submitted.
func (l *CommandList) Close() error {
	l.logger.Debug("CommandList::Close")

	err := l.checkRecording()
	if err != nil {
		return err
	}

	if !l.current.IsEmpty() {
		l.pool.fill(l.current)
		l.filled = append(l.filled, l.current)
		l.current = nil
	}

	l.state = ListClosed
	return nil
}

// Execute submits the filled buffers to queue in the order they were filled. Buffers rejected by the
// queue are dropped and the remaining buffers are still submitted; the rejections are returned
// together. A fatal error from the queue stops submission and loses the command list.
func (l *CommandList) Execute(ctx context.Context, queue Queue) error {
	l.logger.Debug("CommandList::Execute")

	if l.lost {
		return errors.Wrap(ErrDeviceRemoved, "command list was lost")
	}
	if l.state != ListClosed {
		return errors.Newf("command list must be closed before it is executed, but is %s", l.state)
	}

	var result error
	for i, buffer := range l.filled {
		err := queue.Submit(ctx, buffer)
		if err == nil {
			continue
		}

		if buffer.State() == BufferFilled {
			result = errors.CombineErrors(result, l.pool.Recycle(buffer))
		}

		if IsFatal(err) || ctx.Err() != nil {
			for _, remaining := range l.filled[i+1:] {
				result = errors.CombineErrors(result, l.pool.Recycle(remaining))
			}
			l.filled = l.filled[:0]

			if IsFatal(err) {
				return l.fail(errors.CombineErrors(err, result))
			}
			return errors.CombineErrors(err, result)
		}

		l.logger.Warn("command buffer rejected", slog.Int("buffer", buffer.ID()), slog.Any("error", err))
		result = errors.CombineErrors(result, errors.Wrapf(err, "buffer %d of %d", i+1, len(l.filled)))
	}

	l.filled = l.filled[:0]
	return result
}

// Destroy returns every buffer held by the command list to the pool
func (l *CommandList) Destroy() error {
	l.logger.Debug("CommandList::Destroy")

	result := l.recycleFilled()
	if l.current != nil {
		result = errors.CombineErrors(result, l.pool.Recycle(l.current))
		l.current = nil
	}

	l.state = ListIdle
	return result
}
