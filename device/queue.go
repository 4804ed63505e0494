package device

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/cmdstream/cmdbuf"
	"github.com/vkngwrapper/cmdstream/gpucmd"
	"github.com/vkngwrapper/cmdstream/registry"
	"github.com/vkngwrapper/cmdstream/validator"
	"golang.org/x/exp/slog"
)

var ErrQueueClosed = errors.New("queue is closed")

type submission struct {
	owner  registry.ContextID
	buffer *cmdbuf.CommandBuffer
	info   *validator.DmaBufferInfo
	fence  uint64
}

// CommandQueue validates submitted command buffers, assigns each a fence, and hands it to the engine.
// Fences are assigned in submission order and complete in the same order.
type CommandQueue struct {
	logger *slog.Logger
	device *Device
	class  cmdbuf.QueueClass

	submitMutex sync.Mutex
	closed      bool
	pending     chan submission

	submitted atomic.Uint64
	completed atomic.Uint64
}

func newCommandQueue(logger *slog.Logger, device *Device, info QueueCreateInfo) *CommandQueue {
	// A buffer is in flight at most once, so sends on pending never block
	return &CommandQueue{
		logger:  logger,
		device:  device,
		class:   info.Class,
		pending: make(chan submission, info.BufferCount),
	}
}

func (q *CommandQueue) Class() cmdbuf.QueueClass { return q.class }

// CompletedFence returns the most recent fence the engine has finished
func (q *CommandQueue) CompletedFence() uint64 { return q.completed.Load() }

// SubmittedFence returns the most recent fence assigned to a submission
func (q *CommandQueue) SubmittedFence() uint64 { return q.submitted.Load() }

// Submit validates a Filled command buffer on behalf of owner and, if it passes, schedules it for
// execution. A buffer that fails validation is returned to the pool and the validator's error is
// returned.
func (q *CommandQueue) Submit(ctx context.Context, owner registry.ContextID, buffer *cmdbuf.CommandBuffer) error {
	q.logger.Debug("CommandQueue::Submit")

	if buffer.Class() != q.class {
		return errors.Wrapf(cmdbuf.ErrInvalidParameter, "%s submitted to the %s queue", buffer, q.class)
	}

	owningContext, ok := q.device.context(owner)
	if ok && owningContext.IsLost() {
		return errors.Wrapf(cmdbuf.ErrDeviceRemoved, "%s was lost", owner)
	}

	err := buffer.MarkSubmitted()
	if err != nil {
		return err
	}

	_, patchCapacity := q.device.pool.ListCapacities(q.class)
	info, _, err := q.device.validator.Render(ctx, validator.RenderArgs{
		Owner:             owner,
		Commands:          buffer.Bytes(),
		CommandLength:     buffer.UsedBytes(),
		AllocationList:    buffer.Allocations(),
		PatchLocationsIn:  buffer.PatchLocations(),
		PatchLocationsOut: make([]cmdbuf.PatchLocation, patchCapacity),
		DmaBuffer:         make([]byte, buffer.Capacity()),
	})
	if err != nil {
		return errors.CombineErrors(err, q.device.pool.Reject(buffer))
	}

	q.submitMutex.Lock()
	defer q.submitMutex.Unlock()

	if q.closed {
		return errors.CombineErrors(ErrQueueClosed, q.device.pool.Reject(buffer))
	}

	fence := q.submitted.Add(1)
	err = buffer.MarkExecuting(fence)
	if err != nil {
		// Nothing else moves a Submitted buffer
		panic(err)
	}

	q.pending <- submission{
		owner:  owner,
		buffer: buffer,
		info:   info,
		fence:  fence,
	}
	return nil
}

// WaitForFence blocks until fence has completed or ctx is done
func (q *CommandQueue) WaitForFence(ctx context.Context, fence uint64) error {
	q.logger.Debug("CommandQueue::WaitForFence")

	return backoff.Retry(func() error {
		if q.completed.Load() >= fence {
			return nil
		}
		return cmdbuf.ErrFenceNotReached
	}, backoff.WithContext(newPollBackOff(), ctx))
}

// WaitIdle blocks until every submission made so far has completed
func (q *CommandQueue) WaitIdle(ctx context.Context) error {
	return q.WaitForFence(ctx, q.submitted.Load())
}

func (q *CommandQueue) close() {
	q.submitMutex.Lock()
	defer q.submitMutex.Unlock()

	if !q.closed {
		q.closed = true
		close(q.pending)
	}
}

func (q *CommandQueue) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case work, ok := <-q.pending:
			if !ok {
				return nil
			}

			err := q.execute(ctx, work)
			if err != nil {
				q.logger.Error("command buffer execution failed",
					slog.String("buffer", work.buffer.String()),
					slog.Uint64("fence", work.fence),
					slog.Any("error", err))
				q.device.reportLost(work.owner, err)
			}

			q.completed.Store(work.fence)
			q.device.pool.NotifyFenceCompleted(q.class, work.fence)
		}
	}
}

func (q *CommandQueue) execute(ctx context.Context, work submission) error {
	if work.info.Flags&validator.DmaBufferSoftwareCommandBuffer != 0 {
		return gpucmd.Walk(work.info.Data, q.executeSoftware)
	}

	var arguments []gpucmd.RootArgument
	return gpucmd.Walk(work.info.Data, func(record gpucmd.Record) error {
		switch record.ID {
		case gpucmd.CommandRootArgumentSet:
			arguments = gpucmd.RootArguments(record)
		case gpucmd.CommandComputeDispatch:
			if q.device.dispatch == nil {
				return nil
			}
			return q.device.dispatch(ctx, gpucmd.DispatchFields(record), arguments)
		}
		return nil
	})
}

func (q *CommandQueue) executeSoftware(record gpucmd.Record) error {
	switch record.ID {
	case gpucmd.CommandResourceCopy:
		dst, src, size := gpucmd.ResourceCopyFields(record)

		err := q.device.registry.CopyAddress(dst, src, size)
		if err != nil {
			return errors.Wrap(err, "resource copy")
		}
	case gpucmd.CommandConstantBufferUpdate:
		dst, payload := gpucmd.ConstantBufferUpdateFields(record)

		err := q.device.registry.WriteAddress(dst, payload)
		if err != nil {
			return errors.Wrap(err, "constant buffer update destination")
		}
	}

	return nil
}

// boundQueue submits on behalf of a single context
type boundQueue struct {
	queue *CommandQueue
	owner registry.ContextID
}

func (b boundQueue) Submit(ctx context.Context, buffer *cmdbuf.CommandBuffer) error {
	return b.queue.Submit(ctx, b.owner, buffer)
}
