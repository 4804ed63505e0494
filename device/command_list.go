package device

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/cmdstream/cmdbuf"
)

const (
	pollInitialInterval = 50 * time.Microsecond
	pollMaxInterval     = 5 * time.Millisecond
)

func newPollBackOff() backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = pollInitialInterval
	policy.MaxInterval = pollMaxInterval
	// Callers bound the wait with their context
	policy.MaxElapsedTime = 0
	policy.Reset()
	return policy
}

type CommandListCreateInfo struct {
	Class cmdbuf.QueueClass
	// MaxCommandBuffers bounds the number of command buffers recorded between two resets. Defaults to
	// cmdbuf.DefaultMaxCommandBuffers.
	MaxCommandBuffers int
}

// CommandList is a cmdbuf.CommandList bound to a context and to the queue of its class
type CommandList struct {
	*cmdbuf.CommandList

	context *Context
	queue   *CommandQueue
}

// CreateCommandList creates a command list in the Idle state. Call Reset or ResetWait before recording.
func (c *Context) CreateCommandList(createInfo CommandListCreateInfo) (*CommandList, error) {
	c.logger.Debug("Context::CreateCommandList")

	queue := c.device.Queue(createInfo.Class)
	if queue == nil {
		return nil, errors.Newf("device has no %s queue", createInfo.Class)
	}

	list, err := cmdbuf.NewCommandList(c.logger, c.device.pool, cmdbuf.CommandListCreateInfo{
		Class:             createInfo.Class,
		MaxCommandBuffers: createInfo.MaxCommandBuffers,
		Reporter:          c,
	})
	if err != nil {
		return nil, err
	}

	return &CommandList{
		CommandList: list,
		context:     c,
		queue:       queue,
	}, nil
}

func (l *CommandList) Context() *Context    { return l.context }
func (l *CommandList) Queue() *CommandQueue { return l.queue }

// ResetWait resets the command list, waiting for the queue to retire command buffers while the pool has
// none to hand out. It fails only if ctx is done or Reset fails for another reason.
func (l *CommandList) ResetWait(ctx context.Context) error {
	err := backoff.Retry(func() error {
		err := l.CommandList.Reset()
		if err != nil && !errors.Is(err, cmdbuf.ErrPoolExhausted) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(newPollBackOff(), ctx))
	if ctxErr := ctx.Err(); err != nil && ctxErr != nil && !errors.Is(err, ctxErr) {
		return errors.CombineErrors(ctxErr, err)
	}
	return err
}

// Execute closes the command list if it is still recording and submits its command buffers to the
// queue in order
func (l *CommandList) Execute(ctx context.Context) error {
	if l.State() == cmdbuf.ListRecording {
		err := l.Close()
		if err != nil {
			return err
		}
	}

	return l.CommandList.Execute(ctx, boundQueue{queue: l.queue, owner: l.context.id})
}

// ExecuteWait executes the command list and waits for every submitted command buffer to complete
func (l *CommandList) ExecuteWait(ctx context.Context) error {
	err := l.Execute(ctx)
	if err != nil {
		return err
	}

	return l.queue.WaitIdle(ctx)
}
