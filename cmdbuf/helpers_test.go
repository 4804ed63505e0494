package cmdbuf_test

import (
	"io"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/cmdstream/cmdbuf"
	mock_cmdbuf "github.com/vkngwrapper/cmdstream/cmdbuf/mocks"
	"github.com/vkngwrapper/cmdstream/gpucmd"
	"github.com/vkngwrapper/cmdstream/handle"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"
)

const (
	// room for three resource copies after the header
	smallBufferCapacity = gpucmd.HeaderCommandSize + 3*gpucmd.ResourceCopySize
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard))
}

func testHandle(index uint32) handle.Handle {
	return handle.Handle(uint64(1)<<32 | uint64(index))
}

// fenceCounter is a mock fence source whose completed fence can be advanced by the test
type fenceCounter struct {
	*mock_cmdbuf.MockFenceSource
	completed atomic.Uint64
}

func newFenceCounter(ctrl *gomock.Controller) *fenceCounter {
	counter := &fenceCounter{MockFenceSource: mock_cmdbuf.NewMockFenceSource(ctrl)}
	counter.EXPECT().CompletedFence().AnyTimes().DoAndReturn(func() uint64 {
		return counter.completed.Load()
	})
	return counter
}

func newTestPool(t *testing.T, fences cmdbuf.FenceSource, bufferCount, capacity int) *cmdbuf.Pool {
	t.Helper()

	pool, err := cmdbuf.NewPool(testLogger(), cmdbuf.PoolCreateInfo{
		Classes: []cmdbuf.ClassCreateInfo{
			{
				Class:                  cmdbuf.QueueCompute,
				BufferCount:            bufferCount,
				BufferCapacity:         capacity,
				AllocationListCapacity: 16,
				PatchListCapacity:      16,
				Fences:                 fences,
			},
		},
	})
	require.NoError(t, err)
	return pool
}

// submit drives a Filled buffer through submission the way a queue does
func submit(t *testing.T, buffer *cmdbuf.CommandBuffer, fence uint64) {
	t.Helper()

	require.NoError(t, buffer.MarkSubmitted())
	require.NoError(t, buffer.MarkExecuting(fence))
}

// recordFilled records a single copy into a fresh command list and returns the closed, Filled buffer
func recordFilled(t *testing.T, pool *cmdbuf.Pool) *cmdbuf.CommandBuffer {
	t.Helper()

	list, err := cmdbuf.NewCommandList(testLogger(), pool, cmdbuf.CommandListCreateInfo{Class: cmdbuf.QueueCompute})
	require.NoError(t, err)
	require.NoError(t, list.Reset())
	require.NoError(t, list.ResourceCopy(
		cmdbuf.Resource{Handle: testHandle(1), Size: 64},
		cmdbuf.Resource{Handle: testHandle(2), Size: 64},
	))
	require.NoError(t, list.Close())
	require.Len(t, list.FilledBuffers(), 1)

	buffer := list.FilledBuffers()[0]
	require.Equal(t, cmdbuf.BufferFilled, buffer.State())
	return buffer
}
