package cmdbuf_test

import (
	"runtime"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/cmdstream/cmdbuf"
	"github.com/vkngwrapper/cmdstream/memutils"
	"go.uber.org/mock/gomock"
	"golang.org/x/sync/errgroup"
)

func TestPool_ConcurrentAcquireNeverSharesBuffers(t *testing.T) {
	ctrl := gomock.NewController(t)
	fences := newFenceCounter(ctrl)
	pool := newTestPool(t, fences, 4, 4096)

	const workers = 8
	const iterations = 200

	var owners sync.Map
	var group errgroup.Group
	done := make(chan struct{})

	for worker := 0; worker < workers; worker++ {
		worker := worker
		group.Go(func() error {
			for i := 0; i < iterations; i++ {
				buffer := pool.Acquire(cmdbuf.QueueCompute)
				if buffer == nil {
					runtime.Gosched()
					continue
				}

				if previous, loaded := owners.LoadOrStore(buffer.ID(), worker); loaded {
					return errors.Newf("buffer %d handed to worker %d while held by worker %v", buffer.ID(), worker, previous)
				}
				if buffer.State() != cmdbuf.BufferRecording || !buffer.IsEmpty() {
					return errors.Newf("acquired %s", buffer)
				}

				owners.Delete(buffer.ID())
				err := pool.Recycle(buffer)
				if err != nil {
					return err
				}
			}
			return nil
		})
	}

	// Completion notifications arrive from another goroutine and must never block
	var notifier errgroup.Group
	notifier.Go(func() error {
		for fence := uint64(1); ; fence++ {
			select {
			case <-done:
				return nil
			default:
				pool.NotifyFenceCompleted(cmdbuf.QueueCompute, fence)
				runtime.Gosched()
			}
		}
	})

	require.NoError(t, group.Wait())
	close(done)
	require.NoError(t, notifier.Wait())

	require.NoError(t, pool.Validate())
}

func TestPool_StatisticsWhileRecording(t *testing.T) {
	ctrl := gomock.NewController(t)
	pool := newTestPool(t, newFenceCounter(ctrl), 4, smallBufferCapacity)
	list := newTestList(t, pool, 4, nil)

	const rounds = 200
	done := make(chan struct{})

	var recorder errgroup.Group
	recorder.Go(func() error {
		defer close(done)

		for round := 0; round < rounds; round++ {
			for i := 0; i < 5; i++ {
				err := list.ResourceCopy(
					cmdbuf.Resource{Handle: testHandle(uint32(2*i + 1)), Size: 16},
					cmdbuf.Resource{Handle: testHandle(uint32(2*i + 2)), Size: 16},
				)
				if err != nil {
					return err
				}
			}

			err := list.Close()
			if err != nil {
				return err
			}
			err = list.Reset()
			if err != nil {
				return err
			}
		}
		return nil
	})

	var reader errgroup.Group
	reader.Go(func() error {
		for {
			select {
			case <-done:
				return nil
			default:
			}

			var stats memutils.DetailedStatistics
			stats.Clear()
			pool.Statistics(&stats)
			if stats.BufferCount != 4 {
				return errors.Newf("pool reported %d buffers", stats.BufferCount)
			}
			if pool.BuildStatsString() == "" {
				return errors.New("empty stats string")
			}
			runtime.Gosched()
		}
	})

	require.NoError(t, recorder.Wait())
	require.NoError(t, reader.Wait())
	require.NoError(t, pool.Validate())
}
