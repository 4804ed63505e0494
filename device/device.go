// Package device assembles the command pipeline into a session: an allocation registry, a pool of
// command buffers, one queue per class with its own fence, the validator every submission passes
// through, and a software engine that executes validated buffers.
package device

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/cmdstream/cmdbuf"
	"github.com/vkngwrapper/cmdstream/gpucmd"
	"github.com/vkngwrapper/cmdstream/memutils"
	"github.com/vkngwrapper/cmdstream/registry"
	"github.com/vkngwrapper/cmdstream/validator"
	"github.com/vkngwrapper/core/v2/common"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"
)

// DeviceHandle identifies a device to its error sink
type DeviceHandle uint64

func (h DeviceHandle) String() string {
	return "device(" + strconv.FormatUint(uint64(h), 10) + ")"
}

// ErrorSink receives session-fatal conditions. ReportError is called at most once per context.
//
//go:generate mockgen -source device.go -destination ./mocks/device.go -package mock_device
type ErrorSink interface {
	ReportError(handle DeviceHandle, code common.VkResult)
}

// DispatchHandler executes the dispatches of hardware command buffers. The root arguments have been
// patched with validated GPU addresses.
type DispatchHandler func(ctx context.Context, dispatch gpucmd.Dispatch, args []gpucmd.RootArgument) error

// QueueCreateInfo describes a queue and the command buffers recorded for it
type QueueCreateInfo struct {
	Class                  cmdbuf.QueueClass
	BufferCount            int
	BufferCapacity         int
	AllocationListCapacity int
	PatchListCapacity      int
}

// DefaultQueues is used when CreateOptions.Queues is empty
var DefaultQueues = []QueueCreateInfo{
	{Class: cmdbuf.QueueRender, BufferCount: 8, BufferCapacity: 64 * 1024, AllocationListCapacity: 256, PatchListCapacity: 1024},
	{Class: cmdbuf.QueueCompute, BufferCount: 8, BufferCapacity: 64 * 1024, AllocationListCapacity: 256, PatchListCapacity: 1024},
	{Class: cmdbuf.QueueCopy, BufferCount: 4, BufferCapacity: 16 * 1024, AllocationListCapacity: 128, PatchListCapacity: 256},
}

type CreateOptions struct {
	Handle DeviceHandle
	// Sink receives session-fatal conditions. It may be nil.
	Sink   ErrorSink
	Queues []QueueCreateInfo

	Registry registry.CreateOptions
	// Dispatch executes hardware command buffers. If nil, dispatches are validated and then dropped.
	Dispatch DispatchHandler
}

// Device is an explicitly constructed session context. It is created at bring-up with New and torn
// down with Close; every component it owns lives exactly that long.
type Device struct {
	logger *slog.Logger
	handle DeviceHandle
	sink   ErrorSink

	registry  *registry.Registry
	pool      *cmdbuf.Pool
	validator *validator.Validator
	queues    map[cmdbuf.QueueClass]*CommandQueue
	dispatch  DispatchHandler

	contextsMutex sync.RWMutex
	contexts      *swiss.Map[registry.ContextID, *Context]
	nextContextID atomic.Uint64

	engine     *errgroup.Group
	stopEngine context.CancelFunc
	closeOnce  sync.Once
}

// New brings up a device. The software engine runs until Close is called or ctx is done.
func New(ctx context.Context, logger *slog.Logger, options CreateOptions) (*Device, error) {
	logger.Debug("Device::New")

	queues := options.Queues
	if len(queues) == 0 {
		queues = DefaultQueues
	}

	allocations, err := registry.New(logger, options.Registry)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create the allocation registry")
	}

	device := &Device{
		logger:    logger,
		handle:    options.Handle,
		sink:      options.Sink,
		registry:  allocations,
		validator: validator.New(logger, allocations),
		queues:    make(map[cmdbuf.QueueClass]*CommandQueue, len(queues)),
		dispatch:  options.Dispatch,
		contexts:  swiss.NewMap[registry.ContextID, *Context](8),
	}

	poolInfo := cmdbuf.PoolCreateInfo{}
	for _, info := range queues {
		queue := newCommandQueue(logger, device, info)
		device.queues[info.Class] = queue

		poolInfo.Classes = append(poolInfo.Classes, cmdbuf.ClassCreateInfo{
			Class:                  info.Class,
			BufferCount:            info.BufferCount,
			BufferCapacity:         info.BufferCapacity,
			AllocationListCapacity: info.AllocationListCapacity,
			PatchListCapacity:      info.PatchListCapacity,
			Fences:                 queue,
		})
	}

	device.pool, err = cmdbuf.NewPool(logger, poolInfo)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create the command buffer pool")
	}

	engineCtx, cancel := context.WithCancel(ctx)
	device.stopEngine = cancel
	device.engine, engineCtx = errgroup.WithContext(engineCtx)
	for _, queue := range device.queues {
		queue := queue
		device.engine.Go(func() error {
			return queue.run(engineCtx)
		})
	}

	return device, nil
}

func (d *Device) Handle() DeviceHandle            { return d.handle }
func (d *Device) Registry() *registry.Registry    { return d.registry }
func (d *Device) Pool() *cmdbuf.Pool              { return d.pool }
func (d *Device) Validator() *validator.Validator { return d.validator }

// Queue returns the queue for class, or nil if the device has none
func (d *Device) Queue(class cmdbuf.QueueClass) *CommandQueue {
	return d.queues[class]
}

// CreateContext creates a session whose allocations and command lists are isolated from every other
// context's
func (d *Device) CreateContext() *Context {
	d.logger.Debug("Device::CreateContext")

	ctx := &Context{
		logger: d.logger,
		device: d,
		id:     registry.ContextID(d.nextContextID.Add(1)),
	}

	d.contextsMutex.Lock()
	defer d.contextsMutex.Unlock()

	d.contexts.Put(ctx.id, ctx)
	return ctx
}

func (d *Device) context(id registry.ContextID) (*Context, bool) {
	d.contextsMutex.RLock()
	defer d.contextsMutex.RUnlock()

	return d.contexts.Get(id)
}

func (d *Device) removeContext(id registry.ContextID) {
	d.contextsMutex.Lock()
	defer d.contextsMutex.Unlock()

	d.contexts.Delete(id)
}

// Close stops accepting submissions, waits for the engine to finish the work already queued, and
// shuts it down
func (d *Device) Close() error {
	d.logger.Debug("Device::Close")

	var err error
	d.closeOnce.Do(func() {
		for _, queue := range d.queues {
			queue.close()
		}

		err = d.engine.Wait()
		d.stopEngine()
	})

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// BuildStatsString returns a JSON description of the device's command buffers and allocations
func (d *Device) BuildStatsString() string {
	d.logger.Debug("Device::BuildStatsString")

	writer := jwriter.NewWriter()
	obj := writer.Object()

	var stats memutils.DetailedStatistics
	stats.Clear()
	d.pool.Statistics(&stats)

	total := obj.Name("Total").Object()
	total.Name("BufferCount").Int(stats.BufferCount)
	total.Name("FreeCount").Int(stats.FreeCount)
	total.Name("InFlightCount").Int(stats.InFlightCount)
	total.Name("UsedBytes").Int(stats.UsedBytes)
	total.Name("Allocations").Int(d.registry.Count())
	total.End()

	queues := obj.Name("Queues").Object()
	for class, queue := range d.queues {
		queueObj := queues.Name(class.String()).Object()
		queueObj.Name("SubmittedFence").Float64(float64(queue.SubmittedFence()))
		queueObj.Name("CompletedFence").Float64(float64(queue.CompletedFence()))
		queueObj.End()
	}
	queues.End()

	d.pool.PrintDetailedMap(obj.Name("Pool"))
	d.registry.PrintDetailedMap(obj.Name("Registry"))

	obj.End()
	return string(writer.Bytes())
}

func (d *Device) Validate() error {
	err := d.pool.Validate()
	if err != nil {
		return err
	}

	return d.registry.Validate()
}
