package device

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/cmdstream/cmdbuf"
	"github.com/vkngwrapper/cmdstream/handle"
	"github.com/vkngwrapper/cmdstream/registry"
	"golang.org/x/exp/slog"
)

// Context is a session on a device. Allocations created by a context can only be referenced by
// command lists of the same context, and a fatal error in one context does not affect the others.
type Context struct {
	logger *slog.Logger
	device *Device
	id     registry.ContextID

	reportOnce sync.Once
	lost       atomic.Bool
}

func (c *Context) ID() registry.ContextID { return c.id }
func (c *Context) Device() *Device        { return c.device }

// IsLost returns true once a fatal error has been reported for this context
func (c *Context) IsLost() bool { return c.lost.Load() }

// ReportFatal marks the context as lost and forwards the error to the device's ErrorSink. Only the
// first call has any effect.
func (c *Context) ReportFatal(err error) {
	c.reportOnce.Do(func() {
		c.lost.Store(true)
		c.logger.Error("context lost", slog.String("context", c.id.String()), slog.Any("error", err))

		if c.device.sink != nil {
			c.device.sink.ReportError(c.device.handle, cmdbuf.ResultFromError(err))
		}
	})
}

func (d *Device) reportLost(owner registry.ContextID, err error) {
	ctx, ok := d.context(owner)
	if !ok {
		return
	}

	ctx.ReportFatal(errors.Mark(err, cmdbuf.ErrDeviceRemoved))
}

// CreateResource creates a resident allocation of size bytes owned by this context
func (c *Context) CreateResource(size uint64) (cmdbuf.Resource, error) {
	c.logger.Debug("Context::CreateResource")

	info, err := c.device.registry.Create(c.id, size)
	if err != nil {
		return cmdbuf.Resource{}, err
	}

	return cmdbuf.Resource{Handle: info.Handle, Size: info.Size}, nil
}

func (c *Context) checkOwner(h handle.Handle) error {
	info, err := c.device.registry.Info(h)
	if err != nil {
		return err
	}

	if info.Owner != c.id {
		return errors.Wrapf(registry.ErrNotOwned, "%s is owned by %s", h, info.Owner)
	}

	return nil
}

// DestroyResource destroys an allocation created by this context. Command lists that still reference
// it will fail validation.
func (c *Context) DestroyResource(resource cmdbuf.Resource) error {
	c.logger.Debug("Context::DestroyResource")

	err := c.checkOwner(resource.Handle)
	if err != nil {
		return err
	}

	return c.device.registry.Destroy(resource.Handle)
}

// Evict makes an allocation non-resident. Submissions that reference it are rejected until
// MakeResident is called.
func (c *Context) Evict(resource cmdbuf.Resource) error {
	err := c.checkOwner(resource.Handle)
	if err != nil {
		return err
	}

	return c.device.registry.Evict(resource.Handle)
}

func (c *Context) MakeResident(resource cmdbuf.Resource) error {
	err := c.checkOwner(resource.Handle)
	if err != nil {
		return err
	}

	return c.device.registry.MakeResident(resource.Handle)
}

// WriteResource writes data into an allocation from the host
func (c *Context) WriteResource(resource cmdbuf.Resource, offset uint64, data []byte) error {
	err := c.checkOwner(resource.Handle)
	if err != nil {
		return err
	}

	return c.device.registry.Write(resource.Handle, offset, data)
}

// ReadResource reads length bytes of an allocation into host memory
func (c *Context) ReadResource(resource cmdbuf.Resource, offset, length uint64) ([]byte, error) {
	err := c.checkOwner(resource.Handle)
	if err != nil {
		return nil, err
	}

	return c.device.registry.Read(resource.Handle, offset, length)
}

// Destroy detaches the context from its device. Allocations it created are destroyed.
func (c *Context) Destroy() error {
	c.logger.Debug("Context::Destroy")

	c.device.removeContext(c.id)
	return c.device.registry.DestroyOwned(c.id)
}
