// Package registry tracks the allocations known to the trusted side of the command pipeline: who owns
// each one, where it lives in the GPU address space, how large it is and whether it is resident.
package registry

import (
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/cmdstream/cmdbuf"
	"github.com/vkngwrapper/cmdstream/handle"
	"github.com/vkngwrapper/cmdstream/internal/utils"
	"github.com/vkngwrapper/cmdstream/memutils"
	"golang.org/x/exp/slog"
)

var (
	// ErrUnknownAllocation is returned for handles that do not refer to a live allocation
	ErrUnknownAllocation = errors.New("unknown allocation")
	// ErrNotOwned is returned when a context refers to an allocation owned by another context
	ErrNotOwned = errors.New("allocation is not owned by the submitting context")
	// ErrNotResident is returned when an allocation has been evicted
	ErrNotResident = errors.New("allocation is not resident")
	// ErrAddressNotMapped is returned when an address range does not lie within a single resident allocation
	ErrAddressNotMapped = errors.New("address range is not mapped")
)

// ContextID identifies the context that created an allocation
type ContextID uint64

func (c ContextID) String() string {
	return "context(" + strconv.FormatUint(uint64(c), 10) + ")"
}

// AllocationInfo is the trusted description of an allocation
type AllocationInfo struct {
	Handle      handle.Handle
	Owner       ContextID
	BaseAddress uint64
	Size        uint64
	Resident    bool
}

type allocation struct {
	info    AllocationInfo
	backing []byte
}

const (
	// DefaultBaseAddress is the GPU address of the first allocation when CreateOptions.BaseAddress is zero
	DefaultBaseAddress uint64 = 0x10000
	// DefaultAlignment is the alignment of allocation base addresses when CreateOptions.Alignment is zero
	DefaultAlignment uint = 0x10000
	// DefaultMaxAllocationSize is the largest allocation accepted when CreateOptions.MaxAllocationSize is zero
	DefaultMaxAllocationSize uint64 = 1 << 30
)

type CreateOptions struct {
	// BaseAddress is the GPU address at which the first allocation is placed
	BaseAddress uint64
	// Alignment is the alignment of every allocation's base address. It must be a power of two.
	Alignment uint
	// MaxAllocationSize is the largest allocation Create accepts. Larger requests fail with an error
	// marked cmdbuf.ErrOutOfMemory.
	MaxAllocationSize uint64
	// ExternallySynchronized may be set when the registry is only used from one goroutine at a time
	ExternallySynchronized bool
}

// Registry hands out allocations backed by host memory. Allocations are placed at increasing,
// aligned GPU addresses that are never reused.
type Registry struct {
	logger *slog.Logger

	mutex       utils.OptionalRWMutex
	table       *handle.Table[*allocation]
	byAddress   []*allocation
	nextAddress uint64
	alignment   uint
	maxSize     uint64
}

func New(logger *slog.Logger, options CreateOptions) (*Registry, error) {
	alignment := options.Alignment
	if alignment == 0 {
		alignment = DefaultAlignment
	}
	err := memutils.CheckPow2(alignment, "alignment")
	if err != nil {
		return nil, err
	}

	base := options.BaseAddress
	if base == 0 {
		base = DefaultBaseAddress
	}
	nextAddress, ok := memutils.AlignUp(base, alignment)
	if !ok {
		return nil, errors.Newf("base address 0x%x cannot be aligned to 0x%x", base, alignment)
	}

	maxSize := options.MaxAllocationSize
	if maxSize == 0 {
		maxSize = DefaultMaxAllocationSize
	}

	return &Registry{
		logger:      logger,
		table:       handle.NewTable[*allocation](64),
		nextAddress: nextAddress,
		alignment:   alignment,
		maxSize:     maxSize,
		mutex: utils.OptionalRWMutex{
			UseMutex: !options.ExternallySynchronized,
			Mutex:    sync.RWMutex{},
		},
	}, nil
}

// Create allocates size bytes for owner. The allocation is resident and zeroed.
func (r *Registry) Create(owner ContextID, size uint64) (AllocationInfo, error) {
	r.logger.Debug("Registry::Create")

	if size == 0 {
		return AllocationInfo{}, errors.New("attempted to create an allocation of size 0")
	}
	if size > r.maxSize {
		return AllocationInfo{}, errors.Mark(
			errors.Newf("allocation of %d bytes exceeds the maximum of %d", size, r.maxSize),
			cmdbuf.ErrOutOfMemory)
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	base := r.nextAddress
	end := base + size
	next, ok := memutils.AlignUp(end, r.alignment)
	if end < base || !ok {
		return AllocationInfo{}, errors.Mark(
			errors.Newf("allocation of %d bytes does not fit in the address space", size),
			cmdbuf.ErrOutOfMemory)
	}

	alloc := &allocation{
		info: AllocationInfo{
			Owner:       owner,
			BaseAddress: base,
			Size:        size,
			Resident:    true,
		},
		backing: make([]byte, size),
	}
	alloc.info.Handle = r.table.Insert(alloc)
	r.byAddress = append(r.byAddress, alloc)
	r.nextAddress = next

	r.logger.Debug("created allocation",
		slog.String("handle", alloc.info.Handle.String()),
		slog.String("owner", owner.String()),
		slog.Int("size", int(size)))

	return alloc.info, nil
}

func (r *Registry) get(h handle.Handle) (*allocation, error) {
	alloc, err := r.table.Get(h)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "allocation %s", h), ErrUnknownAllocation)
	}
	return alloc, nil
}

// Destroy releases an allocation. Handles to it are stale afterwards.
func (r *Registry) Destroy(h handle.Handle) error {
	r.logger.Debug("Registry::Destroy")

	r.mutex.Lock()
	defer r.mutex.Unlock()

	return r.destroy(h)
}

func (r *Registry) destroy(h handle.Handle) error {
	alloc, err := r.table.Remove(h)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "allocation %s", h), ErrUnknownAllocation)
	}

	index := r.addressIndex(alloc.info.BaseAddress)
	if index >= len(r.byAddress) || r.byAddress[index] != alloc {
		panic(fmt.Sprintf("allocation %s is missing from the address map", h))
	}
	r.byAddress = append(r.byAddress[:index], r.byAddress[index+1:]...)

	return nil
}

// DestroyOwned releases every allocation created by owner
func (r *Registry) DestroyOwned(owner ContextID) error {
	r.logger.Debug("Registry::DestroyOwned")

	r.mutex.Lock()
	defer r.mutex.Unlock()

	var owned []handle.Handle
	for _, alloc := range r.byAddress {
		if alloc.info.Owner == owner {
			owned = append(owned, alloc.info.Handle)
		}
	}

	var err error
	for _, h := range owned {
		err = errors.CombineErrors(err, r.destroy(h))
	}
	return err
}

func (r *Registry) setResident(h handle.Handle, resident bool) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	alloc, err := r.get(h)
	if err != nil {
		return err
	}
	alloc.info.Resident = resident
	return nil
}

// MakeResident marks an allocation as resident
func (r *Registry) MakeResident(h handle.Handle) error {
	r.logger.Debug("Registry::MakeResident")
	return r.setResident(h, true)
}

// Evict marks an allocation as not resident. Command buffers that reference it are rejected until it
// is made resident again.
func (r *Registry) Evict(h handle.Handle) error {
	r.logger.Debug("Registry::Evict")
	return r.setResident(h, false)
}

// Info returns the description of an allocation regardless of owner or residency
func (r *Registry) Info(h handle.Handle) (AllocationInfo, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	alloc, err := r.get(h)
	if err != nil {
		return AllocationInfo{}, err
	}
	return alloc.info, nil
}

// Lookup returns the description of an allocation that owner may reference in a submission. Unknown
// and stale handles, allocations owned by another context, and evicted allocations are errors.
func (r *Registry) Lookup(owner ContextID, h handle.Handle) (AllocationInfo, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	alloc, err := r.get(h)
	if err != nil {
		return AllocationInfo{}, err
	}
	if alloc.info.Owner != owner {
		return AllocationInfo{}, errors.Wrapf(ErrNotOwned, "allocation %s is owned by %s, not %s", h, alloc.info.Owner, owner)
	}
	if !alloc.info.Resident {
		return AllocationInfo{}, errors.Wrapf(ErrNotResident, "allocation %s", h)
	}

	return alloc.info, nil
}

// addressIndex returns the index of the first allocation whose base address is at or above address
func (r *Registry) addressIndex(address uint64) int {
	return sort.Search(len(r.byAddress), func(i int) bool {
		return r.byAddress[i].info.BaseAddress >= address
	})
}

// resolve returns the backing memory of the GPU address range [address, address+length). The range
// must lie within a single resident allocation. The caller holds the mutex for as long as it uses the
// returned slice.
func (r *Registry) resolve(address uint64, length uint64) ([]byte, error) {
	index := r.addressIndex(address + 1)
	if index == 0 {
		return nil, errors.Wrapf(ErrAddressNotMapped, "address 0x%x", address)
	}

	alloc := r.byAddress[index-1]
	offset := address - alloc.info.BaseAddress
	err := memutils.CheckRange(offset, length, alloc.info.Size)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "address 0x%x length %d in allocation %s", address, length, alloc.info.Handle), ErrAddressNotMapped)
	}
	if !alloc.info.Resident {
		return nil, errors.Wrapf(ErrNotResident, "allocation %s at address 0x%x", alloc.info.Handle, address)
	}

	return alloc.backing[offset : offset+length], nil
}

// CopyAddress copies length bytes from the GPU address src to the GPU address dst. Each range must lie
// within a single resident allocation. The ranges may overlap.
func (r *Registry) CopyAddress(dst, src uint64, length uint64) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	dstMemory, err := r.resolve(dst, length)
	if err != nil {
		return errors.Wrap(err, "copy destination")
	}
	srcMemory, err := r.resolve(src, length)
	if err != nil {
		return errors.Wrap(err, "copy source")
	}

	copy(dstMemory, srcMemory)
	return nil
}

// WriteAddress copies data to the GPU address dst, which must lie within a single resident allocation
func (r *Registry) WriteAddress(dst uint64, data []byte) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	dstMemory, err := r.resolve(dst, uint64(len(data)))
	if err != nil {
		return err
	}

	copy(dstMemory, data)
	return nil
}

// ReadAddress returns a copy of length bytes at the GPU address src
func (r *Registry) ReadAddress(src uint64, length uint64) ([]byte, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	srcMemory, err := r.resolve(src, length)
	if err != nil {
		return nil, err
	}

	out := make([]byte, length)
	copy(out, srcMemory)
	return out, nil
}

// Write copies data into an allocation at offset
func (r *Registry) Write(h handle.Handle, offset uint64, data []byte) error {
	r.logger.Debug("Registry::Write")

	r.mutex.Lock()
	defer r.mutex.Unlock()

	alloc, err := r.get(h)
	if err != nil {
		return err
	}

	err = memutils.CheckRange(offset, uint64(len(data)), alloc.info.Size)
	if err != nil {
		return errors.Wrapf(err, "write to allocation %s", h)
	}

	copy(alloc.backing[offset:], data)
	return nil
}

// Read returns a copy of length bytes of an allocation at offset
func (r *Registry) Read(h handle.Handle, offset uint64, length uint64) ([]byte, error) {
	r.logger.Debug("Registry::Read")

	r.mutex.RLock()
	defer r.mutex.RUnlock()

	alloc, err := r.get(h)
	if err != nil {
		return nil, err
	}

	err = memutils.CheckRange(offset, length, alloc.info.Size)
	if err != nil {
		return nil, errors.Wrapf(err, "read from allocation %s", h)
	}

	out := make([]byte, length)
	copy(out, alloc.backing[offset:offset+length])
	return out, nil
}

// Count returns the number of live allocations
func (r *Registry) Count() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return r.table.Len()
}

func (r *Registry) Validate() error {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	if len(r.byAddress) != r.table.Len() {
		return errors.Newf("address map holds %d allocations but the handle table holds %d", len(r.byAddress), r.table.Len())
	}

	var previousEnd uint64
	for _, alloc := range r.byAddress {
		if alloc.info.BaseAddress < previousEnd {
			return errors.Newf("allocation %s at 0x%x overlaps the previous allocation ending at 0x%x", alloc.info.Handle, alloc.info.BaseAddress, previousEnd)
		}
		if alloc.info.BaseAddress%uint64(r.alignment) != 0 {
			return errors.Newf("allocation %s at 0x%x is not aligned to 0x%x", alloc.info.Handle, alloc.info.BaseAddress, r.alignment)
		}
		if uint64(len(alloc.backing)) != alloc.info.Size {
			return errors.Newf("allocation %s has size %d but %d bytes of backing memory", alloc.info.Handle, alloc.info.Size, len(alloc.backing))
		}
		previousEnd = alloc.info.BaseAddress + alloc.info.Size
	}

	return r.table.Visit(func(h handle.Handle, alloc *allocation) error {
		if alloc.info.Handle != h {
			return errors.Newf("allocation stored at %s believes its handle is %s", h, alloc.info.Handle)
		}
		return nil
	})
}

// PrintDetailedMap writes every allocation, in address order
func (r *Registry) PrintDetailedMap(writer *jwriter.Writer) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	arr := writer.Array()
	defer arr.End()

	for _, alloc := range r.byAddress {
		obj := arr.Object()
		obj.Name("Handle").String(alloc.info.Handle.String())
		obj.Name("Owner").String(alloc.info.Owner.String())
		obj.Name("BaseAddress").String("0x" + strconv.FormatUint(alloc.info.BaseAddress, 16))
		obj.Name("Size").Float64(float64(alloc.info.Size))
		obj.Name("Resident").Bool(alloc.info.Resident)
		obj.End()
	}
}
