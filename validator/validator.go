// Package validator is the trusted boundary of the command pipeline. It copies a submitted command
// buffer and its patch location list out of producer memory, verifies every patch location and the
// allocation it references, and only then writes real GPU addresses into the copy.
package validator

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/cmdstream/cmdbuf"
	"github.com/vkngwrapper/cmdstream/gpucmd"
	"github.com/vkngwrapper/cmdstream/handle"
	"github.com/vkngwrapper/cmdstream/memutils"
	"github.com/vkngwrapper/cmdstream/registry"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"
)

// AllocationRegistry resolves the allocations referenced by a submission
//
//go:generate mockgen -source validator.go -destination ./mocks/validator.go -package mock_validator
type AllocationRegistry interface {
	Lookup(owner registry.ContextID, h handle.Handle) (registry.AllocationInfo, error)
}

// RenderArgs describes a single submission. Commands, AllocationList and PatchLocationsIn are producer
// memory and are never written. DmaBuffer and PatchLocationsOut are trusted memory owned by the caller.
type RenderArgs struct {
	Owner registry.ContextID

	Commands      []byte
	CommandLength int

	AllocationList   []cmdbuf.AllocationListEntry
	PatchLocationsIn []cmdbuf.PatchLocation

	// PatchLocationsOut receives the trusted copy of the patch location list. It must be at least as
	// long as PatchLocationsIn.
	PatchLocationsOut []cmdbuf.PatchLocation

	// DmaBuffer receives the trusted copy of the command bytes, which is then patched
	DmaBuffer            []byte
	DmaBufferBaseAddress uint64
}

// DmaBufferInfo describes a command buffer that passed validation and has been patched
type DmaBufferInfo struct {
	Flags DmaBufferFlags
	// Data is the patched, trusted copy of the command bytes
	Data        []byte
	Size        int
	BaseAddress uint64
	// PatchLocations is the trusted copy of the patch location list
	PatchLocations []cmdbuf.PatchLocation
	// Allocations holds the resolved allocation for every allocation list entry referenced by a patch
	// location, keyed by allocation list index
	Allocations map[uint32]registry.AllocationInfo
}

// Validator verifies and patches submitted command buffers. A Validator holds no per-submission state
// and may be used from several goroutines at once.
type Validator struct {
	logger   *slog.Logger
	registry AllocationRegistry
}

func New(logger *slog.Logger, allocations AllocationRegistry) *Validator {
	return &Validator{
		logger:   logger,
		registry: allocations,
	}
}

// Render validates a submission and returns the patched trusted copy of its command bytes. On failure
// nothing is returned and the producer's memory has not been touched; the error matches
// cmdbuf.ErrInvalidCommandBuffer or cmdbuf.ErrInvalidParameter.
func (v *Validator) Render(ctx context.Context, args RenderArgs) (info *DmaBufferInfo, res common.VkResult, err error) {
	v.logger.Debug("Validator::Render")

	defer func() {
		if r := recover(); r != nil {
			info = nil
			err = errors.Wrapf(cmdbuf.ErrInvalidParameter, "fault while validating submission: %v", r)
			res = cmdbuf.ResultFromError(err)
		}

		if err != nil {
			v.logger.Warn("submission rejected", slog.Any("error", err))
		}
	}()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, core1_0.VKErrorUnknown, ctxErr
	}

	info, err = v.render(args)
	return info, cmdbuf.ResultFromError(err), err
}

func (v *Validator) render(args RenderArgs) (*DmaBufferInfo, error) {
	data, flags, err := v.copyCommands(args)
	if err != nil {
		return nil, err
	}

	patches, err := v.copyPatchLocations(args)
	if err != nil {
		return nil, err
	}

	fields, err := v.addressFields(data)
	if err != nil {
		return nil, err
	}

	allocations, err := v.checkPatchLocations(args, data, patches, fields)
	if err != nil {
		return nil, err
	}

	// Every patch location has been checked, so nothing below can fail
	for _, patch := range patches {
		base := allocations[patch.AllocationIndex].BaseAddress
		gpucmd.PutAddress(data, int(patch.PatchOffset), base+patch.AllocationOffset)
	}

	return &DmaBufferInfo{
		Flags:          flags,
		Data:           data,
		Size:           len(data),
		BaseAddress:    args.DmaBufferBaseAddress,
		PatchLocations: patches,
		Allocations:    allocations,
	}, nil
}

// copyCommands copies the command bytes into the trusted buffer and checks the header
func (v *Validator) copyCommands(args RenderArgs) ([]byte, DmaBufferFlags, error) {
	if args.CommandLength <= 0 {
		return nil, 0, errors.Wrapf(cmdbuf.ErrInvalidCommandBuffer, "command length %d", args.CommandLength)
	}

	err := memutils.CheckedCopy(args.DmaBuffer, 0, args.Commands, 0, args.CommandLength)
	if err != nil {
		return nil, 0, errors.Wrapf(cmdbuf.ErrInvalidParameter, "copying %d command bytes: %v", args.CommandLength, err)
	}
	data := args.DmaBuffer[:args.CommandLength]

	header, err := gpucmd.ReadRecord(data, 0)
	if err != nil {
		return nil, 0, errors.Wrapf(cmdbuf.ErrInvalidCommandBuffer, "header: %v", err)
	}
	if header.ID != gpucmd.CommandHeader || header.Size() != gpucmd.HeaderCommandSize {
		return nil, 0, errors.Wrapf(cmdbuf.ErrInvalidCommandBuffer, "buffer begins with %s of size %d", header.ID, header.Size())
	}
	if len(data) == gpucmd.HeaderCommandSize {
		return nil, 0, errors.Wrap(cmdbuf.ErrInvalidCommandBuffer, "buffer holds no commands beyond its header")
	}

	flags := DmaBufferRender
	if gpucmd.ReadHeaderFlags(data)&gpucmd.HeaderFlagSoftware != 0 {
		flags |= DmaBufferSoftwareCommandBuffer
	}

	return data, flags, nil
}

// copyPatchLocations copies the producer's patch location list into the trusted list
func (v *Validator) copyPatchLocations(args RenderArgs) ([]cmdbuf.PatchLocation, error) {
	if len(args.PatchLocationsOut) < len(args.PatchLocationsIn) {
		return nil, errors.Wrapf(cmdbuf.ErrInvalidParameter, "patch location list of %d entries does not fit in %d trusted entries",
			len(args.PatchLocationsIn), len(args.PatchLocationsOut))
	}

	n := copy(args.PatchLocationsOut, args.PatchLocationsIn)
	return args.PatchLocationsOut[:n], nil
}

// addressFields walks the commands and returns the extent of every address field, keyed by offset
func (v *Validator) addressFields(data []byte) (*swiss.Map[uint32, uint64], error) {
	fields := swiss.NewMap[uint32, uint64](16)

	err := gpucmd.Walk(data, func(record gpucmd.Record) error {
		if record.ID == gpucmd.CommandHeader && record.Offset != 0 {
			return errors.Newf("header record at offset %d", record.Offset)
		}

		recordFields, err := gpucmd.AddressFields(record)
		if err != nil {
			return err
		}

		for _, field := range recordFields {
			fields.Put(uint32(field.Offset), field.Extent)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "walking commands"), cmdbuf.ErrInvalidCommandBuffer)
	}

	return fields, nil
}

// checkPatchLocations verifies that patches and the address fields in data correspond one to one, and
// that every referenced allocation is owned by the submitter, resident, and large enough. The registry
// is consulted once per distinct allocation.
func (v *Validator) checkPatchLocations(args RenderArgs, data []byte, patches []cmdbuf.PatchLocation, fields *swiss.Map[uint32, uint64]) (map[uint32]registry.AllocationInfo, error) {
	resolved := swiss.NewMap[handle.Handle, registry.AllocationInfo](uint32(len(args.AllocationList)) + 1)
	allocations := make(map[uint32]registry.AllocationInfo, len(args.AllocationList))

	for i, patch := range patches {
		if int(patch.AllocationIndex) >= len(args.AllocationList) {
			return nil, errors.Wrapf(cmdbuf.ErrInvalidParameter, "patch location %d references allocation %d of %d",
				i, patch.AllocationIndex, len(args.AllocationList))
		}

		if uint64(patch.PatchOffset)+gpucmd.AddressSize > uint64(len(data)) {
			return nil, errors.Wrapf(cmdbuf.ErrInvalidParameter, "patch location %d at offset %d is beyond the %d command bytes",
				i, patch.PatchOffset, len(data))
		}

		extent, ok := fields.Get(patch.PatchOffset)
		if !ok {
			return nil, errors.Wrapf(cmdbuf.ErrInvalidParameter, "patch location %d at offset %d does not target an unpatched address field",
				i, patch.PatchOffset)
		}
		fields.Delete(patch.PatchOffset)

		h := args.AllocationList[patch.AllocationIndex].Handle
		info, ok := resolved.Get(h)
		if !ok {
			var err error
			info, err = v.registry.Lookup(args.Owner, h)
			if err != nil {
				return nil, errors.Mark(errors.Wrapf(err, "patch location %d", i), cmdbuf.ErrInvalidParameter)
			}
			resolved.Put(h, info)
		}

		// Fields without a declared extent must still point inside the allocation
		if extent == 0 {
			extent = 1
		}
		err := memutils.CheckRange(patch.AllocationOffset, extent, info.Size)
		if err != nil {
			return nil, errors.Wrapf(cmdbuf.ErrInvalidParameter, "patch location %d accesses allocation %s out of bounds: %v", i, h, err)
		}

		allocations[patch.AllocationIndex] = info
	}

	if fields.Count() > 0 {
		var missing uint32
		fields.Iter(func(offset uint32, _ uint64) bool {
			missing = offset
			return true
		})
		return nil, errors.Wrapf(cmdbuf.ErrInvalidParameter, "%d address fields have no patch location, including offset %d", fields.Count(), missing)
	}

	return allocations, nil
}

func (i *DmaBufferInfo) String() string {
	return fmt.Sprintf("DmaBufferInfo(%s, %d bytes, %d patches)", i.Flags, i.Size, len(i.PatchLocations))
}
