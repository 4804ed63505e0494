package cmdbuf

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/cmdstream/gpucmd"
	"github.com/vkngwrapper/cmdstream/handle"
	"github.com/vkngwrapper/cmdstream/memutils"
	"golang.org/x/exp/slog"
)

// Resource is the producer's view of a GPU allocation: an opaque handle plus the size it was created with
type Resource struct {
	Handle handle.Handle
	Size   uint64
}

// ResourceReference is an address-valued operand: a resource plus a byte offset into it
type ResourceReference struct {
	Handle handle.Handle
	Offset uint64
	// Write is set when the command writes through the address
	Write bool
}

// RootBinding is a single root argument applied by a dispatch. Constant is used for
// RootArgumentConstant bindings and Resource for view and descriptor table bindings.
type RootBinding struct {
	Kind     gpucmd.RootArgumentKind
	Slot     uint32
	Constant uint32
	Resource ResourceReference
}

// EncodeResult describes a successfully encoded operation
type EncodeResult struct {
	// Offset is the offset within the command buffer of the first record written
	Offset int
	// PatchesEmitted is the number of patch locations appended for the operation
	PatchesEmitted int
}

type addressOperand struct {
	offset    int
	reference ResourceReference
}

// Encoder translates logical operations into records in a CommandBuffer. An operation is either
// written in full, with one allocation list entry and one patch location for every address it embeds,
// or not at all.
type Encoder struct {
	logger *slog.Logger
}

func NewEncoder(logger *slog.Logger) *Encoder {
	return &Encoder{logger: logger}
}

// check verifies that buffer can hold size bytes of kind commands referencing operands, without
// changing the buffer
func (e *Encoder) check(buffer *CommandBuffer, kind BufferKind, size int, operands []addressOperand) error {
	if buffer.State() != BufferRecording {
		panic(fmt.Sprintf("attempted to encode into %s", buffer))
	}

	if buffer.kind != BufferKindUndetermined && buffer.kind != kind {
		return errors.Wrapf(ErrInsufficientSpace, "%s holds %s commands, cannot encode %s commands", buffer, buffer.kind, kind)
	}

	if size > buffer.RemainingBytes() {
		return errors.Wrapf(ErrInsufficientSpace, "%s has %d bytes remaining, operation requires %d", buffer, buffer.RemainingBytes(), size)
	}

	handles := make([]handle.Handle, 0, len(operands))
	for _, operand := range operands {
		handles = append(handles, operand.reference.Handle)
	}
	slots := buffer.allocations.slotsRequired(handles)
	if slots > buffer.allocations.Remaining() {
		return errors.Wrapf(ErrInsufficientSpace, "%s has %d allocation list slots remaining, operation requires %d", buffer, buffer.allocations.Remaining(), slots)
	}

	if len(operands) > buffer.patches.Remaining() {
		return errors.Wrapf(ErrInsufficientSpace, "%s has %d patch location slots remaining, operation requires %d", buffer, buffer.patches.Remaining(), len(operands))
	}

	return nil
}

// emit records an allocation list entry and a patch location for every address operand. Offsets in
// operands are relative to the start of the buffer.
func (e *Encoder) emit(buffer *CommandBuffer, operands []addressOperand) (int, error) {
	for _, operand := range operands {
		index, err := buffer.allocations.use(operand.reference.Handle, operand.reference.Write)
		if err != nil {
			return 0, err
		}

		err = buffer.patches.append(PatchLocation{
			AllocationIndex:  index,
			PatchOffset:      uint32(operand.offset),
			AllocationOffset: operand.reference.Offset,
		})
		if err != nil {
			return 0, err
		}
	}

	return len(operands), nil
}

func (e *Encoder) encode(buffer *CommandBuffer, kind BufferKind, size int, operands []addressOperand, write func(record []byte)) (EncodeResult, error) {
	err := e.check(buffer, kind, size, operands)
	if err != nil {
		return EncodeResult{}, err
	}

	buffer.setKind(kind)
	record, offset := buffer.reserve(size)
	for i := range operands {
		operands[i].offset += offset
	}

	patches, err := e.emit(buffer, operands)
	if err != nil {
		// check reserved every slot emit consumes
		panic(fmt.Sprintf("failed to emit patches into %s after reserving space: %+v", buffer, err))
	}

	write(record)
	memutils.DebugValidate(buffer)

	return EncodeResult{Offset: offset, PatchesEmitted: patches}, nil
}

// EncodeResourceCopy writes a ResourceCopy record moving size bytes from src to dst
func (e *Encoder) EncodeResourceCopy(buffer *CommandBuffer, dst, src ResourceReference, size uint64) (EncodeResult, error) {
	e.logger.Debug("Encoder::EncodeResourceCopy")

	dst.Write = true
	src.Write = false
	operands := []addressOperand{
		{offset: gpucmd.ResourceCopyDstOffset, reference: dst},
		{offset: gpucmd.ResourceCopySrcOffset, reference: src},
	}

	return e.encode(buffer, BufferKindSoftware, gpucmd.ResourceCopySize, operands, func(record []byte) {
		gpucmd.WriteResourceCopy(record, size)
	})
}

// EncodeConstantBufferUpdate writes a ConstantBufferUpdate record replacing len(data) bytes of dst
// at offset. Ranges that do not lie within dst are rejected with ErrInvalidParameter.
func (e *Encoder) EncodeConstantBufferUpdate(buffer *CommandBuffer, dst Resource, offset uint64, data []byte) (EncodeResult, error) {
	e.logger.Debug("Encoder::EncodeConstantBufferUpdate")

	err := memutils.CheckRange(offset, uint64(len(data)), dst.Size)
	if err != nil {
		return EncodeResult{}, errors.Wrapf(ErrInvalidParameter, "constant buffer update of %s: %v", dst.Handle, err)
	}

	operands := []addressOperand{
		{offset: gpucmd.ConstantBufferUpdateDstOffset, reference: ResourceReference{Handle: dst.Handle, Offset: offset, Write: true}},
	}

	return e.encode(buffer, BufferKindSoftware, gpucmd.ConstantBufferUpdateSize(len(data)), operands, func(record []byte) {
		gpucmd.WriteConstantBufferUpdate(record, data)
	})
}

// EncodeDispatch writes a RootArgumentSet record carrying bindings, immediately followed by a
// ComputeDispatch record, within a single reservation. The RootArgumentSet record is omitted when
// there are no bindings.
func (e *Encoder) EncodeDispatch(buffer *CommandBuffer, bindings []RootBinding, dispatch *gpucmd.Dispatch) (EncodeResult, error) {
	e.logger.Debug("Encoder::EncodeDispatch")

	rootSize := 0
	var operands []addressOperand
	args := make([]gpucmd.RootArgument, 0, len(bindings))
	if len(bindings) > 0 {
		rootSize = gpucmd.RootArgumentSetSize(len(bindings))

		for i, binding := range bindings {
			arg := gpucmd.RootArgument{Kind: binding.Kind, Slot: binding.Slot}
			switch {
			case binding.Kind == gpucmd.RootArgumentConstant:
				arg.Value = uint64(binding.Constant)
			case binding.Kind.IsAddress():
				operands = append(operands, addressOperand{
					offset:    gpucmd.RootArgumentSetFixedSize + i*gpucmd.RootArgumentEntrySize + gpucmd.RootArgumentEntryValueOffset,
					reference: binding.Resource,
				})
			default:
				return EncodeResult{}, errors.Wrapf(ErrInvalidParameter, "root binding for slot %d has unknown kind %s", binding.Slot, binding.Kind)
			}
			args = append(args, arg)
		}
	}

	size := rootSize + gpucmd.DispatchSize(len(dispatch.Bytecode))
	result, err := e.encode(buffer, BufferKindHardware, size, operands, func(record []byte) {
		if rootSize > 0 {
			gpucmd.WriteRootArgumentSet(record[:rootSize], args)
		}
		gpucmd.WriteDispatch(record[rootSize:], dispatch)
	})
	if err != nil {
		return result, err
	}

	// The root argument prefix and the dispatch are two records
	if rootSize > 0 {
		buffer.commandCount++
	}

	return result, nil
}
