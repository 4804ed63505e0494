package gpucmd

import (
	"encoding/binary"
	"fmt"
)

// Dispatch describes a compute shader dispatch
type Dispatch struct {
	ThreadsPerGroup uint32
	GroupCount      [3]uint32
	ShaderHash      [ShaderHashSize]byte
	Bytecode        []byte
}

// RootArgument is a single entry of a RootArgumentSet record. Value is only written for
// RootArgumentConstant entries; address entries are written as zero placeholders.
type RootArgument struct {
	Kind  RootArgumentKind
	Slot  uint32
	Value uint64
}

func putRecordHeader(b []byte, id CommandID, size int) {
	if len(b) < size {
		panic(fmt.Sprintf("attempted to write a %s record of size %d into %d bytes", id, size, len(b)))
	}

	binary.LittleEndian.PutUint32(b[0:], uint32(id))
	binary.LittleEndian.PutUint32(b[4:], uint32(size))
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// WriteHeader writes the Header record that begins every command buffer
func WriteHeader(b []byte, flags HeaderFlags) {
	putRecordHeader(b, CommandHeader, HeaderCommandSize)
	binary.LittleEndian.PutUint32(b[HeaderFlagsOffset:], uint32(flags))
	binary.LittleEndian.PutUint32(b[HeaderFlagsOffset+4:], 0)
}

// SetHeaderFlags replaces the flags of a Header record written by WriteHeader
func SetHeaderFlags(b []byte, flags HeaderFlags) {
	binary.LittleEndian.PutUint32(b[HeaderFlagsOffset:], uint32(flags))
}

// ReadHeaderFlags reads the flags of the Header record at the start of b
func ReadHeaderFlags(b []byte) HeaderFlags {
	return HeaderFlags(binary.LittleEndian.Uint32(b[HeaderFlagsOffset:]))
}

// WriteResourceCopy writes a ResourceCopy record of sizeBytes with zero address placeholders
func WriteResourceCopy(b []byte, sizeBytes uint64) {
	putRecordHeader(b, CommandResourceCopy, ResourceCopySize)
	binary.LittleEndian.PutUint64(b[ResourceCopyDstOffset:], 0)
	binary.LittleEndian.PutUint64(b[ResourceCopySrcOffset:], 0)
	binary.LittleEndian.PutUint64(b[ResourceCopySizeOffset:], sizeBytes)
}

// WriteDispatch writes a ComputeDispatch record followed by the shader bytecode
func WriteDispatch(b []byte, dispatch *Dispatch) {
	size := DispatchSize(len(dispatch.Bytecode))
	putRecordHeader(b, CommandComputeDispatch, size)

	binary.LittleEndian.PutUint32(b[DispatchThreadsPerGroupOffset:], dispatch.ThreadsPerGroup)
	for i, count := range dispatch.GroupCount {
		binary.LittleEndian.PutUint32(b[DispatchGroupCountOffset+4*i:], count)
	}
	copy(b[DispatchShaderHashOffset:DispatchShaderHashOffset+ShaderHashSize], dispatch.ShaderHash[:])
	binary.LittleEndian.PutUint32(b[DispatchBytecodeLengthOffset:], uint32(len(dispatch.Bytecode)))
	binary.LittleEndian.PutUint32(b[DispatchBytecodeLengthOffset+4:], 0)

	n := copy(b[DispatchFixedSize:size], dispatch.Bytecode)
	zero(b[DispatchFixedSize+n : size])
}

// WriteRootArgumentSet writes a RootArgumentSet record and returns the offsets, relative to the start
// of the record, of every address placeholder it wrote
func WriteRootArgumentSet(b []byte, args []RootArgument) []int {
	size := RootArgumentSetSize(len(args))
	putRecordHeader(b, CommandRootArgumentSet, size)
	binary.LittleEndian.PutUint32(b[RootArgumentCountOffset:], uint32(len(args)))
	binary.LittleEndian.PutUint32(b[RootArgumentCountOffset+4:], 0)

	var addressOffsets []int
	for i, arg := range args {
		entry := b[RootArgumentSetFixedSize+i*RootArgumentEntrySize:]
		binary.LittleEndian.PutUint32(entry[RootArgumentEntryKindOffset:], uint32(arg.Kind))
		binary.LittleEndian.PutUint32(entry[RootArgumentEntrySlotOffset:], arg.Slot)

		value := arg.Value
		if arg.Kind.IsAddress() {
			value = 0
			addressOffsets = append(addressOffsets, RootArgumentSetFixedSize+i*RootArgumentEntrySize+RootArgumentEntryValueOffset)
		}
		binary.LittleEndian.PutUint64(entry[RootArgumentEntryValueOffset:], value)
	}

	return addressOffsets
}

// WriteConstantBufferUpdate writes a ConstantBufferUpdate record carrying data, with a zero
// destination placeholder
func WriteConstantBufferUpdate(b []byte, data []byte) {
	size := ConstantBufferUpdateSize(len(data))
	putRecordHeader(b, CommandConstantBufferUpdate, size)
	binary.LittleEndian.PutUint64(b[ConstantBufferUpdateDstOffset:], 0)
	binary.LittleEndian.PutUint32(b[ConstantBufferUpdateLengthOffset:], uint32(len(data)))
	binary.LittleEndian.PutUint32(b[ConstantBufferUpdateLengthOffset+4:], 0)

	n := copy(b[ConstantBufferUpdateFixedSize:size], data)
	zero(b[ConstantBufferUpdateFixedSize+n : size])
}

// PutAddress overwrites the address field at offset
func PutAddress(b []byte, offset int, address uint64) {
	binary.LittleEndian.PutUint64(b[offset:offset+AddressSize], address)
}

// ReadAddress reads the address field at offset
func ReadAddress(b []byte, offset int) uint64 {
	return binary.LittleEndian.Uint64(b[offset : offset+AddressSize])
}
