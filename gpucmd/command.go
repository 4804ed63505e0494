// Package gpucmd defines the binary layout of a command buffer: a flat sequence of little-endian,
// 8-byte aligned records, each beginning with a {tag, size} header so that a reader can skip any
// record it does not understand. It also describes, for every known record, which fields hold GPU
// addresses that must be patched before the buffer executes.
package gpucmd

import "fmt"

// CommandID is the tag that begins every record
type CommandID uint32

const (
	CommandHeader CommandID = iota + 1
	CommandResourceCopy
	CommandComputeDispatch
	CommandRootArgumentSet
	CommandConstantBufferUpdate
)

var commandIDMapping = make(map[CommandID]string)

func (c CommandID) String() string {
	str, ok := commandIDMapping[c]
	if !ok {
		return fmt.Sprintf("CommandID(%d)", uint32(c))
	}
	return str
}

func init() {
	commandIDMapping[CommandHeader] = "CommandHeader"
	commandIDMapping[CommandResourceCopy] = "CommandResourceCopy"
	commandIDMapping[CommandComputeDispatch] = "CommandComputeDispatch"
	commandIDMapping[CommandRootArgumentSet] = "CommandRootArgumentSet"
	commandIDMapping[CommandConstantBufferUpdate] = "CommandConstantBufferUpdate"
}

const (
	// RecordAlignment is the alignment of every record's offset and size
	RecordAlignment = 8
	// RecordHeaderSize is the size of the {tag, size} pair at the start of every record
	RecordHeaderSize = 8
	// AddressSize is the size of a GPU address field
	AddressSize = 8
	// ShaderHashSize is the size of the shader hash carried by a dispatch
	ShaderHashSize = 16
)

// Record sizes and field offsets, relative to the start of the record
const (
	HeaderCommandSize = 16
	HeaderFlagsOffset = 8

	ResourceCopySize       = 32
	ResourceCopyDstOffset  = 8
	ResourceCopySrcOffset  = 16
	ResourceCopySizeOffset = 24

	DispatchFixedSize             = 48
	DispatchThreadsPerGroupOffset = 8
	DispatchGroupCountOffset      = 12
	DispatchShaderHashOffset      = 24
	DispatchBytecodeLengthOffset  = 40

	RootArgumentSetFixedSize     = 16
	RootArgumentCountOffset      = 8
	RootArgumentEntrySize        = 16
	RootArgumentEntryKindOffset  = 0
	RootArgumentEntrySlotOffset  = 4
	RootArgumentEntryValueOffset = 8

	ConstantBufferUpdateFixedSize    = 24
	ConstantBufferUpdateDstOffset    = 8
	ConstantBufferUpdateLengthOffset = 16
)

// HeaderFlags are carried by the Header record that begins every command buffer
type HeaderFlags uint32

const (
	// HeaderFlagSoftware marks a buffer whose commands are emulated rather than executed by hardware
	HeaderFlagSoftware HeaderFlags = 1 << iota
)

// RootArgumentKind identifies how a RootArgumentSet entry's value is interpreted
type RootArgumentKind uint32

const (
	// RootArgumentConstant carries a 32-bit constant in the low bits of the value
	RootArgumentConstant RootArgumentKind = iota + 1
	// RootArgumentView carries the GPU address of a buffer view
	RootArgumentView
	// RootArgumentDescriptorTable carries the GPU address of the first descriptor of a table
	RootArgumentDescriptorTable
)

var rootArgumentKindMapping = make(map[RootArgumentKind]string)

func (k RootArgumentKind) String() string {
	str, ok := rootArgumentKindMapping[k]
	if !ok {
		return fmt.Sprintf("RootArgumentKind(%d)", uint32(k))
	}
	return str
}

// IsAddress reports whether entries of this kind hold a GPU address
func (k RootArgumentKind) IsAddress() bool {
	return k == RootArgumentView || k == RootArgumentDescriptorTable
}

func init() {
	rootArgumentKindMapping[RootArgumentConstant] = "RootArgumentConstant"
	rootArgumentKindMapping[RootArgumentView] = "RootArgumentView"
	rootArgumentKindMapping[RootArgumentDescriptorTable] = "RootArgumentDescriptorTable"
}

func alignRecord(size int) int {
	return (size + RecordAlignment - 1) &^ (RecordAlignment - 1)
}

// DispatchSize is the size of a ComputeDispatch record carrying bytecodeLength bytes of shader bytecode
func DispatchSize(bytecodeLength int) int {
	return DispatchFixedSize + alignRecord(bytecodeLength)
}

// RootArgumentSetSize is the size of a RootArgumentSet record with argumentCount entries
func RootArgumentSetSize(argumentCount int) int {
	return RootArgumentSetFixedSize + argumentCount*RootArgumentEntrySize
}

// ConstantBufferUpdateSize is the size of a ConstantBufferUpdate record carrying dataLength bytes
func ConstantBufferUpdateSize(dataLength int) int {
	return ConstantBufferUpdateFixedSize + alignRecord(dataLength)
}
