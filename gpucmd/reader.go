package gpucmd

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
)

var (
	// ErrMalformedRecord is returned when a record header does not describe a well-formed record
	ErrMalformedRecord = errors.New("malformed command record")
	// ErrUnknownCommand is returned when the layout of a record's tag is not known
	ErrUnknownCommand = errors.New("unknown command")
)

// Record is a single command within a command buffer
type Record struct {
	ID CommandID
	// Offset is the offset of the record within the command buffer
	Offset int
	// Data holds the entire record, header included
	Data []byte
}

// Size is the size of the record in bytes, header included
func (r Record) Size() int {
	return len(r.Data)
}

// AddressField describes an address placeholder within a command buffer
type AddressField struct {
	// Offset is the offset of the field within the command buffer
	Offset int
	// Extent is the number of bytes the command accesses starting at the address, or 0 if the command
	// does not declare an extent
	Extent uint64
}

// ReadRecord reads the record beginning at offset. Only the record header is checked: the size must
// cover at least the header, be a multiple of RecordAlignment, and end within b.
func ReadRecord(b []byte, offset int) (Record, error) {
	if offset < 0 || offset%RecordAlignment != 0 {
		return Record{}, errors.Wrapf(ErrMalformedRecord, "record offset %d is not aligned", offset)
	}
	if offset+RecordHeaderSize > len(b) {
		return Record{}, errors.Wrapf(ErrMalformedRecord, "record header at offset %d runs past the end of the buffer (%d bytes)", offset, len(b))
	}

	id := CommandID(binary.LittleEndian.Uint32(b[offset:]))
	size := int(binary.LittleEndian.Uint32(b[offset+4:]))

	if size < RecordHeaderSize || size%RecordAlignment != 0 {
		return Record{}, errors.Wrapf(ErrMalformedRecord, "%s record at offset %d has invalid size %d", id, offset, size)
	}
	if size > len(b)-offset {
		return Record{}, errors.Wrapf(ErrMalformedRecord, "%s record at offset %d of size %d runs past the end of the buffer (%d bytes)", id, offset, size, len(b))
	}

	return Record{
		ID:     id,
		Offset: offset,
		Data:   b[offset : offset+size],
	}, nil
}

// Walk calls visitor for every record in b, in order. Records with unknown tags are visited like any
// other; visitors that do not care about them can skip them by their size. Iteration stops at the
// first malformed record or the first error returned by visitor.
func Walk(b []byte, visitor func(record Record) error) error {
	for offset := 0; offset < len(b); {
		record, err := ReadRecord(b, offset)
		if err != nil {
			return err
		}

		err = visitor(record)
		if err != nil {
			return err
		}

		offset += record.Size()
	}

	return nil
}

// AddressFields checks that a record of a known command is internally consistent and returns every
// address field it contains, with offsets relative to the command buffer. It returns ErrUnknownCommand
// for records whose layout is not known.
func AddressFields(record Record) ([]AddressField, error) {
	data := record.Data

	switch record.ID {
	case CommandHeader:
		if len(data) != HeaderCommandSize {
			return nil, errors.Wrapf(ErrMalformedRecord, "header record has size %d", len(data))
		}
		return nil, nil

	case CommandResourceCopy:
		if len(data) != ResourceCopySize {
			return nil, errors.Wrapf(ErrMalformedRecord, "resource copy record at offset %d has size %d", record.Offset, len(data))
		}
		extent := binary.LittleEndian.Uint64(data[ResourceCopySizeOffset:])
		return []AddressField{
			{Offset: record.Offset + ResourceCopyDstOffset, Extent: extent},
			{Offset: record.Offset + ResourceCopySrcOffset, Extent: extent},
		}, nil

	case CommandComputeDispatch:
		if len(data) < DispatchFixedSize {
			return nil, errors.Wrapf(ErrMalformedRecord, "dispatch record at offset %d has size %d", record.Offset, len(data))
		}
		bytecodeLength := int(binary.LittleEndian.Uint32(data[DispatchBytecodeLengthOffset:]))
		if bytecodeLength < 0 || DispatchSize(bytecodeLength) != len(data) {
			return nil, errors.Wrapf(ErrMalformedRecord, "dispatch record at offset %d declares %d bytes of bytecode but has size %d", record.Offset, bytecodeLength, len(data))
		}
		return nil, nil

	case CommandRootArgumentSet:
		if len(data) < RootArgumentSetFixedSize {
			return nil, errors.Wrapf(ErrMalformedRecord, "root argument record at offset %d has size %d", record.Offset, len(data))
		}
		count := int(binary.LittleEndian.Uint32(data[RootArgumentCountOffset:]))
		if count < 0 || RootArgumentSetSize(count) != len(data) {
			return nil, errors.Wrapf(ErrMalformedRecord, "root argument record at offset %d declares %d entries but has size %d", record.Offset, count, len(data))
		}

		var fields []AddressField
		for i := 0; i < count; i++ {
			entry := RootArgumentSetFixedSize + i*RootArgumentEntrySize
			kind := RootArgumentKind(binary.LittleEndian.Uint32(data[entry+RootArgumentEntryKindOffset:]))
			switch kind {
			case RootArgumentConstant:
			case RootArgumentView, RootArgumentDescriptorTable:
				fields = append(fields, AddressField{Offset: record.Offset + entry + RootArgumentEntryValueOffset})
			default:
				return nil, errors.Wrapf(ErrMalformedRecord, "root argument %d at offset %d has unknown kind %s", i, record.Offset, kind)
			}
		}
		return fields, nil

	case CommandConstantBufferUpdate:
		if len(data) < ConstantBufferUpdateFixedSize {
			return nil, errors.Wrapf(ErrMalformedRecord, "constant buffer update record at offset %d has size %d", record.Offset, len(data))
		}
		length := int(binary.LittleEndian.Uint32(data[ConstantBufferUpdateLengthOffset:]))
		if length < 0 || ConstantBufferUpdateSize(length) != len(data) {
			return nil, errors.Wrapf(ErrMalformedRecord, "constant buffer update at offset %d declares %d bytes but has size %d", record.Offset, length, len(data))
		}
		return []AddressField{
			{Offset: record.Offset + ConstantBufferUpdateDstOffset, Extent: uint64(length)},
		}, nil
	}

	return nil, errors.Wrapf(ErrUnknownCommand, "%s at offset %d", record.ID, record.Offset)
}

// ResourceCopyFields decodes a ResourceCopy record
func ResourceCopyFields(record Record) (dst, src, size uint64) {
	data := record.Data
	return binary.LittleEndian.Uint64(data[ResourceCopyDstOffset:]),
		binary.LittleEndian.Uint64(data[ResourceCopySrcOffset:]),
		binary.LittleEndian.Uint64(data[ResourceCopySizeOffset:])
}

// ConstantBufferUpdateFields decodes a ConstantBufferUpdate record. The returned slice aliases the record.
func ConstantBufferUpdateFields(record Record) (dst uint64, payload []byte) {
	data := record.Data
	length := int(binary.LittleEndian.Uint32(data[ConstantBufferUpdateLengthOffset:]))
	return binary.LittleEndian.Uint64(data[ConstantBufferUpdateDstOffset:]),
		data[ConstantBufferUpdateFixedSize : ConstantBufferUpdateFixedSize+length]
}

// DispatchFields decodes a ComputeDispatch record. The returned bytecode aliases the record.
func DispatchFields(record Record) Dispatch {
	data := record.Data
	var dispatch Dispatch
	dispatch.ThreadsPerGroup = binary.LittleEndian.Uint32(data[DispatchThreadsPerGroupOffset:])
	for i := range dispatch.GroupCount {
		dispatch.GroupCount[i] = binary.LittleEndian.Uint32(data[DispatchGroupCountOffset+4*i:])
	}
	copy(dispatch.ShaderHash[:], data[DispatchShaderHashOffset:DispatchShaderHashOffset+ShaderHashSize])
	length := int(binary.LittleEndian.Uint32(data[DispatchBytecodeLengthOffset:]))
	dispatch.Bytecode = data[DispatchFixedSize : DispatchFixedSize+length]
	return dispatch
}

// RootArguments decodes the entries of a RootArgumentSet record
func RootArguments(record Record) []RootArgument {
	data := record.Data
	count := int(binary.LittleEndian.Uint32(data[RootArgumentCountOffset:]))
	args := make([]RootArgument, 0, count)
	for i := 0; i < count; i++ {
		entry := data[RootArgumentSetFixedSize+i*RootArgumentEntrySize:]
		args = append(args, RootArgument{
			Kind:  RootArgumentKind(binary.LittleEndian.Uint32(entry[RootArgumentEntryKindOffset:])),
			Slot:  binary.LittleEndian.Uint32(entry[RootArgumentEntrySlotOffset:]),
			Value: binary.LittleEndian.Uint64(entry[RootArgumentEntryValueOffset:]),
		})
	}
	return args
}
