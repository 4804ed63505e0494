package gpucmd

import (
	"encoding/hex"
	"strconv"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// DumpJSON writes every record of a command buffer to writer as a JSON array. Records with unknown
// tags are written with their tag and size only. If the buffer is malformed, the records before the
// malformed one are written and the error is returned.
func DumpJSON(writer *jwriter.Writer, b []byte) error {
	arr := writer.Array()
	defer arr.End()

	return Walk(b, func(record Record) error {
		obj := arr.Object()
		defer obj.End()

		obj.Name("Offset").Int(record.Offset)
		obj.Name("Command").String(record.ID.String())
		obj.Name("Size").Int(record.Size())

		switch record.ID {
		case CommandHeader:
			if record.Size() < HeaderCommandSize {
				return nil
			}
			flags := ReadHeaderFlags(record.Data)
			obj.Name("Software").Bool(flags&HeaderFlagSoftware != 0)
		case CommandResourceCopy:
			if record.Size() != ResourceCopySize {
				return nil
			}
			dst, src, size := ResourceCopyFields(record)
			obj.Name("Dst").String(formatAddress(dst))
			obj.Name("Src").String(formatAddress(src))
			obj.Name("Bytes").Float64(float64(size))
		case CommandComputeDispatch:
			if _, err := AddressFields(record); err != nil {
				return nil
			}
			dispatch := DispatchFields(record)
			obj.Name("ThreadsPerGroup").Int(int(dispatch.ThreadsPerGroup))
			groups := obj.Name("GroupCount").Array()
			for _, count := range dispatch.GroupCount {
				groups.Int(int(count))
			}
			groups.End()
			obj.Name("ShaderHash").String(hex.EncodeToString(dispatch.ShaderHash[:]))
			obj.Name("BytecodeLength").Int(len(dispatch.Bytecode))
		case CommandRootArgumentSet:
			if _, err := AddressFields(record); err != nil {
				return nil
			}
			args := obj.Name("Arguments").Array()
			for _, arg := range RootArguments(record) {
				argObj := args.Object()
				argObj.Name("Kind").String(arg.Kind.String())
				argObj.Name("Slot").Int(int(arg.Slot))
				if arg.Kind.IsAddress() {
					argObj.Name("Address").String(formatAddress(arg.Value))
				} else {
					argObj.Name("Value").Int(int(uint32(arg.Value)))
				}
				argObj.End()
			}
			args.End()
		case CommandConstantBufferUpdate:
			if _, err := AddressFields(record); err != nil {
				return nil
			}
			dst, payload := ConstantBufferUpdateFields(record)
			obj.Name("Dst").String(formatAddress(dst))
			obj.Name("Length").Int(len(payload))
		}

		return nil
	})
}

func formatAddress(address uint64) string {
	return "0x" + strconv.FormatUint(address, 16)
}
