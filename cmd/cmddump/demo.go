package main

import (
	"bytes"
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/urfave/cli/v2"
	"github.com/vkngwrapper/cmdstream/cmdbuf"
	"github.com/vkngwrapper/cmdstream/device"
)

var demoCommand = &cli.Command{
	Name:   "demo",
	Usage:  "Copies a resource through the command pipeline and prints device statistics",
	Action: demo,
	Flags: []cli.Flag{
		resourceSizeFlag,
		copiesFlag,
		bufferCountFlag,
		bufferCapacityFlag,
		outFlag,
	},
}

var (
	resourceSizeFlag = &cli.Uint64Flag{
		Name:  "size",
		Usage: "Size of the copied resource in bytes",
		Value: 64 * 1024,
	}
	copiesFlag = &cli.IntFlag{
		Name:  "copies",
		Usage: "Number of region copies the resource is split into",
		Value: 16,
	}
	bufferCountFlag = &cli.IntFlag{
		Name:  "buffers",
		Usage: "Number of command buffers in the copy queue's pool",
		Value: 4,
	}
	bufferCapacityFlag = &cli.IntFlag{
		Name:  "buffer-capacity",
		Usage: "Capacity of each command buffer in bytes",
		Value: 4096,
	}
	outFlag = &cli.StringFlag{
		Name:  "out",
		Usage: "Write the first recorded command buffer to this file before it is submitted",
	}
)

func demo(ctx *cli.Context) error {
	logger := makeLogger(ctx)

	size := ctx.Uint64(resourceSizeFlag.Name)
	copies := ctx.Int(copiesFlag.Name)
	buffers := ctx.Int(bufferCountFlag.Name)
	if size == 0 || copies <= 0 || uint64(copies) > size {
		return errors.Newf("cannot split %d bytes into %d copies", size, copies)
	}

	d, err := device.New(ctx.Context, logger, device.CreateOptions{
		Queues: []device.QueueCreateInfo{
			{
				Class:                  cmdbuf.QueueCopy,
				BufferCount:            buffers,
				BufferCapacity:         ctx.Int(bufferCapacityFlag.Name),
				AllocationListCapacity: 64,
				PatchListCapacity:      128,
			},
		},
	})
	if err != nil {
		return err
	}
	defer d.Close()

	session := d.CreateContext()
	src, err := session.CreateResource(size)
	if err != nil {
		return err
	}
	dst, err := session.CreateResource(size)
	if err != nil {
		return err
	}

	contents := make([]byte, size)
	for i := range contents {
		contents[i] = byte(i * 31)
	}
	err = session.WriteResource(src, 0, contents)
	if err != nil {
		return err
	}

	list, err := session.CreateCommandList(device.CommandListCreateInfo{
		Class:             cmdbuf.QueueCopy,
		MaxCommandBuffers: buffers,
	})
	if err != nil {
		return err
	}
	defer list.Destroy()

	err = list.ResetWait(ctx.Context)
	if err != nil {
		return err
	}

	chunk := size / uint64(copies)
	recorded := 0
	for offset := uint64(0); offset < size; offset += chunk {
		length := chunk
		if size-offset < length {
			length = size - offset
		}

		err = list.CopyBufferRegion(dst, offset, src, offset, length)
		if err != nil {
			return err
		}
		recorded++
	}

	err = list.Close()
	if err != nil {
		return err
	}

	filled := list.FilledBuffers()
	if out := ctx.String(outFlag.Name); out != "" && len(filled) > 0 {
		err = os.WriteFile(out, filled[0].Bytes(), 0o644)
		if err != nil {
			return err
		}
	}
	bufferCount := len(filled)

	err = list.ExecuteWait(ctx.Context)
	if err != nil {
		return err
	}

	result, err := session.ReadResource(dst, 0, size)
	if err != nil {
		return err
	}
	if !bytes.Equal(contents, result) {
		return errors.New("destination does not match source after the copy")
	}

	fmt.Fprintf(ctx.App.Writer, "copied %d bytes in %d region copies across %d command buffers\n", size, recorded, bufferCount)
	fmt.Fprintln(ctx.App.Writer, d.BuildStatsString())
	return nil
}
