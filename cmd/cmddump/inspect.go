package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/urfave/cli/v2"
	"github.com/vkngwrapper/cmdstream/gpucmd"
)

var (
	dumpCommand = &cli.Command{
		Name:      "dump",
		Usage:     "Writes the records of a raw command buffer as JSON",
		ArgsUsage: "<file>",
		Action:    dump,
		Flags:     []cli.Flag{lengthFlag},
	}
	checkCommand = &cli.Command{
		Name:      "check",
		Usage:     "Checks the structure of a raw command buffer",
		ArgsUsage: "<file>",
		Action:    check,
		Flags:     []cli.Flag{lengthFlag, allowUnknownFlag},
	}
)

var (
	lengthFlag = &cli.IntFlag{
		Name:  "length",
		Usage: "Number of bytes of the file that hold commands (0 reads the whole file)",
	}
	allowUnknownFlag = &cli.BoolFlag{
		Name:  "allow-unknown",
		Usage: "Accept records with unknown tags",
	}
)

func readBuffer(ctx *cli.Context) ([]byte, error) {
	if ctx.NArg() != 1 {
		return nil, errors.New("need command buffer file as argument")
	}

	b, err := os.ReadFile(ctx.Args().Get(0))
	if err != nil {
		return nil, err
	}

	length := ctx.Int(lengthFlag.Name)
	if length < 0 || length > len(b) {
		return nil, errors.Newf("length %d is outside of the %d byte file", length, len(b))
	}
	if length > 0 {
		b = b[:length]
	}

	return b, nil
}

func dump(ctx *cli.Context) error {
	b, err := readBuffer(ctx)
	if err != nil {
		return err
	}

	writer := jwriter.NewWriter()
	dumpErr := gpucmd.DumpJSON(&writer, b)

	fmt.Fprintln(ctx.App.Writer, string(writer.Bytes()))
	return dumpErr
}

type bufferSummary struct {
	Software      bool
	Records       int
	AddressFields int
	Commands      map[gpucmd.CommandID]int
}

func summarize(b []byte, allowUnknown bool) (bufferSummary, error) {
	summary := bufferSummary{Commands: make(map[gpucmd.CommandID]int)}

	header, err := gpucmd.ReadRecord(b, 0)
	if err != nil {
		return summary, errors.Wrap(err, "failed to read the header")
	}
	if header.ID != gpucmd.CommandHeader || header.Size() != gpucmd.HeaderCommandSize {
		return summary, errors.Newf("buffer begins with %s of %d bytes rather than a header", header.ID, header.Size())
	}
	summary.Software = gpucmd.ReadHeaderFlags(header.Data)&gpucmd.HeaderFlagSoftware != 0

	err = gpucmd.Walk(b, func(record gpucmd.Record) error {
		summary.Records++
		summary.Commands[record.ID]++

		if record.Offset == 0 {
			return nil
		}
		if record.ID == gpucmd.CommandHeader {
			return errors.Wrapf(gpucmd.ErrMalformedRecord, "second header at offset %d", record.Offset)
		}

		fields, err := gpucmd.AddressFields(record)
		if allowUnknown && errors.Is(err, gpucmd.ErrUnknownCommand) {
			return nil
		}
		if err != nil {
			return err
		}

		summary.AddressFields += len(fields)
		return nil
	})

	return summary, err
}

func check(ctx *cli.Context) error {
	b, err := readBuffer(ctx)
	if err != nil {
		return err
	}

	summary, err := summarize(b, ctx.Bool(allowUnknownFlag.Name))
	if err != nil {
		return err
	}

	ids := make([]gpucmd.CommandID, 0, len(summary.Commands))
	for id := range summary.Commands {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := ctx.App.Writer
	fmt.Fprintf(out, "%d bytes, %d records, %d address fields, software=%t\n", len(b), summary.Records, summary.AddressFields, summary.Software)
	for _, id := range ids {
		fmt.Fprintf(out, "  %s: %d\n", id, summary.Commands[id])
	}
	return nil
}
