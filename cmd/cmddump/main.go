// Command cmddump inspects raw command buffers and exercises the command pipeline end to end.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"
	"golang.org/x/exp/slog"
)

var verboseFlag = &cli.BoolFlag{
	Name:    "verbose",
	Aliases: []string{"v"},
	Usage:   "Write debug logging to stderr",
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "cmddump",
		Usage: "Inspect command buffers and exercise the command pipeline",
		Flags: []cli.Flag{verboseFlag},
		Commands: []*cli.Command{
			dumpCommand,
			checkCommand,
			demoCommand,
		},
	}
}

func makeLogger(ctx *cli.Context) *slog.Logger {
	if ctx.Bool(verboseFlag.Name) {
		return slog.New(slog.NewTextHandler(ctx.App.ErrWriter))
	}
	return slog.New(slog.NewTextHandler(io.Discard))
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
