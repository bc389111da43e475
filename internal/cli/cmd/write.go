package cmd

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/jessevdk/go-flags"

	"github.com/elewis/cardos/internal/cli"
	"github.com/elewis/cardos/internal/log"
)

// Write creates the command that stores a file into a flash image.
func Write() cli.Command {
	return new(write)
}

type writeParameters struct {
	Image string `short:"f" long:"image" description:"Flash image file" required:"true"`
	Tag   string `short:"t" long:"tag" description:"File tag" required:"true"`
	Data  string `short:"d" long:"data" description:"Payload bytes"`
	Input string `short:"i" long:"input" description:"Read payload from file instead of --data"`
	Hex   bool   `long:"hex" description:"Interpret tag and data as hex"`
}

type write struct {
	params writeParameters
}

func (write) Description() string {
	return "write a file into a flash image"
}

func (write) Usage(out io.Writer) error {
	var err error
	_, err = fmt.Fprintln(out, `write --image card.img --tag name [ --data bytes | --input file ] [ --hex ]

Commits a new block for the tag, retiring any previous version.`)

	return err
}

func (w *write) FlagSet() *cli.FlagSet {
	// Options are parsed by go-flags in Run; the flag set only names the
	// command for the commander.
	return flag.NewFlagSet("write", flag.ExitOnError)
}

// ParsesOptions marks the command as parsing its own option syntax.
func (write) ParsesOptions() {}

func (w *write) Run(ctx context.Context, args []string, out io.Writer, logger *log.Logger) int {
	parser := flags.NewParser(&w.params, flags.Default)

	if _, err := parser.ParseArgs(args); err != nil {
		return 1
	}

	tag, err := decodeArg(w.params.Tag, w.params.Hex)
	if err != nil {
		logger.Error("bad tag", "err", err)
		return 1
	}

	var data []byte

	switch {
	case w.params.Input != "":
		data, err = os.ReadFile(w.params.Input)
	default:
		data, err = decodeArg(w.params.Data, w.params.Hex)
	}

	if err != nil {
		logger.Error("bad payload", "err", err)
		return 1
	}

	f, dev, err := openImage(w.params.Image)
	if err != nil {
		logger.Error("open image", "err", err)
		return 1
	}

	if err := f.Write(tag, data); err != nil {
		logger.Error("write failed", "tag", w.params.Tag, "err", err)
		return 1
	}

	if err := saveImage(w.params.Image, dev); err != nil {
		logger.Error("save image", "err", err)
		return 1
	}

	fmt.Fprintf(out, "wrote %d bytes to %q\n", len(data), w.params.Tag)

	return 0
}

func decodeArg(s string, isHex bool) ([]byte, error) {
	if isHex {
		return hex.DecodeString(s)
	}

	return []byte(s), nil
}
