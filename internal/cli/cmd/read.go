package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/elewis/cardos/internal/cli"
	"github.com/elewis/cardos/internal/log"
)

// Read creates the command that prints a file from a flash image.
func Read() cli.Command {
	return &read{}
}

type read struct {
	image string
	hex   bool
}

func (read) Description() string {
	return "read a file from a flash image"
}

func (read) Usage(out io.Writer) error {
	var err error
	_, err = fmt.Fprintln(out, `read -image card.img [ -hex ] tag

Prints the payload of the tag's current version.`)

	return err
}

func (r *read) FlagSet() *cli.FlagSet {
	fs := flag.NewFlagSet("read", flag.ExitOnError)
	fs.StringVar(&r.image, "image", "card.img", "flash image `file`")
	fs.BoolVar(&r.hex, "hex", false, "interpret tag as hex, dump payload as hex")

	return fs
}

func (r *read) Run(ctx context.Context, args []string, out io.Writer, logger *log.Logger) int {
	if len(args) != 1 {
		logger.Error("read takes exactly one tag argument")
		return 1
	}

	tag, err := decodeArg(args[0], r.hex)
	if err != nil {
		logger.Error("bad tag", "err", err)
		return 1
	}

	f, _, err := openImage(r.image)
	if err != nil {
		logger.Error("open image", "err", err)
		return 1
	}

	data, err := f.ReadInPlace(tag)
	if err != nil {
		logger.Error("read failed", "tag", args[0], "err", err)
		return 1
	}

	if r.hex {
		fmt.Fprintf(out, "%x\n", data)
	} else {
		out.Write(data)
	}

	return 0
}
