package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/elewis/cardos/internal/cli"
	"github.com/elewis/cardos/internal/log"
)

// Erase creates the command that retires a file in a flash image.
func Erase() cli.Command {
	return &erase{}
}

type erase struct {
	image string
	hex   bool
}

func (erase) Description() string {
	return "erase a file from a flash image"
}

func (erase) Usage(out io.Writer) error {
	var err error
	_, err = fmt.Fprintln(out, `erase -image card.img [ -hex ] tag

Retires the tag's current version. The payload stays on flash until the
sector is reclaimed by defragmentation.`)

	return err
}

func (e *erase) FlagSet() *cli.FlagSet {
	fs := flag.NewFlagSet("erase", flag.ExitOnError)
	fs.StringVar(&e.image, "image", "card.img", "flash image `file`")
	fs.BoolVar(&e.hex, "hex", false, "interpret tag as hex")

	return fs
}

func (e *erase) Run(ctx context.Context, args []string, out io.Writer, logger *log.Logger) int {
	if len(args) != 1 {
		logger.Error("erase takes exactly one tag argument")
		return 1
	}

	tag, err := decodeArg(args[0], e.hex)
	if err != nil {
		logger.Error("bad tag", "err", err)
		return 1
	}

	f, dev, err := openImage(e.image)
	if err != nil {
		logger.Error("open image", "err", err)
		return 1
	}

	if err := f.Erase(tag); err != nil {
		logger.Error("erase failed", "tag", args[0], "err", err)
		return 1
	}

	if err := saveImage(e.image, dev); err != nil {
		logger.Error("save image", "err", err)
		return 1
	}

	fmt.Fprintf(out, "erased %q\n", args[0])

	return 0
}
