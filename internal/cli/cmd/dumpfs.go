package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/jessevdk/go-flags"

	"github.com/elewis/cardos/internal/cli"
	"github.com/elewis/cardos/internal/config"
	"github.com/elewis/cardos/internal/log"
)

// DumpFS creates the command that lists a flash image's contents.
func DumpFS() cli.Command {
	return new(dumpfs)
}

type dumpfsParameters struct {
	Image  string `short:"f" long:"image" description:"Flash image file" required:"true"`
	Detail bool   `short:"d" long:"detail" description:"Show per-file detail"`
}

type dumpfs struct {
	params dumpfsParameters
}

func (dumpfs) Description() string {
	return "list the files and free space in a flash image"
}

func (dumpfs) Usage(out io.Writer) error {
	var err error
	_, err = fmt.Fprintln(out, `dumpfs --image card.img [ --detail ]

Prints the file count and total size (and every tag with --detail),
plus per-sector utilisation, marking the defrag sector.`)

	return err
}

func (d *dumpfs) FlagSet() *cli.FlagSet {
	return flag.NewFlagSet("dumpfs", flag.ExitOnError)
}

// ParsesOptions marks the command as parsing its own option syntax.
func (dumpfs) ParsesOptions() {}

func (d *dumpfs) Run(ctx context.Context, args []string, out io.Writer, logger *log.Logger) int {
	parser := flags.NewParser(&d.params, flags.Default)

	if _, err := parser.ParseArgs(args); err != nil {
		return 1
	}

	f, _, err := openImage(d.params.Image)
	if err != nil {
		logger.Error("open image", "err", err)
		return 1
	}

	count := 0
	var total uint64

	f.Walk(func(tag []byte, length uint32) bool {
		count++
		total += uint64(length)

		if d.params.Detail {
			fmt.Fprintf(out, "%-68x %10s\n", tag, humanize.Bytes(uint64(length)))
		}

		return true
	})

	fmt.Fprintf(out, "%d files, %s\n", count, humanize.Bytes(total))

	stats, err := f.Stats()
	if err != nil {
		logger.Error("stats failed", "err", err)
		return 1
	}

	for _, s := range stats.Sectors {
		role := ""
		if s.IsDefrag {
			role = " (defrag)"
		}

		fmt.Fprintf(out, "sector %d: %s free of %s%s\n",
			s.Sector,
			humanize.Bytes(uint64(s.FreeBytes)),
			humanize.Bytes(uint64(config.SectorSize)),
			role)
	}

	return 0
}
