package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/elewis/cardos/internal/cli"
	"github.com/elewis/cardos/internal/config"
	"github.com/elewis/cardos/internal/ctxmgr"
	"github.com/elewis/cardos/internal/flash"
	"github.com/elewis/cardos/internal/fs"
	"github.com/elewis/cardos/internal/log"
	"github.com/elewis/cardos/internal/mpu"
	"github.com/elewis/cardos/internal/status"
	"github.com/elewis/cardos/internal/syscall"
)

// Demo creates a demonstration command: it brings up the kernel over an
// in-memory flash device, enters an applet context, and drives a few
// syscalls through the argument buffer while displaying the state
// transitions.
func Demo() cli.Command {
	return new(demo)
}

type demo struct {
	debug bool
}

func (demo) Description() string {
	return "run a kernel demonstration"
}

func (demo) Usage(out io.Writer) error {
	var err error
	_, err = fmt.Fprintln(out, `demo [ -debug ]

Boots the kernel on a blank in-memory flash device, enters an applet
context and exercises the syscall surface.`)

	return err
}

func (d *demo) FlagSet() *cli.FlagSet {
	fs := flag.NewFlagSet("demo", flag.ExitOnError)
	fs.BoolVar(&d.debug, "debug", false, "enable debug logging")

	return fs
}

func (d demo) Run(ctx context.Context, args []string, out io.Writer, _ *log.Logger) int {
	if d.debug {
		log.LogLevel.Set(log.Debug)
	}

	logger := log.NewFormattedLogger(os.Stdout)
	log.SetDefault(logger)

	logger.Info("Booting kernel")

	dev := flash.NewMemDevice(config.NumSectors, config.SectorSize)
	filesystem := fs.New(dev)
	mgr := ctxmgr.New(ctxmgr.WithLogger(logger))
	kernel := syscall.NewKernel(filesystem, mgr)

	if code := kernel.Dispatch(syscall.FSInit); code != status.OK {
		logger.Error("fs_init failed", "status", code.String())
		return 1
	}

	applet, err := mgr.Create()
	if err != nil {
		logger.Error("context create failed", "err", err)
		return 1
	}

	logger.Info("Entering applet context", "context", applet.ID)

	if err := mgr.Enter(applet.ID, 0x08004000); err != nil {
		logger.Error("context enter failed", "err", err)
		return 1
	}

	// The "applet": derive a tag for one of its fields, store a value,
	// read it back through the random-access path.
	buf := kernel.Buf()

	buf.SetParams(1|1<<16, 1|1<<16) // applet 1, package 1, class 1, field 1
	kernel.Dispatch(syscall.PathAppletField)

	fieldTag := append([]byte(nil), buf.Tag()...)
	fmt.Fprintf(out, "field tag: %x\n", fieldTag)

	buf.SetTag(fieldTag)
	buf.SetData([]byte{0x2a, 0x00, 0x00, 0x00})

	if code := kernel.Dispatch(syscall.FSWrite); code != status.OK {
		logger.Error("fs_write failed", "status", code.String())
		return 1
	}

	buf.SetTag(fieldTag)
	buf.SetParams(0, 0)
	kernel.Dispatch(syscall.FSRead4BAt)
	fmt.Fprintf(out, "field value: %d\n", buf.Param1())

	// A misbehaving access: the applet pokes at OS-private RAM. The MPU
	// model rejects it and the context is terminated with a typed fault,
	// not a kernel panic.
	if err := mgr.CheckCallerAccess(0x20000000, 4, mpu.AccessW); err != nil {
		fault, ferr := mgr.Fault(err)
		if ferr != nil {
			logger.Error("fault handling failed", "err", ferr)
			return 1
		}

		fmt.Fprintf(out, "context fault: %s (status %s)\n", fault, status.Of(fault))

		return 0
	}

	logger.Error("expected an access violation")

	return 1
}
