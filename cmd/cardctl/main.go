// cmd/cardctl is the host-side debug shell for the card OS: it mounts
// the flash file system over an image file and exposes the
// write/read/erase/dumpfs verbs, plus a kernel demonstration.
package main

import (
	"context"
	"os"

	"github.com/elewis/cardos/internal/cli"
	"github.com/elewis/cardos/internal/cli/cmd"
)

var (
	commands = []cli.Command{
		cmd.Write(),
		cmd.Read(),
		cmd.Erase(),
		cmd.DumpFS(),
		cmd.Demo(),
	}
)

// Entry point.
func main() {
	result :=
		cli.New(context.Background()).
			WithLogger(os.Stderr).
			WithCommands(commands).
			WithHelp(cmd.Help(commands)).
			Execute(os.Args[1:])

	os.Exit(result)
}
