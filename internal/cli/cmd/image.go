package cmd

import (
	"fmt"
	"os"

	"github.com/elewis/cardos/internal/config"
	"github.com/elewis/cardos/internal/flash"
	"github.com/elewis/cardos/internal/fs"
)

// openImage loads a flash image file into an in-memory device and
// mounts the file system on it. A missing file is treated as factory
// flash: every sector erased. The device geometry is the configured
// one, so an image produced by one invocation round-trips into the
// next.
func openImage(path string) (*fs.FS, *flash.MemDevice, error) {
	dev := flash.NewMemDevice(config.NumSectors, config.SectorSize)

	raw, err := os.ReadFile(path)

	switch {
	case os.IsNotExist(err):
		// Fresh image.
	case err != nil:
		return nil, nil, err
	case len(raw) != config.NumSectors*config.SectorSize:
		return nil, nil, fmt.Errorf("image %s: size %d does not match geometry %d x %d",
			path, len(raw), config.NumSectors, config.SectorSize)
	default:
		// A freshly created device is all-ones, so programming the image
		// bytes over it is always a legal 1→0 transition.
		for sector := 0; sector < config.NumSectors; sector++ {
			chunk := raw[sector*config.SectorSize : (sector+1)*config.SectorSize]
			if err := dev.Write(sector, 0, chunk); err != nil {
				return nil, nil, err
			}
		}
	}

	f := fs.New(dev)
	if err := f.Init(); err != nil {
		return nil, nil, err
	}

	return f, dev, nil
}

// saveImage writes the device contents back to the image file.
func saveImage(path string, dev *flash.MemDevice) error {
	raw := make([]byte, 0, config.NumSectors*config.SectorSize)

	for sector := 0; sector < config.NumSectors; sector++ {
		chunk, err := dev.Bytes(sector, 0, config.SectorSize)
		if err != nil {
			return err
		}

		raw = append(raw, chunk...)
	}

	return os.WriteFile(path, raw, 0o644)
}
