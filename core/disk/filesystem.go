package disk

import (
	"context"

	"github.com/pkg/errors"

	"github.com/Mikael-Lovqvist/rpi-setup-script/core/util"
)

const (
	VFAT = "vfat"
	EXT4 = "ext4"
)

type PartitionFs string

// MakeFs creates the partition's filesystem. All data on it is lost.
func MakeFs(ctx context.Context, runner util.Runner, part *Partition) error {
	var cmd util.Command
	switch part.Filesystem {
	case VFAT:
		cmd = util.NewCommand("mkfs.vfat", part.Path)
	case EXT4:
		cmd = util.NewCommand("mkfs.ext4", "-F", part.Path)
	default:
		return errors.Errorf("unsupported filesystem: %s", part.Filesystem)
	}
	cmd.Stream = true

	_, err := runner.Run(ctx, cmd)
	if err != nil {
		return errors.Wrapf(err, "failed to make %s filesystem for %s", part.Filesystem, part.Path)
	}

	return nil
}
