package disk

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/Mikael-Lovqvist/rpi-setup-script/core/util"
)

const (
	BootPartition = 1
	RootPartition = 2
)

// PartitionWaitTimeout bounds how long WaitUntilAvailable polls for a
// device node.
var PartitionWaitTimeout = 10 * time.Second

var ErrPartitionNotFound = errors.New("partition device node not found")

type Partition struct {
	Number     int
	Path       string
	Filesystem PartitionFs
}

// PartitionPath returns the device node of partition number on device.
// Devices whose name ends in a digit (mmcblk0, nvme0n1, loop0) get a "p"
// separator.
func PartitionPath(device string, number int) string {
	end := device[len(device)-1]
	if end >= '0' && end <= '9' {
		return fmt.Sprintf("%sp%d", device, number)
	}
	return fmt.Sprintf("%s%d", device, number)
}

func NewPartition(device string, number int, fs PartitionFs) Partition {
	return Partition{
		Number:     number,
		Path:       PartitionPath(device, number),
		Filesystem: fs,
	}
}

// Mount mounts the partition at location. The location must exist.
func (part *Partition) Mount(ctx context.Context, runner util.Runner, location string) error {
	_, err := runner.Run(ctx, util.NewCommand("mount", part.Path, location))
	if err != nil {
		return errors.Wrapf(err, "failed to mount %s at %s", part.Path, location)
	}

	return nil
}

func UnmountDirectory(ctx context.Context, runner util.Runner, dir string) error {
	_, err := runner.Run(ctx, util.NewCommand("umount", dir))
	if err != nil {
		return errors.Wrapf(err, "failed to unmount %s", dir)
	}

	return nil
}

// WaitUntilAvailable polls until the partition's device node exists. The
// kernel creates the nodes asynchronously after the table is rewritten, so
// give it up to PartitionWaitTimeout.
func (part *Partition) WaitUntilAvailable(ctx context.Context, fs afero.Fs, log logrus.FieldLogger) error {
	ctx, cancel := context.WithTimeout(ctx, PartitionWaitTimeout)
	defer cancel()

	for {
		if _, err := fs.Stat(part.Path); err == nil {
			return nil
		}
		log.Debugf("%s not found, retrying...", part.Path)

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return errors.Wrapf(ErrPartitionNotFound, "%s did not appear within %s", part.Path, PartitionWaitTimeout)
			}
			return errors.Wrapf(ctx.Err(), "waiting for %s", part.Path)
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Eject ejects the removable media in device.
func Eject(ctx context.Context, runner util.Runner, device string) error {
	_, err := runner.Run(ctx, util.NewCommand("eject", device))
	if err != nil {
		return errors.Wrapf(err, "failed to eject %s", device)
	}

	return nil
}
