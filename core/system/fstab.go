package system

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/Mikael-Lovqvist/rpi-setup-script/core/util"
)

var mmcblkEntry = regexp.MustCompile(`(?m)^(\s*)/dev/mmcblk(\d+)p(\d+)`)

// FstabDeviceIndex returns the mmcblk index the SD card gets on the given
// Raspberry Pi model, and false when the image's fstab is already right.
func FstabDeviceIndex(model int) (int, bool) {
	switch model {
	case 4:
		return 1, true
	default:
		return 0, false
	}
}

// RewriteFstabDevice points every /dev/mmcblkNpM entry at /dev/mmcblk<index>pM.
// Leading whitespace and partition numbers are kept, other lines are left
// untouched.
func RewriteFstabDevice(content string, index int) string {
	return mmcblkEntry.ReplaceAllString(content, fmt.Sprintf("${1}/dev/mmcblk%dp${3}", index))
}

// UpdateFstab rewrites /etc/fstab below targetRoot. The file belongs to
// root, so the new content is staged in a temporary file and copied over
// with runner.
func UpdateFstab(ctx context.Context, fs afero.Fs, runner util.Runner, log logrus.FieldLogger, targetRoot string, index int) error {
	fstabPath := filepath.Join(targetRoot, "etc", "fstab")

	content, err := afero.ReadFile(fs, fstabPath)
	if err != nil {
		return errors.Wrap(err, "failed to read fstab")
	}

	tmp, err := afero.TempFile(fs, "", "fstab")
	if err != nil {
		return errors.Wrap(err, "failed to create temporary fstab")
	}
	defer fs.Remove(tmp.Name())

	_, err = tmp.WriteString(RewriteFstabDevice(string(content), index))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return errors.Wrap(err, "failed to write temporary fstab")
	}

	log.Debugf("installing %s as %s", tmp.Name(), fstabPath)
	_, err = runner.Run(ctx, util.NewCommand("cp", tmp.Name(), fstabPath))
	if err != nil {
		return errors.Wrap(err, "failed to install fstab")
	}

	return nil
}
