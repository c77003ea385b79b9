package rpisetup

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// RequiredTools lists the programs the enabled stages run.
func RequiredTools(cfg *Config, privileged bool) []string {
	set := map[string]bool{}
	add := func(enabled bool, tools ...string) {
		if !enabled {
			return
		}
		for _, t := range tools {
			set[t] = true
		}
	}

	s := cfg.Stages
	tarball := cfg.Image.Method == TARBALL
	add(s.CheckPartitionTables, "sfdisk")
	add(s.CreateFileSystems, "mkfs.vfat", "mkfs.ext4")
	add(s.DownloadFiles && tarball, "wget")
	add(s.MountFileSystems, "mount", "mkdir")
	add(s.ExtractFiles && tarball, "bsdtar")
	add(s.UpdateFstab, "cp")
	add(s.InstallFirstTimeSetup, "cp", "chmod", "ln")
	add(s.UnmountFileSystems, "umount")
	add(s.EjectDevice, "eject")
	add(privileged && len(set) > 0, "sudo")

	tools := make([]string, 0, len(set))
	for t := range set {
		tools = append(tools, t)
	}
	sort.Strings(tools)
	return tools
}

// CheckPrerequisites ensures the required system commands are available
// before any destructive operation is attempted.
func CheckPrerequisites(cfg *Config, root bool, lookPath func(string) (string, error)) error {
	if cfg.Image.Method == OCI && cfg.Stages.ExtractFiles && !root {
		return errors.New("extracting an OCI image writes into the mounted card and must run as root (use sudo)")
	}

	var missing []string
	for _, tool := range RequiredTools(cfg, !root) {
		if _, err := lookPath(tool); err != nil {
			missing = append(missing, tool)
		}
	}

	if len(missing) > 0 {
		return errors.Errorf("missing required commands: %s. Please install them before running (e.g. util-linux, dosfstools, e2fsprogs, libarchive, wget, eject)", strings.Join(missing, ", "))
	}
	return nil
}
