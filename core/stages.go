package rpisetup

import (
	"strings"

	"github.com/pkg/errors"
)

const (
	StageCheckPartitionTables = "check-partition-tables"
	StageCreateFileSystems    = "create-file-systems"
	StageDownloadFiles        = "download-files"
	StageVerifyDownload       = "verify-downloaded-file-exists"
	StageMountFileSystems     = "mount-file-systems"
	StageExtractFiles         = "extract-files"
	StageUpdateFstab          = "update-fstab"
	StageFirstTimeSetup       = "install-first-time-setup"
	StageUnmountFileSystems   = "unmount-file-systems"
	StageEjectDevice          = "eject-device"
)

// StageNames lists every stage in execution order.
var StageNames = []string{
	StageCheckPartitionTables,
	StageCreateFileSystems,
	StageDownloadFiles,
	StageVerifyDownload,
	StageMountFileSystems,
	StageExtractFiles,
	StageUpdateFstab,
	StageFirstTimeSetup,
	StageUnmountFileSystems,
	StageEjectDevice,
}

var (
	ErrExtractRequiresVerify = errors.New("extracting files requires verifying the downloaded file")
	ErrUnknownStage          = errors.New("unknown stage")
)

// Stages holds the enable switch of every stage.
type Stages struct {
	CheckPartitionTables       bool `yaml:"check_partition_tables"`
	CreateFileSystems          bool `yaml:"create_file_systems"`
	DownloadFiles              bool `yaml:"download_files"`
	VerifyDownloadedFileExists bool `yaml:"verify_downloaded_file_exists"`
	MountFileSystems           bool `yaml:"mount_file_systems"`
	ExtractFiles               bool `yaml:"extract_files"`
	UpdateFstab                bool `yaml:"update_fstab"`
	InstallFirstTimeSetup      bool `yaml:"install_first_time_setup"`
	UnmountFileSystems         bool `yaml:"unmount_file_systems"`
	EjectDevice                bool `yaml:"eject_device"`
}

func AllStages() Stages {
	return Stages{
		CheckPartitionTables:       true,
		CreateFileSystems:          true,
		DownloadFiles:              true,
		VerifyDownloadedFileExists: true,
		MountFileSystems:           true,
		ExtractFiles:               true,
		UpdateFstab:                true,
		InstallFirstTimeSetup:      true,
		UnmountFileSystems:         true,
		EjectDevice:                true,
	}
}

func (s *Stages) flag(name string) *bool {
	switch name {
	case StageCheckPartitionTables:
		return &s.CheckPartitionTables
	case StageCreateFileSystems:
		return &s.CreateFileSystems
	case StageDownloadFiles:
		return &s.DownloadFiles
	case StageVerifyDownload:
		return &s.VerifyDownloadedFileExists
	case StageMountFileSystems:
		return &s.MountFileSystems
	case StageExtractFiles:
		return &s.ExtractFiles
	case StageUpdateFstab:
		return &s.UpdateFstab
	case StageFirstTimeSetup:
		return &s.InstallFirstTimeSetup
	case StageUnmountFileSystems:
		return &s.UnmountFileSystems
	case StageEjectDevice:
		return &s.EjectDevice
	}
	return nil
}

// Enabled reports whether the named stage runs. Unknown names are never
// enabled.
func (s Stages) Enabled(name string) bool {
	if f := s.flag(name); f != nil {
		return *f
	}
	return false
}

// Skip disables the named stages.
func (s *Stages) Skip(names ...string) error {
	for _, name := range names {
		f := s.flag(strings.TrimSpace(name))
		if f == nil {
			return errors.Wrapf(ErrUnknownStage, "'%s' (valid stages: %s)", name, strings.Join(StageNames, ", "))
		}
		*f = false
	}

	return nil
}

func (s Stages) Validate() error {
	if s.ExtractFiles && !s.VerifyDownloadedFileExists {
		return ErrExtractRequiresVerify
	}

	return nil
}
