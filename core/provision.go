package rpisetup

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/vanilla-os/oci"
	"golang.org/x/sys/unix"

	"github.com/Mikael-Lovqvist/rpi-setup-script/core/disk"
	"github.com/Mikael-Lovqvist/rpi-setup-script/core/system"
	"github.com/Mikael-Lovqvist/rpi-setup-script/core/util"
)

// Provisioner writes a bootable Raspberry Pi system to an SD card.
//
// Stages run strictly in order and the first failure aborts the run. Nothing
// is rolled back: rerunning is the recovery path, and the partition check
// keeps reruns from repartitioning a card that is already fine.
type Provisioner struct {
	Config *Config
	Fs     afero.Fs
	Log    logrus.FieldLogger
	// Runner runs unprivileged commands, Sudo runs the ones touching the card.
	Runner util.Runner
	Sudo   util.Runner
	// Sync flushes filesystem buffers before unmounting.
	Sync func()
	// PullImage writes an OCI image's layers into a directory.
	PullImage func(image, dir string) error

	archive string
}

func NewProvisioner(cfg *Config, fs afero.Fs, runner util.Runner, log logrus.FieldLogger) *Provisioner {
	return &Provisioner{
		Config:    cfg,
		Fs:        fs,
		Log:       log,
		Runner:    runner,
		Sudo:      util.NewSudoRunner(runner),
		Sync:      unix.Sync,
		PullImage: oci.Write,
	}
}

type stage struct {
	name    string
	message string
	run     func(context.Context) error
}

func (p *Provisioner) stages() []stage {
	return []stage{
		{StageCheckPartitionTables, "Checking partition tables", p.ensurePartitionTable},
		{StageCreateFileSystems, "Creating file systems", p.createFileSystems},
		{StageDownloadFiles, "Downloading files", p.downloadFiles},
		{StageVerifyDownload, "Verifying downloaded file", p.verifyDownloadedFile},
		{StageMountFileSystems, "Mounting file systems", p.mountFileSystems},
		{StageExtractFiles, "Extracting files", p.extractFiles},
		{StageUpdateFstab, "Update fstab if needed", p.updateFstab},
		{StageFirstTimeSetup, "Installing first time setup scripts", p.installFirstTimeSetup},
		{StageUnmountFileSystems, "Synchronizing and unmounting file systems", p.unmountFileSystems},
		{StageEjectDevice, "Ejecting device", p.ejectDevice},
	}
}

// Run executes every enabled stage.
func (p *Provisioner) Run(ctx context.Context) error {
	if err := p.Config.Stages.Validate(); err != nil {
		return err
	}

	for _, s := range p.stages() {
		if !p.Config.Stages.Enabled(s.name) {
			p.Log.Debugf("skipping %s", s.name)
			continue
		}

		p.Log.Info(s.message)
		if err := s.run(ctx); err != nil {
			return errors.Wrapf(err, "stage %s failed", s.name)
		}
	}

	return nil
}

func (p *Provisioner) partition(number int, fs disk.PartitionFs) disk.Partition {
	return disk.NewPartition(p.Config.Device, number, fs)
}

func (p *Provisioner) ensurePartitionTable(ctx context.Context) error {
	layout := disk.Layout{BootSize: p.Config.BootSize}
	_, err := disk.EnsurePartitionTable(ctx, p.Sudo, p.Log, p.Config.Device, layout, p.Config.MinBootSize)
	return err
}

func (p *Provisioner) createFileSystems(ctx context.Context) error {
	for _, part := range []disk.Partition{
		p.partition(disk.BootPartition, disk.VFAT),
		p.partition(disk.RootPartition, disk.EXT4),
	} {
		if err := part.WaitUntilAvailable(ctx, p.Fs, p.Log); err != nil {
			return err
		}
		if err := disk.MakeFs(ctx, p.Sudo, &part); err != nil {
			return err
		}
	}

	return nil
}

func (p *Provisioner) downloadFiles(ctx context.Context) error {
	if p.Config.Image.Method != TARBALL {
		p.Log.Infof("Nothing to download for the %s method", p.Config.Image.Method)
		return nil
	}

	if err := p.Fs.MkdirAll(p.Config.DownloadDir, 0o755); err != nil {
		return errors.Wrap(err, "failed to create download directory")
	}

	cmd := util.NewCommand("wget", "--timestamping", p.Config.Image.Source)
	cmd.Dir = p.Config.DownloadDir
	cmd.Stream = true
	if _, err := p.Runner.Run(ctx, cmd); err != nil {
		return errors.Wrapf(err, "failed to download %s", p.Config.Image.Source)
	}

	return nil
}

func (p *Provisioner) verifyDownloadedFile(_ context.Context) error {
	if p.Config.Image.Method != TARBALL {
		return nil
	}

	archive, err := FindArchive(p.Fs, p.Config.DownloadDir, p.Config.Image.ArchivePattern)
	if err != nil {
		return err
	}
	if err := VerifyArchive(p.Fs, archive); err != nil {
		return err
	}

	p.Log.Infof("Using %s", archive)
	p.archive = archive
	return nil
}

func (p *Provisioner) mountFileSystems(ctx context.Context) error {
	if err := p.Fs.MkdirAll(p.Config.MountDir, 0o755); err != nil {
		return errors.Wrap(err, "failed to create mount directory")
	}

	root := p.partition(disk.RootPartition, disk.EXT4)
	if err := root.Mount(ctx, p.Sudo, p.Config.MountDir); err != nil {
		return err
	}

	bootPath := p.Config.BootMountPath()
	if _, err := p.Sudo.Run(ctx, util.NewCommand("mkdir", "-p", bootPath)); err != nil {
		return errors.Wrapf(err, "failed to create %s", bootPath)
	}

	boot := p.partition(disk.BootPartition, disk.VFAT)
	return boot.Mount(ctx, p.Sudo, bootPath)
}

func (p *Provisioner) extractFiles(ctx context.Context) error {
	if p.Config.Image.Method == OCI {
		if err := p.PullImage(p.Config.Image.Source, p.Config.MountDir); err != nil {
			return errors.Wrapf(err, "failed to write %s", p.Config.Image.Source)
		}
		return nil
	}

	if p.archive == "" {
		return errors.New("no verified archive to extract")
	}

	cmd := util.NewCommand("bsdtar", "-xpf", p.archive, "-C", p.Config.MountDir)
	cmd.Stream = true
	if _, err := p.Sudo.Run(ctx, cmd); err != nil {
		return errors.Wrapf(err, "failed to extract %s", p.archive)
	}

	return nil
}

func (p *Provisioner) updateFstab(ctx context.Context) error {
	index, ok := system.FstabDeviceIndex(p.Config.Model)
	if !ok {
		p.Log.Info("No update is required")
		return nil
	}

	p.Log.Info("Updating fstab")
	return system.UpdateFstab(ctx, p.Fs, p.Sudo, p.Log, p.Config.MountDir, index)
}

func (p *Provisioner) installFirstTimeSetup(ctx context.Context) error {
	return system.RunActions(ctx, p.Sudo, p.Log, p.Config.MountDir, p.Config.FirstTimeSetup)
}

func (p *Provisioner) unmountFileSystems(ctx context.Context) error {
	if p.Sync != nil {
		p.Sync()
	}

	if err := disk.UnmountDirectory(ctx, p.Sudo, p.Config.BootMountPath()); err != nil {
		return err
	}
	return disk.UnmountDirectory(ctx, p.Sudo, p.Config.MountDir)
}

func (p *Provisioner) ejectDevice(ctx context.Context) error {
	return disk.Eject(ctx, p.Sudo, p.Config.Device)
}

// Inspect reads the card's partition table and reports whether a run would
// repartition it, without writing anything.
func (p *Provisioner) Inspect(ctx context.Context) (*disk.PartitionTable, bool, error) {
	table, err := disk.ReadPartitionTable(ctx, p.Sudo, p.Config.Device)
	if errors.Is(err, disk.ErrNoPartitionTable) {
		return nil, true, nil
	}
	if err != nil {
		return nil, false, err
	}

	needed, err := table.NeedsRepartition(p.Config.MinBootSize)
	if err != nil {
		return nil, false, err
	}
	return table, needed, nil
}
