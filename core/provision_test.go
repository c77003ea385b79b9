package rpisetup_test

import (
	"context"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	rpisetup "github.com/Mikael-Lovqvist/rpi-setup-script/core"
	"github.com/Mikael-Lovqvist/rpi-setup-script/core/disk"
	"github.com/Mikael-Lovqvist/rpi-setup-script/core/util"
	"github.com/Mikael-Lovqvist/rpi-setup-script/core/util/mock"
)

const sfdiskReport = `{
   "partitiontable": {
      "label": "dos",
      "id": "0x2c7b9a41",
      "device": "/dev/sde",
      "unit": "sectors",
      "sectorsize": 512,
      "partitions": [%s]
   }
}`

const sfdiskBoot = `{"node": "/dev/sde1", "start": 2048, "size": 1048576, "type": "c"}`
const sfdiskRoot = `{"node": "/dev/sde2", "start": 1050624, "size": 61282304, "type": "83"}`

const extractedFstab = "/dev/mmcblk0p1  /boot  vfat  defaults  0  0\n"

var _ = Describe("Provisioner", Label("provision"), func() {
	var fs afero.Fs
	var runner *mock.Runner
	var cfg *rpisetup.Config
	var p *rpisetup.Provisioner
	var partitions string
	var synced int
	var pulled []string
	var failOn string
	var installedFstab string

	newProvisioner := func() *rpisetup.Provisioner {
		prov := rpisetup.NewProvisioner(cfg, fs, runner, quietLogger())
		prov.Sudo = &util.SudoRunner{Runner: runner}
		prov.Sync = func() { synced++ }
		prov.PullImage = func(image, dir string) error {
			pulled = append(pulled, image, dir)
			return nil
		}
		return prov
	}

	BeforeEach(func() {
		var err error
		cfg, err = rpisetup.DefaultConfig()
		Expect(err).NotTo(HaveOccurred())

		fs = afero.NewMemMapFs()
		writeFile(fs, "/dev/sde1", nil)
		writeFile(fs, "/dev/sde2", nil)
		writeFile(fs, "downloads/ArchLinuxARM-rpi-aarch64-latest.tar.gz", tarGz("etc/fstab", extractedFstab))
		writeFile(fs, "mounts/etc/fstab", []byte(extractedFstab))

		partitions = sfdiskBoot + "," + sfdiskRoot
		synced = 0
		pulled = nil
		failOn = ""
		installedFstab = ""

		runner = mock.NewRunner()
		runner.SideEffect = func(cmd util.Command) ([]byte, error) {
			argv := cmd.Argv()
			if cmd.Name == "sudo" {
				argv = argv[1:]
			}
			if argv[0] == failOn {
				return nil, &util.CommandError{Command: cmd.String(), ExitCode: 1, Stderr: "boom"}
			}
			switch {
			case argv[0] == "sfdisk" && argv[1] == "--json":
				return []byte(fmt.Sprintf(sfdiskReport, partitions)), nil
			case argv[0] == "cp" && argv[2] == "mounts/etc/fstab":
				data, err := afero.ReadFile(fs, argv[1])
				installedFstab = string(data)
				return nil, err
			}
			return nil, nil
		}

		p = newProvisioner()
	})

	It("provisions a correctly partitioned card without repartitioning", func() {
		Expect(p.Run(context.Background())).To(Succeed())
		Expect(runner.CmdsMatch([][]string{
			{"sudo", "sfdisk", "--json", "/dev/sde"},
			{"sudo", "mkfs.vfat", "/dev/sde1"},
			{"sudo", "mkfs.ext4", "-F", "/dev/sde2"},
			{"wget", "--timestamping", rpisetup.DefaultImageURL},
			{"sudo", "mount", "/dev/sde2", "mounts"},
			{"sudo", "mkdir", "-p", "mounts/boot"},
			{"sudo", "mount", "/dev/sde1", "mounts/boot"},
			{"sudo", "bsdtar", "-xpf", "downloads/ArchLinuxARM-rpi-aarch64-latest.tar.gz", "-C", "mounts"},
			{"sudo", "cp"},
			{"sudo", "cp", "payloads/first-time-setup.service", "mounts/etc/systemd/system/first-time-setup.service"},
			{"sudo", "cp", "payloads/first-time-setup.sh", "mounts/usr/local/bin/first-time-setup.sh"},
			{"sudo", "chmod", "+x", "mounts/usr/local/bin/first-time-setup.sh"},
			{"sudo", "ln", "-s", "mounts/etc/systemd/system/first-time-setup.service", "mounts/etc/systemd/system/multi-user.target.wants"},
			{"sudo", "umount", "mounts/boot"},
			{"sudo", "umount", "mounts"},
			{"sudo", "eject", "/dev/sde"},
		})).To(Succeed())
		Expect(installedFstab).To(Equal("/dev/mmcblk1p1  /boot  vfat  defaults  0  0\n"))
		Expect(synced).To(Equal(1))

		wget := runner.Commands()[3]
		Expect(wget.Dir).To(Equal("downloads"))
		exists, err := afero.DirExists(fs, "downloads")
		Expect(err).NotTo(HaveOccurred())
		Expect(exists).To(BeTrue())
	})

	It("repartitions a card with a single partition", func() {
		partitions = sfdiskBoot
		Expect(p.Run(context.Background())).To(Succeed())
		cmds := runner.Commands()
		Expect(cmds[1].Argv()).To(Equal([]string{"sudo", "sfdisk", "/dev/sde"}))
		Expect(cmds[1].Stdin).To(Equal("label: dos\n\n: size=512MiB, type=c\n: type=83\n"))
	})

	It("only checks the partition table when everything else is skipped", func() {
		Expect(cfg.Stages.Skip(rpisetup.StageNames[1:]...)).To(Succeed())
		Expect(p.Run(context.Background())).To(Succeed())
		Expect(runner.GetCmds()).To(Equal([][]string{{"sudo", "sfdisk", "--json", "/dev/sde"}}))
	})

	It("refuses to extract without verifying", func() {
		Expect(cfg.Stages.Skip(rpisetup.StageVerifyDownload)).To(Succeed())
		err := p.Run(context.Background())
		Expect(errors.Is(err, rpisetup.ErrExtractRequiresVerify)).To(BeTrue())
		Expect(runner.GetCmds()).To(BeEmpty())
	})

	It("aborts when more than one archive was downloaded", func() {
		writeFile(fs, "downloads/older.tar.gz", tarGz("etc/fstab", extractedFstab))
		err := p.Run(context.Background())
		Expect(errors.Is(err, rpisetup.ErrMultipleArchives)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring(rpisetup.StageVerifyDownload))
		for _, argv := range runner.GetCmds() {
			Expect(argv).NotTo(ContainElement("mount"))
		}
	})

	It("aborts on the first failing command without cleaning up", func() {
		failOn = "bsdtar"
		err := p.Run(context.Background())
		Expect(err).To(HaveOccurred())
		var cmdErr *util.CommandError
		Expect(errors.As(err, &cmdErr)).To(BeTrue())
		Expect(cmdErr.Stderr).To(Equal("boom"))
		last := runner.GetCmds()[len(runner.GetCmds())-1]
		Expect(last).To(ContainElement("bsdtar"))
		Expect(synced).To(Equal(0))
	})

	It("fails instead of hanging when a partition never shows up", func() {
		timeout := disk.PartitionWaitTimeout
		disk.PartitionWaitTimeout = 200 * time.Millisecond
		DeferCleanup(func() { disk.PartitionWaitTimeout = timeout })
		Expect(fs.Remove("/dev/sde1")).To(Succeed())

		start := time.Now()
		err := p.Run(context.Background())
		Expect(errors.Is(err, disk.ErrPartitionNotFound)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring(rpisetup.StageCreateFileSystems))
		Expect(time.Since(start)).To(BeNumerically("<", 2*time.Second))
		Expect(runner.GetCmds()).To(Equal([][]string{{"sudo", "sfdisk", "--json", "/dev/sde"}}))
	})

	It("leaves fstab alone on models that do not need it", func() {
		cfg.Model = 3
		Expect(cfg.Stages.Skip(
			rpisetup.StageCheckPartitionTables, rpisetup.StageCreateFileSystems, rpisetup.StageDownloadFiles,
			rpisetup.StageMountFileSystems, rpisetup.StageFirstTimeSetup, rpisetup.StageUnmountFileSystems,
			rpisetup.StageEjectDevice,
		)).To(Succeed())
		Expect(p.Run(context.Background())).To(Succeed())
		Expect(runner.GetCmds()).To(HaveLen(1))
		Expect(runner.GetCmds()[0]).To(ContainElement("bsdtar"))
		Expect(installedFstab).To(BeEmpty())
	})

	It("writes OCI images without downloading", func() {
		cfg.Image = rpisetup.Image{Method: rpisetup.OCI, Source: "ghcr.io/example/rpi-rootfs:latest"}
		Expect(p.Run(context.Background())).To(Succeed())
		Expect(pulled).To(Equal([]string{"ghcr.io/example/rpi-rootfs:latest", "mounts"}))
		for _, argv := range runner.GetCmds() {
			Expect(argv[0]).NotTo(Equal("wget"))
			Expect(argv).NotTo(ContainElement("bsdtar"))
		}
	})

	Describe("Inspect", func() {
		It("reports a fine card", func() {
			table, needed, err := p.Inspect(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(needed).To(BeFalse())
			Expect(table.Partitions).To(HaveLen(2))
			Expect(runner.GetCmds()).To(HaveLen(1))
		})

		It("reports a card needing repartitioning", func() {
			partitions = ""
			_, needed, err := p.Inspect(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(needed).To(BeTrue())
		})

		It("reports a blank card", func() {
			runner.SideEffect = func(cmd util.Command) ([]byte, error) {
				return nil, &util.CommandError{
					Command:  cmd.String(),
					ExitCode: 1,
					Stderr:   "sfdisk: /dev/sde: does not contain a recognized partition table",
				}
			}
			table, needed, err := p.Inspect(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(needed).To(BeTrue())
			Expect(table).To(BeNil())
		})
	})
})
