package rpisetup_test

import (
	"math/rand"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	rpisetup "github.com/Mikael-Lovqvist/rpi-setup-script/core"
)

var _ = Describe("Archive", Label("archive"), func() {
	var fs afero.Fs

	BeforeEach(func() {
		fs = afero.NewMemMapFs()
		Expect(fs.MkdirAll("downloads", 0o755)).To(Succeed())
	})

	It("selects the only archive", func() {
		writeFile(fs, "downloads/ArchLinuxARM-rpi-aarch64-latest.tar.gz", tarGz("etc/fstab", ""))
		writeFile(fs, "downloads/ArchLinuxARM-rpi-aarch64-latest.tar.gz.md5", []byte("abc"))

		archive, err := rpisetup.FindArchive(fs, "downloads", "*.tar.gz")
		Expect(err).NotTo(HaveOccurred())
		Expect(archive).To(Equal("downloads/ArchLinuxARM-rpi-aarch64-latest.tar.gz"))
	})

	It("fails without an archive", func() {
		_, err := rpisetup.FindArchive(fs, "downloads", "*.tar.gz")
		Expect(errors.Is(err, rpisetup.ErrNoArchive)).To(BeTrue())
	})

	It("fails with more than one archive instead of guessing", func() {
		writeFile(fs, "downloads/a.tar.gz", tarGz("a", ""))
		writeFile(fs, "downloads/b.tar.gz", tarGz("b", ""))

		archive, err := rpisetup.FindArchive(fs, "downloads", "*.tar.gz")
		Expect(errors.Is(err, rpisetup.ErrMultipleArchives)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("a.tar.gz"))
		Expect(err.Error()).To(ContainSubstring("b.tar.gz"))
		Expect(archive).To(BeEmpty())
	})

	It("accepts a gzip compressed tar", func() {
		writeFile(fs, "downloads/rootfs.tar.gz", tarGz("etc/fstab", "/dev/mmcblk0p1 /boot vfat defaults 0 0\n"))
		Expect(rpisetup.VerifyArchive(fs, "downloads/rootfs.tar.gz")).To(Succeed())
	})

	It("rejects files that are not gzip", func() {
		writeFile(fs, "downloads/rootfs.tar.gz", []byte("<html>404 Not Found</html>"))
		Expect(rpisetup.VerifyArchive(fs, "downloads/rootfs.tar.gz")).NotTo(Succeed())
	})

	It("rejects archives cut off in the middle", func() {
		payload := make([]byte, 4<<20)
		rand.New(rand.NewSource(1)).Read(payload)
		data := tarGz("rootfs.img", string(payload))
		writeFile(fs, "downloads/rootfs.tar.gz", data[:len(data)/2])

		err := rpisetup.VerifyArchive(fs, "downloads/rootfs.tar.gz")
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("rootfs.img"))
	})

	It("rejects archives missing the gzip trailer", func() {
		data := tarGz("etc/fstab", "content")
		writeFile(fs, "downloads/rootfs.tar.gz", data[:len(data)-4])
		Expect(rpisetup.VerifyArchive(fs, "downloads/rootfs.tar.gz")).NotTo(Succeed())
	})

	It("rejects truncated headers", func() {
		data := tarGz("etc/fstab", "content")
		writeFile(fs, "downloads/rootfs.tar.gz", data[:12])
		Expect(rpisetup.VerifyArchive(fs, "downloads/rootfs.tar.gz")).NotTo(Succeed())
	})
})
