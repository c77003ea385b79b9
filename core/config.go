package rpisetup

import (
	"bytes"
	"io"
	"path/filepath"
	"strings"

	"github.com/docker/go-units"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.yaml.in/yaml/v3"

	"github.com/Mikael-Lovqvist/rpi-setup-script/core/disk"
	"github.com/Mikael-Lovqvist/rpi-setup-script/core/system"
)

const (
	TARBALL = "tarball"
	OCI     = "oci"
)

const (
	DefaultModel          = 4
	DefaultDevice         = "/dev/sde"
	DefaultBootSize       = "512M"
	DefaultDownloadDir    = "downloads"
	DefaultMountDir       = "mounts"
	DefaultBootDir        = "boot"
	DefaultArchivePattern = "*.tar.gz"
	DefaultImageURL       = "http://os.archlinuxarm.org/os/ArchLinuxARM-rpi-aarch64-latest.tar.gz"
)

// DefaultFirstTimeSetup installs a systemd service running
// first-time-setup.sh on the first boot of the card.
var DefaultFirstTimeSetup = [][]string{
	{"copy", "L:payloads/first-time-setup.service", "T:/etc/systemd/system/first-time-setup.service"},
	{"copy", "L:payloads/first-time-setup.sh", "T:/usr/local/bin/first-time-setup.sh"},
	{"chmod", "+x", "T:/usr/local/bin/first-time-setup.sh"},
	{"symlink", "T:/etc/systemd/system/first-time-setup.service", "T:/etc/systemd/system/multi-user.target.wants/"},
}

type InstallationMethod string

type Image struct {
	Method InstallationMethod
	// Source is the archive URL for tarballs and the image reference for
	// OCI images.
	Source         string
	ArchivePattern string
}

// Config is everything a provisioning run needs. It is built once by
// LoadConfig and not modified afterwards.
type Config struct {
	Model          int
	Device         string
	BootSize       uint64
	MinBootSize    uint64
	DownloadDir    string
	MountDir       string
	BootDir        string
	Image          Image
	FirstTimeSetup []system.Action
	Stages         Stages
}

// BootMountPath is where the boot partition is mounted, inside the root
// partition's mount.
func (c *Config) BootMountPath() string {
	return filepath.Join(c.MountDir, c.BootDir)
}

// WithDevice returns a copy of the configuration targeting another card.
func (c *Config) WithDevice(device string) (*Config, error) {
	if err := validateDevice(device); err != nil {
		return nil, err
	}
	cp := *c
	cp.Device = device
	return &cp, nil
}

// WithSkipped returns a copy of the configuration with the named stages
// disabled.
func (c *Config) WithSkipped(names ...string) (*Config, error) {
	cp := *c
	if err := cp.Stages.Skip(names...); err != nil {
		return nil, err
	}
	if err := cp.Stages.Validate(); err != nil {
		return nil, err
	}
	return &cp, nil
}

func validateDevice(device string) error {
	if !strings.HasPrefix(device, "/dev/") {
		return errors.Errorf("device must be a /dev path, got '%s'", device)
	}
	return nil
}

type imageFile struct {
	Method         string `yaml:"method"`
	URL            string `yaml:"url"`
	Reference      string `yaml:"reference"`
	ArchivePattern string `yaml:"archive_pattern"`
}

type configFile struct {
	Model          int        `yaml:"model"`
	Device         string     `yaml:"device"`
	BootSize       string     `yaml:"boot_size"`
	MinBootSize    string     `yaml:"min_boot_size"`
	DownloadDir    string     `yaml:"download_dir"`
	MountDir       string     `yaml:"mount_dir"`
	BootDir        string     `yaml:"boot_dir"`
	Image          imageFile  `yaml:"image"`
	FirstTimeSetup [][]string `yaml:"first_time_setup"`
	Stages         Stages     `yaml:"stages"`
}

func defaultConfigFile() configFile {
	return configFile{
		Model:       DefaultModel,
		Device:      DefaultDevice,
		BootSize:    DefaultBootSize,
		DownloadDir: DefaultDownloadDir,
		MountDir:    DefaultMountDir,
		BootDir:     DefaultBootDir,
		Image: imageFile{
			Method:         TARBALL,
			URL:            DefaultImageURL,
			ArchivePattern: DefaultArchivePattern,
		},
		FirstTimeSetup: DefaultFirstTimeSetup,
		Stages:         AllStages(),
	}
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() (*Config, error) {
	return defaultConfigFile().build()
}

// LoadConfig reads a YAML configuration file. Keys missing from the file
// keep their default value.
func LoadConfig(fs afero.Fs, path string) (*Config, error) {
	content, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config")
	}

	return ParseConfig(content)
}

func ParseConfig(content []byte) (*Config, error) {
	file := defaultConfigFile()

	decoder := yaml.NewDecoder(bytes.NewReader(content))
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, "failed to parse config")
	}

	return file.build()
}

func (f configFile) build() (*Config, error) {
	if f.Model <= 0 {
		return nil, errors.Errorf("invalid model %d", f.Model)
	}
	if err := validateDevice(f.Device); err != nil {
		return nil, err
	}
	for key, dir := range map[string]string{"download_dir": f.DownloadDir, "mount_dir": f.MountDir, "boot_dir": f.BootDir} {
		if dir == "" {
			return nil, errors.Errorf("%s must not be empty", key)
		}
	}

	bootSize, err := parseSize(f.BootSize)
	if err != nil {
		return nil, errors.Wrap(err, "invalid boot_size")
	}
	if bootSize%disk.LayoutSectorSize != 0 {
		return nil, errors.Errorf("invalid boot_size, %d bytes is not a multiple of the %d byte sector size", bootSize, disk.LayoutSectorSize)
	}
	minBootSize := bootSize
	if f.MinBootSize != "" {
		minBootSize, err = parseSize(f.MinBootSize)
		if err != nil {
			return nil, errors.Wrap(err, "invalid min_boot_size")
		}
	}

	image, err := f.Image.build()
	if err != nil {
		return nil, err
	}

	actions, err := system.ParseActions(f.FirstTimeSetup)
	if err != nil {
		return nil, errors.Wrap(err, "invalid first_time_setup")
	}

	if err := f.Stages.Validate(); err != nil {
		return nil, err
	}

	return &Config{
		Model:          f.Model,
		Device:         f.Device,
		BootSize:       bootSize,
		MinBootSize:    minBootSize,
		DownloadDir:    f.DownloadDir,
		MountDir:       f.MountDir,
		BootDir:        f.BootDir,
		Image:          image,
		FirstTimeSetup: actions,
		Stages:         f.Stages,
	}, nil
}

func (f imageFile) build() (Image, error) {
	switch InstallationMethod(f.Method) {
	case TARBALL:
		if f.URL == "" {
			return Image{}, errors.New("image url must be set for the tarball method")
		}
		if f.ArchivePattern == "" {
			return Image{}, errors.New("image archive_pattern must not be empty")
		}
		if _, err := filepath.Match(f.ArchivePattern, ""); err != nil {
			return Image{}, errors.Wrap(err, "invalid image archive_pattern")
		}
		return Image{Method: TARBALL, Source: f.URL, ArchivePattern: f.ArchivePattern}, nil
	case OCI:
		if _, err := name.ParseReference(f.Reference); err != nil {
			return Image{}, errors.Wrapf(err, "invalid image reference '%s'", f.Reference)
		}
		return Image{Method: OCI, Source: f.Reference}, nil
	default:
		return Image{}, errors.Errorf("unsupported installation method '%s'", f.Method)
	}
}

// parseSize accepts plain byte counts and binary suffixed sizes, so "512M"
// is 512 << 20.
func parseSize(size string) (uint64, error) {
	n, err := units.RAMInBytes(size)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.Errorf("size must be positive, got '%s'", size)
	}
	return uint64(n), nil
}
