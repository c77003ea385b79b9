package action

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/docker/go-units"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
	"golang.org/x/sys/unix"

	"github.com/Mikael-Lovqvist/rpi-setup-script/cmd"
	rpisetup "github.com/Mikael-Lovqvist/rpi-setup-script/core"
	"github.com/Mikael-Lovqvist/rpi-setup-script/core/util"
)

const environmentKey = "environment"

// Environment is the host the commands act on.
type Environment struct {
	Fs       afero.Fs
	Log      *logrus.Logger
	Runner   util.Runner
	Root     bool
	LookPath func(string) (string, error)
}

// Setup prepares the host environment unless one was already provided.
func Setup(ctx *cli.Context) error {
	if ctx.App.Metadata == nil {
		ctx.App.Metadata = map[string]interface{}{}
	}
	if env, ok := ctx.App.Metadata[environmentKey].(*Environment); ok {
		if cmd.GlobalArgs.Debug {
			env.Log.SetLevel(logrus.DebugLevel)
		}
		return nil
	}

	log := util.NewLogger(os.Stderr, cmd.GlobalArgs.Debug)
	ctx.App.Metadata[environmentKey] = &Environment{
		Fs:       afero.NewOsFs(),
		Log:      log,
		Runner:   util.NewExecRunner(log),
		Root:     unix.Geteuid() == 0,
		LookPath: exec.LookPath,
	}
	return nil
}

func environment(ctx *cli.Context) (*Environment, error) {
	env, ok := ctx.App.Metadata[environmentKey].(*Environment)
	if !ok {
		return nil, errors.New("error setting up initial configuration")
	}
	return env, nil
}

func loadConfig(env *Environment, path, device string) (*rpisetup.Config, error) {
	var cfg *rpisetup.Config
	var err error
	if path == "" {
		env.Log.Debug("no config file given, using defaults")
		cfg, err = rpisetup.DefaultConfig()
	} else {
		cfg, err = rpisetup.LoadConfig(env.Fs, path)
	}
	if err != nil {
		return nil, err
	}

	if device != "" {
		return cfg.WithDevice(device)
	}
	return cfg, nil
}

func newProvisioner(env *Environment, cfg *rpisetup.Config) *rpisetup.Provisioner {
	p := rpisetup.NewProvisioner(cfg, env.Fs, env.Runner, env.Log)
	p.Sudo = &util.SudoRunner{Runner: env.Runner, Root: env.Root}
	return p
}

func Provision(ctx *cli.Context) error {
	env, err := environment(ctx)
	if err != nil {
		return err
	}
	args := &cmd.ProvisionArgs

	if !args.YesWipeDevice {
		return errors.New("provisioning erases the device, rerun with --yes-wipe-device to confirm")
	}

	cfg, err := loadConfig(env, args.ConfigPath, args.Device)
	if err != nil {
		return err
	}
	cfg, err = cfg.WithSkipped(args.Skip.Value()...)
	if err != nil {
		return err
	}
	if err := rpisetup.CheckPrerequisites(cfg, env.Root, env.LookPath); err != nil {
		return err
	}

	env.Log.Infof("Provisioning %s for a Raspberry Pi %d", cfg.Device, cfg.Model)
	if err := newProvisioner(env, cfg).Run(ctx.Context); err != nil {
		return err
	}
	env.Log.Info("Done")
	return nil
}

func Inspect(ctx *cli.Context) error {
	env, err := environment(ctx)
	if err != nil {
		return err
	}
	args := &cmd.InspectArgs

	cfg, err := loadConfig(env, args.ConfigPath, args.Device)
	if err != nil {
		return err
	}

	table, needed, err := newProvisioner(env, cfg).Inspect(ctx.Context)
	if err != nil {
		return err
	}

	out := ctx.App.Writer
	if table == nil {
		fmt.Fprintf(out, "%s: no partition table\n", cfg.Device)
	} else {
		fmt.Fprintf(out, "%s: %s label, %d partitions\n", cfg.Device, table.Label, len(table.Partitions))
		for _, part := range table.Partitions {
			fmt.Fprintf(out, "  %s  type=%s  %s\n", part.Node, part.Type, units.BytesSize(float64(part.Size*table.SectorSize)))
		}
	}
	if needed {
		fmt.Fprintf(out, "repartition required (boot partition must be at least %s)\n", units.BytesSize(float64(cfg.MinBootSize)))
	} else {
		fmt.Fprintln(out, "partition table seems fine")
	}
	return nil
}

func Stages(ctx *cli.Context) error {
	for _, name := range rpisetup.StageNames {
		fmt.Fprintln(ctx.App.Writer, name)
	}
	return nil
}
