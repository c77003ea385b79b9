package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"
)

const (
	ConfigEnv = "RPI_SETUP_CONFIG"
	DeviceEnv = "RPI_SETUP_DEVICE"
)

// GlobalFlags are shared by every command.
type GlobalFlags struct {
	Debug bool
}

type ProvisionFlags struct {
	ConfigPath    string
	Device        string
	Skip          cli.StringSlice
	YesWipeDevice bool
}

type InspectFlags struct {
	ConfigPath string
	Device     string
}

var (
	GlobalArgs    GlobalFlags
	ProvisionArgs ProvisionFlags
	InspectArgs   InspectFlags
)

func configFlag(dest *string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:        "config",
		Aliases:     []string{"c"},
		Usage:       "Path to the YAML configuration file, built-in defaults are used when empty",
		EnvVars:     []string{ConfigEnv},
		Destination: dest,
	}
}

func deviceFlag(dest *string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:        "device",
		Aliases:     []string{"d"},
		Usage:       "SD card block device, overrides the configured one",
		EnvVars:     []string{DeviceEnv},
		Destination: dest,
	}
}

func NewApp(name string, before cli.BeforeFunc, provision, inspect, stages cli.ActionFunc) *cli.App {
	return &cli.App{
		Name:  name,
		Usage: "Write a bootable Raspberry Pi system to an SD card",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "debug",
				Usage:       "Log every command that is run",
				Destination: &GlobalArgs.Debug,
			},
		},
		Before: before,
		Commands: []*cli.Command{
			NewProvisionCommand(name, provision),
			NewInspectCommand(name, inspect),
			{
				Name:   "stages",
				Usage:  "List the provisioning stages in execution order",
				Action: stages,
			},
		},
	}
}

func NewProvisionCommand(appName string, action cli.ActionFunc) *cli.Command {
	return &cli.Command{
		Name:      "provision",
		Usage:     "Partition, format and populate the SD card",
		UsageText: fmt.Sprintf("%s provision --yes-wipe-device [OPTIONS]", appName),
		Action:    action,
		Flags: []cli.Flag{
			configFlag(&ProvisionArgs.ConfigPath),
			deviceFlag(&ProvisionArgs.Device),
			&cli.StringSliceFlag{
				Name:        "skip",
				Usage:       "Stage to leave out, may be repeated (see the stages command)",
				Destination: &ProvisionArgs.Skip,
			},
			&cli.BoolFlag{
				Name:        "yes-wipe-device",
				Usage:       "Confirm that the device may be repartitioned and formatted",
				Destination: &ProvisionArgs.YesWipeDevice,
			},
		},
	}
}

func NewInspectCommand(appName string, action cli.ActionFunc) *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "Report whether the SD card would be repartitioned, without writing to it",
		UsageText: fmt.Sprintf("%s inspect [OPTIONS]", appName),
		Action:    action,
		Flags: []cli.Flag{
			configFlag(&InspectArgs.ConfigPath),
			deviceFlag(&InspectArgs.Device),
		},
	}
}
