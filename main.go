package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Mikael-Lovqvist/rpi-setup-script/action"
	"github.com/Mikael-Lovqvist/rpi-setup-script/cmd"
)

func main() {
	// RPI_SETUP_CONFIG and RPI_SETUP_DEVICE may come from a local .env
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logrus.Fatalf("failed to load .env: %v", err)
	}

	app := cmd.NewApp("rpi-setup", action.Setup, action.Provision, action.Inspect, action.Stages)
	if err := app.Run(os.Args); err != nil {
		logrus.Error(err)
		os.Exit(1)
	}
}
