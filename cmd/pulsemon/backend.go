package main

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/pulsemon/internal/device"
	"github.com/srg/pulsemon/internal/device/goble"
	"github.com/srg/pulsemon/internal/device/tinygo"
	"github.com/srg/pulsemon/pkg/config"
)

// newRadio builds the radio for the configured backend. Tests replace it.
var newRadio = func(cfg *config.Config, logger *logrus.Logger) (device.Radio, error) {
	switch strings.ToLower(cfg.Backend) {
	case config.BackendGoBLE:
		return goble.NewRadio(goble.Options{ConnectTimeout: cfg.ConnectTimeout}, logger), nil
	case config.BackendTinyGo:
		return tinygo.NewRadio(tinygo.Options{ConnectTimeout: cfg.ConnectTimeout}, logger), nil
	default:
		return nil, fmt.Errorf("unknown backend %q (use %s or %s)", cfg.Backend, config.BackendGoBLE, config.BackendTinyGo)
	}
}

// loadConfig reads --config and applies the global flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if cmd.Flags().Changed("backend") {
		cfg.Backend, _ = cmd.Flags().GetString("backend")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
