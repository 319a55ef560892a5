package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/pulsemon/internal/device"
	"github.com/srg/pulsemon/scanner"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Find heart rate straps nearby",
	Long: `Scan for Bluetooth Low Energy peripherals advertising the Heart Rate service
and list their names, addresses and signal strength. Use the name or address
with 'pulsemon monitor'.`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration  time.Duration
	scanFormat    string
	scanAll       bool
	scanAllowList []string
	scanBlockList []string
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().BoolVar(&scanAll, "all", false, "List every advertiser, not only heart rate straps")
	scanCmd.Flags().StringSliceVar(&scanAllowList, "allow", nil, "Only show devices with these addresses")
	scanCmd.Flags().StringSliceVar(&scanBlockList, "block", nil, "Hide devices with these addresses")
}

func runScan(cmd *cobra.Command, _ []string) error {
	validFormats := []string{"table", "json"}
	isValidFormat := false
	for _, format := range validFormats {
		if scanFormat == format {
			isValidFormat = true
			break
		}
	}
	if !isValidFormat {
		return fmt.Errorf("invalid format '%s': must be one of %v", scanFormat, validFormats)
	}
	if scanDuration <= 0 {
		return fmt.Errorf("invalid duration %s: must be positive", scanDuration)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	radio, err := newRadio(cfg, logger)
	if err != nil {
		return err
	}

	opts := &scanner.ScanOptions{
		Duration:  scanDuration,
		AllowList: scanAllowList,
		BlockList: scanBlockList,
	}
	if !scanAll {
		opts.ServiceUUIDs = []string{cfg.ServiceUUID}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	progressCallback := func(string) {}
	if scanFormat == "table" && isTerminal(out) {
		progress := NewCountdownProgressPrinter(out, "Scanning for heart rate straps", "Initializing", scanDuration, "Processing results")
		progress.Start()
		defer progress.Stop()
		progressCallback = progress.Callback()
	}

	sightings, err := scanner.NewScanner(logger).Scan(ctx, radio, opts, progressCallback)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Error("scan failed")
		return err
	}

	if scanFormat == "json" {
		return displaySightingsJSON(out, sightings)
	}
	return displaySightingsTable(out, sightings)
}

func displaySightingsTable(out io.Writer, sightings []scanner.Sighting) error {
	if len(sightings) == 0 {
		fmt.Fprintln(out, "No heart rate straps discovered")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI\tSERVICES")

	for _, s := range sightings {
		p := s.Peripheral
		name := p.Name
		if name == "" {
			name = "(unnamed)"
		}
		if len(name) > 24 {
			name = name[:21] + "..."
		}

		services := make([]string, 0, len(p.Services))
		for _, u := range p.Services {
			services = append(services, device.DescribeUUID(u))
		}

		fmt.Fprintf(w, "%s\t%s\t%d dBm\t%s\n", name, p.ID, p.RSSI, strings.Join(services, ", "))
	}

	return w.Flush()
}

type jsonSighting struct {
	Name     string   `json:"name"`
	Address  string   `json:"address"`
	RSSI     int      `json:"rssi"`
	Services []string `json:"services"`
	Seen     int      `json:"seen"`
	LastSeen string   `json:"last_seen"`
}

func displaySightingsJSON(out io.Writer, sightings []scanner.Sighting) error {
	list := make([]jsonSighting, 0, len(sightings))
	for _, s := range sightings {
		services := s.Peripheral.Services
		if services == nil {
			services = []string{}
		}
		list = append(list, jsonSighting{
			Name:     s.Peripheral.Name,
			Address:  s.Peripheral.ID,
			RSSI:     s.Peripheral.RSSI,
			Services: services,
			Seen:     s.Count,
			LastSeen: s.LastSeen.UTC().Format(time.RFC3339),
		})
	}

	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(list)
}
