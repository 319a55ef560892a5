package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/pulsemon/internal/device"
	"github.com/srg/pulsemon/internal/monitor"
	"github.com/srg/pulsemon/pkg/config"
	"github.com/srg/pulsemon/pkg/heartmonitor"
	"golang.org/x/term"
)

// monitorCmd streams readings from one strap
var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Stream heart rate readings from a strap",
	Long: `Scan for the heart rate strap named by --name (or --address), connect to it,
subscribe to Heart Rate Measurement notifications and print one line per reading.

Payloads that cannot be decoded are reported on stderr. Press Ctrl+C to disconnect.`,
	Example: `  pulsemon monitor --name "Polar H10 12345"
  pulsemon --address AA:BB:CC:DD:EE:FF --format json
  pulsemon monitor --config ~/.pulsemon.yaml --decoder standard`,
	Args: cobra.NoArgs,
	RunE: runMonitor,
}

var (
	monitorName    string
	monitorAddress string
	monitorDecoder string
	monitorFormat  string
)

// addMonitorFlags binds the monitor flags; both the root command and the
// monitor subcommand accept them.
func addMonitorFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&monitorName, "name", "n", "", "Advertised name of the strap")
	cmd.Flags().StringVarP(&monitorAddress, "address", "a", "", "Address of the strap")
	cmd.Flags().StringVar(&monitorDecoder, "decoder", "", "Payload decoder (literal, standard)")
	cmd.Flags().StringVarP(&monitorFormat, "format", "f", "", "Output format (text, json)")
}

func init() {
	addMonitorFlags(monitorCmd)
}

// stateLabels are the progress phases shown while waiting for the first reading.
var stateLabels = map[monitor.State]string{
	monitor.AdapterInitializing:       "Initializing adapter",
	monitor.Scanning:                  "Scanning",
	monitor.Connecting:                "Connecting",
	monitor.ServiceDiscovering:        "Discovering services",
	monitor.CharacteristicDiscovering: "Discovering characteristics",
	monitor.Subscribed:                "Subscribed",
}

func runMonitor(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyMonitorFlags(cmd, cfg)

	opts, err := cfg.MonitorOptions()
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

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	printer := newReadingPrinter(out, cfg.OutputFormat)

	var progress *ProgressPrinter
	if cfg.OutputFormat == config.FormatText && isTerminal(out) {
		progress = NewProgressPrinter(out, "Waiting for "+opts.Target.String(), stateLabels[monitor.AdapterInitializing],
			stateLabels[monitor.Subscribed])
		progress.Start()
		defer progress.Stop()
	}

	halted := make(chan error, 1)
	opts.OnReading = printer.Print
	opts.OnStateChange = func(from, to monitor.State) {
		logger.WithFields(logrus.Fields{"from": from, "to": to}).Debug("Monitor state changed")
		if progress != nil {
			if label, ok := stateLabels[to]; ok {
				progress.Callback()(label)
			}
		}
	}
	opts.OnHalt = func(reason error) {
		select {
		case halted <- reason:
		default:
		}
	}

	mon, err := heartmonitor.New(ctx, radio, opts, logger)
	if err != nil {
		_ = radio.Close()
		return err
	}

	errOut := cmd.ErrOrStderr()
	var drained sync.WaitGroup
	drained.Add(1)
	go func() {
		defer drained.Done()
		for decodeErr := range mon.Errors() {
			fmt.Fprintf(errOut, "WARN: %s\n", FormatUserError(decodeErr))
		}
	}()

	var haltReason error
	select {
	case <-ctx.Done():
	case <-mon.Done():
	case haltReason = <-halted:
	}

	if progress != nil {
		progress.Stop()
	}
	_ = mon.Close()
	drained.Wait()

	switch {
	case haltReason != nil:
		return fmt.Errorf("%w: %w", ErrMonitorHalted, haltReason)
	case mon.Err() != nil:
		if errors.Is(mon.Err(), device.ErrNotConnected) {
			return fmt.Errorf("%w: %v", ErrConnectionLost, mon.Err())
		}
		return mon.Err()
	case ctx.Err() != nil && cmd.Context().Err() == nil:
		// Interrupted by the user
		fmt.Fprintln(errOut, "\nDisconnected.")
	}
	return nil
}

// applyMonitorFlags overrides configuration values with explicitly set flags.
func applyMonitorFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("name") || flags.Changed("address") {
		cfg.Target = config.TargetConfig{Name: monitorName, Address: monitorAddress}
	}
	if flags.Changed("decoder") {
		cfg.Decoder = monitorDecoder
	}
	if flags.Changed("format") {
		cfg.OutputFormat = monitorFormat
	}
}

// readingPrinter renders readings as colored text or JSON lines.
type readingPrinter struct {
	mu     sync.Mutex
	out    io.Writer
	format string
	heart  *color.Color
}

func newReadingPrinter(out io.Writer, format string) *readingPrinter {
	heart := color.New(color.FgRed, color.Bold)
	if !isTerminal(out) {
		heart.DisableColor()
	}
	return &readingPrinter{out: out, format: format, heart: heart}
}

type jsonReading struct {
	Timestamp string `json:"ts"`
	BPM       int    `json:"bpm"`
}

func (p *readingPrinter) Print(r heartmonitor.Reading) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.format == config.FormatJSON {
		line, _ := json.Marshal(jsonReading{Timestamp: r.At.UTC().Format(time.RFC3339Nano), BPM: r.BPM})
		fmt.Fprintln(p.out, string(line))
		return
	}
	fmt.Fprintf(p.out, "%s %d bpm\n", p.heart.Sprint("♥"), r.BPM)
}

// isTerminal reports whether w is a terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	if strings.EqualFold(os.Getenv("TERM"), "dumb") {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}
