package main

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/srg/pulsemon/internal/heartrate"
)

// decodeCmd decodes captured payloads without a radio
var decodeCmd = &cobra.Command{
	Use:   "decode <hex> [hex...]",
	Short: "Decode Heart Rate Measurement payloads",
	Long: `Decode one or more captured Heart Rate Measurement payloads given as hex.
Bytes may be separated by spaces, colons or dashes, and an optional 0x prefix is accepted.

The literal decoder is the one 'monitor' uses by default; --variant standard
skips the flags byte. --details parses every field of the payload.`,
	Example: `  pulsemon decode 004B
  pulsemon decode "01 4B 00" --variant standard
  pulsemon decode 164B7803 --details`,
	Args: cobra.MinimumNArgs(1),
	RunE: runDecode,
}

var (
	decodeVariant string
	decodeDetails bool
)

func init() {
	decodeCmd.Flags().StringVar(&decodeVariant, "variant", "literal", "Decoder (literal, standard)")
	decodeCmd.Flags().BoolVar(&decodeDetails, "details", false, "Parse flags, energy expended and RR intervals")
}

func runDecode(cmd *cobra.Command, args []string) error {
	variant, err := heartrate.ParseVariant(decodeVariant)
	if err != nil {
		return err
	}

	payloads := make([][]byte, 0, len(args))
	for _, arg := range args {
		raw, err := parseHexPayload(arg)
		if err != nil {
			return err
		}
		payloads = append(payloads, raw)
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	decode := variant.Decoder()
	out := cmd.OutOrStdout()
	for _, raw := range payloads {
		bpm, err := decode(raw)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s: %d\n", strings.ToUpper(hex.EncodeToString(raw)), bpm)

		if decodeDetails {
			m, err := heartrate.ParseMeasurement(raw)
			if err != nil {
				fmt.Fprintf(out, "  %s\n", FormatUserError(err))
				continue
			}
			fmt.Fprintf(out, "  %s\n", m)
		}
	}
	return nil
}

// parseHexPayload accepts "014B00", "01 4B 00", "01:4b:00" and "0x014B00".
func parseHexPayload(s string) ([]byte, error) {
	clean := strings.TrimSpace(s)
	clean = strings.TrimPrefix(strings.TrimPrefix(clean, "0x"), "0X")
	clean = strings.NewReplacer(" ", "", ":", "", "-", "").Replace(clean)

	raw, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid hex payload %q: %w", s, err)
	}
	return raw, nil
}
