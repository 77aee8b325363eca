package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"sitewatch/internal/models"
	"sitewatch/internal/protocol"

	"github.com/spf13/cobra"
)

var decodeFile string

var decodeCmd = &cobra.Command{
	Use:   "decode [hex]",
	Short: "Decode a captured byte stream into frames and pin states",
	Long: `Decode runs hex encoded bytes through the frame reassembler and prints
every valid frame. Whitespace and ':' separators are ignored, so output of
tcpdump -X or xxd -p can be pasted directly.`,
	Args: cobra.MaximumNArgs(1),
	// no service config needed
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		var input string
		switch {
		case len(args) == 1:
			input = args[0]
		case decodeFile != "":
			raw, err := os.ReadFile(decodeFile)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", decodeFile, err)
			}
			input = string(raw)
		default:
			raw, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("failed to read stdin: %w", err)
			}
			input = string(raw)
		}

		data, err := parseHex(input)
		if err != nil {
			return err
		}
		_, err = decodeStream(data, cmd.OutOrStdout())
		return err
	},
}

func init() {
	decodeCmd.Flags().StringVarP(&decodeFile, "file", "f", "", "read hex from file instead of the argument")
}

func parseHex(s string) ([]byte, error) {
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r', ':':
			return -1
		}
		return r
	}, s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex input: %w", err)
	}
	return data, nil
}

// decodeStream prints one block per valid frame followed by the reassembler counters
func decodeStream(data []byte, w io.Writer) (protocol.ReassemblerStats, error) {
	r := protocol.NewReassembler()
	frames := r.Feed(data)

	for i, f := range frames {
		if _, err := fmt.Fprintf(w, "frame %d: command=0x%04x checksum=0x%02x\n", i+1, f.Command, f.Checksum); err != nil {
			return protocol.ReassemblerStats{}, err
		}
		if !f.CarriesPinStates() {
			fmt.Fprintln(w, "  (no pin states)")
			continue
		}
		snap := f.Snapshot(models.DeviceKey{}, time.Time{})
		fmt.Fprintf(w, "  inputs:  %s\n", formatPins(snap.Inputs))
		fmt.Fprintf(w, "  outputs: %s\n", formatPins(snap.Outputs))
	}

	stats := r.Stats()
	_, err := fmt.Fprintf(w, "frames=%d skipped_bytes=%d checksum_rejects=%d buffered=%d\n",
		stats.Frames, stats.SkippedBytes, stats.ChecksumRejects, r.Buffered())
	return stats, err
}

// formatPins renders pin numbers with C (closed) or O (open)
func formatPins(states []bool) string {
	parts := make([]string, len(states))
	for i, closed := range states {
		state := "O"
		if closed {
			state = "C"
		}
		parts[i] = fmt.Sprintf("%d=%s", i+1, state)
	}
	return strings.Join(parts, " ")
}
