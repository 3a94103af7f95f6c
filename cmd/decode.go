// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/h5host/pkg/capture"
	"github.com/Thermoquad/h5host/pkg/h5"
	"github.com/Thermoquad/h5host/pkg/rpc"
	"github.com/Thermoquad/h5host/pkg/slip"
)

var (
	decodeFile string
	decodeHex  string
)

var decodeCmd = &cobra.Command{
	Use:   "decode",
	Short: "Decode a capture file or hex bytes offline",
	Long: `Decode recorded traffic without a connection.

--file reads a capture written with --capture and prints every frame in
both directions. --hex decodes bytes given on the command line: input
starting with C0 is treated as a SLIP stream, anything else as one
unescaped H5 frame.`,
	Example: `  h5host decode --file session.cbor
  h5host decode --hex "C0 00 E0 00 1F C0"`,
	RunE: runDecode,
}

func init() {
	rootCmd.AddCommand(decodeCmd)
	decodeCmd.Flags().StringVarP(&decodeFile, "file", "f", "", "Capture file to decode")
	decodeCmd.Flags().StringVar(&decodeHex, "hex", "", "Hex bytes to decode")
	decodeCmd.MarkFlagsMutuallyExclusive("file", "hex")
	decodeCmd.MarkFlagsOneRequired("file", "hex")
}

func runDecode(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	if decodeHex != "" {
		data, err := parseHex(decodeHex)
		if err != nil {
			return err
		}
		return decodeBytes(out, data)
	}

	f, err := os.Open(decodeFile)
	if err != nil {
		return err
	}
	defer f.Close()
	return decodeCapture(out, f)
}

// decodeBytes prints a SLIP stream or a single raw frame
func decodeBytes(out io.Writer, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("no data")
	}
	if data[0] != slip.End {
		printFrame(out, "", data)
		return nil
	}

	frames := 0
	slip.NewDecoder(0).Decode(data,
		func(frame []byte) {
			frames++
			printFrame(out, "", frame)
		},
		func(err error) {
			fmt.Fprintf(out, "\033[1;31mSLIP ERROR:\033[0m %v\n", err)
		})
	if frames == 0 {
		return fmt.Errorf("no complete SLIP frame in input")
	}
	return nil
}

// decodeCapture prints every frame of a capture file
func decodeCapture(out io.Writer, r io.Reader) error {
	cr, err := capture.NewReader(r)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Capture started %s\n", cr.Header.Started.Format("2006-01-02 15:04:05.000"))

	var decoders map[capture.Direction]*slip.Decoder
	resetDecoders := func() {
		decoders = map[capture.Direction]*slip.Decoder{
			capture.Inbound:  slip.NewDecoder(0),
			capture.Outbound: slip.NewDecoder(0),
		}
	}
	resetDecoders()

	var records, frames, sessions int
	for {
		rec, err := cr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("record %d: %w", records+1, err)
		}
		records++

		if rec.IsSessionStart() {
			// A new session starts on a fresh channel
			sessions++
			resetDecoders()
			fmt.Fprintf(out, "\n\033[1mSession %s\033[0m [%s]\n", rec.Session, rec.Time.Format("15:04:05.000000"))
			continue
		}

		dec, ok := decoders[rec.Dir]
		if !ok {
			fmt.Fprintf(out, "\033[1;33mWARNING:\033[0m record %d has unknown direction %d\n", records, rec.Dir)
			continue
		}
		prefix := fmt.Sprintf("[%s] %s ", rec.Time.Format("15:04:05.000000"), rec.Dir)
		dec.Decode(rec.Data,
			func(frame []byte) {
				frames++
				printFrame(out, prefix, frame)
			},
			func(err error) {
				fmt.Fprintf(out, "%s\033[1;31mSLIP ERROR:\033[0m %v\n", prefix, err)
			})
	}

	fmt.Fprintf(out, "\n%d records, %d frames, %d sessions\n", records, frames, sessions)
	return nil
}

func printFrame(out io.Writer, prefix string, raw []byte) {
	f, err := h5.Decode(raw)
	if err != nil {
		fmt.Fprintf(out, "%s\033[1;31mINVALID:\033[0m %v [%s]\n", prefix, err, h5.FormatHex(raw))
		return
	}

	line := h5.FormatFrame(f)
	if f.Type == h5.TypeVendorSpecific && len(f.Payload) > 0 {
		if p, err := rpc.Parse(f.Payload); err == nil {
			line += " \033[36m" + p.String() + "\033[0m"
		}
	}
	fmt.Fprintf(out, "%s%s\n", prefix, line)
}
