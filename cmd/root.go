// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Environment variables read for flags left unset, after loading .env
const (
	envPort     = "H5HOST_PORT"
	envBaud     = "H5HOST_BAUD"
	envURL      = "H5HOST_URL"
	envUsername = "H5HOST_USERNAME"
	envPassword = "H5HOST_PASSWORD"
)

var (
	// Serial connection flags
	portName string
	baudRate int

	// WebSocket connection flags
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool
	wsPing        time.Duration

	// Session flags
	captureFile string
	verbose     bool
	envFile     string

	logger = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "h5host",
	Short: "H5 three-wire link host",
	Long: `h5host - A host driver and diagnostic tool for radio co-processors that
speak the H5 (three-wire) protocol over a UART.

The tool establishes the link (SYNC / CONFIG handshake), carries reliable
command/response calls with stop-and-wait retransmission, and reports
unsolicited events and link status.

Connection modes:
  Serial:    --port /dev/ttyUSB0 [--baud 115200]
  WebSocket: --url ws://host/path [--username user]

Defaults for the connection flags may be placed in a .env file
(H5HOST_PORT, H5HOST_BAUD, H5HOST_URL, H5HOST_USERNAME).

For WebSocket authentication, the password is read from the H5HOST_PASSWORD
environment variable, or prompted interactively if not set. The --password
flag is intentionally not provided to avoid leaking credentials in shell history.`,
	Version:           "0.3.0",
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func init() {
	// Serial connection flags
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Serial port device")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", 115200, "Baud rate (serial only)")

	// WebSocket connection flags
	rootCmd.PersistentFlags().StringVarP(&wsURL, "url", "u", "", "WebSocket URL (ws:// or wss://)")
	rootCmd.PersistentFlags().StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	rootCmd.PersistentFlags().BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")
	rootCmd.PersistentFlags().DurationVar(&wsPing, "ws-ping", 10*time.Second, "WebSocket keepalive interval (0 disables)")

	rootCmd.PersistentFlags().StringVar(&captureFile, "capture", "", "Record raw traffic to a CBOR capture file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging, including every frame")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "File with default settings")

	addLinkFlags(rootCmd.PersistentFlags())
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// setup loads defaults from the environment and builds the logger
func setup(cmd *cobra.Command, _ []string) error {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", envFile, err)
	}
	if err := applyEnvDefaults(cmd.Flags()); err != nil {
		return err
	}

	var err error
	logger, err = newLogger(verbose)
	return err
}

// applyEnvDefaults fills flags not given on the command line
func applyEnvDefaults(flags *pflag.FlagSet) error {
	defaults := map[string]string{
		"port":     envPort,
		"baud":     envBaud,
		"url":      envURL,
		"username": envUsername,
	}
	for name, env := range defaults {
		value, ok := os.LookupEnv(env)
		if !ok || flags.Changed(name) {
			continue
		}
		if name == "baud" {
			if _, err := strconv.Atoi(value); err != nil {
				return fmt.Errorf("%s: invalid baud rate %q", env, value)
			}
		}
		if err := flags.Set(name, value); err != nil {
			return fmt.Errorf("%s: %w", env, err)
		}
	}
	return nil
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}
