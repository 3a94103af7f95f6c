// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"github.com/tebeka/atexit"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Thermoquad/h5host/pkg/adapter"
	"github.com/Thermoquad/h5host/pkg/capture"
	"github.com/Thermoquad/h5host/pkg/channel"
)

// Link timing flags
var (
	retransmitInterval time.Duration
	maxRetries         int
	ackDelay           time.Duration
	errorTolerance     int
	responseTimeout    time.Duration
	openTimeout        time.Duration
	resetOnOpen        bool
)

func addLinkFlags(flags *pflag.FlagSet) {
	def := adapter.DefaultConfig()
	flags.DurationVar(&retransmitInterval, "retransmit", def.RetransmissionInterval, "Retransmission interval")
	flags.IntVar(&maxRetries, "max-retries", def.MaxRetries, "Retransmissions before a send fails")
	flags.DurationVar(&ackDelay, "ack-delay", def.AckDelay, "Delay before a standalone ACK (0 = immediate)")
	flags.IntVar(&errorTolerance, "error-tolerance", def.ErrorTolerance, "Consecutive framing errors before a link reset (0 = never)")
	flags.DurationVar(&responseTimeout, "response-timeout", def.ResponseTimeout, "Default call timeout")
	flags.DurationVar(&openTimeout, "open-timeout", def.OpenTimeout, "Link establishment timeout")
	flags.BoolVar(&resetOnOpen, "reset-on-open", def.ResetOnOpen, "Send a RESET packet before the handshake")
}

// adapterConfig builds the adapter configuration from the flags
func adapterConfig() adapter.Config {
	cfg := adapter.DefaultConfig()
	cfg.RetransmissionInterval = retransmitInterval
	cfg.MaxRetries = maxRetries
	cfg.AckDelay = ackDelay
	cfg.ErrorTolerance = errorTolerance
	cfg.ResponseTimeout = responseTimeout
	cfg.OpenTimeout = openTimeout
	cfg.ResetOnOpen = resetOnOpen
	return cfg
}

// OpenChannel opens either a serial or WebSocket channel based on flags
func OpenChannel(ctx context.Context) (channel.Channel, string, error) {
	if wsURL != "" {
		password := ""
		if wsUsername != "" {
			var err error
			password, err = channel.GetPassword(envPassword, wsUsername, wsURL)
			if err != nil {
				return nil, "", err
			}
		}

		ch, err := channel.OpenWebSocket(ctx, wsURL, channel.WebSocketOptions{
			Username:      wsUsername,
			Password:      password,
			SkipSSLVerify: wsNoSSLVerify,
			PingInterval:  wsPing,
		})
		if err != nil {
			return nil, "", err
		}
		return ch, ch.String(), nil
	}

	if portName != "" {
		ch, err := channel.OpenSerial(portName, baudRate)
		if err != nil {
			return nil, "", err
		}
		return ch, ch.String(), nil
	}

	return nil, "", fmt.Errorf("either --port or --url must be specified")
}

// NewAdapter wraps ch in an adapter configured from the flags. With
// --capture the raw traffic is recorded; the file is flushed at exit.
func NewAdapter(ch channel.Channel, opts ...adapter.Option) (*adapter.Adapter, error) {
	opts = append([]adapter.Option{adapter.WithLogger(logger)}, opts...)

	if captureFile != "" {
		w, err := openCapture(captureFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts,
			adapter.WithSessionStart(func(id string) {
				if err := w.StartSession(id); err != nil {
					logger.Warn("capture write failed", zap.Error(err))
				}
			}),
			adapter.WithTap(func(outbound bool, data []byte) {
				dir := capture.Inbound
				if outbound {
					dir = capture.Outbound
				}
				if err := w.Write(dir, data); err != nil {
					logger.Warn("capture write failed", zap.Error(err))
				}
			}))
	}

	return adapter.New(ch, adapterConfig(), opts...)
}

var captureWriter *capture.Writer

func openCapture(path string) (*capture.Writer, error) {
	if captureWriter != nil {
		return captureWriter, nil
	}
	w, err := capture.Create(path)
	if err != nil {
		return nil, err
	}
	atexit.Register(func() {
		if err := w.Close(); err != nil {
			logger.Error("closing capture", zap.String("file", path), zap.Error(err))
		}
	})
	captureWriter = w
	return w, nil
}

// frameLogLevel is the lowest level shown by the log callbacks
func frameLogLevel() zapcore.Level {
	if verbose {
		return zapcore.DebugLevel
	}
	return zapcore.InfoLevel
}
