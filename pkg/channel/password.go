// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package channel

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"golang.org/x/term"
)

// ErrEmptyPassword is returned when no password was entered
var ErrEmptyPassword = errors.New("empty password")

// GetPassword returns the bridge password for username from envVar, or
// prompts for it on stdin when envVar is unset.
func GetPassword(envVar, username, bridgeURL string) (string, error) {
	if pw := os.Getenv(envVar); pw != "" {
		return pw, nil
	}

	host := bridgeURL
	if u, err := url.Parse(bridgeURL); err == nil && u.Host != "" {
		host = u.Host
	}
	return readPassword(os.Stdin, os.Stderr, fmt.Sprintf("Password for %s@%s: ", username, host))
}

// readPassword reads without echo from a terminal, or one line from
// anything else
func readPassword(in *os.File, out io.Writer, prompt string) (string, error) {
	fmt.Fprint(out, prompt)
	defer fmt.Fprintln(out)

	var password string
	if fd := int(in.Fd()); term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		password = string(b)
	} else {
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && (!errors.Is(err, io.EOF) || line == "") {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		password = strings.TrimRight(line, "\r\n")
	}

	if password == "" {
		return "", ErrEmptyPassword
	}
	return password, nil
}
