// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package channel

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsHandshakeTimeout = 10 * time.Second
	wsDialTimeout      = 15 * time.Second
	wsWriteTimeout     = 5 * time.Second
)

// ErrConnectionClosed is returned when the bridge ends the connection with
// a normal or going-away close.
var ErrConnectionClosed = errors.New("websocket connection closed")

// CloseError is an abnormal close reported by the bridge
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("bridge closed the connection (code %d)", e.Code)
	}
	return fmt.Sprintf("bridge closed the connection (code %d): %s", e.Code, e.Reason)
}

// WebSocketOptions configures OpenWebSocket
type WebSocketOptions struct {
	Username      string
	Password      string
	SkipSSLVerify bool
	// PingInterval enables keepalive pings. A bridge that stays silent for
	// two intervals is treated as gone. Zero disables pings.
	PingInterval  time.Duration
}

// WebSocket is a Channel over a WebSocket UART bridge. Each binary message
// carries raw UART bytes; text messages are bridge chatter and are dropped.
type WebSocket struct {
	conn         *websocket.Conn
	url          string
	pingInterval time.Duration

	mu      sync.Mutex
	writeMu sync.Mutex
	opened  bool
	closed  bool
	stop    chan struct{}
	done    chan struct{}
}

// OpenWebSocket dials a WebSocket UART bridge with optional HTTP Basic auth
func OpenWebSocket(ctx context.Context, wsURL string, opts WebSocketOptions) (*WebSocket, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme)
	}

	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: opts.SkipSSLVerify}
	}

	headers := http.Header{}
	if opts.Username != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(opts.Username + ":" + opts.Password))
		headers.Set("Authorization", "Basic "+credentials)
	}

	ctx, cancel := context.WithTimeout(ctx, wsDialTimeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("WebSocket connection failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("WebSocket connection failed: %w", err)
	}

	return &WebSocket{
		conn:         conn,
		url:          wsURL,
		pingInterval: opts.PingInterval,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}, nil
}

// String names the bridge
func (w *WebSocket) String() string {
	return "WebSocket: " + w.url
}

// Open starts the reader and, if configured, the keepalive pings
func (w *WebSocket) Open(onData func([]byte), onError func(error)) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrNotOpen
	}
	if w.opened {
		return ErrAlreadyOpen
	}
	w.opened = true

	if w.pingInterval > 0 {
		w.extendReadDeadline()
		w.conn.SetPongHandler(func(string) error {
			w.extendReadDeadline()
			return nil
		})
		go w.pingLoop()
	}
	go w.readLoop(onData, onError)
	return nil
}

func (w *WebSocket) extendReadDeadline() {
	_ = w.conn.SetReadDeadline(time.Now().Add(2 * w.pingInterval))
}

func (w *WebSocket) readLoop(onData func([]byte), onError func(error)) {
	defer close(w.done)

	for {
		messageType, r, err := w.conn.NextReader()
		if err != nil {
			if !w.isClosed() && onError != nil {
				onError(fmt.Errorf("%s: read: %w", w, closeReason(err)))
			}
			return
		}
		if w.pingInterval > 0 {
			w.extendReadDeadline()
		}

		if messageType != websocket.BinaryMessage {
			continue
		}
		data, err := io.ReadAll(r)
		if len(data) > 0 && onData != nil {
			onData(data)
		}
		if err != nil {
			if !w.isClosed() && onError != nil {
				onError(fmt.Errorf("%s: read: %w", w, closeReason(err)))
			}
			return
		}
	}
}

// closeReason maps a close frame from the bridge to ErrConnectionClosed or
// a *CloseError
func closeReason(err error) error {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return err
	}
	switch ce.Code {
	case websocket.CloseNormalClosure, websocket.CloseGoingAway:
		return ErrConnectionClosed
	}
	return &CloseError{Code: ce.Code, Reason: ce.Text}
}

func (w *WebSocket) pingLoop() {
	ticker := time.NewTicker(w.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Control frames may be written concurrently with messages
			if err := w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case <-w.stop:
			return
		}
	}
}

// Write sends p as one binary message
func (w *WebSocket) Write(p []byte) error {
	w.mu.Lock()
	usable := w.opened && !w.closed
	w.mu.Unlock()
	if !usable {
		return ErrNotOpen
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return fmt.Errorf("%s: write: %w", w, err)
	}
	return nil
}

// Close sends a normal close to the bridge, closes the connection and waits
// for the reader to stop
func (w *WebSocket) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	opened := w.opened
	w.mu.Unlock()

	close(w.stop)
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := w.conn.Close()
	if opened {
		<-w.done
	}
	return err
}

func (w *WebSocket) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}
