// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package rpc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Thermoquad/h5host/pkg/link"
)

// ============================================================
// Test helpers
// ============================================================

// fakeSender records payloads and lets the test complete each send
type fakeSender struct {
	mu       sync.Mutex
	payloads [][]byte
	sends    []chan error
	inflight bool
	err      error
}

func (s *fakeSender) SendReliable(p []byte) (<-chan error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	ch := make(chan error, 1)
	s.payloads = append(s.payloads, p)
	s.sends = append(s.sends, ch)
	s.inflight = true
	return ch, nil
}

func (s *fakeSender) InFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

func (s *fakeSender) complete(i int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends[i] <- err
	if i == len(s.sends)-1 {
		s.inflight = false
	}
}

func (s *fakeSender) payload(i int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.payloads[i]
}

type callResult struct {
	data []byte
	err  error
}

func goCall(r *Router, opcode uint8, cmd []byte, timeout time.Duration) <-chan callResult {
	ch := make(chan callResult, 1)
	go func() {
		data, err := r.Call(context.Background(), opcode, cmd, timeout)
		ch <- callResult{data, err}
	}()
	return ch
}

func waitSends(t *testing.T, s *fakeSender, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return s.count() >= n }, time.Second, time.Millisecond)
}

func waitResult(t *testing.T, ch <-chan callResult) callResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("call did not return")
		return callResult{}
	}
}

func newTestRouter(t *testing.T, h Handlers) (*Router, *fakeSender) {
	s := &fakeSender{}
	return NewRouter(s, h, zaptest.NewLogger(t)), s
}

// ============================================================
// Packets
// ============================================================

func TestPacket_Encode(t *testing.T) {
	require.Equal(t, []byte{0x00, 0x01, 0xAA}, NewCommand(0x01, []byte{0xAA}).Encode())
	require.Equal(t, []byte{0x01, 0x01, 0x00}, NewResponse(0x01, []byte{0x00}).Encode())
	require.Equal(t, []byte{0x02, 0x10, 0x11}, NewEvent([]byte{0x10, 0x11}).Encode())
	require.Equal(t, []byte{0x00, 0x7F}, NewCommand(0x7F, nil).Encode())
}

func TestPacket_Parse(t *testing.T) {
	for _, p := range []Packet{
		NewCommand(0x01, []byte{0xAA}),
		NewResponse(0x66, []byte{0x00, 0x00, 0x00, 0x00}),
		NewEvent([]byte{0x10}),
	} {
		got, err := Parse(p.Encode())
		require.NoError(t, err)
		require.Equal(t, p.Kind, got.Kind)
		require.Equal(t, p.Opcode, got.Opcode)
		require.Equal(t, p.Data, got.Data)
	}

	_, err := Parse(nil)
	assert.ErrorIs(t, err, ErrEmptyPacket)
	_, err = Parse([]byte{0x01})
	assert.ErrorIs(t, err, ErrShortPacket)
	_, err = Parse([]byte{0x09, 0x01})
	assert.ErrorIs(t, err, ErrUnknownKind)
}

// ============================================================
// Calls
// ============================================================

func TestCall_Response(t *testing.T) {
	r, s := newTestRouter(t, Handlers{})

	res := goCall(r, 0x01, []byte{0xAA}, time.Second)
	waitSends(t, s, 1)
	require.Equal(t, []byte{0x00, 0x01, 0xAA}, s.payload(0))
	require.True(t, r.Busy())

	s.complete(0, nil)
	r.HandlePacket([]byte{0x01, 0x01, 0x00, 0x99})

	got := waitResult(t, res)
	require.NoError(t, got.err)
	require.Equal(t, []byte{0x00, 0x99}, got.data)
	require.False(t, r.Busy())
}

func TestCall_ResponseBeforeAck(t *testing.T) {
	r, s := newTestRouter(t, Handlers{})

	res := goCall(r, 0x02, nil, time.Second)
	waitSends(t, s, 1)

	// A reply cannot precede the acknowledgement of its own command
	r.HandlePacket([]byte{0x01, 0x02, 0xEE})
	require.True(t, r.Busy())

	s.complete(0, nil)
	r.HandlePacket([]byte{0x01, 0x02})
	got := waitResult(t, res)
	require.NoError(t, got.err)
	require.Empty(t, got.data)
}

func TestCall_LateResponseNotMatchedToNextCall(t *testing.T) {
	r, s := newTestRouter(t, Handlers{})

	res := goCall(r, 0x05, []byte{0x01}, 20*time.Millisecond)
	waitSends(t, s, 1)
	s.complete(0, nil)
	require.ErrorIs(t, waitResult(t, res).err, ErrNoResponse)

	// Same opcode again; the reply to the first command shows up before
	// the second one is acknowledged
	res = goCall(r, 0x05, []byte{0x02}, time.Second)
	waitSends(t, s, 2)
	require.Equal(t, []byte{0x00, 0x05, 0x02}, s.payload(1))

	r.HandlePacket([]byte{0x01, 0x05, 0xEE})
	require.True(t, r.Busy())

	s.complete(1, nil)
	r.HandlePacket([]byte{0x01, 0x05, 0x01})
	got := waitResult(t, res)
	require.NoError(t, got.err)
	require.Equal(t, []byte{0x01}, got.data)
}

func TestCall_Timeout(t *testing.T) {
	r, s := newTestRouter(t, Handlers{})

	res := goCall(r, 0x05, nil, 20*time.Millisecond)
	waitSends(t, s, 1)
	s.complete(0, nil)

	got := waitResult(t, res)
	require.ErrorIs(t, got.err, ErrNoResponse)

	var cmdErr *CommandError
	require.True(t, errors.As(got.err, &cmdErr))
	require.Equal(t, uint8(0x05), cmdErr.Opcode)

	// Late response is discarded, not matched to the next call
	r.HandlePacket([]byte{0x01, 0x05, 0xEE})
	require.False(t, r.Busy())

	res = goCall(r, 0x05, nil, time.Second)
	waitSends(t, s, 2)
	s.complete(1, nil)
	r.HandlePacket([]byte{0x01, 0x05, 0x01})
	got = waitResult(t, res)
	require.NoError(t, got.err)
	require.Equal(t, []byte{0x01}, got.data)
}

func TestCall_WaitsForTimedOutSend(t *testing.T) {
	r, s := newTestRouter(t, Handlers{})

	res := goCall(r, 0x01, nil, 20*time.Millisecond)
	waitSends(t, s, 1)
	require.ErrorIs(t, waitResult(t, res).err, ErrNoResponse)

	res = goCall(r, 0x02, nil, time.Second)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, s.count(), "second command held back while the first is in flight")

	// Retransmission budget of the first frame ran out
	s.complete(0, link.ErrMaxRetries)
	waitSends(t, s, 2)
	s.complete(1, nil)
	r.HandlePacket([]byte{0x01, 0x02})
	require.NoError(t, waitResult(t, res).err)
}

func TestCall_MismatchedOpcodeIgnored(t *testing.T) {
	r, s := newTestRouter(t, Handlers{})

	res := goCall(r, 0x10, nil, time.Second)
	waitSends(t, s, 1)
	s.complete(0, nil)

	r.HandlePacket([]byte{0x01, 0x11, 0xFF})
	require.True(t, r.Busy())

	r.HandlePacket([]byte{0x01, 0x10, 0x01})
	got := waitResult(t, res)
	require.NoError(t, got.err)
	require.Equal(t, []byte{0x01}, got.data)
}

func TestCall_EventsPassThrough(t *testing.T) {
	var mu sync.Mutex
	var events [][]byte
	r, s := newTestRouter(t, Handlers{Event: func(data []byte) {
		mu.Lock()
		events = append(events, data)
		mu.Unlock()
	}})

	res := goCall(r, 0x01, nil, time.Second)
	waitSends(t, s, 1)
	s.complete(0, nil)

	r.HandlePacket([]byte{0x02, 0x10, 0x20})
	require.True(t, r.Busy(), "events do not complete the call")

	r.HandlePacket([]byte{0x01, 0x01})
	require.NoError(t, waitResult(t, res).err)

	r.HandlePacket([]byte{0x02, 0x30})

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, [][]byte{{0x10, 0x20}, {0x30}}, events)
}

func TestCall_SendRejected(t *testing.T) {
	r, s := newTestRouter(t, Handlers{})
	s.err = link.ErrNotActive

	_, err := r.Call(context.Background(), 0x01, nil, time.Second)
	require.ErrorIs(t, err, link.ErrNotActive)
	require.False(t, r.Busy())
}

func TestCall_SendFailed(t *testing.T) {
	r, s := newTestRouter(t, Handlers{})

	res := goCall(r, 0x01, nil, time.Second)
	waitSends(t, s, 1)
	s.complete(0, link.ErrMaxRetries)

	require.ErrorIs(t, waitResult(t, res).err, link.ErrMaxRetries)
}

func TestCall_Abort(t *testing.T) {
	r, s := newTestRouter(t, Handlers{})

	res := goCall(r, 0x01, nil, time.Second)
	waitSends(t, s, 1)
	s.complete(0, nil)

	r.Abort(link.ErrLinkReset)
	require.ErrorIs(t, waitResult(t, res).err, link.ErrLinkReset)

	// Nothing pending: no-op
	r.Abort(link.ErrLinkReset)
}

func TestCall_Context(t *testing.T) {
	r, s := newTestRouter(t, Handlers{})

	ctx, cancel := context.WithCancel(context.Background())
	res := make(chan error, 1)
	go func() {
		_, err := r.Call(ctx, 0x01, nil, time.Second)
		res <- err
	}()
	waitSends(t, s, 1)
	cancel()

	select {
	case err := <-res:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("call did not return")
	}
}

func TestCall_Serialized(t *testing.T) {
	r, s := newTestRouter(t, Handlers{})

	first := goCall(r, 0x01, nil, time.Second)
	waitSends(t, s, 1)
	second := goCall(r, 0x02, nil, time.Second)

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, s.count(), "second caller blocks while the first is outstanding")

	s.complete(0, nil)
	r.HandlePacket([]byte{0x01, 0x01})
	require.NoError(t, waitResult(t, first).err)

	waitSends(t, s, 2)
	require.Equal(t, []byte{0x00, 0x02}, s.payload(1))
	s.complete(1, nil)
	r.HandlePacket([]byte{0x01, 0x02})
	require.NoError(t, waitResult(t, second).err)
}

func TestClose(t *testing.T) {
	r, s := newTestRouter(t, Handlers{})

	pending := goCall(r, 0x01, nil, time.Second)
	waitSends(t, s, 1)
	queued := goCall(r, 0x02, nil, time.Second)

	r.Close()
	r.Close()

	require.ErrorIs(t, waitResult(t, pending).err, ErrClosed)
	require.ErrorIs(t, waitResult(t, queued).err, ErrClosed)

	_, err := r.Call(context.Background(), 0x03, nil, time.Second)
	require.ErrorIs(t, err, ErrClosed)
}

// ============================================================
// Inbound anomalies
// ============================================================

func TestHandlePacket_Anomalies(t *testing.T) {
	var statuses []link.Status
	r, _ := newTestRouter(t, Handlers{Status: func(code link.Status, _ string) {
		statuses = append(statuses, code)
	}})

	r.HandlePacket(nil)
	r.HandlePacket([]byte{0x07, 0x00})
	r.HandlePacket([]byte{0x00, 0x01})

	require.Equal(t, []link.Status{link.StatusDecodeError, link.StatusUnexpected, link.StatusUnexpected}, statuses)
}
