// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package adapter

//go:generate mockgen -destination "mock_channel_test.go" -package $GOPACKAGE -write_package_comment=false github.com/Thermoquad/h5host/pkg/channel Channel

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap/zaptest"

	"github.com/Thermoquad/h5host/pkg/channel"
	"github.com/Thermoquad/h5host/pkg/h5"
	"github.com/Thermoquad/h5host/pkg/link"
	"github.com/Thermoquad/h5host/pkg/rpc"
	"github.com/Thermoquad/h5host/pkg/slip"
)

// ============================================================
// Simulated firmware
// ============================================================

// firmware answers the link handshake and acknowledges reliable frames.
// respond decides the response to each command; ok=false stays silent.
type firmware struct {
	t       *testing.T
	silent  bool
	respond func(opcode uint8, data []byte) (result []byte, ok bool)

	mu       sync.Mutex
	decoder  *slip.Decoder
	onData   func([]byte)
	inbox    chan []byte
	stop     chan struct{}
	open     bool
	closed   int
	txSeq    uint8
	rxSeq    uint8
	commands []rpc.Packet
}

var _ channel.Channel = (*firmware)(nil)

func newFirmware(t *testing.T) *firmware {
	return &firmware{
		t:       t,
		decoder: slip.NewDecoder(0),
		respond: func(opcode uint8, data []byte) ([]byte, bool) {
			return append([]byte{0xEE}, data...), true
		},
	}
}

func (fw *firmware) Open(onData func([]byte), _ func(error)) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.open {
		return channel.ErrAlreadyOpen
	}
	fw.open = true
	fw.onData = onData
	fw.inbox = make(chan []byte, 64)
	fw.stop = make(chan struct{})

	inbox, stop := fw.inbox, fw.stop
	go func() {
		for {
			select {
			case data := <-inbox:
				onData(data)
			case <-stop:
				return
			}
		}
	}()
	return nil
}

func (fw *firmware) Close() error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.closed++
	if fw.open {
		fw.open = false
		close(fw.stop)
	}
	return nil
}

func (fw *firmware) Write(p []byte) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if !fw.open {
		return channel.ErrNotOpen
	}
	fw.decoder.Decode(p, fw.handleFrame, nil)
	return nil
}

func (fw *firmware) handleFrame(raw []byte) {
	f, err := h5.Decode(raw)
	if err != nil {
		fw.t.Errorf("firmware: host sent a bad frame: %v", err)
		return
	}
	if fw.silent {
		return
	}

	switch f.Type {
	case h5.TypeLinkControl:
		kind, _, _ := h5.ParseControl(f.Payload)
		switch kind {
		case h5.ControlSync:
			fw.sendLocked(h5.Frame{Type: h5.TypeLinkControl, Payload: h5.ControlPayload(h5.ControlSyncResponse, 0)})
		case h5.ControlConfig:
			fw.sendLocked(h5.Frame{Type: h5.TypeLinkControl, Payload: h5.ControlPayload(h5.ControlConfigResponse, h5.DefaultConfigField)})
		}

	case h5.TypeVendorSpecific:
		if f.Seq != fw.rxSeq {
			// Retransmission of a frame already handled
			fw.sendLocked(h5.Frame{Type: h5.TypeAck, Ack: fw.rxSeq})
			return
		}
		fw.rxSeq = h5.NextSeq(f.Seq)
		fw.sendLocked(h5.Frame{Type: h5.TypeAck, Ack: fw.rxSeq})

		p, err := rpc.Parse(f.Payload)
		if err != nil || p.Kind != rpc.KindCommand {
			fw.t.Errorf("firmware: unexpected payload % X", f.Payload)
			return
		}
		fw.commands = append(fw.commands, p)
		if result, ok := fw.respond(p.Opcode, p.Data); ok {
			fw.sendReliableLocked(rpc.NewResponse(p.Opcode, result).Encode())
		}
	}
}

func (fw *firmware) sendLocked(f h5.Frame) {
	data, err := h5.Encode(f)
	if err != nil {
		fw.t.Errorf("firmware: encode: %v", err)
		return
	}
	select {
	case fw.inbox <- slip.Encode(data):
	default:
		fw.t.Error("firmware: inbox full")
	}
}

func (fw *firmware) sendReliableLocked(payload []byte) {
	fw.sendLocked(h5.Frame{
		Seq:      fw.txSeq,
		Ack:      fw.rxSeq,
		Reliable: true,
		Type:     h5.TypeVendorSpecific,
		Payload:  payload,
	})
	fw.txSeq = h5.NextSeq(fw.txSeq)
}

// emit sends an unsolicited event
func (fw *firmware) emit(data []byte) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.sendReliableLocked(rpc.NewEvent(data).Encode())
}

func (fw *firmware) received() []rpc.Packet {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return append([]rpc.Packet(nil), fw.commands...)
}

func (fw *firmware) closeCount() int {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.closed
}

// ============================================================
// Helpers
// ============================================================

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetransmissionInterval = 20 * time.Millisecond
	cfg.ResponseTimeout = time.Second
	cfg.OpenTimeout = time.Second
	return cfg
}

func openAdapter(t *testing.T, ch channel.Channel, cb Callbacks) *Adapter {
	t.Helper()
	a, err := New(ch, testConfig(), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	require.NoError(t, a.Open(context.Background(), cb))
	t.Cleanup(func() { a.Close() })
	return a
}

// ============================================================
// Config
// ============================================================

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.ResponseTimeout = 0
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.OpenTimeout = -time.Second
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.MaxRetries = -1
	require.Error(t, cfg.Validate(), "link settings are validated too")

	_, err := New(newFirmware(t), cfg)
	require.Error(t, err)
}

// ============================================================
// End to end
// ============================================================

func TestAdapter_CallEndToEnd(t *testing.T) {
	fw := newFirmware(t)
	fw.respond = func(opcode uint8, data []byte) ([]byte, bool) {
		return []byte{0x10, 0x20}, true
	}
	a := openAdapter(t, fw, Callbacks{})

	require.Equal(t, link.StateActive, a.State())
	require.Equal(t, uint8(0), a.Counters().NextOutgoingSeq)
	require.NotEmpty(t, a.SessionID())

	result, err := a.Call(context.Background(), 0x01, []byte{0xAA}, 0)
	require.NoError(t, err)
	require.Equal(t, []byte{0x10, 0x20}, result)
	require.Equal(t, uint8(1), a.Counters().NextOutgoingSeq)

	cmds := fw.received()
	require.Len(t, cmds, 1)
	assert.Equal(t, uint8(0x01), cmds[0].Opcode)
	assert.Equal(t, []byte{0xAA}, cmds[0].Data)
}

func TestAdapter_SequentialCalls(t *testing.T) {
	fw := newFirmware(t)
	a := openAdapter(t, fw, Callbacks{})

	for i := 0; i < 10; i++ {
		result, err := a.Call(context.Background(), uint8(i), []byte{byte(i)}, 0)
		require.NoError(t, err, "call %d", i)
		require.Equal(t, []byte{0xEE, byte(i)}, result)
	}

	// Sequence numbers wrap modulo 8
	require.Equal(t, uint8(10%8), a.Counters().NextOutgoingSeq)
	require.Equal(t, uint8(10%8), a.Counters().ExpectedIncomingSeq)
}

func TestAdapter_ConcurrentCallsAreSerialized(t *testing.T) {
	fw := newFirmware(t)
	a := openAdapter(t, fw, Callbacks{})

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(op uint8) {
			defer wg.Done()
			result, err := a.Call(context.Background(), op, []byte{op}, 0)
			if err == nil && !assert.Equal(t, []byte{0xEE, op}, result) {
				err = errors.New("wrong result")
			}
			errs <- err
		}(uint8(i))
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	require.Len(t, fw.received(), 8)
}

func TestAdapter_Callbacks(t *testing.T) {
	fw := newFirmware(t)

	statuses := make(chan link.Status, 16)
	states := make(chan link.State, 16)
	events := make(chan []byte, 16)
	logs := make(chan string, 1024)

	a := openAdapter(t, fw, Callbacks{
		Status: func(code link.Status, _ string) { statuses <- code },
		State:  func(s link.State) { states <- s },
		Event:  func(data []byte) { events <- data },
		Log: func(sev Severity, msg string) {
			select {
			case logs <- sev.String() + " " + msg:
			default:
			}
		},
	})

	require.Equal(t, link.StatusConnectionActive, <-statuses)
	require.Equal(t, link.StateInitializingSync, <-states)
	require.Equal(t, link.StateInitializingConfig, <-states)
	require.Equal(t, link.StateActive, <-states)

	fw.emit([]byte{0x05, 0x06})
	select {
	case data := <-events:
		require.Equal(t, []byte{0x05, 0x06}, data)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	// An event does not disturb a following call
	_, err := a.Call(context.Background(), 0x02, nil, 0)
	require.NoError(t, err)

	require.NoError(t, a.Close())

	var sawStateChange bool
	for len(logs) > 0 {
		if msg := <-logs; strings.HasPrefix(msg, "INFO ") && strings.Contains(msg, "link state changed") {
			sawStateChange = true
		}
	}
	require.True(t, sawStateChange, "log callback receives link logs")
}

// ============================================================
// Failures
// ============================================================

func TestAdapter_CallTimeout(t *testing.T) {
	fw := newFirmware(t)
	fw.respond = func(uint8, []byte) ([]byte, bool) { return nil, false }
	a := openAdapter(t, fw, Callbacks{})

	_, err := a.Call(context.Background(), 0x07, []byte{0x01}, 50*time.Millisecond)
	require.ErrorIs(t, err, rpc.ErrNoResponse)

	var cmdErr *rpc.CommandError
	require.ErrorAs(t, err, &cmdErr)
	require.Equal(t, uint8(0x07), cmdErr.Opcode)

	// The link stays usable
	require.Equal(t, link.StateActive, a.State())
}

func TestAdapter_OpenTimeout(t *testing.T) {
	fw := newFirmware(t)
	fw.silent = true

	cfg := testConfig()
	cfg.OpenTimeout = 50 * time.Millisecond
	a, err := New(fw, cfg, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	err = a.Open(context.Background(), Callbacks{})
	require.ErrorIs(t, err, ErrOpenTimeout)
	require.False(t, a.IsOpen())
	require.Equal(t, 1, fw.closeCount(), "channel closed after failed open")

	// A failed open can be retried
	fw.mu.Lock()
	fw.silent = false
	fw.mu.Unlock()
	require.NoError(t, a.Open(context.Background(), Callbacks{}))
	require.NoError(t, a.Close())
}

func TestAdapter_OpenCanceled(t *testing.T) {
	fw := newFirmware(t)
	fw.silent = true
	a, err := New(fw, testConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = a.Open(ctx, Callbacks{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotErrorIs(t, err, ErrOpenTimeout)
}

func TestAdapter_SessionStartPrecedesTraffic(t *testing.T) {
	var mu sync.Mutex
	var events []string
	fw := newFirmware(t)
	a, err := New(fw, testConfig(),
		WithLogger(zaptest.NewLogger(t)),
		WithSessionStart(func(id string) {
			mu.Lock()
			events = append(events, "session "+id)
			mu.Unlock()
		}),
		WithTap(func(outbound bool, _ []byte) {
			mu.Lock()
			if outbound {
				events = append(events, "tx")
			}
			mu.Unlock()
		}))
	require.NoError(t, err)

	require.NoError(t, a.Open(context.Background(), Callbacks{}))
	first := a.SessionID()
	require.NoError(t, a.Close())
	require.NoError(t, a.Open(context.Background(), Callbacks{}))
	second := a.SessionID()
	require.NoError(t, a.Close())
	require.NotEqual(t, first, second)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, events)
	assert.Equal(t, "session "+first, events[0])
	assert.Contains(t, events, "session "+second)
	var starts []string
	for _, e := range events {
		if strings.HasPrefix(e, "session ") {
			starts = append(starts, e)
		}
	}
	assert.Equal(t, []string{"session " + first, "session " + second}, starts)
}

func TestAdapter_Lifecycle(t *testing.T) {
	fw := newFirmware(t)
	a := openAdapter(t, fw, Callbacks{})

	require.ErrorIs(t, a.Open(context.Background(), Callbacks{}), ErrAlreadyOpen)

	require.NoError(t, a.Close())
	require.ErrorIs(t, a.Close(), ErrNotOpen)
	require.Equal(t, link.StateUninitialized, a.State())

	_, err := a.Call(context.Background(), 0x01, nil, 0)
	require.ErrorIs(t, err, ErrNotOpen)
}

func TestAdapter_CloseFailsPendingCall(t *testing.T) {
	fw := newFirmware(t)
	fw.respond = func(uint8, []byte) ([]byte, bool) { return nil, false }
	a := openAdapter(t, fw, Callbacks{})

	result := make(chan error, 1)
	go func() {
		_, err := a.Call(context.Background(), 0x01, nil, 10*time.Second)
		result <- err
	}()

	require.Eventually(t, func() bool { return len(fw.received()) == 1 }, time.Second, time.Millisecond)
	require.NoError(t, a.Close())

	select {
	case err := <-result:
		require.ErrorIs(t, err, rpc.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("pending call not released by Close")
	}
}

// ============================================================
// Channel failures (mocked)
// ============================================================

func TestAdapter_ChannelOpenError(t *testing.T) {
	ctrl := gomock.NewController(t)
	ch := NewMockChannel(ctrl)

	cause := errors.New("open /dev/ttyUSB0: permission denied")
	ch.EXPECT().Open(gomock.Any(), gomock.Any()).Return(cause)

	a, err := New(ch, testConfig())
	require.NoError(t, err)

	err = a.Open(context.Background(), Callbacks{})
	require.ErrorIs(t, err, cause)
	require.False(t, a.IsOpen())
}

func TestAdapter_ReadFailureDuringOpen(t *testing.T) {
	ctrl := gomock.NewController(t)
	ch := NewMockChannel(ctrl)

	cause := errors.New("device disconnected")
	ch.EXPECT().Open(gomock.Any(), gomock.Any()).DoAndReturn(func(_ func([]byte), onError func(error)) error {
		go onError(cause)
		return nil
	})
	ch.EXPECT().Write(gomock.Any()).Return(nil).AnyTimes()
	ch.EXPECT().Close().Return(nil)

	statuses := make(chan link.Status, 4)
	a, err := New(ch, testConfig())
	require.NoError(t, err)

	err = a.Open(context.Background(), Callbacks{
		Status: func(code link.Status, _ string) { statuses <- code },
	})
	require.ErrorIs(t, err, link.ErrIO)
	require.ErrorIs(t, err, cause)
	require.Equal(t, link.StatusIOResourcesUnavailable, <-statuses)
}

func TestAdapter_WriteFailureDuringOpen(t *testing.T) {
	ctrl := gomock.NewController(t)
	ch := NewMockChannel(ctrl)

	cause := errors.New("write: input/output error")
	ch.EXPECT().Open(gomock.Any(), gomock.Any()).Return(nil)
	ch.EXPECT().Write(gomock.Any()).Return(cause)
	ch.EXPECT().Close().Return(nil)

	statuses := make(chan link.Status, 4)
	a, err := New(ch, testConfig())
	require.NoError(t, err)

	err = a.Open(context.Background(), Callbacks{
		Status: func(code link.Status, _ string) { statuses <- code },
	})
	require.ErrorIs(t, err, cause)
	require.Equal(t, link.StatusSendError, <-statuses)
	require.Equal(t, link.StatusIOResourcesUnavailable, <-statuses)
}

// ============================================================
// Log forwarding
// ============================================================

func TestSeverityOf(t *testing.T) {
	assert.Equal(t, SeverityDebug, severityOf(-1))
	assert.Equal(t, SeverityTrace, severityOf(-2))
	assert.Equal(t, SeverityInfo, severityOf(0))
	assert.Equal(t, SeverityWarning, severityOf(1))
	assert.Equal(t, SeverityError, severityOf(2))
	assert.Equal(t, SeverityFatal, severityOf(5))
	assert.Equal(t, "WARNING", SeverityWarning.String())
}

func TestDispatcher_Order(t *testing.T) {
	d := newDispatcher()
	got := make(chan int, 100)
	for i := 0; i < 100; i++ {
		i := i
		d.post(func() { got <- i })
	}
	d.close()
	d.post(func() { got <- -1 })
	<-d.stopped

	close(got)
	want := 0
	for v := range got {
		require.Equal(t, want, v)
		want++
	}
	require.Equal(t, 100, want)
}
