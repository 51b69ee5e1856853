package tos

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"backlog.szuro.net/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sent struct {
	amID   uint8
	packet []byte
}

// fakeLink feeds frames from a channel and fails the first failSends sends.
type fakeLink struct {
	openErr   error
	frames    chan Frame
	failSends atomic.Int32
	block     chan struct{}

	mu       sync.Mutex
	opened   int
	sent     []sent
	attempts int
	acked    []uint32
}

func newFakeLink() *fakeLink {
	return &fakeLink{frames: make(chan Frame)}
}

func (l *fakeLink) Open() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.openErr != nil {
		return l.openErr
	}
	l.opened++
	return nil
}

func (l *fakeLink) Close() error { return nil }

func (l *fakeLink) Send(ctx context.Context, amID uint8, packet []byte) error {
	if l.block != nil {
		select {
		case <-l.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts++
	if l.failSends.Load() > 0 {
		l.failSends.Add(-1)
		return errors.New("no ack from mote")
	}
	l.sent = append(l.sent, sent{amID, packet})
	return nil
}

func (l *fakeLink) Receive(ctx context.Context) (Frame, error) {
	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case f := <-l.frames:
		return f, nil
	}
}

func (l *fakeLink) Acknowledge(frame Frame) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acked = append(l.acked, frame.Seq)
	return nil
}

func (l *fakeLink) ackedSeqs() []uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]uint32(nil), l.acked...)
}

func (l *fakeLink) stats() (int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sent), l.attempts
}

type listener struct {
	name   string
	accept bool
	calls  atomic.Int32
	last   atomic.Value
}

func (l *listener) Name() string { return l.name }

func (l *listener) TOSMsgReceived(timestamp int64, payload []byte) bool {
	l.calls.Add(1)
	l.last.Store(payload)
	return l.accept
}

func newPeer(t *testing.T, link Link) *Peer {
	t.Helper()
	p := NewPeer(link, 2)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestRegisterWithoutLink(t *testing.T) {
	p := NewPeer(nil, 0)
	err := p.RegisterListener(&listener{name: "relay"})
	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.CodeTOSPeerUnavailable))
	accepted, err := p.SendTOSMsg([]byte{1}, 1, 0, false, 0)
	assert.False(t, accepted)
	assert.True(t, errs.HasCode(err, errs.CodeTOSPeerUnavailable))
}

func TestRegisterPropagatesOpenFailure(t *testing.T) {
	link := newFakeLink()
	link.openErr = errors.New("/dev/ttyUSB0: no such device")
	p := newPeer(t, link)

	err := p.RegisterListener(&listener{name: "relay"})
	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.CodeTOSPeerUnavailable))
	assert.Equal(t, 0, p.Listeners())
}

func TestLinkOpenedLazilyOnce(t *testing.T) {
	link := newFakeLink()
	p := newPeer(t, link)
	assert.Equal(t, 0, link.opened)

	require.NoError(t, p.RegisterListener(&listener{name: "a"}))
	require.NoError(t, p.RegisterListener(&listener{name: "b"}))
	assert.Equal(t, 1, link.opened)
	assert.Equal(t, 2, p.Listeners())
}

func TestDispatchToAllListeners(t *testing.T) {
	tests := []struct {
		name    string
		accepts []bool
		acked   bool
	}{
		{"none processed", []bool{false, false}, false},
		{"one processed", []bool{false, true}, true},
		{"all processed", []bool{true, true}, true},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			link := newFakeLink()
			p := newPeer(t, link)

			var ls []*listener
			for j, accept := range tt.accepts {
				l := &listener{name: string(rune('a' + j)), accept: accept}
				ls = append(ls, l)
				require.NoError(t, p.RegisterListener(l))
			}

			seq := uint32(i + 1)
			link.frames <- Frame{Seq: seq, Payload: []byte{0x00, 0xff}}
			for _, l := range ls {
				require.Eventually(t, func() bool { return l.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
			}

			if tt.acked {
				require.Eventually(t, func() bool { return len(link.ackedSeqs()) == 1 }, time.Second, 5*time.Millisecond)
				assert.Equal(t, []uint32{seq}, link.ackedSeqs())
			} else {
				time.Sleep(20 * time.Millisecond)
				assert.Empty(t, link.ackedSeqs())
			}
		})
	}
}

func TestNoDeliveryAfterDeregister(t *testing.T) {
	link := newFakeLink()
	p := newPeer(t, link)
	l := &listener{name: "relay", accept: true}

	require.NoError(t, p.RegisterListener(l))
	link.frames <- Frame{Seq: 1, Payload: []byte{1}}
	require.Eventually(t, func() bool { return l.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	p.DeregisterListener(l)
	link.frames <- Frame{Seq: 2, Payload: []byte{2}}
	link.frames <- Frame{Seq: 3, Payload: []byte{3}}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), l.calls.Load())

	require.NotPanics(t, func() { p.DeregisterListener(l) })
}

func TestPanickingListenerDoesNotStopDispatch(t *testing.T) {
	link := newFakeLink()
	p := newPeer(t, link)
	good := &listener{name: "good", accept: true}
	require.NoError(t, p.RegisterListener(panicking{}))
	require.NoError(t, p.RegisterListener(good))

	link.frames <- Frame{Seq: 1, Payload: []byte{1}}
	require.Eventually(t, func() bool { return len(link.ackedSeqs()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), good.calls.Load())
}

type panicking struct{}

func (panicking) Name() string                      { return "panicking" }
func (panicking) TOSMsgReceived(int64, []byte) bool { panic("bad frame") }

func TestSendRetries(t *testing.T) {
	tests := []struct {
		name       string
		failures   int32
		maxRetries int
		delivered  int
		attempts   int
	}{
		{"first attempt", 0, 3, 1, 1},
		{"after two retries", 2, 3, 1, 3},
		{"retries exhausted", 5, 2, 0, 3},
		{"no retries", 1, 0, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			link := newFakeLink()
			link.failSends.Store(tt.failures)
			p := newPeer(t, link)

			accepted, err := p.SendTOSMsg([]byte{0xca, 0xfe}, 0x42, time.Second, true, tt.maxRetries)
			require.NoError(t, err)
			require.True(t, accepted)
			require.Eventually(t, func() bool {
				_, attempts := link.stats()
				return attempts == tt.attempts
			}, time.Second, 5*time.Millisecond)
			time.Sleep(10 * time.Millisecond)

			delivered, attempts := link.stats()
			assert.Equal(t, tt.delivered, delivered)
			assert.Equal(t, tt.attempts, attempts)
		})
	}
}

func TestSendQueueFull(t *testing.T) {
	link := newFakeLink()
	link.block = make(chan struct{})
	p := newPeer(t, link)
	defer close(link.block)

	// one packet in flight, two queued
	accept(t, p, []byte{1})
	require.Eventually(t, func() bool { return len(p.sendCh) == 0 }, time.Second, 5*time.Millisecond)
	accept(t, p, []byte{2})
	accept(t, p, []byte{3})

	accepted, err := p.SendTOSMsg([]byte{4}, 1, 0, false, 0)
	assert.False(t, accepted, "non-blocking submission fails when full")
	assert.True(t, errs.HasCode(err, errs.CodeTOSSendFailure))

	start := time.Now()
	accepted, err = p.SendTOSMsg([]byte{5}, 1, 30*time.Millisecond, true, 0)
	assert.False(t, accepted, "blocking submission times out")
	assert.True(t, errs.HasCode(err, errs.CodeTOSSendFailure))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func accept(t *testing.T, p *Peer, packet []byte) {
	t.Helper()
	accepted, err := p.SendTOSMsg(packet, 1, 0, false, 0)
	require.NoError(t, err)
	require.True(t, accepted)
}

func TestSendCopiesPacket(t *testing.T) {
	link := newFakeLink()
	link.block = make(chan struct{})
	p := newPeer(t, link)

	buf := []byte{0x01, 0x02}
	accept(t, p, buf)
	buf[0], buf[1] = 0xff, 0xff
	close(link.block)

	require.Eventually(t, func() bool {
		delivered, _ := link.stats()
		return delivered == 1
	}, time.Second, 5*time.Millisecond)
	link.mu.Lock()
	defer link.mu.Unlock()
	assert.Equal(t, []byte{0x01, 0x02}, link.sent[0].packet)
}

func TestSFLinkHandshakeAndFraming(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	received := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		hs := make([]byte, 2)
		if _, err := conn.Read(hs); err != nil {
			return
		}
		conn.Write([]byte("U "))
		conn.Write([]byte{3, 0xaa, 0xbb, 0xcc})

		buf := make([]byte, 64)
		n, _ := conn.Read(buf)
		received <- buf[:n]
		time.Sleep(50 * time.Millisecond)
	}()

	link := NewSFLink(ln.Addr().String(), 0x22)
	require.NoError(t, link.Open())
	defer link.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	frame, err := link.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xaa, 0xbb, 0xcc}, frame.Payload)
	assert.Equal(t, uint32(1), frame.Seq)

	require.NoError(t, link.Send(ctx, 0x42, []byte{0x01, 0x02}))
	select {
	case b := <-received:
		assert.Equal(t, []byte{10, 0x00, 0xff, 0xff, 0x00, 0x00, 0x02, 0x22, 0x42, 0x01, 0x02}, b)
	case <-time.After(time.Second):
		t.Fatal("packet not received")
	}
}
