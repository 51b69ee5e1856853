// Package tos exchanges messages with the serial peer device.
//
// The byte-level framing is owned by a Link. The Peer keeps the listener
// registry, dispatches every inbound frame to every listener and runs the
// outbound send queue.
package tos

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"backlog.szuro.net/internal/errs"
	"backlog.szuro.net/internal/logger"
	"backlog.szuro.net/pkg/plugin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const DefaultSendQueueSize = 100

var (
	framesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tos_frames_received_total",
		Help: "Total number of frames received from the serial peer",
	})
	framesAcked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tos_frames_acknowledged_total",
		Help: "Total number of received frames acknowledged to the serial peer",
	})
	packetsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tos_packets_sent_total",
		Help: "Total number of packets delivered to the serial peer",
	})
	sendRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tos_send_retries_total",
		Help: "Total number of retried serial sends",
	})
	sendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tos_send_failures_total",
		Help: "Total number of packets dropped after exhausting retries",
	})
)

// Frame is one inbound message from the serial peer.
type Frame struct {
	// Seq identifies the frame towards Acknowledge.
	Seq     uint32
	Payload []byte
}

// Link is the transport to the serial device.
type Link interface {
	Open() error
	Close() error
	Send(ctx context.Context, amID uint8, packet []byte) error
	// Receive blocks until a frame arrives or ctx is done.
	Receive(ctx context.Context) (Frame, error)
	Acknowledge(frame Frame) error
}

type request struct {
	packet     []byte
	amID       uint8
	timeout    time.Duration
	maxRetries int
}

// Peer is the serial gateway shared by all plugins.
type Peer struct {
	link      Link
	queueSize int

	// listenersMu is held for reading during dispatch, so DeregisterListener
	// returns only after an in-flight dispatch is done.
	listenersMu sync.RWMutex
	listeners   map[string]plugin.TOSListener

	startMu sync.Mutex
	started bool
	sendCh  chan request
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPeer returns a peer that opens link on first use. A nil link makes
// every registration fail.
func NewPeer(link Link, queueSize int) *Peer {
	if queueSize <= 0 {
		queueSize = DefaultSendQueueSize
	}
	return &Peer{
		link:      link,
		queueSize: queueSize,
		listeners: make(map[string]plugin.TOSListener),
	}
}

func (p *Peer) start() error {
	p.startMu.Lock()
	defer p.startMu.Unlock()
	if p.started {
		return nil
	}
	if p.link == nil {
		return errs.New(errs.CodeTOSPeerUnavailable, "no serial link configured")
	}
	if err := p.link.Open(); err != nil {
		return errs.Wrap(err, errs.CodeTOSPeerUnavailable, "cannot open serial link")
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.sendCh = make(chan request, p.queueSize)
	p.started = true

	p.wg.Add(2)
	go p.receiveLoop(ctx)
	go p.sendLoop(ctx, p.sendCh)
	logger.Info("Serial peer started")
	return nil
}

// RegisterListener starts the peer if needed and subscribes l to every
// inbound frame. Registering the same name again replaces the listener.
func (p *Peer) RegisterListener(l plugin.TOSListener) error {
	if err := p.start(); err != nil {
		return err
	}
	p.listenersMu.Lock()
	defer p.listenersMu.Unlock()
	p.listeners[l.Name()] = l
	logger.Debug("TOS listener registered", slog.String("plugin", l.Name()))
	return nil
}

// DeregisterListener removes l. A listener that was never registered is
// ignored. l must not call it from within TOSMsgReceived.
func (p *Peer) DeregisterListener(l plugin.TOSListener) {
	p.listenersMu.Lock()
	defer p.listenersMu.Unlock()
	if _, ok := p.listeners[l.Name()]; ok {
		delete(p.listeners, l.Name())
		logger.Debug("TOS listener deregistered", slog.String("plugin", l.Name()))
	}
}

// Listeners returns the number of registered listeners.
func (p *Peer) Listeners() int {
	p.listenersMu.RLock()
	defer p.listenersMu.RUnlock()
	return len(p.listeners)
}

// SendTOSMsg queues a copy of packet for the serial peer. Blocking
// submission waits for queue space, at most timeout when it is positive.
// It returns true if the packet was queued.
func (p *Peer) SendTOSMsg(packet []byte, amID uint8, timeout time.Duration, blocking bool, maxRetries int) (bool, error) {
	if err := p.start(); err != nil {
		return false, err
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	req := request{packet: append([]byte(nil), packet...), amID: amID, timeout: timeout, maxRetries: maxRetries}

	if !blocking {
		select {
		case p.sendCh <- req:
			return true, nil
		default:
			return false, errs.New(errs.CodeTOSSendFailure, "serial send queue full", errs.Field("am_id", amID))
		}
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case p.sendCh <- req:
		return true, nil
	case <-expired:
		return false, errs.New(errs.CodeTOSSendFailure, "serial send queue full, submission timed out",
			errs.Field("am_id", amID), errs.Field("timeout", timeout))
	}
}

func (p *Peer) receiveLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		frame, err := p.link.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("Serial receive failed", slog.Any("error", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		framesReceived.Inc()
		p.dispatch(frame)
	}
}

func (p *Peer) dispatch(frame Frame) {
	timestamp := time.Now().UnixMilli()

	p.listenersMu.RLock()
	processed := false
	for name, l := range p.listeners {
		if p.deliver(name, l, timestamp, frame.Payload) {
			processed = true
		}
	}
	p.listenersMu.RUnlock()

	if !processed {
		return
	}
	if err := p.link.Acknowledge(frame); err != nil {
		logger.Error("Cannot acknowledge serial frame", slog.Any("seq", frame.Seq), slog.Any("error", err))
		return
	}
	framesAcked.Inc()
}

func (p *Peer) deliver(name string, l plugin.TOSListener, timestamp int64, payload []byte) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("TOS listener panicked", slog.String("plugin", name), slog.Any("panic", r))
			ok = false
		}
	}()
	return l.TOSMsgReceived(timestamp, payload)
}

func (p *Peer) sendLoop(ctx context.Context, sendCh <-chan request) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-sendCh:
			p.send(ctx, req)
		}
	}
}

func (p *Peer) send(ctx context.Context, req request) {
	var err error
	for attempt := 0; attempt <= req.maxRetries; attempt++ {
		if attempt > 0 {
			sendRetries.Inc()
		}
		err = p.sendOnce(ctx, req)
		if err == nil {
			packetsSent.Inc()
			return
		}
		if ctx.Err() != nil {
			return
		}
		logger.Debug("Serial send attempt failed", slog.Int("attempt", attempt+1), slog.Any("error", err))
	}
	sendFailures.Inc()
	logger.Error("Dropping serial packet after retries",
		slog.Int("am_id", int(req.amID)), slog.Int("retries", req.maxRetries),
		slog.Any("error", errs.Wrap(err, errs.CodeTOSSendFailure, "serial send failed")))
}

func (p *Peer) sendOnce(ctx context.Context, req request) error {
	if req.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.timeout)
		defer cancel()
	}
	return p.link.Send(ctx, req.amID, req.packet)
}

// Close stops the workers and closes the link. Queued packets are dropped.
func (p *Peer) Close() error {
	p.startMu.Lock()
	defer p.startMu.Unlock()
	if !p.started {
		return nil
	}
	p.cancel()
	err := p.link.Close()
	p.wg.Wait()
	p.started = false
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
