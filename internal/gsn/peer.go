// Package gsn connects the agent to the GSN collector over a websocket.
package gsn

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"backlog.szuro.net/internal/errs"
	"backlog.szuro.net/internal/logger"
	"backlog.szuro.net/pkg/plugin"
	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Frame types exchanged with GSN.
const (
	TypeHello = "hello"
	TypeData  = "data"
	TypeAck   = "ack"
	TypeMsg   = "msg"
)

const (
	DefaultQueueSize    = 1000
	DefaultWriteTimeout = 30 * time.Second
	readLimit           = 16 << 20
)

var (
	messagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gsn_messages_sent_total",
		Help: "Total number of data frames written to GSN",
	})
	framesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gsn_frames_received_total",
		Help: "Total number of frames received from GSN by type",
	}, []string{"type"})
	messagesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gsn_messages_dropped_total",
		Help: "Total number of queued messages dropped on connection loss",
	})
	connectedGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gsn_connected",
		Help: "1 while the GSN connection is up",
	})
)

// Envelope is a single websocket frame. Payload is base64 encoded by
// encoding/json.
type Envelope struct {
	Type      string `json:"type"`
	DeviceID  string `json:"device_id,omitempty"`
	MsgType   uint32 `json:"msg_type,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Priority  int    `json:"priority,omitempty"`
	Payload   []byte `json:"payload,omitempty"`
}

// Store is the part of the backlog the peer needs.
type Store interface {
	Add(msg plugin.Message) error
	Remove(timestamp int64, msgType plugin.MessageType) (int, error)
	Resend()
}

type Config struct {
	URL          string
	DeviceID     string
	QueueSize    int
	Reconnect    bool
	WriteTimeout time.Duration
}

// Peer delivers plugin messages to GSN and routes inbound frames back to
// the plugin owning the message type.
type Peer struct {
	cfg   Config
	store Store
	queue *queue

	pluginsMu sync.RWMutex
	plugins   map[plugin.MessageType]plugin.Plugin

	// connCtx is cancelled when the current connection is lost.
	connMu    sync.RWMutex
	connCtx   context.Context
	connected atomic.Bool

	sent     atomic.Uint64
	received atomic.Uint64

	statusMu  sync.Mutex
	lastError string
	since     time.Time
}

// NewPeer returns a disconnected peer. store may be nil, in which case
// backlogging is unavailable.
func NewPeer(cfg Config, store Store) *Peer {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	return &Peer{
		cfg:     cfg,
		store:   store,
		queue:   newQueue(cfg.QueueSize),
		plugins: make(map[plugin.MessageType]plugin.Plugin),
		connCtx: cancelledContext(),
	}
}

func cancelledContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

// Register makes p the receiver of acks and messages for its message type.
func (p *Peer) Register(pl plugin.Plugin) error {
	p.pluginsMu.Lock()
	defer p.pluginsMu.Unlock()

	msgType := pl.MsgType()
	if other, ok := p.plugins[msgType]; ok {
		return errs.New(errs.CodeMsgTypeDuplicate, "message type already used",
			errs.Field("msg_type", msgType), errs.FieldPlugin(pl.Name()), errs.Field("other", other.Name()))
	}
	p.plugins[msgType] = pl
	return nil
}

func (p *Peer) lookup(msgType plugin.MessageType) (plugin.Plugin, bool) {
	p.pluginsMu.RLock()
	defer p.pluginsMu.RUnlock()
	pl, ok := p.plugins[msgType]
	return pl, ok
}

func (p *Peer) each(fn func(plugin.Plugin)) {
	p.pluginsMu.RLock()
	list := make([]plugin.Plugin, 0, len(p.plugins))
	for _, pl := range p.plugins {
		list = append(list, pl)
	}
	p.pluginsMu.RUnlock()

	for _, pl := range list {
		fn(pl)
	}
}

// ProcessMsg stores the message first when backlogging and enqueues it
// while connected. It returns true if the message was stored or enqueued.
// payload is copied, so the caller may reuse its buffer.
func (p *Peer) ProcessMsg(msgType plugin.MessageType, timestamp int64, payload []byte, priority int, backlogging bool) (bool, error) {
	msg := plugin.Message{
		Type:      msgType,
		Timestamp: timestamp,
		Payload:   append([]byte(nil), payload...),
		Priority:  priority,
		Backlog:   backlogging,
	}

	stored := false
	if backlogging {
		if p.store == nil {
			return false, errs.New(errs.CodeBacklogStoreFailure, "backlogging requested without a backlog store",
				errs.Field("msg_type", msgType))
		}
		if err := p.store.Add(msg); err != nil {
			return false, errs.Wrap(err, errs.CodeBacklogStoreFailure, "cannot store message in backlog",
				errs.Field("msg_type", msgType), errs.Field("timestamp", timestamp))
		}
		stored = true
	}

	if !p.IsConnected() {
		return stored, nil
	}
	if !p.queue.push(msg) {
		if stored {
			logger.Warn("GSN send queue full, message stays in backlog", slog.Any("msg_type", msgType), slog.Int("size", p.cfg.QueueSize))
			return true, nil
		}
		return false, errs.New(errs.CodeGSNQueueFull, "GSN send queue full",
			errs.Field("msg_type", msgType), errs.Field("size", p.cfg.QueueSize))
	}
	return true, nil
}

// Resend enqueues a stored message, waiting for queue space while the
// connection is up.
func (p *Peer) Resend(msg plugin.Message) bool {
	p.connMu.RLock()
	ctx := p.connCtx
	p.connMu.RUnlock()
	return p.queue.pushWait(ctx, msg)
}

func (p *Peer) IsConnected() bool {
	return p.connected.Load()
}

func (p *Peer) Status() plugin.PeerStatus {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()
	return plugin.PeerStatus{
		Connected:   p.IsConnected(),
		QueueLength: p.queue.len(),
		Sent:        p.sent.Load(),
		Received:    p.received.Load(),
		LastError:   p.lastError,
		Since:       p.since,
	}
}

func (p *Peer) setStatus(connected bool, err error) {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()
	p.since = time.Now()
	if err != nil {
		p.lastError = err.Error()
	}
	p.connected.Store(connected)
	if connected {
		connectedGauge.Set(1)
	} else {
		connectedGauge.Set(0)
	}
}

// Run keeps the connection up until ctx is cancelled.
func (p *Peer) Run(ctx context.Context) error {
	attempt := 0
	for {
		established, err := p.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			logger.Warn("GSN connection failed", slog.String("url", p.cfg.URL), slog.Any("error", err))
		}
		if !p.cfg.Reconnect {
			return err
		}
		if established {
			attempt = 0
		}
		delay := Delay(attempt)
		attempt++
		logger.Info("Reconnecting to GSN", slog.Int("attempt", attempt), slog.Duration("delay", delay))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func (p *Peer) session(ctx context.Context) (bool, error) {
	conn, _, err := websocket.Dial(ctx, p.cfg.URL, nil)
	if err != nil {
		p.setStatus(false, err)
		return false, errs.Wrap(err, errs.CodeGSNPeerUnavailable, "cannot dial GSN", errs.Field("url", p.cfg.URL))
	}
	conn.SetReadLimit(readLimit)

	if err := p.write(ctx, conn, Envelope{Type: TypeHello, DeviceID: p.cfg.DeviceID}); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "closing")
		p.setStatus(false, err)
		return false, err
	}

	sessCtx, cancel := context.WithCancel(ctx)
	p.connMu.Lock()
	p.connCtx = sessCtx
	p.connMu.Unlock()
	p.setStatus(true, nil)
	logger.Info("Connected to GSN", slog.String("url", p.cfg.URL))

	p.each(func(pl plugin.Plugin) { pl.ConnectionToGSNEstablished() })
	if p.store != nil {
		p.store.Resend()
	}

	writeErr := make(chan error, 1)
	go func() {
		err := p.writeLoop(sessCtx, conn)
		if err != nil {
			cancel()
		}
		writeErr <- err
	}()

	err = p.readLoop(sessCtx, conn)
	cancel()
	if werr := <-writeErr; err == nil {
		err = werr
	}

	if ctx.Err() != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "closing")
	} else {
		_ = conn.Close(websocket.StatusInternalError, "closing")
	}

	p.setStatus(false, err)
	if n := p.queue.clear(); n > 0 {
		messagesDropped.Add(float64(n))
		logger.Warn("Dropped queued messages on GSN connection loss", slog.Int("count", n))
	}
	logger.Warn("Connection to GSN lost", slog.Any("error", err))
	p.each(func(pl plugin.Plugin) { pl.ConnectionToGSNLost() })
	return true, err
}

func (p *Peer) write(ctx context.Context, conn *websocket.Conn, env Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, p.cfg.WriteTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, b)
}

func (p *Peer) writeLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		msg, ok := p.queue.pop(ctx)
		if !ok {
			return nil
		}
		env := Envelope{
			Type:      TypeData,
			MsgType:   uint32(msg.Type),
			Timestamp: msg.Timestamp,
			Priority:  msg.Priority,
			Payload:   msg.Payload,
		}
		if err := p.write(ctx, conn, env); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errs.Wrap(err, errs.CodeGSNPeerUnavailable, "cannot write to GSN")
		}
		p.sent.Add(1)
		messagesSent.Inc()
	}
}

func (p *Peer) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logger.Warn("Ignoring malformed frame from GSN", slog.Any("error", err))
			continue
		}
		p.received.Add(1)
		framesReceived.WithLabelValues(env.Type).Inc()
		p.dispatch(env)
	}
}

func (p *Peer) dispatch(env Envelope) {
	msgType := plugin.MessageType(env.MsgType)
	switch env.Type {
	case TypeAck:
		if p.store != nil {
			if _, err := p.store.Remove(env.Timestamp, msgType); err != nil {
				logger.Error("Failed to remove acknowledged message", slog.Int64("timestamp", env.Timestamp), slog.Any("error", err))
			}
		}
		if pl, ok := p.lookup(msgType); ok {
			pl.AckReceived(env.Timestamp)
		}
	case TypeMsg:
		pl, ok := p.lookup(msgType)
		if !ok {
			logger.Warn("Message from GSN for unknown type", slog.Any("msg_type", msgType))
			return
		}
		pl.MsgReceived(env.Payload)
	default:
		logger.Debug("Ignoring frame from GSN", slog.String("type", env.Type))
	}
}
