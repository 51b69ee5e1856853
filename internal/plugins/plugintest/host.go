// Package plugintest provides an in-memory host for plugin tests.
package plugintest

import (
	"sync"
	"sync/atomic"
	"time"

	"backlog.szuro.net/internal/errs"
	pluginPkg "backlog.szuro.net/pkg/plugin"
)

// Sent is one message handed to the GSN peer.
type Sent struct {
	MsgType   pluginPkg.MessageType
	Timestamp int64
	Payload   []byte
	Priority  int
	Backlog   bool
}

// GSN refuses messages without an error while Refuse is set, the way a
// disconnected peer drops non-backlogged messages. Err is returned as the
// operational failure of every call when set.
type GSN struct {
	Refuse    atomic.Bool
	Connected atomic.Bool
	Err       error

	mu   sync.Mutex
	sent []Sent
}

func (g *GSN) ProcessMsg(msgType pluginPkg.MessageType, timestamp int64, payload []byte, priority int, backlogging bool) (bool, error) {
	if g.Err != nil {
		return false, g.Err
	}
	if g.Refuse.Load() {
		return false, nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = append(g.sent, Sent{msgType, timestamp, append([]byte(nil), payload...), priority, backlogging})
	return true, nil
}

func (g *GSN) IsConnected() bool { return g.Connected.Load() }

func (g *GSN) Status() pluginPkg.PeerStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	return pluginPkg.PeerStatus{Connected: g.Connected.Load(), QueueLength: 2, Sent: uint64(len(g.sent))}
}

// Messages returns a copy of everything sent so far.
func (g *GSN) Messages() []Sent {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Sent(nil), g.sent...)
}

type Packet struct {
	Payload    []byte
	AmID       uint8
	Timeout    time.Duration
	Blocking   bool
	MaxRetries int
}

type TOS struct {
	RegisterErr error
	Refuse      atomic.Bool

	mu        sync.Mutex
	listeners map[string]pluginPkg.TOSListener
	packets   []Packet
}

func (t *TOS) RegisterListener(l pluginPkg.TOSListener) error {
	if t.RegisterErr != nil {
		return t.RegisterErr
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listeners == nil {
		t.listeners = make(map[string]pluginPkg.TOSListener)
	}
	t.listeners[l.Name()] = l
	return nil
}

func (t *TOS) DeregisterListener(l pluginPkg.TOSListener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.listeners, l.Name())
}

func (t *TOS) SendTOSMsg(packet []byte, amID uint8, timeout time.Duration, blocking bool, maxRetries int) (bool, error) {
	if t.Refuse.Load() {
		return false, errs.New(errs.CodeTOSSendFailure, "serial send queue full")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.packets = append(t.packets, Packet{append([]byte(nil), packet...), amID, timeout, blocking, maxRetries})
	return true, nil
}

// Deliver hands payload to every registered listener and reports whether
// any of them processed it.
func (t *TOS) Deliver(timestamp int64, payload []byte) bool {
	t.mu.Lock()
	ls := make([]pluginPkg.TOSListener, 0, len(t.listeners))
	for _, l := range t.listeners {
		ls = append(ls, l)
	}
	t.mu.Unlock()

	processed := false
	for _, l := range ls {
		if l.TOSMsgReceived(timestamp, payload) {
			processed = true
		}
	}
	return processed
}

func (t *TOS) Listeners() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.listeners)
}

func (t *TOS) Packets() []Packet {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Packet(nil), t.packets...)
}

// Backlog reports fixed figures. Status blocks until Block is closed when
// Block is set.
type Backlog struct {
	Entries, Size int64
	Block         chan struct{}
	resends       atomic.Int32
}

func (b *Backlog) Resend()        { b.resends.Add(1) }
func (b *Backlog) Resends() int32 { return b.resends.Load() }

func (b *Backlog) Status() (int64, int64) {
	if b.Block != nil {
		<-b.Block
	}
	return b.Entries, b.Size
}

// Host implements pluginPkg.Host. A nil collaborator is reported as absent.
type Host struct {
	GSN       *GSN
	TOS       *TOS
	Store     *Backlog
	DutyCycle bool
	Started   time.Time

	errors     atomic.Uint64
	exceptions atomic.Uint64
}

// NewHost returns a host with every collaborator present.
func NewHost() *Host {
	return &Host{GSN: &GSN{}, TOS: &TOS{}, Store: &Backlog{}, Started: time.Now()}
}

func (h *Host) GSNPeer() pluginPkg.GSNPeer {
	if h.GSN == nil {
		return nil
	}
	return h.GSN
}

func (h *Host) Backlog() pluginPkg.BacklogStore {
	if h.Store == nil {
		return nil
	}
	return h.Store
}

func (h *Host) TOSPeer() pluginPkg.TOSPeer {
	if h.TOS == nil {
		return nil
	}
	return h.TOS
}

func (h *Host) Uptime() time.Duration      { return time.Since(h.Started) }
func (h *Host) DutyCycleMode() bool        { return h.DutyCycle }
func (h *Host) ErrorCounter() uint64       { return h.errors.Load() }
func (h *Host) ExceptionCounter() uint64   { return h.exceptions.Load() }
func (h *Host) IncrementErrorCounter()     { h.errors.Add(1) }
func (h *Host) IncrementExceptionCounter() { h.exceptions.Add(1) }
