package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"backlog.szuro.net/internal/errs"
	"backlog.szuro.net/internal/logger"
)

// DefaultStopTimeout bounds how long Stop waits for the plugin goroutine.
const DefaultStopTimeout = 10 * time.Second

// Base provides the lifecycle, the message and serial gateways and the
// status accessors. Plugins should embed *Base.
type Base struct {
	// self is the embedding plugin; hooks are dispatched through it.
	self Plugin
	host Host
	name string

	options  Options
	settings Settings
	log      *logger.Logger

	// StopTimeout bounds the wait for Run to return. Set before Start.
	StopTimeout time.Duration

	mu     sync.Mutex
	state  State
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// tosMu orders registration against the final check in Stop.
	tosMu         sync.Mutex
	tosRegistered atomic.Bool
}

// NewBase resolves the base options of a plugin and returns it in the
// Created state. self must be the plugin embedding the returned Base.
func NewBase(self Plugin, host Host, name string, opts Options, defaults Settings) (*Base, error) {
	settings, err := ResolveSettings(opts, defaults)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeConfigOptionInvalid, "cannot resolve plugin options", errs.FieldPlugin(name))
	}

	b := &Base{
		self:        self,
		host:        host,
		name:        name,
		options:     opts,
		settings:    settings,
		log:         logger.Default().With(slog.String("plugin", name)),
		StopTimeout: DefaultStopTimeout,
		state:       StateCreated,
	}

	b.Info("options resolved", slog.Bool("backlog", settings.Backlog), slog.Int("priority", settings.Priority))
	if r, ok := settings.MaxRuntime(); ok {
		b.Info("options resolved", slog.Int("max_runtime", r))
	}
	return b, nil
}

// Name is the instance name from the configuration.
func (b *Base) Name() string {
	return b.name
}

// Host returns the process-wide context the plugin was built with.
func (b *Base) Host() Host {
	return b.host
}

// GetOptionValue returns the first value configured for key.
func (b *Base) GetOptionValue(key string) (string, bool) {
	return b.options.GetOptionValue(key)
}

// GetOptionValues returns the values of every option whose key starts
// with prefix, in configuration order.
func (b *Base) GetOptionValues(prefix string) []string {
	return b.options.GetOptionValues(prefix)
}

// Backlog reports whether messages are stored until GSN acknowledges them.
func (b *Base) Backlog() bool {
	return b.settings.Backlog
}

// Priority is the send priority; lower values are sent first.
func (b *Base) Priority() int {
	return b.settings.Priority
}

// MaxRuntime returns the configured Action deadline in seconds, if any.
func (b *Base) MaxRuntime() (int, bool) {
	return b.settings.MaxRuntime()
}

// State returns the current lifecycle state.
func (b *Base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Context is cancelled when Stop is requested. Work handed off by Action
// should watch it.
func (b *Base) Context() context.Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx == nil {
		return context.Background()
	}
	return b.ctx
}

// transition must be called with mu held.
func (b *Base) transition(to State) error {
	if !ValidTransition(b.state, to) {
		return errs.New(errs.CodeLifecycleTransitionInvalid, "invalid state transition",
			errs.FieldPlugin(b.name), errs.Field("from", b.state.String()), errs.Field("to", to.String()))
	}
	b.state = to
	return nil
}

// Start moves the plugin to Running and launches its goroutine.
func (b *Base) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.transition(StateRunning); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.ctx = ctx
	b.cancel = cancel
	b.done = make(chan struct{})

	b.Info("started")
	go func(done chan struct{}) {
		defer close(done)
		defer b.recoverRun()
		if r, ok := b.self.(Runner); ok {
			r.Run(ctx)
		}
	}(b.done)
	return nil
}

func (b *Base) recoverRun() {
	if r := recover(); r != nil {
		if err, ok := r.(error); ok && errs.HasCode(err, errs.CodeContractViolation) {
			panic(r)
		}
		b.Exception(fmt.Errorf("plugin goroutine panicked: %v", r))
	}
}

// Stop cancels the plugin goroutine, runs OnStop and waits at most
// StopTimeout for Run to return. A TOS registration left behind by the
// plugin is removed so no serial message reaches a stopped plugin.
func (b *Base) Stop() error {
	b.mu.Lock()
	if err := b.transition(StateStopRequested); err != nil {
		b.mu.Unlock()
		return err
	}
	cancel, done := b.cancel, b.done
	b.mu.Unlock()

	cancel()
	if s, ok := b.self.(Stopper); ok {
		s.OnStop()
	}

	select {
	case <-done:
	case <-time.After(b.StopTimeout):
		b.Warning("plugin goroutine did not exit in time", slog.Duration("timeout", b.StopTimeout))
	}

	b.tosMu.Lock()
	if b.tosRegistered.Load() {
		b.Warning("TOS listener still registered on stop, deregistering")
		b.deregisterTOSListener()
	}
	b.tosMu.Unlock()

	b.mu.Lock()
	err := b.transition(StateStopped)
	b.mu.Unlock()
	b.Info("stopped")
	return err
}

// Action is a no-op unless the plugin overrides it.
func (b *Base) Action(parameters string) {}

// MsgType is not implemented in Base and panics with a contract violation.
func (b *Base) MsgType() MessageType {
	panic(errs.New(errs.CodeContractViolation, "MsgType is not implemented, please implement it in the plugin", errs.FieldPlugin(b.name)))
}

// IsBusy is not implemented in Base and panics with a contract violation.
func (b *Base) IsBusy() bool {
	panic(errs.New(errs.CodeContractViolation, "IsBusy is not implemented, please implement it in the plugin", errs.FieldPlugin(b.name)))
}

// MsgReceived is called with every GSN message addressed to the plugin's
// message type. The default logs a warning.
func (b *Base) MsgReceived(payload []byte) {
	b.Warning("MsgReceived triggered but nothing implemented", slog.Int("size", len(payload)))
}

// AckReceived is called when GSN acknowledges the message sent with
// timestamp.
func (b *Base) AckReceived(timestamp int64) {}

// TOSMsgReceived handles one inbound serial message. The default reports
// it unprocessed.
func (b *Base) TOSMsgReceived(timestamp int64, payload []byte) bool {
	return false
}

// ConnectionToGSNEstablished is called after every successful connect.
func (b *Base) ConnectionToGSNEstablished() {}

// ConnectionToGSNLost is called when the GSN connection drops.
func (b *Base) ConnectionToGSNLost() {}

// ProcessMsg hands a message to the GSN peer. With backlogging the message
// stays in the backlog store until GSN acknowledges timestamp. Failures
// reported by the peer are counted as errors.
func (b *Base) ProcessMsg(timestamp int64, payload []byte, priority int, backlogging bool) bool {
	if uint64(len(payload)) > maxPayloadSize {
		b.Error(errs.New(errs.CodeMessageTooLarge, "payload exceeds 4 GiB",
			errs.FieldPlugin(b.name), errs.Field("size", len(payload))))
		return false
	}
	peer := b.host.GSNPeer()
	if peer == nil {
		b.Error(errs.New(errs.CodeGSNPeerUnavailable, "no GSN peer", errs.FieldPlugin(b.name)))
		return false
	}
	accepted, err := peer.ProcessMsg(b.self.MsgType(), timestamp, payload, priority, backlogging)
	if err != nil {
		b.Error(err)
	}
	return accepted
}

// Resend asks the backlog store to retransmit every unacknowledged message.
func (b *Base) Resend() {
	if store := b.host.Backlog(); store != nil {
		store.Resend()
	}
}

// RegisterTOSListener subscribes the plugin to every inbound serial message.
// Only a running plugin may register. The error of a serial peer that
// cannot be started is returned as is.
func (b *Base) RegisterTOSListener() error {
	b.tosMu.Lock()
	defer b.tosMu.Unlock()

	if state := b.State(); state != StateRunning {
		return errs.New(errs.CodeLifecycleTransitionInvalid, "TOS listener can only be registered while running",
			errs.FieldPlugin(b.name), errs.Field("state", state.String()))
	}
	peer := b.host.TOSPeer()
	if peer == nil {
		return errs.New(errs.CodeTOSPeerUnavailable, "no TOS peer", errs.FieldPlugin(b.name))
	}
	if err := peer.RegisterListener(b.self); err != nil {
		return err
	}
	b.tosRegistered.Store(true)
	return nil
}

// DeregisterTOSListener must be called on stop by every plugin that registered.
func (b *Base) DeregisterTOSListener() {
	b.tosMu.Lock()
	defer b.tosMu.Unlock()
	b.deregisterTOSListener()
}

// deregisterTOSListener must be called with tosMu held.
func (b *Base) deregisterTOSListener() {
	peer := b.host.TOSPeer()
	if peer == nil {
		return
	}
	peer.DeregisterListener(b.self)
	b.tosRegistered.Store(false)
}

// SendTOSMsg returns true if packet was accepted into the serial send path.
// A refused packet is counted as an error.
func (b *Base) SendTOSMsg(packet []byte, amID uint8, timeout time.Duration, blocking bool, maxRetries int) bool {
	peer := b.host.TOSPeer()
	if peer == nil {
		b.Error(errs.New(errs.CodeTOSPeerUnavailable, "no TOS peer", errs.FieldPlugin(b.name)))
		return false
	}
	accepted, err := peer.SendTOSMsg(packet, amID, timeout, blocking, maxRetries)
	if err != nil {
		b.Error(err)
	}
	return accepted
}

// Status facade

// Uptime is the time since the agent started.
func (b *Base) Uptime() time.Duration {
	return b.host.Uptime()
}

// BackLogStatus returns the number of stored messages and the store size
// in bytes, or zeros without a backlog store.
func (b *Base) BackLogStatus() (entries int64, sizeBytes int64) {
	if store := b.host.Backlog(); store != nil {
		return store.Status()
	}
	return 0, 0
}

// GSNPeerStatus returns a snapshot of the GSN connection.
func (b *Base) GSNPeerStatus() PeerStatus {
	if peer := b.host.GSNPeer(); peer != nil {
		return peer.Status()
	}
	return PeerStatus{}
}

// ExceptionCounter returns the number of exceptions counted agent-wide.
func (b *Base) ExceptionCounter() uint64 {
	return b.host.ExceptionCounter()
}

// ErrorCounter returns the number of errors counted agent-wide.
func (b *Base) ErrorCounter() uint64 {
	return b.host.ErrorCounter()
}

// IsDutyCycleMode reports whether the agent runs in duty-cycle mode.
func (b *Base) IsDutyCycleMode() bool {
	return b.host.DutyCycleMode()
}

// IsGSNConnected reports whether the GSN connection is up.
func (b *Base) IsGSNConnected() bool {
	peer := b.host.GSNPeer()
	return peer != nil && peer.IsConnected()
}

// TimeStamp returns the current time in milliseconds since the epoch.
func (b *Base) TimeStamp() int64 {
	return time.Now().UnixMilli()
}

// Exception counts and logs an unexpected failure.
func (b *Base) Exception(err error) {
	b.host.IncrementExceptionCounter()
	b.log.Error("exception", slog.Any("error", err))
}

// Error counts and logs an operational error.
func (b *Base) Error(err error) {
	b.host.IncrementErrorCounter()
	b.log.Error(err.Error(), slog.Any("error", err))
}

// Warning logs msg with the plugin name attached.
func (b *Base) Warning(msg string, args ...any) {
	b.log.Warn(msg, args...)
}

// Info logs msg with the plugin name attached.
func (b *Base) Info(msg string, args ...any) {
	b.log.Info(msg, args...)
}

// Debug logs msg with the plugin name attached.
func (b *Base) Debug(msg string, args ...any) {
	b.log.Debug(msg, args...)
}
