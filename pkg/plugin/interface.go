// Package plugin defines the contract between the backlog agent and its plugins.
//
// A plugin is an independently scheduled unit of work. The scheduler calls
// Action on every tick, the plugin may run its own goroutine between Start and
// Stop, and all data leaves the plugin through ProcessMsg (towards GSN) or
// SendTOSMsg (towards the serial peer).
//
// Creating a Plugin:
//
// 1. Embed *Base and construct it with NewBase
// 2. Implement MsgType and IsBusy (Base panics for both)
// 3. Override any optional hook: Action, Run, OnStop, MsgReceived,
// AckReceived, TOSMsgReceived, ConnectionToGSNEstablished, ConnectionToGSNLost
//
// Action runs on the scheduler goroutine and must return fast. Work that
// touches the backlog store or the network belongs in Run:
//
//	type Counter struct {
//	    *plugin.Base
//	    n    atomic.Int64
//	    tick chan struct{}
//	}
//
//	func New(host plugin.Host, name string, opts plugin.Options) (plugin.Plugin, error) {
//	    p := &Counter{tick: make(chan struct{}, 1)}
//	    base, err := plugin.NewBase(p, host, name, opts, plugin.DefaultSettings())
//	    if err != nil {
//	        return nil, err
//	    }
//	    p.Base = base
//	    return p, nil
//	}
//
//	func (p *Counter) MsgType() plugin.MessageType { return 99 }
//	func (p *Counter) IsBusy() bool                { return len(p.tick) > 0 }
//
//	func (p *Counter) Action(params string) {
//	    select {
//	    case p.tick <- struct{}{}:
//	    default:
//	    }
//	}
//
//	func (p *Counter) Run(ctx context.Context) {
//	    for {
//	        select {
//	        case <-ctx.Done():
//	            return
//	        case <-p.tick:
//	            p.ProcessMsg(p.TimeStamp(), []byte(strconv.FormatInt(p.n.Add(1), 10)), p.Priority(), p.Backlog())
//	        }
//	    }
//	}
package plugin

import (
	"context"
	"time"
)

// PluginInfo contains metadata about a plugin.
// Shared-object plugins may export a variable of this type named "PluginInfo".
type PluginInfo struct {
	// Name is the plugin type name referenced by the `type` config key.
	Name string

	// Version is the semantic version of the plugin (e.g., "1.0.0").
	Version string

	// Description provides a brief description of what the plugin does.
	Description string

	// Type tells where the plugin comes from: builtin, so or rpc.
	Type string
}

// Factory builds a plugin instance from its configured name and options.
type Factory func(host Host, name string, opts Options) (Plugin, error)

// Plugin is what the host, the scheduler and the peers see of a plugin.
// Base provides every method; MsgType and IsBusy must be overridden.
type Plugin interface {
	TOSListener

	// MsgType is the fixed identifier of all messages this plugin produces.
	MsgType() MessageType

	// IsBusy reports outstanding work. It is polled on shutdown and must
	// eventually return false.
	IsBusy() bool

	Start() error
	Stop() error
	State() State

	// Action is called by the scheduler on every tick and must return fast.
	Action(parameters string)

	MsgReceived(payload []byte)
	AckReceived(timestamp int64)
	ConnectionToGSNEstablished()
	ConnectionToGSNLost()

	Priority() int
	Backlog() bool
	MaxRuntime() (int, bool)
}

// Runner is implemented by plugins that need their own goroutine. Run is
// started by Start and must return once ctx is cancelled.
type Runner interface {
	Run(ctx context.Context)
}

// Stopper is implemented by plugins that need to release resources on Stop,
// e.g. call DeregisterTOSListener.
type Stopper interface {
	OnStop()
}

// TOSListener receives every inbound serial message once registered.
type TOSListener interface {
	Name() string

	// TOSMsgReceived returns true only if the message was fully processed;
	// the serial peer acknowledges exactly then.
	TOSMsgReceived(timestamp int64, payload []byte) bool
}

// Host is the process-wide context shared by all plugins.
type Host interface {
	GSNPeer() GSNPeer
	Backlog() BacklogStore
	TOSPeer() TOSPeer

	Uptime() time.Duration
	DutyCycleMode() bool

	ErrorCounter() uint64
	ExceptionCounter() uint64
	IncrementErrorCounter()
	IncrementExceptionCounter()
}

// GSNPeer delivers messages to the remote collector.
type GSNPeer interface {
	// ProcessMsg returns true if the message was enqueued for delivery or,
	// when backlogging, durably stored. A non-nil error is an operational
	// failure. A message dropped because GSN is disconnected and
	// backlogging is off is refused without an error.
	ProcessMsg(msgType MessageType, timestamp int64, payload []byte, priority int, backlogging bool) (bool, error)
	IsConnected() bool
	Status() PeerStatus
}

// PeerStatus is a snapshot of the GSN connection.
type PeerStatus struct {
	Connected   bool
	QueueLength int
	Sent        uint64
	Received    uint64
	LastError   string
	Since       time.Time
}

// BacklogStore is the durable store of unacknowledged messages.
type BacklogStore interface {
	// Resend retransmits every unacknowledged message. Safe to call repeatedly.
	Resend()
	// Status returns the number of stored entries and the store size in bytes.
	Status() (entries int64, sizeBytes int64)
}

// TOSPeer exchanges messages with the serial device.
type TOSPeer interface {
	RegisterListener(l TOSListener) error
	DeregisterListener(l TOSListener)
	// SendTOSMsg returns true if packet was accepted into the send path.
	// A refused packet comes with the reason.
	SendTOSMsg(packet []byte, amID uint8, timeout time.Duration, blocking bool, maxRetries int) (bool, error)
}
