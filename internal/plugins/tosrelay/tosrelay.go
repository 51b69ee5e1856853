// Package tosrelay bridges the serial peer and GSN: serial frames are sent
// to GSN and GSN messages are written to the serial peer.
package tosrelay

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"backlog.szuro.net/internal/errs"
	pluginPkg "backlog.szuro.net/pkg/plugin"
)

const MsgType pluginPkg.MessageType = 20

const (
	OptionAmID       = "am_id"
	OptionTimeout    = "timeout"
	OptionMaxRetries = "max_retries"

	DefaultAmID       = 0x0a
	DefaultTimeout    = time.Second
	DefaultMaxRetries = 3
)

var Info = pluginPkg.PluginInfo{
	Name:        "tosrelay",
	Version:     "1.0.0",
	Description: "Relays serial frames to GSN and GSN messages to the serial peer",
	Type:        "builtin",
}

type Relay struct {
	*pluginPkg.Base
	amID       uint8
	timeout    time.Duration
	maxRetries int

	inFlight  atomic.Int32
	forwarded atomic.Uint64
}

func New(host pluginPkg.Host, name string, opts pluginPkg.Options) (pluginPkg.Plugin, error) {
	p := &Relay{amID: DefaultAmID, timeout: DefaultTimeout, maxRetries: DefaultMaxRetries}
	base, err := pluginPkg.NewBase(p, host, name, opts, pluginPkg.DefaultSettings())
	if err != nil {
		return nil, err
	}
	p.Base = base

	if v, ok := opts.GetOptionValue(OptionAmID); ok {
		id, err := strconv.ParseUint(strings.TrimSpace(v), 0, 8)
		if err != nil {
			return nil, invalid(err, name, OptionAmID, v)
		}
		p.amID = uint8(id)
	}
	if v, ok := opts.GetOptionValue(OptionTimeout); ok {
		ms, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || ms < 0 {
			return nil, invalid(err, name, OptionTimeout, v)
		}
		p.timeout = time.Duration(ms) * time.Millisecond
	}
	if v, ok := opts.GetOptionValue(OptionMaxRetries); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n < 0 {
			return nil, invalid(err, name, OptionMaxRetries, v)
		}
		p.maxRetries = n
	}
	return p, nil
}

func invalid(err error, name, option, value string) error {
	if err == nil {
		return errs.New(errs.CodeConfigOptionInvalid, "option must not be negative",
			errs.FieldPlugin(name), errs.Field("option", option), errs.Field("value", value))
	}
	return errs.Wrap(err, errs.CodeConfigOptionInvalid, "invalid option",
		errs.FieldPlugin(name), errs.Field("option", option), errs.Field("value", value))
}

func (p *Relay) MsgType() pluginPkg.MessageType { return MsgType }
func (p *Relay) IsBusy() bool                   { return p.inFlight.Load() > 0 }

// Run subscribes to the serial peer for the lifetime of the plugin.
func (p *Relay) Run(ctx context.Context) {
	if err := p.RegisterTOSListener(); err != nil {
		p.Exception(err)
		return
	}
	p.Info("relaying serial frames", slog.Int("am_id", int(p.amID)))
	<-ctx.Done()
}

func (p *Relay) OnStop() {
	p.DeregisterTOSListener()
}

// TOSMsgReceived reports the frame processed once GSN has taken it.
func (p *Relay) TOSMsgReceived(timestamp int64, payload []byte) bool {
	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)

	if !p.ProcessMsg(timestamp, payload, p.Priority(), p.Backlog()) {
		p.Warning("serial frame not accepted by GSN", slog.Int("size", len(payload)))
		return false
	}
	p.forwarded.Add(1)
	return true
}

func (p *Relay) MsgReceived(payload []byte) {
	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)

	if !p.SendTOSMsg(payload, p.amID, p.timeout, true, p.maxRetries) {
		p.Warning("GSN message not accepted by serial peer", slog.Int("size", len(payload)))
	}
}

// Forwarded returns how many serial frames reached GSN.
func (p *Relay) Forwarded() uint64 {
	return p.forwarded.Load()
}
