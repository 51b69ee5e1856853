// Package heartbeat reports the health of the agent to GSN.
package heartbeat

import (
	"context"
	"encoding/json"
	"sync/atomic"

	pluginPkg "backlog.szuro.net/pkg/plugin"
)

const MsgType pluginPkg.MessageType = 13

var Info = pluginPkg.PluginInfo{
	Name:        "heartbeat",
	Version:     "1.0.0",
	Description: "Periodic agent status: uptime, backlog size, counters and GSN connection",
	Type:        "builtin",
}

// Status is the JSON payload of one heartbeat.
type Status struct {
	Uptime         int64  `json:"uptime_s"`
	BacklogEntries int64  `json:"backlog_entries"`
	BacklogBytes   int64  `json:"backlog_bytes"`
	Errors         uint64 `json:"errors"`
	Exceptions     uint64 `json:"exceptions"`
	GSNConnected   bool   `json:"gsn_connected"`
	QueueLength    int    `json:"queue_length"`
	DutyCycleMode  bool   `json:"duty_cycle_mode"`
	Params         string `json:"params,omitempty"`
}

type Heartbeat struct {
	*pluginPkg.Base
	// requests carries the parameters of the next heartbeat to Run.
	requests chan string
	pending  atomic.Int32
}

func New(host pluginPkg.Host, name string, opts pluginPkg.Options) (pluginPkg.Plugin, error) {
	p := &Heartbeat{requests: make(chan string, 1)}
	base, err := pluginPkg.NewBase(p, host, name, opts, pluginPkg.Settings{Backlog: false, Priority: 10})
	if err != nil {
		return nil, err
	}
	p.Base = base
	return p, nil
}

func (p *Heartbeat) MsgType() pluginPkg.MessageType { return MsgType }
func (p *Heartbeat) IsBusy() bool                   { return p.pending.Load() > 0 }

// Action requests a heartbeat. A request made while another one is still
// pending is dropped.
func (p *Heartbeat) Action(params string) {
	p.pending.Add(1)
	select {
	case p.requests <- params:
	default:
		p.pending.Add(-1)
		p.Debug("heartbeat already pending")
	}
}

// MsgReceived answers any GSN message with an immediate heartbeat.
func (p *Heartbeat) MsgReceived(payload []byte) {
	p.Action(string(payload))
}

func (p *Heartbeat) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case params := <-p.requests:
			p.send(params)
		}
	}
}

func (p *Heartbeat) send(params string) {
	defer p.pending.Add(-1)

	payload, err := json.Marshal(p.collect(params))
	if err != nil {
		p.Exception(err)
		return
	}
	if !p.ProcessMsg(p.TimeStamp(), payload, p.Priority(), p.Backlog()) {
		p.Warning("heartbeat not delivered")
	}
}

func (p *Heartbeat) collect(params string) Status {
	entries, size := p.BackLogStatus()
	gsn := p.GSNPeerStatus()
	return Status{
		Uptime:         int64(p.Uptime().Seconds()),
		BacklogEntries: entries,
		BacklogBytes:   size,
		Errors:         p.ErrorCounter(),
		Exceptions:     p.ExceptionCounter(),
		GSNConnected:   p.IsGSNConnected(),
		QueueLength:    gsn.QueueLength,
		DutyCycleMode:  p.IsDutyCycleMode(),
		Params:         params,
	}
}
