// Command print is an out-of-process plugin. Load it from plugins_dir and
// use it as type "rpc:print".
//
// Every action sends its parameters to GSN, every GSN message is written to
// stdout or stderr.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync/atomic"

	"backlog.szuro.net/internal/errs"
	pluginPkg "backlog.szuro.net/pkg/plugin"
)

const (
	STDOUT = "stdout"
	STDERR = "stderr"
)

const queueSize = 16

type PrintPlugin struct {
	*pluginPkg.Base
	msgType pluginPkg.MessageType
	out     io.Writer
	queue   chan string
	pending atomic.Int32
}

func NewPrintPlugin(host pluginPkg.Host, name string, opts pluginPkg.Options) (pluginPkg.Plugin, error) {
	p := &PrintPlugin{out: os.Stdout, queue: make(chan string, queueSize)}
	base, err := pluginPkg.NewBase(p, host, name, opts, pluginPkg.DefaultSettings())
	if err != nil {
		return nil, err
	}
	p.Base = base

	v, ok := opts.GetOptionValue("msg_type")
	if !ok {
		return nil, errs.New(errs.CodeConfigOptionInvalid, "msg_type option is required", errs.FieldPlugin(name))
	}
	msgType, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeConfigOptionInvalid, "msg_type is not a number", errs.FieldPlugin(name))
	}
	p.msgType = pluginPkg.MessageType(msgType)

	if v, _ := opts.GetOptionValue("output"); v == STDERR {
		p.out = os.Stderr
	}
	return p, nil
}

func (p *PrintPlugin) MsgType() pluginPkg.MessageType { return p.msgType }
func (p *PrintPlugin) IsBusy() bool                   { return p.pending.Load() > 0 }

// Action queues params for Run; they are dropped when the queue is full.
func (p *PrintPlugin) Action(params string) {
	p.pending.Add(1)
	select {
	case p.queue <- params:
	default:
		p.pending.Add(-1)
		p.Warning("action queue full, parameters dropped", "size", queueSize)
	}
}

func (p *PrintPlugin) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case params := <-p.queue:
			p.ProcessMsg(p.TimeStamp(), []byte(params), p.Priority(), p.Backlog())
			p.pending.Add(-1)
		}
	}
}

func (p *PrintPlugin) MsgReceived(payload []byte) {
	fmt.Fprintf(p.out, "%s: %s\n", p.Name(), payload)
}

func (p *PrintPlugin) AckReceived(timestamp int64) {
	p.Debug("acknowledged", "timestamp", timestamp)
}

func main() {
	pluginPkg.Serve(NewPrintPlugin)
}
