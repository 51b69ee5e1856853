// Package logtail follows a text file and forwards every new line to GSN.
package logtail

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"backlog.szuro.net/internal/errs"
	"backlog.szuro.net/internal/logger"
	pluginPkg "backlog.szuro.net/pkg/plugin"
	"github.com/nxadm/tail"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const MsgType pluginPkg.MessageType = 30

const (
	OptionFile       = "file"
	OptionFromStart  = "from_start"
	OptionOffsetFile = "offset_file"
	OptionPoll       = "poll"
)

var Info = pluginPkg.PluginInfo{
	Name:        "logtail",
	Version:     "1.0.0",
	Description: "Follows a file and sends each appended line",
	Type:        "builtin",
}

var linesRead = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "logtail_lines_total",
	Help: "Lines read from followed files",
}, []string{"plugin"})

type LogTail struct {
	*pluginPkg.Base
	file       string
	offsetFile string
	fromStart  bool
	poll       bool

	processing atomic.Bool
}

func New(host pluginPkg.Host, name string, opts pluginPkg.Options) (pluginPkg.Plugin, error) {
	p := &LogTail{}
	base, err := pluginPkg.NewBase(p, host, name, opts, pluginPkg.DefaultSettings())
	if err != nil {
		return nil, err
	}
	p.Base = base

	file, ok := opts.GetOptionValue(OptionFile)
	if !ok || file == "" {
		return nil, errs.New(errs.CodeConfigOptionInvalid, "file option is required", errs.FieldPlugin(name))
	}
	p.file = file
	p.offsetFile, _ = opts.GetOptionValue(OptionOffsetFile)
	p.fromStart = flag(opts, OptionFromStart)
	p.poll = flag(opts, OptionPoll)
	return p, nil
}

func flag(opts pluginPkg.Options, key string) bool {
	v, _ := opts.GetOptionValue(key)
	b, _ := strconv.ParseBool(strings.TrimSpace(v))
	return b
}

func (p *LogTail) MsgType() pluginPkg.MessageType { return MsgType }

// IsBusy reports a line being handed to GSN.
func (p *LogTail) IsBusy() bool { return p.processing.Load() }

func (p *LogTail) Run(ctx context.Context) {
	t, err := tail.TailFile(p.file, tail.Config{
		Follow:        true,
		ReOpen:        true,
		CompleteLines: true,
		Poll:          p.poll,
		Location:      p.location(),
		Logger:        logger.Default(),
	})
	if err != nil {
		p.Exception(errs.Wrap(err, errs.CodeConfigOptionInvalid, "cannot follow file", errs.Field("file", p.file)))
		return
	}
	defer p.close(t)
	p.Info("following file", slog.String("file", p.file))

	counter := linesRead.WithLabelValues(p.Name())
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-t.Lines:
			if !ok {
				return
			}
			p.handle(line)
			counter.Inc()
		}
	}
}

func (p *LogTail) handle(line *tail.Line) {
	p.processing.Store(true)
	defer p.processing.Store(false)

	if line.Err != nil {
		p.Error(line.Err)
		return
	}
	if !p.ProcessMsg(line.Time.UnixMilli(), []byte(line.Text), p.Priority(), p.Backlog()) {
		p.Warning("line not delivered", slog.Int("line", line.Num))
	}
}

// location resumes from the saved offset unless the file shrank since.
func (p *LogTail) location() *tail.SeekInfo {
	if p.offsetFile != "" {
		if offset, ok := p.savedOffset(); ok {
			return &tail.SeekInfo{Offset: offset, Whence: io.SeekStart}
		}
	}
	if p.fromStart {
		return nil
	}
	return &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd}
}

func (p *LogTail) savedOffset() (int64, bool) {
	raw, err := os.ReadFile(p.offsetFile)
	if err != nil {
		return 0, false
	}
	offset, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		p.Warning("ignoring invalid offset file", slog.String("offset_file", p.offsetFile))
		return 0, false
	}
	f, err := os.Stat(p.file)
	if err != nil || offset > f.Size() {
		return 0, true
	}
	return offset, true
}

func (p *LogTail) close(t *tail.Tail) {
	offset, err := t.Tell()
	if err != nil {
		p.Warning("cannot get file offset", slog.String("file", p.file), slog.Any("error", err))
	}
	if err := t.Stop(); err != nil {
		p.Debug("tail stopped", slog.Any("error", err))
	}
	t.Cleanup()

	if p.offsetFile == "" || err != nil {
		return
	}
	if werr := os.WriteFile(p.offsetFile, []byte(strconv.FormatInt(offset, 10)), 0o644); werr != nil {
		p.Error(werr)
	}
}
