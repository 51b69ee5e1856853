// Package host wires the backlog store, the GSN and TOS peers, the plugin
// population and the scheduler into one running agent.
package host

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"backlog.szuro.net/internal/backlog"
	"backlog.szuro.net/internal/config"
	"backlog.szuro.net/internal/errs"
	"backlog.szuro.net/internal/gsn"
	"backlog.szuro.net/internal/logger"
	"backlog.szuro.net/internal/plugin"
	"backlog.szuro.net/internal/schedule"
	"backlog.szuro.net/internal/tos"
	pluginPkg "backlog.szuro.net/pkg/plugin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	errorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backlogd_plugin_errors_total",
		Help: "Errors reported by plugins",
	})
	exceptionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backlogd_plugin_exceptions_total",
		Help: "Exceptions reported by plugins",
	})
	runningPlugins = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backlogd_plugins_running",
		Help: "Number of plugins in the running state",
	})
)

// Agent is the process wide host context handed to every plugin.
type Agent struct {
	conf     config.AgentConf
	registry *plugin.Registry
	started  time.Time

	errors     atomic.Uint64
	exceptions atomic.Uint64

	store     *backlog.Store
	gsnPeer   *gsn.Peer
	tosPeer   *tos.Peer
	scheduler *schedule.Handler
	plugins   []pluginPkg.Plugin

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func New(conf config.AgentConf, registry *plugin.Registry) *Agent {
	if conf.BusyPollInterval <= 0 {
		conf.BusyPollInterval = config.DefaultBusyPollInterval
	}
	if conf.ShutdownTimeout <= 0 {
		conf.ShutdownTimeout = config.DefaultShutdownTimeout
	}
	return &Agent{
		conf:     conf,
		registry: registry,
		started:  time.Now(),
	}
}

func (a *Agent) GSNPeer() pluginPkg.GSNPeer {
	if a.gsnPeer == nil {
		return nil
	}
	return a.gsnPeer
}

func (a *Agent) Backlog() pluginPkg.BacklogStore {
	if a.store == nil {
		return nil
	}
	return a.store
}

func (a *Agent) TOSPeer() pluginPkg.TOSPeer {
	if a.tosPeer == nil {
		return nil
	}
	return a.tosPeer
}

func (a *Agent) Uptime() time.Duration       { return time.Since(a.started) }
func (a *Agent) DutyCycleMode() bool         { return a.conf.DutyCycleMode }
func (a *Agent) ErrorCounter() uint64        { return a.errors.Load() }
func (a *Agent) ExceptionCounter() uint64    { return a.exceptions.Load() }
func (a *Agent) Plugins() []pluginPkg.Plugin { return a.plugins }

func (a *Agent) IncrementErrorCounter() {
	a.errors.Add(1)
	errorsTotal.Inc()
}

func (a *Agent) IncrementExceptionCounter() {
	a.exceptions.Add(1)
	exceptionsTotal.Inc()
}

// Start brings the agent up. On error everything started so far is torn
// down again.
func (a *Agent) Start(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			a.Shutdown()
		}
	}()

	a.store, err = backlog.Open(a.conf.BacklogDir(), backlog.Options{
		MaxAge:            a.conf.MaxAge(),
		CompressThreshold: a.conf.Backlog.CompressThreshold,
	})
	if err != nil {
		return err
	}

	a.gsnPeer = gsn.NewPeer(gsn.Config{
		URL:       a.conf.GSN.URL,
		DeviceID:  a.conf.DeviceID,
		QueueSize: a.conf.GSN.QueueSize,
		Reconnect: a.conf.GSN.ShouldReconnect(),
	}, a.store)
	a.store.SetSender(a.gsnPeer)

	if a.conf.TOS.Address != "" {
		a.tosPeer = tos.NewPeer(tos.NewSFLink(a.conf.TOS.Address, a.conf.TOS.Group), a.conf.TOS.SendQueueSize)
	}

	if err = a.createPlugins(); err != nil {
		return err
	}

	a.scheduler = schedule.New(a)
	byName := make(map[string]pluginPkg.Plugin, len(a.plugins))
	for _, p := range a.plugins {
		byName[p.Name()] = p
	}
	for _, s := range a.conf.Schedule {
		p, ok := byName[s.Plugin]
		if !ok {
			return errs.New(errs.CodeConfigLoadFailure, "schedule references unknown plugin", errs.FieldPlugin(s.Plugin))
		}
		if err = a.scheduler.Add(s.Cron, p, s.Params); err != nil {
			return err
		}
	}

	for _, p := range a.plugins {
		if startErr := p.Start(); startErr != nil {
			a.IncrementExceptionCounter()
			logger.Error("Failed to start plugin", slog.String("plugin", p.Name()), slog.Any("error", startErr))
			continue
		}
		runningPlugins.Inc()
	}
	a.scheduler.Start()

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	if a.conf.GSN.URL == "" {
		logger.Warn("No GSN url configured, messages are only backlogged")
	} else {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.gsnPeer.Run(runCtx); err != nil {
				logger.Error("GSN peer stopped", slog.Any("error", err))
			}
		}()
	}

	logger.Info("Agent started",
		slog.String("device_id", a.conf.DeviceID),
		slog.Int("plugins", len(a.plugins)),
		slog.Bool("duty_cycle_mode", a.conf.DutyCycleMode))
	return nil
}

// createPlugins builds every configured plugin and rejects message types
// used by more than one of them.
func (a *Agent) createPlugins() error {
	owners := make(map[pluginPkg.MessageType]string, len(a.conf.Plugins))
	for _, pc := range a.conf.Plugins {
		p, err := a.registry.Create(a, pc.Type, pc.Name, pc.Options)
		if err != nil {
			return err
		}
		a.plugins = append(a.plugins, p)

		msgType := p.MsgType()
		if other, ok := owners[msgType]; ok {
			return errs.New(errs.CodeMsgTypeDuplicate, "message type already used",
				errs.Field("msg_type", msgType), errs.FieldPlugin(pc.Name), errs.Field("other", other))
		}
		owners[msgType] = pc.Name

		if err := a.gsnPeer.Register(p); err != nil {
			return err
		}
		logger.Info("Created plugin",
			slog.String("plugin", pc.Name),
			slog.String("type", pc.Type),
			slog.Int("msg_type", int(msgType)))
	}
	return nil
}

// Shutdown stops scheduling, waits a bounded time for busy plugins, stops
// them and releases the collaborators. Safe to call more than once.
func (a *Agent) Shutdown() {
	a.once.Do(a.shutdown)
}

func (a *Agent) shutdown() {
	logger.Info("Shutting down agent")
	if a.scheduler != nil {
		a.scheduler.Stop()
	}

	schedule.WaitIdle(context.Background(), a.running(), a.conf.BusyPollInterval, a.conf.ShutdownTimeout)

	for _, p := range a.running() {
		if err := p.Stop(); err != nil {
			logger.Error("Failed to stop plugin", slog.String("plugin", p.Name()), slog.Any("error", err))
			continue
		}
		runningPlugins.Dec()
	}

	if a.tosPeer != nil {
		if err := a.tosPeer.Close(); err != nil {
			logger.Warn("Closing TOS peer", slog.Any("error", err))
		}
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()

	if a.store != nil {
		if err := a.store.Close(); err != nil {
			logger.Error("Closing backlog", slog.Any("error", err))
		}
	}
	a.registry.CleanupAll()
	logger.Info("Agent stopped",
		slog.Uint64("errors", a.ErrorCounter()),
		slog.Uint64("exceptions", a.ExceptionCounter()))
}

func (a *Agent) running() []pluginPkg.Plugin {
	var running []pluginPkg.Plugin
	for _, p := range a.plugins {
		if p.State() == pluginPkg.StateRunning {
			running = append(running, p)
		}
	}
	return running
}
