// Package schedule invokes plugin actions from cron expressions and waits
// for plugins to become idle on shutdown.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"backlog.szuro.net/internal/errs"
	"backlog.szuro.net/internal/logger"
	"backlog.szuro.net/pkg/plugin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	cronlib "github.com/robfig/cron/v3"
)

var (
	invocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "schedule_invocations_total",
		Help: "Total number of scheduled plugin actions",
	}, []string{"plugin"})
	maxRuntimeExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "schedule_max_runtime_exceeded_total",
		Help: "Total number of actions whose plugin stayed busy past max_runtime",
	}, []string{"plugin"})
)

// Counters receives the failures noticed by the scheduler.
type Counters interface {
	IncrementErrorCounter()
	IncrementExceptionCounter()
}

// Handler owns the cron scheduler of the agent.
type Handler struct {
	cron     *cronlib.Cron
	counters Counters

	mu   sync.Mutex
	jobs map[string][]cronlib.EntryID

	ctx      context.Context
	cancel   context.CancelFunc
	watchers sync.WaitGroup
}

func New(counters Counters) *Handler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		cron:     cronlib.New(cronlib.WithSeconds()),
		counters: counters,
		jobs:     make(map[string][]cronlib.EntryID),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Add schedules p.Action(params) on the six field cron expression expr.
func (h *Handler) Add(expr string, p plugin.Plugin, params string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	id, err := h.cron.AddFunc(expr, func() { h.Invoke(p, params) })
	if err != nil {
		return errs.Wrap(err, errs.CodeConfigOptionInvalid, "invalid cron expression",
			errs.FieldPlugin(p.Name()), errs.Field("cron", expr))
	}
	h.jobs[p.Name()] = append(h.jobs[p.Name()], id)
	logger.Debug("Scheduled plugin", slog.String("plugin", p.Name()), slog.String("cron", expr))
	return nil
}

// Jobs returns how many schedule entries exist for the plugin name.
func (h *Handler) Jobs(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.jobs[name])
}

// Invoke runs one action of p unless p is not running. A plugin still busy
// max_runtime seconds later is reported.
func (h *Handler) Invoke(p plugin.Plugin, params string) {
	if p.State() != plugin.StateRunning {
		logger.Debug("Skipping action of plugin not running", slog.String("plugin", p.Name()), slog.String("state", p.State().String()))
		return
	}
	invocations.WithLabelValues(p.Name()).Inc()

	if !h.action(p, params) {
		return
	}

	if r, ok := p.MaxRuntime(); ok {
		h.watchers.Add(1)
		go h.watch(p, time.Duration(r)*time.Second)
	}
}

func (h *Handler) action(p plugin.Plugin, params string) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			if err, isErr := r.(error); isErr && errs.HasCode(err, errs.CodeContractViolation) {
				panic(r)
			}
			h.counters.IncrementExceptionCounter()
			logger.Error("Plugin action panicked", slog.String("plugin", p.Name()), slog.Any("error", fmt.Errorf("%v", r)))
			ok = false
		}
	}()
	p.Action(params)
	return true
}

func (h *Handler) watch(p plugin.Plugin, maxRuntime time.Duration) {
	defer h.watchers.Done()
	timer := time.NewTimer(maxRuntime)
	defer timer.Stop()

	select {
	case <-h.ctx.Done():
		return
	case <-timer.C:
	}
	if p.State() == plugin.StateRunning && p.IsBusy() {
		h.counters.IncrementErrorCounter()
		maxRuntimeExceeded.WithLabelValues(p.Name()).Inc()
		logger.Warn("Plugin still busy after max_runtime", slog.String("plugin", p.Name()), slog.Duration("max_runtime", maxRuntime))
	}
}

func (h *Handler) Start() {
	h.cron.Start()
	logger.Info("Scheduler started", slog.Int("entries", len(h.cron.Entries())))
}

// Stop stops scheduling and waits for running actions to return.
func (h *Handler) Stop() {
	<-h.cron.Stop().Done()
	h.cancel()
	h.watchers.Wait()
	logger.Info("Scheduler stopped")
}

// WaitIdle polls every plugin's IsBusy each interval until none is busy or
// timeout elapses. It returns false on timeout.
func WaitIdle(ctx context.Context, plugins []plugin.Plugin, interval, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		var busy []string
		for _, p := range plugins {
			if p.IsBusy() {
				busy = append(busy, p.Name())
			}
		}
		if len(busy) == 0 {
			return true
		}
		if !time.Now().Before(deadline) {
			logger.Warn("Plugins still busy, shutting down anyway", slog.Any("plugins", busy), slog.Duration("timeout", timeout))
			return false
		}
		logger.Info("Waiting for busy plugins", slog.Any("plugins", busy))

		select {
		case <-ctx.Done():
			return false
		case <-time.After(interval):
		}
	}
}
