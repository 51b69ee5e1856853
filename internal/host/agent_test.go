package host

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"backlog.szuro.net/internal/backlog"
	"backlog.szuro.net/internal/config"
	"backlog.szuro.net/internal/errs"
	"backlog.szuro.net/internal/plugin"
	pluginPkg "backlog.szuro.net/pkg/plugin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// meter emits one backlogged message per action.
type meter struct {
	*pluginPkg.Base
	msgType  pluginPkg.MessageType
	busy     bool
	actions  atomic.Int32
	accepted atomic.Int32
}

func (p *meter) MsgType() pluginPkg.MessageType { return p.msgType }
func (p *meter) IsBusy() bool                   { return p.busy }

func (p *meter) Action(params string) {
	p.actions.Add(1)
	if p.ProcessMsg(p.TimeStamp(), []byte(params), p.Priority(), true) {
		p.accepted.Add(1)
	}
}

func testRegistry(t *testing.T, created map[string]*meter) *plugin.Registry {
	t.Helper()
	r := plugin.NewRegistry()
	factory := func(busy bool) pluginPkg.Factory {
		return func(host pluginPkg.Host, name string, opts pluginPkg.Options) (pluginPkg.Plugin, error) {
			msgType := pluginPkg.MessageType(100)
			if v, ok := opts.GetOptionValue("msg_type"); ok && v == "101" {
				msgType = 101
			}
			p := &meter{msgType: msgType, busy: busy}
			base, err := pluginPkg.NewBase(p, host, name, opts, pluginPkg.DefaultSettings())
			if err != nil {
				return nil, err
			}
			p.Base = base
			created[name] = p
			return p, nil
		}
	}
	r.RegisterBuiltin(pluginPkg.PluginInfo{Name: "meter"}, factory(false))
	r.RegisterBuiltin(pluginPkg.PluginInfo{Name: "stuck"}, factory(true))
	return r
}

func testConf(t *testing.T) config.AgentConf {
	return config.AgentConf{
		WorkingDir:       t.TempDir(),
		DeviceID:         "test-agent",
		ShutdownTimeout:  100 * time.Millisecond,
		BusyPollInterval: 10 * time.Millisecond,
	}
}

func TestHostContext(t *testing.T) {
	conf := testConf(t)
	conf.DutyCycleMode = true
	a := New(conf, plugin.NewRegistry())

	assert.Nil(t, a.GSNPeer())
	assert.Nil(t, a.Backlog())
	assert.Nil(t, a.TOSPeer())
	assert.True(t, a.DutyCycleMode())

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				a.IncrementErrorCounter()
				a.IncrementExceptionCounter()
			}
			done <- struct{}{}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	assert.Equal(t, uint64(800), a.ErrorCounter())
	assert.Equal(t, uint64(800), a.ExceptionCounter())

	time.Sleep(5 * time.Millisecond)
	assert.Greater(t, a.Uptime(), time.Duration(0))
}

func TestStartAndShutdown(t *testing.T) {
	created := map[string]*meter{}
	conf := testConf(t)
	conf.Plugins = []config.PluginConf{{Name: "sensor", Type: "meter"}}
	conf.Schedule = []config.ScheduleConf{{Cron: "* * * * * *", Plugin: "sensor", Params: "t=21.5"}}

	a := New(conf, testRegistry(t, created))
	require.NoError(t, a.Start(context.Background()))

	require.NotNil(t, a.GSNPeer())
	require.NotNil(t, a.Backlog())
	assert.Nil(t, a.TOSPeer())

	p := created["sensor"]
	require.NotNil(t, p)
	assert.Equal(t, pluginPkg.StateRunning, p.State())
	require.Eventually(t, func() bool { return p.accepted.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)

	entries, _ := a.Backlog().Status()
	assert.GreaterOrEqual(t, entries, int64(1))

	a.Shutdown()
	assert.Equal(t, pluginPkg.StateStopped, p.State())
	require.NotPanics(t, a.Shutdown)

	// the backlog survives the agent
	store, err := backlog.Open(conf.BacklogDir(), backlog.Options{})
	require.NoError(t, err)
	defer store.Close()
	entries, _ = store.Status()
	assert.GreaterOrEqual(t, entries, int64(1))
}

func TestStartFailures(t *testing.T) {
	tests := []struct {
		name     string
		plugins  []config.PluginConf
		schedule []config.ScheduleConf
		code     errs.Code
	}{
		{
			name:    "unknown type",
			plugins: []config.PluginConf{{Name: "a", Type: "thermometer"}},
			code:    errs.CodePluginNotFound,
		},
		{
			name:    "duplicate message type",
			plugins: []config.PluginConf{{Name: "a", Type: "meter"}, {Name: "b", Type: "meter"}},
			code:    errs.CodeMsgTypeDuplicate,
		},
		{
			name:    "invalid option",
			plugins: []config.PluginConf{{Name: "a", Type: "meter", Options: pluginPkg.Options{{Key: "priority", Value: "high"}}}},
			code:    errs.CodeConfigOptionInvalid,
		},
		{
			name:     "invalid cron",
			plugins:  []config.PluginConf{{Name: "a", Type: "meter"}},
			schedule: []config.ScheduleConf{{Cron: "now", Plugin: "a"}},
			code:     errs.CodeConfigOptionInvalid,
		},
		{
			name:     "unknown scheduled plugin",
			plugins:  []config.PluginConf{{Name: "a", Type: "meter"}},
			schedule: []config.ScheduleConf{{Cron: "* * * * * *", Plugin: "b"}},
			code:     errs.CodeConfigLoadFailure,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conf := testConf(t)
			conf.Plugins = tt.plugins
			conf.Schedule = tt.schedule

			a := New(conf, testRegistry(t, map[string]*meter{}))
			err := a.Start(context.Background())
			require.Error(t, err)
			assert.True(t, errs.HasCode(err, tt.code), "got %v", err)

			// a failed start releases the backlog
			store, err := backlog.Open(conf.BacklogDir(), backlog.Options{})
			require.NoError(t, err)
			require.NoError(t, store.Close())
		})
	}
}

func TestDistinctMessageTypes(t *testing.T) {
	conf := testConf(t)
	conf.Plugins = []config.PluginConf{
		{Name: "a", Type: "meter"},
		{Name: "b", Type: "meter", Options: pluginPkg.Options{{Key: "msg_type", Value: "101"}}},
	}
	a := New(conf, testRegistry(t, map[string]*meter{}))
	require.NoError(t, a.Start(context.Background()))
	defer a.Shutdown()
	assert.Len(t, a.Plugins(), 2)
}

func TestShutdownProceedsWhenBusy(t *testing.T) {
	created := map[string]*meter{}
	conf := testConf(t)
	conf.Plugins = []config.PluginConf{{Name: "stuck", Type: "stuck"}}

	a := New(conf, testRegistry(t, created))
	require.NoError(t, a.Start(context.Background()))

	start := time.Now()
	a.Shutdown()
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, conf.ShutdownTimeout)
	assert.Less(t, elapsed, 5*time.Second)
	assert.Equal(t, pluginPkg.StateStopped, created["stuck"].State())
}
