package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"backlog.szuro.net/internal/errs"
	goplugin "github.com/hashicorp/go-plugin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// forwarder runs in the "remote" end of the bridge.
type forwarder struct {
	*Base
}

func newForwarder(host Host, name string, opts Options) (Plugin, error) {
	p := &forwarder{}
	base, err := NewBase(p, host, name, opts, DefaultSettings())
	if err != nil {
		return nil, err
	}
	p.Base = base
	return p, nil
}

func (p *forwarder) MsgType() MessageType { return 42 }
func (p *forwarder) IsBusy() bool         { return false }

func (p *forwarder) Action(params string) {
	switch params {
	case "register":
		if err := p.RegisterTOSListener(); err != nil {
			p.Error(err)
		}
	case "fail":
		p.Error(errors.New("sensor offline"))
	default:
		p.ProcessMsg(1000, []byte(params), p.Priority(), p.Backlog())
	}
}

func (p *forwarder) TOSMsgReceived(timestamp int64, payload []byte) bool {
	return p.SendTOSMsg(payload, 0x10, time.Second, false, 1)
}

func (p *forwarder) OnStop() {
	p.DeregisterTOSListener()
}

func dispense(t *testing.T, factory Factory) *PluginClient {
	t.Helper()
	client, server := goplugin.TestPluginGRPCConn(t, false, map[string]goplugin.Plugin{
		PluginKey: &AgentPlugin{Factory: factory},
	})
	t.Cleanup(func() {
		client.Close()
		server.Stop()
	})

	raw, err := client.Dispense(PluginKey)
	require.NoError(t, err)
	proxy, ok := raw.(*PluginClient)
	require.True(t, ok)
	return proxy
}

func TestGRPCBridge(t *testing.T) {
	host := newFakeHost()
	proxy := dispense(t, newForwarder)

	require.NoError(t, proxy.Init(host, "remote", Options{{Key: "priority", Value: "7"}, {Key: "backlog", Value: "false"}}))
	assert.Equal(t, "remote", proxy.Name())
	assert.Equal(t, MessageType(42), proxy.MsgType())
	assert.Equal(t, 7, proxy.Priority())
	assert.False(t, proxy.Backlog())
	_, hasMaxRuntime := proxy.MaxRuntime()
	assert.False(t, hasMaxRuntime)

	proxy.Action("register")
	require.Equal(t, 0, host.tos.count(), "a plugin that is not running cannot register")
	assert.Equal(t, uint64(1), host.ErrorCounter())

	require.NoError(t, proxy.Start())
	assert.Equal(t, StateRunning, proxy.State())
	assert.False(t, proxy.IsBusy())

	proxy.Action("temperature=21.5")
	require.Len(t, host.peer.sent, 1)
	assert.Equal(t, sentMsg{42, 1000, []byte("temperature=21.5"), 7, false}, host.peer.sent[0])

	proxy.Action("register")
	require.Equal(t, 1, host.tos.count())
	assert.True(t, host.tos.listeners["remote"].TOSMsgReceived(1, []byte{0xab}))
	require.Len(t, host.tos.packets, 1)
	assert.Equal(t, []byte{0xab}, host.tos.packets[0])

	proxy.Action("fail")
	assert.Equal(t, uint64(2), host.ErrorCounter())

	require.NotPanics(t, func() {
		proxy.MsgReceived([]byte("cmd"))
		proxy.AckReceived(1000)
		proxy.ConnectionToGSNEstablished()
		proxy.ConnectionToGSNLost()
	})

	require.NoError(t, proxy.Stop())
	assert.Equal(t, StateStopped, proxy.State())
	assert.Equal(t, 0, host.tos.count())
}

func TestGRPCBridgeCountsPeerFailures(t *testing.T) {
	host := newFakeHost()
	host.peer.failWith = errs.New(errs.CodeBacklogStoreFailure, "cannot store message")
	host.tos.sendErr = errs.New(errs.CodeTOSSendFailure, "serial send queue full")
	proxy := dispense(t, newForwarder)
	require.NoError(t, proxy.Init(host, "remote", nil))
	require.NoError(t, proxy.Start())
	defer proxy.Stop()

	proxy.Action("reading")
	assert.Equal(t, uint64(1), host.ErrorCounter())

	proxy.Action("register")
	assert.False(t, host.tos.listeners["remote"].TOSMsgReceived(1, []byte{0xab}))
	assert.Equal(t, uint64(2), host.ErrorCounter())

	host.peer.failWith = nil
	host.peer.refuse = true
	proxy.Action("reading")
	assert.Equal(t, uint64(2), host.ErrorCounter(), "a refused message is not an error")
}

func TestGRPCBridgeInitFailure(t *testing.T) {
	proxy := dispense(t, newForwarder)

	err := proxy.Init(newFakeHost(), "remote", Options{{Key: "priority", Value: "high"}})
	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.CodeConfigOptionInvalid), "got %v", err)

	err = proxy.Start()
	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.CodeLifecycleTransitionInvalid))
}

func TestGRPCBridgeMissingMsgType(t *testing.T) {
	proxy := dispense(t, func(host Host, name string, opts Options) (Plugin, error) {
		p := &bare{}
		base, err := NewBase(p, host, name, opts, DefaultSettings())
		if err != nil {
			return nil, err
		}
		p.Base = base
		return p, nil
	})

	require.Error(t, proxy.Init(newFakeHost(), "bare", nil))
}

func echoService() map[string]method {
	return map[string]method{
		"Echo": func(_ context.Context, in []byte) (any, error) {
			return decode[string](in)
		},
		"Fail": func(context.Context, []byte) (any, error) {
			return nil, errs.New(errs.CodeTOSSendFailure, "serial send queue full")
		},
	}
}

func TestInvokeKeepsErrorCode(t *testing.T) {
	cc, srv := goplugin.TestGRPCConn(t, func(s *grpc.Server) {
		s.RegisterService(serviceDesc("test.Echo", echoService()), struct{}{})
	})
	t.Cleanup(func() {
		cc.Close()
		srv.Stop()
	})
	c := &conn{cc: cc, service: "test.Echo", ctx: context.Background()}

	var out string
	require.NoError(t, c.invoke("Echo", "hello", &out))
	assert.Equal(t, "hello", out)

	err := c.invoke("Fail", nil, nil)
	assert.True(t, errs.HasCode(err, errs.CodeTOSSendFailure), "got %v", err)

	err = c.invoke("Missing", nil, nil)
	assert.True(t, errs.HasCode(err, errs.CodePluginRPCFailure), "got %v", err)
}

func TestServiceDescHonoursInterceptor(t *testing.T) {
	desc := serviceDesc("test.Echo", map[string]method{"Echo": echoService()["Echo"]})
	require.Len(t, desc.Methods, 1)

	var seen string
	interceptor := func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		seen = info.FullMethod
		return next(ctx, req)
	}
	dec := func(v any) error {
		v.(*wrapperspb.BytesValue).Value = []byte(`"hello"`)
		return nil
	}

	out, err := desc.Methods[0].Handler(nil, context.Background(), dec, interceptor)
	require.NoError(t, err)
	assert.Equal(t, "/test.Echo/Echo", seen)

	var r reply
	require.NoError(t, json.Unmarshal(out.(*wrapperspb.BytesValue).GetValue(), &r))
	assert.JSONEq(t, `"hello"`, string(r.Value))
	assert.Empty(t, r.Error)
}
