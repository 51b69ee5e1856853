package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"backlog.szuro.net/internal/errs"
	"backlog.szuro.net/internal/logger"
	goplugin "github.com/hashicorp/go-plugin"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Handshake is the shared configuration between the agent and plugin
// executables. It must match exactly on both sides.
var Handshake = goplugin.HandshakeConfig{
	ProtocolVersion:  2,
	MagicCookieKey:   "BACKLOG_PLUGIN",
	MagicCookieValue: "backlog_agent",
}

// PluginKey is the name under which plugin executables serve AgentPlugin.
const PluginKey = "agent"

// Services exchanged between the agent and a plugin executable. The plugin
// serves the first, the agent serves the second on a broker connection.
const (
	pluginService = "backlog.Plugin"
	hostService   = "backlog.Host"
)

// Serve runs a plugin executable. It is meant to be the whole main function:
//
//	func main() {
//	    plugin.Serve(mypkg.New)
//	}
func Serve(factory Factory) {
	goplugin.Serve(&goplugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins: map[string]goplugin.Plugin{
			PluginKey: &AgentPlugin{Factory: factory},
		},
		GRPCServer: goplugin.DefaultGRPCServer,
		Logger:     logger.NewHCLogAdapter("plugin"),
	})
}

// AgentPlugin bridges Plugin over go-plugin gRPC. The plugin process calls
// back into the agent through a broker connection.
type AgentPlugin struct {
	goplugin.Plugin
	// Factory is only set in the plugin process.
	Factory Factory
}

// GRPCServer registers the plugin service. It runs in the plugin process.
func (p *AgentPlugin) GRPCServer(broker *goplugin.GRPCBroker, s *grpc.Server) error {
	srv := &pluginServer{factory: p.Factory, broker: broker}
	s.RegisterService(serviceDesc(pluginService, srv.methods()), srv)
	return nil
}

// GRPCClient returns the agent side proxy of the plugin. ctx is cancelled
// when the plugin process exits.
func (p *AgentPlugin) GRPCClient(ctx context.Context, broker *goplugin.GRPCBroker, c *grpc.ClientConn) (interface{}, error) {
	return &PluginClient{plugin: &conn{cc: c, service: pluginService, ctx: ctx}, broker: broker}, nil
}

// method is one call of a bridged service. in is the JSON encoded argument,
// the returned value is JSON encoded into the reply.
type method func(ctx context.Context, in []byte) (any, error)

// reply is the body of every response. Code keeps the errs code of a failed
// call across the process boundary.
type reply struct {
	Value json.RawMessage `json:"value,omitempty"`
	Code  errs.Code       `json:"code,omitempty"`
	Error string          `json:"error,omitempty"`
}

// serviceDesc describes a unary service whose requests and responses are
// JSON documents wrapped in google.protobuf.BytesValue.
func serviceDesc(name string, methods map[string]method) *grpc.ServiceDesc {
	desc := &grpc.ServiceDesc{ServiceName: name, HandlerType: (*any)(nil)}
	for methodName, m := range methods {
		desc.Methods = append(desc.Methods, grpc.MethodDesc{
			MethodName: methodName,
			Handler:    handler("/"+name+"/"+methodName, m),
		})
	}
	return desc
}

func handler(fullMethod string, m method) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(wrapperspb.BytesValue)
		if err := dec(in); err != nil {
			return nil, err
		}
		call := func(ctx context.Context, req any) (any, error) {
			return encodeReply(m(ctx, req.(*wrapperspb.BytesValue).GetValue()))
		}
		if interceptor == nil {
			return call(ctx, in)
		}
		return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}, call)
	}
}

func encodeReply(value any, err error) (*wrapperspb.BytesValue, error) {
	var r reply
	if err != nil {
		r.Code, r.Error = errs.CodeOf(err), err.Error()
	} else if value != nil {
		b, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		r.Value = b
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return wrapperspb.Bytes(b), nil
}

func decode[T any](in []byte) (T, error) {
	var v T
	if err := json.Unmarshal(in, &v); err != nil {
		return v, errs.Wrap(err, errs.CodePluginRPCFailure, "cannot decode arguments")
	}
	return v, nil
}

// conn calls the methods of one bridged service.
type conn struct {
	cc      *grpc.ClientConn
	service string
	ctx     context.Context
}

func (c *conn) invoke(method string, args any, out any) error {
	in, err := json.Marshal(args)
	if err != nil {
		return errs.Wrap(err, errs.CodePluginRPCFailure, "cannot encode arguments", errs.Field("method", method))
	}
	resp := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(c.ctx, "/"+c.service+"/"+method, wrapperspb.Bytes(in), resp); err != nil {
		return errs.Wrap(err, errs.CodePluginRPCFailure, "remote call failed", errs.Field("method", method))
	}

	var r reply
	if err := json.Unmarshal(resp.GetValue(), &r); err != nil {
		return errs.Wrap(err, errs.CodePluginRPCFailure, "cannot decode reply", errs.Field("method", method))
	}
	if r.Error != "" {
		code := r.Code
		if code == "" {
			code = errs.CodePluginRPCFailure
		}
		return errs.New(code, r.Error, errs.Field("method", method))
	}
	if out == nil || len(r.Value) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Value, out); err != nil {
		return errs.Wrap(err, errs.CodePluginRPCFailure, "cannot decode reply", errs.Field("method", method))
	}
	return nil
}

// InitArgs instantiates the plugin in the remote process.
type InitArgs struct {
	Name    string
	Options Options
	HostID  uint32
}

// InitReply carries the values that never change over the plugin lifetime.
type InitReply struct {
	MsgType       MessageType
	Priority      int
	Backlog       bool
	MaxRuntime    int
	HasMaxRuntime bool
}

type ProcessMsgArgs struct {
	MsgType     MessageType
	Timestamp   int64
	Payload     []byte
	Priority    int
	Backlogging bool
}

type TOSMsgArgs struct {
	Timestamp int64
	Payload   []byte
}

type SendTOSMsgArgs struct {
	Packet     []byte
	AmID       uint8
	Timeout    time.Duration
	Blocking   bool
	MaxRetries int
}

type BacklogStatusReply struct {
	Entries   int64
	SizeBytes int64
}

// PluginClient is the agent side view of a plugin running in another
// process.
type PluginClient struct {
	plugin *conn
	broker *goplugin.GRPCBroker

	name string
	info InitReply
}

// Init creates the plugin in the remote process and serves host on a
// broker connection for its callbacks.
func (c *PluginClient) Init(host Host, name string, opts Options) error {
	c.name = name
	srv := &hostServer{host: host, listener: c}
	id := c.broker.NextId()
	go c.broker.AcceptAndServe(id, func(opts []grpc.ServerOption) *grpc.Server {
		s := grpc.NewServer(opts...)
		s.RegisterService(serviceDesc(hostService, srv.methods()), srv)
		return s
	})

	if err := c.plugin.invoke("Init", InitArgs{Name: name, Options: opts, HostID: id}, &c.info); err != nil {
		return errs.Wrap(err, errs.CodePluginLoadFailure, "remote plugin failed to initialize", errs.FieldPlugin(name))
	}
	return nil
}

func (c *PluginClient) call(method string, args any, out any) bool {
	if err := c.plugin.invoke(method, args, out); err != nil {
		logger.Error("Remote plugin call failed", slog.String("plugin", c.name), slog.String("method", method), slog.Any("error", err))
		return false
	}
	return true
}

func (c *PluginClient) Name() string            { return c.name }
func (c *PluginClient) MsgType() MessageType    { return c.info.MsgType }
func (c *PluginClient) Priority() int           { return c.info.Priority }
func (c *PluginClient) Backlog() bool           { return c.info.Backlog }
func (c *PluginClient) MaxRuntime() (int, bool) { return c.info.MaxRuntime, c.info.HasMaxRuntime }

func (c *PluginClient) IsBusy() bool {
	var busy bool
	c.call("IsBusy", nil, &busy)
	return busy
}

func (c *PluginClient) Start() error {
	return c.plugin.invoke("Start", nil, nil)
}

func (c *PluginClient) Stop() error {
	return c.plugin.invoke("Stop", nil, nil)
}

func (c *PluginClient) State() State {
	var s State
	if !c.call("State", nil, &s) {
		return StateStopped
	}
	return s
}

func (c *PluginClient) Action(parameters string) {
	c.call("Action", parameters, nil)
}

func (c *PluginClient) MsgReceived(payload []byte) {
	c.call("MsgReceived", payload, nil)
}

func (c *PluginClient) AckReceived(timestamp int64) {
	c.call("AckReceived", timestamp, nil)
}

func (c *PluginClient) TOSMsgReceived(timestamp int64, payload []byte) bool {
	var processed bool
	c.call("TOSMsgReceived", TOSMsgArgs{Timestamp: timestamp, Payload: payload}, &processed)
	return processed
}

func (c *PluginClient) ConnectionToGSNEstablished() {
	c.call("ConnectionToGSNEstablished", nil, nil)
}

func (c *PluginClient) ConnectionToGSNLost() {
	c.call("ConnectionToGSNLost", nil, nil)
}

// pluginServer runs in the plugin process and forwards calls to the plugin
// built by the factory.
type pluginServer struct {
	factory Factory
	broker  *goplugin.GRPCBroker

	mu   sync.Mutex
	impl Plugin
}

func (s *pluginServer) methods() map[string]method {
	return map[string]method{
		"Init": s.init,
		"IsBusy": s.with(func(p Plugin, _ []byte) (any, error) {
			return p.IsBusy(), nil
		}),
		"Start": s.with(func(p Plugin, _ []byte) (any, error) {
			return nil, p.Start()
		}),
		"Stop": s.with(func(p Plugin, _ []byte) (any, error) {
			return nil, p.Stop()
		}),
		"State": s.with(func(p Plugin, _ []byte) (any, error) {
			return p.State(), nil
		}),
		"Action": s.with(func(p Plugin, in []byte) (any, error) {
			params, err := decode[string](in)
			if err != nil {
				return nil, err
			}
			p.Action(params)
			return nil, nil
		}),
		"MsgReceived": s.with(func(p Plugin, in []byte) (any, error) {
			payload, err := decode[[]byte](in)
			if err != nil {
				return nil, err
			}
			p.MsgReceived(payload)
			return nil, nil
		}),
		"AckReceived": s.with(func(p Plugin, in []byte) (any, error) {
			timestamp, err := decode[int64](in)
			if err != nil {
				return nil, err
			}
			p.AckReceived(timestamp)
			return nil, nil
		}),
		"TOSMsgReceived": s.with(func(p Plugin, in []byte) (any, error) {
			args, err := decode[TOSMsgArgs](in)
			if err != nil {
				return nil, err
			}
			return p.TOSMsgReceived(args.Timestamp, args.Payload), nil
		}),
		"ConnectionToGSNEstablished": s.with(func(p Plugin, _ []byte) (any, error) {
			p.ConnectionToGSNEstablished()
			return nil, nil
		}),
		"ConnectionToGSNLost": s.with(func(p Plugin, _ []byte) (any, error) {
			p.ConnectionToGSNLost()
			return nil, nil
		}),
	}
}

// with guards fn against calls made before a successful Init.
func (s *pluginServer) with(fn func(p Plugin, in []byte) (any, error)) method {
	return func(_ context.Context, in []byte) (any, error) {
		s.mu.Lock()
		p := s.impl
		s.mu.Unlock()
		if p == nil {
			return nil, errs.New(errs.CodeLifecycleTransitionInvalid, "plugin not initialized")
		}
		return fn(p, in)
	}
}

func (s *pluginServer) init(_ context.Context, in []byte) (any, error) {
	args, err := decode[InitArgs](in)
	if err != nil {
		return nil, err
	}
	if s.factory == nil {
		return nil, errs.New(errs.CodePluginLoadFailure, "no plugin factory")
	}

	cc, err := s.broker.Dial(args.HostID)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodePluginRPCFailure, "cannot dial host", errs.FieldPlugin(args.Name))
	}
	host := &hostClient{host: &conn{cc: cc, service: hostService, ctx: context.Background()}}
	impl, err := s.factory(host, args.Name, args.Options)
	if err != nil {
		cc.Close()
		return nil, err
	}
	info, err := describe(impl)
	if err != nil {
		cc.Close()
		return nil, err
	}

	s.mu.Lock()
	s.impl = impl
	s.mu.Unlock()
	return info, nil
}

// describe recovers the contract violation of a plugin without MsgType.
func describe(p Plugin) (info InitReply, err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
				return
			}
			err = fmt.Errorf("plugin %s: %v", p.Name(), r)
		}
	}()
	info.MsgType = p.MsgType()
	info.Priority = p.Priority()
	info.Backlog = p.Backlog()
	info.MaxRuntime, info.HasMaxRuntime = p.MaxRuntime()
	return info, nil
}
