package plugin

import (
	"context"
	"log/slog"
	"time"

	"backlog.szuro.net/internal/errs"
	"backlog.szuro.net/internal/logger"
)

// hostServer runs in the agent and serves the host to one remote plugin.
type hostServer struct {
	host Host
	// listener stands in for the remote plugin towards the serial peer.
	listener TOSListener
}

func (s *hostServer) methods() map[string]method {
	return map[string]method{
		"ProcessMsg": func(_ context.Context, in []byte) (any, error) {
			args, err := decode[ProcessMsgArgs](in)
			if err != nil {
				return nil, err
			}
			peer := s.host.GSNPeer()
			if peer == nil {
				return nil, errs.New(errs.CodeGSNPeerUnavailable, "no GSN peer")
			}
			return peer.ProcessMsg(args.MsgType, args.Timestamp, args.Payload, args.Priority, args.Backlogging)
		},
		"GSNConnected": func(context.Context, []byte) (any, error) {
			peer := s.host.GSNPeer()
			return peer != nil && peer.IsConnected(), nil
		},
		"GSNStatus": func(context.Context, []byte) (any, error) {
			if peer := s.host.GSNPeer(); peer != nil {
				return peer.Status(), nil
			}
			return PeerStatus{}, nil
		},
		"Resend": func(context.Context, []byte) (any, error) {
			if store := s.host.Backlog(); store != nil {
				store.Resend()
			}
			return nil, nil
		},
		"BacklogStatus": func(context.Context, []byte) (any, error) {
			var reply BacklogStatusReply
			if store := s.host.Backlog(); store != nil {
				reply.Entries, reply.SizeBytes = store.Status()
			}
			return reply, nil
		},
		"RegisterTOSListener": func(context.Context, []byte) (any, error) {
			peer := s.host.TOSPeer()
			if peer == nil {
				return nil, errs.New(errs.CodeTOSPeerUnavailable, "no TOS peer")
			}
			return nil, peer.RegisterListener(s.listener)
		},
		"DeregisterTOSListener": func(context.Context, []byte) (any, error) {
			if peer := s.host.TOSPeer(); peer != nil {
				peer.DeregisterListener(s.listener)
			}
			return nil, nil
		},
		"SendTOSMsg": func(_ context.Context, in []byte) (any, error) {
			args, err := decode[SendTOSMsgArgs](in)
			if err != nil {
				return nil, err
			}
			peer := s.host.TOSPeer()
			if peer == nil {
				return nil, errs.New(errs.CodeTOSPeerUnavailable, "no TOS peer")
			}
			return peer.SendTOSMsg(args.Packet, args.AmID, args.Timeout, args.Blocking, args.MaxRetries)
		},
		"Uptime": func(context.Context, []byte) (any, error) {
			return s.host.Uptime(), nil
		},
		"DutyCycleMode": func(context.Context, []byte) (any, error) {
			return s.host.DutyCycleMode(), nil
		},
		"ErrorCounter": func(context.Context, []byte) (any, error) {
			return s.host.ErrorCounter(), nil
		},
		"ExceptionCounter": func(context.Context, []byte) (any, error) {
			return s.host.ExceptionCounter(), nil
		},
		"IncrementErrorCounter": func(context.Context, []byte) (any, error) {
			s.host.IncrementErrorCounter()
			return nil, nil
		},
		"IncrementExceptionCounter": func(context.Context, []byte) (any, error) {
			s.host.IncrementExceptionCounter()
			return nil, nil
		},
	}
}

// hostClient is the Host seen by a plugin running in its own process.
type hostClient struct {
	host *conn
}

func (h *hostClient) call(method string, args any, out any) error {
	err := h.host.invoke(method, args, out)
	if err != nil && errs.HasCode(err, errs.CodePluginRPCFailure) {
		logger.Error("Host call failed", slog.String("method", method), slog.Any("error", err))
	}
	return err
}

func (h *hostClient) GSNPeer() GSNPeer      { return remoteGSNPeer{h} }
func (h *hostClient) Backlog() BacklogStore { return remoteBacklog{h} }
func (h *hostClient) TOSPeer() TOSPeer      { return remoteTOSPeer{h} }

func (h *hostClient) Uptime() time.Duration {
	var d time.Duration
	h.call("Uptime", nil, &d)
	return d
}

func (h *hostClient) DutyCycleMode() bool {
	var on bool
	h.call("DutyCycleMode", nil, &on)
	return on
}

func (h *hostClient) ErrorCounter() uint64 {
	var n uint64
	h.call("ErrorCounter", nil, &n)
	return n
}

func (h *hostClient) ExceptionCounter() uint64 {
	var n uint64
	h.call("ExceptionCounter", nil, &n)
	return n
}

func (h *hostClient) IncrementErrorCounter()     { h.call("IncrementErrorCounter", nil, nil) }
func (h *hostClient) IncrementExceptionCounter() { h.call("IncrementExceptionCounter", nil, nil) }

type remoteGSNPeer struct{ h *hostClient }

func (r remoteGSNPeer) ProcessMsg(msgType MessageType, timestamp int64, payload []byte, priority int, backlogging bool) (bool, error) {
	var accepted bool
	args := ProcessMsgArgs{MsgType: msgType, Timestamp: timestamp, Payload: payload, Priority: priority, Backlogging: backlogging}
	if err := r.h.call("ProcessMsg", args, &accepted); err != nil {
		return false, err
	}
	return accepted, nil
}

func (r remoteGSNPeer) IsConnected() bool {
	var connected bool
	r.h.call("GSNConnected", nil, &connected)
	return connected
}

func (r remoteGSNPeer) Status() PeerStatus {
	var status PeerStatus
	r.h.call("GSNStatus", nil, &status)
	return status
}

type remoteBacklog struct{ h *hostClient }

func (r remoteBacklog) Resend() {
	r.h.call("Resend", nil, nil)
}

func (r remoteBacklog) Status() (int64, int64) {
	var reply BacklogStatusReply
	r.h.call("BacklogStatus", nil, &reply)
	return reply.Entries, reply.SizeBytes
}

// remoteTOSPeer registers the plugin by its agent side proxy, so l is only
// used locally.
type remoteTOSPeer struct{ h *hostClient }

func (r remoteTOSPeer) RegisterListener(l TOSListener) error {
	return r.h.call("RegisterTOSListener", nil, nil)
}

func (r remoteTOSPeer) DeregisterListener(l TOSListener) {
	r.h.call("DeregisterTOSListener", nil, nil)
}

func (r remoteTOSPeer) SendTOSMsg(packet []byte, amID uint8, timeout time.Duration, blocking bool, maxRetries int) (bool, error) {
	var accepted bool
	args := SendTOSMsgArgs{Packet: packet, AmID: amID, Timeout: timeout, Blocking: blocking, MaxRetries: maxRetries}
	if err := r.h.call("SendTOSMsg", args, &accepted); err != nil {
		return false, err
	}
	return accepted, nil
}
