package tos

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"backlog.szuro.net/internal/errs"
	"backlog.szuro.net/internal/logger"
)

const (
	sfHandshake   = "U "
	amHeaderLen   = 8
	maxAMPayload  = 255 - amHeaderLen
	sfDialTimeout = 10 * time.Second
	broadcastAddr = 0xffff
)

// SFLink talks to a TinyOS serial forwarder over TCP. Each packet is
// prefixed with its length; outgoing packets get a serial AM header.
// Received frames carry the packet as read, header included.
type SFLink struct {
	addr  string
	group uint8

	conn   net.Conn
	writeM sync.Mutex
	frames chan Frame
	// readErr is set before frames is closed.
	readErr error
	seq     uint32
}

func NewSFLink(addr string, group uint8) *SFLink {
	return &SFLink{addr: addr, group: group}
}

func (l *SFLink) Open() error {
	conn, err := net.DialTimeout("tcp", l.addr, sfDialTimeout)
	if err != nil {
		return err
	}
	if _, err := conn.Write([]byte(sfHandshake)); err != nil {
		conn.Close()
		return err
	}
	reply := make([]byte, len(sfHandshake))
	if _, err := io.ReadFull(conn, reply); err != nil {
		conn.Close()
		return err
	}
	if reply[0] != sfHandshake[0] {
		conn.Close()
		return errs.Errorf(errs.CodeTOSPeerUnavailable, "serial forwarder at %s sent bad handshake %q", l.addr, reply)
	}

	l.conn = conn
	l.frames = make(chan Frame, 16)
	go l.readLoop(bufio.NewReader(conn))
	logger.Info("Connected to serial forwarder", slog.String("address", l.addr))
	return nil
}

func (l *SFLink) readLoop(r *bufio.Reader) {
	defer close(l.frames)
	for {
		n, err := r.ReadByte()
		if err != nil {
			l.readErr = err
			return
		}
		packet := make([]byte, n)
		if _, err := io.ReadFull(r, packet); err != nil {
			l.readErr = err
			return
		}
		l.seq++
		l.frames <- Frame{Seq: l.seq, Payload: packet}
	}
}

func (l *SFLink) Receive(ctx context.Context) (Frame, error) {
	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case frame, ok := <-l.frames:
		if !ok {
			return Frame{}, l.readErr
		}
		return frame, nil
	}
}

func (l *SFLink) Send(ctx context.Context, amID uint8, packet []byte) error {
	if len(packet) > maxAMPayload {
		return errs.Errorf(errs.CodeTOSSendFailure, "packet of %d bytes exceeds %d", len(packet), maxAMPayload)
	}
	buf := make([]byte, 1+amHeaderLen+len(packet))
	buf[0] = byte(amHeaderLen + len(packet))
	// dispatch byte 0 is the serial AM dispatch
	binary.BigEndian.PutUint16(buf[2:4], broadcastAddr)
	buf[6] = byte(len(packet))
	buf[7] = l.group
	buf[8] = amID
	copy(buf[9:], packet)

	l.writeM.Lock()
	defer l.writeM.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		l.conn.SetWriteDeadline(deadline)
	} else {
		l.conn.SetWriteDeadline(time.Time{})
	}
	_, err := l.conn.Write(buf)
	return err
}

// Acknowledge is a no-op, the serial forwarder acknowledges on the serial line.
func (l *SFLink) Acknowledge(Frame) error {
	return nil
}

func (l *SFLink) Close() error {
	if l.conn == nil {
		return nil
	}
	return l.conn.Close()
}
