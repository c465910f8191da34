package server

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	tomb "gopkg.in/tomb.v2"

	"github.com/plajjan/vbgp/config"
	"github.com/plajjan/vbgp/packet"
)

const (
	Idle = iota
	OpenSent
	Established
	Closed
)

var stateName = map[int]string{
	Idle:        "Idle",
	OpenSent:    "OpenSent",
	Established: "Established",
	Closed:      "Closed",
}

var errSessionClosed = fmt.Errorf("session closed")

// Session speaks BGP on top of an established byte stream. The
// transport and the clock are collaborators; the session owns the
// framing, the hold/keepalive clockwork and NOTIFICATION emission.
// Framing, timers and writes run on a single event loop goroutine; Open
// records the OpenSent state from the caller's goroutine under mu.
type Session struct {
	// HandleMsg is invoked from the session goroutine for every
	// inbound message except KEEPALIVE.
	HandleMsg func(*packet.BGPMessage)

	// OnClose fires exactly once when the session ends, after both
	// timers have been cancelled. reason is nil on a local Stop.
	OnClose func(reason error)

	t     tomb.Tomb
	conn  io.ReadWriteCloser
	clock Clock
	cfg   config.Peer

	mu       sync.Mutex
	state    int
	holdTime time.Duration

	sendCh        chan []byte
	msgRecvCh     chan []byte
	msgRecvFailCh chan error

	keepalive Ticker
	expiry    Timer

	closeOnce sync.Once
}

// New creates a session on conn using the runtime clock. Call Start to
// run it.
func New(conn io.ReadWriteCloser, cfg config.Peer) *Session {
	return NewWithClock(conn, cfg, WallClock{})
}

// NewWithClock creates a session with an explicit clock collaborator
func NewWithClock(conn io.ReadWriteCloser, cfg config.Peer, clock Clock) *Session {
	return &Session{
		conn:          conn,
		clock:         clock,
		cfg:           cfg,
		state:         Idle,
		sendCh:        make(chan []byte, 16),
		msgRecvCh:     make(chan []byte),
		msgRecvFailCh: make(chan error, 1),
	}
}

// Start launches the session goroutines
func (s *Session) Start() {
	s.t.Go(s.run)
	s.t.Go(s.recv)
}

// Stop closes the session without emitting a NOTIFICATION and waits
// for its goroutines to finish
func (s *Session) Stop() error {
	s.t.Kill(nil)
	return s.t.Wait()
}

// State returns the current session state
func (s *Session) State() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// HoldTime returns the negotiated hold time
func (s *Session) HoldTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.holdTime
}

// Open builds an OPEN message from the peer config and enqueues it
func (s *Session) Open() error {
	o := &packet.BGPOpen{
		Version:       packet.BGP4Version,
		AS:            packet.ASN16(s.cfg.LocalAS),
		HoldTime:      packet.HoldTime(s.cfg.HoldTime),
		BGPIdentifier: packet.BGPIdentifier(s.cfg.RouterID),
		Capabilities:  s.cfg.Capabilities,
	}

	err := s.Send(&packet.BGPMessage{Body: o})
	if err != nil {
		return err
	}

	s.changeState(OpenSent, "Sent OPEN message")
	return nil
}

// Send encodes one message and enqueues it for the session goroutine
// to write
func (s *Session) Send(msg *packet.BGPMessage) error {
	b, err := packet.Encode(msg)
	if err != nil {
		return fmt.Errorf("Unable to encode message: %v", err)
	}

	select {
	case s.sendCh <- b:
		return nil
	case <-s.t.Dying():
		return errSessionClosed
	}
}

func (s *Session) changeState(new int, reason string) {
	s.mu.Lock()
	last := s.state
	s.state = new
	s.mu.Unlock()

	log.WithFields(log.Fields{
		"last_state": stateName[last],
		"new_state":  stateName[new],
		"reason":     reason,
	}).Info("BGP session state change")
}

// recv reads frames off the transport and hands them to the event
// loop. The header's marker and length are validated before the body is
// read; the message type is checked when the event loop decodes the frame.
func (s *Session) recv() error {
	for {
		frame, err := s.readFrame()
		if err != nil {
			select {
			case s.msgRecvFailCh <- err:
			case <-s.t.Dying():
			}
			return nil
		}

		select {
		case s.msgRecvCh <- frame:
		case <-s.t.Dying():
			return nil
		}
	}
}

func (s *Session) readFrame() ([]byte, error) {
	hdr := make([]byte, packet.HeaderLen)
	if _, err := io.ReadFull(s.conn, hdr); err != nil {
		return nil, err
	}

	for i := 0; i < packet.MarkerLen; i++ {
		if hdr[i] != 0xff {
			return nil, packet.NotSyncError()
		}
	}

	length := binary.BigEndian.Uint16(hdr[packet.MarkerLen : packet.MarkerLen+2])
	if length < packet.MinLen || length > packet.MaxLen {
		return nil, packet.BadLenError(length)
	}

	frame := make([]byte, length)
	copy(frame, hdr)
	if _, err := io.ReadFull(s.conn, frame[packet.HeaderLen:]); err != nil {
		return nil, err
	}

	return frame, nil
}

func (s *Session) run() error {
	for {
		var kaC, expC <-chan time.Time
		if s.keepalive != nil {
			kaC = s.keepalive.C()
		}
		if s.expiry != nil {
			expC = s.expiry.C()
		}

		select {
		case <-s.t.Dying():
			s.shutdown(nil)
			return nil

		case raw := <-s.msgRecvCh:
			if err := s.handleFrame(raw); err != nil {
				s.shutdown(err)
				return nil
			}

		case err := <-s.msgRecvFailCh:
			s.shutdown(err)
			return nil

		case b := <-s.sendCh:
			if _, err := s.conn.Write(b); err != nil {
				s.shutdown(err)
				return nil
			}

		case <-kaC:
			ka, err := packet.EncodeKeepaliveMsg()
			if err != nil {
				s.shutdown(err)
				return nil
			}
			if _, err := s.conn.Write(ka); err != nil {
				s.shutdown(err)
				return nil
			}

		case <-expC:
			s.shutdown(fmt.Errorf("hold timer expired"))
			return nil
		}
	}
}

func (s *Session) handleFrame(raw []byte) error {
	msg, err := packet.Decode(bytes.NewBuffer(raw))
	if err != nil {
		return err
	}

	switch msg.Header.Type {
	case packet.OpenMsg:
		if s.State() != Established {
			s.negotiate(msg.Body.(*packet.BGPOpen))
			s.changeState(Established, "Received OPEN message")
		}
		s.resetExpiry()
		s.deliver(msg)
	case packet.KeepaliveMsg:
		s.resetExpiry()
	case packet.UpdateMsg, packet.NotificationMsg:
		s.resetExpiry()
		s.deliver(msg)
	}

	return nil
}

// negotiate picks the session hold time and starts the clockwork. A
// negotiated hold time of zero disables keepalives and expiry both.
func (s *Session) negotiate(o *packet.BGPOpen) {
	ht := s.cfg.HoldTime
	if uint16(o.HoldTime) < ht {
		ht = uint16(o.HoldTime)
	}

	s.mu.Lock()
	s.holdTime = time.Duration(ht) * time.Second
	s.mu.Unlock()

	if ht == 0 {
		return
	}

	s.keepalive = s.clock.Ticker(time.Duration(ht) * time.Second / 2)
	s.expiry = s.clock.Timer(time.Duration(ht) * time.Second)
}

func (s *Session) resetExpiry() {
	if s.expiry == nil {
		return
	}
	s.expiry.Reset(s.HoldTime())
}

func (s *Session) deliver(msg *packet.BGPMessage) {
	if s.HandleMsg != nil {
		s.HandleMsg(msg)
	}
}

// shutdown tears the session down once: a NOTIFICATION is written for
// protocol errors that ask for one, the timers are cancelled and the
// transport is closed before the user's close callback fires.
func (s *Session) shutdown(reason error) {
	s.closeOnce.Do(func() {
		if bgperr, ok := reason.(packet.BGPError); ok && !bgperr.Silent {
			n := &packet.BGPNotification{
				ErrorCode:    bgperr.ErrorCode,
				ErrorSubcode: bgperr.ErrorSubCode,
				Data:         bgperr.Data,
			}
			if b, err := packet.EncodeNotificationMsg(n); err == nil {
				if _, err := s.conn.Write(b); err != nil {
					log.WithFields(log.Fields{
						"code":    bgperr.ErrorCode,
						"subcode": bgperr.ErrorSubCode,
					}).Warn("Unable to send NOTIFICATION")
				}
			}
		}

		if s.keepalive != nil {
			s.keepalive.Stop()
		}
		if s.expiry != nil {
			s.expiry.Stop()
		}

		s.conn.Close()

		msg := "Session closed"
		if reason != nil {
			msg = reason.Error()
		}
		s.changeState(Closed, msg)

		s.t.Kill(nil)

		if s.OnClose != nil {
			s.OnClose(reason)
		}
	})
}
