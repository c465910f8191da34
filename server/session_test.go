package server

import (
	"bytes"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/plajjan/vbgp/config"
	"github.com/plajjan/vbgp/packet"
)

var testMarker = []byte{
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
}

// testConn is an in-memory transport. Reads block until the test feeds
// bytes or the session closes the connection.
type testConn struct {
	in     chan []byte
	unread bytes.Buffer
	writes chan []byte

	mu     sync.Mutex
	out    bytes.Buffer
	closed int

	done chan struct{}
	once sync.Once
}

func newTestConn() *testConn {
	return &testConn{
		in:     make(chan []byte, 16),
		writes: make(chan []byte, 16),
		done:   make(chan struct{}),
	}
}

func (c *testConn) feed(b []byte) {
	c.in <- b
}

func (c *testConn) Read(p []byte) (int, error) {
	for c.unread.Len() == 0 {
		select {
		case b := <-c.in:
			c.unread.Write(b)
		case <-c.done:
			return 0, io.EOF
		}
	}
	return c.unread.Read(p)
}

func (c *testConn) Write(p []byte) (int, error) {
	b := append([]byte(nil), p...)
	c.mu.Lock()
	c.out.Write(b)
	c.mu.Unlock()
	c.writes <- b
	return len(p), nil
}

func (c *testConn) Close() error {
	c.mu.Lock()
	c.closed++
	c.mu.Unlock()
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *testConn) output() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.out.Bytes()...)
}

func (c *testConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeTimer struct {
	ch chan time.Time

	mu      sync.Mutex
	resets  []time.Duration
	stopped bool
}

func (t *fakeTimer) C() <-chan time.Time { return t.ch }

func (t *fakeTimer) Reset(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resets = append(t.resets, d)
}

func (t *fakeTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

func (t *fakeTimer) fire() {
	t.ch <- time.Time{}
}

func (t *fakeTimer) resetCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.resets)
}

func (t *fakeTimer) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type fakeTicker struct {
	ch chan time.Time

	mu      sync.Mutex
	stopped bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

func (t *fakeTicker) tick() {
	t.ch <- time.Time{}
}

func (t *fakeTicker) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type fakeClock struct {
	mu      sync.Mutex
	timer   *fakeTimer
	timerD  time.Duration
	ticker  *fakeTicker
	tickerD time.Duration
}

func (c *fakeClock) Timer(d time.Duration) Timer {
	t := &fakeTimer{ch: make(chan time.Time)}
	c.mu.Lock()
	c.timer = t
	c.timerD = d
	c.mu.Unlock()
	return t
}

func (c *fakeClock) Ticker(d time.Duration) Ticker {
	t := &fakeTicker{ch: make(chan time.Time)}
	c.mu.Lock()
	c.ticker = t
	c.tickerD = d
	c.mu.Unlock()
	return t
}

func (c *fakeClock) expiry() (*fakeTimer, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timer, c.timerD
}

func (c *fakeClock) keepalive() (*fakeTicker, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ticker, c.tickerD
}

func newTestSession(cfg config.Peer) (*Session, *testConn, *fakeClock, chan *packet.BGPMessage, chan error) {
	conn := newTestConn()
	clock := &fakeClock{}
	s := NewWithClock(conn, cfg, clock)

	msgs := make(chan *packet.BGPMessage, 16)
	closed := make(chan error, 16)
	s.HandleMsg = func(m *packet.BGPMessage) { msgs <- m }
	s.OnClose = func(err error) { closed <- err }

	s.Start()
	return s, conn, clock, msgs, closed
}

func openFrame(holdTime uint16) []byte {
	b, err := packet.EncodeOpenMsg(&packet.BGPOpen{
		Version:       packet.BGP4Version,
		AS:            65001,
		HoldTime:      packet.HoldTime(holdTime),
		BGPIdentifier: 0x0a000001,
	})
	if err != nil {
		panic(err)
	}
	return b
}

func TestSessionNotSync(t *testing.T) {
	_, conn, _, _, closed := newTestSession(config.Peer{HoldTime: 180})

	bad := append([]byte{}, testMarker...)
	bad[0] = 0x00
	bad = append(bad, 0x00, 0x13, packet.OpenMsg)
	conn.feed(bad)

	err := <-closed
	bgperr, ok := err.(packet.BGPError)
	assert.True(t, ok)
	assert.Equal(t, packet.ErrorCode(packet.MessageHeaderError), bgperr.ErrorCode)
	assert.Equal(t, packet.ErrorSubCode(packet.ConnectionNotSync), bgperr.ErrorSubCode)

	expected := append(append([]byte{}, testMarker...), 0x00, 0x15, 0x03, 0x01, 0x01)
	assert.Equal(t, expected, conn.output())
	assert.Equal(t, 1, conn.closeCount())
}

func TestSessionBadLen(t *testing.T) {
	tests := []struct {
		name     string
		length   []byte
		expected []byte
	}{
		{
			name:     "Too short",
			length:   []byte{0x00, 0x12},
			expected: []byte{0x00, 0x17, 0x03, 0x01, 0x02, 0x00, 0x12},
		},
		{
			name:     "Too long",
			length:   []byte{0xbb, 0xff},
			expected: []byte{0x00, 0x17, 0x03, 0x01, 0x02, 0xbb, 0xff},
		},
	}

	for _, test := range tests {
		_, conn, _, _, closed := newTestSession(config.Peer{HoldTime: 180})

		bad := append(append([]byte{}, testMarker...), test.length...)
		bad = append(bad, packet.OpenMsg)
		conn.feed(bad)

		err := <-closed
		bgperr, ok := err.(packet.BGPError)
		assert.True(t, ok, test.name)
		assert.Equal(t, packet.ErrorSubCode(packet.BadMessageLength), bgperr.ErrorSubCode, test.name)

		assert.Equal(t, append(append([]byte{}, testMarker...), test.expected...), conn.output(), test.name)
		assert.Equal(t, 1, conn.closeCount(), test.name)
	}
}

func TestSessionBadMsg(t *testing.T) {
	_, conn, _, _, closed := newTestSession(config.Peer{HoldTime: 180})

	bad := append(append([]byte{}, testMarker...), 0x00, 0x13, 0xff)
	conn.feed(bad)

	err := <-closed
	bgperr, ok := err.(packet.BGPError)
	assert.True(t, ok)
	assert.Equal(t, packet.ErrorSubCode(packet.BadMessageType), bgperr.ErrorSubCode)
	assert.Equal(t, []byte{0xff}, bgperr.Data)

	expected := append(append([]byte{}, testMarker...), 0x00, 0x16, 0x03, 0x01, 0x03, 0xff)
	assert.Equal(t, expected, conn.output())
	assert.Equal(t, 1, conn.closeCount())
}

func TestSessionEstablish(t *testing.T) {
	s, conn, clock, msgs, closed := newTestSession(config.Peer{LocalAS: 65000, RouterID: 0x0a000002, HoldTime: 180})

	conn.feed(openFrame(90))

	msg := <-msgs
	assert.Equal(t, packet.MsgType(packet.OpenMsg), msg.Header.Type)
	assert.Equal(t, Established, s.State())
	assert.Equal(t, 90*time.Second, s.HoldTime())

	// the negotiated hold time drives both timers
	expiry, expiryD := clock.expiry()
	keepalive, keepaliveD := clock.keepalive()
	assert.Equal(t, 90*time.Second, expiryD)
	assert.Equal(t, 45*time.Second, keepaliveD)

	// every keepalive tick sends a KEEPALIVE
	keepalive.tick()
	frame := <-conn.writes
	assert.Equal(t, append(append([]byte{}, testMarker...), 0x00, 0x13, 0x04), frame)

	// an inbound KEEPALIVE rearms the expiry
	resetsBefore := expiry.resetCount()
	conn.feed(append(append([]byte{}, testMarker...), 0x00, 0x13, 0x04))
	assert.Eventually(t, func() bool { return expiry.resetCount() > resetsBefore }, time.Second, 10*time.Millisecond)

	// messages reach the handler in wire order
	update, err := packet.EncodeUpdateMsg(&packet.BGPUpdate{})
	assert.Nil(t, err)
	conn.feed(update)
	msg = <-msgs
	assert.Equal(t, packet.MsgType(packet.UpdateMsg), msg.Header.Type)

	// hold timer expiry closes without a NOTIFICATION
	written := len(conn.output())
	expiry.fire()

	assert.NotNil(t, <-closed)
	assert.Equal(t, written, len(conn.output()))
	assert.Equal(t, 1, conn.closeCount())
	assert.True(t, expiry.isStopped())
	assert.True(t, keepalive.isStopped())
	assert.Equal(t, 0, len(closed)) // the close callback fired exactly once
}

func TestSessionHoldTimeZero(t *testing.T) {
	s, conn, clock, msgs, _ := newTestSession(config.Peer{HoldTime: 0})

	conn.feed(openFrame(90))
	<-msgs

	assert.Equal(t, Established, s.State())
	assert.Equal(t, time.Duration(0), s.HoldTime())

	// hold time zero disables keepalives and expiry both
	expiry, _ := clock.expiry()
	keepalive, _ := clock.keepalive()
	assert.Nil(t, expiry)
	assert.Nil(t, keepalive)
}

func TestSessionOpen(t *testing.T) {
	cfg := config.Peer{
		LocalAS:  65000,
		RouterID: 0x0a000002,
		HoldTime: 180,
		Capabilities: []packet.Capability{
			{Code: packet.MultiProtocolCapCode, Value: packet.MultiProtocolCap{AFI: packet.AFIIPv4, SAFI: packet.SAFIVPNv4}},
		},
	}
	s, conn, _, _, _ := newTestSession(cfg)

	err := s.Open()
	assert.Nil(t, err)

	expected, err := packet.EncodeOpenMsg(&packet.BGPOpen{
		Version:       packet.BGP4Version,
		AS:            65000,
		HoldTime:      180,
		BGPIdentifier: 0x0a000002,
		Capabilities:  cfg.Capabilities,
	})
	assert.Nil(t, err)
	assert.Equal(t, expected, <-conn.writes)
	assert.Equal(t, OpenSent, s.State())
}

func TestSessionStop(t *testing.T) {
	s, conn, _, _, closed := newTestSession(config.Peer{HoldTime: 180})

	err := s.Stop()
	assert.Nil(t, err)

	assert.Nil(t, <-closed)
	assert.Equal(t, Closed, s.State())
	assert.Equal(t, 1, conn.closeCount())
	assert.Equal(t, 0, len(closed))
}

func TestSessionTransportLost(t *testing.T) {
	_, conn, _, _, closed := newTestSession(config.Peer{HoldTime: 180})

	// peer goes away without a frame in flight
	conn.Close()

	err := <-closed
	assert.Equal(t, io.EOF, err)

	// no NOTIFICATION is emitted for a plain transport loss
	assert.Equal(t, 0, len(conn.output()))
}

func TestSessionNotificationDelivered(t *testing.T) {
	_, conn, _, msgs, _ := newTestSession(config.Peer{HoldTime: 180})

	conn.feed(openFrame(90))
	<-msgs

	frame, err := packet.EncodeNotificationMsg(&packet.BGPNotification{ErrorCode: packet.Cease})
	assert.Nil(t, err)
	conn.feed(frame)

	msg := <-msgs
	assert.Equal(t, packet.MsgType(packet.NotificationMsg), msg.Header.Type)
	n := msg.Body.(*packet.BGPNotification)
	assert.Equal(t, packet.ErrorCode(packet.Cease), n.ErrorCode)
}
