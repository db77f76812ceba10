package amqp

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/chelsajoyful/amqp-client-go/internal/frame"
	"github.com/chelsajoyful/amqp-client-go/internal/protocol"
)

// State is the connection lifecycle position. Transitions only move
// forward: Handshaking, Tuning, Open, Closing, Closed.
type State int32

const (
	StateHandshaking State = iota
	StateTuning
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateTuning:
		return "tuning"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// closeOkWait bounds how long a clean Close waits for the broker's
// close-ok before tearing the transport down anyway.
const closeOkWait = 5 * time.Second

// Connection is one AMQP connection: the transport, the negotiated
// tuning, the channel registry and the two goroutines that drive it (the
// read loop and the outbound writer, plus a heartbeater when
// negotiated). All frames from the broker are dispatched by the single
// read loop; all frames to the broker funnel through the outbound
// controller.
type Connection struct {
	cfg     Config
	log     *logrus.Entry
	metrics MetricsCollector

	conn net.Conn
	fr   *frame.Reader
	fw   *frame.Writer
	out  *outbound

	state atomic.Int32

	// Negotiated during tuning.
	channelMax uint16
	frameMax   uint32
	heartbeat  time.Duration

	chanMu   sync.Mutex
	channels map[uint16]*Channel
	nextID   uint16

	closeMu  sync.Mutex
	closeErr error
	closed   sync.Once
	closeOk  chan struct{}
	done     chan struct{}

	closeHandlers   handlerList[func(error)]
	blockedHandlers handlerList[func(BlockedEvent)]
}

// Connect dials the broker and completes the protocol handshake,
// retrying the dial with exponential backoff up to cfg.DialAttempts. A
// failure anywhere before open-ok returns ConnectionError and no
// Connection.
func Connect(ctx context.Context, cfg Config) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := cfg.logger().WithFields(logrus.Fields{
		"component": "amqp",
		"broker":    net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
	})

	nc, err := dial(ctx, cfg, log)
	if err != nil {
		return nil, &ConnectionError{Stage: "dial", Cause: err}
	}

	c := &Connection{
		cfg:      cfg,
		log:      log,
		metrics:  cfg.metrics(),
		conn:     nc,
		fr:       frame.NewReader(nc, protocol.FrameMinSize),
		fw:       frame.NewWriter(nc, protocol.FrameMinSize),
		channels: make(map[uint16]*Channel),
		nextID:   1,
		closeOk:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	c.state.Store(int32(StateHandshaking))

	if err := c.handshake(); err != nil {
		nc.Close()
		return nil, err
	}
	c.state.Store(int32(StateOpen))

	c.out = newOutbound(c.fw, cfg.OutboundBuffer, log)
	c.out.onDrain = c.drained
	c.out.onError = func(err error) {
		c.fail(&ConnectionLostError{Cause: err})
	}
	c.out.start()

	go c.readLoop()
	if c.heartbeat > 0 {
		go c.heartbeater()
	}

	c.metrics.ConnectionOpened()
	log.WithFields(logrus.Fields{
		"channelMax": c.channelMax,
		"frameMax":   c.frameMax,
		"heartbeat":  c.heartbeat,
	}).Info("connection open")
	return c, nil
}

func dial(ctx context.Context, cfg Config, log *logrus.Entry) (net.Conn, error) {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	var nc net.Conn
	op := func() error {
		d := net.Dialer{Timeout: cfg.DialTimeout}
		c, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			log.WithError(err).Warn("dial failed, backing off")
			return err
		}
		nc = c
		return nil
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), cfg.DialAttempts-1), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}

	if cfg.TLS != nil {
		tc := tls.Client(nc, cfg.TLS)
		if err := tc.HandshakeContext(ctx); err != nil {
			nc.Close()
			return nil, err
		}
		nc = tc
	}
	return nc, nil
}

// handshake runs the preamble through open-ok synchronously on the
// calling goroutine; the read loop starts only afterwards.
func (c *Connection) handshake() error {
	if c.cfg.HandshakeTimeout > 0 {
		c.conn.SetDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
		defer c.conn.SetDeadline(time.Time{})
	}

	if err := c.fw.WriteProtocolHeader(); err != nil {
		return &ConnectionError{Stage: "protocol-header", Cause: err}
	}

	start, err := c.expectMethod("start", protocol.MethodConnectionStart)
	if err != nil {
		return err
	}
	r := frame.NewArgReader(start.Args)
	major := r.Uint8()
	minor := r.Uint8()
	r.Table() // server properties, unused
	mechanisms := r.LongString()
	r.LongString() // locales
	if err := r.Err(); err != nil {
		return &ConnectionError{Stage: "start", Cause: err}
	}
	if major != 0 || minor != 9 {
		return &ConnectionError{Stage: "start",
			Cause: fmt.Errorf("unsupported protocol version %d.%d", major, minor)}
	}
	if !strings.Contains(string(mechanisms), "PLAIN") {
		return &ConnectionError{Stage: "start",
			Cause: fmt.Errorf("broker offers no PLAIN auth (got %q)", mechanisms)}
	}

	startOk := frame.NewArgWriter().
		Table(c.cfg.ClientProperties).
		ShortString("PLAIN").
		LongString([]byte("\x00" + c.cfg.Username + "\x00" + c.cfg.Password)).
		ShortString("en_US").
		Bytes()
	if err := c.writeHandshake(frame.NewMethod(0, protocol.ClassConnection,
		protocol.MethodConnectionStartOk, startOk)); err != nil {
		return &ConnectionError{Stage: "start-ok", Cause: err}
	}

	c.state.Store(int32(StateTuning))

	tune, err := c.expectMethod("tune", protocol.MethodConnectionTune)
	if err != nil {
		return err
	}
	r = frame.NewArgReader(tune.Args)
	serverChannelMax := r.Uint16()
	serverFrameMax := r.Uint32()
	serverHeartbeat := r.Uint16()
	if err := r.Err(); err != nil {
		return &ConnectionError{Stage: "tune", Cause: err}
	}

	c.channelMax = negotiate16(c.cfg.ChannelMax, serverChannelMax)
	if c.channelMax == 0 {
		c.channelMax = 65535
	}
	c.frameMax = negotiate32(c.cfg.FrameMax, serverFrameMax)
	if c.frameMax == 0 {
		c.frameMax = protocol.FrameMinSize
	}
	c.heartbeat = time.Duration(negotiate16(uint16(c.cfg.Heartbeat/time.Second), serverHeartbeat)) * time.Second

	tuneOk := frame.NewArgWriter().
		Uint16(c.channelMax).
		Uint32(c.frameMax).
		Uint16(uint16(c.heartbeat / time.Second)).
		Bytes()
	if err := c.writeHandshake(frame.NewMethod(0, protocol.ClassConnection,
		protocol.MethodConnectionTuneOk, tuneOk)); err != nil {
		return &ConnectionError{Stage: "tune-ok", Cause: err}
	}
	c.fr.SetFrameMax(c.frameMax)
	c.fw.SetFrameMax(c.frameMax)

	open := frame.NewArgWriter().
		ShortString(c.cfg.VHost).
		ShortString("").
		Bits(false).
		Bytes()
	if err := c.writeHandshake(frame.NewMethod(0, protocol.ClassConnection,
		protocol.MethodConnectionOpen, open)); err != nil {
		return &ConnectionError{Stage: "open", Cause: err}
	}
	if _, err := c.expectMethod("open", protocol.MethodConnectionOpenOk); err != nil {
		return err
	}
	return nil
}

// expectMethod reads frames until the wanted connection-class method
// arrives. A connection.close here means the broker rejected the
// handshake (bad credentials, unknown vhost); it surfaces as
// ConnectionError with the structured reason.
func (c *Connection) expectMethod(stage string, methodID uint16) (*frame.Method, error) {
	for {
		f, err := c.fr.Next()
		if err != nil {
			return nil, &ConnectionError{Stage: stage, Cause: err}
		}
		if f.Type == protocol.FrameHeartbeat {
			continue
		}
		if f.Type != protocol.FrameMethod || f.ChannelID != 0 {
			return nil, &ConnectionError{Stage: stage,
				Cause: fmt.Errorf("unexpected frame type %d on channel %d", f.Type, f.ChannelID)}
		}
		m, err := f.Method()
		if err != nil {
			return nil, &ConnectionError{Stage: stage, Cause: err}
		}
		if m.ClassID != protocol.ClassConnection {
			return nil, &ConnectionError{Stage: stage,
				Cause: fmt.Errorf("unexpected method %d.%d", m.ClassID, m.MethodID)}
		}
		if m.MethodID == protocol.MethodConnectionClose {
			reason := readCloseReason(m)
			c.writeHandshake(frame.NewMethod(0, protocol.ClassConnection,
				protocol.MethodConnectionCloseOk, nil))
			return nil, &ConnectionError{Stage: stage, Reason: reason}
		}
		if m.MethodID != methodID {
			return nil, &ConnectionError{Stage: stage,
				Cause: fmt.Errorf("unexpected method %d.%d", m.ClassID, m.MethodID)}
		}
		return m, nil
	}
}

// writeHandshake is the pre-outbound write path; only the handshake uses
// the writer directly.
func (c *Connection) writeHandshake(f *frame.Frame) error {
	if err := c.fw.WriteFrame(f); err != nil {
		return err
	}
	return c.fw.Flush()
}

func readCloseReason(m *frame.Method) *CloseReason {
	r := frame.NewArgReader(m.Args)
	reason := &CloseReason{
		Code:   r.Uint16(),
		Text:   r.ShortString(),
		Server: true,
	}
	reason.ClassID = r.Uint16()
	reason.MethodID = r.Uint16()
	return reason
}

func negotiate16(client, server uint16) uint16 {
	if client == 0 {
		return server
	}
	if server == 0 {
		return client
	}
	if client < server {
		return client
	}
	return server
}

func negotiate32(client, server uint32) uint32 {
	if client == 0 {
		return server
	}
	if server == 0 {
		return client
	}
	if client < server {
		return client
	}
	return server
}

// State reports the lifecycle position.
func (c *Connection) State() State {
	return State(c.state.Load())
}

func (c *Connection) IsClosed() bool {
	return c.State() == StateClosed
}

// FrameMax is the negotiated maximum frame size.
func (c *Connection) FrameMax() uint32 {
	return c.frameMax
}

// Heartbeat is the negotiated heartbeat interval, zero when disabled.
func (c *Connection) Heartbeat() time.Duration {
	return c.heartbeat
}

// OnClose registers a handler invoked once when the connection dies,
// with the terminal error.
func (c *Connection) OnClose(fn func(error)) *Subscription {
	return c.closeHandlers.subscribe(fn)
}

// OnBlocked registers a handler for broker resource alarms
// (connection.blocked / unblocked).
func (c *Connection) OnBlocked(fn func(BlockedEvent)) *Subscription {
	return c.blockedHandlers.subscribe(fn)
}

// readLoop is the only goroutine that reads the transport after the
// handshake. It dispatches every frame by channel id; channel state is
// mutated exclusively from here.
func (c *Connection) readLoop() {
	for {
		if c.heartbeat > 0 {
			// A peer that misses two heartbeat intervals is dead.
			c.conn.SetReadDeadline(time.Now().Add(2 * c.heartbeat))
		}

		f, err := c.fr.Next()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				c.fail(&ConnectionLostError{
					Cause: fmt.Errorf("no traffic from broker within %v", 2*c.heartbeat)})
			} else {
				c.fail(&ConnectionLostError{Cause: err})
			}
			return
		}

		if f.Type == protocol.FrameHeartbeat {
			continue
		}

		if f.ChannelID == 0 {
			if err := c.handleConn0(f); err != nil {
				c.fail(err)
				return
			}
			continue
		}

		c.chanMu.Lock()
		ch := c.channels[f.ChannelID]
		c.chanMu.Unlock()
		if ch == nil {
			c.log.WithField("channel", f.ChannelID).Warn("frame for unknown channel, dropping")
			continue
		}
		if err := ch.handleFrame(f); err != nil {
			c.fail(err)
			return
		}
	}
}

// handleConn0 processes connection-class traffic after the handshake.
func (c *Connection) handleConn0(f *frame.Frame) error {
	if f.Type != protocol.FrameMethod {
		return &ProtocolError{Reason: fmt.Sprintf("frame type %d on channel 0", f.Type)}
	}
	m, err := f.Method()
	if err != nil {
		return &ProtocolError{Reason: "bad method frame on channel 0", Cause: err}
	}
	if m.ClassID != protocol.ClassConnection {
		return &ProtocolError{Reason: fmt.Sprintf("class %d method on channel 0", m.ClassID)}
	}

	switch m.MethodID {
	case protocol.MethodConnectionClose:
		reason := readCloseReason(m)
		c.log.WithField("reason", reason.String()).Warn("connection closed by broker")
		c.out.send(frame.NewMethod(0, protocol.ClassConnection,
			protocol.MethodConnectionCloseOk, nil))
		// Let the writer drain the close-ok before teardown closes the
		// transport; this runs on the read loop, never the writer.
		c.out.stop()
		c.out.wait()
		c.teardown(&ConnectionClosedError{Reason: reason})
		return nil
	case protocol.MethodConnectionCloseOk:
		select {
		case c.closeOk <- struct{}{}:
		default:
		}
		return nil
	case protocol.MethodConnectionBlocked:
		r := frame.NewArgReader(m.Args)
		ev := BlockedEvent{Blocked: true, Reason: r.ShortString()}
		c.log.WithField("reason", ev.Reason).Warn("broker blocked publishing")
		c.fireBlocked(ev)
		return nil
	case protocol.MethodConnectionUnblocked:
		c.log.Info("broker unblocked publishing")
		c.fireBlocked(BlockedEvent{Blocked: false})
		return nil
	default:
		c.log.WithField("method", m.MethodID).Warn("unexpected connection method, dropping")
		return nil
	}
}

func (c *Connection) fireBlocked(ev BlockedEvent) {
	handlers := c.blockedHandlers.snapshot()
	go func() {
		for _, fn := range handlers {
			fn(ev)
		}
	}()
}

// heartbeater sends a heartbeat frame every half interval until the
// connection dies. Regular traffic counts as liveness for the broker,
// so extra heartbeats are harmless.
func (c *Connection) heartbeater() {
	ticker := time.NewTicker(c.heartbeat / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.out.send(frame.NewHeartbeat()); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// drained runs on the writer goroutine when the outbound queue empties
// after backpressure; channel handlers get it off-thread.
func (c *Connection) drained() {
	c.chanMu.Lock()
	channels := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		channels = append(channels, ch)
	}
	c.chanMu.Unlock()

	go func() {
		for _, ch := range channels {
			ch.drained()
		}
	}()
}

// Channel opens a new channel on the next free id.
func (c *Connection) Channel() (*Channel, error) {
	if c.State() != StateOpen {
		return nil, c.closedError()
	}

	c.chanMu.Lock()
	var id uint16
	for i := 0; i < int(c.channelMax); i++ {
		candidate := c.nextID
		c.nextID++
		if c.nextID == 0 || c.nextID > c.channelMax {
			c.nextID = 1
		}
		if _, used := c.channels[candidate]; !used {
			id = candidate
			break
		}
	}
	if id == 0 {
		c.chanMu.Unlock()
		return nil, fmt.Errorf("amqp: all %d channel ids in use", c.channelMax)
	}
	ch := newChannel(c, id)
	c.channels[id] = ch
	c.chanMu.Unlock()

	if err := ch.open(); err != nil {
		c.forgetChannel(id)
		return nil, err
	}
	return ch, nil
}

// WithChannel runs fn on a fresh channel and closes it afterwards,
// whatever fn returns.
func (c *Connection) WithChannel(fn func(*Channel) error) error {
	ch, err := c.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	return fn(ch)
}

func (c *Connection) forgetChannel(id uint16) {
	c.chanMu.Lock()
	delete(c.channels, id)
	c.chanMu.Unlock()
}

// Close performs the clean shutdown dance: connection.close, wait
// briefly for close-ok, then tear the transport down. Closing twice is a
// no-op.
func (c *Connection) Close() error {
	if !c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
		return nil
	}

	reason := &CloseReason{Code: protocol.ReplySuccess, Text: "bye"}
	args := frame.NewArgWriter().
		Uint16(reason.Code).
		ShortString(reason.Text).
		Uint16(0).
		Uint16(0).
		Bytes()
	err := c.out.send(frame.NewMethod(0, protocol.ClassConnection,
		protocol.MethodConnectionClose, args))

	if err == nil {
		select {
		case <-c.closeOk:
		case <-time.After(closeOkWait):
			c.log.Warn("no close-ok from broker, closing transport anyway")
		case <-c.done:
		}
	}

	c.teardown(&ConnectionClosedError{Reason: reason})
	return nil
}

// fail is the abnormal teardown entry point. A protocol violation is
// announced to the broker with connection.close first, best effort.
func (c *Connection) fail(err error) {
	if pe, ok := err.(*ProtocolError); ok {
		args := frame.NewArgWriter().
			Uint16(protocol.ReplyFrameError).
			ShortString(pe.Reason).
			Uint16(0).
			Uint16(0).
			Bytes()
		c.out.send(frame.NewMethod(0, protocol.ClassConnection,
			protocol.MethodConnectionClose, args))
	}
	c.teardown(err)
}

// teardown makes the connection defunct exactly once: the transport
// closes, every channel shuts down with the terminal error, handlers
// fire. Safe from any goroutine.
func (c *Connection) teardown(cause error) {
	c.closed.Do(func() {
		c.state.Store(int32(StateClosed))

		c.closeMu.Lock()
		c.closeErr = cause
		c.closeMu.Unlock()

		c.out.stop()
		c.conn.Close()

		c.chanMu.Lock()
		channels := make([]*Channel, 0, len(c.channels))
		for _, ch := range c.channels {
			channels = append(channels, ch)
		}
		c.chanMu.Unlock()
		for _, ch := range channels {
			ch.shutdown(cause, cause)
		}

		handlers := c.closeHandlers.snapshot()
		go func() {
			for _, fn := range handlers {
				fn(cause)
			}
		}()
		c.closeHandlers.clear()
		c.blockedHandlers.clear()

		c.metrics.ConnectionClosed()
		c.log.WithError(cause).Info("connection closed")
		close(c.done)
	})
}

// closedError reports why the connection is unusable.
func (c *Connection) closedError() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closeErr != nil {
		return c.closeErr
	}
	return &ConnectionClosedError{Reason: &CloseReason{Text: "not open"}}
}
