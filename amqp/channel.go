package amqp

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/chelsajoyful/amqp-client-go/internal/frame"
	"github.com/chelsajoyful/amqp-client-go/internal/protocol"
)

// Channel lifecycle.
const (
	channelOpening int32 = iota
	channelOpen
	channelClosing
	channelClosed
)

// Channel is one multiplexed conversation on a Connection. Synchronous
// operations (declares, binds, qos, ...) go through a per-channel FIFO
// call queue with exactly one request in flight; publish and the
// acknowledgment family are fire-and-forget. A Channel's incoming frames
// are handled solely by the connection's read loop, so the consumer
// registry, call queue head and assembly slot see no concurrent
// mutation from the wire side.
type Channel struct {
	conn *Connection
	id   uint16
	log  *logrus.Entry

	state    atomic.Int32
	closeMu  sync.Mutex
	closeErr error
	closed   sync.Once
	done     chan struct{}

	// Outstanding synchronous calls. Head is in flight, the rest wait
	// their turn; a queued request's frame is sent only on promotion.
	callMu    sync.Mutex
	calls     []*pendingCall
	callsDead bool

	// Content reassembly slot, read-loop only.
	assembly *contentAssembly

	consMu    sync.Mutex
	consumers map[string]*consumer

	// Ack bookkeeping and the prefetch gate.
	ackMu    sync.Mutex
	prefetch int
	unacked  map[uint64]struct{}
	withheld []heldDelivery
	lastTag  uint64

	flowBlocked atomic.Bool

	pubMu    sync.Mutex
	confirms *confirmTracker

	closeHandlers  handlerList[func(error)]
	returnHandlers handlerList[func(Return)]
	flowHandlers   handlerList[func(bool)]
	drainHandlers  handlerList[func()]
	cancelHandlers  handlerList[func(string)]
	confirmHandlers handlerList[func(Confirmation)]
}

// pendingCall is one synchronous request: the frames to send, the
// replies that may resolve it, and a buffered channel the read loop
// resolves exactly once.
type pendingCall struct {
	req        []*frame.Frame
	expect     []uint32
	getAutoAck bool
	done       chan callOutcome
}

type callOutcome struct {
	method   *frame.Method
	delivery *Delivery
	err      error
}

func methodKey(classID, methodID uint16) uint32 {
	return uint32(classID)<<16 | uint32(methodID)
}

func (pc *pendingCall) expects(classID, methodID uint16) bool {
	k := methodKey(classID, methodID)
	for _, e := range pc.expect {
		if e == k {
			return true
		}
	}
	return false
}

func newChannel(conn *Connection, id uint16) *Channel {
	ch := &Channel{
		conn:      conn,
		id:        id,
		log:       conn.log.WithField("channel", id),
		done:      make(chan struct{}),
		consumers: make(map[string]*consumer),
		unacked:   make(map[uint64]struct{}),
	}
	ch.state.Store(channelOpening)
	return ch
}

// open performs the channel.open handshake on an already registered id.
func (ch *Channel) open() error {
	m := frame.NewMethod(ch.id, protocol.ClassChannel, protocol.MethodChannelOpen,
		frame.NewArgWriter().ShortString("").Bytes())
	if _, err := ch.call(m, methodKey(protocol.ClassChannel, protocol.MethodChannelOpenOk)); err != nil {
		return err
	}
	ch.state.Store(channelOpen)
	ch.conn.metrics.ChannelOpened()
	ch.log.Debug("channel open")
	return nil
}

// ID is the connection-unique channel number.
func (ch *Channel) ID() uint16 {
	return ch.id
}

func (ch *Channel) IsClosed() bool {
	return ch.state.Load() == channelClosed
}

// FlowBlocked reports whether the broker has paused this channel with
// channel.flow.
func (ch *Channel) FlowBlocked() bool {
	return ch.flowBlocked.Load()
}

// Pressured reports outbound backpressure; a drain event fires when it
// clears.
func (ch *Channel) Pressured() bool {
	return ch.conn.out.pressure()
}

// OnClose registers a handler invoked once when the channel closes, with
// the close cause.
func (ch *Channel) OnClose(fn func(error)) *Subscription {
	return ch.closeHandlers.subscribe(fn)
}

// OnReturn registers a handler for messages the broker hands back as
// unroutable.
func (ch *Channel) OnReturn(fn func(Return)) *Subscription {
	return ch.returnHandlers.subscribe(fn)
}

// OnFlow registers a handler for broker flow control; the argument is
// the new active state (false = paused).
func (ch *Channel) OnFlow(fn func(active bool)) *Subscription {
	return ch.flowHandlers.subscribe(fn)
}

// OnDrain registers a handler fired when outbound backpressure clears.
func (ch *Channel) OnDrain(fn func()) *Subscription {
	return ch.drainHandlers.subscribe(fn)
}

// OnCancel registers a handler for server-initiated consumer
// cancellation, receiving the consumer tag.
func (ch *Channel) OnCancel(fn func(consumerTag string)) *Subscription {
	return ch.cancelHandlers.subscribe(fn)
}

// call enqueues a synchronous request and blocks until its reply
// arrives or the channel/connection resolves it with a close reason.
func (ch *Channel) call(req *frame.Frame, expect ...uint32) (*frame.Method, error) {
	out := ch.do(&pendingCall{req: []*frame.Frame{req}, expect: expect})
	return out.method, out.err
}

func (ch *Channel) do(pc *pendingCall) callOutcome {
	pc.done = make(chan callOutcome, 1)

	ch.callMu.Lock()
	if ch.callsDead {
		ch.callMu.Unlock()
		return callOutcome{err: ch.closedError()}
	}
	ch.calls = append(ch.calls, pc)
	atHead := len(ch.calls) == 1
	ch.callMu.Unlock()

	if atHead {
		if err := ch.conn.out.send(pc.req...); err != nil {
			ch.dropCall(pc)
			return callOutcome{err: err}
		}
	}
	return <-pc.done
}

// dropCall removes a call that never made it onto the wire.
func (ch *Channel) dropCall(pc *pendingCall) {
	ch.callMu.Lock()
	for i, c := range ch.calls {
		if c == pc {
			ch.calls = append(ch.calls[:i], ch.calls[i+1:]...)
			break
		}
	}
	ch.callMu.Unlock()
}

// headCall peeks the in-flight request.
func (ch *Channel) headCall() *pendingCall {
	ch.callMu.Lock()
	defer ch.callMu.Unlock()
	if len(ch.calls) == 0 {
		return nil
	}
	return ch.calls[0]
}

// resolveCall completes the in-flight request and promotes the next
// queued one, sending its frame. Runs on the read loop.
func (ch *Channel) resolveCall(out callOutcome) {
	ch.callMu.Lock()
	if len(ch.calls) == 0 {
		ch.callMu.Unlock()
		ch.log.Warn("reply with no pending call, dropping")
		return
	}
	pc := ch.calls[0]
	ch.calls = ch.calls[1:]
	var next *pendingCall
	if len(ch.calls) > 0 {
		next = ch.calls[0]
	}
	ch.callMu.Unlock()

	pc.done <- out

	if next != nil {
		// A send failure means the connection is tearing down; the
		// teardown path resolves whatever is still queued.
		_ = ch.conn.out.send(next.req...)
	}
}

// handleFrame demultiplexes one frame for this channel. Read loop only.
func (ch *Channel) handleFrame(f *frame.Frame) error {
	switch f.Type {
	case protocol.FrameMethod:
		m, err := f.Method()
		if err != nil {
			return &ProtocolError{Reason: "bad method frame", Cause: err}
		}
		return ch.handleMethod(m)
	case protocol.FrameHeader:
		return ch.acceptHeader(f)
	case protocol.FrameBody:
		return ch.acceptBody(f)
	default:
		return &ProtocolError{Reason: fmt.Sprintf("frame type %d on channel %d", f.Type, f.ChannelID)}
	}
}

func (ch *Channel) handleMethod(m *frame.Method) error {
	// Mid-assembly, only flow control and close may interleave with
	// content frames.
	if ch.assembly != nil &&
		!(m.ClassID == protocol.ClassChannel &&
			(m.MethodID == protocol.MethodChannelFlow || m.MethodID == protocol.MethodChannelClose)) {
		return &ProtocolError{Reason: fmt.Sprintf("method %d.%d interleaved with content", m.ClassID, m.MethodID)}
	}

	switch m.ClassID {
	case protocol.ClassChannel:
		switch m.MethodID {
		case protocol.MethodChannelClose:
			return ch.handleChannelClose(m)
		case protocol.MethodChannelFlow:
			return ch.handleChannelFlow(m)
		}
	case protocol.ClassBasic:
		switch m.MethodID {
		case protocol.MethodBasicDeliver:
			return ch.beginContent(contentDeliver, m)
		case protocol.MethodBasicReturn:
			return ch.beginContent(contentReturn, m)
		case protocol.MethodBasicGetOk:
			return ch.beginContent(contentGet, m)
		case protocol.MethodBasicGetEmpty:
			ch.resolveCall(callOutcome{method: m})
			return nil
		case protocol.MethodBasicAck, protocol.MethodBasicNack:
			ch.handleConfirm(m)
			return nil
		case protocol.MethodBasicCancel:
			ch.handleServerCancel(m)
			return nil
		case protocol.MethodBasicRecoverOk:
			// recover is sent without waiting; the ok is informational.
			return nil
		}
	}

	ch.handleReply(m)
	return nil
}

func (ch *Channel) handleReply(m *frame.Method) {
	pc := ch.headCall()
	if pc == nil || !pc.expects(m.ClassID, m.MethodID) {
		ch.log.WithFields(logrus.Fields{
			"class":  m.ClassID,
			"method": m.MethodID,
		}).Warn("unexpected method, dropping")
		return
	}
	ch.resolveCall(callOutcome{method: m})
}

// handleChannelClose processes a broker-initiated channel.close: the
// operation that provoked it fails with ChannelError, everything else
// pending on this channel resolves with ChannelClosedError, and
// sibling channels are untouched.
func (ch *Channel) handleChannelClose(m *frame.Method) error {
	args := frame.NewArgReader(m.Args)
	reason := &CloseReason{
		Code:   args.Uint16(),
		Text:   args.ShortString(),
		Server: true,
	}
	reason.ClassID = args.Uint16()
	reason.MethodID = args.Uint16()
	if err := args.Err(); err != nil {
		return &ProtocolError{Reason: "bad channel.close", Cause: err}
	}

	ch.send(frame.NewMethod(ch.id, protocol.ClassChannel, protocol.MethodChannelCloseOk, nil))

	chErr := &ChannelError{Reason: reason}
	ch.log.WithField("reason", reason.String()).Warn("channel closed by broker")

	ch.callMu.Lock()
	var head *pendingCall
	if len(ch.calls) > 0 {
		head = ch.calls[0]
		ch.calls = ch.calls[1:]
	}
	ch.callMu.Unlock()
	if head != nil {
		head.done <- callOutcome{err: chErr}
	}

	ch.shutdown(chErr, &ChannelClosedError{Reason: reason})
	return nil
}

func (ch *Channel) handleChannelFlow(m *frame.Method) error {
	args := frame.NewArgReader(m.Args)
	active := args.Bit()
	if err := args.Err(); err != nil {
		return &ProtocolError{Reason: "bad channel.flow", Cause: err}
	}

	ch.flowBlocked.Store(!active)
	ch.send(frame.NewMethod(ch.id, protocol.ClassChannel, protocol.MethodChannelFlowOk,
		frame.NewArgWriter().Bits(active).Bytes()))

	handlers := ch.flowHandlers.snapshot()
	go func() {
		for _, fn := range handlers {
			fn(active)
		}
	}()
	return nil
}

// send is the fire-and-forget path: a single frame handed to the
// outbound controller.
func (ch *Channel) send(f *frame.Frame) error {
	return ch.conn.out.send(f)
}

// Publish sends a message without waiting for any broker response.
// Backpressure from the outbound buffer is advisory: the call still
// succeeds, and a drain event fires when pressure clears.
func (ch *Channel) Publish(exchange, routingKey string, mandatory, immediate bool, msg Publishing) error {
	if ch.IsClosed() {
		return ch.closedError()
	}

	props, err := encodeProperties(msg.Properties)
	if err != nil {
		return fmt.Errorf("encode properties: %w", err)
	}

	args := frame.NewArgWriter().
		Uint16(0).
		ShortString(exchange).
		ShortString(routingKey).
		Bits(mandatory, immediate).
		Bytes()

	frames := make([]*frame.Frame, 0, 3)
	frames = append(frames,
		frame.NewMethod(ch.id, protocol.ClassBasic, protocol.MethodBasicPublish, args),
		frame.NewContentHeader(ch.id, uint64(len(msg.Body)), props))
	frames = append(frames, ch.bodyFrames(msg.Body)...)

	// Sequence allocation and enqueue stay paired so confirm tags line
	// up with wire order under concurrent publishers.
	ch.pubMu.Lock()
	defer ch.pubMu.Unlock()
	if ch.confirms != nil {
		ch.confirms.register()
	}
	if err := ch.conn.out.send(frames...); err != nil {
		return err
	}
	ch.conn.metrics.Published(len(msg.Body))
	return nil
}

// bodyFrames chunks a body to the negotiated frame size.
func (ch *Channel) bodyFrames(body []byte) []*frame.Frame {
	if len(body) == 0 {
		return nil
	}
	max := int(ch.conn.frameMax) - protocol.FrameHeaderSize - protocol.FrameEndSize
	frames := make([]*frame.Frame, 0, (len(body)+max-1)/max)
	for off := 0; off < len(body); off += max {
		end := off + max
		if end > len(body) {
			end = len(body)
		}
		frames = append(frames, frame.NewBody(ch.id, body[off:end]))
	}
	return frames
}

// ConsumeOptions mirror the basic.consume flags; Args is forwarded
// verbatim into the method's argument table.
type ConsumeOptions struct {
	AutoAck   bool
	Exclusive bool
	NoLocal   bool
	NoWait    bool
	Args      Table
}

// Consume registers a consumer and returns its delivery stream. An
// empty consumerTag gets a generated one, visible on each Delivery.
// The stream closes when the consumer is cancelled or the channel
// closes.
func (ch *Channel) Consume(queue, consumerTag string, opts ConsumeOptions) (<-chan Delivery, error) {
	if ch.IsClosed() {
		return nil, ch.closedError()
	}
	if consumerTag == "" {
		consumerTag = "ctag-" + uuid.NewString()
	}

	cs := newConsumer(consumerTag, queue, opts.AutoAck)
	ch.consMu.Lock()
	if _, dup := ch.consumers[consumerTag]; dup {
		ch.consMu.Unlock()
		cs.stop()
		return nil, fmt.Errorf("amqp: consumer tag %q already in use", consumerTag)
	}
	ch.consumers[consumerTag] = cs
	ch.consMu.Unlock()

	args := frame.NewArgWriter().
		Uint16(0).
		ShortString(queue).
		ShortString(consumerTag).
		Bits(opts.NoLocal, opts.AutoAck, opts.Exclusive, opts.NoWait).
		Table(opts.Args).
		Bytes()
	m := frame.NewMethod(ch.id, protocol.ClassBasic, protocol.MethodBasicConsume, args)

	var err error
	if opts.NoWait {
		err = ch.send(m)
	} else {
		_, err = ch.call(m, methodKey(protocol.ClassBasic, protocol.MethodBasicConsumeOk))
	}
	if err != nil {
		ch.consMu.Lock()
		delete(ch.consumers, consumerTag)
		ch.consMu.Unlock()
		cs.stop()
		return nil, err
	}

	ch.log.WithFields(logrus.Fields{"queue": queue, "consumerTag": consumerTag}).Debug("consumer registered")
	return cs.out, nil
}

// Cancel stops a consumer; its delivery stream closes once in-flight
// deliveries are drained.
func (ch *Channel) Cancel(consumerTag string, noWait bool) error {
	if ch.IsClosed() {
		return ch.closedError()
	}

	args := frame.NewArgWriter().ShortString(consumerTag).Bits(noWait).Bytes()
	m := frame.NewMethod(ch.id, protocol.ClassBasic, protocol.MethodBasicCancel, args)

	var err error
	if noWait {
		err = ch.send(m)
	} else {
		_, err = ch.call(m, methodKey(protocol.ClassBasic, protocol.MethodBasicCancelOk))
	}
	if err != nil {
		return err
	}

	ch.consMu.Lock()
	cs := ch.consumers[consumerTag]
	delete(ch.consumers, consumerTag)
	ch.consMu.Unlock()
	if cs != nil {
		cs.stop()
	}
	return nil
}

// Get synchronously polls one message. The bool reports whether a
// message was available.
func (ch *Channel) Get(queue string, autoAck bool) (*Delivery, bool, error) {
	if ch.IsClosed() {
		return nil, false, ch.closedError()
	}

	args := frame.NewArgWriter().Uint16(0).ShortString(queue).Bits(autoAck).Bytes()
	pc := &pendingCall{
		req: []*frame.Frame{frame.NewMethod(ch.id, protocol.ClassBasic, protocol.MethodBasicGet, args)},
		expect: []uint32{
			methodKey(protocol.ClassBasic, protocol.MethodBasicGetOk),
			methodKey(protocol.ClassBasic, protocol.MethodBasicGetEmpty),
		},
		getAutoAck: autoAck,
	}

	out := ch.do(pc)
	if out.err != nil {
		return nil, false, out.err
	}
	if out.delivery != nil {
		ch.conn.metrics.Delivered(len(out.delivery.Body))
		return out.delivery, true, nil
	}
	return nil, false, nil
}

// Ack acknowledges one delivery by tag. Fire-and-forget: local
// bookkeeping is updated and the frame enqueued without waiting.
func (ch *Channel) Ack(deliveryTag uint64) error {
	return ch.sendAck(protocol.MethodBasicAck, deliveryTag, false, false)
}

// AckAll acknowledges every outstanding delivery on this channel.
func (ch *Channel) AckAll() error {
	return ch.sendAck(protocol.MethodBasicAck, 0, true, false)
}

// Nack negatively acknowledges one delivery.
func (ch *Channel) Nack(deliveryTag uint64, requeue bool) error {
	return ch.sendAck(protocol.MethodBasicNack, deliveryTag, false, requeue)
}

// NackAll negatively acknowledges every outstanding delivery.
func (ch *Channel) NackAll(requeue bool) error {
	return ch.sendAck(protocol.MethodBasicNack, 0, true, requeue)
}

// Reject is the single-message basic.reject form.
func (ch *Channel) Reject(deliveryTag uint64, requeue bool) error {
	if ch.IsClosed() {
		return ch.closedError()
	}
	args := frame.NewArgWriter().Uint64(deliveryTag).Bits(requeue).Bytes()
	if err := ch.send(frame.NewMethod(ch.id, protocol.ClassBasic, protocol.MethodBasicReject, args)); err != nil {
		return err
	}
	ch.conn.metrics.Nacked()
	ch.resolveTags(deliveryTag, false)
	return nil
}

func (ch *Channel) sendAck(methodID uint16, tag uint64, multiple, requeue bool) error {
	if ch.IsClosed() {
		return ch.closedError()
	}

	aw := frame.NewArgWriter().Uint64(tag)
	if methodID == protocol.MethodBasicAck {
		aw.Bits(multiple)
	} else {
		aw.Bits(multiple, requeue)
	}
	if err := ch.send(frame.NewMethod(ch.id, protocol.ClassBasic, methodID, aw.Bytes())); err != nil {
		return err
	}

	if methodID == protocol.MethodBasicAck {
		ch.conn.metrics.Acked()
	} else {
		ch.conn.metrics.Nacked()
	}
	ch.resolveTags(tag, multiple)
	return nil
}

// Qos sets the prefetch window. The count is also enforced locally by
// the dispatcher: beyond count un-acked deliveries, further messages
// wait in the withheld queue.
func (ch *Channel) Qos(prefetchCount int, prefetchSize int, global bool) error {
	if ch.IsClosed() {
		return ch.closedError()
	}

	args := frame.NewArgWriter().
		Uint32(uint32(prefetchSize)).
		Uint16(uint16(prefetchCount)).
		Bits(global).
		Bytes()
	m := frame.NewMethod(ch.id, protocol.ClassBasic, protocol.MethodBasicQos, args)
	if _, err := ch.call(m, methodKey(protocol.ClassBasic, protocol.MethodBasicQosOk)); err != nil {
		return err
	}

	ch.ackMu.Lock()
	ch.prefetch = prefetchCount
	ch.ackMu.Unlock()
	return nil
}

// Flow asks the broker to pause (active false) or resume deliveries to
// this channel's consumers. Not every broker honors client-initiated
// flow control; RabbitMQ rejects it.
func (ch *Channel) Flow(active bool) error {
	if ch.IsClosed() {
		return ch.closedError()
	}
	m := frame.NewMethod(ch.id, protocol.ClassChannel, protocol.MethodChannelFlow,
		frame.NewArgWriter().Bits(active).Bytes())
	_, err := ch.call(m, methodKey(protocol.ClassChannel, protocol.MethodChannelFlowOk))
	return err
}

// Recover asks the broker to redeliver all un-acked messages. Sent
// without waiting; local delivery bookkeeping is reset since redelivery
// arrives under fresh tags.
func (ch *Channel) Recover(requeue bool) error {
	if ch.IsClosed() {
		return ch.closedError()
	}
	args := frame.NewArgWriter().Bits(requeue).Bytes()
	if err := ch.send(frame.NewMethod(ch.id, protocol.ClassBasic, protocol.MethodBasicRecover, args)); err != nil {
		return err
	}
	ch.dropDeliveryState()
	return nil
}

// Close shuts the channel down cleanly. Closing an already-closed
// channel is a no-op.
func (ch *Channel) Close() error {
	if !ch.state.CompareAndSwap(channelOpen, channelClosing) {
		return nil
	}

	reason := &CloseReason{Code: protocol.ReplySuccess, Text: "bye"}
	args := frame.NewArgWriter().
		Uint16(reason.Code).
		ShortString(reason.Text).
		Uint16(0).
		Uint16(0).
		Bytes()
	m := frame.NewMethod(ch.id, protocol.ClassChannel, protocol.MethodChannelClose, args)
	_, err := ch.call(m, methodKey(protocol.ClassChannel, protocol.MethodChannelCloseOk))

	closedErr := &ChannelClosedError{Reason: reason}
	ch.shutdown(closedErr, closedErr)

	switch err.(type) {
	case nil:
		return nil
	case *ChannelClosedError, *ConnectionClosedError:
		// Lost a race with another close; same outcome.
		return nil
	default:
		return err
	}
}

// closedError reports why the channel is unusable.
func (ch *Channel) closedError() error {
	ch.closeMu.Lock()
	defer ch.closeMu.Unlock()
	if ch.closeErr != nil {
		return ch.closeErr
	}
	return &ChannelClosedError{}
}

// shutdown makes the channel defunct: every queued call resolves with
// pendingErr, consumers stop, handlers fire once with closeCause, and
// the channel forgets itself from the connection. Safe to call from any
// goroutine; only the first call acts.
func (ch *Channel) shutdown(closeCause, pendingErr error) {
	ch.closed.Do(func() {
		ch.state.Store(channelClosed)

		ch.closeMu.Lock()
		ch.closeErr = pendingErr
		ch.closeMu.Unlock()

		ch.callMu.Lock()
		ch.callsDead = true
		calls := ch.calls
		ch.calls = nil
		ch.callMu.Unlock()
		for _, pc := range calls {
			pc.done <- callOutcome{err: pendingErr}
		}

		ch.consMu.Lock()
		consumers := ch.consumers
		ch.consumers = make(map[string]*consumer)
		ch.consMu.Unlock()
		for _, cs := range consumers {
			cs.stop()
		}

		ch.dropDeliveryState()

		ch.pubMu.Lock()
		ct := ch.confirms
		ch.pubMu.Unlock()
		if ct != nil {
			ct.shutdown()
		}

		handlers := ch.closeHandlers.snapshot()
		go func() {
			for _, fn := range handlers {
				fn(closeCause)
			}
		}()
		ch.closeHandlers.clear()
		ch.returnHandlers.clear()
		ch.flowHandlers.clear()
		ch.drainHandlers.clear()
		ch.cancelHandlers.clear()
		ch.confirmHandlers.clear()

		ch.conn.forgetChannel(ch.id)
		ch.conn.metrics.ChannelClosed()
		close(ch.done)
	})
}

// drained fans the connection-level drain event into this channel's
// handlers.
func (ch *Channel) drained() {
	for _, fn := range ch.drainHandlers.snapshot() {
		fn()
	}
}
