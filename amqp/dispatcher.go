package amqp

import (
	"sync"

	"github.com/chelsajoyful/amqp-client-go/internal/frame"
	"github.com/chelsajoyful/amqp-client-go/internal/protocol"
)

// Content assembly kinds: which method opened the content.
const (
	contentDeliver = iota
	contentReturn
	contentGet
)

// contentAssembly holds a message mid-reassembly: the opening method has
// arrived, the header and body chunks have not all been seen yet. The
// protocol keeps one delivery's content contiguous on a channel, so a
// single slot per channel suffices; only channel.flow and channel.close
// may interleave.
type contentAssembly struct {
	kind     int
	delivery Delivery
	ret      Return
	bodySize uint64
	body     []byte
}

// consumer is one registry entry. Deliveries are staged in an unbounded
// buffer and pumped to the user-facing channel by a dedicated goroutine,
// so the connection's read loop never blocks on a slow consumer and
// per-channel arrival order is preserved.
type consumer struct {
	tag     string
	queue   string
	autoAck bool

	mu  sync.Mutex
	buf []Delivery

	wake chan struct{}
	quit chan struct{}
	out  chan Delivery
	once sync.Once
}

func newConsumer(tag, queue string, autoAck bool) *consumer {
	cs := &consumer{
		tag:     tag,
		queue:   queue,
		autoAck: autoAck,
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		out:     make(chan Delivery),
	}
	go cs.pump()
	return cs
}

// push never blocks; it is safe to call with channel bookkeeping locks
// held.
func (cs *consumer) push(d Delivery) {
	cs.mu.Lock()
	cs.buf = append(cs.buf, d)
	cs.mu.Unlock()
	select {
	case cs.wake <- struct{}{}:
	default:
	}
}

func (cs *consumer) pump() {
	defer close(cs.out)
	for {
		cs.mu.Lock()
		if len(cs.buf) == 0 {
			cs.mu.Unlock()
			select {
			case <-cs.wake:
				continue
			case <-cs.quit:
				return
			}
		}
		d := cs.buf[0]
		cs.buf = cs.buf[1:]
		cs.mu.Unlock()

		select {
		case cs.out <- d:
		case <-cs.quit:
			return
		}
	}
}

func (cs *consumer) stop() {
	cs.once.Do(func() { close(cs.quit) })
}

// heldDelivery is a reassembled message withheld by the prefetch gate.
type heldDelivery struct {
	cs *consumer
	d  Delivery
}

// beginContent opens a content assembly for a deliver, return or get-ok
// method. Runs on the connection read loop.
func (ch *Channel) beginContent(kind int, m *frame.Method) error {
	args := frame.NewArgReader(m.Args)
	a := &contentAssembly{kind: kind}

	switch kind {
	case contentDeliver:
		a.delivery = Delivery{
			ConsumerTag: args.ShortString(),
			DeliveryTag: args.Uint64(),
			Redelivered: args.Bit(),
			Exchange:    args.ShortString(),
			RoutingKey:  args.ShortString(),
			channel:     ch,
		}
	case contentGet:
		a.delivery = Delivery{
			DeliveryTag: args.Uint64(),
			Redelivered: args.Bit(),
			Exchange:    args.ShortString(),
			RoutingKey:  args.ShortString(),
			channel:     ch,
		}
		a.delivery.MessageCount = args.Uint32()
	case contentReturn:
		a.ret = Return{
			ReplyCode:  args.Uint16(),
			ReplyText:  args.ShortString(),
			Exchange:   args.ShortString(),
			RoutingKey: args.ShortString(),
		}
	}
	if err := args.Err(); err != nil {
		return err
	}

	ch.assembly = a
	return nil
}

// acceptHeader consumes the content-header frame for the open assembly.
func (ch *Channel) acceptHeader(f *frame.Frame) error {
	a := ch.assembly
	if a == nil || a.bodySize != 0 || a.body != nil {
		return &ProtocolError{Reason: "content header without a preceding content method"}
	}

	h, err := f.Header()
	if err != nil {
		return &ProtocolError{Reason: "bad content header", Cause: err}
	}

	props, err := decodeProperties(h.Properties)
	if err != nil {
		return &ProtocolError{Reason: "bad content properties", Cause: err}
	}

	a.bodySize = h.BodySize
	a.body = make([]byte, 0, h.BodySize)
	switch a.kind {
	case contentReturn:
		a.ret.Properties = props
	default:
		a.delivery.Properties = props
	}

	if a.bodySize == 0 {
		ch.finishContent()
	}
	return nil
}

// acceptBody consumes one content-body chunk, finishing the assembly
// when the declared size is reached.
func (ch *Channel) acceptBody(f *frame.Frame) error {
	a := ch.assembly
	if a == nil || a.body == nil {
		return &ProtocolError{Reason: "content body without a preceding content header"}
	}

	a.body = append(a.body, f.Payload...)
	if uint64(len(a.body)) > a.bodySize {
		return &ProtocolError{Reason: "content body exceeds declared size"}
	}
	if uint64(len(a.body)) == a.bodySize {
		ch.finishContent()
	}
	return nil
}

func (ch *Channel) finishContent() {
	a := ch.assembly
	ch.assembly = nil

	switch a.kind {
	case contentDeliver:
		a.delivery.Body = a.body
		ch.routeDelivery(a.delivery)
	case contentReturn:
		a.ret.Body = a.body
		ch.conn.metrics.Returned()
		handlers := ch.returnHandlers.snapshot()
		ret := a.ret
		go func() {
			for _, fn := range handlers {
				fn(ret)
			}
		}()
	case contentGet:
		a.delivery.Body = a.body
		d := a.delivery
		if pc := ch.headCall(); pc != nil && !pc.getAutoAck {
			ch.trackTag(d.DeliveryTag)
		}
		ch.resolveCall(callOutcome{delivery: &d})
	}
}

// routeDelivery hands a reassembled message to its consumer, applying
// the prefetch gate: with prefetch > 0, no more than prefetch un-acked
// deliveries are outstanding at once, the rest wait their turn.
func (ch *Channel) routeDelivery(d Delivery) {
	ch.consMu.Lock()
	cs := ch.consumers[d.ConsumerTag]
	ch.consMu.Unlock()

	if cs == nil {
		// Likely a race with a local cancel. Anomalous but not fatal.
		ch.log.WithField("consumerTag", d.ConsumerTag).
			Warn("dropping delivery for unknown consumer")
		return
	}

	ch.ackMu.Lock()
	defer ch.ackMu.Unlock()

	if d.DeliveryTag <= ch.lastTag {
		ch.log.WithField("deliveryTag", d.DeliveryTag).
			Warn("delivery tag not increasing")
	} else {
		ch.lastTag = d.DeliveryTag
	}

	if !cs.autoAck {
		if ch.prefetch > 0 && (len(ch.withheld) > 0 || len(ch.unacked) >= ch.prefetch) {
			ch.withheld = append(ch.withheld, heldDelivery{cs: cs, d: d})
			return
		}
		ch.unacked[d.DeliveryTag] = struct{}{}
	}

	ch.conn.metrics.Delivered(len(d.Body))
	cs.push(d)
}

// trackTag records an un-acked tag obtained outside the consumer path
// (basic.get).
func (ch *Channel) trackTag(tag uint64) {
	ch.ackMu.Lock()
	if tag > ch.lastTag {
		ch.lastTag = tag
	}
	ch.unacked[tag] = struct{}{}
	ch.ackMu.Unlock()
}

// resolveTags updates ack bookkeeping for an outgoing ack/nack and
// admits withheld deliveries freed up by it. tag 0 with multiple set
// resolves everything outstanding.
func (ch *Channel) resolveTags(tag uint64, multiple bool) {
	ch.ackMu.Lock()
	defer ch.ackMu.Unlock()

	if multiple {
		if tag == 0 {
			ch.unacked = make(map[uint64]struct{})
		} else {
			for t := range ch.unacked {
				if t <= tag {
					delete(ch.unacked, t)
				}
			}
		}
	} else {
		delete(ch.unacked, tag)
	}

	for len(ch.withheld) > 0 && (ch.prefetch == 0 || len(ch.unacked) < ch.prefetch) {
		h := ch.withheld[0]
		ch.withheld = ch.withheld[1:]
		ch.unacked[h.d.DeliveryTag] = struct{}{}
		ch.conn.metrics.Delivered(len(h.d.Body))
		h.cs.push(h.d)
	}
}

// dropDeliveryState forgets all local delivery bookkeeping; used by
// basic.recover, after which the broker redelivers under fresh tags.
func (ch *Channel) dropDeliveryState() {
	ch.ackMu.Lock()
	ch.unacked = make(map[uint64]struct{})
	ch.withheld = nil
	ch.ackMu.Unlock()
}

// handleServerCancel processes a basic.cancel pushed by the broker, for
// example when a consumed queue is deleted.
func (ch *Channel) handleServerCancel(m *frame.Method) {
	args := frame.NewArgReader(m.Args)
	tag := args.ShortString()
	noWait := args.Bit()
	if err := args.Err(); err != nil {
		ch.conn.fail(&ProtocolError{Reason: "bad basic.cancel", Cause: err})
		return
	}

	if !noWait {
		ch.send(frame.NewMethod(ch.id, protocol.ClassBasic, protocol.MethodBasicCancelOk,
			frame.NewArgWriter().ShortString(tag).Bytes()))
	}

	ch.consMu.Lock()
	cs := ch.consumers[tag]
	delete(ch.consumers, tag)
	ch.consMu.Unlock()

	if cs != nil {
		cs.stop()
	}
	ch.log.WithField("consumerTag", tag).Info("consumer cancelled by server")

	handlers := ch.cancelHandlers.snapshot()
	go func() {
		for _, fn := range handlers {
			fn(tag)
		}
	}()
}
