package amqp

import (
	"sort"
	"sync"

	"github.com/chelsajoyful/amqp-client-go/internal/frame"
	"github.com/chelsajoyful/amqp-client-go/internal/protocol"
)

// confirmTracker pairs publish sequence numbers with the broker's
// basic.ack/basic.nack stream once a channel is in confirm mode. Tags
// count from 1 in publish order; a confirm with the multiple flag
// resolves every outstanding tag up to and including its own.
type confirmTracker struct {
	ch *Channel

	mu          sync.Mutex
	published   uint64
	outstanding map[uint64]struct{}
	dead        bool
}

func newConfirmTracker(ch *Channel) *confirmTracker {
	return &confirmTracker{
		ch:          ch,
		outstanding: make(map[uint64]struct{}),
	}
}

// register assigns the next sequence number to a publish about to hit
// the wire. Caller holds the channel's publish mutex, so numbers match
// wire order.
func (ct *confirmTracker) register() uint64 {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if ct.dead {
		return 0
	}
	ct.published++
	ct.outstanding[ct.published] = struct{}{}
	return ct.published
}

// resolve settles one confirm from the broker and fires the channel's
// confirm handlers in tag order. Runs on the read loop; handlers should
// be quick.
func (ct *confirmTracker) resolve(tag uint64, multiple, ack bool) {
	ct.mu.Lock()
	var tags []uint64
	if multiple {
		for t := range ct.outstanding {
			if t <= tag {
				tags = append(tags, t)
				delete(ct.outstanding, t)
			}
		}
	} else if _, ok := ct.outstanding[tag]; ok {
		tags = append(tags, tag)
		delete(ct.outstanding, tag)
	}
	ct.mu.Unlock()

	if len(tags) == 0 {
		ct.ch.log.WithField("deliveryTag", tag).Warn("confirm for unknown publish, dropping")
		return
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })

	handlers := ct.ch.confirmHandlers.snapshot()
	for _, t := range tags {
		for _, fn := range handlers {
			fn(Confirmation{DeliveryTag: t, Ack: ack})
		}
	}
}

// shutdown nacks everything still outstanding. A closing channel can
// never deliver a late ack, so callers treat these as failed.
func (ct *confirmTracker) shutdown() {
	ct.mu.Lock()
	ct.dead = true
	var tags []uint64
	for t := range ct.outstanding {
		tags = append(tags, t)
	}
	ct.outstanding = make(map[uint64]struct{})
	ct.mu.Unlock()

	if len(tags) == 0 {
		return
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })

	handlers := ct.ch.confirmHandlers.snapshot()
	for _, t := range tags {
		for _, fn := range handlers {
			fn(Confirmation{DeliveryTag: t, Ack: false})
		}
	}
}

// Confirm puts the channel into publisher-confirm mode. Once enabled it
// cannot be turned off for the life of the channel.
func (ch *Channel) Confirm(noWait bool) error {
	if ch.IsClosed() {
		return ch.closedError()
	}

	m := frame.NewMethod(ch.id, protocol.ClassConfirm, protocol.MethodConfirmSelect,
		frame.NewArgWriter().Bits(noWait).Bytes())

	var err error
	if noWait {
		err = ch.send(m)
	} else {
		_, err = ch.call(m, methodKey(protocol.ClassConfirm, protocol.MethodConfirmSelectOk))
	}
	if err != nil {
		return err
	}

	ch.pubMu.Lock()
	if ch.confirms == nil {
		ch.confirms = newConfirmTracker(ch)
	}
	ch.pubMu.Unlock()
	return nil
}

// OnConfirm registers a handler for publisher confirms, fired in tag
// order. Handlers run on the connection's read loop; keep them fast.
func (ch *Channel) OnConfirm(fn func(Confirmation)) *Subscription {
	return ch.confirmHandlers.subscribe(fn)
}

// handleConfirm routes an incoming basic.ack or basic.nack. Outside
// confirm mode these are unexpected and dropped.
func (ch *Channel) handleConfirm(m *frame.Method) {
	ch.pubMu.Lock()
	ct := ch.confirms
	ch.pubMu.Unlock()
	if ct == nil {
		ch.log.Warn("broker confirm outside confirm mode, dropping")
		return
	}

	args := frame.NewArgReader(m.Args)
	tag := args.Uint64()
	var multiple bool
	if m.MethodID == protocol.MethodBasicAck {
		multiple = args.Bit()
	} else {
		bits := args.Bits(2)
		multiple = bits[0]
	}
	if err := args.Err(); err != nil {
		ch.conn.fail(&ProtocolError{Reason: "bad broker confirm", Cause: err})
		return
	}

	ct.resolve(tag, multiple, m.MethodID == protocol.MethodBasicAck)
}
