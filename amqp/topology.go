package amqp

import (
	"github.com/chelsajoyful/amqp-client-go/internal/frame"
	"github.com/chelsajoyful/amqp-client-go/internal/protocol"
)

// ExchangeOptions carry the declare flags; Args is forwarded verbatim
// into the method's argument table.
type ExchangeOptions struct {
	Durable    bool
	AutoDelete bool
	Internal   bool
	NoWait     bool
	Args       Table
}

// QueueOptions carry the declare flags for QueueDeclare.
type QueueOptions struct {
	Durable    bool
	Exclusive  bool
	AutoDelete bool
	NoWait     bool
	Args       Table
}

// ExchangeDeclare creates an exchange if it does not exist, or verifies
// a compatible one does. Kind is one of the protocol exchange types
// (direct, fanout, topic, headers) or a broker plugin type.
func (ch *Channel) ExchangeDeclare(name, kind string, opts ExchangeOptions) error {
	return ch.exchangeDeclare(name, kind, false, opts)
}

// ExchangeDeclarePassive asserts an exchange already exists without
// creating it; a missing exchange fails the channel with a 404.
func (ch *Channel) ExchangeDeclarePassive(name, kind string) error {
	return ch.exchangeDeclare(name, kind, true, ExchangeOptions{})
}

func (ch *Channel) exchangeDeclare(name, kind string, passive bool, opts ExchangeOptions) error {
	if ch.IsClosed() {
		return ch.closedError()
	}

	args := frame.NewArgWriter().
		Uint16(0).
		ShortString(name).
		ShortString(kind).
		Bits(passive, opts.Durable, opts.AutoDelete, opts.Internal, opts.NoWait).
		Table(opts.Args).
		Bytes()
	m := frame.NewMethod(ch.id, protocol.ClassExchange, protocol.MethodExchangeDeclare, args)

	if opts.NoWait {
		return ch.send(m)
	}
	_, err := ch.call(m, methodKey(protocol.ClassExchange, protocol.MethodExchangeDeclareOk))
	return err
}

// ExchangeDelete removes an exchange. With ifUnused set, the broker
// refuses when bindings still reference it.
func (ch *Channel) ExchangeDelete(name string, ifUnused, noWait bool) error {
	if ch.IsClosed() {
		return ch.closedError()
	}

	args := frame.NewArgWriter().
		Uint16(0).
		ShortString(name).
		Bits(ifUnused, noWait).
		Bytes()
	m := frame.NewMethod(ch.id, protocol.ClassExchange, protocol.MethodExchangeDelete, args)

	if noWait {
		return ch.send(m)
	}
	_, err := ch.call(m, methodKey(protocol.ClassExchange, protocol.MethodExchangeDeleteOk))
	return err
}

// ExchangeBind routes messages from source to destination when the
// routing key matches.
func (ch *Channel) ExchangeBind(destination, routingKey, source string, noWait bool, table Table) error {
	return ch.exchangeBind(protocol.MethodExchangeBind, protocol.MethodExchangeBindOk,
		destination, routingKey, source, noWait, table)
}

// ExchangeUnbind removes an exchange-to-exchange binding.
func (ch *Channel) ExchangeUnbind(destination, routingKey, source string, noWait bool, table Table) error {
	return ch.exchangeBind(protocol.MethodExchangeUnbind, protocol.MethodExchangeUnbindOk,
		destination, routingKey, source, noWait, table)
}

func (ch *Channel) exchangeBind(methodID, okID uint16, destination, routingKey, source string, noWait bool, table Table) error {
	if ch.IsClosed() {
		return ch.closedError()
	}

	args := frame.NewArgWriter().
		Uint16(0).
		ShortString(destination).
		ShortString(source).
		ShortString(routingKey).
		Bits(noWait).
		Table(table).
		Bytes()
	m := frame.NewMethod(ch.id, protocol.ClassExchange, methodID, args)

	if noWait {
		return ch.send(m)
	}
	_, err := ch.call(m, methodKey(protocol.ClassExchange, okID))
	return err
}

// QueueDeclare creates a queue if it does not exist, or verifies a
// compatible one does. An empty name asks the broker for a generated
// one; the declared name comes back in the QueueInfo.
func (ch *Channel) QueueDeclare(name string, opts QueueOptions) (QueueInfo, error) {
	return ch.queueDeclare(name, false, opts)
}

// QueueDeclarePassive asserts a queue already exists without creating
// it, reporting its current depth and consumer count.
func (ch *Channel) QueueDeclarePassive(name string) (QueueInfo, error) {
	return ch.queueDeclare(name, true, QueueOptions{})
}

func (ch *Channel) queueDeclare(name string, passive bool, opts QueueOptions) (QueueInfo, error) {
	if ch.IsClosed() {
		return QueueInfo{}, ch.closedError()
	}

	args := frame.NewArgWriter().
		Uint16(0).
		ShortString(name).
		Bits(passive, opts.Durable, opts.Exclusive, opts.AutoDelete, opts.NoWait).
		Table(opts.Args).
		Bytes()
	m := frame.NewMethod(ch.id, protocol.ClassQueue, protocol.MethodQueueDeclare, args)

	if opts.NoWait {
		return QueueInfo{Name: name}, ch.send(m)
	}

	reply, err := ch.call(m, methodKey(protocol.ClassQueue, protocol.MethodQueueDeclareOk))
	if err != nil {
		return QueueInfo{}, err
	}

	r := frame.NewArgReader(reply.Args)
	info := QueueInfo{
		Name:      r.ShortString(),
		Messages:  r.Uint32(),
		Consumers: r.Uint32(),
	}
	if err := r.Err(); err != nil {
		return QueueInfo{}, &ProtocolError{Reason: "bad queue.declare-ok", Cause: err}
	}
	return info, nil
}

// QueueBind subscribes the queue to an exchange under the routing key.
func (ch *Channel) QueueBind(queue, routingKey, exchange string, noWait bool, table Table) error {
	if ch.IsClosed() {
		return ch.closedError()
	}

	args := frame.NewArgWriter().
		Uint16(0).
		ShortString(queue).
		ShortString(exchange).
		ShortString(routingKey).
		Bits(noWait).
		Table(table).
		Bytes()
	m := frame.NewMethod(ch.id, protocol.ClassQueue, protocol.MethodQueueBind, args)

	if noWait {
		return ch.send(m)
	}
	_, err := ch.call(m, methodKey(protocol.ClassQueue, protocol.MethodQueueBindOk))
	return err
}

// QueueUnbind removes a binding. The grammar has no no-wait flag here.
func (ch *Channel) QueueUnbind(queue, routingKey, exchange string, table Table) error {
	if ch.IsClosed() {
		return ch.closedError()
	}

	args := frame.NewArgWriter().
		Uint16(0).
		ShortString(queue).
		ShortString(exchange).
		ShortString(routingKey).
		Table(table).
		Bytes()
	m := frame.NewMethod(ch.id, protocol.ClassQueue, protocol.MethodQueueUnbind, args)

	_, err := ch.call(m, methodKey(protocol.ClassQueue, protocol.MethodQueueUnbindOk))
	return err
}

// QueuePurge drops the queue's ready messages, reporting how many were
// removed. Un-acked messages are untouched.
func (ch *Channel) QueuePurge(queue string, noWait bool) (int, error) {
	if ch.IsClosed() {
		return 0, ch.closedError()
	}

	args := frame.NewArgWriter().
		Uint16(0).
		ShortString(queue).
		Bits(noWait).
		Bytes()
	m := frame.NewMethod(ch.id, protocol.ClassQueue, protocol.MethodQueuePurge, args)

	if noWait {
		return 0, ch.send(m)
	}

	reply, err := ch.call(m, methodKey(protocol.ClassQueue, protocol.MethodQueuePurgeOk))
	if err != nil {
		return 0, err
	}

	r := frame.NewArgReader(reply.Args)
	count := r.Uint32()
	if err := r.Err(); err != nil {
		return 0, &ProtocolError{Reason: "bad queue.purge-ok", Cause: err}
	}
	return int(count), nil
}

// QueueDelete removes a queue, reporting how many messages it held.
func (ch *Channel) QueueDelete(queue string, ifUnused, ifEmpty, noWait bool) (int, error) {
	if ch.IsClosed() {
		return 0, ch.closedError()
	}

	args := frame.NewArgWriter().
		Uint16(0).
		ShortString(queue).
		Bits(ifUnused, ifEmpty, noWait).
		Bytes()
	m := frame.NewMethod(ch.id, protocol.ClassQueue, protocol.MethodQueueDelete, args)

	if noWait {
		return 0, ch.send(m)
	}

	reply, err := ch.call(m, methodKey(protocol.ClassQueue, protocol.MethodQueueDeleteOk))
	if err != nil {
		return 0, err
	}

	r := frame.NewArgReader(reply.Args)
	count := r.Uint32()
	if err := r.Err(); err != nil {
		return 0, &ProtocolError{Reason: "bad queue.delete-ok", Cause: err}
	}
	return int(count), nil
}
