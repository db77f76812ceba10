package amqp

// Delivery is one message handed to a consumer or returned by Get.
// DeliveryTag is broker-assigned, strictly increasing per channel, and is
// what Ack/Nack/Reject take.
type Delivery struct {
	ConsumerTag string
	DeliveryTag uint64
	Redelivered bool
	Exchange    string
	RoutingKey  string

	// MessageCount is only set for Get responses: messages remaining in
	// the queue after this one.
	MessageCount uint32

	Properties Properties
	Body       []byte

	channel *Channel
}

// Ack acknowledges this delivery.
func (d *Delivery) Ack() error {
	if d.channel == nil {
		return &ChannelClosedError{}
	}
	return d.channel.Ack(d.DeliveryTag)
}

// Nack rejects this delivery, optionally requeueing it.
func (d *Delivery) Nack(requeue bool) error {
	if d.channel == nil {
		return &ChannelClosedError{}
	}
	return d.channel.Nack(d.DeliveryTag, requeue)
}

// Reject is the basic.reject flavor of negative acknowledgment.
func (d *Delivery) Reject(requeue bool) error {
	if d.channel == nil {
		return &ChannelClosedError{}
	}
	return d.channel.Reject(d.DeliveryTag, requeue)
}

// Return is a published message the broker could not route, handed back
// because the publish was mandatory.
type Return struct {
	ReplyCode  uint16
	ReplyText  string
	Exchange   string
	RoutingKey string
	Properties Properties
	Body       []byte
}

// QueueInfo is the declare-ok summary for a queue.
type QueueInfo struct {
	Name      string
	Messages  uint32
	Consumers uint32
}

// Confirmation resolves one published message in confirm mode.
type Confirmation struct {
	DeliveryTag uint64
	Ack         bool
}
