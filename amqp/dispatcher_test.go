package amqp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chelsajoyful/amqp-client-go/internal/frame"
	"github.com/chelsajoyful/amqp-client-go/internal/protocol"
)

// startConsumer scripts the consume-ok side and returns the delivery
// stream plus the tag the client sent.
func startConsumer(t *testing.T, ch *Channel, b *testBroker, queue string, opts ConsumeOptions) (<-chan Delivery, string) {
	t.Helper()

	tagCh := make(chan string, 1)
	go func() {
		m := b.expectMethod(1, protocol.ClassBasic, protocol.MethodBasicConsume)
		if m == nil {
			tagCh <- ""
			return
		}
		r := frame.NewArgReader(m.Args)
		r.Uint16()
		r.ShortString() // queue
		tag := r.ShortString()
		b.sendMethod(1, protocol.ClassBasic, protocol.MethodBasicConsumeOk,
			frame.NewArgWriter().ShortString(tag).Bytes())
		tagCh <- tag
	}()

	deliveries, err := ch.Consume(queue, "", opts)
	require.NoError(t, err)
	tag := <-tagCh
	require.NotEmpty(t, tag)
	return deliveries, tag
}

func TestPublishConsumeRoundTrip(t *testing.T) {
	conn, b := dialTestBroker(t)
	ch := openTestChannel(t, conn, b)

	go func() {
		b.expectMethod(1, protocol.ClassQueue, protocol.MethodQueueDeclare)
		b.sendMethod(1, protocol.ClassQueue, protocol.MethodQueueDeclareOk,
			frame.NewArgWriter().ShortString("greetings").Uint32(0).Uint32(0).Bytes())
	}()
	info, err := ch.QueueDeclare("greetings", QueueOptions{})
	require.NoError(t, err)

	require.NoError(t, ch.Publish("", info.Name, false, false, Publishing{
		Properties: Properties{ContentType: "text/plain"},
		Body:       []byte("hello"),
	}))
	m := b.expectMethod(1, protocol.ClassBasic, protocol.MethodBasicPublish)
	require.NotNil(t, m)
	r := frame.NewArgReader(m.Args)
	r.Uint16()
	assert.Equal(t, "", r.ShortString())
	assert.Equal(t, "greetings", r.ShortString())
	assert.Equal(t, []byte("hello"), b.expectContent(1))

	deliveries, tag := startConsumer(t, ch, b, info.Name, ConsumeOptions{AutoAck: true})

	b.deliver(1, tag, 1, []byte("hello"), 0)
	d := waitFor(t, deliveries, "delivery")
	assert.Equal(t, []byte("hello"), d.Body)
	assert.Equal(t, uint64(1), d.DeliveryTag)
	assert.Equal(t, tag, d.ConsumerTag)
	assert.Equal(t, "text/plain", d.Properties.ContentType)
}

func TestDeliveryBodyReassembly(t *testing.T) {
	conn, b := dialTestBroker(t)
	ch := openTestChannel(t, conn, b)

	deliveries, tag := startConsumer(t, ch, b, "chunky", ConsumeOptions{AutoAck: true})

	body := make([]byte, 10000)
	for i := range body {
		body[i] = byte(i % 251)
	}
	b.deliver(1, tag, 1, body, 4089) // three body frames

	d := waitFor(t, deliveries, "reassembled delivery")
	assert.Equal(t, body, d.Body)
}

func TestDeliveryTagsIncrease(t *testing.T) {
	conn, b := dialTestBroker(t)
	ch := openTestChannel(t, conn, b)

	deliveries, tag := startConsumer(t, ch, b, "stream", ConsumeOptions{AutoAck: true})

	for i := 1; i <= 5; i++ {
		b.deliver(1, tag, uint64(i), []byte{byte(i)}, 0)
	}

	var last uint64
	for i := 1; i <= 5; i++ {
		d := waitFor(t, deliveries, "delivery")
		require.Greater(t, d.DeliveryTag, last)
		last = d.DeliveryTag
		assert.Equal(t, []byte{byte(i)}, d.Body)
	}
}

func TestPrefetchGateHoldsExcessDeliveries(t *testing.T) {
	conn, b := dialTestBroker(t)
	ch := openTestChannel(t, conn, b)

	go func() {
		b.expectMethod(1, protocol.ClassBasic, protocol.MethodBasicQos)
		b.sendMethod(1, protocol.ClassBasic, protocol.MethodBasicQosOk, nil)
	}()
	require.NoError(t, ch.Qos(1, 0, false))

	deliveries, tag := startConsumer(t, ch, b, "work", ConsumeOptions{})

	// Two deliveries arrive; with prefetch 1 only the first may reach
	// the consumer until it is acked.
	b.deliver(1, tag, 1, []byte("one"), 0)
	b.deliver(1, tag, 2, []byte("two"), 0)

	first := waitFor(t, deliveries, "first delivery")
	assert.Equal(t, []byte("one"), first.Body)

	select {
	case d := <-deliveries:
		t.Fatalf("tag %d delivered past the prefetch window", d.DeliveryTag)
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, first.Ack())
	m := b.expectMethod(1, protocol.ClassBasic, protocol.MethodBasicAck)
	require.NotNil(t, m)
	assert.Equal(t, uint64(1), frame.NewArgReader(m.Args).Uint64())

	second := waitFor(t, deliveries, "second delivery")
	assert.Equal(t, []byte("two"), second.Body)
}

func TestNackAllClearsWindow(t *testing.T) {
	conn, b := dialTestBroker(t)
	ch := openTestChannel(t, conn, b)

	go func() {
		b.expectMethod(1, protocol.ClassBasic, protocol.MethodBasicQos)
		b.sendMethod(1, protocol.ClassBasic, protocol.MethodBasicQosOk, nil)
	}()
	require.NoError(t, ch.Qos(2, 0, false))

	deliveries, tag := startConsumer(t, ch, b, "work", ConsumeOptions{})

	for i := 1; i <= 3; i++ {
		b.deliver(1, tag, uint64(i), []byte{byte(i)}, 0)
	}
	waitFor(t, deliveries, "first")
	waitFor(t, deliveries, "second")

	require.NoError(t, ch.NackAll(true))
	m := b.expectMethod(1, protocol.ClassBasic, protocol.MethodBasicNack)
	require.NotNil(t, m)
	r := frame.NewArgReader(m.Args)
	assert.Equal(t, uint64(0), r.Uint64())
	flags := r.Bits(2)
	assert.True(t, flags[0], "multiple")
	assert.True(t, flags[1], "requeue")

	// The withheld third delivery is admitted once the window clears.
	third := waitFor(t, deliveries, "third")
	assert.Equal(t, []byte{3}, third.Body)
}

func TestUnknownConsumerTagDropped(t *testing.T) {
	conn, b := dialTestBroker(t)
	ch := openTestChannel(t, conn, b)

	deliveries, tag := startConsumer(t, ch, b, "known", ConsumeOptions{AutoAck: true})

	// A delivery for a tag nobody registered is logged and dropped, not
	// fatal.
	b.deliver(1, "ctag-nobody", 1, []byte("stray"), 0)
	b.deliver(1, tag, 2, []byte("kept"), 0)

	d := waitFor(t, deliveries, "delivery after stray")
	assert.Equal(t, []byte("kept"), d.Body)
	assert.Equal(t, StateOpen, conn.State())
}

func TestGetOkAndGetEmpty(t *testing.T) {
	conn, b := dialTestBroker(t)
	ch := openTestChannel(t, conn, b)

	go func() {
		b.expectMethod(1, protocol.ClassBasic, protocol.MethodBasicGet)
		args := frame.NewArgWriter().
			Uint64(9).
			Bits(false).
			ShortString("").
			ShortString("inbox").
			Uint32(3).
			Bytes()
		b.sendMethod(1, protocol.ClassBasic, protocol.MethodBasicGetOk, args)
		b.sendContent(1, []byte("polled"), 0)

		b.expectMethod(1, protocol.ClassBasic, protocol.MethodBasicGet)
		b.sendMethod(1, protocol.ClassBasic, protocol.MethodBasicGetEmpty,
			frame.NewArgWriter().ShortString("").Bytes())
	}()

	d, ok, err := ch.Get("inbox", false)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("polled"), d.Body)
	assert.Equal(t, uint64(9), d.DeliveryTag)
	assert.Equal(t, uint32(3), d.MessageCount)

	d, ok, err = ch.Get("inbox", false)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, d)
}

func TestReturnedMessageReachesHandler(t *testing.T) {
	conn, b := dialTestBroker(t)
	ch := openTestChannel(t, conn, b)

	returns := make(chan Return, 1)
	ch.OnReturn(func(r Return) { returns <- r })

	args := frame.NewArgWriter().
		Uint16(protocol.ReplyNoRoute).
		ShortString("NO_ROUTE").
		ShortString("events").
		ShortString("nobody.listens").
		Bytes()
	b.sendMethod(1, protocol.ClassBasic, protocol.MethodBasicReturn, args)
	b.sendContent(1, []byte("lost"), 0)

	ret := waitFor(t, returns, "returned message")
	assert.Equal(t, uint16(protocol.ReplyNoRoute), ret.ReplyCode)
	assert.Equal(t, "events", ret.Exchange)
	assert.Equal(t, "nobody.listens", ret.RoutingKey)
	assert.Equal(t, []byte("lost"), ret.Body)
}

func TestServerCancelStopsConsumer(t *testing.T) {
	conn, b := dialTestBroker(t)
	ch := openTestChannel(t, conn, b)

	cancelled := make(chan string, 1)
	ch.OnCancel(func(tag string) { cancelled <- tag })

	deliveries, tag := startConsumer(t, ch, b, "doomed", ConsumeOptions{AutoAck: true})

	b.sendMethod(1, protocol.ClassBasic, protocol.MethodBasicCancel,
		frame.NewArgWriter().ShortString(tag).Bits(false).Bytes())

	m := b.expectMethod(1, protocol.ClassBasic, protocol.MethodBasicCancelOk)
	require.NotNil(t, m)
	assert.Equal(t, tag, frame.NewArgReader(m.Args).ShortString())

	assert.Equal(t, tag, waitFor(t, cancelled, "cancel notification"))

	_, open := <-deliveries
	assert.False(t, open, "delivery stream should close on server cancel")
}

func TestRecoverResetsDeliveryState(t *testing.T) {
	conn, b := dialTestBroker(t)
	ch := openTestChannel(t, conn, b)

	go func() {
		b.expectMethod(1, protocol.ClassBasic, protocol.MethodBasicQos)
		b.sendMethod(1, protocol.ClassBasic, protocol.MethodBasicQosOk, nil)
	}()
	require.NoError(t, ch.Qos(1, 0, false))

	deliveries, tag := startConsumer(t, ch, b, "work", ConsumeOptions{})
	b.deliver(1, tag, 1, []byte("one"), 0)
	waitFor(t, deliveries, "first delivery")

	require.NoError(t, ch.Recover(true))
	b.expectMethod(1, protocol.ClassBasic, protocol.MethodBasicRecover)
	b.sendMethod(1, protocol.ClassBasic, protocol.MethodBasicRecoverOk, nil)

	// The un-acked window was dropped, so a redelivery flows through
	// without an ack of the old tag.
	b.deliver(1, tag, 2, []byte("one again"), 0)
	d := waitFor(t, deliveries, "redelivery")
	assert.Equal(t, []byte("one again"), d.Body)
}
