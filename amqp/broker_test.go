package amqp

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chelsajoyful/amqp-client-go/internal/frame"
	"github.com/chelsajoyful/amqp-client-go/internal/protocol"
)

// testBroker is a scripted broker on a loopback listener. Tests drive
// the client from the test goroutine and the broker side from script
// goroutines; the broker's frame reader and writer must only be touched
// from one script goroutine at a time.
type testBroker struct {
	t     *testing.T
	ln    net.Listener
	conn  net.Conn
	fr    *frame.Reader
	fw    *frame.Writer
	ready chan struct{}
}

func newTestBroker(t *testing.T) *testBroker {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	b := &testBroker{t: t, ln: ln, ready: make(chan struct{})}
	t.Cleanup(func() {
		ln.Close()
		if b.conn != nil {
			b.conn.Close()
		}
	})
	return b
}

func (b *testBroker) port() int {
	return b.ln.Addr().(*net.TCPAddr).Port
}

// accept takes the next client connection without any protocol
// exchange; tests that script a broken handshake start from here.
func (b *testBroker) accept() {
	conn, err := b.ln.Accept()
	if err != nil {
		b.t.Errorf("broker accept: %v", err)
		return
	}
	b.conn = conn
	b.fr = frame.NewReader(conn, 131072)
	b.fw = frame.NewWriter(conn, 131072)
	close(b.ready)
}

// handshake plays the broker side of the opening sequence through
// open-ok. heartbeat is in seconds, zero disables.
func (b *testBroker) handshake(heartbeat uint16) {
	b.accept()
	if b.conn == nil {
		return
	}

	header := make([]byte, 8)
	if _, err := io.ReadFull(b.conn, header); err != nil {
		b.t.Errorf("broker read protocol header: %v", err)
		return
	}
	if string(header) != protocol.ProtocolHeader {
		b.t.Errorf("bad protocol header %q", header)
		return
	}

	start := frame.NewArgWriter().
		Uint8(0).Uint8(9).
		Table(Table{"product": "test-broker"}).
		LongString([]byte("PLAIN AMQPLAIN")).
		LongString([]byte("en_US")).
		Bytes()
	b.sendMethod(0, protocol.ClassConnection, protocol.MethodConnectionStart, start)
	b.expectMethod(0, protocol.ClassConnection, protocol.MethodConnectionStartOk)

	tune := frame.NewArgWriter().
		Uint16(2047).
		Uint32(131072).
		Uint16(heartbeat).
		Bytes()
	b.sendMethod(0, protocol.ClassConnection, protocol.MethodConnectionTune, tune)
	b.expectMethod(0, protocol.ClassConnection, protocol.MethodConnectionTuneOk)

	b.expectMethod(0, protocol.ClassConnection, protocol.MethodConnectionOpen)
	b.sendMethod(0, protocol.ClassConnection, protocol.MethodConnectionOpenOk,
		frame.NewArgWriter().ShortString("").Bytes())
}

func (b *testBroker) sendMethod(channel, classID, methodID uint16, args []byte) {
	b.sendFrame(frame.NewMethod(channel, classID, methodID, args))
}

func (b *testBroker) sendFrame(f *frame.Frame) {
	if err := b.fw.WriteFrame(f); err != nil {
		b.t.Errorf("broker write %v: %v", f, err)
		return
	}
	if err := b.fw.Flush(); err != nil {
		b.t.Errorf("broker flush: %v", err)
	}
}

// expectMethod reads the next method frame, skipping heartbeats, and
// asserts its identity.
func (b *testBroker) expectMethod(channel, classID, methodID uint16) *frame.Method {
	for {
		f, err := b.fr.Next()
		if err != nil {
			b.t.Errorf("broker read (want %d.%d): %v", classID, methodID, err)
			return nil
		}
		if f.Type == protocol.FrameHeartbeat {
			continue
		}
		m, err := f.Method()
		if err != nil {
			b.t.Errorf("broker decode: %v", err)
			return nil
		}
		if f.ChannelID != channel || m.ClassID != classID || m.MethodID != methodID {
			b.t.Errorf("broker got %d.%d on channel %d, want %d.%d on channel %d",
				m.ClassID, m.MethodID, f.ChannelID, classID, methodID, channel)
			return nil
		}
		return m
	}
}

// expectContent reads the header and body frames that follow a publish
// method, returning the reassembled body.
func (b *testBroker) expectContent(channel uint16) []byte {
	f, err := b.fr.Next()
	if err != nil {
		b.t.Errorf("broker read content header: %v", err)
		return nil
	}
	h, err := f.Header()
	if err != nil || f.ChannelID != channel {
		b.t.Errorf("broker expected content header on channel %d, got %v (%v)", channel, f, err)
		return nil
	}
	body := make([]byte, 0, h.BodySize)
	for uint64(len(body)) < h.BodySize {
		f, err := b.fr.Next()
		if err != nil || f.Type != protocol.FrameBody {
			b.t.Errorf("broker expected body frame, got %v (%v)", f, err)
			return nil
		}
		body = append(body, f.Payload...)
	}
	return body
}

// acceptChannelOpen services the client's channel.open for the given id.
func (b *testBroker) acceptChannelOpen(channel uint16) {
	b.expectMethod(channel, protocol.ClassChannel, protocol.MethodChannelOpen)
	b.sendMethod(channel, protocol.ClassChannel, protocol.MethodChannelOpenOk,
		frame.NewArgWriter().LongString(nil).Bytes())
}

// acceptConnectionClose services the client's clean shutdown.
func (b *testBroker) acceptConnectionClose() {
	b.expectMethod(0, protocol.ClassConnection, protocol.MethodConnectionClose)
	b.sendMethod(0, protocol.ClassConnection, protocol.MethodConnectionCloseOk, nil)
}

// deliver pushes one basic.deliver with its content, body split into
// chunks of chunk bytes (0 for a single frame).
func (b *testBroker) deliver(channel uint16, ctag string, tag uint64, body []byte, chunk int) {
	args := frame.NewArgWriter().
		ShortString(ctag).
		Uint64(tag).
		Bits(false).
		ShortString("").
		ShortString("test-queue").
		Bytes()
	b.sendMethod(channel, protocol.ClassBasic, protocol.MethodBasicDeliver, args)
	b.sendContent(channel, body, chunk)
}

func (b *testBroker) sendContent(channel uint16, body []byte, chunk int) {
	props, err := encodeProperties(Properties{ContentType: "text/plain"})
	if err != nil {
		b.t.Errorf("encode properties: %v", err)
		return
	}
	b.sendFrame(frame.NewContentHeader(channel, uint64(len(body)), props))
	if chunk <= 0 {
		chunk = len(body)
	}
	for off := 0; off < len(body); off += chunk {
		end := off + chunk
		if end > len(body) {
			end = len(body)
		}
		b.sendFrame(frame.NewBody(channel, body[off:end]))
	}
}

// dialTestBroker wires a client to a scripted broker that has already
// completed the handshake.
func dialTestBroker(t *testing.T, opts ...Option) (*Connection, *testBroker) {
	t.Helper()
	b := newTestBroker(t)
	go b.handshake(0)

	base := []Option{
		WithAddress("127.0.0.1", b.port()),
		WithHeartbeat(0),
		WithDialAttempts(1),
	}
	cfg := NewConfig(append(base, opts...)...)

	conn, err := Connect(context.Background(), cfg)
	require.NoError(t, err)
	<-b.ready
	t.Cleanup(func() { conn.teardown(&ConnectionClosedError{Reason: &CloseReason{Code: protocol.ReplySuccess, Text: "test over"}}) })
	return conn, b
}

// openTestChannel opens one channel with the broker scripted to accept.
func openTestChannel(t *testing.T, conn *Connection, b *testBroker) *Channel {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.acceptChannelOpen(1)
	}()
	ch, err := conn.Channel()
	require.NoError(t, err)
	<-done
	return ch
}

// waitFor fails the test if ch does not yield within two seconds.
func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}
