// Package amqp is an AMQP 0-9-1 client: connections with negotiated
// tuning and heartbeats, multiplexed channels with strict FIFO request
// correlation, consumers with local prefetch enforcement, publisher
// confirms and structured close reasons.
//
// A Connection owns the transport. Its read loop dispatches every
// incoming frame; the outbound controller serializes every outgoing
// frame through one writer goroutine, raising a backpressure flag when
// its queue backs up and emitting a drain event when it clears.
//
// Channels are cheap and independent: a broker channel exception kills
// one channel and resolves the operation that provoked it with
// ChannelError, leaving siblings and the connection untouched. Callers
// distinguish clean from failed closure with CloseReason.Clean, never by
// matching reason text.
package amqp
