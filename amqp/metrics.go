package amqp

import "sync/atomic"

// MetricsCollector receives counters from the client. Implementations
// must be safe for concurrent use; every hook is called on hot paths.
type MetricsCollector interface {
	ConnectionOpened()
	ConnectionClosed()
	ChannelOpened()
	ChannelClosed()
	Published(bodyBytes int)
	Delivered(bodyBytes int)
	Acked()
	Nacked()
	Returned()
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) ConnectionOpened()   {}
func (NopMetrics) ConnectionClosed()   {}
func (NopMetrics) ChannelOpened()      {}
func (NopMetrics) ChannelClosed()      {}
func (NopMetrics) Published(int)       {}
func (NopMetrics) Delivered(int)       {}
func (NopMetrics) Acked()              {}
func (NopMetrics) Nacked()             {}
func (NopMetrics) Returned()           {}

// StandardMetrics counts with atomics.
type StandardMetrics struct {
	connections    atomic.Int64
	channels       atomic.Int64
	published      atomic.Uint64
	publishedBytes atomic.Uint64
	delivered      atomic.Uint64
	deliveredBytes atomic.Uint64
	acked          atomic.Uint64
	nacked         atomic.Uint64
	returned       atomic.Uint64
}

func NewStandardMetrics() *StandardMetrics {
	return &StandardMetrics{}
}

func (m *StandardMetrics) ConnectionOpened() { m.connections.Add(1) }
func (m *StandardMetrics) ConnectionClosed() { m.connections.Add(-1) }
func (m *StandardMetrics) ChannelOpened()    { m.channels.Add(1) }
func (m *StandardMetrics) ChannelClosed()    { m.channels.Add(-1) }

func (m *StandardMetrics) Published(bodyBytes int) {
	m.published.Add(1)
	m.publishedBytes.Add(uint64(bodyBytes))
}

func (m *StandardMetrics) Delivered(bodyBytes int) {
	m.delivered.Add(1)
	m.deliveredBytes.Add(uint64(bodyBytes))
}

func (m *StandardMetrics) Acked()    { m.acked.Add(1) }
func (m *StandardMetrics) Nacked()   { m.nacked.Add(1) }
func (m *StandardMetrics) Returned() { m.returned.Add(1) }

func (m *StandardMetrics) Connections() int64    { return m.connections.Load() }
func (m *StandardMetrics) Channels() int64       { return m.channels.Load() }
func (m *StandardMetrics) PublishedCount() uint64 { return m.published.Load() }
func (m *StandardMetrics) DeliveredCount() uint64 { return m.delivered.Load() }
func (m *StandardMetrics) AckedCount() uint64     { return m.acked.Load() }
func (m *StandardMetrics) NackedCount() uint64    { return m.nacked.Load() }
func (m *StandardMetrics) ReturnedCount() uint64  { return m.returned.Load() }
