package amqp

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStandardMetricsCounts(t *testing.T) {
	m := NewStandardMetrics()

	m.ConnectionOpened()
	m.ChannelOpened()
	m.ChannelOpened()
	m.ChannelClosed()
	m.Published(100)
	m.Published(50)
	m.Delivered(100)
	m.Acked()
	m.Nacked()
	m.Returned()

	assert.Equal(t, int64(1), m.Connections())
	assert.Equal(t, int64(1), m.Channels())
	assert.Equal(t, uint64(2), m.PublishedCount())
	assert.Equal(t, uint64(1), m.DeliveredCount())
	assert.Equal(t, uint64(1), m.AckedCount())
	assert.Equal(t, uint64(1), m.NackedCount())
	assert.Equal(t, uint64(1), m.ReturnedCount())
}

func TestStandardMetricsConcurrent(t *testing.T) {
	m := NewStandardMetrics()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				m.Published(1)
				m.Acked()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(8000), m.PublishedCount())
	assert.Equal(t, uint64(8000), m.AckedCount())
}
