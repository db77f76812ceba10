package amqp

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/chelsajoyful/amqp-client-go/internal/frame"
)

const defaultOutboundBuffer = 256

// outbound owns the write side of the transport. All frames funnel
// through its single writer goroutine, so concurrent publishers never
// interleave partial frames: a sequence enqueued together is written
// contiguously.
//
// Backpressure is advisory. When the queue crosses its high-water mark
// the controller flips into the pressured state; senders keep going (a
// full queue blocks rather than fails) and the drain callback fires once
// the queue has emptied again.
type outbound struct {
	w   *frame.Writer
	log *logrus.Entry

	queue     chan []*frame.Frame
	highWater int

	pressured atomic.Bool

	// onDrain and onError are set once before start; the connection
	// fans drain out to channel handlers and turns write errors into
	// connection teardown.
	onDrain func()
	onError func(error)

	stopOnce sync.Once
	stopped  chan struct{}
	done     chan struct{}
}

func newOutbound(w *frame.Writer, depth int, log *logrus.Entry) *outbound {
	if depth <= 0 {
		depth = defaultOutboundBuffer
	}
	return &outbound{
		w:         w,
		log:       log,
		queue:     make(chan []*frame.Frame, depth),
		highWater: depth * 3 / 4,
		stopped:   make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (o *outbound) start() {
	go o.run()
}

// send enqueues one atomic frame sequence. It blocks while the queue is
// full and fails only once the controller has stopped.
func (o *outbound) send(frames ...*frame.Frame) error {
	select {
	case <-o.stopped:
		return &ConnectionClosedError{Reason: &CloseReason{Text: "write after close"}}
	default:
	}

	select {
	case o.queue <- frames:
	default:
		// Queue full: raise pressure, then wait for room.
		o.pressured.Store(true)
		select {
		case o.queue <- frames:
		case <-o.stopped:
			return &ConnectionClosedError{Reason: &CloseReason{Text: "write after close"}}
		}
	}

	if len(o.queue) >= o.highWater {
		o.pressured.Store(true)
	}
	return nil
}

// pressure reports whether senders should back off until a drain event.
func (o *outbound) pressure() bool {
	return o.pressured.Load()
}

func (o *outbound) run() {
	defer close(o.done)

	for {
		select {
		case <-o.stopped:
			// Flush whatever was accepted before the stop.
			for {
				select {
				case frames := <-o.queue:
					if !o.writeSequence(frames) {
						return
					}
				default:
					o.w.Flush()
					return
				}
			}
		case frames := <-o.queue:
			if !o.writeSequence(frames) {
				return
			}
			if len(o.queue) == 0 {
				if err := o.w.Flush(); err != nil {
					o.fail(err)
					return
				}
				if o.pressured.CompareAndSwap(true, false) {
					o.onDrain()
				}
			}
		}
	}
}

func (o *outbound) writeSequence(frames []*frame.Frame) bool {
	for _, f := range frames {
		if err := o.w.WriteFrame(f); err != nil {
			o.fail(err)
			return false
		}
	}
	return true
}

func (o *outbound) fail(err error) {
	o.log.WithError(err).Debug("outbound write failed")
	o.stop()
	o.onError(err)
}

// stop refuses further sends; the writer goroutine drains what was
// already accepted, then exits.
func (o *outbound) stop() {
	o.stopOnce.Do(func() { close(o.stopped) })
}

// wait blocks until the writer goroutine has exited.
func (o *outbound) wait() {
	<-o.done
}
