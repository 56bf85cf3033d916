/*Package pipeline decouples message arrival on the broker from event
processing.

Arrivals go into a bounded queue; a single consumer resolves the event type
from the topic and hands the message to the dispatcher. When the queue is
full the enqueueing broker callback blocks, which pushes back on the
publishing clients instead of growing memory without bound.
*/
package pipeline

import (
	"context"
	"time"

	"github.com/fleetware-tech/fleetware/core/logger"
	"github.com/fleetware-tech/fleetware/iot/events"
)

// DefaultQueueCapacity bounds the queue when no capacity is configured.
const DefaultQueueCapacity = 100

// Message is one inbound publication.
type Message struct {
	Topic    string
	Payload  []byte
	Received time.Time
}

// Dispatcher processes one resolved event.
type Dispatcher interface {
	Dispatch(ctx context.Context, eventType events.Type, topic string, payload []byte) error
}

// Pipeline is the bounded ingestion queue with its single consumer.
type Pipeline struct {
	queue      chan Message
	dispatcher Dispatcher
}

// New returns a Pipeline with the given queue capacity; zero or negative
// capacity selects the default.
func New(dispatcher Dispatcher, capacity int) *Pipeline {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Pipeline{
		queue:      make(chan Message, capacity),
		dispatcher: dispatcher,
	}
}

// Enqueue adds the message to the queue. It blocks while the queue is full
// and returns false once ctx is cancelled.
func (p *Pipeline) Enqueue(ctx context.Context, msg Message) bool {
	if msg.Received.IsZero() {
		msg.Received = time.Now().UTC()
	}
	select {
	case p.queue <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

// Length returns the number of queued messages.
func (p *Pipeline) Length() int {
	return len(p.queue)
}

// Run consumes the queue until ctx is cancelled. Messages without a
// recognized event type are logged and dropped; dispatcher errors are logged
// and never stop the consumer.
func (p *Pipeline) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-p.queue:
			p.process(ctx, msg)
		}
	}
}

func (p *Pipeline) process(ctx context.Context, msg Message) {
	ctx, rlog := logger.ContextWithLogger(ctx)
	eventType, ok := events.Resolve(msg.Topic)
	if !ok {
		rlog.Warnf("no handler for topic %s, message dropped", msg.Topic)
		return
	}
	start := time.Now()
	if err := p.dispatcher.Dispatch(ctx, eventType, msg.Topic, msg.Payload); err != nil {
		rlog.WithError(err).Errorf("processing %s event from topic %s failed", eventType, msg.Topic)
		return
	}
	rlog.Debugf("processed %s event from topic %s in %v", eventType, msg.Topic, time.Since(start))
}
