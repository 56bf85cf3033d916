package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fleetware-tech/fleetware/iot/events"
)

type recordingDispatcher struct {
	mu       sync.Mutex
	received []events.Type
	topics   []string
	err      error
	done     chan struct{}
}

func newRecordingDispatcher(expect int) *recordingDispatcher {
	return &recordingDispatcher{done: make(chan struct{}, expect)}
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, eventType events.Type, topic string, payload []byte) error {
	d.mu.Lock()
	d.received = append(d.received, eventType)
	d.topics = append(d.topics, topic)
	d.mu.Unlock()
	d.done <- struct{}{}
	return d.err
}

func (d *recordingDispatcher) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-d.done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for message %d", i+1)
		}
	}
}

func TestPipelineDispatchesInOrder(t *testing.T) {
	dispatcher := newRecordingDispatcher(3)
	p := New(dispatcher, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.Enqueue(ctx, Message{Topic: "device/42/status", Payload: []byte(`{}`)})
	p.Enqueue(ctx, Message{Topic: "device/42/telemetry", Payload: []byte(`{}`)})
	p.Enqueue(ctx, Message{Topic: "device/42/error-update-firmware-device", Payload: []byte(`{}`)})
	dispatcher.wait(t, 3)

	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()
	want := []events.Type{events.TypeStatus, events.TypeTelemetry, events.TypeErrorUpdateFirmwareDevice}
	for i, eventType := range want {
		if dispatcher.received[i] != eventType {
			t.Fatalf("expected %v at %d, got %v", eventType, i, dispatcher.received[i])
		}
	}
}

func TestPipelineDropsUnroutableTopics(t *testing.T) {
	dispatcher := newRecordingDispatcher(1)
	p := New(dispatcher, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.Enqueue(ctx, Message{Topic: "device/42/bogus", Payload: []byte(`{}`)})
	p.Enqueue(ctx, Message{Topic: "device/42/status", Payload: []byte(`{}`)})
	dispatcher.wait(t, 1)

	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()
	if len(dispatcher.received) != 1 || dispatcher.received[0] != events.TypeStatus {
		t.Fatalf("expected only the status event, got %v", dispatcher.received)
	}
}

func TestPipelineSurvivesDispatcherErrors(t *testing.T) {
	dispatcher := newRecordingDispatcher(2)
	dispatcher.err = errors.New("handler failed")
	p := New(dispatcher, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.Enqueue(ctx, Message{Topic: "device/42/status", Payload: []byte(`{}`)})
	p.Enqueue(ctx, Message{Topic: "device/43/status", Payload: []byte(`{}`)})
	dispatcher.wait(t, 2)

	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()
	if len(dispatcher.received) != 2 {
		t.Fatalf("expected both messages processed, got %d", len(dispatcher.received))
	}
}

func TestEnqueueBlocksWhenFull(t *testing.T) {
	dispatcher := newRecordingDispatcher(0)
	p := New(dispatcher, 1)
	// no consumer running

	ctx := context.Background()
	if !p.Enqueue(ctx, Message{Topic: "device/42/status"}) {
		t.Fatal("expected first enqueue to succeed")
	}

	blocked, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if p.Enqueue(blocked, Message{Topic: "device/43/status"}) {
		t.Fatal("expected enqueue into a full queue to block until cancellation")
	}
	if p.Length() != 1 {
		t.Fatalf("expected one queued message, got %d", p.Length())
	}
}
