package handler

import (
	"context"

	"github.com/fleetware-tech/fleetware/core/logger"
	"github.com/fleetware-tech/fleetware/iot/events"
)

// Forwarder hands raw telemetry bytes to a downstream sink.
type Forwarder interface {
	Forward(ctx context.Context, topic string, payload []byte) error
}

// TelemetryHandler accepts telemetry messages. Telemetry is not interpreted
// here; with a configured forwarder the raw bytes go downstream, without one
// the message is acknowledged and dropped.
type TelemetryHandler struct {
	forwarder Forwarder
}

// NewTelemetryHandler returns a TelemetryHandler. A nil forwarder is valid.
func NewTelemetryHandler(forwarder Forwarder) *TelemetryHandler {
	return &TelemetryHandler{forwarder: forwarder}
}

// EventType implements Handler
func (h *TelemetryHandler) EventType() events.Type {
	return events.TypeTelemetry
}

// Handle implements Handler
func (h *TelemetryHandler) Handle(ctx context.Context, topic string, payload []byte) error {
	rlog := logger.FromContext(ctx)
	if h.forwarder == nil {
		rlog.Debugf("telemetry processing not supported, dropping %d bytes from topic %s", len(payload), topic)
		return nil
	}
	return h.forwarder.Forward(ctx, topic, payload)
}
