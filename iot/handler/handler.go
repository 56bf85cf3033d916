/*Package handler processes the fleet's device events.

Each event type has one Handler; the Registry maps resolved event types to
their handler and acts as the pipeline's dispatcher.
*/
package handler

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/fleetware-tech/fleetware/core/logger"
	"github.com/fleetware-tech/fleetware/iot/events"
)

// Handler processes events of a single type.
type Handler interface {
	EventType() events.Type
	Handle(ctx context.Context, topic string, payload []byte) error
}

// Registry maps event types to their handler. It is built once at startup
// and read-only afterwards.
type Registry struct {
	handlers map[events.Type]Handler
}

// NewRegistry returns a Registry over the given handlers. Registering two
// handlers for the same event type is a programming error.
func NewRegistry(handlers ...Handler) (*Registry, error) {
	r := &Registry{handlers: make(map[events.Type]Handler, len(handlers))}
	for _, h := range handlers {
		if _, ok := r.handlers[h.EventType()]; ok {
			return nil, fmt.Errorf("duplicate handler for event type %s", h.EventType())
		}
		r.handlers[h.EventType()] = h
	}
	return r, nil
}

// Dispatch routes the event to its handler. Events without a handler are
// logged and dropped.
func (r *Registry) Dispatch(ctx context.Context, eventType events.Type, topic string, payload []byte) error {
	h, ok := r.handlers[eventType]
	if !ok {
		logger.FromContext(ctx).Warnf("no handler registered for event type %s, message dropped", eventType)
		return nil
	}
	return h.Handle(ctx, topic, payload)
}

// DeviceReport is the device portion of an inbound event envelope.
type DeviceReport struct {
	ChipID           string `json:"chipId"`
	MacAddress       string `json:"macAddress"`
	ChipType         string `json:"chipType"`
	Name             string `json:"name"`
	GroupName        string `json:"groupName"`
	GroupDescription string `json:"groupDescription"`
	FirmwareVersion  string `json:"firmwareVersion"`
	Status           string `json:"status"`
	ErrMessage       string `json:"errMessage"`
}

// EventDetails carries the type-specific portion of an inbound envelope.
type EventDetails struct {
	IsError         bool   `json:"isError,omitempty"`
	ErrorMessage    string `json:"errorMessage,omitempty"`
	FirmwareVersion string `json:"firmwareVersion,omitempty"`
	PartIndex       int    `json:"partIndex,omitempty"`
	TotalParts      int    `json:"totalParts,omitempty"`
}

// Envelope is an inbound device event.
type Envelope struct {
	Device    DeviceReport  `json:"device"`
	Timestamp time.Time     `json:"timestamp"`
	Details   *EventDetails `json:"details,omitempty"`
}

func parseEnvelope(payload []byte) (*Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("cannot parse event envelope: %w", err)
	}
	return &envelope, nil
}
