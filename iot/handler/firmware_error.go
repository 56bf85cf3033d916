package handler

import (
	"context"
	"fmt"
	"time"

	"github.com/fleetware-tech/fleetware/core/logger"
	"github.com/fleetware-tech/fleetware/iot/events"
	"github.com/fleetware-tech/fleetware/iot/store"
)

// FirmwareErrorHandler records a failed firmware transfer reported by a
// device. Unlike the status handler it propagates errors: a failure report
// that cannot be recorded must surface.
type FirmwareErrorHandler struct {
	store store.Store
}

// NewFirmwareErrorHandler returns a FirmwareErrorHandler over the given store.
func NewFirmwareErrorHandler(s store.Store) *FirmwareErrorHandler {
	return &FirmwareErrorHandler{store: s}
}

// EventType implements Handler
func (h *FirmwareErrorHandler) EventType() events.Type {
	return events.TypeErrorUpdateFirmwareDevice
}

// Handle implements Handler
func (h *FirmwareErrorHandler) Handle(ctx context.Context, topic string, payload []byte) error {
	rlog := logger.FromContext(ctx)
	envelope, err := parseEnvelope(payload)
	if err != nil {
		return err
	}
	chipID := envelope.Device.ChipID
	if chipID == "" {
		chipID = chipIDFromTopic(topic)
	}
	device, err := h.store.DeviceByChipID(ctx, chipID)
	if err != nil {
		return err
	}
	if device == nil || device.Status == nil {
		return fmt.Errorf("firmware error report for unknown chip %s", chipID)
	}

	message := envelope.Device.ErrMessage
	if envelope.Details != nil && envelope.Details.ErrorMessage != "" {
		message = envelope.Details.ErrorMessage
	}

	status := device.Status
	status.Status = store.StatusError
	status.ErrMessage = message
	status.LastChunkSent = 0
	status.UpdateInProgress = false
	status.FirmwareUpdateCompleted = false
	status.UpdatedAt = time.Now().UTC()
	if err := h.store.UpdateDeviceStatus(ctx, status); err != nil {
		return err
	}
	rlog.Warnf("chip %s reported firmware update failure: %s", chipID, message)
	return nil
}
