package handler

import (
	"context"
	"strings"
	"time"

	"github.com/fleetware-tech/fleetware/core/logger"
	"github.com/fleetware-tech/fleetware/iot/events"
	"github.com/fleetware-tech/fleetware/iot/store"
)

const defaultGroupName = "Default"
const deviceCodeLength = 10

// StatusHandler registers unknown devices and keeps the record of known
// devices current. It never fails the pipeline: a processing error is
// logged, the report is marked as erroneous, and the message is considered
// handled.
type StatusHandler struct {
	store store.Store
}

// NewStatusHandler returns a StatusHandler over the given store.
func NewStatusHandler(s store.Store) *StatusHandler {
	return &StatusHandler{store: s}
}

// EventType implements Handler
func (h *StatusHandler) EventType() events.Type {
	return events.TypeStatus
}

// Handle implements Handler
func (h *StatusHandler) Handle(ctx context.Context, topic string, payload []byte) error {
	rlog := logger.FromContext(ctx)
	envelope, err := parseEnvelope(payload)
	if err != nil {
		rlog.WithError(err).Errorf("invalid status report on topic %s", topic)
		return nil
	}
	report := &envelope.Device
	if report.ChipID == "" {
		report.ChipID = chipIDFromTopic(topic)
	}
	if report.ChipID == "" {
		rlog.Errorf("status report on topic %s carries no chip identity", topic)
		return nil
	}
	if err := h.apply(ctx, report); err != nil {
		rlog.WithError(err).Errorf("could not process status report of chip %s", report.ChipID)
		report.Status = string(store.StatusError)
		report.ErrMessage = err.Error()
		return nil
	}
	rlog.Debugf("chip %s reported status, firmware %s", report.ChipID, report.FirmwareVersion)
	return nil
}

func (h *StatusHandler) apply(ctx context.Context, report *DeviceReport) error {
	device, err := h.store.DeviceByChipID(ctx, report.ChipID)
	if err != nil {
		return err
	}
	if device == nil {
		return h.register(ctx, report)
	}
	return h.update(ctx, device, report)
}

// register creates group, device and status record in one transaction.
func (h *StatusHandler) register(ctx context.Context, report *DeviceReport) error {
	tx, err := h.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	groupName := report.GroupName
	if groupName == "" {
		groupName = defaultGroupName
	}
	group, err := tx.GroupByName(ctx, groupName)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if group == nil {
		group = &store.Group{
			ID:          store.NewID(),
			Code:        store.NewCode(deviceCodeLength),
			Name:        groupName,
			Description: report.GroupDescription,
			IsActive:    true,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.CreateGroup(ctx, group); err != nil {
			return err
		}
	}

	name := report.Name
	if name == "" {
		name = report.ChipID
	}
	device := &store.Device{
		ID:              store.NewID(),
		GroupID:         &group.ID,
		MacAddress:      report.MacAddress,
		ChipID:          report.ChipID,
		ChipType:        report.ChipType,
		FirmwareVersion: report.FirmwareVersion,
		Name:            name,
		Code:            store.NewCode(deviceCodeLength),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := tx.CreateDevice(ctx, device); err != nil {
		return err
	}
	status := &store.DeviceStatus{
		ID:        store.NewID(),
		DeviceID:  device.ID,
		Status:    store.StatusOnline,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.CreateDeviceStatus(ctx, status); err != nil {
		return err
	}
	return tx.Commit()
}

// update touches the device record only when the report actually changes
// it; an unchanged report is just a status refresh.
func (h *StatusHandler) update(ctx context.Context, device *store.Device, report *DeviceReport) error {
	now := time.Now().UTC()
	changed := false
	if report.FirmwareVersion != "" && !store.SameVersion(device.FirmwareVersion, report.FirmwareVersion) {
		device.FirmwareVersion = report.FirmwareVersion
		changed = true
	}
	if report.MacAddress != "" && report.MacAddress != device.MacAddress {
		device.MacAddress = report.MacAddress
		changed = true
	}
	if report.ChipType != "" && report.ChipType != device.ChipType {
		device.ChipType = report.ChipType
		changed = true
	}
	if changed {
		device.UpdatedAt = now
		if err := h.store.UpdateDevice(ctx, device); err != nil {
			return err
		}
	}

	if device.Status == nil {
		return h.store.CreateDeviceStatus(ctx, &store.DeviceStatus{
			ID:        store.NewID(),
			DeviceID:  device.ID,
			Status:    store.StatusOnline,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	device.Status.Status = store.StatusOnline
	device.Status.ErrMessage = ""
	device.Status.UpdatedAt = now
	return h.store.UpdateDeviceStatus(ctx, device.Status)
}

// chipIDFromTopic extracts the chip identity from topics of the form
// prefix/{chipId}/{event}.
func chipIDFromTopic(topic string) string {
	segments := strings.Split(topic, "/")
	if len(segments) < 3 {
		return ""
	}
	return segments[len(segments)-2]
}
