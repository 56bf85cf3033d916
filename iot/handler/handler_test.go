package handler

import (
	"context"
	"errors"
	"testing"

	"github.com/goccy/go-json"

	"github.com/fleetware-tech/fleetware/iot/events"
	"github.com/fleetware-tech/fleetware/iot/store"
)

func statusPayload(t *testing.T, report DeviceReport) []byte {
	t.Helper()
	payload, err := json.Marshal(Envelope{Device: report})
	if err != nil {
		t.Fatal(err)
	}
	return payload
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	s := store.NewMemory()
	_, err := NewRegistry(NewStatusHandler(s), NewStatusHandler(s))
	if err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

func TestRegistryDropsUnhandledTypes(t *testing.T) {
	registry, err := NewRegistry(NewStatusHandler(store.NewMemory()))
	if err != nil {
		t.Fatal(err)
	}
	if err := registry.Dispatch(context.Background(), events.TypeTelemetry, "device/42/telemetry", nil); err != nil {
		t.Fatalf("expected unhandled type to be dropped silently, got %v", err)
	}
}

func TestStatusRegistersUnknownDevice(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	h := NewStatusHandler(s)

	payload := statusPayload(t, DeviceReport{
		ChipID:          "chip-42",
		MacAddress:      "aa:bb:cc:dd:ee:ff",
		ChipType:        "esp32",
		FirmwareVersion: "1.0.0",
		GroupName:       "warehouse",
	})
	if err := h.Handle(ctx, "device/chip-42/status", payload); err != nil {
		t.Fatal(err)
	}

	device, err := s.DeviceByChipID(ctx, "chip-42")
	if err != nil {
		t.Fatal(err)
	}
	if device == nil {
		t.Fatal("expected device to be registered")
	}
	if device.FirmwareVersion != "1.0.0" || device.ChipType != "esp32" {
		t.Fatalf("unexpected device: %+v", device)
	}
	if len(device.Code) != deviceCodeLength {
		t.Fatalf("expected %d character code, got %q", deviceCodeLength, device.Code)
	}
	if device.Status == nil || device.Status.Status != store.StatusOnline {
		t.Fatalf("expected online status record, got %+v", device.Status)
	}
	group, _ := s.GroupByName(ctx, "warehouse")
	if group == nil || device.GroupID == nil || *device.GroupID != group.ID {
		t.Fatal("expected device to join the reported group")
	}
}

func TestStatusReusesExistingGroup(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	h := NewStatusHandler(s)

	for _, chipID := range []string{"chip-1", "chip-2"} {
		payload := statusPayload(t, DeviceReport{ChipID: chipID, GroupName: "warehouse"})
		if err := h.Handle(ctx, "device/"+chipID+"/status", payload); err != nil {
			t.Fatal(err)
		}
	}
	first, _ := s.DeviceByChipID(ctx, "chip-1")
	second, _ := s.DeviceByChipID(ctx, "chip-2")
	if *first.GroupID != *second.GroupID {
		t.Fatal("expected both devices in the same group")
	}
}

func TestStatusUpdatesKnownDevice(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	h := NewStatusHandler(s)

	h.Handle(ctx, "device/chip-42/status", statusPayload(t, DeviceReport{
		ChipID: "chip-42", FirmwareVersion: "1.0.0",
	}))

	// the device comes back in error, then reports a new firmware version
	device, _ := s.DeviceByChipID(ctx, "chip-42")
	device.Status.Status = store.StatusError
	device.Status.ErrMessage = "flash write failed"
	s.UpdateDeviceStatus(ctx, device.Status)

	if err := h.Handle(ctx, "device/chip-42/status", statusPayload(t, DeviceReport{
		ChipID: "chip-42", FirmwareVersion: "v1.1.0",
	})); err != nil {
		t.Fatal(err)
	}

	device, _ = s.DeviceByChipID(ctx, "chip-42")
	if device.FirmwareVersion != "v1.1.0" {
		t.Fatalf("expected firmware version update, got %q", device.FirmwareVersion)
	}
	if device.Status.Status != store.StatusOnline || device.Status.ErrMessage != "" {
		t.Fatalf("expected status back online, got %+v", device.Status)
	}

	// the same version under a different spelling is not a change
	h.Handle(ctx, "device/chip-42/status", statusPayload(t, DeviceReport{
		ChipID: "chip-42", FirmwareVersion: "V1.1.0",
	}))
	device, _ = s.DeviceByChipID(ctx, "chip-42")
	if device.FirmwareVersion != "v1.1.0" {
		t.Fatalf("expected version spelling to be kept, got %q", device.FirmwareVersion)
	}
}

func TestStatusResubmissionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	h := NewStatusHandler(s)

	payload := statusPayload(t, DeviceReport{
		ChipID: "chip-42", MacAddress: "aa:bb", FirmwareVersion: "1.0.0",
	})
	if err := h.Handle(ctx, "device/chip-42/status", payload); err != nil {
		t.Fatal(err)
	}
	before, _ := s.DeviceByChipID(ctx, "chip-42")

	if err := h.Handle(ctx, "device/chip-42/status", payload); err != nil {
		t.Fatal(err)
	}
	devices, _ := s.ListDevices(ctx, store.Selection{})
	if len(devices) != 1 {
		t.Fatalf("expected no duplicate device, got %d", len(devices))
	}
	after, _ := s.DeviceByChipID(ctx, "chip-42")
	if !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Fatal("expected unchanged report to leave the device record untouched")
	}
	if !after.Status.UpdatedAt.After(before.Status.UpdatedAt) && !after.Status.UpdatedAt.Equal(before.Status.UpdatedAt) {
		t.Fatal("expected the status timestamp touch")
	}
}

func TestStatusSwallowsBadPayload(t *testing.T) {
	h := NewStatusHandler(store.NewMemory())
	if err := h.Handle(context.Background(), "device/chip-42/status", []byte("not json")); err != nil {
		t.Fatalf("expected bad payload to be swallowed, got %v", err)
	}
}

func TestFirmwareErrorRequiresKnownDevice(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	h := NewFirmwareErrorHandler(s)

	payload, _ := json.Marshal(Envelope{
		Device:  DeviceReport{ChipID: "chip-42"},
		Details: &EventDetails{IsError: true, ErrorMessage: "chunk checksum mismatch"},
	})
	if err := h.Handle(ctx, "device/chip-42/error-update-firmware-device", payload); err == nil {
		t.Fatal("expected error for unknown device")
	}
}

func TestFirmwareErrorResetsTransferState(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	NewStatusHandler(s).Handle(ctx, "device/chip-42/status",
		statusPayload(t, DeviceReport{ChipID: "chip-42"}))

	device, _ := s.DeviceByChipID(ctx, "chip-42")
	device.Status.LastChunkSent = 2
	device.Status.UpdateInProgress = true
	device.Status.FirmwareVersionTarget = "1.1.0"
	s.UpdateDeviceStatus(ctx, device.Status)

	payload, _ := json.Marshal(Envelope{
		Device:  DeviceReport{ChipID: "chip-42"},
		Details: &EventDetails{IsError: true, ErrorMessage: "chunk checksum mismatch"},
	})
	h := NewFirmwareErrorHandler(s)
	if err := h.Handle(ctx, "device/chip-42/error-update-firmware-device", payload); err != nil {
		t.Fatal(err)
	}

	device, _ = s.DeviceByChipID(ctx, "chip-42")
	status := device.Status
	if status.Status != store.StatusError || status.ErrMessage != "chunk checksum mismatch" {
		t.Fatalf("expected error status with message, got %+v", status)
	}
	if status.LastChunkSent != 0 || status.UpdateInProgress || status.FirmwareUpdateCompleted {
		t.Fatalf("expected transfer state reset, got %+v", status)
	}
}

type countingForwarder struct {
	topics []string
	err    error
}

func (f *countingForwarder) Forward(ctx context.Context, topic string, payload []byte) error {
	f.topics = append(f.topics, topic)
	return f.err
}

func TestTelemetryForwarding(t *testing.T) {
	ctx := context.Background()

	// without a forwarder telemetry is acknowledged and dropped
	h := NewTelemetryHandler(nil)
	if err := h.Handle(ctx, "device/chip-42/telemetry", []byte(`{"t":21.5}`)); err != nil {
		t.Fatal(err)
	}

	forwarder := &countingForwarder{}
	h = NewTelemetryHandler(forwarder)
	if err := h.Handle(ctx, "device/chip-42/telemetry", []byte(`{"t":21.5}`)); err != nil {
		t.Fatal(err)
	}
	if len(forwarder.topics) != 1 || forwarder.topics[0] != "device/chip-42/telemetry" {
		t.Fatalf("expected one forwarded message, got %v", forwarder.topics)
	}

	forwarder.err = errors.New("sink unavailable")
	if err := h.Handle(ctx, "device/chip-42/telemetry", nil); err == nil {
		t.Fatal("expected forwarder error to propagate")
	}
}
