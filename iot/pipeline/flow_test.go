package pipeline_test

import (
	"context"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/fleetware-tech/fleetware/iot/handler"
	"github.com/fleetware-tech/fleetware/iot/pipeline"
	"github.com/fleetware-tech/fleetware/iot/store"
)

// The full inbound flow: a published status report travels through the
// queue and the handler registry into the store.
func TestStatusReportFlow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := store.NewMemory()
	registry, err := handler.NewRegistry(
		handler.NewStatusHandler(s),
		handler.NewFirmwareErrorHandler(s),
		handler.NewTelemetryHandler(nil),
	)
	require.NoError(t, err)

	p := pipeline.New(registry, 10)
	go p.Run(ctx)

	payload, err := json.Marshal(handler.Envelope{
		Device: handler.DeviceReport{
			ChipID:          "ABC123",
			MacAddress:      "aa:bb:cc:dd:ee:ff",
			FirmwareVersion: "1.0.0",
			GroupName:       "Line-1",
		},
		Timestamp: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.True(t, p.Enqueue(ctx, pipeline.Message{Topic: "device/ABC123/status", Payload: payload}))

	require.Eventually(t, func() bool {
		device, err := s.DeviceByChipID(ctx, "ABC123")
		return err == nil && device != nil && device.Status != nil
	}, 2*time.Second, 10*time.Millisecond)

	device, err := s.DeviceByChipID(ctx, "ABC123")
	require.NoError(t, err)
	require.Equal(t, store.StatusOnline, device.Status.Status)
	require.Equal(t, "1.0.0", device.FirmwareVersion)

	group, err := s.GroupByName(ctx, "Line-1")
	require.NoError(t, err)
	require.NotNil(t, group)
	require.Equal(t, group.ID, *device.GroupID)
}
