/*Package firmware distributes uploaded firmware binaries to fleet devices
in fixed-size chunks.

A distribution run works through its target devices one at a time, each in
its own transaction, and persists per-device progress counters. Re-running a
run after a crash or network outage resumes exactly where each device
stopped; devices that already completed or already carry the target version
are skipped.
*/
package firmware

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/fleetware-tech/fleetware/core/blob"
	"github.com/fleetware-tech/fleetware/core/logger"
	"github.com/fleetware-tech/fleetware/iot/store"
)

// distribution defaults, tuned for constrained devices
const (
	DefaultChunkSize    = 2048
	DefaultMaxRetries   = 3
	DefaultRetryBackoff = 200 * time.Millisecond
	DefaultChunkPacing  = 250 * time.Millisecond
)

// ErrAlreadyRunning is returned when another distribution of the same
// version holds the lease.
var ErrAlreadyRunning = errors.New("a distribution of this firmware version is already running")

// Sender delivers a payload to the chip's current session. It reports
// success or failure; delivery must not panic or block forever.
type Sender interface {
	SendEventToChip(ctx context.Context, chipID string, payload []byte) bool
}

// Config are the distribution tuning knobs. Zero values select the
// defaults; a negative duration disables the delay.
type Config struct {
	ChunkSize    int
	MaxRetries   int
	RetryBackoff time.Duration
	ChunkPacing  time.Duration
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = DefaultRetryBackoff
	} else if c.RetryBackoff < 0 {
		c.RetryBackoff = 0
	}
	if c.ChunkPacing == 0 {
		c.ChunkPacing = DefaultChunkPacing
	} else if c.ChunkPacing < 0 {
		c.ChunkPacing = 0
	}
	return c
}

// Distributor runs firmware distributions.
type Distributor struct {
	store     store.Store
	artifacts blob.Driver
	sender    Sender
	cfg       Config
}

// New returns a Distributor.
func New(s store.Store, artifacts blob.Driver, sender Sender, cfg Config) *Distributor {
	return &Distributor{store: s, artifacts: artifacts, sender: sender, cfg: cfg.withDefaults()}
}

// chunkMessage is the outbound payload of one firmware chunk.
type chunkMessage struct {
	EventType string       `json:"eventType"`
	Timestamp time.Time    `json:"timestamp"`
	Details   chunkDetails `json:"details"`
}

type chunkDetails struct {
	FirmwareVersion string `json:"firmwareVersion"`
	PartIndex       int    `json:"partIndex"`
	TotalParts      int    `json:"totalParts"`
	Base64Part      string `json:"base64Part"`
}

// Distribute sends the firmware version to all devices matching the
// selection. It returns ErrAlreadyRunning when the version's lease is held.
// Cancellation is honored between devices, not within a device's chunk
// loop.
func (d *Distributor) Distribute(ctx context.Context, version string, sel store.Selection) error {
	rlog := logger.FromContext(ctx)

	record, err := d.store.FirmwareByVersion(ctx, version)
	if err != nil {
		return err
	}
	if record == nil {
		rlog.Errorf("no firmware record for version %s, nothing to distribute", version)
		return fmt.Errorf("unknown firmware version %s", version)
	}

	data, err := d.artifacts.Download(ctx, record.Src)
	if err != nil {
		return fmt.Errorf("cannot read firmware binary %s: %w", record.Src, err)
	}
	totalParts := (len(data) + d.cfg.ChunkSize - 1) / d.cfg.ChunkSize
	if totalParts == 0 {
		return fmt.Errorf("firmware binary %s is empty", record.Src)
	}

	release, ok, err := d.store.AcquireDistributionLease(ctx, record.Version)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAlreadyRunning
	}
	defer release()

	chipIDs, err := d.store.DeviceChipIDs(ctx, sel)
	if err != nil {
		return err
	}
	rlog.Infof("distributing firmware %s (%d bytes, %d parts) to %d devices",
		record.Version, len(data), totalParts, len(chipIDs))

	for _, chipID := range chipIDs {
		if ctx.Err() != nil {
			rlog.Infof("distribution of firmware %s cancelled", record.Version)
			return ctx.Err()
		}
		if err := d.distributeToDevice(ctx, chipID, record, data, totalParts); err != nil {
			rlog.WithError(err).Errorf("distribution to chip %s failed, continuing with next device", chipID)
		}
	}
	return nil
}

// distributeToDevice processes one device inside its own transaction. Both
// a completed and a paused transfer commit; only processing errors roll
// back.
func (d *Distributor) distributeToDevice(ctx context.Context, chipID string,
	record *store.FirmwareRecord, data []byte, totalParts int) error {
	rlog := logger.FromContext(ctx)

	tx, err := d.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	device, err := tx.DeviceByChipID(ctx, chipID)
	if err != nil {
		return err
	}
	if device == nil || device.Status == nil {
		rlog.Warnf("chip %s has no device or status record, skipped", chipID)
		return tx.Commit()
	}
	status := device.Status
	switch {
	case status.LastChunkSent >= totalParts && status.UpdateInProgress:
		rlog.Debugf("chip %s is at the completion boundary, skipped", chipID)
		return tx.Commit()
	case status.FirmwareUpdateCompleted:
		rlog.Debugf("chip %s already completed an update, skipped", chipID)
		return tx.Commit()
	case store.SameVersion(device.FirmwareVersion, record.Version):
		rlog.Debugf("chip %s already runs firmware %s, skipped", chipID, record.Version)
		return tx.Commit()
	}

	now := time.Now().UTC()
	status.UpdateInProgress = true
	status.FirmwareVersionTarget = record.Version
	status.UpdatedAt = now
	if err := tx.UpdateDeviceStatus(ctx, status); err != nil {
		return err
	}

	startChunk := status.LastChunkSent + 1
	rlog.Infof("sending firmware %s parts %d..%d to chip %s", record.Version, startChunk, totalParts, chipID)
	for partIndex := startChunk; partIndex <= totalParts; partIndex++ {
		payload, err := d.chunkPayload(record.Version, data, partIndex, totalParts)
		if err != nil {
			return err
		}
		if !d.sendWithRetries(ctx, chipID, payload) {
			// leave lastChunkSent untouched so the next run resumes here
			rlog.Warnf("part %d/%d undeliverable to chip %s, transfer paused", partIndex, totalParts, chipID)
			break
		}
		status.LastChunkSent = partIndex
		status.UpdatedAt = time.Now().UTC()
		if err := tx.UpdateDeviceStatus(ctx, status); err != nil {
			return err
		}
		if partIndex < totalParts {
			time.Sleep(d.cfg.ChunkPacing)
		}
	}

	if status.LastChunkSent >= totalParts {
		device.FirmwareVersion = record.Version
		device.UpdatedAt = time.Now().UTC()
		if err := tx.UpdateDevice(ctx, device); err != nil {
			return err
		}
		status.UpdateInProgress = false
		status.FirmwareUpdateCompleted = true
		status.UpdatedAt = device.UpdatedAt
		if err := tx.UpdateDeviceStatus(ctx, status); err != nil {
			return err
		}
		rlog.Infof("chip %s completed firmware %s", chipID, record.Version)
	}
	return tx.Commit()
}

func (d *Distributor) chunkPayload(version string, data []byte, partIndex, totalParts int) ([]byte, error) {
	from := (partIndex - 1) * d.cfg.ChunkSize
	to := from + d.cfg.ChunkSize
	if to > len(data) {
		to = len(data)
	}
	return json.Marshal(chunkMessage{
		EventType: "UpdateFirmwareDevice",
		Timestamp: time.Now().UTC(),
		Details: chunkDetails{
			FirmwareVersion: version,
			PartIndex:       partIndex,
			TotalParts:      totalParts,
			Base64Part:      base64.StdEncoding.EncodeToString(data[from:to]),
		},
	})
}

func (d *Distributor) sendWithRetries(ctx context.Context, chipID string, payload []byte) bool {
	for attempt := 1; attempt <= d.cfg.MaxRetries; attempt++ {
		if d.sender.SendEventToChip(ctx, chipID, payload) {
			return true
		}
		if attempt < d.cfg.MaxRetries {
			time.Sleep(d.cfg.RetryBackoff)
		}
	}
	return false
}
