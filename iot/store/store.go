/*Package store persists the fleet's devices, device groups, device statuses
and firmware version records.

The Store interface is implemented twice: Postgres for production and Memory
for tests and development. Lookups return nil without error when no entity
matches; callers decide whether absence is a problem.
*/
package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ConnectStatus is the connectivity state of a device.
type ConnectStatus string

// all connectivity states
const (
	StatusOnline       ConnectStatus = "online"
	StatusOffline      ConnectStatus = "offline"
	StatusConnecting   ConnectStatus = "connecting"
	StatusDisconnected ConnectStatus = "disconnected"
	StatusError        ConnectStatus = "error"
)

// Device is a registered fleet device. ChipID is the stable business key;
// the UUID is internal.
type Device struct {
	ID              uuid.UUID  `json:"id"`
	GroupID         *uuid.UUID `json:"group_id"`
	MacAddress      string     `json:"mac_address"`
	ChipID          string     `json:"chip_id"`
	ChipType        string     `json:"chip_type"`
	FirmwareVersion string     `json:"firmware_version"`
	Name            string     `json:"name"`
	Code            string     `json:"code"`
	Description     string     `json:"description"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`

	Status *DeviceStatus `json:"status,omitempty"`
}

// DeviceStatus is the one-to-one status record of a device. It is mutated
// exclusively by the event handlers and the firmware distributor.
type DeviceStatus struct {
	ID                      uuid.UUID     `json:"id"`
	DeviceID                uuid.UUID     `json:"device_id"`
	Status                  ConnectStatus `json:"status"`
	ErrMessage              string        `json:"err_message"`
	LastChunkSent           int           `json:"last_chunk_sent"`
	UpdateInProgress        bool          `json:"update_in_progress"`
	FirmwareUpdateCompleted bool          `json:"firmware_update_completed"`
	FirmwareVersionTarget   string        `json:"firmware_version_target"`
	CreatedAt               time.Time     `json:"created_at"`
	UpdatedAt               time.Time     `json:"updated_at"`
}

// Group is a logical collection of devices, unique by name and by code.
type Group struct {
	ID          uuid.UUID `json:"id"`
	Code        string    `json:"code"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	IsActive    bool      `json:"is_active"`
	IsUnique    bool      `json:"is_unique"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// FirmwareRecord is an uploaded firmware artifact. Src is the blob key of
// the binary; the file must not change while a transfer references it.
type FirmwareRecord struct {
	ID             uuid.UUID `json:"id"`
	Src            string    `json:"src"`
	Feature        string    `json:"feature"`
	Version        string    `json:"version"`
	IsCurrent      bool      `json:"is_current"`
	UploadedFromIP string    `json:"uploaded_from_ip"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Selection filters the device set targeted by a firmware distribution.
// A nil field means no constraint.
type Selection struct {
	GroupID  *uuid.UUID
	DeviceID *uuid.UUID
}

// Ops are the storage operations, available both directly on a Store and
// inside a transaction.
type Ops interface {
	DeviceByChipID(ctx context.Context, chipID string) (*Device, error)
	CreateDevice(ctx context.Context, device *Device) error
	UpdateDevice(ctx context.Context, device *Device) error
	CreateDeviceStatus(ctx context.Context, status *DeviceStatus) error
	UpdateDeviceStatus(ctx context.Context, status *DeviceStatus) error
	ListDevices(ctx context.Context, sel Selection) ([]Device, error)
	// DeviceChipIDs returns the chip identities matching the selection,
	// ordered by creation time for reproducible distribution runs.
	DeviceChipIDs(ctx context.Context, sel Selection) ([]string, error)

	GroupByName(ctx context.Context, name string) (*Group, error)
	CreateGroup(ctx context.Context, group *Group) error

	FirmwareByVersion(ctx context.Context, version string) (*FirmwareRecord, error)
	FirmwareByID(ctx context.Context, id uuid.UUID) (*FirmwareRecord, error)
	ListFirmware(ctx context.Context) ([]FirmwareRecord, error)
	CreateFirmware(ctx context.Context, record *FirmwareRecord) error
	DeleteFirmware(ctx context.Context, id uuid.UUID) error
}

// Tx is a transactional scope over the storage operations.
type Tx interface {
	Ops
	Commit() error
	Rollback() error
}

// Store is the full storage interface.
type Store interface {
	Ops
	Begin(ctx context.Context) (Tx, error)
	// AcquireDistributionLease takes an exclusive lease for distributing the
	// given firmware version. It returns ok=false without error when another
	// holder has the lease. The returned release function must be called
	// when ok is true.
	AcquireDistributionLease(ctx context.Context, version string) (release func(), ok bool, err error)
}

// NewID returns a new time-ordered UUID for entity identifiers.
func NewID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}

// NewCode returns a random upper-case hex display code of the given length.
func NewCode(length int) string {
	raw := make([]byte, (length+1)/2)
	if _, err := rand.Read(raw); err != nil {
		panic(err)
	}
	return strings.ToUpper(hex.EncodeToString(raw))[:length]
}

// NormalizeVersion strips a leading 'v' or 'V' and surrounding spaces so
// that "v1.2.0" and "1.2.0 " compare equal.
func NormalizeVersion(version string) string {
	version = strings.TrimSpace(version)
	version = strings.TrimLeft(version, "vV")
	return version
}

// SameVersion compares two firmware version strings ignoring a leading
// version prefix letter and case.
func SameVersion(a, b string) bool {
	return strings.EqualFold(NormalizeVersion(a), NormalizeVersion(b))
}

// leaseKey folds a version to the form that identifies its distribution
// lease, so case variants of one version contend for the same lease.
func leaseKey(version string) string {
	return strings.ToLower(NormalizeVersion(version))
}
