package store

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Memory is an in-process Store for tests and development. Transactions are
// serialized; Begin blocks until the previous transaction has finished.
type Memory struct {
	mu   sync.RWMutex
	txMu sync.Mutex

	devices  map[uuid.UUID]*Device
	statuses map[uuid.UUID]*DeviceStatus // keyed by device id
	groups   map[uuid.UUID]*Group
	firmware map[uuid.UUID]*FirmwareRecord

	leaseMu sync.Mutex
	leases  map[string]bool
}

// NewMemory returns an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{
		devices:  map[uuid.UUID]*Device{},
		statuses: map[uuid.UUID]*DeviceStatus{},
		groups:   map[uuid.UUID]*Group{},
		firmware: map[uuid.UUID]*FirmwareRecord{},
		leases:   map[string]bool{},
	}
}

func cloneDevice(d *Device) *Device {
	c := *d
	if d.GroupID != nil {
		groupID := *d.GroupID
		c.GroupID = &groupID
	}
	c.Status = nil
	return &c
}

func cloneStatus(s *DeviceStatus) *DeviceStatus {
	c := *s
	return &c
}

// DeviceByChipID implements Ops
func (m *Memory) DeviceByChipID(ctx context.Context, chipID string) (*Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.devices {
		if d.ChipID == chipID {
			device := cloneDevice(d)
			if s, ok := m.statuses[d.ID]; ok {
				device.Status = cloneStatus(s)
			}
			return device, nil
		}
	}
	return nil, nil
}

// CreateDevice implements Ops
func (m *Memory) CreateDevice(ctx context.Context, device *Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[device.ID] = cloneDevice(device)
	return nil
}

// UpdateDevice implements Ops
func (m *Memory) UpdateDevice(ctx context.Context, device *Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.devices[device.ID]; ok {
		updated := cloneDevice(device)
		updated.CreatedAt = existing.CreatedAt
		updated.Code = existing.Code
		m.devices[device.ID] = updated
	}
	return nil
}

// CreateDeviceStatus implements Ops
func (m *Memory) CreateDeviceStatus(ctx context.Context, status *DeviceStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[status.DeviceID] = cloneStatus(status)
	return nil
}

// UpdateDeviceStatus implements Ops
func (m *Memory) UpdateDeviceStatus(ctx context.Context, status *DeviceStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.statuses[status.DeviceID]; ok {
		m.statuses[status.DeviceID] = cloneStatus(status)
	}
	return nil
}

func (m *Memory) selectedDevices(sel Selection) []*Device {
	selected := []*Device{}
	for _, d := range m.devices {
		if sel.GroupID != nil && (d.GroupID == nil || *d.GroupID != *sel.GroupID) {
			continue
		}
		if sel.DeviceID != nil && d.ID != *sel.DeviceID {
			continue
		}
		selected = append(selected, d)
	}
	sort.Slice(selected, func(i, j int) bool {
		return selected[i].CreatedAt.Before(selected[j].CreatedAt)
	})
	return selected
}

// ListDevices implements Ops
func (m *Memory) ListDevices(ctx context.Context, sel Selection) ([]Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	devices := []Device{}
	for _, d := range m.selectedDevices(sel) {
		device := cloneDevice(d)
		if s, ok := m.statuses[d.ID]; ok {
			device.Status = cloneStatus(s)
		}
		devices = append(devices, *device)
	}
	return devices, nil
}

// DeviceChipIDs implements Ops
func (m *Memory) DeviceChipIDs(ctx context.Context, sel Selection) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chipIDs := []string{}
	for _, d := range m.selectedDevices(sel) {
		chipIDs = append(chipIDs, d.ChipID)
	}
	return chipIDs, nil
}

// GroupByName implements Ops
func (m *Memory) GroupByName(ctx context.Context, name string) (*Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, g := range m.groups {
		if g.Name == name {
			group := *g
			return &group, nil
		}
	}
	return nil, nil
}

// CreateGroup implements Ops
func (m *Memory) CreateGroup(ctx context.Context, group *Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g := *group
	m.groups[group.ID] = &g
	return nil
}

// FirmwareByVersion implements Ops
func (m *Memory) FirmwareByVersion(ctx context.Context, version string) (*FirmwareRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.firmware {
		if SameVersion(r.Version, version) {
			record := *r
			return &record, nil
		}
	}
	return nil, nil
}

// FirmwareByID implements Ops
func (m *Memory) FirmwareByID(ctx context.Context, id uuid.UUID) (*FirmwareRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.firmware[id]; ok {
		record := *r
		return &record, nil
	}
	return nil, nil
}

// ListFirmware implements Ops
func (m *Memory) ListFirmware(ctx context.Context) ([]FirmwareRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	records := []FirmwareRecord{}
	for _, r := range m.firmware {
		records = append(records, *r)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records, nil
}

// CreateFirmware implements Ops
func (m *Memory) CreateFirmware(ctx context.Context, record *FirmwareRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := *record
	r.Version = NormalizeVersion(r.Version)
	m.firmware[record.ID] = &r
	return nil
}

// DeleteFirmware implements Ops
func (m *Memory) DeleteFirmware(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.firmware, id)
	return nil
}

// Begin implements Store. The memory transaction takes a snapshot of the
// entire state; Rollback restores it, Commit discards it.
func (m *Memory) Begin(ctx context.Context) (Tx, error) {
	m.txMu.Lock()
	m.mu.RLock()
	snapshot := memSnapshot{
		devices:  map[uuid.UUID]*Device{},
		statuses: map[uuid.UUID]*DeviceStatus{},
		groups:   map[uuid.UUID]*Group{},
		firmware: map[uuid.UUID]*FirmwareRecord{},
	}
	for id, d := range m.devices {
		snapshot.devices[id] = cloneDevice(d)
	}
	for id, s := range m.statuses {
		snapshot.statuses[id] = cloneStatus(s)
	}
	for id, g := range m.groups {
		group := *g
		snapshot.groups[id] = &group
	}
	for id, r := range m.firmware {
		record := *r
		snapshot.firmware[id] = &record
	}
	m.mu.RUnlock()
	return &memTx{Memory: m, snapshot: snapshot}, nil
}

type memSnapshot struct {
	devices  map[uuid.UUID]*Device
	statuses map[uuid.UUID]*DeviceStatus
	groups   map[uuid.UUID]*Group
	firmware map[uuid.UUID]*FirmwareRecord
}

type memTx struct {
	*Memory
	snapshot memSnapshot
	done     bool
}

func (t *memTx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	t.txMu.Unlock()
	return nil
}

func (t *memTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.mu.Lock()
	t.devices = t.snapshot.devices
	t.statuses = t.snapshot.statuses
	t.groups = t.snapshot.groups
	t.firmware = t.snapshot.firmware
	t.mu.Unlock()
	t.txMu.Unlock()
	return nil
}

// AcquireDistributionLease implements Store
func (m *Memory) AcquireDistributionLease(ctx context.Context, version string) (func(), bool, error) {
	key := leaseKey(version)
	m.leaseMu.Lock()
	defer m.leaseMu.Unlock()
	if m.leases[key] {
		return nil, false, nil
	}
	m.leases[key] = true
	release := func() {
		m.leaseMu.Lock()
		delete(m.leases, key)
		m.leaseMu.Unlock()
	}
	return release, true, nil
}
