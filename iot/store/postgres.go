package store

import (
	"context"
	"database/sql"
	"strconv"

	"github.com/google/uuid"

	"github.com/fleetware-tech/fleetware/core/csql"
)

// Postgres is the database-backed Store.
type Postgres struct {
	pgOps
	db *csql.DB
}

// queryer is satisfied by both *sql.DB and *sql.Tx
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type pgOps struct {
	q      queryer
	schema string
}

// NewPostgres returns a Store backed by the given database. It creates the
// fleet tables if they do not exist yet.
func NewPostgres(db *csql.DB) *Postgres {
	if db == nil {
		panic("DB is missing")
	}
	createFleetTablesIfNotExist(db)
	return &Postgres{pgOps: pgOps{q: db.DB, schema: db.Schema}, db: db}
}

func createFleetTablesIfNotExist(db *csql.DB) {
	// poor man's database migrations
	_, err := db.Exec(`CREATE table IF NOT EXISTS ` + db.Schema + `.device_group
(group_id uuid NOT NULL,
code varchar NOT NULL UNIQUE,
name varchar NOT NULL UNIQUE,
description varchar NOT NULL DEFAULT '',
is_active boolean NOT NULL DEFAULT false,
is_unique boolean NOT NULL DEFAULT false,
created_at timestamp NOT NULL,
updated_at timestamp NOT NULL,
PRIMARY KEY(group_id)
);
CREATE table IF NOT EXISTS ` + db.Schema + `.device
(device_id uuid NOT NULL,
group_id uuid references ` + db.Schema + `.device_group(group_id),
mac_address varchar NOT NULL UNIQUE,
chip_id varchar NOT NULL UNIQUE,
chip_type varchar NOT NULL DEFAULT '',
firmware_version varchar NOT NULL DEFAULT '',
name varchar NOT NULL DEFAULT '',
code varchar NOT NULL,
description varchar NOT NULL DEFAULT '',
created_at timestamp NOT NULL,
updated_at timestamp NOT NULL,
PRIMARY KEY(device_id)
);
CREATE table IF NOT EXISTS ` + db.Schema + `.device_status
(status_id uuid NOT NULL,
device_id uuid NOT NULL UNIQUE references ` + db.Schema + `.device(device_id) ON DELETE CASCADE,
status varchar NOT NULL,
err_message varchar NOT NULL DEFAULT '',
last_chunk_sent integer NOT NULL DEFAULT 0,
update_in_progress boolean NOT NULL DEFAULT false,
firmware_update_completed boolean NOT NULL DEFAULT false,
firmware_version_target varchar NOT NULL DEFAULT '',
created_at timestamp NOT NULL,
updated_at timestamp NOT NULL,
PRIMARY KEY(status_id)
);
CREATE table IF NOT EXISTS ` + db.Schema + `.firmware_record
(firmware_id uuid NOT NULL,
src varchar NOT NULL,
feature varchar NOT NULL DEFAULT '',
version varchar NOT NULL UNIQUE,
is_current boolean NOT NULL DEFAULT false,
uploaded_from_ip varchar NOT NULL DEFAULT '',
created_at timestamp NOT NULL,
updated_at timestamp NOT NULL,
PRIMARY KEY(firmware_id)
);`)
	if err != nil {
		panic(err)
	}
}

// Begin starts a transaction scope
func (p *Postgres) Begin(ctx context.Context) (Tx, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &pgTx{pgOps: pgOps{q: tx, schema: p.schema}, tx: tx}, nil
}

type pgTx struct {
	pgOps
	tx *sql.Tx
}

func (t *pgTx) Commit() error   { return t.tx.Commit() }
func (t *pgTx) Rollback() error { return t.tx.Rollback() }

// AcquireDistributionLease implements Store with a session-scoped advisory
// lock. The lock lives on a dedicated connection which is released together
// with the lease.
func (p *Postgres) AcquireDistributionLease(ctx context.Context, version string) (func(), bool, error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, false, err
	}
	key := "firmware-distribution:" + leaseKey(version)
	var acquired bool
	err = conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock(hashtext($1));`, key).Scan(&acquired)
	if err != nil {
		conn.Close()
		return nil, false, err
	}
	if !acquired {
		conn.Close()
		return nil, false, nil
	}
	release := func() {
		conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock(hashtext($1));`, key)
		conn.Close()
	}
	return release, true, nil
}

const deviceColumns = `device_id,group_id,mac_address,chip_id,chip_type,firmware_version,name,code,description,created_at,updated_at`
const statusColumns = `status_id,device_id,status,err_message,last_chunk_sent,update_in_progress,firmware_update_completed,firmware_version_target,created_at,updated_at`
const firmwareColumns = `firmware_id,src,feature,version,is_current,uploaded_from_ip,created_at,updated_at`

func scanDevice(row interface{ Scan(...interface{}) error }, d *Device) error {
	var groupID uuid.NullUUID
	err := row.Scan(&d.ID, &groupID, &d.MacAddress, &d.ChipID, &d.ChipType,
		&d.FirmwareVersion, &d.Name, &d.Code, &d.Description, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return err
	}
	if groupID.Valid {
		d.GroupID = &groupID.UUID
	}
	return nil
}

// DeviceByChipID returns the device with its status record, or nil if no
// device carries the chip identity.
func (o pgOps) DeviceByChipID(ctx context.Context, chipID string) (*Device, error) {
	device := Device{}
	err := scanDevice(o.q.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM `+o.schema+`.device WHERE chip_id=$1;`, chipID), &device)
	if err == csql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	status := DeviceStatus{}
	err = o.q.QueryRowContext(ctx,
		`SELECT `+statusColumns+` FROM `+o.schema+`.device_status WHERE device_id=$1;`,
		device.ID).Scan(&status.ID, &status.DeviceID, &status.Status, &status.ErrMessage,
		&status.LastChunkSent, &status.UpdateInProgress, &status.FirmwareUpdateCompleted,
		&status.FirmwareVersionTarget, &status.CreatedAt, &status.UpdatedAt)
	if err == nil {
		device.Status = &status
	} else if err != csql.ErrNoRows {
		return nil, err
	}
	return &device, nil
}

// CreateDevice inserts the device
func (o pgOps) CreateDevice(ctx context.Context, device *Device) error {
	var groupID uuid.NullUUID
	if device.GroupID != nil {
		groupID = uuid.NullUUID{UUID: *device.GroupID, Valid: true}
	}
	_, err := o.q.ExecContext(ctx,
		`INSERT INTO `+o.schema+`.device(`+deviceColumns+`)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11);`,
		device.ID, groupID, device.MacAddress, device.ChipID, device.ChipType,
		device.FirmwareVersion, device.Name, device.Code, device.Description,
		device.CreatedAt, device.UpdatedAt)
	return err
}

// UpdateDevice updates the mutable device fields
func (o pgOps) UpdateDevice(ctx context.Context, device *Device) error {
	var groupID uuid.NullUUID
	if device.GroupID != nil {
		groupID = uuid.NullUUID{UUID: *device.GroupID, Valid: true}
	}
	_, err := o.q.ExecContext(ctx,
		`UPDATE `+o.schema+`.device SET group_id=$2,mac_address=$3,chip_type=$4,
firmware_version=$5,name=$6,description=$7,updated_at=$8 WHERE device_id=$1;`,
		device.ID, groupID, device.MacAddress, device.ChipType,
		device.FirmwareVersion, device.Name, device.Description, device.UpdatedAt)
	return err
}

// CreateDeviceStatus inserts the status record
func (o pgOps) CreateDeviceStatus(ctx context.Context, status *DeviceStatus) error {
	_, err := o.q.ExecContext(ctx,
		`INSERT INTO `+o.schema+`.device_status(`+statusColumns+`)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10);`,
		status.ID, status.DeviceID, status.Status, status.ErrMessage,
		status.LastChunkSent, status.UpdateInProgress, status.FirmwareUpdateCompleted,
		status.FirmwareVersionTarget, status.CreatedAt, status.UpdatedAt)
	return err
}

// UpdateDeviceStatus updates the status record
func (o pgOps) UpdateDeviceStatus(ctx context.Context, status *DeviceStatus) error {
	_, err := o.q.ExecContext(ctx,
		`UPDATE `+o.schema+`.device_status SET status=$2,err_message=$3,last_chunk_sent=$4,
update_in_progress=$5,firmware_update_completed=$6,firmware_version_target=$7,updated_at=$8
WHERE device_id=$1;`,
		status.DeviceID, status.Status, status.ErrMessage, status.LastChunkSent,
		status.UpdateInProgress, status.FirmwareUpdateCompleted,
		status.FirmwareVersionTarget, status.UpdatedAt)
	return err
}

func selectionClause(sel Selection, args []interface{}) (string, []interface{}) {
	clause := ""
	if sel.GroupID != nil {
		args = append(args, *sel.GroupID)
		clause += ` AND group_id=$` + strconv.Itoa(len(args))
	}
	if sel.DeviceID != nil {
		args = append(args, *sel.DeviceID)
		clause += ` AND device_id=$` + strconv.Itoa(len(args))
	}
	return clause, args
}

// ListDevices returns the devices matching the selection, with status
func (o pgOps) ListDevices(ctx context.Context, sel Selection) ([]Device, error) {
	clause, args := selectionClause(sel, nil)
	rows, err := o.q.QueryContext(ctx,
		`SELECT `+deviceColumns+` FROM `+o.schema+`.device WHERE true`+clause+` ORDER BY created_at;`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	devices := []Device{}
	for rows.Next() {
		device := Device{}
		if err := scanDevice(rows, &device); err != nil {
			return nil, err
		}
		devices = append(devices, device)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range devices {
		status := DeviceStatus{}
		err = o.q.QueryRowContext(ctx,
			`SELECT `+statusColumns+` FROM `+o.schema+`.device_status WHERE device_id=$1;`,
			devices[i].ID).Scan(&status.ID, &status.DeviceID, &status.Status, &status.ErrMessage,
			&status.LastChunkSent, &status.UpdateInProgress, &status.FirmwareUpdateCompleted,
			&status.FirmwareVersionTarget, &status.CreatedAt, &status.UpdatedAt)
		if err == nil {
			devices[i].Status = &status
		} else if err != csql.ErrNoRows {
			return nil, err
		}
	}
	return devices, nil
}

// DeviceChipIDs returns the chip identities matching the selection, ordered
// by creation time
func (o pgOps) DeviceChipIDs(ctx context.Context, sel Selection) ([]string, error) {
	clause, args := selectionClause(sel, nil)
	rows, err := o.q.QueryContext(ctx,
		`SELECT chip_id FROM `+o.schema+`.device WHERE true`+clause+` ORDER BY created_at;`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	chipIDs := []string{}
	for rows.Next() {
		var chipID string
		if err := rows.Scan(&chipID); err != nil {
			return nil, err
		}
		chipIDs = append(chipIDs, chipID)
	}
	return chipIDs, rows.Err()
}

// GroupByName returns the group with the given name, or nil
func (o pgOps) GroupByName(ctx context.Context, name string) (*Group, error) {
	group := Group{}
	err := o.q.QueryRowContext(ctx,
		`SELECT group_id,code,name,description,is_active,is_unique,created_at,updated_at
FROM `+o.schema+`.device_group WHERE name=$1;`, name).Scan(
		&group.ID, &group.Code, &group.Name, &group.Description,
		&group.IsActive, &group.IsUnique, &group.CreatedAt, &group.UpdatedAt)
	if err == csql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &group, nil
}

// CreateGroup inserts the group
func (o pgOps) CreateGroup(ctx context.Context, group *Group) error {
	_, err := o.q.ExecContext(ctx,
		`INSERT INTO `+o.schema+`.device_group(group_id,code,name,description,is_active,is_unique,created_at,updated_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8);`,
		group.ID, group.Code, group.Name, group.Description,
		group.IsActive, group.IsUnique, group.CreatedAt, group.UpdatedAt)
	return err
}

func scanFirmware(row interface{ Scan(...interface{}) error }, r *FirmwareRecord) error {
	return row.Scan(&r.ID, &r.Src, &r.Feature, &r.Version, &r.IsCurrent,
		&r.UploadedFromIP, &r.CreatedAt, &r.UpdatedAt)
}

// FirmwareByVersion returns the firmware record with the given version, or
// nil. The match ignores case like SameVersion does.
func (o pgOps) FirmwareByVersion(ctx context.Context, version string) (*FirmwareRecord, error) {
	record := FirmwareRecord{}
	err := scanFirmware(o.q.QueryRowContext(ctx,
		`SELECT `+firmwareColumns+` FROM `+o.schema+`.firmware_record WHERE lower(version)=lower($1);`,
		NormalizeVersion(version)), &record)
	if err == csql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// FirmwareByID returns the firmware record with the given id, or nil
func (o pgOps) FirmwareByID(ctx context.Context, id uuid.UUID) (*FirmwareRecord, error) {
	record := FirmwareRecord{}
	err := scanFirmware(o.q.QueryRowContext(ctx,
		`SELECT `+firmwareColumns+` FROM `+o.schema+`.firmware_record WHERE firmware_id=$1;`,
		id), &record)
	if err == csql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// ListFirmware returns all firmware records, newest first
func (o pgOps) ListFirmware(ctx context.Context) ([]FirmwareRecord, error) {
	rows, err := o.q.QueryContext(ctx,
		`SELECT `+firmwareColumns+` FROM `+o.schema+`.firmware_record ORDER BY created_at DESC;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	records := []FirmwareRecord{}
	for rows.Next() {
		record := FirmwareRecord{}
		if err := scanFirmware(rows, &record); err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// CreateFirmware inserts the firmware record
func (o pgOps) CreateFirmware(ctx context.Context, record *FirmwareRecord) error {
	_, err := o.q.ExecContext(ctx,
		`INSERT INTO `+o.schema+`.firmware_record(`+firmwareColumns+`)
VALUES($1,$2,$3,$4,$5,$6,$7,$8);`,
		record.ID, record.Src, record.Feature, NormalizeVersion(record.Version),
		record.IsCurrent, record.UploadedFromIP, record.CreatedAt, record.UpdatedAt)
	return err
}

// DeleteFirmware deletes the firmware record
func (o pgOps) DeleteFirmware(ctx context.Context, id uuid.UUID) error {
	_, err := o.q.ExecContext(ctx,
		`DELETE FROM `+o.schema+`.firmware_record WHERE firmware_id=$1;`, id)
	return err
}
