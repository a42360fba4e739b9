package store

import (
	"context"
	"encoding/json"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/ChuLiYu/printwatch/pkg/types"
)

// RegisterDevice records a device from the cloud enumeration. Existing
// records keep their status and telemetry; only the serial is refreshed.
func (s *Store) RegisterDevice(ctx context.Context, name, serial string) error {
	conn, err := s.take(ctx, "register device")
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `INSERT INTO devices (name, serial, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET serial = excluded.serial`,
		&sqlitex.ExecOptions{Args: []any{name, serial, s.clock.Now().Unix()}})
	if err != nil {
		return fmt.Errorf("store: register device %s: %w", name, err)
	}
	return nil
}

// UpdateDeviceTelemetry replaces the telemetry snapshot of a device. It
// touches only the telemetry column; status, job and user stay owned by the
// reconciliation loop.
func (s *Store) UpdateDeviceTelemetry(ctx context.Context, telemetry types.Telemetry) error {
	data, err := json.Marshal(telemetry)
	if err != nil {
		return fmt.Errorf("store: encoding telemetry of %s: %w", telemetry.Device, err)
	}

	conn, err := s.take(ctx, "update telemetry")
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `INSERT INTO devices (name, telemetry, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET telemetry = excluded.telemetry, updated_at = excluded.updated_at`,
		&sqlitex.ExecOptions{Args: []any{telemetry.Device, string(data), telemetry.ReceivedAt.Unix()}})
	if err != nil {
		return fmt.Errorf("store: update telemetry %s: %w", telemetry.Device, err)
	}
	return nil
}

// SetDeviceStatus writes the loop-owned fields of a device record.
func (s *Store) SetDeviceStatus(ctx context.Context, name string, status types.DeviceStatus, job types.JobID, user string) error {
	conn, err := s.take(ctx, "set device status")
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `INSERT INTO devices (name, status, job_id, user, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET status = excluded.status, job_id = excluded.job_id, user = excluded.user`,
		&sqlitex.ExecOptions{Args: []any{name, string(status), string(job), user, s.clock.Now().Unix()}})
	if err != nil {
		return fmt.Errorf("store: set device status %s: %w", name, err)
	}
	return nil
}

// Device returns one device record.
func (s *Store) Device(ctx context.Context, name string) (types.Device, error) {
	devices, err := s.queryDevices(ctx, "WHERE name = ?", name)
	if err != nil {
		return types.Device{}, err
	}
	if len(devices) == 0 {
		return types.Device{}, fmt.Errorf("store: device %s: %w", name, ErrDeviceNotFound)
	}
	return devices[0], nil
}

// Devices returns every device record ordered by name.
func (s *Store) Devices(ctx context.Context) ([]types.Device, error) {
	return s.queryDevices(ctx, "ORDER BY name")
}

func (s *Store) queryDevices(ctx context.Context, suffix string, args ...any) ([]types.Device, error) {
	conn, err := s.take(ctx, "list devices")
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var devices []types.Device
	err = sqlitex.Execute(conn, `SELECT name, serial, status, job_id, user, telemetry, updated_at
		FROM devices `+suffix, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			device := types.Device{
				Name:      stmt.ColumnText(0),
				Serial:    stmt.ColumnText(1),
				Status:    types.DeviceStatus(stmt.ColumnText(2)),
				JobID:     types.JobID(stmt.ColumnText(3)),
				User:      stmt.ColumnText(4),
				UpdatedAt: unixTime(stmt.ColumnInt64(6)),
			}
			if !stmt.ColumnIsNull(5) {
				var telemetry types.Telemetry
				if err := json.Unmarshal([]byte(stmt.ColumnText(5)), &telemetry); err != nil {
					return fmt.Errorf("decoding telemetry of %s: %w", device.Name, err)
				}
				device.Telemetry = &telemetry
			}
			devices = append(devices, device)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: list devices: %w", err)
	}
	return devices, nil
}

// Stats returns the size of every pool.
func (s *Store) Stats(ctx context.Context) (types.Stats, error) {
	conn, err := s.take(ctx, "stats")
	if err != nil {
		return types.Stats{}, err
	}
	defer s.pool.Put(conn)

	var stats types.Stats
	err = sqlitex.Execute(conn, `SELECT
		(SELECT count(*) FROM jobs_unmatched),
		(SELECT count(*) FROM jobs_current),
		(SELECT count(*) FROM jobs_archived),
		(SELECT count(*) FROM auth_unmatched),
		(SELECT count(*) FROM auth_archived)`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			stats.UnmatchedJobs = stmt.ColumnInt(0)
			stats.CurrentJobs = stmt.ColumnInt(1)
			stats.ArchivedJobs = stmt.ColumnInt(2)
			stats.UnmatchedAuths = stmt.ColumnInt(3)
			stats.ArchivedAuths = stmt.ColumnInt(4)
			return nil
		},
	})
	if err != nil {
		return stats, fmt.Errorf("store: stats: %w", err)
	}
	return stats, nil
}

// FleetSnapshot assembles the status document: every device, the current
// jobs and the pool sizes.
func (s *Store) FleetSnapshot(ctx context.Context) (types.FleetSnapshot, error) {
	devices, err := s.Devices(ctx)
	if err != nil {
		return types.FleetSnapshot{}, err
	}
	current, err := s.CurrentJobs(ctx)
	if err != nil {
		return types.FleetSnapshot{}, err
	}
	stats, err := s.Stats(ctx)
	if err != nil {
		return types.FleetSnapshot{}, err
	}
	if devices == nil {
		devices = []types.Device{}
	}
	if current == nil {
		current = []types.Job{}
	}
	return types.FleetSnapshot{
		GeneratedAt: s.clock.Now().UTC(),
		Devices:     devices,
		CurrentJobs: current,
		Stats:       stats,
		SchemaVer:   SchemaVersion,
	}, nil
}
