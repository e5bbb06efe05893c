// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package acs

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"acsd/internal/soap"
)

// DeviceRecord is the persisted shape of a device registry entry. The
// transfer queue is deliberately not persisted: a queued transfer that
// outlives the process is lost, matching the no-redelivery contract.
type DeviceRecord struct {
	Serial     string
	Identity   soap.DeviceID
	ConnReq    ConnReq
	LastInform time.Time
}

// Store persists the device inventory in SQLite so known devices and their
// connection-request records survive a restart.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if necessary) the device inventory database.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// initSchema creates the database tables
func (s *Store) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			serial TEXT PRIMARY KEY,
			manufacturer TEXT,
			oui TEXT,
			product_class TEXT,
			connreq_url TEXT,
			connreq_username TEXT,
			connreq_password TEXT,
			last_inform DATETIME,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_devices_oui ON devices(oui)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}

	return nil
}

// UpsertDevice writes a device record, replacing any previous row for the
// same serial number.
func (s *Store) UpsertDevice(rec DeviceRecord) error {
	query := `INSERT INTO devices (serial, manufacturer, oui, product_class, connreq_url, connreq_username, connreq_password, last_inform)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(serial) DO UPDATE SET
			manufacturer = excluded.manufacturer,
			oui = excluded.oui,
			product_class = excluded.product_class,
			connreq_url = excluded.connreq_url,
			connreq_username = excluded.connreq_username,
			connreq_password = excluded.connreq_password,
			last_inform = excluded.last_inform`

	_, err := s.db.Exec(query,
		rec.Serial,
		rec.Identity.Manufacturer,
		rec.Identity.OUI,
		rec.Identity.ProductClass,
		rec.ConnReq.URL,
		rec.ConnReq.Username,
		rec.ConnReq.Password,
		rec.LastInform.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert device %s: %w", rec.Serial, err)
	}

	return nil
}

// GetDevice returns the persisted record for a serial number.
func (s *Store) GetDevice(serial string) (*DeviceRecord, error) {
	query := `SELECT serial, manufacturer, oui, product_class, connreq_url, connreq_username, connreq_password, last_inform
		FROM devices WHERE serial = ?`

	rec, err := scanDeviceRecord(s.db.QueryRow(query, serial))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device %s: %w", serial, err)
	}
	return rec, nil
}

// LoadDevices returns every persisted device record.
func (s *Store) LoadDevices() ([]DeviceRecord, error) {
	query := `SELECT serial, manufacturer, oui, product_class, connreq_url, connreq_username, connreq_password, last_inform
		FROM devices ORDER BY serial`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to load devices: %w", err)
	}
	defer rows.Close()

	var records []DeviceRecord
	for rows.Next() {
		rec, err := scanDeviceRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device row: %w", err)
		}
		records = append(records, *rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate device rows: %w", err)
	}

	return records, nil
}

// DeviceCount returns the number of persisted devices.
func (s *Store) DeviceCount() (int, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM devices`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count devices: %w", err)
	}
	return count, nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDeviceRecord(row rowScanner) (*DeviceRecord, error) {
	var rec DeviceRecord
	var lastInform sql.NullTime

	err := row.Scan(
		&rec.Serial,
		&rec.Identity.Manufacturer,
		&rec.Identity.OUI,
		&rec.Identity.ProductClass,
		&rec.ConnReq.URL,
		&rec.ConnReq.Username,
		&rec.ConnReq.Password,
		&lastInform,
	)
	if err != nil {
		return nil, err
	}

	rec.Identity.SerialNumber = rec.Serial
	if lastInform.Valid {
		rec.LastInform = lastInform.Time
	}

	return &rec, nil
}
