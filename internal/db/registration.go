package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/roadwatch/internal/session"
)

// ErrNotRegistered is returned by LoadRegistration before the vehicle has
// been registered on this device.
var ErrNotRegistered = errors.New("vehicle not registered")

// SaveRegistration stores reg as the device's single registration,
// replacing any previous one.
func (db *DB) SaveRegistration(reg session.Registration) error {
	if reg.CarID == "" {
		return fmt.Errorf("registration has no car id")
	}
	created := reg.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM registration WHERE car_id <> ?`, reg.CarID); err != nil {
		return err
	}
	_, err = tx.Exec(`
		INSERT INTO registration (car_id, reg_number, owner_name, phone, bluetooth_mac, created_unix_ms, updated_unix_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(car_id) DO UPDATE SET
			reg_number = excluded.reg_number,
			owner_name = excluded.owner_name,
			phone = excluded.phone,
			bluetooth_mac = excluded.bluetooth_mac,
			updated_unix_ms = excluded.updated_unix_ms`,
		reg.CarID, reg.RegNumber, reg.OwnerName, reg.Phone, reg.BluetoothMAC,
		created.UnixMilli(), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save registration: %w", err)
	}
	return tx.Commit()
}

// LoadRegistration returns the stored registration or ErrNotRegistered.
func (db *DB) LoadRegistration() (session.Registration, error) {
	var (
		reg       session.Registration
		createdMs int64
	)
	err := db.QueryRow(`
		SELECT car_id, reg_number, owner_name, phone, bluetooth_mac, created_unix_ms
		FROM registration
		ORDER BY updated_unix_ms DESC
		LIMIT 1`).Scan(&reg.CarID, &reg.RegNumber, &reg.OwnerName, &reg.Phone, &reg.BluetoothMAC, &createdMs)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Registration{}, ErrNotRegistered
	}
	if err != nil {
		return session.Registration{}, err
	}
	reg.CreatedAt = time.UnixMilli(createdMs)
	return reg, nil
}
