// Package ledger provides an append-only history of terminal reconcile
// outcomes for auditing.
package ledger

import (
	"database/sql"
	"time"
)

// Entry represents a single recorded outcome
type Entry struct {
	ID        int64
	DeviceID  string
	Desired   string
	Outcome   string
	Attempts  int
	Timestamp time.Time
	Detail    string
}

// Ledger provides append-only outcome logging
type Ledger struct {
	db *sql.DB
}

// New creates a new Ledger using the provided database connection
func New(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// Append adds a new outcome to the ledger
func (l *Ledger) Append(deviceID, desired, outcome string, attempts int, detail string) error {
	_, err := l.db.Exec(`
		INSERT INTO outcome_ledger (device_id, desired, outcome, attempts, timestamp, detail)
		VALUES (?, ?, ?, ?, ?, ?)
	`, deviceID, desired, outcome, attempts, time.Now().UTC().Unix(), detail)
	return err
}

// GetByDevice returns the most recent outcomes for a device
func (l *Ledger) GetByDevice(deviceID string, limit int) ([]*Entry, error) {
	rows, err := l.db.Query(`
		SELECT id, device_id, desired, outcome, attempts, timestamp, detail
		FROM outcome_ledger
		WHERE device_id = ?
		ORDER BY timestamp DESC
		LIMIT ?
	`, deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return l.scanEntries(rows)
}

// GetRecent returns the most recent outcomes across all devices
func (l *Ledger) GetRecent(limit int) ([]*Entry, error) {
	rows, err := l.db.Query(`
		SELECT id, device_id, desired, outcome, attempts, timestamp, detail
		FROM outcome_ledger
		ORDER BY timestamp DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return l.scanEntries(rows)
}

// DeleteOlderThan removes entries older than the specified duration (retention policy)
func (l *Ledger) DeleteOlderThan(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).Unix()
	result, err := l.db.Exec(`
		DELETE FROM outcome_ledger WHERE timestamp < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (l *Ledger) scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		var entry Entry
		var detail sql.NullString
		var timestamp int64

		err := rows.Scan(
			&entry.ID, &entry.DeviceID, &entry.Desired, &entry.Outcome,
			&entry.Attempts, &timestamp, &detail,
		)
		if err != nil {
			return nil, err
		}

		entry.Timestamp = time.Unix(timestamp, 0).UTC()
		if detail.Valid {
			entry.Detail = detail.String
		}

		entries = append(entries, &entry)
	}

	return entries, rows.Err()
}
