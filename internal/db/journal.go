package db

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/banshee-data/roadwatch/internal/dispatch"
)

// JournalEntry is one row of the event journal.
type JournalEntry struct {
	Event     dispatch.Event   `json:"event"`
	Outcome   dispatch.Outcome `json:"outcome"`
	Attempts  int              `json:"attempts"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// RecordEvent upserts the journal row for ev. Each later outcome for the
// same event ID replaces the previous one and bumps the attempt count.
func (db *DB) RecordEvent(ev dispatch.Event, outcome dispatch.Outcome) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", ev.ID, err)
	}
	now := time.Now().UnixMilli()
	_, err = db.Exec(`
		INSERT INTO event_journal (event_id, kind, created_unix_ms, outcome, attempts, updated_unix_ms, payload_json)
		VALUES (?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(event_id) DO UPDATE SET
			outcome = excluded.outcome,
			attempts = event_journal.attempts + 1,
			updated_unix_ms = excluded.updated_unix_ms`,
		ev.ID, string(ev.Kind), ev.TimestampMillis(), string(outcome), now, string(payload))
	if err != nil {
		return fmt.Errorf("record event %s: %w", ev.ID, err)
	}
	return nil
}

// RecentEvents returns up to limit journal entries, newest first.
func (db *DB) RecentEvents(limit int) ([]JournalEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT outcome, attempts, updated_unix_ms, payload_json
		FROM event_journal
		ORDER BY created_unix_ms DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JournalEntry
	for rows.Next() {
		var (
			e         JournalEntry
			outcome   string
			updatedMs int64
			payload   string
		)
		if err := rows.Scan(&outcome, &e.Attempts, &updatedMs, &payload); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &e.Event); err != nil {
			return nil, fmt.Errorf("decode journal payload: %w", err)
		}
		e.Outcome = dispatch.Outcome(outcome)
		e.UpdatedAt = time.UnixMilli(updatedMs)
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountByOutcome tallies journal rows by their latest outcome.
func (db *DB) CountByOutcome() (map[dispatch.Outcome]int, error) {
	rows, err := db.Query(`SELECT outcome, COUNT(*) FROM event_journal GROUP BY outcome`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[dispatch.Outcome]int)
	for rows.Next() {
		var (
			outcome string
			n       int
		)
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, err
		}
		counts[dispatch.Outcome(outcome)] = n
	}
	return counts, rows.Err()
}
