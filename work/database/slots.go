package database

import (
	"fmt"
	"time"
)

// SlotRow says a channel number is busy until EndsAt.
type SlotRow struct {
	Channel int
	EndsAt  time.Time
}

// FreeSlots returns occupied channels at or above startChannel that free up
// no later than the given instant, ascending by channel number so callers
// can reuse the lowest-numbered channel first.
func (db *DB) FreeSlots(startChannel int, by time.Time) ([]SlotRow, error) {
	query := `
		SELECT channel, ends_at FROM channel_slots
		WHERE channel >= ? AND ends_at <= ?
		ORDER BY channel ASC
	`
	rows, err := db.Query(query, startChannel, by.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to load free slots: %w", err)
	}
	defer rows.Close()

	var slots []SlotRow
	for rows.Next() {
		var (
			slot   SlotRow
			endsAt int64
		)
		if err := rows.Scan(&slot.Channel, &endsAt); err != nil {
			continue
		}
		slot.EndsAt = time.Unix(endsAt, 0).UTC()
		slots = append(slots, slot)
	}
	return slots, rows.Err()
}

// OccupiedCount returns how many distinct channel numbers at or above
// startChannel currently hold a slot.
func (db *DB) OccupiedCount(startChannel int) (int, error) {
	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM channel_slots WHERE channel >= ?", startChannel).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count occupied slots: %w", err)
	}
	return count, nil
}

// RaiseSlot creates the slot for a channel or raises its ends_at. The MAX
// keeps ends_at monotonic: a slot never shrinks.
func (db *DB) RaiseSlot(channel int, endsAt time.Time) error {
	query := `
		INSERT INTO channel_slots (channel, ends_at) VALUES (?, ?)
		ON CONFLICT(channel) DO UPDATE SET ends_at = MAX(ends_at, excluded.ends_at)
	`
	_, err := db.Exec(query, channel, endsAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to raise slot for channel %d: %w", channel, err)
	}
	return nil
}

// WipeSlots clears the whole slot table, part of the full schedule rebuild.
func (db *DB) WipeSlots() error {
	_, err := db.Exec("DELETE FROM channel_slots")
	if err != nil {
		return fmt.Errorf("failed to wipe slots: %w", err)
	}
	return nil
}
