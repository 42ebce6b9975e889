package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// linearPinHorizon is the far-future end stamped on linear placeholder
// entries and their slots, keeping a dedicated channel permanently occupied
// so pooled entries can never double-book it.
var linearPinHorizon = time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC)

// EntryRow represents a schedulable program from the database. Channel is
// nil until the scheduler assigns one; once set it is never reassigned.
type EntryRow struct {
	ID          string
	Title       string
	Start       time.Time
	End         time.Time
	Channel     *int
	Linear      bool
	Placeholder bool
	Categories  []string
	Network     string
	Source      string
}

const entryColumns = "id, title, start_at, end_at, channel, linear, placeholder, categories, network, source"

// scanEntry reads one entry row from a *sql.Row or *sql.Rows.
func scanEntry(scan func(dest ...any) error) (*EntryRow, error) {
	var (
		e       EntryRow
		start   int64
		end     int64
		channel sql.NullInt64
		cats    string
	)
	if err := scan(&e.ID, &e.Title, &start, &end, &channel, &e.Linear, &e.Placeholder, &cats, &e.Network, &e.Source); err != nil {
		return nil, err
	}
	e.Start = time.Unix(start, 0).UTC()
	e.End = time.Unix(end, 0).UTC()
	if channel.Valid {
		ch := int(channel.Int64)
		e.Channel = &ch
	}
	if err := json.Unmarshal([]byte(cats), &e.Categories); err != nil {
		e.Categories = nil
	}
	return &e, nil
}

// UpsertEntry inserts or refreshes an entry by id. A channel already
// assigned is kept: assignments are write-once by contract.
func (db *DB) UpsertEntry(e *EntryRow) error {
	if !e.End.After(e.Start) {
		return fmt.Errorf("entry %s: end must be after start", e.ID)
	}

	cats, err := json.Marshal(e.Categories)
	if err != nil {
		return fmt.Errorf("failed to encode categories: %w", err)
	}

	query := `
		INSERT INTO entries (id, title, start_at, end_at, channel, linear, placeholder, categories, network, source)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			start_at = excluded.start_at,
			end_at = excluded.end_at,
			categories = excluded.categories,
			network = excluded.network
	`
	var channel any
	if e.Channel != nil {
		channel = *e.Channel
	}
	_, err = db.Exec(query, e.ID, e.Title, e.Start.Unix(), e.End.Unix(), channel, e.Linear, e.Placeholder, string(cats), e.Network, e.Source)
	if err != nil {
		return fmt.Errorf("failed to upsert entry %s: %w", e.ID, err)
	}
	return nil
}

// UnassignedEntries returns entries without a channel in ascending start
// order. Insertion order (rowid) breaks ties so equal starts schedule in
// source order.
func (db *DB) UnassignedEntries() ([]*EntryRow, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM entries
		WHERE channel IS NULL
		ORDER BY start_at ASC, rowid ASC
	`, entryColumns)

	rows, err := db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to load unassigned entries: %w", err)
	}
	defer rows.Close()

	var entries []*EntryRow
	for rows.Next() {
		e, err := scanEntry(rows.Scan)
		if err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SetEntryChannel stamps the assigned channel on an entry. Rows that
// already carry a channel are never touched.
func (db *DB) SetEntryChannel(id string, channel int) error {
	_, err := db.Exec("UPDATE entries SET channel = ? WHERE id = ? AND channel IS NULL", channel, id)
	if err != nil {
		return fmt.Errorf("failed to assign channel for entry %s: %w", id, err)
	}
	return nil
}

// CurrentEntry returns the entry whose [start,end) window covers the given
// instant for a channel, or nil when nothing is playing.
func (db *DB) CurrentEntry(channel int, at time.Time) (*EntryRow, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM entries
		WHERE channel = ? AND placeholder = 0 AND start_at <= ? AND end_at > ?
		ORDER BY start_at ASC
		LIMIT 1
	`, entryColumns)

	e, err := scanEntry(db.QueryRow(query, channel, at.Unix(), at.Unix()).Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load current entry for channel %d: %w", channel, err)
	}
	return e, nil
}

// NextEntry returns the next future entry for a channel after the given
// instant, or nil when the channel has nothing queued.
func (db *DB) NextEntry(channel int, after time.Time) (*EntryRow, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM entries
		WHERE channel = ? AND placeholder = 0 AND start_at > ?
		ORDER BY start_at ASC
		LIMIT 1
	`, entryColumns)

	e, err := scanEntry(db.QueryRow(query, channel, after.Unix()).Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load next entry for channel %d: %w", channel, err)
	}
	return e, nil
}

// LinearEntryCount reports how many entries carry the linear flag. A
// nonzero count with linear mode off means the schedule was built under the
// old policy and needs a rebuild.
func (db *DB) LinearEntryCount() (int, error) {
	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM entries WHERE linear = 1").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count linear entries: %w", err)
	}
	return count, nil
}

// LinearChannelFor returns the channel pinned for a network's linear feed,
// if one exists.
func (db *DB) LinearChannelFor(network string) (int, bool, error) {
	var channel int
	err := db.QueryRow(`
		SELECT channel FROM entries
		WHERE placeholder = 1 AND network = ? AND channel IS NOT NULL
		LIMIT 1
	`, network).Scan(&channel)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to look up linear channel for %s: %w", network, err)
	}
	return channel, true, nil
}

// PinLinearChannel dedicates a channel to a network's linear feed. The
// placeholder entry records the mapping across runs; the raised slot keeps
// the pooled scheduler off the channel.
func (db *DB) PinLinearChannel(network string, channel int) error {
	ch := channel
	pin := &EntryRow{
		ID:          "linear:" + network,
		Title:       network,
		Start:       time.Now().UTC(),
		End:         linearPinHorizon,
		Channel:     &ch,
		Linear:      true,
		Placeholder: true,
		Network:     network,
	}
	if err := db.UpsertEntry(pin); err != nil {
		return err
	}
	return db.RaiseSlot(channel, linearPinHorizon)
}

// DeleteEndedEntries removes entries whose end is in the past.
func (db *DB) DeleteEndedEntries(before time.Time) (int64, error) {
	res, err := db.Exec("DELETE FROM entries WHERE end_at <= ?", before.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to delete ended entries: %w", err)
	}
	return res.RowsAffected()
}

// StripAssignments clears channel and linear flags from every entry, part
// of the full rebuild when linear-channel mode changes.
func (db *DB) StripAssignments() error {
	_, err := db.Exec("UPDATE entries SET channel = NULL, linear = 0")
	if err != nil {
		return fmt.Errorf("failed to strip assignments: %w", err)
	}
	return nil
}

// DeletePlaceholders removes entries that only existed to pin a dedicated
// linear channel.
func (db *DB) DeletePlaceholders() error {
	_, err := db.Exec("DELETE FROM entries WHERE placeholder = 1")
	if err != nil {
		return fmt.Errorf("failed to delete placeholders: %w", err)
	}
	return nil
}
