package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fentz26/reconpi/internal/models"
)

// Publish appends an event. It never waits on readers.
func (s *Store) Publish(topic string, payload map[string]interface{}) (*models.Event, error) {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	now := s.now()
	res, err := s.db.Exec(
		`INSERT INTO events (ts, topic, payload) VALUES (?, ?, ?)`,
		unixSeconds(now), topic, string(data),
	)
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("event id: %w", err)
	}
	return &models.Event{ID: id, TS: now, Topic: topic, Payload: payload}, nil
}

// Tail returns the newest limit events, newest first. An empty prefix
// matches every topic.
func (s *Store) Tail(limit int, topicPrefix string) ([]models.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, ts, topic, payload FROM events`
	var args []interface{}
	if topicPrefix != "" {
		query += ` WHERE ` + prefixClause("topic")
		args = append(args, topicPrefix, topicPrefix)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var ev models.Event
		var ts float64
		var payload string
		if err := rows.Scan(&ev.ID, &ts, &ev.Topic, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.TS = fromUnix(ts)
		if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
			ev.Payload = map[string]interface{}{"_raw": payload}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// LastJobEvent returns the newest event whose payload names jobID as job_id
// or id, ignoring topics under skipPrefixes. It returns nil, nil when the job
// has no such events.
func (s *Store) LastJobEvent(jobID string, skipPrefixes ...string) (*models.Event, error) {
	var ev models.Event
	var ts float64
	var payload string

	query := `SELECT id, ts, topic, payload FROM events
		WHERE (json_extract(payload, '$.job_id') = ? OR json_extract(payload, '$.id') = ?)`
	args := []interface{}{jobID, jobID}
	for _, p := range skipPrefixes {
		query += ` AND NOT ` + prefixClause("topic")
		args = append(args, p, p)
	}
	query += ` ORDER BY id DESC LIMIT 1`

	err := s.db.QueryRow(query, args...	).Scan(&ev.ID, &ts, &ev.Topic, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query job event: %w", err)
	}
	ev.TS = fromUnix(ts)
	if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
		ev.Payload = map[string]interface{}{"_raw": payload}
	}
	return &ev, nil
}

// PruneEvents deletes events older than olderThanDays and caps the table to
// the newest keepLast rows. It returns the number of rows removed.
func (s *Store) PruneEvents(keepLast, olderThanDays int) (int64, error) {
	cutoff := unixSeconds(s.now()) - float64(olderThanDays)*86400

	var deleted int64
	res, err := s.db.Exec(`DELETE FROM events WHERE ts < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune old events: %w", err)
	}
	n, _ := res.RowsAffected()
	deleted += n

	res, err = s.db.Exec(
		`DELETE FROM events WHERE id IN (SELECT id FROM events ORDER BY id DESC LIMIT -1 OFFSET ?)`,
		keepLast,
	)
	if err != nil {
		return deleted, fmt.Errorf("cap events: %w", err)
	}
	n, _ = res.RowsAffected()
	return deleted + n, nil
}
