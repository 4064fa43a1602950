package collab

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "modernc.org/sqlite"
)

// EventStore is the append-only durable log of sequenced events plus the
// snapshot bundles, keyed by project. Sequence numbers are per-project
// monotonic counters assigned inside the append transaction, so concurrent
// rooms never contend on a global counter.
type EventStore struct {
	db *sql.DB
}

func OpenEventStore(path string) (*EventStore, error) {
	// _txlock=immediate takes the write lock at BEGIN so concurrent
	// appends queue on busy_timeout instead of deadlocking on a
	// read-to-write upgrade
	dsn := path + "?_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	store := &EventStore{
		db: db,
	}
	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (self *EventStore) init() error {
	if _, err := self.db.Exec(
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT NOT NULL PRIMARY KEY,
			project_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			sequence_number INTEGER NOT NULL,
			timestamp INTEGER NOT NULL,
			UNIQUE (project_id, sequence_number)
		)`,
	); err != nil {
		return err
	}
	if _, err := self.db.Exec(
		`CREATE TABLE IF NOT EXISTS snapshots (
			project_id TEXT NOT NULL,
			sequence_number INTEGER NOT NULL,
			body BLOB NOT NULL,
			created_time INTEGER NOT NULL,
			PRIMARY KEY (project_id, sequence_number)
		)`,
	); err != nil {
		return err
	}
	return nil
}

// AppendEvent assigns the next sequence number for the project and persists
// the event. If the eventId was already persisted, the previously assigned
// sequence number is returned with `ErrDuplicateEvent` so the caller can ack
// without re-broadcasting.
func (self *EventStore) AppendEvent(ctx context.Context, event *ChangeEvent) (uint64, error) {
	tx, err := self.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var existingSequenceNumber uint64
	err = tx.QueryRowContext(ctx,
		`SELECT sequence_number FROM events WHERE id = ?`,
		event.EventId.String(),
	).Scan(&existingSequenceNumber)
	if err == nil {
		return existingSequenceNumber, ErrDuplicateEvent
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	var lastSequenceNumber uint64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence_number), 0) FROM events WHERE project_id = ?`,
		event.ProjectId.String(),
	).Scan(&lastSequenceNumber); err != nil {
		return 0, err
	}
	sequenceNumber := lastSequenceNumber + 1

	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (id, project_id, user_id, event_type, payload, sequence_number, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.EventId.String(),
		event.ProjectId.String(),
		event.UserId.String(),
		string(event.Type),
		string(payload),
		sequenceNumber,
		event.Timestamp.UnixMilli(),
	); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return sequenceNumber, nil
}

// EventsAfter returns the persisted events for a project with sequence
// numbers strictly greater than afterSequenceNumber, in sequence order.
// Events whose type this reader does not understand are skipped.
func (self *EventStore) EventsAfter(ctx context.Context, projectId Id, afterSequenceNumber uint64) ([]*ChangeEvent, error) {
	rows, err := self.db.QueryContext(ctx,
		`SELECT id, user_id, event_type, payload, sequence_number, timestamp
			FROM events
			WHERE project_id = ? AND sequence_number > ?
			ORDER BY sequence_number ASC`,
		projectId.String(),
		afterSequenceNumber,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*ChangeEvent
	for rows.Next() {
		var eventIdStr string
		var userIdStr string
		var eventType string
		var payload string
		var sequenceNumber uint64
		var timestampMillis int64
		if err := rows.Scan(&eventIdStr, &userIdStr, &eventType, &payload, &sequenceNumber, &timestampMillis); err != nil {
			return nil, err
		}
		eventId, err := ParseId(eventIdStr)
		if err != nil {
			return nil, err
		}
		userId, err := ParseId(userIdStr)
		if err != nil {
			return nil, err
		}
		eventPayload, err := decodeEventPayload(EventType(eventType), []byte(payload))
		if err != nil {
			if errors.Is(err, ErrUnknownEventType) {
				// written by a newer writer. skip, keep the rest
				continue
			}
			return nil, err
		}
		events = append(events, &ChangeEvent{
			EventId:        eventId,
			ProjectId:      projectId,
			UserId:         userId,
			SequenceNumber: sequenceNumber,
			Type:           EventType(eventType),
			Payload:        eventPayload,
			Timestamp:      time.UnixMilli(timestampMillis).UTC(),
		})
	}
	return events, rows.Err()
}

// LastSequence returns the highest assigned sequence number for a project,
// zero when the project has no events.
func (self *EventStore) LastSequence(ctx context.Context, projectId Id) (uint64, error) {
	var lastSequenceNumber uint64
	err := self.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence_number), 0) FROM events WHERE project_id = ?`,
		projectId.String(),
	).Scan(&lastSequenceNumber)
	return lastSequenceNumber, err
}

// SaveSnapshot persists a snapshot bundle. An existing bundle at the same
// sequence number is replaced; older bundles are superseded, never mutated.
func (self *EventStore) SaveSnapshot(ctx context.Context, projectId Id, sequenceNumber uint64, body []byte) error {
	_, err := self.db.ExecContext(ctx,
		`INSERT INTO snapshots (project_id, sequence_number, body, created_time)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (project_id, sequence_number) DO UPDATE SET body = excluded.body, created_time = excluded.created_time`,
		projectId.String(),
		sequenceNumber,
		body,
		time.Now().UnixMilli(),
	)
	return err
}

// LatestSnapshot returns the newest snapshot bundle for a project, or a nil
// body when no snapshot exists.
func (self *EventStore) LatestSnapshot(ctx context.Context, projectId Id) ([]byte, uint64, error) {
	var body []byte
	var sequenceNumber uint64
	err := self.db.QueryRowContext(ctx,
		`SELECT body, sequence_number FROM snapshots
			WHERE project_id = ?
			ORDER BY sequence_number DESC
			LIMIT 1`,
		projectId.String(),
	).Scan(&body, &sequenceNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return body, sequenceNumber, nil
}

// CreatedEntityIds scans the log and returns the ids of entities that exist
// after replaying create and delete events. Used by a room hub on creation
// to seed its conflict set.
func (self *EventStore) CreatedEntityIds(ctx context.Context, projectId Id) (map[Id]bool, error) {
	events, err := self.EventsAfter(ctx, projectId, 0)
	if err != nil {
		return nil, err
	}
	entityIds := map[Id]bool{}
	for _, event := range events {
		switch v := event.Payload.(type) {
		case *EntityCreated:
			entityIds[v.EntityId] = true
		case *EntityDeleted:
			delete(entityIds, v.EntityId)
		}
	}
	return entityIds, nil
}

func (self *EventStore) Close() error {
	return self.db.Close()
}
