package trace

import (
	"database/sql"
	"embed"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx" driver
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const maxCalls = 1000

// Store persists call traces to PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to a PostgreSQL trace database at connStr.
func Open(connStr string) (*Store, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("trace open: %w", err)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("trace ping: %w", err)
	}
	if err = migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("trace migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`)
	if err != nil {
		return err
	}

	var current int
	row := db.QueryRow(`SELECT COALESCE(MAX(version), -1) FROM schema_version`)
	if err = row.Scan(&current); err != nil {
		return err
	}

	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	for i := current + 1; i < len(entries); i++ {
		data, readErr := migrationFS.ReadFile("migrations/" + entries[i].Name())
		if readErr != nil {
			return fmt.Errorf("read migration %d: %w", i, readErr)
		}
		if _, execErr := db.Exec(string(data)); execErr != nil {
			return fmt.Errorf("migration %d: %w", i, execErr)
		}
		if _, execErr := db.Exec(`INSERT INTO schema_version (version) VALUES ($1)`, i); execErr != nil {
			return fmt.Errorf("migration %d record: %w", i, execErr)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateCall inserts a new call and prunes old ones.
func (s *Store) CreateCall(id, channelID, caller, called string) error {
	_, err := s.db.Exec(
		`INSERT INTO calls (id, channel_id, caller, called, started_at) VALUES ($1, $2, $3, $4, $5)`,
		id, channelID, caller, called, time.Now().UTC(),
	)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`DELETE FROM calls WHERE id NOT IN (SELECT id FROM calls ORDER BY started_at DESC LIMIT $1)`,
		maxCalls,
	)
	return err
}

// EndCall stamps the call's end time and reason.
func (s *Store) EndCall(id, reason string) error {
	_, err := s.db.Exec(
		`UPDATE calls SET ended_at = $1, end_reason = $2 WHERE id = $3`,
		time.Now().UTC(), reason, id,
	)
	return err
}

// CreateEvent inserts a conversation event.
func (s *Store) CreateEvent(ev Event) error {
	_, err := s.db.Exec(
		`INSERT INTO call_events (id, call_id, kind, role, content, at) VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.ID, ev.CallID, ev.Kind, ev.Role, ev.Content, ev.At.UTC(),
	)
	return err
}

// ListCalls returns calls ordered newest first, with event counts.
func (s *Store) ListCalls(limit, offset int) ([]Call, int, error) {
	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM calls`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.Query(`
		SELECT c.id, c.channel_id, c.caller, c.called, c.started_at, c.ended_at, c.end_reason,
		       COUNT(e.id) as event_count
		FROM calls c
		LEFT JOIN call_events e ON e.call_id = c.id
		GROUP BY c.id
		ORDER BY c.started_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var calls []Call
	for rows.Next() {
		var c Call
		var endedAt sql.NullTime
		var reason sql.NullString
		if err = rows.Scan(&c.ID, &c.ChannelID, &c.Caller, &c.Called, &c.StartedAt, &endedAt, &reason, &c.EventCount); err != nil {
			return nil, 0, err
		}
		if endedAt.Valid {
			c.EndedAt = &endedAt.Time
		}
		c.EndReason = reason.String
		calls = append(calls, c)
	}
	return calls, total, rows.Err()
}

// GetCall returns a single call with its events in order.
func (s *Store) GetCall(id string) (*Call, []Event, error) {
	var c Call
	var endedAt sql.NullTime
	var reason sql.NullString
	err := s.db.QueryRow(
		`SELECT id, channel_id, caller, called, started_at, ended_at, end_reason FROM calls WHERE id = $1`, id,
	).Scan(&c.ID, &c.ChannelID, &c.Caller, &c.Called, &c.StartedAt, &endedAt, &reason)
	if err != nil {
		return nil, nil, err
	}
	if endedAt.Valid {
		c.EndedAt = &endedAt.Time
	}
	c.EndReason = reason.String

	rows, err := s.db.Query(
		`SELECT id, call_id, kind, role, content, at FROM call_events WHERE call_id = $1 ORDER BY at ASC`,
		id,
	)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		if err = rows.Scan(&ev.ID, &ev.CallID, &ev.Kind, &ev.Role, &ev.Content, &ev.At); err != nil {
			return nil, nil, err
		}
		events = append(events, ev)
	}
	return &c, events, rows.Err()
}
