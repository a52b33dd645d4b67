package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/banshee-data/opi.server/internal/opi"
)

// SessionRow is one journaled session.
type SessionRow struct {
	ID         string     `json:"id"`
	Remote     string     `json:"remote"`
	Machine    string     `json:"machine,omitempty"`
	Opened     time.Time  `json:"opened"`
	Closed     *time.Time `json:"closed,omitempty"`
	FinalState string     `json:"final_state,omitempty"`
	Commands   int        `json:"commands"`
}

// CommandRow is one journaled command.
type CommandRow struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"session_id"`
	Machine   string          `json:"machine,omitempty"`
	Command   string          `json:"command"`
	Request   json.RawMessage `json:"request"`
	Reply     json.RawMessage `json:"reply"`
	OK        bool            `json:"ok"`
	Started   time.Time       `json:"started"`
	Duration  time.Duration   `json:"duration"`
}

var _ opi.Journal = (*DB)(nil)

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnix(s float64) time.Time {
	return time.Unix(0, int64(s*1e9)).UTC()
}

func encodeMessage(m opi.Message) string {
	b, err := json.Marshal(m)
	if err != nil {
		b, _ = json.Marshal(map[string]string{"unencodable": err.Error()})
	}
	return string(b)
}

// SessionOpened implements opi.Journal.
func (db *DB) SessionOpened(id, remote string, at time.Time) error {
	_, err := db.Exec(
		`INSERT INTO sessions (session_id, remote, opened_unix) VALUES (?, ?, ?)`,
		id, remote, unixSeconds(at),
	)
	if err != nil {
		return fmt.Errorf("journal session %s: %w", id, err)
	}
	return nil
}

// CommandHandled implements opi.Journal.
func (db *DB) CommandHandled(rec opi.CommandRecord) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO commands (
			session_id, machine, command, request_json, reply_json, ok,
			started_unix, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.Machine, rec.Command,
		encodeMessage(rec.Request), encodeMessage(rec.Reply), rec.OK,
		unixSeconds(rec.Started), float64(rec.Duration)/float64(time.Millisecond),
	); err != nil {
		return fmt.Errorf("journal command %s: %w", rec.Command, err)
	}
	if _, err := tx.Exec(
		`UPDATE sessions
		SET command_count = command_count + 1,
			machine = CASE WHEN ? <> '' THEN ? ELSE machine END
		WHERE session_id = ?`,
		rec.Machine, rec.Machine, rec.SessionID,
	); err != nil {
		return fmt.Errorf("journal command count: %w", err)
	}
	return tx.Commit()
}

// SessionClosed implements opi.Journal.
func (db *DB) SessionClosed(id string, state opi.State, at time.Time) error {
	_, err := db.Exec(
		`UPDATE sessions SET closed_unix = ?, final_state = ? WHERE session_id = ?`,
		unixSeconds(at), state.String(), id,
	)
	return err
}

// Sessions returns the most recently opened sessions, newest first.
func (db *DB) Sessions(limit int) ([]SessionRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`SELECT session_id, remote, machine, opened_unix, closed_unix,
			final_state, command_count
		FROM sessions ORDER BY opened_unix DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var (
			r      SessionRow
			opened float64
			closed sql.NullFloat64
			state  sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Remote, &r.Machine, &opened, &closed, &state, &r.Commands); err != nil {
			return nil, err
		}
		r.Opened = fromUnix(opened)
		if closed.Valid {
			t := fromUnix(closed.Float64)
			r.Closed = &t
		}
		r.FinalState = state.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// Commands returns the commands of one session in the order they were
// handled.
func (db *DB) Commands(sessionID string) ([]CommandRow, error) {
	rows, err := db.Query(`SELECT command_id, session_id, machine, command, request_json,
			reply_json, ok, started_unix, duration_ms
		FROM commands WHERE session_id = ? ORDER BY command_id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CommandRow
	for rows.Next() {
		var (
			r          CommandRow
			req, reply string
			started    float64
			durationMS float64
		)
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Machine, &r.Command, &req, &reply, &r.OK, &started, &durationMS); err != nil {
			return nil, err
		}
		r.Request = json.RawMessage(req)
		r.Reply = json.RawMessage(reply)
		r.Started = fromUnix(started)
		r.Duration = time.Duration(durationMS * float64(time.Millisecond))
		out = append(out, r)
	}
	return out, rows.Err()
}
