package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/zhouzirui/theme-pulse/backend/internal/model/session"
	sessionService "github.com/zhouzirui/theme-pulse/backend/internal/service/session"
)

//go:embed schema.sql
var schema string

const timeLayout = time.RFC3339Nano

// Archive persists sessions to SQLite so they survive a restart.
type Archive struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
// The path can be ":memory:" for a throwaway database.
func Open(path string) (*Archive, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single connection keeps ":memory:" databases shared and serializes writers
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Archive{db: db}, nil
}

func applySchema(db *sql.DB) error {
	for _, stmt := range strings.Split(schema, ";") {
		stmt = removeComments(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w\nStatement: %s", err, stmt)
		}
	}
	return nil
}

func removeComments(stmt string) string {
	var kept []string
	for _, line := range strings.Split(stmt, "\n") {
		if idx := strings.Index(line, "--"); idx >= 0 {
			line = line[:idx]
		}
		if line = strings.TrimSpace(line); line != "" {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

// Close releases the database.
func (a *Archive) Close() error {
	return a.db.Close()
}

// SaveSession inserts or replaces a session row.
func (a *Archive) SaveSession(ctx context.Context, s session.Session) error {
	_, err := a.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO sessions (id, question, admin_token, created_at) VALUES (?, ?, ?, ?)`,
		s.ID, s.Question, s.AdminToken, s.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("save session %s: %w", s.ID, err)
	}
	return nil
}

// SaveResponse stores a response at its append position. Rows may arrive out of order.
func (a *Archive) SaveResponse(ctx context.Context, r session.Response, position int) error {
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO responses (id, session_id, position, student_name, answer, submitted_at) VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.SessionID, position, r.StudentName, r.Answer, r.SubmittedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("save response %s: %w", r.ID, err)
	}
	return nil
}

// SaveSummary replaces the stored summary of a session.
func (a *Archive) SaveSummary(ctx context.Context, sessionID string, summary *session.Summary) error {
	if summary == nil {
		return nil
	}
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	_, err = a.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO summaries (session_id, payload, updated_at) VALUES (?, ?, ?)`,
		sessionID, string(payload), summary.Timestamp.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("save summary %s: %w", sessionID, err)
	}
	return nil
}

// DeleteSession removes a session and everything attached to it.
func (a *Archive) DeleteSession(ctx context.Context, sessionID string) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, query := range []string{
		`DELETE FROM responses WHERE session_id = ?`,
		`DELETE FROM summaries WHERE session_id = ?`,
		`DELETE FROM sessions WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, query, sessionID); err != nil {
			return fmt.Errorf("delete session %s: %w", sessionID, err)
		}
	}
	return tx.Commit()
}

// Load reads every archived session with its responses in arrival order.
func (a *Archive) Load(ctx context.Context) ([]sessionService.Record, error) {
	records, index, err := a.loadSessions(ctx)
	if err != nil {
		return nil, err
	}
	if err := a.loadResponses(ctx, records, index); err != nil {
		return nil, err
	}
	if err := a.loadSummaries(ctx, records, index); err != nil {
		return nil, err
	}
	return records, nil
}

func (a *Archive) loadSessions(ctx context.Context) ([]sessionService.Record, map[string]int, error) {
	rows, err := a.db.QueryContext(ctx, `SELECT id, question, admin_token, created_at FROM sessions ORDER BY created_at`)
	if err != nil {
		return nil, nil, fmt.Errorf("load sessions: %w", err)
	}
	defer rows.Close()

	var records []sessionService.Record
	index := make(map[string]int)
	for rows.Next() {
		var s session.Session
		var created string
		if err := rows.Scan(&s.ID, &s.Question, &s.AdminToken, &created); err != nil {
			return nil, nil, fmt.Errorf("scan session: %w", err)
		}
		if s.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
			return nil, nil, fmt.Errorf("session %s created_at: %w", s.ID, err)
		}
		index[s.ID] = len(records)
		records = append(records, sessionService.Record{Session: s})
	}
	return records, index, rows.Err()
}

func (a *Archive) loadResponses(ctx context.Context, records []sessionService.Record, index map[string]int) error {
	rows, err := a.db.QueryContext(ctx,
		`SELECT id, session_id, student_name, answer, submitted_at FROM responses ORDER BY session_id, position`)
	if err != nil {
		return fmt.Errorf("load responses: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r session.Response
		var submitted string
		if err := rows.Scan(&r.ID, &r.SessionID, &r.StudentName, &r.Answer, &submitted); err != nil {
			return fmt.Errorf("scan response: %w", err)
		}
		i, ok := index[r.SessionID]
		if !ok {
			continue
		}
		if r.SubmittedAt, err = time.Parse(timeLayout, submitted); err != nil {
			return fmt.Errorf("response %s submitted_at: %w", r.ID, err)
		}
		records[i].Responses = append(records[i].Responses, r)
	}
	return rows.Err()
}

func (a *Archive) loadSummaries(ctx context.Context, records []sessionService.Record, index map[string]int) error {
	rows, err := a.db.QueryContext(ctx, `SELECT session_id, payload FROM summaries`)
	if err != nil {
		return fmt.Errorf("load summaries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var sessionID, payload string
		if err := rows.Scan(&sessionID, &payload); err != nil {
			return fmt.Errorf("scan summary: %w", err)
		}
		i, ok := index[sessionID]
		if !ok {
			continue
		}
		var summary session.Summary
		if err := json.Unmarshal([]byte(payload), &summary); err != nil {
			return fmt.Errorf("decode summary %s: %w", sessionID, err)
		}
		records[i].Summary = &summary
	}
	return rows.Err()
}
