package review

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"loom/internal/config"
)

//go:embed schema.sql
var schemaSQL string

// SessionStore persists review sessions and audit records. Transitions are
// compare-and-set so concurrent resolvers and timers cannot double-close a
// session.
type SessionStore interface {
	Create(ctx context.Context, session *Session) error
	Get(ctx context.Context, sessionID string) (*Session, error)
	ActiveForItem(ctx context.Context, workItemID int64, stage string) (*Session, error)
	ListActive(ctx context.Context) ([]*Session, error)
	ListByItem(ctx context.Context, workItemID int64) ([]*Session, error)
	Complete(ctx context.Context, sessionID string, decision Decision, reviewer, comments string) (*Session, error)
	Escalate(ctx context.Context, sessionID string, deadline time.Time) (*Session, error)
	Abandon(ctx context.Context, sessionID string) (*Session, error)
	AppendAudit(ctx context.Context, record *AuditRecord) error
	AuditsForItem(ctx context.Context, workItemID int64) ([]*AuditRecord, error)
	Stats(ctx context.Context) (*Stats, error)
	Close() error
}

// SQLiteStore implements SessionStore on a shared SQLite database so the
// daemon's timers and the CLI's resolve command see the same sessions.
type SQLiteStore struct {
	db *sql.DB
}

// OpenStore opens the session database configured under the data directory.
func OpenStore(cfg *config.Config) (*SQLiteStore, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}
	return OpenStorePath(cfg.SessionDatabasePath())
}

// OpenStorePath opens the session database at an explicit location.
func OpenStorePath(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create session schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const sessionColumns = `id, session_id, work_item_id, item_key, stage, status, reviewers,
    score, context, decision, decided_by, comments, created_at, updated_at, deadline_at, escalated_at`

func (s *SQLiteStore) Create(ctx context.Context, session *Session) error {
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	if session.Status == "" {
		session.Status = StatusPending
	}

	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO review_sessions (
            session_id, work_item_id, item_key, stage, status, reviewers,
            score, context, created_at, updated_at, deadline_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.SessionID,
		session.WorkItemID,
		session.ItemKey,
		session.Stage,
		string(session.Status),
		strings.Join(session.Reviewers, ","),
		session.Score,
		session.Context,
		session.CreatedAt.Format(time.RFC3339Nano),
		session.UpdatedAt.Format(time.RFC3339Nano),
		session.DeadlineAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: item %d stage %s", ErrDuplicateSession, session.WorkItemID, session.Stage)
		}
		return fmt.Errorf("insert review session: %w", err)
	}
	session.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM review_sessions WHERE session_id = ?`, sessionID)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return session, err
}

func (s *SQLiteStore) ActiveForItem(ctx context.Context, workItemID int64, stage string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM review_sessions
         WHERE work_item_id = ? AND stage = ? AND status IN ('pending', 'escalated')`,
		workItemID, stage)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return session, err
}

func (s *SQLiteStore) ListActive(ctx context.Context) ([]*Session, error) {
	return s.list(ctx,
		`SELECT `+sessionColumns+` FROM review_sessions
         WHERE status IN ('pending', 'escalated') ORDER BY created_at ASC`)
}

func (s *SQLiteStore) ListByItem(ctx context.Context, workItemID int64) ([]*Session, error) {
	return s.list(ctx,
		`SELECT `+sessionColumns+` FROM review_sessions
         WHERE work_item_id = ? ORDER BY created_at ASC`, workItemID)
}

func (s *SQLiteStore) list(ctx context.Context, query string, args ...any) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query review sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// Complete atomically transitions an active session to Completed with the
// reviewer's decision. Returns ErrUnknownSession if the session is absent
// or already closed.
func (s *SQLiteStore) Complete(ctx context.Context, sessionID string, decision Decision, reviewer, comments string) (*Session, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx,
		`UPDATE review_sessions
         SET status = ?, decision = ?, decided_by = ?, comments = ?, updated_at = ?
         WHERE session_id = ? AND status IN ('pending', 'escalated')`,
		string(StatusCompleted), string(decision), reviewer, comments, now, sessionID)
	if err != nil {
		return nil, fmt.Errorf("complete review session: %w", err)
	}
	return s.afterTransition(ctx, sessionID, res)
}

// Escalate atomically transitions a Pending session to Escalated and
// extends its deadline. Sessions already escalated or closed are left
// untouched.
func (s *SQLiteStore) Escalate(ctx context.Context, sessionID string, deadline time.Time) (*Session, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx,
		`UPDATE review_sessions
         SET status = ?, deadline_at = ?, escalated_at = ?, updated_at = ?
         WHERE session_id = ? AND status = 'pending'`,
		string(StatusEscalated), deadline.UTC().Format(time.RFC3339Nano), now, now, sessionID)
	if err != nil {
		return nil, fmt.Errorf("escalate review session: %w", err)
	}
	return s.afterTransition(ctx, sessionID, res)
}

// Abandon atomically transitions an active session to Abandoned.
func (s *SQLiteStore) Abandon(ctx context.Context, sessionID string) (*Session, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx,
		`UPDATE review_sessions
         SET status = ?, updated_at = ?
         WHERE session_id = ? AND status IN ('pending', 'escalated')`,
		string(StatusAbandoned), now, sessionID)
	if err != nil {
		return nil, fmt.Errorf("abandon review session: %w", err)
	}
	return s.afterTransition(ctx, sessionID, res)
}

func (s *SQLiteStore) afterTransition(ctx context.Context, sessionID string, res sql.Result) (*Session, error) {
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	return session, nil
}

func (s *SQLiteStore) AppendAudit(ctx context.Context, record *AuditRecord) error {
	if record.RecordedAt.IsZero() {
		record.RecordedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_records (
            session_id, work_item_id, stage, decision, reviewer, score, comments, recorded_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		record.SessionID,
		record.WorkItemID,
		record.Stage,
		string(record.Decision),
		record.Reviewer,
		record.Score,
		record.Comments,
		record.RecordedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	record.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AuditsForItem(ctx context.Context, workItemID int64) ([]*AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, work_item_id, stage, decision, reviewer, score, comments, recorded_at
         FROM audit_records WHERE work_item_id = ? ORDER BY recorded_at ASC`, workItemID)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()

	var records []*AuditRecord
	for rows.Next() {
		var record AuditRecord
		var decision, recordedAt string
		if err := rows.Scan(
			&record.ID, &record.SessionID, &record.WorkItemID, &record.Stage,
			&decision, &record.Reviewer, &record.Score, &record.Comments, &recordedAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		record.Decision = Decision(decision)
		record.RecordedAt = parseTime(recordedAt)
		records = append(records, &record)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		ByStatus:   make(map[Status]int),
		ByDecision: make(map[Decision]int),
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM review_sessions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("query session stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan session stats: %w", err)
		}
		stats.ByStatus[Status(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	decisionRows, err := s.db.QueryContext(ctx,
		`SELECT decision, COUNT(*) FROM review_sessions
         WHERE decision != '' GROUP BY decision`)
	if err != nil {
		return nil, fmt.Errorf("query decision stats: %w", err)
	}
	defer decisionRows.Close()
	for decisionRows.Next() {
		var decision string
		var count int
		if err := decisionRows.Scan(&decision, &count); err != nil {
			return nil, fmt.Errorf("scan decision stats: %w", err)
		}
		stats.ByDecision[Decision(decision)] = count
	}
	if err := decisionRows.Err(); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(AVG((julianday(updated_at) - julianday(created_at)) * 86400.0), 0)
         FROM review_sessions WHERE status = 'completed'`)
	if err := row.Scan(&stats.AvgResolutionSecs); err != nil {
		return nil, fmt.Errorf("scan resolution stats: %w", err)
	}

	escalationRow := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM review_sessions WHERE escalated_at IS NOT NULL`)
	if err := escalationRow.Scan(&stats.Escalations); err != nil {
		return nil, fmt.Errorf("scan escalation stats: %w", err)
	}
	return stats, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var session Session
	var status, decision, reviewers, createdAt, updatedAt, deadlineAt string
	var escalatedAt sql.NullString
	if err := row.Scan(
		&session.ID,
		&session.SessionID,
		&session.WorkItemID,
		&session.ItemKey,
		&session.Stage,
		&status,
		&reviewers,
		&session.Score,
		&session.Context,
		&decision,
		&session.DecidedBy,
		&session.Comments,
		&createdAt,
		&updatedAt,
		&deadlineAt,
		&escalatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan review session: %w", err)
	}
	session.Status = Status(status)
	session.Decision = Decision(decision)
	if reviewers != "" {
		session.Reviewers = strings.Split(reviewers, ",")
	}
	session.CreatedAt = parseTime(createdAt)
	session.UpdatedAt = parseTime(updatedAt)
	session.DeadlineAt = parseTime(deadlineAt)
	if escalatedAt.Valid && escalatedAt.String != "" {
		session.EscalatedAt = parseTime(escalatedAt.String)
	}
	return &session, nil
}

func parseTime(value string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed
		}
	}
	return time.Time{}
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed")
}
