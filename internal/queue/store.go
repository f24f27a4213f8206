package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"loom/internal/config"
)

// Store manages work item persistence backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Open initializes or connects to the queue database.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}
	return OpenPath(cfg.QueueDatabasePath())
}

// OpenPath opens the queue database at an explicit location.
func OpenPath(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: dbPath}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Submit enqueues a new work item for the named source artifact. The item key
// is derived from the source key; resubmitting the same artifact returns the
// existing item instead of creating a duplicate.
func (s *Store) Submit(ctx context.Context, sourceNamespace, sourceKey, payloadJSON string) (*Item, bool, error) {
	key := DeriveKey(sourceKey)
	if key == "" {
		return nil, false, errors.New("source key is required")
	}

	if existing, err := s.GetByKey(ctx, key); err != nil {
		return nil, false, err
	} else if existing != nil {
		return existing, false, nil
	}

	now := time.Now().UTC()
	timestamp := now.Format(time.RFC3339Nano)

	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO work_items (
            item_key, title, source_namespace, source_key, status, payload_json,
            created_at, updated_at, progress_percent
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key,
		inferTitleFromKey(sourceKey),
		nullableString(sourceNamespace),
		nullableString(sourceKey),
		StatusPending,
		nullableString(payloadJSON),
		timestamp,
		timestamp,
		0.0,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert work item: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, false, fmt.Errorf("last insert id: %w", err)
	}

	item, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return item, true, nil
}

// GetByID fetches a work item by identifier.
func (s *Store) GetByID(ctx context.Context, id int64) (*Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM work_items WHERE id = ?`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	return item, nil
}

// GetByKey returns the item matching a derived key, if any.
func (s *Store) GetByKey(ctx context.Context, key string) (*Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM work_items WHERE item_key = ?`, key)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get item by key: %w", err)
	}
	return item, nil
}

// Update persists changes to an existing work item.
func (s *Store) Update(ctx context.Context, item *Item) error {
	if item == nil {
		return errors.New("item is nil")
	}
	item.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE work_items
         SET title = ?, source_namespace = ?, source_key = ?, status = ?,
             payload_json = ?, history_json = ?, error_message = ?,
             review_stage = ?, review_reason = ?, deployment_ref = ?,
             progress_stage = ?, progress_percent = ?, progress_message = ?,
             updated_at = ?
         WHERE id = ?`,
		nullableString(item.Title),
		nullableString(item.SourceNamespace),
		nullableString(item.SourceKey),
		item.Status,
		nullableString(item.PayloadJSON),
		nullableString(item.HistoryJSON),
		nullableString(item.ErrorMessage),
		nullableString(item.ReviewStage),
		nullableString(item.ReviewReason),
		nullableString(item.DeploymentRef),
		nullableString(item.ProgressStage),
		item.ProgressPercent,
		nullableString(item.ProgressMessage),
		item.UpdatedAt.Format(time.RFC3339Nano),
		item.ID,
	)
	if err != nil {
		return fmt.Errorf("update item: %w", err)
	}
	return nil
}

// ItemsByStatus returns items matching a status ordered by creation time.
func (s *Store) ItemsByStatus(ctx context.Context, status Status) ([]*Item, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+itemColumns+` FROM work_items WHERE status = ? ORDER BY created_at`, status)
	if err != nil {
		return nil, fmt.Errorf("query by status: %w", err)
	}
	defer rows.Close()
	return collectItems(rows)
}

// List returns work items filtered by status set (or all items when no status is provided).
func (s *Store) List(ctx context.Context, statuses ...Status) ([]*Item, error) {
	var (
		rows *sql.Rows
		err  error
	)

	baseQuery := `SELECT ` + itemColumns + ` FROM work_items`
	orderClause := ` ORDER BY created_at`

	if len(statuses) == 0 {
		rows, err = s.db.QueryContext(ctx, baseQuery+orderClause)
	} else {
		placeholders := makePlaceholders(len(statuses))
		args := make([]any, len(statuses))
		for i, status := range statuses {
			args[i] = status
		}
		query := baseQuery + ` WHERE status IN (` + placeholders + `)` + orderClause
		rows, err = s.db.QueryContext(ctx, query, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("list work items: %w", err)
	}
	defer rows.Close()
	return collectItems(rows)
}

// ResetStuckProcessing resets items stranded in processing states back to the
// stage start status they were picked up from. Used on daemon startup after an
// unclean shutdown; completed stage artifacts make the rerun cheap.
func (s *Store) ResetStuckProcessing(ctx context.Context) (int64, error) {
	var total int64
	for processing, start := range processingResetTargets {
		res, err := s.db.ExecContext(
			ctx,
			`UPDATE work_items
             SET status = ?, progress_stage = 'Reset from stuck processing',
                 progress_percent = 0, progress_message = NULL, updated_at = ?
             WHERE status = ?`,
			start,
			time.Now().UTC().Format(time.RFC3339Nano),
			processing,
		)
		if err != nil {
			return total, fmt.Errorf("reset stuck items: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("rows affected: %w", err)
		}
		total += affected
	}
	return total, nil
}

// RetryFailed moves failed items back to pending for reprocessing.
func (s *Store) RetryFailed(ctx context.Context, ids ...int64) (int64, error) {
	if len(ids) == 0 {
		res, err := s.db.ExecContext(
			ctx,
			`UPDATE work_items
            SET status = ?, progress_stage = 'Retry requested', progress_percent = 0,
                progress_message = NULL, error_message = NULL, updated_at = ?
            WHERE status = ?`,
			StatusPending,
			time.Now().UTC().Format(time.RFC3339Nano),
			StatusFailed,
		)
		if err != nil {
			return 0, fmt.Errorf("retry failed items: %w", err)
		}
		return res.RowsAffected()
	}

	placeholders := makePlaceholders(len(ids))
	args := make([]any, 0, len(ids)+2)
	args = append(args, StatusPending, time.Now().UTC().Format(time.RFC3339Nano))
	for _, id := range ids {
		args = append(args, id)
	}
	query := `UPDATE work_items
        SET status = ?, progress_stage = 'Retry requested', progress_percent = 0,
            progress_message = NULL, error_message = NULL, updated_at = ?
        WHERE id IN (` + placeholders + `) AND status = '` + string(StatusFailed) + `'`
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("retry selected items: %w", err)
	}
	return res.RowsAffected()
}

// Stats returns a count of items grouped by status.
func (s *Store) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM work_items GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[Status]int)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

// Health aggregates queue state for diagnostic output.
func (s *Store) Health(ctx context.Context) (HealthSummary, error) {
	stats, err := s.Stats(ctx)
	if err != nil {
		return HealthSummary{}, err
	}
	health := HealthSummary{}
	for status, count := range stats {
		health.Total += count
		switch status {
		case StatusPending:
			health.Pending += count
		case StatusReview:
			health.Review += count
		case StatusFailed:
			health.Failed += count
		case StatusRejected:
			health.Rejected += count
		case StatusAbandoned:
			health.Abandoned += count
		case StatusDeployed:
			health.Deployed += count
		default:
			if _, ok := processingStatuses[status]; ok {
				health.Processing += count
			}
		}
	}
	return health, nil
}

// Remove deletes an item by identifier. Intended for operator cleanup only;
// the pipeline itself never deletes items.
func (s *Store) Remove(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM work_items WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete item: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// Clear removes all items from the queue.
func (s *Store) Clear(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM work_items`)
	if err != nil {
		return 0, fmt.Errorf("clear queue: %w", err)
	}
	return res.RowsAffected()
}

// ClearDeployed removes only deployed items from the queue.
func (s *Store) ClearDeployed(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM work_items WHERE status = ?`, StatusDeployed)
	if err != nil {
		return 0, fmt.Errorf("clear deployed: %w", err)
	}
	return res.RowsAffected()
}

// processingResetTargets maps in-flight statuses back to the stage start
// status the workflow would pick them up from.
var processingResetTargets = map[Status]Status{
	StatusValidating:  StatusPending,
	StatusDocumenting: StatusValidated,
	StatusSpecifying:  StatusDocumented,
	StatusGenerating:  StatusSpecified,
	StatusVerifying:   StatusGenerated,
	StatusDeploying:   StatusVerified,
}

const itemColumns = "id, item_key, title, source_namespace, source_key, status, payload_json, history_json, error_message, review_stage, review_reason, deployment_ref, progress_stage, progress_percent, progress_message, created_at, updated_at"

func collectItems(rows *sql.Rows) ([]*Item, error) {
	var items []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func scanItem(scanner interface{ Scan(dest ...any) error }) (*Item, error) {
	var (
		id              int64
		itemKey         string
		title           sql.NullString
		sourceNamespace sql.NullString
		sourceKey       sql.NullString
		statusStr       string
		payload         sql.NullString
		history         sql.NullString
		errorMessage    sql.NullString
		reviewStage     sql.NullString
		reviewReason    sql.NullString
		deploymentRef   sql.NullString
		progressStage   sql.NullString
		progressPercent sql.NullFloat64
		progressMessage sql.NullString
		createdRaw      sql.NullString
		updatedRaw      sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&itemKey,
		&title,
		&sourceNamespace,
		&sourceKey,
		&statusStr,
		&payload,
		&history,
		&errorMessage,
		&reviewStage,
		&reviewReason,
		&deploymentRef,
		&progressStage,
		&progressPercent,
		&progressMessage,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}

	item := &Item{
		ID:              id,
		Key:             itemKey,
		Title:           title.String,
		SourceNamespace: sourceNamespace.String,
		SourceKey:       sourceKey.String,
		Status:          Status(statusStr),
		PayloadJSON:     payload.String,
		HistoryJSON:     history.String,
		ErrorMessage:    errorMessage.String,
		ReviewStage:     reviewStage.String,
		ReviewReason:    reviewReason.String,
		DeploymentRef:   deploymentRef.String,
		ProgressStage:   progressStage.String,
		ProgressPercent: progressPercent.Float64,
		ProgressMessage: progressMessage.String,
	}

	if created, err := parseTimeString(createdRaw.String); err == nil {
		item.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		item.UpdatedAt = updated
	}
	return item, nil
}

// DeriveKey produces the stable item key for a source artifact name.
func DeriveKey(sourceKey string) string {
	base := strings.TrimSpace(filepath.Base(sourceKey))
	if base == "" || base == "." || base == "/" {
		return ""
	}
	base = strings.TrimSuffix(base, filepath.Ext(base))
	base = strings.ToLower(base)
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ', r == '.':
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

func inferTitleFromKey(sourceKey string) string {
	base := strings.TrimSpace(filepath.Base(sourceKey))
	if base == "" {
		return "Untitled"
	}
	base = strings.TrimSuffix(base, filepath.Ext(base))
	cleaned := strings.TrimSpace(strings.ReplaceAll(base, "_", " "))
	if cleaned == "" {
		return "Untitled"
	}
	return cleaned
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}
