package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/giovanni-agra/TelegramObsidianBridge/internal/errors"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/item"
)

const itemColumns = `
	id, kind, stage, content, content_ref, transcript, category, formatted,
	document_path, failure_reason, source_json, created_at, updated_at,
	stage_changed_at, version, attempts, last_error, last_attempt_at, delivered_at`

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// InsertItem stores a new item row. Returns ALREADY_EXISTS if the id is taken.
func InsertItem(ctx context.Context, db *sql.DB, it *item.Item) error {
	source, err := encodeSource(it.SourceMeta)
	if err != nil {
		return errors.NewInternal(err)
	}

	query := `INSERT INTO items (` + itemColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = db.ExecContext(ctx, query,
		it.ID, string(it.Kind), string(it.Stage), toNullString(&it.Content), toNullString(&it.ContentRef),
		toNullString(it.Transcript), toNullString(it.Category), toNullString(it.Formatted),
		toNullString(it.DocumentPath), toNullString(it.FailureReason), source,
		it.CreatedAt, it.UpdatedAt, it.StageChangedAt, it.Version,
		it.Attempts, toNullString(it.LastError), toNullInt64(it.LastAttemptAt), toNullInt64(it.DeliveredAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return errors.NewAlreadyExists(it.ID)
		}
		return errors.NewInternal(err)
	}
	return nil
}

// UpdateItem overwrites the content fields of an existing row, guarded on its
// stage and version. Bookkeeping columns are left alone. Returns false when
// the guard did not match.
func UpdateItem(ctx context.Context, db *sql.DB, it *item.Item, expectedVersion int64) (bool, error) {
	source, err := encodeSource(it.SourceMeta)
	if err != nil {
		return false, errors.NewInternal(err)
	}

	query := `
		UPDATE items
		SET kind = ?, content = ?, content_ref = ?, transcript = ?, category = ?,
			formatted = ?, document_path = ?, failure_reason = ?, source_json = ?,
			updated_at = ?, version = ?
		WHERE id = ? AND stage = ? AND version = ?
	`
	result, err := db.ExecContext(ctx, query,
		string(it.Kind), toNullString(&it.Content), toNullString(&it.ContentRef),
		toNullString(it.Transcript), toNullString(it.Category), toNullString(it.Formatted),
		toNullString(it.DocumentPath), toNullString(it.FailureReason), source,
		it.UpdatedAt, it.Version,
		it.ID, string(it.Stage), expectedVersion,
	)
	if err != nil {
		return false, errors.NewInternal(err)
	}
	return affected(result)
}

// CompareAndSetStage moves a row to it.Stage, writing every content field of
// it, only if the row is still at fromStage with fromVersion.
func CompareAndSetStage(ctx context.Context, db *sql.DB, it *item.Item, fromStage item.Stage, fromVersion int64) (bool, error) {
	source, err := encodeSource(it.SourceMeta)
	if err != nil {
		return false, errors.NewInternal(err)
	}

	query := `
		UPDATE items
		SET stage = ?, kind = ?, content = ?, content_ref = ?, transcript = ?,
			category = ?, formatted = ?, document_path = ?, failure_reason = ?,
			source_json = ?, updated_at = ?, stage_changed_at = ?, version = ?
		WHERE id = ? AND stage = ? AND version = ?
	`
	result, err := db.ExecContext(ctx, query,
		string(it.Stage), string(it.Kind), toNullString(&it.Content), toNullString(&it.ContentRef),
		toNullString(it.Transcript), toNullString(it.Category), toNullString(it.Formatted),
		toNullString(it.DocumentPath), toNullString(it.FailureReason), source,
		it.UpdatedAt, it.StageChangedAt, it.Version,
		it.ID, string(fromStage), fromVersion,
	)
	if err != nil {
		return false, errors.NewInternal(err)
	}
	return affected(result)
}

// ReplaceItem unconditionally writes every column of it, inserting the row if
// missing. Used only by recovery to rebuild the index from a representation.
func ReplaceItem(ctx context.Context, db *sql.DB, it *item.Item) error {
	source, err := encodeSource(it.SourceMeta)
	if err != nil {
		return errors.NewInternal(err)
	}

	query := `INSERT OR REPLACE INTO items (` + itemColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = db.ExecContext(ctx, query,
		it.ID, string(it.Kind), string(it.Stage), toNullString(&it.Content), toNullString(&it.ContentRef),
		toNullString(it.Transcript), toNullString(it.Category), toNullString(it.Formatted),
		toNullString(it.DocumentPath), toNullString(it.FailureReason), source,
		it.CreatedAt, it.UpdatedAt, it.StageChangedAt, it.Version,
		it.Attempts, toNullString(it.LastError), toNullInt64(it.LastAttemptAt), toNullInt64(it.DeliveredAt),
	)
	if err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// GetByID retrieves an item row by its ULID.
func GetByID(ctx context.Context, db *sql.DB, id string) (*item.Item, error) {
	query := `SELECT ` + itemColumns + ` FROM items WHERE id = ?`

	it, err := scanItem(db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFound(id)
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return it, nil
}

// ListAfter returns up to limit items at stage (and kind, when non-empty)
// ordered by created_at then id, starting strictly after the (afterCreated,
// afterID) key. An empty afterID starts from the beginning.
func ListAfter(ctx context.Context, db *sql.DB, stage item.Stage, kind item.Kind, afterCreated int64, afterID string, limit int) ([]*item.Item, error) {
	var (
		where = []string{"stage = ?"}
		args  = []any{string(stage)}
	)
	if kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(kind))
	}
	if afterID != "" {
		where = append(where, "(created_at > ? OR (created_at = ? AND id > ?))")
		args = append(args, afterCreated, afterCreated, afterID)
	}
	args = append(args, limit)

	query := `SELECT ` + itemColumns + ` FROM items
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY created_at ASC, id ASC
		LIMIT ?`

	return queryItems(ctx, db, query, args...)
}

// PageFilter selects a window of items for offset pagination.
type PageFilter struct {
	Stage  item.Stage
	Kind   item.Kind // optional
	Limit  int
	Offset int
}

// Page returns one page of items at a stage plus the total count.
func Page(ctx context.Context, db *sql.DB, f PageFilter) ([]*item.Item, int, error) {
	var (
		where = []string{"stage = ?"}
		args  = []any{string(f.Stage)}
	)
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	whereSQL := strings.Join(where, " AND ")

	var total int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM items WHERE `+whereSQL, args...).Scan(&total); err != nil {
		return nil, 0, errors.NewInternal(err)
	}

	query := `SELECT ` + itemColumns + ` FROM items
		WHERE ` + whereSQL + `
		ORDER BY created_at ASC, id ASC
		LIMIT ? OFFSET ?`
	items, err := queryItems(ctx, db, query, append(args, f.Limit, f.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// ReadyBefore returns ready items whose stage changed at or before cutoff,
// oldest first.
func ReadyBefore(ctx context.Context, db *sql.DB, cutoff int64) ([]*item.Item, error) {
	query := `SELECT ` + itemColumns + ` FROM items
		WHERE stage = ? AND stage_changed_at <= ?
		ORDER BY stage_changed_at ASC, id ASC`
	return queryItems(ctx, db, query, string(item.StageReady), cutoff)
}

// AllIDs returns every indexed id with its stage.
func AllIDs(ctx context.Context, db *sql.DB) (map[string]item.Stage, error) {
	rows, err := db.QueryContext(ctx, `SELECT id, stage FROM items`)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	result := make(map[string]item.Stage)
	for rows.Next() {
		var id, stage string
		if err := rows.Scan(&id, &stage); err != nil {
			return nil, errors.NewInternal(err)
		}
		result[id] = item.Stage(stage)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return result, nil
}

// RecordAttempt increments the attempt counter of an item still at stage and
// returns the new count. ok is false when no row matched.
func RecordAttempt(ctx context.Context, db *sql.DB, id string, stage item.Stage, errMsg string, at int64) (count int, ok bool, err error) {
	query := `
		UPDATE items
		SET attempts = attempts + 1, last_error = ?, last_attempt_at = ?
		WHERE id = ? AND stage = ?
		RETURNING attempts
	`
	err = db.QueryRowContext(ctx, query, toNullString(&errMsg), at, id, string(stage)).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.NewInternal(err)
	}
	return count, true, nil
}

// MarkDelivered records that the item's document reached the sink.
func MarkDelivered(ctx context.Context, db *sql.DB, id string, at int64) error {
	result, err := db.ExecContext(ctx, `UPDATE items SET delivered_at = ? WHERE id = ?`, at, id)
	if err != nil {
		return errors.NewInternal(err)
	}
	ok, err := affected(result)
	if err != nil {
		return err
	}
	if !ok {
		return errors.NewNotFound(id)
	}
	return nil
}

// CountRow is one group of CountByCreated.
type CountRow struct {
	Kind     item.Kind
	Category string
	Stage    item.Stage
	Count    int
}

// CountByCreated groups items created in [start, end) by kind, category and
// stage.
func CountByCreated(ctx context.Context, db *sql.DB, start, end int64) ([]CountRow, error) {
	query := `
		SELECT kind, COALESCE(category, ''), stage, COUNT(*)
		FROM items
		WHERE created_at >= ? AND created_at < ?
		GROUP BY kind, COALESCE(category, ''), stage
		ORDER BY kind, 2, stage
	`
	rows, err := db.QueryContext(ctx, query, start, end)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	var result []CountRow
	for rows.Next() {
		var (
			r           CountRow
			kind, stage string
		)
		if err := rows.Scan(&kind, &r.Category, &stage, &r.Count); err != nil {
			return nil, errors.NewInternal(err)
		}
		r.Kind = item.Kind(kind)
		r.Stage = item.Stage(stage)
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return result, nil
}

// StreamForExport returns a cursor over all items ordered by created_at.
// The caller must close the rows and scan them with ScanItemFromRows.
func StreamForExport(ctx context.Context, db *sql.DB, stage item.Stage) (*sql.Rows, error) {
	query := `SELECT ` + itemColumns + ` FROM items`
	var args []any
	if stage != "" {
		query += ` WHERE stage = ?`
		args = append(args, string(stage))
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return rows, nil
}

// ScanItemFromRows scans the current row of a StreamForExport cursor.
func ScanItemFromRows(rows *sql.Rows) (*item.Item, error) {
	return scanItem(rows)
}

// InsertEvent appends an event to the audit log and sets its sequence number.
func InsertEvent(ctx context.Context, db *sql.DB, ev *item.Event) error {
	result, err := db.ExecContext(ctx,
		`INSERT INTO item_events (item_id, type, level, message, created_at) VALUES (?, ?, ?, ?, ?)`,
		toNullString(item.StringPtr(ev.ItemID)), ev.Type, ev.Level, ev.Message, ev.CreatedAt,
	)
	if err != nil {
		return errors.NewInternal(err)
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return errors.NewInternal(err)
	}
	ev.Seq = seq
	return nil
}

// EventFilter selects audit log entries, newest first.
type EventFilter struct {
	ItemID string // optional
	Level  string // optional
	Limit  int    // <= 0 means all
}

// ListEvents returns events matching the filter, newest first.
func ListEvents(ctx context.Context, db *sql.DB, f EventFilter) ([]item.Event, error) {
	var (
		where []string
		args  []any
	)
	if f.ItemID != "" {
		where = append(where, "item_id = ?")
		args = append(args, f.ItemID)
	}
	if f.Level != "" {
		where = append(where, "level = ?")
		args = append(args, f.Level)
	}

	query := `SELECT seq, COALESCE(item_id, ''), type, level, message, created_at FROM item_events`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	limit := f.Limit
	if limit <= 0 {
		limit = -1 // no limit
	}
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	var events []item.Event
	for rows.Next() {
		var ev item.Event
		if err := rows.Scan(&ev.Seq, &ev.ItemID, &ev.Type, &ev.Level, &ev.Message, &ev.CreatedAt); err != nil {
			return nil, errors.NewInternal(err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return events, nil
}

func queryItems(ctx context.Context, db *sql.DB, query string, args ...any) ([]*item.Item, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	var items []*item.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, errors.NewInternal(err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return items, nil
}

// scanItem scans a single row into an Item.
func scanItem(row scanner) (*item.Item, error) {
	var (
		it                        item.Item
		kind, stage               string
		content, contentRef       sql.NullString
		transcript, category      sql.NullString
		formatted, documentPath   sql.NullString
		failureReason, sourceJSON sql.NullString
		lastError                 sql.NullString
		lastAttemptAt, delivered  sql.NullInt64
	)

	err := row.Scan(
		&it.ID, &kind, &stage, &content, &contentRef, &transcript, &category, &formatted,
		&documentPath, &failureReason, &sourceJSON, &it.CreatedAt, &it.UpdatedAt,
		&it.StageChangedAt, &it.Version, &it.Attempts, &lastError, &lastAttemptAt, &delivered,
	)
	if err != nil {
		return nil, err
	}

	it.Kind = item.Kind(kind)
	it.Stage = item.Stage(stage)
	it.Content = content.String
	it.ContentRef = contentRef.String
	it.Transcript = fromNullString(transcript)
	it.Category = fromNullString(category)
	it.Formatted = fromNullString(formatted)
	it.DocumentPath = fromNullString(documentPath)
	it.FailureReason = fromNullString(failureReason)
	it.LastError = fromNullString(lastError)
	it.LastAttemptAt = fromNullInt64(lastAttemptAt)
	it.DeliveredAt = fromNullInt64(delivered)

	if sourceJSON.Valid && sourceJSON.String != "" {
		if err := json.Unmarshal([]byte(sourceJSON.String), &it.SourceMeta); err != nil {
			return nil, err
		}
	}

	return &it, nil
}

func encodeSource(meta item.SourceMeta) (sql.NullString, error) {
	data, err := json.Marshal(meta)
	if err != nil {
		return sql.NullString{}, err
	}
	if string(data) == "{}" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func affected(result sql.Result) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, errors.NewInternal(err)
	}
	return n > 0, nil
}

// isUniqueConstraintError checks if the error is a SQLite UNIQUE constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	// SQLite returns "UNIQUE constraint failed: ..." for unique violations
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// toNullString converts a *string to sql.NullString.
func toNullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// fromNullString converts a sql.NullString to *string.
func fromNullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}

func toNullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func fromNullInt64(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	return &n.Int64
}
