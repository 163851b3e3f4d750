// Package persistence implements the message and category stores on an
// embedded SQLite database.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"mailsort_daemon/core/domain"
	"mailsort_daemon/core/port/out"
	"mailsort_daemon/pkg/logger"
)

var _ out.MessageStorePort = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	message_id   TEXT PRIMARY KEY,
	folder       TEXT NOT NULL,
	subject      TEXT NOT NULL DEFAULT '',
	sender       TEXT NOT NULL DEFAULT '',
	source_ref   TEXT NOT NULL DEFAULT '',
	category     TEXT,
	confidence   REAL,
	is_junk      INTEGER NOT NULL DEFAULT 0,
	matched_rule TEXT,
	transferred  INTEGER NOT NULL DEFAULT 0,
	processed_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_folder   ON messages(folder);
CREATE INDEX IF NOT EXISTS idx_messages_category ON messages(category);

CREATE TABLE IF NOT EXISTS categories (
	name        TEXT PRIMARY KEY,
	description TEXT NOT NULL DEFAULT '',
	position    INTEGER NOT NULL
);
`

// Store is the single-writer embedded store shared by the pipeline and the
// bulk driver.
type Store struct {
	db  *sqlx.DB
	log zerolog.Logger
}

// New opens (creating if necessary) the database at path and applies the
// schema. The connection pool is capped at one writer.
func New(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply store schema: %w", err)
	}
	return &Store{db: db, log: logger.For("store")}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// =============================================================================
// Row Mapping
// =============================================================================

type messageRow struct {
	MessageID   string          `db:"message_id"`
	Folder      string          `db:"folder"`
	Subject     string          `db:"subject"`
	Sender      string          `db:"sender"`
	SourceRef   string          `db:"source_ref"`
	Category    sql.NullString  `db:"category"`
	Confidence  sql.NullFloat64 `db:"confidence"`
	IsJunk      bool            `db:"is_junk"`
	MatchedRule sql.NullString  `db:"matched_rule"`
	Transferred bool            `db:"transferred"`
	ProcessedAt time.Time       `db:"processed_at"`
}

func (r *messageRow) toEntity() *domain.MessageRecord {
	rec := &domain.MessageRecord{
		MessageID:   r.MessageID,
		Folder:      r.Folder,
		Subject:     r.Subject,
		Sender:      r.Sender,
		SourceRef:   r.SourceRef,
		IsJunk:      r.IsJunk,
		Transferred: r.Transferred,
		ProcessedAt: r.ProcessedAt,
	}
	if r.Category.Valid {
		rec.Category = &r.Category.String
	}
	if r.Confidence.Valid {
		rec.Confidence = &r.Confidence.Float64
	}
	if r.MatchedRule.Valid {
		rec.MatchedRule = &r.MatchedRule.String
	}
	return rec
}

type categoryRow struct {
	Name        string `db:"name"`
	Description string `db:"description"`
	Position    int    `db:"position"`
}

// =============================================================================
// Message Operations
// =============================================================================

// InsertIfAbsent inserts the record unless the message id is already known.
// The primary key absorbs duplicate ingestion.
func (s *Store) InsertIfAbsent(ctx context.Context, rec *domain.MessageRecord) (bool, error) {
	processedAt := rec.ProcessedAt
	if processedAt.IsZero() {
		processedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (message_id, folder, subject, sender, source_ref,
			category, confidence, is_junk, matched_rule, transferred, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO NOTHING`,
		rec.MessageID, rec.Folder, rec.Subject, rec.Sender, rec.SourceRef,
		rec.Category, rec.Confidence, rec.IsJunk, rec.MatchedRule, rec.Transferred, processedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert message %s: %w", rec.MessageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert message %s: %w", rec.MessageID, err)
	}
	return n > 0, nil
}

// Get returns the record for the message id, or nil when unknown.
func (s *Store) Get(ctx context.Context, messageID string) (*domain.MessageRecord, error) {
	var row messageRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM messages WHERE message_id = ?`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message %s: %w", messageID, err)
	}
	return row.toEntity(), nil
}

// Exists reports whether the message id is already recorded.
func (s *Store) Exists(ctx context.Context, messageID string) (bool, error) {
	var one int
	err := s.db.GetContext(ctx, &one, `SELECT 1 FROM messages WHERE message_id = ?`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check message %s: %w", messageID, err)
	}
	return true, nil
}

// UpdateClassification records the prediction on an existing row.
func (s *Store) UpdateClassification(ctx context.Context, messageID, category string, confidence float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET category = ?, confidence = ? WHERE message_id = ?`,
		category, confidence, messageID,
	)
	if err != nil {
		return fmt.Errorf("update classification %s: %w", messageID, err)
	}
	return nil
}

// MarkTransferred sets the transfer marker on one row.
func (s *Store) MarkTransferred(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET transferred = 1 WHERE message_id = ?`, messageID)
	if err != nil {
		return fmt.Errorf("mark transferred %s: %w", messageID, err)
	}
	return nil
}

// MarkTransferredBulk sets the marker for every id in one transaction.
func (s *Store) MarkTransferredBulk(ctx context.Context, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mark transferred bulk: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `UPDATE messages SET transferred = 1 WHERE message_id = ?`)
	if err != nil {
		return fmt.Errorf("mark transferred bulk: %w", err)
	}
	defer stmt.Close()

	for _, id := range messageIDs {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return fmt.Errorf("mark transferred %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// ClearTransferred resets all transfer markers and returns the count.
func (s *Store) ClearTransferred(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET transferred = 0 WHERE transferred = 1`)
	if err != nil {
		return 0, fmt.Errorf("clear transferred: %w", err)
	}
	return res.RowsAffected()
}

// ListByFolder returns records from one source folder.
func (s *Store) ListByFolder(ctx context.Context, folder string) ([]*domain.MessageRecord, error) {
	return s.list(ctx, `SELECT * FROM messages WHERE folder = ? ORDER BY processed_at`, folder)
}

// ListByCategory returns records classified into one category.
func (s *Store) ListByCategory(ctx context.Context, category string) ([]*domain.MessageRecord, error) {
	return s.list(ctx, `SELECT * FROM messages WHERE category = ? ORDER BY processed_at`, category)
}

// ListUnclassified returns non-junk records that have no prediction yet.
func (s *Store) ListUnclassified(ctx context.Context) ([]*domain.MessageRecord, error) {
	return s.list(ctx, `SELECT * FROM messages WHERE category IS NULL AND is_junk = 0 ORDER BY processed_at`)
}

// ListRecent returns the most recently processed records, newest first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]*domain.MessageRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.list(ctx, `SELECT * FROM messages ORDER BY processed_at DESC LIMIT ?`, limit)
}

func (s *Store) list(ctx context.Context, query string, args ...interface{}) ([]*domain.MessageRecord, error) {
	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	out := make([]*domain.MessageRecord, len(rows))
	for i := range rows {
		out[i] = rows[i].toEntity()
	}
	return out, nil
}

// CountByCategory returns classification counts keyed by category name.
func (s *Store) CountByCategory(ctx context.Context) (map[string]int, error) {
	var rows []struct {
		Category string `db:"category"`
		N        int    `db:"n"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT category, COUNT(*) AS n FROM messages
		WHERE category IS NOT NULL GROUP BY category`)
	if err != nil {
		return nil, fmt.Errorf("count by category: %w", err)
	}
	counts := make(map[string]int, len(rows))
	for _, r := range rows {
		counts[r.Category] = r.N
	}
	return counts, nil
}

// Count returns the total number of records.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM messages`); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// =============================================================================
// Category Operations
// =============================================================================

// ReplaceCategories swaps the categories table for the given set in one
// transaction, keeping insertion order in the position column.
func (s *Store) ReplaceCategories(ctx context.Context, categories []domain.Category) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("replace categories: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM categories`); err != nil {
		return fmt.Errorf("replace categories: %w", err)
	}
	for i, c := range categories {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO categories (name, description, position) VALUES (?, ?, ?)`,
			c.Name, c.Description, i)
		if err != nil {
			return fmt.Errorf("insert category %s: %w", c.Name, err)
		}
	}
	return tx.Commit()
}

// ListCategories returns the stored categories in position order.
func (s *Store) ListCategories(ctx context.Context) ([]domain.Category, error) {
	var rows []categoryRow
	err := s.db.SelectContext(ctx, &rows, `SELECT name, description, position FROM categories ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	out := make([]domain.Category, len(rows))
	for i, r := range rows {
		out[i] = domain.Category{Name: r.Name, Description: r.Description}
	}
	return out, nil
}
