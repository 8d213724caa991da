// Package sqlite provides a SQLite implementation of storage.RecordStore
// using the pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/yyd/aurora/pkg/storage"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

// Config holds configuration for SQLiteStorage.
type Config struct {
	Path        string
	BusyTimeout time.Duration
}

// SQLiteStorage implements storage.RecordStore. Each record is stored as
// a JSON document next to the columns its filters need.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens the database at config.Path and applies the schema.
func NewSQLiteStorage(config *Config) (*SQLiteStorage, error) {
	if config.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(config.Path), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	busy := config.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		config.Path, busy.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, &storage.StorageUnavailableError{Cause: err}
	}
	// One writer; SQLite serializes anyway and this avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, &storage.StorageUnavailableError{Cause: err}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &SQLiteStorage{db: db}, nil
}

// Ping verifies database connectivity.
func (s *SQLiteStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return math.MinInt64
	}
	return t.UnixNano()
}

func encode(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", &storage.SerializationError{Operation: "marshal", Cause: err}
	}
	return string(data), nil
}

func decode(data string, v interface{}) error {
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return &storage.SerializationError{Operation: "unmarshal", Cause: err}
	}
	return nil
}

func isUnique(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func sqlLimit(n int) int {
	if n <= 0 {
		return -1
	}
	return n
}

// getOne loads the data column of a single row into v.
func (s *SQLiteStorage) getOne(ctx context.Context, query, entity, id string, v interface{}) error {
	var data string
	err := s.db.QueryRowContext(ctx, query, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return &storage.NotFoundError{EntityType: entity, ID: id}
	}
	if err != nil {
		return fmt.Errorf("query %s: %w", entity, err)
	}
	return decode(data, v)
}

// queryAll decodes the data column of every row into a new T.
func queryAll[T any](ctx context.Context, db *sql.DB, query string, args ...interface{}) ([]*T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []*T
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		v := new(T)
		if err := decode(data, v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) execAffecting(ctx context.Context, entity, id, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("write %s: %w", entity, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &storage.NotFoundError{EntityType: entity, ID: id}
	}
	return nil
}

func (s *SQLiteStorage) CreateSession(ctx context.Context, sess *storage.Session) error {
	data, err := encode(sess)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, status, version, created_at, last_active_at, data) VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, string(sess.Status), sess.Version, nanos(sess.CreatedAt), nanos(sess.LastActiveAt), data)
	if isUnique(err) {
		return &storage.DuplicateKeyError{EntityType: "session", ID: sess.ID}
	}
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) GetSession(ctx context.Context, id string) (*storage.Session, error) {
	var sess storage.Session
	if err := s.getOne(ctx, `SELECT data FROM sessions WHERE id = ?`, "session", id, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *SQLiteStorage) UpdateSession(ctx context.Context, sess *storage.Session, expectedVersion int64) error {
	next := sess.Clone()
	next.Version = expectedVersion + 1
	data, err := encode(next)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, version = ?, last_active_at = ?, data = ? WHERE id = ? AND version = ?`,
		string(next.Status), next.Version, nanos(next.LastActiveAt), data, sess.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		sess.Version = next.Version
		return nil
	}

	var actual int64
	err = s.db.QueryRowContext(ctx, `SELECT version FROM sessions WHERE id = ?`, sess.ID).Scan(&actual)
	if errors.Is(err, sql.ErrNoRows) {
		return &storage.NotFoundError{EntityType: "session", ID: sess.ID}
	}
	if err != nil {
		return fmt.Errorf("read session version: %w", err)
	}
	return &storage.ConflictError{EntityType: "session", ID: sess.ID, Expected: expectedVersion, Actual: actual}
}

func (s *SQLiteStorage) ListSessions(ctx context.Context, filter storage.SessionFilter) ([]*storage.Session, error) {
	query := `SELECT data FROM sessions WHERE 1 = 1`
	var args []interface{}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if !filter.InactiveBefore.IsZero() {
		query += ` AND last_active_at < ?`
		args = append(args, nanos(filter.InactiveBefore))
	}
	query += ` ORDER BY created_at ASC LIMIT ?`
	args = append(args, sqlLimit(filter.Limit))
	return queryAll[storage.Session](ctx, s.db, query, args...)
}

func (s *SQLiteStorage) AppendMessage(ctx context.Context, m *storage.Message) error {
	data, err := encode(m)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, created_at, data) VALUES (?, ?, ?, ?)`,
		m.ID, m.SessionID, nanos(m.CreatedAt), data)
	if isUnique(err) {
		return &storage.DuplicateKeyError{EntityType: "message", ID: m.ID}
	}
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) GetMessage(ctx context.Context, id string) (*storage.Message, error) {
	var m storage.Message
	if err := s.getOne(ctx, `SELECT data FROM messages WHERE id = ?`, "message", id, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *SQLiteStorage) DeleteMessage(ctx context.Context, id string) error {
	return s.execAffecting(ctx, "message", id, `DELETE FROM messages WHERE id = ?`, id)
}

func (s *SQLiteStorage) ListMessages(ctx context.Context, sessionID string, limit int) ([]*storage.Message, error) {
	return queryAll[storage.Message](ctx, s.db,
		`SELECT data FROM (SELECT seq, data FROM messages WHERE session_id = ? ORDER BY seq DESC LIMIT ?) ORDER BY seq ASC`,
		sessionID, sqlLimit(limit))
}

func (s *SQLiteStorage) SaveKnowledge(ctx context.Context, e *storage.KnowledgeEntry) error {
	data, err := encode(e)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
	INSERT INTO knowledge (id, category, active, pending, data) VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		category = excluded.category,
		active = excluded.active,
		pending = excluded.pending,
		data = excluded.data`,
		e.ID, e.Category, boolInt(e.Active), boolInt(e.EmbeddingPending), data)
	if err != nil {
		return fmt.Errorf("upsert knowledge: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) GetKnowledge(ctx context.Context, id string) (*storage.KnowledgeEntry, error) {
	var e storage.KnowledgeEntry
	if err := s.getOne(ctx, `SELECT data FROM knowledge WHERE id = ?`, "knowledge", id, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *SQLiteStorage) ListKnowledge(ctx context.Context, filter storage.KnowledgeFilter) ([]*storage.KnowledgeEntry, error) {
	query := `SELECT data FROM knowledge WHERE 1 = 1`
	var args []interface{}
	if !filter.IncludeInactive {
		query += ` AND active = 1`
	}
	if filter.Category != "" {
		query += ` AND category = ?`
		args = append(args, filter.Category)
	}
	if filter.PendingOnly {
		query += ` AND pending = 1`
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, sqlLimit(filter.Limit))
	return queryAll[storage.KnowledgeEntry](ctx, s.db, query, args...)
}

func (s *SQLiteStorage) DeleteKnowledge(ctx context.Context, id string) error {
	return s.execAffecting(ctx, "knowledge", id, `DELETE FROM knowledge WHERE id = ?`, id)
}

func (s *SQLiteStorage) RecordKnowledgeUsage(ctx context.Context, id string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var data string
	err = tx.QueryRowContext(ctx, `SELECT data FROM knowledge WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return &storage.NotFoundError{EntityType: "knowledge", ID: id}
	}
	if err != nil {
		return fmt.Errorf("query knowledge: %w", err)
	}

	var e storage.KnowledgeEntry
	if err := decode(data, &e); err != nil {
		return err
	}
	e.UsageCount++
	e.LastUsedAt = &at
	if data, err = encode(&e); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE knowledge SET data = ? WHERE id = ?`, data, id); err != nil {
		return fmt.Errorf("update knowledge: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStorage) AppendExperience(ctx context.Context, e *storage.Experience) error {
	data, err := encode(e)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO experiences (id, created_at, data) VALUES (?, ?, ?)`, e.ID, nanos(e.CreatedAt), data)
	if err != nil {
		return fmt.Errorf("insert experience: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) ListExperiences(ctx context.Context, since time.Time, limit int) ([]*storage.Experience, error) {
	return queryAll[storage.Experience](ctx, s.db,
		`SELECT data FROM (SELECT seq, data FROM experiences WHERE created_at >= ? ORDER BY seq DESC LIMIT ?) ORDER BY seq ASC`,
		nanos(since), sqlLimit(limit))
}

func (s *SQLiteStorage) CreateHandoff(ctx context.Context, h *storage.HandoffRecord) error {
	data, err := encode(h)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO handoffs (id, session_id, status, created_at, data) VALUES (?, ?, ?, ?, ?)`,
		h.ID, h.SessionID, string(h.Status), nanos(h.CreatedAt), data)
	if isUnique(err) {
		return &storage.DuplicateKeyError{EntityType: "handoff", ID: h.ID}
	}
	if err != nil {
		return fmt.Errorf("insert handoff: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) GetHandoff(ctx context.Context, id string) (*storage.HandoffRecord, error) {
	var h storage.HandoffRecord
	if err := s.getOne(ctx, `SELECT data FROM handoffs WHERE id = ?`, "handoff", id, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func (s *SQLiteStorage) UpdateHandoff(ctx context.Context, h *storage.HandoffRecord) error {
	data, err := encode(h)
	if err != nil {
		return err
	}
	return s.execAffecting(ctx, "handoff", h.ID,
		`UPDATE handoffs SET session_id = ?, status = ?, data = ? WHERE id = ?`,
		h.SessionID, string(h.Status), data, h.ID)
}

func (s *SQLiteStorage) DeleteHandoff(ctx context.Context, id string) error {
	return s.execAffecting(ctx, "handoff", id, `DELETE FROM handoffs WHERE id = ?`, id)
}

func (s *SQLiteStorage) ListHandoffs(ctx context.Context, filter storage.HandoffFilter) ([]*storage.HandoffRecord, error) {
	query := `SELECT data FROM handoffs WHERE 1 = 1`
	var args []interface{}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, filter.SessionID)
	}
	query += ` ORDER BY created_at ASC LIMIT ?`
	args = append(args, sqlLimit(filter.Limit))
	return queryAll[storage.HandoffRecord](ctx, s.db, query, args...)
}

func (s *SQLiteStorage) SaveEpisode(ctx context.Context, e *storage.Episode) error {
	data, err := encode(e)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
	INSERT INTO episodes (id, customer_id, session_id, rating, created_at, data) VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		customer_id = excluded.customer_id,
		session_id = excluded.session_id,
		rating = excluded.rating,
		data = excluded.data`,
		e.ID, e.CustomerID, e.SessionID, e.Rating, nanos(e.CreatedAt), data)
	if err != nil {
		return fmt.Errorf("upsert episode: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) GetEpisode(ctx context.Context, id string) (*storage.Episode, error) {
	var e storage.Episode
	if err := s.getOne(ctx, `SELECT data FROM episodes WHERE id = ?`, "episode", id, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *SQLiteStorage) ListEpisodes(ctx context.Context, filter storage.EpisodeFilter) ([]*storage.Episode, error) {
	query := `SELECT data FROM episodes WHERE 1 = 1`
	var args []interface{}
	if filter.CustomerID != "" {
		query += ` AND customer_id = ?`
		args = append(args, filter.CustomerID)
	}
	if filter.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, filter.SessionID)
	}
	if filter.MinRating > 0 {
		query += ` AND rating >= ?`
		args = append(args, filter.MinRating)
	}
	if !filter.CreatedBefore.IsZero() {
		query += ` AND created_at < ?`
		args = append(args, nanos(filter.CreatedBefore))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, sqlLimit(filter.Limit))
	return queryAll[storage.Episode](ctx, s.db, query, args...)
}

// Close closes the database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

var _ storage.RecordStore = (*SQLiteStorage)(nil)
