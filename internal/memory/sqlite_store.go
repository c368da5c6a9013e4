package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/easeaico/adk-repair-agent/internal/logging"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
// Rows are the ledger; the seq column preserves append order.
// Ranking is done in application memory by the same QueryIndex the JSONL
// ledger uses, loaded once at open and extended on every append.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger

	mu    sync.RWMutex
	index *QueryIndex
}

// NewSQLiteStore creates a new SQLiteStore connected to the given database path.
// The path should be a file path (e.g., "./memory.db") or ":memory:" for an
// in-memory database. The schema is created if missing and existing rows are
// indexed. Rows that cannot be decoded are skipped.
func NewSQLiteStore(ctx context.Context, dbPath string, logger *zap.Logger) (*SQLiteStore, error) {
	// Enable WAL mode for concurrent readers while a single writer appends
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite supports one writer; a single connection also keeps ":memory:"
	// databases from splitting across connections.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logging.OrNop(logger), index: NewQueryIndex()}
	if err := s.InitSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.load(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// InitSchema creates the necessary tables if they don't exist.
func (s *SQLiteStore) InitSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS memory_items (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			outcome TEXT NOT NULL,
			created_at TEXT NOT NULL,
			source TEXT
		);
	`

	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// load indexes every stored row in append order.
func (s *SQLiteStore) load(ctx context.Context) error {
	query := `
		SELECT seq, id, title, description, content, outcome, created_at, source
		FROM memory_items
		ORDER BY seq
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to query memory items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var (
			seq          int64
			it           Item
			outcome      string
			createdAtStr string
			source       sql.NullString
		)
		if err := rows.Scan(&seq, &it.ID, &it.Title, &it.Description, &it.Content, &outcome, &createdAtStr, &source); err != nil {
			return fmt.Errorf("failed to scan memory item: %w", err)
		}

		it.Outcome = Outcome(outcome)
		if !it.Outcome.Valid() {
			s.logger.Warn("skipping corrupt memory row",
				zap.Error(&CorruptRecordError{Offset: seq, Err: ErrBadOutcome}))
			continue
		}
		it.CreatedAt, err = parseTimestamp(createdAtStr)
		if err != nil {
			s.logger.Warn("skipping corrupt memory row",
				zap.Error(&CorruptRecordError{Offset: seq, Err: err}))
			continue
		}
		if source.Valid && source.String != "" {
			if err := json.Unmarshal([]byte(source.String), &it.Source); err != nil {
				s.logger.Warn("skipping corrupt memory row",
					zap.Error(&CorruptRecordError{Offset: seq, Err: err}))
				continue
			}
		}
		items = append(items, it)
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating memory items: %w", err)
	}

	s.index.Add(items...)
	return nil
}

// AddItems inserts items in one transaction, so an append is all or nothing.
func (s *SQLiteStore) AddItems(ctx context.Context, items []Item) error {
	prepared, err := prepare(items, time.Now().UTC())
	if err != nil {
		return err
	}
	if len(prepared) == 0 {
		return nil
	}

	// Holding the index lock across the commit keeps index order equal to seq order.
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO memory_items (id, title, description, content, outcome, created_at, source)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	for _, it := range prepared {
		var source any
		if it.Source != nil {
			raw, err := json.Marshal(it.Source)
			if err != nil {
				return fmt.Errorf("failed to encode source: %w", err)
			}
			source = string(raw)
		}
		_, err := tx.ExecContext(ctx, query,
			it.ID, it.Title, it.Description, it.Content, string(it.Outcome),
			it.CreatedAt.Format(time.RFC3339Nano), source)
		if err != nil {
			return fmt.Errorf("failed to save memory item: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit memory items: %w", err)
	}

	s.index.Add(prepared...)
	return nil
}

// Search ranks stored items against q.
func (s *SQLiteStore) Search(ctx context.Context, q Query) ([]RankedResult, error) {
	if err := validateQuery(q); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.Query(q), nil
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// parseTimestamp parses a SQLite timestamp string to time.Time.
// SQLite stores timestamps as TEXT in ISO8601/RFC3339 format.
func parseTimestamp(s string) (time.Time, error) {
	// Try various formats that SQLite might use
	formats := []string{
		time.RFC3339Nano,
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05.000",
		"2006-01-02T15:04:05.000",
	}

	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unable to parse timestamp: %s", s)
}

var _ Store = (*SQLiteStore)(nil)
