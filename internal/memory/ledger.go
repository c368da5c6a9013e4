package memory

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/easeaico/adk-repair-agent/internal/logging"
	"go.uber.org/zap"
)

// LedgerStore implements Store on top of an append-only JSONL file.
// Every item is one self-describing JSON object followed by a newline.
// Retrieval uses an in-memory QueryIndex rebuilt on open.
type LedgerStore struct {
	mu     sync.RWMutex
	path   string
	file   *os.File
	index  *QueryIndex
	logger *zap.Logger
	closed bool
	// unterminated is set when the last record on disk has no trailing
	// newline; the next append starts a new line first.
	unterminated bool
}

// OpenLedger opens or creates the ledger at path and indexes its records.
//
// A trailing record without a newline is kept when it decodes. When it does
// not (the process died mid-append) it is dropped and the file is cut back
// to the end of the last complete record, so later appends start on a clean
// line. Undecodable records in the middle of the file are skipped with a
// warning. Neither case fails the open.
func OpenLedger(path string, logger *zap.Logger) (*LedgerStore, error) {
	logger = logging.OrNop(logger)

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create ledger directory: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	items, goodEnd, unterminated, err := readLedger(f, logger)
	if err != nil {
		f.Close()
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat ledger: %w", err)
	}
	if info.Size() > goodEnd {
		logger.Warn("discarding truncated trailing ledger record",
			zap.String("path", path),
			zap.Int64("bytes", info.Size()-goodEnd))
		if err := f.Truncate(goodEnd); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to truncate ledger: %w", err)
		}
	}

	index := NewQueryIndex()
	index.Add(items...)

	logger.Debug("ledger opened", zap.String("path", path), zap.Int("items", len(items)))

	return &LedgerStore{
		path:         path,
		file:         f,
		index:        index,
		logger:       logger,
		unterminated: unterminated,
	}, nil
}

// readLedger decodes every record and returns the offset just past the last
// one that is intact. unterminated reports that the final record decoded but
// has no trailing newline.
func readLedger(r io.Reader, logger *zap.Logger) (items []Item, goodEnd int64, unterminated bool, err error) {
	reader := bufio.NewReader(r)
	var offset int64

	for {
		line, readErr := reader.ReadBytes('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return nil, 0, false, fmt.Errorf("failed to read ledger: %w", readErr)
		}
		start := offset
		offset += int64(len(line))
		complete := len(line) > 0 && line[len(line)-1] == '\n'

		trimmed := bytes.TrimSpace(line)
		switch {
		case complete:
			goodEnd = offset
			if len(trimmed) == 0 {
				break
			}
			item, err := decodeRecord(trimmed)
			if err != nil {
				logger.Warn("skipping corrupt ledger record",
					zap.Error(&CorruptRecordError{Offset: start, Err: err}))
				break
			}
			items = append(items, item)
		case len(trimmed) > 0:
			// Bytes after the last newline are either a record written
			// without a terminator or a torn append.
			if item, err := decodeRecord(trimmed); err == nil {
				items = append(items, item)
				goodEnd = offset
				unterminated = true
			}
		}

		if errors.Is(readErr, io.EOF) {
			break
		}
	}

	return items, goodEnd, unterminated, nil
}

func decodeRecord(data []byte) (Item, error) {
	var it Item
	if err := json.Unmarshal(data, &it); err != nil {
		return Item{}, err
	}
	if !it.Outcome.Valid() {
		return Item{}, fmt.Errorf("%w: %q", ErrBadOutcome, it.Outcome)
	}
	return it, nil
}

// AddItems appends items as one write followed by fsync.
func (s *LedgerStore) AddItems(ctx context.Context, items []Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	prepared, err := prepare(items, time.Now().UTC())
	if err != nil {
		return err
	}
	if len(prepared) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for _, it := range prepared {
		if err := enc.Encode(it); err != nil {
			return fmt.Errorf("failed to encode memory item: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	data := buf.Bytes()
	if s.unterminated {
		data = append([]byte{'\n'}, data...)
	}
	if _, err := s.file.Write(data); err != nil {
		return fmt.Errorf("failed to append to ledger: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync ledger: %w", err)
	}
	s.unterminated = false
	s.index.Add(prepared...)

	s.logger.Debug("memory items appended", zap.Int("count", len(prepared)))
	return nil
}

// Search ranks the ledger against q.
func (s *LedgerStore) Search(ctx context.Context, q Query) ([]RankedResult, error) {
	if err := validateQuery(q); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.index.Query(q), nil
}

// Len returns the number of items in the ledger.
func (s *LedgerStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.Len()
}

// Path returns the ledger file path.
func (s *LedgerStore) Path() string {
	return s.path
}

// Close releases the ledger file.
func (s *LedgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}

var _ Store = (*LedgerStore)(nil)
