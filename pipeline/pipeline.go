// Package pipeline owns the dedup set and the append-only record log.
package pipeline

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aluiziolira/go-market-watch/models"
	"github.com/aluiziolira/go-market-watch/parser"
)

var (
	// ErrStoreClosed is returned when Add is called after Close.
	ErrStoreClosed = errors.New("pipeline: store closed")
	// ErrNoLink is returned for records whose listing has no link.
	ErrNoLink = errors.New("pipeline: record has no listing link")
)

// maxLineSize bounds a single persisted record.
const maxLineSize = 16 << 20

// OutputWriter persists records.
type OutputWriter interface {
	Write(record *models.Record) error
	Close() error
	Validate() error
}

// OutputPath returns the record log path for keyword inside dir.
func OutputPath(dir, keyword string) string {
	name := strings.ReplaceAll(strings.TrimSpace(keyword), " ", "_")
	return filepath.Join(dir, name+"_full_data.jsonl")
}

// Stats is a snapshot of store counters.
type Stats struct {
	Loaded    int
	Malformed int
	Added     int
}

// LoadKeys reads a record log and returns the dedup keys of its records.
// Malformed lines are logged and skipped. A missing file yields an empty set.
func LoadKeys(path string, logger *slog.Logger) (map[string]struct{}, Stats, error) {
	if logger == nil {
		logger = slog.Default()
	}
	keys := make(map[string]struct{})
	var stats Stats

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		logger.Info("record log not found, starting fresh", slog.String("path", path))
		return keys, stats, nil
	}
	if err != nil {
		return nil, stats, fmt.Errorf("open record log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var rec struct {
			Listing struct {
				Link string `json:"link"`
			} `json:"listing"`
		}
		if err := json.Unmarshal(line, &rec); err != nil {
			stats.Malformed++
			logger.Warn("skipping malformed record line",
				slog.String("path", path),
				slog.Int("line", lineNo),
				slog.Any("error", err),
			)
			continue
		}
		if rec.Listing.Link == "" {
			stats.Malformed++
			continue
		}
		keys[parser.DedupKey(rec.Listing.Link)] = struct{}{}
		stats.Loaded++
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return keys, stats, fmt.Errorf("scan record log: %w", err)
	}
	return keys, stats, nil
}

// Store tracks processed dedup keys and writes records through an OutputWriter.
// A key is marked seen only after its record has been durably written.
type Store struct {
	writer OutputWriter
	logger *slog.Logger

	mu     sync.Mutex
	seen   map[string]struct{}
	stats  Stats
	closed bool
}

// NewStore wraps writer. Use LoadExisting to seed the dedup set.
func NewStore(writer OutputWriter, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		writer: writer,
		logger: logger,
		seen:   make(map[string]struct{}),
	}
}

// LoadExisting merges the keys persisted at path into the dedup set and
// returns how many were loaded.
func (s *Store) LoadExisting(path string) (int, error) {
	keys, stats, err := LoadKeys(path, s.logger)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	for k := range keys {
		s.seen[k] = struct{}{}
	}
	s.stats.Loaded += stats.Loaded
	s.stats.Malformed += stats.Malformed
	s.mu.Unlock()

	s.logger.Info("dedup history loaded",
		slog.String("path", path),
		slog.Int("records", stats.Loaded),
		slog.Int("malformed", stats.Malformed),
	)
	return len(keys), nil
}

// Has reports whether key was already processed.
func (s *Store) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[key]
	return ok
}

// HasLink is Has applied to the dedup key of link.
func (s *Store) HasLink(link string) bool {
	return s.Has(parser.DedupKey(link))
}

// Add writes record and then marks its key seen.
func (s *Store) Add(record *models.Record) error {
	if record == nil || record.Listing.Link == "" {
		return ErrNoLink
	}
	key := parser.DedupKey(record.Listing.Link)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if err := s.writer.Write(record); err != nil {
		return fmt.Errorf("persist record %s: %w", record.Listing.ItemID, err)
	}
	s.seen[key] = struct{}{}
	s.stats.Added++
	return nil
}

// Stats returns a snapshot of the counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Len returns the number of known keys.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

// Close closes the underlying writer. When records were added since the
// store was opened, the output is validated first.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var errs []error
	if s.stats.Added > 0 {
		if err := s.writer.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("validate output: %w", err))
		}
	}
	if err := s.writer.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
