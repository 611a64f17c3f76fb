package pipeline

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/aluiziolira/go-market-watch/models"
)

// CSVWriter appends a flat summary of each record to a CSV file.
type CSVWriter struct {
	file   *os.File
	writer *csv.Writer
	mu     sync.Mutex
}

var csvHeader = []string{"crawled_at", "task_name", "keyword", "item_id", "title", "price", "link", "seller_id", "want_count", "view_count", "recommended", "reason"}

// NewCSVWriter opens filename for appending and writes the header row when
// the file is new.
func NewCSVWriter(filename string) (*CSVWriter, error) {
	if err := ensureDir(filename); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open csv file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat csv file: %w", err)
	}

	writer := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := writer.Write(csvHeader); err != nil {
			f.Close()
			return nil, fmt.Errorf("write csv header: %w", err)
		}
		writer.Flush()
		if err := writer.Error(); err != nil {
			f.Close()
			return nil, fmt.Errorf("flush csv header: %w", err)
		}
	}

	return &CSVWriter{
		file:   f,
		writer: writer,
	}, nil
}

// Write appends one row.
func (cw *CSVWriter) Write(record *models.Record) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	recommended, reason := "", ""
	if record.Verdict != nil {
		recommended = strconv.FormatBool(record.Verdict.Recommended())
		reason = record.Verdict.Reason
	}
	row := []string{
		record.CrawledAt.Format(time.RFC3339),
		record.TaskName,
		record.Keyword,
		record.Listing.ItemID,
		record.Listing.Title,
		record.Listing.Price,
		record.Listing.Link,
		record.Listing.SellerID,
		strconv.Itoa(record.Listing.WantCount),
		strconv.Itoa(record.Listing.ViewCount),
		recommended,
		reason,
	}
	if err := cw.writer.Write(row); err != nil {
		return fmt.Errorf("write csv record: %w", err)
	}
	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		return fmt.Errorf("flush csv records: %w", err)
	}
	return nil
}

// Close flushes and closes the file handle.
func (cw *CSVWriter) Close() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		return fmt.Errorf("flush csv writer: %w", err)
	}
	return cw.file.Close()
}

// Validate ensures the file has content.
func (cw *CSVWriter) Validate() error {
	info, err := cw.file.Stat()
	if err != nil {
		return fmt.Errorf("stat csv file: %w", err)
	}
	if info.Size() <= 0 {
		return fmt.Errorf("csv file is empty")
	}
	return nil
}

// JSONLWriter appends newline-delimited JSON records. Each record is one
// write followed by an fsync, so a crash can at worst truncate the last line.
type JSONLWriter struct {
	file *os.File
	mu   sync.Mutex
}

// NewJSONLWriter opens filename for appending. If the file ends with a
// partial line, a newline is written first so new records stay parseable.
func NewJSONLWriter(filename string) (*JSONLWriter, error) {
	if err := ensureDir(filename); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(filename, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open jsonl file: %w", err)
	}
	if err := terminatePartialLine(f); err != nil {
		f.Close()
		return nil, err
	}
	return &JSONLWriter{file: f}, nil
}

func terminatePartialLine(f *os.File) error {
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat jsonl file: %w", err)
	}
	if info.Size() == 0 {
		return nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil && err != io.EOF {
		return fmt.Errorf("read jsonl tail: %w", err)
	}
	if last[0] == '\n' {
		return nil
	}
	if _, err := f.Write([]byte{'\n'}); err != nil {
		return fmt.Errorf("terminate partial line: %w", err)
	}
	return nil
}

// Write encodes record as one line and syncs it to disk.
func (jw *JSONLWriter) Write(record *models.Record) error {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(record); err != nil {
		return fmt.Errorf("encode json record: %w", err)
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()
	if _, err := jw.file.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("append json record: %w", err)
	}
	if err := jw.file.Sync(); err != nil {
		return fmt.Errorf("sync json record: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()
	return jw.file.Close()
}

// Validate ensures the JSON file has data.
func (jw *JSONLWriter) Validate() error {
	info, err := jw.file.Stat()
	if err != nil {
		return fmt.Errorf("stat json file: %w", err)
	}
	if info.Size() <= 0 {
		return fmt.Errorf("json file is empty")
	}
	return nil
}

func ensureDir(filename string) error {
	dir := filepath.Dir(filename)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	return nil
}
