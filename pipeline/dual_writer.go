package pipeline

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/aluiziolira/go-market-watch/models"
)

// DualWriter writes the JSONL record log and a CSV summary side by side. The
// JSONL log is authoritative: it is written first and a CSV failure is
// reported without undoing it.
type DualWriter struct {
	jsonWriter *JSONLWriter
	csvWriter  *CSVWriter
	mu         sync.Mutex
}

// NewDualWriter opens both outputs.
func NewDualWriter(jsonFilename, csvFilename string) (*DualWriter, error) {
	jsonWriter, err := NewJSONLWriter(jsonFilename)
	if err != nil {
		return nil, fmt.Errorf("create JSONL writer: %w", err)
	}

	csvWriter, err := NewCSVWriter(csvFilename)
	if err != nil {
		jsonWriter.Close()
		return nil, fmt.Errorf("create CSV writer: %w", err)
	}

	return &DualWriter{
		jsonWriter: jsonWriter,
		csvWriter:  csvWriter,
	}, nil
}

// Write persists record to the JSONL log, then to the CSV summary.
func (dw *DualWriter) Write(record *models.Record) error {
	dw.mu.Lock()
	defer dw.mu.Unlock()

	if err := dw.jsonWriter.Write(record); err != nil {
		return fmt.Errorf("JSONL write failed: %w", err)
	}
	if err := dw.csvWriter.Write(record); err != nil {
		return fmt.Errorf("CSV write failed: %w", err)
	}
	return nil
}

// Close closes both writers.
func (dw *DualWriter) Close() error {
	dw.mu.Lock()
	defer dw.mu.Unlock()

	var errs []error
	if err := dw.jsonWriter.Close(); err != nil {
		errs = append(errs, fmt.Errorf("JSONL close failed: %w", err))
	}
	if err := dw.csvWriter.Close(); err != nil {
		errs = append(errs, fmt.Errorf("CSV close failed: %w", err))
	}
	return errors.Join(errs...)
}

// Validate validates both output files.
func (dw *DualWriter) Validate() error {
	var errs []error
	if err := dw.jsonWriter.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("JSONL validation failed: %w", err))
	}
	if err := dw.csvWriter.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("CSV validation failed: %w", err))
	}
	return errors.Join(errs...)
}

// NewWriter builds the writer for format ("jsonl" or "dual") at jsonPath.
// The CSV summary sits next to the log with a .csv extension.
func NewWriter(format, jsonPath string) (OutputWriter, error) {
	switch format {
	case "", "jsonl":
		return NewJSONLWriter(jsonPath)
	case "dual":
		return NewDualWriter(jsonPath, csvPathFor(jsonPath))
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
}

func csvPathFor(jsonPath string) string {
	return strings.TrimSuffix(jsonPath, ".jsonl") + ".csv"
}
