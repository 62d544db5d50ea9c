package views

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"radar-node/models"
)

// CSVWriter is a buffered CSV file shared by the publish and recording
// goroutines. Rows are only encoded into memory; Flush, driven by the
// recording controller's ticker, is what reaches the disk.
type CSVWriter struct {
	mu   sync.Mutex
	path string
	file *os.File
	buf  *bufio.Writer
	csv  *csv.Writer
	rows uint64
	err  error
}

// NewCSVWriter opens (or creates) a file and writes the CSV header row.
func NewCSVWriter(path string, bufSizeBytes int, writeHeader bool, header []string) (*CSVWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("csv create %s: %w", path, err)
	}

	if bufSizeBytes <= 0 {
		bufSizeBytes = 64 * 1024
	}

	bw := bufio.NewWriterSize(f, bufSizeBytes)
	cw := csv.NewWriter(bw)

	w := &CSVWriter{
		path: path,
		file: f,
		buf:  bw,
		csv:  cw,
	}

	if writeHeader && len(header) > 0 {
		if err := cw.Write(header); err != nil {
			f.Close()
			return nil, fmt.Errorf("csv write header: %w", err)
		}
	}

	return w, nil
}

// WriteRow appends a single CSV row.
func (w *CSVWriter) WriteRow(row []string) {
	w.mu.Lock()
	_ = w.csv.Write(row) // surfaced by Flush
	w.rows++
	w.mu.Unlock()
}

// Write appends the row of any recorded model.
func (w *CSVWriter) Write(r models.CSVRowWriter) { w.WriteRow(r.CSVRow()) }

// Flush pushes buffered rows to the OS and returns the first write error
// seen since the file was opened.
func (w *CSVWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.csv.Flush()
	if err := w.csv.Error(); err != nil && w.err == nil {
		w.err = fmt.Errorf("csv %s: %w", w.path, err)
	}
	if err := w.buf.Flush(); err != nil && w.err == nil {
		w.err = fmt.Errorf("csv %s: %w", w.path, err)
	}
	return w.err
}

// Close flushes remaining data and closes the file.
func (w *CSVWriter) Close() error {
	err := w.Flush()
	w.mu.Lock()
	defer w.mu.Unlock()
	if cerr := w.file.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Path is the file being written.
func (w *CSVWriter) Path() string { return w.path }

// Rows returns the number of data rows written (excludes header).
func (w *CSVWriter) Rows() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rows
}

// NewRecordWriter creates dir/<kind>.csv with the kind's header row.
func NewRecordWriter(dir string, kind RecordKind, bufSizeBytes int, writeHeader bool) (*CSVWriter, error) {
	return NewCSVWriter(filepath.Join(dir, kind.FileName()), bufSizeBytes, writeHeader, SchemaColumns[kind])
}
