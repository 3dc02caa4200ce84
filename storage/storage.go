// Package storage loads transaction tables from CSV sources and keeps
// Arrow IPC snapshots of them.
package storage

import (
	"fmt"
	"os"

	"github.com/apache/arrow-go/v18/arrow/ipc"

	"github.com/TFMV/hdbdash/db"
)

// SaveSnapshot writes the table to a file on disk in the Arrow IPC file
// format: the schema first, then the table's single record.
func SaveSnapshot(path string, t *db.Table) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file %q: %w", path, err)
	}
	defer func() {
		_ = file.Close()
	}()

	writer, err := ipc.NewFileWriter(
		file,
		ipc.WithSchema(t.Schema()),
		ipc.WithAllocator(db.Pool),
	)
	if err != nil {
		return fmt.Errorf("failed to create Arrow file writer: %w", err)
	}

	if err := writer.Write(t.Record()); err != nil {
		_ = writer.Close()
		return fmt.Errorf("failed to write record to Arrow file: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close Arrow file writer: %w", err)
	}
	return nil
}

// LoadSnapshot reads a snapshot written by SaveSnapshot back into a table.
func LoadSnapshot(path string) (*db.Table, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %q: %w", path, err)
	}
	defer func() {
		_ = file.Close()
	}()

	reader, err := ipc.NewFileReader(
		file,
		ipc.WithAllocator(db.Pool),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Arrow file reader: %w", err)
	}
	defer func() {
		_ = reader.Close()
	}()

	if n := reader.NumRecords(); n != 1 {
		return nil, fmt.Errorf("snapshot %q holds %d records, want 1", path, n)
	}
	rec, err := reader.Record(0)
	if err != nil {
		return nil, fmt.Errorf("failed to read record from file: %w", err)
	}
	// NewTable retains rec, so it outlives the reader.
	return db.NewTable(rec)
}
