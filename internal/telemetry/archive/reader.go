package archive

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/parquet-go/parquet-go"

	"github.com/deltadyno/telemetry/internal/telemetry/durable"
)

// Reader reads rows of type R from one Parquet file.
type Reader[R any] struct {
	file   *os.File
	reader *parquet.GenericReader[R]
	path   string
}

// NewReader opens path for reading.
func NewReader[R any](path string) (*Reader[R], error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	return &Reader[R]{
		file:   f,
		reader: parquet.NewGenericReader[R](f),
		path:   path,
	}, nil
}

// Read reads up to n rows. It returns io.EOF with the final rows.
func (r *Reader[R]) Read(n int) ([]R, error) {
	rows := make([]R, n)
	count, err := r.reader.Read(rows)
	return rows[:count], err
}

// ReadAll reads every row of the file.
func (r *Reader[R]) ReadAll() ([]R, error) {
	rows := make([]R, r.reader.NumRows())
	n, err := r.reader.Read(rows)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return rows[:n], nil
}

// NumRows returns the total number of rows in the file.
func (r *Reader[R]) NumRows() int64 {
	return r.reader.NumRows()
}

// Close closes the reader.
func (r *Reader[R]) Close() error {
	if err := r.reader.Close(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}

// Path returns the file path.
func (r *Reader[R]) Path() string {
	return r.path
}

// ReadTrades loads every trade of an archive file.
func ReadTrades(path string) ([]durable.StoredTrade, error) {
	rows, err := readAll[TradeRow](path)
	if err != nil {
		return nil, err
	}
	out := make([]durable.StoredTrade, 0, len(rows))
	for i := range rows {
		t, err := RowToTrade(&rows[i])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		out = append(out, t)
	}
	return out, nil
}

// ReadHealth loads every snapshot of an archive file.
func ReadHealth(path string) ([]durable.StoredHealth, error) {
	rows, err := readAll[HealthRow](path)
	if err != nil {
		return nil, err
	}
	out := make([]durable.StoredHealth, 0, len(rows))
	for i := range rows {
		h, err := RowToHealth(&rows[i])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		out = append(out, h)
	}
	return out, nil
}

func readAll[R any](path string) ([]R, error) {
	r, err := NewReader[R](path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return r.ReadAll()
}

// FileInfo holds information about an archive file.
type FileInfo struct {
	Path    string
	Size    int64
	NumRows int64
}

// GetFileInfo returns the size and row count of an archive file.
func GetFileInfo(path string) (*FileInfo, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	pf, err := parquet.OpenFile(f, stat.Size())
	if err != nil {
		return nil, fmt.Errorf("open parquet %s: %w", path, err)
	}

	return &FileInfo{
		Path:    path,
		Size:    stat.Size(),
		NumRows: pf.NumRows(),
	}, nil
}
