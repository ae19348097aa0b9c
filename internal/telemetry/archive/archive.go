package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/deltadyno/telemetry/internal/logging"
	"github.com/deltadyno/telemetry/internal/telemetry/durable"
	"github.com/deltadyno/telemetry/internal/telemetry/types"
)

var log = logging.Component("archive")

const (
	fileExt    = ".parquet"
	timeLayout = "20060102T150405Z"
)

// Archiver writes batches of expired rows into a directory.
type Archiver struct {
	dir  string
	opts Options
}

// NewArchiver returns an archiver writing into dir.
func NewArchiver(dir string, opts Options) *Archiver {
	return &Archiver{dir: dir, opts: opts}
}

// Dir returns the archive directory.
func (a *Archiver) Dir() string {
	return a.dir
}

// FileName returns the archive file name of kind covering [from, to].
func FileName(kind types.Kind, from, to time.Time) string {
	return fmt.Sprintf("%s_%s_%s%s", kind, from.UTC().Format(timeLayout), to.UTC().Format(timeLayout), fileExt)
}

// ParseFileName recovers kind and time span from an archive file name.
func ParseFileName(name string) (kind types.Kind, from, to time.Time, err error) {
	base := strings.TrimSuffix(filepath.Base(name), fileExt)
	// Collision suffixes look like "-2".
	if i := strings.LastIndexByte(base, '-'); i > 0 {
		base = base[:i]
	}
	parts := strings.Split(base, "_")
	if len(parts) != 3 {
		return 0, time.Time{}, time.Time{}, fmt.Errorf("archive file name %q: want <kind>_<from>_<to>", name)
	}
	if from, err = time.Parse(timeLayout, parts[1]); err != nil {
		return 0, time.Time{}, time.Time{}, fmt.Errorf("archive file name %q: %w", name, err)
	}
	if to, err = time.Parse(timeLayout, parts[2]); err != nil {
		return 0, time.Time{}, time.Time{}, fmt.Errorf("archive file name %q: %w", name, err)
	}
	if kind, err = types.ParseKind(parts[0]); err != nil {
		return 0, time.Time{}, time.Time{}, fmt.Errorf("archive file name %q: %w", name, err)
	}
	return kind, from, to, nil
}

// uniquePath returns a path for name that does not exist yet. Retention
// batches with identical spans get a numeric suffix.
func (a *Archiver) uniquePath(name string) string {
	path := filepath.Join(a.dir, name)
	base := strings.TrimSuffix(path, fileExt)
	for i := 2; ; i++ {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path
		}
		path = fmt.Sprintf("%s-%d%s", base, i, fileExt)
	}
}

// ArchiveTrades writes trades to a new file and returns its path. An empty
// slice writes nothing.
func (a *Archiver) ArchiveTrades(trades []durable.StoredTrade) (string, error) {
	if len(trades) == 0 {
		return "", nil
	}

	from, to := trades[0].ExitTime, trades[0].ExitTime
	rows := make([]TradeRow, 0, len(trades))
	for i := range trades {
		t := &trades[i]
		if t.ExitTime.Before(from) {
			from = t.ExitTime
		}
		if t.ExitTime.After(to) {
			to = t.ExitTime
		}
		row, err := TradeToRow(t)
		if err != nil {
			return "", err
		}
		rows = append(rows, row)
	}
	return write(a, types.KindTrade, from, to, rows)
}

// ArchiveHealth writes snapshots to a new file and returns its path.
func (a *Archiver) ArchiveHealth(snapshots []durable.StoredHealth) (string, error) {
	if len(snapshots) == 0 {
		return "", nil
	}

	from, to := snapshots[0].Timestamp, snapshots[0].Timestamp
	rows := make([]HealthRow, 0, len(snapshots))
	for i := range snapshots {
		h := &snapshots[i]
		if h.Timestamp.Before(from) {
			from = h.Timestamp
		}
		if h.Timestamp.After(to) {
			to = h.Timestamp
		}
		row, err := HealthToRow(h)
		if err != nil {
			return "", err
		}
		rows = append(rows, row)
	}
	return write(a, types.KindHealth, from, to, rows)
}

func write[R any](a *Archiver, kind types.Kind, from, to time.Time, rows []R) (string, error) {
	path := a.uniquePath(FileName(kind, from, to))

	w, err := NewWriter[R](path, a.opts)
	if err != nil {
		return "", fmt.Errorf("archive %s: %w", kind, err)
	}
	if err := w.Write(rows); err != nil {
		w.Abort()
		return "", fmt.Errorf("archive %s: %w", kind, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("archive %s: %w", kind, err)
	}

	log.Debug("archived rows", "kind", kind, "rows", len(rows), "path", path,
		"compression", a.opts.Compression.String())
	return path, nil
}

// List returns the archive files of kind, oldest span first.
func (a *Archiver) List(kind types.Kind) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(a.dir, kind.String()+"_*"+fileExt))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}
