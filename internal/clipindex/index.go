// Package clipindex persists finished clips in sqlite and answers the
// per-day and neighbour queries used for browsing them.
package clipindex

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/dj-oyu/netcam/internal/logger"
	"github.com/dj-oyu/netcam/pkg/types"
)

// TimestampLayout is the ymdhms column format.
const TimestampLayout = "20060102150405"

const dayLayout = "20060102"

var (
	// ErrDuplicateKey is returned by Insert when the filename is already indexed.
	ErrDuplicateKey = errors.New("clipindex: duplicate filename")
	// ErrNotFound is returned by Get when no clip has the timestamp.
	ErrNotFound = errors.New("clipindex: clip not found")
)

const schema = `
CREATE TABLE IF NOT EXISTS clips (
	filename     TEXT PRIMARY KEY,
	camera_index INTEGER NOT NULL,
	ymdhms       TEXT NOT NULL,
	quality      REAL NOT NULL,
	frame_count  INTEGER NOT NULL,
	snapshot     TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS clips_ymdhms ON clips (ymdhms);
`

const selectColumns = `SELECT filename, camera_index, ymdhms, quality, frame_count, snapshot FROM clips`

// Index is the clip index. Reads run concurrently; inserts are serialized.
type Index struct {
	db *sql.DB
	mu sync.Mutex // serializes Insert
}

// Open opens or creates the index database at path.
func Open(path string) (*Index, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create index directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	logger.Info("ClipIndex", "Opened %s", path)
	return &Index{db: db}, nil
}

// Close closes the database.
func (x *Index) Close() error {
	return x.db.Close()
}

// Insert persists rec. It returns ErrDuplicateKey if the filename exists.
func (x *Index) Insert(rec types.ClipRecord) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	_, err := x.db.Exec(
		`INSERT INTO clips (filename, camera_index, ymdhms, quality, frame_count, snapshot) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Filename, rec.CameraIndex, stamp(rec.Timestamp), rec.Quality, rec.FrameCount, rec.Snapshot,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return fmt.Errorf("%w: %s", ErrDuplicateKey, rec.Filename)
		}
		return fmt.Errorf("insert %s: %w", rec.Filename, err)
	}
	logger.Debug("ClipIndex", "Indexed %s (quality %.1f%%)", rec.Filename, rec.Quality)
	return nil
}

// ListByDay returns the clip count per day, most recent day first.
func (x *Index) ListByDay() ([]types.DayCount, error) {
	rows, err := x.db.Query(`
		SELECT substr(ymdhms, 1, 8) AS day, COUNT(*)
		FROM clips
		GROUP BY day
		ORDER BY day DESC`)
	if err != nil {
		return nil, fmt.Errorf("list days: %w", err)
	}
	defer rows.Close()

	var days []types.DayCount
	for rows.Next() {
		var d types.DayCount
		if err := rows.Scan(&d.Day, &d.Count); err != nil {
			return nil, fmt.Errorf("scan day: %w", err)
		}
		days = append(days, d)
	}
	return days, rows.Err()
}

// ListForDay returns the clips of day (YYYYMMDD), most recent first.
func (x *Index) ListForDay(day string) ([]types.ClipRecord, error) {
	if _, err := time.Parse(dayLayout, day); err != nil {
		return nil, fmt.Errorf("invalid day %q: %w", day, err)
	}
	return x.query(selectColumns+` WHERE substr(ymdhms, 1, 8) = ? ORDER BY ymdhms DESC, camera_index`, day)
}

// ListWindow returns the clips started in [from, to), most recent first.
func (x *Index) ListWindow(from, to time.Time) ([]types.ClipRecord, error) {
	return x.query(selectColumns+` WHERE ymdhms >= ? AND ymdhms < ? ORDER BY ymdhms DESC, camera_index`,
		stamp(from), stamp(to))
}

// Get returns the clip started at ts. When several cameras recorded a clip
// in the same second, the lowest camera index wins.
func (x *Index) Get(ts time.Time) (types.ClipRecord, error) {
	recs, err := x.query(selectColumns+` WHERE ymdhms = ? ORDER BY camera_index, filename LIMIT 1`, stamp(ts))
	if err != nil {
		return types.ClipRecord{}, err
	}
	if len(recs) == 0 {
		return types.ClipRecord{}, fmt.Errorf("%w: %s", ErrNotFound, stamp(ts))
	}
	return recs[0], nil
}

// Previous returns the latest clip timestamp strictly before ts, or ts itself
// when there is none.
func (x *Index) Previous(ts time.Time) (time.Time, error) {
	return x.neighbour(`SELECT MAX(ymdhms) FROM clips WHERE ymdhms < ?`, ts)
}

// Next returns the earliest clip timestamp strictly after ts, or ts itself
// when there is none.
func (x *Index) Next(ts time.Time) (time.Time, error) {
	return x.neighbour(`SELECT MIN(ymdhms) FROM clips WHERE ymdhms > ?`, ts)
}

func (x *Index) neighbour(query string, ts time.Time) (time.Time, error) {
	var got sql.NullString
	if err := x.db.QueryRow(query, stamp(ts)).Scan(&got); err != nil {
		return ts, fmt.Errorf("neighbour query: %w", err)
	}
	if !got.Valid {
		return ts, nil
	}
	return ParseTimestamp(got.String)
}

func (x *Index) query(query string, args ...any) ([]types.ClipRecord, error) {
	rows, err := x.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query clips: %w", err)
	}
	defer rows.Close()

	var recs []types.ClipRecord
	for rows.Next() {
		var (
			rec    types.ClipRecord
			ymdhms string
		)
		if err := rows.Scan(&rec.Filename, &rec.CameraIndex, &ymdhms, &rec.Quality, &rec.FrameCount, &rec.Snapshot); err != nil {
			return nil, fmt.Errorf("scan clip: %w", err)
		}
		if rec.Timestamp, err = ParseTimestamp(ymdhms); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func stamp(t time.Time) string {
	return t.In(time.Local).Format(TimestampLayout)
}

// ParseTimestamp parses a ymdhms value in local time.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.ParseInLocation(TimestampLayout, s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}
