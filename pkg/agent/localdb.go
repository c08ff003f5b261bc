package agent

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteWindow is a Tracker persisted in a local sqlite file so the window
// survives agent restarts.
type SQLiteWindow struct {
	db   *sql.DB
	span time.Duration
}

func OpenSQLiteWindow(path string, span time.Duration) (*SQLiteWindow, error) {
	dsn := "file::memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		dsn = "file:" + path
	}
	db, err := sql.Open("sqlite", dsn+"?_pragma=busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS probe_samples(ts INTEGER NOT NULL, up INTEGER NOT NULL);
CREATE INDEX IF NOT EXISTS idx_probe_samples_ts ON probe_samples(ts);`); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteWindow{db: db, span: span}, nil
}

func (s *SQLiteWindow) Close() error { return s.db.Close() }

func (s *SQLiteWindow) Record(at time.Time, up bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	flag := 0
	if up {
		flag = 1
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO probe_samples(ts, up) VALUES(?, ?)`, at.UnixNano(), flag); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM probe_samples WHERE ts <= ?`, at.Add(-s.span).UnixNano())
	return err
}

func (s *SQLiteWindow) Uptime(now time.Time) (float64, int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var total, up sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*), SUM(up) FROM probe_samples WHERE ts > ? AND ts <= ?`,
		now.Add(-s.span).UnixNano(), now.UnixNano()).Scan(&total, &up)
	if err != nil {
		return 0, 0, err
	}
	if total.Int64 == 0 {
		return 0, 0, nil
	}
	return float64(up.Int64) * 100 / float64(total.Int64), int(total.Int64), nil
}
