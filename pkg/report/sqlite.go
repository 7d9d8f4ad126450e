package report

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/ircal/ircal/pkg/calibration"
)

var ErrReportNotFound = errors.New("report not found")

var _ Writer = &SQLiteWriter{}

// SQLiteWriter stores reports in a local SQLite database.
type SQLiteWriter struct {
	db     *sql.DB
	dbPath string
	mu     sync.Mutex
}

// OpenSQLite creates or opens the report database at path. ":memory:" is
// accepted for tests.
func OpenSQLite(path string) (*SQLiteWriter, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, errors.Wrapf(err, "failed to create directory for %s", path)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open report database %s", path)
	}
	// One connection keeps :memory: databases alive and serializes writers.
	db.SetMaxOpenConns(1)

	w := &SQLiteWriter{db: db, dbPath: path}
	if err := w.initSchema(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to initialize report schema")
	}
	return w, nil
}

func (w *SQLiteWriter) Close() error {
	return w.db.Close()
}

func (w *SQLiteWriter) Path() string {
	return w.dbPath
}

func (w *SQLiteWriter) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS reports (
		id TEXT PRIMARY KEY,
		label TEXT NOT NULL DEFAULT '',
		final INTEGER NOT NULL DEFAULT 0,
		record_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS records (
		report_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		point_index INTEGER NOT NULL,
		target REAL NOT NULL,
		reference_average REAL NOT NULL,
		measured_at TEXT NOT NULL,
		channel_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		category TEXT NOT NULL,
		environment_label TEXT NOT NULL,
		device_type TEXT NOT NULL,
		sets_json TEXT NOT NULL,
		PRIMARY KEY (report_id, point_index, channel_id),
		FOREIGN KEY (report_id) REFERENCES reports(id)
	);
	CREATE INDEX IF NOT EXISTS idx_records_report_seq ON records(report_id, seq);
	`
	_, err := w.db.Exec(schema)
	return err
}

// Write replaces the stored records of reportID with records.
func (w *SQLiteWriter) Write(ctx context.Context, reportID string, records []calibration.Record, final bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin report transaction")
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC().Format(time.RFC3339Nano)
	label := ""
	if len(records) > 0 {
		label = records[0].EnvironmentLabel
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO reports (id, label, final, record_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			label = excluded.label,
			final = excluded.final,
			record_count = excluded.record_count,
			updated_at = excluded.updated_at`,
		reportID, label, final, len(records), now, now)
	if err != nil {
		return errors.Wrapf(err, "failed to upsert report %s", reportID)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE report_id = ?`, reportID); err != nil {
		return errors.Wrapf(err, "failed to clear records of report %s", reportID)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO records (report_id, seq, point_index, target, reference_average, measured_at,
			channel_id, position, category, environment_label, device_type, sets_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return errors.Wrap(err, "failed to prepare record insert")
	}
	defer stmt.Close()

	for i, r := range records {
		sets, err := json.Marshal(r.Reading.Sets)
		if err != nil {
			return errors.Wrapf(err, "failed to encode reading of channel %s", r.ChannelID)
		}
		_, err = stmt.ExecContext(ctx, reportID, i, r.PointIndex, r.Target, r.ReferenceAverage,
			r.MeasuredAt.UTC().Format(time.RFC3339Nano), r.ChannelID, r.Position, string(r.Category), r.EnvironmentLabel,
			r.Reading.DeviceType, string(sets))
		if err != nil {
			return errors.Wrapf(err, "failed to insert record (point %d, channel %s)", r.PointIndex, r.ChannelID)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrapf(err, "failed to commit report %s", reportID)
	}

	logrus.WithFields(logrus.Fields{
		"reportId": reportID,
		"records":  len(records),
		"final":    final,
	}).Info("report saved")
	return nil
}

// Load returns the records of reportID in the order they were written.
func (w *SQLiteWriter) Load(ctx context.Context, reportID string) ([]calibration.Record, error) {
	var exists int
	err := w.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM reports WHERE id = ?`, reportID).Scan(&exists)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to look up report %s", reportID)
	}
	if exists == 0 {
		return nil, errors.Wrap(ErrReportNotFound, reportID)
	}

	rows, err := w.db.QueryContext(ctx, `
		SELECT point_index, target, reference_average, measured_at, channel_id, position,
			category, environment_label, device_type, sets_json
		FROM records WHERE report_id = ? ORDER BY seq`, reportID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query records of report %s", reportID)
	}
	defer rows.Close()

	records := []calibration.Record{}
	for rows.Next() {
		var (
			r          calibration.Record
			measuredAt string
			category   string
			sets       string
		)
		if err := rows.Scan(&r.PointIndex, &r.Target, &r.ReferenceAverage, &measuredAt, &r.ChannelID,
			&r.Position, &category, &r.EnvironmentLabel, &r.Reading.DeviceType, &sets); err != nil {
			return nil, errors.Wrap(err, "failed to scan record")
		}
		if r.MeasuredAt, err = time.Parse(time.RFC3339Nano, measuredAt); err != nil {
			return nil, errors.Wrap(err, "failed to parse record timestamp")
		}
		r.Category = calibration.Category(category)
		r.Reading.ChannelID = r.ChannelID
		if err := json.Unmarshal([]byte(sets), &r.Reading.Sets); err != nil {
			return nil, errors.Wrap(err, "failed to decode reading sets")
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// List returns stored reports, newest first.
func (w *SQLiteWriter) List(ctx context.Context) ([]Summary, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT id, label, record_count, final, updated_at FROM reports ORDER BY updated_at DESC, id DESC`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list reports")
	}
	defer rows.Close()

	out := []Summary{}
	for rows.Next() {
		var (
			s         Summary
			updatedAt string
		)
		if err := rows.Scan(&s.ID, &s.Label, &s.Records, &s.Final, &updatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan report summary")
		}
		if s.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to parse report timestamp")
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
