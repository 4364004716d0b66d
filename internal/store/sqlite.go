package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/sells-group/service-ingest/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db        *sql.DB
	batchSize int
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
// Batches are committed in transactions of batchSize records.
func NewSQLite(dsn string, batchSize int) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &SQLiteStore{db: db, batchSize: batchSize}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS services (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL CHECK (name <> ''),
	source     TEXT NOT NULL DEFAULT '',
	postcode   TEXT NOT NULL DEFAULT '',
	quality    REAL NOT NULL DEFAULT 0,
	lat        REAL,
	lng        REAL,
	doc        TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS jobs (
	id         TEXT PRIMARY KEY,
	source     TEXT NOT NULL,
	state      TEXT NOT NULL,
	doc        TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_services_source ON services(source);
CREATE INDEX IF NOT EXISTS idx_services_postcode ON services(postcode);
CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);
CREATE INDEX IF NOT EXISTS idx_jobs_source ON jobs(source);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
`

const sqliteUpsertService = `
INSERT INTO services (id, name, source, postcode, quality, lat, lng, doc, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	name = excluded.name,
	source = excluded.source,
	postcode = excluded.postcode,
	quality = excluded.quality,
	lat = excluded.lat,
	lng = excluded.lng,
	doc = excluded.doc,
	updated_at = excluded.updated_at
WHERE services.updated_at <= excluded.updated_at`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Store(ctx context.Context, batch []model.NormalizedService) (model.StoreResult, error) {
	rows, errs := prepareBatch(batch)
	res := model.StoreResult{Errors: errs}

	for i, chunk := range chunks(rows, s.batchSize) {
		if err := s.storeChunk(ctx, chunk); err != nil {
			zap.L().Warn("sqlite: chunk failed",
				zap.Int("chunk", i),
				zap.Int("stored", res.Stored),
				zap.Error(err),
			)
			return res, err
		}
		res.Stored += len(chunk)
	}
	return res, nil
}

func (s *SQLiteStore) storeChunk(ctx context.Context, chunk []serviceRow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, sqliteUpsertService)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare upsert")
	}
	defer stmt.Close()

	for _, r := range chunk {
		var lat, lng sql.NullFloat64
		if r.Point != nil {
			lat = sql.NullFloat64{Float64: r.Point.Lat, Valid: true}
			lng = sql.NullFloat64{Float64: r.Point.Lng, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			r.ID, r.Name, r.Source, r.Postcode, r.Quality, lat, lng, string(r.Doc), r.UpdatedAt.UnixNano(),
		); err != nil {
			return eris.Wrapf(err, "sqlite: upsert service %s", r.ID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit")
}

func (s *SQLiteStore) LoadCorpus(ctx context.Context) ([]model.NormalizedService, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM services ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load corpus")
	}
	defer rows.Close()

	var out []model.NormalizedService
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan service")
		}
		svc, err := decodeService([]byte(doc))
		if err != nil {
			return nil, err
		}
		out = append(out, svc)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: load corpus iterate")
}

func (s *SQLiteStore) SaveJob(ctx context.Context, job model.Job) error {
	doc, err := encodeJob(job)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, source, state, doc, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET state = excluded.state, doc = excluded.doc`,
		job.ID, job.Spec.Source, string(job.State), string(doc), job.CreatedAt.UTC().UnixNano(),
	)
	return eris.Wrapf(err, "sqlite: save job %s", job.ID)
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM jobs WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrJobNotFound, "sqlite: get job %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get job %s", id)
	}
	return decodeJob([]byte(doc))
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT doc FROM jobs WHERE 1=1`
	var args []any

	if filter.State != "" {
		query += ` AND state = ?`
		args = append(args, string(filter.State))
	}
	if filter.Source != "" {
		query += ` AND source = ?`
		args = append(args, filter.Source)
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, filter.limit())

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job")
		}
		job, err := decodeJob([]byte(doc))
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list jobs iterate")
}
