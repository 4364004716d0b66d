package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
	"go.uber.org/zap"

	"github.com/sells-group/service-ingest/internal/db"
	"github.com/sells-group/service-ingest/internal/model"
)

// PostgresStore implements Store using pgxpool. Service locations are kept in
// a PostGIS point column alongside the JSONB document.
type PostgresStore struct {
	pool      db.Pool
	closeFn   func()
	batchSize int
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns  int32
	MinConns  int32
	BatchSize int
}

const servicesTable = "services"

var serviceColumns = []string{"id", "name", "source", "postcode", "quality", "location", "doc", "updated_at"}

const (
	sqlSaveJob = `INSERT INTO jobs (id, source, state, doc, created_at) VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state, doc = EXCLUDED.doc`
	sqlGetJob     = `SELECT doc FROM jobs WHERE id = $1`
	sqlLoadCorpus = `SELECT doc FROM services ORDER BY id`
)

// preparedStatements are prepared on each new connection.
var preparedStatements = map[string]string{
	"save_job":    sqlSaveJob,
	"get_job":     sqlGetJob,
	"load_corpus": sqlLoadCorpus,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	batchSize := defaultBatchSize
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
		if poolCfg.BatchSize > 0 {
			batchSize = poolCfg.BatchSize
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close, batchSize: batchSize}, nil
}

const postgresMigration = `
CREATE EXTENSION IF NOT EXISTS postgis;

CREATE TABLE IF NOT EXISTS services (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL CHECK (name <> ''),
	source     TEXT NOT NULL DEFAULT '',
	postcode   TEXT NOT NULL DEFAULT '',
	quality    DOUBLE PRECISION NOT NULL DEFAULT 0,
	location   geometry(Point, 4326),
	doc        JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS jobs (
	id         TEXT PRIMARY KEY,
	source     TEXT NOT NULL,
	state      TEXT NOT NULL,
	doc        JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_services_source ON services(source);
CREATE INDEX IF NOT EXISTS idx_services_postcode ON services(postcode);
CREATE INDEX IF NOT EXISTS idx_services_location ON services USING GIST (location);
CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);
CREATE INDEX IF NOT EXISTS idx_jobs_source_created ON jobs(source, created_at DESC);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// encodePoint returns the EWKB encoding of c with SRID 4326, or nil.
func encodePoint(c *model.Coordinates) ([]byte, error) {
	if c == nil {
		return nil, nil
	}
	g := geom.NewPointFlat(geom.XY, []float64{c.Lng, c.Lat}).SetSRID(4326)
	data, err := ewkb.Marshal(g, ewkb.NDR)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: encode point")
	}
	return data, nil
}

func (s *PostgresStore) Store(ctx context.Context, batch []model.NormalizedService) (model.StoreResult, error) {
	rows, errs := prepareBatch(batch)
	res := model.StoreResult{Errors: errs}

	cfg := db.UpsertConfig{
		Table:        servicesTable,
		Columns:      serviceColumns,
		ConflictKeys: []string{"id"},
		NewerThan:    "updated_at",
	}

	for i, chunk := range chunks(rows, s.batchSize) {
		values := make([][]any, 0, len(chunk))
		for _, r := range chunk {
			loc, err := encodePoint(r.Point)
			if err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("record %s: %v", r.ID, err))
				continue
			}
			values = append(values, []any{r.ID, r.Name, r.Source, r.Postcode, r.Quality, loc, r.Doc, r.UpdatedAt})
		}
		if _, err := db.BulkUpsert(ctx, s.pool, cfg, values); err != nil {
			zap.L().Warn("postgres: chunk failed",
				zap.Int("chunk", i),
				zap.Int("stored", res.Stored),
				zap.Error(err),
			)
			return res, eris.Wrap(err, "postgres: store services")
		}
		res.Stored += len(values)
	}
	return res, nil
}

func (s *PostgresStore) LoadCorpus(ctx context.Context) ([]model.NormalizedService, error) {
	rows, err := s.pool.Query(ctx, sqlLoadCorpus)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: load corpus")
	}
	defer rows.Close()

	var out []model.NormalizedService
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, eris.Wrap(err, "postgres: scan service")
		}
		svc, err := decodeService(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, svc)
	}
	return out, eris.Wrap(rows.Err(), "postgres: load corpus iterate")
}

func (s *PostgresStore) SaveJob(ctx context.Context, job model.Job) error {
	doc, err := encodeJob(job)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, sqlSaveJob, job.ID, job.Spec.Source, string(job.State), doc, job.CreatedAt.UTC())
	return eris.Wrapf(err, "postgres: save job %s", job.ID)
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, sqlGetJob, id).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrJobNotFound, "postgres: get job %s", id)
		}
		return nil, eris.Wrapf(err, "postgres: get job %s", id)
	}
	return decodeJob(doc)
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT doc FROM jobs WHERE 1=1`
	var args []any
	argN := 1

	if filter.State != "" {
		query += fmt.Sprintf(` AND state = $%d`, argN)
		args = append(args, string(filter.State))
		argN++
	}
	if filter.Source != "" {
		query += fmt.Sprintf(` AND source = $%d`, argN)
		args = append(args, filter.Source)
		argN++
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT $%d`, argN)
	args = append(args, filter.limit())
	argN++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argN)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		job, err := decodeJob(doc)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: list jobs iterate")
}
