package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// UpsertConfig describes one bulk upsert.
type UpsertConfig struct {
	Table        string   // target table, optionally schema-qualified
	Columns      []string // columns supplied by each row, in order
	ConflictKeys []string // columns of the unique constraint
	UpdateCols   []string // columns overwritten on conflict; nil = every non-key column

	// NewerThan, when set, names a column that must not move backwards: a
	// conflicting row only overwrites the target when its value is >= the
	// stored one.
	NewerThan string
}

// BulkUpsert writes rows in one transaction:
//  1. CREATE TEMP TABLE ... (LIKE target) ON COMMIT DROP
//  2. COPY rows into it
//  3. drop earlier duplicates of the same conflict key, keeping the last row
//  4. INSERT INTO target SELECT ... ON CONFLICT (keys) DO UPDATE
//
// It returns the number of target rows inserted or updated.
func BulkUpsert(ctx context.Context, pool Pool, cfg UpsertConfig, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := cfg.validate(); err != nil {
		return 0, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: upsert: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	n, err := upsertTx(ctx, tx, cfg, rows)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "db: upsert: commit tx")
	}
	return n, nil
}

func (cfg UpsertConfig) validate() error {
	if len(cfg.Columns) == 0 {
		return eris.New("db: upsert: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return eris.New("db: upsert: no conflict keys specified")
	}
	cols := make(map[string]bool, len(cfg.Columns))
	for _, c := range cfg.Columns {
		cols[c] = true
	}
	for _, k := range cfg.ConflictKeys {
		if !cols[k] {
			return eris.Errorf("db: upsert: conflict key %q is not a column", k)
		}
	}
	if cfg.NewerThan != "" && !cols[cfg.NewerThan] {
		return eris.Errorf("db: upsert: newer-than column %q is not a column", cfg.NewerThan)
	}
	return nil
}

func (cfg UpsertConfig) updateCols() []string {
	if cfg.UpdateCols != nil {
		return cfg.UpdateCols
	}
	keys := make(map[string]bool, len(cfg.ConflictKeys))
	for _, k := range cfg.ConflictKeys {
		keys[k] = true
	}
	var out []string
	for _, c := range cfg.Columns {
		if !keys[c] {
			out = append(out, c)
		}
	}
	return out
}

// TempTable is the name of the staging table BulkUpsert copies into.
func TempTable(table string) string {
	return "_tmp_upsert_" + strings.ReplaceAll(table, ".", "_")
}

func upsertTx(ctx context.Context, tx pgx.Tx, cfg UpsertConfig, rows [][]any) (int64, error) {
	temp := pgx.Identifier{TempTable(cfg.Table)}

	createSQL := fmt.Sprintf(
		"CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		temp.Sanitize(), sanitizeTable(cfg.Table),
	)
	if _, err := tx.Exec(ctx, createSQL); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: create temp table for %s", cfg.Table)
	}

	if _, err := tx.CopyFrom(ctx, temp, cfg.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: COPY into temp table for %s", cfg.Table)
	}

	// ON CONFLICT DO UPDATE rejects a batch that touches one row twice.
	var match []string
	for _, k := range cfg.ConflictKeys {
		q := pgx.Identifier{k}.Sanitize()
		match = append(match, fmt.Sprintf("a.%s = b.%s", q, q))
	}
	dedupSQL := fmt.Sprintf(
		"DELETE FROM %s a USING %s b WHERE a.ctid < b.ctid AND %s",
		temp.Sanitize(), temp.Sanitize(), strings.Join(match, " AND "),
	)
	if _, err := tx.Exec(ctx, dedupSQL); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: dedup temp table for %s", cfg.Table)
	}

	tag, err := tx.Exec(ctx, cfg.insertSQL(temp))
	if err != nil {
		return 0, eris.Wrapf(err, "db: upsert: INSERT ON CONFLICT for %s", cfg.Table)
	}
	return tag.RowsAffected(), nil
}

func (cfg UpsertConfig) insertSQL(temp pgx.Identifier) string {
	colList := quoteAndJoin(cfg.Columns)

	update := cfg.updateCols()
	var action string
	if len(update) == 0 {
		action = "DO NOTHING"
	} else {
		sets := make([]string, len(update))
		for i, col := range update {
			q := pgx.Identifier{col}.Sanitize()
			sets[i] = fmt.Sprintf("%s = EXCLUDED.%s", q, q)
		}
		action = "DO UPDATE SET " + strings.Join(sets, ", ")
		if cfg.NewerThan != "" {
			q := pgx.Identifier{cfg.NewerThan}.Sanitize()
			action += fmt.Sprintf(" WHERE %s.%s <= EXCLUDED.%s", sanitizeTable(cfg.Table), q, q)
		}
	}

	return fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) %s",
		sanitizeTable(cfg.Table), colList, colList, temp.Sanitize(),
		quoteAndJoin(cfg.ConflictKeys), action,
	)
}

// sanitizeTable quotes a possibly schema-qualified name like "ingest.services".
func sanitizeTable(table string) string {
	parts := strings.SplitN(table, ".", 2)
	if len(parts) == 2 {
		return pgx.Identifier{parts[0], parts[1]}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
