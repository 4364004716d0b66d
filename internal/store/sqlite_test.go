package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/service-ingest/internal/model"
)

func newTestSQLiteStore(t *testing.T, batchSize int) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"), batchSize)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestSQLite_PartialCommitOnChunkFailure(t *testing.T) {
	s := newTestSQLiteStore(t, 2)
	ctx := context.Background()

	_, err := s.db.ExecContext(ctx, `
CREATE TRIGGER reject_poison BEFORE INSERT ON services
WHEN NEW.id = 'dir:poison'
BEGIN SELECT RAISE(ABORT, 'poisoned record'); END;`)
	require.NoError(t, err)

	batch := []model.NormalizedService{
		service("dir:1", "One", t0),
		service("dir:2", "Two", t0),
		service("dir:3", "Three", t0),
		service("dir:poison", "Poison", t0),
		service("dir:5", "Five", t0),
	}
	res, err := s.Store(ctx, batch)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dir:poison")
	assert.Equal(t, 2, res.Stored)

	got, err := s.LoadCorpus(ctx)
	require.NoError(t, err)
	// The failed chunk rolls back as a whole.
	assert.Len(t, got, 2)
}

func TestSQLite_ColumnsFollowDocument(t *testing.T) {
	s := newTestSQLiteStore(t, 10)
	ctx := context.Background()

	svc := service("dir:1", "Youth Hub", t0)
	svc.Locations = append([]model.Location{{City: "Parramatta"}}, svc.Locations...)
	_, err := s.Store(ctx, []model.NormalizedService{svc})
	require.NoError(t, err)

	var source, postcode string
	var lat float64
	err = s.db.QueryRowContext(ctx, `SELECT source, postcode, lat FROM services WHERE id = ?`, "dir:1").
		Scan(&source, &postcode, &lat)
	require.NoError(t, err)
	assert.Equal(t, "dir", source)
	assert.Equal(t, "2000", postcode)
	assert.InDelta(t, -33.8688, lat, 1e-9)
}

func TestSQLite_CancelledContext(t *testing.T) {
	s := newTestSQLiteStore(t, 10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := s.Store(ctx, []model.NormalizedService{service("dir:1", "Youth Hub", t0)})
	require.Error(t, err)
	assert.Equal(t, 0, res.Stored)
}
