package adapter

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/service-ingest/internal/fetcher"
	"github.com/sells-group/service-ingest/internal/resilience"
)

var fixedTime = time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)

// testDeps wires adapters to real fetchers with retries disabled.
func testDeps(t *testing.T) Deps {
	t.Helper()
	httpFetcher := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		RatePerSec: 1000,
		Burst:      100,
		Timeout:    5 * time.Second,
		Retry:      resilience.RetryConfig{MaxAttempts: 1},
	})
	return Deps{
		Fetcher: fetcher.NewMux(httpFetcher, nil),
		HTTP:    httpFetcher,
		TempDir: t.TempDir(),
		Now:     func() time.Time { return fixedTime },
	}
}

func writeFixture(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func recordNames(res *ExtractResult) []string {
	names := make([]string, 0, len(res.Records))
	for _, r := range res.Records {
		names = append(names, r.String("name"))
	}
	return names
}
