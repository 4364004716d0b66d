package fetcher

import (
	"os"

	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// writeTestFile is a helper that writes data to a file path.
func writeTestFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}

func drainRows(rowCh <-chan Row, errCh <-chan error) ([]Row, error) {
	var rows []Row
	for r := range rowCh {
		rows = append(rows, r)
	}
	return rows, <-errCh
}
