package fetcher

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
)

func createTestXLSX(t *testing.T, sheets map[string][][]string) string {
	t.Helper()
	f := xlsx.NewFile()
	for name, rows := range sheets {
		sheet, err := f.AddSheet(name)
		require.NoError(t, err)
		for _, rowData := range rows {
			row := sheet.AddRow()
			for _, cellData := range rowData {
				row.AddCell().SetString(cellData)
			}
		}
	}
	path := filepath.Join(t.TempDir(), "test.xlsx")
	require.NoError(t, f.Save(path))
	return path
}

func TestStreamXLSX_Basic(t *testing.T) {
	path := createTestXLSX(t, map[string][][]string{
		"Services": {
			{"Service Name", "Postcode"},
			{"Youth Hub", "2000"},
			{"", ""},
			{"Legal Aid", "3000"},
		},
	})

	rows, err := drainRows(StreamXLSX(context.Background(), path, XLSXOptions{}))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, map[string]string{"service_name": "Youth Hub", "postcode": "2000"}, rows[0].Fields)
	assert.Equal(t, 2, rows[0].Line)
	assert.Equal(t, "Legal Aid", rows[1].Fields["service_name"])
	assert.Equal(t, 4, rows[1].Line)
}

func TestStreamXLSX_HeaderRowOffset(t *testing.T) {
	path := createTestXLSX(t, map[string][][]string{
		"Sheet1": {
			{"Directory export 2025"},
			{"name", "city"},
			{"Hub", "Cairns"},
		},
	})

	rows, err := drainRows(StreamXLSX(context.Background(), path, XLSXOptions{HeaderRow: 1}))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Cairns", rows[0].Fields["city"])
}

func TestStreamXLSX_SheetByName(t *testing.T) {
	path := createTestXLSX(t, map[string][][]string{
		"Services": {{"name"}, {"Hub"}},
	})

	rows, err := drainRows(StreamXLSX(context.Background(), path, XLSXOptions{SheetName: "Services"}))
	require.NoError(t, err)
	require.Len(t, rows, 1)

	_, err = drainRows(StreamXLSX(context.Background(), path, XLSXOptions{SheetName: "Missing"}))
	assert.Error(t, err)
}

func TestStreamXLSX_SheetIndexOutOfRange(t *testing.T) {
	path := createTestXLSX(t, map[string][][]string{"Sheet1": {{"name"}}})
	_, err := drainRows(StreamXLSX(context.Background(), path, XLSXOptions{SheetIndex: 3}))
	assert.Error(t, err)
}

func TestStreamXLSX_MissingFile(t *testing.T) {
	_, err := drainRows(StreamXLSX(context.Background(), "/nonexistent/file.xlsx", XLSXOptions{}))
	assert.Error(t, err)
}
