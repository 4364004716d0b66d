package fetcher

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeJSONObject(t *testing.T) {
	type page struct {
		Total int `json:"total"`
	}
	p, err := DecodeJSONObject[page](strings.NewReader(`{"total": 12}`))
	require.NoError(t, err)
	assert.Equal(t, 12, p.Total)

	_, err = DecodeJSONObject[page](strings.NewReader(`{bad`))
	assert.Error(t, err)
}

func TestDecodeJSONDocument_KeepsNumbers(t *testing.T) {
	doc, err := DecodeJSONDocument(strings.NewReader(`{"items":[{"postcode":2000,"id":12345678901234567}]}`))
	require.NoError(t, err)

	items := doc.(map[string]any)["items"].([]any)
	item := items[0].(map[string]any)
	assert.Equal(t, json.Number("2000"), item["postcode"])
	assert.Equal(t, json.Number("12345678901234567"), item["id"])
}

func TestDecodeJSONDocument_Array(t *testing.T) {
	doc, err := DecodeJSONDocument(strings.NewReader(`[{"name":"a"},{"name":"b"}]`))
	require.NoError(t, err)
	assert.Len(t, doc.([]any), 2)
}
