package dedup

import (
	"fmt"
	"math"

	"github.com/sells-group/service-ingest/internal/model"
)

const (
	earthRadiusMeters = 6371008.8
	metersPerDegree   = 111320.0
)

// DistanceMeters is the great-circle (haversine) distance between two points.
func DistanceMeters(a, b model.Coordinates) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}

// gridKeys returns blocking keys for the cell containing c and its eight
// neighbours. Cells are cellMeters tall and three times as wide in degrees,
// so any two points within cellMeters of each other share a key below
// about 80 degrees of latitude.
func gridKeys(c model.Coordinates, cellMeters float64) []string {
	if cellMeters <= 0 {
		return nil
	}
	latStep := cellMeters / metersPerDegree
	lngStep := 3 * latStep
	row := int64(math.Floor(c.Lat / latStep))
	col := int64(math.Floor(c.Lng / lngStep))

	keys := make([]string, 0, 9)
	for dr := int64(-1); dr <= 1; dr++ {
		for dc := int64(-1); dc <= 1; dc++ {
			keys = append(keys, fmt.Sprintf("g:%d:%d", row+dr, col+dc))
		}
	}
	return keys
}
