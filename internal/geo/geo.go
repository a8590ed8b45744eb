package geo

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/example/help-matching/internal/models"
)

const (
	// DefaultCellSize is the grid cell edge in degrees, roughly 1.1 km at the equator.
	DefaultCellSize = 0.01
	EarthRadiusKm   = 6371.0
)

// GridIndex buckets live user positions into fixed-size cells.
type GridIndex interface {
	// UpsertLocation records pos for userID, migrating the user out of its
	// previous cell in the same atomic step when the cell changes.
	UpsertLocation(ctx context.Context, userID string, pos models.Position) error
	// MembersOf returns the users last seen inside cell. An empty cell is not an error.
	MembersOf(ctx context.Context, cell Cell) (map[string]models.Position, error)
	// CellOfUser reads the reverse lookup for userID.
	CellOfUser(ctx context.Context, userID string) (Cell, bool, error)
	// Available reports whether the index should be consulted at all.
	Available(ctx context.Context) bool
	CellSize() float64
}

// Cell identifies a grid square as (floor(lon/S), floor(lat/S)).
type Cell struct {
	X int64
	Y int64
}

func CellOf(p models.Position, size float64) Cell {
	return Cell{
		X: int64(math.Floor(p.Lon / size)),
		Y: int64(math.Floor(p.Lat / size)),
	}
}

func (c Cell) Key() string { return strconv.FormatInt(c.X, 10) + ":" + strconv.FormatInt(c.Y, 10) }

func ParseCellKey(s string) (Cell, error) {
	xs, ys, ok := strings.Cut(s, ":")
	if !ok {
		return Cell{}, fmt.Errorf("malformed cell key %q", s)
	}
	x, err := strconv.ParseInt(xs, 10, 64)
	if err != nil {
		return Cell{}, fmt.Errorf("malformed cell key %q: %w", s, err)
	}
	y, err := strconv.ParseInt(ys, 10, 64)
	if err != nil {
		return Cell{}, fmt.Errorf("malformed cell key %q: %w", s, err)
	}
	return Cell{X: x, Y: y}, nil
}

// Neighborhood returns the 3x3 block of cells centred on c.
func (c Cell) Neighborhood() []Cell {
	out := make([]Cell, 0, 9)
	for dx := int64(-1); dx <= 1; dx++ {
		for dy := int64(-1); dy <= 1; dy++ {
			out = append(out, Cell{X: c.X + dx, Y: c.Y + dy})
		}
	}
	return out
}

// CellWidthKm is the width of one cell along the equator. A neighborhood scan
// only guarantees full coverage for radii up to this value.
func CellWidthKm(size float64) float64 {
	return size * math.Pi / 180 * EarthRadiusKm
}

// DistanceKm is the haversine great-circle distance in kilometres.
func DistanceKm(a, b models.Position) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := toRad(b.Lat - a.Lat)
	dLon := toRad(b.Lon - a.Lon)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * EarthRadiusKm * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

func encodePosition(p models.Position) string {
	return strconv.FormatFloat(p.Lat, 'f', -1, 64) + "," + strconv.FormatFloat(p.Lon, 'f', -1, 64)
}

func decodePosition(s string) (models.Position, error) {
	lats, lons, ok := strings.Cut(s, ",")
	if !ok {
		return models.Position{}, fmt.Errorf("malformed position %q", s)
	}
	lat, err := strconv.ParseFloat(lats, 64)
	if err != nil {
		return models.Position{}, fmt.Errorf("malformed position %q: %w", s, err)
	}
	lon, err := strconv.ParseFloat(lons, 64)
	if err != nil {
		return models.Position{}, fmt.Errorf("malformed position %q: %w", s, err)
	}
	return models.Position{Lat: lat, Lon: lon}, nil
}
