// Package tile partitions an equirectangular 360° frame into a grid of
// tiles with fixed angular and pixel extents.
package tile

import (
	"fmt"
	"math"

	apperrors "github.com/zsiec/tilestream/internal/errors"
)

const (
	// YawSpan is the horizontal extent of the sphere in degrees.
	YawSpan = 360.0
	// PitchSpan is the pole-to-pole extent of the sphere in degrees.
	PitchSpan = 180.0
)

// GridPos is a tile's column (H) and row (V) in the grid.
type GridPos struct {
	H int `json:"h"`
	V int `json:"v"`
}

// AngularRange is the immutable region of the sphere a tile covers.
// Yaw is half-open [YawMin, YawMax); pitch is [PitchMin, PitchMax).
// The bottom row additionally includes pitch 180.
type AngularRange struct {
	YawMin   float64 `json:"yaw_min"`
	YawMax   float64 `json:"yaw_max"`
	PitchMin float64 `json:"pitch_min"`
	PitchMax float64 `json:"pitch_max"`
}

// Contains reports whether the direction falls inside the range.
func (r AngularRange) Contains(yaw, pitch float64) bool {
	if yaw < r.YawMin || yaw >= r.YawMax {
		return false
	}
	if pitch < r.PitchMin {
		return false
	}
	if r.PitchMax >= PitchSpan {
		return pitch <= r.PitchMax
	}
	return pitch < r.PitchMax
}

// Center returns the midpoint of the range.
func (r AngularRange) Center() (yaw, pitch float64) {
	return (r.YawMin + r.YawMax) / 2, (r.PitchMin + r.PitchMax) / 2
}

// PixelRect is the tile's region of the full projected picture.
type PixelRect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Tile is one spatial region of the frame. AngularRange and Rect never
// change; QualityLevel, Priority and IsVisible are rewritten by the engine
// on every viewport update.
type Tile struct {
	ID           int          `json:"id"`
	GridPos      GridPos      `json:"grid_pos"`
	AngularRange AngularRange `json:"angular_range"`
	Rect         PixelRect    `json:"rect"`
	QualityLevel int          `json:"quality_level"`
	Priority     int          `json:"priority"`
	IsVisible    bool         `json:"is_visible"`
}

// Grid is the static tiling of one session. It is safe for concurrent reads.
type Grid struct {
	cols   int
	rows   int
	width  int
	height int
	tiles  []Tile
}

// Build creates a cols x rows grid over a width x height projection.
// Tile ids are assigned row-major: id = v*cols + h.
func Build(cols, rows, width, height int) (*Grid, error) {
	if cols <= 0 || rows <= 0 {
		return nil, apperrors.NewConfigurationError("grid dimensions must be positive, got %dx%d", cols, rows)
	}
	if width <= 0 || height <= 0 {
		return nil, apperrors.NewConfigurationError("projection size must be positive, got %dx%d", width, height)
	}

	g := &Grid{
		cols:   cols,
		rows:   rows,
		width:  width,
		height: height,
		tiles:  make([]Tile, 0, cols*rows),
	}

	for v := 0; v < rows; v++ {
		for h := 0; h < cols; h++ {
			x0, x1 := h*width/cols, (h+1)*width/cols
			y0, y1 := v*height/rows, (v+1)*height/rows
			g.tiles = append(g.tiles, Tile{
				ID:      v*cols + h,
				GridPos: GridPos{H: h, V: v},
				AngularRange: AngularRange{
					YawMin:   float64(h) / float64(cols) * YawSpan,
					YawMax:   float64(h+1) / float64(cols) * YawSpan,
					PitchMin: float64(v) / float64(rows) * PitchSpan,
					PitchMax: float64(v+1) / float64(rows) * PitchSpan,
				},
				Rect: PixelRect{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0},
			})
		}
	}

	return g, nil
}

// Cols returns the number of grid columns.
func (g *Grid) Cols() int { return g.cols }

// Rows returns the number of grid rows.
func (g *Grid) Rows() int { return g.rows }

// Width returns the full projection width in pixels.
func (g *Grid) Width() int { return g.width }

// Height returns the full projection height in pixels.
func (g *Grid) Height() int { return g.height }

// Len returns the number of tiles.
func (g *Grid) Len() int { return len(g.tiles) }

// Tiles returns a copy of every tile in id order.
func (g *Grid) Tiles() []Tile {
	out := make([]Tile, len(g.tiles))
	copy(out, g.tiles)
	return out
}

// Tile returns the tile with the given id.
func (g *Grid) Tile(id int) (Tile, error) {
	if id < 0 || id >= len(g.tiles) {
		return Tile{}, fmt.Errorf("tile %d out of range [0,%d)", id, len(g.tiles))
	}
	return g.tiles[id], nil
}

// TileAt returns the single tile whose angular range contains the direction.
// Yaw is wrapped into [0,360) and pitch clamped into [0,180].
func (g *Grid) TileAt(yaw, pitch float64) Tile {
	yaw = NormalizeYaw(yaw)
	pitch = math.Max(0, math.Min(PitchSpan, pitch))

	h := int(yaw / YawSpan * float64(g.cols))
	if h >= g.cols {
		h = g.cols - 1
	}
	v := int(pitch / PitchSpan * float64(g.rows))
	if v >= g.rows {
		v = g.rows - 1
	}
	return g.tiles[v*g.cols+h]
}

// NormalizeYaw wraps any angle into [0,360).
func NormalizeYaw(yaw float64) float64 {
	yaw = math.Mod(yaw, YawSpan)
	if yaw < 0 {
		yaw += YawSpan
	}
	if yaw >= YawSpan {
		yaw = 0
	}
	return yaw
}
