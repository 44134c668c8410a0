// Package grid computes the farm grid shape for a device count and viewport.
package grid

// Reserved horizontal space for margins and the scrollbar.
const reservedWidth = 40

// Size is a width/height pair in pixels.
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Viewport is the display area available to the grid.
type Viewport = Size

// Layout is the computed grid.
type Layout struct {
	Rows int  `json:"rows"`
	Cols int  `json:"cols"`
	Tile Size `json:"tile"`
}

// TileSize returns the portrait tile size for count devices. Tiles shrink as the
// fleet grows, in step with the quality tiers.
func TileSize(count int) Size {
	switch {
	case count <= 5:
		return Size{Width: 300, Height: 600}
	case count <= 20:
		return Size{Width: 220, Height: 450}
	case count <= 50:
		return Size{Width: 160, Height: 320}
	default:
		return Size{Width: 120, Height: 240}
	}
}

// Columns returns the column count for count devices in the viewport.
func Columns(count int, vp Viewport) int {
	switch {
	case count <= 1:
		return 1
	case count <= 4:
		return 2
	case count <= 9:
		return 3
	}

	cols := (vp.Width - reservedWidth) / TileSize(count).Width
	if cols < 1 {
		cols = 1
	}

	limit := 10
	if count <= 20 {
		limit = 5
	} else if count <= 50 {
		limit = 8
	}
	return min(cols, limit)
}

// Compute returns rows, columns and tile size for count devices.
func Compute(count int, vp Viewport) Layout {
	if count <= 0 {
		return Layout{Rows: 1, Cols: 1, Tile: TileSize(0)}
	}
	cols := Columns(count, vp)
	return Layout{
		Rows: (count + cols - 1) / cols,
		Cols: cols,
		Tile: TileSize(count),
	}
}
