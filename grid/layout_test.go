package grid

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestCompute(t *testing.T) {
	wide := Viewport{Width: 1240, Height: 900}

	tests := []struct {
		name  string
		count int
		vp    Viewport
		want  Layout
	}{
		{"empty fleet", 0, wide, Layout{Rows: 1, Cols: 1, Tile: Size{300, 600}}},
		{"single device", 1, wide, Layout{Rows: 1, Cols: 1, Tile: Size{300, 600}}},
		{"four devices", 4, wide, Layout{Rows: 2, Cols: 2, Tile: Size{300, 600}}},
		{"seven devices", 7, wide, Layout{Rows: 3, Cols: 3, Tile: Size{220, 450}}},
		{"twelve devices clamp to five", 12, wide, Layout{Rows: 3, Cols: 5, Tile: Size{220, 450}}},
		{"thirty devices clamp to eight", 30, Viewport{Width: 2000, Height: 900}, Layout{Rows: 4, Cols: 8, Tile: Size{160, 320}}},
		{"seventy eight devices", 78, wide, Layout{Rows: 8, Cols: 10, Tile: Size{120, 240}}},
		{"narrow viewport keeps one column", 30, Viewport{Width: 100, Height: 900}, Layout{Rows: 30, Cols: 1, Tile: Size{160, 320}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Compute(tt.count, tt.vp)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Compute(%d) mismatch (-want +got):\n%s", tt.count, diff)
			}
		})
	}
}

func TestTilesNeverGrowWithFleet(t *testing.T) {
	prev := TileSize(1)
	for n := 2; n <= 500; n++ {
		cur := TileSize(n)
		if cur.Width > prev.Width || cur.Height > prev.Height {
			t.Fatalf("tile grew at n=%d: %+v -> %+v", n, prev, cur)
		}
		prev = cur
	}
}
