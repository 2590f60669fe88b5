package tile

import (
	"fmt"
)

// Span is a half-open [Start, End) pixel range along one axis.
type Span struct {
	Start, End int
}

// Slicer carves an image into a grid of tiles and decides which tiles are
// eligible for dispatch. Implementations are not safe for concurrent use;
// the job lock serializes access to both the tile list and the tile flags.
type Slicer interface {
	// Tiles returns the full tile list in slicer order.
	Tiles() []*Tile
	// ReadyTiles returns the subset of tiles eligible for dispatch right
	// now under the strategy's ordering constraints.
	ReadyTiles() []*Tile
	// TileAt returns the tile at grid coordinates (h, w), or nil.
	TileAt(h, w int) *Tile
	// Finished reports whether every tile is done.
	Finished() bool
	// Clear drops the tile list. Finished reports true afterwards; used by
	// abort to terminate the dispatcher.
	Clear()
}

// Config selects and parameterizes a slicing strategy.
type Config struct {
	Name    string `yaml:"name" json:"name"`       // Simple | USDUS | NyanTile
	Size    int    `yaml:"size" json:"size"`       // tile edge length
	Overlap int    `yaml:"overlap" json:"overlap"` // ignored by NyanTile
	Uniform bool   `yaml:"uniform" json:"uniform"` // force uniform tile shapes
}

// New builds a slicer for an imgH×imgW image.
func New(cfg Config, imgH, imgW int) (Slicer, error) {
	switch cfg.Name {
	case "Simple":
		return NewSimple(imgH, imgW, cfg.Size, cfg.Overlap, cfg.Uniform)
	case "USDUS":
		return NewUSDUS(imgH, imgW, cfg.Size, cfg.Overlap, cfg.Uniform)
	case "NyanTile":
		return NewNyan(imgH, imgW, cfg.Size, cfg.Uniform)
	default:
		return nil, fmt.Errorf("invalid slicer type %q", cfg.Name)
	}
}

// SlicerNames lists the available strategies.
func SlicerNames() []string {
	return []string{"Simple", "USDUS", "NyanTile"}
}

// grid is the shared tile table: a flat ordered list plus an O(1)
// (h, w) → index map.
type grid struct {
	tiles []*Tile
	index map[[2]int]int
}

// build creates the tile list as the Cartesian product of the per-axis
// segment lists.
func (g *grid) build(imgH, imgW int, segs func(dim int) []Span) error {
	hSegs := segs(imgH)
	wSegs := segs(imgW)
	g.tiles = make([]*Tile, 0, len(hSegs)*len(wSegs))
	g.index = make(map[[2]int]int, len(hSegs)*len(wSegs))
	for h := range hSegs {
		for w := range wSegs {
			t, err := newTile(h, w, hSegs[h], wSegs[w], len(hSegs)-1, len(wSegs)-1)
			if err != nil {
				return err
			}
			g.index[[2]int{h, w}] = len(g.tiles)
			g.tiles = append(g.tiles, t)
		}
	}
	return nil
}

func (g *grid) Tiles() []*Tile { return g.tiles }

func (g *grid) TileAt(h, w int) *Tile {
	i, ok := g.index[[2]int{h, w}]
	if !ok {
		return nil
	}
	return g.tiles[i]
}

func (g *grid) Finished() bool {
	for _, t := range g.tiles {
		if !t.Done {
			return false
		}
	}
	return true
}

func (g *grid) Clear() {
	g.tiles = nil
	g.index = nil
}

// SimpleSlicer tiles with a fixed size and overlap. Its readiness policy
// allows any tile whose 8-neighbourhood is not in flight, giving
// checker-board style parallelism.
type SimpleSlicer struct {
	grid
	size    int
	overlap int
	uniform bool
}

// NewSimple builds a simple slicer for an imgH×imgW image.
func NewSimple(imgH, imgW, size, overlap int, uniform bool) (*SimpleSlicer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid tile size %d", size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("invalid overlap %d for tile size %d", overlap, size)
	}
	s := &SimpleSlicer{size: size, overlap: overlap, uniform: uniform}
	if err := s.build(imgH, imgW, s.segments); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SimpleSlicer) segments(dim int) []Span {
	segs := []Span{{0, min(s.size, dim)}}
	for segs[len(segs)-1].End < dim {
		prev := segs[len(segs)-1].End
		start := prev - s.overlap
		end := prev + s.size - s.overlap
		if !s.uniform && float64(end)+float64(s.size)*0.3 > float64(dim) {
			end = dim // expand to end of segment
		}
		if s.uniform && end >= dim {
			start = dim - s.size
		}
		segs = append(segs, Span{max(start, 0), min(end, dim)})
	}
	return segs
}

// ReadyTiles returns every unprocessed tile whose 8-neighbourhood (inside
// the grid) is neither in flight nor already selected in this batch.
func (s *SimpleSlicer) ReadyTiles() []*Tile {
	var out []*Tile
	selected := make(map[*Tile]bool)
	for _, t := range s.tiles {
		if t.Done || t.Proc {
			continue
		}
		valid := true
	deps:
		for dh := -1; dh <= 1; dh++ {
			if dh == -1 && t.H == 0 {
				continue
			}
			if dh == 1 && t.H == t.HMax {
				continue
			}
			for dw := -1; dw <= 1; dw++ {
				if dw == -1 && t.W == 0 {
					continue
				}
				if dw == 1 && t.W == t.WMax {
					continue
				}
				if dh == 0 && dw == 0 {
					continue
				}
				dep := s.TileAt(t.H+dh, t.W+dw)
				if dep.Proc || selected[dep] {
					valid = false
					break deps
				}
			}
		}
		if valid {
			selected[t] = true
			out = append(out, t)
		}
	}
	return out
}

// USDUSSlicer reproduces the ultimate-SD-upscale tiling. Strictly serial:
// one tile in flight at a time, in slicer order.
type USDUSSlicer struct {
	grid
	size    int
	overlap int
	uniform bool
}

// NewUSDUS builds an USDUS slicer for an imgH×imgW image.
func NewUSDUS(imgH, imgW, size, overlap int, uniform bool) (*USDUSSlicer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid tile size %d", size)
	}
	if overlap < 0 || (uniform && overlap >= size) {
		return nil, fmt.Errorf("invalid overlap %d for tile size %d", overlap, size)
	}
	s := &USDUSSlicer{size: size, overlap: overlap, uniform: uniform}
	if err := s.build(imgH, imgW, s.segments); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *USDUSSlicer) segments(dim int) []Span {
	segs := []Span{{0, min(s.size+s.overlap, dim)}}
	for segs[len(segs)-1].End < dim {
		prev := segs[len(segs)-1].End
		start := prev - s.overlap*2
		var end int
		if !s.uniform {
			end = prev + s.size
		} else {
			end = prev + s.size - s.overlap
			if end >= dim {
				start = dim - (s.size + s.overlap)
			}
		}
		segs = append(segs, Span{max(start, 0), min(end, dim)})
	}
	return segs
}

// ReadyTiles returns the first unfinished tile, or nothing while any tile
// is in flight.
func (s *USDUSSlicer) ReadyTiles() []*Tile {
	for _, t := range s.tiles {
		if t.Done {
			continue
		}
		if t.Proc {
			return nil
		}
		return []*Tile{t}
	}
	return nil
}

// NyanSlicer tiles with half-tile overlap. Its readiness policy forms a
// diagonal wavefront: a tile waits for the tiles above, to the left, and
// diagonally up-right, so every boundary is painted against an already
// finalized neighbour.
type NyanSlicer struct {
	grid
	size    int
	uniform bool
}

// NewNyan builds a NyanTile slicer for an imgH×imgW image.
func NewNyan(imgH, imgW, size int, uniform bool) (*NyanSlicer, error) {
	if size < 2 {
		return nil, fmt.Errorf("invalid tile size %d", size)
	}
	s := &NyanSlicer{size: size, uniform: uniform}
	if err := s.build(imgH, imgW, s.segments); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *NyanSlicer) segments(dim int) []Span {
	segs := []Span{{0, min(s.size, dim)}}
	for segs[len(segs)-1].End < dim {
		prev := segs[len(segs)-1].End
		start := prev - s.size/2
		end := prev + s.size/2
		if !s.uniform {
			if float64(prev)+float64(s.size)*0.75 > float64(dim) {
				end = dim // expand to end of segment
			}
		} else {
			if float64(prev)+float64(s.size)*0.5 > float64(dim) {
				start = dim - s.size
			}
		}
		segs = append(segs, Span{max(start, 0), min(end, dim)})
	}
	return segs
}

// ReadyTiles returns the tiles whose wavefront dependencies are all done:
// the tile above, the tile to the left, and the tile diagonally up-right.
// The up-right check is skipped in the last column, where no such
// neighbour exists. The origin tile is the only valid starting point.
func (s *NyanSlicer) ReadyTiles() []*Tile {
	var out []*Tile
	selected := make(map[*Tile]bool)
	for _, t := range s.tiles {
		if t.Done || t.Proc {
			continue
		}

		if t.H == 0 && t.W == 0 {
			out = append(out, t)
			break
		}

		if t.H >= 1 {
			if dep := s.TileAt(t.H-1, t.W); !dep.Done || selected[dep] {
				continue
			}
		}
		if t.W >= 1 {
			if dep := s.TileAt(t.H, t.W-1); !dep.Done || selected[dep] {
				continue
			}
		}
		if t.H >= 1 && t.W != t.WMax {
			if dep := s.TileAt(t.H-1, t.W+1); !dep.Done || selected[dep] {
				continue
			}
		}

		selected[t] = true
		out = append(out, t)
	}
	return out
}
