package tile

import (
	"testing"
)

func spansEqual(got []Span, want []Span) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

// checkCoverage verifies the shared segment laws: the first span starts at
// zero, the last ends at the dimension, and successive spans overlap.
func checkCoverage(t *testing.T, segs []Span, dim int) {
	t.Helper()
	if segs[0].Start != 0 {
		t.Errorf("first span starts at %d, want 0", segs[0].Start)
	}
	if segs[len(segs)-1].End != dim {
		t.Errorf("last span ends at %d, want %d", segs[len(segs)-1].End, dim)
	}
	for i := 1; i < len(segs); i++ {
		if segs[i].Start >= segs[i-1].End {
			t.Errorf("spans %d and %d do not overlap: %v %v", i-1, i, segs[i-1], segs[i])
		}
		if segs[i].Start < 0 || segs[i].End > dim {
			t.Errorf("span %d out of bounds: %v", i, segs[i])
		}
	}
}

func TestSimpleSegments(t *testing.T) {
	s, err := NewSimple(2048, 2048, 512, 64, false)
	if err != nil {
		t.Fatal(err)
	}
	got := s.segments(2048)
	want := []Span{{0, 512}, {448, 960}, {896, 1408}, {1344, 1856}, {1792, 2048}}
	if !spansEqual(got, want) {
		t.Errorf("segments = %v, want %v", got, want)
	}
	checkCoverage(t, got, 2048)

	// Short trailing span merges into the previous one.
	got = s.segments(1024)
	want = []Span{{0, 512}, {448, 1024}}
	if !spansEqual(got, want) {
		t.Errorf("segments = %v, want %v", got, want)
	}
}

func TestSimpleSegmentsUniform(t *testing.T) {
	s, err := NewSimple(1024, 1024, 512, 64, true)
	if err != nil {
		t.Fatal(err)
	}
	got := s.segments(1024)
	// The tail anchors at dim-size so every tile stays 512 wide.
	want := []Span{{0, 512}, {448, 960}, {512, 1024}}
	if !spansEqual(got, want) {
		t.Errorf("segments = %v, want %v", got, want)
	}
	for _, seg := range got {
		if seg.End-seg.Start != 512 {
			t.Errorf("uniform span %v is not 512 wide", seg)
		}
	}
}

func TestUSDUSSegments(t *testing.T) {
	s, err := NewUSDUS(1024, 1024, 768, 64, false)
	if err != nil {
		t.Fatal(err)
	}
	got := s.segments(1024)
	want := []Span{{0, 832}, {704, 1024}}
	if !spansEqual(got, want) {
		t.Errorf("segments = %v, want %v", got, want)
	}
	checkCoverage(t, got, 1024)

	if len(s.Tiles()) != 4 {
		t.Errorf("tile count = %d, want 4 (2x2 grid)", len(s.Tiles()))
	}
}

func TestNyanSegments(t *testing.T) {
	s, err := NewNyan(1536, 1536, 768, false)
	if err != nil {
		t.Fatal(err)
	}
	got := s.segments(1536)
	want := []Span{{0, 768}, {384, 1152}, {768, 1536}}
	if !spansEqual(got, want) {
		t.Errorf("segments = %v, want %v", got, want)
	}
	checkCoverage(t, got, 1536)

	if len(s.Tiles()) != 9 {
		t.Errorf("tile count = %d, want 9 (3x3 grid)", len(s.Tiles()))
	}
}

func TestSlicerConfigErrors(t *testing.T) {
	if _, err := NewSimple(512, 512, 0, 0, false); err == nil {
		t.Error("expected error for zero tile size")
	}
	if _, err := NewSimple(512, 512, 128, 128, false); err == nil {
		t.Error("expected error for overlap >= size")
	}
	if _, err := NewNyan(512, 512, 1, false); err == nil {
		t.Error("expected error for tile size below 2")
	}
	if _, err := New(Config{Name: "Bogus", Size: 512}, 512, 512); err == nil {
		t.Error("expected error for unknown slicer name")
	}
}

func TestTileAt(t *testing.T) {
	s, err := NewNyan(1536, 1536, 768, false)
	if err != nil {
		t.Fatal(err)
	}
	for _, tl := range s.Tiles() {
		if got := s.TileAt(tl.H, tl.W); got != tl {
			t.Errorf("TileAt(%d,%d) returned the wrong tile", tl.H, tl.W)
		}
	}
	if s.TileAt(99, 0) != nil {
		t.Error("TileAt out of range should return nil")
	}
}

func TestSimpleReadiness(t *testing.T) {
	s, err := NewSimple(1536, 1536, 512, 64, false)
	if err != nil {
		t.Fatal(err)
	}
	// 3x3 grid; a fresh grid dispatches the four corners (checker-board).
	ready := s.ReadyTiles()
	coords := map[[2]int]bool{}
	for _, tl := range ready {
		coords[[2]int{tl.H, tl.W}] = true
	}
	want := [][2]int{{0, 0}, {0, 2}, {2, 0}, {2, 2}}
	if len(ready) != len(want) {
		t.Fatalf("ready = %v, want corners", ready)
	}
	for _, c := range want {
		if !coords[c] {
			t.Errorf("corner %v missing from ready set", c)
		}
	}

	// No ready tile may be an 8-neighbour of a proc tile.
	s.TileAt(0, 0).Proc = true
	for _, tl := range s.ReadyTiles() {
		if abs(tl.H-0) <= 1 && abs(tl.W-0) <= 1 {
			t.Errorf("tile %v ready while neighbouring a proc tile", tl)
		}
	}
}

func TestUSDUSReadiness(t *testing.T) {
	s, err := NewUSDUS(1024, 1024, 768, 64, false)
	if err != nil {
		t.Fatal(err)
	}
	ready := s.ReadyTiles()
	if len(ready) != 1 || ready[0] != s.Tiles()[0] {
		t.Fatalf("ready = %v, want just the first tile", ready)
	}

	// Strictly serial: nothing is ready while a tile is in flight.
	ready[0].Proc = true
	if got := s.ReadyTiles(); len(got) != 0 {
		t.Fatalf("ready = %v while a tile is proc, want none", got)
	}

	ready[0].Proc = false
	ready[0].Done = true
	next := s.ReadyTiles()
	if len(next) != 1 || next[0] != s.Tiles()[1] {
		t.Fatalf("ready = %v, want just the second tile", next)
	}
}

// TestNyanWavefront walks the full dispatch simulation and checks the exact
// diagonal wavefront for a 3x3 grid.
func TestNyanWavefront(t *testing.T) {
	s, err := NewNyan(1536, 1536, 768, false)
	if err != nil {
		t.Fatal(err)
	}
	want := [][][2]int{
		{{0, 0}},
		{{0, 1}},
		{{0, 2}, {1, 0}},
		{{1, 1}},
		{{1, 2}, {2, 0}},
		{{2, 1}},
		{{2, 2}},
	}
	for round, wantBatch := range want {
		ready := s.ReadyTiles()
		if len(ready) != len(wantBatch) {
			t.Fatalf("round %d: ready = %v, want %v", round, ready, wantBatch)
		}
		got := map[[2]int]bool{}
		for _, tl := range ready {
			got[[2]int{tl.H, tl.W}] = true
		}
		for _, c := range wantBatch {
			if !got[c] {
				t.Fatalf("round %d: tile %v missing (ready = %v)", round, c, ready)
			}
		}
		for _, tl := range ready {
			tl.Done = true
		}
	}
	if !s.Finished() {
		t.Error("slicer not finished after the full wavefront")
	}
}

// TestNyanDependencies checks that a tile never becomes ready before the
// tile above, to the left, and diagonally up-right are done.
func TestNyanDependencies(t *testing.T) {
	s, err := NewNyan(2048, 2048, 512, false)
	if err != nil {
		t.Fatal(err)
	}
	for !s.Finished() {
		ready := s.ReadyTiles()
		if len(ready) == 0 {
			t.Fatal("stalled: no ready tiles")
		}
		for _, tl := range ready {
			deps := [][2]int{{tl.H - 1, tl.W}, {tl.H, tl.W - 1}}
			if tl.W != tl.WMax {
				deps = append(deps, [2]int{tl.H - 1, tl.W + 1})
			}
			for _, d := range deps {
				dep := s.TileAt(d[0], d[1])
				if dep == nil {
					continue
				}
				if !dep.Done {
					t.Fatalf("tile %v ready before dependency (%d,%d) done", tl, d[0], d[1])
				}
			}
		}
		for _, tl := range ready {
			tl.Done = true
		}
	}
}

func TestFinishedAndClear(t *testing.T) {
	s, err := NewSimple(512, 512, 512, 0, false)
	if err != nil {
		t.Fatal(err)
	}
	if s.Finished() {
		t.Error("fresh slicer reports finished")
	}
	s.Clear()
	if !s.Finished() {
		t.Error("cleared slicer must report finished")
	}
	if s.ReadyTiles() != nil {
		t.Error("cleared slicer returned ready tiles")
	}
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
