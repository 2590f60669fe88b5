package mask

import (
	"testing"
)

func TestBuilderOddDimensions(t *testing.T) {
	b := &Builder{Feather: 2, Padding: 1}
	if _, err := b.FromShape(9, 8); err == nil {
		t.Error("expected error for odd width")
	}
	if _, err := b.FromShape(8, 9); err == nil {
		t.Error("expected error for odd height")
	}
}

func TestBuilderSymmetry(t *testing.T) {
	b := &Builder{Feather: 4, Padding: 2}
	m, err := b.FromShape(32, 24)
	if err != nil {
		t.Fatal(err)
	}
	for y := 0; y < m.H; y++ {
		for x := 0; x < m.W; x++ {
			v := m.At(x, y)
			if got := m.At(m.W-1-x, y); got != v {
				t.Fatalf("horizontal symmetry broken at (%d,%d): %v != %v", x, y, v, got)
			}
			if got := m.At(x, m.H-1-y); got != v {
				t.Fatalf("vertical symmetry broken at (%d,%d): %v != %v", x, y, v, got)
			}
			if got := m.At(m.W-1-x, m.H-1-y); got != v {
				t.Fatalf("diagonal symmetry broken at (%d,%d): %v != %v", x, y, v, got)
			}
		}
	}
}

func TestBuilderPaddingZero(t *testing.T) {
	b := &Builder{Feather: 4, Padding: 3}
	m, err := b.FromShape(32, 32)
	if err != nil {
		t.Fatal(err)
	}
	for k := 0; k < b.Padding; k++ {
		for x := 0; x < m.W; x++ {
			if m.At(x, k) != 0 || m.At(x, m.H-1-k) != 0 {
				t.Fatalf("padding row %d not zero at x=%d", k, x)
			}
		}
		for y := 0; y < m.H; y++ {
			if m.At(k, y) != 0 || m.At(m.W-1-k, y) != 0 {
				t.Fatalf("padding col %d not zero at y=%d", k, y)
			}
		}
	}
}

func TestBuilderFeatherMonotonic(t *testing.T) {
	b := &Builder{Feather: 6, Padding: 2}
	m, err := b.FromShape(32, 32)
	if err != nil {
		t.Fatal(err)
	}
	// Walking inward along the center row, the weight never decreases.
	y := m.H / 2
	prev := float32(-1)
	for x := 0; x < m.W/2; x++ {
		v := m.At(x, y)
		if v < prev {
			t.Fatalf("feather not monotonic at x=%d: %v < %v", x, v, prev)
		}
		prev = v
	}
	// Center reaches full weight.
	if m.At(m.W/2, m.H/2) != 1.0 {
		t.Errorf("center weight = %v, want 1", m.At(m.W/2, m.H/2))
	}
}

func TestBuilderFeatherValues(t *testing.T) {
	b := &Builder{Feather: 2, Padding: 1}
	m, err := b.FromShape(8, 8)
	if err != nil {
		t.Fatal(err)
	}
	// Quarter layout: row/col 0 zero, row/col 1 at half ramp, row/col 2 full.
	if got := m.At(1, 1); got != 0.25 {
		t.Errorf("corner ramp = %v, want 0.25", got)
	}
	if got := m.At(2, 1); got != 0.5 {
		t.Errorf("edge ramp = %v, want 0.5", got)
	}
	if got := m.At(3, 3); got != 1.0 {
		t.Errorf("center = %v, want 1", got)
	}
}

func TestFixEdgeAllSides(t *testing.T) {
	b := &Builder{Feather: 2, Padding: 1}
	m, err := b.FromShape(8, 8)
	if err != nil {
		t.Fatal(err)
	}
	// A tile covering the whole image touches every border; the fixed mask
	// must be all ones so the processed tile replaces the image verbatim.
	m.FixEdge(true, true, true, true)
	for y := 0; y < m.H; y++ {
		for x := 0; x < m.W; x++ {
			if m.At(x, y) != 1.0 {
				t.Fatalf("edge-fixed mask not 1 at (%d,%d): %v", x, y, m.At(x, y))
			}
		}
	}
}

func TestFixEdgeTopOnly(t *testing.T) {
	b := &Builder{Feather: 4, Padding: 2}
	m, err := b.FromShape(16, 16)
	if err != nil {
		t.Fatal(err)
	}
	want := make([]float32, m.W)
	for x := 0; x < m.W; x++ {
		want[x] = m.At(x, m.H/2)
	}
	m.FixEdge(true, false, false, false)

	// The outer top half repeats the center row.
	for y := 0; y < m.H/2; y++ {
		for x := 0; x < m.W; x++ {
			if m.At(x, y) != want[x] {
				t.Fatalf("row %d not center row at x=%d: %v != %v", y, x, m.At(x, y), want[x])
			}
		}
	}
	// The bottom padding is untouched.
	if m.At(m.W/2, m.H-1) != 0 {
		t.Errorf("bottom padding changed: %v", m.At(m.W/2, m.H-1))
	}
}

func TestMaskResize(t *testing.T) {
	b := &Builder{Feather: 4, Padding: 2}
	m, err := b.FromShape(16, 16)
	if err != nil {
		t.Fatal(err)
	}
	r := m.Resize(32, 32)
	if r.W != 32 || r.H != 32 {
		t.Fatalf("resize dims = %dx%d, want 32x32", r.W, r.H)
	}
	// Interpolation stays within range and keeps the center at full weight.
	for i, v := range r.Data {
		if v < 0 || v > 1 {
			t.Fatalf("resized weight out of range at %d: %v", i, v)
		}
	}
	if r.At(16, 16) != 1.0 {
		t.Errorf("resized center = %v, want 1", r.At(16, 16))
	}

	// Same-size resize is a copy.
	c := m.Resize(16, 16)
	c.Set(0, 0, 0.7)
	if m.At(0, 0) == 0.7 {
		t.Error("same-size resize aliases the source")
	}
}
