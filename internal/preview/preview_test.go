package preview

import (
	"image"
	"sync"
	"testing"

	"github.com/city96/LiliumSD/internal/mask"
	"github.com/city96/LiliumSD/internal/tile"
)

func grey(w, h int, v uint8) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		if i%4 == 3 {
			img.Pix[i] = 255
			continue
		}
		img.Pix[i] = v
	}
	return img
}

func testSlicer(t *testing.T, dim int) tile.Slicer {
	t.Helper()
	s, err := tile.NewSimple(dim, dim, dim/2, 0, false)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestAutoScale(t *testing.T) {
	var mu sync.Mutex
	cases := []struct {
		height int
		want   float64
	}{
		{512, 1.0},
		{1024, 1.0},
		{2048, 0.5},
		{4096, 0.25},
	}
	for _, c := range cases {
		s := testSlicer(t, c.height)
		p := New(s, grey(c.height, c.height, 100), 0, &mu)
		if p.Scale() != c.want {
			t.Errorf("height %d: scale = %v, want %v", c.height, p.Scale(), c.want)
		}
	}
}

func TestExplicitScale(t *testing.T) {
	var mu sync.Mutex
	s := testSlicer(t, 512)
	p := New(s, grey(512, 512, 100), 0.5, &mu)
	if p.Scale() != 0.5 {
		t.Errorf("scale = %v, want 0.5", p.Scale())
	}
	img := p.GetPreview()
	if img.Rect.Dx() != 256 || img.Rect.Dy() != 256 {
		t.Errorf("preview dims = %dx%d, want 256x256", img.Rect.Dx(), img.Rect.Dy())
	}
}

func TestChangeToken(t *testing.T) {
	var mu sync.Mutex
	s := testSlicer(t, 256)
	p := New(s, grey(256, 256, 100), 0, &mu)
	a := p.Changed()
	p.MarkChange()
	b := p.Changed()
	if b <= a {
		t.Errorf("change token did not increase: %d -> %d", a, b)
	}
}

func TestOverlayRendering(t *testing.T) {
	var mu sync.Mutex
	s := testSlicer(t, 256) // 2x2 grid of 128px tiles
	p := New(s, grey(256, 256, 100), 0, &mu)

	before := p.GetPreview()
	if c := before.RGBAAt(10, 64); c.R != 100 {
		t.Fatalf("initial preview pixel = %v, want the plain image", c)
	}

	tl := s.TileAt(0, 0)
	tl.Proc = true
	tl.Worker = "demo"
	p.MarkChange()

	img := p.GetPreview()
	// Frame region: weight 0.2 brightens 100 -> 100*(0.25+0.2) = 45.
	if c := img.RGBAAt(5, 64); c.R != 45 {
		t.Errorf("frame pixel = %v, want R=45", c)
	}
	// Inside the frame (past the 14px pad, away from the label): dimmed
	// regions only appear where the overlay is set, so this stays 100.
	if c := img.RGBAAt(64, 64); c.R != 100 {
		t.Errorf("inner pixel = %v, want untouched", c)
	}
	// Tiles not in flight stay untouched.
	if c := img.RGBAAt(200, 200); c.R != 100 {
		t.Errorf("other tile pixel = %v, want untouched", c)
	}

	// Lazy rendering: without a new change the same snapshot comes back.
	if p.GetPreview() != img {
		t.Error("preview re-rendered without a change")
	}
}

func TestFinalCleanOverlay(t *testing.T) {
	var mu sync.Mutex
	s := testSlicer(t, 256)
	p := New(s, grey(256, 256, 100), 0, &mu)

	for _, tl := range s.Tiles() {
		tl.Done = true
	}
	p.MarkChange()
	img := p.GetPreview()
	// Done: no frames, no watermark.
	for y := 0; y < img.Rect.Dy(); y++ {
		for x := 0; x < img.Rect.Dx(); x++ {
			if c := img.RGBAAt(x, y); c.R != 100 {
				t.Fatalf("final preview pixel (%d,%d) = %v, want clean image", x, y, c)
			}
		}
	}
}

func TestApplyTile(t *testing.T) {
	var mu sync.Mutex
	s := testSlicer(t, 256)
	p := New(s, grey(256, 256, 100), 0, &mu)

	tl := s.TileAt(0, 0)
	processed := grey(128, 128, 60)
	m := mask.New(128, 128)
	for i := range m.Data {
		m.Data[i] = 1
	}
	before := p.Changed()
	if err := p.ApplyTile(tl, processed, m); err != nil {
		t.Fatal(err)
	}
	if p.Changed() <= before {
		t.Error("ApplyTile did not bump the change token")
	}

	for _, x := range s.Tiles() {
		x.Done = true
	}
	p.MarkChange()
	img := p.GetPreview()
	if c := img.RGBAAt(64, 64); c.R != 60 {
		t.Errorf("applied tile pixel = %v, want 60", c)
	}
	if c := img.RGBAAt(200, 200); c.R != 100 {
		t.Errorf("untouched pixel = %v, want 100", c)
	}
}

func TestTextBitmap(t *testing.T) {
	b := Text("ab", 1)
	if b.W != 13 || b.H != 7 {
		t.Fatalf("bitmap dims = %dx%d, want 13x7", b.W, b.H)
	}
	// Top and bottom rows stay blank.
	for x := 0; x < b.W; x++ {
		if b.At(x, 0) != 0 || b.At(x, 6) != 0 {
			t.Fatalf("padding row lit at x=%d", x)
		}
	}
	// 'a' row 4 (glyph row 3) is a full bar.
	for x := 1; x <= 5; x++ {
		if b.At(x, 4) != 1 {
			t.Errorf("glyph pixel (%d,4) = %v, want 1", x, b.At(x, 4))
		}
	}

	scaled := Text("ab", 2)
	if scaled.W != 26 || scaled.H != 14 {
		t.Errorf("scaled dims = %dx%d, want 26x14", scaled.W, scaled.H)
	}
	// Unknown characters render as blanks.
	blank := Text("?", 1)
	for i, v := range blank.Data {
		if v != 0 {
			t.Fatalf("unknown glyph lit at %d", i)
		}
	}
}
