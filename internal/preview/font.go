package preview

// 5x5 bitmap glyphs for the overlay labels, rendered into a 7-pixel strip
// with one blank row above and below. Anything unknown renders as a space.
var glyphs = map[rune][5]string{
	'a': {"..#..", ".#.#.", "#...#", "#####", "#...#"},
	'b': {"####.", "#...#", "####.", "#...#", "#####"},
	'c': {"..###", ".#...", "#....", ".#...", "..###"},
	'd': {"####.", "#...#", "#...#", "#...#", "####."},
	'e': {"#####", "#....", "####.", "#....", "#####"},
	'f': {"#####", "#....", "####.", "#....", "#...."},
	'g': {".###.", "#....", "#.###", "#...#", ".###."},
	'h': {"#...#", "#...#", "#####", "#...#", "#...#"},
	'i': {"#####", "..#..", "..#..", "..#..", "#####"},
	'j': {".####", "....#", "....#", "#...#", ".###."},
	'k': {"#...#", "#..#.", "###..", "#..#.", "#...#"},
	'l': {"#....", "#....", "#....", "#....", "#####"},
	'm': {"##.##", "#.#.#", "#...#", "#...#", "#...#"},
	'n': {"#...#", "##..#", "#.#.#", "#..##", "#...#"},
	'o': {".###.", "#...#", "#...#", "#...#", ".###."},
	'p': {"#####", "#...#", "#####", "#....", "#...."},
	'q': {"#####", "#...#", "#####", "....#", "...##"},
	'r': {"#####", "#...#", "#####", "#..#.", "#...#"},
	's': {".####", "#....", ".###.", "....#", "####."},
	't': {"#####", "..#..", "..#..", "..#..", "..#.."},
	'u': {"#...#", "#...#", "#...#", "#...#", ".###."},
	'v': {"#...#", "#...#", "#...#", ".#.#.", "..#.."},
	'w': {"#...#", "#...#", "#...#", "#.#.#", ".#.#."},
	'x': {"#...#", ".#.#.", "..#..", ".#.#.", "#...#"},
	'y': {"#...#", ".#.#.", "..#..", ".#...", "#...."},
	'z': {"#####", "...#.", "..#..", ".#...", "#####"},
	'0': {".###.", "#..##", "#.#.#", "##..#", ".###."},
	'1': {"..#..", ".##..", "#.#..", "..#..", "#####"},
	'2': {".###.", "#...#", "...#.", "..#..", "#####"},
	'3': {"####.", "....#", "...#.", "....#", "####."},
	'4': {"...#.", "..#..", ".#...", "#####", "..#.."},
	'5': {"..###", ".#...", "####.", "....#", "####."},
	'6': {".####", "#....", "####.", "#...#", ".###."},
	'7': {"#####", "...#.", ".###.", ".#...", "#...."},
	'8': {".###.", "#...#", ".###.", "#...#", ".###."},
	'9': {".###.", "#...#", ".###.", "....#", ".###."},
}

// Bitmap is a rendered text strip of weights in [0,1].
type Bitmap struct {
	W, H int
	Data []float32
}

// At returns the value at (x, y). No bounds check.
func (b *Bitmap) At(x, y int) float32 {
	return b.Data[y*b.W+x]
}

// Text renders a string into a bitmap at the given integer scale. Each
// glyph cell is 6 columns wide with a one-column lead-in; the strip is 7
// rows tall.
func Text(s string, scale int) *Bitmap {
	if scale < 1 {
		scale = 1
	}
	runes := []rune(toLower(s))
	baseW := len(runes)*6 + 1
	baseH := 7

	out := &Bitmap{W: baseW * scale, H: baseH * scale, Data: make([]float32, baseW*scale*baseH*scale)}
	for k, r := range runes {
		glyph, ok := glyphs[r]
		if !ok {
			continue
		}
		for gy := 0; gy < 5; gy++ {
			for gx := 0; gx < 5; gx++ {
				if glyph[gy][gx] != '#' {
					continue
				}
				// Nearest-neighbour upscale: each glyph pixel becomes a
				// scale x scale block.
				bx := (k*6 + 1 + gx) * scale
				by := (1 + gy) * scale
				for dy := 0; dy < scale; dy++ {
					for dx := 0; dx < scale; dx++ {
						out.Data[(by+dy)*out.W+bx+dx] = 1.0
					}
				}
			}
		}
	}
	return out
}

func toLower(s string) string {
	b := []rune(s)
	for i, r := range b {
		if r >= 'A' && r <= 'Z' {
			b[i] = r + ('a' - 'A')
		}
	}
	return string(b)
}
