// slicedebug prints the segment plan and the simulated dispatch wavefront
// for a slicer/geometry combination, without touching any workers.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/city96/LiliumSD/internal/tile"
)

func main() {
	var (
		slicerName string
		size       int
		overlap    int
		uniform    bool
		height     int
		width      int
	)

	flag.StringVar(&slicerName, "slicer", "NyanTile", "Slicing strategy: Simple, USDUS, NyanTile")
	flag.IntVar(&size, "size", 768, "Tile edge length")
	flag.IntVar(&overlap, "overlap", 64, "Tile overlap (Simple/USDUS)")
	flag.BoolVar(&uniform, "uniform", false, "Force uniform tile shapes")
	flag.IntVar(&height, "height", 2048, "Image height")
	flag.IntVar(&width, "width", 2048, "Image width")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: slicedebug [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Inspect tile segmentation and dispatch ordering.\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg := tile.Config{Name: slicerName, Size: size, Overlap: overlap, Uniform: uniform}
	s, err := tile.New(cfg, height, width)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Slicer: %v\n", err)
		os.Exit(1)
	}

	tiles := s.Tiles()
	last := tiles[len(tiles)-1]
	fmt.Printf("%s %dx%d (size %d, overlap %d, uniform %v): %d tiles in a %dx%d grid\n",
		slicerName, width, height, size, overlap, uniform,
		len(tiles), last.HMax+1, last.WMax+1)

	fmt.Println("\nTiles:")
	for _, t := range tiles {
		fmt.Printf("  %v  h [%4d, %4d)  w [%4d, %4d)  %dx%d\n",
			t, t.HStart, t.HEnd, t.WStart, t.WEnd, t.Width(), t.Height())
	}

	// Simulate dispatch rounds: everything ready in one round completes
	// before the next, showing the strategy's maximum wavefront.
	fmt.Println("\nDispatch rounds:")
	for round := 1; !s.Finished(); round++ {
		ready := s.ReadyTiles()
		if len(ready) == 0 {
			fmt.Println("  stalled: no ready tiles but slicer not finished")
			os.Exit(1)
		}
		names := make([]string, len(ready))
		for i, t := range ready {
			names[i] = t.String()
		}
		fmt.Printf("  round %2d: %s\n", round, strings.Join(names, " "))
		for _, t := range ready {
			t.Done = true
		}
	}
}
