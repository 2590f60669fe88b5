package main

import (
	"flag"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/city96/LiliumSD/internal/encode"
	"github.com/city96/LiliumSD/internal/imgutil"
	"github.com/city96/LiliumSD/internal/job"
	"github.com/city96/LiliumSD/internal/mask"
	"github.com/city96/LiliumSD/internal/preview"
	"github.com/city96/LiliumSD/internal/tile"
	"github.com/city96/LiliumSD/internal/worker"
	"github.com/city96/LiliumSD/internal/workflow"
)

// Set via -ldflags at build time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// workerConfig is one entry of the YAML worker list.
type workerConfig struct {
	URL      string  `yaml:"url"`
	Priority float64 `yaml:"priority"`
	Name     string  `yaml:"name"`
}

type config struct {
	Workers []workerConfig `yaml:"workers"`
}

func main() {
	var (
		configPath    string
		backend       string
		dryRun        bool
		workflowPath  string
		rawPath       string
		inputPath     string
		outputDir     string
		slicerName    string
		size          int
		overlap       int
		uniform       bool
		feather       int
		padding       int
		scale         float64
		height        int
		width         int
		tileSource    string
		positive      string
		negative      string
		seedIncrement int
		upscaleFactor float64
		noSave        bool
		snapshotDir   string
		verbose       bool
		showVersion   bool
	)

	flag.StringVar(&configPath, "config", "config.yaml", "Worker config file")
	flag.StringVar(&backend, "backend", "comfy", "Backend type: comfy, debug")
	flag.BoolVar(&dryRun, "dry-run", false, "Swap all workers for local debug workers, don't save")
	flag.StringVar(&workflowPath, "workflow", "", "API-format workflow JSON file")
	flag.StringVar(&rawPath, "workflow-raw", "", "UI-format workflow JSON file (metadata only)")
	flag.StringVar(&inputPath, "input", "", "Input image (png/jpeg)")
	flag.StringVar(&outputDir, "output-dir", "output", "Output directory")
	flag.StringVar(&slicerName, "slicer", "NyanTile", "Slicing strategy: Simple, USDUS, NyanTile")
	flag.IntVar(&size, "size", 768, "Tile edge length")
	flag.IntVar(&overlap, "overlap", 64, "Tile overlap (Simple/USDUS)")
	flag.BoolVar(&uniform, "uniform", false, "Force uniform tile shapes")
	flag.IntVar(&feather, "feather", 56, "Mask feather width")
	flag.IntVar(&padding, "padding", 28, "Mask padding width")
	flag.Float64Var(&scale, "scale", 1.0, "Input image scale factor")
	flag.IntVar(&height, "height", 0, "Target image height (overrides -scale with -width)")
	flag.IntVar(&width, "width", 0, "Target image width (overrides -scale with -height)")
	flag.StringVar(&tileSource, "tile-source", "raw", "Tile crop source: raw, out")
	flag.StringVar(&positive, "positive", "", "Positive prompt text")
	flag.StringVar(&negative, "negative", "", "Negative prompt text")
	flag.IntVar(&seedIncrement, "seed-increment", 0, "Offset applied to all sampler seeds")
	flag.Float64Var(&upscaleFactor, "upscale-factor", 1.0, "Backend upscale factor (tiles are pre-shrunk)")
	flag.BoolVar(&noSave, "no-save", false, "Skip writing the output file")
	flag.StringVar(&snapshotDir, "snapshot-dir", "", "Write preview snapshots to this directory")
	flag.BoolVar(&verbose, "verbose", false, "Verbose log output")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: liliumsd [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Distributed tiled-image upscaling over remote ComfyUI workers.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if showVersion {
		fmt.Printf("liliumsd %s (commit %s, built %s)\n", version, commit, buildDate)
		os.Exit(0)
	}
	if inputPath == "" {
		flag.Usage()
		os.Exit(1)
	}
	if !verbose {
		log.SetOutput(io.Discard)
	}

	// Worker pool from the YAML config.
	cfgData, err := os.ReadFile(configPath)
	if err != nil {
		fatalf("Reading config: %v", err)
	}
	var cfg config
	if err := yaml.Unmarshal(cfgData, &cfg); err != nil {
		fatalf("Parsing config: %v", err)
	}
	if len(cfg.Workers) == 0 {
		fatalf("No workers in %s", configPath)
	}

	workers, err := buildWorkers(cfg.Workers, backend, dryRun)
	if err != nil {
		fatalf("Workers: %v", err)
	}
	if backend == "comfy" && !dryRun {
		if err := worker.ProbeAll(workers); err != nil {
			log.Printf("Worker probe: %v", err)
		}
		if len(worker.Idle(workers)) == 0 {
			fatalf("No usable workers after probing")
		}
	}

	// Workflow.
	var wf workflow.Workflow
	if workflowPath != "" {
		data, err := os.ReadFile(workflowPath)
		if err != nil {
			fatalf("Reading workflow: %v", err)
		}
		wf, err = workflow.Parse(data)
		if err != nil {
			fatalf("Workflow: %v", err)
		}
		wf.Sanitize()
		wf.SetPromptText(workflow.PromptPositive, positive)
		wf.SetPromptText(workflow.PromptNegative, negative)
		wf.IncrementSeed(seedIncrement)

		var classSets []map[string]bool
		for _, w := range workers {
			if set := w.NodeClasses(); set != nil {
				classSets = append(classSets, set)
			}
		}
		if len(classSets) > 0 {
			if err := wf.VerifyNodes(classSets); err != nil {
				fatalf("Workflow: %v", err)
			}
		}
	}
	var raw []byte
	if rawPath != "" {
		if raw, err = os.ReadFile(rawPath); err != nil {
			fatalf("Reading raw workflow: %v", err)
		}
	}

	// Input image: decode, resize, align to the latent grid.
	img, imageScale, err := loadInput(inputPath, scale, height, width)
	if err != nil {
		fatalf("Input image: %v", err)
	}

	slicerCfg := tile.Config{Name: slicerName, Size: size, Overlap: overlap, Uniform: uniform}
	slicer, err := tile.New(slicerCfg, img.Rect.Dy(), img.Rect.Dx())
	if err != nil {
		fatalf("Slicer: %v", err)
	}
	if slicerName == "NyanTile" && tileSource != "out" {
		log.Printf("Using NyanTile with tile_source != out.")
	}

	builder := &mask.Builder{Feather: feather, Padding: padding}

	settings := &worker.Settings{
		ImageScale:     imageScale,
		ImageHeight:    img.Rect.Dy(),
		ImageWidth:     img.Rect.Dx(),
		TileSource:     tileSource,
		Workflow:       wf,
		WorkflowRaw:    raw,
		UpscaleFactor:  upscaleFactor,
		PositivePrompt: positive,
		NegativePrompt: negative,
		SeedIncrement:  seedIncrement,
	}

	j, err := job.New(slicer, img, builder, workers, settings, job.Options{
		Preview:   true,
		Save:      !noSave && !dryRun,
		OutputDir: outputDir,
		Progress:  true,
		Meta: map[string]any{
			"slicer": slicerCfg,
			"mask":   map[string]int{"feather": feather, "padding": padding},
		},
	})
	if err != nil {
		fatalf("Job: %v", err)
	}

	fmt.Printf("liliumsd %s\n", version)
	fmt.Printf("  %-12s %dx%d\n", "Image:", img.Rect.Dx(), img.Rect.Dy())
	fmt.Printf("  %-12s %s (size %d, overlap %d)\n", "Slicer:", slicerName, size, overlap)
	fmt.Printf("  %-12s %d\n", "Tiles:", len(slicer.Tiles()))
	fmt.Printf("  %-12s %d\n", "Workers:", len(workers))

	var snapshots *preview.SnapshotWriter
	if snapshotDir != "" {
		enc, err := encode.NewEncoder("jpeg", 90)
		if err != nil {
			fatalf("Snapshot encoder: %v", err)
		}
		snapshots = preview.NewSnapshotWriter(j.Previewer(), enc, snapshotDir)
	}

	j.Run()
	if snapshots != nil {
		snapshots.Stop()
	}

	if saved := j.Saved(); saved != nil {
		fmt.Printf("Done: %s\n", saved.Path)
	} else {
		fmt.Printf("Done (output not saved)\n")
	}
}

// buildWorkers creates the worker pool. Dry runs and the debug backend use
// local stand-ins with the configured identities.
func buildWorkers(configs []workerConfig, backend string, dryRun bool) ([]worker.Worker, error) {
	var out []worker.Worker
	for _, c := range configs {
		priority := c.Priority
		if priority == 0 {
			priority = 1.0
		}
		if backend == "debug" || dryRun {
			w, err := worker.NewDebug(c.URL, priority, c.Name)
			if err != nil {
				return nil, err
			}
			out = append(out, w)
			continue
		}
		w, err := worker.NewComfy(c.URL, priority, c.Name)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

// loadInput decodes the input image, applies the requested resize and crops
// both dimensions to multiples of 8. Returns the effective scale factor.
func loadInput(path string, scale float64, height, width int) (*image.RGBA, float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()
	decoded, _, err := image.Decode(f)
	if err != nil {
		return nil, 0, fmt.Errorf("decoding %s: %w", path, err)
	}
	img := imgutil.ToRGBA(decoded)

	srcH := img.Rect.Dy()
	if height == 0 || width == 0 {
		height = int(math.Round(float64(img.Rect.Dy()) * scale))
		width = int(math.Round(float64(img.Rect.Dx()) * scale))
	}
	if height != img.Rect.Dy() || width != img.Rect.Dx() {
		img = imgutil.Scale(img, width, height, imgutil.Bilinear)
	}
	img = imgutil.AlignCrop(img, 8)
	return img, float64(height) / float64(srcH), nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
