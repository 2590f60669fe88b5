// Package job owns the tiled-upscale run: the dispatcher loop that pairs
// ready tiles with idle workers, the per-tile worker tasks, and the FIFO
// assembler that blends finished tiles back into the output image.
package job

import (
	"encoding/json"
	"fmt"
	"image"
	"log"
	"sync"
	"time"

	"github.com/city96/LiliumSD/internal/imgutil"
	"github.com/city96/LiliumSD/internal/mask"
	"github.com/city96/LiliumSD/internal/preview"
	"github.com/city96/LiliumSD/internal/save"
	"github.com/city96/LiliumSD/internal/tile"
	"github.com/city96/LiliumSD/internal/worker"
)

// Loop pacing: idle wait when no tiles or workers are available, and the
// settle delay after each dispatch batch.
const (
	idleWait   = 300 * time.Millisecond
	settleWait = 150 * time.Millisecond
)

// completion travels from a worker task to the assembler.
type completion struct {
	tile *tile.Tile
	img  *image.RGBA
}

// Options configure a job beyond its core inputs.
type Options struct {
	// Preview enables the live previewer; PreviewScale overrides the
	// automatic scale choice when non-zero.
	Preview      bool
	PreviewScale float64

	// Save writes the final image to OutputDir.
	Save      bool
	OutputDir string

	// FixedMask blends every tile with the given mask instead of building
	// one per tile shape.
	FixedMask *mask.Mask

	// Progress renders a terminal progress bar.
	Progress bool

	// Meta is merged into the saved output's lilium metadata
	// (slicer/mask configuration and the like).
	Meta map[string]any
}

// Job iterates all tiles of one image over a pool of workers. The job lock
// guards every tile-flag transition; it is held only for small updates,
// never across network I/O.
type Job struct {
	slicer      tile.Slicer
	image       *image.RGBA // running output, mutated by the assembler
	source      *image.RGBA // crop source: clone of the input, or the output itself
	workers     []worker.Worker
	settings    *worker.Settings
	maskBuilder *mask.Builder
	opts        Options

	mu        sync.Mutex
	queue     chan completion
	previewer *preview.Previewer
	progress  *progressBar

	saveOutput bool
	output     *image.RGBA
	saved      *save.Saved

	runDone chan struct{}
}

// New validates the configuration and builds a runnable job. Logical
// errors (missing workflow, bad tile source, no workers) are refused here;
// the job never starts.
func New(slicer tile.Slicer, img *image.RGBA, builder *mask.Builder, workers []worker.Worker, settings *worker.Settings, opts Options) (*Job, error) {
	if slicer == nil || len(slicer.Tiles()) == 0 {
		return nil, fmt.Errorf("slicer produced no tiles")
	}
	if len(workers) == 0 {
		return nil, fmt.Errorf("no workers")
	}
	if builder == nil && opts.FixedMask == nil {
		return nil, fmt.Errorf("missing mask")
	}
	if settings == nil {
		settings = &worker.Settings{}
	}
	if settings.Workflow == nil && !allDebug(workers) {
		return nil, fmt.Errorf("missing workflow")
	}

	s := settings.Clone()
	if s.ImageScale == 0 {
		s.ImageScale = 1.0
		s.ImageHeight = img.Rect.Dy()
		s.ImageWidth = img.Rect.Dx()
	}
	if s.ImageShape == nil {
		s.ImageShape = []int{s.ImageHeight, s.ImageWidth}
	}

	j := &Job{
		slicer:      slicer,
		image:       img,
		workers:     workers,
		settings:    s,
		maskBuilder: builder,
		opts:        opts,
		saveOutput:  opts.Save,
		runDone:     make(chan struct{}),
	}

	switch s.TileSource {
	case "", "raw":
		s.TileSource = "raw"
		j.source = imgutil.Clone(img)
	case "out":
		// Crops read the running output; the slicer's readiness policy
		// keeps neighbours from being read while written.
		j.source = img
	default:
		return nil, fmt.Errorf("unknown tile/image source %q [raw|out]", s.TileSource)
	}

	if opts.Preview {
		j.previewer = preview.New(slicer, img, opts.PreviewScale, &j.mu)
	}
	// Bounded to the worker count: at most that many tiles are in flight.
	j.queue = make(chan completion, len(workers))
	j.progress = newProgressBar("Upscaling", int64(len(slicer.Tiles())), opts.Progress)
	return j, nil
}

func allDebug(ws []worker.Worker) bool {
	for _, w := range ws {
		if _, ok := w.(*worker.Debug); !ok {
			return false
		}
	}
	return true
}

// Run executes the job to completion. Blocking.
func (j *Job) Run() {
	defer close(j.runDone)

	assemblerDone := make(chan struct{})
	go j.assemble(assemblerDone)

	var wg sync.WaitGroup
	for {
		j.mu.Lock()
		finished := j.slicer.Finished()
		var ready []*tile.Tile
		if !finished {
			ready = j.slicer.ReadyTiles()
		}
		j.mu.Unlock()
		if finished {
			break
		}
		if len(ready) == 0 {
			time.Sleep(idleWait)
			continue
		}

		// Snapshot idle workers, best first.
		available := worker.Idle(j.workers)
		worker.SortByPriority(available)

		for _, t := range ready {
			if len(available) == 0 {
				time.Sleep(idleWait)
				break
			}
			w := available[0]
			available = available[1:]

			j.mu.Lock()
			log.Printf("Dispatching tile %v to worker %s", t, w.Name())
			t.Proc = true
			t.Worker = w.Name()
			j.mu.Unlock()

			wg.Add(1)
			go func(t *tile.Tile, w worker.Worker) {
				defer wg.Done()
				j.process(t, w)
			}(t, w)
		}

		time.Sleep(settleWait)
		if j.previewer != nil {
			j.previewer.MarkChange()
		}
	}

	// All tiles are done or the job was aborted; wait for the stragglers,
	// then let the assembler drain whatever they enqueued.
	wg.Wait()
	close(j.queue)
	<-assemblerDone

	j.output = j.image
	j.mu.Lock()
	doSave := j.saveOutput
	j.mu.Unlock()
	if doSave {
		saved, err := save.Output(j.opts.OutputDir, j.output, j.buildMeta())
		if err != nil {
			log.Printf("Saving output failed: %v", err)
		} else {
			j.saved = saved
		}
	}
	if j.previewer != nil {
		j.previewer.MarkChange()
	}
	j.progress.Finish()

	for _, w := range j.workers {
		if err := w.Reset(); err != nil {
			log.Printf("Worker reset failed: %v", err)
		}
	}
	j.mu.Lock()
	j.slicer.Clear() // free RAM, and Finished() stays cheap
	j.mu.Unlock()
}

// Start runs the job on its own goroutine.
func (j *Job) Start() {
	go j.Run()
}

// Wait blocks until Run has returned.
func (j *Job) Wait() {
	<-j.runDone
}

// process runs one dispatched tile on one worker. On success the result is
// enqueued for assembly; on failure the tile returns to the unassigned
// pool so the dispatcher can retry it on any idle worker.
func (j *Job) process(t *tile.Tile, w worker.Worker) {
	img, err := t.Crop(j.source, 1.0)
	if err == nil {
		s := j.settings.Clone()
		s.Tile = &worker.TileInfo{
			H: t.H, W: t.W,
			HStart: t.HStart, HEnd: t.HEnd,
			WStart: t.WStart, WEnd: t.WEnd,
			Width: t.Width(), Height: t.Height(),
		}
		var out *image.RGBA
		out, err = w.Process(img, s)
		if err == nil {
			j.queue <- completion{tile: t, img: out}
			return
		}
	}
	log.Printf("Tile %v failed! (%v)", t, err)
	j.mu.Lock()
	t.Proc = false
	t.Worker = ""
	j.mu.Unlock()
}

// tileMask prepares the blend mask for a finished tile image.
func (j *Job) tileMask(w, h int) (*mask.Mask, error) {
	if j.opts.FixedMask != nil {
		return j.opts.FixedMask.Clone(), nil
	}
	return j.maskBuilder.FromShape(w, h)
}

// assemble consumes completions in FIFO order and pastes them onto the
// output image. Runs until the completion channel closes.
func (j *Job) assemble(done chan struct{}) {
	defer close(done)
	for c := range j.queue {
		m, err := j.tileMask(c.img.Rect.Dx(), c.img.Rect.Dy())
		if err == nil {
			m.FixEdge(c.tile.Edges())
			err = c.tile.Put(j.image, c.img, m, 1.0, 1.0)
		}
		if err != nil {
			// Treated like a processing failure: back to the pool.
			log.Printf("Assembling tile %v failed! (%v)", c.tile, err)
			j.mu.Lock()
			c.tile.Proc = false
			c.tile.Worker = ""
			j.mu.Unlock()
			continue
		}

		j.mu.Lock()
		c.tile.Done = true
		c.tile.Proc = false
		c.tile.Worker = ""
		j.mu.Unlock()

		if j.previewer != nil {
			if err := j.previewer.ApplyTile(c.tile, c.img, m); err != nil {
				log.Printf("Preview update failed for tile %v: %v", c.tile, err)
			}
		}
		j.progress.Increment()
	}
}

// Abort stops the job: remote queues are cleared, workers return to idle,
// and the cleared tile list terminates the dispatcher on its next pass.
// Idempotent; no output file is written afterwards.
func (j *Job) Abort() {
	log.Printf("Job aborted.")
	j.mu.Lock()
	j.saveOutput = false
	j.mu.Unlock()
	for _, w := range j.workers {
		w.Abort()
	}
	j.mu.Lock()
	j.slicer.Clear()
	j.mu.Unlock()
}

// Done reports whether the job has finished (or was aborted).
func (j *Job) Done() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.slicer.Finished()
}

// Output returns the final image once Run has returned, else nil.
func (j *Job) Output() *image.RGBA { return j.output }

// Saved returns the written output file info, if any.
func (j *Job) Saved() *save.Saved { return j.saved }

// Previewer returns the live previewer, or nil when disabled.
func (j *Job) Previewer() *preview.Previewer { return j.previewer }

// Status is a point-in-time job snapshot for the external surface.
type Status struct {
	State          string      `json:"status"` // "proc" | "idle"
	Current        int64       `json:"current"`
	Total          int64       `json:"total"`
	Perc           float64     `json:"perc"`
	Label          string      `json:"label,omitempty"`
	PreviewChanged int64       `json:"preview_changed,omitempty"`
	Output         *save.Saved `json:"output,omitempty"`
}

// Status reports progress for polling clients.
func (j *Job) Status() Status {
	st := Status{
		State:   "proc",
		Current: j.progress.Processed(),
		Total:   j.progress.Total(),
		Output:  j.saved,
	}
	if st.Total > 0 {
		st.Perc = float64(st.Current) / float64(st.Total)
	}
	st.Label = j.progress.Label()
	if j.Done() {
		st.State = "idle"
	}
	if j.previewer != nil {
		st.PreviewChanged = j.previewer.Changed()
	}
	return st
}

// buildMeta assembles the saved output's metadata: the API workflow under
// "prompt", the raw UI graph under "workflow", and every other setting in
// the lilium chunk.
func (j *Job) buildMeta() *save.Meta {
	meta := &save.Meta{Lilium: make(map[string]any)}
	if j.settings.Workflow != nil {
		if data, err := json.Marshal(j.settings.Workflow); err == nil {
			meta.Workflow = data
		}
	}
	meta.WorkflowRaw = j.settings.WorkflowRaw

	if data, err := json.Marshal(j.settings); err == nil {
		var fields map[string]any
		if json.Unmarshal(data, &fields) == nil {
			delete(fields, "tile")
			for k, v := range fields {
				meta.Lilium[k] = v
			}
		}
	}
	for k, v := range j.opts.Meta {
		meta.Lilium[k] = v
	}
	return meta
}
