package worker

import (
	"fmt"
	"image"
	"math/rand"
	"net/url"
	"strconv"
	"sync"
	"time"
)

// Debug is a local stand-in worker for slicer-logic testing and dry runs.
// It implements the full Worker surface but executes in-process: the tile
// image is darkened and returned after a short sleep. It never fails.
type Debug struct {
	url  string
	host string
	port int
	id   string
	name string

	// Sleep range per processed tile.
	DelayMin time.Duration
	DelayMax time.Duration

	mu           sync.Mutex
	state        string
	priority     float64
	priorityInit float64
}

// NewDebug creates a debug worker. The URL only provides the identity; no
// network traffic ever happens.
func NewDebug(rawURL string, priority float64, name string) (*Debug, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid worker url %q", rawURL)
	}
	port, _ := strconv.Atoi(u.Port())
	if name == "" {
		name = "Demo"
	}
	return &Debug{
		url:  fmt.Sprintf("%s://%s", u.Scheme, u.Host),
		host: u.Hostname(),
		port: port,
		id:   u.Host,
		name: name,

		DelayMin: 2 * time.Second,
		DelayMax: 2500 * time.Millisecond,

		state:        StateIdle,
		priority:     priority,
		priorityInit: priority,
	}, nil
}

func (w *Debug) Name() string { return w.name }
func (w *Debug) ID() string   { return w.id }
func (w *Debug) OS() string   { return "nt" }

func (w *Debug) State() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Debug) Priority() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.priority
}

// Probe does nothing; Info reports fixed placeholder values.
func (w *Debug) Probe() error { return nil }

// Process darkens the tile and sleeps for the configured delay.
func (w *Debug) Process(img *image.RGBA, s *Settings) (*image.RGBA, error) {
	w.mu.Lock()
	if w.state != StateIdle {
		state := w.state
		w.mu.Unlock()
		return nil, fmt.Errorf("incorrect worker state for processing %q", state)
	}
	w.state = StateProc
	w.mu.Unlock()

	out := image.NewRGBA(img.Rect)
	for i, v := range img.Pix {
		if i%4 == 3 {
			out.Pix[i] = v // keep alpha
			continue
		}
		out.Pix[i] = uint8(float64(v) * 0.6)
	}
	time.Sleep(w.DelayMin + time.Duration(rand.Int63n(int64(w.DelayMax-w.DelayMin)+1)))

	w.mu.Lock()
	w.state = StateIdle
	w.mu.Unlock()
	return out, nil
}

func (w *Debug) Abort()       {}
func (w *Debug) Reset() error { return nil }

func (w *Debug) Info() Info {
	return Info{
		ID:       w.id,
		URL:      w.url,
		Name:     w.name,
		Host:     w.host,
		Port:     w.port,
		State:    w.State(),
		Priority: w.Priority(),
		GPU:      "Demo",
		VRAM:     1.0,
		VRAMFree: 0.5,
		VRAMPerc: 0.5,
		Models: map[string][]string{
			"checkpoint":     {"Demo"},
			"loras":          {"Demo"},
			"vae":            {"Demo"},
			"controlnet":     {"Demo"},
			"upscale_models": {"Demo"},
		},
	}
}

// NodeClasses returns nil; the debug worker accepts any workflow.
func (w *Debug) NodeClasses() map[string]bool { return nil }

func (w *Debug) String() string { return w.name }
