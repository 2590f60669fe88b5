// Package worker implements the proxy for a remote ComfyUI GPU endpoint:
// probing, tile upload, workflow submission, history polling, result
// fetching, and the priority/failure bookkeeping the dispatcher relies on.
package worker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"log"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/city96/LiliumSD/internal/imgutil"
	"github.com/city96/LiliumSD/internal/workflow"
)

// Request timeout for individual worker HTTP calls.
const Timeout = 8 * time.Second

// MaxFailures caps the failures a worker may accumulate; reaching it
// disqualifies the worker. Successes do not lower the count; only Reset
// clears it.
const MaxFailures = 1000

// History polling cadence and total per-tile deadline.
const (
	pollInterval = 300 * time.Millisecond
	pollDeadline = 180 * time.Second
)

// clientID identifies this orchestrator to remote queues.
const clientID = "LiliumSD"

// Worker states.
const (
	StateInit = "init"
	StateIdle = "idle"
	StateProc = "proc"
	StateFail = "fail"
	StateLock = "lock"
)

// Worker is one remote processing endpoint. Only idle workers are dispatch
// candidates; a proc worker is assigned to exactly one tile.
type Worker interface {
	// Name returns the display name (GPU label by default).
	Name() string
	// ID returns the stable worker id derived from the URL authority.
	ID() string
	// State returns the current lifecycle state.
	State() string
	// Priority returns the current dispatch priority (higher first).
	Priority() float64
	// OS returns the remote OS tag ("posix" or "nt").
	OS() string
	// Probe refreshes static and dynamic info about the endpoint.
	Probe() error
	// Process runs one tile through the remote workflow and returns the
	// processed image.
	Process(img *image.RGBA, s *Settings) (*image.RGBA, error)
	// Abort cancels queued and running remote work and returns to idle.
	Abort()
	// Reset clears failure bookkeeping between jobs. Requires idle.
	Reset() error
	// Info returns a snapshot for the external surface.
	Info() Info
	// NodeClasses returns the set of node classes the endpoint offers.
	NodeClasses() map[string]bool
}

// Settings is the per-job processing contract handed to Process. The job
// controller fills Tile per dispatch.
type Settings struct {
	ImageScale  float64 `json:"image_scale"`
	ImageHeight int     `json:"image_height"`
	ImageWidth  int     `json:"image_width"`
	ImageShape  []int   `json:"image_shape,omitempty"` // [height, width]
	TileSource  string  `json:"tile_source"` // "raw" | "out"

	Workflow    workflow.Workflow `json:"-"`
	WorkflowRaw json.RawMessage   `json:"-"` // UI-format graph, opaque

	UpscaleFactor  float64 `json:"upscale_factor,omitempty"`
	PositivePrompt string  `json:"positive_prompt,omitempty"`
	NegativePrompt string  `json:"negative_prompt,omitempty"`
	SeedIncrement  int     `json:"seed_increment,omitempty"`

	Tile *TileInfo `json:"tile,omitempty"`
}

// TileInfo carries the dispatched tile's coordinates and pixel spans.
// Process is generic over tiles, so the geometry travels in the settings.
type TileInfo struct {
	H      int `json:"tile_h_id"`
	W      int `json:"tile_w_id"`
	HStart int `json:"tile_h_start"`
	HEnd   int `json:"tile_h_end"`
	WStart int `json:"tile_w_start"`
	WEnd   int `json:"tile_w_end"`
	Width  int `json:"tile_width"`
	Height int `json:"tile_height"`
}

// Clone returns a shallow copy with its own TileInfo slot.
func (s *Settings) Clone() *Settings {
	out := *s
	if s.Tile != nil {
		ti := *s.Tile
		out.Tile = &ti
	}
	return &out
}

// Info is a serializable snapshot of a worker for the external surface.
type Info struct {
	ID       string  `json:"id"`
	URL      string  `json:"url"`
	Name     string  `json:"name"`
	Host     string  `json:"host"`
	Port     int     `json:"port"`
	State    string  `json:"state"`
	Priority float64 `json:"priority"`

	GPU      string              `json:"gpu,omitempty"`
	VRAM     float64             `json:"vram,omitempty"`
	VRAMFree float64             `json:"vram_free,omitempty"`
	VRAMPerc float64             `json:"vram_perc,omitempty"`
	Models   map[string][]string `json:"models,omitempty"`
}

// SortByPriority orders workers by descending priority, stable.
func SortByPriority(ws []Worker) {
	sort.SliceStable(ws, func(i, j int) bool {
		return ws[i].Priority() > ws[j].Priority()
	})
}

// ProbeAll refreshes every worker concurrently. Workers that fail their
// probe move to the fail state; the first error is returned once all
// probes finish.
func ProbeAll(ws []Worker) error {
	var g errgroup.Group
	for _, w := range ws {
		g.Go(w.Probe)
	}
	return g.Wait()
}

// Idle filters the pool down to dispatch candidates.
func Idle(ws []Worker) []Worker {
	var out []Worker
	for _, w := range ws {
		if w.State() == StateIdle {
			out = append(out, w)
		}
	}
	return out
}

// Comfy is the proxy for one remote ComfyUI endpoint.
type Comfy struct {
	url  string // scheme://authority
	host string
	port int
	id   string
	name string

	client *http.Client

	mu           sync.Mutex
	state        string
	stateOld     string
	fails        int
	priority     float64
	priorityInit float64

	// Static/dynamic remote info, refreshed by Probe.
	os         string
	gpu        string
	vram       float64
	vramFree   float64
	vramPerc   float64
	models     map[string][]string
	objectInfo map[string]bool
}

// NewComfy creates a proxy for the given endpoint URL. The worker starts in
// the init state; Probe moves it to idle (or fail).
func NewComfy(rawURL string, priority float64, name string) (*Comfy, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid worker url %q", rawURL)
	}
	port, _ := strconv.Atoi(u.Port())
	return &Comfy{
		url:          fmt.Sprintf("%s://%s", u.Scheme, u.Host),
		host:         u.Hostname(),
		port:         port,
		id:           u.Host,
		name:         name,
		client:       &http.Client{Timeout: Timeout},
		state:        StateInit,
		stateOld:     StateInit,
		priority:     priority,
		priorityInit: priority,
	}, nil
}

func (w *Comfy) Name() string { return w.name }
func (w *Comfy) ID() string   { return w.id }
func (w *Comfy) OS() string   { return w.os }

func (w *Comfy) State() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Comfy) Priority() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.priority
}

func (w *Comfy) setState(s string) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// NodeClasses returns the node classes reported by the last probe.
func (w *Comfy) NodeClasses() map[string]bool { return w.objectInfo }

// getJSON fetches an endpoint and decodes the response into out.
func (w *Comfy) getJSON(endpoint string, out any) error {
	resp, err := w.client.Get(fmt.Sprintf("%s/%s", w.url, endpoint))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET /%s: status %s", endpoint, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// postJSON posts a JSON body to an endpoint and decodes the response.
func (w *Comfy) postJSON(endpoint string, body any, out any, timeout time.Duration) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	client := w.client
	if timeout != Timeout {
		client = &http.Client{Timeout: timeout}
	}
	resp, err := client.Post(fmt.Sprintf("%s/%s", w.url, endpoint), "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("POST /%s: status %s", endpoint, resp.Status)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// systemStats mirrors GET /system_stats.
type systemStats struct {
	System struct {
		OS string `json:"os"`
	} `json:"system"`
	Devices []struct {
		Name      string  `json:"name"`
		VRAMTotal float64 `json:"vram_total"`
		VRAMFree  float64 `json:"vram_free"`
	} `json:"devices"`
}

// Probe loads/refreshes all stored info about the endpoint. A failed probe
// moves the worker to the fail state.
func (w *Comfy) Probe() error {
	if err := w.parseSystemInfo(); err != nil {
		w.setState(StateFail)
		log.Printf("Worker init failed for %s: %v", w.id, err)
		return fmt.Errorf("probing %s: %w", w.id, err)
	}
	if err := w.parseModels(); err != nil {
		w.setState(StateFail)
		log.Printf("Worker init failed for %s: %v", w.id, err)
		return fmt.Errorf("probing %s: %w", w.id, err)
	}
	if w.name == "" {
		w.name = w.gpu
	}
	w.mu.Lock()
	if w.state == StateInit {
		w.state = StateIdle
	}
	w.mu.Unlock()
	return nil
}

func (w *Comfy) parseSystemInfo() error {
	var data systemStats
	if err := w.getJSON("system_stats", &data); err != nil {
		return err
	}
	if len(data.Devices) == 0 {
		return fmt.Errorf("no devices reported")
	}
	w.os = data.System.OS
	w.gpu = shortenGPUName(data.Devices[0].Name)
	w.vram = round2(data.Devices[0].VRAMTotal / (1 << 30))
	w.vramFree = round2(data.Devices[0].VRAMFree / (1 << 30))
	if data.Devices[0].VRAMTotal > 0 {
		w.vramPerc = round2(1.0 - data.Devices[0].VRAMFree/data.Devices[0].VRAMTotal)
	}
	return nil
}

// RefreshStatus re-reads the dynamic VRAM info. Skipped for failed/locked
// workers, and skipped while the state has not changed since the last call.
func (w *Comfy) RefreshStatus() error {
	w.mu.Lock()
	if w.state == StateFail || w.state == StateLock || w.state == w.stateOld {
		w.mu.Unlock()
		return nil
	}
	w.stateOld = w.state
	w.mu.Unlock()

	var data systemStats
	if err := w.getJSON("system_stats", &data); err != nil {
		return err
	}
	if len(data.Devices) > 0 {
		w.vramFree = round2(data.Devices[0].VRAMFree / (1 << 30))
		if data.Devices[0].VRAMTotal > 0 {
			w.vramPerc = round2(1.0 - data.Devices[0].VRAMFree/data.Devices[0].VRAMTotal)
		}
	}
	return nil
}

// modelFields maps the reported model list names onto the loader node
// schema entries they come from.
var modelFields = map[string][2]string{
	"checkpoint":     {"CheckpointLoaderSimple", "ckpt_name"},
	"loras":          {"LoraLoader", "lora_name"},
	"vae":            {"VAELoader", "vae_name"},
	"controlnet":     {"ControlNetLoader", "control_net_name"},
	"upscale_models": {"UpscaleModelLoader", "model_name"},
}

func (w *Comfy) parseModels() error {
	var data map[string]struct {
		Input struct {
			Required map[string][]json.RawMessage `json:"required"`
		} `json:"input"`
	}
	if err := w.getJSON("object_info", &data); err != nil {
		return err
	}

	w.models = make(map[string][]string, len(modelFields))
	for key, src := range modelFields {
		class, field := src[0], src[1]
		node, ok := data[class]
		if !ok {
			continue
		}
		raw, ok := node.Input.Required[field]
		if !ok || len(raw) == 0 {
			continue
		}
		var names []string
		if err := json.Unmarshal(raw[0], &names); err != nil {
			continue
		}
		// Normalize windows separators so model lists compare across
		// workers on different OSes.
		for i, name := range names {
			if strings.Contains(name, "/") && strings.Contains(name, "\\") {
				log.Printf("Model name contains both separators: %q", name)
			}
			names[i] = strings.ReplaceAll(name, "\\", "/")
		}
		w.models[key] = names
	}

	w.objectInfo = make(map[string]bool, len(data))
	for class := range data {
		w.objectInfo[class] = true
	}
	return nil
}

// fail records one failure: the priority drops a small bit each time, and
// hitting the failure cap disqualifies the worker.
func (w *Comfy) fail() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fails++
	w.priority -= 0.001
	if MaxFailures > 0 && w.fails >= MaxFailures {
		w.state = StateFail
	}
}

// Fails returns the current failure count.
func (w *Comfy) Fails() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fails
}

// Reset clears failure bookkeeping between jobs. The worker must be idle.
func (w *Comfy) Reset() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateIdle {
		return fmt.Errorf("can't reset %s worker %s", w.state, w.id)
	}
	w.fails = 0
	w.priority = w.priorityInit
	return nil
}

// Abort cancels queued and running remote work and returns to idle. A
// no-op for failed/locked workers. The in-flight Process observes the
// state change at its next poll and bails out.
func (w *Comfy) Abort() {
	w.mu.Lock()
	state := w.state
	w.mu.Unlock()
	if state == StateFail || state == StateLock {
		return
	}
	if err := w.clearQueue(); err != nil {
		log.Printf("Failed to clear queue for %s: %v", w.id, err)
	}
	w.setState(StateIdle)
}

// Info returns a serializable snapshot for the external surface. The
// dynamic VRAM numbers are refreshed first; RefreshStatus skips the remote
// round-trip while the worker state hasn't changed.
func (w *Comfy) Info() Info {
	if err := w.RefreshStatus(); err != nil {
		log.Printf("Status refresh failed for %s: %v", w.id, err)
	}
	w.mu.Lock()
	state, priority := w.state, w.priority
	w.mu.Unlock()
	info := Info{
		ID:       w.id,
		URL:      w.url,
		Name:     w.name,
		Host:     w.host,
		Port:     w.port,
		State:    state,
		Priority: priority,
	}
	if state != StateFail {
		info.GPU = w.gpu
		info.VRAM = w.vram
		info.VRAMFree = w.vramFree
		info.VRAMPerc = w.vramPerc
		info.Models = w.models
	}
	return info
}

// uploadName returns the stable per-worker tile filename.
func (w *Comfy) uploadName() string {
	return fmt.Sprintf("LiliumSD-%d.png", w.port)
}

// uploadImage PNG-encodes the tile and uploads it under the stable name,
// overwriting the previous tile.
func (w *Comfy) uploadImage(img *image.RGBA) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("image", w.uploadName())
	if err != nil {
		return err
	}
	if err := png.Encode(fw, img); err != nil {
		return err
	}
	if err := mw.WriteField("overwrite", "true"); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	start := time.Now()
	resp, err := w.client.Post(w.url+"/upload/image", mw.FormDataContentType(), &buf)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("POST /upload/image: status %s", resp.Status)
	}
	log.Printf("Upload done %.2fs", time.Since(start).Seconds())
	return nil
}

// runWorkflow submits the workflow and returns the job identifier used to
// find it in the history.
func (w *Comfy) runWorkflow(wf workflow.Workflow) (string, error) {
	jobID := fmt.Sprintf("LiliumSD-%d", time.Now().UnixNano())
	body := map[string]any{
		"prompt":    wf,
		"client_id": clientID,
		"extra_data": map[string]any{
			"job_id": jobID,
		},
	}
	if err := w.postJSON("prompt", body, nil, Timeout); err != nil {
		return "", err
	}
	return jobID, nil
}

// historyEntry mirrors one GET /history record.
type historyEntry struct {
	Prompt  []json.RawMessage `json:"prompt"`
	Outputs map[string]struct {
		Images []imageRef `json:"images"`
	} `json:"outputs"`
}

type imageRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// jobIDOf extracts the job identifier from a history record's extra data.
func (e *historyEntry) jobIDOf() string {
	if len(e.Prompt) < 4 {
		return ""
	}
	var extra struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(e.Prompt[3], &extra); err != nil {
		return ""
	}
	return extra.JobID
}

// downloadImage polls the history until the job shows up with outputs,
// then fetches the referenced image. Prefers the requested output node,
// falling back to the last output node present. Aborts early when the
// worker leaves the proc state.
func (w *Comfy) downloadImage(jobID, outputID string) (*image.RGBA, error) {
	var refs []imageRef
	deadline := time.Now().Add(pollDeadline)
	for refs == nil {
		var history map[string]historyEntry
		if err := w.getJSON("history", &history); err != nil {
			return nil, err
		}
		for _, entry := range history {
			if entry.jobIDOf() != jobID {
				continue
			}
			if out, ok := entry.Outputs[outputID]; ok {
				refs = out.Images
			} else if id := lastKey(entry.Outputs); id != "" {
				refs = entry.Outputs[id].Images
			}
		}
		time.Sleep(pollInterval)
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("shard timed out")
		}
		if w.State() != StateProc {
			return nil, fmt.Errorf("shard interrupted")
		}
	}
	if len(refs) == 0 {
		return nil, fmt.Errorf("shard never returned image")
	}

	ref := refs[0]
	start := time.Now()
	viewURL := fmt.Sprintf("%s/view?filename=%s&subfolder=%s&type=%s",
		w.url, url.QueryEscape(ref.Filename), url.QueryEscape(ref.Subfolder), url.QueryEscape(ref.Type))
	resp, err := w.client.Get(viewURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET /view: status %s", resp.Status)
	}
	img, _, err := image.Decode(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("decoding result image: %w", err)
	}
	log.Printf("Download done %.2fs", time.Since(start).Seconds())
	return imgutil.ToRGBA(img), nil
}

func lastKey[V any](m map[string]V) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) == 0 {
		return ""
	}
	return keys[len(keys)-1]
}

// queueState mirrors GET /queue. Each entry is a positional array where
// index 1 is the job UUID and index 3 holds the extra data.
type queueState struct {
	Pending [][]json.RawMessage `json:"queue_pending"`
	Running [][]json.RawMessage `json:"queue_running"`
}

func entryClientID(entry []json.RawMessage) string {
	if len(entry) < 4 {
		return ""
	}
	var extra struct {
		ClientID string `json:"client_id"`
	}
	if err := json.Unmarshal(entry[3], &extra); err != nil {
		return ""
	}
	return extra.ClientID
}

// clearQueue cancels our pending jobs on the remote queue and interrupts
// the one currently running.
func (w *Comfy) clearQueue() error {
	var queue queueState
	if err := w.getJSON("queue", &queue); err != nil {
		return err
	}

	var toCancel []string
	for _, entry := range queue.Pending {
		if entryClientID(entry) != clientID || len(entry) < 2 {
			continue
		}
		var uuid string
		if err := json.Unmarshal(entry[1], &uuid); err == nil {
			toCancel = append(toCancel, uuid)
		}
	}
	if err := w.postJSON("queue", map[string]any{"delete": toCancel}, nil, Timeout); err != nil {
		return err
	}

	for _, entry := range queue.Running {
		if entryClientID(entry) == clientID {
			if err := w.postJSON("interrupt", map[string]any{}, nil, 4*time.Second); err != nil {
				return err
			}
			break
		}
	}
	return nil
}

// Process runs one tile image through the remote workflow: format the
// workflow for this worker, upload the tile, submit, poll for completion
// and fetch the result. Any failure returns the worker to idle, records
// the failure, and surfaces the error so the dispatcher can retry the tile
// elsewhere.
func (w *Comfy) Process(img *image.RGBA, s *Settings) (*image.RGBA, error) {
	if s.Workflow == nil {
		return nil, fmt.Errorf("missing workflow")
	}
	w.mu.Lock()
	if w.state != StateIdle {
		state := w.state
		w.mu.Unlock()
		return nil, fmt.Errorf("incorrect worker state for processing %q", state)
	}
	w.state = StateProc
	w.mu.Unlock()

	wf := s.Workflow.Clone()
	wf.FormatPath(w.os)
	wf.SetInputImage(w.uploadName())

	if img != nil {
		// The backend upscales by this factor, so the tile goes up
		// pre-shrunk to land back at the tile's native size.
		if s.UpscaleFactor != 0 && s.UpscaleFactor != 1.0 {
			img = imgutil.ScaleFactor(img, 1.0/s.UpscaleFactor, imgutil.Bilinear)
			log.Printf("Downscaled tile input image to %dx%d", img.Rect.Dx(), img.Rect.Dy())
		}
		if err := w.uploadImage(img); err != nil {
			w.setState(StateIdle)
			w.fail()
			return nil, fmt.Errorf("worker processing (image upload) failed: %w", err)
		}
	} else {
		log.Printf("Starting tile processing without input")
	}

	jobID, err := w.runWorkflow(wf)
	if err != nil {
		w.setState(StateIdle)
		w.fail()
		return nil, fmt.Errorf("worker processing failed: %w", err)
	}
	out, err := w.downloadImage(jobID, wf.FindOutputImageID())
	if err != nil {
		w.setState(StateIdle)
		w.fail()
		return nil, fmt.Errorf("worker processing failed: %w", err)
	}

	w.setState(StateIdle)
	return out, nil
}

func (w *Comfy) String() string { return w.name }

func shortenGPUName(name string) string {
	name = strings.SplitN(name, " : ", 2)[0]
	if i := strings.Index(name, " "); i >= 0 {
		name = name[i+1:]
	}
	return strings.TrimSpace(name)
}

func round2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}
