// Package save persists finished output images: sequential collision-free
// naming in the output directory and PNG metadata chunks that keep the
// workflow round-trippable.
package save

import (
	"encoding/json"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/city96/LiliumSD/internal/encode"
)

// MetaVersion tags the lilium metadata chunk.
const MetaVersion = "LiliumSD-1.0"

// Filename prefixes and zero padding for saved outputs.
const (
	Prefix     = "LiliumSD_"
	TempPrefix = "LiliumTMP_"
	Digits     = 5
)

// Meta is the metadata embedded into a saved output.
type Meta struct {
	// Workflow is the API-format graph; stored under the "prompt" key to
	// keep ComfyUI drag-and-drop compatibility.
	Workflow json.RawMessage
	// WorkflowRaw is the UI-format graph, stored under "workflow" when
	// the caller supplied one.
	WorkflowRaw json.RawMessage
	// Lilium holds all remaining settings; the version tag is added on
	// write.
	Lilium map[string]any
}

func (m *Meta) chunks() ([]encode.TextChunk, error) {
	if m == nil {
		return nil, nil
	}
	var out []encode.TextChunk
	if len(m.Workflow) > 0 {
		out = append(out, encode.TextChunk{Keyword: "prompt", Text: string(m.Workflow)})
	}
	if len(m.WorkflowRaw) > 0 {
		out = append(out, encode.TextChunk{Keyword: "workflow", Text: string(m.WorkflowRaw)})
	}
	lilium := make(map[string]any, len(m.Lilium)+1)
	for k, v := range m.Lilium {
		lilium[k] = v
	}
	lilium["version"] = MetaVersion
	data, err := json.Marshal(lilium)
	if err != nil {
		return nil, fmt.Errorf("serializing metadata: %w", err)
	}
	out = append(out, encode.TextChunk{Keyword: "lilium", Text: string(data)})
	return out, nil
}

// Saved describes one written output file.
type Saved struct {
	Name string `json:"name"` // filename relative to the output directory
	Path string `json:"path"` // output directory joined with Name
	Mode string `json:"mode"` // "output" | "temp"
}

// Output writes the image to the output directory under the next free
// LiliumSD_NNNNN.png name, with metadata chunks embedded.
func Output(dir string, img image.Image, meta *Meta) (*Saved, error) {
	return toDisk(dir, "output", Prefix, img, meta)
}

// Temp writes the image to a temp directory under the LiliumTMP_ prefix.
func Temp(dir string, img image.Image, meta *Meta) (*Saved, error) {
	return toDisk(dir, "temp", TempPrefix, img, meta)
}

func toDisk(dir, mode, prefix string, img image.Image, meta *Meta) (*Saved, error) {
	chunks, err := meta.chunks()
	if err != nil {
		return nil, err
	}
	enc := &encode.PNGEncoder{Text: chunks}
	data, err := enc.Encode(img)
	if err != nil {
		return nil, fmt.Errorf("encoding output: %w", err)
	}

	path, err := NextPath(dir, prefix, "png")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("writing output: %w", err)
	}
	return &Saved{
		Name: filepath.Base(path),
		Path: path,
		Mode: mode,
	}, nil
}

// FindMaxID returns the largest numeric ID already in use for the given
// prefix in a directory. Names are compared case-insensitively with the
// extension ignored; only prefix+number names count.
func FindMaxID(dir, prefix string) (int, error) {
	if prefix == "" {
		return 0, fmt.Errorf("invalid empty prefix")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("scanning %s: %w", dir, err)
	}
	prefix = strings.ToLower(prefix)
	maxID := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := strings.ToLower(e.Name())
		name = strings.TrimSuffix(name, filepath.Ext(name))
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		id, err := strconv.Atoi(name[len(prefix):])
		if err != nil {
			continue
		}
		if id > maxID {
			maxID = id
		}
	}
	return maxID, nil
}

// NextPath returns the next free zero-padded output path for the prefix.
func NextPath(dir, prefix, ext string) (string, error) {
	id, err := FindMaxID(dir, prefix)
	if err != nil {
		return "", err
	}
	for id++; ; id++ {
		path := filepath.Join(dir, fmt.Sprintf("%s%0*d.%s", prefix, Digits, id, ext))
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path, nil
		}
	}
}

// ImageMeta is the metadata read back from a previously saved output.
type ImageMeta struct {
	Workflow    json.RawMessage // from the "prompt" chunk
	WorkflowRaw json.RawMessage // from the "workflow" chunk
	Lilium      map[string]any  // from the "lilium" chunk
}

// LoadImageMeta reads the embedded workflow/settings chunks back out of a
// PNG file. Missing chunks leave the corresponding fields empty.
func LoadImageMeta(path string) (*ImageMeta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	chunks, err := encode.TextChunks(data)
	if err != nil {
		return nil, fmt.Errorf("reading metadata from %s: %w", path, err)
	}
	meta := &ImageMeta{}
	if s, ok := chunks["prompt"]; ok {
		meta.Workflow = json.RawMessage(s)
	}
	if s, ok := chunks["workflow"]; ok {
		meta.WorkflowRaw = json.RawMessage(s)
	}
	if s, ok := chunks["lilium"]; ok {
		if err := json.Unmarshal([]byte(s), &meta.Lilium); err != nil {
			return nil, fmt.Errorf("parsing lilium metadata: %w", err)
		}
	}
	return meta, nil
}
