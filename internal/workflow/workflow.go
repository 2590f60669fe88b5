// Package workflow implements the opaque node-graph transformations the
// controller applies before handing a workflow to a remote worker: patching
// the input image name, the prompt texts, path separators and seeds, plus
// the node lookups the upload/poll contract needs.
package workflow

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Node is a single entry in the workflow graph. Inputs hold either literal
// values or [node_id, output_index] connection pairs, exactly as the JSON
// API format encodes them.
type Node struct {
	ClassType string         `json:"class_type"`
	Inputs    map[string]any `json:"inputs,omitempty"`
	Meta      *NodeMeta      `json:"_meta,omitempty"`
	IsChanged any            `json:"is_changed,omitempty"`
}

// NodeMeta carries UI metadata; only the title is inspected.
type NodeMeta struct {
	Title string `json:"title,omitempty"`
}

// Workflow is a node graph keyed by node id.
type Workflow map[string]*Node

// Parse decodes an API-format workflow from JSON.
func Parse(data []byte) (Workflow, error) {
	var wf Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("parsing workflow: %w", err)
	}
	return wf, nil
}

// Clone returns a deep copy of the workflow. Transformations mutate node
// inputs, and a job shares one template across tiles and workers.
func (wf Workflow) Clone() Workflow {
	data, err := json.Marshal(wf)
	if err != nil {
		return nil
	}
	out, err := Parse(data)
	if err != nil {
		return nil
	}
	return out
}

func (n *Node) title() string {
	if n.Meta == nil || n.Meta.Title == "" {
		return "Unknown"
	}
	return n.Meta.Title
}

// connection unpacks a [node_id, output_index] input value.
func connection(v any) (string, bool) {
	pair, ok := v.([]any)
	if !ok || len(pair) < 1 {
		return "", false
	}
	id, ok := pair[0].(string)
	return id, ok
}

// NodesByClass returns the ids of nodes matching any of the class types,
// in sorted-stable iteration order.
func (wf Workflow) NodesByClass(classTypes ...string) []string {
	var out []string
	for _, id := range wf.sortedIDs() {
		for _, ct := range classTypes {
			if wf[id].ClassType == ct {
				out = append(out, id)
				break
			}
		}
	}
	return out
}

// NodesByTitle filters node ids to those whose title contains any of the
// given substrings (case-insensitive).
func (wf Workflow) NodesByTitle(ids []string, substrings ...string) []string {
	var out []string
	for _, id := range ids {
		title := strings.ToLower(wf[id].title())
		for _, sub := range substrings {
			if strings.Contains(title, strings.ToLower(sub)) {
				out = append(out, id)
				break
			}
		}
	}
	return out
}

// sortedIDs returns node ids in shortlex order, so numeric ids come out in
// numeric order and lookups stay deterministic across runs.
func (wf Workflow) sortedIDs() []string {
	ids := make([]string, 0, len(wf))
	for id := range wf {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if len(ids[i]) != len(ids[j]) {
			return len(ids[i]) < len(ids[j])
		}
		return ids[i] < ids[j]
	})
	return ids
}

// FindOutputImageID locates the save/preview node whose images the
// controller should fetch: a node titled "output" wins, then the sole
// candidate, then the first.
func (wf Workflow) FindOutputImageID() string {
	imgNodes := wf.NodesByClass("SaveImage", "PreviewImage")
	if len(imgNodes) == 0 {
		return ""
	}
	if len(imgNodes) == 1 {
		return imgNodes[0]
	}
	named := wf.NodesByTitle(imgNodes, "output")
	if len(named) == 0 {
		return imgNodes[0]
	}
	return named[0]
}

// FindInputImageID locates the load-image node that should receive the
// uploaded tile: by title ("input"/"tile"), else by tracing back from a
// VAE encode node, else the sole load-image node.
func (wf Workflow) FindInputImageID() string {
	imgNodes := wf.NodesByClass("LoadImage")
	if len(imgNodes) == 0 {
		return ""
	}
	if len(imgNodes) == 1 {
		return imgNodes[0]
	}
	named := wf.NodesByTitle(imgNodes, "input", "tile")
	if len(named) == 1 {
		return named[0]
	}
	vaeNodes := wf.NodesByClass("VAEEncode", "VAEEncodeTiled")
	if len(vaeNodes) == 1 {
		if id, ok := connection(wf[vaeNodes[0]].Inputs["pixels"]); ok {
			for _, img := range imgNodes {
				if img == id {
					return id
				}
			}
		}
	}
	if len(named) > 1 {
		return named[0]
	}
	return ""
}

// SetInputImage patches the workflow's input-image node to load the given
// uploaded filename. A no-op when no input node can be determined.
func (wf Workflow) SetInputImage(name string) {
	id := wf.FindInputImageID()
	if id == "" || name == "" {
		return
	}
	wf[id].Inputs["image"] = name
}

// PromptKind selects the positive or negative conditioning text.
type PromptKind string

const (
	PromptPositive PromptKind = "positive"
	PromptNegative PromptKind = "negative"
)

// samplerClasses are the node classes whose conditioning inputs are traced
// back to find prompt text nodes.
var samplerClasses = []string{
	"KSampler", "KSamplerAdvanced", "SamplerCustom",
	"BNK_TiledKSampler", "BNK_TiledKSamplerAdvanced",
	"UltimateSDUpscale", "UltimateSDUpscaleNoUpscale",
}

// promptInfo identifies the node and input holding a prompt text.
type promptInfo struct {
	nodeID string
	input  string
	text   string
}

// findPromptInfo locates the text node for a prompt kind: first by the
// <POSITIVE>/<NEGATIVE> sentinel in any input value, then by tracing the
// sampler's conditioning input back to the first node with a text input.
func (wf Workflow) findPromptInfo(kind PromptKind) (promptInfo, bool) {
	sentinel := fmt.Sprintf("<%s>", strings.ToUpper(string(kind)))
	for _, id := range wf.sortedIDs() {
		for k, v := range wf[id].Inputs {
			if s, ok := v.(string); ok && s == sentinel {
				return promptInfo{nodeID: id, input: k}, true
			}
		}
	}

	samplers := wf.NodesByClass(samplerClasses...)
	if len(samplers) == 0 {
		return promptInfo{}, false
	}

	condNames := []string{
		"conditioning", // e.g. controlnet
		"conditioning_1", "conditioning_2", // combine
		"conditioning_to", "conditioning_from", // average
	}
	visited := make(map[string]bool)
	var findTextNode func(id string) string
	findTextNode = func(id string) string {
		node, ok := wf[id]
		if !ok || visited[id] {
			return ""
		}
		visited[id] = true
		if _, ok := node.Inputs["text"]; ok {
			return id
		}
		for _, k := range condNames {
			if v, ok := node.Inputs[k]; ok {
				if next, ok := connection(v); ok {
					if found := findTextNode(next); found != "" {
						return found
					}
				}
			}
		}
		return ""
	}

	for _, s := range samplers {
		start, ok := connection(wf[s].Inputs[string(kind)])
		if !ok {
			continue
		}
		if id := findTextNode(start); id != "" {
			text, _ := wf[id].Inputs["text"].(string)
			return promptInfo{nodeID: id, input: "text", text: text}, true
		}
	}
	return promptInfo{}, false
}

// SetPromptText writes the prompt text for the given kind. A no-op when the
// text is empty or no conditioning node can be located.
func (wf Workflow) SetPromptText(kind PromptKind, text string) {
	info, ok := wf.findPromptInfo(kind)
	if !ok || text == "" {
		return
	}
	wf[info.nodeID].Inputs[info.input] = text
}

// GetPromptText returns the current prompt text for the given kind, or "".
func (wf Workflow) GetPromptText(kind PromptKind) string {
	info, _ := wf.findPromptInfo(kind)
	return info.text
}

// IncrementSeed offsets every sampler seed input by the given amount.
// Passing 0 leaves the workflow untouched.
func (wf Workflow) IncrementSeed(amount int) {
	if amount == 0 {
		return
	}
	for _, id := range wf.NodesByClass(samplerClasses...) {
		for _, key := range []string{"seed", "noise_seed"} {
			if v, ok := wf[id].Inputs[key].(float64); ok {
				wf[id].Inputs[key] = v + float64(amount)
			}
		}
	}
}

// nodesWithPath maps loader node classes to their model-name input.
var nodesWithPath = map[string]string{
	"CheckpointLoaderSimple": "ckpt_name",
	"CheckpointLoader":       "ckpt_name",
	"UpscaleModelLoader":     "model_name",
	"ControlNetLoader":       "control_net_name",
	"LoraLoader":             "lora_name",
	"VAELoader":              "vae_name",
}

func pathClasses() []string {
	out := make([]string, 0, len(nodesWithPath))
	for c := range nodesWithPath {
		out = append(out, c)
	}
	return out
}

// NormalizePath replaces '\' with '/' in model-name inputs of known loader
// classes, so workflows saved on windows compare and transfer cleanly.
func (wf Workflow) NormalizePath() {
	for _, id := range wf.NodesByClass(pathClasses()...) {
		key := nodesWithPath[wf[id].ClassType]
		if s, ok := wf[id].Inputs[key].(string); ok && strings.Contains(s, "\\") {
			wf[id].Inputs[key] = strings.ReplaceAll(s, "\\", "/")
		}
	}
}

// FormatPath rewrites model-name separators for the target worker's OS.
// Only windows ("nt") workers need '\' separators; anything else keeps the
// normalized form.
func (wf Workflow) FormatPath(os string) {
	if os != "nt" {
		return
	}
	for _, id := range wf.NodesByClass(pathClasses()...) {
		key := nodesWithPath[wf[id].ClassType]
		if s, ok := wf[id].Inputs[key].(string); ok && strings.Contains(s, "/") {
			wf[id].Inputs[key] = strings.ReplaceAll(s, "/", "\\")
		}
	}
}

// RemoveAttribute clears a node-level attribute across the graph. Only
// "is_changed" is modelled; it cannot be verified against a remote.
func (wf Workflow) RemoveAttribute(name string) {
	if name != "is_changed" {
		return
	}
	for _, n := range wf {
		n.IsChanged = nil
	}
}

// Sanitize brings a workflow into a state where the per-tile transforms can
// run: separators normalized, stale is_changed attributes dropped.
func (wf Workflow) Sanitize() {
	wf.NormalizePath()
	wf.RemoveAttribute("is_changed")
}

// VerifyNodes checks that every class type in the workflow exists on all of
// the given node-class sets (one per worker).
func (wf Workflow) VerifyNodes(available []map[string]bool) error {
	for _, n := range wf {
		for _, set := range available {
			if !set[n.ClassType] {
				return fmt.Errorf("node %q missing on one or more workers", n.ClassType)
			}
		}
	}
	return nil
}
