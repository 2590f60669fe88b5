package save

import (
	"encoding/json"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"
)

func testImage() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.SetRGBA(x, y, color.RGBA{uint8(x * 16), uint8(y * 16), 0, 255})
		}
	}
	return img
}

func touch(t *testing.T, dir, name string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestFindMaxID(t *testing.T) {
	dir := t.TempDir()
	if id, err := FindMaxID(dir, Prefix); err != nil || id != 0 {
		t.Errorf("empty dir: id = %d, err = %v", id, err)
	}

	touch(t, dir, "LiliumSD_00004.png")
	touch(t, dir, "liliumsd_00007.png") // case-insensitive
	touch(t, dir, "LiliumSD_junk.png")  // no numeric id
	touch(t, dir, "Other_00099.png")    // different prefix

	id, err := FindMaxID(dir, Prefix)
	if err != nil {
		t.Fatal(err)
	}
	if id != 7 {
		t.Errorf("id = %d, want 7", id)
	}

	if _, err := FindMaxID(dir, ""); err == nil {
		t.Error("expected error for empty prefix")
	}
}

func TestNextPath(t *testing.T) {
	dir := t.TempDir()
	path, err := NextPath(dir, Prefix, "png")
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(path) != "LiliumSD_00001.png" {
		t.Errorf("first path = %q", filepath.Base(path))
	}

	touch(t, dir, "LiliumSD_00002.png")
	path, err = NextPath(dir, Prefix, "png")
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(path) != "LiliumSD_00003.png" {
		t.Errorf("next path = %q, want the id after the max", filepath.Base(path))
	}
}

func TestOutputAndLoadMeta(t *testing.T) {
	dir := t.TempDir()
	meta := &Meta{
		Workflow:    json.RawMessage(`{"1": {"class_type": "LoadImage"}}`),
		WorkflowRaw: json.RawMessage(`{"nodes": []}`),
		Lilium: map[string]any{
			"image_scale": 2.0,
			"tile_source": "raw",
		},
	}
	saved, err := Output(dir, testImage(), meta)
	if err != nil {
		t.Fatal(err)
	}
	if saved.Name != "LiliumSD_00001.png" || saved.Mode != "output" {
		t.Errorf("saved = %+v", saved)
	}

	loaded, err := LoadImageMeta(saved.Path)
	if err != nil {
		t.Fatal(err)
	}
	if string(loaded.Workflow) != `{"1": {"class_type": "LoadImage"}}` {
		t.Errorf("workflow chunk = %s", loaded.Workflow)
	}
	if string(loaded.WorkflowRaw) != `{"nodes": []}` {
		t.Errorf("raw workflow chunk = %s", loaded.WorkflowRaw)
	}
	if loaded.Lilium["version"] != MetaVersion {
		t.Errorf("version = %v, want %q", loaded.Lilium["version"], MetaVersion)
	}
	if loaded.Lilium["tile_source"] != "raw" {
		t.Errorf("tile_source = %v", loaded.Lilium["tile_source"])
	}

	// Sequential saves never collide.
	second, err := Output(dir, testImage(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if second.Name != "LiliumSD_00002.png" {
		t.Errorf("second output name = %q", second.Name)
	}
}

func TestOutputNoMeta(t *testing.T) {
	dir := t.TempDir()
	saved, err := Output(dir, testImage(), nil)
	if err != nil {
		t.Fatal(err)
	}
	loaded, err := LoadImageMeta(saved.Path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Workflow != nil || loaded.Lilium != nil {
		t.Errorf("expected no metadata, got %+v", loaded)
	}
}

func TestTempPrefix(t *testing.T) {
	dir := t.TempDir()
	saved, err := Temp(dir, testImage(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if saved.Name != "LiliumTMP_00001.png" || saved.Mode != "temp" {
		t.Errorf("saved = %+v", saved)
	}
}
