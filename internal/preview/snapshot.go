package preview

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/city96/LiliumSD/internal/encode"
)

// SnapshotWriter polls the previewer and writes numbered snapshot files to
// a directory. A local stand-in for a display window; useful when checking
// slicer behaviour on a headless box.
type SnapshotWriter struct {
	previewer *Previewer
	encoder   encode.Encoder
	dir       string
	stop      chan struct{}
	done      chan struct{}
}

// NewSnapshotWriter starts the snapshot loop at a 250 ms polling interval.
func NewSnapshotWriter(p *Previewer, enc encode.Encoder, dir string) *SnapshotWriter {
	s := &SnapshotWriter{
		previewer: p,
		encoder:   enc,
		dir:       dir,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go s.run()
	return s
}

// Stop ends the snapshot loop and waits for it to exit.
func (s *SnapshotWriter) Stop() {
	close(s.stop)
	<-s.done
}

func (s *SnapshotWriter) run() {
	defer close(s.done)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	var last int64
	seq := 0
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			changed := s.previewer.Changed()
			if changed == last {
				continue
			}
			last = changed
			img := s.previewer.GetPreview()
			data, err := s.encoder.Encode(img)
			if err != nil {
				log.Printf("Snapshot encode failed: %v", err)
				continue
			}
			name := fmt.Sprintf("preview_%04d%s", seq, s.encoder.FileExtension())
			if err := os.WriteFile(filepath.Join(s.dir, name), data, 0o644); err != nil {
				log.Printf("Snapshot write failed: %v", err)
				continue
			}
			seq++
		}
	}
}
