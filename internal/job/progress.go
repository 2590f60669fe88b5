package job

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// progressBar renders an in-place terminal progress bar for a job. It
// refreshes at a fixed interval and supports concurrent Increment calls.
// With render disabled it only keeps the counters, for headless runs and
// the status endpoint.
type progressBar struct {
	total     int64
	processed atomic.Int64
	label     string
	barWidth  int
	start     time.Time
	render    bool
	done      chan struct{}
	finish    sync.Once
	mu        sync.Mutex
}

func newProgressBar(label string, total int64, render bool) *progressBar {
	pb := &progressBar{
		total:    total,
		label:    label,
		barWidth: 30,
		start:    time.Now(),
		render:   render,
		done:     make(chan struct{}),
	}
	if render {
		go pb.run()
	}
	return pb
}

// Increment marks one more tile as processed. Safe for concurrent use.
func (pb *progressBar) Increment() {
	pb.processed.Add(1)
}

// Processed returns the number of finished tiles.
func (pb *progressBar) Processed() int64 {
	return pb.processed.Load()
}

// Total returns the tile count.
func (pb *progressBar) Total() int64 {
	return pb.total
}

// Finish stops the refresh loop and prints the final bar state.
func (pb *progressBar) Finish() {
	pb.finish.Do(func() {
		close(pb.done)
		if pb.render {
			pb.draw()
			fmt.Fprint(os.Stderr, "\n")
		}
	})
}

func (pb *progressBar) run() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-pb.done:
			return
		case <-ticker.C:
			pb.draw()
		}
	}
}

// Label returns a one-line text rendering of the current progress, in the
// form "[3/9 | 12s | 0.8 tiles/s]".
func (pb *progressBar) Label() string {
	processed := pb.processed.Load()
	elapsed := time.Since(pb.start)
	rate := float64(0)
	if secs := elapsed.Seconds(); secs > 0 {
		rate = float64(processed) / secs
	}
	return fmt.Sprintf("[%d/%d | %s | %.1f tiles/s]",
		processed, pb.total, formatDuration(elapsed), rate)
}

func (pb *progressBar) draw() {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	processed := pb.processed.Load()
	total := pb.total

	var frac float64
	if total > 0 {
		frac = float64(processed) / float64(total)
	}
	if frac > 1 {
		frac = 1
	}

	filled := int(float64(pb.barWidth) * frac)
	bar := strings.Repeat("█", filled) + strings.Repeat("░", pb.barWidth-filled)

	elapsed := time.Since(pb.start)
	rate := float64(0)
	if secs := elapsed.Seconds(); secs > 0 {
		rate = float64(processed) / secs
	}

	fmt.Fprintf(os.Stderr, "\r%s [%s] %3.0f%%  %d/%d tiles  %.1f/s  %s\033[K",
		pb.label, bar, frac*100, processed, total, rate, formatDuration(elapsed))
}

// formatDuration formats a duration concisely (e.g. "1m23s", "45s", "0s").
func formatDuration(d time.Duration) string {
	d = d.Truncate(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	m := int(d.Minutes())
	s := int(d.Seconds()) - m*60
	return fmt.Sprintf("%dm%02ds", m, s)
}
