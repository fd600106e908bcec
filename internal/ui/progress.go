// Package ui prints per-sample progress to the console.
package ui

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/term"
)

var spinnerFrames = []string{"◐", "◓", "◑", "◒"}

// Progress prints one line per finished sample. On a terminal running a
// single worker the in-flight sample is shown on a line that is rewritten
// when it completes.
type Progress struct {
	mu     sync.Mutex
	w      io.Writer
	isTTY  bool
	inline bool
	total  int
	done   int
	frame  int
	start  time.Time
}

// NewProgress writes to f, detecting whether it is a terminal.
func NewProgress(f *os.File) *Progress {
	return &Progress{w: f, isTTY: term.IsTerminal(int(f.Fd()))}
}

// NewWriterProgress writes plain lines to w.
func NewWriterProgress(w io.Writer) *Progress {
	return &Progress{w: w}
}

// Start announces a run of total samples processed by workers goroutines.
func (p *Progress) Start(total, workers int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.total = total
	p.inline = p.isTTY && workers <= 1
	p.start = time.Now()
	if workers > 1 {
		fmt.Fprintf(p.w, "Running %d sample(s), %d at a time...\n", total, workers)
	} else {
		fmt.Fprintf(p.w, "Running %d sample(s)...\n", total)
	}
}

// Begin marks a sample as running.
func (p *Progress) Begin(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inline {
		spinner := spinnerFrames[p.frame%len(spinnerFrames)]
		p.frame++
		fmt.Fprintf(p.w, "\r\033[2K %s [%d/%d] %s", spinner, p.done+1, p.total, key)
		return
	}
	fmt.Fprintf(p.w, "  started: %s\n", key)
}

// End records a finished sample.
func (p *Progress) End(key, status string, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done++
	if p.inline {
		fmt.Fprint(p.w, "\r\033[2K")
	}
	fmt.Fprintf(p.w, " %s [%d/%d] %-40s %s %s\n", mark(status), p.done, p.total, key, status, d.Round(time.Second))
}

// Notef prints a free-form message on its own line.
func (p *Progress) Notef(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inline {
		fmt.Fprint(p.w, "\r\033[2K")
	}
	fmt.Fprintf(p.w, format+"\n", args...)
}

// Finish prints the totals.
func (p *Progress) Finish(passed, failed int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "Done: %d passed, %d failed in %s\n", passed, failed, time.Since(p.start).Round(time.Second))
}

func mark(status string) string {
	switch status {
	case "pass":
		return "+"
	case "fail":
		return "x"
	default:
		return "-"
	}
}
