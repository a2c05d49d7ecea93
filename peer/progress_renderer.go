package peer

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
)

// ANSI color codes for terminal output
const (
	Reset   = "\033[0m"
	Red     = "\033[31m"
	Green   = "\033[32m"
	Yellow  = "\033[33m"
	Blue    = "\033[34m"
	Magenta = "\033[35m"
	Cyan    = "\033[36m"
	White   = "\033[37m"
	Gray    = "\033[90m"
	Bold    = "\033[1m"
)

// ProgressRenderer draws a stream session's progress bar on a terminal
type ProgressRenderer struct {
	tracker     *DownloadTracker
	bar         *progressbar.ProgressBar
	out         io.Writer
	stopChan    chan struct{}
	doneChan    chan struct{}
	stopOnce    sync.Once
	refreshRate time.Duration
	useColors   bool
	width       int
}

// NewProgressRenderer creates a new progress renderer writing to out
func NewProgressRenderer(tracker *DownloadTracker, out io.Writer, useColors bool) *ProgressRenderer {
	pr := &ProgressRenderer{
		tracker:     tracker,
		out:         out,
		stopChan:    make(chan struct{}),
		doneChan:    make(chan struct{}),
		refreshRate: 200 * time.Millisecond,
		useColors:   useColors,
		width:       40, // Progress bar width
	}
	pr.bar = progressbar.NewOptions64(int64(tracker.FileSize),
		progressbar.OptionSetWriter(out),
		progressbar.OptionSetWidth(pr.width),
		progressbar.OptionShowBytes(true),
		progressbar.OptionThrottle(pr.refreshRate),
		progressbar.OptionEnableColorCodes(useColors),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionSetDescription(pr.describe()),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerPadding: "░",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
	return pr
}

// Start begins the render loop and blocks until Stop
func (pr *ProgressRenderer) Start() {
	defer close(pr.doneChan)
	pr.Render()

	ticker := time.NewTicker(pr.refreshRate)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pr.tracker.UpdateSpeed()
			pr.Render()
		case <-pr.stopChan:
			return
		}
	}
}

// Stop signals the renderer to stop (does not wait for completion)
func (pr *ProgressRenderer) Stop() {
	pr.stopOnce.Do(func() { close(pr.stopChan) })
}

// StopAndWait stops the renderer, waits for the loop and prints the final state
func (pr *ProgressRenderer) StopAndWait() {
	pr.Stop()
	<-pr.doneChan
	if pr.tracker.IsComplete() {
		pr.RenderFinal()
	} else {
		pr.RenderError()
	}
}

// Render updates the bar from the tracker
func (pr *ProgressRenderer) Render() {
	pr.bar.Describe(pr.describe())
	_ = pr.bar.Set64(int64(pr.tracker.GetBytesDownloaded()))
}

func (pr *ProgressRenderer) describe() string {
	completed, total, _, peerCount, failed := pr.tracker.GetProgress()
	eta := formatETA(pr.tracker.GetETA())

	var desc string
	if pr.useColors {
		desc = fmt.Sprintf("[cyan][%s][reset] [yellow]%d/%d chunks[reset] | %d peers | ETA %s",
			pr.tracker.FileName, completed, total, peerCount, eta)
		if failed > 0 {
			desc += fmt.Sprintf(" [red]| %d failed[reset]", failed)
		}
	} else {
		desc = fmt.Sprintf("[%s] %d/%d chunks | %d peers | ETA %s",
			pr.tracker.FileName, completed, total, peerCount, eta)
		if failed > 0 {
			desc += fmt.Sprintf(" | %d failed", failed)
		}
	}
	return desc
}

// RenderFinal renders the final completed state
func (pr *ProgressRenderer) RenderFinal() {
	_ = pr.bar.Finish()
	_, total, _, _, _ := pr.tracker.GetProgress()
	elapsed := pr.tracker.GetElapsedTime()
	size := humanize.IBytes(pr.tracker.FileSize)

	// Clear the previous line completely
	fmt.Fprint(pr.out, "\r\033[K")

	if pr.useColors {
		fmt.Fprintf(pr.out, "%s[%s]%s [%s]%s 100%% (%d/%d chunks, %s)%s | Completed in %s\n",
			Cyan, pr.tracker.FileName, Reset,
			Green+strings.Repeat("█", pr.width)+Reset,
			Green, total, total, size, Reset,
			formatDuration(elapsed),
		)
		return
	}
	fmt.Fprintf(pr.out, "[%s] [%s] 100%% (%d/%d chunks, %s) | Completed in %s\n",
		pr.tracker.FileName, strings.Repeat("█", pr.width),
		total, total, size, formatDuration(elapsed),
	)
}

// RenderError renders an incomplete or failed state
func (pr *ProgressRenderer) RenderError() {
	_ = pr.bar.Clear()
	fmt.Fprint(pr.out, "\r\033[K")

	completed, total, _, _, failed := pr.tracker.GetProgress()
	var percent float64
	if total > 0 {
		percent = float64(completed) / float64(total) * 100
	}

	if pr.useColors {
		fmt.Fprintf(pr.out, "%s[%s]%s [%s] %.1f%% | %sDownload stopped%s: %d/%d completed, %d failed attempts\n",
			Cyan, pr.tracker.FileName, Reset,
			Red+"✗"+Reset,
			percent,
			Red+Bold, Reset, completed, total, failed,
		)
		return
	}
	fmt.Fprintf(pr.out, "[%s] [✗] %.1f%% | Download stopped: %d/%d completed, %d failed attempts\n",
		pr.tracker.FileName, percent, completed, total, failed,
	)
}

// formatETA formats an estimated time into a human-readable string
func formatETA(eta time.Duration) string {
	if eta <= 0 {
		return "∞"
	}
	if eta < time.Second {
		return "<1s"
	}
	return formatDuration(eta)
}

// formatDuration formats a duration into a human-readable string
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "<1s"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", d/time.Second)
	}
	if d < time.Hour {
		mins := d / time.Minute
		secs := (d % time.Minute) / time.Second
		return fmt.Sprintf("%dm%ds", mins, secs)
	}
	hours := d / time.Hour
	mins := (d % time.Hour) / time.Minute
	return fmt.Sprintf("%dh%dm", hours, mins)
}
