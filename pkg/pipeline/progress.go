package pipeline

import (
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"

	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/observability"
)

// Progress receives the images-processed counter of a pass. Report is called
// with non-decreasing values; Finish is called once with the final count.
type Progress interface {
	Report(processed, total int)
	Finish(processed, total int)
}

// NopProgress discards progress.
type NopProgress struct{}

func (NopProgress) Report(int, int) {}
func (NopProgress) Finish(int, int) {}

// LogProgress reports progress through a logger.
type LogProgress struct {
	logger *observability.Logger
	label  string
	start  time.Time
}

// NewLogProgress returns a logger-backed reporter for the pass named label.
func NewLogProgress(logger *observability.Logger, label string) *LogProgress {
	return &LogProgress{logger: logger, label: label, start: time.Now()}
}

func (p *LogProgress) Report(processed, total int) {
	p.logger.Info("Extracting features", map[string]interface{}{
		"pass":      p.label,
		"processed": humanize.Comma(int64(processed)),
		"total":     humanize.Comma(int64(total)),
	})
}

func (p *LogProgress) Finish(processed, total int) {
	elapsed := time.Since(p.start)
	fields := map[string]interface{}{
		"pass":      p.label,
		"processed": humanize.Comma(int64(processed)),
		"elapsed":   elapsed.Round(time.Millisecond).String(),
	}
	if secs := elapsed.Seconds(); secs > 0 {
		fields["images_per_sec"] = humanize.FtoaWithDigits(float64(processed)/secs, 1)
	}
	p.logger.Info("Feature extraction finished", fields)
}

// BarProgress draws a terminal progress bar.
type BarProgress struct {
	w     io.Writer
	label string
	bar   *progressbar.ProgressBar
}

// NewBarProgress draws to w. The bar is created on the first report, when the
// total is known.
func NewBarProgress(w io.Writer, label string) *BarProgress {
	return &BarProgress{w: w, label: label}
}

func (p *BarProgress) ensure(total int) {
	if p.bar != nil {
		return
	}
	p.bar = progressbar.NewOptions(total,
		progressbar.OptionSetWriter(p.w),
		progressbar.OptionSetDescription(p.label),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("images"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
	)
}

func (p *BarProgress) Report(processed, total int) {
	p.ensure(total)
	_ = p.bar.Set(processed)
}

func (p *BarProgress) Finish(processed, total int) {
	p.ensure(total)
	_ = p.bar.Set(processed)
	_ = p.bar.Finish()
}
