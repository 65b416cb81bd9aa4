package progress

import (
	"io"
	"os"

	"github.com/schollz/progressbar/v3"
)

// Bar is a progress bar that tolerates a nil receiver, so callers can pass
// nil when no progress output is wanted.
type Bar struct {
	bar *progressbar.ProgressBar
}

func New(max int, description string) *Bar {
	return NewWithWriter(os.Stderr, max, description)
}

func NewWithWriter(w io.Writer, max int, description string) *Bar {
	return &Bar{bar: progressbar.NewOptions(max,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)}
}

func (b *Bar) Add(n int) {
	if b == nil {
		return
	}
	_ = b.bar.Add(n)
}

func (b *Bar) AddMax(n int) {
	if b == nil {
		return
	}
	b.bar.ChangeMax(b.bar.GetMax() + n)
}

func (b *Bar) Describe(description string) {
	if b == nil {
		return
	}
	b.bar.Describe(description)
}

func (b *Bar) Finish() {
	if b == nil {
		return
	}
	_ = b.bar.Finish()
}
