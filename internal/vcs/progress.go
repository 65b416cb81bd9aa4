package vcs

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// Matches git progress lines like "Receiving objects:  45% (9/20)".
var progressLine = regexp.MustCompile(`(\d{1,3})% \((\d+)/(\d+)\)`)

// transcript collects the output of a git operation and forwards progress
// lines, split on '\r' or '\n', to a ProgressFunc.
type transcript struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	pending  []byte
	progress ProgressFunc
}

func newTranscript(progress ProgressFunc) *transcript {
	return &transcript{progress: progress}
}

func (t *transcript) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pending = append(t.pending, p...)
	for {
		i := bytes.IndexAny(t.pending, "\r\n")
		if i < 0 {
			break
		}
		line := string(t.pending[:i])
		t.pending = t.pending[i+1:]
		t.line(line)
	}
	return len(p), nil
}

// Println adds a line of our own to the transcript.
func (t *transcript) Println(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.line(line)
}

func (t *transcript) line(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	t.buf.WriteString(line)
	t.buf.WriteByte('\n')

	if t.progress == nil {
		return
	}
	m := progressLine.FindStringSubmatch(line)
	if m == nil {
		t.progress(0, line)
		return
	}
	done, _ := strconv.Atoi(m[2])
	total, _ := strconv.Atoi(m[3])
	fraction := 0.0
	if total > 0 {
		fraction = min(float64(done)/float64(total), 1)
	}
	t.progress(fraction, line)
}

func (t *transcript) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pending) > 0 {
		t.line(string(t.pending))
		t.pending = nil
	}
	return t.buf.String()
}
