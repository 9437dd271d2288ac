package progress

import (
	"fmt"
	"io"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

// Terminal is a minimal line-oriented Sink: it prints one line per
// Finish call. It deliberately does not render spinners, bars, or
// panels — those are out of scope per the specification, which treats
// human-facing progress rendering as an external collaborator.
type Terminal struct {
	w  io.Writer
	mu sync.Mutex

	labels map[string]string
	totals map[string]int64
	done   map[string]int64
}

// NewTerminal creates a Terminal sink writing to w.
func NewTerminal(w io.Writer) *Terminal {
	return &Terminal{
		w:      w,
		labels: make(map[string]string),
		totals: make(map[string]int64),
		done:   make(map[string]int64),
	}
}

func (t *Terminal) Start(label string) string {
	id := uuid.NewString()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.labels[id] = label
	return id
}

func (t *Terminal) SetTotal(id string, total int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.totals[id] = total
}

func (t *Terminal) Advance(id string, delta int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done[id] += delta
}

func (t *Terminal) SetLabel(id string, label string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.labels[id] = label
}

func (t *Terminal) Finish(id string) {
	t.mu.Lock()
	label := t.labels[id]
	total := t.totals[id]
	done := t.done[id]
	t.mu.Unlock()

	if total > 0 {
		fmt.Fprintf(t.w, "%s (%s/%s)\n", label, humanize.Bytes(uint64(done)), humanize.Bytes(uint64(total)))
		return
	}
	fmt.Fprintf(t.w, "%s\n", label)
}

var _ Sink = (*Terminal)(nil)
