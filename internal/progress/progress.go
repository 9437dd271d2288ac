// Package progress models the progress-reporting seam between the
// install engine and whatever renders it. The orchestrator only ever
// talks to the Sink interface, per the design note that the teacher's
// source couples its workers directly to a rendering library; a no-op
// Sink is installed for tests, a terminal Sink for the CLI.
package progress

import "github.com/google/uuid"

// Sink receives progress events for concurrently running tasks. Every
// method must be safe for concurrent use by multiple workers.
type Sink interface {
	// Start registers a new task with a human-readable label and
	// returns an identifier for subsequent calls.
	Start(label string) string
	// SetTotal records the expected total size of a task, e.g. bytes to
	// download. Called once the Content-Length is known.
	SetTotal(id string, total int64)
	// Advance reports additional progress (e.g. bytes written) for id.
	Advance(id string, delta int64)
	// SetLabel updates the human-readable label for id.
	SetLabel(id string, label string)
	// Finish marks the task complete.
	Finish(id string)
}

// NoOp is a Sink that discards every event. Used in tests and anywhere
// a caller doesn't want progress rendered.
type NoOp struct{}

func (NoOp) Start(label string) string        { return uuid.NewString() }
func (NoOp) SetTotal(id string, total int64)  {}
func (NoOp) Advance(id string, delta int64)   {}
func (NoOp) SetLabel(id string, label string) {}
func (NoOp) Finish(id string)                 {}

var _ Sink = NoOp{}
