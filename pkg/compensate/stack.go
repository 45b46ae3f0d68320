// Package compensate implements the rollback side of the conversion
// pipeline: an ordered stack of reversal actions, one per created external
// resource, executed in reverse creation order.
package compensate

import (
	"context"
	"log/slog"
)

// Action undoes the creation of exactly one external resource.
type Action func(ctx context.Context) error

// Entry is a named, pushed reversal action.
type Entry struct {
	Name   string
	action Action
}

// Stack holds reversal actions in push order. It is owned by a single run;
// no locking is needed.
//
// With Disabled set (debug runs), RunAll logs every entry as skipped
// instead of executing it, leaving all resources in place for postmortem
// inspection.
type Stack struct {
	entries  []Entry
	Disabled bool
}

// NewStack returns an empty compensation stack.
func NewStack() *Stack {
	return &Stack{}
}

// Push records a reversal action for a resource that has just been
// confirmed created. Push order must match creation order: an action may
// only reference resources guaranteed to still exist when all entries
// pushed after it have already run.
func (s *Stack) Push(name string, action Action) {
	s.entries = append(s.entries, Entry{Name: name, action: action})
	slog.Info("compensation_pushed", "name", name, "depth", len(s.entries))
}

// PopLast removes the most recently pushed entry without running it. Used
// on the success path to protect a deliverable from the blanket teardown.
// Returns false if the stack is empty.
func (s *Stack) PopLast() (Entry, bool) {
	if len(s.entries) == 0 {
		return Entry{}, false
	}
	last := s.entries[len(s.entries)-1]
	s.entries = s.entries[:len(s.entries)-1]
	slog.Info("compensation_popped", "name", last.Name, "depth", len(s.entries))
	return last, true
}

// Len reports the number of pending entries.
func (s *Stack) Len() int {
	return len(s.entries)
}

// RunAll executes every remaining entry in reverse push order and drains
// the stack. Individual failures are recorded and logged but never stop
// the unwind; the run's exit status reflects the originating error, not a
// teardown hiccup. Returns the failures in execution order.
func (s *Stack) RunAll(ctx context.Context) []error {
	var failures []error

	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if s.Disabled {
			slog.Warn("compensation_skipped", "name", e.Name, "reason", "debug")
			continue
		}
		slog.Info("compensation_run", "name", e.Name)
		if err := e.action(ctx); err != nil {
			slog.Warn("compensation_failed", "name", e.Name, "error", err)
			failures = append(failures, err)
		}
	}

	s.entries = nil
	return failures
}
