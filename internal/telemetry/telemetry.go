// Package telemetry records structured events for the recovery path —
// blacklist, migration, commit, and rollback — so an operator or test can
// observe what the engine actually did without parsing log text.
//
// This is intentionally string/struct based rather than routed through a
// logging framework: the teacher codebase has no logging library
// dependency of its own, so none is introduced here either (see
// DESIGN.md).
package telemetry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/natefinch/atomic"
)

// Kind identifies the category of a recorded Event.
type Kind string

const (
	KindBlacklist Kind = "blacklist"
	KindMigration Kind = "migration"
	KindCommit    Kind = "commit"
	KindRollback  Kind = "rollback"
)

// Event is one recorded occurrence.
type Event struct {
	Kind   Kind           `json:"kind"`
	TxnID  string         `json:"txn_id"`
	Core   int            `json:"core"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Recorder accumulates Events in memory and, optionally, mirrors them to
// an audit-log file written atomically (via rename) so a reader never
// observes a half-written file. This is observability, not the durable
// system-of-record the surrounding spec excludes — the engine's actual
// state always lives in memory; losing the audit file loses nothing the
// engine needs to keep running.
type Recorder struct {
	mu       sync.Mutex
	events   []Event
	auditLog string // path to mirror the event log to; empty disables mirroring
}

// New creates a Recorder. If auditLog is non-empty, every Record call
// rewrites that file (atomically) with the full event history as
// newline-delimited JSON.
func New(auditLog string) *Recorder {
	return &Recorder{auditLog: auditLog}
}

// Record appends an event and, if an audit log path is configured,
// mirrors the full history to it.
func (r *Recorder) Record(e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, e)

	if r.auditLog == "" {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)

	for _, ev := range r.events {
		if err := enc.Encode(ev); err != nil {
			return fmt.Errorf("telemetry: encode audit log: %w", err)
		}
	}

	if err := atomic.WriteFile(r.auditLog, &buf); err != nil {
		return fmt.Errorf("telemetry: write audit log %s: %w", r.auditLog, err)
	}

	return nil
}

// Events returns a copy of every event recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Event, len(r.events))
	copy(out, r.events)

	return out
}
