// Package orchestrator drives one Run: it enqueues ready stages, reacts to
// stage completions surfaced on the event bus, persists state transitions,
// and handles failure propagation. Dispatcher claims and runs one stage
// attempt of any run against a pull-loop worker pool; Orchestrator is the
// DAG-aware driver layered on top of Dispatcher's claim/spawn mechanics.
package orchestrator

import "time"

// Clock is the injectable time source consumed by the core.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// SecretProvider is the out-of-scope backend consumed for variable
// resolution's "secrets" scope.
type SecretProvider interface {
	Get(key string) (string, bool)
}
