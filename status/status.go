// SPDX-License-Identifier: GPL-3.0-or-later

// Package status is the read-only surface the orchestrator and
// dashboard poll: per-role lifecycle state plus a bounded tail of
// each role's textual output.
//
// The surface is purely observational: it has no write access to the
// engines, and it tolerates being polled concurrently with the
// session's writes.
package status

import (
	"sort"
	"sync"
)

// State is the lifecycle state of a role.
type State int

const (
	// StateStopped means the role is not running.
	StateStopped = State(iota)

	// StateRunning means the role is running.
	StateRunning

	// StateError means the role terminated unexpectedly.
	StateError
)

// String returns the wire name of the state.
func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateError:
		return "error"
	default:
		return "stopped"
	}
}

// RoleStatus is the reported status of one role.
type RoleStatus struct {
	// Name is the role name (source, relay, destination).
	Name string

	// State is the lifecycle state.
	State State

	// Status is a free-text description of the state.
	Status string
}

// Registry tracks the lifecycle state of the session roles.
//
// The zero value is ready to use.
type Registry struct {
	// mu protects roles.
	mu sync.Mutex

	// roles maps role names to their last-known status.
	roles map[string]RoleStatus
}

// Set records the last-known status of a role.
func (r *Registry) Set(name string, state State, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.roles == nil {
		r.roles = map[string]RoleStatus{}
	}
	r.roles[name] = RoleStatus{Name: name, State: state, Status: status}
}

// Roles returns the last-known status of every role, sorted by name.
func (r *Registry) Roles() []RoleStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []RoleStatus
	for _, role := range r.roles {
		all = append(all, role)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].Name < all[j].Name
	})
	return all
}

// Running reports whether any role is currently running.
func (r *Registry) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, role := range r.roles {
		if role.State == StateRunning {
			return true
		}
	}
	return false
}

// DefaultTailLines is the default bound of a [*LogBuffer].
const DefaultTailLines = 1000

// LogBuffer is a bounded, append-only ring of output lines
// supporting concurrent appends and tail reads.
//
// The zero value is ready to use with [DefaultTailLines] capacity.
type LogBuffer struct {
	// Capacity optionally overrides [DefaultTailLines] and must
	// be set before the first Append.
	Capacity int

	// lines holds up to capacity lines, oldest first.
	lines []string

	// mu protects lines.
	mu sync.Mutex
}

// capacity returns the configured or default bound.
func (b *LogBuffer) capacity() int {
	if b.Capacity > 0 {
		return b.Capacity
	}
	return DefaultTailLines
}

// Append appends a line, evicting the oldest line when full.
func (b *LogBuffer) Append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, line)
	if excess := len(b.lines) - b.capacity(); excess > 0 {
		b.lines = append([]string{}, b.lines[excess:]...)
	}
}

// Tail returns a copy of the most recent count lines, oldest first.
func (b *LogBuffer) Tail(count int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if count > len(b.lines) {
		count = len(b.lines)
	}
	if count <= 0 {
		return nil
	}
	return append([]string{}, b.lines[len(b.lines)-count:]...)
}
