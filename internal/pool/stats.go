// Copyright (c) 2025 MedCP
// Licensed under the MIT License. See LICENSE file in the project root for details.

package pool

import (
	"context"

	"medcp/cli/internal/backend"
)

// BackendStats counts pool activity for one backend.
type BackendStats struct {
	Acquires  int64
	Releases  int64
	Connects  int64
	Discards  int64
	Failures  int64
	Connected bool
}

// Stats returns a snapshot of the counters of every backend.
func (m *Manager) Stats() map[backend.Kind]BackendStats {
	m.mu.Lock()
	live := make(map[backend.Kind]bool, len(m.entries))
	for k := range m.entries {
		live[k] = true
	}
	m.mu.Unlock()

	out := make(map[backend.Kind]BackendStats, len(m.stats))
	for k, c := range m.stats {
		out[k] = BackendStats{
			Acquires:  c.acquires.Load(),
			Releases:  c.releases.Load(),
			Connects:  c.connects.Load(),
			Discards:  c.discards.Load(),
			Failures:  c.failures.Load(),
			Connected: live[k],
		}
	}
	return out
}

// Status is the health of one configured backend.
type Status struct {
	Kind    backend.Kind
	Healthy bool
	Err     error
}

// Health checks every configured backend, connecting if needed.
func (m *Manager) Health(ctx context.Context) []Status {
	var out []Status
	for _, k := range backend.Kinds {
		if !m.source.Configured(k) {
			continue
		}
		err := m.Check(ctx, k)
		out = append(out, Status{Kind: k, Healthy: err == nil, Err: err})
	}
	return out
}
