package core

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dominikbraun/graph"
)

// Provenance records the units spawned by a run.
type Provenance interface {
	RecordUnit(ctx context.Context, rootID string, u Unit) error
	// Descendants returns every unit reachable from rootID, excluding it.
	Descendants(ctx context.Context, rootID string) ([]Unit, error)
}

var ErrUnknownRoot = errors.New("provenance: unknown root")

func unitHash(u Unit) string { return u.ID }

// descendants builds the call graph of units and walks it depth first from
// rootID. Units whose parent is not among units are unreachable, and
// parent links that would close a cycle are ignored.
func descendants(units []Unit, rootID string) ([]Unit, error) {
	g := graph.New(unitHash, graph.Directed(), graph.PreventCycles())
	for _, u := range units {
		if err := g.AddVertex(u); err != nil && !errors.Is(err, graph.ErrVertexAlreadyExists) {
			return nil, fmt.Errorf("add unit %s: %w", u.ID, err)
		}
	}
	if _, err := g.Vertex(rootID); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRoot, rootID)
	}
	for _, u := range units {
		if u.Parent == "" || u.ID == rootID {
			continue
		}
		err := g.AddEdge(u.Parent, u.ID)
		switch {
		case err == nil, errors.Is(err, graph.ErrEdgeAlreadyExists), errors.Is(err, graph.ErrVertexNotFound),
			errors.Is(err, graph.ErrEdgeCreatesCycle):
		default:
			return nil, fmt.Errorf("link unit %s to %s: %w", u.ID, u.Parent, err)
		}
	}

	var out []Unit
	err := graph.DFS(g, rootID, func(id string) bool {
		if id == rootID {
			return false
		}
		u, err := g.Vertex(id)
		if err == nil {
			out = append(out, u)
		}
		return false
	})
	if err != nil {
		return nil, fmt.Errorf("walk provenance: %w", err)
	}
	return out, nil
}

// MemoryProvenance keeps provenance in memory for a single process.
type MemoryProvenance struct {
	mu    sync.Mutex
	units map[string][]Unit
}

func NewMemoryProvenance() *MemoryProvenance {
	return &MemoryProvenance{units: map[string][]Unit{}}
}

func (m *MemoryProvenance) RecordUnit(_ context.Context, rootID string, u Unit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.units[rootID] = append(m.units[rootID], u)
	return nil
}

func (m *MemoryProvenance) Descendants(_ context.Context, rootID string) ([]Unit, error) {
	m.mu.Lock()
	units := append([]Unit(nil), m.units[rootID]...)
	m.mu.Unlock()
	return descendants(units, rootID)
}
