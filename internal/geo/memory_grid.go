package geo

import (
	"context"
	"sync"

	"github.com/example/help-matching/internal/models"
)

// MemoryGrid is an in-process GridIndex. A single write lock covers the
// remove/insert/reverse-update of a migration.
type MemoryGrid struct {
	mu    sync.RWMutex
	size  float64
	cells map[Cell]map[string]models.Position
	users map[string]Cell
}

func NewMemoryGrid(size float64) *MemoryGrid {
	if size <= 0 {
		size = DefaultCellSize
	}
	return &MemoryGrid{
		size:  size,
		cells: make(map[Cell]map[string]models.Position),
		users: make(map[string]Cell),
	}
}

func (g *MemoryGrid) UpsertLocation(_ context.Context, userID string, pos models.Position) error {
	next := CellOf(pos, g.size)
	g.mu.Lock()
	defer g.mu.Unlock()
	if prev, ok := g.users[userID]; ok && prev != next {
		if members := g.cells[prev]; members != nil {
			delete(members, userID)
			if len(members) == 0 {
				delete(g.cells, prev)
			}
		}
	}
	members := g.cells[next]
	if members == nil {
		members = make(map[string]models.Position)
		g.cells[next] = members
	}
	members[userID] = pos
	g.users[userID] = next
	return nil
}

func (g *MemoryGrid) MembersOf(_ context.Context, cell Cell) (map[string]models.Position, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]models.Position, len(g.cells[cell]))
	for id, p := range g.cells[cell] {
		out[id] = p
	}
	return out, nil
}

func (g *MemoryGrid) CellOfUser(_ context.Context, userID string) (Cell, bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c, ok := g.users[userID]
	return c, ok, nil
}

func (g *MemoryGrid) Available(context.Context) bool { return true }

func (g *MemoryGrid) CellSize() float64 { return g.size }
