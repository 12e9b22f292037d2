package signaling

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// Registry tracks which participants are in which room. It is the source of
// truth for who must be notified about joins and leaves.
type Registry interface {
	// Join adds participantID to roomID and returns the other members in join
	// order. Joining again is a no-op on the set.
	Join(ctx context.Context, roomID, participantID string) ([]string, error)

	// Leave removes participantID from roomID and returns the remaining
	// members in join order. An emptied room is forgotten.
	Leave(ctx context.Context, roomID, participantID string) ([]string, error)

	// Members returns the members of roomID in join order.
	Members(ctx context.Context, roomID string) ([]string, error)

	// Rooms returns the ids of all non-empty rooms, sorted.
	Rooms(ctx context.Context) ([]string, error)
}

// Leaser is implemented by registries whose memberships expire unless the
// owning node keeps renewing them.
type Leaser interface {
	Renew(ctx context.Context) error
	RenewInterval() time.Duration
}

// MemoryRegistry keeps membership in process memory.
type MemoryRegistry struct {
	mu    sync.Mutex
	rooms map[string][]string
}

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{rooms: make(map[string][]string)}
}

func (r *MemoryRegistry) Join(_ context.Context, roomID, participantID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := r.rooms[roomID]
	if !slices.Contains(members, participantID) {
		members = append(members, participantID)
		r.rooms[roomID] = members
	}
	return without(members, participantID), nil
}

func (r *MemoryRegistry) Leave(_ context.Context, roomID, participantID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[roomID]
	if !ok {
		return nil, nil
	}
	remaining := without(members, participantID)
	if len(remaining) == 0 {
		delete(r.rooms, roomID)
		return nil, nil
	}
	r.rooms[roomID] = remaining
	return slices.Clone(remaining), nil
}

func (r *MemoryRegistry) Members(_ context.Context, roomID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.rooms[roomID]), nil
}

func (r *MemoryRegistry) Rooms(_ context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// without returns a fresh slice of members minus id.
func without(members []string, id string) []string {
	out := make([]string, 0, len(members))
	for _, m := range members {
		if m != id {
			out = append(out, m)
		}
	}
	return out
}
