package bus

import (
	"fmt"
	"sort"
	"sync"
)

// Registry resolves device types by persisted id and by stream id.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]*DeviceType
	byNet  map[uint32]*DeviceType
	frozen bool
}

func NewRegistry() *Registry {
	return &Registry{
		byID:  map[string]*DeviceType{},
		byNet: map[uint32]*DeviceType{},
	}
}

func (r *Registry) Register(t *DeviceType) error {
	if t == nil || t.ID == "" {
		return fmt.Errorf("bus: device type needs an id")
	}
	if t.NetID == 0 {
		return fmt.Errorf("bus: device type %q needs a non-zero net id", t.ID)
	}
	if t.New == nil {
		return fmt.Errorf("bus: device type %q has no constructor", t.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("bus: registry is frozen, cannot add %q", t.ID)
	}
	if _, ok := r.byID[t.ID]; ok {
		return fmt.Errorf("bus: duplicate device type %q", t.ID)
	}
	if other, ok := r.byNet[t.NetID]; ok {
		return fmt.Errorf("bus: net id %d of %q already used by %q", t.NetID, t.ID, other.ID)
	}
	r.byID[t.ID] = t
	r.byNet[t.NetID] = t
	return nil
}

func (r *Registry) MustRegister(types ...*DeviceType) {
	for _, t := range types {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
}

// Freeze rejects further registrations. Stream ids must agree between the
// server and its mirrors, so the table is fixed once the world starts.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

func (r *Registry) ByID(id string) *DeviceType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

func (r *Registry) ByNetID(id uint32) *DeviceType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byNet[id]
}

// IDs returns every registered type id, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byID))
	for id := range r.byID {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
