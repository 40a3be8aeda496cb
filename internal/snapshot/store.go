package snapshot

import (
	"sync"
	"time"
)

// Tree is one level of a device snapshot: datapoint leaves keyed by label
// plus named child branches (containers, then equipment).
type Tree struct {
	DataPoints map[string]Value `json:"datapoints,omitempty"`
	Children   map[string]*Tree `json:"children,omitempty"`
}

// NewTree returns an empty tree node.
func NewTree() *Tree {
	return &Tree{
		DataPoints: make(map[string]Value),
		Children:   make(map[string]*Tree),
	}
}

// Child returns the named branch, creating it if absent. Only the poller
// calls this, during tree assembly; published trees are never mutated.
func (t *Tree) Child(name string) *Tree {
	c, ok := t.Children[name]
	if !ok {
		c = NewTree()
		t.Children[name] = c
	}
	return c
}

// Empty reports whether the node carries no leaves anywhere below it.
func (t *Tree) Empty() bool {
	if len(t.DataPoints) > 0 {
		return false
	}
	for _, c := range t.Children {
		if !c.Empty() {
			return false
		}
	}
	return true
}

// DeviceSnapshot is the latest reading of one PLC.
type DeviceSnapshot struct {
	PLCName   string    `json:"plc"`
	Timestamp time.Time `json:"timestamp"`
	Root      *Tree     `json:"tree"`
	// NoData marks the sentinel returned before the first successful poll.
	NoData bool `json:"no_data,omitempty"`
}

// Store is the thread-safe current-value cache: one entry per PLC, replaced
// wholesale each poll cycle.
type Store struct {
	mu      sync.RWMutex
	devices map[string]*DeviceSnapshot
}

// NewStore creates an empty snapshot store.
func NewStore() *Store {
	return &Store{devices: make(map[string]*DeviceSnapshot)}
}

// Put atomically replaces the entry for a PLC and stamps it with now.
func (s *Store) Put(plc string, tree *Tree) {
	snap := &DeviceSnapshot{PLCName: plc, Timestamp: time.Now(), Root: tree}
	s.mu.Lock()
	s.devices[plc] = snap
	s.mu.Unlock()
}

// Get returns the entry for a PLC, or a "no data" sentinel when the PLC has
// not been polled yet.
func (s *Store) Get(plc string) *DeviceSnapshot {
	s.mu.RLock()
	snap, ok := s.devices[plc]
	s.mu.RUnlock()
	if !ok {
		return &DeviceSnapshot{PLCName: plc, Root: NewTree(), NoData: true}
	}
	return snap
}

// GetAll returns a shallow copy of the device map. Callers treat the
// snapshots as read-only.
func (s *Store) GetAll() map[string]*DeviceSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*DeviceSnapshot, len(s.devices))
	for name, snap := range s.devices {
		out[name] = snap
	}
	return out
}
