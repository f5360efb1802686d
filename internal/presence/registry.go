// Package presence tracks which live connections have joined the chat and under which name.
package presence

import (
	"errors"
	"sync"

	"go-meet/internal/protocol"
)

// Unknown is reported for connections that disconnect without ever joining.
const Unknown = "Unknown"

var ErrDuplicateJoin = errors.New("connection already joined")

type entry struct {
	connID string
	name   string
}

// Registry maps connection ids to display names, preserving registration order.
type Registry struct {
	mu      sync.RWMutex
	entries []entry
	index   map[string]int // connID -> position in entries
}

func NewRegistry() *Registry {
	return &Registry{
		index: make(map[string]int),
	}
}

// Register records the display name of a connection. A connection joins exactly once.
func (r *Registry) Register(connID, name string) error {
	name, err := protocol.NormalizeName(name)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.index[connID]; ok {
		return ErrDuplicateJoin
	}
	r.index[connID] = len(r.entries)
	r.entries = append(r.entries, entry{connID: connID, name: name})
	return nil
}

// Unregister removes the connection and returns the name it joined with.
func (r *Registry) Unregister(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pos, ok := r.index[connID]
	if !ok {
		return Unknown, false
	}
	name := r.entries[pos].name

	r.entries = append(r.entries[:pos], r.entries[pos+1:]...)
	delete(r.index, connID)
	for i := pos; i < len(r.entries); i++ {
		r.index[r.entries[i].connID] = i
	}
	return name, true
}

// Name returns the display name of a joined connection.
func (r *Registry) Name(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pos, ok := r.index[connID]
	if !ok {
		return "", false
	}
	return r.entries[pos].name, true
}

// DisplayNames returns a copy of the joined names in registration order.
func (r *Registry) DisplayNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.entries))
	for i, e := range r.entries {
		names[i] = e.name
	}
	return names
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
