package routing

import (
	"fmt"
	"sync"
)

// Table is an in-memory routing table mapping service IDs to the server
// currently authoritative for them. Repoint is atomic from the caller's
// perspective: concurrent readers observe either the pre- or post-cutover
// mapping, never a partial one.
type Table struct {
	mu     sync.RWMutex
	routes map[string]string
}

// NewTable creates an empty routing table.
func NewTable() *Table {
	return &Table{routes: make(map[string]string)}
}

// Assign sets the authoritative server for a service. Used at initial
// placement; cutover must go through Repoint.
func (t *Table) Assign(serviceID, serverID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes[serviceID] = serverID
}

// Lookup returns the server currently authoritative for a service.
func (t *Table) Lookup(serviceID string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	serverID, ok := t.routes[serviceID]
	return serverID, ok
}

// Repoint atomically moves authority for a service from one server to
// another. It fails without side effects if the service is not currently
// routed to the expected source, so a lost race can never split authority.
func (t *Table) Repoint(serviceID, from, to string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	current, ok := t.routes[serviceID]
	if !ok {
		return fmt.Errorf("service %s has no route", serviceID)
	}
	if current != from {
		return fmt.Errorf("service %s routed to %s, not %s", serviceID, current, from)
	}
	t.routes[serviceID] = to
	return nil
}

// Remove deletes a service's route.
func (t *Table) Remove(serviceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.routes, serviceID)
}
