// Package backend defines the contract a remote-protocol backend implements
// and the process-wide registry the router selects drivers from by the
// protocol name carried in a handshake.
package backend

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/deskmux/deskmux/session"
)

// Driver binds a protocol backend to sessions. Implementations must be safe
// for concurrent Opens; each Open receives its own session.
type Driver interface {
	// Protocol reports the handshake name this driver serves.
	Protocol() string

	// Open prepares a freshly created session for this protocol: it installs
	// the session's handlers and whatever Data the backend needs. Open runs
	// before the first user attaches. The context covers setup only, not
	// the session's lifetime.
	Open(ctx context.Context, s *session.Session) error
}

var (
	driversMu sync.RWMutex
	drivers   = map[string]Driver{}
)

// Register makes a driver selectable by its protocol name. It panics on an
// empty name or a duplicate registration; drivers register from init, so
// either is a wiring bug caught at startup.
func Register(d Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()
	name := d.Protocol()
	if name == "" {
		panic("backend: Register with empty protocol name")
	}
	if _, dup := drivers[name]; dup {
		panic(fmt.Sprintf("backend: Register called twice for protocol %q", name))
	}
	drivers[name] = d
}

// Lookup returns the driver registered for a protocol name.
func Lookup(name string) (Driver, bool) {
	driversMu.RLock()
	defer driversMu.RUnlock()
	d, ok := drivers[name]
	return d, ok
}

// Protocols lists registered protocol names in sorted order.
func Protocols() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
