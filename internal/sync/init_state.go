package sync

import (
	"context"
	"sync"
)

// InitState remembers which zones have already been created, so startup does
// not issue a zone creation call every time.
type InitState interface {
	ZoneCreated(zone string) (bool, error)
	SetZoneCreated(zone string) error
}

// InitLocker is implemented by InitState backends that can serialize the
// check-then-create sequence across processes.
type InitLocker interface {
	Lock(ctx context.Context) (unlock func() error, err error)
}

// MemoryInitState is a process local InitState.
type MemoryInitState struct {
	mu      sync.Mutex
	created map[string]bool
}

func NewMemoryInitState() *MemoryInitState {
	return &MemoryInitState{created: make(map[string]bool)}
}

func (m *MemoryInitState) ZoneCreated(zone string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.created[zone], nil
}

func (m *MemoryInitState) SetZoneCreated(zone string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created[zone] = true
	return nil
}
