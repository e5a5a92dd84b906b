package sync

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/openmined/foliosync/internal/folio"
	"github.com/puzpuzpuz/xsync/v4"
)

// StateKind names the variant of a State.
type StateKind int

const (
	StateLoading StateKind = iota
	StateLoaded
	StateError
)

func (k StateKind) String() string {
	switch k {
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// State is the externally observable sync state. It is one of
// LoadingState, LoadedState or ErrorState.
type State interface {
	Kind() StateKind
	isState()
}

type LoadingState struct{}

func (LoadingState) Kind() StateKind { return StateLoading }
func (LoadingState) isState()        {}

type LoadedState struct {
	Private []*folio.Folio
	Shared  []*folio.Folio
}

func (LoadedState) Kind() StateKind { return StateLoaded }
func (LoadedState) isState()        {}

type ErrorState struct {
	Err error
}

func (ErrorState) Kind() StateKind { return StateError }
func (ErrorState) isState()        {}

// StateMachine holds the current sync state and fans transitions out to subscribers.
type StateMachine struct {
	mu      sync.RWMutex
	current State
	metrics Metrics

	subscribers      *xsync.Map[uint64, *stateSubscriber]
	nextSubscriberID atomic.Uint64
}

// NewStateMachine returns a state machine in the loading state.
func NewStateMachine(metrics Metrics) *StateMachine {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &StateMachine{
		current:     LoadingState{},
		metrics:     metrics,
		subscribers: xsync.NewMap[uint64, *stateSubscriber](),
	}
}

// State returns the current state.
func (sm *StateMachine) State() State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}

// Subscribe returns a channel receiving every state from the current one on,
// and a function to unsubscribe. A slow subscriber loses intermediate states
// but always ends up with the latest one.
func (sm *StateMachine) Subscribe() (<-chan State, func()) {
	id := sm.nextSubscriberID.Add(1)
	sub := &stateSubscriber{ch: make(chan State, 4)}

	sm.mu.RLock()
	sm.subscribers.Store(id, sub)
	sub.trySend(sm.current)
	sm.mu.RUnlock()

	return sub.ch, func() {
		if s, ok := sm.subscribers.LoadAndDelete(id); ok {
			s.close()
		}
	}
}

func (sm *StateMachine) SetLoading() {
	sm.transition(LoadingState{})
}

func (sm *StateMachine) SetLoaded(folios *Folios) {
	sm.transition(LoadedState{Private: folios.Private, Shared: folios.Shared})
}

func (sm *StateMachine) SetError(err error) {
	sm.transition(ErrorState{Err: err})
}

func (sm *StateMachine) transition(next State) {
	// held for the fan-out too, so subscribers see transitions in order
	sm.mu.Lock()
	defer sm.mu.Unlock()

	prev := sm.current
	sm.current = next

	sm.metrics.RecordStateTransition(prev.Kind(), next.Kind())
	slog.Debug("sync state", "from", prev.Kind(), "to", next.Kind())

	sm.subscribers.Range(func(_ uint64, sub *stateSubscriber) bool {
		sub.trySend(next)
		return true
	})
}

type stateSubscriber struct {
	ch     chan State
	mu     sync.Mutex
	closed bool
}

// trySend delivers state without blocking, evicting the oldest buffered
// state when the subscriber has fallen behind.
func (s *stateSubscriber) trySend(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	for {
		select {
		case s.ch <- state:
			return
		default:
		}

		select {
		case <-s.ch:
		default:
		}
	}
}

func (s *stateSubscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
