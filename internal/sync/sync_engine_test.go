package sync

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openmined/foliosync/internal/folio"
	"github.com/openmined/foliosync/internal/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, store *fakeStore, opts ...Option) *Engine {
	t.Helper()
	e, err := NewEngine(store, nil, opts...)
	require.NoError(t, err)
	return e
}

func TestNewEngine_Validation(t *testing.T) {
	_, err := NewEngine(nil, nil)
	assert.ErrorIs(t, err, ErrStoreRequired)

	_, err = NewEngine(newFakeStore(), nil, WithZoneName(""))
	assert.Error(t, err)

	_, err = NewEngine(newFakeStore(), nil, WithZoneConcurrency(-1))
	assert.Error(t, err)

	e, err := NewEngine(newFakeStore(), nil)
	require.NoError(t, err)
	assert.Equal(t, privateZone, e.Zone())
	assert.Equal(t, StateLoading, e.State().Kind())
}

func TestEngine_RefreshShowsLoadingThenLoaded(t *testing.T) {
	bob := sharedZone("bob")

	store := newFakeStore()
	store.zones[record.ScopeShared] = []record.Zone{bob}
	store.script(privateZone, []*record.Record{folioRecord(privateZone, "A")})
	store.script(bob, []*record.Record{folioRecord(bob, "B")})

	started := make(chan struct{})
	release := make(chan struct{})
	var once atomic.Bool
	store.fetchHook = func(context.Context, record.Zone, *record.ChangeToken) error {
		if once.CompareAndSwap(false, true) {
			close(started)
		}
		<-release
		return nil
	}

	e := newTestEngine(t, store)
	e.state.SetLoaded(&Folios{})

	errc := make(chan error, 1)
	go func() { errc <- e.Refresh(context.Background()) }()

	<-started
	assert.Equal(t, StateLoading, e.State().Kind())

	close(release)
	require.NoError(t, <-errc)

	loaded, ok := e.State().(LoadedState)
	require.True(t, ok)
	assert.Equal(t, []string{"A"}, titles(loaded.Private))
	assert.Equal(t, []string{"B"}, titles(loaded.Shared))
}

func TestEngine_RefreshFailureEndsInError(t *testing.T) {
	errOffline := errors.New("offline")

	store := newFakeStore()
	store.fetchHook = func(context.Context, record.Zone, *record.ChangeToken) error {
		return errOffline
	}

	e := newTestEngine(t, store)
	err := e.Refresh(context.Background())
	assert.ErrorIs(t, err, errOffline)

	failed, ok := e.State().(ErrorState)
	require.True(t, ok)
	assert.ErrorIs(t, failed.Err, errOffline)
}

func TestEngine_SubscriberSeesRefreshSequence(t *testing.T) {
	store := newFakeStore()
	store.script(privateZone, []*record.Record{folioRecord(privateZone, "A")})

	e := newTestEngine(t, store)
	ch, unsubscribe := e.Subscribe()
	defer unsubscribe()

	assert.Equal(t, StateLoading, recvState(t, ch).Kind())

	require.NoError(t, e.Refresh(context.Background()))
	assert.Equal(t, StateLoading, recvState(t, ch).Kind())
	assert.Equal(t, StateLoaded, recvState(t, ch).Kind())
}

func TestEngine_NewerRefreshSupersedesOlder(t *testing.T) {
	store := newFakeStore()
	store.script(privateZone, []*record.Record{folioRecord(privateZone, "A")})

	var block atomic.Bool
	block.Store(true)
	started := make(chan struct{}, 1)
	store.fetchHook = func(ctx context.Context, _ record.Zone, _ *record.ChangeToken) error {
		if block.Load() {
			started <- struct{}{}
			<-ctx.Done()
		}
		return nil
	}

	e := newTestEngine(t, store)

	errc := make(chan error, 1)
	go func() { errc <- e.Refresh(context.Background()) }()
	<-started

	block.Store(false)
	require.NoError(t, e.Refresh(context.Background()))

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrRefreshSuperseded)
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("superseded refresh did not return")
	}

	// the stale refresh must not have overwritten the newer result
	loaded, ok := e.State().(LoadedState)
	require.True(t, ok)
	assert.Equal(t, []string{"A"}, titles(loaded.Private))
}

func TestEngine_InitializeCreatesZoneOnce(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(t, store)

	require.NoError(t, e.Initialize(context.Background()))
	require.NoError(t, e.Initialize(context.Background()))

	assert.Equal(t, []record.Zone{privateZone}, store.savedZones)
}

func TestEngine_InitializeFailureSetsError(t *testing.T) {
	errDenied := record.NewStoreError("save zone", record.ErrAccessDenied)

	store := newFakeStore()
	store.saveZoneErr = errDenied
	initState := NewMemoryInitState()

	e, err := NewEngine(store, initState)
	require.NoError(t, err)

	err = e.Initialize(context.Background())
	assert.ErrorIs(t, err, record.ErrAccessDenied)
	assert.Equal(t, StateError, e.State().Kind())

	created, err := initState.ZoneCreated(DefaultZoneName)
	require.NoError(t, err)
	assert.False(t, created)
}

type lockingInitState struct {
	*MemoryInitState
	locks, unlocks int
	lockErr        error
}

func (l *lockingInitState) Lock(context.Context) (func() error, error) {
	if l.lockErr != nil {
		return nil, l.lockErr
	}
	l.locks++
	return func() error {
		l.unlocks++
		return nil
	}, nil
}

func TestEngine_InitializeHoldsInitLock(t *testing.T) {
	store := newFakeStore()
	initState := &lockingInitState{MemoryInitState: NewMemoryInitState()}

	e, err := NewEngine(store, initState)
	require.NoError(t, err)
	require.NoError(t, e.Initialize(context.Background()))

	assert.Equal(t, 1, initState.locks)
	assert.Equal(t, 1, initState.unlocks)

	initState.lockErr = ErrInitLocked
	created := NewMemoryInitState()
	initState.MemoryInitState = created

	err = e.Initialize(context.Background())
	assert.ErrorIs(t, err, ErrInitLocked)
	assert.Len(t, store.savedZones, 1)
}

func TestEngine_AddFolio(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(t, store)

	_, err := e.AddFolio(context.Background(), "  ", "desc")
	assert.ErrorIs(t, err, ErrInvalidFolio)
	assert.Empty(t, store.saveCalls)

	f, err := e.AddFolio(context.Background(), "Trip", "Lisbon")
	require.NoError(t, err)
	assert.Equal(t, "Trip", f.Title)
	assert.Equal(t, "Lisbon", f.Description)
	assert.Equal(t, privateZone, f.ID.Zone)
	assert.Equal(t, "rev-1", f.Record.Revision)
}

func TestEngine_AddFolioSaveError(t *testing.T) {
	store := newFakeStore()
	store.saveErr = record.NewStoreError("save records", errors.New("quota exceeded"))

	_, err := newTestEngine(t, store).AddFolio(context.Background(), "Trip", "")
	assert.True(t, record.IsStoreError(err))
}

func TestEngine_DeleteFolioRemovesShare(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(t, store)

	f, ok := folio.FromRecord(folioRecord(privateZone, "Trip"))
	require.True(t, ok)
	shareID := record.NewRecordID(privateZone)
	f.Record.Share = &record.ShareRef{ID: shareID}

	require.NoError(t, e.DeleteFolio(context.Background(), f))
	assert.Equal(t, []record.RecordID{f.ID, shareID}, store.deleted)

	assert.ErrorIs(t, e.DeleteFolio(context.Background(), nil), ErrInvalidFolio)
}

func TestEngine_AddParticipantUnsupported(t *testing.T) {
	e := newTestEngine(t, newFakeStore())
	err := e.AddParticipant(context.Background(), &folio.ShareGrant{}, "bob@example.com")
	assert.ErrorIs(t, err, ErrSharingUnsupported)
}
