package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/openmined/foliosync/internal/folio"
	"github.com/openmined/foliosync/internal/record"
)

const (
	// DefaultZoneName is the well-known private zone folios are saved in.
	DefaultZoneName = "Folios"
)

var (
	ErrStoreRequired      = errors.New("sync: store is required")
	ErrRefreshSuperseded  = fmt.Errorf("sync: refresh superseded: %w", context.Canceled)
	ErrSharingUnsupported = errors.New("sync: store cannot add share participants")
)

type engineOptions struct {
	zoneName  string
	journal   ChangeJournal
	metrics   Metrics
	zoneLimit int
}

// Option configures an Engine.
type Option func(*engineOptions)

// WithZoneName overrides the private zone name.
func WithZoneName(name string) Option {
	return func(o *engineOptions) {
		o.zoneName = name
	}
}

// WithJournal enables incremental syncs that resume from persisted change tokens.
func WithJournal(journal ChangeJournal) Option {
	return func(o *engineOptions) {
		o.journal = journal
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(metrics Metrics) Option {
	return func(o *engineOptions) {
		o.metrics = metrics
	}
}

// WithZoneConcurrency bounds concurrent zone fetches. 0 means unbounded.
func WithZoneConcurrency(n int) Option {
	return func(o *engineOptions) {
		o.zoneLimit = n
	}
}

// Engine keeps the local view of private and shared folios and exposes it
// through a state machine.
type Engine struct {
	store       record.Store
	initState   InitState
	zone        record.Zone
	fetcher     *ZoneFetcher
	coordinator *Coordinator
	shares      *ShareManager
	state       *StateMachine

	muRefresh     sync.Mutex
	refreshGen    uint64
	cancelRefresh context.CancelFunc
}

func NewEngine(store record.Store, initState InitState, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}
	if initState == nil {
		initState = NewMemoryInitState()
	}

	o := &engineOptions{
		zoneName: DefaultZoneName,
		metrics:  nopMetrics{},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.zoneName == "" {
		return nil, fmt.Errorf("sync: zone name is required")
	}
	if o.zoneLimit < 0 {
		return nil, fmt.Errorf("sync: invalid zone concurrency %d", o.zoneLimit)
	}

	zone := record.Zone{Name: o.zoneName, Scope: record.ScopePrivate}
	fetcher := NewZoneFetcher(store, o.journal, o.metrics)

	return &Engine{
		store:       store,
		initState:   initState,
		zone:        zone,
		fetcher:     fetcher,
		coordinator: NewCoordinator(store, fetcher, zone, o.zoneLimit),
		shares:      NewShareManager(store, o.metrics),
		state:       NewStateMachine(o.metrics),
	}, nil
}

// Zone returns the private zone folios are saved in.
func (e *Engine) Zone() record.Zone {
	return e.zone
}

// State returns the current sync state.
func (e *Engine) State() State {
	return e.state.State()
}

// Subscribe streams state changes. See StateMachine.Subscribe.
func (e *Engine) Subscribe() (<-chan State, func()) {
	return e.state.Subscribe()
}

// Initialize creates the private zone unless the init state says it exists.
// A failure moves the engine to the error state.
func (e *Engine) Initialize(ctx context.Context) error {
	if err := e.createZoneIfNeeded(ctx); err != nil {
		slog.Error("failed to create zone", "zone", e.zone, "error", err)
		e.state.SetError(err)
		return err
	}
	return nil
}

func (e *Engine) createZoneIfNeeded(ctx context.Context) error {
	if locker, ok := e.initState.(InitLocker); ok {
		unlock, err := locker.Lock(ctx)
		if err != nil {
			return fmt.Errorf("lock init state: %w", err)
		}
		defer func() {
			if err := unlock(); err != nil {
				slog.Warn("failed to unlock init state", "error", err)
			}
		}()
	}

	created, err := e.initState.ZoneCreated(e.zone.Name)
	if err != nil {
		return fmt.Errorf("read init state: %w", err)
	}
	if created {
		return nil
	}

	if err := e.store.SaveZone(ctx, e.zone); err != nil {
		return fmt.Errorf("create zone %s: %w", e.zone, err)
	}

	if err := e.initState.SetZoneCreated(e.zone.Name); err != nil {
		return fmt.Errorf("write init state: %w", err)
	}

	slog.Info("zone created", "zone", e.zone)
	return nil
}

// Refresh moves to the loading state immediately, syncs both scopes and ends
// in the loaded or error state. A newer Refresh cancels an older one still in
// flight; the older call returns ErrRefreshSuperseded and leaves the state alone.
func (e *Engine) Refresh(ctx context.Context) error {
	ctx, gen := e.beginRefresh(ctx)

	tStart := time.Now()
	folios, err := e.coordinator.SyncPrivateAndShared(ctx)
	tTotal := time.Since(tStart)

	if err := e.finishRefresh(gen, folios, err); err != nil {
		if !errors.Is(err, context.Canceled) {
			slog.Error("refresh failed", "error", err, "tsTotal", tTotal)
		}
		return err
	}

	slog.Info("refresh",
		"private", len(folios.Private),
		"shared", len(folios.Shared),
		"tsTotal", tTotal,
	)
	return nil
}

func (e *Engine) beginRefresh(parent context.Context) (context.Context, uint64) {
	e.muRefresh.Lock()
	defer e.muRefresh.Unlock()

	if e.cancelRefresh != nil {
		e.cancelRefresh()
	}

	ctx, cancel := context.WithCancel(parent)
	e.refreshGen++
	e.cancelRefresh = cancel
	e.state.SetLoading()

	return ctx, e.refreshGen
}

func (e *Engine) finishRefresh(gen uint64, folios *Folios, err error) error {
	e.muRefresh.Lock()
	defer e.muRefresh.Unlock()

	if gen != e.refreshGen {
		return ErrRefreshSuperseded
	}

	e.cancelRefresh()
	e.cancelRefresh = nil

	if err != nil {
		e.state.SetError(err)
		return err
	}

	e.state.SetLoaded(folios)
	return nil
}

// AddFolio saves a new folio in the private zone.
func (e *Engine) AddFolio(ctx context.Context, title, desc string) (*folio.Folio, error) {
	if strings.TrimSpace(title) == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidFolio)
	}

	r := folio.NewRecord(e.zone, title, desc)
	saved, err := e.store.SaveRecords(ctx, []*record.Record{r})
	if err != nil {
		slog.Error("failed to save new folio", "error", err)
		return nil, fmt.Errorf("save folio: %w", err)
	}
	if len(saved) > 0 {
		r = saved[0]
	}

	f, ok := folio.FromRecord(r)
	if !ok {
		return nil, fmt.Errorf("%w: saved record %s does not decode", ErrInvalidFolio, r.ID)
	}
	slog.Info("folio added", "id", f.ID, "title", f.Title)
	return f, nil
}

// DeleteFolio deletes the folio together with its share grant, if any.
func (e *Engine) DeleteFolio(ctx context.Context, f *folio.Folio) error {
	if f == nil || f.ID.IsZero() {
		return fmt.Errorf("%w: no record id", ErrInvalidFolio)
	}

	ids := []record.RecordID{f.ID}
	if share := f.Share(); share != nil {
		ids = append(ids, share.ID)
	}

	if err := e.store.DeleteRecords(ctx, ids); err != nil {
		return fmt.Errorf("delete folio %s: %w", f.ID, err)
	}
	slog.Info("folio deleted", "id", f.ID)
	return nil
}

// FetchOrCreateShare returns the folio's share grant, creating it if needed.
// Errors are returned to the caller and never change the sync state.
func (e *Engine) FetchOrCreateShare(ctx context.Context, f *folio.Folio) (*folio.ShareGrant, error) {
	return e.shares.FetchOrCreateShare(ctx, f)
}

// AddParticipant invites principal to grant, when the store supports it.
func (e *Engine) AddParticipant(ctx context.Context, grant *folio.ShareGrant, principal string) error {
	adder, ok := e.store.(record.ParticipantAdder)
	if !ok {
		return ErrSharingUnsupported
	}
	if err := adder.AddParticipant(ctx, grant.ID, principal); err != nil {
		return fmt.Errorf("add participant %s to %s: %w", principal, grant.ID, err)
	}
	slog.Info("participant added", "share", grant.ID, "principal", principal)
	return nil
}
