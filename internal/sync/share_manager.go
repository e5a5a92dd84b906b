package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/openmined/foliosync/internal/folio"
	"github.com/openmined/foliosync/internal/record"
	"golang.org/x/sync/singleflight"
)

// ShareManager creates or fetches the single share grant of a folio.
// Concurrent calls for one folio share a single fetch or create.
type ShareManager struct {
	store   record.Store
	metrics Metrics
	flight  singleflight.Group
}

func NewShareManager(store record.Store, metrics Metrics) *ShareManager {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &ShareManager{
		store:   store,
		metrics: metrics,
	}
}

// FetchOrCreateShare returns the folio's share grant, creating it when the
// folio's record carries no share back-reference.
//
// A new grant is saved in the same atomic store call as the folio's record,
// whose back-reference now points at it. An existing reference that does not
// resolve to a grant fails with ErrInvalidRemoteShare.
func (m *ShareManager) FetchOrCreateShare(ctx context.Context, f *folio.Folio) (*folio.ShareGrant, error) {
	if f == nil || f.Record == nil {
		return nil, fmt.Errorf("%w: no backing record", ErrInvalidFolio)
	}

	v, err, shared := m.flight.Do(f.ID.String(), func() (any, error) {
		ref := f.Share()
		if ref == nil {
			grant, err := m.createShare(ctx, f)
			m.metrics.RecordShareRequest(true, err)
			return grant, err
		}

		grant, err := m.fetchShare(ctx, ref)
		m.metrics.RecordShareRequest(false, err)
		return grant, err
	})
	if shared {
		slog.Debug("share request joined in-flight call", "folio", f.ID)
	}
	if err != nil {
		return nil, err
	}
	return v.(*folio.ShareGrant), nil
}

// createShare saves a candidate root carrying the back-reference together
// with the new grant. The caller's record only changes once the save succeeded.
func (m *ShareManager) createShare(ctx context.Context, f *folio.Folio) (*folio.ShareGrant, error) {
	root := f.Record.Clone()
	share := folio.NewShareRecord(root, folio.ShareTitle(f.Title))
	root.Share = &record.ShareRef{ID: share.ID}

	saved, err := m.store.SaveRecords(ctx, []*record.Record{root, share})
	if err != nil {
		return nil, fmt.Errorf("save share for %s: %w", f.ID, err)
	}

	for _, r := range saved {
		switch r.ID {
		case root.ID:
			root = r
		case share.ID:
			share = r
		}
	}

	grant, ok := folio.ShareFromRecord(share)
	if !ok {
		return nil, fmt.Errorf("%w: saved share %s does not decode", ErrInvalidRemoteShare, share.ID)
	}

	*f.Record = *root

	slog.Info("share created", "folio", f.ID, "share", grant.ID, "title", grant.Title)
	return grant, nil
}

func (m *ShareManager) fetchShare(ctx context.Context, ref *record.ShareRef) (*folio.ShareGrant, error) {
	r, err := m.store.FetchRecord(ctx, ref.ID)
	if errors.Is(err, record.ErrNotFound) {
		return nil, fmt.Errorf("%w: share %s: %w", ErrInvalidRemoteShare, ref.ID, err)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch share %s: %w", ref.ID, err)
	}

	grant, ok := folio.ShareFromRecord(r)
	if !ok {
		return nil, fmt.Errorf("%w: record %s has kind %q", ErrInvalidRemoteShare, ref.ID, r.Kind)
	}
	return grant, nil
}
