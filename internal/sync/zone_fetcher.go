package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openmined/foliosync/internal/folio"
	"github.com/openmined/foliosync/internal/record"
)

// ChangeJournal persists a zone's change token together with the records it covers.
// Apply must store the records and the token atomically.
type ChangeJournal interface {
	Token(zone record.Zone) (*record.ChangeToken, error)
	Apply(zone record.Zone, upserts []*record.Record, deletes []record.RecordID, token record.ChangeToken) error
	Records(zone record.Zone) ([]*record.Record, error)
	Reset(zone record.Zone) error
}

// ZoneResult is the outcome of paging one zone's change feed to completion.
type ZoneResult struct {
	Zone    record.Zone
	Folios  []*folio.Folio
	Token   record.ChangeToken
	Pages   int
	Dropped int
}

// ZoneFetcher pages a single zone's change feed.
type ZoneFetcher struct {
	store   record.Store
	journal ChangeJournal
	metrics Metrics
}

// NewZoneFetcher creates a fetcher. With a nil journal every fetch rescans
// the zone from the beginning.
func NewZoneFetcher(store record.Store, journal ChangeJournal, metrics Metrics) *ZoneFetcher {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &ZoneFetcher{
		store:   store,
		journal: journal,
		metrics: metrics,
	}
}

// FetchAll pages zone's change feed until the store reports no more changes
// and returns the decoded folios. Pages are requested strictly one after the
// other; any page error fails the whole zone.
func (f *ZoneFetcher) FetchAll(ctx context.Context, zone record.Zone) (*ZoneResult, error) {
	tStart := time.Now()

	var res *ZoneResult
	var err error
	if f.journal != nil {
		res, err = f.fetchIncremental(ctx, zone)
	} else {
		res, err = f.fetchFull(ctx, zone)
	}
	tTotal := time.Since(tStart)

	if err != nil {
		f.metrics.RecordZoneFetch(zone.Scope, 0, 0, 0, tTotal, err)
		return nil, err
	}

	f.metrics.RecordZoneFetch(zone.Scope, res.Pages, len(res.Folios), res.Dropped, tTotal, nil)
	slog.Debug("zone fetched",
		"zone", zone,
		"pages", res.Pages,
		"folios", len(res.Folios),
		"dropped", res.Dropped,
		"tsTotal", tTotal,
	)
	return res, nil
}

func (f *ZoneFetcher) fetchFull(ctx context.Context, zone record.Zone) (*ZoneResult, error) {
	res := &ZoneResult{Zone: zone}
	acc := newZoneAccumulator()

	var token *record.ChangeToken
	for {
		page, err := f.fetchPage(ctx, zone, token)
		if err != nil {
			return nil, err
		}

		res.Pages++
		res.Dropped += acc.apply(page)

		next := page.Token
		token = &next
		if !page.MoreComing {
			break
		}
	}

	res.Folios = acc.folios()
	res.Token = *token
	return res, nil
}

func (f *ZoneFetcher) fetchIncremental(ctx context.Context, zone record.Zone) (*ZoneResult, error) {
	res := &ZoneResult{Zone: zone}

	token, err := f.journal.Token(zone)
	if err != nil {
		return nil, fmt.Errorf("read change token %s: %w", zone, err)
	}
	rescanned := false

	for {
		page, err := f.fetchPage(ctx, zone, token)
		if errors.Is(err, record.ErrChangeTokenExpired) && token != nil && !rescanned {
			slog.Warn("change token expired, rescanning zone", "zone", zone)
			if err := f.journal.Reset(zone); err != nil {
				return nil, fmt.Errorf("reset journal %s: %w", zone, err)
			}
			token = nil
			rescanned = true
			continue
		}
		if err != nil {
			return nil, err
		}

		res.Pages++
		upserts, deletes, dropped := splitPage(page)
		res.Dropped += dropped

		// the token is only persisted together with the page it came from
		if err := f.journal.Apply(zone, upserts, deletes, page.Token); err != nil {
			return nil, fmt.Errorf("apply changes %s: %w", zone, err)
		}

		next := page.Token
		token = &next
		if !page.MoreComing {
			break
		}
	}

	records, err := f.journal.Records(zone)
	if err != nil {
		return nil, fmt.Errorf("read journal %s: %w", zone, err)
	}

	res.Folios = make([]*folio.Folio, 0, len(records))
	for _, r := range records {
		if fo, ok := folio.FromRecord(r); ok {
			res.Folios = append(res.Folios, fo)
		}
	}
	res.Token = *token
	return res, nil
}

func (f *ZoneFetcher) fetchPage(ctx context.Context, zone record.Zone, token *record.ChangeToken) (*record.ChangePage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	page, err := f.store.FetchChanges(ctx, zone, token)
	if err != nil {
		return nil, fmt.Errorf("fetch changes %s: %w", zone, err)
	}

	// the request may have completed after cancellation; its result is discarded
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return page, nil
}

// splitPage separates a page into decodable records to keep and ids to drop.
// Records that no longer decode are dropped so a stale copy does not linger.
func splitPage(page *record.ChangePage) (upserts []*record.Record, deletes []record.RecordID, dropped int) {
	deletes = append(deletes, page.Deleted...)
	for _, r := range page.Records {
		if _, ok := folio.FromRecord(r); !ok {
			slog.Debug("skipping undecodable record", "id", r.ID, "kind", r.Kind)
			deletes = append(deletes, r.ID)
			dropped++
			continue
		}
		upserts = append(upserts, r)
	}
	return upserts, deletes, dropped
}

// zoneAccumulator merges successive pages of one zone. A later page's
// version of a record replaces the earlier one.
type zoneAccumulator struct {
	order []record.RecordID
	byID  map[record.RecordID]*folio.Folio
}

func newZoneAccumulator() *zoneAccumulator {
	return &zoneAccumulator{
		byID: make(map[record.RecordID]*folio.Folio),
	}
}

func (a *zoneAccumulator) apply(page *record.ChangePage) (dropped int) {
	for _, r := range page.Records {
		fo, ok := folio.FromRecord(r)
		if !ok {
			slog.Debug("skipping undecodable record", "id", r.ID, "kind", r.Kind)
			delete(a.byID, r.ID)
			dropped++
			continue
		}
		a.order = append(a.order, fo.ID)
		a.byID[fo.ID] = fo
	}
	for _, id := range page.Deleted {
		delete(a.byID, id)
	}
	return dropped
}

func (a *zoneAccumulator) folios() []*folio.Folio {
	out := make([]*folio.Folio, 0, len(a.byID))
	emitted := make(map[record.RecordID]struct{}, len(a.byID))
	for _, id := range a.order {
		fo, ok := a.byID[id]
		if !ok {
			continue
		}
		if _, done := emitted[id]; done {
			continue
		}
		emitted[id] = struct{}{}
		out = append(out, fo)
	}
	return out
}
