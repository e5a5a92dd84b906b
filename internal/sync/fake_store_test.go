package sync

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/openmined/foliosync/internal/folio"
	"github.com/openmined/foliosync/internal/record"
)

var (
	privateZone = record.Zone{Name: DefaultZoneName, Scope: record.ScopePrivate}
)

func sharedZone(owner string) record.Zone {
	return record.Zone{Name: DefaultZoneName, Owner: owner, Scope: record.ScopeShared}
}

type fetchCall struct {
	zone  record.Zone
	since string // "" for a nil token
}

// fakeStore serves scripted change pages. Page i of a zone carries token
// strconv.Itoa(i+1), so the token sent back selects the next page.
type fakeStore struct {
	mu sync.Mutex

	zones   map[record.Scope][]record.Zone
	listErr error
	pages   map[record.Zone][]*record.ChangePage

	// fetchHook runs before a page is served; a non-nil error fails the fetch
	fetchHook func(ctx context.Context, zone record.Zone, since *record.ChangeToken) error

	fetchCalls []fetchCall
	listCalls  []record.Scope

	saveZoneErr error
	savedZones  []record.Zone
	saveErr     error
	saveHook    func()
	saveCalls   [][]*record.Record
	records     map[record.RecordID]*record.Record
	deleted     []record.RecordID
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		zones: make(map[record.Scope][]record.Zone),
		pages: make(map[record.Zone][]*record.ChangePage),
	}
}

// script sets zone's feed to one page per batch of records.
func (s *fakeStore) script(zone record.Zone, batches ...[]*record.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pages := make([]*record.ChangePage, 0, len(batches))
	for i, batch := range batches {
		pages = append(pages, &record.ChangePage{
			Records:    batch,
			Token:      record.NewChangeToken(strconv.Itoa(i + 1)),
			MoreComing: i < len(batches)-1,
		})
	}
	s.pages[zone] = pages
}

func (s *fakeStore) ListZones(_ context.Context, scope record.Scope) ([]record.Zone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls = append(s.listCalls, scope)
	if s.listErr != nil {
		return nil, s.listErr
	}
	return append([]record.Zone(nil), s.zones[scope]...), nil
}

func (s *fakeStore) SaveZone(_ context.Context, zone record.Zone) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveZoneErr != nil {
		return s.saveZoneErr
	}
	s.savedZones = append(s.savedZones, zone)
	return nil
}

func (s *fakeStore) FetchChanges(ctx context.Context, zone record.Zone, since *record.ChangeToken) (*record.ChangePage, error) {
	s.mu.Lock()
	call := fetchCall{zone: zone}
	if since != nil {
		call.since = since.String()
	}
	s.fetchCalls = append(s.fetchCalls, call)
	hook := s.fetchHook
	pages := s.pages[zone]
	s.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, zone, since); err != nil {
			return nil, err
		}
	}

	idx := 0
	if since != nil {
		n, err := strconv.Atoi(since.String())
		if err != nil {
			return nil, fmt.Errorf("bad token %q", since.String())
		}
		idx = n
	}
	if len(pages) == 0 && idx == 0 {
		return &record.ChangePage{Token: record.NewChangeToken("0")}, nil
	}
	if idx >= len(pages) {
		return nil, fmt.Errorf("no page after token %d for %s", idx, zone)
	}
	return pages[idx], nil
}

func (s *fakeStore) SaveRecords(_ context.Context, records []*record.Record) ([]*record.Record, error) {
	s.mu.Lock()
	hook := s.saveHook
	s.mu.Unlock()
	if hook != nil {
		hook()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveCalls = append(s.saveCalls, records)
	if s.saveErr != nil {
		return nil, s.saveErr
	}
	out := make([]*record.Record, 0, len(records))
	for _, r := range records {
		c := r.Clone()
		c.Revision = "rev-" + strconv.Itoa(len(s.saveCalls))
		out = append(out, c)
		if s.records == nil {
			s.records = make(map[record.RecordID]*record.Record)
		}
		s.records[c.ID] = c.Clone()
	}
	return out, nil
}

func (s *fakeStore) DeleteRecords(_ context.Context, ids []record.RecordID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, ids...)
	return nil
}

func (s *fakeStore) FetchRecord(_ context.Context, id record.RecordID) (*record.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[id]; ok {
		return r.Clone(), nil
	}
	return nil, record.NewStoreError("fetch record", fmt.Errorf("%s: %w", id, record.ErrNotFound))
}

func (s *fakeStore) calls() []fetchCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]fetchCall(nil), s.fetchCalls...)
}

func (s *fakeStore) callsFor(zone record.Zone) []fetchCall {
	var out []fetchCall
	for _, c := range s.calls() {
		if c.zone == zone {
			out = append(out, c)
		}
	}
	return out
}

func folioRecord(zone record.Zone, title string) *record.Record {
	return folio.NewRecord(zone, title, title+" description")
}

func titles(folios []*folio.Folio) []string {
	out := make([]string, 0, len(folios))
	for _, f := range folios {
		out = append(out, f.Title)
	}
	return out
}
