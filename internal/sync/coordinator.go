package sync

import (
	"context"
	"fmt"

	"github.com/openmined/foliosync/internal/folio"
	"github.com/openmined/foliosync/internal/record"
	"golang.org/x/sync/errgroup"
)

// Folios holds the result of a sync, split by scope. Order is not significant.
type Folios struct {
	Private []*folio.Folio
	Shared  []*folio.Folio
}

// Coordinator fans zone fetches out over the private and shared scopes.
type Coordinator struct {
	store       record.Store
	fetcher     *ZoneFetcher
	privateZone record.Zone
	zoneLimit   int
}

// NewCoordinator creates a coordinator syncing privateZone and every shared zone.
// A zoneLimit of 0 runs one fetch per zone with no bound.
func NewCoordinator(store record.Store, fetcher *ZoneFetcher, privateZone record.Zone, zoneLimit int) *Coordinator {
	return &Coordinator{
		store:       store,
		fetcher:     fetcher,
		privateZone: privateZone,
		zoneLimit:   zoneLimit,
	}
}

// SyncPrivateAndShared fetches the private zone and all shared zones
// concurrently. The first failure in either branch cancels the other and is
// returned; there is no partial result.
func (c *Coordinator) SyncPrivateAndShared(ctx context.Context) (*Folios, error) {
	var private, shared []*folio.Folio

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		folios, err := c.FetchZones(egCtx, []record.Zone{c.privateZone})
		if err != nil {
			return fmt.Errorf("private folios: %w", err)
		}
		private = folios
		return nil
	})

	eg.Go(func() error {
		folios, err := c.FetchShared(egCtx)
		if err != nil {
			return fmt.Errorf("shared folios: %w", err)
		}
		shared = folios
		return nil
	})

	if err := eg.Wait(); err != nil {
		return nil, err
	}

	return &Folios{Private: private, Shared: shared}, nil
}

// FetchShared lists the shared scope and fetches every zone in it. No
// zones is a valid outcome and issues no fetches.
func (c *Coordinator) FetchShared(ctx context.Context) ([]*folio.Folio, error) {
	zones, err := c.store.ListZones(ctx, record.ScopeShared)
	if err != nil {
		return nil, fmt.Errorf("list shared zones: %w", err)
	}
	if len(zones) == 0 {
		return []*folio.Folio{}, nil
	}

	// the listing may be owned by the store
	shared := make([]record.Zone, len(zones))
	for i, zone := range zones {
		zone.Scope = record.ScopeShared
		shared[i] = zone
	}
	return c.FetchZones(ctx, shared)
}

// FetchZones fetches zones concurrently, one task per zone, and merges the
// results in arrival order. The first failing zone cancels its siblings.
func (c *Coordinator) FetchZones(ctx context.Context, zones []record.Zone) ([]*folio.Folio, error) {
	if len(zones) == 0 {
		return []*folio.Folio{}, nil
	}

	eg, egCtx := errgroup.WithContext(ctx)
	if c.zoneLimit > 0 {
		eg.SetLimit(c.zoneLimit)
	}

	// buffered so finished fetches never wait on the merge
	results := make(chan *ZoneResult, len(zones))
	for _, zone := range zones {
		eg.Go(func() error {
			res, err := c.fetcher.FetchAll(egCtx, zone)
			if err != nil {
				return err
			}
			results <- res
			return nil
		})
	}

	err := eg.Wait()
	close(results)
	if err != nil {
		return nil, err
	}

	all := []*folio.Folio{}
	for res := range results {
		all = append(all, res.Folios...)
	}
	return all, nil
}
