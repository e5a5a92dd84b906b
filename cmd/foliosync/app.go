package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openmined/foliosync/internal/config"
	"github.com/openmined/foliosync/internal/folio"
	"github.com/openmined/foliosync/internal/initstate"
	"github.com/openmined/foliosync/internal/journal"
	"github.com/openmined/foliosync/internal/metrics"
	"github.com/openmined/foliosync/internal/record"
	"github.com/openmined/foliosync/internal/store/s3store"
	"github.com/openmined/foliosync/internal/store/sqlstore"
	foliosync "github.com/openmined/foliosync/internal/sync"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var (
	errFolioNotFound    = errors.New("folio not found")
	errFolioAmbiguous   = errors.New("more than one folio has that title")
	errPurgeUnsupported = errors.New("the configured store keeps no tombstones to purge")
)

// tombstonePurger is implemented by stores that keep deletions as tombstones.
type tombstonePurger interface {
	PurgeTombstones(ctx context.Context, zone record.Zone) (int64, error)
}

// app is one engine wired to the configured store.
type app struct {
	cfg     *config.Config
	store   record.Store
	engine  *foliosync.Engine
	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config, reg prometheus.Registerer) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	switch cfg.Backend {
	case config.BackendSQLite:
		s, err := sqlstore.Open(cfg.DatabasePath, cfg.Principal, sqlstore.WithPageSize(cfg.PageSize))
		if err != nil {
			return nil, err
		}
		a.store = s
		a.closers = append(a.closers, s.Close)
	case config.BackendS3:
		storeOpts := []s3store.Option{s3store.WithPageSize(cfg.PageSize)}
		if cfg.S3.CacheSize > 0 {
			storeOpts = append(storeOpts, s3store.WithCacheSize(cfg.S3.CacheSize))
		}
		s, err := s3store.NewFromConfig(ctx, &s3store.Config{
			BucketName: cfg.S3.Bucket,
			Region:     cfg.S3.Region,
			AccessKey:  cfg.S3.AccessKey,
			SecretKey:  cfg.S3.SecretKey,
			Endpoint:   cfg.S3.Endpoint,
		}, cfg.Principal, storeOpts...)
		if err != nil {
			return nil, err
		}
		a.store = s
	default:
		return nil, fmt.Errorf("%w %q", config.ErrUnknownBackend, cfg.Backend)
	}

	initState, err := initstate.New(cfg.StateDir())
	if err != nil {
		return nil, err
	}

	opts := []foliosync.Option{
		foliosync.WithZoneName(cfg.ZoneName),
		foliosync.WithZoneConcurrency(cfg.ZoneConcurrency),
	}
	if cfg.Journal {
		j := journal.NewZoneJournal(cfg.JournalPath())
		if err := j.Open(); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, j.Close)
		opts = append(opts, foliosync.WithJournal(j))
	}
	if reg != nil {
		opts = append(opts, foliosync.WithMetrics(metrics.NewPrometheus(reg, "foliosync")))
	}

	a.engine, err = foliosync.NewEngine(a.store, initState, opts...)
	if err != nil {
		return nil, err
	}
	if err := a.engine.Initialize(ctx); err != nil {
		return nil, err
	}

	return a, nil
}

// refresh syncs both scopes and returns the loaded view.
func (a *app) refresh(ctx context.Context) (foliosync.LoadedState, error) {
	if err := a.engine.Refresh(ctx); err != nil {
		return foliosync.LoadedState{}, err
	}
	loaded, ok := a.engine.State().(foliosync.LoadedState)
	if !ok {
		return foliosync.LoadedState{}, fmt.Errorf("unexpected sync state %s", a.engine.State().Kind())
	}
	return loaded, nil
}

// findPrivate looks a private folio up by title, ignoring case.
func (a *app) findPrivate(ctx context.Context, title string) (*folio.Folio, error) {
	loaded, err := a.refresh(ctx)
	if err != nil {
		return nil, err
	}

	var found *folio.Folio
	for _, f := range loaded.Private {
		if !strings.EqualFold(f.Title, title) {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("%w: %q", errFolioAmbiguous, title)
		}
		found = f
	}
	if found == nil {
		return nil, fmt.Errorf("%w: %q", errFolioNotFound, title)
	}
	return found, nil
}

// purge drops the private zone's tombstones. Journals holding older tokens
// rescan the zone on their next refresh.
func (a *app) purge(ctx context.Context) (int64, error) {
	purger, ok := a.store.(tombstonePurger)
	if !ok {
		return 0, fmt.Errorf("%w: %s", errPurgeUnsupported, a.cfg.Backend)
	}
	return purger.PurgeTombstones(ctx, a.engine.Zone())
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// runWithApp builds the app for a command and closes it afterwards.
func (c *cli) runWithApp(cmd *cobra.Command, reg prometheus.Registerer, fn func(ctx context.Context, a *app) error) error {
	cfg, err := c.config()
	if err != nil {
		return err
	}

	a, err := newApp(cmd.Context(), cfg, reg)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(cmd.Context(), a)
}
