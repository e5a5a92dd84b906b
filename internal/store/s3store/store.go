package s3store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/openmined/foliosync/internal/record"
)

const (
	DefaultPageSize  = 100
	DefaultCacheSize = 4096
)

var _ record.Store = (*Store)(nil)
var _ record.ParticipantAdder = (*Store)(nil)

// Config holds the bucket connection settings.
type Config struct {
	BucketName string
	Region     string
	AccessKey  string
	SecretKey  string
	Endpoint   string
}

// Store is an event sourced record store on an S3 bucket, acting for one
// principal. Every write is a single immutable changeset object; a zone's
// change feed is the lexical listing of its changeset keys.
type Store struct {
	client    s3API
	bucket    string
	principal string
	pageSize  int32
	cache     *lru.Cache[string, *changeset]

	muStamp   sync.Mutex
	lastStamp time.Time
}

type options struct {
	pageSize  int
	cacheSize int
}

type Option func(*options)

// WithPageSize caps the number of changesets returned per FetchChanges call.
func WithPageSize(n int) Option {
	return func(o *options) {
		o.pageSize = n
	}
}

// WithCacheSize sets how many decoded changesets are kept in memory.
func WithCacheSize(n int) Option {
	return func(o *options) {
		o.cacheSize = n
	}
}

func New(client s3API, bucket, principal string, opts ...Option) (*Store, error) {
	if bucket == "" {
		return nil, errors.New("s3store: bucket is required")
	}
	if principal == "" {
		return nil, errors.New("s3store: principal is required")
	}

	o := &options{pageSize: DefaultPageSize, cacheSize: DefaultCacheSize}
	for _, opt := range opts {
		opt(o)
	}
	if o.pageSize <= 0 || o.pageSize > 1000 {
		return nil, fmt.Errorf("s3store: invalid page size %d", o.pageSize)
	}

	cache, err := lru.New[string, *changeset](o.cacheSize)
	if err != nil {
		return nil, fmt.Errorf("s3store: %w", err)
	}

	return &Store{
		client:    client,
		bucket:    bucket,
		principal: principal,
		pageSize:  int32(o.pageSize),
		cache:     cache,
	}, nil
}

// NewFromConfig builds the S3 client from cfg. A custom endpoint switches to
// path style addressing for S3 compatible servers.
func NewFromConfig(ctx context.Context, cfg *Config, principal string, opts ...Option) (*Store, error) {
	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   50,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ForceAttemptHTTP2:     true,
		},
		Timeout: 30 * time.Second,
	}

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithHTTPClient(httpClient),
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3store: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return New(client, cfg.BucketName, principal, opts...)
}

func (s *Store) Principal() string {
	return s.principal
}

func (s *Store) resolve(zone record.Zone) (string, error) {
	if zone.Name == "" || strings.Contains(zone.Name, "/") {
		return "", fmt.Errorf("%w: invalid zone name %q", record.ErrInvalidRequest, zone.Name)
	}

	owner := zone.Owner
	if owner == "" {
		owner = s.principal
	}

	switch zone.Scope {
	case record.ScopePrivate:
		if owner != s.principal {
			return "", fmt.Errorf("%w: %s is not owned by %s", record.ErrAccessDenied, zone, s.principal)
		}
	case record.ScopeShared:
		if owner == s.principal {
			return "", fmt.Errorf("%w: own zone %s is not in the shared scope", record.ErrInvalidRequest, zone)
		}
	default:
		return "", fmt.Errorf("%w: unknown scope %q", record.ErrInvalidRequest, zone.Scope)
	}
	return owner, nil
}

func (s *Store) resolveWritable(zone record.Zone) (string, error) {
	owner, err := s.resolve(zone)
	if err != nil {
		return "", err
	}
	if zone.Scope != record.ScopePrivate {
		return "", fmt.Errorf("%w: %s is read only", record.ErrAccessDenied, zone)
	}
	return owner, nil
}

type zoneRef struct {
	owner string
	name  string
}

func (s *Store) ListZones(ctx context.Context, scope record.Scope) ([]record.Zone, error) {
	const op = "list zones"

	switch scope {
	case record.ScopePrivate:
		var zones []record.Zone
		err := s.list(ctx, zonesPrefix+s.principal+"/", "/", func(_ types.Object, prefix string) {
			if prefix != "" {
				zones = append(zones, record.Zone{Name: zoneNameFromPrefix(prefix), Scope: record.ScopePrivate})
			}
		})
		if err != nil {
			return nil, record.NewStoreError(op, err)
		}
		if zones == nil {
			zones = []record.Zone{}
		}
		return zones, nil

	case record.ScopeShared:
		refs := mapset.NewThreadUnsafeSet[zoneRef]()
		err := s.list(ctx, participantPrefix(s.principal), "", func(obj types.Object, _ string) {
			if owner, zone, _, ok := parseParticipantKey(aws.ToString(obj.Key)); ok {
				refs.Add(zoneRef{owner: owner, name: zone})
			}
		})
		if err != nil {
			return nil, record.NewStoreError(op, err)
		}

		zones := make([]record.Zone, 0, refs.Cardinality())
		for ref := range refs.Iter() {
			zones = append(zones, record.Zone{Name: ref.name, Owner: ref.owner, Scope: record.ScopeShared})
		}
		sort.Slice(zones, func(i, j int) bool {
			return zones[i].String() < zones[j].String()
		})
		return zones, nil

	default:
		return nil, record.NewStoreError(op, fmt.Errorf("%w: unknown scope %q", record.ErrInvalidRequest, scope))
	}
}

func (s *Store) SaveZone(ctx context.Context, zone record.Zone) error {
	const op = "save zone"

	owner, err := s.resolveWritable(zone)
	if err != nil {
		return record.NewStoreError(op, err)
	}
	if err := s.put(ctx, zoneMarkerKey(owner, zone.Name), nil); err != nil {
		return record.NewStoreError(op, err)
	}
	return nil
}

func (s *Store) FetchChanges(ctx context.Context, zone record.Zone, since *record.ChangeToken) (*record.ChangePage, error) {
	const op = "fetch changes"

	owner, err := s.resolve(zone)
	if err != nil {
		return nil, record.NewStoreError(op, err)
	}

	prefix := changesPrefix(owner, zone.Name)
	startAfter := ""
	if since != nil {
		startAfter = since.String()
	}

	if err := s.requireZone(ctx, owner, zone.Name); err != nil {
		return nil, record.NewStoreError(op, err)
	}
	if err := s.checkToken(ctx, prefix, startAfter); err != nil {
		return nil, record.NewStoreError(op, err)
	}

	var visible mapset.Set[string]
	if zone.Scope == record.ScopeShared {
		if visible, err = s.participantShares(ctx, owner, zone.Name); err != nil {
			return nil, record.NewStoreError(op, err)
		}
		if visible.IsEmpty() {
			return nil, record.NewStoreError(op, fmt.Errorf("%w: %s", record.ErrZoneNotFound, zone))
		}
	}

	input := &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(s.pageSize),
	}
	if startAfter != "" {
		input.StartAfter = aws.String(startAfter)
	}

	out, err := s.client.ListObjectsV2(ctx, input)
	if err != nil {
		return nil, record.NewStoreError(op, mapError(err))
	}

	page := &record.ChangePage{
		Token:      record.NewChangeToken(startAfter),
		MoreComing: aws.ToBool(out.IsTruncated),
	}
	for _, obj := range out.Contents {
		key := aws.ToString(obj.Key)
		cs, err := s.loadChangeset(ctx, key)
		if err != nil {
			return nil, record.NewStoreError(op, err)
		}

		for _, sr := range cs.Saved {
			if visible != nil && !visible.Contains(sr.exposedBy()) {
				continue
			}
			page.Records = append(page.Records, sr.toRecord(zone))
		}
		for _, d := range cs.Deleted {
			if visible != nil && !visible.Contains(d.Share) {
				continue
			}
			page.Deleted = append(page.Deleted, record.RecordID{Name: d.Name, Zone: zone})
		}
		page.Token = record.NewChangeToken(key)
	}

	return page, nil
}

func (s *Store) SaveRecords(ctx context.Context, records []*record.Record) ([]*record.Record, error) {
	const op = "save records"

	if len(records) == 0 {
		return []*record.Record{}, nil
	}

	owner, zone, err := s.batchZone(recordIDs(records))
	if err != nil {
		return nil, record.NewStoreError(op, err)
	}
	if err := s.requireZone(ctx, owner, zone); err != nil {
		return nil, record.NewStoreError(op, err)
	}

	state, err := s.replay(ctx, owner, zone)
	if err != nil {
		return nil, record.NewStoreError(op, err)
	}

	now := time.Now().UTC()
	cs := &changeset{Author: s.principal, At: now}
	saved := make([]*record.Record, 0, len(records))

	for _, r := range records {
		if r.Kind == "" {
			return nil, record.NewStoreError(op, fmt.Errorf("%w: record %s has no kind", record.ErrInvalidRequest, r.ID))
		}
		if r.Kind == record.KindShare && (r.Root == nil || r.Root.IsZero()) {
			return nil, record.NewStoreError(op, fmt.Errorf("%w: share %s has no root", record.ErrInvalidRequest, r.ID))
		}
		if err := checkRevision(state[r.ID.Name], r); err != nil {
			return nil, record.NewStoreError(op, err)
		}

		out := r.Clone()
		out.Revision = uuid.NewString()
		out.ModifiedAt = now

		sr := toStored(out)
		state[sr.Name] = sr
		cs.Saved = append(cs.Saved, sr)
		saved = append(saved, out)
	}

	if err := s.putChangeset(ctx, owner, zone, cs); err != nil {
		return nil, record.NewStoreError(op, err)
	}

	slog.Debug("s3store save", "principal", s.principal, "zone", zone, "records", len(saved))
	return saved, nil
}

func checkRevision(existing *storedRecord, r *record.Record) error {
	switch {
	case existing != nil && existing.Revision != r.Revision:
		return fmt.Errorf("%w: %s is at revision %s, not %q", record.ErrRecordChanged, r.ID, existing.Revision, r.Revision)
	case existing == nil && r.Revision != "":
		return fmt.Errorf("%w: %s no longer exists", record.ErrRecordChanged, r.ID)
	}
	return nil
}

// DeleteRecords deletes ids, and the shares of deleted roots, in one
// changeset. Unknown ids are ignored.
func (s *Store) DeleteRecords(ctx context.Context, ids []record.RecordID) error {
	const op = "delete records"

	if len(ids) == 0 {
		return nil
	}

	owner, zone, err := s.batchZone(ids)
	if err != nil {
		return record.NewStoreError(op, err)
	}

	state, err := s.replay(ctx, owner, zone)
	if err != nil {
		return record.NewStoreError(op, err)
	}

	cs := &changeset{Author: s.principal, At: time.Now().UTC()}
	deleted := mapset.NewThreadUnsafeSet[string]()
	remove := func(name string) {
		sr, ok := state[name]
		if !ok || deleted.Contains(name) {
			return
		}
		deleted.Add(name)
		cs.Deleted = append(cs.Deleted, deletion{Name: name, Share: sr.exposedBy()})
	}

	for _, id := range ids {
		remove(id.Name)
		if sr, ok := state[id.Name]; ok && sr.Share != "" {
			remove(sr.Share)
		}
	}

	if len(cs.Deleted) == 0 {
		return nil
	}
	if err := s.putChangeset(ctx, owner, zone, cs); err != nil {
		return record.NewStoreError(op, err)
	}
	return nil
}

func (s *Store) FetchRecord(ctx context.Context, id record.RecordID) (*record.Record, error) {
	const op = "fetch record"

	owner, err := s.resolve(id.Zone)
	if err != nil {
		return nil, record.NewStoreError(op, err)
	}

	state, err := s.replay(ctx, owner, id.Zone.Name)
	if err != nil {
		return nil, record.NewStoreError(op, err)
	}

	sr, ok := state[id.Name]
	if ok && id.Zone.Scope == record.ScopeShared {
		visible, err := s.participantShares(ctx, owner, id.Zone.Name)
		if err != nil {
			return nil, record.NewStoreError(op, err)
		}
		ok = visible.Contains(sr.exposedBy())
	}
	if !ok {
		return nil, record.NewStoreError(op, fmt.Errorf("%w: %s", record.ErrNotFound, id))
	}
	return sr.toRecord(id.Zone), nil
}

// AddParticipant invites principal to shareID. The share and its root are
// written again so they reach feeds the participant has already consumed.
func (s *Store) AddParticipant(ctx context.Context, shareID record.RecordID, principal string) error {
	const op = "add participant"

	if principal == "" || principal == s.principal || strings.Contains(principal, "/") {
		return record.NewStoreError(op, fmt.Errorf("%w: invalid participant %q", record.ErrInvalidRequest, principal))
	}

	owner, err := s.resolveWritable(shareID.Zone)
	if err != nil {
		return record.NewStoreError(op, err)
	}
	zone := shareID.Zone.Name

	state, err := s.replay(ctx, owner, zone)
	if err != nil {
		return record.NewStoreError(op, err)
	}
	share, ok := state[shareID.Name]
	if !ok || share.Kind != record.KindShare {
		return record.NewStoreError(op, fmt.Errorf("%w: share %s", record.ErrNotFound, shareID))
	}

	if err := s.put(ctx, participantKey(principal, owner, zone, share.Name), nil); err != nil {
		return record.NewStoreError(op, err)
	}

	cs := &changeset{Author: s.principal, At: time.Now().UTC(), Saved: []*storedRecord{share}}
	if root, ok := state[share.Root]; ok {
		cs.Saved = append(cs.Saved, root)
	}
	if err := s.putChangeset(ctx, owner, zone, cs); err != nil {
		return record.NewStoreError(op, err)
	}

	slog.Debug("s3store participant added", "owner", owner, "zone", zone, "share", share.Name, "principal", principal)
	return nil
}

// batchZone returns the single zone all ids belong to.
func (s *Store) batchZone(ids []record.RecordID) (owner, zone string, err error) {
	for i, id := range ids {
		if id.IsZero() {
			return "", "", fmt.Errorf("%w: record without id", record.ErrInvalidRequest)
		}
		o, err := s.resolveWritable(id.Zone)
		if err != nil {
			return "", "", err
		}
		if i == 0 {
			owner, zone = o, id.Zone.Name
			continue
		}
		if o != owner || id.Zone.Name != zone {
			return "", "", fmt.Errorf("%w: a batch must stay within one zone", record.ErrInvalidRequest)
		}
	}
	return owner, zone, nil
}

func recordIDs(records []*record.Record) []record.RecordID {
	ids := make([]record.RecordID, 0, len(records))
	for _, r := range records {
		if r == nil {
			ids = append(ids, record.RecordID{})
			continue
		}
		ids = append(ids, r.ID)
	}
	return ids
}

// replay folds every changeset of the zone into its current records.
func (s *Store) replay(ctx context.Context, owner, zone string) (map[string]*storedRecord, error) {
	state := make(map[string]*storedRecord)

	var keys []string
	err := s.list(ctx, changesPrefix(owner, zone), "", func(obj types.Object, _ string) {
		keys = append(keys, aws.ToString(obj.Key))
	})
	if err != nil {
		return nil, err
	}

	for _, key := range keys {
		cs, err := s.loadChangeset(ctx, key)
		if err != nil {
			return nil, err
		}
		for _, sr := range cs.Saved {
			state[sr.Name] = sr
		}
		for _, d := range cs.Deleted {
			delete(state, d.Name)
		}
	}
	return state, nil
}

func (s *Store) requireZone(ctx context.Context, owner, zone string) error {
	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(zoneMarkerKey(owner, zone)),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return mapError(err)
	}
	if len(out.Contents) == 0 {
		return fmt.Errorf("%w: %s/%s", record.ErrZoneNotFound, owner, zone)
	}
	return nil
}

// participantShares returns the shares of owner's zone this principal participates in.
func (s *Store) participantShares(ctx context.Context, owner, zone string) (mapset.Set[string], error) {
	shares := mapset.NewThreadUnsafeSet[string]()
	err := s.list(ctx, participantZonePrefix(s.principal, owner, zone), "", func(obj types.Object, _ string) {
		if _, _, share, ok := parseParticipantKey(aws.ToString(obj.Key)); ok {
			shares.Add(share)
		}
	})
	return shares, err
}

// list walks every object (or common prefix, with a delimiter) under prefix.
func (s *Store) list(ctx context.Context, prefix, delimiter string, fn func(obj types.Object, commonPrefix string)) error {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	}
	if delimiter != "" {
		input.Delimiter = aws.String(delimiter)
	}

	paginator := s3.NewListObjectsV2Paginator(s.client, input)
	for paginator.HasMorePages() {
		out, err := paginator.NextPage(ctx)
		if err != nil {
			return mapError(err)
		}
		for _, obj := range out.Contents {
			fn(obj, "")
		}
		for _, cp := range out.CommonPrefixes {
			fn(types.Object{}, aws.ToString(cp.Prefix))
		}
	}
	return nil
}

// checkToken accepts only tokens naming a changeset of this zone in this
// bucket, so a token minted elsewhere makes the caller rescan.
func (s *Store) checkToken(ctx context.Context, prefix, key string) error {
	if key == "" {
		return nil
	}
	if !strings.HasPrefix(key, prefix) {
		return fmt.Errorf("%w: change token %q is not from %s", record.ErrChangeTokenExpired, key, prefix)
	}
	if _, err := s.loadChangeset(ctx, key); err != nil {
		if errors.Is(err, record.ErrNotFound) {
			return fmt.Errorf("%w: change token %q names no changeset", record.ErrChangeTokenExpired, key)
		}
		return err
	}
	return nil
}

func (s *Store) loadChangeset(ctx context.Context, key string) (*changeset, error) {
	if cs, ok := s.cache.Get(key); ok {
		return cs, nil
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, mapError(err))
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}

	var cs changeset
	if err := record.Decode(data, &cs); err != nil {
		return nil, fmt.Errorf("changeset %s: %w", key, err)
	}

	s.cache.Add(key, &cs)
	return &cs, nil
}

func (s *Store) putChangeset(ctx context.Context, owner, zone string, cs *changeset) error {
	data, err := record.Encode(cs)
	if err != nil {
		return err
	}

	key := changeKey(owner, zone, s.stamp(), uuid.NewString())
	if err := s.put(ctx, key, data); err != nil {
		return err
	}
	s.cache.Add(key, cs)
	return nil
}

func (s *Store) put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, mapError(err))
	}
	return nil
}

// stamp returns a commit time strictly after any earlier one from this client.
func (s *Store) stamp() time.Time {
	s.muStamp.Lock()
	defer s.muStamp.Unlock()

	now := time.Now().UTC()
	if !now.After(s.lastStamp) {
		now = s.lastStamp.Add(time.Nanosecond)
	}
	s.lastStamp = now
	return now
}

func mapError(err error) error {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return fmt.Errorf("%w: %w", record.ErrNotFound, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return fmt.Errorf("%w: %w", record.ErrNotFound, err)
		case "AccessDenied", "Forbidden":
			return fmt.Errorf("%w: %w", record.ErrAccessDenied, err)
		}
	}
	return err
}
