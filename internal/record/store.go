package record

import "context"

// Store is the record store client the sync core depends on.
// Implementations must be safe for concurrent use.
type Store interface {
	// ListZones returns the zones visible in scope. An empty result is not an error.
	ListZones(ctx context.Context, scope Scope) ([]Zone, error)

	// SaveZone creates zone if it does not exist yet.
	SaveZone(ctx context.Context, zone Zone) error

	// FetchChanges returns the next page of zone's change feed after since.
	// A nil since starts from the beginning of the feed.
	FetchChanges(ctx context.Context, zone Zone, since *ChangeToken) (*ChangePage, error)

	// SaveRecords saves all records as one atomic unit and returns the stored copies.
	SaveRecords(ctx context.Context, records []*Record) ([]*Record, error)

	// DeleteRecords deletes the records identified by ids.
	DeleteRecords(ctx context.Context, ids []RecordID) error

	// FetchRecord returns a single record or an error matching ErrNotFound.
	FetchRecord(ctx context.Context, id RecordID) (*Record, error)
}

// ParticipantAdder is implemented by stores that can invite a principal to a share.
type ParticipantAdder interface {
	AddParticipant(ctx context.Context, shareID RecordID, principal string) error
}
