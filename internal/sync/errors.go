package sync

import "errors"

var (
	// ErrInvalidRemoteShare means a folio's share back-reference does not
	// resolve to a share grant. The store and the local view disagree about
	// the relationship, which retrying will not fix.
	ErrInvalidRemoteShare = errors.New("sync: invalid remote share")

	// ErrInvalidFolio is returned for folios that cannot be saved or shared.
	ErrInvalidFolio = errors.New("sync: invalid folio")

	// ErrInitLocked is returned when another process holds the init lock.
	ErrInitLocked = errors.New("sync: initialization locked by another process")
)
