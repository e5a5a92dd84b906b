package record

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("record: not found")
	ErrZoneNotFound       = errors.New("record: zone not found")
	ErrRecordChanged      = errors.New("record: server record changed")
	ErrChangeTokenExpired = errors.New("record: change token expired")
	ErrAccessDenied       = errors.New("record: access denied")
	ErrInvalidRequest     = errors.New("record: invalid request")
)

const (
	CodeNotFound           = "E_NOT_FOUND"
	CodeZoneNotFound       = "E_ZONE_NOT_FOUND"
	CodeRecordChanged      = "E_RECORD_CHANGED"
	CodeChangeTokenExpired = "E_CHANGE_TOKEN_EXPIRED"
	CodeAccessDenied       = "E_ACCESS_DENIED"
	CodeInvalidRequest     = "E_INVALID_REQUEST"
	CodeInternal           = "E_INTERNAL"
)

var codeSentinels = map[string]error{
	CodeNotFound:           ErrNotFound,
	CodeZoneNotFound:       ErrZoneNotFound,
	CodeRecordChanged:      ErrRecordChanged,
	CodeChangeTokenExpired: ErrChangeTokenExpired,
	CodeAccessDenied:       ErrAccessDenied,
	CodeInvalidRequest:     ErrInvalidRequest,
}

// StoreError is a transport or remote failure reported by a store.
type StoreError struct {
	Op   string
	Code string
	Err  error
}

// NewStoreError wraps err as a failure of op. The code is derived from err
// when it matches one of the package sentinels.
func NewStoreError(op string, err error) *StoreError {
	code := CodeInternal
	for c, sentinel := range codeSentinels {
		if errors.Is(err, sentinel) {
			code = c
			break
		}
	}
	return &StoreError{Op: op, Code: code, Err: err}
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store error: %s %s: %v", e.Op, e.Code, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for e's code, so errors.Is works even when Err
// carries a backend specific error.
func (e *StoreError) Is(target error) bool {
	sentinel, ok := codeSentinels[e.Code]
	return ok && sentinel == target
}

// IsStoreError reports whether err carries a StoreError.
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}
