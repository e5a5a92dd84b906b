package sync

import (
	"time"

	"github.com/openmined/foliosync/internal/record"
)

// Metrics receives sync engine measurements.
type Metrics interface {
	// RecordZoneFetch is called once per zone fetch, successful or not.
	RecordZoneFetch(scope record.Scope, pages, records, dropped int, duration time.Duration, err error)

	// RecordStateTransition is called on every state machine transition.
	RecordStateTransition(from, to StateKind)

	// RecordShareRequest is called once per FetchOrCreateShare.
	RecordShareRequest(created bool, err error)
}

type nopMetrics struct{}

func (nopMetrics) RecordZoneFetch(record.Scope, int, int, int, time.Duration, error) {}
func (nopMetrics) RecordStateTransition(StateKind, StateKind)                       {}
func (nopMetrics) RecordShareRequest(bool, error)                                   {}
