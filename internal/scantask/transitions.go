// Package scantask defines the state machine for queued scan tasks.
//
// Valid status graph:
//
//	PENDING ──► PROCESSING ──► COMPLETED
//	   ▲             │
//	   └─── retry ───┤
//	                 └────────► FAILED
//
// COMPLETED and FAILED are terminal states. PENDING → FAILED is reserved for
// the reaper, which fails tasks whose retry budget was overrun while queued.
package scantask

import (
	"github.com/cockroachdb/errors"

	"jobmate/scan-worker/internal/model"
)

// validTransitions lists every allowed (from → to) pair.
var validTransitions = map[model.ScanStatus][]model.ScanStatus{
	model.ScanPending:    {model.ScanProcessing, model.ScanFailed},
	model.ScanProcessing: {model.ScanCompleted, model.ScanPending, model.ScanFailed},
	// COMPLETED and FAILED are terminal — no outgoing transitions
}

// ParseStatus converts a raw string to a ScanStatus, returning an error for
// unknown values.
func ParseStatus(s string) (model.ScanStatus, error) {
	st := model.ScanStatus(s)
	switch st {
	case model.ScanPending, model.ScanProcessing, model.ScanCompleted, model.ScanFailed:
		return st, nil
	}
	return "", errors.Newf("unknown scan task status %q", s)
}

// IsTransitionAllowed returns true when moving from → to is permitted by the
// state machine.
func IsTransitionAllowed(from, to model.ScanStatus) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition may leave s.
func IsTerminal(s model.ScanStatus) bool {
	return s == model.ScanCompleted || s == model.ScanFailed
}

// RetryOutcome returns the status a PROCESSING task moves to after a
// recoverable failure, given its retry count before the failure. The count is
// incremented either way.
func RetryOutcome(retryCount, maxRetries int) model.ScanStatus {
	if retryCount < maxRetries {
		return model.ScanPending
	}
	return model.ScanFailed
}

// BudgetOverrun reports whether a queued task can no longer be retried. A
// task requeued with retryCount == maxRetries still gets its final attempt.
func BudgetOverrun(retryCount, maxRetries int) bool {
	return retryCount > maxRetries
}
