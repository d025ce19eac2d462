// Package automation talks to whatever performs the actual page extraction.
//
// The pipeline only sees Backend.Execute. Two strategies sit behind it: a
// remote task service reached by submit-and-poll over HTTP, and a direct
// client for job-board JSON APIs. Mux routes each template to its strategy.
package automation

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
)

// FailureKind classifies why an Execute call did not produce a result.
type FailureKind string

const (
	// KindConnection means the backend could not be reached.
	KindConnection FailureKind = "CONNECTION"
	// KindRemoteFailed means the backend ran the job and reported failure.
	KindRemoteFailed FailureKind = "REMOTE_FAILED"
	// KindTimeout means the hard per-call deadline elapsed.
	KindTimeout FailureKind = "TIMEOUT"
	// KindRejected means the backend refused the request outright; resending
	// the same template and URL cannot succeed.
	KindRejected FailureKind = "REJECTED"
)

// Failure is the error type returned by every Backend.
type Failure struct {
	Kind   FailureKind
	Reason string
	Err    error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("automation %s: %s: %v", f.Kind, f.Reason, f.Err)
	}
	return fmt.Sprintf("automation %s: %s", f.Kind, f.Reason)
}

func (f *Failure) Unwrap() error { return f.Err }

// Recoverable reports whether a later attempt could succeed.
func (f *Failure) Recoverable() bool { return f.Kind != KindRejected }

func fail(kind FailureKind, err error, format string, args ...any) *Failure {
	return &Failure{Kind: kind, Reason: fmt.Sprintf(format, args...), Err: err}
}

// AsFailure extracts the *Failure from err's chain.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// Result is the raw extraction payload. Listing templates yield
// {"jobs": [...]}; detail templates yield a flat field map.
type Result struct {
	RemoteID string
	Data     map[string]any
}

// Backend executes one template against one page.
type Backend interface {
	Execute(ctx context.Context, tpl Template, targetURL string) (*Result, error)
}
