// SPDX-License-Identifier: MIT

package render

import (
	"errors"
	"fmt"
)

// Error codes reported on clip tasks and jobs.
const (
	CodeRateLimited       = "rate-limited"
	CodeRemoteHTTP5xx     = "remote-http-5xx"
	CodeRemoteHTTP4xx     = "remote-http-4xx"
	CodeNetworkIO         = "network-io"
	CodeBadRequest        = "bad-request"
	CodeVerificationFail  = "verification-failed"
	CodeCancelled         = "cancelled"
	CodeLocalMissing      = "fallback-local-missing"
	CodePlaceholderFailed = "fallback-placeholder-failed"
	CodePrecondition      = "precondition-failed"
	CodeAssemblyFailed    = "assembly-failed"
)

// ErrLocalMissing signals that no local file exists for a source video.
var ErrLocalMissing = errors.New("render: local file missing")

// ClipError classifies a candidate-level failure. Permanent errors advance
// the fallback machine immediately; the rest are retried up to the
// configured per-candidate budget.
type ClipError struct {
	Code       string
	Permanent  bool
	StderrTail []string
	Err        error
}

func (e *ClipError) Error() string {
	return fmt.Sprintf("clip %s: %v", e.Code, e.Err)
}

func (e *ClipError) Unwrap() error {
	return e.Err
}

// newClipError wraps err under the given taxonomy code.
func newClipError(code string, permanent bool, err error) *ClipError {
	return &ClipError{Code: code, Permanent: permanent, Err: err}
}

// clipCode extracts the taxonomy code from an error, defaulting to
// network-io for untyped failures.
func clipCode(err error) string {
	var ce *ClipError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeNetworkIO
}
