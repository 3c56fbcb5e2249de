package dbclient

import "github.com/asyncdb/client-go/result"

// Sentinel errors for the terminal outcomes a Call or CallAsync may
// resolve to, re-exported at the package root so callers never need to
// import package result directly just to compare errors.
var (
	ErrRequestLimitExceeded = result.ErrRequestLimitExceeded
	ErrNotSent              = result.ErrNotSent
	ErrRequestTimeout       = result.ErrRequestTimeout
	ErrResponseTimeout      = result.ErrResponseTimeout
	ErrConnectionLost       = result.ErrConnectionLost
	ErrInterrupted          = result.ErrInterrupted
	ErrNoConnections        = result.ErrNoConnections
)

// ProcedureCallError wraps a non-SUCCESS Response returned by Call.
type ProcedureCallError = result.ProcedureCallError

// Response is the result of a stored-procedure call.
type Response = result.Response

// Status classifies a completed Response.
type Status = result.Status

// The full set of response-status values a Response may carry.
const (
	StatusSuccess           = result.StatusSuccess
	StatusUserAbort         = result.StatusUserAbort
	StatusGracefulFailure   = result.StatusGracefulFailure
	StatusUnexpectedFailure = result.StatusUnexpectedFailure
	StatusConnectionLost    = result.StatusConnectionLost
	StatusConnectionTimeout = result.StatusConnectionTimeout
	StatusResponseUnknown   = result.StatusResponseUnknown
)
