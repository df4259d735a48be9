// Package faults defines the error taxonomy shared between the reconciliation
// engine, the provider gateways, and the HTTP layer.
//
// All errors are sentinel values intended to be wrapped with context via
// fmt.Errorf("...: %w", err) and matched with errors.Is. The webhook path logs
// and acknowledges every one of them; the API path maps them to HTTP statuses.
package faults

import "errors"

var (
	// ErrMalformedNotification indicates a push payload that could not be
	// decoded or is missing required fields. Such payloads are dropped, never
	// retried: Pub/Sub delivers at least once and will happily replay garbage.
	ErrMalformedNotification = errors.New("malformed notification")

	// ErrUnknownAccount indicates the notification's email address does not
	// map to any local user.
	ErrUnknownAccount = errors.New("unknown account")

	// ErrDrainTimeout indicates a stale run could not be confirmed terminal
	// within the drain budget. The pass aborts: proceeding would risk two runs
	// mutating the thread concurrently.
	ErrDrainTimeout = errors.New("drain timeout")

	// ErrThreadResetFailed indicates deleting existing thread messages failed
	// for a reason other than the message already being gone.
	ErrThreadResetFailed = errors.New("thread reset failed")

	// ErrRunTimeout indicates the freshly started run did not reach a terminal
	// status within the run budget.
	ErrRunTimeout = errors.New("run timeout")

	// ErrPollTimeout is raised by the await-terminal polling primitive when
	// its deadline elapses before the run turns terminal.
	ErrPollTimeout = errors.New("poll timeout")

	// ErrExternalService wraps transport or provider failures from the
	// mailbox and assistant gateways.
	ErrExternalService = errors.New("external service error")

	// ErrNotAuthorized indicates an ownership check failed on a conversation
	// mutation.
	ErrNotAuthorized = errors.New("not authorized")
)
