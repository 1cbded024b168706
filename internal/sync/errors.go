package sync

import "errors"

var (
	// ErrAuth means no usable remote client could be built for the user.
	ErrAuth = errors.New("mailbox authorization failed")
	// ErrStaleCursor means the provider no longer accepts the stored position.
	ErrStaleCursor = errors.New("change-log cursor is stale")
	// ErrRateLimited means the provider asked us to slow down.
	ErrRateLimited = errors.New("rate limited by provider")
	ErrNotFound    = errors.New("not found")
	// ErrStore wraps local store failures surfaced by the ingestion pipeline.
	ErrStore = errors.New("local store failure")
	// ErrSyncInProgress is returned by Manager.Trigger when the user already has a running sync.
	ErrSyncInProgress = errors.New("sync already in progress")
)
