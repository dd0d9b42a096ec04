package rollup

import "errors"

var (
	// ErrStoreUnavailable means the summary store could not be reached.
	ErrStoreUnavailable = errors.New("summary store unavailable")

	// ErrSchemaCreate means the summary table could not be created or migrated.
	ErrSchemaCreate = errors.New("cannot create summary schema")

	// ErrLocked means another instance is the active summary writer.
	ErrLocked = errors.New("summary store locked by another writer")

	// ErrWrite means a derived record could not be persisted.
	ErrWrite = errors.New("writing summary record")

	// ErrNotFound means no record exists for the requested day.
	ErrNotFound = errors.New("no summary for day")

	// ErrSyncInProgress means a sync is already running.
	ErrSyncInProgress = errors.New("sync already in progress")
)
