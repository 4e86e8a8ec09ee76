package collab

import "errors"

// Error taxonomy for the submit pipeline. All of these are local to a single
// operation/document; no error here affects another document's session.
var (
	// ErrInvalidOperation: indices out of bounds even after transformation.
	// The client should resync rather than retry.
	ErrInvalidOperation = errors.New("INVALID_OPERATION")

	// ErrPermissionDenied: the submitting user has no write permission.
	ErrPermissionDenied = errors.New("PERMISSION_DENIED")

	// ErrLockConflict: the document is locked by a different user.
	ErrLockConflict = errors.New("LOCK_CONFLICT")

	// ErrStaleBase: the operation's base version precedes the pruned history
	// window, so it cannot be transformed safely. The client must resync.
	ErrStaleBase = errors.New("STALE_BASE")

	// ErrDocumentNotFound: unknown document ID.
	ErrDocumentNotFound = errors.New("DOCUMENT_NOT_FOUND")

	// ErrDuplicateOperation: the operation ID was already applied; the
	// original applied result is returned alongside.
	ErrDuplicateOperation = errors.New("DUPLICATE_OPERATION")
)
