package script

import (
	"context"
	"errors"
	"fmt"
	"time"

	"scriptroom/internal/identity"
)

// Error taxonomy for store and intent handling. Validation and conflict
// failures are scoped to the caller and never broadcast.
var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrDocumentExists   = errors.New("document already exists")
	ErrBlockNotFound    = errors.New("block not found")
	ErrBlockExists      = errors.New("block already exists")
	ErrForbidden        = errors.New("no edit permission on document")
	ErrUnknownBlockType = errors.New("unknown block type")
	ErrInvalidIntent    = errors.New("invalid intent")
	ErrTypeMismatch     = errors.New("param update type does not match block type")
	ErrNotHolder        = errors.New("block locked by another user")
)

// LockConflictError is returned by TryLockBlock when the block is already
// held. It carries the current holder so rejections can tell the caller who
// to wait for.
type LockConflictError struct {
	Holder identity.Identity
}

func (e *LockConflictError) Error() string {
	return fmt.Sprintf("block locked by %s", e.Holder.UserID)
}

// Store is the durable document collaborator the sync core mutates through.
// Every method is a single atomic operation against one document; the
// conditional lock updates (TryLockBlock, UnlockBlock, UpdateBlockParams)
// are the serialization point for the lock protocol, so coordinators can be
// replicated without in-process locking being correctness-critical.
type Store interface {
	// Document loads the full document with blocks in document order.
	Document(ctx context.Context, docID string) (*Document, error)

	// CanEdit reports whether userID is the document's creator or a
	// listed editor.
	CanEdit(ctx context.Context, docID, userID string) (bool, error)

	// CreateDocument persists a new document with its initial blocks.
	CreateDocument(ctx context.Context, doc *Document) error

	// InsertBlock appends the given block to the document. The caller
	// assigns ID and Position. Fails with ErrBlockExists on id reuse so
	// redelivered intents stay idempotent.
	InsertBlock(ctx context.Context, docID string, b Block) error

	// UpdateBlockParams atomically merges patch into the block's params,
	// provided editorID currently holds the block's lock and the patch
	// type matches the block type. Returns the merged block.
	UpdateBlockParams(ctx context.Context, docID, blockID, editorID string, patch ParamPatch) (Block, error)

	// MoveBlock sets the block's position.
	MoveBlock(ctx context.Context, docID, blockID string, position float64) error

	// DeleteBlock removes the block. A block locked by someone other
	// than editorID cannot be deleted and fails with ErrNotHolder.
	DeleteBlock(ctx context.Context, docID, blockID, editorID string) error

	// TryLockBlock acquires the block's exclusive lock for id iff it is
	// currently unheld. Returns *LockConflictError when already held.
	TryLockBlock(ctx context.Context, docID, blockID string, id identity.Identity, at time.Time) error

	// UnlockBlock releases the block's lock iff userID holds it.
	// released reports whether a lock was actually cleared; an already
	// unlocked block is a nil-error no-op with released=false, and a
	// lock held by someone else fails with ErrNotHolder.
	UnlockBlock(ctx context.Context, docID, blockID, userID string) (released bool, err error)
}
