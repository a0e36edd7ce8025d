package domain

import "context"

// CredentialStore persists OAuth credentials keyed by owner.
type CredentialStore interface {
	// GetCredential returns nil, nil when the owner has no credential.
	GetCredential(ctx context.Context, ownerID string) (*OAuthCredential, error)
	PutCredential(ctx context.Context, cred OAuthCredential) error
}

// LedgerTx is the set of reads and writes available inside one ledger transaction.
// All reads must be issued before the first write.
type LedgerTx interface {
	FindByExternalSource(ctx context.Context, userID, externalSourceID string) (*Activity, error)
	GetAggregate(ctx context.Context, ownerID string) (*UserAggregate, error)
	InsertActivity(ctx context.Context, activity Activity) error
	PutAggregate(ctx context.Context, aggregate UserAggregate) error
}

// LedgerStore runs fn atomically. Implementations return an error wrapping
// ErrTxConflict when the transaction lost a race with a concurrent writer;
// errors returned by fn are passed through unchanged otherwise.
type LedgerStore interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx LedgerTx) error) error
}

// ActivityQuery serves the read side: newest first, ties broken by descending id.
type ActivityQuery interface {
	ListByEvent(ctx context.Context, eventID string, cursor *Cursor, limit int) ([]Activity, error)
	ListByUser(ctx context.Context, userID string, cursor *Cursor, limit int) ([]Activity, error)
	GetAggregate(ctx context.Context, ownerID string) (*UserAggregate, error)
}
