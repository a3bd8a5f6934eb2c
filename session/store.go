package session

import "context"

// Store defines the persistence interface for session records.
// Implementations must handle concurrent access safely. All writes are
// idempotent by key: upserts are keyed by session ID and deletes by user ID,
// so duplicate or reordered writes from overlapping operations cannot
// corrupt state.
type Store interface {
	// FindBySessionID returns ErrNotFound when no record holds the token.
	FindBySessionID(ctx context.Context, sessionID string) (*Session, error)
	// FindByUsername returns ErrNotFound when no active record holds the name.
	FindByUsername(ctx context.Context, username string) (*Session, error)
	// Upsert inserts or replaces the record keyed by s.ID.
	Upsert(ctx context.Context, s *Session) error
	// DeleteByUserID removes all records for the user and returns the count.
	DeleteByUserID(ctx context.Context, userID string) (int64, error)
}
