package ident

import (
	"context"
	"encoding/hex"

	"golang.org/x/crypto/bcrypt"
)

// Hasher derives a stable pseudonymous user ID from a display name. It is
// called exactly once per identity, at first handshake; resumed sessions carry
// the stored ID, so the transform does not need to be repeatable across
// separate fresh logins.
type Hasher interface {
	Hash(ctx context.Context, username string) (string, error)
}

// BcryptHasher hashes display names with bcrypt. The salted digest doubles as
// the user ID, so two users picking the same name in different active-session
// windows get distinct IDs.
type BcryptHasher struct {
	Cost int
}

func NewBcryptHasher() *BcryptHasher {
	return &BcryptHasher{Cost: 10}
}

func (h *BcryptHasher) Hash(ctx context.Context, username string) (string, error) {
	// bcrypt has no context plumbing; honour cancellation before the work.
	if err := ctx.Err(); err != nil {
		return "", err
	}
	digest, err := bcrypt.GenerateFromPassword([]byte(username), h.Cost)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(digest), nil
}
