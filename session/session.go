package session

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// Session is one authenticated identity bound to a resumable token. It
// outlives any single connection: a client holding the ID can resume after a
// transport drop and keep the same user ID and display name.
type Session struct {
	// ID is the opaque resumption token, 8 bytes of crypto/rand hex encoded.
	// Generated at first handshake, reused on resumption.
	ID string `bson:"sessionID" json:"sessionID"`

	// UserID is the stable pseudonymous identifier derived from the username
	// at first handshake. Immutable for the life of the session.
	UserID string `bson:"userID" json:"userID"`

	// Username is unique among currently active sessions only, not globally
	// unique over time.
	Username string `bson:"username" json:"username"`

	// LoginTime is bumped on every successful handshake or resumption and
	// drives passive expiry in the store.
	LoginTime time.Time `bson:"loginTime" json:"loginTime"`
}

// NewID returns a fresh random session token.
func NewID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
