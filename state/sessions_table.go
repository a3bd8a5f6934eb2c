package state

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/chatmesh/relay/session"
)

// SessionsTable stores session records keyed by session ID. It implements
// session.Store. Records expire passively: a TTL index on loginTime deletes
// anything older than the configured session TTL, so a session stays
// resumable for one TTL window past its last login.
type SessionsTable struct {
	coll *mongo.Collection
}

func NewSessionsTable(coll *mongo.Collection) *SessionsTable {
	return &SessionsTable{coll: coll}
}

func (t *SessionsTable) EnsureTTLIndex(ctx context.Context, ttl time.Duration) error {
	_, err := t.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "loginTime", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(int32(ttl.Seconds())),
	})
	return err
}

func (t *SessionsTable) FindBySessionID(ctx context.Context, sessionID string) (*session.Session, error) {
	var s session.Session
	err := t.coll.FindOne(ctx, bson.M{"sessionID": sessionID}).Decode(&s)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (t *SessionsTable) FindByUsername(ctx context.Context, username string) (*session.Session, error) {
	var s session.Session
	err := t.coll.FindOne(ctx, bson.M{"username": username}).Decode(&s)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (t *SessionsTable) Upsert(ctx context.Context, s *session.Session) error {
	_, err := t.coll.UpdateOne(ctx, bson.M{"sessionID": s.ID}, bson.M{
		"$set": bson.M{
			"userID":    s.UserID,
			"username":  s.Username,
			"loginTime": s.LoginTime,
		},
	}, options.UpdateOne().SetUpsert(true))
	return err
}

func (t *SessionsTable) DeleteByUserID(ctx context.Context, userID string) (int64, error) {
	res, err := t.coll.DeleteMany(ctx, bson.M{"userID": userID})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}
