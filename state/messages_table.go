package state

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/chatmesh/relay/internal"
)

// History is one recipient's append-only message-history record.
type History struct {
	User     string             `bson:"user" json:"user"`
	Messages []internal.Message `bson:"messages" json:"messages"`
}

// MessagesTable stores message history, one document per recipient user ID.
// The core only ever appends; nothing mutates or deletes past entries.
type MessagesTable struct {
	coll *mongo.Collection
}

func NewMessagesTable(coll *mongo.Collection) *MessagesTable {
	return &MessagesTable{coll: coll}
}

// Append adds the message to the recipient's history record, creating the
// record if this is the recipient's first message.
func (t *MessagesTable) Append(ctx context.Context, msg internal.Message) error {
	_, err := t.coll.UpdateOne(ctx, bson.M{"user": msg.To}, bson.M{
		"$addToSet": bson.M{
			"messages": msg,
		},
	}, options.UpdateOne().SetUpsert(true))
	return err
}

// History returns the recipient's record, or nil if the user has never
// received a message.
func (t *MessagesTable) History(ctx context.Context, userID string) (*History, error) {
	var h History
	err := t.coll.FindOne(ctx, bson.M{"user": userID}).Decode(&h)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}
