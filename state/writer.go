package state

import (
	"context"
	"time"

	"github.com/chatmesh/relay/internal"
	"github.com/chatmesh/relay/pubsub"
)

type appender interface {
	Append(ctx context.Context, msg internal.Message) error
}

// Writer consumes Storage* payloads off the pubsub channel and applies them.
// It is the fire-and-forget half of message persistence: write failures are
// logged and dropped, never retried, and the in-memory delivery they trail
// is never rolled back.
type Writer struct {
	messages appender
	timeout  time.Duration
}

func NewWriter(messages *MessagesTable) *Writer {
	return &Writer{
		messages: messages,
		timeout:  10 * time.Second,
	}
}

func (w *Writer) AppendMessage(p *pubsub.StorageAppendMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	if err := w.messages.Append(ctx, p.Message); err != nil {
		logger.Err(err).Str("to", p.Message.To).Msg("failed to append message to history")
	}
}
