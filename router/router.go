package router

import (
	"errors"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/chatmesh/relay/internal"
	"github.com/chatmesh/relay/presence"
	"github.com/chatmesh/relay/pubsub"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// ErrInvalidMessage is returned for messages missing to, from or text.
var ErrInvalidMessage = errors.New("invalid message structure")

// Router validates and delivers direct messages between users' active
// connection sets, then requests asynchronous persistence of the delivered
// message.
type Router struct {
	directory *presence.Directory
	notifier  pubsub.Notifier
}

func New(directory *presence.Directory, notifier pubsub.Notifier) *Router {
	return &Router{
		directory: directory,
		notifier:  notifier,
	}
}

// Route accepts or rejects one message. On acceptance the message is stamped
// with the routing time and delivered to every active connection of both the
// recipient and the sender, so the sender's other devices see their own sent
// message. Persistence is then requested fire-and-forget, keyed by recipient:
// a failed append is logged, never retried, and never rolls back delivery.
func (r *Router) Route(msg internal.Message) error {
	if msg.To == "" || msg.From == "" || msg.Text == "" {
		logger.Error().Str("to", msg.To).Str("from", msg.From).Msg("invalid message structure")
		return ErrInvalidMessage
	}
	msg.Time = time.Now()

	seen := make(map[string]struct{})
	for _, conn := range append(r.directory.Conns(msg.To), r.directory.Conns(msg.From)...) {
		// the sender and recipient sets overlap when a user messages themselves
		if _, ok := seen[conn.ID()]; ok {
			continue
		}
		seen[conn.ID()] = struct{}{}
		conn.SendEvent("message", msg)
	}

	if err := r.notifier.Notify(pubsub.ChanStorage, &pubsub.StorageAppendMessage{Message: msg}); err != nil {
		logger.Err(err).Str("to", msg.To).Msg("failed to request message persistence")
	}
	return nil
}
