package state

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Storage is the durable side of the relay: session records and per-recipient
// message history, both in MongoDB. The core treats it as an external,
// independently concurrent system and only issues idempotent-by-key writes.
type Storage struct {
	client *mongo.Client

	SessionsTable *SessionsTable
	MessagesTable *MessagesTable
}

// Config for the storage layer, nested into the top-level server config.
type Config struct {
	URL                string        `env:"MONGODB_URL"`
	DBName             string        `env:"RELAY_DB_NAME" envDefault:"relay"`
	SessionsCollection string        `env:"RELAY_SESSIONS_COLLECTION" envDefault:"sessions"`
	MessagesCollection string        `env:"RELAY_MESSAGES_COLLECTION" envDefault:"messages"`
	SessionTTL         time.Duration `env:"RELAY_SESSION_TTL" envDefault:"1h"`
	ConnectTimeout     time.Duration `env:"MONGODB_CONNECT_TIMEOUT" envDefault:"10s"`
}

// NewStorage connects to MongoDB, pings it, and ensures the session TTL
// index exists so expired sessions are reaped server-side.
func NewStorage(ctx context.Context, cfg Config) (*Storage, error) {
	client, err := mongo.Connect(options.Client().
		ApplyURI(cfg.URL).
		SetConnectTimeout(cfg.ConnectTimeout))
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, err
	}
	db := client.Database(cfg.DBName)
	sessions := NewSessionsTable(db.Collection(cfg.SessionsCollection))
	if err := sessions.EnsureTTLIndex(ctx, cfg.SessionTTL); err != nil {
		client.Disconnect(ctx)
		return nil, err
	}
	return &Storage{
		client:        client,
		SessionsTable: sessions,
		MessagesTable: NewMessagesTable(db.Collection(cfg.MessagesCollection)),
	}, nil
}

func (s *Storage) Teardown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.client.Disconnect(ctx); err != nil {
		logger.Warn().Err(err).Msg("Storage.Teardown: failed to disconnect")
	}
}
