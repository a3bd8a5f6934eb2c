package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/chatmesh/relay/gateway"
	"github.com/chatmesh/relay/ident"
	"github.com/chatmesh/relay/internal"
	"github.com/chatmesh/relay/presence"
	"github.com/chatmesh/relay/pubsub"
	"github.com/chatmesh/relay/router"
	"github.com/chatmesh/relay/session"
	"github.com/chatmesh/relay/state"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

type server struct {
	chain []func(next http.Handler) http.Handler
	final http.Handler
}

func (s *server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h := s.final
	for i := range s.chain {
		h = s.chain[len(s.chain)-1-i](h)
	}
	h.ServeHTTP(w, req)
}

func allowCORS(origin string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Accept, Authorization")
			if req.Method == "OPTIONS" {
				w.WriteHeader(200)
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

// RunRelayServer is the main entry point to the server. Blocks forever.
func RunRelayServer(cfg Config) {
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	storage, err := state.NewStorage(ctx, cfg.Storage)
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to storage")
	}

	// the storage writer drains async persistence requests off the pubsub
	// channel; the router publishes and never waits
	ps := pubsub.NewPubSub(64)
	notifier := pubsub.NewPromNotifier(ps, "storage")
	writer := state.NewWriter(storage.MessagesTable)
	sub := pubsub.NewStorageSub(ps, writer)
	go func() {
		if err := sub.Listen(); err != nil {
			logger.Err(err).Msg("storage subscriber stopped")
		}
	}()

	sessions := session.NewManager(storage.SessionsTable, ident.NewBcryptHasher(), cfg.Storage.SessionTTL)
	directory := presence.NewDirectory(true)
	rtr := router.New(directory, notifier)
	gw := gateway.NewHandler(sessions, directory, rtr, cfg.CORSOrigin, true)

	// HTTP path routing
	r := mux.NewRouter()
	cors := allowCORS(cfg.CORSOrigin)
	r.Handle("/ws", gw)
	r.Handle("/api/messages", cors(messagesHandler(storage.MessagesTable)))
	r.Handle("/metrics", promhttp.Handler())

	srv := &server{
		chain: []func(next http.Handler) http.Handler{
			hlog.NewHandler(logger),
			hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
				if r.URL.Path == "/metrics" {
					return
				}
				hlog.FromRequest(r).Info().
					Str("method", r.Method).
					Int("status", status).
					Int("size", size).
					Dur("duration", duration).
					Str("path", r.URL.Path).
					Msg("")
			}),
			hlog.RemoteAddrHandler("ip"),
		},
		final: r,
	}

	// Block forever
	logger.Info().Msgf("listening on %s", cfg.BindAddr)
	if err := http.ListenAndServe(cfg.BindAddr, srv); err != nil {
		logger.Fatal().Err(err).Msg("failed to listen and serve")
	}
}

// historyFinder is the slice of the messages table the history endpoint needs.
type historyFinder interface {
	History(ctx context.Context, userID string) (*state.History, error)
}

// messagesHandler serves a recipient's persisted message history:
// GET /api/messages?userID=xxx
func messagesHandler(messages historyFinder) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		userID := req.URL.Query().Get("userID")
		if userID == "" {
			w.WriteHeader(404)
			return
		}
		history, err := messages.History(req.Context(), userID)
		if err != nil {
			herr := &internal.HandlerError{StatusCode: 500, Err: err}
			logger.Err(err).Str("user", userID).Msg("failed to load message history")
			w.WriteHeader(herr.StatusCode)
			w.Write(herr.JSON())
			return
		}
		if history == nil {
			w.WriteHeader(404)
			return
		}
		b, err := json.Marshal(history)
		if err != nil {
			w.WriteHeader(500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(200)
		w.Write(b)
	})
}
