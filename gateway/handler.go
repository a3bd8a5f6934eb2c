package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"runtime/debug"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/chatmesh/relay/internal"
	"github.com/chatmesh/relay/presence"
	"github.com/chatmesh/relay/router"
	"github.com/chatmesh/relay/session"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// How long a fresh connection gets to complete its handshake before the
// transport is torn down.
const handshakeTimeout = 10 * time.Second

var (
	errAmbiguousHandshake = errors.New("ambiguous handshake: supply a username or a sessionID, not both")
	errMissingCredentials = errors.New("handshake requires a username or a sessionID")
)

// Handler drives the per-connection control loop: websocket upgrade,
// handshake and authentication, presence join, inbound event dispatch, and
// the presence leave on any close path. Each connection moves through
// connecting -> authenticated -> active -> closed, and never back.
type Handler struct {
	sessions  *session.Manager
	directory *presence.Directory
	router    *router.Router
	upgrader  websocket.Upgrader

	numBroadcasts *prometheus.CounterVec
}

func NewHandler(sessions *session.Manager, directory *presence.Directory, rtr *router.Router, allowedOrigin string, enablePrometheus bool) *Handler {
	h := &Handler{
		sessions:  sessions,
		directory: directory,
		router:    rtr,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if allowedOrigin == "*" {
					return true
				}
				origin := r.Header.Get("Origin")
				return origin == "" || origin == allowedOrigin
			},
		},
	}
	if enablePrometheus {
		h.addPrometheusMetrics()
	}
	return h
}

func (h *Handler) addPrometheusMetrics() {
	h.numBroadcasts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "gateway",
		Name:      "num_presence_broadcasts",
		Help:      "Number of presence broadcasts sent, by event kind.",
	}, []string{"event"})
	prometheus.MustRegister(h.numBroadcasts)
}

// Teardown unregisters prometheus metrics.
func (h *Handler) Teardown() {
	if h.numBroadcasts != nil {
		prometheus.Unregister(h.numBroadcasts)
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Err(err).Str("ip", r.RemoteAddr).Msg("failed to upgrade websocket")
		return
	}
	conn := newConn(ws)
	go conn.writePump()
	h.serve(r.Context(), conn)
}

func (h *Handler) serve(ctx context.Context, conn *Conn) {
	sess, err := h.handshake(ctx, conn)
	if err != nil {
		// rejected: the connection never reaches the active state and never
		// joins presence
		logger.Warn().Err(err).Str("conn", conn.id).Msg("handshake rejected")
		conn.SendEvent("error", map[string]string{"message": err.Error()})
		conn.Close()
		return
	}
	conn.sessionID = sess.ID
	conn.userID = sess.UserID
	conn.username = sess.Username
	logger.Info().Str("user", sess.UserID).Str("username", sess.Username).Str("conn", conn.id).Msg("connection authenticated")

	// the ack carries identity only, never the stored login time
	conn.SendEvent("session", map[string]string{
		"sessionID": sess.ID,
		"userID":    sess.UserID,
		"username":  sess.Username,
	})
	first := h.directory.Join(sess.UserID, sess.Username, conn)
	conn.SendEvent("users", h.onlineExcept(sess.UserID))
	if first {
		h.broadcast("user-connected", internal.OnlineUser{UserID: sess.UserID, Username: sess.Username}, conn.id)
	}

	h.readLoop(conn)

	conn.Close()
	if h.directory.Leave(conn.userID, conn) {
		h.broadcast("user-disconnected", map[string]string{"userID": conn.userID}, conn.id)
	}
	logger.Info().Str("user", conn.userID).Str("conn", conn.id).Msg("connection closed")
}

// handshake reads exactly one frame and authenticates it. Closing the
// transport mid-handshake surfaces as a read error here, before any session
// is created or presence is joined.
func (h *Handler) handshake(ctx context.Context, conn *Conn) (*session.Session, error) {
	if err := conn.ws.SetReadDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return nil, err
	}
	_, frame, err := conn.ws.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("handshake read: %w", err)
	}
	ev, err := parseEvent(frame)
	if err != nil {
		return nil, err
	}
	hs, ok := ev.(*HandshakeEvent)
	if !ok {
		return nil, fmt.Errorf("expected handshake, got %T", ev)
	}

	var sess *session.Session
	switch {
	case hs.Username != "" && hs.SessionID != "":
		return nil, errAmbiguousHandshake
	case hs.SessionID != "":
		sess, err = h.sessions.Resume(ctx, hs.SessionID)
	case hs.Username != "":
		sess, err = h.sessions.BeginWithUsername(ctx, hs.Username)
	default:
		return nil, errMissingCredentials
	}
	if err != nil {
		return nil, err
	}
	if err := conn.ws.SetReadDeadline(time.Time{}); err != nil {
		return nil, err
	}
	return sess, nil
}

// readLoop processes inbound frames in arrival order until the transport
// closes, from either side.
func (h *Handler) readLoop(conn *Conn) {
	for {
		_, frame, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		h.handleEvent(conn, frame)
		if conn.closed() {
			return
		}
	}
}

// handleEvent dispatches one inbound frame. Panics are contained here so a
// bad event cannot take down the connection loop, let alone the server.
func (h *Handler) handleEvent(conn *Conn, frame []byte) {
	defer func() {
		if panicErr := recover(); panicErr != nil {
			logger.Error().Str("conn", conn.id).Interface("panic", panicErr).Msg(string(debug.Stack()))
		}
	}()
	ev, err := parseEvent(frame)
	if err != nil {
		logger.Error().Err(err).Str("conn", conn.id).Msg("dropping bad frame")
		return
	}
	switch ev := ev.(type) {
	case *MessageEvent:
		// validation failures are logged by the router and silently dropped;
		// the sender gets no explicit rejection
		_ = h.router.Route(internal.Message{To: ev.To, From: ev.From, Text: ev.Text})
	case *LogoutEvent:
		h.logout(conn, ev.UserID)
	case *HandshakeEvent:
		logger.Warn().Str("conn", conn.id).Msg("dropping handshake on active connection")
	}
}

// logout ends the persisted session. Only a confirmed deletion force-closes
// the transport; a failed or empty delete leaves the connection up.
func (h *Handler) logout(conn *Conn, userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.sessions.End(ctx, userID); err != nil {
		logger.Err(err).Str("user", userID).Str("conn", conn.id).Msg("logout failed, keeping connection")
		return
	}
	if userID == conn.userID {
		h.sessions.Release(conn.username, conn.sessionID)
	}
	conn.Close()
}

// onlineExcept is the online-user list as seen by a newly joined connection:
// everyone currently online except the user themselves.
func (h *Handler) onlineExcept(userID string) []internal.OnlineUser {
	all := h.directory.ListOnline()
	users := make([]internal.OnlineUser, 0, len(all))
	for _, u := range all {
		if u.UserID == userID {
			continue
		}
		users = append(users, u)
	}
	return users
}

func (h *Handler) broadcast(event string, data any, exceptConnID string) {
	if h.numBroadcasts != nil {
		h.numBroadcasts.WithLabelValues(event).Inc()
	}
	for _, c := range h.directory.AllConns(exceptConnID) {
		c.SendEvent(event, data)
	}
}
