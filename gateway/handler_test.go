package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/chatmesh/relay/internal"
	"github.com/chatmesh/relay/presence"
	"github.com/chatmesh/relay/pubsub"
	"github.com/chatmesh/relay/router"
	"github.com/chatmesh/relay/session"
)

// memStore is an in-memory session.Store for gateway tests.
type memStore struct {
	mu   sync.Mutex
	byID map[string]session.Session
}

func newMemStore() *memStore {
	return &memStore{byID: make(map[string]session.Session)}
}

func (s *memStore) FindBySessionID(ctx context.Context, sessionID string) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[sessionID]
	if !ok {
		return nil, session.ErrNotFound
	}
	cp := rec
	return &cp, nil
}

func (s *memStore) FindByUsername(ctx context.Context, username string) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.byID {
		if rec.Username == username {
			cp := rec
			return &cp, nil
		}
	}
	return nil, session.ErrNotFound
}

func (s *memStore) Upsert(ctx context.Context, sess *session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[sess.ID] = *sess
	return nil
}

func (s *memStore) DeleteByUserID(ctx context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, rec := range s.byID {
		if rec.UserID == userID {
			delete(s.byID, id)
			n++
		}
	}
	return n, nil
}

type fakeHasher struct{}

func (fakeHasher) Hash(ctx context.Context, username string) (string, error) {
	return "H(" + username + ")", nil
}

type captureNotifier struct {
	mu       sync.Mutex
	payloads []pubsub.Payload
}

func (n *captureNotifier) Notify(chanName string, p pubsub.Payload) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.payloads = append(n.payloads, p)
	return nil
}
func (n *captureNotifier) Close() error { return nil }

func (n *captureNotifier) appended() []internal.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []internal.Message
	for _, p := range n.payloads {
		if ap, ok := p.(*pubsub.StorageAppendMessage); ok {
			out = append(out, ap.Message)
		}
	}
	return out
}

type testRig struct {
	server   *httptest.Server
	notifier *captureNotifier
	store    *memStore
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	store := newMemStore()
	mgr := session.NewManager(store, fakeHasher{}, time.Hour)
	t.Cleanup(mgr.Stop)
	directory := presence.NewDirectory(false)
	notifier := &captureNotifier{}
	rtr := router.New(directory, notifier)
	h := NewHandler(mgr, directory, rtr, "*", false)
	server := httptest.NewServer(h)
	t.Cleanup(server.Close)
	return &testRig{server: server, notifier: notifier, store: store}
}

type wsClient struct {
	t  *testing.T
	ws *websocket.Conn
}

func (r *testRig) dial(t *testing.T) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(r.server.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %s", err)
	}
	t.Cleanup(func() { ws.Close() })
	return &wsClient{t: t, ws: ws}
}

func (c *wsClient) send(event string, data any) {
	c.t.Helper()
	b, err := json.Marshal(map[string]any{"event": event, "data": data})
	if err != nil {
		c.t.Fatalf("marshal: %s", err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
		c.t.Fatalf("write: %s", err)
	}
}

// recv reads one event off the socket, failing the test on timeout.
func (c *wsClient) recv() (string, gjson.Result) {
	c.t.Helper()
	c.ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := c.ws.ReadMessage()
	if err != nil {
		c.t.Fatalf("read: %s", err)
	}
	parsed := gjson.ParseBytes(frame)
	return parsed.Get("event").Str, parsed.Get("data")
}

func (c *wsClient) expect(event string) gjson.Result {
	c.t.Helper()
	got, data := c.recv()
	if got != event {
		c.t.Fatalf("expected event %q, got %q (%s)", event, got, data.Raw)
	}
	return data
}

// connect performs a fresh-username handshake and consumes the session and
// users events.
func (c *wsClient) connect(username string) (sess, users gjson.Result) {
	c.t.Helper()
	c.send("handshake", map[string]string{"username": username})
	sess = c.expect("session")
	users = c.expect("users")
	return sess, users
}

func TestFreshHandshake(t *testing.T) {
	rig := newTestRig(t)
	alice := rig.dial(t)
	sess, users := alice.connect("alice")

	if got := sess.Get("userID").Str; got != "H(alice)" {
		t.Errorf("userID: got %q want H(alice)", got)
	}
	if got := sess.Get("username").Str; got != "alice" {
		t.Errorf("username: got %q", got)
	}
	if got := sess.Get("sessionID").Str; len(got) != 16 {
		t.Errorf("sessionID: got %q, want 16 hex chars", got)
	}
	if sess.Get("loginTime").Exists() {
		t.Errorf("session ack must not expose loginTime, got %s", sess.Raw)
	}
	if users.Raw != "[]" {
		t.Errorf("first user should see an empty online list, got %s", users.Raw)
	}
}

func TestSecondUserSeesFirst(t *testing.T) {
	rig := newTestRig(t)
	alice := rig.dial(t)
	alice.connect("alice")

	bob := rig.dial(t)
	_, users := bob.connect("bob")
	if users.Get("#").Int() != 1 || users.Get("0.userID").Str != "H(alice)" {
		t.Errorf("bob's online list: got %s, want just alice", users.Raw)
	}

	// alice is told about bob coming online
	data := alice.expect("user-connected")
	if data.Get("userID").Str != "H(bob)" || data.Get("username").Str != "bob" {
		t.Errorf("user-connected: got %s", data.Raw)
	}
}

func TestMessageRoutedToBothParties(t *testing.T) {
	rig := newTestRig(t)
	alice := rig.dial(t)
	alice.connect("alice")
	bob := rig.dial(t)
	bob.connect("bob")
	alice.expect("user-connected")

	alice.send("message", map[string]string{"to": "H(bob)", "from": "H(alice)", "text": "hi"})

	for name, c := range map[string]*wsClient{"alice": alice, "bob": bob} {
		data := c.expect("message")
		if data.Get("text").Str != "hi" || data.Get("to").Str != "H(bob)" || data.Get("from").Str != "H(alice)" {
			t.Errorf("%s got wrong message: %s", name, data.Raw)
		}
		if data.Get("time").Str == "" {
			t.Errorf("%s: message missing routing timestamp", name)
		}
	}

	// persistence requested once, keyed by recipient
	deadline := time.Now().Add(2 * time.Second)
	for len(rig.notifier.appended()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	appended := rig.notifier.appended()
	if len(appended) != 1 || appended[0].To != "H(bob)" {
		t.Errorf("persistence: got %+v", appended)
	}
}

func TestMalformedMessageSilentlyDropped(t *testing.T) {
	rig := newTestRig(t)
	alice := rig.dial(t)
	alice.connect("alice")
	bob := rig.dial(t)
	bob.connect("bob")
	alice.expect("user-connected")

	alice.send("message", map[string]string{"to": "H(bob)", "from": "H(alice)"}) // no text
	// a valid follow-up proves the bad one was dropped, not queued
	alice.send("message", map[string]string{"to": "H(bob)", "from": "H(alice)", "text": "second"})

	data := bob.expect("message")
	if data.Get("text").Str != "second" {
		t.Errorf("bob should only see the valid message, got %s", data.Raw)
	}
	if appended := rig.notifier.appended(); len(appended) != 1 {
		t.Errorf("dropped message must not be persisted, got %+v", appended)
	}
}

func TestDisconnectBroadcastOnlyOnLastConn(t *testing.T) {
	rig := newTestRig(t)
	alice := rig.dial(t)
	alice.connect("alice")

	// bob's first device
	bob1 := rig.dial(t)
	sess, _ := bob1.connect("bob")
	alice.expect("user-connected")

	// bob's second device resumes the same session
	bob2 := rig.dial(t)
	bob2.send("handshake", map[string]string{"sessionID": sess.Get("sessionID").Str})
	bob2.expect("session")
	bob2.expect("users")

	// first device closing: no broadcast, the second is still up
	bob1.ws.Close()
	time.Sleep(100 * time.Millisecond)

	// bob's remaining device probes alice: if a premature user-disconnected
	// had been broadcast, alice would see it before this message
	bob2.send("message", map[string]string{"to": "H(alice)", "from": "H(bob)", "text": "probe"})
	if got, data := alice.recv(); got != "message" {
		t.Fatalf("no broadcast expected while bob has another connection, got %q (%s)", got, data.Raw)
	}
	bob2.expect("message") // sender's own copy

	// second closing: exactly one user-disconnected
	bob2.ws.Close()
	data := alice.expect("user-disconnected")
	if data.Get("userID").Str != "H(bob)" {
		t.Errorf("user-disconnected: got %s", data.Raw)
	}
}

func TestResumeKeepsIdentity(t *testing.T) {
	rig := newTestRig(t)
	alice := rig.dial(t)
	sess, _ := alice.connect("alice")
	alice.ws.Close()
	time.Sleep(50 * time.Millisecond)

	again := rig.dial(t)
	again.send("handshake", map[string]string{"sessionID": sess.Get("sessionID").Str})
	resumed := again.expect("session")
	if resumed.Get("userID").Str != sess.Get("userID").Str {
		t.Errorf("resume changed userID: %s vs %s", resumed.Raw, sess.Raw)
	}
	if resumed.Get("username").Str != "alice" {
		t.Errorf("resume changed username: %s", resumed.Raw)
	}
}

func TestUsernameTakenWhileSessionActive(t *testing.T) {
	rig := newTestRig(t)
	alice := rig.dial(t)
	alice.connect("alice")

	imposter := rig.dial(t)
	imposter.send("handshake", map[string]string{"username": "alice"})
	data := imposter.expect("error")
	if !strings.Contains(data.Get("message").Str, "username taken") {
		t.Errorf("expected username taken rejection, got %s", data.Raw)
	}
}

func TestUnknownSessionRejectedWithoutPresence(t *testing.T) {
	rig := newTestRig(t)
	alice := rig.dial(t)
	alice.connect("alice")

	ghost := rig.dial(t)
	ghost.send("handshake", map[string]string{"sessionID": "deadbeefdeadbeef"})
	data := ghost.expect("error")
	if !strings.Contains(data.Get("message").Str, "not found") {
		t.Errorf("expected not found rejection, got %s", data.Raw)
	}

	// alice must not have seen any user-connected for the ghost
	alice.ws.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, frame, err := alice.ws.ReadMessage(); err == nil {
		t.Errorf("alice should see nothing, got %s", frame)
	}
}

func TestAmbiguousHandshakeRejected(t *testing.T) {
	rig := newTestRig(t)
	c := rig.dial(t)
	c.send("handshake", map[string]string{"username": "alice", "sessionID": "deadbeefdeadbeef"})
	data := c.expect("error")
	if !strings.Contains(data.Get("message").Str, "ambiguous") {
		t.Errorf("expected ambiguous handshake rejection, got %s", data.Raw)
	}
}

func TestEmptyHandshakeRejected(t *testing.T) {
	rig := newTestRig(t)
	c := rig.dial(t)
	c.send("handshake", map[string]string{})
	data := c.expect("error")
	if data.Get("message").Str == "" {
		t.Errorf("expected a human-readable rejection reason")
	}
}

func TestLogoutEndsSessionAndDisconnects(t *testing.T) {
	rig := newTestRig(t)
	alice := rig.dial(t)
	sess, _ := alice.connect("alice")

	alice.send("logout", map[string]string{"userID": "H(alice)"})

	// server force-closes the transport after confirmed deletion
	alice.ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := alice.ws.ReadMessage(); err != nil {
			break
		}
	}

	// the session is gone: resumption now fails
	again := rig.dial(t)
	again.send("handshake", map[string]string{"sessionID": sess.Get("sessionID").Str})
	data := again.expect("error")
	if !strings.Contains(data.Get("message").Str, "not found") {
		t.Errorf("expected not found after logout, got %s", data.Raw)
	}

	// and the username is free again
	fresh := rig.dial(t)
	fresh.connect("alice")
}

func TestLogoutUnknownUserKeepsConnection(t *testing.T) {
	rig := newTestRig(t)
	alice := rig.dial(t)
	alice.connect("alice")

	alice.send("logout", map[string]string{"userID": "H(nobody)"})
	// connection must stay up: a message still routes back to the sender
	alice.send("message", map[string]string{"to": "H(alice)", "from": "H(alice)", "text": "still here"})
	data := alice.expect("message")
	if data.Get("text").Str != "still here" {
		t.Errorf("connection should survive failed logout, got %s", data.Raw)
	}
}
