package presence

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/chatmesh/relay/internal"
)

// Handle is one live connection capable of receiving pushed events. It is
// implemented by the gateway's connection type; delivery to a closed handle
// must be a no-op.
type Handle interface {
	ID() string
	SendEvent(name string, data any)
}

type entry struct {
	username string
	conns    []Handle // insertion ordered
}

// Directory tracks which users are currently online: the live mapping of
// user ID to its set of active connections. A user is online iff the set is
// non-empty. Membership mutation and the empty/non-empty transition check are
// one atomic step under the directory lock, so two connections for the same
// user closing concurrently cannot both (or neither) observe the 1->0
// transition.
type Directory struct {
	mu    sync.Mutex
	users map[string]*entry
	order []string // user IDs in online order, for ListOnline

	numOnline prometheus.Gauge
}

func NewDirectory(enablePrometheus bool) *Directory {
	d := &Directory{
		users: make(map[string]*entry),
	}
	if enablePrometheus {
		d.addPrometheusMetrics()
	}
	return d
}

func (d *Directory) addPrometheusMetrics() {
	d.numOnline = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "relay",
		Subsystem: "presence",
		Name:      "num_online_users",
		Help:      "Number of users with at least one active connection.",
	})
	prometheus.MustRegister(d.numOnline)
}

// Teardown unregisters prometheus metrics.
func (d *Directory) Teardown() {
	if d.numOnline != nil {
		prometheus.Unregister(d.numOnline)
	}
}

// Join adds the connection to the user's set. Returns true if the set
// transitioned from empty to non-empty, meaning this is the user's first
// connection and a "user connected" broadcast is due.
func (d *Directory) Join(userID, username string, conn Handle) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	e := d.users[userID]
	if e == nil {
		e = &entry{username: username}
		d.users[userID] = e
		d.order = append(d.order, userID)
		e.conns = append(e.conns, conn)
		if d.numOnline != nil {
			d.numOnline.Set(float64(len(d.users)))
		}
		return true
	}
	for _, c := range e.conns {
		if c.ID() == conn.ID() {
			// duplicate join for the same handle, nothing transitioned
			return false
		}
	}
	e.conns = append(e.conns, conn)
	return false
}

// Leave removes the connection from the user's set. Returns true if the set
// became empty, meaning a "user disconnected" broadcast is due. Removing an
// unknown connection is a no-op returning false.
func (d *Directory) Leave(userID string, conn Handle) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	e := d.users[userID]
	if e == nil {
		return false
	}
	found := false
	for i, c := range e.conns {
		if c.ID() == conn.ID() {
			e.conns = append(e.conns[:i], e.conns[i+1:]...)
			found = true
			break
		}
	}
	if !found || len(e.conns) > 0 {
		return false
	}
	delete(d.users, userID)
	removed := false
	for i, id := range d.order {
		if id == userID {
			d.order = append(d.order[:i], d.order[i+1:]...)
			removed = true
			break
		}
	}
	// users and order are mutated in lockstep under the directory lock
	internal.Assert("online user missing from the order list", removed)
	if d.numOnline != nil {
		d.numOnline.Set(float64(len(d.users)))
	}
	return true
}

// IsOnline returns whether the user has at least one active connection.
func (d *Directory) IsOnline(userID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.users[userID] != nil
}

// ListOnline returns the currently online users in the order they came
// online.
func (d *Directory) ListOnline() []internal.OnlineUser {
	d.mu.Lock()
	defer d.mu.Unlock()
	users := make([]internal.OnlineUser, 0, len(d.order))
	for _, userID := range d.order {
		users = append(users, internal.OnlineUser{
			UserID:   userID,
			Username: d.users[userID].username,
		})
	}
	return users
}

// Conns returns a snapshot of the user's active connections, in join order.
func (d *Directory) Conns(userID string) []Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	e := d.users[userID]
	if e == nil {
		return nil
	}
	conns := make([]Handle, len(e.conns))
	copy(conns, e.conns)
	return conns
}

// AllConns returns a snapshot of every active connection, minus the one with
// the given ID. Used for presence broadcasts, which go to everyone except the
// connection whose state changed.
func (d *Directory) AllConns(exceptConnID string) []Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	var conns []Handle
	for _, userID := range d.order {
		for _, c := range d.users[userID].conns {
			if c.ID() == exceptConnID {
				continue
			}
			conns = append(conns, c)
		}
	}
	return conns
}
