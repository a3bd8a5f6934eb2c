package internal

import "time"

// Message is a directed 1:1 communication unit. To and From are user IDs,
// not connection IDs: delivery fans out to every live connection of both.
// Time is stamped by the router at acceptance, never taken from the client.
type Message struct {
	To   string    `json:"to" bson:"to"`
	From string    `json:"from" bson:"from"`
	Text string    `json:"text" bson:"text"`
	Time time.Time `json:"time" bson:"time"`
}

// OnlineUser is one entry of the online-user list sent to a freshly
// authenticated connection.
type OnlineUser struct {
	UserID   string `json:"userID"`
	Username string `json:"username"`
}
