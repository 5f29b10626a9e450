package state

import "time"

// Sender is the outbound half of a client's connection as seen by the
// routing core. *transport.Connection satisfies it; tests substitute
// in-memory fakes.
type Sender interface {
	Send(message []byte) error
	Close(err error)
}

// Client binds a user id to its connection and whitelist within one
// room. Created on successful registration, removed on disconnect.
type Client struct {
	UserID    string
	RoomID    string
	Conn      Sender
	Whitelist *Whitelist
	JoinedAt  time.Time
}

// Room is the unit of isolation: a mapping from user id to client,
// scoped to one room identifier. A room with no members is never
// observable — the registry tears it down with its last client.
type Room struct {
	ID      string
	Members map[string]*Client
}
