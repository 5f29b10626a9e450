package state

import "errors"

// ErrUserIDTaken is returned by Register when the user id is already
// present in the target room. The policy is reject-new: the existing
// client keeps its connection.
var ErrUserIDTaken = errors.New("user id already registered in room")

// Registry is the process-wide room table. It is constructed once at
// startup and injected into every connection handler; all mutations are
// linearizable with respect to concurrent delivery lookups.
type Registry interface {
	// Register inserts a new client, creating the room on first join.
	// The same user id may be registered in different rooms at once.
	Register(roomID, userID string, conn Sender, wl *Whitelist) (*Client, error)

	// Remove deletes the client and, if it was the room's last member,
	// the room itself. Removing an absent client is a no-op, so racing
	// exit paths are safe.
	Remove(roomID, userID string)

	// Lookup finds a client for delivery.
	Lookup(roomID, userID string) (*Client, bool)

	FindRoom(roomID string) (*Room, bool)
	RoomCount() int

	// Clients returns a snapshot of every registered client, for
	// graceful shutdown.
	Clients() []*Client
}
