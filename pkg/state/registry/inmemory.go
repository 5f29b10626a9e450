package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/Ruz-on-git/FiguraJustCommunicateServer/pkg/state"
)

// InMemory is the process-wide room table. A single mutex covers room
// creation, teardown and membership changes so that a delivery lookup
// can never observe a half-removed client.
type InMemory struct {
	mu    sync.RWMutex
	rooms map[string]*state.Room

	logger *slog.Logger
}

func NewInMemory(logger *slog.Logger) *InMemory {
	return &InMemory{
		rooms:  make(map[string]*state.Room),
		logger: logger.With(slog.String("component", "registry_inmemory")),
	}
}

// compile-time check to ensure InMemory implements Registry.
var _ state.Registry = (*InMemory)(nil)

func (r *InMemory) Register(roomID, userID string, conn state.Sender, wl *state.Whitelist) (*state.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, exists := r.rooms[roomID]
	if !exists {
		room = &state.Room{
			ID:      roomID,
			Members: make(map[string]*state.Client),
		}
		r.rooms[roomID] = room
		r.logger.Debug("Created room", slog.String("roomID", roomID))
	}

	if _, taken := room.Members[userID]; taken {
		return nil, state.ErrUserIDTaken
	}

	client := &state.Client{
		UserID:    userID,
		RoomID:    roomID,
		Conn:      conn,
		Whitelist: wl,
		JoinedAt:  time.Now(),
	}
	room.Members[userID] = client

	r.logger.Debug("Client registered", slog.String("userID", userID), slog.String("roomID", roomID))
	return client, nil
}

func (r *InMemory) Remove(roomID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return
	}
	if _, ok := room.Members[userID]; !ok {
		return
	}
	delete(room.Members, userID)
	r.logger.Debug("Client removed", slog.String("userID", userID), slog.String("roomID", roomID))

	// For memory hygiene, remove the room if it's now empty.
	if len(room.Members) == 0 {
		delete(r.rooms, roomID)
		r.logger.Debug("Removed empty room", slog.String("roomID", roomID))
	}
}

func (r *InMemory) Lookup(roomID, userID string) (*state.Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return nil, false
	}
	client, ok := room.Members[userID]
	return client, ok
}

func (r *InMemory) FindRoom(roomID string) (*state.Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[roomID]
	return room, ok
}

func (r *InMemory) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

func (r *InMemory) Clients() []*state.Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var clients []*state.Client
	for _, room := range r.rooms {
		for _, c := range room.Members {
			clients = append(clients, c)
		}
	}
	return clients
}
