package session_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/Ruz-on-git/FiguraJustCommunicateServer/internal/router"
	"github.com/Ruz-on-git/FiguraJustCommunicateServer/internal/session"
	"github.com/Ruz-on-git/FiguraJustCommunicateServer/pkg/state/registry"
)

// --- Test Suite Setup ---

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

// fakeConn implements session.Conn and drives the session's close
// callback the way the real transport does.
type fakeConn struct {
	mu        sync.Mutex
	frames    [][]byte
	closed    bool
	closeCode websocket.StatusCode
	onClose   func(uuid.UUID, error)
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{closeCode: websocket.StatusNormalClosure}
}

func (f *fakeConn) Send(message []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return context.Canceled
	}
	f.frames = append(f.frames, message)
	return nil
}

func (f *fakeConn) Close(err error) {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
		if f.onClose != nil {
			f.onClose(uuid.Nil, err)
		}
	})
}

func (f *fakeConn) CloseWithStatus(code websocket.StatusCode, err error) {
	f.mu.Lock()
	f.closeCode = code
	f.mu.Unlock()
	f.Close(err)
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) status() websocket.StatusCode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode
}

func (f *fakeConn) lastFrameType(t *testing.T) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.frames) == 0 {
		t.Fatal("Expected at least one frame")
	}
	var decoded struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(f.frames[len(f.frames)-1], &decoded); err != nil {
		t.Fatalf("Frame is not valid JSON: %v", err)
	}
	return decoded.Type
}

type fixture struct {
	registry *registry.InMemory
	router   *router.Router
	logger   *slog.Logger
}

func newFixture() *fixture {
	logger := newTestLogger()
	reg := registry.NewInMemory(logger)
	return &fixture{
		registry: reg,
		router:   router.New(logger, reg),
		logger:   logger,
	}
}

func (fx *fixture) newSession(roomID string) (*session.Session, *fakeConn) {
	conn := newFakeConn()
	sess := session.New(fx.logger, fx.registry, fx.router, conn, roomID)
	conn.onClose = sess.HandleClose
	return sess, conn
}

func frame(sess *session.Session, raw string) {
	sess.HandleFrame(context.Background(), uuid.Nil, []byte(raw))
}

// --- Registration Tests ---

func TestValidRegistration(t *testing.T) {
	fx := newFixture()
	sess, conn := fx.newSession("room-1")

	frame(sess, `{"type":"register","user_id":"alice","whitelist":["*"]}`)

	if conn.isClosed() {
		t.Fatal("Connection closed on valid registration")
	}
	client, ok := fx.registry.Lookup("room-1", "alice")
	if !ok {
		t.Fatal("Client not found in registry after registration")
	}
	if !client.Whitelist.Wildcard() {
		t.Error("Wildcard whitelist not applied from register command")
	}
}

func TestFirstFrameMustBeRegister(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", `garbage`},
		{"wrong command", `{"type":"message","recipient_id":"bob","payload":1}`},
		{"malformed register", `{"type":"register","user_id":"alice"}`},
	}
	for _, tc := range cases {
		fx := newFixture()
		sess, conn := fx.newSession("room-1")

		frame(sess, tc.raw)

		if !conn.isClosed() {
			t.Errorf("%s: connection should be closed", tc.name)
			continue
		}
		if conn.status() != websocket.StatusProtocolError {
			t.Errorf("%s: expected protocol error close, got %v", tc.name, conn.status())
		}
		if typ := conn.lastFrameType(t); typ != "error" {
			t.Errorf("%s: expected error frame before close, got %s", tc.name, typ)
		}
		if fx.registry.RoomCount() != 0 {
			t.Errorf("%s: failed registration left registry side effects", tc.name)
		}
	}
}

func TestEmptyUserIDRejected(t *testing.T) {
	fx := newFixture()
	sess, conn := fx.newSession("room-1")

	frame(sess, `{"type":"register","user_id":"","whitelist":[]}`)

	if !conn.isClosed() || conn.status() != websocket.StatusPolicyViolation {
		t.Error("Empty user id should close with a policy violation")
	}
	if fx.registry.RoomCount() != 0 {
		t.Error("Rejected registration left registry side effects")
	}
}

func TestDuplicateUserIDRejectsNewConnection(t *testing.T) {
	fx := newFixture()
	sess1, conn1 := fx.newSession("room-1")
	frame(sess1, `{"type":"register","user_id":"alice","whitelist":["*"]}`)

	sess2, conn2 := fx.newSession("room-1")
	frame(sess2, `{"type":"register","user_id":"alice","whitelist":["*"]}`)

	if !conn2.isClosed() || conn2.status() != websocket.StatusPolicyViolation {
		t.Error("Second registration should be rejected with a policy violation")
	}
	if conn1.isClosed() {
		t.Error("Existing client must keep its connection")
	}
	if _, ok := fx.registry.Lookup("room-1", "alice"); !ok {
		t.Error("Original client vanished after rejected duplicate")
	}

	// The rejected connection's close must not tear down the original.
	if _, ok := fx.registry.Lookup("room-1", "alice"); !ok {
		t.Error("Duplicate's cleanup removed the original client")
	}
}

func TestRegistrationDeadline(t *testing.T) {
	fx := newFixture()
	sess, conn := fx.newSession("room-1")
	sess.Start(20 * time.Millisecond)

	time.Sleep(60 * time.Millisecond)

	if !conn.isClosed() {
		t.Fatal("Connection should be closed after the registration deadline")
	}
	if conn.status() != websocket.StatusPolicyViolation {
		t.Errorf("Expected policy violation close, got %v", conn.status())
	}
}

func TestDeadlineDisarmedByRegistration(t *testing.T) {
	fx := newFixture()
	sess, conn := fx.newSession("room-1")
	sess.Start(20 * time.Millisecond)

	frame(sess, `{"type":"register","user_id":"alice","whitelist":[]}`)
	time.Sleep(60 * time.Millisecond)

	if conn.isClosed() {
		t.Error("Deadline fired after successful registration")
	}
}

// --- Dispatch Loop Tests ---

func TestMalformedFrameAfterRegistrationIsNonFatal(t *testing.T) {
	fx := newFixture()
	sess, conn := fx.newSession("room-1")
	frame(sess, `{"type":"register","user_id":"alice","whitelist":[]}`)

	frame(sess, `not json at all`)
	if conn.isClosed() {
		t.Fatal("Malformed frame after registration must not close the session")
	}
	if typ := conn.lastFrameType(t); typ != "error" {
		t.Errorf("Expected error frame, got %s", typ)
	}

	frame(sess, `{"type":"warp_drive"}`)
	if conn.isClosed() {
		t.Fatal("Unknown command after registration must not close the session")
	}
	if typ := conn.lastFrameType(t); typ != "error" {
		t.Errorf("Expected error frame, got %s", typ)
	}

	// The session keeps working afterwards.
	frame(sess, `{"type":"whitelist_add","user_id":"bob"}`)
	if typ := conn.lastFrameType(t); typ != "whitelist_updated" {
		t.Errorf("Session did not recover after non-fatal errors, got %s", typ)
	}
}

func TestSecondRegisterIsNonFatal(t *testing.T) {
	fx := newFixture()
	sess, conn := fx.newSession("room-1")
	frame(sess, `{"type":"register","user_id":"alice","whitelist":[]}`)

	frame(sess, `{"type":"register","user_id":"bob","whitelist":[]}`)

	if conn.isClosed() {
		t.Fatal("Repeated register must not close the session")
	}
	if typ := conn.lastFrameType(t); typ != "error" {
		t.Errorf("Expected error frame, got %s", typ)
	}
	if _, ok := fx.registry.Lookup("room-1", "bob"); ok {
		t.Error("Repeated register must not create a second client")
	}
}

func TestEndToEndDeliveryThroughSessions(t *testing.T) {
	fx := newFixture()
	sessA, connA := fx.newSession("1.2.3.4")
	sessB, connB := fx.newSession("1.2.3.4")

	frame(sessA, `{"type":"register","user_id":"A","whitelist":["B"]}`)
	frame(sessB, `{"type":"register","user_id":"B","whitelist":["*"]}`)

	frame(sessA, `{"type":"message","recipient_id":"B","payload":{"x":1}}`)

	if typ := connB.lastFrameType(t); typ != "incoming_message" {
		t.Fatalf("Expected incoming_message at B, got %s", typ)
	}
	if n := len(connA.frames); n != 0 {
		t.Errorf("Sender should receive nothing on success, got %d frames", n)
	}
}

// --- Cleanup Tests ---

func TestCloseRemovesClientAndRoom(t *testing.T) {
	fx := newFixture()
	sess, conn := fx.newSession("room-1")
	frame(sess, `{"type":"register","user_id":"alice","whitelist":[]}`)

	conn.Close(context.Canceled)

	if _, ok := fx.registry.Lookup("room-1", "alice"); ok {
		t.Error("Client still registered after close")
	}
	if fx.registry.RoomCount() != 0 {
		t.Error("Empty room survived its last client")
	}
}

func TestCleanupRunsExactlyOnce(t *testing.T) {
	fx := newFixture()
	sessA, connA := fx.newSession("room-1")
	sessB, _ := fx.newSession("room-1")
	frame(sessA, `{"type":"register","user_id":"alice","whitelist":[]}`)
	frame(sessB, `{"type":"register","user_id":"bob","whitelist":[]}`)

	connA.Close(context.Canceled)
	// A second close signal for the same session must be a no-op and
	// must not touch bob.
	sessA.HandleClose(uuid.Nil, context.Canceled)

	if _, ok := fx.registry.Lookup("room-1", "bob"); !ok {
		t.Error("Unrelated client was removed by repeated cleanup")
	}
	room, ok := fx.registry.FindRoom("room-1")
	if !ok || len(room.Members) != 1 {
		t.Error("Room membership inconsistent after repeated cleanup")
	}
}

func TestFrameAfterCloseIsDropped(t *testing.T) {
	fx := newFixture()
	sess, conn := fx.newSession("room-1")
	frame(sess, `{"type":"register","user_id":"alice","whitelist":[]}`)
	conn.Close(context.Canceled)

	// A frame racing the close must not panic or resurrect state.
	frame(sess, `{"type":"whitelist_add","user_id":"bob"}`)

	if fx.registry.RoomCount() != 0 {
		t.Error("Late frame recreated registry state")
	}
}
