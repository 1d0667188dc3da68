package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"paychat_core/internal/auth"
	"paychat_core/internal/clock"
	"paychat_core/internal/command"
	"paychat_core/internal/domain"
	"paychat_core/internal/keylock"
	"paychat_core/internal/pipeline"
	"paychat_core/internal/presence"
	"paychat_core/internal/pubsub"
	"paychat_core/internal/repository"
	"paychat_core/internal/rooms"
	"paychat_core/internal/scheduler"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type outFrame struct {
	Type   string          `json:"type"`
	RoomID string          `json:"roomId"`
	Data   json.RawMessage `json:"data"`
}

type env struct {
	srv      *httptest.Server
	jwt      *auth.JWTManager
	hub      *Hub
	presence *presence.Registry
	clk      *clock.FakeClock
	store    *repository.MemoryStore
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store := repository.NewMemoryStore()
	dir := rooms.NewDirectory(store, store)
	if err := dir.EnsureDefaultRoom(context.Background()); err != nil {
		t.Fatal(err)
	}
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	locks := keylock.New()
	bus := pubsub.NewBus()
	sched := scheduler.New(store, bus, scheduler.Config{Delay: time.Second, Clock: clk, Locks: locks})
	t.Cleanup(sched.Stop)
	reg := presence.NewRegistry(presence.NewMemoryRepository())

	p := pipeline.New(pipeline.Deps{
		Messages:  store,
		Outbox:    store,
		Rooms:     dir,
		Commands:  command.NewProcessor(nil, clk),
		Scheduler: sched,
		Bus:       bus,
	}, pipeline.Config{Clock: clk, Locks: locks})

	jwtm, err := auth.NewJWTManager(testSecret, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	hub := NewHub(p, dir, reg, bus, jwtm, Config{Clock: clk, Locks: locks, AllowedOrigins: []string{"*"}})
	go func() { _ = hub.RunWithContext(ctx) }()

	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	return &env{srv: srv, jwt: jwtm, hub: hub, presence: reg, clk: clk, store: store}
}

func (e *env) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	token, err := e.jwt.GenerateToken(userID, "")
	if err != nil {
		t.Fatal(err)
	}
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func write(t *testing.T, conn *websocket.Conn, typ string, data any) {
	t.Helper()
	if err := conn.WriteJSON(map[string]any{"type": typ, "data": data}); err != nil {
		t.Fatal(err)
	}
}

func read(t *testing.T, conn *websocket.Conn) outFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var f outFrame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return f
}

func expect(t *testing.T, conn *websocket.Conn, typ string) outFrame {
	t.Helper()
	f := read(t, conn)
	if f.Type != typ {
		t.Fatalf("frame type = %q (%s), want %q", f.Type, f.Data, typ)
	}
	return f
}

func joinMain(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	write(t, conn, FrameJoinRoom, map[string]string{"roomId": domain.DefaultRoomID})
	expect(t, conn, "history")
	expect(t, conn, "roomInfo")
}

func TestServeHTTP_RequiresToken(t *testing.T) {
	e := newEnv(t)
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial without token succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("response = %v, want 401", resp)
	}

	_, resp, err = websocket.DefaultDialer.Dial(url+"?token=bogus", nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bogus token: err=%v resp=%v", err, resp)
	}
}

func TestPingPong(t *testing.T) {
	e := newEnv(t)
	conn := e.dial(t, "alice")
	write(t, conn, FramePing, nil)
	expect(t, conn, FramePong)
}

func TestSendMessage_FanOutAndStatus(t *testing.T) {
	e := newEnv(t)
	alice := e.dial(t, "alice")
	bob := e.dial(t, "bob")
	joinMain(t, alice)
	joinMain(t, bob)

	write(t, alice, FrameSendMessage, map[string]string{"roomId": "main", "content": "hello bob"})

	var msg domain.Message
	for _, conn := range []*websocket.Conn{alice, bob} {
		f := expect(t, conn, "newMessage")
		if err := json.Unmarshal(f.Data, &msg); err != nil {
			t.Fatal(err)
		}
		if msg.Content != "hello bob" || msg.SenderID != "alice" || msg.Status != domain.StatusSent {
			t.Fatalf("message = %+v", msg)
		}
	}

	e.clk.Advance(time.Second)
	f := expect(t, bob, "statusChanged")
	var sc pubsub.StatusChangedData
	if err := json.Unmarshal(f.Data, &sc); err != nil {
		t.Fatal(err)
	}
	if sc.MessageID != msg.ID || sc.Status != domain.StatusDelivered {
		t.Errorf("status = %+v", sc)
	}
	expect(t, alice, "statusChanged")

	write(t, bob, FrameMarkRead, map[string]any{"roomId": "main", "messageIds": []string{msg.ID}})
	f = expect(t, alice, "readAcknowledged")
	var ra pubsub.ReadAcknowledgedData
	if err := json.Unmarshal(f.Data, &ra); err != nil {
		t.Fatal(err)
	}
	if ra.ReadBy != "bob" || len(ra.MessageIDs) != 1 {
		t.Errorf("read ack = %+v", ra)
	}
}

func TestJoinRoom_SendsHistory(t *testing.T) {
	e := newEnv(t)
	alice := e.dial(t, "alice")
	joinMain(t, alice)
	write(t, alice, FrameSendMessage, map[string]string{"roomId": "main", "content": "first"})
	expect(t, alice, "newMessage")

	bob := e.dial(t, "bob")
	write(t, bob, FrameJoinRoom, map[string]string{"roomId": "main"})
	f := expect(t, bob, "history")
	var h pubsub.HistoryData
	if err := json.Unmarshal(f.Data, &h); err != nil {
		t.Fatal(err)
	}
	if len(h.Messages) != 1 || h.Messages[0].Content != "first" {
		t.Fatalf("history = %+v", h.Messages)
	}
	f = expect(t, bob, "roomInfo")
	var info pubsub.RoomInfoData
	if err := json.Unmarshal(f.Data, &info); err != nil {
		t.Fatal(err)
	}
	if !info.Room.HasParticipant("bob") || info.Room.Name != "Main Chat" {
		t.Errorf("room = %+v", info.Room)
	}
}

func TestSubmitError_OnlyToSender(t *testing.T) {
	e := newEnv(t)
	alice := e.dial(t, "alice")
	bob := e.dial(t, "bob")
	joinMain(t, alice)
	joinMain(t, bob)

	write(t, alice, FrameSendMessage, map[string]string{"roomId": "main", "content": "  "})
	expect(t, alice, "submitError")

	write(t, alice, "shout", nil)
	expect(t, alice, "submitError")

	// bob's next frame must be his own pong, not an error leak
	write(t, bob, FramePing, nil)
	expect(t, bob, FramePong)
}

func TestTyping_ExcludesSender(t *testing.T) {
	e := newEnv(t)
	alice := e.dial(t, "alice")
	bob := e.dial(t, "bob")
	joinMain(t, alice)
	joinMain(t, bob)

	write(t, alice, FrameTyping, map[string]any{"roomId": "main", "isTyping": true})
	f := expect(t, bob, "typingChanged")
	var td pubsub.TypingChangedData
	if err := json.Unmarshal(f.Data, &td); err != nil {
		t.Fatal(err)
	}
	if td.UserID != "alice" || !td.IsTyping {
		t.Errorf("typing = %+v", td)
	}

	write(t, alice, FramePing, nil)
	expect(t, alice, FramePong)
}

func TestPresence_JoinUserAndDisconnect(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	first := e.dial(t, "carol")
	second := e.dial(t, "carol")

	write(t, first, FrameJoinUser, map[string]string{"userId": "carol"})
	write(t, first, FramePing, nil)
	expect(t, first, FramePong)
	if online, _ := e.presence.IsOnline(ctx, "carol"); !online {
		t.Fatal("carol should be online after join-user")
	}

	write(t, second, FrameJoinUser, map[string]string{"userId": "mallory"})
	expect(t, second, "submitError")

	_ = first.Close()
	waitFor(t, func() bool { return e.hub.SessionCount("carol") == 1 })
	if online, _ := e.presence.IsOnline(ctx, "carol"); !online {
		t.Fatal("carol went offline while a session remains")
	}

	e.clk.Advance(time.Second)
	_ = second.Close()
	waitFor(t, func() bool {
		online, _ := e.presence.IsOnline(ctx, "carol")
		return !online
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
