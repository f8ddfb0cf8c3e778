package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"pairchat/server/internal/chat"
	"pairchat/server/internal/config"
	"pairchat/server/internal/model"
	"pairchat/server/internal/presence"
	"pairchat/server/internal/store"
)

type inFrame struct {
	Type  model.EventType `json:"type"`
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

type testEnv struct {
	server   *httptest.Server
	manager  *Manager
	registry *presence.Registry
	store    *store.MemoryStore
}

func newTestEnv(t *testing.T, mutate func(*config.GatewayConfig)) *testEnv {
	t.Helper()
	st := store.NewMemoryStore()
	env := newTestEnvWithStore(t, st, mutate)
	env.store = st
	return env
}

func newTestEnvWithStore(t *testing.T, st store.Store, mutate func(*config.GatewayConfig)) *testEnv {
	t.Helper()
	cfg := config.Default().Gateway
	cfg.PingInterval = 0
	cfg.PongWait = 0
	if mutate != nil {
		mutate(&cfg)
	}

	reg := presence.NewRegistry(nil)
	opts := chat.Options{MaxTextLength: cfg.MaxTextLength}
	m := NewManager(Services{
		Registry: reg,
		Relay:    chat.NewRelay(st, reg, opts, nil),
		Receipts: chat.NewReconciler(st, reg, opts, nil),
		Typing:   chat.NewTyping(reg, nil),
	}, cfg, nil)

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		m.Serve(r.Context(), ws, r.Header.Get("X-User-ID"))
	}))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Close(ctx)
		server.Close()
	})

	return &testEnv{server: server, manager: m, registry: reg}
}

type testClient struct {
	t      *testing.T
	conn   *websocket.Conn
	frames chan inFrame
}

func (e *testEnv) dial(t *testing.T, identity string) *testClient {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(e.server.URL, "http")
	header := http.Header{}
	if identity != "" {
		header.Set("X-User-ID", identity)
	}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	c := &testClient{t: t, conn: conn, frames: make(chan inFrame, 256)}
	go func() {
		defer close(c.frames)
		for {
			var f inFrame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			c.frames <- f
		}
	}()
	t.Cleanup(func() { _ = conn.Close() })
	return c
}

func (c *testClient) emit(typ model.EventType, data any) {
	c.t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		c.t.Fatalf("marshal: %v", err)
	}
	if err := c.conn.WriteJSON(model.ClientFrame{Type: typ, Data: raw}); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

// next 读到指定类型的帧为止，跳过其它帧
func (c *testClient) next(typ model.EventType) inFrame {
	c.t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case f, ok := <-c.frames:
			if !ok {
				c.t.Fatalf("connection closed while waiting for %s", typ)
			}
			if f.Type == typ {
				return f
			}
		case <-timeout:
			c.t.Fatalf("timeout waiting for %s", typ)
		}
	}
}

// none 在 wait 内没有收到指定类型的帧
func (c *testClient) none(typ model.EventType, wait time.Duration) {
	c.t.Helper()
	timeout := time.After(wait)
	for {
		select {
		case f, ok := <-c.frames:
			if !ok {
				return
			}
			if f.Type == typ {
				c.t.Fatalf("unexpected %s: %s", typ, f.Data)
			}
		case <-timeout:
			return
		}
	}
}

// waitOnline 在线列表可能被合并，等到出现期望的快照为止
func (c *testClient) waitOnline(want ...string) {
	c.t.Helper()
	if want == nil {
		want = []string{}
	}
	timeout := time.After(2 * time.Second)
	var last []string
	for {
		select {
		case f, ok := <-c.frames:
			if !ok {
				c.t.Fatalf("connection closed while waiting for users_online %v", want)
			}
			if f.Type != model.EventUsersOnline {
				continue
			}
			last = nil
			if err := json.Unmarshal(f.Data, &last); err != nil {
				c.t.Fatalf("decode users_online: %v", err)
			}
			if reflect.DeepEqual(last, want) {
				return
			}
		case <-timeout:
			c.t.Fatalf("timeout waiting for users_online %v, last %v", want, last)
		}
	}
}

func (c *testClient) online(userID string) {
	c.t.Helper()
	c.emit(model.EventUserOnline, model.UserOnlinePayload{UserID: userID})
}

func TestGateway_SendAndSeenScenario(t *testing.T) {
	env := newTestEnv(t, nil)
	u1 := env.dial(t, "")
	u2 := env.dial(t, "")

	u1.online("u1")
	u1.waitOnline("u1")
	u2.online("u2")
	u1.waitOnline("u1", "u2")
	u2.waitOnline("u1", "u2")

	u1.emit(model.EventSendMessage, model.SendMessagePayload{Sender: "u1", Receiver: "u2", Text: "hi"})

	var msg model.Message
	if err := json.Unmarshal(u2.next(model.EventReceiveMessage).Data, &msg); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if msg.ID == "" || msg.Sender != "u1" || msg.Receiver != "u2" || msg.Text != "hi" || msg.Seen {
		t.Fatalf("unexpected message: %+v", msg)
	}

	u2.emit(model.EventMarkSeen, model.MarkSeenPayload{SenderID: "u1", ReceiverID: "u2"})

	want := model.SeenReceipt{By: "u2", SenderID: "u1", ReceiverID: "u2", Count: 1}
	for name, c := range map[string]*testClient{"u1": u1, "u2": u2} {
		var got model.SeenReceipt
		if err := json.Unmarshal(c.next(model.EventMessagesSeen).Data, &got); err != nil {
			t.Fatalf("%s decode receipt: %v", name, err)
		}
		if got != want {
			t.Errorf("%s: expected %+v, got %+v", name, want, got)
		}
	}

	history, err := env.store.History(context.Background(), "u1", "u2")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || !history[0].Seen {
		t.Fatalf("expected one seen message, got %+v", history)
	}
}

func TestGateway_OfflineReceiver(t *testing.T) {
	env := newTestEnv(t, nil)
	u3 := env.dial(t, "")
	u3.online("u3")
	u3.waitOnline("u3")

	u3.emit(model.EventSendMessage, model.SendMessagePayload{Sender: "u3", Receiver: "u4", Text: "later"})

	deadline := time.Now().Add(2 * time.Second)
	for env.store.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	u4 := env.dial(t, "")
	u4.online("u4")
	u4.waitOnline("u3", "u4")
	u4.none(model.EventReceiveMessage, 100*time.Millisecond)

	history, err := env.store.History(context.Background(), "u3", "u4")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].Seen {
		t.Fatalf("expected one unseen message, got %+v", history)
	}
}

func TestGateway_DisconnectBroadcasts(t *testing.T) {
	env := newTestEnv(t, nil)
	u1 := env.dial(t, "")
	u2 := env.dial(t, "")
	u1.online("u1")
	u2.online("u2")
	u1.waitOnline("u1", "u2")

	_ = u2.conn.Close()
	u1.waitOnline("u1")

	if env.registry.IsOnline("u2") {
		t.Error("u2 should be offline after disconnect")
	}
}

func TestGateway_ReconnectKeepsNewerConnection(t *testing.T) {
	env := newTestEnv(t, nil)
	watcher := env.dial(t, "")
	old := env.dial(t, "")
	old.online("u1")
	watcher.waitOnline("u1")

	fresh := env.dial(t, "")
	fresh.online("u1")
	fresh.waitOnline("u1")

	_ = old.conn.Close()

	// 旧连接断开后 u1 仍在线，且消息投递到新连接
	deadline := time.Now().Add(2 * time.Second)
	for env.registry.Connections() != 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !env.registry.IsOnline("u1") {
		t.Fatal("u1 should stay online through the newer connection")
	}

	watcher.online("w")
	watcher.emit(model.EventSendMessage, model.SendMessagePayload{Sender: "w", Receiver: "u1", Text: "still there?"})
	fresh.next(model.EventReceiveMessage)
}

func TestGateway_AnonymousMustRegisterFirst(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.dial(t, "")

	c.emit(model.EventSendMessage, model.SendMessagePayload{Sender: "u1", Receiver: "u2", Text: "hi"})
	f := c.next(model.EventError)
	if !strings.Contains(f.Error, ErrNotRegistered.Error()) {
		t.Errorf("expected not registered error, got %q", f.Error)
	}
	if env.store.Len() != 0 {
		t.Error("nothing should be persisted")
	}
}

func TestGateway_IdentityEnforced(t *testing.T) {
	env := newTestEnv(t, func(c *config.GatewayConfig) { c.AutoRegister = true })
	u1 := env.dial(t, "u1")
	u1.waitOnline("u1")

	u1.emit(model.EventUserOnline, model.UserOnlinePayload{UserID: "someone-else"})
	if f := u1.next(model.EventError); !strings.Contains(f.Error, ErrIdentityMismatch.Error()) {
		t.Errorf("expected identity mismatch, got %q", f.Error)
	}

	u1.emit(model.EventSendMessage, model.SendMessagePayload{Sender: "u2", Receiver: "u3", Text: "spoof"})
	if f := u1.next(model.EventError); !strings.Contains(f.Error, ErrIdentityMismatch.Error()) {
		t.Errorf("expected identity mismatch, got %q", f.Error)
	}

	u1.emit(model.EventMarkSeen, model.MarkSeenPayload{SenderID: "u1", ReceiverID: "u2"})
	if f := u1.next(model.EventError); !strings.Contains(f.Error, ErrIdentityMismatch.Error()) {
		t.Errorf("expected identity mismatch, got %q", f.Error)
	}

	if env.store.Len() != 0 {
		t.Error("spoofed message must not be persisted")
	}
}

func TestGateway_MalformedFramesKeepConnection(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.dial(t, "")

	if err := c.conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	c.next(model.EventError)

	c.emit("dance", map[string]string{})
	if f := c.next(model.EventError); !strings.Contains(f.Error, "unknown event") {
		t.Errorf("expected unknown event error, got %q", f.Error)
	}

	c.emit(model.EventUserOnline, model.UserOnlinePayload{})
	c.next(model.EventError)

	c.online("u1")
	c.waitOnline("u1")

	c.emit(model.EventSendMessage, model.SendMessagePayload{Sender: "u1", Receiver: "u2", Text: ""})
	if f := c.next(model.EventError); !strings.Contains(f.Error, chat.ErrEmptyText.Error()) {
		t.Errorf("expected empty text error, got %q", f.Error)
	}
}

func TestGateway_Typing(t *testing.T) {
	env := newTestEnv(t, nil)
	u1 := env.dial(t, "")
	u2 := env.dial(t, "")
	u1.online("u1")
	u2.online("u2")
	u1.waitOnline("u1", "u2")

	u1.emit(model.EventTyping, model.TypingPayload{Receiver: "u2"})
	f := u2.next(model.EventUserTyping)
	if string(f.Data) != "{}" {
		t.Errorf("expected empty payload, got %s", f.Data)
	}

	u1.emit(model.EventStopTyping, model.TypingPayload{Receiver: "u2"})
	u2.next(model.EventUserStoppedTyping)

	// 发给离线用户不报错
	u1.emit(model.EventTyping, model.TypingPayload{Receiver: "ghost"})
	u1.none(model.EventError, 100*time.Millisecond)
}

func TestGateway_PerSenderOrdering(t *testing.T) {
	env := newTestEnv(t, nil)
	u1 := env.dial(t, "")
	u2 := env.dial(t, "")
	u1.online("u1")
	u2.online("u2")
	u1.waitOnline("u1", "u2")

	const n = 20
	for i := 0; i < n; i++ {
		u1.emit(model.EventSendMessage, model.SendMessagePayload{Sender: "u1", Receiver: "u2", Text: string(rune('a' + i))})
	}
	for i := 0; i < n; i++ {
		var msg model.Message
		if err := json.Unmarshal(u2.next(model.EventReceiveMessage).Data, &msg); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if want := string(rune('a' + i)); msg.Text != want {
			t.Fatalf("message %d: expected %q, got %q", i, want, msg.Text)
		}
	}
}

func TestManager_CloseDisconnectsClients(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.dial(t, "")
	c.online("u1")
	c.waitOnline("u1")

	if stats := env.manager.Stats(); len(stats) != 1 || stats[0].UserID != "u1" {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	if err := env.manager.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}

	timeout := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-c.frames:
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("client connection was not closed")
		}
	}
}

func TestConn_SendDropsNewestWhenFull(t *testing.T) {
	c := newConn(nil, "", config.GatewayConfig{OutboundQueueSize: 2}, zap.NewNop())

	if !c.Send(model.NewEnvelope(model.EventUserTyping, model.Empty{})) {
		t.Fatal("first send should be queued")
	}
	if !c.Send(model.NewEnvelope(model.EventUserStoppedTyping, model.Empty{})) {
		t.Fatal("second send should be queued")
	}
	if c.Send(model.NewEnvelope(model.EventReceiveMessage, model.Empty{})) {
		t.Fatal("third send should be dropped")
	}

	if got := (<-c.out).Type; got != model.EventUserTyping {
		t.Errorf("expected oldest frame kept first, got %s", got)
	}
	if got := (<-c.out).Type; got != model.EventUserStoppedTyping {
		t.Errorf("expected second frame kept, got %s", got)
	}
	if c.dropped.Load() != 1 {
		t.Errorf("expected 1 dropped, got %d", c.dropped.Load())
	}
}

func TestConn_PresenceLatestWins(t *testing.T) {
	c := newConn(nil, "", config.GatewayConfig{OutboundQueueSize: 1}, zap.NewNop())

	c.PublishPresence([]string{"u1"})
	c.PublishPresence([]string{"u1", "u2"})
	c.PublishPresence([]string{"u2"})

	users, ok := c.takePresence()
	if !ok || !reflect.DeepEqual(users, []string{"u2"}) {
		t.Fatalf("expected latest snapshot [u2], got %v (%v)", users, ok)
	}
	if _, ok := c.takePresence(); ok {
		t.Error("snapshot should be consumed")
	}
}

// slowStore 在写入前阻塞，模拟关闭时仍在处理的事件
type slowStore struct {
	*store.MemoryStore
	started chan struct{}
	delay   time.Duration
}

func (s *slowStore) Append(ctx context.Context, msg *model.Message) error {
	select {
	case s.started <- struct{}{}:
	default:
	}
	time.Sleep(s.delay)
	return s.MemoryStore.Append(ctx, msg)
}

func TestManager_CloseWaitsForInFlightEvents(t *testing.T) {
	st := &slowStore{MemoryStore: store.NewMemoryStore(), started: make(chan struct{}, 1), delay: 150 * time.Millisecond}
	env := newTestEnvWithStore(t, st, nil)

	c := env.dial(t, "")
	c.online("u1")
	c.waitOnline("u1")
	c.emit(model.EventSendMessage, model.SendMessagePayload{Sender: "u1", Receiver: "u2", Text: "bye"})

	select {
	case <-st.started:
	case <-time.After(2 * time.Second):
		t.Fatal("append never started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := env.manager.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if n := st.Len(); n != 1 {
		t.Fatalf("expected message persisted before Close returned, got %d", n)
	}
	if env.registry.Len() != 0 {
		t.Fatalf("expected registry empty after close, got %d", env.registry.Len())
	}
}

func TestManager_CloseHonoursContext(t *testing.T) {
	st := &slowStore{MemoryStore: store.NewMemoryStore(), started: make(chan struct{}, 1), delay: 500 * time.Millisecond}
	env := newTestEnvWithStore(t, st, nil)

	c := env.dial(t, "")
	c.online("u1")
	c.waitOnline("u1")
	c.emit(model.EventSendMessage, model.SendMessagePayload{Sender: "u1", Receiver: "u2", Text: "late"})
	<-st.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := env.manager.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestManager_RejectsPaddedUserID(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.dial(t, "")

	c.emit(model.EventUserOnline, model.UserOnlinePayload{UserID: " u1"})
	f := c.next(model.EventError)
	if !strings.Contains(f.Error, "whitespace") {
		t.Fatalf("unexpected error: %q", f.Error)
	}
	if env.registry.IsOnline(" u1") || env.registry.IsOnline("u1") || env.registry.Len() != 0 {
		t.Fatalf("padded id must not be registered")
	}

	// 规范的 id 仍可上线
	c.online("u1")
	c.waitOnline("u1")
}
