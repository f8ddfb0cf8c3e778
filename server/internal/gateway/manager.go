package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"pairchat/server/internal/chat"
	"pairchat/server/internal/config"
	"pairchat/server/internal/logger"
	"pairchat/server/internal/model"
	"pairchat/server/internal/presence"
	"pairchat/server/internal/store"
)

// Services 网关分发事件所需的业务组件
type Services struct {
	Registry *presence.Registry
	Relay    *chat.Relay
	Receipts *chat.Reconciler
	Typing   *chat.Typing
}

// Manager 管理连接生命周期：接入、登记、事件分发、断开清理。
type Manager struct {
	svc    Services
	cfg    config.GatewayConfig
	logger *zap.Logger

	mu     sync.Mutex
	conns  map[*Conn]*EventQueue
	closed bool
	wg     sync.WaitGroup // 正在运行的 Serve
}

func NewManager(svc Services, cfg config.GatewayConfig, log *zap.Logger) *Manager {
	return &Manager{
		svc:    svc,
		cfg:    cfg,
		logger: logger.OrNop(log).Named("gateway"),
		conns:  make(map[*Conn]*EventQueue),
	}
}

// Serve 接管一条已升级的 WebSocket 连接，阻塞到连接结束。
// identity 为握手阶段认证出的用户（匿名为空）；开启 auto_register 时直接上线。
func (m *Manager) Serve(ctx context.Context, ws *websocket.Conn, identity string) {
	c := newConn(ws, identity, m.cfg, m.logger)
	queue := NewEventQueue(c.id, func(ctx context.Context, f *model.ClientFrame) error {
		return m.handle(ctx, c, f)
	}, QueueOptions{Capacity: m.cfg.InboundQueueSize, Timeout: m.cfg.EventTimeout}, m.logger)

	if !m.track(c, queue) {
		_ = queue.Close()
		_ = c.Close()
		return
	}
	defer m.wg.Done()

	m.svc.Registry.Attach(c)
	if identity != "" && m.cfg.AutoRegister {
		m.register(c, identity)
	}
	m.logger.Info("🔌 client connected",
		zap.String("conn_id", c.id), zap.String("identity", identity), zap.String("remote", ws.RemoteAddr().String()))

	go c.writePump()
	go func() {
		select {
		case <-ctx.Done():
			_ = c.Close()
		case <-c.done:
		}
	}()

	c.readPump(func(f *model.ClientFrame) {
		if err := queue.Enqueue(f); err != nil {
			c.Send(model.ErrorEnvelope(err.Error()))
		}
	})

	// 先把已收到的事件处理完，再从注册表移除
	_ = queue.Close()
	removed := m.svc.Registry.Unregister(c)
	_ = c.Close()
	m.untrack(c)

	st := c.stats(queue.Stats())
	m.logger.Info("client disconnected",
		zap.String("conn_id", c.id), zap.Strings("offline", removed),
		zap.Int64("sent", st.Sent), zap.Int64("dropped", st.Dropped), zap.Int64("inbound", st.Inbound.Processed))
}

func (m *Manager) track(c *Conn, q *EventQueue) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.conns[c] = q
	m.wg.Add(1)
	return true
}

func (m *Manager) untrack(c *Conn) {
	m.mu.Lock()
	delete(m.conns, c)
	m.mu.Unlock()
}

// Stats 当前所有连接的统计
func (m *Manager) Stats() []ConnStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ConnStats, 0, len(m.conns))
	for c, q := range m.conns {
		out = append(out, c.stats(q.Stats()))
	}
	return out
}

// Close 拒绝新连接并关闭所有现存连接（http.Server.Shutdown 不会关闭已劫持的连接），
// 然后等待每个 Serve 处理完已入队的事件，最多等到 ctx 结束。
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	conns := make([]*Conn, 0, len(m.conns))
	for c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("gateway closed", zap.Int("connections", len(conns)))
		return nil
	case <-ctx.Done():
		m.logger.Warn("gateway close timed out", zap.Int("connections", len(conns)), zap.Error(ctx.Err()))
		return ctx.Err()
	}
}

func (m *Manager) register(c *Conn, userID string) {
	c.setUserID(userID)
	m.svc.Registry.Register(userID, c)
	m.logger.Info("user online", zap.String("user_id", userID), zap.String("conn_id", c.id))
}

// handle 在连接的串行队列里执行；失败时只给本连接回 error 事件。
func (m *Manager) handle(ctx context.Context, c *Conn, f *model.ClientFrame) error {
	err := m.dispatch(ctx, c, f)
	if err != nil {
		c.Send(model.ErrorEnvelope(clientError(err)))
		if isClientFault(err) {
			m.logger.Debug("rejected client event", zap.String("conn_id", c.id), zap.String("type", string(f.Type)), zap.Error(err))
		} else {
			m.logger.Error("❌ event failed", zap.String("conn_id", c.id), zap.String("type", string(f.Type)), zap.Error(err))
		}
	}
	return err
}

func (m *Manager) dispatch(ctx context.Context, c *Conn, f *model.ClientFrame) error {
	switch f.Type {
	case model.EventUserOnline:
		var p model.UserOnlinePayload
		if err := decode(f.Data, &p); err != nil {
			return err
		}
		if strings.TrimSpace(p.UserID) == "" {
			return fmt.Errorf("%w: userId is required", ErrInvalidPayload)
		}
		if strings.TrimSpace(p.UserID) != p.UserID {
			return fmt.Errorf("%w: userId must not have surrounding whitespace", ErrInvalidPayload)
		}
		if err := c.checkIdentity(p.UserID); err != nil {
			return err
		}
		m.register(c, p.UserID)
		return nil

	case model.EventSendMessage:
		var p model.SendMessagePayload
		if err := decode(f.Data, &p); err != nil {
			return err
		}
		if err := m.authorize(c, p.Sender); err != nil {
			return err
		}
		_, err := m.svc.Relay.Send(ctx, p.Sender, p.Receiver, p.Text)
		return err

	case model.EventMarkSeen:
		var p model.MarkSeenPayload
		if err := decode(f.Data, &p); err != nil {
			return err
		}
		// 已读由接收方发起
		if err := m.authorize(c, p.ReceiverID); err != nil {
			return err
		}
		_, err := m.svc.Receipts.MarkSeen(ctx, p.SenderID, p.ReceiverID)
		return err

	case model.EventTyping, model.EventStopTyping:
		var p model.TypingPayload
		if err := decode(f.Data, &p); err != nil {
			return err
		}
		if p.Receiver == "" {
			return fmt.Errorf("%w: receiver is required", ErrInvalidPayload)
		}
		if err := m.authorize(c, ""); err != nil {
			return err
		}
		if f.Type == model.EventTyping {
			m.svc.Typing.Typing(p.Receiver)
		} else {
			m.svc.Typing.StopTyping(p.Receiver)
		}
		return nil

	default:
		return fmt.Errorf("%w: %q", ErrUnknownEvent, f.Type)
	}
}

// authorize 认证连接要求 actor 与身份一致；匿名连接必须先 user_online。
// actor 为空时只检查是否已登记。
func (m *Manager) authorize(c *Conn, actor string) error {
	if c.identity != "" {
		if actor != "" {
			return c.checkIdentity(actor)
		}
		return nil
	}
	if c.UserID() == "" {
		return ErrNotRegistered
	}
	return nil
}

func (c *Conn) checkIdentity(userID string) error {
	if c.identity != "" && c.identity != userID {
		return fmt.Errorf("%w: %q", ErrIdentityMismatch, userID)
	}
	return nil
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data", ErrInvalidPayload)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

var clientFaults = []error{
	ErrInvalidPayload,
	ErrUnknownEvent,
	ErrNotRegistered,
	ErrIdentityMismatch,
	chat.ErrMissingParticipant,
	chat.ErrEmptyText,
	chat.ErrTextTooLong,
	store.ErrInvalidMessage,
}

func isClientFault(err error) bool {
	for _, target := range clientFaults {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// clientError 客户端可见的错误文本；内部错误（存储等）不外泄细节。
func clientError(err error) string {
	if isClientFault(err) {
		return err.Error()
	}
	return "internal error"
}
