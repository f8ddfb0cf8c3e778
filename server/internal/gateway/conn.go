package gateway

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"pairchat/server/internal/config"
	"pairchat/server/internal/model"
)

// Conn 是一条客户端 WebSocket 连接，实现 presence.Handle。
//
// 出站：普通事件进入有界队列，满了丢弃最新一帧并计数；
// 在线列表走单独的覆盖式槽位，只保留最新快照，不会因为队列满而丢失。
// 所有写操作都由 writePump 一个协程完成。
type Conn struct {
	id       string
	ws       *websocket.Conn
	identity string // 握手阶段认证出的用户，匿名为空
	cfg      config.GatewayConfig
	logger   *zap.Logger

	out      chan model.Envelope
	presence struct {
		sync.Mutex
		users []string
		dirty bool
	}
	wake chan struct{}

	userMu sync.RWMutex
	userID string // user_online 登记的用户

	done      chan struct{}
	closeOnce sync.Once

	sent    atomic.Int64
	dropped atomic.Int64
}

// ConnStats 单连接统计
type ConnStats struct {
	ID       string     `json:"id"`
	UserID   string     `json:"user_id,omitempty"`
	Queued   int        `json:"queued"`
	Sent     int64      `json:"sent"`
	Dropped  int64      `json:"dropped"`
	Inbound  QueueStats `json:"inbound"`
	Identity string     `json:"identity,omitempty"`
}

func newConn(ws *websocket.Conn, identity string, cfg config.GatewayConfig, log *zap.Logger) *Conn {
	size := cfg.OutboundQueueSize
	if size <= 0 {
		size = 256
	}
	id := uuid.NewString()
	return &Conn{
		id:       id,
		ws:       ws,
		identity: identity,
		cfg:      cfg,
		logger:   log.With(zap.String("conn_id", id)),
		out:      make(chan model.Envelope, size),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (c *Conn) ID() string { return c.id }

// Send 非阻塞投递；连接已关闭或队列满时返回 false。
func (c *Conn) Send(env model.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.out <- env:
		return true
	default:
		n := c.dropped.Add(1)
		c.logger.Warn("⚠️ outbound queue full, dropping frame",
			zap.String("type", string(env.Type)), zap.String("user_id", c.UserID()), zap.Int64("dropped", n))
		return false
	}
}

// PublishPresence 覆盖旧快照并唤醒写协程。users 只读。
func (c *Conn) PublishPresence(users []string) {
	c.presence.Lock()
	c.presence.users = users
	c.presence.dirty = true
	c.presence.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Conn) takePresence() ([]string, bool) {
	c.presence.Lock()
	defer c.presence.Unlock()
	if !c.presence.dirty {
		return nil, false
	}
	c.presence.dirty = false
	return c.presence.users, true
}

// UserID user_online 登记的用户，未登记为空
func (c *Conn) UserID() string {
	c.userMu.RLock()
	defer c.userMu.RUnlock()
	return c.userID
}

func (c *Conn) setUserID(id string) {
	c.userMu.Lock()
	c.userID = id
	c.userMu.Unlock()
}

// Identity 握手阶段认证出的用户
func (c *Conn) Identity() string { return c.identity }

// Done 连接关闭后返回的 channel 被关闭
func (c *Conn) Done() <-chan struct{} { return c.done }

// readPump 读取客户端帧并交给 onFrame；返回即代表连接结束。
func (c *Conn) readPump(onFrame func(*model.ClientFrame)) {
	if c.cfg.MaxMessageBytes > 0 {
		c.ws.SetReadLimit(c.cfg.MaxMessageBytes)
	}
	if c.cfg.PongWait > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		c.ws.SetPongHandler(func(string) error {
			return c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		})
	}

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.logger.Debug("client read error", zap.Error(err))
			}
			return
		}

		if messageType != websocket.TextMessage {
			c.Send(model.ErrorEnvelope("binary frames are not supported"))
			continue
		}

		var f model.ClientFrame
		if err := json.Unmarshal(data, &f); err != nil || f.Type == "" {
			// 格式错误只影响本连接，不断开
			c.Send(model.ErrorEnvelope(ErrInvalidPayload.Error() + ": malformed frame"))
			continue
		}
		onFrame(&f)
	}
}

// writePump 唯一的写协程：在线列表快照、普通事件、心跳。
func (c *Conn) writePump() {
	var ping <-chan time.Time
	if c.cfg.PingInterval > 0 {
		ticker := time.NewTicker(c.cfg.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}
	defer c.Close()

	for {
		// 在线列表优先
		if users, ok := c.takePresence(); ok {
			if !c.write(model.NewEnvelope(model.EventUsersOnline, users)) {
				return
			}
		}

		select {
		case <-c.done:
			return
		case <-c.wake:
		case env := <-c.out:
			if !c.write(env) {
				return
			}
		case <-ping:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout())); err != nil {
				c.logger.Debug("ping failed", zap.Error(err))
				return
			}
		}
	}
}

func (c *Conn) write(env model.Envelope) bool {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout()))
	if err := c.ws.WriteJSON(env); err != nil {
		c.logger.Debug("write to client failed", zap.String("type", string(env.Type)), zap.Error(err))
		return false
	}
	c.sent.Add(1)
	return true
}

func (c *Conn) writeTimeout() time.Duration {
	if c.cfg.WriteTimeout > 0 {
		return c.cfg.WriteTimeout
	}
	return 10 * time.Second
}

// Close 关闭连接（幂等）。读循环随之返回。
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) stats(inbound QueueStats) ConnStats {
	return ConnStats{
		ID:       c.id,
		UserID:   c.UserID(),
		Identity: c.identity,
		Queued:   len(c.out),
		Sent:     c.sent.Load(),
		Dropped:  c.dropped.Load(),
		Inbound:  inbound,
	}
}
