package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"pairchat/server/internal/auth"
	"pairchat/server/internal/chat"
	"pairchat/server/internal/config"
	"pairchat/server/internal/gateway"
	"pairchat/server/internal/logger"
	"pairchat/server/internal/presence"
)

// Deps HTTP 层依赖的组件
type Deps struct {
	Registry *presence.Registry
	Relay    *chat.Relay
	Receipts *chat.Reconciler
	Gateway  *gateway.Manager
	Resolver *auth.Resolver
}

type Server struct {
	cfg      config.ServerConfig
	deps     Deps
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

func NewServer(cfg config.ServerConfig, deps Deps, log *zap.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger.OrNop(log).Named("api"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			// 非浏览器客户端不带 Origin
			origin := r.Header.Get("Origin")
			return origin == "" || s.originAllowed(origin)
		},
	}
	return s
}

func (s *Server) Routes() http.Handler {
	// Gin 统一承载中间件与路由，便于扩展日志/鉴权/限流等能力。
	engine := gin.New()
	engine.Use(s.requestLogger(), gin.Recovery(), s.corsMiddleware())
	engine.GET("/healthz", s.handleHealthz)
	engine.GET("/ws", s.handleWebSocket)

	apiGroup := engine.Group("/api", auth.RequireIdentity(s.deps.Resolver))
	apiGroup.GET("/messages/:userId", s.handleHistory)
	apiGroup.POST("/messages", s.handleSendMessage)
	apiGroup.POST("/messages/:userId/seen", s.handleMarkSeen)
	apiGroup.GET("/online", s.handleOnline)
	apiGroup.GET("/connections", s.handleConnections)
	return engine
}

// handleHealthz 返回服务健康状态。
func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"online":      s.deps.Registry.Len(),
		"connections": s.deps.Registry.Connections(),
	})
}

// handleWebSocket 解析身份后升级连接，交给网关直到断开。
func (s *Server) handleWebSocket(c *gin.Context) {
	identity, err := s.deps.Resolver.Resolve(c.Request)
	if err != nil {
		s.logger.Debug("websocket rejected", zap.String("remote", c.ClientIP()), zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": auth.ErrUnauthenticated.Error()})
		return
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade 已经写回了错误响应
		s.logger.Warn("websocket upgrade failed", zap.String("origin", c.GetHeader("Origin")), zap.Error(err))
		return
	}
	s.deps.Gateway.Serve(c.Request.Context(), ws, identity)
}

// handleHistory 返回调用者与 :userId 之间的全部消息（时间升序），不改变已读状态。
func (s *Server) handleHistory(c *gin.Context) {
	msgs, err := s.deps.Relay.History(c.Request.Context(), auth.UserID(c), c.Param("userId"))
	if err != nil {
		s.fail(c, "load history failed", err)
		return
	}
	c.JSON(http.StatusOK, msgs)
}

type sendMessageRequest struct {
	Receiver string `json:"receiver"`
	Text     string `json:"text"`
}

// handleSendMessage 走与 send_message 相同的路径：先落库，再投递给在线的接收方。
func (s *Server) handleSendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	msg, err := s.deps.Relay.Send(c.Request.Context(), auth.UserID(c), req.Receiver, req.Text)
	if err != nil {
		s.fail(c, "send message failed", err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// handleMarkSeen 调用者作为接收方，把来自 :userId 的未读消息置为已读。
func (s *Server) handleMarkSeen(c *gin.Context) {
	receipt, err := s.deps.Receipts.MarkSeen(c.Request.Context(), c.Param("userId"), auth.UserID(c))
	if err != nil {
		s.fail(c, "mark seen failed", err)
		return
	}
	c.JSON(http.StatusOK, receipt)
}

func (s *Server) handleOnline(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"users": s.deps.Registry.Online()})
}

func (s *Server) handleConnections(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Gateway.Stats())
}

// fail 参数错误返回 400；其余记录日志，只返回概要信息。
func (s *Server) fail(c *gin.Context, summary string, err error) {
	switch {
	case errors.Is(err, chat.ErrMissingParticipant),
		errors.Is(err, chat.ErrEmptyText),
		errors.Is(err, chat.ErrTextTooLong):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		s.logger.Error(summary, zap.String("path", c.FullPath()), zap.String("user_id", auth.UserID(c)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": summary})
	}
}

func (s *Server) originAllowed(origin string) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range s.cfg.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && s.originAllowed(origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// requestLogger 用 zap 替代 gin.Logger()
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
