package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"pairchat/server/internal/logger"
)

// RedisMirrorOptions Redis 在线镜像参数
type RedisMirrorOptions struct {
	KeyPrefix string        // 默认 "pairchat:presence:"
	NodeID    string        // 写入 value，标识用户所在网关
	TTL       time.Duration // key 过期时间，进程崩溃后自动失效
}

// RedisMirror 把进程内注册表的变更异步同步到 Redis，供外部系统读取。
// 它从不参与 lookup。变更按用户合并为最新状态，由单个 worker 批量写入，
// 因此不会丢失下线：worker 只为仍在线的用户续期。
type RedisMirror struct {
	client *redis.Client
	opts   RedisMirrorOptions
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]bool // userID -> 最新状态（true 在线）
	wake    chan struct{}

	// 仅 worker 协程访问
	online map[string]struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewRedisMirror 创建镜像并启动 worker。
func NewRedisMirror(client *redis.Client, opts RedisMirrorOptions, log *zap.Logger) *RedisMirror {
	m := newRedisMirror(client, opts, log)
	m.start()
	return m
}

func newRedisMirror(client *redis.Client, opts RedisMirrorOptions, log *zap.Logger) *RedisMirror {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "pairchat:presence:"
	}
	if opts.TTL <= 0 {
		opts.TTL = 90 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &RedisMirror{
		client:  client,
		opts:    opts,
		logger:  logger.OrNop(log).Named("presence.redis"),
		pending: make(map[string]bool),
		wake:    make(chan struct{}, 1),
		online:  make(map[string]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (m *RedisMirror) start() {
	m.wg.Add(1)
	go m.loop()
}

func (m *RedisMirror) key(userID string) string {
	return m.opts.KeyPrefix + userID
}

// Online 实现 Mirror
func (m *RedisMirror) Online(userID string) { m.set(userID, true) }

// Offline 实现 Mirror
func (m *RedisMirror) Offline(userID string) { m.set(userID, false) }

// set 覆盖该用户的待写状态并唤醒 worker，从不阻塞。
func (m *RedisMirror) set(userID string, online bool) {
	select {
	case <-m.ctx.Done():
		return
	default:
	}

	m.mu.Lock()
	m.pending[userID] = online
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *RedisMirror) takePending() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) == 0 {
		return nil
	}
	batch := m.pending
	m.pending = make(map[string]bool)
	return batch
}

func (m *RedisMirror) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.TTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.wake:
			m.flush(m.takePending())
		case <-ticker.C:
			// 续期前先落地待写变更，已下线的用户不会被续期
			m.flush(m.takePending())
			m.refresh()
		}
	}
}

func (m *RedisMirror) flush(batch map[string]bool) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(m.ctx, 3*time.Second)
	defer cancel()

	for userID, online := range batch {
		if online {
			m.online[userID] = struct{}{}
		} else {
			delete(m.online, userID)
		}
	}

	_, err := m.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for userID, online := range batch {
			if online {
				p.Set(ctx, m.key(userID), m.opts.NodeID, m.opts.TTL)
			} else {
				p.Del(ctx, m.key(userID))
			}
		}
		return nil
	})
	if err != nil {
		// 失败的上线由下一次续期补写；失败的下线靠 TTL 过期
		m.logger.Warn("mirror write failed", zap.Int("users", len(batch)), zap.Error(err))
	}
}

// refresh 为仍在线的用户续期，避免长连接用户的 key 过期。
func (m *RedisMirror) refresh() {
	if len(m.online) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(m.ctx, 3*time.Second)
	defer cancel()

	_, err := m.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for userID := range m.online {
			p.Set(ctx, m.key(userID), m.opts.NodeID, m.opts.TTL)
		}
		return nil
	})
	if err != nil {
		m.logger.Warn("mirror refresh failed", zap.Int("users", len(m.online)), zap.Error(err))
	}
}

// Lookup 从 Redis 读取用户所在节点（供外部/运维使用）。
func (m *RedisMirror) Lookup(ctx context.Context, userID string) (nodeID string, online bool, err error) {
	val, err := m.client.Get(ctx, m.key(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Close 停止 worker，并删除本节点写过或待写的全部 key。
func (m *RedisMirror) Close() error {
	var closeErr error
	m.closeOnce.Do(func() {
		m.cancel()
		m.wg.Wait()

		keys := make([]string, 0, len(m.online))
		seen := make(map[string]struct{}, len(m.online))
		for userID := range m.online {
			seen[userID] = struct{}{}
			keys = append(keys, m.key(userID))
		}
		for userID := range m.takePending() {
			if _, ok := seen[userID]; !ok {
				keys = append(keys, m.key(userID))
			}
		}

		if len(keys) > 0 {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			closeErr = m.client.Del(ctx, keys...).Err()
		}
		m.logger.Info("redis mirror closed", zap.Int("keys", len(keys)))
	})
	return closeErr
}
