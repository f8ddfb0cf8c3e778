package presence

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"pairchat/server/internal/logger"
	"pairchat/server/internal/model"
)

// Handle 是注册表引用（而非持有）的一条实时连接。
// 所有方法都必须非阻塞：注册表会在持锁状态下调用它们。
type Handle interface {
	// ID 连接的唯一标识（仅用于日志）。
	ID() string
	// Send 投递一帧到连接的出站队列；队列满或连接已关闭时返回 false。
	Send(env model.Envelope) bool
	// PublishPresence 覆盖式投递最新在线列表，保证最终一致、不会被队列溢出丢掉。
	PublishPresence(users []string)
}

// Mirror 观察注册表变更（例如同步到 Redis）。同样在持锁状态下调用，必须非阻塞。
type Mirror interface {
	Online(userID string)
	Offline(userID string)
}

// Registry 在线用户 -> 连接 的唯一事实来源。
// 每个用户至多一条记录；同一用户新连接覆盖旧记录（后写者胜），旧连接不在这里关闭。
type Registry struct {
	mu     sync.Mutex
	byUser map[string]Handle
	conns  map[Handle]struct{}
	mirror Mirror
	logger *zap.Logger
}

func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{
		byUser: make(map[string]Handle),
		conns:  make(map[Handle]struct{}),
		logger: logger.OrNop(log).Named("presence"),
	}
}

// SetMirror 注入变更观察者，需在接入连接前调用。
func (r *Registry) SetMirror(m Mirror) {
	r.mu.Lock()
	r.mirror = m
	r.mu.Unlock()
}

// Attach 登记一条已建立的连接，它从此开始接收在线列表广播。
// 刚接入的连接会立刻收到一次当前在线列表。
func (r *Registry) Attach(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[h] = struct{}{}
	h.PublishPresence(r.onlineLocked())
}

// Register 插入或覆盖 userID 的记录，并向所有连接广播在线列表。
func (r *Registry) Register(userID string, h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conns[h] = struct{}{}
	if prev, ok := r.byUser[userID]; ok && prev != h {
		r.logger.Debug("presence entry replaced",
			zap.String("user_id", userID), zap.String("old_conn", prev.ID()), zap.String("new_conn", h.ID()))
	}
	r.byUser[userID] = h
	if r.mirror != nil {
		r.mirror.Online(userID)
	}
	r.broadcastLocked()
}

// Unregister 移除所有指向 h 的记录并解除连接登记，然后广播。
// 只比较连接本身：用户重连后，旧连接的断开不会把新记录踢掉。
func (r *Registry) Unregister(h Handle) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.conns, h)
	var removed []string
	for userID, cur := range r.byUser {
		if cur == h {
			delete(r.byUser, userID)
			removed = append(removed, userID)
			if r.mirror != nil {
				r.mirror.Offline(userID)
			}
		}
	}
	sort.Strings(removed)
	r.broadcastLocked()
	return removed
}

// Lookup 查询用户当前连接；离线是正常结果而非错误。
func (r *Registry) Lookup(userID string) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.byUser[userID]
	return h, ok
}

// IsOnline 用户是否在线
func (r *Registry) IsOnline(userID string) bool {
	_, ok := r.Lookup(userID)
	return ok
}

// Online 返回按字典序排列的在线用户。
func (r *Registry) Online() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.onlineLocked()
}

// Len 在线用户数
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUser)
}

// Connections 已接入的连接数（含尚未上线的）
func (r *Registry) Connections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (r *Registry) onlineLocked() []string {
	users := make([]string, 0, len(r.byUser))
	for u := range r.byUser {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// broadcastLocked 持锁广播，保证广播顺序与变更顺序一致，不会出现旧快照覆盖新快照。
// Handle 的投递是非阻塞的，慢连接不会拖住锁。
func (r *Registry) broadcastLocked() {
	users := r.onlineLocked()
	for h := range r.conns {
		h.PublishPresence(users)
	}
	r.logger.Debug("presence broadcast", zap.Int("online", len(users)), zap.Int("conns", len(r.conns)))
}
