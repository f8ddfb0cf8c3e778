package chat

import (
	"go.uber.org/zap"

	"pairchat/server/internal/logger"
	"pairchat/server/internal/model"
)

// Typing 无状态地把输入状态转发给接收方，载荷为空对象。
type Typing struct {
	dir    Directory
	logger *zap.Logger
}

func NewTyping(dir Directory, log *zap.Logger) *Typing {
	return &Typing{dir: dir, logger: logger.OrNop(log).Named("typing")}
}

// Typing 返回是否已转发
func (t *Typing) Typing(receiver string) bool {
	return t.forward(receiver, model.EventUserTyping)
}

// StopTyping 返回是否已转发
func (t *Typing) StopTyping(receiver string) bool {
	return t.forward(receiver, model.EventUserStoppedTyping)
}

func (t *Typing) forward(receiver string, ev model.EventType) bool {
	if receiver == "" {
		return false
	}
	h, ok := t.dir.Lookup(receiver)
	if !ok {
		return false
	}
	if !h.Send(model.NewEnvelope(ev, model.Empty{})) {
		t.logger.Debug("typing signal dropped", zap.String("receiver", receiver), zap.String("event", string(ev)))
		return false
	}
	return true
}
