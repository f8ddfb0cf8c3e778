package notify

import (
	"context"

	"pairchat/server/internal/model"
)

// Publisher 在消息落库 / 已读归约之后对外广播领域事件。
// 发布是尽力而为的：失败只记录日志，不影响实时投递。
type Publisher interface {
	MessageCreated(ctx context.Context, msg model.Message) error
	MessagesSeen(ctx context.Context, receipt model.SeenReceipt) error
	Close()
}

// Nop 不发布任何事件（默认）。
type Nop struct{}

func (Nop) MessageCreated(context.Context, model.Message) error   { return nil }
func (Nop) MessagesSeen(context.Context, model.SeenReceipt) error { return nil }
func (Nop) Close()                                                {}
