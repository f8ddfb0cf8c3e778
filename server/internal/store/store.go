package store

import (
	"context"
	"errors"
	"strings"

	"pairchat/server/internal/model"
)

var (
	// ErrInvalidMessage 缺少发送方/接收方/正文的消息不允许写入。
	ErrInvalidMessage = errors.New("invalid message")
	// ErrClosed 存储已关闭。
	ErrClosed = errors.New("store closed")
)

// Store 是网关依赖的持久化契约（消息历史由外部长期持有）。
type Store interface {
	// Append 以 persist-before-notify 的契约写入消息；ID 为空时由实现分配。
	// 成功返回后 msg.ID 一定非空。
	Append(ctx context.Context, msg *model.Message) error
	// MarkSeen 将 sender -> receiver 且未读的消息全部置为已读，返回本次翻转的条数。
	// 已读不会回退；重复调用返回 0。
	MarkSeen(ctx context.Context, senderID, receiverID string) (int64, error)
	// History 返回 a、b 两人之间双向的全部消息，按时间戳升序。
	History(ctx context.Context, a, b string) ([]model.Message, error)
	// Close 释放底层连接。
	Close(ctx context.Context) error
}

func validate(msg *model.Message) error {
	if msg == nil {
		return ErrInvalidMessage
	}
	if strings.TrimSpace(msg.Sender) == "" || strings.TrimSpace(msg.Receiver) == "" {
		return ErrInvalidMessage
	}
	if msg.Text == "" {
		return ErrInvalidMessage
	}
	return nil
}
