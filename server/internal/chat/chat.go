// Package chat 实现私聊的三条业务路径：消息转发、已读归约、输入状态转发。
// 三者都只通过 Directory 查找在线连接，不直接持有连接。
package chat

import (
	"errors"
	"strings"
	"time"

	"pairchat/server/internal/notify"
	"pairchat/server/internal/presence"
)

var (
	// ErrMissingParticipant 发送方或接收方为空
	ErrMissingParticipant = errors.New("sender and receiver are required")
	// ErrEmptyText 消息正文为空
	ErrEmptyText = errors.New("message text is empty")
	// ErrTextTooLong 正文超过 max_text_length
	ErrTextTooLong = errors.New("message text too long")
)

// Directory 在线连接查询，*presence.Registry 实现了它。
type Directory interface {
	Lookup(userID string) (presence.Handle, bool)
}

// Options Relay / Reconciler 共用的可选项
type Options struct {
	// MaxTextLength 按字符计，0 表示不限制
	MaxTextLength int
	// Publisher 落库后的事件发布，nil 时不发布
	Publisher notify.Publisher
	// Now 时间源，测试可注入
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Publisher == nil {
		o.Publisher = notify.Nop{}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

func checkParticipants(a, b string) error {
	if strings.TrimSpace(a) == "" || strings.TrimSpace(b) == "" {
		return ErrMissingParticipant
	}
	return nil
}
