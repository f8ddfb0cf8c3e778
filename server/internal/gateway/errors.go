package gateway

import "errors"

var (
	ErrQueueFull   = errors.New("event queue full")
	ErrQueueClosed = errors.New("event queue closed")

	// ErrNotRegistered 匿名连接在 user_online 之前发送了业务事件
	ErrNotRegistered = errors.New("user_online required before this event")
	// ErrIdentityMismatch 载荷中的用户与连接的认证身份不一致
	ErrIdentityMismatch = errors.New("payload user does not match connection identity")
	// ErrInvalidPayload 载荷无法解析或缺少必填字段
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrUnknownEvent 未知事件类型
	ErrUnknownEvent = errors.New("unknown event type")
)
