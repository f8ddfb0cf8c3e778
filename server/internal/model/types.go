package model

import (
	"encoding/json"
	"time"
)

// Message 是一条私聊消息的持久化记录。
// Seen 只会从 false 变为 true，不会回退。
type Message struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Receiver  string    `json:"receiver"`
	Text      string    `json:"text"`
	Seen      bool      `json:"seen"`
	Timestamp time.Time `json:"timestamp"`
}

// SeenReceipt 是一次已读归约的结果，只用于通知，不落库。
type SeenReceipt struct {
	By         string `json:"by"`
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Count      int64  `json:"count"`
}

// EventType 是实时通道上的事件名。
type EventType string

const (
	// 客户端 -> 网关
	EventUserOnline  EventType = "user_online"
	EventSendMessage EventType = "send_message"
	EventMarkSeen    EventType = "mark_seen"
	EventTyping      EventType = "typing"
	EventStopTyping  EventType = "stop_typing"

	// 网关 -> 客户端
	EventUsersOnline       EventType = "users_online"
	EventReceiveMessage    EventType = "receive_message"
	EventMessagesSeen      EventType = "messages_seen"
	EventUserTyping        EventType = "user_typing"
	EventUserStoppedTyping EventType = "user_stopped_typing"
	EventError             EventType = "error"
)

// Envelope 网关发送给客户端的一帧（WebSocket 文本帧）。
type Envelope struct {
	Type     EventType `json:"type"`
	Data     any       `json:"data,omitempty"`
	Error    string    `json:"error,omitempty"`
	ServerTS time.Time `json:"server_ts"`
}

// ClientFrame 客户端发送给网关的一帧，Data 按 Type 延迟解析。
type ClientFrame struct {
	Type    EventType       `json:"type"`
	EventID string          `json:"event_id,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// UserOnlinePayload user_online 的载荷。
type UserOnlinePayload struct {
	UserID string `json:"userId"`
}

// SendMessagePayload send_message 的载荷。
type SendMessagePayload struct {
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
	Text     string `json:"text"`
}

// MarkSeenPayload mark_seen 的载荷。
type MarkSeenPayload struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
}

// TypingPayload typing / stop_typing 的载荷。
type TypingPayload struct {
	Receiver string `json:"receiver"`
}

// Empty 是 user_typing / user_stopped_typing 的空载荷，序列化为 {}。
type Empty struct{}

// NewEnvelope 构造一帧出站事件，ServerTS 取当前时间。
func NewEnvelope(t EventType, data any) Envelope {
	return Envelope{Type: t, Data: data, ServerTS: time.Now()}
}

// ErrorEnvelope 构造仅发给当前连接的错误事件。
func ErrorEnvelope(msg string) Envelope {
	return Envelope{Type: EventError, Error: msg, ServerTS: time.Now()}
}
