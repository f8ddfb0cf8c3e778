package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"pairchat/server/internal/model"
)

// MemoryStore 是一个基于内存的消息存储实现。
// 重启即丢数据，只用于本地调试与测试。
type MemoryStore struct {
	mu       sync.RWMutex
	messages []model.Message
	closed   bool
	newID    func() string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{newID: func() string { return uuid.NewString() }}
}

// Append 追加消息；缺省时间戳按写入时间补齐。
func (s *MemoryStore) Append(_ context.Context, msg *model.Message) error {
	if err := validate(msg); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	if msg.ID == "" {
		msg.ID = s.newID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	s.messages = append(s.messages, *msg)
	return nil
}

// MarkSeen 批量翻转未读标记，返回翻转条数。
func (s *MemoryStore) MarkSeen(_ context.Context, senderID, receiverID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	var n int64
	for i := range s.messages {
		m := &s.messages[i]
		if m.Sender == senderID && m.Receiver == receiverID && !m.Seen {
			m.Seen = true
			n++
		}
	}
	return n, nil
}

// History 返回两人之间的消息副本，时间戳相同按写入顺序。
func (s *MemoryStore) History(_ context.Context, a, b string) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	out := make([]model.Message, 0)
	for _, m := range s.messages {
		if (m.Sender == a && m.Receiver == b) || (m.Sender == b && m.Receiver == a) {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// Len 已存储的消息总数。
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

func (s *MemoryStore) Close(context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
