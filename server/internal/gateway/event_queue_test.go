package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pairchat/server/internal/model"
)

func frame(t model.EventType) *model.ClientFrame {
	return &model.ClientFrame{Type: t, EventID: string(t)}
}

func TestEventQueue_SerialProcessing(t *testing.T) {
	var processedEvents []string
	var mu sync.Mutex

	handler := func(ctx context.Context, f *model.ClientFrame) error {
		mu.Lock()
		defer mu.Unlock()
		processedEvents = append(processedEvents, string(f.Type))
		time.Sleep(10 * time.Millisecond) // 模拟处理时间
		return nil
	}

	eq := NewEventQueue("test-conn", handler, QueueOptions{}, nil)

	// 快速发送多个事件
	events := []string{"event1", "event2", "event3", "event4", "event5"}
	for _, eventType := range events {
		if err := eq.Enqueue(frame(model.EventType(eventType))); err != nil {
			t.Fatalf("Failed to enqueue event: %v", err)
		}
	}

	// Close 会等已入队的事件处理完
	if err := eq.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()

	if len(processedEvents) != len(events) {
		t.Fatalf("Expected %d processed events, got %d", len(events), len(processedEvents))
	}
	for i, event := range events {
		if processedEvents[i] != event {
			t.Errorf("Event order mismatch at index %d: expected %s, got %s", i, event, processedEvents[i])
		}
	}
}

func TestEventQueue_ConcurrentEnqueue(t *testing.T) {
	var processedCount int64
	handler := func(ctx context.Context, f *model.ClientFrame) error {
		atomic.AddInt64(&processedCount, 1)
		return nil
	}

	eq := NewEventQueue("test-conn", handler, QueueOptions{Capacity: 200}, nil)

	// 并发发送事件
	numGoroutines := 10
	eventsPerGoroutine := 10
	var wg sync.WaitGroup

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < eventsPerGoroutine; j++ {
				_ = eq.Enqueue(frame("test"))
			}
		}()
	}

	wg.Wait()
	_ = eq.Close()

	expectedCount := int64(numGoroutines * eventsPerGoroutine)
	if actual := atomic.LoadInt64(&processedCount); actual != expectedCount {
		t.Errorf("Expected %d processed events, got %d", expectedCount, actual)
	}
}

func TestEventQueue_BackPressure(t *testing.T) {
	release := make(chan struct{})
	handler := func(ctx context.Context, f *model.ClientFrame) error {
		<-release
		return nil
	}

	eq := NewEventQueue("test-conn", handler, QueueOptions{Capacity: 4}, nil)

	// 处理器被卡住，超过容量的事件应被丢弃
	droppedCount := 0
	for i := 0; i < 20; i++ {
		err := eq.Enqueue(frame("test"))
		if errors.Is(err, ErrQueueFull) {
			droppedCount++
		} else if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if droppedCount == 0 {
		t.Error("Expected some events to be dropped due to backpressure")
	}

	close(release)
	_ = eq.Close()

	stats := eq.Stats()
	if stats.Dropped != int64(droppedCount) {
		t.Errorf("Expected dropped=%d, got %d", droppedCount, stats.Dropped)
	}
	if stats.Processed+stats.Dropped != 20 {
		t.Errorf("Expected processed+dropped=20, got %+v", stats)
	}
}

func TestEventQueue_ErrorHandling(t *testing.T) {
	testError := errors.New("test error")
	handler := func(ctx context.Context, f *model.ClientFrame) error {
		if f.Type == "error_event" {
			return testError
		}
		return nil
	}

	eq := NewEventQueue("test-conn", handler, QueueOptions{}, nil)

	// 发送正常事件和错误事件
	_ = eq.Enqueue(frame("normal"))
	_ = eq.Enqueue(frame("error_event"))
	_ = eq.Enqueue(frame("normal"))
	_ = eq.Close()

	// 即使有错误，所有事件都应该被处理
	stats := eq.Stats()
	if stats.Processed != 3 {
		t.Errorf("Expected 3 processed events, got %d", stats.Processed)
	}
	if stats.Failed != 1 {
		t.Errorf("Expected 1 failed event, got %d", stats.Failed)
	}
}

func TestEventQueue_HandlerTimeoutCountsAsFailure(t *testing.T) {
	// 处理器只在 ctx 超时后返回
	handler := func(ctx context.Context, f *model.ClientFrame) error {
		<-ctx.Done()
		return ctx.Err()
	}

	eq := NewEventQueue("test-conn", handler, QueueOptions{Timeout: 50 * time.Millisecond}, nil)
	if err := eq.Enqueue(frame("slow_event")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	_ = eq.Close()

	stats := eq.Stats()
	if stats.Processed != 1 || stats.Failed != 1 {
		t.Errorf("Expected timed out event counted as failed, got %+v", stats)
	}
}

func TestEventQueue_HandlerContextHasDeadline(t *testing.T) {
	got := make(chan bool, 1)
	handler := func(ctx context.Context, f *model.ClientFrame) error {
		_, ok := ctx.Deadline()
		got <- ok
		return nil
	}

	eq := NewEventQueue("test-conn", handler, QueueOptions{Timeout: time.Second}, nil)
	_ = eq.Enqueue(frame("x"))
	_ = eq.Close()

	if !<-got {
		t.Error("Expected handler context to carry a deadline")
	}
}

func TestEventQueue_CloseDrainsAndRejects(t *testing.T) {
	var processedCount int64
	handler := func(ctx context.Context, f *model.ClientFrame) error {
		atomic.AddInt64(&processedCount, 1)
		time.Sleep(5 * time.Millisecond)
		return nil
	}

	eq := NewEventQueue("test-conn", handler, QueueOptions{}, nil)

	for i := 0; i < 10; i++ {
		if err := eq.Enqueue(frame("test")); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	if err := eq.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if got := atomic.LoadInt64(&processedCount); got != 10 {
		t.Errorf("Expected all 10 queued events processed before close returned, got %d", got)
	}

	if err := eq.Enqueue(frame("late")); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Expected ErrQueueClosed, got %v", err)
	}
	// 重复关闭无副作用
	if err := eq.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}

func BenchmarkEventQueue_Enqueue(b *testing.B) {
	handler := func(ctx context.Context, f *model.ClientFrame) error {
		return nil
	}

	eq := NewEventQueue("bench-conn", handler, QueueOptions{Capacity: 1024}, nil)
	defer eq.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = eq.Enqueue(frame("test"))
	}
}
