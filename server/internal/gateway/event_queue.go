package gateway

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"pairchat/server/internal/logger"
	"pairchat/server/internal/model"
)

// EventHandler 处理一条客户端事件。返回 error 表示处理失败，队列记录后继续运行。
type EventHandler func(ctx context.Context, frame *model.ClientFrame) error

// EventQueue 为单条连接提供串行事件处理
// 解决问题：
// 1. 同一发送方的 send_message 按到达顺序落库、转发
// 2. 慢存储不会阻塞读循环（读循环只负责入队）
type EventQueue struct {
	connID       string
	eventHandler EventHandler
	eventChan    chan *queuedEvent
	timeout      time.Duration
	stopCh       chan struct{}
	wg           sync.WaitGroup
	closeOnce    sync.Once
	logger       *zap.Logger

	// 统计信息；closed 与入队在同一把锁下判断，保证关闭后不会再有事件进入
	mu              sync.Mutex
	closed          bool
	totalEvents     int64
	processedEvents int64
	failedEvents    int64
	droppedEvents   int64
}

type queuedEvent struct {
	frame     *model.ClientFrame
	timestamp time.Time
}

const (
	// 队列容量：超过此值的事件将被丢弃（背压控制）
	defaultQueueCapacity = 100
	// 事件处理超时
	defaultEventTimeout = 10 * time.Second
	// 处理时间超过该值记录慢事件
	slowEventThreshold = 5 * time.Second
)

// QueueOptions 事件队列参数，零值取默认
type QueueOptions struct {
	Capacity int
	Timeout  time.Duration
}

// QueueStats 队列统计
type QueueStats struct {
	Total     int64 `json:"total_events"`
	Processed int64 `json:"processed_events"`
	Failed    int64 `json:"failed_events"`
	Dropped   int64 `json:"dropped_events"`
	Pending   int   `json:"pending_events"`
	Capacity  int   `json:"queue_capacity"`
}

// NewEventQueue 创建事件队列并启动单线程处理器
func NewEventQueue(connID string, handler EventHandler, opts QueueOptions, log *zap.Logger) *EventQueue {
	if opts.Capacity <= 0 {
		opts.Capacity = defaultQueueCapacity
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultEventTimeout
	}

	eq := &EventQueue{
		connID:       connID,
		eventHandler: handler,
		eventChan:    make(chan *queuedEvent, opts.Capacity),
		timeout:      opts.Timeout,
		stopCh:       make(chan struct{}),
		logger:       logger.OrNop(log).Named("queue").With(zap.String("conn_id", connID)),
	}

	eq.wg.Add(1)
	go eq.processLoop()

	return eq
}

// Enqueue 将事件加入队列（异步，非阻塞）。队列满时丢弃并返回 ErrQueueFull。
func (eq *EventQueue) Enqueue(frame *model.ClientFrame) error {
	return eq.push(&queuedEvent{frame: frame, timestamp: time.Now()})
}

func (eq *EventQueue) push(event *queuedEvent) error {
	eq.mu.Lock()
	defer eq.mu.Unlock()

	if eq.closed {
		return ErrQueueClosed
	}

	select {
	case eq.eventChan <- event:
		eq.totalEvents++
		return nil
	default:
		// 队列已满，丢弃事件（背压控制）
		eq.droppedEvents++
		eq.logger.Warn("⚠️ queue full, dropping event", zap.String("type", string(event.frame.Type)))
		return ErrQueueFull
	}
}

// processLoop 串行处理事件（单线程）；关闭后把已入队的事件处理完再退出
func (eq *EventQueue) processLoop() {
	defer eq.wg.Done()

	for {
		select {
		case event := <-eq.eventChan:
			eq.processEvent(event)
		case <-eq.stopCh:
			for {
				select {
				case event := <-eq.eventChan:
					eq.processEvent(event)
				default:
					return
				}
			}
		}
	}
}

// processEvent 处理单个事件
func (eq *EventQueue) processEvent(event *queuedEvent) {
	startTime := time.Now()
	queueLatency := startTime.Sub(event.timestamp)

	ctx, cancel := context.WithTimeout(context.Background(), eq.timeout)
	defer cancel()

	err := eq.eventHandler(ctx, event.frame)

	processingTime := time.Since(startTime)

	eq.mu.Lock()
	eq.processedEvents++
	if err != nil {
		eq.failedEvents++
	}
	eq.mu.Unlock()

	if err != nil {
		eq.logger.Debug("event failed",
			zap.String("type", string(event.frame.Type)), zap.Error(err), zap.Duration("processing_time", processingTime))
	} else {
		eq.logger.Debug("event processed",
			zap.String("type", string(event.frame.Type)),
			zap.Duration("queue_latency", queueLatency), zap.Duration("processing_time", processingTime))
	}

	// 监控：如果处理时间过长，记录警告
	if processingTime > slowEventThreshold {
		eq.logger.Warn("⚠️ slow event processing",
			zap.String("type", string(event.frame.Type)), zap.Duration("processing_time", processingTime))
	}
}

// Close 停止接收新事件，处理完已入队的事件后返回
func (eq *EventQueue) Close() error {
	eq.closeOnce.Do(func() {
		eq.mu.Lock()
		eq.closed = true
		eq.mu.Unlock()

		close(eq.stopCh)
		eq.wg.Wait()

		stats := eq.Stats()
		eq.logger.Debug("event queue closed",
			zap.Int64("total", stats.Total), zap.Int64("processed", stats.Processed),
			zap.Int64("failed", stats.Failed), zap.Int64("dropped", stats.Dropped))
	})
	return nil
}

// Stats 获取队列统计信息
func (eq *EventQueue) Stats() QueueStats {
	eq.mu.Lock()
	defer eq.mu.Unlock()

	return QueueStats{
		Total:     eq.totalEvents,
		Processed: eq.processedEvents,
		Failed:    eq.failedEvents,
		Dropped:   eq.droppedEvents,
		Pending:   len(eq.eventChan),
		Capacity:  cap(eq.eventChan),
	}
}
