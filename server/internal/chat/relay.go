package chat

import (
	"context"
	"fmt"
	"unicode/utf8"

	"go.uber.org/zap"

	"pairchat/server/internal/logger"
	"pairchat/server/internal/model"
	"pairchat/server/internal/store"
)

// Relay 先落库再投递：只有持久化成功的消息才会被转发给在线的接收方。
type Relay struct {
	store  store.Store
	dir    Directory
	opts   Options
	logger *zap.Logger
}

func NewRelay(st store.Store, dir Directory, opts Options, log *zap.Logger) *Relay {
	return &Relay{
		store:  st,
		dir:    dir,
		opts:   opts.withDefaults(),
		logger: logger.OrNop(log).Named("relay"),
	}
}

// Send 持久化一条消息，并在接收方在线时转发一次 receive_message。
// 接收方离线不是错误；持久化失败时什么都不转发。
func (r *Relay) Send(ctx context.Context, sender, receiver, text string) (model.Message, error) {
	if err := checkParticipants(sender, receiver); err != nil {
		return model.Message{}, err
	}
	if text == "" {
		return model.Message{}, ErrEmptyText
	}
	if r.opts.MaxTextLength > 0 && utf8.RuneCountInString(text) > r.opts.MaxTextLength {
		return model.Message{}, fmt.Errorf("%w: limit %d", ErrTextTooLong, r.opts.MaxTextLength)
	}

	msg := model.Message{
		Sender:    sender,
		Receiver:  receiver,
		Text:      text,
		Seen:      false,
		Timestamp: r.opts.Now(),
	}
	if err := r.store.Append(ctx, &msg); err != nil {
		r.logger.Error("persist message failed",
			zap.String("sender", sender), zap.String("receiver", receiver), zap.Error(err))
		return model.Message{}, fmt.Errorf("persist message: %w", err)
	}

	if h, ok := r.dir.Lookup(receiver); ok {
		if !h.Send(model.NewEnvelope(model.EventReceiveMessage, msg)) {
			r.logger.Warn("receive_message dropped",
				zap.String("message_id", msg.ID), zap.String("receiver", receiver), zap.String("conn", h.ID()))
		}
	} else {
		r.logger.Debug("receiver offline, message stored only",
			zap.String("message_id", msg.ID), zap.String("receiver", receiver))
	}

	if err := r.opts.Publisher.MessageCreated(ctx, msg); err != nil {
		r.logger.Warn("publish message_created failed", zap.String("message_id", msg.ID), zap.Error(err))
	}
	return msg, nil
}

// History 透传到存储，按时间戳升序；不会改变已读状态。
func (r *Relay) History(ctx context.Context, a, b string) ([]model.Message, error) {
	if err := checkParticipants(a, b); err != nil {
		return nil, err
	}
	msgs, err := r.store.History(ctx, a, b)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return msgs, nil
}
