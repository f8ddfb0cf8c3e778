package chat

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"pairchat/server/internal/logger"
	"pairchat/server/internal/model"
	"pairchat/server/internal/store"
)

// Reconciler 把 sender -> receiver 的未读消息批量置为已读，并通知双方。
type Reconciler struct {
	store  store.Store
	dir    Directory
	opts   Options
	logger *zap.Logger
}

func NewReconciler(st store.Store, dir Directory, opts Options, log *zap.Logger) *Reconciler {
	return &Reconciler{
		store:  st,
		dir:    dir,
		opts:   opts.withDefaults(),
		logger: logger.OrNop(log).Named("receipts"),
	}
}

// MarkSeen 由接收方触发。即使 count 为 0 也会通知双方（幂等的重复调用同样可见）。
func (r *Reconciler) MarkSeen(ctx context.Context, senderID, receiverID string) (model.SeenReceipt, error) {
	if err := checkParticipants(senderID, receiverID); err != nil {
		return model.SeenReceipt{}, err
	}

	count, err := r.store.MarkSeen(ctx, senderID, receiverID)
	if err != nil {
		r.logger.Error("mark seen failed",
			zap.String("sender", senderID), zap.String("receiver", receiverID), zap.Error(err))
		return model.SeenReceipt{}, fmt.Errorf("mark seen: %w", err)
	}

	receipt := model.SeenReceipt{
		By:         receiverID,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Count:      count,
	}

	env := model.NewEnvelope(model.EventMessagesSeen, receipt)
	r.notify(senderID, env)
	if receiverID != senderID {
		r.notify(receiverID, env)
	}

	if count > 0 {
		if err := r.opts.Publisher.MessagesSeen(ctx, receipt); err != nil {
			r.logger.Warn("publish messages_seen failed", zap.String("sender", senderID), zap.Error(err))
		}
	}
	r.logger.Debug("messages seen",
		zap.String("sender", senderID), zap.String("receiver", receiverID), zap.Int64("count", count))
	return receipt, nil
}

func (r *Reconciler) notify(userID string, env model.Envelope) {
	h, ok := r.dir.Lookup(userID)
	if !ok {
		return
	}
	if !h.Send(env) {
		r.logger.Warn("messages_seen dropped", zap.String("user_id", userID), zap.String("conn", h.ID()))
	}
}
