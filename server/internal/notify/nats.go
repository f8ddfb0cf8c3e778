package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"pairchat/server/internal/logger"
	"pairchat/server/internal/model"
)

const (
	headerEvent       = "X-Event"
	headerContentType = "Content-Type"

	eventMessageCreated = "message.created"
	eventMessagesSeen   = "messages.seen"
)

// NATSConfig NATS 发布配置
type NATSConfig struct {
	URL           string
	Name          string
	SubjectPrefix string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// NATSPublisher 把事件发布到
//
//	<prefix>.message.<receiver>  新消息（已落库）
//	<prefix>.seen.<sender>       已读回执（count > 0）
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger
}

// NewNATSPublisher 连接 NATS；断线后客户端无限重连。
func NewNATSPublisher(cfg NATSConfig, log *zap.Logger) (*NATSPublisher, error) {
	if cfg.Name == "" {
		cfg.Name = "pairchat-gateway"
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "pairchat"
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	lg := logger.OrNop(log).Named("notify")

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			lg.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			lg.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	lg.Info("nats publisher ready", zap.String("url", nc.ConnectedUrl()), zap.String("prefix", cfg.SubjectPrefix))
	return &NATSPublisher{nc: nc, prefix: cfg.SubjectPrefix, logger: lg}, nil
}

// MessageSubject 新消息事件的 subject
func MessageSubject(prefix, receiver string) string {
	return prefix + ".message." + subjectToken(receiver)
}

// SeenSubject 已读事件的 subject
func SeenSubject(prefix, sender string) string {
	return prefix + ".seen." + subjectToken(sender)
}

func (p *NATSPublisher) MessageCreated(ctx context.Context, msg model.Message) error {
	return p.publish(ctx, MessageSubject(p.prefix, msg.Receiver), eventMessageCreated, msg)
}

func (p *NATSPublisher) MessagesSeen(ctx context.Context, receipt model.SeenReceipt) error {
	return p.publish(ctx, SeenSubject(p.prefix, receipt.SenderID), eventMessagesSeen, receipt)
}

func (p *NATSPublisher) publish(ctx context.Context, subject, event string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}

	msg := nats.NewMsg(subject)
	msg.Header.Set(headerEvent, event)
	msg.Header.Set(headerContentType, "application/json")
	msg.Data = data

	if err := p.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	p.logger.Debug("event published", zap.String("subject", subject), zap.String("event", event))
	return nil
}

// Close 冲刷未发送的消息后断开。
func (p *NATSPublisher) Close() {
	if err := p.nc.Drain(); err != nil {
		p.logger.Warn("nats drain failed", zap.Error(err))
		p.nc.Close()
	}
}

// subjectToken 用户 ID 作为 subject 的一段，替换掉 NATS 的分隔符与通配符。
func subjectToken(id string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(id)
}
