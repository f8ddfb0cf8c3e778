package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"pairchat/server/internal/logger"
	"pairchat/server/internal/model"
)

// MongoConfig MongoDB 连接参数
type MongoConfig struct {
	URI            string
	Database       string
	Collection     string
	MaxPoolSize    uint64
	ConnectTimeout time.Duration
}

// messageDoc 是 messages 集合中的文档形态。
type messageDoc struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	Sender    string             `bson:"sender"`
	Receiver  string             `bson:"receiver"`
	Text      string             `bson:"text"`
	Timestamp time.Time          `bson:"timestamp"`
	Seen      bool               `bson:"seen"`
}

// MongoStore 基于 MongoDB 的消息存储，集合上维护 {sender:1, receiver:1} 复合索引。
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
	logger *zap.Logger
}

// NewMongoStore 连接 MongoDB、校验连通性并确保索引存在。
func NewMongoStore(ctx context.Context, cfg MongoConfig, log *zap.Logger) (*MongoStore, error) {
	if cfg.URI == "" {
		return nil, errors.New("mongo uri is required")
	}
	if cfg.Collection == "" {
		cfg.Collection = "messages"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	opts := options.Client().ApplyURI(cfg.URI).SetConnectTimeout(cfg.ConnectTimeout)
	if cfg.MaxPoolSize > 0 {
		opts.SetMaxPoolSize(cfg.MaxPoolSize)
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	s := &MongoStore{
		client: client,
		coll:   client.Database(cfg.Database).Collection(cfg.Collection),
		logger: logger.OrNop(log).Named("store.mongo"),
	}
	if err := s.ensureIndexes(connectCtx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	s.logger.Info("mongo store ready",
		zap.String("database", cfg.Database), zap.String("collection", cfg.Collection))
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "sender", Value: 1}, {Key: "receiver", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("create sender/receiver index: %w", err)
	}
	return nil
}

// Append 插入一条消息，并回填生成的 ObjectID。
func (s *MongoStore) Append(ctx context.Context, msg *model.Message) error {
	if err := validate(msg); err != nil {
		return err
	}
	doc, err := toDoc(msg)
	if err != nil {
		return err
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	msg.ID = doc.ID.Hex()
	msg.Timestamp = doc.Timestamp
	return nil
}

// MarkSeen 使用 updateMany 批量翻转，返回 ModifiedCount。
func (s *MongoStore) MarkSeen(ctx context.Context, senderID, receiverID string) (int64, error) {
	res, err := s.coll.UpdateMany(ctx, seenFilter(senderID, receiverID), bson.M{"$set": bson.M{"seen": true}})
	if err != nil {
		return 0, fmt.Errorf("update seen: %w", err)
	}
	return res.ModifiedCount, nil
}

// History 双向查询，按 timestamp 升序，同一毫秒内按 _id 保持写入顺序。
func (s *MongoStore) History(ctx context.Context, a, b string) ([]model.Message, error) {
	findOpts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.coll.Find(ctx, historyFilter(a, b), findOpts)
	if err != nil {
		return nil, fmt.Errorf("find history: %w", err)
	}
	defer cur.Close(ctx)

	var docs []messageDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	out := make([]model.Message, 0, len(docs))
	for _, d := range docs {
		out = append(out, fromDoc(d))
	}
	return out, nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func seenFilter(senderID, receiverID string) bson.M {
	return bson.M{"sender": senderID, "receiver": receiverID, "seen": false}
}

func historyFilter(a, b string) bson.M {
	return bson.M{"$or": bson.A{
		bson.M{"sender": a, "receiver": b},
		bson.M{"sender": b, "receiver": a},
	}}
}

// toDoc 转换为文档；Mongo 时间精度为毫秒，写入前先截断，保证回传给客户端的时间与库中一致。
func toDoc(msg *model.Message) (messageDoc, error) {
	id := primitive.NewObjectID()
	if msg.ID != "" {
		parsed, err := primitive.ObjectIDFromHex(msg.ID)
		if err != nil {
			return messageDoc{}, fmt.Errorf("%w: id is not an ObjectID: %v", ErrInvalidMessage, err)
		}
		id = parsed
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return messageDoc{
		ID:        id,
		Sender:    msg.Sender,
		Receiver:  msg.Receiver,
		Text:      msg.Text,
		Timestamp: ts.UTC().Truncate(time.Millisecond),
		Seen:      msg.Seen,
	}, nil
}

func fromDoc(d messageDoc) model.Message {
	return model.Message{
		ID:        d.ID.Hex(),
		Sender:    d.Sender,
		Receiver:  d.Receiver,
		Text:      d.Text,
		Seen:      d.Seen,
		Timestamp: d.Timestamp,
	}
}
