package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"pairchat/server/internal/logger"
	"pairchat/server/internal/model"
)

const (
	createTableSQL = `CREATE TABLE IF NOT EXISTS messages (
	seq      BIGSERIAL PRIMARY KEY,
	id       TEXT NOT NULL UNIQUE,
	sender   TEXT NOT NULL,
	receiver TEXT NOT NULL,
	text     TEXT NOT NULL,
	seen     BOOLEAN NOT NULL DEFAULT FALSE,
	ts       TIMESTAMPTZ NOT NULL
)`
	createIndexSQL = `CREATE INDEX IF NOT EXISTS messages_sender_receiver_idx ON messages (sender, receiver)`

	insertSQL = `INSERT INTO messages (id, sender, receiver, text, seen, ts) VALUES ($1, $2, $3, $4, $5, $6)`

	markSeenSQL = `UPDATE messages SET seen = TRUE WHERE sender = $1 AND receiver = $2 AND seen = FALSE`

	historySQL = `SELECT id, sender, receiver, text, seen, ts FROM messages
WHERE (sender = $1 AND receiver = $2) OR (sender = $2 AND receiver = $1)
ORDER BY ts ASC, seq ASC`
)

// querier 是 PostgresStore 用到的 pgxpool.Pool 子集，便于在测试中替换。
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresConfig PostgreSQL 连接参数
type PostgresConfig struct {
	DSN      string
	MaxConns int32
}

// PostgresStore 基于 pgxpool 的消息存储。
type PostgresStore struct {
	db     querier
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore 建立连接池并确保表结构存在。
func NewPostgresStore(ctx context.Context, cfg PostgresConfig, log *zap.Logger) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStore{db: pool, pool: pool, logger: logger.OrNop(log).Named("store.postgres")}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	s.logger.Info("postgres store ready")
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	for _, stmt := range []string{createTableSQL, createIndexSQL} {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate messages table: %w", err)
		}
	}
	return nil
}

// Append 写入一条消息；Postgres 时间精度为微秒，写入前先截断。
func (s *PostgresStore) Append(ctx context.Context, msg *model.Message) error {
	if err := validate(msg); err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	msg.Timestamp = msg.Timestamp.UTC().Truncate(time.Microsecond)

	if _, err := s.db.Exec(ctx, insertSQL, msg.ID, msg.Sender, msg.Receiver, msg.Text, msg.Seen, msg.Timestamp); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// MarkSeen 返回 UPDATE 影响的行数。
func (s *PostgresStore) MarkSeen(ctx context.Context, senderID, receiverID string) (int64, error) {
	tag, err := s.db.Exec(ctx, markSeenSQL, senderID, receiverID)
	if err != nil {
		return 0, fmt.Errorf("update seen: %w", err)
	}
	return tag.RowsAffected(), nil
}

// History 按 ts 升序，同一时刻按写入序号。
func (s *PostgresStore) History(ctx context.Context, a, b string) ([]model.Message, error) {
	rows, err := s.db.Query(ctx, historySQL, a, b)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Message, error) {
		var m model.Message
		err := row.Scan(&m.ID, &m.Sender, &m.Receiver, &m.Text, &m.Seen, &m.Timestamp)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan history: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Close(context.Context) error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
