package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"pairchat/server/internal/api"
	"pairchat/server/internal/auth"
	"pairchat/server/internal/chat"
	"pairchat/server/internal/config"
	"pairchat/server/internal/gateway"
	"pairchat/server/internal/logger"
	"pairchat/server/internal/notify"
	"pairchat/server/internal/presence"
	"pairchat/server/internal/store"
)

func main() {
	// 本地默认：内存存储、无鉴权；部署相关与敏感信息走环境变量（PORT / MONGODB_URI / JWT_SECRET ...）。
	configPath := flag.String("config", "server/configs/pairchat.yaml", "config file path")
	addr := flag.String("addr", "", "http listen address, overrides server.host/port")
	flag.Parse()

	explicit := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			explicit = true
		}
	})

	cfg, err := loadConfig(*configPath, explicit)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *addr != "" {
		if err := applyAddr(cfg, *addr); err != nil {
			log.Fatalf("parse -addr: %v", err)
		}
	}

	lg, err := logger.New(logger.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Color:  cfg.Logging.Color,
	})
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = lg.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, lg); err != nil {
		lg.Fatal("server exited", zap.Error(err))
	}
}

// loadConfig 未显式指定 -config 且默认文件不存在时，使用内置默认配置。
func loadConfig(path string, explicit bool) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if explicit || !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	cfg = config.Default()
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyAddr(cfg *config.Config, addr string) error {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return err
	}
	cfg.Server.Host = host
	cfg.Server.Port = port
	return cfg.Validate()
}

func run(ctx context.Context, cfg *config.Config, lg *zap.Logger) error {
	st, err := store.Open(ctx, cfg.Store, lg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := st.Close(closeCtx); err != nil {
			lg.Warn("close store", zap.Error(err))
		}
	}()

	registry := presence.NewRegistry(lg)
	if cfg.Presence.RedisEnabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Presence.RedisAddr,
			Password: cfg.Presence.RedisPassword,
			DB:       cfg.Presence.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		mirror := presence.NewRedisMirror(client, presence.RedisMirrorOptions{
			KeyPrefix: cfg.Presence.KeyPrefix,
			NodeID:    cfg.Presence.NodeID,
			TTL:       cfg.Presence.TTL,
		}, lg)
		registry.SetMirror(mirror)
		defer func() {
			if err := mirror.Close(); err != nil {
				lg.Warn("close redis mirror", zap.Error(err))
			}
			_ = client.Close()
		}()
	}

	var publisher notify.Publisher = notify.Nop{}
	if cfg.Notify.NATSEnabled {
		p, err := notify.NewNATSPublisher(notify.NATSConfig{
			URL:           cfg.Notify.NATSURL,
			SubjectPrefix: cfg.Notify.SubjectPrefix,
		}, lg)
		if err != nil {
			return err
		}
		publisher = p
	}
	defer publisher.Close()

	resolver, err := auth.NewResolver(cfg.Auth)
	if err != nil {
		return fmt.Errorf("init auth: %w", err)
	}

	opts := chat.Options{MaxTextLength: cfg.Gateway.MaxTextLength, Publisher: publisher}
	relay := chat.NewRelay(st, registry, opts, lg)
	receipts := chat.NewReconciler(st, registry, opts, lg)
	manager := gateway.NewManager(gateway.Services{
		Registry: registry,
		Relay:    relay,
		Receipts: receipts,
		Typing:   chat.NewTyping(registry, lg),
	}, cfg.Gateway, lg)

	srv := api.NewServer(cfg.Server, api.Deps{
		Registry: registry,
		Relay:    relay,
		Receipts: receipts,
		Gateway:  manager,
		Resolver: resolver,
	}, lg)

	// 读写超时不作用于已劫持的 WebSocket 连接
	httpServer := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      srv.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		lg.Info("🚀 pairchat listening",
			zap.String("addr", httpServer.Addr), zap.String("store", cfg.Store.Driver), zap.String("auth", resolver.Mode()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	lg.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := manager.Close(shutdownCtx); err != nil {
		lg.Warn("gateway did not drain before shutdown deadline", zap.Error(err))
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
