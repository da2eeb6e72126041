package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"chat_fanout/internal/api"
	"chat_fanout/internal/auth"
	"chat_fanout/internal/broadcast"
	"chat_fanout/internal/broker"
	"chat_fanout/internal/chats"
	"chat_fanout/internal/config"
	"chat_fanout/internal/deadletter"
	"chat_fanout/internal/dispatcher"
	"chat_fanout/internal/logger"
	"chat_fanout/internal/repository"
	"chat_fanout/internal/ws"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Storage
	db, err := repository.Open(ctx, cfg.StorageDriver, cfg.DBConnStr)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	chatRepo := repository.NewChatRepository(db, cfg.StorageDriver)
	if err := chatRepo.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	log.Info("database ready", "driver", cfg.StorageDriver)

	// Broker
	mq, err := broker.NewRabbitMQClient(broker.Options{
		URL:           cfg.AMQPURL,
		Queue:         cfg.QueueName,
		DeliveryLimit: cfg.QueueDeliveryLimit,
		Prefetch:      cfg.QueuePrefetch,
	}, log)
	if err != nil {
		return err
	}
	defer mq.Close()
	log.Info("broker ready", "queue", mq.QueueName(), "deadQueue", mq.DeadQueueName())

	g, gctx := errgroup.WithContext(ctx)

	// Sessions and broadcast
	hub := ws.NewHub(log)
	g.Go(func() error { return hub.Run(gctx) })

	var emitter broadcast.Emitter = hub
	checks := map[string]api.Check{
		"database": db.PingContext,
		"broker": func(context.Context) error {
			if mq.IsClosed() {
				return errors.New("connection closed")
			}
			return nil
		},
	}
	if cfg.BroadcastBackend == config.BroadcastRedis {
		relay, err := broadcast.NewRedisRelay(ctx, cfg.RedisAddr, cfg.RedisChannel, hub, log)
		if err != nil {
			return err
		}
		defer relay.Close()
		emitter = relay
		checks["redis"] = relay.Ping
		g.Go(func() error { return relay.Run(gctx) })
	}
	log.Info("broadcast backend ready", "backend", cfg.BroadcastBackend)

	// Consumers
	fanout := dispatcher.New(chatRepo, emitter, dispatcher.Options{
		FanoutTimeout:    cfg.FanoutTimeout,
		MaxContentLength: cfg.MaxContentLength,
	}, log)
	g.Go(func() error { return mq.Consume(gctx, mq.QueueName(), fanout.Handle) })

	deadLetters := deadletter.NewWorker(emitter, cfg.FanoutTimeout, log)
	g.Go(func() error { return mq.Consume(gctx, mq.DeadQueueName(), deadLetters.Handle) })

	// HTTP
	verifier := auth.NewJWTVerifier(cfg.JWTSecret)
	gateway := ws.NewGateway(hub, verifier, mq, chatRepo, ws.GatewayOptions{
		PublishTimeout:   cfg.PublishTimeout,
		MaxContentLength: cfg.MaxContentLength,
		BufferSize:       cfg.ClientBufferSize,
	}, log)
	router := api.NewRouter(api.RouterDeps{
		Verifier: verifier,
		Chats:    api.NewChatHandler(chats.NewService(chatRepo, log)),
		Health:   api.NewHealthHandler(checks, log),
		Gateway:  gateway,
		Log:      log,
	})
	srv := &http.Server{
		Addr:              cfg.Address(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g.Go(func() error {
		log.Info("server starting", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		log.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("service stopped: %w", err)
	}
	log.Info("service stopped")
	return nil
}
