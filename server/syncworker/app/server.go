package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	commonauth "media_shuttle/server/common/auth"
	"media_shuttle/server/common/infra/cache"
	"media_shuttle/server/common/infra/db"
	"media_shuttle/server/common/infra/mq"
	"media_shuttle/server/common/infra/object"
	commonlog "media_shuttle/server/common/log"
	workerapi "media_shuttle/server/syncworker/api"
	"media_shuttle/server/syncworker/service"
	"media_shuttle/server/transfer/repository"
)

type Config struct {
	Port          string
	JWTSecret     string
	JWTTTLMinutes int

	PostgresDSN string
	AMQPURL     string
	RedisAddr   string

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	LocalRoot       string
	Concurrency     int
	MaxAttempts     int
	BackoffBase     time.Duration
	BackoffCap      time.Duration
	CleanupInterval time.Duration
	CleanupAttempts int
	ThumbnailEdge   int
}

type Server struct {
	HTTPServer  *http.Server
	DB          *pgxpool.Pool
	MQConn      *amqp.Connection
	Redis       *redis.Client
	DeadLetters *service.DeadLetterPublisher

	worker  *service.Worker
	cleaner *service.CleanupRetrier
}

func NewServer(cfg Config) (*Server, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("initialize postgres: %w", err)
	}
	transferRepo := repository.NewTransferRepository(pool)
	if err := transferRepo.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure transfers schema: %w", err)
	}

	minioClient, err := object.NewClient(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioUseSSL)
	if err != nil {
		return nil, fmt.Errorf("initialize minio: %w", err)
	}
	blobStore := object.NewStore(minioClient, cfg.MinioBucket)

	mqConn, err := mq.NewConnection(cfg.AMQPURL)
	if err != nil {
		return nil, fmt.Errorf("initialize amqp: %w", err)
	}
	deadLetters, err := service.NewDeadLetterPublisher(mqConn)
	if err != nil {
		return nil, fmt.Errorf("initialize dead-letter publisher: %w", err)
	}

	// The ops feed works without redis; only the pub/sub mirror of
	// events is lost when it is unreachable.
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = cache.NewClient(cfg.RedisAddr)
		if err := cache.Ping(ctx, redisClient); err != nil {
			commonlog.Warnf("event=sync_worker status=redis_unavailable addr=%s error=%v", cfg.RedisAddr, err)
			_ = redisClient.Close()
			redisClient = nil
		}
	}
	feed := service.NewOpsFeed(redisClient)

	cleaner := service.NewCleanupRetrier(blobStore, feed, cfg.CleanupInterval, cfg.CleanupAttempts)
	thumbs := service.NewThumbnailer(cfg.ThumbnailEdge)
	processor := service.NewProcessor(transferRepo, blobStore, cleaner, feed, thumbs, service.ProcessorConfig{
		LocalRoot:   cfg.LocalRoot,
		MaxAttempts: cfg.MaxAttempts,
		BackoffBase: cfg.BackoffBase,
		BackoffCap:  cfg.BackoffCap,
	})
	worker := service.NewWorker(mqConn, processor, deadLetters, cfg.Concurrency)

	authSvc := commonauth.NewService(cfg.JWTSecret, cfg.JWTTTLMinutes)
	h := workerapi.NewHandler(processor, cleaner, feed, authSvc)
	r := gin.Default()
	h.RegisterRoutes(r)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		HTTPServer:  httpServer,
		DB:          pool,
		MQConn:      mqConn,
		Redis:       redisClient,
		DeadLetters: deadLetters,
		worker:      worker,
		cleaner:     cleaner,
	}, nil
}

// Run drives the consume loop and the cleanup schedule until ctx is
// cancelled.
func (s *Server) Run(ctx context.Context) error {
	go s.cleaner.Run(ctx)
	return s.worker.Run(ctx)
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.DeadLetters != nil {
		s.DeadLetters.Close()
	}
	if s.MQConn != nil {
		_ = s.MQConn.Close()
	}
	if s.Redis != nil {
		_ = s.Redis.Close()
	}
	if s.DB != nil {
		defer s.DB.Close()
	}
	return s.HTTPServer.Shutdown(ctx)
}
