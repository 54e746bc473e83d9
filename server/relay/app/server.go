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

	"media_shuttle/server/common/infra/cache"
	"media_shuttle/server/common/infra/db"
	"media_shuttle/server/common/infra/mq"
	"media_shuttle/server/common/infra/object"
	relayapi "media_shuttle/server/relay/api"
	"media_shuttle/server/relay/service"
	"media_shuttle/server/transfer/repository"
)

type Config struct {
	Port string

	PostgresDSN string
	AMQPURL     string
	RedisAddr   string

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	NotificationEvents []string
	DedupTTL           time.Duration
	ReconcileInterval  time.Duration
	ReconcileAfter     time.Duration
	ReconcileBatch     int
}

type Server struct {
	HTTPServer *http.Server
	DB         *pgxpool.Pool
	MQConn     *amqp.Connection
	Redis      *redis.Client
	Publisher  *service.TransferPublisher

	relay      *service.RelayService
	reconciler *service.Reconciler
	blobs      *object.Store
	events     []string
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
	if err := object.EnsureBucket(ctx, minioClient, cfg.MinioBucket); err != nil {
		return nil, fmt.Errorf("ensure minio bucket: %w", err)
	}
	blobStore := object.NewStore(minioClient, cfg.MinioBucket)

	mqConn, err := mq.NewConnection(cfg.AMQPURL)
	if err != nil {
		return nil, fmt.Errorf("initialize amqp: %w", err)
	}
	publisher, err := service.NewTransferPublisher(mqConn)
	if err != nil {
		return nil, fmt.Errorf("initialize transfer publisher: %w", err)
	}

	redisClient := cache.NewClient(cfg.RedisAddr)
	if err := cache.Ping(ctx, redisClient); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	dedup := service.NewNotificationDedup(redisClient, cfg.DedupTTL)

	relaySvc := service.NewRelayService(transferRepo, publisher, dedup, cfg.MinioBucket)
	reconciler := service.NewReconciler(transferRepo, publisher, cfg.MinioBucket,
		cfg.ReconcileInterval, cfg.ReconcileAfter, cfg.ReconcileBatch)

	h := relayapi.NewHandler(relaySvc, reconciler)
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
		HTTPServer: httpServer,
		DB:         pool,
		MQConn:     mqConn,
		Redis:      redisClient,
		Publisher:  publisher,
		relay:      relaySvc,
		reconciler: reconciler,
		blobs:      blobStore,
		events:     cfg.NotificationEvents,
	}, nil
}

// Run consumes bucket notifications and drives the reconciliation
// sweep until ctx is cancelled.
func (s *Server) Run(ctx context.Context) {
	go s.reconciler.Run(ctx)
	s.relay.Run(ctx, s.blobs, s.events)
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.Publisher != nil {
		s.Publisher.Close()
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
