package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"

	authapi "media_shuttle/server/authd/api"
	"media_shuttle/server/authd/service"
	commonauth "media_shuttle/server/common/auth"
	"media_shuttle/server/common/infra/db"
	"media_shuttle/server/common/infra/object"
	"media_shuttle/server/transfer/repository"
)

type Config struct {
	Port          string
	JWTSecret     string
	JWTTTLMinutes int

	PostgresDSN string

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	UploadTTL time.Duration
}

type Server struct {
	HTTPServer *http.Server
	DB         *pgxpool.Pool
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

	transferSvc := service.NewAuthorizeService(transferRepo, blobStore, cfg.UploadTTL)
	authSvc := commonauth.NewService(cfg.JWTSecret, cfg.JWTTTLMinutes)

	h := authapi.NewHandler(transferSvc, authSvc)
	r := gin.Default()
	h.RegisterRoutes(r)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{HTTPServer: httpServer, DB: pool}, nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.DB != nil {
		defer s.DB.Close()
	}
	return s.HTTPServer.Shutdown(ctx)
}
