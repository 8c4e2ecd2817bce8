package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"productlens/internal/api/middleware"
	"productlens/internal/config"
	"productlens/internal/dispatch"
	"productlens/internal/model"
	"productlens/internal/pkg/jobqueue"
	"productlens/internal/pkg/metrics"
	"productlens/internal/pkg/progresslog"
	"productlens/internal/pkg/ratelimit"
	"productlens/internal/progress"
	"productlens/internal/sink"
	"productlens/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

// Server 封装了 API 服务所需的依赖和路由处理。
//
// 它持有 MySQL、MongoDB 与 Redis 连接，并把任务存储、分发、结果回写与进度流
// 组合到同一个 Gin 路由引擎上。连接在进程内只打开一次，由所有请求共享。
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	router *gin.Engine

	db    *gorm.DB
	mongo *mongo.Client
	rdb   *redis.Client

	tasks      TaskService
	dispatcher Dispatcher
	sink       ResultSink
	progress   ProgressStreamer
	limiter    middleware.Limiter
	checks     []healthCheck
}

// TaskService 是任务两部分存储的组合操作。
type TaskService interface {
	CreateTask(ctx context.Context, owner, name string, payload model.TaskPayload) (uuid.UUID, error)
	RegenerateTask(ctx context.Context, owner string, id uuid.UUID, payload model.TaskPayload) error
	RenameTask(ctx context.Context, owner string, id uuid.UUID, name string) error
	DeleteTask(ctx context.Context, owner string, id uuid.UUID) error
	History(ctx context.Context, owner string) ([]model.Task, error)
	GetTask(ctx context.Context, owner string, id uuid.UUID) (*model.AnalysisDocument, error)
}

// Dispatcher 发布任务的三个分析作业。
type Dispatcher interface {
	Dispatch(ctx context.Context, taskID uuid.UUID, main model.ProductInput, competitors []model.ProductInput) error
}

// ResultSink 接收 worker 回写的分析结果。
type ResultSink interface {
	RecordResult(ctx context.Context, taskID uuid.UUID, owner string, jobType model.JobType, message string) error
}

// ProgressStreamer 把任务的进度事件写成 NDJSON 行。
type ProgressStreamer interface {
	Stream(ctx context.Context, taskID uuid.UUID, w progress.LineWriter) error
}

type healthCheck struct {
	name  string
	check func(ctx context.Context) error
}

// NewServer 初始化 API 服务器。
//
// 它负责：
// 1. 连接 MySQL 数据库并执行自动迁移
// 2. 连接 MongoDB（任务文档）
// 3. 连接 Redis（任务队列、进度流与限流）
// 4. 组装各组件并初始化 Gin 路由引擎
//
// 任一步失败时关闭已经打开的连接。
func NewServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	s := &Server{cfg: cfg, logger: logger}

	db, err := gorm.Open(mysql.Open(cfg.MySQL.DSN), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent), // 关闭GORM调试日志
	})
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	s.db = db

	relational := store.NewGormTaskStore(db)
	if err := relational.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	s.mongo = mongoClient
	documents := store.NewMongoDocumentStore(mongoClient, cfg.Mongo.Database)
	if err := documents.Ping(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       0,
	})
	s.rdb = rdb
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	queue, err := jobqueue.NewClient(rdb, cfg.Queue.JobQueue)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	events, err := progresslog.New(rdb, logger,
		progresslog.WithPrefix(cfg.Queue.ProgressPrefix),
		progresslog.WithMaxLen(cfg.Queue.ProgressMaxLen),
		progresslog.WithBlockTime(cfg.App.StreamBlockTime),
	)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	// 初始化 Prometheus 指标
	metrics.InitMetrics()

	s.tasks = store.NewService(relational, documents, logger, store.WithCompensation(cfg.App.CompensateOrphans))
	s.dispatcher = dispatch.New(queue, logger)
	s.sink = sink.New(documents, logger)
	s.progress = progress.NewAggregator(progress.FromLog(events), logger)
	s.limiter = ratelimit.NewRedisRateLimiter(rdb, logger, "productlens:ratelimit:create", cfg.App.RateLimit, cfg.App.RateBurst)
	s.checks = []healthCheck{
		{name: "mysql", check: relational.Ping},
		{name: "mongo", check: documents.Ping},
		{name: "redis", check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
	}

	s.router = newRouter(logger)
	s.registerRoutes()
	return s, nil
}

func newRouter(logger *slog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))
	return r
}

// Router 返回 HTTP 路由处理器。
func (s *Server) Router() http.Handler {
	return s.router
}

// Close 关闭数据库、文档库与缓存连接。
func (s *Server) Close() error {
	var errs []error
	if s.rdb != nil {
		errs = append(errs, s.rdb.Close())
	}
	if s.mongo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, s.mongo.Disconnect(ctx))
		cancel()
	}
	if s.db != nil {
		sqlDB, err := s.db.DB()
		if err != nil {
			errs = append(errs, err)
		} else {
			errs = append(errs, sqlDB.Close())
		}
	}
	return errors.Join(errs...)
}

// registerRoutes 注册所有的 API 路由。
func (s *Server) registerRoutes() {
	// Prometheus metrics 端点
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/healthz", s.handleHealthz)

	authed := s.router.Group("/api/v1")
	authed.Use(middleware.AuthMiddleware(s.cfg.Security.JWTSecret))

	limited := middleware.RateLimitMiddleware(s.limiter, s.logger)
	authed.POST("/create/task", limited, s.handleCreateTask)
	authed.POST("/regenerate/task", limited, s.handleRegenerateTask)
	authed.PUT("/edit/task", s.handleRenameTask)
	authed.POST("/delete/task", s.handleDeleteTask)
	authed.GET("/get/history", s.handleHistory)
	authed.POST("/get/task", s.handleGetTask)
	authed.POST("/add/task", s.handleAddResult)
	authed.GET("/information", s.handleInformation)
}

func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if len(s.checks) == 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}
	for _, hc := range s.checks {
		if err := hc.check(ctx); err != nil {
			s.logger.Warn("health check failed",
				slog.String("component", hc.name),
				slog.String("error", err.Error()))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "component": hc.name})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// getUserID 返回认证中间件写入的用户 ID。
func getUserID(c *gin.Context) string {
	return c.GetString(middleware.ContextUserID)
}

// writeStoreError 把存储层错误映射为 HTTP 状态码。
func (s *Server) writeStoreError(c *gin.Context, op string, err error) {
	if errors.Is(err, store.ErrTaskNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	s.logger.Error(op+" failed",
		slog.String("user_id", getUserID(c)),
		slog.String("error", err.Error()))
	c.JSON(http.StatusInternalServerError, gin.H{"error": op + " failed", "details": err.Error()})
}
