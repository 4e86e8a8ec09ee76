package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"collabCore/config"
	"collabCore/internal/auth"
	"collabCore/internal/cache"
	"collabCore/internal/collab"
	"collabCore/internal/store"
	"collabCore/internal/ws"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("init config failed", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatal("redis unreachable", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
	}
	defer rdb.Close()

	gormDB, sqlDB, err := store.InitMySQL(cfg.Mysql.DSN)
	if err != nil {
		log.Fatal("mysql init failed", zap.Error(err))
	}
	defer sqlDB.Close()

	var producer sarama.SyncProducer
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err = sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			// the event stream is best-effort; editing works without it
			log.Warn("kafka unreachable, op events disabled", zap.Error(err))
			producer = nil
		} else {
			defer producer.Close()
		}
	}

	dispatcher := collab.NewKafkaDispatcher(producer, cfg.Kafka.Topic,
		collab.NewSemaphore(cfg.Collab.MaxConcurrentOps), log,
		collab.KafkaDispatcherOptions{
			QueueSize:   10_000,
			Workers:     4,
			MaxRetry:    3,
			BaseBackoff: 50 * time.Millisecond,
			MaxBackoff:  1 * time.Second,
		})
	defer dispatcher.Stop()

	presenceTTL := time.Duration(cfg.Collab.PresenceTTLSecs) * time.Second
	presence := cache.NewRedisTracker(rdb, presenceTTL)

	documentStore := store.NewDocumentStore(gormDB)
	snapshotStore := store.NewSnapshotStore(sqlDB)
	userStore := store.NewUserStore(gormDB)
	tokens := auth.NewTokens(cfg.Auth.Secret)

	svc := collab.NewInMemoryService(collab.ServiceOptions{
		HistoryCap: cfg.Collab.HistoryCap,
		Store:      documentStore,
		Snapshots:  snapshotStore,
		Events:     dispatcher,
		Logger:     log,
	})

	if cfg.Collab.SnapshotSecs > 0 {
		go snapshotLoop(svc, time.Duration(cfg.Collab.SnapshotSecs)*time.Second, log)
	}

	hub := ws.NewHub()
	submitSem := collab.NewSemaphore(cfg.Collab.MaxConcurrentOps)
	manager := ws.NewManager(hub, svc, presence, submitSem, log)

	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOriginFunc:  func(origin string) bool { return true },
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	r.POST("/v1/auth/register", func(c *gin.Context) {
		var body struct {
			Username string `json:"username" binding:"required"`
			Password string `json:"password" binding:"required"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		userID, err := userStore.CreateUser(c.Request.Context(), body.Username, body.Password)
		if err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": "username taken"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"userId": userID})
	})

	r.POST("/v1/auth/login", func(c *gin.Context) {
		var body struct {
			Username string `json:"username" binding:"required"`
			Password string `json:"password" binding:"required"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		userID, err := userStore.Authenticate(c.Request.Context(), body.Username, body.Password)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		token, expires, err := tokens.Sign(userID, body.Username, 12*time.Hour)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "sign token"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"token": token, "expiresAt": expires})
	})

	authed := r.Group("/collab", auth.Middleware(tokens))
	authed.GET("/ws", manager.WebSocketConnect)
	authed.POST("/documents", func(c *gin.Context) {
		var body struct {
			Title string `json:"title" binding:"required"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		docID, err := svc.CreateDocument(c.Request.Context(), c.GetUint64("userId"), body.Title)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"docId": docID})
	})
	authed.GET("/documents/:docId", func(c *gin.Context) {
		doc, err := svc.Document(c.Request.Context(), c.Param("docId"))
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, collab.ErrDocumentNotFound) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		if !doc.Permissions.CanRead(c.GetUint64("userId")) {
			c.JSON(http.StatusForbidden, gin.H{"error": "no read permission"})
			return
		}
		c.JSON(http.StatusOK, doc)
	})

	port := cfg.Running.Port
	log.Info("collab server listening", zap.Int("port", port))
	if err := r.Run(fmt.Sprintf(":%d", port)); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

// snapshotLoop checkpoints every resident document on a fixed interval.
func snapshotLoop(svc *collab.InMemoryService, interval time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		for _, docID := range svc.OpenDocuments() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := svc.SaveSnapshot(ctx, docID); err != nil {
				log.Warn("snapshot failed", zap.String("docId", docID), zap.Error(err))
			}
			cancel()
		}
	}
}
