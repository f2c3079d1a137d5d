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

	firebase "firebase.google.com/go/v4"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"itinder-backend/internal/auth"
	"itinder-backend/internal/blob"
	"itinder-backend/internal/config"
	"itinder-backend/internal/conversation"
	"itinder-backend/internal/database"
	"itinder-backend/internal/directory"
	"itinder-backend/internal/firebaseapp"
	"itinder-backend/internal/handlers"
	"itinder-backend/internal/logger"
	"itinder-backend/internal/match"
	"itinder-backend/internal/middleware"
	"itinder-backend/internal/models"
	"itinder-backend/internal/notify"
	"itinder-backend/internal/redis"
	"itinder-backend/internal/store"
	"itinder-backend/internal/store/memtree"
	"itinder-backend/internal/store/rtdb"
	"itinder-backend/internal/store/sqltree"
	"itinder-backend/internal/websocket"
)

func main() {
	envErr := godotenv.Load()

	cfg := config.Load()
	log := logger.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	if envErr != nil {
		log.Info("No .env file found")
	}
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("Invalid configuration")
	}
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("Server stopped")
	}
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	var (
		app         *firebase.App
		redisClient *redis.Client
		err         error
	)
	if cfg.UsesFirebase() {
		if app, err = firebaseapp.New(ctx, cfg); err != nil {
			return err
		}
	}
	if cfg.RedisURL != "" {
		if redisClient, err = redis.Initialize(cfg.RedisURL, logger.Component(log, "redis")); err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		defer redisClient.Close()
	}

	tree, err := openTree(ctx, cfg, app, redisClient, log)
	if err != nil {
		return err
	}
	defer tree.Close()

	blobs, err := openBlobs(ctx, cfg, log)
	if err != nil {
		return err
	}

	verifier, local, err := openAuth(ctx, cfg, app, tree, redisClient, log)
	if err != nil {
		return err
	}

	dispatcher, err := openNotify(ctx, cfg, app, tree, log)
	if err != nil {
		return err
	}
	defer dispatcher.Wait()

	hub := websocket.NewHub(logger.Component(log, "websocket"))
	go hub.Run(ctx)

	dir := directory.NewService(tree, blobs, cfg.AllowedImageTypes, logger.Component(log, "directory"))
	matches := match.NewService(tree, logger.Component(log, "match"), hub, dispatcher)
	convs := conversation.NewService(tree, blobs, conversation.Config{
		MaxPhotoSize:      cfg.MaxDownloadSize,
		AllowedImageTypes: cfg.AllowedImageTypes,
	}, logger.Component(log, "conversation"), dispatcher)

	if err := handlers.RegisterValidators(); err != nil {
		return fmt.Errorf("failed to register validators: %w", err)
	}
	router := setupRoutes(cfg, log, routes{
		verifier: verifier,
		auth:     optionalAuth(local),
		users:    handlers.NewUserHandler(dir, cfg),
		matches:  handlers.NewMatchHandler(matches),
		messages: handlers.NewMessageHandler(convs, cfg),
		admin:    handlers.NewAdminHandler(dir, logger.Component(log, "admin")),
		blobs:    memoryBlobs(blobs),
		hub:      hub,
		convs:    convs,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.WithField("port", cfg.Port).Info("Server starting")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openTree(ctx context.Context, cfg *config.Config, app *firebase.App, rdb *redis.Client, log *logrus.Logger) (store.Tree, error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		db, err := database.Initialize(cfg.DatabaseURL, logger.Component(log, "database"))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		tree, err := sqltree.New(db, logger.Component(log, "store"))
		if err != nil {
			return nil, err
		}
		if err := tree.Listen(cfg.DatabaseURL); err != nil {
			return nil, err
		}
		return tree, nil

	case config.BackendFirebase:
		client, err := app.Database(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to open realtime database: %w", err)
		}
		var feed *rtdb.Changefeed
		if rdb != nil {
			feed = rtdb.NewChangefeed(rdb, rtdb.DefaultChannel, logger.Component(log, "changefeed"))
		} else {
			log.Warn("REDIS_URL not set; subscriptions only see writes made by this instance")
		}
		return rtdb.New(client, feed, logger.Component(log, "store"))

	default:
		log.Warn("Using the in-memory store; data is lost on restart")
		return memtree.New(), nil
	}
}

func openBlobs(ctx context.Context, cfg *config.Config, log *logrus.Logger) (blob.Store, error) {
	switch cfg.BlobBackend {
	case config.BackendMinIO:
		s, err := blob.NewMinIOStore(blob.MinIOConfig{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			UseSSL:    cfg.MinIOUseSSL,
			Bucket:    cfg.S3Bucket,
		}, logger.Component(log, "blob"))
		if err != nil {
			return nil, err
		}
		if err := s.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return s, nil

	case config.BackendS3:
		s, err := blob.NewS3Store(blob.S3Config{
			Region:          cfg.AWSRegion,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
			Bucket:          cfg.S3Bucket,
		})
		if err != nil {
			return nil, err
		}
		if err := s.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return s, nil

	default:
		return blob.NewMemoryStore(cfg.PublicBlobURL), nil
	}
}

func openAuth(ctx context.Context, cfg *config.Config, app *firebase.App, tree store.Tree, rdb *redis.Client, log *logrus.Logger) (auth.Verifier, *auth.Local, error) {
	if cfg.AuthProvider == config.BackendFirebase {
		client, err := app.Auth(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open firebase auth: %w", err)
		}
		return auth.NewFirebaseVerifier(client), nil, nil
	}

	var revoker auth.Revoker = auth.NewMemoryRevoker()
	if rdb != nil {
		revoker = auth.NewRedisRevoker(rdb)
	}
	local := auth.NewLocal(tree, cfg.JWTSecret, cfg.JWTExpiry, revoker, logger.Component(log, "auth"))
	return local, local, nil
}

func openNotify(ctx context.Context, cfg *config.Config, app *firebase.App, tree store.Tree, log *logrus.Logger) (*notify.Dispatcher, error) {
	d := notify.NewDispatcher(tree, logger.Component(log, "notify"))
	if cfg.APNsKeyPath != "" {
		sender, err := notify.NewAPNsSender(notify.APNsConfig{
			KeyPath:    cfg.APNsKeyPath,
			KeyID:      cfg.APNsKeyID,
			TeamID:     cfg.APNsTeamID,
			Topic:      cfg.APNsTopic,
			Production: cfg.APNsProduction,
		})
		if err != nil {
			return nil, err
		}
		d.Register(models.PlatformIOS, sender)
	}
	if cfg.FCMEnabled {
		client, err := app.Messaging(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to open firebase messaging: %w", err)
		}
		d.Register(models.PlatformAndroid, notify.NewFCMSender(client))
	}
	if !d.Enabled() {
		log.Info("Push notifications disabled")
	}
	return d, nil
}

func optionalAuth(local *auth.Local) *handlers.AuthHandler {
	if local == nil {
		return nil
	}
	return handlers.NewAuthHandler(local)
}

func memoryBlobs(s blob.Store) *handlers.BlobHandler {
	if m, ok := s.(*blob.MemoryStore); ok {
		return handlers.NewBlobHandler(m)
	}
	return nil
}

type routes struct {
	verifier auth.Verifier
	auth     *handlers.AuthHandler
	users    *handlers.UserHandler
	matches  *handlers.MatchHandler
	messages *handlers.MessageHandler
	admin    *handlers.AdminHandler
	blobs    *handlers.BlobHandler
	hub      *websocket.Hub
	convs    *conversation.Service
}

func setupRoutes(cfg *config.Config, log *logrus.Logger, r routes) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(logger.Component(log, "http")))
	router.Use(middleware.CORS())

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if r.blobs != nil {
		router.GET("/blobs/*key", r.blobs.Get)
	}

	limiter := middleware.NewLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	authRequired := middleware.AuthRequired(r.verifier)

	v1 := router.Group("/api/v1")
	{
		if r.auth != nil {
			authGroup := v1.Group("/auth", middleware.RateLimit(limiter))
			{
				authGroup.POST("/register", r.auth.Register)
				authGroup.POST("/login", r.auth.Login)
				authGroup.POST("/logout", authRequired, r.auth.Logout)
			}
		}

		users := v1.Group("/users", authRequired, middleware.RateLimit(limiter))
		{
			users.GET("/profile", r.users.GetProfile)
			users.PUT("/profile", r.users.UpdateProfile)
			users.PUT("/profile/push-token", r.users.SetPushToken)
			users.GET("/candidates", r.users.Candidates)
			users.GET("/:user_id", r.users.GetUser)
		}

		matches := v1.Group("/matches", authRequired, middleware.RateLimit(limiter))
		{
			matches.POST("/swipe/:user_id", r.matches.Swipe)
			matches.GET("", r.matches.GetMatches)
			matches.DELETE("/:user_id", r.matches.Unmatch)
		}

		messages := v1.Group("/messages", authRequired, middleware.RateLimit(limiter))
		{
			messages.POST("/:user_id/text", r.messages.SendText)
			messages.POST("/:user_id/photo", r.messages.SendPhoto)
			messages.PUT("/:user_id/read", r.messages.MarkAsRead)
		}

		v1.GET("/ws", authRequired, func(c *gin.Context) {
			websocket.HandleWebSocket(r.hub, r.convs, c)
		})

		admin := v1.Group("/admin", authRequired, middleware.AdminRequired(cfg))
		{
			admin.POST("/reset-swipes", r.admin.ResetSwipes)
		}
	}

	return router
}
