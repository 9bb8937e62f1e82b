package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"telemed-backend/internal/auth"
	"telemed-backend/internal/database"
	"telemed-backend/internal/domain"
	consultationHandler "telemed-backend/internal/handler/http/consultation"
	presenceHandler "telemed-backend/internal/handler/http/presence"
	wsHandler "telemed-backend/internal/handler/ws"
	"telemed-backend/internal/middleware"
	"telemed-backend/internal/repository/cockroach"
	"telemed-backend/internal/repository/memory"
	redisRepo "telemed-backend/internal/repository/redis"
	"telemed-backend/internal/service/consultation"
	"telemed-backend/internal/service/report"
	"telemed-backend/internal/signaling"
	"telemed-backend/pkg/audit"
	"telemed-backend/pkg/config"
	"telemed-backend/pkg/constants"
	"telemed-backend/pkg/jwt"
	"telemed-backend/pkg/logger"
	"telemed-backend/pkg/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(&logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		Output:      cfg.Log.Output,
		FilePath:    cfg.Log.FilePath,
		ServiceName: cfg.Server.ServiceName,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Metrics
	appMetrics := metrics.NewMetrics(cfg.Server.ServiceName)
	prometheusMiddleware := middleware.NewPrometheusMiddleware(appMetrics)

	// 2. JWT
	if cfg.JWT.Secret == "" {
		logger.Fatal("JWT_SECRET environment variable is required")
	}
	jwtManager := jwt.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpiry)

	// 3. Redis with degraded mode support
	var redisDB *database.RedisClient
	var revocationChecker auth.RevocationChecker
	var presenceTracker signaling.PresenceTracker
	var presenceRefresher wsHandler.PresenceRefresher
	var sharedPresence presenceHandler.SharedPresence
	var auditLog *audit.AuditLogger
	if cfg.Redis.Enabled {
		redisDB, err = database.NewRedisDB(&database.RedisConfig{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
			Timeout:  cfg.Redis.Timeout,
		}, appMetrics.GetRegistry())
		if err != nil {
			logger.Fatal("Failed to create Redis client", zap.Error(err))
		}
		defer redisDB.Close()

		redisDB.StartHealthCheck(ctx, 10*time.Second)
		logger.Info("Redis health check started", zap.Duration("interval", 10*time.Second))

		presenceRepo := redisRepo.NewPresenceRepository(redisDB)
		revocationChecker = middleware.NewRedisRevocationChecker(redisDB)
		presenceTracker = presenceRepo
		presenceRefresher = presenceRepo
		sharedPresence = presenceRepo
		auditLog = audit.NewAuditLogger(redisDB.Client)
	} else {
		logger.Warn("Redis disabled: no token revocation, shared presence or patient cache")
	}

	// 4. CockroachDB with exponential backoff retry
	var callRepo consultation.CallRepository
	var patientRepo consultation.PatientRepository
	var callLookup signaling.CallLookup

	db := connectDatabase(ctx, cfg)
	if db != nil {
		defer db.Close()

		if err := cockroach.Migrate(ctx, db.Pool); err != nil {
			logger.Fatal("Failed to apply schema", zap.Error(err))
		}

		calls := cockroach.NewCallRepository(db.Pool, appMetrics)
		callRepo, callLookup = calls, calls

		var patients redisRepo.PatientReader = cockroach.NewPatientRepository(db.SQL())
		if redisDB != nil {
			patients = redisRepo.NewCachedPatientRepository(patients, redisDB, constants.PatientCacheTTL)
		}
		patientRepo = patients
	} else {
		logger.Warn("Running in limited mode with in-memory call store")
		calls, patients := limitedModeStores()
		callRepo, callLookup = calls, calls
		patientRepo = patients
	}

	// 5. Report storage
	var archiver consultation.Archiver
	var reportLinker consultationHandler.ReportLinker
	if cfg.MinIO.Enabled {
		store, err := report.NewMinIOStore(ctx, cfg.MinIO.Endpoint, cfg.MinIO.AccessKey,
			cfg.MinIO.SecretKey, cfg.MinIO.Bucket, cfg.MinIO.UseSSL)
		if err != nil {
			logger.Warn("Report storage unavailable, consultation reports will not be archived",
				zap.String("endpoint", cfg.MinIO.Endpoint),
				zap.Error(err))
		} else {
			reports := report.NewArchiver(store)
			archiver, reportLinker = reports, reports
			logger.Info("Report storage ready", zap.String("bucket", cfg.MinIO.Bucket))
		}
	}

	// 6. Signaling hub
	hub := signaling.NewHub(callLookup, presenceTracker, appMetrics, signaling.Config{
		RefreshRate:  cfg.Signaling.RefreshRate,
		RefreshBurst: cfg.Signaling.RefreshBurst,
	})
	hub.Start()

	// 7. Services and handlers
	var notifier consultation.Notifier = hub
	if auditLog != nil {
		notifier = consultation.Notifiers(hub, consultation.NewAuditTrail(auditLog))
	}
	consultSvc := consultation.NewService(callRepo, patientRepo, notifier, archiver, appMetrics)

	authn := auth.NewAuthenticator(jwtManager, revocationChecker, appMetrics)
	callHdlr := consultationHandler.NewHandler(consultSvc, reportLinker)
	if auditLog != nil {
		callHdlr.WithAuditTrail(auditLog)
	}
	presenceHdlr := presenceHandler.NewHandler(hub, sharedPresence)
	signalingHdlr := wsHandler.NewSignalingHandler(hub,
		middleware.OriginChecker(cfg.Signaling.AllowedOrigins),
		presenceRefresher,
		appMetrics,
		wsHandler.Config{
			MaxConnections: cfg.Signaling.MaxConnections,
			SendBuffer:     cfg.Signaling.SendBuffer,
			PingInterval:   cfg.Signaling.PingInterval,
			PongWait:       cfg.Signaling.PongWait,
			WriteWait:      cfg.Signaling.WriteWait,
			ReadLimit:      cfg.Signaling.ReadLimit,
		})

	// 8. Router
	router := gin.New()
	if err := router.SetTrustedProxies(nil); err != nil {
		logger.Warn("Failed to set trusted proxies", zap.Error(err))
	}

	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	router.Use(middleware.CORSMiddleware(cfg.Signaling.AllowedOrigins))
	router.Use(prometheusMiddleware.Handler())

	router.GET("/health", middleware.HealthCheck(cfg.Server.ServiceName))
	router.GET("/metrics", middleware.MetricsHandler(appMetrics))

	rateLimiter := middleware.NewRateLimiter(redisDB, constants.RateLimitRequests, constants.RateLimitWindow)

	v1 := router.Group("/v1")
	v1.GET("/ws/signaling", middleware.WebSocketAuthMiddleware(authn), signalingHdlr.ServeWS)

	api := v1.Group("")
	api.Use(middleware.AuthMiddleware(authn))
	api.Use(rateLimiter.Middleware())
	{
		callHdlr.RegisterRoutes(api)

		admin := api.Group("/presence")
		admin.Use(middleware.RequireRole(domain.RoleAdmin))
		admin.GET("", presenceHdlr.Overview)
		admin.GET("/:id", presenceHdlr.Status)
	}

	// 9. Start server
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Consultation service starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("env", cfg.Server.Environment),
			zap.String("signaling", "/v1/ws/signaling"))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("Shutting down", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	if err := hub.Shutdown(shutdownCtx); err != nil {
		logger.Error("Signaling hub did not stop cleanly", zap.Error(err))
	}

	logger.Info("Consultation service stopped")
}

// connectDatabase dials CockroachDB with exponential backoff. It returns nil
// when the database is disabled or unreachable.
func connectDatabase(ctx context.Context, cfg *config.Config) *database.DB {
	if !cfg.Database.Enabled {
		return nil
	}

	dbConfig := &database.CockroachConfig{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Database,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: cfg.Database.MaxConns,
		MinConns: cfg.Database.MinConns,
	}

	const maxRetries = 5
	baseDelay := 1 * time.Second
	maxDelay := 30 * time.Second

	db, err := database.NewCockroachDB(ctx, dbConfig)
	for attempt := 2; err != nil && attempt <= maxRetries; attempt++ {
		delay := time.Duration(float64(baseDelay) * math.Pow(2, float64(attempt-1)))
		if delay > maxDelay {
			delay = maxDelay
		}
		logger.Warn("CockroachDB connection failed, retrying",
			zap.Int("attempt", attempt-1),
			zap.Duration("delay", delay),
			zap.Error(err))
		time.Sleep(delay)

		db, err = database.NewCockroachDB(ctx, dbConfig)
	}
	if err != nil {
		logger.Error("Failed to connect to CockroachDB",
			zap.Int("attempts", maxRetries),
			zap.Error(err))
		return nil
	}

	logger.Info("Connected to CockroachDB",
		zap.String("host", cfg.Database.Host),
		zap.String("database", cfg.Database.Database))
	return db
}

// limitedModeStores backs the service without a database. Patients are
// owned by an outside directory, so unknown ids are accepted as-is.
func limitedModeStores() (*memory.CallRepository, *memory.PatientRepository) {
	return memory.NewCallRepository(), memory.NewPassThroughPatientRepository()
}
