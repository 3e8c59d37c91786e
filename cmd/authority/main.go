package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jmerrifield20/nodetrust/internal/authority"
	"github.com/jmerrifield20/nodetrust/internal/authority/handler"
	"github.com/jmerrifield20/nodetrust/internal/health"
	"github.com/jmerrifield20/nodetrust/internal/identity"
	"github.com/jmerrifield20/nodetrust/internal/issuancelog"
	"github.com/jmerrifield20/nodetrust/internal/migrations"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("authority exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	viper.SetConfigName("authority")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("authority.port", 8080)
	viper.SetDefault("authority.ca_dir", "ca")
	viper.SetDefault("authority.root_name", "CN=Root CA, O=Network Operator, L=London, C=GB")
	viper.SetDefault("authority.intermediate_name", "CN=Doorman, O=Network Operator, L=London, C=GB")
	viper.SetDefault("authority.ca_validity_days", 3650)
	viper.SetDefault("authority.validity_days", 365)
	viper.SetDefault("authority.name_constraints", []string{})
	viper.SetDefault("authority.rate_limit_rps", 20)
	viper.SetDefault("authority.poll_rate_limit_rps", 1)
	viper.SetDefault("authority.cors_origins", []string{"http://localhost:3000"})
	viper.SetDefault("database.url", "")
	viper.SetDefault("database.migrate", true)
	viper.SetDefault("health.interval", time.Minute)
	viper.SetDefault("health.fail_threshold", 3)
	viper.SetDefault("health.expiry_margin_days", 30)

	if err := viper.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
		logger.Warn("no config file found, using defaults and env vars")
	}

	// ── CA hierarchy ─────────────────────────────────────────────────────────
	h, err := loadHierarchy(logger)
	if err != nil {
		return err
	}

	// ── Storage ──────────────────────────────────────────────────────────────
	var (
		store  authority.ChainStore
		log    issuancelog.Log
		checks []health.Check
	)
	if dbURL := viper.GetString("database.url"); dbURL != "" {
		ctx := context.Background()
		db, err := pgxpool.New(ctx, dbURL)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer db.Close()
		if err := db.Ping(ctx); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		logger.Info("connected to postgres")

		if viper.GetBool("database.migrate") {
			n, err := migrations.Apply(ctx, db, logger)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			logger.Info("schema up to date", zap.Int("applied", n))
		}
		store = authority.NewPostgresStore(db)
		log = issuancelog.NewPostgresLog(db, logger)
		checks = append(checks, health.Check{Name: "database", Run: db.Ping})
	} else {
		logger.Warn("database.url is empty: issued chains and the issuance log are kept in memory")
		store = authority.NewMemoryStore()
		log = issuancelog.NewMemoryLog()
	}

	startCtx := context.Background()
	if err := log.Verify(startCtx); err != nil {
		logger.Warn("issuance log integrity check FAILED", zap.Error(err))
	} else {
		n, _ := log.Len(startCtx)
		tip, _ := log.Tip(startCtx)
		logger.Info("issuance log verified", zap.Int("entries", n), zap.String("tip", tip))
	}

	expiryMargin := time.Duration(viper.GetInt("health.expiry_margin_days")) * 24 * time.Hour
	checks = append(checks,
		health.Check{Name: "issuance_log", Run: log.Verify},
		health.CertificateExpiry("root_ca", h.Root, expiryMargin),
		health.CertificateExpiry("intermediate_ca", h.Intermediate, expiryMargin),
	)
	checker := health.New(checks, health.Config{
		CheckInterval: viper.GetDuration("health.interval"),
		FailThreshold: viper.GetInt("health.fail_threshold"),
	}, logger)
	checker.SetMetricsRecord(handler.RecordHealthCheck)

	svc := authority.NewService(h, store, logger)
	svc.SetIssuanceLog(log)
	svc.SetValidity(time.Duration(viper.GetInt("authority.validity_days")) * 24 * time.Hour)

	// ── HTTP ─────────────────────────────────────────────────────────────────
	gin.SetMode(gin.ReleaseMode)
	corsOrigins := viper.GetStringSlice("authority.cors_origins")
	corsCfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", handler.RequestIDHeader},
		ExposeHeaders: []string{handler.RequestIDHeader, "X-Root-Fingerprint"},
		MaxAge:        12 * time.Hour,
	}
	if containsWildcard(corsOrigins) {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = corsOrigins
	}

	var rateLimit, pollLimit *handler.Limiter
	if rps := viper.GetInt("authority.rate_limit_rps"); rps > 0 {
		rateLimit = handler.NewLimiter("client_ip", rps, rps*2, handler.ByClientIP)
		defer rateLimit.Close()
	}
	if rps := viper.GetInt("authority.poll_rate_limit_rps"); rps > 0 {
		pollLimit = handler.NewLimiter("request_id", rps, rps, handler.ByRequestID)
		defer pollLimit.Close()
	}

	router := handler.NewRouter(svc, handler.RouterOptions{
		RateLimit: rateLimit,
		PollLimit: pollLimit,
		Health:    checker,
		Middleware: []gin.HandlerFunc{
			ginzap.GinzapWithConfig(logger, &ginzap.Config{
				TimeFormat: time.RFC3339,
				UTC:        true,
				SkipPaths:  []string{"/health", "/metrics"},
				Context: func(c *gin.Context) []zapcore.Field {
					return []zapcore.Field{zap.String("request_id", c.GetString("request_id"))}
				},
			}),
			ginzap.RecoveryWithZap(logger, true),
			cors.New(corsCfg),
		},
	}, logger)

	port := viper.GetInt("authority.port")
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	healthQuit := make(chan os.Signal, 1)
	go checker.Start(healthQuit)

	go func() {
		logger.Info("authority HTTP listening",
			zap.Int("port", port),
			zap.String("root_fingerprint", identity.Fingerprint(h.Root)))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ──────────────────────────────────────────────────────
	<-quit
	logger.Info("shutting down authority...")
	healthQuit <- syscall.SIGTERM

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	logger.Info("authority stopped")
	return nil
}

func loadHierarchy(logger *zap.Logger) (*identity.Hierarchy, error) {
	rootName, err := identity.ParseName(viper.GetString("authority.root_name"))
	if err != nil {
		return nil, fmt.Errorf("authority.root_name: %w", err)
	}
	intermediateName, err := identity.ParseName(viper.GetString("authority.intermediate_name"))
	if err != nil {
		return nil, fmt.Errorf("authority.intermediate_name: %w", err)
	}
	opts := identity.HierarchyOptions{
		RootName:         rootName,
		IntermediateName: intermediateName,
		Validity:         identity.ValidFor(time.Duration(viper.GetInt("authority.ca_validity_days")) * 24 * time.Hour),
	}
	if permitted := viper.GetStringSlice("authority.name_constraints"); len(permitted) > 0 {
		nc, err := identity.NewNameConstraints(permitted...)
		if err != nil {
			return nil, fmt.Errorf("authority.name_constraints: %w", err)
		}
		opts.Constraints = nc
	}

	dir := viper.GetString("authority.ca_dir")
	store := identity.NewHierarchyStore(dir)
	if err := store.LoadOrCreate(opts); err != nil {
		return nil, fmt.Errorf("CA setup failed: %w", err)
	}
	logger.Info("CA ready", zap.String("ca_dir", dir))
	return store.Hierarchy(), nil
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}
