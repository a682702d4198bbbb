package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/lockframe-protocol/lockframe/internal/auth"
	"github.com/lockframe-protocol/lockframe/internal/bus"
	"github.com/lockframe-protocol/lockframe/internal/config"
	"github.com/lockframe-protocol/lockframe/internal/env"
	"github.com/lockframe-protocol/lockframe/internal/health"
	"github.com/lockframe-protocol/lockframe/internal/ids"
	"github.com/lockframe-protocol/lockframe/internal/logging"
	"github.com/lockframe-protocol/lockframe/internal/middleware"
	"github.com/lockframe-protocol/lockframe/internal/ratelimit"
	"github.com/lockframe-protocol/lockframe/internal/room"
	"github.com/lockframe-protocol/lockframe/internal/server"
	"github.com/lockframe-protocol/lockframe/internal/storage"
	"github.com/lockframe-protocol/lockframe/internal/tracing"
	"github.com/lockframe-protocol/lockframe/internal/transport"
)

func main() {
	envPaths := []string{".env", "../../.env", "../.env"}
	var envLoaded bool
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			envLoaded = true
			break
		}
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		fmt.Fprintln(os.Stderr, "failed to initialize logger:", err)
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !envLoaded {
		logging.Warn(ctx, "no .env file found in any expected location, relying on environment variables")
	}

	if collector := os.Getenv("OTEL_COLLECTOR_ADDR"); collector != "" {
		tp, err := tracing.InitTracer(ctx, "lockframed", collector)
		if err != nil {
			logging.Warn(ctx, "tracing disabled: failed to initialize tracer", zap.Error(err))
		} else {
			defer func() { _ = tp.Shutdown(context.Background()) }()
		}
	}

	var redisClient *redis.Client
	if cfg.RedisEnabled {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logging.Warn(ctx, "redis unreachable at startup, continuing: later calls will fail over or error", zap.Error(err))
		}
	}

	var store storage.Storage
	if redisClient != nil {
		store = storage.NewRedis(redisClient)
	} else {
		store = storage.NewMemory()
	}

	var busService *bus.Service
	if redisClient != nil {
		busService, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logging.Warn(ctx, "cross-instance fanout disabled: failed to start bus service", zap.Error(err))
			busService = nil
		}
	}

	rl, err := ratelimit.NewRateLimiter(cfg, redisClient)
	if err != nil {
		logging.Fatal(ctx, "failed to initialize rate limiter", zap.Error(err))
	}

	rooms := room.NewManager()

	var authn server.Authenticator
	switch {
	case cfg.SkipAuth:
		logging.Warn(ctx, "authentication relaxed (SKIP_AUTH=true) — tokens are parsed, not verified; do not use in production")
		authn = server.NewJWTAuthenticator(&auth.MockValidator{})
	default:
		if cfg.Auth0Domain == "" || cfg.Auth0Audience == "" {
			logging.Fatal(ctx, "AUTH0_DOMAIN and AUTH0_AUDIENCE must be set when SKIP_AUTH is not true")
		}
		validator, err := auth.NewValidator(ctx, cfg.Auth0Domain, cfg.Auth0Audience)
		if err != nil {
			logging.Fatal(ctx, "failed to initialize auth validator", zap.Error(err))
		}
		authn = server.NewJWTAuthenticator(validator)
	}

	driver := server.NewDriver(rooms, store, busService, authn, env.NewReal()).WithRateLimiter(rl)

	tlsConfig, err := loadOrGenerateTLSConfig()
	if err != nil {
		logging.Fatal(ctx, "failed to prepare TLS configuration", zap.Error(err))
	}
	trans := transport.NewQUICTransport(tlsConfig)

	listener, err := trans.Listen(ctx, cfg.ListenAddr)
	if err != nil {
		logging.Fatal(ctx, "failed to listen", zap.String("addr", cfg.ListenAddr), zap.Error(err))
	}

	go func() {
		logging.Info(ctx, "lockframed listening", zap.String("addr", cfg.ListenAddr))
		if err := driver.Serve(ctx, listener); err != nil {
			logging.Error(ctx, "driver stopped serving", zap.Error(err))
		}
	}()

	adminSrv := newAdminServer(cfg, driver, busService)
	go func() {
		logging.Info(ctx, "admin HTTP surface starting", zap.String("addr", ":"+cfg.Port))
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "admin HTTP server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logging.Info(context.Background(), "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		logging.Error(context.Background(), "admin server forced to shutdown", zap.Error(err))
	}
	_ = listener.Close()
	logging.Info(context.Background(), "lockframed exiting")
}

// newAdminServer builds the thin REST front door spec §11's domain stack
// names: out-of-band room creation, health, and Prometheus metrics, served
// over plain HTTP alongside the QUIC data path rather than multiplexed onto
// it — the same separation the teacher keeps between its gin router and its
// WebSocket hub.
func newAdminServer(cfg *config.Config, driver *server.Driver, busService *bus.Service) *http.Server {
	router := gin.Default()

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	router.Use(cors.New(corsCfg))
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("lockframed"))
	router.Use(middleware.CorrelationID())

	healthHandler := health.NewHandler(busService)
	router.GET("/health", healthHandler.Liveness)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	admin := router.Group("/admin")
	{
		admin.POST("/rooms", func(c *gin.Context) {
			var body struct {
				CreatorSenderID uint64 `json:"creator_sender_id" binding:"required"`
			}
			if err := c.ShouldBindJSON(&body); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			roomID := ids.NewRoomID()
			if err := driver.CreateRoom(c.Request.Context(), roomID, ids.SenderID(body.CreatorSenderID)); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusCreated, gin.H{"room_id": roomID.String()})
		})
	}

	return &http.Server{Addr: ":" + cfg.Port, Handler: router}
}

// loadOrGenerateTLSConfig loads a cert/key pair from TLS_CERT_FILE and
// TLS_KEY_FILE if set, otherwise generates an ephemeral self-signed
// certificate for local development — quic-go requires TLS on every
// listener, and the pack carries no certificate-management library, so
// this falls back to crypto/tls and crypto/x509 directly.
func loadOrGenerateTLSConfig() (*tls.Config, error) {
	certFile := os.Getenv("TLS_CERT_FILE")
	keyFile := os.Getenv("TLS_KEY_FILE")
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("loading TLS cert/key: %w", err)
		}
		return &tls.Config{Certificates: []tls.Certificate{cert}, NextProtos: []string{"lockframe"}}, nil
	}

	cert, err := generateSelfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("generating self-signed cert: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, NextProtos: []string{"lockframe"}}, nil
}

func generateSelfSignedCert() (tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{Organization: []string{"lockframe dev"}},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return tls.X509KeyPair(certPEM, keyPEM)
}
