package health

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/lockframe-protocol/lockframe/internal/bus"
	"github.com/lockframe-protocol/lockframe/internal/logging"
	"go.uber.org/zap"
)

// CollectorChecker checks the health of the OpenTelemetry trace collector
// lockframed exports spans to (internal/tracing.InitTracer's target).
type CollectorChecker interface {
	Check(ctx context.Context, addr string) string
}

// DefaultCollectorChecker is the default implementation of CollectorChecker.
type DefaultCollectorChecker struct{}

// Check verifies gRPC connectivity to the collector using the standard
// gRPC health checking protocol.
func (c *DefaultCollectorChecker) Check(ctx context.Context, addr string) string {
	conn, err := grpc.NewClient(
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		logging.Error(ctx, "failed to connect to trace collector for health check", zap.Error(err), zap.String("addr", addr))
		return "unhealthy"
	}
	defer func() { _ = conn.Close() }()

	healthClient := healthpb.NewHealthClient(conn)

	resp, err := healthClient.Check(ctx, &healthpb.HealthCheckRequest{
		Service: "",
	})
	if err != nil {
		logging.Error(ctx, "trace collector health check RPC failed", zap.Error(err))
		return "unhealthy"
	}

	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		logging.Warn(ctx, "trace collector is not serving", zap.String("status", resp.Status.String()))
		return "unhealthy"
	}

	return "healthy"
}

// Handler manages health check endpoints for the routing server (spec §4.4):
// liveness (is the process alive) and readiness (are its dependencies —
// the bus/storage Redis instance, and optionally the trace collector —
// reachable).
type Handler struct {
	redisService     *bus.Service
	collectorAddr    string
	collectorEnabled bool
	collectorChecker CollectorChecker
}

// NewHandler creates a new health check handler. redisService may be nil
// (single-instance deployments with no cross-instance fanout configured).
func NewHandler(redisService *bus.Service) *Handler {
	collectorAddr := os.Getenv("OTEL_COLLECTOR_ADDR")

	return &Handler{
		redisService:     redisService,
		collectorAddr:    collectorAddr,
		collectorEnabled: collectorAddr != "",
		collectorChecker: &DefaultCollectorChecker{},
	}
}

// LivenessResponse represents the liveness probe response
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles the liveness probe endpoint.
// GET /health/live
// Returns 200 if the process is alive (no dependency checks).
func (h *Handler) Liveness(c *gin.Context) {
	response := LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	c.JSON(http.StatusOK, response)
}

// Readiness handles the readiness probe endpoint.
// GET /health/ready
// Returns 200 only if all configured dependencies are healthy, 503
// otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	redisStatus := h.checkRedis(ctx)
	checks["redis"] = redisStatus
	if redisStatus != "healthy" {
		allHealthy = false
	}

	if h.collectorEnabled {
		collectorStatus := h.checkCollector(ctx)
		checks["trace_collector"] = collectorStatus
		if collectorStatus != "healthy" {
			allHealthy = false
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	response := ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	c.JSON(statusCode, response)
}

// checkRedis verifies Redis connectivity using PING, via the bus service's
// own client (see internal/bus.Service.Ping).
func (h *Handler) checkRedis(ctx context.Context) string {
	if h.redisService == nil {
		return "healthy"
	}

	if err := h.redisService.Ping(ctx); err != nil {
		logging.Error(ctx, "redis health check failed", zap.Error(err))
		return "unhealthy"
	}

	return "healthy"
}

func (h *Handler) checkCollector(ctx context.Context) string {
	if h.collectorChecker == nil {
		return "unhealthy"
	}
	return h.collectorChecker.Check(ctx, h.collectorAddr)
}

// HealthCheckResponse is a generic health check response for backward compatibility
type HealthCheckResponse struct {
	Status string         `json:"status"`
	Data   map[string]any `json:"data,omitempty"`
}

// MarshalJSON implements custom JSON marshaling for better formatting
func (r ReadinessResponse) MarshalJSON() ([]byte, error) {
	type Alias ReadinessResponse
	return json.Marshal(&struct {
		*Alias
	}{
		Alias: (*Alias)(&r),
	})
}
