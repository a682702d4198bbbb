// Package ratelimit implements rate limiting logic using Redis or local memory.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"

	"github.com/lockframe-protocol/lockframe/internal/config"
	"github.com/lockframe-protocol/lockframe/internal/ids"
	"github.com/lockframe-protocol/lockframe/internal/logging"
	"github.com/lockframe-protocol/lockframe/internal/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"
)

// RateLimiter enforces per-sender and per-IP admission limits. There are no
// HTTP routes to hang middleware off here, so every check is a plain method
// internal/server.Driver calls at the point it would otherwise admit a
// connection or process a frame.
type RateLimiter struct {
	connectGlobal     *limiter.Limiter
	connectIP         *limiter.Limiter
	roomCreate        *limiter.Limiter
	frames            *limiter.Limiter
	keyPackageFetch   *limiter.Limiter
	keyPackageUpload  *limiter.Limiter
	store             limiter.Store
	redisClient       *redis.Client
}

// NewRateLimiter creates a new RateLimiter instance
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	connectGlobalRate, err := limiter.NewRateFromFormatted(cfg.RateLimitConnectGlobal)
	if err != nil {
		return nil, fmt.Errorf("invalid connect global rate: %w", err)
	}
	connectIPRate, err := limiter.NewRateFromFormatted(cfg.RateLimitConnectIP)
	if err != nil {
		return nil, fmt.Errorf("invalid connect IP rate: %w", err)
	}
	roomCreateRate, err := limiter.NewRateFromFormatted(cfg.RateLimitRoomCreate)
	if err != nil {
		return nil, fmt.Errorf("invalid room create rate: %w", err)
	}
	framesRate, err := limiter.NewRateFromFormatted(cfg.RateLimitFrames)
	if err != nil {
		return nil, fmt.Errorf("invalid frames rate: %w", err)
	}
	keyPackageFetchRate, err := limiter.NewRateFromFormatted(cfg.RateLimitKeyPackageFetch)
	if err != nil {
		return nil, fmt.Errorf("invalid key package fetch rate: %w", err)
	}
	keyPackageUploadRate, err := limiter.NewRateFromFormatted(cfg.RateLimitKeyPackageUpload)
	if err != nil {
		return nil, fmt.Errorf("invalid key package upload rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:v1:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "rate limiter using memory store (Redis disabled or unavailable)")
	}

	return &RateLimiter{
		connectGlobal:    limiter.New(store, connectGlobalRate),
		connectIP:        limiter.New(store, connectIPRate),
		roomCreate:       limiter.New(store, roomCreateRate),
		frames:           limiter.New(store, framesRate),
		keyPackageFetch:  limiter.New(store, keyPackageFetchRate),
		keyPackageUpload: limiter.New(store, keyPackageUploadRate),
		store:            store,
		redisClient:      redisClient,
	}, nil
}

// ErrRateLimited is returned by the check methods when the caller should be
// rejected. internal/server.Driver wraps it as a protocolerr.KindRateLimited
// error: a rejected frame is logged and dropped while the session stays
// open, and a rejected connection is closed before its stream is accepted.
var ErrRateLimited = fmt.Errorf("rate limit exceeded")

// check runs one limiter check, fails open on store errors (availability
// over strictness, matching the teacher's WS checks), and records metrics
// under kind instead of a Gin route.
func (rl *RateLimiter) check(ctx context.Context, l *limiter.Limiter, key, kind string) error {
	// Every limiter shares one store, so the key is scoped by kind to keep
	// each check's counter separate for the same sender or IP.
	res, err := l.Get(ctx, kind+":"+key)
	if err != nil {
		logging.Error(ctx, "rate limiter store failed", zap.String("kind", kind), zap.Error(err))
		return nil
	}

	metrics.RateLimitRequests.WithLabelValues(kind).Inc()
	if res.Reached {
		metrics.RateLimitExceeded.WithLabelValues(kind, "limit_reached").Inc()
		return fmt.Errorf("%w: %s (retry after %s)", ErrRateLimited, kind, strconv.FormatInt(res.Reset, 10))
	}
	return nil
}

// AllowConnect checks both the global and the per-IP connection admission
// limits. The driver calls this once, before completing a transport accept.
func (rl *RateLimiter) AllowConnect(ctx context.Context, remoteIP string) error {
	if err := rl.check(ctx, rl.connectGlobal, "global", "connect_global"); err != nil {
		return err
	}
	return rl.check(ctx, rl.connectIP, remoteIP, "connect_ip")
}

// AllowRoomCreate checks the per-sender CreateRoom rate.
func (rl *RateLimiter) AllowRoomCreate(ctx context.Context, sender ids.SenderID) error {
	return rl.check(ctx, rl.roomCreate, senderKey(sender), "room_create")
}

// AllowFrame checks the per-sender rate for AppMessage, Proposal and Commit
// frames — the frames the sequencer durably logs.
func (rl *RateLimiter) AllowFrame(ctx context.Context, sender ids.SenderID) error {
	return rl.check(ctx, rl.frames, senderKey(sender), "frame")
}

// AllowKeyPackageFetch checks the per-sender KeyPackageFetch rate.
func (rl *RateLimiter) AllowKeyPackageFetch(ctx context.Context, sender ids.SenderID) error {
	return rl.check(ctx, rl.keyPackageFetch, senderKey(sender), "keypackage_fetch")
}

// AllowKeyPackageUpload checks the per-sender KeyPackageUpload rate.
func (rl *RateLimiter) AllowKeyPackageUpload(ctx context.Context, sender ids.SenderID) error {
	return rl.check(ctx, rl.keyPackageUpload, senderKey(sender), "keypackage_upload")
}

func senderKey(sender ids.SenderID) string {
	return strconv.FormatUint(uint64(sender), 10)
}
