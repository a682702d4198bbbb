// Package bus fans room actions out across server instances over Redis
// pub/sub, so that two sessions of the same room connected to different
// server processes still see each other's frames. A single-process
// deployment never needs this package: internal/room's actions are
// delivered locally by the driver without ever reaching here.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/lockframe-protocol/lockframe/internal/frame"
	"github.com/lockframe-protocol/lockframe/internal/ids"
	"github.com/lockframe-protocol/lockframe/internal/metrics"
)

// envelope is the wire container for a frame moving between server
// processes. Frame holds the full encoded frame.Frame bytes (header +
// payload); ExcludeSender carries the frame's originating sender so a
// remote instance can skip re-delivering to a session it might itself be
// hosting for that sender. Session ids are local to a single process, so
// unlike room.BroadcastToRoom's own ExcludeSession this can only exclude
// at sender granularity — a sender's other device on a different instance
// would be excluded too, a gap out of scope until sessions carry a
// globally unique id.
type envelope struct {
	Frame         []byte `json:"frame"`
	ExcludeSender uint64 `json:"excludeSender,omitempty"`
}

// Service is the Redis-backed fanout. A nil *Service (or one with a nil
// client) is valid and turns every method into a no-op, matching
// single-instance deployments that never construct one.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// NewService opens a Redis connection for cross-instance fanout and
// verifies it with a Ping before returning.
func NewService(addr, password string) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "bus-redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("bus-redis").Set(stateVal)
		},
	}

	return NewServiceWithClient(rdb, st), nil
}

// NewServiceWithClient wraps an existing client, used by tests to point
// at miniredis without redialing through NewService's Ping.
func NewServiceWithClient(client *redis.Client, st gobreaker.Settings) *Service {
	return &Service{client: client, cb: gobreaker.NewCircuitBreaker(st)}
}

func roomChannel(roomID ids.RoomID) string {
	return fmt.Sprintf("lockframe:room:%s", roomID.String())
}

func senderChannel(sender ids.SenderID) string {
	return fmt.Sprintf("lockframe:sender:%d", uint64(sender))
}

// PublishToRoom fans a frame out to every other server instance that may
// be hosting sessions for roomID, mirroring room.BroadcastToRoom.
func (s *Service) PublishToRoom(ctx context.Context, roomID ids.RoomID, f frame.Frame, excludeSender ids.SenderID) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (any, error) {
		encoded, err := frame.Encode(f)
		if err != nil {
			return nil, fmt.Errorf("encoding frame for bus publish: %w", err)
		}
		data, err := json.Marshal(envelope{Frame: encoded, ExcludeSender: uint64(excludeSender)})
		if err != nil {
			return nil, fmt.Errorf("marshaling bus envelope: %w", err)
		}
		return nil, s.client.Publish(ctx, roomChannel(roomID), data).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("bus-redis").Inc()
			slog.Warn("bus circuit open, dropping room publish", "room_id", roomID.String())
			return nil
		}
		slog.Error("bus room publish failed", "room_id", roomID.String(), "error", err)
		return err
	}
	return nil
}

// PublishToSender delivers a frame to whichever server instance is
// currently hosting a session for targetSender, mirroring
// room.SendToSession across instances.
func (s *Service) PublishToSender(ctx context.Context, targetSender ids.SenderID, f frame.Frame) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (any, error) {
		encoded, err := frame.Encode(f)
		if err != nil {
			return nil, fmt.Errorf("encoding frame for bus publish: %w", err)
		}
		data, err := json.Marshal(envelope{Frame: encoded})
		if err != nil {
			return nil, fmt.Errorf("marshaling bus envelope: %w", err)
		}
		return nil, s.client.Publish(ctx, senderChannel(targetSender), data).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("bus-redis").Inc()
			slog.Warn("bus circuit open, dropping direct publish", "target_sender", uint64(targetSender))
			return nil
		}
		slog.Error("bus direct publish failed", "target_sender", uint64(targetSender), "error", err)
		return err
	}
	return nil
}

// SubscribeRoom listens for frames published for roomID by other server
// instances until ctx is cancelled. handler receives the decoded frame
// and the sender id to exclude from local re-delivery (0 if none).
func (s *Service) SubscribeRoom(ctx context.Context, roomID ids.RoomID, wg *sync.WaitGroup, handler func(frame.Frame, ids.SenderID)) {
	if s == nil || s.client == nil {
		return
	}
	s.subscribe(ctx, roomChannel(roomID), wg, func(env envelope) {
		f, err := frame.Decode(env.Frame)
		if err != nil {
			slog.Error("failed to decode bus frame", "channel", roomChannel(roomID), "error", err)
			return
		}
		handler(f, ids.SenderID(env.ExcludeSender))
	})
}

// SubscribeSender listens for frames addressed to sender by other server
// instances until ctx is cancelled.
func (s *Service) SubscribeSender(ctx context.Context, sender ids.SenderID, wg *sync.WaitGroup, handler func(frame.Frame)) {
	if s == nil || s.client == nil {
		return
	}
	s.subscribe(ctx, senderChannel(sender), wg, func(env envelope) {
		f, err := frame.Decode(env.Frame)
		if err != nil {
			slog.Error("failed to decode bus frame", "channel", senderChannel(sender), "error", err)
			return
		}
		handler(f)
	})
}

func (s *Service) subscribe(ctx context.Context, channel string, wg *sync.WaitGroup, handler func(envelope)) {
	pubsub := s.client.Subscribe(ctx, channel)

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer pubsub.Close()
		if wg != nil {
			defer wg.Done()
		}

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					slog.Error("failed to unmarshal bus envelope", "error", err, "channel", channel)
					continue
				}
				handler(env)
			}
		}
	}()
}

// Ping reports whether the bus's Redis connection is reachable.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}
	_, err := s.cb.Execute(func() (any, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	if err != nil && err == gobreaker.ErrOpenState {
		metrics.CircuitBreakerFailures.WithLabelValues("bus-redis").Inc()
	}
	return err
}

func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
