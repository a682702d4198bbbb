package storage

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/lockframe-protocol/lockframe/internal/frame"
	"github.com/lockframe-protocol/lockframe/internal/ids"
	"github.com/lockframe-protocol/lockframe/internal/protocolerr"
)

// Redis is a Storage backed by a shared Redis instance, for deployments
// running more than one server process against the same rooms. Each
// room's log is a Redis list of encoded frames; each sender's key package
// is a plain string key. A circuit breaker wraps every call the same way
// internal/bus wraps its publishes, so a degraded Redis fails fast instead
// of blocking every session.
type Redis struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

func NewRedis(client *redis.Client) *Redis {
	st := gobreaker.Settings{
		Name: "storage-redis",
	}
	return &Redis{client: client, cb: gobreaker.NewCircuitBreaker(st)}
}

func logKey(roomID ids.RoomID) string { return fmt.Sprintf("lockframe:log:%s", roomID.String()) }

func keyPackageKey(sender ids.SenderID) string { return fmt.Sprintf("lockframe:kp:%d", uint64(sender)) }

func (r *Redis) PersistFrame(ctx context.Context, roomID ids.RoomID, f frame.Frame) error {
	encoded, err := frame.Encode(f)
	if err != nil {
		return err
	}
	_, err = r.cb.Execute(func() (any, error) {
		return nil, r.client.RPush(ctx, logKey(roomID), encoded).Err()
	})
	if err != nil {
		return wrapRedisErr(err, "persisting frame")
	}
	return nil
}

func (r *Redis) Frames(ctx context.Context, roomID ids.RoomID, fromIndex ids.LogIndex, limit uint32) ([]frame.Frame, bool, error) {
	result, err := r.cb.Execute(func() (any, error) {
		total, err := r.client.LLen(ctx, logKey(roomID)).Result()
		if err != nil {
			return nil, err
		}
		if int64(fromIndex) >= total {
			return [][]byte(nil), nil
		}
		end := int64(fromIndex) + int64(limit)
		if end > total {
			end = total
		}
		raws, err := r.client.LRange(ctx, logKey(roomID), int64(fromIndex), end-1).Result()
		if err != nil {
			return nil, err
		}
		out := make([][]byte, len(raws))
		for i, raw := range raws {
			out[i] = []byte(raw)
		}
		return out, nil
	})
	if err != nil {
		return nil, false, wrapRedisErr(err, "reading frames")
	}

	raws := result.([][]byte)
	frames := make([]frame.Frame, len(raws))
	for i, raw := range raws {
		f, err := frame.Decode(raw)
		if err != nil {
			return nil, false, err
		}
		frames[i] = f
	}

	hasMore, err := r.hasMoreAt(ctx, roomID, int64(fromIndex)+int64(len(raws)))
	if err != nil {
		return nil, false, err
	}
	return frames, hasMore, nil
}

func (r *Redis) hasMoreAt(ctx context.Context, roomID ids.RoomID, index int64) (bool, error) {
	result, err := r.cb.Execute(func() (any, error) {
		return r.client.LLen(ctx, logKey(roomID)).Result()
	})
	if err != nil {
		return false, wrapRedisErr(err, "checking log length")
	}
	return result.(int64) > index, nil
}

func (r *Redis) PutKeyPackage(ctx context.Context, sender ids.SenderID, keyPackage []byte) error {
	_, err := r.cb.Execute(func() (any, error) {
		return nil, r.client.Set(ctx, keyPackageKey(sender), keyPackage, 0).Err()
	})
	if err != nil {
		return wrapRedisErr(err, "storing key package")
	}
	return nil
}

func (r *Redis) GetKeyPackage(ctx context.Context, sender ids.SenderID) ([]byte, bool, error) {
	result, err := r.cb.Execute(func() (any, error) {
		v, err := r.client.Get(ctx, keyPackageKey(sender)).Bytes()
		if err == redis.Nil {
			return []byte(nil), nil
		}
		if err != nil {
			return nil, err
		}
		return v, nil
	})
	if err != nil {
		return nil, false, wrapRedisErr(err, "fetching key package")
	}
	kp := result.([]byte)
	return kp, kp != nil, nil
}

func wrapRedisErr(err error, message string) error {
	if err == gobreaker.ErrOpenState {
		return protocolerr.Wrap(protocolerr.KindStorageFailure, err, message+": circuit open")
	}
	return protocolerr.Wrap(protocolerr.KindStorageFailure, err, message)
}

var _ Storage = (*Redis)(nil)
