package storage

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lockframe-protocol/lockframe/internal/frame"
	"github.com/lockframe-protocol/lockframe/internal/ids"
)

func testFrame(opcode frame.Opcode, roomID ids.RoomID, logIndex ids.LogIndex) frame.Frame {
	return frame.Frame{Header: frame.Header{
		Version:  frame.Version,
		Opcode:   opcode,
		RoomID:   roomID,
		SenderID: ids.SenderID(1),
		LogIndex: logIndex,
	}}
}

func storageImplementations(t *testing.T) map[string]Storage {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return map[string]Storage{
		"memory": NewMemory(),
		"redis":  NewRedis(rdb),
	}
}

func TestPersistAndReadPrefix(t *testing.T) {
	for name, s := range storageImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			room := ids.NewRoomID()

			for i := 0; i < 5; i++ {
				require.NoError(t, s.PersistFrame(ctx, room, testFrame(frame.OpAppMessage, room, ids.LogIndex(i))))
			}

			frames, hasMore, err := s.Frames(ctx, room, 0, 3)
			require.NoError(t, err)
			assert.Len(t, frames, 3)
			assert.True(t, hasMore)

			frames, hasMore, err = s.Frames(ctx, room, 3, 10)
			require.NoError(t, err)
			assert.Len(t, frames, 2)
			assert.False(t, hasMore)
		})
	}
}

func TestEmptyRangeIsValid(t *testing.T) {
	for name, s := range storageImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			room := ids.NewRoomID()
			frames, hasMore, err := s.Frames(ctx, room, 0, 10)
			require.NoError(t, err)
			assert.Empty(t, frames)
			assert.False(t, hasMore)
		})
	}
}

func TestKeyPackageRoundTrip(t *testing.T) {
	for name, s := range storageImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, ok, err := s.GetKeyPackage(ctx, ids.SenderID(7))
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.PutKeyPackage(ctx, ids.SenderID(7), []byte("key-package-bytes")))
			kp, ok, err := s.GetKeyPackage(ctx, ids.SenderID(7))
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "key-package-bytes", string(kp))
		})
	}
}
