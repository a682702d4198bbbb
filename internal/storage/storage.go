// Package storage is the abstract persistence contract the room manager
// depends on (spec §4.3): a durable, per-room append-only frame log plus a
// key-package registry keyed by sender. internal/storage/memory.go backs
// the simulation harness and single-instance deployments; redis.go backs
// multi-instance deployments that need the log shared across server
// processes.
package storage

import (
	"context"

	"github.com/lockframe-protocol/lockframe/internal/frame"
	"github.com/lockframe-protocol/lockframe/internal/ids"
)

// Storage is the persistence capability set the room manager depends on.
type Storage interface {
	// PersistFrame appends f to room_id's log. Callers assign log_index
	// before calling; Storage does not sequence frames itself.
	PersistFrame(ctx context.Context, roomID ids.RoomID, f frame.Frame) error

	// Frames returns the longest available prefix of
	// [fromIndex, fromIndex+limit) and reports whether strictly more frames
	// exist beyond that range.
	Frames(ctx context.Context, roomID ids.RoomID, fromIndex ids.LogIndex, limit uint32) (frames []frame.Frame, hasMore bool, err error)

	// PutKeyPackage stores (replacing any prior value) sender's most recent
	// published key package.
	PutKeyPackage(ctx context.Context, sender ids.SenderID, keyPackage []byte) error

	// GetKeyPackage returns sender's most recently published key package,
	// or ok=false if none has been published.
	GetKeyPackage(ctx context.Context, sender ids.SenderID) (keyPackage []byte, ok bool, err error)
}
