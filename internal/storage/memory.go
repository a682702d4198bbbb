package storage

import (
	"context"
	"sync"

	"github.com/lockframe-protocol/lockframe/internal/frame"
	"github.com/lockframe-protocol/lockframe/internal/ids"
)

// Memory is an in-process Storage backed by plain maps, guarded by a single
// mutex. It is what the simulation harness and single-instance deployments
// use; it holds no state across restarts.
type Memory struct {
	mu          sync.RWMutex
	logs        map[ids.RoomID][]frame.Frame
	keyPackages map[ids.SenderID][]byte
}

func NewMemory() *Memory {
	return &Memory{
		logs:        make(map[ids.RoomID][]frame.Frame),
		keyPackages: make(map[ids.SenderID][]byte),
	}
}

func (m *Memory) PersistFrame(ctx context.Context, roomID ids.RoomID, f frame.Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs[roomID] = append(m.logs[roomID], f)
	return nil
}

func (m *Memory) Frames(ctx context.Context, roomID ids.RoomID, fromIndex ids.LogIndex, limit uint32) ([]frame.Frame, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	log := m.logs[roomID]
	if int(fromIndex) >= len(log) {
		return nil, false, nil
	}

	end := int(fromIndex) + int(limit)
	hasMore := end < len(log)
	if end > len(log) {
		end = len(log)
	}

	out := make([]frame.Frame, end-int(fromIndex))
	copy(out, log[fromIndex:end])
	return out, hasMore, nil
}

func (m *Memory) PutKeyPackage(ctx context.Context, sender ids.SenderID, keyPackage []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := make([]byte, len(keyPackage))
	copy(stored, keyPackage)
	m.keyPackages[sender] = stored
	return nil
}

func (m *Memory) GetKeyPackage(ctx context.Context, sender ids.SenderID) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	kp, ok := m.keyPackages[sender]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(kp))
	copy(out, kp)
	return out, true, nil
}

var _ Storage = (*Memory)(nil)
