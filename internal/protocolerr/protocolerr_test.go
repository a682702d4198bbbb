package protocolerr

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFatalAssignment(t *testing.T) {
	fatal := []Kind{KindInvalidClient, KindNotMember, KindCannotRemoveSelf, KindDecryptionFailed, KindMalformedHeader}
	for _, k := range fatal {
		assert.True(t, New(k, "").IsFatal(), "%s should be fatal", k)
	}

	nonFatal := []Kind{KindRoomNotFound, KindRoomAlreadyExists, KindAlreadyMember}
	for _, k := range nonFatal {
		assert.False(t, New(k, "").IsFatal(), "%s should not be fatal", k)
	}
}

func TestRetryableAssignment(t *testing.T) {
	assert.True(t, New(KindEpochMismatch, "").IsRetryable())
	assert.False(t, New(KindRoomNotFound, "").IsRetryable())
}

func TestIsMatchesWrappedError(t *testing.T) {
	inner := New(KindStorageFailure, "disk full")
	wrapped := fmt.Errorf("persisting frame: %w", inner)
	assert.True(t, Is(wrapped, KindStorageFailure))
	assert.False(t, Is(wrapped, KindRoomNotFound))
}

func TestWithFieldsRoundTrip(t *testing.T) {
	err := New(KindEpochMismatch, "stale commit").WithFields(map[string]any{"expected": 3, "actual": 2})
	assert.Equal(t, 3, err.Fields["expected"])
	assert.Equal(t, 2, err.Fields["actual"])
}
