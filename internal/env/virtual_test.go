package env

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestVirtualAdvanceWakesSleeper(t *testing.T) {
	v := NewVirtual(time.Unix(0, 0), 1)
	woke := make(chan struct{})

	go func() {
		v.Sleep(5 * time.Second)
		close(woke)
	}()

	// Give the goroutine a moment to register as a waiter.
	for v.PendingWaiters() == 0 {
		time.Sleep(time.Millisecond)
	}

	v.Advance(3 * time.Second)
	select {
	case <-woke:
		t.Fatal("sleeper woke before deadline")
	default:
	}

	v.Advance(2 * time.Second)
	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatal("sleeper did not wake after deadline")
	}
}

func TestVirtualDeterministicRandomness(t *testing.T) {
	a := NewVirtual(time.Unix(0, 0), 42)
	b := NewVirtual(time.Unix(0, 0), 42)

	bufA := make([]byte, 16)
	bufB := make([]byte, 16)
	assert.NoError(t, a.RandomBytes(bufA))
	assert.NoError(t, b.RandomBytes(bufB))
	assert.Equal(t, bufA, bufB)
}
