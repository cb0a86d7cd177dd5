package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceLimiters_UnknownServiceUnlimited(t *testing.T) {
	s := NewServiceLimiters(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Wait(ctx, "anything"))
}

func TestServiceLimiters_KnownServiceThrottles(t *testing.T) {
	s := NewServiceLimiters(map[string]float64{"doi_registry": 1})
	ctx := context.Background()

	require.NoError(t, s.Wait(ctx, "doi_registry")) // consumes the burst token

	ctx2, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	err := s.Wait(ctx2, "doi_registry")
	assert.Error(t, err, "second call within the same tick should block past the short deadline")
}

func TestHostSemaphores_CapsConcurrency(t *testing.T) {
	h := NewHostSemaphores(1)
	ctx := context.Background()

	release, err := h.Acquire(ctx, "example.org")
	require.NoError(t, err)

	ctx2, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = h.Acquire(ctx2, "example.org")
	assert.Error(t, err, "second acquire on a saturated host semaphore should time out")

	release()
	_, err = h.Acquire(ctx, "example.org")
	assert.NoError(t, err)
}

func TestHostSemaphores_IndependentHosts(t *testing.T) {
	h := NewHostSemaphores(1)
	ctx := context.Background()

	_, err := h.Acquire(ctx, "a.example.org")
	require.NoError(t, err)

	_, err = h.Acquire(ctx, "b.example.org")
	assert.NoError(t, err, "a different host must not be blocked by another host's semaphore")
}
