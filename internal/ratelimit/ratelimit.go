// Package ratelimit holds the shared concurrency primitives the Metadata
// Client and Fetcher both need: a per-service token bucket and a per-host
// download semaphore (spec §5 "Shared resources"). Neither client owns
// this state itself, so two clients hitting the same upstream still share
// one limiter.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ServiceLimiters is a registry of per-upstream-service token buckets, one
// per named service (aggregator, doi_registry, oa_locator, pdf_structuring,
// jats_transformer), built from the rates in configuration.
type ServiceLimiters struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewServiceLimiters builds a registry from a service-name → requests-per-
// second map. A service absent from rates gets an effectively unlimited
// bucket, so unconfigured services never block.
func NewServiceLimiters(rates map[string]float64) *ServiceLimiters {
	s := &ServiceLimiters{limiters: make(map[string]*rate.Limiter, len(rates))}
	for name, rps := range rates {
		s.limiters[name] = rate.NewLimiter(rate.Limit(rps), burstFor(rps))
	}
	return s
}

func burstFor(rps float64) int {
	if rps < 1 {
		return 1
	}
	return int(rps)
}

// Wait blocks until the named service's token bucket admits one request, or
// ctx is done. Unknown service names are treated as unlimited.
func (s *ServiceLimiters) Wait(ctx context.Context, service string) error {
	s.mu.Lock()
	l, ok := s.limiters[service]
	if !ok {
		l = rate.NewLimiter(rate.Inf, 0)
		s.limiters[service] = l
	}
	s.mu.Unlock()
	return l.Wait(ctx)
}

// HostSemaphores hands out a per-host weighted semaphore of fixed weight,
// independent of the global worker pool (spec §4.3 "per-host concurrency
// cap"), creating one lazily per host on first use.
type HostSemaphores struct {
	mu     sync.Mutex
	weight int64
	sems   map[string]*semaphore.Weighted
}

// NewHostSemaphores returns a registry where every host is capped at
// perHostLimit concurrent downloads.
func NewHostSemaphores(perHostLimit int) *HostSemaphores {
	return &HostSemaphores{
		weight: int64(perHostLimit),
		sems:   make(map[string]*semaphore.Weighted),
	}
}

// Acquire blocks until a slot for host is free, returning a release func
// the caller must invoke exactly once.
func (h *HostSemaphores) Acquire(ctx context.Context, host string) (release func(), err error) {
	h.mu.Lock()
	sem, ok := h.sems[host]
	if !ok {
		sem = semaphore.NewWeighted(h.weight)
		h.sems[host] = sem
	}
	h.mu.Unlock()

	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { sem.Release(1) }, nil
}
