// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit limits incoming datagrams per source address using a
// token bucket algorithm.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/absmach/mendpoint/pkg/addr"
	lru "github.com/hashicorp/golang-lru"
)

// DefaultMaxSources bounds the number of tracked source addresses.
const DefaultMaxSources = 1024

// TokenBucket implements the token bucket algorithm for rate limiting.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewTokenBucket creates a new token bucket rate limiter.
// capacity is the maximum number of tokens.
// refillRate is the number of tokens added per second.
func NewTokenBucket(capacity, refillRate float64, now time.Time) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastRefill: now,
	}
}

// Allow takes one token if available.
func (tb *TokenBucket) Allow(now time.Time) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(now)

	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// Available returns the number of available tokens.
func (tb *TokenBucket) Available(now time.Time) float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(now)
	return tb.tokens
}

func (tb *TokenBucket) refill(now time.Time) {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now
}

// Limiter keeps one bucket per source address. The least recently seen
// sources are evicted once maxSources is reached.
type Limiter struct {
	buckets    *lru.Cache
	capacity   float64
	refillRate float64
	now        func() time.Time
}

// NewLimiter creates a per-source limiter allowing bursts of capacity
// datagrams and refillRate datagrams per second after that.
func NewLimiter(capacity, refillRate float64, maxSources int) (*Limiter, error) {
	if capacity < 1 || refillRate <= 0 {
		return nil, fmt.Errorf("invalid rate limit: capacity %v, rate %v", capacity, refillRate)
	}
	if maxSources <= 0 {
		maxSources = DefaultMaxSources
	}
	buckets, err := lru.New(maxSources)
	if err != nil {
		return nil, err
	}
	return &Limiter{
		buckets:    buckets,
		capacity:   capacity,
		refillRate: refillRate,
		now:        time.Now,
	}, nil
}

// Allow reports whether a datagram from the source may be processed.
func (l *Limiter) Allow(from addr.Address) bool {
	now := l.now()
	key := from.String()

	if v, ok := l.buckets.Get(key); ok {
		return v.(*TokenBucket).Allow(now)
	}
	tb := NewTokenBucket(l.capacity, l.refillRate, now)
	l.buckets.Add(key, tb)
	return tb.Allow(now)
}

// Sources returns the number of tracked source addresses.
func (l *Limiter) Sources() int {
	return l.buckets.Len()
}
