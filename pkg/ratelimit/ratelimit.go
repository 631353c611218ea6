// Copyright (c) MITMqtt
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit bounds connection accepts per source address using a
// token bucket per source.
package ratelimit

import (
	"sync"
	"time"
)

// bucket is a token bucket refilled lazily on use.
type bucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	lastUsed   time.Time
}

func newBucket(capacity, refillRate int64) *bucket {
	now := time.Now()
	return &bucket{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		refillRate: float64(refillRate),
		lastRefill: now,
		lastUsed:   now,
	}
}

func (b *bucket) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.tokens += now.Sub(b.lastRefill).Seconds() * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
	b.lastUsed = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Limiter tracks a token bucket per source address. Sources that stay idle
// past the sweep interval are forgotten, keeping the map bounded.
type Limiter struct {
	mu         sync.Mutex
	buckets    map[string]*bucket
	capacity   int64
	refillRate int64
	maxSources int
	sweeper    *time.Timer
}

const sweepInterval = 5 * time.Minute

// NewLimiter creates a per-source limiter. Each source may burst up to
// capacity accepts and sustain refillRate accepts per second. maxSources
// caps the number of tracked sources; accepts from new sources beyond the
// cap are rejected until the next sweep.
func NewLimiter(capacity, refillRate int64, maxSources int) *Limiter {
	if maxSources <= 0 {
		maxSources = 10000
	}
	l := &Limiter{
		buckets:    make(map[string]*bucket),
		capacity:   capacity,
		refillRate: refillRate,
		maxSources: maxSources,
	}
	l.sweeper = time.AfterFunc(sweepInterval, l.sweep)
	return l
}

// Allow reports whether an accept from the given source should proceed.
func (l *Limiter) Allow(source string) bool {
	l.mu.Lock()
	b, ok := l.buckets[source]
	if !ok {
		if len(l.buckets) >= l.maxSources {
			l.mu.Unlock()
			return false
		}
		b = newBucket(l.capacity, l.refillRate)
		l.buckets[source] = b
	}
	l.mu.Unlock()

	return b.allow()
}

// sweep drops buckets that have been idle for a full interval.
func (l *Limiter) sweep() {
	cutoff := time.Now().Add(-sweepInterval)

	l.mu.Lock()
	for source, b := range l.buckets {
		b.mu.Lock()
		idle := b.lastUsed.Before(cutoff)
		b.mu.Unlock()
		if idle {
			delete(l.buckets, source)
		}
	}
	l.sweeper = time.AfterFunc(sweepInterval, l.sweep)
	l.mu.Unlock()
}

// Sources returns the number of tracked sources.
func (l *Limiter) Sources() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Close stops the background sweep.
func (l *Limiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sweeper != nil {
		l.sweeper.Stop()
	}
}
