// Package ratelimit implements sliding-window admission counters and the
// engine that combines them with the daily quota ledger.
package ratelimit

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// ErrRateLimited is wrapped by every *LimitError.
var ErrRateLimited = errors.New("rate limit exceeded")

// DefaultWindow is the sliding window length.
const DefaultWindow = time.Minute

const numShards = 64

// LimitError reports which counter rejected a request and when a retry can
// succeed.
type LimitError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s for %s, retry after %s", ErrRateLimited, e.Key, e.RetryAfter)
}

func (e *LimitError) Unwrap() error { return ErrRateLimited }

// RetryAfterSeconds returns RetryAfter rounded up to whole seconds, at least 1.
func (e *LimitError) RetryAfterSeconds() int {
	secs := int((e.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Key names one counter and its limit. A Limit of 0 disables the counter.
type Key struct {
	Name  string
	Limit int
}

// Limiter holds sliding-window counters striped over lock shards.
// Counters hold the timestamps of admitted requests within the window.
type Limiter struct {
	window time.Duration
	shards [numShards]shard
	now    func() time.Time
}

type shard struct {
	mu       sync.Mutex
	counters map[string]*slidingWindow
}

type slidingWindow struct {
	hits []time.Time
}

// NewLimiter creates a limiter. A non-positive window means DefaultWindow.
func NewLimiter(window time.Duration) *Limiter {
	if window <= 0 {
		window = DefaultWindow
	}
	l := &Limiter{window: window, now: time.Now}
	for i := range l.shards {
		l.shards[i].counters = make(map[string]*slidingWindow)
	}
	return l
}

func shardIndex(name string) int {
	return int(xxhash.Sum64String(name) % numShards)
}

// Allow admits a request against every key or against none. Keys are
// checked in order and the first one at its limit is reported. On
// admission the current time is recorded in every enabled key.
func (l *Limiter) Allow(keys ...Key) error {
	active := make([]Key, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if k.Limit <= 0 || seen[k.Name] {
			continue
		}
		seen[k.Name] = true
		active = append(active, k)
	}
	if len(active) == 0 {
		return nil
	}

	// Lock every shard involved in ascending order so that concurrent
	// multi-key admissions cannot deadlock.
	idx := make([]int, 0, len(active))
	for _, k := range active {
		i := shardIndex(k.Name)
		if !slices.Contains(idx, i) {
			idx = append(idx, i)
		}
	}
	sort.Ints(idx)
	for _, i := range idx {
		l.shards[i].mu.Lock()
	}
	defer func() {
		for j := len(idx) - 1; j >= 0; j-- {
			l.shards[idx[j]].mu.Unlock()
		}
	}()

	now := l.now()
	for _, k := range active {
		counters := l.shards[shardIndex(k.Name)].counters
		w, ok := counters[k.Name]
		if !ok {
			continue
		}
		w.prune(now, l.window)
		if len(w.hits) >= k.Limit {
			return &LimitError{
				Key:        k.Name,
				RetryAfter: w.hits[len(w.hits)-k.Limit].Add(l.window).Sub(now),
			}
		}
	}
	for _, k := range active {
		counters := l.shards[shardIndex(k.Name)].counters
		w, ok := counters[k.Name]
		if !ok {
			w = &slidingWindow{}
			counters[k.Name] = w
		}
		w.hits = append(w.hits, now)
	}
	return nil
}

// Sweep prunes every counter and deletes the empty ones. It returns the
// number of counters removed.
func (l *Limiter) Sweep() int {
	now := l.now()
	removed := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		for name, w := range s.counters {
			w.prune(now, l.window)
			if len(w.hits) == 0 {
				delete(s.counters, name)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len returns the number of live counters.
func (l *Limiter) Len() int {
	n := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		n += len(s.counters)
		s.mu.Unlock()
	}
	return n
}

// prune removes hits that have left the window.
func (w *slidingWindow) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(w.hits) && !w.hits[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.hits = w.hits[i:]
	}
}
