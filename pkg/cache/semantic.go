package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/inquest-ai/inquest/pkg/embed"
)

const semanticShards = 8

// shardedSemantic holds semantic entries in shards to keep lookup contention
// low. Lookups scan all shards (entry counts are small, capped by maxPerShard);
// eviction is oldest-first per shard.
type shardedSemantic struct {
	shards      [semanticShards]semanticShard
	maxPerShard int
	next        atomic.Uint64
}

type semanticShard struct {
	mu      sync.RWMutex
	entries []SemanticEntry
}

func newShardedSemantic(maxKeys int) *shardedSemantic {
	per := maxKeys / semanticShards
	if per < 8 {
		per = 8
	}
	return &shardedSemantic{maxPerShard: per}
}

// add appends round-robin across shards, evicting the oldest entry when the
// shard is full.
func (s *shardedSemantic) add(entry SemanticEntry) {
	shard := &s.shards[s.next.Add(1)%semanticShards]
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if len(shard.entries) >= s.maxPerShard {
		oldest := 0
		for i, e := range shard.entries {
			if e.StoredAt.Before(shard.entries[oldest].StoredAt) {
				oldest = i
			}
		}
		shard.entries[oldest] = shard.entries[len(shard.entries)-1]
		shard.entries = shard.entries[:len(shard.entries)-1]
	}
	shard.entries = append(shard.entries, entry)
}

// bestMatch returns the unexpired entry with the highest cosine similarity.
// The winner is copied out while its shard lock is held; entry slots are
// reused by add's eviction, so a pointer must never outlive the lock.
func (s *shardedSemantic) bestMatch(queryVec []float32, now time.Time) (*SemanticEntry, float64) {
	var best SemanticEntry
	var found bool
	var bestSim float64
	for i := range s.shards {
		shard := &s.shards[i]
		shard.mu.RLock()
		for j := range shard.entries {
			e := &shard.entries[j]
			if now.After(e.expiresAt) {
				continue
			}
			if sim := embed.Cosine(queryVec, e.embedding); sim > bestSim {
				bestSim = sim
				best = *e
				found = true
			}
		}
		shard.mu.RUnlock()
	}
	if !found {
		return nil, 0
	}
	return &best, bestSim
}

func (s *shardedSemantic) len() int {
	total := 0
	for i := range s.shards {
		s.shards[i].mu.RLock()
		total += len(s.shards[i].entries)
		s.shards[i].mu.RUnlock()
	}
	return total
}

// counters tracks hit/miss/spend with atomics.
type counters struct {
	exactHits   atomic.Uint64
	exactMisses atomic.Uint64
	semHits     atomic.Uint64
	semMisses   atomic.Uint64
	spendMicro  atomic.Uint64 // USD in millionths, to stay atomic
}

func (c *counters) exactHit()  { c.exactHits.Add(1) }
func (c *counters) exactMiss() { c.exactMisses.Add(1) }
func (c *counters) semHit()    { c.semHits.Add(1) }
func (c *counters) semMiss()   { c.semMisses.Add(1) }

func (c *counters) addSpend(usd float64) {
	if usd > 0 {
		c.spendMicro.Add(uint64(usd * 1e6))
	}
}

func (c *counters) snapshot() Stats {
	return Stats{
		ExactHits:      c.exactHits.Load(),
		ExactMisses:    c.exactMisses.Load(),
		SemanticHits:   c.semHits.Load(),
		SemanticMisses: c.semMisses.Load(),
		SpentUSD:       float64(c.spendMicro.Load()) / 1e6,
	}
}
