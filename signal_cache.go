// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tricd

import (
	"context"
	"encoding/binary"
	"math"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/antflydb/tricd/lib/backends"
	"github.com/antflydb/tricd/lib/branches"
)

// SignalCacheTTL is the default TTL for derived conditioning images
const SignalCacheTTL = 10 * time.Minute

// SignalKey identifies a derived conditioning image.
type SignalKey struct {
	Variant branches.Variant
	// Source is the image the signal is derived from.
	Source *backends.ImageTensor
	// Query is the text the masked signal was derived for.
	Query string
	Step  int
	Seed  int64
}

// Hash returns the xxhash of the key. Two keys with the same hash are
// treated as the same signal.
func (k SignalKey) Hash() uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(k.Variant.String())
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(k.Query)
	_, _ = h.WriteString("|")

	var buf [8]byte
	for _, v := range []int64{int64(k.Step), k.Seed} {
		binary.LittleEndian.PutUint64(buf[:], uint64(v))
		_, _ = h.Write(buf[:])
	}
	if k.Source != nil {
		_, _ = h.WriteString(strconv.Itoa(k.Source.Channels) + "x" +
			strconv.Itoa(k.Source.Height) + "x" + strconv.Itoa(k.Source.Width))
		_, _ = h.Write(imageBytes(k.Source))
	}
	return h.Sum64()
}

// imageBytes returns the little-endian float bits of the tensor.
func imageBytes(t *backends.ImageTensor) []byte {
	out := make([]byte, 4*len(t.Data))
	for i, v := range t.Data {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(v))
	}
	return out
}

// ImageHash hashes a tensor's shape and contents.
func ImageHash(t *backends.ImageTensor) uint64 {
	return SignalKey{Source: t}.Hash()
}

// SignalCacheStats holds cache statistics
type SignalCacheStats struct {
	Hits             uint64 `json:"hits"`
	Misses           uint64 `json:"misses"`
	SingleflightHits uint64 `json:"singleflight_hits"`
	Items            int    `json:"items"`
}

// SignalCache caches perturbed and masked conditioning images so that
// repeated questions about the same image skip the derivation. Cached tensors
// are shared and must not be modified.
type SignalCache struct {
	cache   *ttlcache.Cache[uint64, *backends.ImageTensor]
	sfGroup singleflight.Group
	logger  *zap.Logger
	cancel  context.CancelFunc

	hits   atomic.Uint64
	misses atomic.Uint64
	sfHits atomic.Uint64
}

// NewSignalCache creates a cache whose entries expire after ttl.
func NewSignalCache(ttl time.Duration, logger *zap.Logger) *SignalCache {
	if ttl <= 0 {
		ttl = SignalCacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[uint64, *backends.ImageTensor](ttl),
	)
	go cache.Start()

	ctx, cancel := context.WithCancel(context.Background())
	sc := &SignalCache{
		cache:  cache,
		logger: logger,
		cancel: cancel,
	}

	// Log cache stats periodically
	go sc.logStats(ctx)

	return sc
}

// GetOrDerive returns the cached signal for key or runs derive. Concurrent
// calls for the same key share one derivation. Failed derivations are not
// cached.
func (sc *SignalCache) GetOrDerive(
	ctx context.Context,
	key SignalKey,
	derive func(ctx context.Context) (*backends.ImageTensor, error),
) (*backends.ImageTensor, error) {
	hash := key.Hash()
	cacheType := key.Variant.String()

	if item := sc.cache.Get(hash); item != nil {
		sc.hits.Add(1)
		RecordCacheHit(cacheType)
		sc.logger.Debug("Signal cache hit", zap.String("variant", cacheType))
		return item.Value(), nil
	}

	result, err, shared := sc.sfGroup.Do(strconv.FormatUint(hash, 16), func() (any, error) {
		sc.misses.Add(1)
		RecordCacheMiss(cacheType)

		start := time.Now()
		img, err := derive(ctx)
		if err != nil {
			return nil, err
		}
		sc.cache.Set(hash, img, ttlcache.DefaultTTL)

		sc.logger.Debug("Signal derived and cached",
			zap.String("variant", cacheType),
			zap.Duration("duration", time.Since(start)))
		return img, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		sc.sfHits.Add(1)
	}
	return result.(*backends.ImageTensor), nil
}

// Close stops the cache
func (sc *SignalCache) Close() {
	sc.cancel()
	sc.cache.Stop()
}

// logStats logs cache statistics periodically
func (sc *SignalCache) logStats(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := sc.Stats()
			if total := stats.Hits + stats.Misses; total > 0 {
				sc.logger.Info("Signal cache stats",
					zap.Uint64("hits", stats.Hits),
					zap.Uint64("misses", stats.Misses),
					zap.Float64("hit_rate_pct", float64(stats.Hits)/float64(total)*100),
					zap.Int("items", stats.Items))
			}
		}
	}
}

// Stats returns cache statistics
func (sc *SignalCache) Stats() SignalCacheStats {
	return SignalCacheStats{
		Hits:             sc.hits.Load(),
		Misses:           sc.misses.Load(),
		SingleflightHits: sc.sfHits.Load(),
		Items:            sc.cache.Len(),
	}
}
