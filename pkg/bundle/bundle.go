package bundle

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/avast/retry-go"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/musterhq/muster/pkg/config"
	"github.com/musterhq/muster/pkg/log"
	"github.com/musterhq/muster/pkg/metrics"
	"github.com/musterhq/muster/pkg/types"
)

// Fetcher retrieves bundle bytes from an origin. The HTTP client is the
// production implementation; tests substitute in-memory fetchers.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// HTTPFetcher fetches bundles over HTTP(S).
type HTTPFetcher struct {
	Client *http.Client
}

// Fetch downloads the bundle at url, bounded by the pack size limit.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build bundle request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch bundle: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("origin returned status %d for %s", resp.StatusCode, url)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read bundle body: %w", err)
	}
	return data, nil
}

// Distributor resolves pack bytes: inline, then cache, then origin.
// Cached bundles share a byte budget with LRU eviction; single bundles
// over the per-entry limit are served but never cached.
type Distributor struct {
	fetcher Fetcher
	cfg     config.BundleConfig
	logger  zerolog.Logger

	mu    sync.Mutex
	cache *lru.Cache[string, []byte]
	bytes int64
}

// NewDistributor creates a distributor with the given origin transport.
func NewDistributor(cfg config.BundleConfig, fetcher Fetcher) (*Distributor, error) {
	d := &Distributor{
		fetcher: fetcher,
		cfg:     cfg,
		logger:  log.WithComponent("bundle"),
	}
	// The entry-count bound is a backstop; the byte budget below is the
	// real cap.
	cache, err := lru.NewWithEvict[string, []byte](4096, func(_ string, value []byte) {
		d.bytes -= int64(len(value))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bundle cache: %w", err)
	}
	d.cache = cache
	return d, nil
}

// Resolve returns the bytes for a pack version. The pack's inline bytes
// win; otherwise the cache is consulted, and finally the origin is
// fetched with retries. Failures come back as BUNDLE_UNAVAILABLE.
func (d *Distributor) Resolve(ctx context.Context, pack *types.Pack) ([]byte, error) {
	if len(pack.BundleBytes) > 0 {
		return pack.BundleBytes, nil
	}

	key := pack.Ref()
	d.mu.Lock()
	data, ok := d.cache.Get(key)
	d.mu.Unlock()
	if ok {
		metrics.BundleCacheHits.Inc()
		return data, nil
	}
	metrics.BundleCacheMisses.Inc()

	if pack.BundleURL == "" {
		return nil, types.Errorf(types.CodeBundleUnavailable,
			"pack %s has no inline bytes and no bundle url", key)
	}
	if d.fetcher == nil {
		return nil, types.Errorf(types.CodeBundleUnavailable,
			"pack %s needs an origin fetch but no transport is configured", key)
	}

	attempts := d.cfg.FetchRetries
	if attempts <= 0 {
		attempts = 1
	}
	var fetched []byte
	err := retry.Do(
		func() error {
			var ferr error
			fetched, ferr = d.fetcher.Fetch(ctx, pack.BundleURL)
			return ferr
		},
		retry.Attempts(uint(attempts)),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, types.Errorf(types.CodeBundleUnavailable,
			"failed to fetch bundle for %s: %v", key, err)
	}

	d.put(key, fetched)
	return fetched, nil
}

// put caches a fetched bundle, evicting oldest entries until the byte
// budget holds. Oversize bundles are not cached at all.
func (d *Distributor) put(key string, data []byte) {
	size := int64(len(data))
	if size == 0 || size > d.cfg.MaxCacheEntry {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	// Remove first so replacing an entry releases its old bytes through
	// the evict callback.
	d.cache.Remove(key)
	d.cache.Add(key, data)
	d.bytes += size
	for d.bytes > d.cfg.CacheSize && d.cache.Len() > 0 {
		if _, _, ok := d.cache.RemoveOldest(); !ok {
			break
		}
	}
}

// CachedBytes reports the cache's current byte footprint.
func (d *Distributor) CachedBytes() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bytes
}

// Invalidate drops a cached bundle, if present.
func (d *Distributor) Invalidate(packRef string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cache.Remove(packRef)
}
