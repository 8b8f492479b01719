package cacheworker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/always-cache/cache-worker/cache"
	cachekey "github.com/always-cache/cache-worker/pkg/cache-key"
	cachestatus "github.com/always-cache/cache-worker/pkg/cache-status"
	serializer "github.com/always-cache/cache-worker/pkg/response-serializer"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrInstallFailed is returned when a worker could not seed its cache.
	ErrInstallFailed = errors.New("install failed")
	// ErrNotStorable is returned when a request/response pair cannot be put in a cache.
	ErrNotStorable = errors.New("response not storable")
)

// Worker runs the install and fetch handlers of one script version.
type Worker struct {
	script    Script
	scriptURL *url.URL
	caches    cache.Storage
	fetcher   Fetcher
	keyer     cachekey.CacheKeyer
	log       zerolog.Logger
	metrics   *metrics

	// canceled when the worker becomes redundant
	ctx    context.Context
	cancel context.CancelFunc

	mutex *sync.RWMutex
	state State
}

type workerConfig struct {
	ctx       context.Context
	script    Script
	scriptURL *url.URL
	caches    cache.Storage
	fetcher   Fetcher
	keyer     cachekey.CacheKeyer
	log       zerolog.Logger
	metrics   *metrics
}

func newWorker(c workerConfig) *Worker {
	parent := c.ctx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Worker{
		script:    c.script,
		scriptURL: c.scriptURL,
		caches:    c.caches,
		fetcher:   c.fetcher,
		keyer:     c.keyer,
		log: c.log.With().
			Str("script", c.scriptURL.String()).
			Str("cache", c.script.CacheName).
			Logger(),
		metrics: c.metrics,
		ctx:     ctx,
		cancel:  cancel,
		mutex:   &sync.RWMutex{},
		state:   StateUninstalled,
	}
}

// Script returns the definition the worker runs.
func (w *Worker) Script() Script {
	return w.script
}

// Install seeds the cache with every url of the script.
// The assets are fetched concurrently and stored all at once: if any fetch
// fails or gets a non-OK response, nothing is stored and an error wrapping
// ErrInstallFailed is returned.
// Install is aborted when the worker becomes redundant, and a redundant
// worker never writes to its cache.
func (w *Worker) Install(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(w.ctx, cancel)
	defer stop()

	assets, err := w.assetURLs()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}
	store, err := w.caches.Open(ctx, w.script.CacheName)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}
	w.log.Debug().Msg("Opened cache")

	entries := make([]cache.Entry, len(assets))
	g, gctx := errgroup.WithContext(ctx)
	for i, asset := range assets {
		g.Go(func() error {
			entry, err := w.fetchAsset(gctx, asset)
			if err != nil {
				return err
			}
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	// becoming redundant waits for the write to finish
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	if w.state == StateRedundant {
		return fmt.Errorf("%w: worker is redundant", ErrInstallFailed)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}
	if err := store.PutAll(ctx, entries); err != nil {
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}
	w.log.Debug().Int("assets", len(entries)).Msg("Cached all assets")
	return nil
}

// assetURLs resolves the asset list against the script URL.
// Every asset must be on the origin and map to its own cache key.
func (w *Worker) assetURLs() ([]*url.URL, error) {
	assets := make([]*url.URL, 0, len(w.script.URLsToCache))
	seen := make(map[string]string, len(w.script.URLsToCache))
	for _, asset := range w.script.URLsToCache {
		ref, err := url.Parse(asset)
		if err != nil {
			return nil, fmt.Errorf("%w: parse asset url %s: %w", ErrInvalidScript, asset, err)
		}
		assetURL := w.scriptURL.ResolveReference(ref)
		if assetURL.Scheme != "" || assetURL.Host != "" {
			return nil, fmt.Errorf("%w: asset %s is not on the origin", ErrInvalidScript, asset)
		}
		uri := assetURL.RequestURI()
		if other, ok := seen[uri]; ok {
			return nil, fmt.Errorf("%w: assets %s and %s are the same request", ErrInvalidScript, other, asset)
		}
		seen[uri] = asset
		assets = append(assets, assetURL)
	}
	return assets, nil
}

func (w *Worker) fetchAsset(ctx context.Context, assetURL *url.URL) (cache.Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, assetURL.String(), nil)
	if err != nil {
		return cache.Entry{}, err
	}
	res, err := w.fetcher.Fetch(ctx, req)
	if err != nil {
		return cache.Entry{}, fmt.Errorf("fetch %s: %w", assetURL, err)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		res.Body.Close()
		return cache.Entry{}, fmt.Errorf("fetch %s: bad HTTP response code (%d)", assetURL, res.StatusCode)
	}
	b, err := serializer.Duplicate(res)
	if err != nil {
		return cache.Entry{}, fmt.Errorf("fetch %s: %w", assetURL, err)
	}
	w.log.Trace().Stringer("asset", assetURL).Int("bytes", len(b)).Msg("Fetched asset")
	return cache.Entry{
		Key:      w.keyer.GetKey(req),
		StoredAt: time.Now(),
		Bytes:    b,
	}, nil
}

// HandleFetch handles a fetch event for the given request.
//
// The cache is consulted, but the cached response is never used: the request
// always goes to the network and the network response replaces whatever was
// stored under the request key. The response returned to the caller is a copy
// of the one stored.
//
// If the network fetch fails the error is returned as is and the cache is not
// touched. Failing to write the cache does not fail the request.
func (w *Worker) HandleFetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	res, _, err := w.handleFetch(ctx, r)
	return res, err
}

func (w *Worker) handleFetch(ctx context.Context, r *http.Request) (*http.Response, cachestatus.CacheStatus, error) {
	var status cachestatus.CacheStatus
	key := w.keyer.GetKey(r)
	log := w.log.With().Str("key", key).Logger()

	store, err := w.caches.Open(ctx, w.script.CacheName)
	if err != nil {
		log.Error().Err(err).Msg("Could not open cache")
		return nil, status, err
	}

	// the lookup result only shows up in logs, metrics and headers
	_, found, err := store.Match(ctx, key)
	if err != nil {
		log.Error().Err(err).Msg("Could not look up cache")
		return nil, status, err
	}
	if found {
		status.Forward(cachestatus.FwdReasonRequest)
		w.metrics.lookups.WithLabelValues(w.script.CacheName, "hit").Inc()
	} else {
		status.Forward(cachestatus.FwdReasonUriMiss)
		w.metrics.lookups.WithLabelValues(w.script.CacheName, "miss").Inc()
	}
	log.Trace().Bool("found", found).Msg("Looked up cache, fetching from network")

	res, err := w.fetcher.Fetch(ctx, r)
	if err != nil {
		log.Debug().Err(err).Msg("Network fetch failed")
		return nil, status, err
	}

	if err := storable(r, res); err != nil {
		log.Debug().Err(err).Int("status", res.StatusCode).Msg("Not writing to cache")
		w.metrics.writes.WithLabelValues(w.script.CacheName, "skipped").Inc()
		return res, status, nil
	}

	b, err := serializer.Duplicate(res)
	if err != nil {
		// the body could not be read, there is nothing to serve either
		log.Error().Err(err).Msg("Could not read network response")
		return nil, status, err
	}
	err = store.Put(ctx, cache.Entry{
		Key:      key,
		StoredAt: time.Now(),
		Bytes:    b,
	})
	if err != nil {
		log.Error().Err(err).Msg("Could not write to cache")
		w.metrics.writes.WithLabelValues(w.script.CacheName, "error").Inc()
	} else {
		log.Trace().Int("bytes", len(b)).Msg("Cache write")
		w.metrics.writes.WithLabelValues(w.script.CacheName, "stored").Inc()
		status.Store()
	}
	return res, status, nil
}

// storable implements the rules of the cache put operation:
// only GET requests are stored, and partial responses never are.
func storable(r *http.Request, res *http.Response) error {
	if r.Method != "" && r.Method != http.MethodGet {
		return fmt.Errorf("%w: request method %s", ErrNotStorable, r.Method)
	}
	if res.StatusCode == http.StatusPartialContent {
		return fmt.Errorf("%w: partial response", ErrNotStorable)
	}
	for _, v := range res.Header.Values("Vary") {
		if v == "*" {
			return fmt.Errorf("%w: Vary *", ErrNotStorable)
		}
	}
	return nil
}

// CachedURLs lists the request URLs stored in the worker's cache.
func (w *Worker) CachedURLs(ctx context.Context) ([]string, error) {
	store, err := w.caches.Open(ctx, w.script.CacheName)
	if err != nil {
		return nil, err
	}
	keys, err := store.Keys(ctx)
	if err != nil {
		return nil, err
	}
	urls := make([]string, 0, len(keys))
	for _, key := range keys {
		// keys of other origins may share the cache
		if u, err := w.keyer.URLFromKey(key); err == nil {
			urls = append(urls, u)
		}
	}
	return urls, nil
}

// Cached returns the stored response for the request, if any.
func (w *Worker) Cached(ctx context.Context, r *http.Request) (*http.Response, bool, error) {
	store, err := w.caches.Open(ctx, w.script.CacheName)
	if err != nil {
		return nil, false, err
	}
	entry, ok, err := store.Match(ctx, w.keyer.GetKey(r))
	if err != nil || !ok {
		return nil, false, err
	}
	res, err := serializer.BytesToResponse(entry.Bytes, r)
	if err != nil {
		return nil, false, err
	}
	return res, true, nil
}
