package cacheworker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultCacheName is the name of the cache store used when a script does not name one.
	DefaultCacheName = "my-site-cache-v1"
	// DefaultScriptPath is the path of the worker script, relative to the registering page.
	DefaultScriptPath = "../sw.yaml"

	maxScriptSize = 1 << 20
)

// DefaultURLsToCache is the asset list seeded into the cache at install time.
var DefaultURLsToCache = []string{
	"/",
	"/css/style.css",
	"/javascript/main.js",
}

// ErrInvalidScript is returned for worker scripts that cannot be installed.
var ErrInvalidScript = errors.New("invalid worker script")

// Script is the worker definition served by the origin.
//
//	cacheName: my-site-cache-v1
//	urlsToCache:
//	  - /
//	  - /css/style.css
//	  - /javascript/main.js
type Script struct {
	CacheName   string   `yaml:"cacheName"`
	URLsToCache []string `yaml:"urlsToCache"`
}

// DefaultScript returns the script used when the origin does not serve one.
func DefaultScript() Script {
	urls := make([]string, len(DefaultURLsToCache))
	copy(urls, DefaultURLsToCache)
	return Script{
		CacheName:   DefaultCacheName,
		URLsToCache: urls,
	}
}

// Validate checks that the script names a cache and that the asset list has no duplicates.
func (s Script) Validate() error {
	if s.CacheName == "" {
		return fmt.Errorf("%w: empty cacheName", ErrInvalidScript)
	}
	seen := make(map[string]struct{}, len(s.URLsToCache))
	for _, u := range s.URLsToCache {
		if u == "" {
			return fmt.Errorf("%w: empty url in urlsToCache", ErrInvalidScript)
		}
		if _, ok := seen[u]; ok {
			return fmt.Errorf("%w: duplicate url %s in urlsToCache", ErrInvalidScript, u)
		}
		seen[u] = struct{}{}
	}
	return nil
}

// ParseScript decodes a YAML worker script.
func ParseScript(b []byte) (Script, error) {
	var script Script
	if err := yaml.Unmarshal(b, &script); err != nil {
		return script, fmt.Errorf("%w: %w", ErrInvalidScript, err)
	}
	return script, script.Validate()
}

// loadScript fetches the worker script from the network.
// It returns the raw bytes as well, so updates can be detected.
func loadScript(ctx context.Context, fetcher Fetcher, scriptURL string) (Script, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, scriptURL, nil)
	if err != nil {
		return Script{}, nil, err
	}
	res, err := fetcher.Fetch(ctx, req)
	if err != nil {
		return Script{}, nil, fmt.Errorf("fetch worker script %s: %w", scriptURL, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return Script{}, nil, fmt.Errorf("fetch worker script %s: bad HTTP response code (%d)", scriptURL, res.StatusCode)
	}
	b, err := io.ReadAll(io.LimitReader(res.Body, maxScriptSize))
	if err != nil {
		return Script{}, nil, fmt.Errorf("read worker script %s: %w", scriptURL, err)
	}
	script, err := ParseScript(b)
	return script, b, err
}
