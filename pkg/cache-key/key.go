package cachekey

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrorMethodNotSupported = errors.New("Method not supported")
	ErrorMalformedKey       = errors.New("Malformed key")
)

const (
	originSeparator = ":"
	methodSeparator = ":"
)

// CacheKeyer builds cache keys from request identity, i.e. method and URL.
type CacheKeyer struct {
	// Unique identifier for the origin.
	// Usually this should be the origin - well - origin.
	OriginId string
	// Cache key prefix for this origin
	OriginPrefix string
}

func NewCacheKeyer(originId string) CacheKeyer {
	return CacheKeyer{
		OriginId:     originId,
		OriginPrefix: originId + originSeparator,
	}
}

// MethodPrefix gets the key prefix for the origin with the given method.
// E.g. prefix for all GET requests in the cache.
func (c CacheKeyer) MethodPrefix(method string) string {
	return c.OriginPrefix + method + methodSeparator
}

// GetKey returns the cache key for a request.
// Headers and body do not take part in the key.
func (c CacheKeyer) GetKey(r *http.Request) string {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	return c.MethodPrefix(method) + r.URL.RequestURI()
}

// GetRequestFromKey generates a caching-wise equal request to the one that resulted in the
// provided key.
// Only GET keys can be turned back into requests.
func (c CacheKeyer) GetRequestFromKey(key string) (*http.Request, error) {
	method, uri, err := c.split(key)
	if err != nil {
		return nil, err
	}
	if method != http.MethodGet {
		return nil, fmt.Errorf("%w: %s", ErrorMethodNotSupported, method)
	}
	return http.NewRequest(method, uri, nil)
}

// URLFromKey returns the request URI part of a key.
func (c CacheKeyer) URLFromKey(key string) (string, error) {
	_, uri, err := c.split(key)
	return uri, err
}

func (c CacheKeyer) split(key string) (string, string, error) {
	if !strings.HasPrefix(key, c.OriginPrefix) {
		return "", "", fmt.Errorf("%w: key and origin do not match: %s", ErrorMalformedKey, key)
	}
	keyNoOrigin := strings.TrimPrefix(key, c.OriginPrefix)
	method, uri, found := strings.Cut(keyNoOrigin, methodSeparator)
	if !found || method == "" || uri == "" {
		return "", "", fmt.Errorf("%w: %s", ErrorMalformedKey, key)
	}
	return method, uri, nil
}
