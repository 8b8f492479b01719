package cacheworker

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	tee "github.com/always-cache/cache-worker/pkg/response-writer-tee"
)

// Fetcher performs network requests on behalf of the worker.
// A transport failure is returned as an error; HTTP error statuses are
// ordinary responses.
type Fetcher interface {
	Fetch(ctx context.Context, r *http.Request) (*http.Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, r *http.Request) (*http.Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	return f(ctx, r)
}

// HandlerFetcher serves requests from an in-process handler instead of the
// network, e.g. to run the worker as middleware in front of a site.
// A panic in the handler is returned as a network error.
func HandlerFetcher(h http.Handler) Fetcher {
	return FetcherFunc(func(ctx context.Context, r *http.Request) (res *http.Response, err error) {
		defer func() {
			if p := recover(); p != nil {
				res, err = nil, fmt.Errorf("handler panic: %v", p)
			}
		}()
		saver := tee.NewResponseSaver(nil)
		h.ServeHTTP(saver, r.Clone(ctx))
		return saver.Result(r), nil
	})
}

// OriginFetcher sends requests to a single origin server.
type OriginFetcher struct {
	originURL  string
	originHost string
	httpClient http.Client
}

// NewOriginFetcher creates a fetcher for the given origin.
// If originHost is set it is used as the Host header and TLS server name,
// e.g. when the origin URL is just an IP address.
func NewOriginFetcher(originURL url.URL, originHost string) *OriginFetcher {
	f := &OriginFetcher{
		originURL:  strings.TrimSuffix(originURL.String(), "/"),
		originHost: originHost,
		httpClient: http.Client{
			// do not follow redirects
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	// use provided hostname for origin if configured
	if originHost != "" {
		f.httpClient.Transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				ServerName: originHost,
			},
		}
	}
	return f
}

// Fetch the resource specified in the incoming request from the origin.
func (f *OriginFetcher) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	uri := f.originURL + r.URL.RequestURI()
	// need to specifically set body to nil on the outgoing request if content is zero length
	// see https://github.com/golang/go/issues/16036
	body := r.Body
	if r.ContentLength == 0 {
		body = nil
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, uri, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.ContentLength = r.ContentLength
	}
	if f.originHost != "" {
		req.Host = f.originHost
	}
	copyHeader(req.Header, r.Header)
	// do not forward connection header, this causes trouble
	req.Header.Del("Connection")
	return f.httpClient.Do(req)
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// this is a workaround to remove default headers sent by an upstream proxy
		// some servers do not like the presence of these headers in the downstream request
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}
