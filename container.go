package cacheworker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/always-cache/cache-worker/cache"
	cachekey "github.com/always-cache/cache-worker/pkg/cache-key"
	cachestatus "github.com/always-cache/cache-worker/pkg/cache-status"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// ErrInvalidScriptURL is returned when a worker script is not on the origin.
var ErrInvalidScriptURL = errors.New("invalid worker script url")

// Config configures a Container.
// Only Storage is required.
type Config struct {
	// Storage for the named caches.
	Storage cache.Storage
	// URL of the origin server.
	// Origins with paths are not supported.
	OriginURL url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	// Path of the page that registers workers. Relative script paths are
	// resolved against it. Defaults to "/".
	PagePath string
	// Network access. Defaults to an OriginFetcher for OriginURL.
	Fetcher Fetcher
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// How many times the runtime tries to install a new worker version.
	// Defaults to 3.
	InstallAttempts uint
	// Wait before the first install retry. Defaults to one second.
	InstallRetryInterval time.Duration
	// Registry for the container metrics. A private registry is used if nil.
	Metrics *prometheus.Registry
}

// Container is the worker runtime for one origin.
// It registers workers, drives their lifecycle, and dispatches every request
// it serves as a fetch event to the worker controlling the request's scope.
type Container struct {
	storage       cache.Storage
	fetcher       Fetcher
	keyer         cachekey.CacheKeyer
	log           zerolog.Logger
	metrics       *metrics
	pageURL       *url.URL
	attempts      uint
	retryInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mutex         *sync.RWMutex
	registrations map[string]*Registration
}

// NewContainer creates the runtime.
func NewContainer(config Config) (*Container, error) {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	// create a child logger and add defaults
	logger = logger.With().
		Str("origin", config.OriginURL.String()).
		Logger()

	if config.Storage == nil {
		return nil, errors.New("no cache storage configured")
	}
	pagePath := config.PagePath
	if pagePath == "" {
		pagePath = "/"
	}
	pageURL, err := url.Parse(pagePath)
	if err != nil {
		return nil, fmt.Errorf("parse page path: %w", err)
	}
	fetcher := config.Fetcher
	if fetcher == nil {
		fetcher = NewOriginFetcher(config.OriginURL, config.OriginHost)
	}
	attempts := config.InstallAttempts
	if attempts == 0 {
		attempts = 3
	}
	retryInterval := config.InstallRetryInterval
	if retryInterval == 0 {
		retryInterval = time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Container{
		storage:       config.Storage,
		fetcher:       fetcher,
		keyer:         cachekey.NewCacheKeyer(config.OriginURL.String()),
		log:           logger,
		metrics:       newMetrics(config.Metrics),
		pageURL:       pageURL,
		attempts:      attempts,
		retryInterval: retryInterval,
		ctx:           ctx,
		cancel:        cancel,
		mutex:         &sync.RWMutex{},
		registrations: make(map[string]*Registration),
	}, nil
}

// Close stops installs in progress.
func (c *Container) Close() {
	c.cancel()
}

// Register loads the worker script at scriptPath (relative to the page) and
// registers it for the script's directory.
//
// Register returns once the script has been loaded. Installing and activating
// happen in the background, use Registration.Wait to follow them.
// If the scope already runs a byte-identical script, nothing is reinstalled.
func (c *Container) Register(ctx context.Context, scriptPath string) (*Registration, error) {
	ref, err := url.Parse(scriptPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidScriptURL, err)
	}
	scriptURL := c.pageURL.ResolveReference(ref)
	if scriptURL.Host != "" || scriptURL.Scheme != "" {
		return nil, fmt.Errorf("%w: %s is not on the origin", ErrInvalidScriptURL, scriptPath)
	}
	scope := scriptURL.ResolveReference(&url.URL{Path: "./"}).Path
	log := c.log.With().Str("scope", scope).Logger()

	script, raw, err := loadScript(ctx, c.fetcher, scriptURL.String())
	if err != nil {
		return nil, err
	}

	c.mutex.Lock()
	reg, ok := c.registrations[scope]
	if !ok {
		reg = &Registration{
			Scope:     scope,
			ScriptURL: scriptURL.String(),
			container: c,
			log:       log,
			mutex:     &sync.RWMutex{},
		}
		c.registrations[scope] = reg
	}
	c.mutex.Unlock()

	if !reg.update(script, raw, scriptURL) {
		log.Debug().Msg("Worker script unchanged")
	}
	return reg, nil
}

// Controller returns the activated worker whose scope covers the request path.
// The longest matching scope wins.
func (c *Container) Controller(r *http.Request) *Worker {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	var (
		controller *Worker
		longest    = -1
	)
	for scope, reg := range c.registrations {
		if !strings.HasPrefix(r.URL.Path, scope) || len(scope) <= longest {
			continue
		}
		if active := reg.Active(); active != nil {
			controller = active
			longest = len(scope)
		}
	}
	return controller
}

// Registrations returns all registrations, in no particular order.
func (c *Container) Registrations() []*Registration {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	regs := make([]*Registration, 0, len(c.registrations))
	for _, reg := range c.registrations {
		regs = append(regs, reg)
	}
	return regs
}

// MetricsHandler serves the container metrics in the Prometheus format.
func (c *Container) MetricsHandler() http.Handler {
	return c.metrics.handler()
}

// ServeHTTP implements the http.Handler interface.
// Every request is a fetch event.
func (c *Container) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer c.recover(w, r)
	c.handle(w, r)
}

// recover recovers from panics and sends the request to the escape hatch if needed.
func (c *Container) recover(w http.ResponseWriter, r *http.Request) {
	if err := recover(); err != nil {
		c.log.WithLevel(zerolog.PanicLevel).Interface("error", err).Msg("Panic in fetch handler")
		c.escapeHatch(w, r)
	}
}

// escapeHatch is a fallback handler that just proxies the request to the origin.
func (c *Container) escapeHatch(w http.ResponseWriter, r *http.Request) {
	res, err := c.fetcher.Fetch(r.Context(), r)
	if err != nil {
		c.log.Error().Err(err).Msg("Error connecting to origin")
		http.Error(w, "Could not connect to origin", http.StatusBadGateway)
		return
	}
	var status cachestatus.CacheStatus
	status.Forward(cachestatus.FwdReasonBypass)
	c.send(w, r, res, status)
}

func (c *Container) handle(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	if log.GetLevel() == zerolog.Disabled {
		log = &c.log
	}
	log.Trace().Interface("headers", r.Header).Msgf("Incoming request: %s %s", r.Method, r.URL.Path)

	var (
		res    *http.Response
		status cachestatus.CacheStatus
		err    error
	)
	worker := c.Controller(r)
	if worker != nil {
		res, status, err = worker.handleFetch(r.Context(), r)
	} else {
		status.Forward(cachestatus.FwdReasonBypass)
		res, err = c.fetcher.Fetch(r.Context(), r)
	}
	controlled := boolLabel(worker != nil)
	if err != nil {
		c.metrics.fetchEvents.WithLabelValues(controlled, "error").Inc()
		log.Error().Err(err).Str("url", r.URL.String()).Msg("Could not fetch response from origin")
		status.Detail("network-error")
		w.Header().Set("Cache-Status", status.String())
		http.Error(w, "Error contacting origin", http.StatusBadGateway)
		return
	}
	c.metrics.fetchEvents.WithLabelValues(controlled, "ok").Inc()
	c.send(w, r, res, status)
}

func (c *Container) send(w http.ResponseWriter, r *http.Request, res *http.Response, status cachestatus.CacheStatus) {
	c.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("fwd", string(status.FwdReason)).
		Bool("stored", status.Stored).
		Int("status", res.StatusCode).
		Msg("Sending response to client")

	defer res.Body.Close()
	copyHeader(w.Header(), res.Header)
	w.Header().Add("Cache-Status", status.String())
	w.WriteHeader(res.StatusCode)
	bytesWritten, err := io.Copy(w, res.Body)
	if err != nil {
		c.log.Error().Err(err).Msg("Could not write response body to client")
	}
	c.log.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
}

// Registration binds a worker script to a scope.
type Registration struct {
	// Path prefix of the requests the registration controls.
	Scope string
	// Path of the worker script.
	ScriptURL string

	container *Container
	log       zerolog.Logger

	mutex      *sync.RWMutex
	raw        []byte
	installing *Worker
	active     *Worker
	done       chan struct{}
	installErr error
}

// Active returns the activated worker, or nil if no version has activated yet.
func (r *Registration) Active() *Worker {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.active
}

// Installing returns the worker version being installed, if any.
func (r *Registration) Installing() *Worker {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.installing
}

// Wait blocks until the latest install has finished and returns its error.
func (r *Registration) Wait(ctx context.Context) error {
	r.mutex.RLock()
	done := r.done
	r.mutex.RUnlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.installErr
}

// update starts installing the script unless it is the one already
// installed or being installed. It reports whether an install was started.
func (r *Registration) update(script Script, raw []byte, scriptURL *url.URL) bool {
	r.mutex.Lock()
	if r.raw != nil && bytes.Equal(r.raw, raw) && r.installErr == nil {
		r.mutex.Unlock()
		return false
	}
	c := r.container
	worker := newWorker(workerConfig{
		ctx:       c.ctx,
		script:    script,
		scriptURL: scriptURL,
		caches:    c.storage,
		fetcher:   c.fetcher,
		keyer:     c.keyer,
		log:       r.log,
		metrics:   c.metrics,
	})
	// a newer version replaces one still installing
	if r.installing != nil {
		r.installing.setState(StateRedundant)
	}
	r.raw = raw
	r.ScriptURL = scriptURL.String()
	r.installing = worker
	r.installErr = nil
	done := make(chan struct{})
	r.done = done
	r.mutex.Unlock()

	go r.install(worker, done)
	return true
}

func (r *Registration) install(worker *Worker, done chan struct{}) {
	defer close(done)
	c := r.container

	err := worker.setState(StateInstalling)
	if err == nil {
		err = r.installWithRetry(worker)
	}
	if err == nil {
		err = worker.setState(StateInstalled)
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()
	// superseded while installing
	if r.installing != worker {
		return
	}
	r.installing = nil
	if err != nil {
		worker.setState(StateRedundant)
		r.installErr = err
		r.raw = nil
		c.metrics.installs.WithLabelValues("failed").Inc()
		r.log.Error().Err(err).Msg("Worker install failed, previous version stays active")
		return
	}
	c.metrics.installs.WithLabelValues("installed").Inc()

	previous := r.active
	worker.setState(StateActivating)
	if previous != nil {
		previous.setState(StateRedundant)
	}
	worker.setState(StateActivated)
	r.active = worker
	r.log.Info().Msg("Worker activated")
}

// installWithRetry runs the install handler until it succeeds, the attempts
// run out, or the worker becomes redundant.
func (r *Registration) installWithRetry(worker *Worker) error {
	c := r.container
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryInterval
	attempt := 0
	_, err := backoff.Retry(worker.ctx, func() (struct{}, error) {
		attempt++
		err := worker.Install(worker.ctx)
		if err != nil {
			c.metrics.installs.WithLabelValues("attempt_failed").Inc()
			r.log.Warn().Err(err).Int("attempt", attempt).Msg("Install attempt failed")
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.attempts),
	)
	return err
}

// Status describes a registration, e.g. for status pages.
type Status struct {
	Scope      string   `json:"scope"`
	ScriptURL  string   `json:"scriptUrl"`
	State      State    `json:"state"`
	CacheName  string   `json:"cacheName,omitempty"`
	CachedURLs []string `json:"cachedUrls,omitempty"`
	InstallErr string   `json:"installError,omitempty"`
	Installing bool     `json:"installing"`
}

// Status returns the state of the registration and the contents of the active worker's cache.
func (r *Registration) Status(ctx context.Context) (Status, error) {
	r.mutex.RLock()
	status := Status{
		Scope:      r.Scope,
		ScriptURL:  r.ScriptURL,
		State:      StateUninstalled,
		Installing: r.installing != nil,
	}
	if r.installErr != nil {
		status.InstallErr = r.installErr.Error()
	}
	active := r.active
	r.mutex.RUnlock()

	if active == nil {
		return status, nil
	}
	status.State = active.State()
	status.CacheName = active.script.CacheName
	urls, err := active.CachedURLs(ctx)
	if err != nil {
		return status, err
	}
	status.CachedURLs = urls
	return status, nil
}
