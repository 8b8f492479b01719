package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	cacheworker "github.com/always-cache/cache-worker"
	"github.com/always-cache/cache-worker/cache"

	"github.com/rs/zerolog"
)

func TestConfigDefaults(t *testing.T) {
	config, err := loadConfig(nil, map[string]string{})
	if err != nil {
		t.Fatal(err)
	}
	if config.Port != 8080 || config.DB != "cache.db" || config.Script != "../sw.yaml" || config.InstallAttempts != 3 {
		t.Fatalf("Defaults are %+v", config)
	}
	if _, _, err := config.OriginURL(); err == nil {
		t.Fatal("Missing origin accepted")
	}
}

func TestConfigPrecedence(t *testing.T) {
	file := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(file, []byte(`
port: 9000
origin: http://from-file
db: file.db
installRetryInterval: 250ms
`), 0644)

	config, err := loadConfig(
		[]string{"-config", file, "-origin", "http://from-flag", "-vv"},
		map[string]string{"CACHE_WORKER_ORIGIN": "http://from-env"},
	)
	if err != nil {
		t.Fatal(err)
	}
	if config.Origin != "http://from-env" {
		t.Fatalf("Origin is %s", config.Origin)
	}
	if config.Port != 9000 || config.DB != "file.db" || config.InstallRetryInterval != 250*time.Millisecond {
		t.Fatalf("File values lost: %+v", config)
	}
	if !config.Trace {
		t.Fatal("Flag value lost")
	}
	// flags left at their default do not override the file
	config, _ = loadConfig([]string{"-config", file}, map[string]string{})
	if config.Port != 9000 {
		t.Fatalf("Port is %d", config.Port)
	}
}

func TestConfigEnvError(t *testing.T) {
	_, err := loadConfig(nil, map[string]string{"CACHE_WORKER_PORT": "not-an-int"})
	if err == nil || !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("Error is %v", err)
	}
}

func TestOriginFromAddress(t *testing.T) {
	config := Config{Addr: "10.0.0.1", Host: "example.com"}
	originURL, host, err := config.OriginURL()
	if err != nil {
		t.Fatal(err)
	}
	if originURL.String() != "https://10.0.0.1" || host != "example.com" {
		t.Fatalf("Origin is %s (%s)", originURL.String(), host)
	}
}

func TestRouter(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/sw.yaml" {
			io.WriteString(w, "cacheName: test\nurlsToCache: [/]\n")
			return
		}
		io.WriteString(w, "page "+r.URL.Path)
	}))
	defer origin.Close()
	originURL, _ := url.Parse(origin.URL)

	storage, err := cache.NewSQLiteStorage("")
	if err != nil {
		t.Fatal(err)
	}
	defer storage.Close()
	logger := zerolog.Nop()
	container, err := cacheworker.NewContainer(cacheworker.Config{
		Storage:   storage,
		OriginURL: *originURL,
		Logger:    &logger,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer container.Close()
	reg := cacheworker.Bootstrap(context.Background(), container, cacheworker.DefaultScriptPath, logger)
	if reg == nil {
		t.Fatal("Registration failed")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := reg.Wait(ctx); err != nil {
		t.Fatal(err)
	}

	router := newRouter(container, logger)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("GET", "/hello", nil))
	if rr.Body.String() != "page /hello" {
		t.Fatalf("Body is %s", rr.Body.String())
	}
	if rr.Header().Get("X-Request-Id") == "" {
		t.Fatal("No request id")
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("GET", "/.cache-worker/status", nil))
	var statuses []cacheworker.Status
	if err := json.Unmarshal(rr.Body.Bytes(), &statuses); err != nil {
		t.Fatalf("Could not decode status: %v", err)
	}
	if len(statuses) != 1 || statuses[0].Scope != "/" || statuses[0].CacheName != "test" {
		t.Fatalf("Status is %+v", statuses)
	}
	if len(statuses[0].CachedURLs) != 2 {
		t.Fatalf("Cached urls are %v", statuses[0].CachedURLs)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("GET", "/.cache-worker/metrics", nil))
	if !strings.Contains(rr.Body.String(), "cache_worker_fetch_events_total") {
		t.Fatalf("Metrics are %s", rr.Body.String())
	}
}
