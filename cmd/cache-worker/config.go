package main

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"time"

	cacheworker "github.com/always-cache/cache-worker"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const envPrefix = "CACHE_WORKER_"

// Config holds the runtime settings.
// Values come from the config file, then flags, then CACHE_WORKER_* environment
// variables, each overriding the previous.
type Config struct {
	Port    int    `yaml:"port" env:"PORT"`
	Origin  string `yaml:"origin" env:"ORIGIN"`
	Addr    string `yaml:"addr" env:"ADDR"`
	Host    string `yaml:"host" env:"HOST"`
	DB      string `yaml:"db" env:"DB"`
	Script  string `yaml:"script" env:"SCRIPT"`
	Page    string `yaml:"page" env:"PAGE"`
	LogFile string `yaml:"logFile" env:"LOG_FILE"`
	Trace   bool   `yaml:"trace" env:"TRACE"`

	InstallAttempts      uint          `yaml:"installAttempts" env:"INSTALL_ATTEMPTS"`
	InstallRetryInterval time.Duration `yaml:"installRetryInterval" env:"INSTALL_RETRY_INTERVAL"`
}

func defaultConfig() Config {
	return Config{
		Port:                 8080,
		DB:                   "cache.db",
		Script:               cacheworker.DefaultScriptPath,
		Page:                 "/",
		InstallAttempts:      3,
		InstallRetryInterval: time.Second,
	}
}

// loadConfig parses the command line and merges it with the config file and
// the environment. A nil environ means the process environment.
func loadConfig(args []string, environ map[string]string) (Config, error) {
	var (
		flags      = defaultConfig()
		configFile string
	)
	fs := flag.NewFlagSet("cache-worker", flag.ContinueOnError)
	fs.StringVar(&configFile, "config", "", "YAML config file")
	fs.StringVar(&flags.Origin, "origin", flags.Origin, "Origin URL to serve (overrides addr and host)")
	fs.StringVar(&flags.Addr, "addr", flags.Addr, "Origin IP address to serve")
	fs.StringVar(&flags.Host, "host", flags.Host, "Hostname of origin")
	fs.IntVar(&flags.Port, "port", flags.Port, "Port to listen on")
	fs.StringVar(&flags.DB, "db", flags.DB, "Cache DB file name (use 'memory' for in-memory db)")
	fs.StringVar(&flags.Script, "script", flags.Script, "Worker script path, relative to the page")
	fs.StringVar(&flags.Page, "page", flags.Page, "Path of the page registering the worker")
	fs.StringVar(&flags.LogFile, "log-file", flags.LogFile, "Log file to use (in addition to stdout)")
	fs.BoolVar(&flags.Trace, "vv", flags.Trace, "Verbosity: trace logging")
	fs.UintVar(&flags.InstallAttempts, "install-attempts", flags.InstallAttempts, "How many times to try installing a worker")
	fs.DurationVar(&flags.InstallRetryInterval, "install-retry", flags.InstallRetryInterval, "Wait before the first install retry")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	config := defaultConfig()
	if configFile != "" {
		b, err := os.ReadFile(configFile)
		if err != nil {
			return config, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &config); err != nil {
			return config, fmt.Errorf("parse config %s: %w", configFile, err)
		}
	}

	// only flags given on the command line override the file
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "origin":
			config.Origin = flags.Origin
		case "addr":
			config.Addr = flags.Addr
		case "host":
			config.Host = flags.Host
		case "port":
			config.Port = flags.Port
		case "db":
			config.DB = flags.DB
		case "script":
			config.Script = flags.Script
		case "page":
			config.Page = flags.Page
		case "log-file":
			config.LogFile = flags.LogFile
		case "vv":
			config.Trace = flags.Trace
		case "install-attempts":
			config.InstallAttempts = flags.InstallAttempts
		case "install-retry":
			config.InstallRetryInterval = flags.InstallRetryInterval
		}
	})

	opts := env.Options{Prefix: envPrefix, Environment: environ}
	if err := env.ParseWithOptions(&config, opts); err != nil {
		return config, fmt.Errorf("parse env: %w", err)
	}
	return config, nil
}

// OriginURL returns the origin to serve and the hostname to use for it.
func (c Config) OriginURL() (url.URL, string, error) {
	switch {
	case c.Origin != "":
		originURL, err := url.Parse(c.Origin)
		if err != nil {
			return url.URL{}, "", fmt.Errorf("parse origin: %w", err)
		}
		return *originURL, "", nil
	case c.Addr != "":
		originURL, err := url.Parse("https://" + c.Addr)
		if err != nil {
			return url.URL{}, "", fmt.Errorf("parse origin address: %w", err)
		}
		return *originURL, c.Host, nil
	default:
		return url.URL{}, "", errors.New("please specify origin")
	}
}
