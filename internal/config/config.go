// Package config loads and validates the server's JSON configuration file
// and turns it into an httpx.Server.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"dqx0.com/go/reactor/httpx"
	"dqx0.com/go/reactor/httpx/filecache"
	"dqx0.com/go/reactor/internal/obs"
)

// DefaultInterpreter is used when php_cgi_path is not set.
const DefaultInterpreter = "/usr/bin/php-cgi"

var ErrInvalid = errors.New("config: invalid")

type Config struct {
	Host           string            `json:"host"`
	Port           int               `json:"port"`
	DocumentRoot   string            `json:"document_root"`
	IndexFiles     []string          `json:"index_files"`
	Redirects      map[string]string `json:"redirects"`
	EnablePHP      *bool             `json:"enable_php"`
	PHPCGIPath     string            `json:"php_cgi_path"`
	ScriptExt      string            `json:"script_ext"`
	EnableProxy    bool              `json:"enable_proxy"`
	CacheCapacity  int               `json:"cache_capacity"`
	MaxHeaderBytes int               `json:"max_header_bytes"`
	MaxBodyBytes   int64             `json:"max_body_bytes"`
	IdleTimeout    Duration          `json:"idle_timeout"`
	CGITimeout     Duration          `json:"cgi_timeout"`
	CGIWorkers     int               `json:"cgi_workers"`
	LogLevel       string            `json:"log_level"`
}

// Duration accepts either a Go duration string ("30s") or a number of
// seconds.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return err
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

// Load reads the file at path. See Parse.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Parse decodes and validates a configuration. host, port and document_root
// are required; the document root is made absolute.
func Parse(b []byte) (*Config, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	for _, key := range []string{"host", "port", "document_root"} {
		if _, ok := raw[key]; !ok {
			return nil, fmt.Errorf("%w: missing required key %q", ErrInvalid, key)
		}
	}
	var c Config
	if err := json.NewDecoder(bytes.NewReader(b)).Decode(&c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(c.DocumentRoot)
	if err != nil {
		return nil, fmt.Errorf("%w: document_root: %v", ErrInvalid, err)
	}
	c.DocumentRoot = abs
	return &c, nil
}

func (c *Config) Validate() error {
	switch {
	case c.Port < 0 || c.Port > 65535:
		return fmt.Errorf("%w: port: %d out of range", ErrInvalid, c.Port)
	case c.DocumentRoot == "":
		return fmt.Errorf("%w: document_root: empty", ErrInvalid)
	case c.CacheCapacity < 0:
		return fmt.Errorf("%w: cache_capacity: negative", ErrInvalid)
	case c.MaxHeaderBytes < 0:
		return fmt.Errorf("%w: max_header_bytes: negative", ErrInvalid)
	case c.MaxBodyBytes < 0:
		return fmt.Errorf("%w: max_body_bytes: negative", ErrInvalid)
	case c.CGIWorkers < 0:
		return fmt.Errorf("%w: cgi_workers: negative", ErrInvalid)
	}
	for path := range c.Redirects {
		if len(path) == 0 || path[0] != '/' {
			return fmt.Errorf("%w: redirects: %q is not an absolute path", ErrInvalid, path)
		}
	}
	return nil
}

// Addr is host:port.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// PHPEnabled defaults to true when enable_php is absent.
func (c *Config) PHPEnabled() bool {
	return c.EnablePHP == nil || *c.EnablePHP
}

// Server builds a server for c with its own cache.
func (c *Config) Server(logger obs.Logger, meter obs.Meter) (*httpx.Server, error) {
	cache, err := filecache.New(c.CacheCapacity)
	if err != nil {
		return nil, err
	}
	interp := c.PHPCGIPath
	if interp == "" {
		interp = DefaultInterpreter
	}
	return &httpx.Server{
		Addr:           c.Addr(),
		Root:           c.DocumentRoot,
		IndexFiles:     c.IndexFiles,
		Redirects:      c.Redirects,
		EnableCGI:      c.PHPEnabled(),
		Interpreter:    interp,
		ScriptExt:      c.ScriptExt,
		EnableProxy:    c.EnableProxy,
		Cache:          cache,
		MaxHeaderBytes: c.MaxHeaderBytes,
		MaxBodyBytes:   c.MaxBodyBytes,
		IdleTimeout:    time.Duration(c.IdleTimeout),
		CGITimeout:     time.Duration(c.CGITimeout),
		Workers:        c.CGIWorkers,
		ServerName:     c.Host,
		Logger:         logger,
		Meter:          meter,
	}, nil
}
