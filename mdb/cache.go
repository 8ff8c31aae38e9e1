package mdb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
)

// Connector opens a new connection.
// Connect is the default Connector.
type Connector func(uri string, config *Config) (*Access, error)

// FailurePolicy decides what happens to a failed connect attempt.
type FailurePolicy int

const (
	// KeepFailed retains the error of a failed attempt.
	// Every later Get returns the same error and no new attempt is made.
	KeepFailed FailurePolicy = iota

	// EvictFailed forgets a failed attempt so the next Get makes a new one.
	EvictFailed
)

func (fp FailurePolicy) String() string {
	switch fp {
	case KeepFailed:
		return "keep-failed"
	case EvictFailed:
		return "evict-failed"
	default:
		return fmt.Sprintf("FailurePolicy(%d)", int(fp))
	}
}

// Cache memoizes a single connection for the life of the process.
// The first Get opens the connection, concurrent callers share that one
// attempt and every later call returns the same *Access.
type Cache struct {
	uri        string
	config     Config
	connect    Connector
	policy     FailurePolicy
	registerer prometheus.Registerer
	metrics    *cacheMetrics

	conn   atomic.Pointer[Access]
	closed atomic.Bool
	flight singleflight.Group

	// mu guards failed and the check-and-set around conn and closed.
	mu     sync.Mutex
	failed error
}

// CacheOption configures a Cache.
type CacheOption func(c *Cache)

// WithConnector replaces Connect as the function that opens the connection.
func WithConnector(connector Connector) CacheOption {
	return func(c *Cache) {
		if connector != nil {
			c.connect = connector
		}
	}
}

// WithFailurePolicy sets the handling of failed connect attempts. The default is KeepFailed.
func WithFailurePolicy(policy FailurePolicy) CacheOption {
	return func(c *Cache) {
		c.policy = policy
	}
}

// WithRegisterer registers the cache metrics with the specified registerer.
func WithRegisterer(registerer prometheus.Registerer) CacheOption {
	return func(c *Cache) {
		c.registerer = registerer
	}
}

const flightKey = "connect"

// NewCache returns an empty cache for the specified URI.
// No connection is made until the first call to Get.
// The config is copied, a nil config uses the defaults.
func NewCache(uri string, config *Config, options ...CacheOption) (*Cache, error) {
	if uri == "" {
		return nil, ErrMissingURI
	}

	var cfg Config
	if config != nil {
		cfg = *config
	}

	cache := &Cache{
		uri:     uri,
		config:  *fixConfig(&cfg),
		connect: Connect,
		policy:  KeepFailed,
		metrics: newCacheMetrics(),
	}
	for _, option := range options {
		option(cache)
	}

	if cache.registerer != nil {
		if err := cache.metrics.register(cache.registerer); err != nil {
			return nil, err
		}
	}

	return cache, nil
}

// NewCacheFromEnv returns a cache configured by LoadEnv.
// Options are applied after the failure policy selected by the environment.
func NewCacheFromEnv(options ...CacheOption) (*Cache, error) {
	envConfig, err := LoadEnv()
	if err != nil {
		return nil, err
	}

	options = append([]CacheOption{WithFailurePolicy(envConfig.FailurePolicy())}, options...)
	return NewCache(envConfig.URI, envConfig.Config(), options...)
}

// MustCacheFromEnv returns a cache configured by LoadEnv or panics.
// Use it during process startup where missing configuration is fatal.
func MustCacheFromEnv(options ...CacheOption) *Cache {
	cache, err := NewCacheFromEnv(options...)
	if err != nil {
		panic(err)
	}

	return cache
}

// Get returns the cached connection, connecting on first use.
// A call that finds the connection already cached returns without blocking.
// Otherwise the call waits for the single shared connect attempt or for ctx to be done.
// The attempt itself runs on Config.Ctx so a cancelled caller doesn't fail the others.
func (c *Cache) Get(ctx context.Context) (*Access, error) {
	if conn := c.conn.Load(); conn != nil && !c.closed.Load() {
		c.metrics.hits.Inc()
		return conn, nil
	}

	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		return nil, ErrCacheClosed
	}
	if c.failed != nil {
		err := c.failed
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-c.flight.DoChan(flightKey, c.attempt):
		if result.Err != nil {
			return nil, result.Err
		}
		return result.Val.(*Access), nil
	}
}

// attempt runs at most once at a time within the singleflight group.
// State is checked again here since a caller may have missed the end of an earlier attempt.
func (c *Cache) attempt() (interface{}, error) {
	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		return nil, ErrCacheClosed
	}
	if conn := c.conn.Load(); conn != nil {
		c.mu.Unlock()
		return conn, nil
	}
	if c.failed != nil {
		err := c.failed
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()

	config := c.config
	config.BufferCommands = false

	c.metrics.attempts.Inc()
	c.info("Connecting to MongoDB")
	start := time.Now()
	access, err := c.connect(c.uri, &config)
	c.metrics.duration.Observe(time.Since(start).Seconds())

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		c.metrics.failures.Inc()
		err = fmt.Errorf("connect attempt: %w", err)
		c.info(fmt.Sprintf("Connect failed (%s): %s", c.policy, err))
		if c.policy == KeepFailed {
			c.failed = err
		}
		return nil, err
	}

	if c.closed.Load() {
		// Closed while connecting, nothing will ever use this connection.
		if access != nil && access.client != nil {
			_ = access.Disconnect()
		}
		return nil, ErrCacheClosed
	}

	c.conn.Store(access)
	return access, nil
}

// Close disconnects the cached connection, if any.
// The cache cannot be used afterwards, Get returns ErrCacheClosed.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed.Swap(true) {
		c.mu.Unlock()
		return nil
	}
	conn := c.conn.Load()
	c.mu.Unlock()

	if conn == nil || conn.client == nil {
		return nil
	}

	return conn.Disconnect()
}

// Healthcheck returns a function suitable for readiness or liveness probes.
// The function connects on first use and pings the server.
func (c *Cache) Healthcheck() func(context.Context) error {
	return func(ctx context.Context) error {
		access, err := c.Get(ctx)
		if err == nil {
			err = access.Ping()
		}
		if err != nil {
			return errors.Join(ErrHealthcheckFailed, err)
		}
		return nil
	}
}

// Policy returns the failure policy of the cache.
func (c *Cache) Policy() FailurePolicy {
	return c.policy
}

func (c *Cache) info(msg string) {
	c.config.LogInfoFn(msg)
}
