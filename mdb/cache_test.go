package mdb

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
)

const testURI = "mongodb://cache-test:27017"

var errRefused = errors.New("connection refused")

// fakeConnector counts calls and records the config of each one.
// If release is not nil each call blocks until it is closed.
type fakeConnector struct {
	mu      sync.Mutex
	calls   int32
	configs []Config
	uris    []string
	entered chan struct{}
	release chan struct{}
	fail    func(call int32) error
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{entered: make(chan struct{}, 100)}
}

func (fc *fakeConnector) connect(uri string, config *Config) (*Access, error) {
	call := atomic.AddInt32(&fc.calls, 1)
	fc.mu.Lock()
	fc.configs = append(fc.configs, *config)
	fc.uris = append(fc.uris, uri)
	fc.mu.Unlock()
	fc.entered <- struct{}{}
	if fc.release != nil {
		<-fc.release
	}
	if fc.fail != nil {
		if err := fc.fail(call); err != nil {
			return nil, err
		}
	}
	return &Access{config: *config}, nil
}

func (fc *fakeConnector) count() int {
	return int(atomic.LoadInt32(&fc.calls))
}

////////////////////////////////////////////////////////////////////////////////

type cacheTestSuite struct {
	suite.Suite
	connector *fakeConnector
	logged    []string
	logMu     sync.Mutex
}

func TestCacheSuite(t *testing.T) {
	suite.Run(t, new(cacheTestSuite))
}

func (suite *cacheTestSuite) SetupTest() {
	suite.connector = newFakeConnector()
	suite.logged = nil
}

func (suite *cacheTestSuite) config() *Config {
	return &Config{
		Database:       "cache-db",
		BufferCommands: true,
		LogInfoFn: func(msg string) {
			suite.logMu.Lock()
			defer suite.logMu.Unlock()
			suite.logged = append(suite.logged, msg)
		},
	}
}

func (suite *cacheTestSuite) newCache(options ...CacheOption) *Cache {
	options = append([]CacheOption{WithConnector(suite.connector.connect)}, options...)
	cache, err := NewCache(testURI, suite.config(), options...)
	suite.Require().NoError(err)
	suite.Require().NotNil(cache)
	return cache
}

func (suite *cacheTestSuite) TestNewCacheNoURI() {
	cache, err := NewCache("", nil)
	suite.ErrorIs(err, ErrMissingURI)
	suite.Nil(cache)
}

func (suite *cacheTestSuite) TestNewCacheDefaults() {
	cache, err := NewCache(testURI, nil)
	suite.Require().NoError(err)
	suite.Equal(KeepFailed, cache.Policy())
	suite.NotNil(cache.connect)
	suite.NotNil(cache.config.Ctx)
	suite.Equal(DefaultConnectTimeout, cache.config.Timeout.Connect)
}

func (suite *cacheTestSuite) TestNewCacheCopiesConfig() {
	config := suite.config()
	cache, err := NewCache(testURI, config, WithConnector(suite.connector.connect))
	suite.Require().NoError(err)
	config.Database = "changed"
	suite.Equal("cache-db", cache.config.Database)
}

func (suite *cacheTestSuite) TestMemoized() {
	cache := suite.newCache()
	first, err := cache.Get(context.Background())
	suite.Require().NoError(err)
	suite.Require().NotNil(first)
	for i := 0; i < 10; i++ {
		access, err := cache.Get(context.Background())
		suite.Require().NoError(err)
		suite.Same(first, access)
	}
	suite.Equal(1, suite.connector.count())
	suite.Equal([]string{testURI}, suite.connector.uris)
	suite.Equal(float64(1), testutil.ToFloat64(cache.metrics.attempts))
	suite.Equal(float64(10), testutil.ToFloat64(cache.metrics.hits))
	suite.Equal(float64(0), testutil.ToFloat64(cache.metrics.failures))
	suite.Contains(suite.logged, "Connecting to MongoDB")
}

func (suite *cacheTestSuite) TestConcurrentColdStart() {
	const callers = 5
	suite.connector.release = make(chan struct{})
	cache := suite.newCache()

	var wg sync.WaitGroup
	results := make([]*Access, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = cache.Get(context.Background())
		}(i)
	}

	<-suite.connector.entered
	// Give the other callers a chance to join the attempt before it completes.
	time.Sleep(20 * time.Millisecond)
	close(suite.connector.release)
	wg.Wait()

	suite.Equal(1, suite.connector.count())
	for i := 0; i < callers; i++ {
		suite.Require().NoError(errs[i])
		suite.Same(results[0], results[i])
	}
}

func (suite *cacheTestSuite) TestBufferingDisabled() {
	suite.connector.fail = func(call int32) error { return errRefused }
	cache := suite.newCache(WithFailurePolicy(EvictFailed))
	for i := 0; i < 3; i++ {
		_, err := cache.Get(context.Background())
		suite.Error(err)
	}
	suite.Require().Len(suite.connector.configs, 3)
	for _, config := range suite.connector.configs {
		suite.False(config.BufferCommands)
		suite.Equal("cache-db", config.Database)
	}
}

func (suite *cacheTestSuite) TestFailureKept() {
	suite.connector.fail = func(call int32) error {
		if call == 1 {
			return errRefused
		}
		return nil
	}
	cache := suite.newCache()

	access, err := cache.Get(context.Background())
	suite.Require().Error(err)
	suite.ErrorIs(err, errRefused)
	suite.Nil(access)

	access, again := cache.Get(context.Background())
	suite.Nil(access)
	suite.Equal(err, again)
	suite.Equal(1, suite.connector.count())
	suite.Equal(float64(1), testutil.ToFloat64(cache.metrics.failures))
}

func (suite *cacheTestSuite) TestFailureSharedByWaiters() {
	const callers = 4
	suite.connector.release = make(chan struct{})
	suite.connector.fail = func(call int32) error { return errRefused }
	cache := suite.newCache()

	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = cache.Get(context.Background())
		}(i)
	}
	<-suite.connector.entered
	close(suite.connector.release)
	wg.Wait()

	suite.Equal(1, suite.connector.count())
	for _, err := range errs {
		suite.ErrorIs(err, errRefused)
	}
}

func (suite *cacheTestSuite) TestFailureEvicted() {
	suite.connector.fail = func(call int32) error {
		if call == 1 {
			return errRefused
		}
		return nil
	}
	cache := suite.newCache(WithFailurePolicy(EvictFailed))

	_, err := cache.Get(context.Background())
	suite.ErrorIs(err, errRefused)

	access, err := cache.Get(context.Background())
	suite.Require().NoError(err)
	suite.NotNil(access)
	suite.Equal(2, suite.connector.count())

	again, err := cache.Get(context.Background())
	suite.Require().NoError(err)
	suite.Same(access, again)
	suite.Equal(2, suite.connector.count())
}

func (suite *cacheTestSuite) TestCallerCancelled() {
	suite.connector.release = make(chan struct{})
	cache := suite.newCache()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := cache.Get(ctx)
		done <- err
	}()
	<-suite.connector.entered
	cancel()
	suite.ErrorIs(<-done, context.Canceled)

	close(suite.connector.release)
	access, err := cache.Get(context.Background())
	suite.Require().NoError(err)
	suite.NotNil(access)
	suite.Equal(1, suite.connector.count())
}

func (suite *cacheTestSuite) TestClose() {
	cache := suite.newCache()
	_, err := cache.Get(context.Background())
	suite.Require().NoError(err)
	suite.NoError(cache.Close())
	suite.NoError(cache.Close())

	access, err := cache.Get(context.Background())
	suite.ErrorIs(err, ErrCacheClosed)
	suite.Nil(access)
	suite.Equal(1, suite.connector.count())
}

func (suite *cacheTestSuite) TestCloseBeforeConnect() {
	cache := suite.newCache()
	suite.NoError(cache.Close())
	_, err := cache.Get(context.Background())
	suite.ErrorIs(err, ErrCacheClosed)
	suite.Equal(0, suite.connector.count())
}

func (suite *cacheTestSuite) TestCloseDuringConnect() {
	suite.connector.release = make(chan struct{})
	cache := suite.newCache()

	done := make(chan error, 1)
	go func() {
		_, err := cache.Get(context.Background())
		done <- err
	}()
	<-suite.connector.entered
	suite.NoError(cache.Close())
	close(suite.connector.release)
	suite.ErrorIs(<-done, ErrCacheClosed)
	suite.Nil(cache.conn.Load())
}

func (suite *cacheTestSuite) TestHealthcheckFailure() {
	suite.connector.fail = func(call int32) error { return errRefused }
	cache := suite.newCache()
	err := cache.Healthcheck()(context.Background())
	suite.ErrorIs(err, ErrHealthcheckFailed)
	suite.ErrorIs(err, errRefused)
}

func (suite *cacheTestSuite) TestRegisterer() {
	registry := prometheus.NewRegistry()
	suite.newCache(WithRegisterer(registry))
	families, err := registry.Gather()
	suite.Require().NoError(err)
	names := make([]string, 0, len(families))
	for _, family := range families {
		names = append(names, family.GetName())
	}
	suite.Contains(names, "mdb_connect_attempts_total")
	suite.Contains(names, "mdb_connect_duration_seconds")

	// A second cache cannot register the same metrics.
	_, err = NewCache(testURI, nil, WithRegisterer(registry))
	suite.Error(err)
}

func (suite *cacheTestSuite) TestFailurePolicyString() {
	suite.Equal("keep-failed", KeepFailed.String())
	suite.Equal("evict-failed", EvictFailed.String())
	suite.Equal("FailurePolicy(7)", FailurePolicy(7).String())
}
