package mdb

// Would prefer to name this file ending in _test.go
//  so that it won't be included in generated code,
//  but then it can't be referenced from other packages for some reason,
//  so it couldn't be used (as designed) in tests in other packages.

import (
	"context"
	"os"

	"github.com/stretchr/testify/suite"
)

const AccessTestDBname = "db-test"

// AccessTestSuite connects through a Cache in SetupSuite and drops the test database in TearDownSuite.
// The server is taken from MONGODB_URI, or DefaultURI if that is not set.
type AccessTestSuite struct {
	suite.Suite
	cache  *Cache
	access *Access
}

func (suite *AccessTestSuite) Access() *Access {
	return suite.access
}

func (suite *AccessTestSuite) Cache() *Cache {
	return suite.cache
}

func (suite *AccessTestSuite) SetupSuite() {
	suite.SetupSuiteConfig(nil)
}

func (suite *AccessTestSuite) SetupSuiteConfig(config *Config) {
	if config == nil {
		config = &Config{}
	}
	config.Database = AccessTestDBname
	var err error
	suite.cache, err = NewCache(TestURI(), config)
	suite.Require().NoError(err, "create connection cache")
	suite.access, err = suite.cache.Get(context.Background())
	suite.Require().NoError(err, "connect to mongo")
	suite.access.Info("Suite setup")
}

func (suite *AccessTestSuite) TearDownSuite() {
	suite.access.Info("Suite teardown")
	suite.NoError(suite.access.Database().Drop(suite.access.Context()), "drop test database")
	suite.NoError(suite.cache.Close(), "disconnect from mongo")
}

// TestURI returns MONGODB_URI if it is set, otherwise DefaultURI.
func TestURI() string {
	if uri := os.Getenv(URIVariable); uri != "" {
		return uri
	}
	return DefaultURI
}
