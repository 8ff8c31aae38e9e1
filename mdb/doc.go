// Package mdb provides a memoized MongoDB connection for Go processes.
// Logging goes through the juju/loggo package unless Config.LogInfoFn is overridden.
//
// The Access struct contains the current Mongo client and database objects.
// It is returned from the Connect() function which also pings the database.
// Visible variables can be used to change default configuration and timeouts.
// The Access object provides a Disconnect() method suitable for use with defer.
//
// The Cache struct holds the one Access object for a process.
// Construct it once at startup, usually with NewCacheFromEnv() which reads
// MONGODB_URI and friends from the environment, and pass it to whatever needs
// the database. Cache.Get() connects on first use, concurrent first callers
// share a single connect attempt and later calls return the cached Access.
// A failed attempt is kept (KeepFailed, the default) or forgotten (EvictFailed)
// according to the cache's FailurePolicy.
//
// The AccessTestSuite struct is provided to wrap database connect/disconnect
// for use in tests that actually hit the database.
// The use of '//go:build database' separates these so that they are only run
// when using 'go test -tags database', without this tag only unit tests are run.
package mdb
