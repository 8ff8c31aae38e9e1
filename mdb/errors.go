package mdb

import "errors"

var (
	// ErrMissingURI is returned when no connection URI is configured.
	ErrMissingURI = errors.New("no mongo connection URI")

	// ErrParsingConfig is returned when environment variables cannot be parsed into EnvConfig.
	ErrParsingConfig = errors.New("failed to parse mongo environment config")

	// ErrCacheClosed is returned by Cache.Get after Cache.Close.
	ErrCacheClosed = errors.New("mongo connection cache closed")

	ErrHealthcheckFailed = errors.New("mongo healthcheck failed")
)
