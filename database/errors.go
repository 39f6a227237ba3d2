// Package database opens the Redis and PostgreSQL connections the service depends on and
// applies the schema migrations.
package database

import "errors"

var (
	ErrEmptyRedisURL            = errors.New("empty redis connection url")
	ErrFailedToParseRedisURL    = errors.New("failed to parse redis connection url")
	ErrRedisNotReady            = errors.New("redis did not become ready within the given attempts")
	ErrEmptyConnectionString    = errors.New("empty postgres connection string, use DATABASE_URL env var")
	ErrFailedToParseDBConfig    = errors.New("failed to parse db config")
	ErrFailedToOpenDBConnection = errors.New("failed to open db connection")
	ErrFailedToApplyMigrations  = errors.New("failed to apply migrations")
)
