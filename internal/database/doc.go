// Package database provides the TimescaleDB connection pool used by the
// stream_health sink.
package database
